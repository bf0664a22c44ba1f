package charging

import (
	"math"
	"sort"

	"evse-allocator/internal/models"
	"evse-allocator/internal/site"

	"github.com/sirupsen/logrus"
)

// Request is one charger's desired target entering distribution.
type Request struct {
	Charger models.ChargerSnapshot
	Desired float64 // A, the active mode's target
}

// Distributor splits the shared per-phase budget across all chargers in a
// single pass per cycle, so export and battery capacity can never be granted
// twice. Chargers on different phase subsets are accounted per phase, not as
// a flat total.
type Distributor struct {
	logger *logrus.Logger
}

func NewDistributor(logger *logrus.Logger) *Distributor {
	return &Distributor{logger: logger}
}

// budget tracks remaining capacity during one distribution pass.
type budget struct {
	phase   [models.NumPhases]float64
	battery float64 // total A across phases; below zero disallowed
	hasBatt bool
}

// newBudget builds the per-phase budget with every participating charger's
// own draw added back, since requests are absolute targets, not deltas.
func newBudget(ctx *site.Context, requests []Request) *budget {
	b := &budget{
		phase:   site.PhaseBudgets(ctx),
		hasBatt: ctx.Battery.Configured,
	}
	for _, req := range requests {
		own := req.Charger.PhaseCurrents()
		for p := 0; p < models.NumPhases; p++ {
			b.phase[p] += own[p]
		}
	}
	if b.hasBatt {
		b.battery = site.BatteryDischargeCurrent(ctx)
	}
	return b
}

// headroom is the largest per-phase current the charger could be granted.
func (b *budget) headroom(ch models.ChargerSnapshot) float64 {
	head := math.MaxFloat64
	for p := 0; p < models.NumPhases; p++ {
		if !ch.UsesPhase(models.Phase(p)) {
			continue
		}
		if b.phase[p] < head {
			head = b.phase[p]
		}
	}
	if b.hasBatt {
		head = math.Min(head, b.battery)
	}
	if head < 0 {
		return 0
	}
	return head
}

// take books a granted per-phase current against the budget.
func (b *budget) take(ch models.ChargerSnapshot, current float64) {
	if current <= 0 {
		return
	}
	for p := 0; p < models.NumPhases; p++ {
		if ch.UsesPhase(models.Phase(p)) {
			b.phase[p] -= current
		}
	}
	if b.hasBatt {
		b.battery -= current
	}
}

// Distribute allocates a target current per charger id. Chargers whose grant
// would land below their minimum receive zero rather than a useless partial
// allocation.
func (d *Distributor) Distribute(ctx *site.Context, mode models.DistributionMode, requests []Request) map[string]float64 {
	result := make(map[string]float64, len(requests))
	for _, req := range requests {
		result[req.Charger.ID] = 0
	}

	ordered := make([]Request, len(requests))
	copy(ordered, requests)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Charger.Priority < ordered[j].Charger.Priority
	})

	b := newBudget(ctx, requests)

	switch mode {
	case models.DistributionShared:
		d.distributeShared(b, ordered, result)
	case models.DistributionSequential:
		d.distributeSequential(b, ordered, result, false)
	case models.DistributionSeqOptimized:
		d.distributeSequential(b, ordered, result, true)
	default:
		d.distributePriority(b, ordered, result)
	}

	return result
}

// grant clamps a desired allocation to the charger's limits and the budget;
// below the charger minimum nothing is granted.
func (d *Distributor) grant(b *budget, req Request) float64 {
	ch := req.Charger
	current := math.Min(req.Desired, math.Min(ch.MaxCurrent, b.headroom(ch)))
	if current < ch.MinCurrent {
		return 0
	}
	b.take(ch, current)
	return current
}

func (d *Distributor) distributePriority(b *budget, ordered []Request, result map[string]float64) {
	for _, req := range ordered {
		if req.Desired <= 0 {
			continue
		}
		granted := d.grant(b, req)
		result[req.Charger.ID] = granted
		if granted > 0 {
			d.logger.Debugf("allocated %.1fA to %s (priority %d)", granted, req.Charger.ID, req.Charger.Priority)
		}
	}
}

func (d *Distributor) distributeShared(b *budget, ordered []Request, result map[string]float64) {
	// Count eligible chargers per phase so each gets an equal fractional
	// share of the contended capacity. The battery budget is contended by
	// every charger that wants current, regardless of phases.
	var contenders [models.NumPhases]int
	batteryContenders := 0
	for _, req := range ordered {
		if req.Desired <= 0 {
			continue
		}
		batteryContenders++
		for p := 0; p < models.NumPhases; p++ {
			if req.Charger.UsesPhase(models.Phase(p)) {
				contenders[p]++
			}
		}
	}

	for _, req := range ordered {
		if req.Desired <= 0 {
			continue
		}
		ch := req.Charger
		share := math.MaxFloat64
		for p := 0; p < models.NumPhases; p++ {
			if !ch.UsesPhase(models.Phase(p)) || contenders[p] == 0 {
				continue
			}
			s := b.phase[p] / float64(contenders[p])
			if s < share {
				share = s
			}
		}
		if b.hasBatt && batteryContenders > 0 {
			share = math.Min(share, b.battery/float64(batteryContenders))
		}
		capped := req
		capped.Desired = math.Min(req.Desired, share)
		granted := d.grant(b, capped)
		result[ch.ID] = granted
		// A charger that cannot use its share frees it for the others.
		batteryContenders--
		for p := 0; p < models.NumPhases; p++ {
			if ch.UsesPhase(models.Phase(p)) {
				contenders[p]--
			}
		}
	}
}

func (d *Distributor) distributeSequential(b *budget, ordered []Request, result map[string]float64, optimized bool) {
	var blocked [models.NumPhases]bool

	for _, req := range ordered {
		ch := req.Charger
		if req.Desired <= 0 {
			continue
		}

		overlap := false
		for p := 0; p < models.NumPhases; p++ {
			if blocked[p] && ch.UsesPhase(models.Phase(p)) {
				overlap = true
				break
			}
		}
		if overlap {
			continue
		}

		granted := d.grant(b, req)
		result[ch.ID] = granted

		satisfied := granted >= ch.MaxCurrent
		if satisfied {
			continue
		}

		if !optimized {
			// Strict: everything behind the unsatisfied head waits.
			return
		}
		// Optimized: only the phases the unsatisfied head occupies are
		// blocked; a charger on the free phases may still be served.
		for p := 0; p < models.NumPhases; p++ {
			if ch.UsesPhase(models.Phase(p)) {
				blocked[p] = true
			}
		}
	}
}
