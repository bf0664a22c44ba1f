package charging

import (
	"testing"
	"time"

	"evse-allocator/internal/models"
	"evse-allocator/internal/site"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

// distCtx builds a context with the given signed phase currents and an
// optional battery discharge budget in amps.
func distCtx(signed [3]float64, batteryAmps float64) *site.Context {
	ctx := &site.Context{
		Voltage:        230.0,
		Phases:         3,
		BreakerCurrent: 32.0,
		MaxImportPower: 69000.0, // 300A, never the binding constraint here
	}
	for p := 0; p < models.NumPhases; p++ {
		if signed[p] >= 0 {
			ctx.ImportCurrent[p] = signed[p]
		} else {
			ctx.ExportCurrent[p] = -signed[p]
		}
		ctx.TotalImportCurrent += ctx.ImportCurrent[p]
		ctx.TotalExportCurrent += ctx.ExportCurrent[p]
	}
	ctx.TotalExportPower = ctx.TotalExportCurrent * ctx.Voltage
	if batteryAmps > 0 {
		ctx.Battery = site.Battery{
			Configured:        true,
			Soc:               85,
			SocValid:          true,
			PowerValid:        true,
			MinSoc:            20,
			TargetSoc:         80,
			MaxDischargePower: batteryAmps * 230.0,
		}
	}
	return ctx
}

func distCharger(id string, priority int, phases []models.Phase) models.ChargerSnapshot {
	sn := models.ChargerSnapshot{
		ID:         id,
		Type:       models.LoadEVSE,
		Phases:     len(phases),
		Priority:   priority,
		MinCurrent: 6.0,
		MaxCurrent: 16.0,
		Enabled:    true,
		Connected:  true,
		Status:     models.StatusCharging,
	}
	for i, p := range phases {
		sn.Mapping[i] = p
	}
	return sn
}

func threePhase(id string, priority int) models.ChargerSnapshot {
	return distCharger(id, priority, []models.Phase{models.PhaseA, models.PhaseB, models.PhaseC})
}

func TestDistribute_PrioritySatisfiesHeadFirst(t *testing.T) {
	d := NewDistributor(testLogger())

	// 20A of headroom per phase (12A import on a 32A breaker).
	ctx := distCtx([3]float64{12, 12, 12}, 0)
	requests := []Request{
		{Charger: threePhase("second", 2), Desired: 16},
		{Charger: threePhase("first", 1), Desired: 16},
	}

	result := d.Distribute(ctx, models.DistributionPriority, requests)

	assert.Equal(t, 16.0, result["first"])
	// 4A remain, below the 6A minimum: nothing rather than a useless grant.
	assert.Equal(t, 0.0, result["second"])
}

func TestDistribute_SharedSplitsEqually(t *testing.T) {
	d := NewDistributor(testLogger())

	ctx := distCtx([3]float64{12, 12, 12}, 0)
	requests := []Request{
		{Charger: threePhase("a", 1), Desired: 16},
		{Charger: threePhase("b", 2), Desired: 16},
	}

	result := d.Distribute(ctx, models.DistributionShared, requests)

	assert.InDelta(t, 10.0, result["a"], 0.01)
	assert.InDelta(t, 10.0, result["b"], 0.01)
}

func TestDistribute_SharedFreesUnusedShare(t *testing.T) {
	d := NewDistributor(testLogger())

	// 30A headroom per phase, shared by two: 15A shares, but "a" only wants
	// 8A. "b" may then use the rest up to its cap.
	ctx := distCtx([3]float64{2, 2, 2}, 0)
	requests := []Request{
		{Charger: threePhase("a", 1), Desired: 8},
		{Charger: threePhase("b", 2), Desired: 16},
	}

	result := d.Distribute(ctx, models.DistributionShared, requests)

	assert.InDelta(t, 8.0, result["a"], 0.01)
	assert.InDelta(t, 16.0, result["b"], 0.01)
}

func TestDistribute_SequentialStrictBlocksBehindUnsatisfiedHead(t *testing.T) {
	d := NewDistributor(testLogger())

	// Phase A has 10A headroom, phase B plenty. The head charger sits on A
	// and cannot reach its 16A maximum.
	ctx := distCtx([3]float64{22, 2, 2}, 0)
	requests := []Request{
		{Charger: distCharger("head", 1, []models.Phase{models.PhaseA}), Desired: 16},
		{Charger: distCharger("tail", 2, []models.Phase{models.PhaseB}), Desired: 16},
	}

	result := d.Distribute(ctx, models.DistributionSequential, requests)

	assert.InDelta(t, 10.0, result["head"], 0.01)
	assert.Equal(t, 0.0, result["tail"])
}

func TestDistribute_SequentialOptimizedServesDisjointPhases(t *testing.T) {
	d := NewDistributor(testLogger())

	ctx := distCtx([3]float64{22, 2, 2}, 0)
	requests := []Request{
		{Charger: distCharger("head", 1, []models.Phase{models.PhaseA}), Desired: 16},
		{Charger: distCharger("tail", 2, []models.Phase{models.PhaseB}), Desired: 16},
	}

	result := d.Distribute(ctx, models.DistributionSeqOptimized, requests)

	assert.InDelta(t, 10.0, result["head"], 0.01)
	// The tail charger shares no phase with the unsatisfied head.
	assert.InDelta(t, 16.0, result["tail"], 0.01)
}

func TestDistribute_BatteryBudgetNotGrantedTwice(t *testing.T) {
	d := NewDistributor(testLogger())

	// Plenty of phase headroom, but only 10A of battery discharge to cover
	// the chargers site-wide.
	ctx := distCtx([3]float64{0, 0, 0}, 10)
	requests := []Request{
		{Charger: threePhase("first", 1), Desired: 16},
		{Charger: threePhase("second", 2), Desired: 16},
	}

	result := d.Distribute(ctx, models.DistributionPriority, requests)

	assert.InDelta(t, 10.0, result["first"], 0.01)
	assert.Equal(t, 0.0, result["second"])
}

func TestDistribute_SharedBatterySplitsAmongActiveOnly(t *testing.T) {
	d := NewDistributor(testLogger())

	// 16A of battery discharge shared by two active chargers. The idle third
	// charger must not dilute their shares below the 6A minimum.
	ctx := distCtx([3]float64{0, 0, 0}, 16)
	requests := []Request{
		{Charger: threePhase("a", 1), Desired: 16},
		{Charger: threePhase("b", 2), Desired: 16},
		{Charger: threePhase("idle", 3), Desired: 0},
	}

	result := d.Distribute(ctx, models.DistributionShared, requests)

	assert.InDelta(t, 8.0, result["a"], 0.01)
	assert.InDelta(t, 8.0, result["b"], 0.01)
	assert.Equal(t, 0.0, result["idle"])
}

func TestDistribute_OwnDrawAddedBack(t *testing.T) {
	d := NewDistributor(testLogger())

	// The site shows 22A import per phase, 10 of which are this charger's
	// own draw. Its absolute target may keep those 10A.
	ctx := distCtx([3]float64{22, 22, 22}, 0)
	ch := threePhase("only", 1)
	now := time.Now()
	for i := 0; i < models.NumPhases; i++ {
		ch.LineCurrent[i] = models.NewReading(10, now)
	}

	result := d.Distribute(ctx, models.DistributionPriority, []Request{{Charger: ch, Desired: 16}})

	// Breaker headroom 32-22 = 10A plus its own 10A back = 16A possible.
	assert.InDelta(t, 16.0, result["only"], 0.01)
}

// Conservation: whatever the policy, the per-phase sum of grants never
// exceeds that phase's budget plus the participants' own draws.
func TestDistribute_PerPhaseConservation(t *testing.T) {
	d := NewDistributor(testLogger())

	ctx := distCtx([3]float64{20, 10, 5}, 0)
	requests := []Request{
		{Charger: threePhase("a", 1), Desired: 16},
		{Charger: distCharger("b", 2, []models.Phase{models.PhaseA}), Desired: 16},
		{Charger: distCharger("c", 3, []models.Phase{models.PhaseB, models.PhaseC}), Desired: 16},
	}

	budgets := site.PhaseBudgets(ctx)

	for _, mode := range []models.DistributionMode{
		models.DistributionShared,
		models.DistributionPriority,
		models.DistributionSequential,
		models.DistributionSeqOptimized,
	} {
		result := d.Distribute(ctx, mode, requests)

		var granted [models.NumPhases]float64
		for _, req := range requests {
			for p := 0; p < models.NumPhases; p++ {
				if req.Charger.UsesPhase(models.Phase(p)) {
					granted[p] += result[req.Charger.ID]
				}
			}
		}
		for p := 0; p < models.NumPhases; p++ {
			assert.LessOrEqual(t, granted[p], budgets[p]+0.01, "mode %s phase %d", mode, p)
		}
	}
}

func TestDistribute_ZeroDesiredStaysZero(t *testing.T) {
	d := NewDistributor(testLogger())

	ctx := distCtx([3]float64{0, 0, 0}, 0)
	result := d.Distribute(ctx, models.DistributionPriority, []Request{
		{Charger: threePhase("idle", 1), Desired: 0},
	})

	assert.Equal(t, 0.0, result["idle"])
}
