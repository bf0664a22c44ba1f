package modes

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// persistenceWindow holds excess charging active across short export dips.
const persistenceWindow = 15 * time.Minute

// fullSoc is the SOC at which excess mode stops gating on the threshold and
// simply matches production.
const fullSoc = 98.0

// ExcessStrategy charges only once total export power clears a configured
// threshold, raised by the battery's remaining charge need while the battery
// is below target. A triggered window keeps the charger active through
// transient dips and is re-armed while export still clears the threshold plus
// one minimum-current's worth of power.
type ExcessStrategy struct {
	logger *logrus.Logger
	mutex  sync.Mutex

	activeUntil time.Time
}

func NewExcessStrategy(logger *logrus.Logger) *ExcessStrategy {
	return &ExcessStrategy{logger: logger}
}

func (e *ExcessStrategy) GetName() string {
	return "Excess"
}

func (e *ExcessStrategy) Calculate(input Input) Output {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	ch := input.Charger
	ctx := input.Context
	b := ctx.Battery

	exportCurrent := chargerExportCurrent(input)
	exportPower := exportCurrent * ctx.Voltage * float64(ch.Phases)

	// A nearly full battery cannot absorb anything; match production like
	// solar mode regardless of the threshold.
	if b.Configured && b.SocValid && b.Soc >= fullSoc {
		target := math.Min(exportCurrent, math.Min(ch.MaxCurrent, input.Available))
		reason := "Battery full - matching production"
		if target < ch.MinCurrent {
			target = 0
			reason = "Battery full - insufficient export"
		}
		return Output{
			TargetCurrent: target,
			Charging:      target >= ch.MinCurrent,
			Reason:        reason,
			DebugInfo:     e.debug(exportPower, 0),
		}
	}

	required := ctx.ExcessExportThreshold
	if b.Configured && b.SocValid && b.Soc < b.TargetSoc {
		// Leave room for the battery to keep charging at full rate.
		charging := 0.0
		if b.PowerValid && b.Power < 0 {
			charging = -b.Power
		}
		if need := b.MaxChargePower - charging; need > 0 {
			required += need
		}
	}

	minPower := ch.MinCurrent * ctx.Voltage * float64(ch.Phases)
	active := input.Timestamp.Before(e.activeUntil)

	switch {
	case exportPower >= required+minPower:
		// Clears threshold with margin: (re-)arm the persistence window.
		e.activeUntil = input.Timestamp.Add(persistenceWindow)
		active = true
	case !active && exportPower > required:
		e.activeUntil = input.Timestamp.Add(persistenceWindow)
		active = true
	}

	if !active {
		e.activeUntil = time.Time{}
		return Output{
			TargetCurrent: 0,
			Charging:      false,
			Reason:        "Export below excess threshold",
			DebugInfo:     e.debug(exportPower, required),
		}
	}

	// Window active: follow export, never below minimum while held.
	target := math.Min(exportCurrent, math.Min(ch.MaxCurrent, input.Available))
	if target < ch.MinCurrent {
		target = math.Min(ch.MinCurrent, input.Available)
	}
	if target < ch.MinCurrent {
		target = 0
	}

	e.logger.Debugf("excess %s: export=%.0fW required=%.0fW target=%.1fA window=%s",
		ch.ID, exportPower, required, target, e.activeUntil.Format("15:04:05"))

	return Output{
		TargetCurrent: target,
		Charging:      target >= ch.MinCurrent,
		Reason:        "Excess export window active",
		DebugInfo:     e.debug(exportPower, required),
	}
}

func (e *ExcessStrategy) debug(exportPower, required float64) map[string]interface{} {
	return map[string]interface{}{
		"export_power": exportPower,
		"required":     required,
		"active_until": e.activeUntil,
	}
}

func (e *ExcessStrategy) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.activeUntil = time.Time{}
}

func (e *ExcessStrategy) GetStatus() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return map[string]interface{}{
		"name":         e.GetName(),
		"active_until": e.activeUntil,
	}
}
