package modes

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// EcoStrategy balances charging against the home battery: below the battery
// minimum it charges as if no battery existed, between minimum and target it
// trickles at minimum rate from export only, above target it runs like
// Standard. Both SOC thresholds are debounced.
type EcoStrategy struct {
	logger *logrus.Logger
	mutex  sync.Mutex

	aboveMin    *Hysteresis
	aboveTarget *Hysteresis
	standard    *StandardStrategy
}

func NewEcoStrategy(socHysteresis float64, logger *logrus.Logger) *EcoStrategy {
	return &EcoStrategy{
		logger:      logger,
		aboveMin:    NewHysteresis(socHysteresis),
		aboveTarget: NewHysteresis(socHysteresis),
		standard:    NewStandardStrategy(logger),
	}
}

func (e *EcoStrategy) GetName() string {
	return "Eco"
}

func (e *EcoStrategy) Calculate(input Input) Output {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	ch := input.Charger
	b := input.Context.Battery

	// Export available to this charger, its own draw added back.
	exportCurrent := chargerExportCurrent(input)

	if !b.Configured || !b.SocValid {
		// No battery to protect: export first, but never below minimum.
		target := math.Min(math.Max(exportCurrent, ch.MinCurrent), math.Min(ch.MaxCurrent, input.AvailableNoBattery))
		if target < ch.MinCurrent {
			target = 0
		}
		return Output{
			TargetCurrent: target,
			Charging:      target >= ch.MinCurrent,
			Reason:        "No battery - export with minimum floor",
			DebugInfo:     map[string]interface{}{"export_current": exportCurrent},
		}
	}

	aboveMin := e.aboveMin.Above(b.Soc, b.MinSoc)
	aboveTarget := e.aboveTarget.Above(b.Soc, b.TargetSoc)

	switch {
	case !aboveMin:
		// Battery below reserve: it will not contribute anyway, so behave as
		// if it were absent.
		target := math.Min(math.Max(exportCurrent, ch.MinCurrent), math.Min(ch.MaxCurrent, input.AvailableNoBattery))
		if target < ch.MinCurrent {
			target = 0
		}
		return Output{
			TargetCurrent: target,
			Charging:      target >= ch.MinCurrent,
			Reason:        "Battery below minimum - export with minimum floor",
			DebugInfo: map[string]interface{}{
				"soc":            b.Soc,
				"export_current": exportCurrent,
			},
		}

	case !aboveTarget:
		// Battery still filling its reserved band: minimum rate, covered by
		// export only so the battery's capacity is not grid-charged.
		if exportCurrent >= ch.MinCurrent && input.AvailableNoBattery >= ch.MinCurrent {
			return Output{
				TargetCurrent: ch.MinCurrent,
				Charging:      true,
				Reason:        "Battery filling - minimum rate from export",
				DebugInfo: map[string]interface{}{
					"soc":            b.Soc,
					"export_current": exportCurrent,
				},
			}
		}
		return Output{
			TargetCurrent: 0,
			Charging:      false,
			Reason:        "Battery filling - export below minimum",
			DebugInfo: map[string]interface{}{
				"soc":            b.Soc,
				"export_current": exportCurrent,
			},
		}

	default:
		out := e.standard.Calculate(input)
		out.Reason = "Battery at target - " + out.Reason
		return out
	}
}

func (e *EcoStrategy) Reset() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.aboveMin.Reset()
	e.aboveTarget.Reset()
}

func (e *EcoStrategy) GetStatus() map[string]interface{} {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return map[string]interface{}{
		"name":         e.GetName(),
		"above_min":    e.aboveMin.State(),
		"above_target": e.aboveTarget.State(),
	}
}

// chargerExportCurrent is the per-phase export current available to the
// charger, with its own present draw counted back in.
func chargerExportCurrent(input Input) float64 {
	ch := input.Charger
	own := ch.TotalCurrent()
	return (input.Context.TotalExportCurrent + own) / float64(ch.Phases)
}
