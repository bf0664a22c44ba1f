package modes

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"
)

// SolarStrategy charges exclusively from export power; grid and battery stay
// untouched. With a battery configured it only runs once the battery has
// reached its target SOC or is itself absorbing solar surplus.
type SolarStrategy struct {
	logger *logrus.Logger
	mutex  sync.Mutex

	aboveTarget *Hysteresis
}

func NewSolarStrategy(socHysteresis float64, logger *logrus.Logger) *SolarStrategy {
	return &SolarStrategy{
		logger:      logger,
		aboveTarget: NewHysteresis(socHysteresis),
	}
}

func (s *SolarStrategy) GetName() string {
	return "Solar"
}

func (s *SolarStrategy) Calculate(input Input) Output {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ch := input.Charger
	b := input.Context.Battery
	exportCurrent := chargerExportCurrent(input)

	if b.Configured && b.SocValid {
		aboveTarget := s.aboveTarget.Above(b.Soc, b.TargetSoc)
		if !aboveTarget && !b.ChargingFromSolar() {
			return Output{
				TargetCurrent: 0,
				Charging:      false,
				Reason:        "Battery priority - waiting for target SOC",
				DebugInfo: map[string]interface{}{
					"soc":            b.Soc,
					"export_current": exportCurrent,
				},
			}
		}
	}

	target := math.Min(exportCurrent, math.Min(ch.MaxCurrent, input.Available))
	reason := "Matching solar production"
	if target < ch.MinCurrent {
		target = 0
		reason = "Insufficient solar"
	}

	s.logger.Debugf("solar %s: export=%.1fA target=%.1fA", ch.ID, exportCurrent, target)

	return Output{
		TargetCurrent: target,
		Charging:      target >= ch.MinCurrent,
		Reason:        reason,
		DebugInfo: map[string]interface{}{
			"export_current": exportCurrent,
		},
	}
}

func (s *SolarStrategy) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.aboveTarget.Reset()
}

func (s *SolarStrategy) GetStatus() map[string]interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return map[string]interface{}{
		"name":         s.GetName(),
		"above_target": s.aboveTarget.State(),
	}
}
