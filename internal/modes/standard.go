package modes

import (
	"math"

	"github.com/sirupsen/logrus"
)

// StandardStrategy charges at full available current minus the configured
// power buffer. Stateless: clamping alone cannot flap.
type StandardStrategy struct {
	logger *logrus.Logger
}

func NewStandardStrategy(logger *logrus.Logger) *StandardStrategy {
	return &StandardStrategy{logger: logger}
}

func (s *StandardStrategy) GetName() string {
	return "Standard"
}

func (s *StandardStrategy) Calculate(input Input) Output {
	ch := input.Charger
	avail := input.Available

	// Buffer in watts spread over the charger's phases.
	bufferCurrent := input.Context.PowerBuffer / (input.Context.Voltage * float64(ch.Phases))
	target := math.Min(avail-bufferCurrent, ch.MaxCurrent)

	reason := "Full available current"
	if target < ch.MinCurrent {
		// The buffer must not starve the charger while unbuffered capacity
		// still covers the minimum.
		if avail >= ch.MinCurrent {
			target = ch.MinCurrent
			reason = "Buffered target below minimum, holding minimum"
		} else {
			target = 0
			reason = "Insufficient capacity"
		}
	}

	s.logger.Debugf("standard %s: avail=%.1fA buffer=%.1fA target=%.1fA",
		ch.ID, avail, bufferCurrent, target)

	return Output{
		TargetCurrent: target,
		Charging:      target >= ch.MinCurrent,
		Reason:        reason,
		DebugInfo: map[string]interface{}{
			"available":      avail,
			"buffer_current": bufferCurrent,
		},
	}
}

func (s *StandardStrategy) Reset() {}

func (s *StandardStrategy) GetStatus() map[string]interface{} {
	return map[string]interface{}{"name": s.GetName()}
}
