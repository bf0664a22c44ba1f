package modes

import (
	"fmt"

	"evse-allocator/internal/models"

	"github.com/sirupsen/logrus"
)

// NewStrategy creates the strategy for a charge mode. Each charger owns one
// instance per mode so hysteresis and window state never leak between
// chargers.
func NewStrategy(mode models.ChargeMode, socHysteresis float64, logger *logrus.Logger) (Strategy, error) {
	switch mode {
	case models.ModeStandard:
		return NewStandardStrategy(logger), nil
	case models.ModeEco:
		return NewEcoStrategy(socHysteresis, logger), nil
	case models.ModeSolar:
		return NewSolarStrategy(socHysteresis, logger), nil
	case models.ModeExcess:
		return NewExcessStrategy(logger), nil
	default:
		return nil, fmt.Errorf("unknown charge mode: %s", mode)
	}
}

// AllStrategies builds one strategy per mode. The control loop evaluates all
// of them every cycle so a mode switch takes effect without recomputation
// lag.
func AllStrategies(socHysteresis float64, logger *logrus.Logger) map[models.ChargeMode]Strategy {
	return map[models.ChargeMode]Strategy{
		models.ModeStandard: NewStandardStrategy(logger),
		models.ModeEco:      NewEcoStrategy(socHysteresis, logger),
		models.ModeSolar:    NewSolarStrategy(socHysteresis, logger),
		models.ModeExcess:   NewExcessStrategy(logger),
	}
}
