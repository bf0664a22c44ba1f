package modes

import (
	"time"

	"evse-allocator/internal/models"
	"evse-allocator/internal/site"
)

// Input is the per-cycle data a charging strategy works from. Every strategy
// receives the same context so switching modes never needs recomputation.
type Input struct {
	Context *site.Context
	Charger models.ChargerSnapshot

	// Available is the phase availability for this charger including the
	// battery discharge constraint; AvailableNoBattery ignores it (used by
	// the eco strategy's "behave as if no battery" branch).
	Available          float64
	AvailableNoBattery float64

	Timestamp time.Time
}

// Output is the strategy result for one cycle.
type Output struct {
	TargetCurrent float64 // A, desired before distribution and smoothing
	Charging      bool    // whether the strategy wants the charger active
	Reason        string
	DebugInfo     map[string]interface{}
}

// Strategy computes a desired target current for one charger. Implementations
// own their hysteresis and timer state, one instance per charger per mode.
type Strategy interface {
	// Calculate computes the desired target for one cycle.
	Calculate(input Input) Output

	// Reset clears internal state (hysteresis, persistence windows).
	Reset()

	// GetName returns the strategy name.
	GetName() string

	// GetStatus returns internal state for monitoring.
	GetStatus() map[string]interface{}
}
