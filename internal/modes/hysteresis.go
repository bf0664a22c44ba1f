package modes

// Hysteresis is a Schmitt-trigger boolean around a threshold. Once the value
// crosses the threshold the state stays true until it falls below
// threshold-band, preventing flapping at the boundary.
type Hysteresis struct {
	band  float64
	above bool
}

// NewHysteresis creates a trigger with the given dead band.
func NewHysteresis(band float64) *Hysteresis {
	return &Hysteresis{band: band}
}

// Above updates the state with a new value against the threshold and returns
// the debounced result.
func (h *Hysteresis) Above(value, threshold float64) bool {
	if h.above {
		if value < threshold-h.band {
			h.above = false
		}
	} else if value >= threshold {
		h.above = true
	}
	return h.above
}

// Reset forces the state back to "below".
func (h *Hysteresis) Reset() {
	h.above = false
}

// State returns the current state without updating it.
func (h *Hysteresis) State() bool {
	return h.above
}
