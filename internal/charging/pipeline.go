package charging

import (
	"math"
	"time"

	"evse-allocator/internal/models"

	"github.com/sirupsen/logrus"
)

// PipelineConfig holds the smoothing and rate-limit tuning shared by all
// chargers.
type PipelineConfig struct {
	Alpha        float64 // EMA weight of the newest sample
	DeadBand     float64 // A, below this the previous output is kept
	RampUpRate   float64 // A/s
	RampDownRate float64 // A/s, applied on decreases (faster than up)
}

// PipelineState is the per-charger smoothing state; it must survive across
// cycles.
type PipelineState struct {
	ema     float64
	emaInit bool

	lastOutput float64
	hasOutput  bool

	lastMode         models.ChargeMode
	lastDistribution models.DistributionMode
	lastCycle        time.Time

	pausedUntil time.Time
	graceUntil  time.Time
}

// Paused reports whether the charge pause is holding the output at zero.
func (s *PipelineState) Paused(now time.Time) bool {
	return now.Before(s.pausedUntil)
}

// InGrace reports whether the anti-flicker grace hold is active.
func (s *PipelineState) InGrace(now time.Time) bool {
	return now.Before(s.graceUntil)
}

// CycleInput is one charger's data for one pipeline pass.
type CycleInput struct {
	Target       float64 // A, distributed target
	Available    float64 // A, physical phase availability
	MinCurrent   float64
	Mode         models.ChargeMode
	Distribution models.DistributionMode

	PauseDuration time.Duration
	GracePeriod   time.Duration

	Now time.Time
}

// Pipeline turns a per-cycle raw target into the commanded limit: EMA
// smoothing, dead-band suppression, asymmetric rate limiting, immediate
// pass-through on discontinuities, charge pause below minimum, and the
// solar/excess grace hold.
type Pipeline struct {
	config PipelineConfig
	logger *logrus.Logger
}

func NewPipeline(config PipelineConfig, logger *logrus.Logger) *Pipeline {
	return &Pipeline{config: config, logger: logger}
}

// Apply runs one cycle for one charger and returns the commanded limit.
func (p *Pipeline) Apply(st *PipelineState, in CycleInput) float64 {
	now := in.Now

	dt := 0.0
	if !st.lastCycle.IsZero() {
		dt = now.Sub(st.lastCycle).Seconds()
	}
	st.lastCycle = now

	raw := in.Target

	// Grace hold: solar/excess said stop, but physical headroom still covers
	// the minimum. Hold minimum for the grace window so a passing cloud does
	// not cycle the charger.
	if (in.Mode == models.ModeSolar || in.Mode == models.ModeExcess) &&
		raw == 0 && st.lastOutput >= in.MinCurrent && in.Available >= in.MinCurrent {
		if st.graceUntil.IsZero() {
			st.graceUntil = now.Add(in.GracePeriod)
		}
		if now.Before(st.graceUntil) {
			raw = in.MinCurrent
		}
	} else {
		st.graceUntil = time.Time{}
	}

	first := !st.hasOutput
	modeChanged := st.hasOutput && (st.lastMode != in.Mode || st.lastDistribution != in.Distribution)
	zeroTransition := st.hasOutput && (raw == 0) != (st.lastOutput == 0)

	var out float64
	if first || modeChanged || zeroTransition {
		// Pause and resume must not be smoothed or rate-limited.
		out = raw
		st.ema = raw
		st.emaInit = true
	} else {
		if !st.emaInit {
			st.ema = raw
			st.emaInit = true
		} else {
			st.ema = p.config.Alpha*raw + (1-p.config.Alpha)*st.ema
		}

		candidate := st.ema
		if math.Abs(candidate-st.lastOutput) < p.config.DeadBand {
			candidate = st.lastOutput
		}

		delta := candidate - st.lastOutput
		if delta > p.config.RampUpRate*dt {
			candidate = st.lastOutput + p.config.RampUpRate*dt
		} else if delta < -p.config.RampDownRate*dt {
			candidate = st.lastOutput - p.config.RampDownRate*dt
		}
		out = candidate
	}

	// Charge pause: a sub-minimum output cannot charge, so hold zero for the
	// pause window instead of flapping at the boundary.
	if st.Paused(now) {
		out = 0
	} else if out > 0 && out < in.MinCurrent {
		st.pausedUntil = now.Add(in.PauseDuration)
		p.logger.Debugf("pausing charger for %s: output %.1fA below minimum %.1fA",
			in.PauseDuration, out, in.MinCurrent)
		out = 0
	}

	st.lastOutput = out
	st.hasOutput = true
	st.lastMode = in.Mode
	st.lastDistribution = in.Distribution

	return out
}

// Reset clears all smoothing state, used when a charger is reconfigured.
func (s *PipelineState) Reset() {
	*s = PipelineState{}
}
