package detect

import (
	"fmt"
	"math"

	"evse-allocator/internal/models"

	"github.com/sirupsen/logrus"
)

// PhaseMapConfig tunes the charger-to-site phase mapping detector.
type PhaseMapConfig struct {
	NoiseFloor  float64 // A, minimum line-current change to count a sample
	WeightCap   float64 // A, cap on per-sample confidence weight
	NotifyScore float64 // accumulated score required before any conclusion
	RemapScore  float64 // higher score required for automatic correction
	Confidence  float64 // fraction of total the best phase must hold, e.g. 0.7
	Decay       float64 // factor applied to scores on low confidence, e.g. 0.5
	AutoRemap   bool
}

// Finding is the outcome of one observation: a user notification, an
// in-memory remap to apply, or both.
type Finding struct {
	Notification *models.Notification
	Remap        *[models.NumPhases]models.Phase
}

// PhaseMapTracker accumulates correlation evidence for one charger: which
// site phase moves with the charger's single active line, and, when two
// lines are active, which site phase stays still (the line left unused).
// Large transients such as plugging in accumulate confidence fast because
// samples are weighted by the magnitude of the change, capped.
type PhaseMapTracker struct {
	config PhaseMapConfig
	logger *logrus.Logger

	chargerID string

	single       [models.NumPhases]float64 // evidence the active line sits on phase p
	double       [models.NumPhases]float64 // evidence phase p is the unused one
	singleLine   int                       // line the single-line evidence tracks, -1 = none
	inactiveLine int                       // line the two-line evidence tracks, -1 = none

	prevSite [models.NumPhases]float64
	prevLine [models.NumPhases]float64
	havePrev bool

	confirmedSingle bool
	confirmedDouble bool

	notified bool
	remapped bool
	verified bool
}

func NewPhaseMapTracker(chargerID string, config PhaseMapConfig, logger *logrus.Logger) *PhaseMapTracker {
	if config.Confidence == 0 {
		config.Confidence = 0.7
	}
	if config.Decay == 0 {
		config.Decay = 0.5
	}
	if config.WeightCap == 0 {
		config.WeightCap = 16
	}
	return &PhaseMapTracker{
		config:       config,
		logger:       logger,
		chargerID:    chargerID,
		singleLine:   -1,
		inactiveLine: -1,
	}
}

// Done reports whether analysis has permanently stopped for this charger.
func (t *PhaseMapTracker) Done() bool {
	return t.remapped || t.verified
}

// Observe feeds one cycle of signed site phase currents and charger line
// currents. mapping is the charger's currently active line-to-phase mapping,
// phases its hardware line count.
func (t *PhaseMapTracker) Observe(siteCurrent [models.NumPhases]float64, lineCurrent [models.NumPhases]float64, mapping [models.NumPhases]models.Phase, phases int) *Finding {
	if t.Done() {
		return nil
	}

	if !t.havePrev {
		t.prevSite = siteCurrent
		t.prevLine = lineCurrent
		t.havePrev = true
		return nil
	}

	var siteDelta, lineDelta [models.NumPhases]float64
	for p := 0; p < models.NumPhases; p++ {
		siteDelta[p] = siteCurrent[p] - t.prevSite[p]
		lineDelta[p] = lineCurrent[p] - t.prevLine[p]
	}
	t.prevSite = siteCurrent
	t.prevLine = lineCurrent

	var active []int
	for i := 0; i < phases && i < models.NumPhases; i++ {
		if math.Abs(lineDelta[i]) > t.config.NoiseFloor {
			active = append(active, i)
		}
	}

	switch len(active) {
	case 1:
		return t.observeSingle(active[0], lineDelta, siteDelta, mapping)
	case 2:
		if phases == models.NumPhases {
			return t.observeDouble(active, lineDelta, siteDelta, mapping)
		}
	}
	return nil
}

func (t *PhaseMapTracker) observeSingle(line int, lineDelta, siteDelta [models.NumPhases]float64, mapping [models.NumPhases]models.Phase) *Finding {
	// Evidence is only comparable while the same line is the active one; a
	// different active line means the tracked configuration changed.
	if t.singleLine >= 0 && t.singleLine != line {
		t.logger.Debugf("phasemap %s: active line changed %d -> %d, resetting", t.chargerID, t.singleLine, line)
		t.resetScores()
	}
	t.singleLine = line

	weight := math.Min(math.Abs(lineDelta[line]), t.config.WeightCap)

	// The site phase whose change tracks the line's change best.
	best := 0
	bestDiff := math.MaxFloat64
	for p := 0; p < models.NumPhases; p++ {
		diff := math.Abs(siteDelta[p] - lineDelta[line])
		if diff < bestDiff {
			bestDiff = diff
			best = p
		}
	}
	t.single[best] += weight

	return t.evaluate(&t.single, line, mapping[line], &t.confirmedSingle, mapping)
}

func (t *PhaseMapTracker) observeDouble(active []int, lineDelta, siteDelta [models.NumPhases]float64, mapping [models.NumPhases]models.Phase) *Finding {
	inactive := 0
	for i := 0; i < models.NumPhases; i++ {
		if i != active[0] && i != active[1] {
			inactive = i
		}
	}
	if t.inactiveLine >= 0 && t.inactiveLine != inactive {
		t.logger.Debugf("phasemap %s: inactive line changed %d -> %d, resetting", t.chargerID, t.inactiveLine, inactive)
		t.resetScores()
	}
	t.inactiveLine = inactive

	weight := math.Min(math.Abs(lineDelta[active[0]])+math.Abs(lineDelta[active[1]]), t.config.WeightCap)

	// The site phase that did not move is the one the unused line sits on.
	best := 0
	bestMag := math.MaxFloat64
	for p := 0; p < models.NumPhases; p++ {
		if mag := math.Abs(siteDelta[p]); mag < bestMag {
			bestMag = mag
			best = p
		}
	}
	t.double[best] += weight

	return t.evaluate(&t.double, inactive, mapping[inactive], &t.confirmedDouble, mapping)
}

// evaluate draws a conclusion from one score table once enough evidence has
// accumulated. Inconclusive-but-large scores decay rather than reset so the
// tracker can slowly re-converge.
func (t *PhaseMapTracker) evaluate(scores *[models.NumPhases]float64, line int, configured models.Phase, confirmed *bool, mapping [models.NumPhases]models.Phase) *Finding {
	total := 0.0
	best := 0
	for p := 0; p < models.NumPhases; p++ {
		total += scores[p]
		if scores[p] > scores[best] {
			best = p
		}
	}
	if total < t.config.NotifyScore {
		return nil
	}

	if scores[best] < t.config.Confidence*total {
		for p := 0; p < models.NumPhases; p++ {
			scores[p] *= t.config.Decay
		}
		t.logger.Debugf("phasemap %s: inconclusive (best %.0f of %.0f), decaying", t.chargerID, scores[best], total)
		return nil
	}

	detected := models.Phase(best)
	if detected == configured {
		*confirmed = true
		if t.confirmedSingle && t.confirmedDouble {
			t.verified = true
			t.logger.Infof("phasemap %s: mapping fully verified", t.chargerID)
		}
		return nil
	}

	if total >= t.config.RemapScore && t.config.AutoRemap {
		remapped := remapSwap(mapping, line, detected)
		t.remapped = true
		t.logger.Warnf("phasemap %s: auto-remapping line %d from phase %s to %s", t.chargerID, line+1, configured, detected)
		return &Finding{
			Remap: &remapped,
			Notification: &models.Notification{
				ID:    "phase-remap-" + t.chargerID,
				Title: "Charger phase mapping corrected",
				Message: fmt.Sprintf("Line %d of charger %s is wired to phase %s, not phase %s. "+
					"The mapping has been corrected in memory; update the configuration to make it permanent.",
					line+1, t.chargerID, detected, configured),
			},
		}
	}

	if t.notified {
		return nil
	}
	t.notified = true
	return &Finding{
		Notification: &models.Notification{
			ID:    "phase-mismatch-" + t.chargerID,
			Title: "Charger phase mapping mismatch",
			Message: fmt.Sprintf("Line %d of charger %s appears to be wired to phase %s but is configured as phase %s.",
				line+1, t.chargerID, detected, configured),
		},
	}
}

// remapSwap returns mapping with line moved to detected, swapping with the
// line that currently holds it.
func remapSwap(mapping [models.NumPhases]models.Phase, line int, detected models.Phase) [models.NumPhases]models.Phase {
	out := mapping
	for i := 0; i < models.NumPhases; i++ {
		if out[i] == detected {
			out[i] = out[line]
			break
		}
	}
	out[line] = detected
	return out
}

func (t *PhaseMapTracker) resetScores() {
	t.single = [models.NumPhases]float64{}
	t.double = [models.NumPhases]float64{}
	t.confirmedSingle = false
	t.confirmedDouble = false
	t.notified = false
}
