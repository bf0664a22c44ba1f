package detect

import (
	"fmt"

	"evse-allocator/internal/models"

	"github.com/sirupsen/logrus"
)

// InversionConfig tunes the grid-CT polarity detector.
type InversionConfig struct {
	WindowSize      int     // rolling window of correlation signals
	WindowThreshold int     // inverted signals required to fire
	NoiseFloor      float64 // A, minimum charger-draw change to count a sample
}

// InversionDetector watches whether changes in total charger draw move the
// grid import reading the same way. A current transformer clamped the wrong
// way around makes the two disagree; enough disagreeing samples in a full
// window fire a one-time notification.
type InversionDetector struct {
	config InversionConfig
	logger *logrus.Logger

	window []bool // true = inverted signal

	prevGrid float64
	prevDraw float64
	havePrev bool

	notified bool
}

func NewInversionDetector(config InversionConfig, logger *logrus.Logger) *InversionDetector {
	return &InversionDetector{
		config: config,
		logger: logger,
	}
}

// Observe records one cycle of total signed grid current and total charger
// draw. Returns a notification exactly once, when the window fills with
// enough inverted signals.
func (d *InversionDetector) Observe(gridCurrent, chargerDraw float64) *models.Notification {
	if !d.havePrev {
		d.prevGrid = gridCurrent
		d.prevDraw = chargerDraw
		d.havePrev = true
		return nil
	}

	drawDelta := chargerDraw - d.prevDraw
	gridDelta := gridCurrent - d.prevGrid
	d.prevGrid = gridCurrent
	d.prevDraw = chargerDraw

	// Small changes are indistinguishable from household noise.
	if abs(drawDelta) <= d.config.NoiseFloor {
		return nil
	}

	inverted := drawDelta*gridDelta < 0
	d.window = append(d.window, inverted)
	if len(d.window) > d.config.WindowSize {
		d.window = d.window[1:]
	}

	if d.notified || len(d.window) < d.config.WindowSize {
		return nil
	}

	count := 0
	for _, v := range d.window {
		if v {
			count++
		}
	}
	d.logger.Debugf("inversion window full: %d/%d inverted", count, d.config.WindowSize)

	if count < d.config.WindowThreshold {
		return nil
	}

	d.notified = true
	return &models.Notification{
		ID:    "grid-ct-inverted",
		Title: "Grid sensor polarity looks inverted",
		Message: fmt.Sprintf(
			"Charger draw changes moved grid import the opposite way in %d of %d samples. "+
				"The grid current sensor is likely clamped in the wrong direction.",
			count, d.config.WindowSize),
	}
}

// Reset clears the window and re-arms the notification, used after the user
// corrects the sensor.
func (d *InversionDetector) Reset() {
	d.window = nil
	d.havePrev = false
	d.notified = false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
