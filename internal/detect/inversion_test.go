package detect

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func testInversionConfig() InversionConfig {
	return InversionConfig{
		WindowSize:      15,
		WindowThreshold: 10,
		NoiseFloor:      1.0,
	}
}

func TestInversion_FiresOnceOnInvertedSensor(t *testing.T) {
	d := NewInversionDetector(testInversionConfig(), testLogger())

	// Inverted CT: every extra amp of charger draw shows up as less import.
	draw := 0.0
	grid := 20.0
	var fired int
	for i := 0; i < 40; i++ {
		draw += 3
		grid -= 3
		if n := d.Observe(grid, draw); n != nil {
			fired++
			assert.Equal(t, "grid-ct-inverted", n.ID)
		}
	}

	assert.Equal(t, 1, fired)
}

func TestInversion_CorrectSensorStaysQuiet(t *testing.T) {
	d := NewInversionDetector(testInversionConfig(), testLogger())

	draw := 0.0
	grid := 5.0
	for i := 0; i < 40; i++ {
		draw += 3
		grid += 3
		assert.Nil(t, d.Observe(grid, draw))
	}
}

func TestInversion_NoiseSamplesDoNotCount(t *testing.T) {
	d := NewInversionDetector(testInversionConfig(), testLogger())

	// Draw changes below the noise floor never fill the window, whatever the
	// grid does.
	draw := 10.0
	for i := 0; i < 100; i++ {
		draw += 0.5
		assert.Nil(t, d.Observe(float64(-i), draw))
		draw -= 0.5
		assert.Nil(t, d.Observe(float64(i), draw))
	}
}

func TestInversion_RequiresFullWindow(t *testing.T) {
	d := NewInversionDetector(testInversionConfig(), testLogger())

	// 14 inverted samples: window not yet full, no notification.
	draw := 0.0
	grid := 100.0
	for i := 0; i < 15; i++ { // first Observe only seeds the previous values
		assert.Nil(t, d.Observe(grid, draw))
		draw += 3
		grid -= 3
	}
}

func TestInversion_MixedSignalsBelowThreshold(t *testing.T) {
	d := NewInversionDetector(testInversionConfig(), testLogger())

	// Alternating agreement and disagreement stays under 10 of 15.
	draw := 0.0
	grid := 50.0
	for i := 0; i < 60; i++ {
		draw += 3
		if i%2 == 0 {
			grid -= 3
		} else {
			grid += 3
		}
		assert.Nil(t, d.Observe(grid, draw))
	}
}

func TestInversion_ResetReArms(t *testing.T) {
	d := NewInversionDetector(testInversionConfig(), testLogger())

	run := func() int {
		draw := 0.0
		grid := 20.0
		fired := 0
		for i := 0; i < 40; i++ {
			draw += 3
			grid -= 3
			if d.Observe(grid, draw) != nil {
				fired++
			}
		}
		return fired
	}

	assert.Equal(t, 1, run())
	d.Reset()
	assert.Equal(t, 1, run())
}
