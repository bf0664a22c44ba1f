package site

import (
	"testing"
	"time"

	"evse-allocator/internal/models"

	"github.com/stretchr/testify/assert"
)

func testLimits() Limits {
	return Limits{
		Voltage:               230.0,
		Phases:                3,
		BreakerCurrent:        25.0,
		MaxImportPower:        17250.0, // 75A across three phases
		ExcessExportThreshold: 2000.0,
	}
}

func testBattery() BatteryLimits {
	return BatteryLimits{
		Configured:        true,
		MinSoc:            20.0,
		TargetSoc:         80.0,
		SocHysteresis:     3.0,
		MaxChargePower:    5000.0,
		MaxDischargePower: 4140.0, // 18A at 230V
	}
}

func testCharger(phases int) models.ChargerSnapshot {
	sn := models.ChargerSnapshot{
		ID:         "charger1",
		Type:       models.LoadEVSE,
		Phases:     phases,
		MinCurrent: 6.0,
		MaxCurrent: 16.0,
		Enabled:    true,
		Connected:  true,
		Status:     models.StatusCharging,
	}
	for i := 0; i < models.NumPhases; i++ {
		sn.Mapping[i] = models.Phase(i)
	}
	return sn
}

func gridWith(phaseCurrents [3]float64, soc, power float64) models.GridSnapshot {
	grid := models.NewGridReadings()
	now := time.Now()
	for p := 0; p < models.NumPhases; p++ {
		grid.SetPhaseCurrent(models.Phase(p), phaseCurrents[p], now)
	}
	grid.SetBatterySoc(soc, now)
	grid.SetBatteryPower(power, now)
	return grid.Snapshot()
}

func TestBuild_SplitsSignedCurrents(t *testing.T) {
	ctx := Build(testLimits(), testBattery(), gridWith([3]float64{10, -4, 0}, 50, 0))

	assert.Equal(t, 10.0, ctx.ImportCurrent[0])
	assert.Equal(t, 0.0, ctx.ExportCurrent[0])
	assert.Equal(t, 0.0, ctx.ImportCurrent[1])
	assert.Equal(t, 4.0, ctx.ExportCurrent[1])
	assert.Equal(t, 10.0, ctx.TotalImportCurrent)
	assert.Equal(t, 4.0, ctx.TotalExportCurrent)
	assert.InDelta(t, 4.0*230.0, ctx.TotalExportPower, 0.01)
}

func TestBuild_InvertFlag(t *testing.T) {
	limits := testLimits()
	limits.InvertGridCurrents = true
	ctx := Build(limits, testBattery(), gridWith([3]float64{10, -4, 0}, 50, 0))

	assert.Equal(t, 10.0, ctx.ExportCurrent[0])
	assert.Equal(t, 4.0, ctx.ImportCurrent[1])
}

func TestBuild_MissingReadingsDegradeToZero(t *testing.T) {
	ctx := Build(testLimits(), testBattery(), models.NewGridReadings().Snapshot())

	assert.Equal(t, 0.0, ctx.TotalImportCurrent)
	assert.Equal(t, 0.0, ctx.TotalExportCurrent)
	assert.False(t, ctx.Battery.SocValid)
}

// The fully loaded site: every phase at the breaker and at the import limit,
// all of it drawn by the charger itself, with the battery able to back
// 18A of discharge. The battery is the binding constraint.
func TestAvailableCurrent_BatteryIsBindingConstraint(t *testing.T) {
	ctx := Build(testLimits(), testBattery(), gridWith([3]float64{25, 25, 25}, 85, 0))

	ch := testCharger(3)
	now := time.Now()
	var lines [models.NumPhases]models.Reading
	for i := range lines {
		lines[i] = models.NewReading(25, now)
	}
	ch.LineCurrent = lines

	// Breaker headroom 25-25+25 = 25A, import headroom (75-75+75)/3 = 25A,
	// battery 4140W/230V = 18A.
	avail := AvailableCurrent(ctx, ch)
	assert.InDelta(t, 18.0, avail, 0.01)
}

func TestAvailableCurrent_BreakerHeadroom(t *testing.T) {
	battery := testBattery()
	battery.Configured = false
	ctx := Build(testLimits(), battery, gridWith([3]float64{20, 5, 5}, 0, 0))

	// Phase A has only 5A of breaker headroom left.
	avail := AvailableCurrent(ctx, testCharger(3))
	assert.InDelta(t, 5.0, avail, 0.01)
}

func TestAvailableCurrent_ExportAddsHeadroom(t *testing.T) {
	battery := testBattery()
	battery.Configured = false
	ctx := Build(testLimits(), battery, gridWith([3]float64{-10, -10, -10}, 0, 0))

	// Site import headroom (75+30)/3 = 35A, breaker 25A binds.
	avail := AvailableCurrent(ctx, testCharger(3))
	assert.InDelta(t, 25.0, avail, 0.01)
}

func TestAvailableCurrent_SinglePhaseContendsForOnePhase(t *testing.T) {
	battery := testBattery()
	battery.Configured = false
	ctx := Build(testLimits(), battery, gridWith([3]float64{0, 0, 0}, 0, 0))

	// A 1-phase charger may take the full site headroom on its phase, capped
	// by the breaker.
	avail := AvailableCurrent(ctx, testCharger(1))
	assert.InDelta(t, 25.0, avail, 0.01)
}

func TestAvailableCurrent_UnknownPhaseCountFallsBack(t *testing.T) {
	ctx := Build(testLimits(), testBattery(), gridWith([3]float64{0, 0, 0}, 85, 0))

	ch := testCharger(3)
	ch.Phases = 0
	assert.Equal(t, ch.MinCurrent, AvailableCurrent(ctx, ch))
}

func TestAvailableCurrent_NeverNegative(t *testing.T) {
	battery := testBattery()
	battery.Configured = false
	ctx := Build(testLimits(), battery, gridWith([3]float64{30, 30, 30}, 0, 0))

	assert.Equal(t, 0.0, AvailableCurrent(ctx, testCharger(3)))
}

func TestBatteryDischargeCurrent(t *testing.T) {
	t.Run("below min soc", func(t *testing.T) {
		ctx := Build(testLimits(), testBattery(), gridWith([3]float64{0, 0, 0}, 10, 0))
		assert.Equal(t, 0.0, BatteryDischargeCurrent(ctx))
	})

	t.Run("active discharge reduces budget", func(t *testing.T) {
		// Battery already delivering 2300W leaves 1840W = 8A.
		ctx := Build(testLimits(), testBattery(), gridWith([3]float64{0, 0, 0}, 85, 2300))
		assert.InDelta(t, 8.0, BatteryDischargeCurrent(ctx), 0.01)
	})

	t.Run("unknown soc yields zero", func(t *testing.T) {
		grid := models.NewGridReadings()
		ctx := Build(testLimits(), testBattery(), grid.Snapshot())
		assert.Equal(t, 0.0, BatteryDischargeCurrent(ctx))
	})
}

func TestAvailableCurrentNoBattery_IgnoresBatteryTerm(t *testing.T) {
	ctx := Build(testLimits(), testBattery(), gridWith([3]float64{0, 0, 0}, 10, 0))

	assert.Equal(t, 0.0, AvailableCurrent(ctx, testCharger(3)))
	assert.InDelta(t, 25.0, AvailableCurrentNoBattery(ctx, testCharger(3)), 0.01)
}

func TestPhaseBudgets(t *testing.T) {
	battery := testBattery()
	battery.Configured = false
	ctx := Build(testLimits(), battery, gridWith([3]float64{20, 5, -5}, 0, 0))

	budgets := PhaseBudgets(ctx)

	// Site headroom (75-25+5)/3 ≈ 18.3A; phase A breaker headroom 5A binds
	// there, the others take the site share.
	assert.InDelta(t, 5.0, budgets[0], 0.01)
	assert.InDelta(t, 18.33, budgets[1], 0.01)
	assert.InDelta(t, 18.33, budgets[2], 0.01)
}

func TestPhaseBudgets_FlooredAtZero(t *testing.T) {
	battery := testBattery()
	battery.Configured = false
	ctx := Build(testLimits(), battery, gridWith([3]float64{30, 0, 0}, 0, 0))

	budgets := PhaseBudgets(ctx)
	assert.Equal(t, 0.0, budgets[0])
}
