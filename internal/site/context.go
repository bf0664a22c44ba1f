package site

import (
	"evse-allocator/internal/models"
)

// Battery describes the site battery within one cycle's context. Configured
// limits come from configuration, SOC and power from live readings.
type Battery struct {
	Configured bool
	Soc        float64 // percent
	SocValid   bool
	Power      float64 // W, positive = discharging, negative = charging
	PowerValid bool

	MinSoc            float64
	TargetSoc         float64
	SocHysteresis     float64
	MaxChargePower    float64
	MaxDischargePower float64
	AllowGridCharging bool
}

// ChargingFromSolar reports whether the battery is currently absorbing
// surplus production.
func (b Battery) ChargingFromSolar() bool {
	return b.Configured && b.PowerValid && b.Power < 0
}

// Context is the normalized electrical model for one control cycle. Import
// and export are split per phase from the raw signed readings; at most one of
// the two is non-zero per phase. It is rebuilt fresh every cycle and never
// persisted.
type Context struct {
	Voltage               float64
	Phases                int
	BreakerCurrent        float64 // A per phase
	MaxImportPower        float64 // W site-wide
	PowerBuffer           float64 // W
	ExcessExportThreshold float64 // W

	ImportCurrent [models.NumPhases]float64
	ExportCurrent [models.NumPhases]float64

	TotalImportCurrent float64
	TotalExportCurrent float64
	TotalExportPower   float64

	Battery Battery
}

// Limits carries the configured site constants used to build a Context.
type Limits struct {
	Voltage               float64
	Phases                int
	BreakerCurrent        float64
	MaxImportPower        float64
	PowerBuffer           float64
	ExcessExportThreshold float64
	InvertGridCurrents    bool
}

// BatteryLimits carries the configured battery constants.
type BatteryLimits struct {
	Configured        bool
	MinSoc            float64
	TargetSoc         float64
	SocHysteresis     float64
	MaxChargePower    float64
	MaxDischargePower float64
	AllowGridCharging bool
}

// Build turns raw signed phase currents into the normalized context. Missing
// readings degrade to zero; the builder never fails.
func Build(limits Limits, battery BatteryLimits, grid models.GridSnapshot) *Context {
	ctx := &Context{
		Voltage:               limits.Voltage,
		Phases:                limits.Phases,
		BreakerCurrent:        limits.BreakerCurrent,
		MaxImportPower:        limits.MaxImportPower,
		PowerBuffer:           limits.PowerBuffer,
		ExcessExportThreshold: limits.ExcessExportThreshold,
	}

	for p := 0; p < models.NumPhases; p++ {
		raw, ok := grid.PhaseCurrent[p].Get()
		if !ok {
			continue
		}
		if limits.InvertGridCurrents {
			raw = -raw
		}
		if raw >= 0 {
			ctx.ImportCurrent[p] = raw
		} else {
			ctx.ExportCurrent[p] = -raw
		}
	}

	for p := 0; p < models.NumPhases; p++ {
		ctx.TotalImportCurrent += ctx.ImportCurrent[p]
		ctx.TotalExportCurrent += ctx.ExportCurrent[p]
	}
	ctx.TotalExportPower = ctx.TotalExportCurrent * ctx.Voltage

	ctx.Battery = Battery{
		Configured:        battery.Configured,
		MinSoc:            battery.MinSoc,
		TargetSoc:         battery.TargetSoc,
		SocHysteresis:     battery.SocHysteresis,
		MaxChargePower:    battery.MaxChargePower,
		MaxDischargePower: battery.MaxDischargePower,
		AllowGridCharging: battery.AllowGridCharging,
	}
	if battery.Configured {
		ctx.Battery.Soc, ctx.Battery.SocValid = grid.BatterySoc.Get()
		ctx.Battery.Power, ctx.Battery.PowerValid = grid.BatteryPower.Get()
	}

	return ctx
}

// SignedCurrent returns the raw signed value for one phase, import positive.
func (c *Context) SignedCurrent(p models.Phase) float64 {
	return c.ImportCurrent[p] - c.ExportCurrent[p]
}
