package site

import (
	"math"

	"evse-allocator/internal/models"
)

// AvailableCurrent computes the maximum current the given charger could draw
// on every phase it uses, without violating the per-phase breaker, the site
// import limit, or the battery discharge budget. The charger's own measured
// draw is added back so the result is charger-relative: it answers "how much
// could this charger draw", not "how much additional headroom is left".
//
// The result is the minimum across:
//
//   - breaker headroom on each phase the charger uses
//   - site import-current headroom, averaged over the charger's phase count,
//     with the site export added on top
//   - remaining battery discharge current when a battery is configured
//     (zero below the minimum SOC; the eco strategy handles that branch)
//
// An unsupported phase count falls back to the configured minimum current.
// Pure function, no side effects.
func AvailableCurrent(ctx *Context, ch models.ChargerSnapshot) float64 {
	if ch.Phases < 1 || ch.Phases > models.NumPhases {
		return ch.MinCurrent
	}

	own := ch.PhaseCurrents()
	ownTotal := 0.0
	for p := 0; p < models.NumPhases; p++ {
		ownTotal += own[p]
	}

	// Breaker headroom per used phase, own share added back.
	breaker := math.MaxFloat64
	for p := 0; p < models.NumPhases; p++ {
		if !ch.UsesPhase(models.Phase(p)) {
			continue
		}
		head := ctx.BreakerCurrent - ctx.ImportCurrent[p] + own[p]
		if head < breaker {
			breaker = head
		}
	}

	// Import limit headroom plus available export, split over the charger's
	// phase count. A 1-phase charger contends for a single phase's share; a
	// 3-phase charger is bounded by the symmetric average.
	importLimit := ctx.MaxImportPower / ctx.Voltage
	importHead := (importLimit - ctx.TotalImportCurrent + ownTotal + ctx.TotalExportCurrent) / float64(ch.Phases)

	avail := math.Min(breaker, importHead)

	if ctx.Battery.Configured {
		avail = math.Min(avail, BatteryDischargeCurrent(ctx))
	}

	if avail < 0 {
		return 0
	}
	return avail
}

// AvailableCurrentNoBattery is AvailableCurrent with the battery term
// skipped, for mode branches that deliberately ignore the battery.
func AvailableCurrentNoBattery(ctx *Context, ch models.ChargerSnapshot) float64 {
	if !ctx.Battery.Configured {
		return AvailableCurrent(ctx, ch)
	}
	copied := *ctx
	copied.Battery.Configured = false
	return AvailableCurrent(&copied, ch)
}

// BatteryDischargeCurrent is the remaining discharge budget in amps: the full
// discharge capacity minus what the battery already delivers, floored at
// zero. Below the minimum SOC no discharge is available at all.
func BatteryDischargeCurrent(ctx *Context) float64 {
	b := ctx.Battery
	if !b.SocValid || b.Soc < b.MinSoc {
		return 0
	}
	discharging := 0.0
	if b.PowerValid && b.Power > 0 {
		discharging = b.Power
	}
	head := (b.MaxDischargePower - discharging) / ctx.Voltage
	if head < 0 {
		return 0
	}
	return head
}

// PhaseBudgets returns the per-phase headroom used by the distribution engine
// to prevent double-allocating shared capacity: breaker headroom per phase
// plus the site import/export budget apportioned per phase. Chargers' own
// draws are added back by the caller per charger.
func PhaseBudgets(ctx *Context) [models.NumPhases]float64 {
	var budgets [models.NumPhases]float64
	importLimit := ctx.MaxImportPower / ctx.Voltage
	siteHead := (importLimit - ctx.TotalImportCurrent + ctx.TotalExportCurrent) / float64(ctx.Phases)
	for p := 0; p < models.NumPhases; p++ {
		budgets[p] = math.Min(ctx.BreakerCurrent-ctx.ImportCurrent[p], siteHead)
		if budgets[p] < 0 {
			budgets[p] = 0
		}
	}
	return budgets
}
