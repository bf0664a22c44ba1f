package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"evse-allocator/internal/models"
	"evse-allocator/internal/modes"
	"evse-allocator/internal/site"

	"github.com/sirupsen/logrus"
)

// Interactive offline tester for the charging strategies: feed grid currents
// by hand and watch what each mode would command, without a broker or a
// charger.
func main() {
	fmt.Println("🧪 Charge Mode Interactive Tester")
	fmt.Println("=================================")
	fmt.Println()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	limits := site.Limits{
		Voltage:               230.0,
		Phases:                3,
		BreakerCurrent:        25.0,
		MaxImportPower:        17250.0,
		ExcessExportThreshold: 2000.0,
	}
	battery := site.BatteryLimits{
		Configured:        true,
		MinSoc:            20.0,
		TargetSoc:         80.0,
		SocHysteresis:     3.0,
		MaxChargePower:    5000.0,
		MaxDischargePower: 5000.0,
	}

	charger := models.NewChargerState("tester", 3, 6.0, 16.0)
	charger.SetConnected(true)
	charger.SetStatus(models.StatusCharging)

	strategies := modes.AllStrategies(battery.SocHysteresis, logger)
	mode := models.ModeSolar

	fmt.Println("📋 Site: 3x25A breaker, 17.25kW import limit, 2kW excess threshold")
	fmt.Println("📋 Charger: 3-phase, 6..16A")
	fmt.Println()
	fmt.Println("🎮 Commands:")
	fmt.Println("   <amps>          - Signed grid current on every phase (ex: -8, 12)")
	fmt.Println("   <amps> <draw>   - Grid current + charger draw per line (ex: -8 10)")
	fmt.Println("   soc <pct>       - Set the battery SOC")
	fmt.Println("   batt <watts>    - Set the battery power (discharge positive)")
	fmt.Println("   mode <name>     - standard | eco | solar | excess")
	fmt.Println("   reset           - Reset every strategy")
	fmt.Println("   status          - Show the active strategy state")
	fmt.Println("   scenario        - Run a solar-day scenario")
	fmt.Println("   quit            - Exit")
	fmt.Println()

	grid := models.NewGridReadings()
	now := time.Now()
	grid.SetBatterySoc(60, now)
	grid.SetBatteryPower(0, now)

	var stepCount int
	scanner := bufio.NewScanner(os.Stdin)

	step := func(gridAmps, draw float64) {
		stepCount++
		at := now.Add(time.Duration(stepCount*5) * time.Second)
		for p := 0; p < models.NumPhases; p++ {
			grid.SetPhaseCurrent(models.Phase(p), gridAmps, at)
			charger.SetLineCurrent(p, draw, at)
		}
		showOutputs(strategies, mode, limits, battery, grid, charger, at, stepCount)
	}

	for {
		sn := charger.Snapshot()
		fmt.Printf("\n[Step %d | Mode: %s | Draw: %.1fA] > ", stepCount, mode, sn.TotalCurrent()/3)

		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		parts := strings.Fields(input)

		switch parts[0] {
		case "quit", "q", "exit":
			fmt.Println("👋 Bye!")
			return

		case "reset":
			for _, s := range strategies {
				s.Reset()
			}
			fmt.Println("🔄 Strategies reset")

		case "mode":
			if len(parts) == 2 {
				candidate := models.ChargeMode(parts[1])
				if _, ok := strategies[candidate]; ok {
					mode = candidate
					fmt.Printf("⚡ Mode %s active\n", mode)
					continue
				}
			}
			fmt.Println("❌ Usage: mode standard|eco|solar|excess")

		case "soc":
			if v, ok := parseArg(parts); ok {
				grid.SetBatterySoc(v, time.Now())
				fmt.Printf("🔋 SOC set to %.0f%%\n", v)
			}

		case "batt":
			if v, ok := parseArg(parts); ok {
				grid.SetBatteryPower(v, time.Now())
				fmt.Printf("🔋 Battery power set to %+.0fW\n", v)
			}

		case "status":
			status := strategies[mode].GetStatus()
			fmt.Printf("📊 %s strategy state:\n", mode)
			for k, v := range status {
				fmt.Printf("   %-20s %v\n", k, v)
			}

		case "scenario":
			runScenario(step)

		case "help", "h":
			fmt.Println("📖 Enter a signed grid current in amps; negative means export.")
			fmt.Println("   Add a second number to set the charger's own per-line draw.")

		default:
			gridAmps, err := strconv.ParseFloat(parts[0], 64)
			if err != nil {
				fmt.Println("❌ Unknown command. Type 'help' for the list.")
				continue
			}
			draw := 0.0
			if len(parts) > 1 {
				if d, err := strconv.ParseFloat(parts[1], 64); err == nil {
					draw = d
				}
			}
			step(gridAmps, draw)
		}
	}
}

func parseArg(parts []string) (float64, bool) {
	if len(parts) != 2 {
		fmt.Println("❌ Expected one numeric argument")
		return 0, false
	}
	v, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		fmt.Println("❌ Invalid number:", parts[1])
		return 0, false
	}
	return v, true
}

func showOutputs(strategies map[models.ChargeMode]modes.Strategy, active models.ChargeMode,
	limits site.Limits, battery site.BatteryLimits, grid *models.GridReadings,
	charger *models.ChargerState, at time.Time, step int) {

	siteCtx := site.Build(limits, battery, grid.Snapshot())
	sn := charger.Snapshot()
	input := modes.Input{
		Context:            siteCtx,
		Charger:            sn,
		Available:          site.AvailableCurrent(siteCtx, sn),
		AvailableNoBattery: site.AvailableCurrentNoBattery(siteCtx, sn),
		Timestamp:          at,
	}

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("📊 Step %d\n", step)
	fmt.Printf("   🔌 Grid: import %.1fA / export %.1fA | Available: %.1fA\n",
		siteCtx.TotalImportCurrent, siteCtx.TotalExportCurrent, input.Available)
	if siteCtx.Battery.Configured && siteCtx.Battery.SocValid {
		fmt.Printf("   🔋 Battery: SOC %.0f%% | %+.0fW\n", siteCtx.Battery.Soc, siteCtx.Battery.Power)
	}

	for _, mode := range []models.ChargeMode{models.ModeStandard, models.ModeEco, models.ModeSolar, models.ModeExcess} {
		out := strategies[mode].Calculate(input)
		marker := "  "
		if mode == active {
			marker = "➡️"
		}
		state := "❌ stop"
		if out.Charging {
			state = fmt.Sprintf("✅ %.1fA", out.TargetCurrent)
		}
		fmt.Printf("   %s %-8s %-10s %s\n", marker, mode, state, out.Reason)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func runScenario(step func(gridAmps, draw float64)) {
	fmt.Println("🎬 Solar day scenario: morning import, midday export, evening fade")
	fmt.Println()

	scenarios := []struct {
		name string
		grid float64
		draw float64
	}{
		{"Morning import", 6, 0},
		{"First export", -3, 0},
		{"Solar ramps up", -8, 0},
		{"Charging, still exporting", -2, 8},
		{"Peak production", -6, 10},
		{"Cloud", 1, 10},
		{"Evening import", 8, 6},
	}

	for i, s := range scenarios {
		fmt.Printf("🎬 %d. %s\n", i+1, s.name)
		step(s.grid, s.draw)
		fmt.Println()
	}

	fmt.Println("✅ Scenario finished! Keep testing by hand.")
}
