package main

import (
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Manual test harness: plays grid telemetry scenarios against a running
// allocator without needing real meters.
func main() {
	fmt.Println("🧪 EVSE Allocator - MQTT Grid Simulator")
	fmt.Println("=======================================")
	fmt.Println()

	broker := "tcp://localhost:1883"
	phaseTopics := []string{
		"energy/grid/current_a",
		"energy/grid/current_b",
		"energy/grid/current_c",
	}
	socTopic := "energy/battery/soc"
	powerTopic := "energy/battery/power"

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("grid-simulator")

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Printf("❌ Cannot connect to MQTT broker (%s)", broker)
		log.Printf("💡 Make sure a broker is running:")
		log.Printf("   docker run -it -p 1883:1883 eclipse-mosquitto:2.0")
		log.Printf("Error: %s", token.Error().Error())
		return
	}
	defer client.Disconnect(250)

	fmt.Printf("✅ Connected to MQTT broker: %s\n", broker)
	fmt.Println()

	fmt.Println("🎯 Allocation scenario")
	fmt.Println("Goal: watch the allocator react to import, export and battery state")
	fmt.Println()

	scenarios := []struct {
		step     string
		phases   [3]float64 // A, import positive
		soc      float64
		power    float64 // W, discharge positive
		wait     int
		expected string
	}{
		{"1. Quiet house", [3]float64{2, 1, 1}, 85, 0, 10, "Full allocation in standard mode"},
		{"2. Heavy import", [3]float64{24, 23, 22}, 85, 0, 15, "Targets drop towards breaker headroom"},
		{"3. Solar export", [3]float64{-8, -7, -6}, 85, -2000, 15, "Solar mode chargers start"},
		{"4. Cloud passes", [3]float64{-1, 0, 1}, 85, 0, 15, "Grace hold keeps minimum"},
		{"5. Battery low", [3]float64{5, 5, 5}, 15, 0, 15, "Battery budget goes to zero"},
		{"6. Export returns", [3]float64{-10, -10, -10}, 60, -3000, 15, "Excess threshold re-arms"},
	}

	for _, scenario := range scenarios {
		fmt.Printf("📊 %s\n", scenario.step)
		fmt.Printf("   Phases: %+.1f / %+.1f / %+.1f A | SOC %.0f%% | Battery %+.0fW\n",
			scenario.phases[0], scenario.phases[1], scenario.phases[2], scenario.soc, scenario.power)
		fmt.Printf("   Expected: %s\n", scenario.expected)

		for i, topic := range phaseTopics {
			publishValue(client, topic, scenario.phases[i])
		}
		publishValue(client, socTopic, scenario.soc)
		publishValue(client, powerTopic, scenario.power)

		fmt.Printf("   ⏳ Waiting %ds to observe the reaction...\n", scenario.wait)
		time.Sleep(time.Duration(scenario.wait) * time.Second)
		fmt.Println()
	}

	fmt.Println("✅ Scenario finished!")
	fmt.Println()
	fmt.Println("📋 To analyze the results, check the allocator logs:")
	fmt.Println("   - Look for 'target' lines to see the strategy decisions")
	fmt.Println("   - Look for 'allocated' to see the distribution")
	fmt.Println("   - Look for 'limit set' to see the commands sent")

	fmt.Println()
	fmt.Print("🎮 Switch to interactive mode? (y/N): ")
	var response string
	fmt.Scanln(&response)

	if response == "y" || response == "Y" {
		interactiveMode(client, phaseTopics, socTopic, powerTopic)
	}
}

func publishValue(client mqtt.Client, topic string, value float64) {
	token := client.Publish(topic, 1, false, fmt.Sprintf("%.2f", value))
	token.Wait()

	fmt.Printf("📡 Published: %s = %.2f\n", topic, value)
}

func interactiveMode(client mqtt.Client, phaseTopics []string, socTopic, powerTopic string) {
	fmt.Println()
	fmt.Println("🎮 Interactive Mode")
	fmt.Println("===================")
	fmt.Println("Commands:")
	fmt.Println("  grid <amps>   - Set all three phase currents (import positive)")
	fmt.Println("  soc <pct>     - Set the battery SOC")
	fmt.Println("  batt <watts>  - Set the battery power (discharge positive)")
	fmt.Println("  Presets:")
	fmt.Println("    export      - Simulate 10A export on every phase")
	fmt.Println("    import      - Simulate 20A import on every phase")
	fmt.Println("    idle        - Simulate a balanced 0A grid")
	fmt.Println("  quit          - Exit")
	fmt.Println()

	setAll := func(amps float64) {
		for _, topic := range phaseTopics {
			publishValue(client, topic, amps)
		}
	}

	for {
		fmt.Print("🎮 > ")
		var cmd string
		fmt.Scanln(&cmd)

		switch cmd {
		case "export":
			setAll(-10)

		case "import":
			setAll(20)

		case "idle":
			setAll(0)

		case "grid":
			fmt.Print("   Current (A): ")
			var amps float64
			fmt.Scanln(&amps)
			setAll(amps)

		case "soc":
			fmt.Print("   SOC (%): ")
			var soc float64
			fmt.Scanln(&soc)
			publishValue(client, socTopic, soc)

		case "batt":
			fmt.Print("   Power (W): ")
			var power float64
			fmt.Scanln(&power)
			publishValue(client, powerTopic, power)

		case "quit", "exit", "q":
			fmt.Println("👋 Bye!")
			return

		case "help", "h":
			fmt.Println("📖 Type one of the commands listed above")

		default:
			var amps float64
			if n, _ := fmt.Sscanf(cmd, "%f", &amps); n == 1 {
				setAll(amps)
			} else {
				fmt.Println("❌ Unknown command. Type 'help' for the list")
			}
		}
	}
}
