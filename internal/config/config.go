package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Site      SiteConfig      `mapstructure:"site"`
	Battery   BatteryConfig   `mapstructure:"battery"`
	Control   ControlConfig   `mapstructure:"control"`
	Detection DetectionConfig `mapstructure:"detection"`
	Chargers  []ChargerConfig `mapstructure:"chargers"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topics   Topics `mapstructure:"topics"`
}

type Topics struct {
	// Signed per-phase grid currents, import positive.
	GridCurrents []string `mapstructure:"grid_currents"`
	BatterySoc   string   `mapstructure:"battery_soc"`
	BatteryPower string   `mapstructure:"battery_power"`
	Notify       string   `mapstructure:"notify"`
	StatusPrefix string   `mapstructure:"status_prefix"`
	SwitchPrefix string   `mapstructure:"switch_prefix"`
	// Per-charger runtime controls: <prefix>/<id>/mode/set and
	// <prefix>/<id>/enabled/set, with retained state one level up.
	CommandPrefix string `mapstructure:"command_prefix"`
	// Site-wide distribution policy, commands on <topic>/set.
	Distribution string `mapstructure:"distribution"`
}

type SiteConfig struct {
	Voltage               float64 `mapstructure:"voltage"`
	Phases                int     `mapstructure:"phases"`
	BreakerCurrent        float64 `mapstructure:"breaker_current"`         // A per phase
	MaxImportPower        float64 `mapstructure:"max_import_power"`        // W
	PowerBuffer           float64 `mapstructure:"power_buffer"`            // W headroom for standard mode
	ExcessExportThreshold float64 `mapstructure:"excess_export_threshold"` // W
	InvertGridCurrents    bool    `mapstructure:"invert_grid_currents"`
	Distribution          string  `mapstructure:"distribution"`
}

type BatteryConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MinSoc            float64 `mapstructure:"min_soc"`
	TargetSoc         float64 `mapstructure:"target_soc"`
	SocHysteresis     float64 `mapstructure:"soc_hysteresis"`
	MaxChargePower    float64 `mapstructure:"max_charge_power"`    // W
	MaxDischargePower float64 `mapstructure:"max_discharge_power"` // W
	AllowGridCharging bool    `mapstructure:"allow_grid_charging"`
}

type ControlConfig struct {
	UpdateInterval     time.Duration `mapstructure:"update_interval"`
	SensorMaxAge       time.Duration `mapstructure:"sensor_max_age"`
	SmoothingAlpha     float64       `mapstructure:"smoothing_alpha"`
	DeadBand           float64       `mapstructure:"dead_band"`      // A
	RampUpRate         float64       `mapstructure:"ramp_up_rate"`   // A/s
	RampDownRate       float64       `mapstructure:"ramp_down_rate"` // A/s
	ComplianceCycles   int           `mapstructure:"compliance_cycles"`
	ComplianceCooldown time.Duration `mapstructure:"compliance_cooldown"`
}

type DetectionConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	WindowSize      int     `mapstructure:"window_size"`
	WindowThreshold int     `mapstructure:"window_threshold"`
	NoiseFloor      float64 `mapstructure:"noise_floor"` // A
	NotifyScore     float64 `mapstructure:"notify_score"`
	RemapScore      float64 `mapstructure:"remap_score"`
	AutoRemap       bool    `mapstructure:"auto_remap"`
}

type ChargerConfig struct {
	ID              string        `mapstructure:"id"`
	Type            string        `mapstructure:"type"` // evse | switch
	Phases          int           `mapstructure:"phases"`
	PhaseMapping    []string      `mapstructure:"phase_mapping"` // e.g. ["A","B","C"]
	Priority        int           `mapstructure:"priority"`
	MinCurrent      float64       `mapstructure:"min_current"`
	MaxCurrent      float64       `mapstructure:"max_current"`
	Mode            string        `mapstructure:"mode"`
	PauseDuration   time.Duration `mapstructure:"pause_duration"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	CommandInterval time.Duration `mapstructure:"command_interval"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("mqtt.client_id", "evse-allocator")
	viper.SetDefault("mqtt.topics.notify", "evse/notify")
	viper.SetDefault("mqtt.topics.status_prefix", "evse/status")
	viper.SetDefault("mqtt.topics.switch_prefix", "evse/switch")
	viper.SetDefault("mqtt.topics.command_prefix", "evse/charger")
	viper.SetDefault("mqtt.topics.distribution", "evse/distribution")
	viper.SetDefault("site.voltage", 230.0)
	viper.SetDefault("site.phases", 3)
	viper.SetDefault("site.breaker_current", 25.0)
	viper.SetDefault("site.max_import_power", 17250.0)
	viper.SetDefault("site.power_buffer", 0.0)
	viper.SetDefault("site.excess_export_threshold", 2000.0)
	viper.SetDefault("site.distribution", "priority")
	viper.SetDefault("battery.min_soc", 20.0)
	viper.SetDefault("battery.target_soc", 80.0)
	viper.SetDefault("battery.soc_hysteresis", 3.0)
	viper.SetDefault("control.update_interval", 5*time.Second)
	viper.SetDefault("control.sensor_max_age", 5*time.Minute)
	viper.SetDefault("control.smoothing_alpha", 0.2)
	viper.SetDefault("control.dead_band", 0.5)
	viper.SetDefault("control.ramp_up_rate", 0.5)
	viper.SetDefault("control.ramp_down_rate", 2.0)
	viper.SetDefault("control.compliance_cycles", 5)
	viper.SetDefault("control.compliance_cooldown", 5*time.Minute)
	viper.SetDefault("detection.enabled", true)
	viper.SetDefault("detection.window_size", 15)
	viper.SetDefault("detection.window_threshold", 10)
	viper.SetDefault("detection.noise_floor", 1.0)
	viper.SetDefault("detection.notify_score", 30.0)
	viper.SetDefault("detection.remap_score", 60.0)
	viper.SetDefault("detection.auto_remap", false)

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Println("Config file not found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.MQTT.Broker == "" {
		config.MQTT.Broker = os.Getenv("MQTT_BROKER")
	}
	if config.MQTT.Username == "" {
		config.MQTT.Username = os.Getenv("MQTT_USERNAME")
	}
	if config.MQTT.Password == "" {
		config.MQTT.Password = os.Getenv("MQTT_PASSWORD")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configuration inconsistencies before they can reach the
// allocation engine.
func (c *Config) Validate() error {
	if c.Site.Voltage <= 0 {
		return fmt.Errorf("site voltage must be positive, got %.1f", c.Site.Voltage)
	}
	if c.Site.Phases < 1 || c.Site.Phases > 3 {
		return fmt.Errorf("site phases must be 1..3, got %d", c.Site.Phases)
	}
	if c.Site.BreakerCurrent <= 0 {
		return fmt.Errorf("breaker current must be positive, got %.1f", c.Site.BreakerCurrent)
	}
	if c.Battery.Enabled && c.Battery.MinSoc > c.Battery.TargetSoc {
		return fmt.Errorf("battery min_soc %.0f exceeds target_soc %.0f", c.Battery.MinSoc, c.Battery.TargetSoc)
	}
	seen := map[string]bool{}
	for i := range c.Chargers {
		ch := &c.Chargers[i]
		if ch.ID == "" {
			return fmt.Errorf("charger %d: id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("charger %q: duplicate id", ch.ID)
		}
		seen[ch.ID] = true
		if ch.Type == "" {
			ch.Type = "evse"
		}
		if ch.Type != "evse" && ch.Type != "switch" {
			return fmt.Errorf("charger %q: unknown type %q", ch.ID, ch.Type)
		}
		if ch.Phases < 1 || ch.Phases > 3 {
			return fmt.Errorf("charger %q: phases must be 1..3, got %d", ch.ID, ch.Phases)
		}
		if ch.MinCurrent > ch.MaxCurrent {
			return fmt.Errorf("charger %q: min_current %.1f exceeds max_current %.1f", ch.ID, ch.MinCurrent, ch.MaxCurrent)
		}
		if len(ch.PhaseMapping) != 0 && len(ch.PhaseMapping) != ch.Phases {
			return fmt.Errorf("charger %q: phase_mapping must name %d phases, got %d", ch.ID, ch.Phases, len(ch.PhaseMapping))
		}
		if ch.Priority == 0 {
			ch.Priority = i + 1
		}
		if ch.Mode == "" {
			ch.Mode = "standard"
		}
		if ch.PauseDuration == 0 {
			ch.PauseDuration = 3 * time.Minute
		}
		if ch.GracePeriod == 0 {
			ch.GracePeriod = 5 * time.Minute
		}
		if ch.CommandInterval == 0 {
			ch.CommandInterval = 15 * time.Second
		}
	}
	if c.Detection.WindowThreshold > c.Detection.WindowSize {
		return fmt.Errorf("detection window_threshold %d exceeds window_size %d",
			c.Detection.WindowThreshold, c.Detection.WindowSize)
	}
	return nil
}
