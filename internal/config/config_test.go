package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Site: SiteConfig{
			Voltage:        230,
			Phases:         3,
			BreakerCurrent: 25,
			MaxImportPower: 17250,
		},
		Battery: BatteryConfig{
			Enabled:   true,
			MinSoc:    20,
			TargetSoc: 80,
		},
		Detection: DetectionConfig{
			WindowSize:      15,
			WindowThreshold: 10,
		},
		Chargers: []ChargerConfig{
			{ID: "garage", Phases: 3, MinCurrent: 6, MaxCurrent: 16},
		},
	}
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_AppliesChargerDefaults(t *testing.T) {
	cfg := validConfig()
	cfg.Chargers = append(cfg.Chargers, ChargerConfig{ID: "carport", Phases: 1, MinCurrent: 6, MaxCurrent: 32})

	assert.NoError(t, cfg.Validate())

	first := cfg.Chargers[0]
	assert.Equal(t, "evse", first.Type)
	assert.Equal(t, 1, first.Priority)
	assert.Equal(t, "standard", first.Mode)
	assert.Equal(t, 3*time.Minute, first.PauseDuration)
	assert.Equal(t, 5*time.Minute, first.GracePeriod)
	assert.Equal(t, 15*time.Second, first.CommandInterval)

	assert.Equal(t, 2, cfg.Chargers[1].Priority)
}

func TestValidate_KeepsExplicitValues(t *testing.T) {
	cfg := validConfig()
	cfg.Chargers[0].Priority = 7
	cfg.Chargers[0].Mode = "solar"
	cfg.Chargers[0].CommandInterval = time.Minute

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 7, cfg.Chargers[0].Priority)
	assert.Equal(t, "solar", cfg.Chargers[0].Mode)
	assert.Equal(t, time.Minute, cfg.Chargers[0].CommandInterval)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero voltage", func(c *Config) { c.Site.Voltage = 0 }},
		{"site phases out of range", func(c *Config) { c.Site.Phases = 4 }},
		{"zero breaker", func(c *Config) { c.Site.BreakerCurrent = 0 }},
		{"battery min above target", func(c *Config) { c.Battery.MinSoc = 90 }},
		{"charger without id", func(c *Config) { c.Chargers[0].ID = "" }},
		{"duplicate charger id", func(c *Config) {
			c.Chargers = append(c.Chargers, ChargerConfig{ID: "garage", Phases: 1, MaxCurrent: 16})
		}},
		{"unknown charger type", func(c *Config) { c.Chargers[0].Type = "relay" }},
		{"charger phases out of range", func(c *Config) { c.Chargers[0].Phases = 0 }},
		{"min above max current", func(c *Config) { c.Chargers[0].MinCurrent = 20 }},
		{"mapping length mismatch", func(c *Config) { c.Chargers[0].PhaseMapping = []string{"A"} }},
		{"detection threshold above window", func(c *Config) { c.Detection.WindowThreshold = 20 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_BatteryBoundsIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Battery.Enabled = false
	cfg.Battery.MinSoc = 90

	assert.NoError(t, cfg.Validate())
}
