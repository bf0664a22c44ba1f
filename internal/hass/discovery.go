package hass

import (
	"strings"

	"evse-allocator/internal/config"
	"evse-allocator/internal/models"

	"github.com/sirupsen/logrus"
)

// Device groups all published entities under one Home Assistant device.
type Device struct {
	Identifiers []string `json:"identifiers"`
	Name        string   `json:"name"`
}

// SensorConfig is the MQTT discovery document for one sensor entity.
type SensorConfig struct {
	Device            Device `json:"device"`
	UniqueId          string `json:"unique_id"`
	Name              string `json:"name"`
	StateTopic        string `json:"state_topic"`
	DeviceClass       string `json:"device_class,omitempty"`
	UnitOfMeasurement string `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string `json:"value_template,omitempty"`
	Icon              string `json:"icon,omitempty"`
}

// SwitchConfig is the MQTT discovery document for one switch entity.
type SwitchConfig struct {
	Device       Device `json:"device"`
	UniqueId     string `json:"unique_id"`
	Name         string `json:"name"`
	CommandTopic string `json:"command_topic"`
	StateTopic   string `json:"state_topic,omitempty"`
	Icon         string `json:"icon,omitempty"`
}

// SelectConfig is the MQTT discovery document for one select entity.
type SelectConfig struct {
	Device       Device   `json:"device"`
	UniqueId     string   `json:"unique_id"`
	Name         string   `json:"name"`
	CommandTopic string   `json:"command_topic"`
	StateTopic   string   `json:"state_topic"`
	Options      []string `json:"options"`
	Icon         string   `json:"icon,omitempty"`
}

var chargeModeOptions = []string{
	string(models.ModeStandard),
	string(models.ModeEco),
	string(models.ModeSolar),
	string(models.ModeExcess),
}

var distributionOptions = []string{
	string(models.DistributionPriority),
	string(models.DistributionShared),
	string(models.DistributionSequential),
	string(models.DistributionSeqOptimized),
}

// JSONPublisher is the outbound MQTT surface the discovery publisher needs.
type JSONPublisher interface {
	PublishJSON(topic string, v interface{}, retained bool)
}

// Publisher announces the allocator's entities to Home Assistant via MQTT
// discovery, retained so HA picks them up on restart.
type Publisher struct {
	config *config.Config
	client JSONPublisher
	logger *logrus.Logger
}

func NewPublisher(cfg *config.Config, client JSONPublisher, logger *logrus.Logger) *Publisher {
	return &Publisher{config: cfg, client: client, logger: logger}
}

// PublishDiscovery announces the per-charger status sensor, mode select and
// enable switch, one switch entity per switched load, and the site-wide
// distribution select.
func (p *Publisher) PublishDiscovery(chargers []*models.ChargerState) {
	device := Device{
		Identifiers: []string{p.config.MQTT.ClientID},
		Name:        "EVSE Allocator",
	}
	commandPrefix := p.config.MQTT.Topics.CommandPrefix

	count := 0
	for _, ch := range chargers {
		switch ch.Type {
		case models.LoadSwitch:
			topic := "homeassistant/switch/" + entityID(ch.ID) + "/config"
			p.client.PublishJSON(topic, SwitchConfig{
				Device:       device,
				UniqueId:     p.config.MQTT.ClientID + "_" + entityID(ch.ID),
				Name:         ch.ID,
				CommandTopic: p.config.MQTT.Topics.SwitchPrefix + "/" + ch.ID + "/set",
			}, true)
			count++
		default:
			topic := "homeassistant/sensor/" + entityID(ch.ID) + "_status/config"
			p.client.PublishJSON(topic, SensorConfig{
				Device:     device,
				UniqueId:   p.config.MQTT.ClientID + "_" + entityID(ch.ID) + "_status",
				Name:       ch.ID + " status",
				StateTopic: p.config.MQTT.Topics.StatusPrefix + "/" + ch.ID,
				Icon:       "mdi:ev-station",
			}, true)
			count++

			if commandPrefix == "" {
				continue
			}
			topic = "homeassistant/select/" + entityID(ch.ID) + "_mode/config"
			p.client.PublishJSON(topic, SelectConfig{
				Device:       device,
				UniqueId:     p.config.MQTT.ClientID + "_" + entityID(ch.ID) + "_mode",
				Name:         ch.ID + " mode",
				CommandTopic: commandPrefix + "/" + ch.ID + "/mode/set",
				StateTopic:   commandPrefix + "/" + ch.ID + "/mode",
				Options:      chargeModeOptions,
				Icon:         "mdi:tune",
			}, true)
			topic = "homeassistant/switch/" + entityID(ch.ID) + "_enabled/config"
			p.client.PublishJSON(topic, SwitchConfig{
				Device:       device,
				UniqueId:     p.config.MQTT.ClientID + "_" + entityID(ch.ID) + "_enabled",
				Name:         ch.ID + " enabled",
				CommandTopic: commandPrefix + "/" + ch.ID + "/enabled/set",
				StateTopic:   commandPrefix + "/" + ch.ID + "/enabled",
				Icon:         "mdi:power",
			}, true)
			count += 2
		}
	}

	if topic := p.config.MQTT.Topics.Distribution; topic != "" {
		configTopic := "homeassistant/select/" + entityID(p.config.MQTT.ClientID) + "_distribution/config"
		p.client.PublishJSON(configTopic, SelectConfig{
			Device:       device,
			UniqueId:     p.config.MQTT.ClientID + "_distribution",
			Name:         "Distribution",
			CommandTopic: topic + "/set",
			StateTopic:   topic,
			Options:      distributionOptions,
			Icon:         "mdi:scale-balance",
		}, true)
		count++
	}

	p.logger.Infof("Published Home Assistant discovery for %d entities", count)
}

func entityID(id string) string {
	return strings.ReplaceAll(strings.ToLower(id), " ", "_")
}
