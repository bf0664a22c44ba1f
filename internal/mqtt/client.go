package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"evse-allocator/internal/config"
	"evse-allocator/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// Controller is the runtime control surface the command topics drive.
type Controller interface {
	SetChargerMode(id string, mode models.ChargeMode) error
	SetChargerEnabled(id string, enabled bool) error
	SetDistributionMode(mode models.DistributionMode) error
	DistributionMode() models.DistributionMode
	Chargers() []*models.ChargerState
}

// Client bridges the site telemetry and the outbound status/notification
// topics. Incoming phase currents land in the shared GridReadings; the
// control loop never talks to the broker directly.
type Client struct {
	client mqtt.Client
	config *config.Config
	logger *logrus.Logger

	grid    *models.GridReadings
	control Controller
}

// valueMessage is the JSON payload shape some meters publish; a bare numeric
// payload is accepted too.
type valueMessage struct {
	Value float64 `json:"value"`
}

func NewClient(cfg *config.Config, grid *models.GridReadings, logger *logrus.Logger) (*Client, error) {
	c := &Client{
		config: cfg,
		logger: logger,
		grid:   grid,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)

	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = mqtt.NewClient(opts)

	return c, nil
}

// SetController wires the runtime control topics to the charging manager.
// Must be called before Connect.
func (c *Client) SetController(ctrl Controller) {
	c.control = ctrl
}

func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker...")

	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("Connected to MQTT broker")
	return nil
}

func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker...")
	c.client.Disconnect(250)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("MQTT connected, subscribing to topics...")

	for i, topic := range c.config.MQTT.Topics.GridCurrents {
		if i >= models.NumPhases || topic == "" {
			continue
		}
		phase := models.Phase(i)
		c.subscribe(client, topic, func(_ mqtt.Client, msg mqtt.Message) {
			c.handlePhaseCurrent(phase, msg)
		})
	}
	if topic := c.config.MQTT.Topics.BatterySoc; topic != "" {
		c.subscribe(client, topic, c.handleBatterySoc)
	}
	if topic := c.config.MQTT.Topics.BatteryPower; topic != "" {
		c.subscribe(client, topic, c.handleBatteryPower)
	}
	if c.control != nil {
		c.subscribeCommands(client)
	}
}

// subscribeCommands wires the per-charger mode and enable topics plus the
// site distribution topic, and seeds their retained state so dashboards show
// the current selection before anyone commands a change.
func (c *Client) subscribeCommands(client mqtt.Client) {
	prefix := c.config.MQTT.Topics.CommandPrefix
	if prefix != "" {
		for _, ch := range c.control.Chargers() {
			if ch.Type != models.LoadEVSE {
				continue
			}
			id := ch.ID
			c.subscribe(client, prefix+"/"+id+"/mode/set", func(_ mqtt.Client, msg mqtt.Message) {
				c.handleModeCommand(id, msg.Payload())
			})
			c.subscribe(client, prefix+"/"+id+"/enabled/set", func(_ mqtt.Client, msg mqtt.Message) {
				c.handleEnabledCommand(id, msg.Payload())
			})
			sn := ch.Snapshot()
			c.publish(prefix+"/"+id+"/mode", []byte(sn.Mode), true)
			c.publish(prefix+"/"+id+"/enabled", []byte(onOff(sn.Enabled)), true)
		}
	}
	if topic := c.config.MQTT.Topics.Distribution; topic != "" {
		c.subscribe(client, topic+"/set", func(_ mqtt.Client, msg mqtt.Message) {
			c.handleDistributionCommand(msg.Payload())
		})
		c.publish(topic, []byte(c.control.DistributionMode()), true)
	}
}

func (c *Client) handleModeCommand(id string, payload []byte) {
	mode := models.ChargeMode(strings.TrimSpace(string(payload)))
	if err := c.control.SetChargerMode(id, mode); err != nil {
		c.logger.Errorf("Rejected mode command for %s: %v", id, err)
		return
	}
	c.publish(c.config.MQTT.Topics.CommandPrefix+"/"+id+"/mode", []byte(mode), true)
}

func (c *Client) handleEnabledCommand(id string, payload []byte) {
	enabled, err := parseOnOff(payload)
	if err != nil {
		c.logger.Errorf("Rejected enable command for %s: %v", id, err)
		return
	}
	if err := c.control.SetChargerEnabled(id, enabled); err != nil {
		c.logger.Errorf("Rejected enable command for %s: %v", id, err)
		return
	}
	c.publish(c.config.MQTT.Topics.CommandPrefix+"/"+id+"/enabled", []byte(onOff(enabled)), true)
}

func (c *Client) handleDistributionCommand(payload []byte) {
	mode := models.DistributionMode(strings.TrimSpace(string(payload)))
	if err := c.control.SetDistributionMode(mode); err != nil {
		c.logger.Errorf("Rejected distribution command: %v", err)
		return
	}
	c.publish(c.config.MQTT.Topics.Distribution, []byte(mode), true)
}

func (c *Client) subscribe(client mqtt.Client, topic string, handler mqtt.MessageHandler) {
	if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to subscribe to %s: %v", topic, token.Error())
	} else {
		c.logger.Infof("Subscribed to topic: %s", topic)
	}
}

func (c *Client) onConnectionLost(client mqtt.Client, err error) {
	c.logger.Errorf("MQTT connection lost: %v", err)
}

func (c *Client) handlePhaseCurrent(phase models.Phase, msg mqtt.Message) {
	value, err := parseValue(msg.Payload())
	if err != nil {
		c.logger.Errorf("Failed to parse phase %s current: %v", phase, err)
		return
	}
	c.grid.SetPhaseCurrent(phase, value, time.Now())
	c.logger.Debugf("Phase %s current updated: %.2fA", phase, value)
}

func (c *Client) handleBatterySoc(client mqtt.Client, msg mqtt.Message) {
	value, err := parseValue(msg.Payload())
	if err != nil {
		c.logger.Errorf("Failed to parse battery SOC: %v", err)
		return
	}
	c.grid.SetBatterySoc(value, time.Now())
	c.logger.Debugf("Battery SOC updated: %.1f%%", value)
}

func (c *Client) handleBatteryPower(client mqtt.Client, msg mqtt.Message) {
	value, err := parseValue(msg.Payload())
	if err != nil {
		c.logger.Errorf("Failed to parse battery power: %v", err)
		return
	}
	c.grid.SetBatteryPower(value, time.Now())
	c.logger.Debugf("Battery power updated: %.0fW", value)
}

// parseValue accepts either a bare number or a {"value": ...} JSON object.
func parseValue(payload []byte) (float64, error) {
	if v, err := strconv.ParseFloat(string(payload), 64); err == nil {
		return v, nil
	}
	if json.Valid(payload) {
		var msg valueMessage
		if err := json.Unmarshal(payload, &msg); err == nil {
			return msg.Value, nil
		}
	}
	return 0, fmt.Errorf("unparseable payload: %q", string(payload))
}

// parseOnOff accepts the Home Assistant switch payloads.
func parseOnOff(payload []byte) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "TRUE", "1":
		return true, nil
	case "OFF", "FALSE", "0":
		return false, nil
	}
	return false, fmt.Errorf("unparseable on/off payload: %q", string(payload))
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// PublishNotification sends a user-facing finding on the notify topic.
func (c *Client) PublishNotification(n models.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		c.logger.Errorf("Failed to encode notification: %v", err)
		return
	}
	c.publish(c.config.MQTT.Topics.Notify, payload, false)
}

// PublishChargerStatus publishes the human-readable charger state, retained
// so dashboards see the last value on subscribe.
func (c *Client) PublishChargerStatus(chargerID, status string) {
	topic := c.config.MQTT.Topics.StatusPrefix + "/" + chargerID
	c.publish(topic, []byte(status), true)
}

// PublishSwitchCommand drives a switched load via its command topic.
func (c *Client) PublishSwitchCommand(loadID string, on bool) {
	topic := c.config.MQTT.Topics.SwitchPrefix + "/" + loadID + "/set"
	payload := "OFF"
	if on {
		payload = "ON"
	}
	c.publish(topic, []byte(payload), false)
}

// PublishJSON publishes an arbitrary JSON document, used by the Home
// Assistant discovery publisher.
func (c *Client) PublishJSON(topic string, v interface{}, retained bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Errorf("Failed to encode payload for %s: %v", topic, err)
		return
	}
	c.publish(topic, payload, retained)
}

func (c *Client) publish(topic string, payload []byte, retained bool) {
	if topic == "" || topic == "/" {
		return
	}
	if token := c.client.Publish(topic, 1, retained, payload); token.Wait() && token.Error() != nil {
		c.logger.Errorf("Failed to publish to %s: %v", topic, token.Error())
	}
}
