package charging

import (
	"context"
	"testing"
	"time"

	"evse-allocator/internal/config"
	"evse-allocator/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type commandRecord struct {
	id    string
	limit float64
}

type switchRecord struct {
	id string
	on bool
}

type recorder struct {
	commands      []commandRecord
	statuses      map[string]string
	notifications []models.Notification
	switches      []switchRecord
}

func managerConfig(chargers ...config.ChargerConfig) *config.Config {
	return &config.Config{
		Site: config.SiteConfig{
			Voltage:        230,
			Phases:         3,
			BreakerCurrent: 25,
			MaxImportPower: 17250,
			Distribution:   "priority",
		},
		Control: config.ControlConfig{
			UpdateInterval:     5 * time.Second,
			SensorMaxAge:       5 * time.Minute,
			SmoothingAlpha:     0.2,
			DeadBand:           0.5,
			RampUpRate:         0.5,
			RampDownRate:       2.0,
			ComplianceCycles:   3,
			ComplianceCooldown: 5 * time.Minute,
		},
		Chargers: chargers,
	}
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *recorder) {
	t.Helper()
	require.NoError(t, cfg.Validate())

	m, err := NewManager(cfg, testLogger())
	require.NoError(t, err)

	rec := &recorder{statuses: map[string]string{}}
	m.SetCommandCallback(func(id string, limit float64) {
		rec.commands = append(rec.commands, commandRecord{id, limit})
	})
	m.SetStatusCallback(func(id, status string) {
		rec.statuses[id] = status
	})
	m.SetNotifyCallback(func(n models.Notification) {
		rec.notifications = append(rec.notifications, n)
	})
	m.SetSwitchCallback(func(id string, on bool) {
		rec.switches = append(rec.switches, switchRecord{id, on})
	})
	return m, rec
}

// flushCommands delivers queued commands synchronously; the dispatcher
// goroutine does this in production.
func flushCommands(m *Manager) {
	for {
		select {
		case cmd := <-m.commands:
			if m.onCommand != nil {
				m.onCommand(cmd.chargerID, cmd.limit)
			}
		default:
			return
		}
	}
}

func feedGrid(m *Manager, at time.Time, a, b, c float64) {
	m.Grid().SetPhaseCurrent(models.PhaseA, a, at)
	m.Grid().SetPhaseCurrent(models.PhaseB, b, at)
	m.Grid().SetPhaseCurrent(models.PhaseC, c, at)
}

func plugIn(m *Manager, id string) {
	st := m.Charger(id)
	st.SetConnected(true)
	st.SetStatus(models.StatusCharging)
}

func evseConfig(id string) config.ChargerConfig {
	return config.ChargerConfig{ID: id, Phases: 3, MinCurrent: 6, MaxCurrent: 16}
}

func TestManager_CommandsActiveTarget(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	feedGrid(m, now, 0, 0, 0)
	plugIn(m, "garage")
	m.runCycle(now)
	flushCommands(m)

	// Idle grid, standard mode: the charger gets its full 16A.
	require.Len(t, rec.commands, 1)
	assert.Equal(t, commandRecord{"garage", 16}, rec.commands[0])
	assert.Equal(t, StatusTextCharging, rec.statuses["garage"])
}

func TestManager_ThrottlesUnchangedCommands(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	plugIn(m, "garage")
	for i := 0; i < 4; i++ {
		at := now.Add(time.Duration(i) * 5 * time.Second)
		feedGrid(m, at, 0, 0, 0)
		m.runCycle(at)
	}
	flushCommands(m)

	// The target never changes, so only the first cycle commands.
	assert.Len(t, rec.commands, 1)
}

func TestManager_StaleGridStopsCharging(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	feedGrid(m, now, 0, 0, 0)
	plugIn(m, "garage")
	m.runCycle(now)
	flushCommands(m)
	require.Len(t, rec.commands, 1)

	// No fresh readings for ten minutes: everything is commanded to zero.
	m.runCycle(now.Add(10 * time.Minute))
	flushCommands(m)

	require.Len(t, rec.commands, 2)
	assert.Equal(t, commandRecord{"garage", 0}, rec.commands[1])
}

func TestManager_DisconnectedChargerStaysQuiet(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	feedGrid(m, now, 0, 0, 0)
	m.runCycle(now)
	flushCommands(m)

	assert.Empty(t, rec.commands)
	assert.Equal(t, StatusTextNotConnected, rec.statuses["garage"])
}

func TestManager_SolarWithoutExportReportsInsufficient(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	require.NoError(t, m.SetChargerMode("garage", models.ModeSolar))
	feedGrid(m, now, 2, 2, 2)
	plugIn(m, "garage")
	m.runCycle(now)
	flushCommands(m)

	assert.Empty(t, rec.commands)
	assert.Equal(t, StatusTextInsufficient, rec.statuses["garage"])
}

func TestManager_SetChargerModeRejectsUnknown(t *testing.T) {
	m, _ := newTestManager(t, managerConfig(evseConfig("garage")))

	assert.Error(t, m.SetChargerMode("garage", models.ChargeMode("turbo")))
	assert.Error(t, m.SetChargerMode("carport", models.ModeSolar))
}

func TestManager_SwitchLoadFollowsExportWithHysteresis(t *testing.T) {
	cfg := managerConfig(config.ChargerConfig{
		ID:         "boiler",
		Type:       "switch",
		Phases:     1,
		MaxCurrent: 10, // needs 2300W of surplus
	})
	m, rec := newTestManager(t, cfg)
	now := time.Now()

	// 3450W of export: on.
	feedGrid(m, now, -15, 0, 0)
	m.runCycle(now)
	// 2070W: above the 80% release point, stays on.
	feedGrid(m, now.Add(5*time.Second), -9, 0, 0)
	m.runCycle(now.Add(5 * time.Second))
	// 1610W: off.
	feedGrid(m, now.Add(10*time.Second), -7, 0, 0)
	m.runCycle(now.Add(10 * time.Second))

	assert.Equal(t, []switchRecord{{"boiler", true}, {"boiler", false}}, rec.switches)
}

func TestManager_ComplianceWatchdogResendsAndNotifies(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	feedGrid(m, now, 0, 0, 0)
	plugIn(m, "garage")
	m.runCycle(now)
	flushCommands(m)
	require.Len(t, rec.commands, 1)

	// The charger keeps offering 10A against the commanded 16A.
	st := m.Charger("garage")
	for i := 1; i <= 3; i++ {
		at := now.Add(time.Duration(i) * 20 * time.Second)
		feedGrid(m, at, 0, 0, 0)
		st.SetOfferedCurrent(10, at)
		m.runCycle(at)
	}
	flushCommands(m)

	require.Len(t, rec.commands, 2)
	assert.Equal(t, commandRecord{"garage", 16}, rec.commands[1])
	require.Len(t, rec.notifications, 1)
	assert.Equal(t, "compliance-garage", rec.notifications[0].ID)
}

func TestManager_SlowCommandDoesNotBlockCycle(t *testing.T) {
	m, _ := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	release := make(chan struct{})
	delivered := make(chan commandRecord, 4)
	m.SetCommandCallback(func(id string, limit float64) {
		<-release
		delivered <- commandRecord{id, limit}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.dispatchCommands(ctx)

	feedGrid(m, now, 0, 0, 0)
	plugIn(m, "garage")
	m.runCycle(now)

	// The dispatcher is stuck inside the callback; the next cycle must still
	// complete and queue its stop command behind the first.
	m.Charger("garage").SetConnected(false)
	at := now.Add(5 * time.Second)
	feedGrid(m, at, 0, 0, 0)
	m.runCycle(at)

	close(release)
	for _, expected := range []commandRecord{{"garage", 16}, {"garage", 0}} {
		select {
		case got := <-delivered:
			assert.Equal(t, expected, got)
		case <-time.After(time.Second):
			t.Fatal("command was never delivered")
		}
	}
}

func TestManager_SetDistributionModeSwitchesPolicy(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage1"), evseConfig("garage2")))
	now := time.Now()

	// 5A of import per phase leaves 20A of headroom: priority serves the
	// first charger in full and starves the second below its minimum.
	feedGrid(m, now, 5, 5, 5)
	plugIn(m, "garage1")
	plugIn(m, "garage2")
	m.runCycle(now)
	flushCommands(m)

	require.Equal(t, []commandRecord{{"garage1", 16}}, rec.commands)

	require.NoError(t, m.SetDistributionMode(models.DistributionShared))
	assert.Equal(t, models.DistributionShared, m.DistributionMode())

	// Shared splits the same 20A into 10A each, unsmoothed because the
	// distribution changed.
	at := now.Add(20 * time.Second)
	feedGrid(m, at, 5, 5, 5)
	m.runCycle(at)
	flushCommands(m)

	assert.Equal(t, []commandRecord{
		{"garage1", 16},
		{"garage1", 10},
		{"garage2", 10},
	}, rec.commands)
}

func TestManager_SetDistributionModeRejectsUnknown(t *testing.T) {
	m, _ := newTestManager(t, managerConfig(evseConfig("garage")))

	assert.Error(t, m.SetDistributionMode(models.DistributionMode("round_robin")))
	assert.Equal(t, models.DistributionPriority, m.DistributionMode())
}

func TestManager_GetStatusReportsStrategyReason(t *testing.T) {
	m, _ := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	feedGrid(m, now, 0, 0, 0)
	plugIn(m, "garage")
	m.runCycle(now)

	status := m.GetStatus()
	chargers, ok := status["chargers"].(map[string]interface{})
	require.True(t, ok)
	entry, ok := chargers["garage"].(map[string]interface{})
	require.True(t, ok)

	assert.Equal(t, 16.0, entry["target"])
	assert.NotEmpty(t, entry["reason"])
}

func TestManager_DisabledChargerReportsDisabled(t *testing.T) {
	m, rec := newTestManager(t, managerConfig(evseConfig("garage")))
	now := time.Now()

	require.NoError(t, m.SetChargerEnabled("garage", false))
	feedGrid(m, now, 0, 0, 0)
	plugIn(m, "garage")
	m.runCycle(now)
	flushCommands(m)

	assert.Empty(t, rec.commands)
	assert.Equal(t, StatusTextDisabled, rec.statuses["garage"])
}
