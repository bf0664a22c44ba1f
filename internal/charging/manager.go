package charging

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"evse-allocator/internal/config"
	"evse-allocator/internal/detect"
	"evse-allocator/internal/models"
	"evse-allocator/internal/modes"
	"evse-allocator/internal/site"

	"github.com/sirupsen/logrus"
)

// complianceTolerance is how far the charger-reported offered current may
// drift from the commanded limit before the watchdog counts the cycle.
const complianceTolerance = 1.0

// Charger status strings published to the status topics.
const (
	StatusTextCharging     = "Charging"
	StatusTextPaused       = "Paused"
	StatusTextInsufficient = "Insufficient Solar"
	StatusTextWaiting      = "Waiting"
	StatusTextNotConnected = "Not Connected"
	StatusTextDisabled     = "Disabled"
)

// chargerRuntime bundles the per-charger state that must survive across
// cycles: strategy instances, smoothing state, watchdog counters and the
// phase-mapping tracker.
type chargerRuntime struct {
	state      *models.ChargerState
	strategies map[models.ChargeMode]modes.Strategy
	pipeline   PipelineState

	lastOutput modes.Output
	lastStatus string

	nonCompliant   int
	complianceMute time.Time

	phaseMap *detect.PhaseMapTracker

	switchOn bool
}

// commandRequest is one queued limit waiting for the dispatcher.
type commandRequest struct {
	chargerID string
	limit     float64
}

// Manager runs the periodic control loop: snapshot telemetry, evaluate every
// strategy for every charger, distribute the shared budget, smooth, and
// command the chargers. One cycle failure on one charger never takes down the
// others.
type Manager struct {
	config *config.Config
	logger *logrus.Logger

	limits       site.Limits
	battery      site.BatteryLimits
	distribution models.DistributionMode

	grid *models.GridReadings

	mu       sync.RWMutex
	chargers map[string]*chargerRuntime
	order    []string

	pipeline    *Pipeline
	distributor *Distributor
	inversion   *detect.InversionDetector

	commands chan commandRequest

	onCommand func(chargerID string, limit float64)
	onNotify  func(n models.Notification)
	onStatus  func(chargerID string, status string)
	onSwitch  func(chargerID string, on bool)
}

func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	m := &Manager{
		config: cfg,
		logger: logger,
		limits: site.Limits{
			Voltage:               cfg.Site.Voltage,
			Phases:                cfg.Site.Phases,
			BreakerCurrent:        cfg.Site.BreakerCurrent,
			MaxImportPower:        cfg.Site.MaxImportPower,
			PowerBuffer:           cfg.Site.PowerBuffer,
			ExcessExportThreshold: cfg.Site.ExcessExportThreshold,
			InvertGridCurrents:    cfg.Site.InvertGridCurrents,
		},
		battery: site.BatteryLimits{
			Configured:        cfg.Battery.Enabled,
			MinSoc:            cfg.Battery.MinSoc,
			TargetSoc:         cfg.Battery.TargetSoc,
			SocHysteresis:     cfg.Battery.SocHysteresis,
			MaxChargePower:    cfg.Battery.MaxChargePower,
			MaxDischargePower: cfg.Battery.MaxDischargePower,
			AllowGridCharging: cfg.Battery.AllowGridCharging,
		},
		distribution: models.DistributionMode(cfg.Site.Distribution),
		grid:         models.NewGridReadings(),
		chargers:     make(map[string]*chargerRuntime),
		commands:     make(chan commandRequest, 32),
		pipeline: NewPipeline(PipelineConfig{
			Alpha:        cfg.Control.SmoothingAlpha,
			DeadBand:     cfg.Control.DeadBand,
			RampUpRate:   cfg.Control.RampUpRate,
			RampDownRate: cfg.Control.RampDownRate,
		}, logger),
	}
	m.distributor = NewDistributor(logger)

	if cfg.Detection.Enabled {
		m.inversion = detect.NewInversionDetector(detect.InversionConfig{
			WindowSize:      cfg.Detection.WindowSize,
			WindowThreshold: cfg.Detection.WindowThreshold,
			NoiseFloor:      cfg.Detection.NoiseFloor,
		}, logger)
	}

	for _, cc := range cfg.Chargers {
		if err := m.addCharger(cc); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) addCharger(cc config.ChargerConfig) error {
	state := models.NewChargerState(cc.ID, cc.Phases, cc.MinCurrent, cc.MaxCurrent)
	state.Type = models.LoadType(cc.Type)
	state.Priority = cc.Priority
	state.PauseDuration = cc.PauseDuration
	state.GracePeriod = cc.GracePeriod
	state.CommandInterval = cc.CommandInterval
	state.SetMode(models.ChargeMode(cc.Mode))

	if len(cc.PhaseMapping) > 0 {
		var mapping [models.NumPhases]models.Phase
		for i := 0; i < models.NumPhases; i++ {
			mapping[i] = models.Phase(i % models.NumPhases)
		}
		for i, name := range cc.PhaseMapping {
			p, ok := models.ParsePhase(name)
			if !ok {
				return fmt.Errorf("charger %q: unknown phase %q", cc.ID, name)
			}
			mapping[i] = p
		}
		state.SetMapping(mapping)
	}

	rt := &chargerRuntime{
		state:      state,
		strategies: modes.AllStrategies(m.config.Battery.SocHysteresis, m.logger),
	}
	if m.config.Detection.Enabled && state.Type == models.LoadEVSE {
		rt.phaseMap = detect.NewPhaseMapTracker(cc.ID, detect.PhaseMapConfig{
			NoiseFloor:  m.config.Detection.NoiseFloor,
			NotifyScore: m.config.Detection.NotifyScore,
			RemapScore:  m.config.Detection.RemapScore,
			AutoRemap:   m.config.Detection.AutoRemap,
		}, m.logger)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chargers[cc.ID] = rt
	m.order = append(m.order, cc.ID)
	return nil
}

// Grid exposes the telemetry sink for the MQTT client.
func (m *Manager) Grid() *models.GridReadings {
	return m.grid
}

// Charger returns the state of one charger, or nil if unknown. The OCPP
// server uses this to feed connector status and meter values.
func (m *Manager) Charger(id string) *models.ChargerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rt, ok := m.chargers[id]; ok {
		return rt.state
	}
	return nil
}

// Chargers lists the charger states in configuration order.
func (m *Manager) Chargers() []*models.ChargerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ChargerState, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.chargers[id].state)
	}
	return out
}

// SetChargerMode switches the active strategy for one charger. Takes effect
// next cycle; every strategy is evaluated every cycle so there is no warmup.
func (m *Manager) SetChargerMode(id string, mode models.ChargeMode) error {
	m.mu.RLock()
	rt, ok := m.chargers[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown charger: %s", id)
	}
	if _, ok := rt.strategies[mode]; !ok {
		return fmt.Errorf("unknown charge mode: %s", mode)
	}
	rt.state.SetMode(mode)
	m.logger.Infof("Charger %s switched to %s mode", id, mode)
	return nil
}

// SetChargerEnabled turns dynamic control on or off for one charger.
func (m *Manager) SetChargerEnabled(id string, enabled bool) error {
	m.mu.RLock()
	rt, ok := m.chargers[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown charger: %s", id)
	}
	rt.state.SetEnabled(enabled)
	return nil
}

// SetDistributionMode switches the site-wide distribution policy. Takes
// effect next cycle; the pipeline passes the step through unsmoothed.
func (m *Manager) SetDistributionMode(mode models.DistributionMode) error {
	switch mode {
	case models.DistributionPriority, models.DistributionShared,
		models.DistributionSequential, models.DistributionSeqOptimized:
	default:
		return fmt.Errorf("unknown distribution mode: %s", mode)
	}
	m.mu.Lock()
	m.distribution = mode
	m.mu.Unlock()
	m.logger.Infof("Distribution switched to %s", mode)
	return nil
}

// DistributionMode returns the active distribution policy.
func (m *Manager) DistributionMode() models.DistributionMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.distribution
}

func (m *Manager) SetCommandCallback(cb func(chargerID string, limit float64)) {
	m.onCommand = cb
}

func (m *Manager) SetNotifyCallback(cb func(n models.Notification)) {
	m.onNotify = cb
}

func (m *Manager) SetStatusCallback(cb func(chargerID string, status string)) {
	m.onStatus = cb
}

func (m *Manager) SetSwitchCallback(cb func(chargerID string, on bool)) {
	m.onSwitch = cb
}

// Start runs the control loop until the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go m.dispatchCommands(ctx)

	ticker := time.NewTicker(m.config.Control.UpdateInterval)
	defer ticker.Stop()

	m.logger.Info("Starting charging manager")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping charging manager")
			return
		case now := <-ticker.C:
			m.runCycle(now)
		}
	}
}

// sendCommand hands a limit to the dispatcher without waiting on the charger.
// A full queue drops the command; targets are absolute, so the next cycle
// commands the same limit again.
func (m *Manager) sendCommand(chargerID string, limit float64) {
	select {
	case m.commands <- commandRequest{chargerID: chargerID, limit: limit}:
	default:
		m.logger.Warnf("Command queue full, dropping %.1fA for %s", limit, chargerID)
	}
}

// dispatchCommands delivers queued commands one at a time, keeping each
// charger's commands in order. A slow or wedged charge point stalls only this
// goroutine, never the control loop.
func (m *Manager) dispatchCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-m.commands:
			if m.onCommand != nil {
				m.onCommand(cmd.chargerID, cmd.limit)
			}
		}
	}
}

// runCycle executes one full control cycle at the given time.
func (m *Manager) runCycle(now time.Time) {
	gridSnap := m.grid.Snapshot()

	if !m.gridFresh(gridSnap, now) {
		m.logger.Warn("Grid telemetry is stale, stopping all charging")
		m.stopAllCharging(now)
		return
	}

	siteCtx := site.Build(m.limits, m.battery, gridSnap)

	m.mu.RLock()
	distribution := m.distribution
	runtimes := make([]*chargerRuntime, 0, len(m.order))
	for _, id := range m.order {
		runtimes = append(runtimes, m.chargers[id])
	}
	m.mu.RUnlock()

	// Phase one: strategies. Every strategy runs every cycle so hysteresis
	// and persistence windows stay warm across mode switches.
	requests := make([]Request, 0, len(runtimes))
	perCharger := make(map[string]models.ChargerSnapshot, len(runtimes))
	for _, rt := range runtimes {
		sn := rt.state.Snapshot()
		perCharger[sn.ID] = sn

		if sn.Type == models.LoadSwitch {
			m.runSwitchLoad(rt, sn, siteCtx)
			continue
		}

		desired := m.evaluateCharger(rt, sn, siteCtx, now)
		if sn.Enabled && sn.Connected && sn.Status.Connected() {
			requests = append(requests, Request{Charger: sn, Desired: desired})
		}
	}

	// Phase two: distribution over the shared per-phase budget.
	granted := m.distributor.Distribute(siteCtx, distribution, requests)

	// Phase three: smoothing pipeline and command dispatch, detectors fed
	// from the same snapshots.
	totalDraw := 0.0
	for _, rt := range runtimes {
		sn, ok := perCharger[rt.state.ID]
		if !ok || sn.Type != models.LoadEVSE {
			continue
		}
		totalDraw += sn.TotalCurrent()

		target := granted[sn.ID]
		avail := site.AvailableCurrent(siteCtx, sn)
		out := m.pipeline.Apply(&rt.pipeline, CycleInput{
			Target:        target,
			Available:     avail,
			MinCurrent:    sn.MinCurrent,
			Mode:          sn.Mode,
			Distribution:  distribution,
			PauseDuration: rt.state.PauseDuration,
			GracePeriod:   rt.state.GracePeriod,
			Now:           now,
		})

		m.command(rt, sn, out, now)
		m.watchCompliance(rt, sn, now)
		m.publishStatus(rt, sn, out, now)

		if rt.phaseMap != nil && sn.Connected {
			m.runPhaseMapping(rt, sn, siteCtx)
		}
	}

	if m.inversion != nil {
		gridTotal := 0.0
		for p := 0; p < models.NumPhases; p++ {
			gridTotal += siteCtx.SignedCurrent(models.Phase(p))
		}
		if n := m.inversion.Observe(gridTotal, totalDraw); n != nil {
			m.notify(*n)
		}
	}
}

// gridFresh reports whether every configured site phase has a recent current
// reading. Battery readings degrade gracefully and are not checked here.
func (m *Manager) gridFresh(grid models.GridSnapshot, now time.Time) bool {
	maxAge := m.config.Control.SensorMaxAge
	for p := 0; p < m.limits.Phases && p < models.NumPhases; p++ {
		if _, ok := grid.PhaseCurrent[p].GetFresh(now, maxAge); !ok {
			return false
		}
	}
	return true
}

// evaluateCharger runs all strategies for one charger and returns the active
// mode's desired target. A panicking strategy disables this charger for the
// cycle but never the loop.
func (m *Manager) evaluateCharger(rt *chargerRuntime, sn models.ChargerSnapshot, siteCtx *site.Context, now time.Time) (desired float64) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Charger %s strategy evaluation failed: %v", sn.ID, r)
			desired = 0
		}
	}()

	if !sn.Enabled || !sn.Connected || !sn.Status.Connected() {
		return 0
	}

	input := modes.Input{
		Context:            siteCtx,
		Charger:            sn,
		Available:          site.AvailableCurrent(siteCtx, sn),
		AvailableNoBattery: site.AvailableCurrentNoBattery(siteCtx, sn),
		Timestamp:          now,
	}

	var active modes.Output
	for mode, strategy := range rt.strategies {
		out := strategy.Calculate(input)
		if mode == sn.Mode {
			active = out
		}
	}
	rt.lastOutput = active

	m.logger.Debugf("Charger %s [%s]: target %.1fA (%s)", sn.ID, sn.Mode, active.TargetCurrent, active.Reason)
	return active.TargetCurrent
}

// command sends the limit to the charger, throttled to the per-charger
// command interval. Start and stop transitions bypass the throttle.
func (m *Manager) command(rt *chargerRuntime, sn models.ChargerSnapshot, limit float64, now time.Time) {
	last, lastAt := rt.state.CommandedLimit()
	if lastAt.IsZero() && limit == 0 {
		return
	}

	zeroTransition := (limit > 0) != (last > 0)
	changed := math.Abs(limit-last) >= 0.1

	if !changed && !lastAt.IsZero() {
		return
	}
	if !zeroTransition && !lastAt.IsZero() && now.Sub(lastAt) < rt.state.CommandInterval {
		return
	}

	rt.state.SetCommandedLimit(limit, now)
	m.sendCommand(sn.ID, limit)
	m.logger.Infof("Charger %s: limit set to %.1fA", sn.ID, limit)
}

// watchCompliance re-sends the limit when the charger keeps offering a
// different current than commanded. Notifies once per cooldown window.
func (m *Manager) watchCompliance(rt *chargerRuntime, sn models.ChargerSnapshot, now time.Time) {
	commanded, commandedAt := rt.state.CommandedLimit()
	if commandedAt.IsZero() || commanded < sn.MinCurrent {
		rt.nonCompliant = 0
		return
	}
	offered, ok := sn.OfferedCurrent.GetFresh(now, m.config.Control.SensorMaxAge)
	if !ok || sn.OfferedCurrent.Updated().Before(commandedAt) {
		return
	}
	if math.Abs(offered-commanded) <= complianceTolerance {
		rt.nonCompliant = 0
		return
	}

	rt.nonCompliant++
	if rt.nonCompliant < m.config.Control.ComplianceCycles {
		return
	}
	rt.nonCompliant = 0

	m.logger.Warnf("Charger %s offers %.1fA but was commanded %.1fA, re-sending profile", sn.ID, offered, commanded)
	rt.state.SetCommandedLimit(commanded, now)
	m.sendCommand(sn.ID, commanded)

	if now.After(rt.complianceMute) {
		rt.complianceMute = now.Add(m.config.Control.ComplianceCooldown)
		m.notify(models.Notification{
			ID:    "compliance-" + sn.ID,
			Title: "Charger ignoring current limit",
			Message: fmt.Sprintf("Charger %s keeps offering %.1fA instead of the commanded %.1fA.",
				sn.ID, offered, commanded),
		})
	}
}

// publishStatus emits the human-readable charger state, only on change.
func (m *Manager) publishStatus(rt *chargerRuntime, sn models.ChargerSnapshot, output float64, now time.Time) {
	status := m.statusText(rt, sn, output, now)
	if status == rt.lastStatus {
		return
	}
	rt.lastStatus = status
	if m.onStatus != nil {
		m.onStatus(sn.ID, status)
	}
}

func (m *Manager) statusText(rt *chargerRuntime, sn models.ChargerSnapshot, output float64, now time.Time) string {
	switch {
	case !sn.Enabled:
		return StatusTextDisabled
	case !sn.Connected || !sn.Status.Connected():
		return StatusTextNotConnected
	case rt.pipeline.Paused(now):
		return StatusTextPaused
	case output >= sn.MinCurrent:
		return StatusTextCharging
	case sn.Mode == models.ModeSolar || sn.Mode == models.ModeExcess:
		return StatusTextInsufficient
	default:
		return StatusTextWaiting
	}
}

// runSwitchLoad drives a simple on/off load from the export surplus. The off
// threshold sits below the on threshold so the load does not chatter.
func (m *Manager) runSwitchLoad(rt *chargerRuntime, sn models.ChargerSnapshot, siteCtx *site.Context) {
	if !sn.Enabled {
		m.setSwitch(rt, sn.ID, false)
		return
	}
	requiredPower := sn.MaxCurrent * siteCtx.Voltage * float64(sn.Phases)
	if !rt.switchOn && siteCtx.TotalExportPower >= requiredPower {
		m.setSwitch(rt, sn.ID, true)
	} else if rt.switchOn && siteCtx.TotalExportPower < requiredPower*0.8 {
		m.setSwitch(rt, sn.ID, false)
	}
}

func (m *Manager) setSwitch(rt *chargerRuntime, id string, on bool) {
	if rt.switchOn == on {
		return
	}
	rt.switchOn = on
	m.logger.Infof("Switch load %s: %v", id, on)
	if m.onSwitch != nil {
		m.onSwitch(id, on)
	}
}

// runPhaseMapping feeds one cycle into the charger's mapping tracker and
// applies its findings.
func (m *Manager) runPhaseMapping(rt *chargerRuntime, sn models.ChargerSnapshot, siteCtx *site.Context) {
	var siteCurrent, lineCurrent [models.NumPhases]float64
	for p := 0; p < models.NumPhases; p++ {
		siteCurrent[p] = siteCtx.SignedCurrent(models.Phase(p))
	}
	for line := 0; line < sn.Phases && line < models.NumPhases; line++ {
		lineCurrent[line] = sn.LineCurrent[line].Or(0)
	}

	finding := rt.phaseMap.Observe(siteCurrent, lineCurrent, sn.Mapping, sn.Phases)
	if finding == nil {
		return
	}
	if finding.Remap != nil {
		rt.state.SetMapping(*finding.Remap)
		rt.pipeline.Reset()
	}
	if finding.Notification != nil {
		m.notify(*finding.Notification)
	}
}

func (m *Manager) notify(n models.Notification) {
	m.logger.Warnf("Notification [%s]: %s", n.ID, n.Message)
	if m.onNotify != nil {
		m.onNotify(n)
	}
}

// stopAllCharging commands zero on every charger that currently has a
// non-zero limit, bypassing the throttle.
func (m *Manager) stopAllCharging(now time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		rt := m.chargers[id]
		if rt.state.Type == models.LoadSwitch {
			m.setSwitch(rt, id, false)
			continue
		}
		if limit, _ := rt.state.CommandedLimit(); limit > 0 {
			rt.state.SetCommandedLimit(0, now)
			m.sendCommand(id, 0)
		}
	}
}

// GetStatus assembles a monitoring view of the whole site.
func (m *Manager) GetStatus() map[string]interface{} {
	gridSnap := m.grid.Snapshot()
	siteCtx := site.Build(m.limits, m.battery, gridSnap)

	status := map[string]interface{}{
		"import_current": siteCtx.TotalImportCurrent,
		"export_current": siteCtx.TotalExportCurrent,
		"export_power":   siteCtx.TotalExportPower,
	}
	if siteCtx.Battery.Configured {
		status["battery_soc"] = siteCtx.Battery.Soc
		status["battery_power"] = siteCtx.Battery.Power
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	status["distribution"] = string(m.distribution)
	chargers := make(map[string]interface{}, len(m.order))
	for _, id := range m.order {
		rt := m.chargers[id]
		sn := rt.state.Snapshot()
		limit, _ := rt.state.CommandedLimit()
		entry := map[string]interface{}{
			"mode":      string(sn.Mode),
			"enabled":   sn.Enabled,
			"connected": sn.Connected,
			"status":    rt.lastStatus,
			"target":    rt.lastOutput.TargetCurrent,
			"reason":    rt.lastOutput.Reason,
			"limit":     limit,
			"draw":      sn.TotalCurrent(),
			"priority":  sn.Priority,
		}
		if strategy, ok := rt.strategies[sn.Mode]; ok {
			entry["strategy"] = strategy.GetStatus()
		}
		chargers[id] = entry
	}
	status["chargers"] = chargers
	return status
}
