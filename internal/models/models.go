package models

import (
	"sync"
	"time"
)

// Phase identifies one leg of the site supply.
type Phase int

const (
	PhaseA Phase = iota
	PhaseB
	PhaseC

	NumPhases = 3
)

func (p Phase) String() string {
	switch p {
	case PhaseA:
		return "A"
	case PhaseB:
		return "B"
	case PhaseC:
		return "C"
	}
	return "?"
}

// ParsePhase maps a configured phase letter to a Phase.
func ParsePhase(s string) (Phase, bool) {
	switch s {
	case "A", "a", "L1", "1":
		return PhaseA, true
	case "B", "b", "L2", "2":
		return PhaseB, true
	case "C", "c", "L3", "3":
		return PhaseC, true
	}
	return PhaseA, false
}

// ChargeMode selects the per-charger target policy.
type ChargeMode string

const (
	ModeStandard ChargeMode = "standard"
	ModeEco      ChargeMode = "eco"
	ModeSolar    ChargeMode = "solar"
	ModeExcess   ChargeMode = "excess"
)

// DistributionMode selects how the shared budget is split across chargers.
type DistributionMode string

const (
	DistributionShared       DistributionMode = "shared"
	DistributionPriority     DistributionMode = "priority"
	DistributionSequential   DistributionMode = "sequential"
	DistributionSeqOptimized DistributionMode = "sequential_optimized"
)

// ConnectorStatus mirrors the OCPP connector status reported by the charger.
type ConnectorStatus string

const (
	StatusUnknown       ConnectorStatus = "Unknown"
	StatusAvailable     ConnectorStatus = "Available"
	StatusPreparing     ConnectorStatus = "Preparing"
	StatusCharging      ConnectorStatus = "Charging"
	StatusSuspendedEV   ConnectorStatus = "SuspendedEV"
	StatusSuspendedEVSE ConnectorStatus = "SuspendedEVSE"
	StatusFinishing     ConnectorStatus = "Finishing"
	StatusFaulted       ConnectorStatus = "Faulted"
)

// Connected reports whether a vehicle is attached and charging is possible.
func (s ConnectorStatus) Connected() bool {
	switch s {
	case StatusPreparing, StatusCharging, StatusSuspendedEV, StatusSuspendedEVSE, StatusFinishing:
		return true
	}
	return false
}

// LoadType distinguishes OCPP charge points from simple switched loads.
type LoadType string

const (
	LoadEVSE   LoadType = "evse"
	LoadSwitch LoadType = "switch"
)

// Reading is a numeric sensor value with its arrival time. The zero value is
// "never seen". Readings replace exceptions for missing sensors: consumers
// ask Get and fall back to a safe default.
type Reading struct {
	value   float64
	updated time.Time
}

// NewReading returns a reading observed at the given time.
func NewReading(value float64, at time.Time) Reading {
	return Reading{value: value, updated: at}
}

// Set stores a fresh value.
func (r *Reading) Set(value float64, at time.Time) {
	r.value = value
	r.updated = at
}

// Get returns the value and whether it has ever been observed.
func (r Reading) Get() (float64, bool) {
	return r.value, !r.updated.IsZero()
}

// GetFresh returns the value only if it arrived within maxAge of now.
func (r Reading) GetFresh(now time.Time, maxAge time.Duration) (float64, bool) {
	if r.updated.IsZero() || now.Sub(r.updated) > maxAge {
		return 0, false
	}
	return r.value, true
}

// Or returns the value, or def if the reading was never observed.
func (r Reading) Or(def float64) float64 {
	if v, ok := r.Get(); ok {
		return v
	}
	return def
}

// Updated returns the arrival time of the last value.
func (r Reading) Updated() time.Time {
	return r.updated
}

// Notification is a user-facing finding with a stable identifier so the host
// can deduplicate.
type Notification struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// GridReadings holds the raw per-phase site telemetry written by the MQTT
// client and snapshotted by the control loop.
type GridReadings struct {
	mu           sync.RWMutex
	phaseCurrent [NumPhases]Reading
	batterySoc   Reading
	batteryPower Reading
}

func NewGridReadings() *GridReadings {
	return &GridReadings{}
}

// SetPhaseCurrent stores a signed phase current (+import/-export).
func (g *GridReadings) SetPhaseCurrent(p Phase, value float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phaseCurrent[p].Set(value, at)
}

func (g *GridReadings) SetBatterySoc(value float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batterySoc.Set(value, at)
}

func (g *GridReadings) SetBatteryPower(value float64, at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.batteryPower.Set(value, at)
}

// Snapshot copies all readings for one control cycle.
func (g *GridReadings) Snapshot() GridSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GridSnapshot{
		PhaseCurrent: g.phaseCurrent,
		BatterySoc:   g.batterySoc,
		BatteryPower: g.batteryPower,
	}
}

// GridSnapshot is an immutable per-cycle copy of the site telemetry.
type GridSnapshot struct {
	PhaseCurrent [NumPhases]Reading
	BatterySoc   Reading
	BatteryPower Reading
}

// ChargerState carries everything the allocator knows about one charger. It
// is created at configuration time and lives until the charger is removed;
// smoothing and pause state must survive across cycles.
type ChargerState struct {
	ID         string
	Type       LoadType
	Phases     int              // hardware line count, 1..3
	Mapping    [NumPhases]Phase // line index -> site phase
	Priority   int              // lower = served first
	MinCurrent float64
	MaxCurrent float64

	PauseDuration   time.Duration
	GracePeriod     time.Duration
	CommandInterval time.Duration

	mu sync.RWMutex

	mode      ChargeMode
	enabled   bool // dynamic control on/off
	connected bool
	status    ConnectorStatus

	lineCurrent    [NumPhases]Reading // measured per hardware line
	offeredCurrent Reading            // charger-reported Current.Offered

	commandedLimit float64
	lastCommandAt  time.Time
}

// NewChargerState constructs a charger with explicit defaults; there is no
// lazy attribute creation anywhere downstream.
func NewChargerState(id string, phases int, minCurrent, maxCurrent float64) *ChargerState {
	c := &ChargerState{
		ID:         id,
		Type:       LoadEVSE,
		Phases:     phases,
		Priority:   1,
		MinCurrent: minCurrent,
		MaxCurrent: maxCurrent,
		mode:       ModeStandard,
		enabled:    true,
		status:     StatusUnknown,
	}
	for i := 0; i < NumPhases; i++ {
		c.Mapping[i] = Phase(i % NumPhases)
	}
	return c
}

func (c *ChargerState) SetMode(mode ChargeMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *ChargerState) Mode() ChargeMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *ChargerState) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

func (c *ChargerState) Enabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

func (c *ChargerState) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
	if !connected {
		c.status = StatusUnknown
	}
}

func (c *ChargerState) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *ChargerState) SetStatus(status ConnectorStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *ChargerState) Status() ConnectorStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetLineCurrent stores a measured current for hardware line 0..2.
func (c *ChargerState) SetLineCurrent(line int, value float64, at time.Time) {
	if line < 0 || line >= NumPhases {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineCurrent[line].Set(value, at)
}

func (c *ChargerState) SetOfferedCurrent(value float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offeredCurrent.Set(value, at)
}

func (c *ChargerState) SetCommandedLimit(limit float64, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandedLimit = limit
	c.lastCommandAt = at
}

func (c *ChargerState) CommandedLimit() (float64, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandedLimit, c.lastCommandAt
}

// SetMapping applies a line-to-site-phase mapping, used both at configuration
// time and by the phase-mapping auto-remap (in memory only).
func (c *ChargerState) SetMapping(mapping [NumPhases]Phase) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Mapping = mapping
}

// Snapshot copies the mutable charger state for one control cycle so the
// distribution engine works on a consistent view.
func (c *ChargerState) Snapshot() ChargerSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := ChargerSnapshot{
		ID:             c.ID,
		Type:           c.Type,
		Phases:         c.Phases,
		Mapping:        c.Mapping,
		Priority:       c.Priority,
		MinCurrent:     c.MinCurrent,
		MaxCurrent:     c.MaxCurrent,
		Mode:           c.mode,
		Enabled:        c.enabled,
		Connected:      c.connected,
		Status:         c.status,
		OfferedCurrent: c.offeredCurrent,
		CommandedLimit: c.commandedLimit,
	}
	s.LineCurrent = c.lineCurrent
	return s
}

// ChargerSnapshot is the per-cycle immutable view of one charger.
type ChargerSnapshot struct {
	ID         string
	Type       LoadType
	Phases     int
	Mapping    [NumPhases]Phase
	Priority   int
	MinCurrent float64
	MaxCurrent float64

	Mode      ChargeMode
	Enabled   bool
	Connected bool
	Status    ConnectorStatus

	LineCurrent    [NumPhases]Reading
	OfferedCurrent Reading
	CommandedLimit float64
}

// PhaseCurrents maps the measured line currents onto site phases. Missing
// line readings contribute zero.
func (s ChargerSnapshot) PhaseCurrents() [NumPhases]float64 {
	var out [NumPhases]float64
	for line := 0; line < s.Phases && line < NumPhases; line++ {
		v, ok := s.LineCurrent[line].Get()
		if !ok {
			continue
		}
		out[s.Mapping[line]] += v
	}
	return out
}

// TotalCurrent is the summed draw across all lines.
func (s ChargerSnapshot) TotalCurrent() float64 {
	var total float64
	for line := 0; line < s.Phases && line < NumPhases; line++ {
		total += s.LineCurrent[line].Or(0)
	}
	return total
}

// UsesPhase reports whether any hardware line maps to the given site phase.
func (s ChargerSnapshot) UsesPhase(p Phase) bool {
	for line := 0; line < s.Phases && line < NumPhases; line++ {
		if s.Mapping[line] == p {
			return true
		}
	}
	return false
}
