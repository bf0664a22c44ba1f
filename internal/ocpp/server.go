package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"evse-allocator/internal/config"
	"evse-allocator/internal/models"

	"github.com/gorilla/websocket"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp1.6/types"
	"github.com/sirupsen/logrus"
)

// OCPP-J message type identifiers.
const (
	messageTypeCall       = 2
	messageTypeCallResult = 3
	messageTypeCallError  = 4
)

// chargingProfileID is the single profile slot this server manages on every
// charge point. Re-sending with the same id replaces the previous profile.
const chargingProfileID = 1

// writeTimeout bounds a single socket write so a charge point that stops
// reading cannot wedge the writer.
const writeTimeout = 10 * time.Second

// Registry is the charger lookup the server feeds telemetry into.
type Registry interface {
	Charger(id string) *models.ChargerState
}

// connection is one live charge point socket. Writes are serialized; the
// pending map correlates our outbound calls with their results.
type connection struct {
	chargerID string
	ws        *websocket.Conn

	writeMu sync.Mutex
	pending map[string]string // call uid -> action
}

func (c *connection) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Server accepts OCPP 1.6-J charge point connections over WebSocket, feeds
// their status and meter values into the charger registry, and pushes
// charging profiles when the control loop changes a limit.
type Server struct {
	config   *config.Config
	logger   *logrus.Logger
	registry Registry

	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection

	callSeq atomic.Uint64
	txSeq   atomic.Int64
}

func NewServer(cfg *config.Config, registry Registry, logger *logrus.Logger) *Server {
	return &Server{
		config:   cfg,
		logger:   logger,
		registry: registry,
		conns:    make(map[string]*connection),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"ocpp1.6"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", s.handleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Infof("Starting OCPP WebSocket server on %s", addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down OCPP server...")
		s.server.Close()
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop() {
	if s.server != nil {
		s.logger.Info("Stopping OCPP server")
		s.server.Close()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	chargerID := r.URL.Path[len("/ws/"):]
	if chargerID == "" {
		http.Error(w, "Charge point ID required in path", http.StatusBadRequest)
		return
	}

	charger := s.registry.Charger(chargerID)
	if charger == nil {
		s.logger.Warnf("Unknown charge point rejected: %s", chargerID)
		http.Error(w, "Unknown charge point", http.StatusNotFound)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed for %s: %v", chargerID, err)
		return
	}
	defer ws.Close()

	conn := &connection{
		chargerID: chargerID,
		ws:        ws,
		pending:   make(map[string]string),
	}

	s.mu.Lock()
	s.conns[chargerID] = conn
	s.mu.Unlock()

	charger.SetConnected(true)
	s.logger.Infof("Charge point %s connected", chargerID)

	defer func() {
		s.mu.Lock()
		if s.conns[chargerID] == conn {
			delete(s.conns, chargerID)
		}
		s.mu.Unlock()
		charger.SetConnected(false)
		s.logger.Infof("Charge point %s disconnected", chargerID)
	}()

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			s.logger.Debugf("Read error for %s: %v", chargerID, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if response := s.handleFrame(conn, charger, message); response != nil {
			if err := conn.write(response); err != nil {
				s.logger.Errorf("Write error for %s: %v", chargerID, err)
				return
			}
		}
	}
}

// handleFrame decodes one OCPP-J frame and returns the reply frame, if any.
func (s *Server) handleFrame(conn *connection, charger *models.ChargerState, message []byte) []byte {
	var frame []json.RawMessage
	if err := json.Unmarshal(message, &frame); err != nil || len(frame) < 3 {
		s.logger.Errorf("Malformed frame from %s: %s", conn.chargerID, string(message))
		return nil
	}

	var messageType int
	if err := json.Unmarshal(frame[0], &messageType); err != nil {
		return nil
	}
	var uid string
	if err := json.Unmarshal(frame[1], &uid); err != nil {
		return nil
	}

	switch messageType {
	case messageTypeCall:
		if len(frame) < 4 {
			return callError(uid, "ProtocolError", "Call frame too short")
		}
		var action string
		if err := json.Unmarshal(frame[2], &action); err != nil {
			return callError(uid, "ProtocolError", "Invalid action")
		}
		return s.handleCall(charger, uid, action, frame[3])

	case messageTypeCallResult:
		s.resolveCall(conn, uid, frame[2], "")
	case messageTypeCallError:
		s.resolveCall(conn, uid, nil, string(message))
	}
	return nil
}

func (s *Server) handleCall(charger *models.ChargerState, uid, action string, payload json.RawMessage) []byte {
	s.logger.Debugf("%s -> %s %s", charger.ID, action, string(payload))

	var confirmation interface{}
	var err error

	switch action {
	case core.BootNotificationFeatureName:
		var req core.BootNotificationRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			s.logger.Infof("Charge point %s booted: %s %s", charger.ID, req.ChargePointVendor, req.ChargePointModel)
			confirmation = core.BootNotificationConfirmation{
				CurrentTime: types.NewDateTime(time.Now()),
				Interval:    300,
				Status:      core.RegistrationStatusAccepted,
			}
		}
	case core.HeartbeatFeatureName:
		confirmation = core.HeartbeatConfirmation{CurrentTime: types.NewDateTime(time.Now())}
	case core.AuthorizeFeatureName:
		confirmation = core.AuthorizeConfirmation{
			IdTagInfo: &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
		}
	case core.StatusNotificationFeatureName:
		var req core.StatusNotificationRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			s.applyStatus(charger, req)
			confirmation = core.StatusNotificationConfirmation{}
		}
	case core.MeterValuesFeatureName:
		var req core.MeterValuesRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			s.applyMeterValues(charger, req)
			confirmation = core.MeterValuesConfirmation{}
		}
	case core.StartTransactionFeatureName:
		var req core.StartTransactionRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			txID := int(s.txSeq.Add(1))
			s.logger.Infof("Charge point %s started transaction %d", charger.ID, txID)
			confirmation = core.StartTransactionConfirmation{
				IdTagInfo:     &types.IdTagInfo{Status: types.AuthorizationStatusAccepted},
				TransactionId: txID,
			}
		}
	case core.StopTransactionFeatureName:
		var req core.StopTransactionRequest
		if err = json.Unmarshal(payload, &req); err == nil {
			s.logger.Infof("Charge point %s stopped transaction", charger.ID)
			confirmation = core.StopTransactionConfirmation{}
		}
	default:
		s.logger.Warnf("Unsupported action %s from %s", action, charger.ID)
		return callError(uid, "NotImplemented", "Action not supported")
	}

	if err != nil {
		s.logger.Errorf("Invalid %s payload from %s: %v", action, charger.ID, err)
		return callError(uid, "FormationViolation", err.Error())
	}
	return callResult(uid, confirmation)
}

// applyStatus maps the OCPP connector status onto the charger state. Only the
// charge point level (connector 0) and connector 1 are tracked; multi-outlet
// points are out of scope.
func (s *Server) applyStatus(charger *models.ChargerState, req core.StatusNotificationRequest) {
	if req.ConnectorId > 1 {
		return
	}
	status := models.ConnectorStatus(req.Status)
	charger.SetStatus(status)
	s.logger.Infof("Charge point %s connector %d status: %s", charger.ID, req.ConnectorId, req.Status)
	if req.ErrorCode != "" && req.ErrorCode != core.NoError {
		s.logger.Warnf("Charge point %s reports error: %s (%s)", charger.ID, req.ErrorCode, req.Info)
	}
}

// applyMeterValues extracts the per-line currents and the offered current
// from a MeterValues payload. Everything else (energy registers, voltages)
// is ignored.
func (s *Server) applyMeterValues(charger *models.ChargerState, req core.MeterValuesRequest) {
	now := time.Now()
	for _, mv := range req.MeterValue {
		at := now
		if mv.Timestamp != nil {
			at = mv.Timestamp.Time
		}
		for _, sv := range mv.SampledValue {
			value, err := strconv.ParseFloat(sv.Value, 64)
			if err != nil {
				continue
			}
			switch sv.Measurand {
			case types.MeasurandCurrentImport:
				charger.SetLineCurrent(lineForPhase(sv.Phase), value, at)
			case types.MeasurandCurrentOffered:
				charger.SetOfferedCurrent(value, at)
			}
		}
	}
}

// lineForPhase maps an OCPP phase tag to a hardware line index. A missing
// phase tag means a single-line meter reporting on line 1.
func lineForPhase(phase types.Phase) int {
	switch phase {
	case types.PhaseL2, types.PhaseL2N:
		return 1
	case types.PhaseL3, types.PhaseL3N:
		return 2
	default:
		return 0
	}
}

// SendChargingProfile pushes the current limit to a connected charge point as
// a TxDefaultProfile. A zero limit pauses charging without ending the
// transaction.
func (s *Server) SendChargingProfile(chargerID string, limit float64) error {
	s.mu.RLock()
	conn, ok := s.conns[chargerID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("charge point %s not connected", chargerID)
	}

	duration := int((24 * time.Hour).Seconds())
	request := smartcharging.SetChargingProfileRequest{
		ConnectorId: 0,
		ChargingProfile: &types.ChargingProfile{
			ChargingProfileId:      chargingProfileID,
			StackLevel:             0,
			ChargingProfilePurpose: types.ChargingProfilePurposeTxDefaultProfile,
			ChargingProfileKind:    types.ChargingProfileKindAbsolute,
			ChargingSchedule: &types.ChargingSchedule{
				Duration:         &duration,
				ChargingRateUnit: types.ChargingRateUnitAmperes,
				ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: limit},
				},
			},
		},
	}

	uid := strconv.FormatUint(s.callSeq.Add(1), 10)
	frame, err := json.Marshal([]interface{}{messageTypeCall, uid, smartcharging.SetChargingProfileFeatureName, request})
	if err != nil {
		return fmt.Errorf("encode SetChargingProfile: %w", err)
	}

	conn.writeMu.Lock()
	conn.pending[uid] = smartcharging.SetChargingProfileFeatureName
	conn.writeMu.Unlock()

	if err := conn.write(frame); err != nil {
		return fmt.Errorf("send SetChargingProfile to %s: %w", chargerID, err)
	}
	s.logger.Infof("Sent charging profile to %s: %.1fA", chargerID, limit)
	return nil
}

// resolveCall matches a CallResult or CallError to an outstanding call.
func (s *Server) resolveCall(conn *connection, uid string, payload json.RawMessage, errText string) {
	conn.writeMu.Lock()
	action, ok := conn.pending[uid]
	delete(conn.pending, uid)
	conn.writeMu.Unlock()

	if !ok {
		s.logger.Warnf("Unmatched call result from %s (uid %s)", conn.chargerID, uid)
		return
	}
	if errText != "" {
		s.logger.Errorf("%s rejected %s: %s", conn.chargerID, action, errText)
		return
	}
	s.logger.Debugf("%s acknowledged %s: %s", conn.chargerID, action, string(payload))
}

func callResult(uid string, confirmation interface{}) []byte {
	frame, err := json.Marshal([]interface{}{messageTypeCallResult, uid, confirmation})
	if err != nil {
		return nil
	}
	return frame
}

func callError(uid, code, description string) []byte {
	frame, err := json.Marshal([]interface{}{messageTypeCallError, uid, code, description, map[string]interface{}{}})
	if err != nil {
		return nil
	}
	return frame
}
