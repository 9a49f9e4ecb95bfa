package simulator

import (
	"evsim/internal"
	"evsim/internal/config"
	"evsim/metrics/counters"
	"evsim/models"
	"evsim/ocpp"
	"evsim/power"
	"evsim/utility"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const engineLog = "Engine"

// SessionStore resolves a session id to its live session.
type SessionStore interface {
	Get(id string) (*models.Session, bool)
}

// ProtocolError is the decoded form of a CALLERROR frame.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

type CallOutcome struct {
	Payload []byte
	Err     error
}

// PendingCall tracks one outstanding CALL until its result, error or
// timeout arrives. Completion happens exactly once; whichever of the three
// comes first wins and the rest are ignored.
type PendingCall struct {
	UniqueId  string
	SessionId string
	Action    string
	SentAt    time.Time

	once   sync.Once
	timer  *time.Timer
	result chan CallOutcome
}

func (c *PendingCall) complete(outcome CallOutcome) {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.result <- outcome
	})
}

// Wait blocks until the call completes. The engine's timeout guarantees
// completion, so Wait never blocks forever.
func (c *PendingCall) Wait() ([]byte, error) {
	outcome := <-c.result
	return outcome.Payload, outcome.Err
}

// Engine drives the OCPP-J conversation of every session: it owns the
// transports, correlates calls with results, and runs the protocol flows.
type Engine struct {
	conf      *config.Config
	sessions  SessionStore
	state     *StateMachine
	profiles  *power.ProfileManager
	scheduler *Scheduler
	logger    internal.LogHandler

	events    internal.EventHandler
	database  internal.Database
	transport TransportFactory

	callTimeout    time.Duration
	connectTimeout time.Duration

	mux        sync.Mutex
	transports map[string]Transport

	pendingMux sync.Mutex
	pending    map[string]*PendingCall
}

func NewEngine(conf *config.Config, sessions SessionStore, state *StateMachine, profiles *power.ProfileManager, scheduler *Scheduler, logger internal.LogHandler) *Engine {
	connectTimeout := time.Duration(conf.Csms.ConnectTimeout) * time.Second
	engine := &Engine{
		conf:           conf,
		sessions:       sessions,
		state:          state,
		profiles:       profiles,
		scheduler:      scheduler,
		logger:         logger,
		callTimeout:    time.Duration(conf.Csms.CallTimeout) * time.Second,
		connectTimeout: connectTimeout,
		transports:     make(map[string]Transport),
		pending:        make(map[string]*PendingCall),
	}
	engine.transport = NewWebSocketTransport(connectTimeout)
	return engine
}

func (e *Engine) SetEventHandler(handler internal.EventHandler) {
	e.events = handler
}

func (e *Engine) SetDatabase(database internal.Database) {
	e.database = database
}

func (e *Engine) SetTransportFactory(factory TransportFactory) {
	e.transport = factory
}

func (e *Engine) session(sessionId string) (*models.Session, error) {
	session, ok := e.sessions.Get(sessionId)
	if !ok {
		return nil, utility.Errf("unknown session: %s", sessionId)
	}
	return session, nil
}

func (e *Engine) getTransport(sessionId string) Transport {
	e.mux.Lock()
	defer e.mux.Unlock()
	return e.transports[sessionId]
}

// endpointUrl appends the charge point id to the configured central system
// url unless the url already carries it.
func endpointUrl(csmsUrl, chargePointId string) string {
	url := strings.TrimSuffix(csmsUrl, "/")
	if strings.HasSuffix(url, "/"+chargePointId) {
		return url
	}
	return url + "/" + chargePointId
}

// Connect opens the ws connection of a session. Calling Connect on an
// already connected session is a no-op.
func (e *Engine) Connect(sessionId string) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}
	if transport := e.getTransport(sessionId); transport != nil && transport.IsOpen() {
		return nil
	}

	session.Lock()
	url := endpointUrl(session.CsmsUrl, session.ChargePointId)
	token := session.BearerToken
	session.VoluntaryStop = false
	session.Unlock()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	transport := e.transport(
		func(data []byte) { e.handleFrame(sessionId, data) },
		func(err error) { e.handleTransportClose(sessionId, err) },
	)
	if err = transport.Open(url, header); err != nil {
		session.Lock()
		session.ReconnectAttempts++
		session.AppendLog("error", "connect failed: "+err.Error())
		session.Unlock()
		e.logger.Error("connect failed for session "+sessionId, err)
		return err
	}

	e.mux.Lock()
	e.transports[sessionId] = transport
	count := len(e.transports)
	e.mux.Unlock()
	counters.ObserveConnections(count)

	now := time.Now()
	session.Lock()
	session.Connected = true
	session.ReconnectAttempts = 0
	session.LastConnected = &now
	e.state.Transition(session, models.StateConnected)
	session.AppendLog("info", "connected to "+url)
	session.Unlock()

	e.logger.FeatureEvent(engineLog, sessionId, "connected to "+url)
	e.broadcastUpdate(session, "connected")
	return nil
}

// Disconnect closes the session transport and stops its timers. Safe to
// call when the session is already offline.
func (e *Engine) Disconnect(sessionId string) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}

	session.Lock()
	session.VoluntaryStop = true
	session.Unlock()

	e.StopHeartbeat(sessionId)
	e.StopMeterValues(sessionId)
	e.scheduler.CancelSession(sessionId)

	e.mux.Lock()
	transport := e.transports[sessionId]
	delete(e.transports, sessionId)
	count := len(e.transports)
	e.mux.Unlock()
	counters.ObserveConnections(count)

	if transport != nil {
		_ = transport.Close()
	}

	session.Lock()
	session.Connected = false
	session.Charging = false
	session.Authorized = false
	session.CurrentPowerKw = 0
	session.CurrentA = 0
	e.clearReservationLocked(session)
	if session.State != models.StateDisconnected {
		e.state.Transition(session, models.StateDisconnected)
	}
	session.AppendLog("info", "disconnected")
	session.Unlock()

	e.failSessionCalls(sessionId, utility.Err("connection closed"))
	e.logger.FeatureEvent(engineLog, sessionId, "disconnected")
	e.broadcastUpdate(session, "disconnected")
	return nil
}

// SendCall frames and transmits a request, registering a pending call that
// completes on result, error or timeout.
func (e *Engine) SendCall(sessionId string, request ocpp.Request) (*PendingCall, error) {
	transport := e.getTransport(sessionId)
	if transport == nil || !transport.IsOpen() {
		return nil, utility.Err("transport is not open")
	}

	call := ocpp.CreateCall(utility.NewUUID(), request)
	data, err := call.MarshalJSON()
	if err != nil {
		return nil, err
	}

	pending := &PendingCall{
		UniqueId:  call.UniqueId,
		SessionId: sessionId,
		Action:    call.Action,
		SentAt:    time.Now(),
		result:    make(chan CallOutcome, 1),
	}
	pending.timer = time.AfterFunc(e.callTimeout, func() {
		e.expirePending(pending)
	})

	e.pendingMux.Lock()
	e.pending[call.UniqueId] = pending
	e.pendingMux.Unlock()

	if err = transport.Send(data); err != nil {
		e.removePending(call.UniqueId)
		pending.complete(CallOutcome{Err: err})
		return nil, err
	}

	if session, ok := e.sessions.Get(sessionId); ok {
		session.Lock()
		session.AppendMessage("OUT", call.Action, string(data))
		session.Unlock()
	}
	counters.CountCall(call.Action)
	e.logger.RawDataEvent("OUT", string(data))
	return pending, nil
}

func (e *Engine) removePending(uniqueId string) *PendingCall {
	e.pendingMux.Lock()
	defer e.pendingMux.Unlock()
	pending, ok := e.pending[uniqueId]
	if !ok {
		return nil
	}
	delete(e.pending, uniqueId)
	return pending
}

func (e *Engine) expirePending(pending *PendingCall) {
	if e.removePending(pending.UniqueId) == nil {
		return
	}
	counters.CountCallTimeout(pending.Action)
	e.logger.Warn(fmt.Sprintf("call %s (%s) timed out for session %s", pending.Action, pending.UniqueId, pending.SessionId))
	pending.complete(CallOutcome{Err: utility.Errf("timeout waiting for %s response", pending.Action)})
}

func (e *Engine) failSessionCalls(sessionId string, err error) {
	e.pendingMux.Lock()
	var failed []*PendingCall
	for id, pending := range e.pending {
		if pending.SessionId == sessionId {
			failed = append(failed, pending)
			delete(e.pending, id)
		}
	}
	e.pendingMux.Unlock()
	for _, pending := range failed {
		pending.complete(CallOutcome{Err: err})
	}
}

// handleFrame dispatches one inbound OCPP-J frame by message type.
func (e *Engine) handleFrame(sessionId string, data []byte) {
	e.logger.RawDataEvent("IN", string(data))
	fields, err := utility.ParseJson(data)
	if err != nil {
		e.logger.Error("parsing inbound frame of session "+sessionId, err)
		return
	}
	messageType, err := ocpp.MessageType(fields)
	if err != nil {
		e.logger.Error("reading message type of session "+sessionId, err)
		return
	}
	switch messageType {
	case ocpp.CallTypeRequest:
		call, err := ocpp.ParseCall(fields)
		if err != nil {
			e.logger.Error("parsing call of session "+sessionId, err)
			return
		}
		e.handleIncomingCall(sessionId, call)
	case ocpp.CallTypeResult:
		result, err := ocpp.ParseCallResult(fields)
		if err != nil {
			e.logger.Error("parsing call result of session "+sessionId, err)
			return
		}
		e.HandleCallResult(sessionId, result.UniqueId, result.Payload)
	case ocpp.CallTypeError:
		callError, err := ocpp.ParseCallError(fields)
		if err != nil {
			e.logger.Error("parsing call error of session "+sessionId, err)
			return
		}
		e.HandleCallError(sessionId, callError.UniqueId, callError.Code, callError.Description)
	}
}

// HandleCallResult completes the pending call matching messageId. Results
// for unknown or already completed ids are logged and dropped.
func (e *Engine) HandleCallResult(sessionId, messageId string, payload []byte) {
	pending := e.removePending(messageId)
	action := "CallResult"
	if pending != nil {
		action = pending.Action
	}
	if session, ok := e.sessions.Get(sessionId); ok {
		session.Lock()
		session.AppendMessage("IN", action, string(payload))
		session.Unlock()
	}
	if pending == nil {
		e.logger.Debug(fmt.Sprintf("result for unknown message id %s on session %s", messageId, sessionId))
		return
	}
	pending.complete(CallOutcome{Payload: payload})
}

// HandleCallError completes the pending call with a protocol error.
func (e *Engine) HandleCallError(sessionId, messageId, code, description string) {
	counters.CountCallError("", code)
	pending := e.removePending(messageId)
	if session, ok := e.sessions.Get(sessionId); ok {
		session.Lock()
		session.AppendMessage("IN", "CallError", fmt.Sprintf("%s: %s", code, description))
		session.AppendLog("error", fmt.Sprintf("call error %s: %s", code, description))
		session.Unlock()
	}
	if pending == nil {
		e.logger.Debug(fmt.Sprintf("error for unknown message id %s on session %s", messageId, sessionId))
		return
	}
	pending.complete(CallOutcome{Err: &ProtocolError{Code: code, Description: description}})
}

// handleTransportClose reacts to an involuntary connection drop.
func (e *Engine) handleTransportClose(sessionId string, err error) {
	session, ok := e.sessions.Get(sessionId)
	if !ok {
		return
	}
	session.Lock()
	voluntary := session.VoluntaryStop
	session.Unlock()
	if voluntary {
		return
	}

	e.StopHeartbeat(sessionId)
	e.StopMeterValues(sessionId)
	e.scheduler.CancelSession(sessionId)

	e.mux.Lock()
	delete(e.transports, sessionId)
	count := len(e.transports)
	e.mux.Unlock()
	counters.ObserveConnections(count)

	session.Lock()
	session.Connected = false
	session.Charging = false
	session.CurrentPowerKw = 0
	session.CurrentA = 0
	e.clearReservationLocked(session)
	if session.State != models.StateDisconnected {
		e.state.Transition(session, models.StateDisconnected)
	}
	if err != nil {
		session.AppendLog("error", "connection lost: "+err.Error())
	}
	session.Unlock()

	e.failSessionCalls(sessionId, utility.Err("connection closed"))
	e.logger.Error("connection lost for session "+sessionId, err)
	e.broadcastUpdate(session, "connection lost")
}

func (e *Engine) broadcastUpdate(session *models.Session, info string) {
	if e.events == nil {
		return
	}
	session.Lock()
	event := e.eventLocked(session, info)
	session.Unlock()
	e.events.OnSessionUpdate(event)
}

// eventLocked snapshots event fields; the caller holds the session lock.
func (e *Engine) eventLocked(session *models.Session, info string) *internal.EventMessage {
	event := &internal.EventMessage{
		SessionId:     session.Id,
		ChargePointId: session.ChargePointId,
		ConnectorId:   session.ConnectorId,
		Time:          time.Now(),
		IdTag:         session.IdTag,
		State:         string(session.State),
		Info:          info,
	}
	if session.TransactionId != nil {
		event.TransactionId = *session.TransactionId
	}
	return event
}

func (e *Engine) persistSession(session *models.Session) {
	if e.database == nil {
		return
	}
	if err := e.database.UpdateSession(session.Clone()); err != nil {
		e.logger.Error("persisting session "+session.Id, err)
	}
}
