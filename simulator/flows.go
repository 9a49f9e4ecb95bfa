package simulator

import (
	"evsim/metrics/counters"
	"evsim/models"
	"evsim/ocpp"
	"evsim/ocpp/core"
	"evsim/types"
	"evsim/utility"
	"fmt"
	"time"
)

// finishDelay holds FINISHING on screen briefly before the session settles
// back to the idle connected state.
const finishDelay = 2 * time.Second

// autoStopDelay separates the meter values sample hitting the target SoC
// from the StopTransaction it triggers.
const autoStopDelay = 1 * time.Second

// SendBootNotification announces the charge point and, on acceptance,
// adopts the interval from the response and starts the heartbeat loop.
func (e *Engine) SendBootNotification(sessionId string) (*core.BootNotificationResponse, error) {
	session, err := e.session(sessionId)
	if err != nil {
		return nil, err
	}

	session.Lock()
	request, err := BuildPayload(core.BootNotificationFeatureName, session, PayloadContext{})
	session.Unlock()
	if err != nil {
		return nil, err
	}

	payload, err := e.roundTrip(sessionId, request)
	if err != nil {
		return nil, err
	}
	response := core.BootNotificationResponse{}
	if err = ocpp.DecodePayload(payload, &response); err != nil {
		return nil, err
	}

	session.Lock()
	switch response.Status {
	case core.RegistrationStatusAccepted:
		if response.Interval > 0 {
			session.HeartbeatInterval = response.Interval
		}
		e.state.Transition(session, models.StateBootAccepted)
		session.AppendLog("info", "boot accepted")
	case core.RegistrationStatusRejected:
		e.state.Transition(session, models.StateFaulted)
		session.AppendLog("error", "boot rejected")
	default:
		session.AppendLog("warn", "boot pending, registration not complete")
	}
	accepted := response.Status == core.RegistrationStatusAccepted
	session.Unlock()

	if accepted {
		e.StartHeartbeat(sessionId)
		e.broadcastUpdate(session, "boot accepted")
	} else {
		e.broadcastUpdate(session, "boot "+string(response.Status))
	}
	e.persistSession(session)
	return &response, nil
}

// SendAuthorize requests authorization for the session id tag. Acceptance
// consumes a matching reservation.
func (e *Engine) SendAuthorize(sessionId string) (*core.AuthorizeResponse, error) {
	session, err := e.session(sessionId)
	if err != nil {
		return nil, err
	}

	session.Lock()
	e.state.Transition(session, models.StateAuthorizing)
	idTag := session.IdTag
	request, err := BuildPayload(core.AuthorizeFeatureName, session, PayloadContext{})
	session.Unlock()
	if err != nil {
		return nil, err
	}

	payload, err := e.roundTrip(sessionId, request)
	if err != nil {
		return nil, err
	}
	response := core.AuthorizeResponse{}
	if err = ocpp.DecodePayload(payload, &response); err != nil {
		return nil, err
	}

	accepted := response.IdTagInfo != nil && response.IdTagInfo.Status == types.AuthorizationStatusAccepted
	consumedReservation := false

	session.Lock()
	if accepted {
		session.Authorized = true
		e.state.Transition(session, models.StateAuthorized)
		session.AppendLog("info", "authorization accepted for "+idTag)
		if session.ReservationId != nil && session.ReservationIdTag == idTag {
			session.ReservationId = nil
			session.ReservationIdTag = ""
			session.ReservationExpiry = nil
			consumedReservation = true
		}
	} else {
		session.Authorized = false
		e.state.Transition(session, models.StatePlugged)
		status := "rejected"
		if response.IdTagInfo != nil {
			status = string(response.IdTagInfo.Status)
		}
		session.AppendLog("warn", "authorization "+status+" for "+idTag)
	}
	session.Unlock()

	if consumedReservation {
		e.scheduler.Cancel(sessionId, TaskReservation)
	}
	e.broadcastUpdate(session, "authorize")
	e.persistSession(session)
	return &response, nil
}

// SendStartTransaction begins a transaction. On acceptance the session
// retains the transaction id, enters CHARGING and starts the meter values
// loop.
func (e *Engine) SendStartTransaction(sessionId string) (*core.StartTransactionResponse, error) {
	session, err := e.session(sessionId)
	if err != nil {
		return nil, err
	}

	session.Lock()
	e.state.Transition(session, models.StateStarting)
	request, err := BuildPayload(core.StartTransactionFeatureName, session, PayloadContext{})
	session.Unlock()
	if err != nil {
		return nil, err
	}

	payload, err := e.roundTrip(sessionId, request)
	if err != nil {
		session.Lock()
		e.state.Rollback(session)
		session.Unlock()
		return nil, err
	}
	response := core.StartTransactionResponse{}
	if err = ocpp.DecodePayload(payload, &response); err != nil {
		return nil, err
	}

	accepted := response.IdTagInfo != nil && response.IdTagInfo.Status == types.AuthorizationStatusAccepted
	now := time.Now()

	session.Lock()
	if accepted {
		transactionId := response.TransactionId
		session.TransactionId = &transactionId
		session.StartTime = &now
		session.StopTime = nil
		session.EnergyKwh = 0
		session.Charging = true
		e.state.Transition(session, models.StateCharging)
		session.AppendLog("info", fmt.Sprintf("transaction %d started", transactionId))
	} else {
		e.state.Transition(session, models.StateAuthorized)
		session.AppendLog("warn", "start transaction rejected")
	}
	session.Unlock()

	if accepted {
		e.StartMeterValues(sessionId)
		go e.SendStatusNotification(sessionId, core.ChargePointStatusCharging)
		e.emitTransactionEvent(session, "transaction started", true)
	}
	e.broadcastUpdate(session, "start transaction")
	e.persistSession(session)
	return &response, nil
}

// SendStopTransaction ends the running transaction with the given reason.
// The transaction id is retained on the session for inspection until the
// next start.
func (e *Engine) SendStopTransaction(sessionId string, reason core.Reason) (*core.StopTransactionResponse, error) {
	session, err := e.session(sessionId)
	if err != nil {
		return nil, err
	}

	session.Lock()
	if session.TransactionId == nil {
		session.Unlock()
		return nil, utility.Err("no active transaction for session " + sessionId)
	}
	e.state.Transition(session, models.StateStopping)
	request, err := BuildPayload(core.StopTransactionFeatureName, session, PayloadContext{Reason: reason})
	session.Unlock()
	if err != nil {
		return nil, err
	}

	e.StopMeterValues(sessionId)

	payload, err := e.roundTrip(sessionId, request)
	if err != nil {
		return nil, err
	}
	response := core.StopTransactionResponse{}
	if err = ocpp.DecodePayload(payload, &response); err != nil {
		return nil, err
	}

	now := time.Now()
	session.Lock()
	session.StopTime = &now
	session.Charging = false
	session.CurrentPowerKw = 0
	session.CurrentA = 0
	e.state.Transition(session, models.StateFinishing)
	session.AppendLog("info", "transaction stopped: "+string(reason))
	session.Unlock()

	counters.ObservePower(session.ChargePointId, 0)
	e.scheduler.RunAfter(sessionId, TaskFinish, finishDelay, func() {
		session.Lock()
		if session.Connected && session.State == models.StateFinishing {
			e.state.Transition(session, models.StateBootAccepted)
		}
		session.Unlock()
		e.broadcastUpdate(session, "finished")
	})

	go e.SendStatusNotification(sessionId, core.ChargePointStatusFinishing)
	e.emitTransactionEvent(session, "transaction stopped: "+string(reason), false)
	e.broadcastUpdate(session, "stop transaction")
	e.persistSession(session)
	return &response, nil
}

// SendStatusNotification reports a connector status; the empty response is
// awaited but carries nothing.
func (e *Engine) SendStatusNotification(sessionId string, status core.ChargePointStatus) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}
	session.Lock()
	request, err := BuildPayload(core.StatusNotificationFeatureName, session, PayloadContext{Status: status})
	session.Unlock()
	if err != nil {
		return err
	}

	_, err = e.roundTrip(sessionId, request)
	return err
}

// SendMeterValues transmits the current telemetry sample.
func (e *Engine) SendMeterValues(sessionId string) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}
	session.Lock()
	request, err := BuildPayload(core.MeterValuesFeatureName, session, PayloadContext{})
	session.Unlock()
	if err != nil {
		return err
	}

	_, err = e.roundTrip(sessionId, request)
	return err
}

// SendHeartbeat stamps LastHeartbeat when the response arrives.
func (e *Engine) SendHeartbeat(sessionId string) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}
	session.Lock()
	request, err := BuildPayload(core.HeartbeatFeatureName, session, PayloadContext{})
	session.Unlock()
	if err != nil {
		return err
	}
	payload, err := e.roundTrip(sessionId, request)
	if err != nil {
		return err
	}
	response := core.HeartbeatResponse{}
	if err = ocpp.DecodePayload(payload, &response); err != nil {
		return err
	}
	now := time.Now()
	session.Lock()
	session.LastHeartbeat = &now
	session.Touch()
	session.Unlock()
	return nil
}

// StartHeartbeat schedules the periodic heartbeat using the interval
// negotiated at boot.
func (e *Engine) StartHeartbeat(sessionId string) {
	session, err := e.session(sessionId)
	if err != nil {
		return
	}
	session.Lock()
	interval := session.HeartbeatInterval
	if interval <= 0 {
		interval = e.conf.Csms.HeartbeatInterval
	}
	session.HeartbeatActive = true
	session.Unlock()

	e.scheduler.RunPeriodic(sessionId, TaskHeartbeat, time.Duration(interval)*time.Second, func() {
		if err := e.SendHeartbeat(sessionId); err != nil {
			e.logger.Warn("heartbeat failed for session " + sessionId + ": " + err.Error())
		}
	})
}

func (e *Engine) StopHeartbeat(sessionId string) {
	e.scheduler.Cancel(sessionId, TaskHeartbeat)
	if session, ok := e.sessions.Get(sessionId); ok {
		session.Lock()
		session.HeartbeatActive = false
		session.Unlock()
	}
}

// StartMeterValues schedules the charging tick; each tick advances the
// simulation and reports a sample.
func (e *Engine) StartMeterValues(sessionId string) {
	session, err := e.session(sessionId)
	if err != nil {
		return
	}
	session.Lock()
	interval := session.MeterValuesInterval
	if interval <= 0 {
		interval = e.conf.Csms.MeterValuesInterval
	}
	session.MeterValuesActive = true
	session.Unlock()

	e.scheduler.RunPeriodic(sessionId, TaskMeterValues, time.Duration(interval)*time.Second, func() {
		e.meterValuesTick(sessionId, float64(interval))
	})
}

func (e *Engine) StopMeterValues(sessionId string) {
	e.scheduler.Cancel(sessionId, TaskMeterValues)
	if session, ok := e.sessions.Get(sessionId); ok {
		session.Lock()
		session.MeterValuesActive = false
		session.Unlock()
	}
}

// meterValuesTick advances the charging simulation one interval, reports
// the sample and triggers the delayed auto stop when the target state of
// charge is reached.
func (e *Engine) meterValuesTick(sessionId string, intervalSeconds float64) {
	session, err := e.session(sessionId)
	if err != nil {
		return
	}

	reachedTarget := e.simulateCharging(session, intervalSeconds)

	if err := e.SendMeterValues(sessionId); err != nil {
		e.logger.Warn("meter values failed for session " + sessionId + ": " + err.Error())
	}
	e.broadcastUpdate(session, "meter values")

	if reachedTarget {
		e.logger.FeatureEvent(engineLog, sessionId, "target state of charge reached")
		e.scheduler.RunAfter(sessionId, TaskAutoStop, autoStopDelay, func() {
			if _, err := e.SendStopTransaction(sessionId, core.ReasonLocal); err != nil {
				e.logger.Error("auto stop failed for session "+sessionId, err)
			}
		})
	}
}

// roundTrip sends a request and blocks until its outcome.
func (e *Engine) roundTrip(sessionId string, request ocpp.Request) ([]byte, error) {
	pending, err := e.SendCall(sessionId, request)
	if err != nil {
		return nil, err
	}
	return pending.Wait()
}

func (e *Engine) emitTransactionEvent(session *models.Session, info string, started bool) {
	if e.events == nil {
		return
	}
	session.Lock()
	event := e.eventLocked(session, info)
	session.Unlock()
	if started {
		e.events.OnTransactionStart(event)
	} else {
		e.events.OnTransactionStop(event)
	}
}
