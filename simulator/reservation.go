package simulator

import (
	"evsim/models"
	"evsim/ocpp/core"
	"evsim/utility"
	"fmt"
	"time"
)

// Reserve marks the connector as reserved for an id tag until expiry and
// schedules the expiry task. An expiry already in the past releases the
// reservation immediately.
func (e *Engine) Reserve(sessionId string, reservationId int, idTag string, expiry time.Time) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}

	session.Lock()
	if session.Charging {
		session.Unlock()
		return utility.Err("cannot reserve a charging connector")
	}
	session.ReservationId = &reservationId
	session.ReservationIdTag = idTag
	session.ReservationExpiry = &expiry
	if session.State != models.StateReserved {
		e.state.Transition(session, models.StateReserved)
	}
	session.AppendLog("info", fmt.Sprintf("reservation %d placed for %s until %s", reservationId, idTag, expiry.Format(time.RFC3339)))
	session.Unlock()

	go e.SendStatusNotification(sessionId, core.ChargePointStatusReserved)
	e.broadcastUpdate(session, "reserved")

	e.scheduler.RunAfter(sessionId, TaskReservation, time.Until(expiry), func() {
		e.expireReservation(sessionId, reservationId)
	})
	return nil
}

// expireReservation releases a reservation when its expiry fires. The
// reservation id and the RESERVED state are both re-checked: a newer
// reservation, or one already consumed or cancelled, silently no-ops.
func (e *Engine) expireReservation(sessionId string, reservationId int) {
	session, ok := e.sessions.Get(sessionId)
	if !ok {
		return
	}

	session.Lock()
	if session.ReservationId == nil || *session.ReservationId != reservationId ||
		session.State != models.StateReserved {
		session.Unlock()
		return
	}
	e.clearReservationLocked(session)
	e.state.Transition(session, models.StateAvailable)
	session.AppendLog("info", fmt.Sprintf("reservation %d expired", reservationId))
	session.Unlock()

	e.logger.FeatureEvent(engineLog, sessionId, fmt.Sprintf("reservation %d expired", reservationId))
	go e.SendStatusNotification(sessionId, core.ChargePointStatusAvailable)
	e.broadcastUpdate(session, "reservation expired")
}

// clearReservationLocked drops the reservation fields. The caller holds
// the session lock and is responsible for cancelling the expiry task.
func (e *Engine) clearReservationLocked(session *models.Session) {
	session.ReservationId = nil
	session.ReservationIdTag = ""
	session.ReservationExpiry = nil
}

// CancelReservation releases the active reservation, if any.
func (e *Engine) CancelReservation(sessionId string) error {
	session, err := e.session(sessionId)
	if err != nil {
		return err
	}

	e.scheduler.Cancel(sessionId, TaskReservation)

	session.Lock()
	if session.ReservationId == nil {
		session.Unlock()
		return utility.Err("no active reservation for session " + sessionId)
	}
	reservationId := *session.ReservationId
	e.clearReservationLocked(session)
	if session.State == models.StateReserved {
		e.state.Transition(session, models.StateAvailable)
	}
	session.AppendLog("info", fmt.Sprintf("reservation %d cancelled", reservationId))
	session.Unlock()

	go e.SendStatusNotification(sessionId, core.ChargePointStatusAvailable)
	e.broadcastUpdate(session, "reservation cancelled")
	return nil
}
