package simulator

import (
	"evsim/internal"
	"evsim/models"
	"fmt"
	"sync"
	"time"
)

// transitionTable is the authoritative successor set for every session
// state. Every state may fall to DISCONNECTED or FAULTED; FAULTED recovers
// only towards AVAILABLE, BOOT_ACCEPTED or DISCONNECTED.
var transitionTable = map[models.SessionState][]models.SessionState{
	models.StateDisconnected: {
		models.StateConnected, models.StateFaulted,
	},
	models.StateConnected: {
		models.StateBootAccepted, models.StateDisconnected, models.StateFaulted,
	},
	models.StateBootAccepted: {
		models.StateAvailable, models.StateParked, models.StatePlugged,
		models.StateReserved, models.StateDisconnected, models.StateFaulted,
	},
	models.StateAvailable: {
		models.StateParked, models.StatePlugged, models.StateReserved,
		models.StateAuthorizing, models.StateDisconnected, models.StateFaulted,
	},
	models.StateParked: {
		models.StatePlugged, models.StateAvailable, models.StateDisconnected, models.StateFaulted,
	},
	models.StatePlugged: {
		models.StateAuthorizing, models.StateAvailable, models.StateDisconnected, models.StateFaulted,
	},
	models.StateReserved: {
		models.StateAuthorizing, models.StateAvailable, models.StateDisconnected, models.StateFaulted,
	},
	models.StateAuthorizing: {
		models.StateAuthorized, models.StatePlugged, models.StateDisconnected, models.StateFaulted,
	},
	models.StateAuthorized: {
		models.StateStarting, models.StatePlugged, models.StateAvailable,
		models.StateDisconnected, models.StateFaulted,
	},
	models.StateStarting: {
		models.StateCharging, models.StateAuthorized, models.StateDisconnected, models.StateFaulted,
	},
	models.StateCharging: {
		models.StateSuspendedEV, models.StateSuspendedEVSE, models.StateStopping,
		models.StateDisconnected, models.StateFaulted,
	},
	models.StateSuspendedEV: {
		models.StateCharging, models.StateStopping, models.StateDisconnected, models.StateFaulted,
	},
	models.StateSuspendedEVSE: {
		models.StateCharging, models.StateStopping, models.StateDisconnected, models.StateFaulted,
	},
	models.StateStopping: {
		models.StateFinishing, models.StateDisconnected, models.StateFaulted,
	},
	models.StateFinishing: {
		models.StateBootAccepted, models.StateAvailable, models.StateDisconnected, models.StateFaulted,
	},
	models.StateFaulted: {
		models.StateAvailable, models.StateBootAccepted, models.StateDisconnected,
	},
}

// StateMachine validates and applies session state transitions. It keeps a
// one-deep previous-state cache per session for rollback.
type StateMachine struct {
	mux      sync.Mutex
	previous map[string]models.SessionState
	logger   internal.LogHandler
}

func NewStateMachine(logger internal.LogHandler) *StateMachine {
	return &StateMachine{
		previous: make(map[string]models.SessionState),
		logger:   logger,
	}
}

// IsValidTransition is a pure query against the transition table.
func (sm *StateMachine) IsValidTransition(current, target models.SessionState) bool {
	for _, state := range transitionTable[current] {
		if state == target {
			return true
		}
	}
	return false
}

// ValidTargets returns the successor set of a state; empty for unknown states.
func (sm *StateMachine) ValidTargets(current models.SessionState) []models.SessionState {
	targets := transitionTable[current]
	result := make([]models.SessionState, len(targets))
	copy(result, targets)
	return result
}

// Transition applies target if the transition table allows it. The caller
// holds the session lock. Returns false and leaves the session untouched on
// an invalid transition.
func (sm *StateMachine) Transition(session *models.Session, target models.SessionState) bool {
	if !sm.IsValidTransition(session.State, target) {
		sm.logger.Warn(fmt.Sprintf("invalid transition %s -> %s for session %s", session.State, target, session.Id))
		return false
	}
	sm.apply(session, target)
	return true
}

// ForceTransition bypasses validation; recovery paths only.
func (sm *StateMachine) ForceTransition(session *models.Session, target models.SessionState) {
	sm.logger.Warn(fmt.Sprintf("forced transition %s -> %s for session %s", session.State, target, session.Id))
	sm.apply(session, target)
}

func (sm *StateMachine) apply(session *models.Session, target models.SessionState) {
	sm.mux.Lock()
	sm.previous[session.Id] = session.State
	sm.mux.Unlock()

	session.State = target
	session.LastStateChange = time.Now()
	session.Touch()
}

// Rollback restores the most recent pre-transition state; false if no
// history exists for the session.
func (sm *StateMachine) Rollback(session *models.Session) bool {
	sm.mux.Lock()
	previous, ok := sm.previous[session.Id]
	if ok {
		delete(sm.previous, session.Id)
	}
	sm.mux.Unlock()
	if !ok {
		return false
	}
	session.State = previous
	session.LastStateChange = time.Now()
	session.Touch()
	return true
}

// Cleanup drops the previous-state cache entry of a deleted session.
func (sm *StateMachine) Cleanup(sessionId string) {
	sm.mux.Lock()
	delete(sm.previous, sessionId)
	sm.mux.Unlock()
}
