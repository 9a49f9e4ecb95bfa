package simulator

import (
	"evsim/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) FeatureEvent(feature, id, text string) {}
func (testLogger) Debug(text string)                     {}
func (testLogger) Warn(text string)                      {}
func (testLogger) Error(text string, err error)          {}
func (testLogger) RawDataEvent(direction, data string)   {}

func TestTransitionTable(t *testing.T) {
	sm := NewStateMachine(testLogger{})

	t.Run("every state reaches disconnected", func(t *testing.T) {
		for state := range transitionTable {
			if state == models.StateDisconnected {
				continue
			}
			assert.True(t, sm.IsValidTransition(state, models.StateDisconnected), "from %s", state)
		}
	})

	t.Run("every state except faulted reaches faulted", func(t *testing.T) {
		for state := range transitionTable {
			if state == models.StateFaulted {
				continue
			}
			assert.True(t, sm.IsValidTransition(state, models.StateFaulted), "from %s", state)
		}
	})

	t.Run("faulted recovers only to safe states", func(t *testing.T) {
		targets := sm.ValidTargets(models.StateFaulted)
		assert.ElementsMatch(t, []models.SessionState{
			models.StateAvailable, models.StateBootAccepted, models.StateDisconnected,
		}, targets)
	})

	t.Run("charging cannot jump to authorized", func(t *testing.T) {
		assert.False(t, sm.IsValidTransition(models.StateCharging, models.StateAuthorized))
	})
}

func TestTransition(t *testing.T) {
	sm := NewStateMachine(testLogger{})
	session := models.NewSession("s1", "test", "ws://localhost/ws", "CP-1")

	t.Run("valid transition applies", func(t *testing.T) {
		require.True(t, sm.Transition(session, models.StateConnected))
		assert.Equal(t, models.StateConnected, session.State)
	})

	t.Run("invalid transition is a no-op", func(t *testing.T) {
		require.False(t, sm.Transition(session, models.StateCharging))
		assert.Equal(t, models.StateConnected, session.State)
	})

	t.Run("rollback restores previous state", func(t *testing.T) {
		require.True(t, sm.Transition(session, models.StateBootAccepted))
		require.True(t, sm.Rollback(session))
		assert.Equal(t, models.StateConnected, session.State)
	})

	t.Run("rollback without history fails", func(t *testing.T) {
		assert.False(t, sm.Rollback(session))
	})

	t.Run("force transition bypasses the table", func(t *testing.T) {
		sm.ForceTransition(session, models.StateCharging)
		assert.Equal(t, models.StateCharging, session.State)
	})

	t.Run("cleanup drops rollback history", func(t *testing.T) {
		require.True(t, sm.Transition(session, models.StateStopping))
		sm.Cleanup(session.Id)
		assert.False(t, sm.Rollback(session))
	})
}
