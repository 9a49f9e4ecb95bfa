package simulator

import (
	"evsim/models"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulator() (*Simulator, *models.Session, *fakeTransport) {
	engine, session, ft := newTestEngine()
	sim := &Simulator{
		conf:      engine.conf,
		logger:    testLogger{},
		engine:    engine,
		state:     engine.state,
		scheduler: engine.scheduler,
		profiles:  engine.profiles,
		validate:  validator.New(),
		sessions:  map[string]*models.Session{session.Id: session},
	}
	return sim, session, ft
}

func TestLifecycleOperations(t *testing.T) {
	t.Run("plug from booted session", func(t *testing.T) {
		sim, session, ft := newTestSimulator()
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, sim.engine.Connect(session.Id))
		session.State = models.StateBootAccepted

		require.NoError(t, sim.Plug(session.Id))
		assert.Equal(t, models.StatePlugged, session.State)
	})

	t.Run("park then plug", func(t *testing.T) {
		sim, session, ft := newTestSimulator()
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, sim.engine.Connect(session.Id))
		session.State = models.StateAvailable

		require.NoError(t, sim.Park(session.Id))
		assert.Equal(t, models.StateParked, session.State)
		require.NoError(t, sim.Plug(session.Id))
		assert.Equal(t, models.StatePlugged, session.State)
	})

	t.Run("unplug returns to available", func(t *testing.T) {
		sim, session, ft := newTestSimulator()
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, sim.engine.Connect(session.Id))
		session.State = models.StatePlugged

		require.NoError(t, sim.Unplug(session.Id))
		assert.Equal(t, models.StateAvailable, session.State)
	})

	t.Run("plug requires connection", func(t *testing.T) {
		sim, session, _ := newTestSimulator()
		session.State = models.StateBootAccepted

		err := sim.Plug(session.Id)
		assert.ErrorContains(t, err, "not connected")
	})

	t.Run("plug while charging is rejected", func(t *testing.T) {
		sim, session, ft := newTestSimulator()
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, sim.engine.Connect(session.Id))
		session.State = models.StateCharging

		err := sim.Plug(session.Id)
		assert.ErrorContains(t, err, "cannot move")
		assert.Equal(t, models.StateCharging, session.State)
	})

	t.Run("same state is a no-op", func(t *testing.T) {
		sim, session, ft := newTestSimulator()
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, sim.engine.Connect(session.Id))
		session.State = models.StatePlugged

		require.NoError(t, sim.Plug(session.Id))
		assert.Equal(t, models.StatePlugged, session.State)
	})

	t.Run("unknown session", func(t *testing.T) {
		sim, _, _ := newTestSimulator()
		assert.ErrorContains(t, sim.Plug("nope"), "unknown session")
	})
}
