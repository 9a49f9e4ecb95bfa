package simulator

import (
	"evsim/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionValidation(t *testing.T) {
	t.Run("connector id above range is rejected", func(t *testing.T) {
		sim, _, _ := newTestSimulator()
		_, err := sim.CreateSession(&CreateSessionRequest{
			Title:         "Garage",
			ChargePointId: "CP-2",
			CsmsUrl:       "ws://localhost:5000/ws",
			ConnectorId:   11,
		})
		assert.ErrorContains(t, err, "ConnectorId")
	})

	t.Run("connector id at upper bound is accepted", func(t *testing.T) {
		sim, _, _ := newTestSimulator()
		session, err := sim.CreateSession(&CreateSessionRequest{
			Title:         "Garage",
			ChargePointId: "CP-2",
			CsmsUrl:       "ws://localhost:5000/ws",
			ConnectorId:   10,
		})
		require.NoError(t, err)
		assert.Equal(t, 10, session.ConnectorId)
	})

	t.Run("connector id defaults when omitted", func(t *testing.T) {
		sim, _, _ := newTestSimulator()
		session, err := sim.CreateSession(&CreateSessionRequest{
			Title:         "Garage",
			ChargePointId: "CP-2",
			CsmsUrl:       "ws://localhost:5000/ws",
		})
		require.NoError(t, err)
		assert.Equal(t, 1, session.ConnectorId)
	})

	t.Run("target soc must exceed soc", func(t *testing.T) {
		sim, _, _ := newTestSimulator()
		_, err := sim.CreateSession(&CreateSessionRequest{
			Title:         "Garage",
			ChargePointId: "CP-2",
			CsmsUrl:       "ws://localhost:5000/ws",
			Soc:           80,
			TargetSoc:     60,
		})
		assert.ErrorContains(t, err, "target state of charge")
	})

	t.Run("created session starts disconnected", func(t *testing.T) {
		sim, _, _ := newTestSimulator()
		session, err := sim.CreateSession(&CreateSessionRequest{
			Title:         "Garage",
			ChargePointId: "CP-2",
			CsmsUrl:       "ws://localhost:5000/ws",
		})
		require.NoError(t, err)
		assert.Equal(t, models.StateDisconnected, session.State)
	})
}
