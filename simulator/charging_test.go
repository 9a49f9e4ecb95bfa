package simulator

import (
	"evsim/models"
	"evsim/types"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chargingSession(engine *Engine) *models.Session {
	session, _ := engine.sessions.Get("s1")
	session.Charging = true
	session.State = models.StateCharging
	return session
}

func TestSimulateCharging(t *testing.T) {
	t.Run("one hour at full power", func(t *testing.T) {
		engine, _, _ := newTestEngine()
		session := chargingSession(engine)
		session.Soc = 20
		session.TargetSoc = 80
		session.MaxPowerKw = 22

		reached := engine.simulateCharging(session, 3600)
		assert.False(t, reached)
		// implied on-board charger caps at 11 kW
		assert.Equal(t, 11.0, session.CurrentPowerKw)
		assert.InDelta(t, 11.0, session.EnergyKwh, 0.001)
		// 11 kWh into a 60 kWh battery is 18.33 percentage points
		assert.InDelta(t, 38.33, session.Soc, 0.01)
		assert.Equal(t, 11000, session.MeterValue)
	})

	t.Run("not charging is a no-op", func(t *testing.T) {
		engine, session, _ := newTestEngine()
		soc := session.Soc
		reached := engine.simulateCharging(session, 3600)
		assert.False(t, reached)
		assert.Equal(t, soc, session.Soc)
		assert.Equal(t, 0.0, session.CurrentPowerKw)
	})

	t.Run("taper above 80 percent", func(t *testing.T) {
		engine, _, _ := newTestEngine()
		session := chargingSession(engine)
		session.Soc = 85
		session.TargetSoc = 100
		session.MaxPowerKw = 22

		engine.simulateCharging(session, 60)
		assert.InDelta(t, 5.5, session.CurrentPowerKw, 0.001)
	})

	t.Run("taper above 90 percent does not compound", func(t *testing.T) {
		engine, _, _ := newTestEngine()
		session := chargingSession(engine)
		session.Soc = 92
		session.TargetSoc = 100
		session.MaxPowerKw = 22

		engine.simulateCharging(session, 60)
		assert.InDelta(t, 2.75, session.CurrentPowerKw, 0.001)
	})

	t.Run("target soc caps the increment", func(t *testing.T) {
		engine, _, _ := newTestEngine()
		session := chargingSession(engine)
		session.Soc = 79.9
		session.TargetSoc = 80
		session.MaxPowerKw = 22

		reached := engine.simulateCharging(session, 3600)
		assert.True(t, reached)
		assert.Equal(t, 80.0, session.Soc)
		assert.Equal(t, 0.0, session.CurrentPowerKw)
	})

	t.Run("charging profile limit applies", func(t *testing.T) {
		engine, _, _ := newTestEngine()
		session := chargingSession(engine)
		session.Soc = 20
		session.TargetSoc = 80
		session.MaxPowerKw = 22

		profile := &types.ChargingProfile{
			ChargingProfileId:      1,
			StackLevel:             0,
			ChargingProfilePurpose: types.ChargingProfilePurposeTxProfile,
			ChargingProfileKind:    types.ChargingProfileKindRelative,
			ChargingSchedule: &types.ChargingSchedule{
				ChargingRateUnit: types.ChargingRateUnitWatts,
				ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
					{StartPeriod: 0, Limit: 5000},
				},
			},
		}
		require.NoError(t, engine.profiles.SetChargingProfile(session.Id, session.ConnectorId, profile))

		engine.simulateCharging(session, 60)
		assert.InDelta(t, 5.0, session.CurrentPowerKw, 0.001)
		assert.InDelta(t, 5.0, session.ScpLimitKw, 0.001)
		assert.Equal(t, 1, session.ActiveProfileId)
	})

	t.Run("low max power wins over the implied charger", func(t *testing.T) {
		engine, _, _ := newTestEngine()
		session := chargingSession(engine)
		session.Soc = 20
		session.TargetSoc = 80
		session.MaxPowerKw = 7.4

		engine.simulateCharging(session, 60)
		assert.InDelta(t, 7.4, session.CurrentPowerKw, 0.001)
	})
}

func TestRefreshLimitSnapshot(t *testing.T) {
	engine, session, _ := newTestEngine()

	profile := &types.ChargingProfile{
		ChargingProfileId:      9,
		StackLevel:             2,
		ChargingProfilePurpose: types.ChargingProfilePurposeChargePointMaxProfile,
		ChargingProfileKind:    types.ChargingProfileKindRelative,
		ChargingSchedule: &types.ChargingSchedule{
			ChargingRateUnit: types.ChargingRateUnitWatts,
			ChargingSchedulePeriod: []types.ChargingSchedulePeriod{
				{StartPeriod: 0, Limit: 11000},
			},
		},
	}
	require.NoError(t, engine.profiles.SetChargingProfile(session.Id, session.ConnectorId, profile))

	engine.RefreshLimitSnapshot(session.Id)
	assert.InDelta(t, 11.0, session.ScpLimitKw, 0.001)
	assert.Equal(t, 9, session.ActiveProfileId)
	assert.Equal(t, 2, session.ActiveProfileStackLevel)
	assert.Equal(t, string(types.ChargingProfilePurposeChargePointMaxProfile), session.ActiveProfilePurpose)

	// clearing the profiles empties the snapshot
	engine.profiles.ClearAllProfiles(session.Id)
	engine.RefreshLimitSnapshot(session.Id)
	assert.Equal(t, 0.0, session.ScpLimitKw)
	assert.Equal(t, 0, session.ActiveProfileId)
}
