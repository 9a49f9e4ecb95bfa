package simulator

import (
	"evsim/metrics/counters"
	"evsim/models"
	"evsim/power"
	"math"
)

// fallbackPowerKw caps the implied EV on-board charger when the session
// does not set a plausible maximum.
const fallbackPowerKw = 11.0

// simulateCharging advances the battery model by one tick and refreshes the
// session telemetry. Returns true when the target state of charge was
// reached on this tick.
func (e *Engine) simulateCharging(session *models.Session, intervalSeconds float64) bool {
	phaseType := power.PhaseTypeOf(session.ChargerType, session.PhaseCount)
	limit := e.profiles.GetEffectiveLimit(session.Id, session.ConnectorId, phaseType, session.Voltage)

	session.Lock()
	defer session.Unlock()

	e.applyLimitSnapshotLocked(session, limit)

	if !session.Charging {
		session.CurrentPowerKw = 0
		session.CurrentA = 0
		return false
	}

	powerKw := session.MaxPowerKw
	if powerKw <= 0 {
		powerKw = fallbackPowerKw
	}
	powerKw = math.Min(powerKw, fallbackPowerKw)

	if !limit.IsUnlimited() {
		powerKw = math.Min(powerKw, limit.LimitW/1000)
	}

	// taper near full battery; the thresholds do not compound
	if session.Soc > 90 {
		powerKw *= 0.25
	} else if session.Soc > 80 {
		powerKw *= 0.5
	}
	if powerKw < 0 {
		powerKw = 0
	}

	capacity := session.BatteryCapacityKwh
	if capacity <= 0 {
		capacity = models.DefaultBatteryCapacityKwh
	}

	energyKwh := powerKw * intervalSeconds / 3600
	socIncrement := energyKwh / capacity * 100

	reachedTarget := false
	if session.Soc+socIncrement >= session.TargetSoc {
		socIncrement = session.TargetSoc - session.Soc
		if socIncrement < 0 {
			socIncrement = 0
		}
		energyKwh = socIncrement / 100 * capacity
		reachedTarget = true
		powerKw = 0
	}

	session.Soc = models.ClampSoc(session.Soc + socIncrement)
	session.EnergyKwh += energyKwh
	session.MeterValue += int(math.Round(energyKwh * 1000))
	session.CurrentPowerKw = powerKw
	session.CurrentA = power.WattsToAmps(powerKw*1000, phaseType, session.Voltage)
	session.AppendSocPoint(session.Soc)
	session.AppendPowerPoint(powerKw)
	session.Touch()

	counters.ObservePower(session.ChargePointId, powerKw)
	counters.CountEnergy(session.ChargePointId, energyKwh)
	return reachedTarget
}

// applyLimitSnapshotLocked copies the effective limit into the session
// fields shown by the control api. The caller holds the session lock.
func (e *Engine) applyLimitSnapshotLocked(session *models.Session, limit *power.EffectiveLimit) {
	if limit == nil || limit.IsUnlimited() {
		session.ScpLimitKw = 0
		session.ScpLimitA = 0
		session.ActiveProfileId = 0
		session.ActiveProfilePurpose = ""
		session.ActiveProfileStackLevel = 0
		session.NextPeriod = nil
		return
	}
	phaseType := power.PhaseTypeOf(session.ChargerType, session.PhaseCount)
	session.ScpLimitKw = limit.LimitW / 1000
	session.ScpLimitA = power.WattsToAmps(limit.LimitW, phaseType, session.Voltage)
	session.ActiveProfileId = limit.ProfileId
	session.ActiveProfilePurpose = string(limit.Purpose)
	session.ActiveProfileStackLevel = limit.StackLevel
	session.NextPeriod = limit.NextPeriod
}

// RefreshLimitSnapshot recomputes the effective limit outside the charging
// tick, after profile mutations.
func (e *Engine) RefreshLimitSnapshot(sessionId string) {
	session, err := e.session(sessionId)
	if err != nil {
		return
	}
	phaseType := power.PhaseTypeOf(session.ChargerType, session.PhaseCount)
	limit := e.profiles.GetEffectiveLimit(session.Id, session.ConnectorId, phaseType, session.Voltage)
	session.Lock()
	e.applyLimitSnapshotLocked(session, limit)
	session.Touch()
	session.Unlock()
	e.broadcastUpdate(session, "charging limit updated")
}
