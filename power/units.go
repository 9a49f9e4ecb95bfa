package power

import (
	"evsim/types"
	"math"
)

// PhaseType describes the supply wiring of a simulated charger.
type PhaseType string

const (
	PhaseAcMono PhaseType = "AC_MONO"
	PhaseAcTri  PhaseType = "AC_TRI"
	PhaseDc     PhaseType = "DC"
)

// Voltages below this value are treated as phase-neutral and scaled by sqrt(3)
// to obtain the phase-phase voltage for three-phase conversion.
const phaseNeutralThreshold = 300.0

func phaseToPhaseVoltage(voltage float64) float64 {
	if voltage < phaseNeutralThreshold {
		return voltage * math.Sqrt(3)
	}
	return voltage
}

func isSinglePhase(numberPhases *int, phaseType PhaseType) bool {
	if numberPhases != nil && *numberPhases == 1 {
		return true
	}
	switch phaseType {
	case PhaseAcMono, PhaseDc:
		return true
	case PhaseAcTri:
		return false
	}
	// unrecognized phase types fall back to three-phase
	return false
}

// toWatts converts a schedule period limit to Watts.
func toWatts(limit float64, unit types.ChargingRateUnitType, numberPhases *int, phaseType PhaseType, voltage float64) float64 {
	if unit == types.ChargingRateUnitWatts {
		return limit
	}
	if isSinglePhase(numberPhases, phaseType) {
		return voltage * limit
	}
	return math.Sqrt(3) * phaseToPhaseVoltage(voltage) * limit
}

// WattsToAmps expresses a power limit as line current for the given wiring.
func WattsToAmps(watts float64, phaseType PhaseType, voltage float64) float64 {
	return fromWatts(watts, types.ChargingRateUnitAmperes, phaseType, voltage)
}

// PhaseTypeOf maps simulated charger settings to a wiring type.
func PhaseTypeOf(chargerType string, phaseCount int) PhaseType {
	if chargerType == "DC" {
		return PhaseDc
	}
	if phaseCount == 1 {
		return PhaseAcMono
	}
	return PhaseAcTri
}

// fromWatts converts a wattage back to the requested charging rate unit.
func fromWatts(watts float64, unit types.ChargingRateUnitType, phaseType PhaseType, voltage float64) float64 {
	if unit != types.ChargingRateUnitAmperes {
		return watts
	}
	if isSinglePhase(nil, phaseType) {
		if voltage == 0 {
			return 0
		}
		return watts / voltage
	}
	divisor := math.Sqrt(3) * phaseToPhaseVoltage(voltage)
	if divisor == 0 {
		return 0
	}
	return watts / divisor
}
