package simulator

import (
	"evsim/models"
	"evsim/ocpp"
	"evsim/ocpp/core"
	"evsim/types"
	"evsim/utility"
	"fmt"
	"time"
)

// PayloadContext carries the per-call inputs that are not part of the
// session state. Zero values fall back to session-derived defaults.
type PayloadContext struct {
	Status core.ChargePointStatus
	Reason core.Reason
}

// BuildPayload constructs the outbound request for an action from the
// current session snapshot. The caller holds the session lock. Unknown
// actions are an error, never a silent default.
func BuildPayload(action string, session *models.Session, ctx PayloadContext) (ocpp.Request, error) {
	switch action {
	case core.BootNotificationFeatureName:
		return bootNotificationPayload(session), nil
	case core.AuthorizeFeatureName:
		return core.NewAuthorizeRequest(session.IdTag), nil
	case core.StartTransactionFeatureName:
		return startTransactionPayload(session), nil
	case core.StopTransactionFeatureName:
		reason := ctx.Reason
		if reason == "" {
			reason = core.ReasonLocal
		}
		return stopTransactionPayload(session, reason), nil
	case core.StatusNotificationFeatureName:
		status := ctx.Status
		if status == "" {
			status = statusForState(session.State)
		}
		return statusNotificationPayload(session, status), nil
	case core.MeterValuesFeatureName:
		return meterValuesPayload(session), nil
	case core.HeartbeatFeatureName:
		return core.HeartbeatRequest{}, nil
	}
	return nil, utility.Errf("no payload builder for action %s", action)
}

func bootNotificationPayload(session *models.Session) ocpp.Request {
	return core.BootNotificationRequest{
		ChargePointVendor:       session.Vendor,
		ChargePointModel:        session.Model,
		ChargePointSerialNumber: session.SerialNumber,
		FirmwareVersion:         session.FirmwareVersion,
	}
}

func startTransactionPayload(session *models.Session) ocpp.Request {
	request := core.StartTransactionRequest{
		ConnectorId: session.ConnectorId,
		IdTag:       session.IdTag,
		MeterStart:  session.MeterValue,
		Timestamp:   types.NewDateTime(time.Now()),
	}
	if session.ReservationId != nil {
		request.ReservationId = session.ReservationId
	}
	return request
}

func stopTransactionPayload(session *models.Session, reason core.Reason) ocpp.Request {
	request := core.StopTransactionRequest{
		IdTag:     session.IdTag,
		MeterStop: session.MeterValue,
		Timestamp: types.NewDateTime(time.Now()),
		Reason:    reason,
	}
	if session.TransactionId != nil {
		request.TransactionId = *session.TransactionId
	}
	return request
}

func statusNotificationPayload(session *models.Session, status core.ChargePointStatus) ocpp.Request {
	return core.StatusNotificationRequest{
		ConnectorId: session.ConnectorId,
		ErrorCode:   core.NoError,
		Status:      status,
		Timestamp:   types.NewDateTime(time.Now()),
	}
}

func meterValuesPayload(session *models.Session) ocpp.Request {
	timestamp := types.NewDateTime(time.Now())
	sampled := []types.SampledValue{
		{
			Value:     fmt.Sprintf("%d", session.MeterValue),
			Context:   types.ReadingContextSamplePeriodic,
			Measurand: types.MeasurandEnergyActiveImportRegister,
			Unit:      types.UnitOfMeasureWh,
		},
		{
			Value:     fmt.Sprintf("%.1f", session.CurrentPowerKw*1000),
			Context:   types.ReadingContextSamplePeriodic,
			Measurand: types.MeasurandPowerActiveImport,
			Unit:      types.UnitOfMeasureW,
		},
		{
			Value:     fmt.Sprintf("%.1f", session.CurrentA),
			Context:   types.ReadingContextSamplePeriodic,
			Measurand: types.MeasurandCurrentImport,
			Unit:      types.UnitOfMeasureA,
		},
		{
			Value:     fmt.Sprintf("%.0f", session.Soc),
			Context:   types.ReadingContextSamplePeriodic,
			Measurand: types.MeasurandSoC,
			Location:  types.LocationEV,
			Unit:      types.UnitOfMeasurePercent,
		},
		{
			Value:     fmt.Sprintf("%.1f", session.Voltage),
			Context:   types.ReadingContextSamplePeriodic,
			Measurand: types.MeasurandVoltage,
			Unit:      types.UnitOfMeasureV,
		},
	}
	request := core.MeterValuesRequest{
		ConnectorId: session.ConnectorId,
		MeterValue: []types.MeterValue{
			{Timestamp: timestamp, SampledValue: sampled},
		},
	}
	if session.TransactionId != nil {
		request.TransactionId = session.TransactionId
	}
	return request
}

// statusForState maps a session state to the connector status reported in
// StatusNotification.
func statusForState(state models.SessionState) core.ChargePointStatus {
	switch state {
	case models.StateAvailable, models.StateBootAccepted, models.StateParked:
		return core.ChargePointStatusAvailable
	case models.StatePlugged, models.StateAuthorizing, models.StateAuthorized, models.StateStarting:
		return core.ChargePointStatusPreparing
	case models.StateCharging:
		return core.ChargePointStatusCharging
	case models.StateSuspendedEV:
		return core.ChargePointStatusSuspendedEV
	case models.StateSuspendedEVSE:
		return core.ChargePointStatusSuspendedEVSE
	case models.StateStopping, models.StateFinishing:
		return core.ChargePointStatusFinishing
	case models.StateReserved:
		return core.ChargePointStatusReserved
	case models.StateFaulted:
		return core.ChargePointStatusFaulted
	}
	return core.ChargePointStatusUnavailable
}
