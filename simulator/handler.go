package simulator

import (
	"evsim/models"
	"evsim/ocpp"
	"evsim/ocpp/smartcharging"
	"evsim/power"
	"evsim/types"
	"fmt"
)

// handleIncomingCall serves a CALL originating from the central system.
// Unsupported actions are answered with a NotImplemented call error; the
// connection always gets a reply for every inbound call.
func (e *Engine) handleIncomingCall(sessionId string, call *ocpp.InboundCall) {
	session, ok := e.sessions.Get(sessionId)
	if !ok {
		return
	}

	session.Lock()
	session.AppendMessage("IN", call.Action, fmt.Sprintf("%v", call.Payload))
	session.Unlock()

	var response ocpp.Response
	switch call.Action {
	case smartcharging.SetChargingProfileFeatureName:
		request := smartcharging.SetChargingProfileRequest{}
		if err := ocpp.DecodePayload(call.Payload, &request); err != nil {
			e.replyError(sessionId, call, ocpp.ErrorFormationViolation, err.Error())
			return
		}
		response = e.onSetChargingProfile(session, &request)
	case smartcharging.ClearChargingProfileFeatureName:
		request := smartcharging.ClearChargingProfileRequest{}
		if err := ocpp.DecodePayload(call.Payload, &request); err != nil {
			e.replyError(sessionId, call, ocpp.ErrorFormationViolation, err.Error())
			return
		}
		response = e.onClearChargingProfile(session, &request)
	case smartcharging.GetCompositeScheduleFeatureName:
		request := smartcharging.GetCompositeScheduleRequest{}
		if err := ocpp.DecodePayload(call.Payload, &request); err != nil {
			e.replyError(sessionId, call, ocpp.ErrorFormationViolation, err.Error())
			return
		}
		response = e.onGetCompositeSchedule(session, &request)
	default:
		e.logger.Warn(fmt.Sprintf("unsupported action %s requested by central system on session %s", call.Action, sessionId))
		e.replyError(sessionId, call, ocpp.ErrorNotImplemented, "action is not supported")
		return
	}

	e.reply(sessionId, call, response)
}

func (e *Engine) reply(sessionId string, call *ocpp.InboundCall, response ocpp.Response) {
	result := ocpp.CreateCallResult(response, call.UniqueId)
	data, err := result.MarshalJSON()
	if err != nil {
		e.logger.Error("encoding call result for session "+sessionId, err)
		return
	}
	e.sendRaw(sessionId, call.Action, data)
}

func (e *Engine) replyError(sessionId string, call *ocpp.InboundCall, code ocpp.ErrorCode, description string) {
	callError := ocpp.CreateCallError(call.UniqueId, code, description)
	data, err := callError.MarshalJSON()
	if err != nil {
		e.logger.Error("encoding call error for session "+sessionId, err)
		return
	}
	e.sendRaw(sessionId, call.Action, data)
}

func (e *Engine) sendRaw(sessionId, action string, data []byte) {
	transport := e.getTransport(sessionId)
	if transport == nil {
		return
	}
	if err := transport.Send(data); err != nil {
		e.logger.Error("sending reply for session "+sessionId, err)
		return
	}
	if session, ok := e.sessions.Get(sessionId); ok {
		session.Lock()
		session.AppendMessage("OUT", action, string(data))
		session.Unlock()
	}
	e.logger.RawDataEvent("OUT", string(data))
}

func (e *Engine) onSetChargingProfile(session *models.Session, request *smartcharging.SetChargingProfileRequest) ocpp.Response {
	if request.ChargingProfile == nil {
		return smartcharging.NewSetChargingProfileResponse(smartcharging.ChargingProfileStatusRejected)
	}
	err := e.profiles.SetChargingProfile(session.Id, request.ConnectorId, request.ChargingProfile)
	if err != nil {
		e.logger.Warn(fmt.Sprintf("charging profile rejected for session %s: %s", session.Id, err.Error()))
		session.Lock()
		session.AppendLog("warn", "charging profile rejected: "+err.Error())
		session.Unlock()
		return smartcharging.NewSetChargingProfileResponse(smartcharging.ChargingProfileStatusRejected)
	}

	if e.database != nil {
		profile := &models.SessionProfile{
			SessionId:   session.Id,
			ConnectorId: request.ConnectorId,
			Profile:     *request.ChargingProfile,
		}
		if err = e.database.AddChargingProfile(profile); err != nil {
			e.logger.Error("persisting charging profile for session "+session.Id, err)
		}
	}

	session.Lock()
	session.AppendLog("info", fmt.Sprintf("charging profile %d applied, purpose %s, stack level %d",
		request.ChargingProfile.ChargingProfileId,
		request.ChargingProfile.ChargingProfilePurpose,
		request.ChargingProfile.StackLevel))
	session.Unlock()

	e.RefreshLimitSnapshot(session.Id)
	e.logger.FeatureEvent(smartcharging.SetChargingProfileFeatureName, session.Id,
		fmt.Sprintf("applied profile %d", request.ChargingProfile.ChargingProfileId))
	return smartcharging.NewSetChargingProfileResponse(smartcharging.ChargingProfileStatusAccepted)
}

func (e *Engine) onClearChargingProfile(session *models.Session, request *smartcharging.ClearChargingProfileRequest) ocpp.Response {
	var purpose *types.ChargingProfilePurposeType
	if request.ChargingProfilePurpose != "" {
		if !types.IsValidPurpose(string(request.ChargingProfilePurpose)) {
			e.logger.Warn(fmt.Sprintf("clear profile with unknown purpose %s on session %s", request.ChargingProfilePurpose, session.Id))
			return smartcharging.NewClearChargingProfileResponse(smartcharging.ClearChargingProfileStatusUnknown)
		}
		value := request.ChargingProfilePurpose
		purpose = &value
	}

	removed := e.profiles.ClearChargingProfile(session.Id, request.Id, request.ConnectorId, purpose, request.StackLevel)
	if !removed {
		return smartcharging.NewClearChargingProfileResponse(smartcharging.ClearChargingProfileStatusUnknown)
	}

	session.Lock()
	session.AppendLog("info", "charging profiles cleared")
	session.Unlock()

	e.RefreshLimitSnapshot(session.Id)
	e.logger.FeatureEvent(smartcharging.ClearChargingProfileFeatureName, session.Id, "profiles cleared")
	return smartcharging.NewClearChargingProfileResponse(smartcharging.ClearChargingProfileStatusAccepted)
}

func (e *Engine) onGetCompositeSchedule(session *models.Session, request *smartcharging.GetCompositeScheduleRequest) ocpp.Response {
	unit := request.ChargingRateUnit
	if unit == "" {
		unit = types.ChargingRateUnitWatts
	}
	phaseType := power.PhaseTypeOf(session.ChargerType, session.PhaseCount)
	schedule := e.profiles.GetCompositeSchedule(session.Id, request.ConnectorId, request.Duration, unit, phaseType, session.Voltage)
	if schedule == nil {
		return smartcharging.NewGetCompositeScheduleResponse(smartcharging.GetCompositeScheduleStatusRejected)
	}

	periods := make([]types.ChargingSchedulePeriod, 0, len(schedule.Periods))
	for _, point := range schedule.Periods {
		periods = append(periods, types.ChargingSchedulePeriod{
			StartPeriod: point.StartPeriod,
			Limit:       point.Limit,
		})
	}
	duration := schedule.Duration
	connectorId := schedule.ConnectorId

	response := smartcharging.NewGetCompositeScheduleResponse(smartcharging.GetCompositeScheduleStatusAccepted)
	response.ConnectorId = &connectorId
	response.ScheduleStart = types.NewDateTime(schedule.ScheduleStart)
	response.ChargingSchedule = &types.ChargingSchedule{
		Duration:               &duration,
		StartSchedule:          types.NewDateTime(schedule.ScheduleStart),
		ChargingRateUnit:       schedule.ChargingRateUnit,
		ChargingSchedulePeriod: periods,
	}
	return response
}
