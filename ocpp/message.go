package ocpp

import (
	"encoding/json"
	"evsim/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

// ErrorCode OCPP-J protocol error code carried in a CALLERROR frame.
type ErrorCode string

const (
	ErrorNotImplemented     ErrorCode = "NotImplemented"
	ErrorNotSupported       ErrorCode = "NotSupported"
	ErrorInternal           ErrorCode = "InternalError"
	ErrorProtocol           ErrorCode = "ProtocolError"
	ErrorFormationViolation ErrorCode = "FormationViolation"
	ErrorPropertyConstraint ErrorCode = "PropertyConstraintViolation"
	ErrorTypeConstraint     ErrorCode = "TypeConstraintViolation"
	ErrorGeneric            ErrorCode = "GenericError"
)

// Call An OCPP-J CALL message, containing an OCPP Request.
type Call struct {
	TypeId   CallType
	UniqueId string
	Action   string
	Payload  Request
}

func (call *Call) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 4)
	fields[0] = int(call.TypeId)
	fields[1] = call.UniqueId
	fields[2] = call.Action
	fields[3] = call.Payload
	return json.Marshal(fields)
}

func CreateCall(uniqueId string, request Request) *Call {
	return &Call{
		TypeId:   CallTypeRequest,
		UniqueId: uniqueId,
		Action:   request.GetFeatureName(),
		Payload:  request,
	}
}

// CallResult An OCPP-J CALLRESULT message, containing an OCPP Response.
type CallResult struct {
	TypeId   CallType
	UniqueId string
	Payload  Response
}

func (callResult *CallResult) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 3)
	fields[0] = int(callResult.TypeId)
	fields[1] = callResult.UniqueId
	fields[2] = callResult.Payload
	return json.Marshal(fields)
}

func CreateCallResult(response Response, uniqueId string) *CallResult {
	return &CallResult{
		TypeId:   CallTypeResult,
		UniqueId: uniqueId,
		Payload:  response,
	}
}

// CallError An OCPP-J CALLERROR message sent in reply to an unserviceable CALL.
type CallError struct {
	TypeId           CallType
	UniqueId         string
	ErrorCode        ErrorCode
	ErrorDescription string
	ErrorDetails     interface{}
}

func (callError *CallError) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 5)
	fields[0] = int(callError.TypeId)
	fields[1] = callError.UniqueId
	fields[2] = string(callError.ErrorCode)
	fields[3] = callError.ErrorDescription
	if callError.ErrorDetails == nil {
		fields[4] = struct{}{}
	} else {
		fields[4] = callError.ErrorDetails
	}
	return json.Marshal(fields)
}

func CreateCallError(uniqueId string, code ErrorCode, description string) *CallError {
	return &CallError{
		TypeId:           CallTypeError,
		UniqueId:         uniqueId,
		ErrorCode:        code,
		ErrorDescription: description,
	}
}

// MessageType reads the type id of a parsed OCPP-J array.
func MessageType(fields []interface{}) (CallType, error) {
	if len(fields) < 3 {
		return 0, utility.Err("incompatible message structure; expected at least 3 elements")
	}
	rawTypeId, ok := fields[0].(float64)
	if !ok {
		return 0, utility.Err("invalid message type id")
	}
	callType := CallType(rawTypeId)
	switch callType {
	case CallTypeRequest, CallTypeResult, CallTypeError:
		return callType, nil
	}
	return 0, utility.Errf("unsupported message type id: %v", rawTypeId)
}

// InboundCall A CALL received from the central system; payload is kept raw
// until the action is dispatched to a concrete request type.
type InboundCall struct {
	UniqueId string
	Action   string
	Payload  interface{}
}

func ParseCall(fields []interface{}) (*InboundCall, error) {
	if len(fields) != 4 {
		return nil, utility.Err("unsupported call format; expected length: 4 elements")
	}
	uniqueId, ok := fields[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in call")
	}
	action, ok := fields[2].(string)
	if !ok {
		return nil, utility.Err("invalid action in call")
	}
	return &InboundCall{
		UniqueId: uniqueId,
		Action:   action,
		Payload:  fields[3],
	}, nil
}

// InboundResult A CALLRESULT received from the central system; payload is kept
// raw and decoded by the party holding the pending call.
type InboundResult struct {
	UniqueId string
	Payload  []byte
}

func ParseCallResult(fields []interface{}) (*InboundResult, error) {
	if len(fields) != 3 {
		return nil, utility.Err("unsupported result format; expected length: 3 elements")
	}
	uniqueId, ok := fields[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in result")
	}
	payload, err := json.Marshal(fields[2])
	if err != nil {
		return nil, err
	}
	return &InboundResult{UniqueId: uniqueId, Payload: payload}, nil
}

// InboundError A CALLERROR received from the central system.
type InboundError struct {
	UniqueId    string
	Code        string
	Description string
}

func ParseCallError(fields []interface{}) (*InboundError, error) {
	if len(fields) < 4 {
		return nil, utility.Err("unsupported error format; expected at least 4 elements")
	}
	uniqueId, ok := fields[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in error")
	}
	code, _ := fields[2].(string)
	description, _ := fields[3].(string)
	return &InboundError{UniqueId: uniqueId, Code: code, Description: description}, nil
}

// DecodePayload decodes a raw payload element of a parsed frame into the
// given request or response structure. Accepts both the decoded form of a
// frame element and raw JSON bytes.
func DecodePayload(raw interface{}, target interface{}) error {
	switch data := raw.(type) {
	case []byte:
		return json.Unmarshal(data, target)
	case json.RawMessage:
		return json.Unmarshal(data, target)
	case string:
		return json.Unmarshal([]byte(data), target)
	}
	if raw == nil {
		raw = struct{}{}
	}
	bytes, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}
