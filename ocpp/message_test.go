package ocpp

import (
	"evsim/ocpp/core"
	"evsim/utility"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallMarshal(t *testing.T) {
	call := CreateCall("id-1", core.NewAuthorizeRequest("TAG-1"))
	data, err := call.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"id-1","Authorize",{"idTag":"TAG-1"}]`, string(data))
}

func TestCallResultMarshal(t *testing.T) {
	result := CreateCallResult(core.MeterValuesResponse{}, "id-2")
	data, err := result.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"id-2",{}]`, string(data))
}

func TestCallErrorMarshal(t *testing.T) {
	callError := CreateCallError("id-3", ErrorNotImplemented, "action is not supported")
	data, err := callError.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"id-3","NotImplemented","action is not supported",{}]`, string(data))
}

func TestMessageType(t *testing.T) {
	t.Run("valid types", func(t *testing.T) {
		for _, raw := range []string{
			`[2,"id","Heartbeat",{}]`,
			`[3,"id",{}]`,
			`[4,"id","InternalError","",{}]`,
		} {
			fields, err := utility.ParseJson([]byte(raw))
			require.NoError(t, err)
			_, err = MessageType(fields)
			assert.NoError(t, err, raw)
		}
	})

	t.Run("unsupported type id", func(t *testing.T) {
		fields, err := utility.ParseJson([]byte(`[9,"id",{}]`))
		require.NoError(t, err)
		_, err = MessageType(fields)
		assert.Error(t, err)
	})

	t.Run("too short", func(t *testing.T) {
		fields, err := utility.ParseJson([]byte(`[2,"id"]`))
		require.NoError(t, err)
		_, err = MessageType(fields)
		assert.Error(t, err)
	})

	t.Run("non-numeric type id", func(t *testing.T) {
		fields, err := utility.ParseJson([]byte(`["2","id","Heartbeat",{}]`))
		require.NoError(t, err)
		_, err = MessageType(fields)
		assert.Error(t, err)
	})
}

func TestParseCall(t *testing.T) {
	fields, err := utility.ParseJson([]byte(`[2,"id-4","SetChargingProfile",{"connectorId":1}]`))
	require.NoError(t, err)

	call, err := ParseCall(fields)
	require.NoError(t, err)
	assert.Equal(t, "id-4", call.UniqueId)
	assert.Equal(t, "SetChargingProfile", call.Action)

	target := struct {
		ConnectorId int `json:"connectorId"`
	}{}
	require.NoError(t, DecodePayload(call.Payload, &target))
	assert.Equal(t, 1, target.ConnectorId)
}

func TestParseCallResult(t *testing.T) {
	fields, err := utility.ParseJson([]byte(`[3,"id-6",{"interval":60,"currentTime":"2026-08-30T10:00:00Z","status":"Accepted"}]`))
	require.NoError(t, err)
	result, err := ParseCallResult(fields)
	require.NoError(t, err)

	response := core.BootNotificationResponse{}
	require.NoError(t, DecodePayload(result.Payload, &response))
	assert.Equal(t, core.RegistrationStatusAccepted, response.Status)
	assert.Equal(t, 60, response.Interval)
	require.NotNil(t, response.CurrentTime)
}

func TestParseCallError(t *testing.T) {
	fields, err := utility.ParseJson([]byte(`[4,"id-7","NotSupported","no such feature",{}]`))
	require.NoError(t, err)

	callError, err := ParseCallError(fields)
	require.NoError(t, err)
	assert.Equal(t, "id-7", callError.UniqueId)
	assert.Equal(t, "NotSupported", callError.Code)
	assert.Equal(t, "no such feature", callError.Description)
}

func TestParseCall_Invalid(t *testing.T) {
	t.Run("wrong length", func(t *testing.T) {
		fields, err := utility.ParseJson([]byte(`[2,"id","Heartbeat"]`))
		require.NoError(t, err)
		_, err = ParseCall(fields)
		assert.Error(t, err)
	})

	t.Run("numeric unique id", func(t *testing.T) {
		fields, err := utility.ParseJson([]byte(`[2,7,"Heartbeat",{}]`))
		require.NoError(t, err)
		_, err = ParseCall(fields)
		assert.Error(t, err)
	})
}
