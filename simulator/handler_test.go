package simulator

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveFrame(t *testing.T, ft *fakeTransport) []interface{} {
	t.Helper()
	select {
	case data := <-ft.frames:
		var fields []interface{}
		require.NoError(t, json.Unmarshal(data, &fields))
		return fields
	case <-time.After(time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}

func TestIncomingSetChargingProfile(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	payload := `{"connectorId":1,"csChargingProfiles":{
		"chargingProfileId":11,"stackLevel":1,
		"chargingProfilePurpose":"TxProfile","chargingProfileKind":"Relative",
		"chargingSchedule":{"chargingRateUnit":"W",
			"chargingSchedulePeriod":[{"startPeriod":0,"limit":7400}]}}}`
	ft.onFrame([]byte(fmt.Sprintf(`[2,"m1","SetChargingProfile",%s]`, payload)))

	fields := receiveFrame(t, ft)
	require.Len(t, fields, 3)
	assert.Equal(t, float64(3), fields[0])
	assert.Equal(t, "m1", fields[1])
	result := fields[2].(map[string]interface{})
	assert.Equal(t, "Accepted", result["status"])

	assert.Len(t, engine.profiles.ActiveProfiles(session.Id, session.ConnectorId), 1)
	assert.InDelta(t, 7.4, session.ScpLimitKw, 0.001)
}

func TestIncomingSetChargingProfile_Rejected(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	// periods out of order
	payload := `{"connectorId":1,"csChargingProfiles":{
		"chargingProfileId":11,"stackLevel":1,
		"chargingProfilePurpose":"TxProfile","chargingProfileKind":"Relative",
		"chargingSchedule":{"chargingRateUnit":"W",
			"chargingSchedulePeriod":[{"startPeriod":600,"limit":7400},{"startPeriod":0,"limit":3700}]}}}`
	ft.onFrame([]byte(fmt.Sprintf(`[2,"m2","SetChargingProfile",%s]`, payload)))

	fields := receiveFrame(t, ft)
	result := fields[2].(map[string]interface{})
	assert.Equal(t, "Rejected", result["status"])
	assert.Empty(t, engine.profiles.ActiveProfiles(session.Id, session.ConnectorId))
}

func TestIncomingClearChargingProfile(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	t.Run("nothing to clear", func(t *testing.T) {
		ft.onFrame([]byte(`[2,"m3","ClearChargingProfile",{}]`))
		fields := receiveFrame(t, ft)
		result := fields[2].(map[string]interface{})
		assert.Equal(t, "Unknown", result["status"])
	})

	t.Run("clears a stored profile", func(t *testing.T) {
		payload := `{"connectorId":1,"csChargingProfiles":{
			"chargingProfileId":5,"stackLevel":0,
			"chargingProfilePurpose":"TxDefaultProfile","chargingProfileKind":"Relative",
			"chargingSchedule":{"chargingRateUnit":"W",
				"chargingSchedulePeriod":[{"startPeriod":0,"limit":5000}]}}}`
		ft.onFrame([]byte(fmt.Sprintf(`[2,"m4","SetChargingProfile",%s]`, payload)))
		receiveFrame(t, ft)

		ft.onFrame([]byte(`[2,"m5","ClearChargingProfile",{"id":5}]`))
		fields := receiveFrame(t, ft)
		result := fields[2].(map[string]interface{})
		assert.Equal(t, "Accepted", result["status"])
		assert.Empty(t, engine.profiles.ActiveProfiles(session.Id, session.ConnectorId))
		assert.Equal(t, 0.0, session.ScpLimitKw)
	})
}

func TestIncomingGetCompositeSchedule(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	t.Run("no profiles is rejected", func(t *testing.T) {
		ft.onFrame([]byte(`[2,"m6","GetCompositeSchedule",{"connectorId":1,"duration":3600}]`))
		fields := receiveFrame(t, ft)
		result := fields[2].(map[string]interface{})
		assert.Equal(t, "Rejected", result["status"])
	})

	t.Run("merged schedule", func(t *testing.T) {
		payload := `{"connectorId":1,"csChargingProfiles":{
			"chargingProfileId":6,"stackLevel":0,
			"chargingProfilePurpose":"TxProfile","chargingProfileKind":"Relative",
			"chargingSchedule":{"chargingRateUnit":"W",
				"chargingSchedulePeriod":[{"startPeriod":0,"limit":9000}]}}}`
		ft.onFrame([]byte(fmt.Sprintf(`[2,"m7","SetChargingProfile",%s]`, payload)))
		receiveFrame(t, ft)

		ft.onFrame([]byte(`[2,"m8","GetCompositeSchedule",{"connectorId":1,"duration":3600,"chargingRateUnit":"W"}]`))
		fields := receiveFrame(t, ft)
		result := fields[2].(map[string]interface{})
		assert.Equal(t, "Accepted", result["status"])
		schedule := result["chargingSchedule"].(map[string]interface{})
		periods := schedule["chargingSchedulePeriod"].([]interface{})
		require.Len(t, periods, 1)
		first := periods[0].(map[string]interface{})
		assert.Equal(t, float64(9000), first["limit"])
	})
}

func TestIncomingUnknownAction(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	ft.onFrame([]byte(`[2,"m9","ChangeConfiguration",{"key":"HeartbeatInterval","value":"60"}]`))
	fields := receiveFrame(t, ft)
	require.Len(t, fields, 5)
	assert.Equal(t, float64(4), fields[0])
	assert.Equal(t, "m9", fields[1])
	assert.Equal(t, "NotImplemented", fields[2])
}

func TestIncomingMalformedFrame(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	// none of these may panic or produce a reply
	ft.onFrame([]byte(`not json`))
	ft.onFrame([]byte(`[9,"m10","Heartbeat",{}]`))
	ft.onFrame([]byte(`[2,"m11"]`))

	select {
	case data := <-ft.frames:
		t.Fatalf("unexpected reply: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}
