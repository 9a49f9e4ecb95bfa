package simulator

import (
	"encoding/json"
	"evsim/internal/config"
	"evsim/models"
	"evsim/ocpp/core"
	"evsim/power"
	"evsim/types"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapStore map[string]*models.Session

func (s mapStore) Get(id string) (*models.Session, bool) {
	session, ok := s[id]
	return session, ok
}

type fakeTransport struct {
	mux       sync.Mutex
	open      bool
	openCount int
	url       string
	header    http.Header
	frames    chan []byte
	onFrame   func([]byte)
	onClose   func(error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(chan []byte, 32)}
}

func (f *fakeTransport) Open(url string, header http.Header) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.open = true
	f.openCount++
	f.url = url
	f.header = header
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if !f.open {
		return fmt.Errorf("transport is not open")
	}
	f.frames <- data
	return nil
}

func (f *fakeTransport) Close() error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.open = false
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.open
}

func newTestEngine() (*Engine, *models.Session, *fakeTransport) {
	conf := &config.Config{}
	conf.Csms.CallTimeout = 5
	conf.Csms.ConnectTimeout = 5
	conf.Csms.HeartbeatInterval = 300
	conf.Csms.MeterValuesInterval = 60

	session := models.NewSession("s1", "test", "ws://localhost:5000/ws", "CP-1")
	store := mapStore{session.Id: session}
	logger := testLogger{}

	engine := NewEngine(conf, store, NewStateMachine(logger), power.NewProfileManager(logger), NewScheduler(logger), logger)
	ft := newFakeTransport()
	engine.SetTransportFactory(func(onFrame func([]byte), onClose func(error)) Transport {
		ft.onFrame = onFrame
		ft.onClose = onClose
		return ft
	})
	return engine, session, ft
}

// startResponder plays the central system: every CALL whose action has an
// entry gets that payload back as a CALLRESULT, any other CALL gets an
// empty object.
func startResponder(ft *fakeTransport, responses map[string]string) func() {
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case data := <-ft.frames:
				var fields []interface{}
				if json.Unmarshal(data, &fields) != nil || len(fields) < 4 {
					continue
				}
				id, _ := fields[1].(string)
				action, _ := fields[2].(string)
				payload, ok := responses[action]
				if !ok {
					payload = "{}"
				}
				ft.onFrame([]byte(fmt.Sprintf(`[3,%q,%s]`, id, payload)))
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func TestEndpointUrl(t *testing.T) {
	tests := []struct {
		name    string
		csmsUrl string
		want    string
	}{
		{"appends charge point id", "ws://csms:5000/ws", "ws://csms:5000/ws/CP-1"},
		{"trailing slash", "ws://csms:5000/ws/", "ws://csms:5000/ws/CP-1"},
		{"already suffixed", "ws://csms:5000/ws/CP-1", "ws://csms:5000/ws/CP-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, endpointUrl(tt.csmsUrl, "CP-1"))
		})
	}
}

func TestConnect(t *testing.T) {
	engine, session, ft := newTestEngine()
	session.BearerToken = "secret"

	require.NoError(t, engine.Connect(session.Id))
	assert.True(t, session.Connected)
	assert.Equal(t, models.StateConnected, session.State)
	assert.Equal(t, "ws://localhost:5000/ws/CP-1", ft.url)
	assert.Equal(t, "Bearer secret", ft.header.Get("Authorization"))

	// reconnecting an open session is a no-op
	require.NoError(t, engine.Connect(session.Id))
	assert.Equal(t, 1, ft.openCount)
}

func TestConnect_UnknownSession(t *testing.T) {
	engine, _, _ := newTestEngine()
	assert.Error(t, engine.Connect("nope"))
}

func TestDisconnect(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))
	stop := startResponder(ft, map[string]string{
		core.BootNotificationFeatureName: `{"currentTime":"2026-08-30T10:00:00Z","interval":120,"status":"Accepted"}`,
	})
	defer stop()

	_, err := engine.SendBootNotification(session.Id)
	require.NoError(t, err)
	engine.StartMeterValues(session.Id)
	require.True(t, session.HeartbeatActive)
	require.True(t, session.MeterValuesActive)

	require.NoError(t, engine.Disconnect(session.Id))
	assert.False(t, session.Connected)
	assert.False(t, ft.IsOpen())
	assert.Equal(t, models.StateDisconnected, session.State)
	assert.False(t, session.HeartbeatActive)
	assert.False(t, session.MeterValuesActive)
	assert.False(t, engine.scheduler.Active(session.Id, TaskHeartbeat))
	assert.False(t, engine.scheduler.Active(session.Id, TaskMeterValues))
}

func TestSendCall_CorrelationIdsUnique(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		_, err := engine.SendCall(session.Id, core.HeartbeatRequest{})
		require.NoError(t, err)
		var fields []interface{}
		require.NoError(t, json.Unmarshal(<-ft.frames, &fields))
		require.Len(t, fields, 4)
		assert.Equal(t, float64(2), fields[0])
		id := fields[1].(string)
		assert.False(t, seen[id], "duplicate correlation id")
		seen[id] = true
	}
}

func TestSendCall_TransportClosed(t *testing.T) {
	engine, session, _ := newTestEngine()
	_, err := engine.SendCall(session.Id, core.HeartbeatRequest{})
	assert.Error(t, err)
}

func TestCallTimeout_LateResultIgnored(t *testing.T) {
	engine, session, ft := newTestEngine()
	engine.callTimeout = 50 * time.Millisecond
	require.NoError(t, engine.Connect(session.Id))

	pending, err := engine.SendCall(session.Id, core.HeartbeatRequest{})
	require.NoError(t, err)
	<-ft.frames

	_, err = pending.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")

	// the late response completes nothing and must not block or panic
	engine.HandleCallResult(session.Id, pending.UniqueId, []byte(`{"currentTime":"2026-08-30T10:00:00Z"}`))

	engine.pendingMux.Lock()
	assert.Empty(t, engine.pending)
	engine.pendingMux.Unlock()
}

func TestHandleCallResult_UnknownId(t *testing.T) {
	engine, session, _ := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))
	engine.HandleCallResult(session.Id, "never-sent", []byte(`{}`))
	engine.HandleCallError(session.Id, "never-sent", "InternalError", "boom")
}

func TestBootNotification(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		stop := startResponder(ft, map[string]string{
			core.BootNotificationFeatureName: `{"currentTime":"2026-08-30T10:00:00Z","interval":120,"status":"Accepted"}`,
		})
		defer stop()

		response, err := engine.SendBootNotification(session.Id)
		require.NoError(t, err)
		assert.Equal(t, core.RegistrationStatusAccepted, response.Status)
		assert.Equal(t, models.StateBootAccepted, session.State)
		assert.Equal(t, 120, session.HeartbeatInterval)
		assert.True(t, session.HeartbeatActive)
		assert.True(t, engine.scheduler.Active(session.Id, TaskHeartbeat))
	})

	t.Run("rejected", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		stop := startResponder(ft, map[string]string{
			core.BootNotificationFeatureName: `{"currentTime":"2026-08-30T10:00:00Z","interval":0,"status":"Rejected"}`,
		})
		defer stop()

		response, err := engine.SendBootNotification(session.Id)
		require.NoError(t, err)
		assert.Equal(t, core.RegistrationStatusRejected, response.Status)
		assert.Equal(t, models.StateFaulted, session.State)
		assert.False(t, engine.scheduler.Active(session.Id, TaskHeartbeat))
	})
}

func TestAuthorize(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StatePlugged
		stop := startResponder(ft, map[string]string{
			core.AuthorizeFeatureName: `{"idTagInfo":{"status":"Accepted"}}`,
		})
		defer stop()

		response, err := engine.SendAuthorize(session.Id)
		require.NoError(t, err)
		assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
		assert.True(t, session.Authorized)
		assert.Equal(t, models.StateAuthorized, session.State)
	})

	t.Run("blocked returns to plugged", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StatePlugged
		stop := startResponder(ft, map[string]string{
			core.AuthorizeFeatureName: `{"idTagInfo":{"status":"Blocked"}}`,
		})
		defer stop()

		_, err := engine.SendAuthorize(session.Id)
		require.NoError(t, err)
		assert.False(t, session.Authorized)
		assert.Equal(t, models.StatePlugged, session.State)
	})
}

func TestStartTransaction(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAuthorized
		session.Authorized = true
		stop := startResponder(ft, map[string]string{
			core.StartTransactionFeatureName: `{"idTagInfo":{"status":"Accepted"},"transactionId":42}`,
		})
		defer stop()

		response, err := engine.SendStartTransaction(session.Id)
		require.NoError(t, err)
		assert.Equal(t, 42, response.TransactionId)
		require.NotNil(t, session.TransactionId)
		assert.Equal(t, 42, *session.TransactionId)
		assert.True(t, session.Charging)
		assert.Equal(t, models.StateCharging, session.State)
		assert.True(t, engine.scheduler.Active(session.Id, TaskMeterValues))
	})

	t.Run("rejected falls back to authorized", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAuthorized
		session.Authorized = true
		stop := startResponder(ft, map[string]string{
			core.StartTransactionFeatureName: `{"idTagInfo":{"status":"Invalid"},"transactionId":0}`,
		})
		defer stop()

		_, err := engine.SendStartTransaction(session.Id)
		require.NoError(t, err)
		assert.Nil(t, session.TransactionId)
		assert.False(t, session.Charging)
		assert.Equal(t, models.StateAuthorized, session.State)
		assert.False(t, engine.scheduler.Active(session.Id, TaskMeterValues))
	})
}

func TestStopTransaction(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))
	session.State = models.StateAuthorized
	session.Authorized = true
	stop := startResponder(ft, map[string]string{
		core.StartTransactionFeatureName: `{"idTagInfo":{"status":"Accepted"},"transactionId":7}`,
		core.StopTransactionFeatureName:  `{"idTagInfo":{"status":"Accepted"}}`,
	})
	defer stop()

	_, err := engine.SendStartTransaction(session.Id)
	require.NoError(t, err)

	_, err = engine.SendStopTransaction(session.Id, core.ReasonLocal)
	require.NoError(t, err)
	assert.False(t, session.Charging)
	assert.Equal(t, models.StateFinishing, session.State)
	// the transaction id stays visible until the next start
	require.NotNil(t, session.TransactionId)
	assert.Equal(t, 7, *session.TransactionId)
	assert.NotNil(t, session.StopTime)
	assert.False(t, engine.scheduler.Active(session.Id, TaskMeterValues))
}

func TestStopTransaction_NoTransaction(t *testing.T) {
	engine, session, _ := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))
	_, err := engine.SendStopTransaction(session.Id, core.ReasonLocal)
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))
	stop := startResponder(ft, map[string]string{
		core.HeartbeatFeatureName: `{"currentTime":"2026-08-30T10:00:00Z"}`,
	})
	defer stop()

	require.NoError(t, engine.SendHeartbeat(session.Id))
	assert.NotNil(t, session.LastHeartbeat)
}

func TestTransportClose_Involuntary(t *testing.T) {
	engine, session, ft := newTestEngine()
	require.NoError(t, engine.Connect(session.Id))

	pending, err := engine.SendCall(session.Id, core.HeartbeatRequest{})
	require.NoError(t, err)
	<-ft.frames

	ft.onClose(fmt.Errorf("connection reset"))

	assert.False(t, session.Connected)
	assert.Equal(t, models.StateDisconnected, session.State)

	_, err = pending.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestReservation(t *testing.T) {
	t.Run("expiry releases the connector", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		engine.callTimeout = 50 * time.Millisecond
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAvailable
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, engine.Reserve(session.Id, 1, "TAG-1", time.Now().Add(60*time.Millisecond)))
		assert.Equal(t, models.StateReserved, session.State)
		require.NotNil(t, session.ReservationId)

		time.Sleep(150 * time.Millisecond)
		session.Lock()
		assert.Nil(t, session.ReservationId)
		assert.Equal(t, models.StateAvailable, session.State)
		session.Unlock()
	})

	t.Run("expiry in the past releases immediately", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		engine.callTimeout = 50 * time.Millisecond
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAvailable
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, engine.Reserve(session.Id, 2, "TAG-1", time.Now().Add(-time.Second)))
		session.Lock()
		assert.Nil(t, session.ReservationId)
		assert.Equal(t, models.StateAvailable, session.State)
		session.Unlock()
	})

	t.Run("stale expiry does not release a newer reservation", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		engine.callTimeout = 50 * time.Millisecond
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAvailable
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, engine.Reserve(session.Id, 3, "TAG-1", time.Now().Add(time.Hour)))
		engine.expireReservation(session.Id, 99)
		session.Lock()
		require.NotNil(t, session.ReservationId)
		assert.Equal(t, 3, *session.ReservationId)
		session.Unlock()
	})

	t.Run("expiry is a no-op once the session left the reserved state", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		engine.callTimeout = 50 * time.Millisecond
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAvailable
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, engine.Reserve(session.Id, 6, "TAG-1", time.Now().Add(time.Hour)))
		session.Lock()
		session.State = models.StatePlugged
		session.Unlock()

		engine.expireReservation(session.Id, 6)
		session.Lock()
		assert.Equal(t, models.StatePlugged, session.State)
		require.NotNil(t, session.ReservationId)
		assert.Equal(t, 6, *session.ReservationId)
		session.Unlock()
	})

	t.Run("disconnect clears the reservation", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		engine.callTimeout = 50 * time.Millisecond
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAvailable
		stop := startResponder(ft, nil)
		defer stop()

		require.NoError(t, engine.Reserve(session.Id, 7, "TAG-1", time.Now().Add(time.Hour)))
		require.NoError(t, engine.Disconnect(session.Id))

		session.Lock()
		assert.Nil(t, session.ReservationId)
		assert.Empty(t, session.ReservationIdTag)
		assert.Nil(t, session.ReservationExpiry)
		session.Unlock()
		assert.False(t, engine.scheduler.Active(session.Id, TaskReservation))
	})

	t.Run("accepted authorization consumes a matching reservation", func(t *testing.T) {
		engine, session, ft := newTestEngine()
		require.NoError(t, engine.Connect(session.Id))
		session.State = models.StateAvailable
		session.IdTag = "TAG-1"
		stop := startResponder(ft, map[string]string{
			core.AuthorizeFeatureName: `{"idTagInfo":{"status":"Accepted"}}`,
		})
		defer stop()

		require.NoError(t, engine.Reserve(session.Id, 4, "TAG-1", time.Now().Add(time.Hour)))
		require.True(t, engine.scheduler.Active(session.Id, TaskReservation))

		_, err := engine.SendAuthorize(session.Id)
		require.NoError(t, err)
		session.Lock()
		assert.Nil(t, session.ReservationId)
		session.Unlock()
		assert.False(t, engine.scheduler.Active(session.Id, TaskReservation))
	})

	t.Run("cannot reserve while charging", func(t *testing.T) {
		engine, session, _ := newTestEngine()
		session.Charging = true
		assert.Error(t, engine.Reserve(session.Id, 5, "TAG-1", time.Now().Add(time.Hour)))
	})
}
