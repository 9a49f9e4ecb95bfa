package models

import (
	"sync"
	"time"
)

type SessionState string

const (
	StateDisconnected  SessionState = "DISCONNECTED"
	StateConnected     SessionState = "CONNECTED"
	StateBootAccepted  SessionState = "BOOT_ACCEPTED"
	StateAvailable     SessionState = "AVAILABLE"
	StateParked        SessionState = "PARKED"
	StatePlugged       SessionState = "PLUGGED"
	StateReserved      SessionState = "RESERVED"
	StateAuthorizing   SessionState = "AUTHORIZING"
	StateAuthorized    SessionState = "AUTHORIZED"
	StateStarting      SessionState = "STARTING"
	StateCharging      SessionState = "CHARGING"
	StateSuspendedEV   SessionState = "SUSPENDED_EV"
	StateSuspendedEVSE SessionState = "SUSPENDED_EVSE"
	StateStopping      SessionState = "STOPPING"
	StateFinishing     SessionState = "FINISHING"
	StateFaulted       SessionState = "FAULTED"
)

const (
	// historyLimit caps every per-session ring buffer; oldest entries are
	// evicted first.
	historyLimit = 500

	maxReconnectAttempts = 10

	DefaultSoc                 = 20.0
	DefaultTargetSoc           = 80.0
	DefaultIdTag               = "EVSE001"
	DefaultMaxPowerKw          = 22.0
	DefaultVoltage             = 230.0
	DefaultBatteryCapacityKwh  = 60.0
	DefaultHeartbeatInterval   = 300
	DefaultMeterValuesInterval = 60
)

type LogEntry struct {
	Time  time.Time `json:"time" bson:"time"`
	Level string    `json:"level" bson:"level"`
	Text  string    `json:"text" bson:"text"`
}

type ChartPoint struct {
	Time  time.Time `json:"time" bson:"time"`
	Value float64   `json:"value" bson:"value"`
}

type MessageRecord struct {
	Time      time.Time `json:"time" bson:"time"`
	Direction string    `json:"direction" bson:"direction"`
	Action    string    `json:"action" bson:"action"`
	Payload   string    `json:"payload" bson:"payload"`
}

// NextPeriodInfo previews the upcoming charging schedule period of the
// active profile.
type NextPeriodInfo struct {
	StartPeriod       int     `json:"start_period" bson:"start_period"`
	Limit             float64 `json:"limit" bson:"limit"`
	SecondsUntilStart int     `json:"seconds_until_start" bson:"seconds_until_start"`
}

// Session is the full runtime state of one simulated charge point.
// Compound mutations are guarded by the embedded mutex; callers lock the
// session for the duration of a read-modify-write sequence.
type Session struct {
	mux sync.Mutex `json:"-" bson:"-"`

	Id            string `json:"session_id" bson:"session_id"`
	Title         string `json:"title" bson:"title"`
	CsmsUrl       string `json:"csms_url" bson:"csms_url"`
	ChargePointId string `json:"charge_point_id" bson:"charge_point_id"`
	BearerToken   string `json:"bearer_token,omitempty" bson:"bearer_token"`

	State           SessionState `json:"state" bson:"state"`
	LastStateChange time.Time    `json:"last_state_change" bson:"last_state_change"`

	ChargerType string `json:"charger_type" bson:"charger_type"`
	ConnectorId int    `json:"connector_id" bson:"connector_id"`
	PhaseCount  int    `json:"phase_count" bson:"phase_count"`

	TransactionId     *int       `json:"transaction_id,omitempty" bson:"transaction_id"`
	IdTag             string     `json:"id_tag" bson:"id_tag"`
	ReservationId     *int       `json:"reservation_id,omitempty" bson:"reservation_id"`
	ReservationIdTag  string     `json:"reservation_id_tag,omitempty" bson:"reservation_id_tag"`
	ReservationExpiry *time.Time `json:"reservation_expiry,omitempty" bson:"reservation_expiry"`

	Soc                float64 `json:"soc" bson:"soc"`
	TargetSoc          float64 `json:"target_soc" bson:"target_soc"`
	CurrentPowerKw     float64 `json:"current_power_kw" bson:"current_power_kw"`
	MaxPowerKw         float64 `json:"max_power_kw" bson:"max_power_kw"`
	BatteryCapacityKwh float64 `json:"battery_capacity_kwh" bson:"battery_capacity_kwh"`
	EnergyKwh          float64 `json:"energy_kwh" bson:"energy_kwh"`
	Voltage            float64 `json:"voltage" bson:"voltage"`
	CurrentA           float64 `json:"current_a" bson:"current_a"`
	MeterValue         int     `json:"meter_value" bson:"meter_value"`

	ScpLimitKw              float64         `json:"scp_limit_kw" bson:"scp_limit_kw"`
	ScpLimitA               float64         `json:"scp_limit_a" bson:"scp_limit_a"`
	ActiveProfileId         int             `json:"active_profile_id" bson:"active_profile_id"`
	ActiveProfilePurpose    string          `json:"active_profile_purpose" bson:"active_profile_purpose"`
	ActiveProfileStackLevel int             `json:"active_profile_stack_level" bson:"active_profile_stack_level"`
	NextPeriod              *NextPeriodInfo `json:"next_period,omitempty" bson:"next_period"`

	Connected         bool `json:"connected" bson:"connected"`
	Authorized        bool `json:"authorized" bson:"authorized"`
	Charging          bool `json:"charging" bson:"charging"`
	HeartbeatActive   bool `json:"heartbeat_active" bson:"heartbeat_active"`
	MeterValuesActive bool `json:"meter_values_active" bson:"meter_values_active"`
	VoluntaryStop     bool `json:"voluntary_stop" bson:"voluntary_stop"`
	Backgrounded      bool `json:"backgrounded" bson:"backgrounded"`
	ReconnectAttempts int  `json:"reconnect_attempts" bson:"reconnect_attempts"`

	HeartbeatInterval   int    `json:"heartbeat_interval" bson:"heartbeat_interval"`
	MeterValuesInterval int    `json:"meter_values_interval" bson:"meter_values_interval"`
	Vendor              string `json:"vendor" bson:"vendor"`
	Model               string `json:"model" bson:"model"`
	SerialNumber        string `json:"serial_number" bson:"serial_number"`
	FirmwareVersion     string `json:"firmware_version" bson:"firmware_version"`
	OcppVersion         string `json:"ocpp_version" bson:"ocpp_version"`

	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at"`
	StartTime     *time.Time `json:"start_time,omitempty" bson:"start_time"`
	StopTime      *time.Time `json:"stop_time,omitempty" bson:"stop_time"`
	LastConnected *time.Time `json:"last_connected,omitempty" bson:"last_connected"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" bson:"last_heartbeat"`
	LastKeepalive *time.Time `json:"last_keepalive,omitempty" bson:"last_keepalive"`

	Logs       []LogEntry      `json:"logs" bson:"logs"`
	SocChart   []ChartPoint    `json:"soc_chart" bson:"soc_chart"`
	PowerChart []ChartPoint    `json:"power_chart" bson:"power_chart"`
	Messages   []MessageRecord `json:"messages" bson:"messages"`
}

func NewSession(id, title, csmsUrl, chargePointId string) *Session {
	now := time.Now()
	return &Session{
		Id:                  id,
		Title:               title,
		CsmsUrl:             csmsUrl,
		ChargePointId:       chargePointId,
		State:               StateDisconnected,
		LastStateChange:     now,
		ChargerType:         "AC",
		ConnectorId:         1,
		PhaseCount:          3,
		IdTag:               DefaultIdTag,
		Soc:                 DefaultSoc,
		TargetSoc:           DefaultTargetSoc,
		MaxPowerKw:          DefaultMaxPowerKw,
		BatteryCapacityKwh:  DefaultBatteryCapacityKwh,
		Voltage:             DefaultVoltage,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		MeterValuesInterval: DefaultMeterValuesInterval,
		Vendor:              "evsim",
		Model:               "Simulated CP",
		SerialNumber:        "SIM-" + chargePointId,
		FirmwareVersion:     "1.0.0",
		OcppVersion:         "1.6",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone takes a copy under the lock, safe to encode or persist while the
// live session keeps mutating. Ring buffers and pointer fields are copied,
// never shared.
func (s *Session) Clone() *Session {
	s.mux.Lock()
	defer s.mux.Unlock()
	clone := &Session{
		Id:            s.Id,
		Title:         s.Title,
		CsmsUrl:       s.CsmsUrl,
		ChargePointId: s.ChargePointId,
		BearerToken:   s.BearerToken,

		State:           s.State,
		LastStateChange: s.LastStateChange,

		ChargerType: s.ChargerType,
		ConnectorId: s.ConnectorId,
		PhaseCount:  s.PhaseCount,

		TransactionId:     cloneInt(s.TransactionId),
		IdTag:             s.IdTag,
		ReservationId:     cloneInt(s.ReservationId),
		ReservationIdTag:  s.ReservationIdTag,
		ReservationExpiry: cloneTime(s.ReservationExpiry),

		Soc:                s.Soc,
		TargetSoc:          s.TargetSoc,
		CurrentPowerKw:     s.CurrentPowerKw,
		MaxPowerKw:         s.MaxPowerKw,
		BatteryCapacityKwh: s.BatteryCapacityKwh,
		EnergyKwh:          s.EnergyKwh,
		Voltage:            s.Voltage,
		CurrentA:           s.CurrentA,
		MeterValue:         s.MeterValue,

		ScpLimitKw:              s.ScpLimitKw,
		ScpLimitA:               s.ScpLimitA,
		ActiveProfileId:         s.ActiveProfileId,
		ActiveProfilePurpose:    s.ActiveProfilePurpose,
		ActiveProfileStackLevel: s.ActiveProfileStackLevel,

		Connected:         s.Connected,
		Authorized:        s.Authorized,
		Charging:          s.Charging,
		HeartbeatActive:   s.HeartbeatActive,
		MeterValuesActive: s.MeterValuesActive,
		VoluntaryStop:     s.VoluntaryStop,
		Backgrounded:      s.Backgrounded,
		ReconnectAttempts: s.ReconnectAttempts,

		HeartbeatInterval:   s.HeartbeatInterval,
		MeterValuesInterval: s.MeterValuesInterval,
		Vendor:              s.Vendor,
		Model:               s.Model,
		SerialNumber:        s.SerialNumber,
		FirmwareVersion:     s.FirmwareVersion,
		OcppVersion:         s.OcppVersion,

		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		StartTime:     cloneTime(s.StartTime),
		StopTime:      cloneTime(s.StopTime),
		LastConnected: cloneTime(s.LastConnected),
		LastHeartbeat: cloneTime(s.LastHeartbeat),
		LastKeepalive: cloneTime(s.LastKeepalive),

		Logs:       append([]LogEntry(nil), s.Logs...),
		SocChart:   append([]ChartPoint(nil), s.SocChart...),
		PowerChart: append([]ChartPoint(nil), s.PowerChart...),
		Messages:   append([]MessageRecord(nil), s.Messages...),
	}
	if s.NextPeriod != nil {
		next := *s.NextPeriod
		clone.NextPeriod = &next
	}
	return clone
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (s *Session) Lock() {
	s.mux.Lock()
}

func (s *Session) Unlock() {
	s.mux.Unlock()
}

// CanStartCharging reports whether a new charging flow may begin.
func (s *Session) CanStartCharging() bool {
	if !s.Connected || !s.Authorized || s.Charging {
		return false
	}
	switch s.State {
	case StateAvailable, StatePlugged, StateAuthorized:
		return true
	}
	return false
}

// CanStopCharging reports whether an active transaction may be stopped.
func (s *Session) CanStopCharging() bool {
	return s.Connected && s.Charging && s.TransactionId != nil
}

func (s *Session) CanReconnect() bool {
	return s.ReconnectAttempts < maxReconnectAttempts
}

func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// ClampSoc keeps the state of charge within [0,100].
func ClampSoc(soc float64) float64 {
	if soc < 0 {
		return 0
	}
	if soc > 100 {
		return 100
	}
	return soc
}

func (s *Session) AppendLog(level, text string) {
	s.Logs = appendBounded(s.Logs, LogEntry{Time: time.Now(), Level: level, Text: text})
}

func (s *Session) AppendSocPoint(value float64) {
	s.SocChart = appendBounded(s.SocChart, ChartPoint{Time: time.Now(), Value: value})
}

func (s *Session) AppendPowerPoint(value float64) {
	s.PowerChart = appendBounded(s.PowerChart, ChartPoint{Time: time.Now(), Value: value})
}

func (s *Session) AppendMessage(direction, action, payload string) {
	s.Messages = appendBounded(s.Messages, MessageRecord{
		Time:      time.Now(),
		Direction: direction,
		Action:    action,
		Payload:   payload,
	})
}

func appendBounded[T any](buf []T, entry T) []T {
	buf = append(buf, entry)
	if len(buf) > historyLimit {
		buf = buf[len(buf)-historyLimit:]
	}
	return buf
}
