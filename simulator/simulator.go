package simulator

import (
	"evsim/broadcast"
	"evsim/internal"
	"evsim/internal/config"
	"evsim/metrics"
	"evsim/metrics/counters"
	"evsim/models"
	"evsim/ocpp/core"
	"evsim/power"
	"evsim/telegram"
	"evsim/utility"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const profileSweepInterval = 30 * time.Second

// Simulator owns the session registry and wires the engine to storage,
// broadcasting and the control api.
type Simulator struct {
	conf      *config.Config
	logger    internal.LogHandler
	database  internal.Database
	engine    *Engine
	profiles  *power.ProfileManager
	scheduler *Scheduler
	state     *StateMachine
	events    *eventFanout
	api       *Api
	validate  *validator.Validate
	location  *time.Location

	mux      sync.Mutex
	sessions map[string]*models.Session
}

// CreateSessionRequest carries the user-supplied part of a new session.
// Zero values fall back to session defaults.
type CreateSessionRequest struct {
	Title               string  `json:"title" validate:"required,max=100"`
	CsmsUrl             string  `json:"csms_url" validate:"omitempty,url"`
	ChargePointId       string  `json:"charge_point_id" validate:"required,max=36"`
	BearerToken         string  `json:"bearer_token" validate:"omitempty,max=500"`
	IdTag               string  `json:"id_tag" validate:"omitempty,max=20"`
	ConnectorId         int     `json:"connector_id" validate:"omitempty,gte=1,lte=10"`
	ChargerType         string  `json:"charger_type" validate:"omitempty,oneof=AC DC"`
	PhaseCount          int     `json:"phase_count" validate:"omitempty,oneof=1 3"`
	Soc                 float64 `json:"soc" validate:"gte=0,lte=100"`
	TargetSoc           float64 `json:"target_soc" validate:"gte=0,lte=100"`
	MaxPowerKw          float64 `json:"max_power_kw" validate:"gte=0"`
	BatteryCapacityKwh  float64 `json:"battery_capacity_kwh" validate:"gte=0"`
	Voltage             float64 `json:"voltage" validate:"gte=0"`
	HeartbeatInterval   int     `json:"heartbeat_interval" validate:"gte=0"`
	MeterValuesInterval int     `json:"meter_values_interval" validate:"gte=0"`
}

func NewSimulator() (*Simulator, error) {
	conf, err := config.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("configuration failed: %s", err)
	}

	log.Println("set time zone to " + conf.TimeZone)
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone initialization failed: %s", err)
	}

	var database internal.Database
	if conf.Mongo.Enabled {
		database, err = internal.NewMongoClient(conf)
		if err != nil {
			return nil, fmt.Errorf("mongodb setup failed: %s", err)
		}
		log.Println("mongodb is configured and enabled")
	} else {
		log.Println("database is disabled")
	}

	logService := internal.NewLogger(location)
	logService.SetDebugMode(conf.IsDebug)
	logService.SetDatabase(database)

	sim := &Simulator{
		conf:     conf,
		logger:   logService,
		database: database,
		validate: validator.New(),
		location: location,
		sessions: make(map[string]*models.Session),
		events:   newEventFanout(),
	}

	sim.state = NewStateMachine(logService)
	sim.scheduler = NewScheduler(logService)
	sim.profiles = power.NewProfileManager(logService)
	sim.engine = NewEngine(conf, sim, sim.state, sim.profiles, sim.scheduler, logService)
	sim.engine.SetDatabase(database)
	sim.engine.SetEventHandler(sim.events)

	if conf.Nats.Enabled {
		broadcaster, err := broadcast.NewNatsBroadcaster(conf, logService)
		if err != nil {
			return nil, fmt.Errorf("nats setup failed: %s", err)
		}
		sim.events.AddListener(broadcaster)
		log.Println("nats broadcasting is configured and enabled")
	}

	if conf.Telegram.Enabled {
		telegramBot, err := telegram.NewBot(conf.Telegram.ApiKey, conf.Telegram.ChatId)
		if err != nil {
			return nil, fmt.Errorf("telegram bot setup failed: %s", err)
		}
		telegramBot.SetStatusProvider(sim.StatusSummary)
		telegramBot.Start()
		sim.events.AddListener(telegramBot)
		log.Println("telegram bot is configured and enabled")
	}

	sim.api = NewServerApi(conf, logService, sim)

	if database != nil {
		sim.restoreSessions()
	}
	return sim, nil
}

// restoreSessions loads persisted sessions into the registry; they all come
// back offline regardless of their stored state.
func (sim *Simulator) restoreSessions() {
	stored, err := sim.database.GetSessions()
	if err != nil {
		sim.logger.Error("restoring sessions", err)
		return
	}
	sim.mux.Lock()
	for _, session := range stored {
		session.State = models.StateDisconnected
		session.Connected = false
		session.Charging = false
		session.Authorized = false
		session.HeartbeatActive = false
		session.MeterValuesActive = false
		session.CurrentPowerKw = 0
		session.CurrentA = 0
		sim.sessions[session.Id] = session
		sim.restoreProfiles(session)
	}
	count := len(sim.sessions)
	sim.mux.Unlock()
	counters.ObserveSessions(count)
	log.Printf("restored %d sessions", count)
}

func (sim *Simulator) restoreProfiles(session *models.Session) {
	stored, err := sim.database.GetChargingProfiles(session.Id)
	if err != nil {
		sim.logger.Error("restoring charging profiles", err)
		return
	}
	for i := range stored {
		profile := stored[i].Profile
		if err = sim.profiles.SetChargingProfile(session.Id, stored[i].ConnectorId, &profile); err != nil {
			sim.logger.Warn("skipping stored charging profile: " + err.Error())
		}
	}
}

func (sim *Simulator) Start() {
	go func() {
		if err := sim.api.Start(); err != nil {
			sim.logger.Error("api server failed", err)
		}
	}()

	go func() {
		if err := metrics.Listen(sim.conf); err != nil {
			sim.logger.Error("metrics server failed", err)
		}
	}()

	go sim.profileSweep()

	select {}
}

// profileSweep drops expired charging profiles and refreshes the limit
// snapshots whenever a sweep removed something.
func (sim *Simulator) profileSweep() {
	ticker := time.NewTicker(profileSweepInterval)
	defer ticker.Stop()
	for range ticker.C {
		removed := sim.profiles.CleanupExpiredProfiles()
		if removed == 0 {
			continue
		}
		sim.logger.Debug(fmt.Sprintf("profile sweep removed %d expired profiles", removed))
		for _, session := range sim.Sessions() {
			sim.engine.RefreshLimitSnapshot(session.Id)
		}
	}
}

// Get implements the session store of the engine.
func (sim *Simulator) Get(id string) (*models.Session, bool) {
	sim.mux.Lock()
	defer sim.mux.Unlock()
	session, ok := sim.sessions[id]
	return session, ok
}

// Sessions returns the registered sessions ordered by creation time.
func (sim *Simulator) Sessions() []*models.Session {
	sim.mux.Lock()
	result := make([]*models.Session, 0, len(sim.sessions))
	for _, session := range sim.sessions {
		result = append(result, session)
	}
	sim.mux.Unlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// CreateSession registers a new simulated charge point.
func (sim *Simulator) CreateSession(request *CreateSessionRequest) (*models.Session, error) {
	if err := sim.validate.Struct(request); err != nil {
		return nil, err
	}
	csmsUrl := request.CsmsUrl
	if csmsUrl == "" {
		csmsUrl = sim.conf.Csms.Url
	}

	session := models.NewSession(utility.NewUUID(), request.Title, csmsUrl, request.ChargePointId)
	session.BearerToken = request.BearerToken
	if request.IdTag != "" {
		session.IdTag = request.IdTag
	}
	if request.ConnectorId > 0 {
		session.ConnectorId = request.ConnectorId
	}
	if request.ChargerType != "" {
		session.ChargerType = request.ChargerType
	}
	if request.PhaseCount > 0 {
		session.PhaseCount = request.PhaseCount
	}
	if request.Soc > 0 {
		session.Soc = request.Soc
	}
	if request.TargetSoc > 0 {
		session.TargetSoc = request.TargetSoc
	}
	if request.MaxPowerKw > 0 {
		session.MaxPowerKw = request.MaxPowerKw
	}
	if request.BatteryCapacityKwh > 0 {
		session.BatteryCapacityKwh = request.BatteryCapacityKwh
	}
	if request.Voltage > 0 {
		session.Voltage = request.Voltage
	}
	if request.HeartbeatInterval > 0 {
		session.HeartbeatInterval = request.HeartbeatInterval
	}
	if request.MeterValuesInterval > 0 {
		session.MeterValuesInterval = request.MeterValuesInterval
	}
	if session.TargetSoc <= session.Soc {
		return nil, utility.Err("target state of charge must exceed the current state of charge")
	}

	sim.mux.Lock()
	sim.sessions[session.Id] = session
	count := len(sim.sessions)
	sim.mux.Unlock()
	counters.ObserveSessions(count)

	if sim.database != nil {
		if err := sim.database.AddSession(session.Clone()); err != nil {
			sim.logger.Error("persisting new session "+session.Id, err)
		}
	}
	sim.logger.FeatureEvent("Simulator", session.Id, "session created for "+session.ChargePointId)
	return session, nil
}

// DeleteSession disconnects, removes and forgets a session and everything
// derived from it.
func (sim *Simulator) DeleteSession(id string) error {
	sim.mux.Lock()
	_, ok := sim.sessions[id]
	sim.mux.Unlock()
	if !ok {
		return utility.Errf("unknown session: %s", id)
	}

	_ = sim.engine.Disconnect(id)
	sim.scheduler.CancelSession(id)
	sim.profiles.ClearAllProfiles(id)
	sim.state.Cleanup(id)

	sim.mux.Lock()
	delete(sim.sessions, id)
	count := len(sim.sessions)
	sim.mux.Unlock()
	counters.ObserveSessions(count)

	if sim.database != nil {
		if err := sim.database.DeleteSession(id); err != nil {
			sim.logger.Error("deleting session "+id, err)
		}
		if err := sim.database.DeleteChargingProfiles(id); err != nil {
			sim.logger.Error("deleting profiles of session "+id, err)
		}
	}
	sim.logger.FeatureEvent("Simulator", id, "session deleted")
	return nil
}

// StartCharging runs the start transaction flow after checking the session
// is in a startable state.
func (sim *Simulator) StartCharging(id string) error {
	session, ok := sim.Get(id)
	if !ok {
		return utility.Errf("unknown session: %s", id)
	}
	session.Lock()
	allowed := session.CanStartCharging()
	state := session.State
	session.Unlock()
	if !allowed {
		return utility.Errf("cannot start charging in state %s", state)
	}
	_, err := sim.engine.SendStartTransaction(id)
	return err
}

// StopCharging ends the running transaction on user request.
func (sim *Simulator) StopCharging(id string) error {
	session, ok := sim.Get(id)
	if !ok {
		return utility.Errf("unknown session: %s", id)
	}
	session.Lock()
	allowed := session.CanStopCharging()
	state := session.State
	session.Unlock()
	if !allowed {
		return utility.Errf("cannot stop charging in state %s", state)
	}
	sim.scheduler.Cancel(id, TaskAutoStop)
	_, err := sim.engine.SendStopTransaction(id, "Local")
	return err
}

// MarkAvailable moves a booted session to AVAILABLE and reports the
// connector status.
func (sim *Simulator) MarkAvailable(id string) error {
	return sim.transitionWithStatus(id, models.StateAvailable, core.ChargePointStatusAvailable)
}

// Park simulates a vehicle occupying the spot without a cable attached.
func (sim *Simulator) Park(id string) error {
	return sim.transitionWithStatus(id, models.StateParked, core.ChargePointStatusPreparing)
}

// Plug simulates attaching the cable; the session becomes startable once
// authorized.
func (sim *Simulator) Plug(id string) error {
	return sim.transitionWithStatus(id, models.StatePlugged, core.ChargePointStatusPreparing)
}

// Unplug detaches the cable and returns the connector to AVAILABLE.
func (sim *Simulator) Unplug(id string) error {
	return sim.transitionWithStatus(id, models.StateAvailable, core.ChargePointStatusAvailable)
}

func (sim *Simulator) transitionWithStatus(id string, target models.SessionState, status core.ChargePointStatus) error {
	session, ok := sim.Get(id)
	if !ok {
		return utility.Errf("unknown session: %s", id)
	}
	session.Lock()
	if !session.Connected {
		state := session.State
		session.Unlock()
		return utility.Errf("session is not connected (state %s)", state)
	}
	if session.State == target {
		session.Unlock()
		return nil
	}
	applied := sim.state.Transition(session, target)
	state := session.State
	session.Unlock()
	if !applied {
		return utility.Errf("cannot move to %s from state %s", target, state)
	}
	go func() {
		if err := sim.engine.SendStatusNotification(id, status); err != nil {
			sim.logger.Error("status notification for session "+id, err)
		}
	}()
	sim.engine.broadcastUpdate(session, "state changed to "+string(target))
	return nil
}

func (sim *Simulator) Engine() *Engine {
	return sim.engine
}

// StatusSummary renders a short plain text overview of every session.
func (sim *Simulator) StatusSummary() string {
	sessions := sim.Sessions()
	if len(sessions) == 0 {
		return "no sessions"
	}
	var sb strings.Builder
	for _, session := range sessions {
		session.Lock()
		sb.WriteString(fmt.Sprintf("%s: %s, soc %.0f%%, %.1f kW\n",
			session.ChargePointId, session.State, session.Soc, session.CurrentPowerKw))
		session.Unlock()
	}
	return sb.String()
}
