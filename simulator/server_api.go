package simulator

import (
	"crypto/tls"
	"encoding/json"
	"evsim/internal"
	"evsim/internal/config"
	"evsim/models"
	"evsim/power"
	"evsim/types"
	"evsim/utility"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

// Api is the http control surface of the simulator. All session
// manipulation goes through here; the ws side only ever talks OCPP.
type Api struct {
	conf       *config.Config
	httpServer *http.Server
	logger     internal.LogHandler
	sim        *Simulator
}

func NewServerApi(conf *config.Config, logger internal.LogHandler, sim *Simulator) *Api {
	server := &Api{
		conf:   conf,
		logger: logger,
		sim:    sim,
	}

	router := httprouter.New()
	router.POST("/api/sessions", server.createSession)
	router.GET("/api/sessions", server.listSessions)
	router.GET("/api/sessions/:id", server.getSession)
	router.DELETE("/api/sessions/:id", server.deleteSession)
	router.POST("/api/sessions/:id/connect", server.connect)
	router.POST("/api/sessions/:id/disconnect", server.disconnect)
	router.POST("/api/sessions/:id/boot", server.boot)
	router.POST("/api/sessions/:id/available", server.markAvailable)
	router.POST("/api/sessions/:id/park", server.park)
	router.POST("/api/sessions/:id/plug", server.plug)
	router.POST("/api/sessions/:id/unplug", server.unplug)
	router.POST("/api/sessions/:id/authorize", server.authorize)
	router.POST("/api/sessions/:id/start", server.startCharging)
	router.POST("/api/sessions/:id/stop", server.stopCharging)
	router.POST("/api/sessions/:id/heartbeat", server.heartbeat)
	router.POST("/api/sessions/:id/reserve", server.reserve)
	router.POST("/api/sessions/:id/cancel-reservation", server.cancelReservation)
	router.GET("/api/sessions/:id/profiles", server.profiles)
	router.GET("/api/sessions/:id/composite-schedule", server.compositeSchedule)
	router.GET("/api/log", server.readLog)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%s", conf.Api.BindIP, conf.Api.Port),
		Handler: router,
	}
	return server
}

func (s *Api) Start() error {
	s.logger.Debug("starting api server on " + s.httpServer.Addr)
	if s.conf.Api.TLS {
		cert, err := tls.LoadX509KeyPair(s.conf.Api.CertFile, s.conf.Api.KeyFile)
		if err != nil {
			return fmt.Errorf("api: failed to load certificate: %v", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
		return s.httpServer.ListenAndServeTLS("", "")
	}
	return s.httpServer.ListenAndServe()
}

func (s *Api) writeJson(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("api: encoding response", err)
	}
}

func (s *Api) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJson(w, status, map[string]string{"error": err.Error()})
}

func (s *Api) createSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var request CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.sim.CreateSession(&request)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJson(w, http.StatusCreated, session.Clone())
}

// Sessions are encoded from clones: the live entities keep mutating under
// their locks while the encoder runs.
func (s *Api) listSessions(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	live := s.sim.Sessions()
	sessions := make([]*models.Session, 0, len(live))
	for _, session := range live {
		sessions = append(sessions, session.Clone())
	}
	s.writeJson(w, http.StatusOK, sessions)
}

func (s *Api) getSession(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	session, ok := s.sim.Get(p.ByName("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, utility.Err("session not found"))
		return
	}
	s.writeJson(w, http.StatusOK, session.Clone())
}

func (s *Api) deleteSession(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.DeleteSession(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Api) connect(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Engine().Connect(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) disconnect(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Engine().Disconnect(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) boot(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	response, err := s.sim.Engine().SendBootNotification(p.ByName("id"))
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJson(w, http.StatusOK, response)
}

func (s *Api) markAvailable(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.MarkAvailable(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) park(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Park(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) plug(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Plug(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) unplug(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Unplug(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) authorize(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	response, err := s.sim.Engine().SendAuthorize(p.ByName("id"))
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJson(w, http.StatusOK, response)
}

func (s *Api) startCharging(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.StartCharging(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) stopCharging(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.StopCharging(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) heartbeat(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Engine().SendHeartbeat(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type reserveRequest struct {
	ReservationId int       `json:"reservation_id"`
	IdTag         string    `json:"id_tag"`
	Expiry        time.Time `json:"expiry"`
}

func (s *Api) reserve(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var request reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if request.IdTag == "" || request.ReservationId <= 0 {
		s.writeError(w, http.StatusBadRequest, utility.Err("reservation_id and id_tag are required"))
		return
	}
	if err := s.sim.Engine().Reserve(p.ByName("id"), request.ReservationId, request.IdTag, request.Expiry); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) cancelReservation(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := s.sim.Engine().CancelReservation(p.ByName("id")); err != nil {
		s.writeError(w, http.StatusConflict, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Api) profiles(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	live, ok := s.sim.Get(p.ByName("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, utility.Err("session not found"))
		return
	}
	session := live.Clone()
	s.writeJson(w, http.StatusOK, s.sim.profiles.ActiveProfiles(session.Id, session.ConnectorId))
}

func (s *Api) compositeSchedule(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	live, ok := s.sim.Get(p.ByName("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, utility.Err("session not found"))
		return
	}
	session := live.Clone()
	query := r.URL.Query()
	duration := utility.ToInt(query.Get("duration"))
	if duration <= 0 {
		duration = 3600
	}
	unit := types.ChargingRateUnitType(query.Get("unit"))
	if unit == "" {
		unit = types.ChargingRateUnitWatts
	}
	connectorId := session.ConnectorId
	if query.Get("connector_id") != "" {
		connectorId = utility.ToInt(query.Get("connector_id"))
	}
	phaseType := power.PhaseTypeOf(session.ChargerType, session.PhaseCount)
	schedule := s.sim.profiles.GetCompositeSchedule(session.Id, connectorId, duration, unit, phaseType, session.Voltage)
	if schedule == nil {
		s.writeJson(w, http.StatusOK, map[string]string{"status": "Rejected"})
		return
	}
	s.writeJson(w, http.StatusOK, schedule)
}

func (s *Api) readLog(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	if s.sim.database == nil {
		s.writeError(w, http.StatusNotImplemented, utility.Err("database is disabled"))
		return
	}
	data, err := s.sim.database.ReadLog()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJson(w, http.StatusOK, data)
}
