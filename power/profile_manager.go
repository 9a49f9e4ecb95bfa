package power

import (
	"evsim/internal"
	"evsim/models"
	"evsim/types"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const featureName = "ProfileManager"

// EffectiveLimit is the power cap currently in force for one session
// connector. A LimitW of +Inf means no profile constrains the connector.
type EffectiveLimit struct {
	LimitW             float64
	RawLimit           float64
	RawUnit            types.ChargingRateUnitType
	Purpose            types.ChargingProfilePurposeType
	ProfileId          int
	StackLevel         int
	CurrentPeriodStart int
	NextPeriod         *models.NextPeriodInfo
}

func NoLimit() *EffectiveLimit {
	return &EffectiveLimit{LimitW: math.Inf(1)}
}

func (e *EffectiveLimit) IsUnlimited() bool {
	return math.IsInf(e.LimitW, 1)
}

type SchedulePoint struct {
	StartPeriod int
	Limit       float64
}

// CompositeSchedule is the merged power-limit timeline over a requested
// window, with offsets relative to ScheduleStart.
type CompositeSchedule struct {
	ConnectorId      int
	ScheduleStart    time.Time
	Duration         int
	ChargingRateUnit types.ChargingRateUnitType
	Periods          []SchedulePoint
}

// ProfileManager owns all stored charging profiles and the memoized
// effective limits derived from them. Profiles never leave the manager by
// reference.
type ProfileManager struct {
	mux      sync.RWMutex
	profiles map[string]map[int][]*models.SessionProfile
	cache    map[string]*EffectiveLimit
	validate *validator.Validate
	logger   internal.LogHandler
	now      func() time.Time
}

func NewProfileManager(logger internal.LogHandler) *ProfileManager {
	return &ProfileManager{
		profiles: make(map[string]map[int][]*models.SessionProfile),
		cache:    make(map[string]*EffectiveLimit),
		validate: validator.New(),
		logger:   logger,
		now:      time.Now,
	}
}

func cacheKey(sessionId string, connectorId int) string {
	return fmt.Sprintf("%s:%d", sessionId, connectorId)
}

// SetChargingProfile stores a profile for a session connector, replacing any
// stored profile with the same id. Invalid profiles are rejected before any
// state is touched.
func (m *ProfileManager) SetChargingProfile(sessionId string, connectorId int, profile *types.ChargingProfile) error {
	if profile == nil {
		return fmt.Errorf("charging profile is required")
	}
	if err := m.validate.Struct(profile); err != nil {
		return fmt.Errorf("invalid charging profile: %w", err)
	}
	if !types.IsValidPurpose(string(profile.ChargingProfilePurpose)) {
		return fmt.Errorf("invalid charging profile purpose: %s", profile.ChargingProfilePurpose)
	}
	if err := validatePeriods(profile.ChargingSchedule.ChargingSchedulePeriod); err != nil {
		return err
	}

	now := m.now()
	stored := &models.SessionProfile{
		SessionId:   sessionId,
		ConnectorId: connectorId,
		Profile:     *profile,
		AppliedAt:   now,
	}
	if profile.ChargingProfileKind == types.ChargingProfileKindRelative {
		effectiveStart := now
		stored.EffectiveStartTime = &effectiveStart
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	connectors, ok := m.profiles[sessionId]
	if !ok {
		connectors = make(map[int][]*models.SessionProfile)
		m.profiles[sessionId] = connectors
	}
	list := connectors[connectorId]
	replaced := false
	for i, p := range list {
		if p.Profile.ChargingProfileId == profile.ChargingProfileId {
			list[i] = stored
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, stored)
	}
	connectors[connectorId] = list

	m.invalidateSessionLocked(sessionId)
	if m.logger != nil {
		m.logger.FeatureEvent(featureName, sessionId, fmt.Sprintf(
			"stored profile %d purpose %s stack %d on connector %d",
			profile.ChargingProfileId, profile.ChargingProfilePurpose, profile.StackLevel, connectorId))
	}
	return nil
}

func validatePeriods(periods []types.ChargingSchedulePeriod) error {
	last := -1
	for _, p := range periods {
		if p.StartPeriod <= last && last >= 0 {
			return fmt.Errorf("schedule periods must have ascending unique start offsets")
		}
		if p.StartPeriod < 0 {
			return fmt.Errorf("schedule period start offset must not be negative")
		}
		last = p.StartPeriod
	}
	return nil
}

// ClearChargingProfile removes all stored profiles matching the supplied
// filters and reports whether anything was removed. Nil filters match
// everything; a non-nil connectorId restricts the sweep to that connector.
func (m *ProfileManager) ClearChargingProfile(sessionId string, id *int, connectorId *int, purpose *types.ChargingProfilePurposeType, stackLevel *int) bool {
	m.mux.Lock()
	defer m.mux.Unlock()

	connectors, ok := m.profiles[sessionId]
	if !ok {
		return false
	}
	removed := false
	for cid, list := range connectors {
		if connectorId != nil && cid != *connectorId {
			continue
		}
		kept := list[:0]
		for _, p := range list {
			if matchesFilters(p, id, purpose, stackLevel) {
				removed = true
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			delete(connectors, cid)
		} else {
			connectors[cid] = kept
		}
	}
	if len(connectors) == 0 {
		delete(m.profiles, sessionId)
	}
	if removed {
		m.invalidateSessionLocked(sessionId)
	}
	return removed
}

func matchesFilters(p *models.SessionProfile, id *int, purpose *types.ChargingProfilePurposeType, stackLevel *int) bool {
	if id != nil && p.Profile.ChargingProfileId != *id {
		return false
	}
	if purpose != nil && p.Profile.ChargingProfilePurpose != *purpose {
		return false
	}
	if stackLevel != nil && p.Profile.StackLevel != *stackLevel {
		return false
	}
	return true
}

// ActiveProfiles returns copies of the currently valid profiles for a
// connector, including connector-0 wildcard profiles.
func (m *ProfileManager) ActiveProfiles(sessionId string, connectorId int) []models.SessionProfile {
	m.mux.RLock()
	defer m.mux.RUnlock()
	now := m.now()

	var result []models.SessionProfile
	for _, p := range m.activeProfilesLocked(sessionId, connectorId, now) {
		result = append(result, *p)
	}
	return result
}

func (m *ProfileManager) activeProfilesLocked(sessionId string, connectorId int, now time.Time) []*models.SessionProfile {
	connectors, ok := m.profiles[sessionId]
	if !ok {
		return nil
	}
	var active []*models.SessionProfile
	appendValid := func(list []*models.SessionProfile) {
		for _, p := range list {
			if isProfileValid(p, now) {
				active = append(active, p)
			}
		}
	}
	appendValid(connectors[connectorId])
	if connectorId != 0 {
		appendValid(connectors[0])
	}
	return active
}

func isProfileValid(p *models.SessionProfile, now time.Time) bool {
	profile := &p.Profile
	if profile.ValidFrom != nil && now.Before(profile.ValidFrom.Time) {
		return false
	}
	if profile.ValidTo != nil && now.After(profile.ValidTo.Time) {
		return false
	}
	if profile.ChargingProfileKind == types.ChargingProfileKindAbsolute &&
		profile.ChargingSchedule != nil && profile.ChargingSchedule.Duration != nil {
		end := scheduleStart(p, now).Add(time.Duration(*profile.ChargingSchedule.Duration) * time.Second)
		if now.After(end) {
			return false
		}
	}
	return true
}

// scheduleStart resolves the absolute start of a profile's schedule.
// Relative profiles start when applied; Recurring profiles are shifted to
// the most recent recurrence boundary at or before now.
func scheduleStart(p *models.SessionProfile, now time.Time) time.Time {
	profile := &p.Profile
	switch profile.ChargingProfileKind {
	case types.ChargingProfileKindRelative:
		if p.EffectiveStartTime != nil {
			return *p.EffectiveStartTime
		}
		return p.AppliedAt
	case types.ChargingProfileKindRecurring:
		start := p.AppliedAt
		if profile.ChargingSchedule != nil && profile.ChargingSchedule.StartSchedule != nil {
			start = profile.ChargingSchedule.StartSchedule.Time
		}
		recurrence := 24 * time.Hour
		if profile.RecurrencyKind == types.RecurrencyKindWeekly {
			recurrence = 7 * 24 * time.Hour
		}
		if now.After(start) {
			periods := now.Sub(start) / recurrence
			start = start.Add(periods * recurrence)
		}
		return start
	default:
		if profile.ChargingSchedule != nil && profile.ChargingSchedule.StartSchedule != nil {
			return profile.ChargingSchedule.StartSchedule.Time
		}
		return p.AppliedAt
	}
}

// activePeriod selects the schedule period in force at the given instant,
// the floor of the period start offsets with respect to elapsed time.
func activePeriod(p *models.SessionProfile, at time.Time) (*types.ChargingSchedulePeriod, int, bool) {
	schedule := p.Profile.ChargingSchedule
	if schedule == nil || len(schedule.ChargingSchedulePeriod) == 0 {
		return nil, 0, false
	}
	elapsed := int(at.Sub(scheduleStart(p, at)).Seconds())
	if elapsed < 0 {
		return nil, 0, false
	}
	if schedule.Duration != nil && elapsed > *schedule.Duration {
		return nil, 0, false
	}
	var current *types.ChargingSchedulePeriod
	for i := range schedule.ChargingSchedulePeriod {
		period := &schedule.ChargingSchedulePeriod[i]
		if period.StartPeriod <= elapsed {
			current = period
		} else {
			break
		}
	}
	if current == nil {
		return nil, 0, false
	}
	return current, elapsed, true
}

func nextPeriod(p *models.SessionProfile, elapsed int) *models.NextPeriodInfo {
	schedule := p.Profile.ChargingSchedule
	for i := range schedule.ChargingSchedulePeriod {
		period := &schedule.ChargingSchedulePeriod[i]
		if period.StartPeriod > elapsed {
			if schedule.Duration != nil && period.StartPeriod > *schedule.Duration {
				return nil
			}
			return &models.NextPeriodInfo{
				StartPeriod:       period.StartPeriod,
				Limit:             period.Limit,
				SecondsUntilStart: period.StartPeriod - elapsed,
			}
		}
	}
	return nil
}

// GetEffectiveLimit computes the power cap in force right now for a session
// connector: per purpose only the highest stack level competes, and the
// tightest cap across purposes wins.
func (m *ProfileManager) GetEffectiveLimit(sessionId string, connectorId int, phaseType PhaseType, voltage float64) *EffectiveLimit {
	m.mux.Lock()
	defer m.mux.Unlock()

	now := m.now()
	active := m.activeProfilesLocked(sessionId, connectorId, now)
	if len(active) == 0 {
		limit := NoLimit()
		m.cache[cacheKey(sessionId, connectorId)] = limit
		return limit
	}

	byPurpose := make(map[types.ChargingProfilePurposeType]*models.SessionProfile)
	for _, p := range active {
		current, ok := byPurpose[p.Profile.ChargingProfilePurpose]
		if !ok || p.Profile.StackLevel > current.Profile.StackLevel {
			byPurpose[p.Profile.ChargingProfilePurpose] = p
		}
	}

	var best *EffectiveLimit
	for _, p := range byPurpose {
		period, elapsed, ok := activePeriod(p, now)
		if !ok {
			continue
		}
		watts := toWatts(period.Limit, p.Profile.ChargingSchedule.ChargingRateUnit, period.NumberPhases, phaseType, voltage)
		if best == nil || watts < best.LimitW {
			best = &EffectiveLimit{
				LimitW:             watts,
				RawLimit:           period.Limit,
				RawUnit:            p.Profile.ChargingSchedule.ChargingRateUnit,
				Purpose:            p.Profile.ChargingProfilePurpose,
				ProfileId:          p.Profile.ChargingProfileId,
				StackLevel:         p.Profile.StackLevel,
				CurrentPeriodStart: period.StartPeriod,
				NextPeriod:         nextPeriod(p, elapsed),
			}
		}
	}
	if best == nil {
		best = NoLimit()
	}
	m.cache[cacheKey(sessionId, connectorId)] = best
	return best
}

// CachedLimit returns the last computed effective limit without triggering
// a recomputation. A memoization only; mutations drop it.
func (m *ProfileManager) CachedLimit(sessionId string, connectorId int) (*EffectiveLimit, bool) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	limit, ok := m.cache[cacheKey(sessionId, connectorId)]
	return limit, ok
}

// GetCompositeSchedule merges every active profile for a connector into a
// single limit timeline over the requested duration. Unlike the effective
// limit, all active profiles compete directly, without per-purpose stack
// reduction.
func (m *ProfileManager) GetCompositeSchedule(sessionId string, connectorId int, duration int, unit types.ChargingRateUnitType, phaseType PhaseType, voltage float64) *CompositeSchedule {
	m.mux.RLock()
	defer m.mux.RUnlock()

	now := m.now()
	active := m.activeProfilesLocked(sessionId, connectorId, now)
	if len(active) == 0 {
		return nil
	}
	if unit == "" {
		unit = types.ChargingRateUnitWatts
	}

	changePoints := map[int]struct{}{0: {}}
	for _, p := range active {
		schedule := p.Profile.ChargingSchedule
		if schedule == nil {
			continue
		}
		start := scheduleStart(p, now)
		base := int(start.Sub(now).Seconds())
		for _, period := range schedule.ChargingSchedulePeriod {
			offset := base + period.StartPeriod
			if offset >= 0 && offset <= duration {
				changePoints[offset] = struct{}{}
			}
		}
	}
	offsets := make([]int, 0, len(changePoints))
	for offset := range changePoints {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)

	var points []SchedulePoint
	for _, offset := range offsets {
		at := now.Add(time.Duration(offset) * time.Second)
		minWatts := math.Inf(1)
		found := false
		for _, p := range active {
			period, _, ok := activePeriod(p, at)
			if !ok {
				continue
			}
			watts := toWatts(period.Limit, p.Profile.ChargingSchedule.ChargingRateUnit, period.NumberPhases, phaseType, voltage)
			if watts < minWatts {
				minWatts = watts
			}
			found = true
		}
		if !found {
			continue
		}
		points = append(points, SchedulePoint{
			StartPeriod: offset,
			Limit:       fromWatts(minWatts, unit, phaseType, voltage),
		})
	}
	if len(points) == 0 {
		return nil
	}
	return &CompositeSchedule{
		ConnectorId:      connectorId,
		ScheduleStart:    now,
		Duration:         duration,
		ChargingRateUnit: unit,
		Periods:          points,
	}
}

// CleanupExpiredProfiles sweeps out profiles that are no longer valid and
// reports how many were removed. Safe to call repeatedly.
func (m *ProfileManager) CleanupExpiredProfiles() int {
	m.mux.Lock()
	defer m.mux.Unlock()

	now := m.now()
	removed := 0
	for sessionId, connectors := range m.profiles {
		dirty := false
		for cid, list := range connectors {
			kept := list[:0]
			for _, p := range list {
				if isProfileValid(p, now) {
					kept = append(kept, p)
				} else {
					removed++
					dirty = true
				}
			}
			if len(kept) == 0 {
				delete(connectors, cid)
			} else {
				connectors[cid] = kept
			}
		}
		if len(connectors) == 0 {
			delete(m.profiles, sessionId)
		}
		if dirty {
			m.invalidateSessionLocked(sessionId)
		}
	}
	if removed > 0 && m.logger != nil {
		m.logger.Debug(fmt.Sprintf("profile cleanup removed %d expired profiles", removed))
	}
	return removed
}

// ClearAllProfiles drops everything stored for a session; used on session
// deletion.
func (m *ProfileManager) ClearAllProfiles(sessionId string) {
	m.mux.Lock()
	defer m.mux.Unlock()
	delete(m.profiles, sessionId)
	m.invalidateSessionLocked(sessionId)
}

// Reset drops all stored profiles and caches.
func (m *ProfileManager) Reset() {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.profiles = make(map[string]map[int][]*models.SessionProfile)
	m.cache = make(map[string]*EffectiveLimit)
}

func (m *ProfileManager) invalidateSessionLocked(sessionId string) {
	prefix := sessionId + ":"
	for key := range m.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(m.cache, key)
		}
	}
}
