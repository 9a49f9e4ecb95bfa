package models

import (
	"evsim/types"
	"time"
)

// SessionProfile is a charging profile applied to a session connector,
// together with the runtime stamps the profile manager needs.
// ConnectorId 0 applies the profile to every connector of the session.
type SessionProfile struct {
	SessionId          string                `json:"session_id" bson:"session_id"`
	ConnectorId        int                   `json:"connector_id" bson:"connector_id"`
	Profile            types.ChargingProfile `json:"profile" bson:"profile"`
	AppliedAt          time.Time             `json:"applied_at" bson:"applied_at"`
	EffectiveStartTime *time.Time            `json:"effective_start_time,omitempty" bson:"effective_start_time"`
}
