package internal

import "time"

// EventHandler receives session lifecycle events for broadcasting to
// external observers. Implementations must not block the caller.
type EventHandler interface {
	OnSessionUpdate(event *EventMessage)
	OnTransactionStart(event *EventMessage)
	OnTransactionStop(event *EventMessage)
	OnFault(event *EventMessage)
}

type EventMessage struct {
	Type          string      `json:"type" bson:"type"`
	SessionId     string      `json:"session_id" bson:"session_id"`
	ChargePointId string      `json:"charge_point_id" bson:"charge_point_id"`
	ConnectorId   int         `json:"connector_id" bson:"connector_id"`
	Time          time.Time   `json:"time" bson:"time"`
	IdTag         string      `json:"id_tag" bson:"id_tag"`
	TransactionId int         `json:"transaction_id" bson:"transaction_id"`
	State         string      `json:"state" bson:"state"`
	Info          string      `json:"info" bson:"info"`
	Payload       interface{} `json:"payload,omitempty" bson:"payload,omitempty"`
}
