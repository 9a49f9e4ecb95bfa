package internal

import "evsim/models"

type Database interface {
	WriteLogMessage(data Data) error
	ReadLog() (interface{}, error)
	GetSessions() ([]*models.Session, error)
	GetSession(id string) (*models.Session, error)
	AddSession(session *models.Session) error
	UpdateSession(session *models.Session) error
	DeleteSession(id string) error
	AddChargingProfile(profile *models.SessionProfile) error
	DeleteChargingProfiles(sessionId string) error
	GetChargingProfiles(sessionId string) ([]models.SessionProfile, error)
}

type Data interface {
	DataType() string
}
