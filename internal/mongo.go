package internal

import (
	"context"
	"evsim/internal/config"
	"evsim/models"
	"fmt"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"log"
)

const (
	collectionLog      = "sys_log"
	collectionSessions = "sessions"
	collectionProfiles = "charging_profiles"
)

type MongoDB struct {
	ctx           context.Context
	clientOptions *options.ClientOptions
	database      string
}

func NewMongoClient(conf *config.Config) (*MongoDB, error) {
	if !conf.Mongo.Enabled {
		return nil, nil
	}
	connectionUri := fmt.Sprintf("mongodb://%s:%s", conf.Mongo.Host, conf.Mongo.Port)
	clientOptions := options.Client().ApplyURI(connectionUri)
	if conf.Mongo.User != "" {
		clientOptions.SetAuth(options.Credential{
			Username:   conf.Mongo.User,
			Password:   conf.Mongo.Password,
			AuthSource: conf.Mongo.Database,
		})
	}
	client := &MongoDB{
		ctx:           context.Background(),
		clientOptions: clientOptions,
		database:      conf.Mongo.Database,
	}
	return client, nil
}

func (m *MongoDB) connect() (*mongo.Client, error) {
	connection, err := mongo.Connect(m.ctx, m.clientOptions)
	if err != nil {
		return nil, err
	}
	return connection, nil
}

func (m *MongoDB) disconnect(connection *mongo.Client) {
	err := connection.Disconnect(m.ctx)
	if err != nil {
		log.Println("mongodb disconnect error;", err)
	}
}

func (m *MongoDB) WriteLogMessage(data Data) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionLog)
	_, err = collection.InsertOne(m.ctx, data)
	return err
}

func (m *MongoDB) ReadLog() (interface{}, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var logMessages []FeatureLogMessage
	collection := connection.Database(m.database).Collection(collectionLog)
	filter := bson.D{}
	opts := options.Find().SetSort(bson.D{{Key: "time", Value: -1}}).SetLimit(1000)
	cursor, err := collection.Find(m.ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &logMessages); err != nil {
		return nil, err
	}
	return logMessages, nil
}

func (m *MongoDB) GetSessions() ([]*models.Session, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var sessions []*models.Session
	collection := connection.Database(m.database).Collection(collectionSessions)
	cursor, err := collection.Find(m.ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (m *MongoDB) GetSession(id string) (*models.Session, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var session models.Session
	collection := connection.Database(m.database).Collection(collectionSessions)
	filter := bson.D{{Key: "session_id", Value: id}}
	err = collection.FindOne(m.ctx, filter).Decode(&session)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &session, nil
}

func (m *MongoDB) AddSession(session *models.Session) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionSessions)
	_, err = collection.InsertOne(m.ctx, session)
	return err
}

func (m *MongoDB) UpdateSession(session *models.Session) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionSessions)
	filter := bson.D{{Key: "session_id", Value: session.Id}}
	_, err = collection.ReplaceOne(m.ctx, filter, session)
	return err
}

func (m *MongoDB) DeleteSession(id string) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionSessions)
	filter := bson.D{{Key: "session_id", Value: id}}
	_, err = collection.DeleteOne(m.ctx, filter)
	return err
}

func (m *MongoDB) AddChargingProfile(profile *models.SessionProfile) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionProfiles)
	filter := bson.D{
		{Key: "session_id", Value: profile.SessionId},
		{Key: "connector_id", Value: profile.ConnectorId},
		{Key: "profile.chargingProfileId", Value: profile.Profile.ChargingProfileId},
	}
	opts := options.Replace().SetUpsert(true)
	_, err = collection.ReplaceOne(m.ctx, filter, profile, opts)
	return err
}

func (m *MongoDB) DeleteChargingProfiles(sessionId string) error {
	connection, err := m.connect()
	if err != nil {
		return err
	}
	defer m.disconnect(connection)
	collection := connection.Database(m.database).Collection(collectionProfiles)
	filter := bson.D{{Key: "session_id", Value: sessionId}}
	_, err = collection.DeleteMany(m.ctx, filter)
	return err
}

func (m *MongoDB) GetChargingProfiles(sessionId string) ([]models.SessionProfile, error) {
	connection, err := m.connect()
	if err != nil {
		return nil, err
	}
	defer m.disconnect(connection)

	var profiles []models.SessionProfile
	collection := connection.Database(m.database).Collection(collectionProfiles)
	filter := bson.D{{Key: "session_id", Value: sessionId}}
	cursor, err := collection.Find(m.ctx, filter)
	if err != nil {
		return nil, err
	}
	if err = cursor.All(m.ctx, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}
