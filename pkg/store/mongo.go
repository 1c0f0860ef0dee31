package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lucid-vigil/hostwatch/pkg/config"
	"github.com/lucid-vigil/hostwatch/pkg/events"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// logDocument is one stored event. Timestamps are BSON dates so the
// (agent_id, timestamp) index orders them natively.
type logDocument struct {
	AgentID      string    `bson:"agent_id"`
	Timestamp    time.Time `bson:"timestamp"`
	Activity     string    `bson:"activity"`
	Details      string    `bson:"details"`
	AnomalyScore float64   `bson:"anomaly_score"`
	Alerts       []string  `bson:"alerts"`
}

func toDocument(agentID string, ev events.ScoredEvent) logDocument {
	alerts := ev.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	return logDocument{
		AgentID:      agentID,
		Timestamp:    ev.Timestamp.Time,
		Activity:     string(ev.Activity),
		Details:      ev.Details,
		AnomalyScore: ev.AnomalyScore,
		Alerts:       alerts,
	}
}

func (d logDocument) event() events.ScoredEvent {
	return events.NewScoredEvent(d.Timestamp, events.ActivityKind(d.Activity), d.Details, d.AnomalyScore, d.Alerts)
}

// MongoStore persists events in a MongoDB collection indexed by agent and time.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewMongoStore connects, verifies the primary is reachable and ensures the
// (agent_id asc, timestamp desc) index exists.
func NewMongoStore(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (*MongoStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	coll := client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection)
	_, err = coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "agent_id", Value: 1}, {Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("agent_id_timestamp"),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo create index: %w", err)
	}

	logger.Info().
		Str("database", cfg.MongoDatabase).
		Str("collection", cfg.MongoCollection).
		Msg("Connected to MongoDB event store")

	return &MongoStore{client: client, collection: coll, timeout: timeout, logger: logger}, nil
}

func (s *MongoStore) AppendMany(ctx context.Context, agentID string, evs []events.ScoredEvent) error {
	if len(evs) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	docs := make([]interface{}, 0, len(evs))
	for _, ev := range evs {
		docs = append(docs, toDocument(agentID, ev))
	}
	if _, err := s.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true)); err != nil {
		return fmt.Errorf("mongo insert %d events for %s: %w", len(docs), agentID, err)
	}
	return nil
}

func (s *MongoStore) QueryRecent(ctx context.Context, agentID string, limit int) ([]events.ScoredEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	// ObjectIDs grow with insertion, so _id breaks timestamp ties latest first.
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.D{{Key: "agent_id", Value: agentID}}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo query recent for %s: %w", agentID, err)
	}
	var docs []logDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode recent for %s: %w", agentID, err)
	}

	out := make([]events.ScoredEvent, len(docs))
	for i, d := range docs {
		out[i] = d.event()
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
