package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"engaged/internal/engage"
	logx "engaged/pkg/logx"
)

const (
	colMessages = "engage_messages"
	colAudit    = "engage_audit"
	colDedup    = "notifier_dedup"

	defaultMongoDatabase = "engaged"
	mongoConnectTimeout  = 10 * time.Second
)

type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	log    logx.Logger
}

type scheduleDateModel struct {
	Type  string     `bson:"type,omitempty"`
	Month string     `bson:"month,omitempty"`
	Day   string     `bson:"day,omitempty"`
	Time  *time.Time `bson:"time,omitempty"`
}

type messageModel struct {
	ID           string             `bson:"_id"`
	Kind         string             `bson:"kind"`
	Title        string             `bson:"title,omitempty"`
	Content      string             `bson:"content"`
	IsLive       bool               `bson:"isLive"`
	IsDraft      bool               `bson:"isDraft"`
	ChatID       int64              `bson:"chatId,omitempty"`
	ThreadID     int                `bson:"threadId,omitempty"`
	ScheduleDate *scheduleDateModel `bson:"scheduleDate,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

type dedupModel struct {
	Key   string    `bson:"_id"`
	Until time.Time `bson:"until"`
}

func toMessageModel(m *engage.Message) messageModel {
	out := messageModel{
		ID:        m.ID,
		Kind:      m.Kind,
		Title:     m.Title,
		Content:   m.Content,
		IsLive:    m.IsLive,
		IsDraft:   m.IsDraft,
		ChatID:    m.Target.ChatID,
		ThreadID:  m.Target.ThreadID,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}
	if sd := m.ScheduleDate; sd != nil {
		out.ScheduleDate = &scheduleDateModel{Type: sd.Type, Month: sd.Month, Day: sd.Day, Time: sd.Time}
	}
	return out
}

func fromMessageModel(m *messageModel) engage.Message {
	out := engage.Message{
		ID:        m.ID,
		Kind:      m.Kind,
		Title:     m.Title,
		Content:   m.Content,
		IsLive:    m.IsLive,
		IsDraft:   m.IsDraft,
		Target:    engage.Target{ChatID: m.ChatID, ThreadID: m.ThreadID},
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	if sd := m.ScheduleDate; sd != nil {
		out.ScheduleDate = &engage.ScheduleDate{Type: sd.Type, Month: sd.Month, Day: sd.Day, Time: sd.Time}
	}
	return out
}

// liveFilter selects live messages of the given kinds.
func liveFilter(kinds []string) bson.M {
	return bson.M{"isLive": true, "kind": bson.M{"$in": kinds}}
}

func listFilter(f engage.ListFilter) bson.M {
	q := bson.M{}
	if f.Kind != "" {
		q["kind"] = f.Kind
	}
	if f.LiveOnly {
		q["isLive"] = true
	}
	return q
}

func openMongo(cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("storage.uri is required for the mongo driver")
	}
	name := strings.TrimSpace(cfg.Database)
	if name == "" {
		name = defaultMongoDatabase
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s := &mongoStore{client: client, db: client.Database(name), log: log}
	if err := s.ensureIndexes(ctx); err != nil {
		log.Warn("mongo index setup failed", logx.Err(err))
	}
	log.Info("mongo store opened", logx.String("database", name))
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(colMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "isLive", Value: 1}, {Key: "kind", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.db.Collection(colAudit).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "messageId", Value: 1}, {Key: "at", Value: -1}},
	})
	return err
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) FindMessage(ctx context.Context, id string) (*engage.Message, error) {
	var m messageModel
	err := s.db.Collection(colMessages).FindOne(ctx, bson.M{"_id": id}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, engage.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mongo find message: %w", err)
	}
	out := fromMessageModel(&m)
	return &out, nil
}

func (s *mongoStore) FindLive(ctx context.Context, kinds []string) ([]engage.Message, error) {
	return s.findMessages(ctx, liveFilter(kinds), options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (s *mongoStore) ListMessages(ctx context.Context, f engage.ListFilter) ([]engage.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	return s.findMessages(ctx, listFilter(f), opts)
}

func (s *mongoStore) findMessages(ctx context.Context, filter bson.M, opts *options.FindOptionsBuilder) ([]engage.Message, error) {
	cur, err := s.db.Collection(colMessages).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find messages: %w", err)
	}
	defer cur.Close(ctx)
	var models []messageModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("mongo decode messages: %w", err)
	}
	out := make([]engage.Message, 0, len(models))
	for i := range models {
		out = append(out, fromMessageModel(&models[i]))
	}
	return out, nil
}

func (s *mongoStore) SaveMessage(ctx context.Context, m *engage.Message) error {
	doc := toMessageModel(m)
	_, err := s.db.Collection(colMessages).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo save message: %w", err)
	}
	return nil
}

func (s *mongoStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.Collection(colMessages).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongo delete message: %w", err)
	}
	if res.DeletedCount == 0 {
		return engage.ErrMessageNotFound
	}
	return nil
}

func (s *mongoStore) AppendAudit(ctx context.Context, rec engage.AuditRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.Collection(colAudit).InsertOne(ctx, rec)
	return err
}

func (s *mongoStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.Collection(colDedup).UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"until": until.UTC()}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

func (s *mongoStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var d dedupModel
	err := s.db.Collection(colDedup).FindOne(ctx, bson.M{"_id": key}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return d.Until, true, nil
}
