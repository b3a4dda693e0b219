package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/KafClaw/chatgate/internal/audit"
	"github.com/KafClaw/chatgate/internal/bus"
	"github.com/KafClaw/chatgate/internal/toggle"
)

// Collection names are shared with existing bot deployments.
const (
	collLogs    = "bot_logs"
	collUsers   = "users"
	collGroups  = "groups"
	collToggles = "feature_toggles"
	collJobs    = "scheduled_jobs"
)

type msgCtxDoc struct {
	MessageID int64   `bson:"message_id"`
	Command   *string `bson:"command"`
	Status    int     `bson:"status"`
	TimeCost  int64   `bson:"time_cost"`
}

type botLogDoc struct {
	ID        string    `bson:"_id"`
	Channel   string    `bson:"channel,omitempty"`
	GroupID   int64     `bson:"group_id"`
	UserID    int64     `bson:"user_id"`
	Timestamp time.Time `bson:"timestamp"`
	MsgType   int       `bson:"msg_type"`
	MsgCtx    msgCtxDoc `bson:"msg_ctx"`
	Error     *string   `bson:"error"`
	TraceID   string    `bson:"trace_id,omitempty"`
}

type toggleDoc struct {
	GroupID   int64     `bson:"group_id"`
	Feature   string    `bson:"feature"`
	Enabled   bool      `bson:"enabled"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type jobDoc struct {
	Name       string    `bson:"_id"`
	LastStatus string    `bson:"last_status"`
	LastRunAt  time.Time `bson:"last_run_at"`
	RunCount   int64     `bson:"run_count"`
}

func logDocFromRecord(rec audit.Record) botLogDoc {
	return botLogDoc{
		ID:        rec.ID,
		Channel:   rec.Channel,
		GroupID:   rec.ChatScope,
		UserID:    rec.ActorID,
		Timestamp: rec.Timestamp.UTC(),
		MsgType:   int(rec.Kind),
		MsgCtx: msgCtxDoc{
			MessageID: rec.MessageID,
			Command:   rec.Command,
			Status:    int(rec.Status),
			TimeCost:  rec.ElapsedMS,
		},
		Error:   rec.Error,
		TraceID: rec.TraceID,
	}
}

func (d botLogDoc) record() audit.Record {
	return audit.Record{
		ID:        d.ID,
		Channel:   d.Channel,
		ChatScope: d.GroupID,
		ActorID:   d.UserID,
		MessageID: d.MsgCtx.MessageID,
		Timestamp: d.Timestamp.UTC(),
		Kind:      bus.EventKind(d.MsgType),
		Command:   d.MsgCtx.Command,
		Status:    audit.Status(d.MsgCtx.Status),
		ElapsedMS: d.MsgCtx.TimeCost,
		Error:     d.Error,
		TraceID:   d.TraceID,
	}
}

func auditQuery(filter AuditFilter) bson.M {
	q := bson.M{}
	if filter.ChatScope != nil {
		q["group_id"] = *filter.ChatScope
	}
	if filter.Status != nil {
		q["msg_ctx.status"] = int(*filter.Status)
	}
	if filter.Since != nil {
		q["timestamp"] = bson.M{"$gte": filter.Since.UTC()}
	}
	return q
}

// Mongo stores audit records as msg_ctx/bot_log documents with user and group
// side documents.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// NewMongo connects and pings the server at uri.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if database == "" {
		database = "chatgate"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	m := &Mongo{client: client, db: client.Database(database)}
	_, err = m.db.Collection(collToggles).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "feature", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create toggle index: %w", err)
	}
	return m, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) WriteToggleBatch(ctx context.Context, batch map[toggle.Key]bool) error {
	if len(batch) == 0 {
		return nil
	}
	now := time.Now().UTC()
	models := make([]mongo.WriteModel, 0, len(batch))
	for k, enabled := range batch {
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"group_id": k.ChatScope, "feature": k.Feature}).
			SetUpdate(bson.M{"$set": bson.M{"enabled": enabled, "updated_at": now}}).
			SetUpsert(true))
	}
	_, err := m.db.Collection(collToggles).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return err
}

func (m *Mongo) LoadToggles(ctx context.Context) (map[toggle.Key]bool, error) {
	docs, err := m.findToggles(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	out := make(map[toggle.Key]bool, len(docs))
	for _, d := range docs {
		out[toggle.Key{ChatScope: d.GroupID, Feature: d.Feature}] = d.Enabled
	}
	return out, nil
}

func (m *Mongo) ListToggles(ctx context.Context, chatScope int64) (map[string]bool, error) {
	docs, err := m.findToggles(ctx, bson.M{"group_id": chatScope})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(docs))
	for _, d := range docs {
		out[d.Feature] = d.Enabled
	}
	return out, nil
}

func (m *Mongo) findToggles(ctx context.Context, filter bson.M) ([]toggleDoc, error) {
	cur, err := m.db.Collection(collToggles).Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []toggleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

// WriteAuditRecord inserts the log document and upserts the user and group
// documents. Mongo has no cross-collection transaction here; side document
// failures are joined into the returned error.
func (m *Mongo) WriteAuditRecord(ctx context.Context, rec audit.Record, user audit.User, group audit.Group) error {
	if _, err := m.db.Collection(collLogs).InsertOne(ctx, logDocFromRecord(rec)); err != nil {
		return fmt.Errorf("insert bot log: %w", err)
	}
	upsert := options.Update().SetUpsert(true)
	var errs []error
	if user.ID != 0 {
		_, err := m.db.Collection(collUsers).UpdateOne(ctx,
			bson.M{"user_id": user.ID},
			bson.M{"$set": bson.M{"username": user.Username}},
			upsert)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert user: %w", err))
		}
	}
	if group.ID != 0 {
		_, err := m.db.Collection(collGroups).UpdateOne(ctx,
			bson.M{"group_id": group.ID},
			bson.M{"$set": bson.M{"group_username": group.Username, "group_name": group.Title}},
			upsert)
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert group: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (m *Mongo) ListAudit(ctx context.Context, filter AuditFilter) ([]audit.Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limitOrDefault(filter.Limit)))
	cur, err := m.db.Collection(collLogs).Find(ctx, auditQuery(filter), opts)
	if err != nil {
		return nil, err
	}
	var docs []botLogDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]audit.Record, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.record())
	}
	return out, nil
}

func (m *Mongo) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.db.Collection(collLogs).DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (m *Mongo) RecordJobRun(ctx context.Context, name, status string, runAt time.Time) error {
	_, err := m.db.Collection(collJobs).UpdateOne(ctx,
		bson.M{"_id": name},
		bson.M{
			"$set": bson.M{"last_status": status, "last_run_at": runAt.UTC()},
			"$inc": bson.M{"run_count": 1},
		},
		options.Update().SetUpsert(true))
	return err
}

func (m *Mongo) GetJobRun(ctx context.Context, name string) (*JobRun, error) {
	var d jobDoc
	err := m.db.Collection(collJobs).FindOne(ctx, bson.M{"_id": name}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &JobRun{Name: d.Name, LastStatus: d.LastStatus, LastRunAt: d.LastRunAt.UTC(), RunCount: d.RunCount}, nil
}
