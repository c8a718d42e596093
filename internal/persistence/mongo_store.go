package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/stageflow/pkg/api"
)

// MongoStore is a RunStore and HistoryStore backed by MongoDB.
type MongoStore struct {
	runs    *mongo.Collection
	history *mongo.Collection
	timeout time.Duration
}

// Ensure it implements Store.
var _ Store = (*MongoStore)(nil)

// NewMongoStore creates a Mongo-backed store. dbName defaults to "stageflow";
// runs and history live in the "runs" and "history" collections.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "stageflow"
	}
	db := client.Database(dbName)
	return &MongoStore{
		runs:    db.Collection("runs"),
		history: db.Collection("history"),
		timeout: 5 * time.Second,
	}
}

type mongoRunDoc struct {
	ID         string `bson:"_id"`
	Workflow   string `bson:"workflow"`
	Status     string `bson:"status"`
	Input      string `bson:"input"`
	Output     []byte `bson:"output,omitempty"`
	Error      string `bson:"error,omitempty"`
	StartedAt  int64  `bson:"started_at"`
	FinishedAt int64  `bson:"finished_at"`
}

type mongoHistoryDoc struct {
	RunID    string `bson:"run_id"`
	At       int64  `bson:"at"`
	Type     string `bson:"type"`
	Workflow string `bson:"workflow"`
	Step     string `bson:"step,omitempty"`
	Kind     string `bson:"kind,omitempty"`
	Detail   string `bson:"detail,omitempty"`
}

func toMongoRun(rec *api.RunRecord) (mongoRunDoc, error) {
	out, err := EncodeResult(rec.Output)
	if err != nil {
		return mongoRunDoc{}, err
	}
	return mongoRunDoc{
		ID:         rec.ID,
		Workflow:   rec.Workflow,
		Status:     string(rec.Status),
		Input:      rec.Input,
		Output:     out,
		Error:      errString(rec.Err),
		StartedAt:  unixNano(rec.StartedAt),
		FinishedAt: unixNano(rec.FinishedAt),
	}, nil
}

func (d mongoRunDoc) record() (*api.RunRecord, error) {
	out, err := DecodeResult(d.Output)
	if err != nil {
		return nil, err
	}
	return &api.RunRecord{
		ID:         d.ID,
		Workflow:   d.Workflow,
		Status:     api.Status(d.Status),
		Input:      d.Input,
		Output:     out,
		Err:        errFromString(d.Error),
		StartedAt:  fromUnixNano(d.StartedAt),
		FinishedAt: fromUnixNano(d.FinishedAt),
	}, nil
}

func (s *MongoStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := toMongoRun(rec)
	if err != nil {
		return err
	}
	_, err = s.runs.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrRunExists
	}
	return err
}

func (s *MongoStore) UpdateRun(ctx context.Context, rec *api.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc, err := toMongoRun(rec)
	if err != nil {
		return err
	}
	res, err := s.runs.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrRunNotFound
	}
	return nil
}

func (s *MongoStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoRunDoc
	if err := s.runs.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return doc.record()
}

func (s *MongoStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	bfilter := bson.M{}
	if filter.Workflow != "" {
		bfilter["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		bfilter["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.runs.Find(ctx, bfilter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	runs := []*api.RunRecord{}
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, cur.Err()
}

func (s *MongoStore) AppendEvent(ctx context.Context, entry api.HistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.history.InsertOne(ctx, mongoHistoryDoc{
		RunID:    entry.RunID,
		At:       at.UnixNano(),
		Type:     string(entry.Type),
		Workflow: entry.Workflow,
		Step:     entry.Step,
		Kind:     string(entry.Kind),
		Detail:   entry.Detail,
	})
	return err
}

func (s *MongoStore) ListEvents(ctx context.Context, runID string) ([]api.HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.timeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	cur, err := s.history.Find(ctx, bson.M{"run_id": runID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.HistoryEntry
	for cur.Next(ctx) {
		var doc mongoHistoryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.HistoryEntry{
			RunID:    doc.RunID,
			At:       time.Unix(0, doc.At),
			Type:     api.HistoryType(doc.Type),
			Workflow: doc.Workflow,
			Step:     doc.Step,
			Kind:     api.Kind(doc.Kind),
			Detail:   doc.Detail,
		})
	}
	return out, cur.Err()
}
