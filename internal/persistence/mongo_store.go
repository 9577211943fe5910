package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/runflow/pkg/api"
)

// MongoStore is a RunStore backed by MongoDB. Steps are embedded in the run
// document; every write is a conditional update on the document revision,
// so a writer that raced another one re-reads and retries.
type MongoStore struct {
	client   *mongo.Client
	runs     *mongo.Collection
	events   *mongo.Collection
	counters *mongo.Collection
	locks    *runLocks
	opts     LockOptions
}

// Ensure MongoStore implements RunStore.
var _ RunStore = (*MongoStore)(nil)

// errRevisionConflict signals a lost optimistic update; it is retried.
var errRevisionConflict = errors.New("mongo: run revision changed")

func isMongoBusy(err error) bool {
	return errors.Is(err, errRevisionConflict)
}

// mongoRunDoc adds the revision counter to the shared run document.
type mongoRunDoc struct {
	runDoc `bson:",inline"`
	Rev    int64 `bson:"rev"`
}

// OpenMongo connects to uri and returns a store using the given database
// (WithKeyPrefix), "runflow" by default.
func OpenMongo(ctx context.Context, uri string, opts ...Option) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	s, err := NewMongoStore(ctx, client, opts...)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStore creates the collections' indexes and returns a store.
func NewMongoStore(ctx context.Context, client *mongo.Client, opts ...Option) (*MongoStore, error) {
	cfg := newStoreConfig(opts)
	dbName := cfg.prefix
	if dbName == "" {
		dbName = "runflow"
	}
	db := client.Database(dbName)
	s := &MongoStore{
		client:   client,
		runs:     db.Collection("runs"),
		events:   db.Collection("trace_events"),
		counters: db.Collection("counters"),
		locks:    newRunLocks(),
		opts:     cfg.lock,
	}

	_, err := s.runs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo runs indexes: %w", err)
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("mongo events index: %w", err)
	}
	return s, nil
}

// Database returns the database the store's collections live in.
func (s *MongoStore) Database() *mongo.Database { return s.runs.Database() }

func (s *MongoStore) CreateRun(ctx context.Context, run *api.RunRecord) error {
	doc, err := toRunDoc(run)
	if err != nil {
		return err
	}
	return withRunLock(ctx, s.locks, s.opts, run.RunID, neverBusy, func() error {
		_, err := s.runs.InsertOne(ctx, mongoRunDoc{runDoc: doc, Rev: 1})
		if mongo.IsDuplicateKeyError(err) {
			return duplicateRun(run.RunID)
		}
		return err
	})
}

func (s *MongoStore) load(ctx context.Context, runID string) (mongoRunDoc, error) {
	var doc mongoRunDoc
	err := s.runs.FindOne(ctx, bson.M{"_id": runID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return doc, runNotFound(runID)
		}
		return doc, err
	}
	return doc, nil
}

func (s *MongoStore) GetRun(ctx context.Context, runID string) (*api.RunRecord, error) {
	doc, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return doc.record()
}

func (s *MongoStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.RunRecord, error) {
	q := bson.M{}
	if filter.Product != "" {
		q["product"] = filter.Product
	}
	if filter.FlowID != "" {
		q["flow_id"] = filter.FlowID
	}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetProjection(bson.M{"steps": 0})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cur, err := s.runs.Find(ctx, q, opts)
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
		run, err := doc.record()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, cur.Err()
}

// mutate applies fn to the current document and writes it back only if no
// other writer bumped the revision in between.
func (s *MongoStore) mutate(ctx context.Context, runID string, fn func(doc *runDoc) error) error {
	return withRunLock(ctx, s.locks, s.opts, runID, isMongoBusy, func() error {
		current, err := s.load(ctx, runID)
		if err != nil {
			return err
		}
		next := current.runDoc
		if err := fn(&next); err != nil {
			return err
		}
		res, err := s.runs.ReplaceOne(ctx,
			bson.M{"_id": runID, "rev": current.Rev},
			mongoRunDoc{runDoc: next, Rev: current.Rev + 1},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return errRevisionConflict
		}
		return nil
	})
}

func (s *MongoStore) UpdateRun(ctx context.Context, run *api.RunRecord, expect api.RunStatus) error {
	return s.Commit(ctx, run, nil, expect)
}

func (s *MongoStore) AppendStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return s.mutate(ctx, runID, func(doc *runDoc) error {
		for _, existing := range doc.Steps {
			if existing.StepID == sd.StepID {
				return stepExists(runID, sd.StepID)
			}
		}
		doc.Steps = upsertStepDoc(doc.Steps, sd)
		return nil
	})
}

func (s *MongoStore) UpdateStep(ctx context.Context, runID string, step api.StepRecord) error {
	sd, err := toStepDoc(step)
	if err != nil {
		return err
	}
	return s.mutate(ctx, runID, func(doc *runDoc) error {
		for i := range doc.Steps {
			if doc.Steps[i].StepID == sd.StepID {
				doc.Steps[i] = sd
				return nil
			}
		}
		return stepNotFound(runID, sd.StepID)
	})
}

func (s *MongoStore) Commit(ctx context.Context, run *api.RunRecord, step *api.StepRecord, expect api.RunStatus) error {
	next, err := toRunDoc(run)
	if err != nil {
		return err
	}
	var sd *stepDoc
	if step != nil {
		d, err := toStepDoc(*step)
		if err != nil {
			return err
		}
		sd = &d
	}
	return s.mutate(ctx, run.RunID, func(doc *runDoc) error {
		if expect != "" && api.RunStatus(doc.Status) != expect {
			return statusMismatch(run.RunID, expect, api.RunStatus(doc.Status))
		}
		steps := append([]stepDoc(nil), doc.Steps...)
		if sd != nil {
			steps = upsertStepDoc(steps, *sd)
		}
		createdAt := doc.CreatedAt
		*doc = next
		doc.Steps = steps
		doc.CreatedAt = createdAt
		return nil
	})
}

func (s *MongoStore) AppendEvent(ctx context.Context, ev api.TraceEvent) (int64, error) {
	doc, err := toEventDoc(ev)
	if err != nil {
		return 0, err
	}
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err = s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "events:" + ev.RunID},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	doc.Seq = counter.Seq
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoStore) ListEvents(ctx context.Context, runID string) ([]api.TraceEvent, error) {
	cur, err := s.events.Find(ctx, bson.M{"run_id": runID},
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.TraceEvent
	for cur.Next(ctx) {
		var d eventDoc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		ev, err := d.record()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, cur.Err()
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
