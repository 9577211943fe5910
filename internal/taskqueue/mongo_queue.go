package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue is a durable Queue in a MongoDB collection. A claim is a
// single FindOneAndUpdate on the oldest due document, so two workers can
// never lease the same task.
type MongoQueue struct {
	tasks        *mongo.Collection
	counters     *mongo.Collection
	pollInterval time.Duration
	now          func() time.Time
}

var _ Queue = (*MongoQueue)(nil)

type mongoTaskDoc struct {
	ID         string `bson:"_id"`
	Seq        int64  `bson:"seq"`
	Body       []byte `bson:"body"`
	NotBefore  int64  `bson:"not_before"`
	Attempts   int    `bson:"attempts"`
	LeaseOwner string `bson:"lease_owner"`
	LeaseUntil int64  `bson:"lease_until"`
}

// NewMongoQueue creates the queue_tasks index in db and returns a new
// queue.
func NewMongoQueue(ctx context.Context, db *mongo.Database) (*MongoQueue, error) {
	q := &MongoQueue{
		tasks:        db.Collection("queue_tasks"),
		counters:     db.Collection("counters"),
		pollInterval: 50 * time.Millisecond,
		now:          time.Now,
	}
	_, err := q.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo queue index: %w", err)
	}
	return q, nil
}

func (q *MongoQueue) nextSeq(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := q.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "queue_tasks"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	return counter.Seq, err
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = q.now()
	}
	body, err := EncodeTask(t)
	if err != nil {
		return err
	}
	seq, err := q.nextSeq(ctx)
	if err != nil {
		return err
	}
	nb := t.EnqueuedAt
	if !t.NotBefore.IsZero() {
		nb = t.NotBefore
	}
	_, err = q.tasks.InsertOne(ctx, mongoTaskDoc{
		ID:        t.ID,
		Seq:       seq,
		Body:      body,
		NotBefore: nb.UnixNano(),
		Attempts:  t.Attempts,
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		task, err := q.claim(ctx, owner, lease)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *MongoQueue) claim(ctx context.Context, owner string, lease time.Duration) (*Task, error) {
	now := q.now().UnixNano()
	filter := bson.M{
		"not_before": bson.M{"$lte": now},
		"$or": []bson.M{
			{"lease_owner": ""},
			{"lease_until": bson.M{"$lte": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{"lease_owner": owner, "lease_until": q.now().Add(lease).UnixNano()},
		"$inc": bson.M{"attempts": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "seq", Value: 1}}).
		SetReturnDocument(options.After)

	var doc mongoTaskDoc
	err := q.tasks.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	task, err := DecodeTask(doc.Body)
	if err != nil {
		return nil, err
	}
	task.Attempts = doc.Attempts
	return task, nil
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.tasks.DeleteOne(ctx, bson.M{"_id": taskID, "lease_owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, reason string) error {
	var doc mongoTaskDoc
	err := q.tasks.FindOne(ctx, bson.M{"_id": taskID, "lease_owner": owner}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrLeaseLost
	}
	if err != nil {
		return err
	}
	task, err := DecodeTask(doc.Body)
	if err != nil {
		return err
	}
	task.LastError = reason
	task.NotBefore = notBefore
	body, err := EncodeTask(*task)
	if err != nil {
		return err
	}

	res, err := q.tasks.UpdateOne(ctx,
		bson.M{"_id": taskID, "lease_owner": owner},
		bson.M{"$set": bson.M{
			"body":        body,
			"not_before":  notBefore.UnixNano(),
			"lease_owner": "",
			"lease_until": int64(0),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := q.tasks.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0
	}
	return int(n)
}
