package collector

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/reqlens/reqlens/internal/model"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/profiler"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoAPI is the collection call surface the wrapper instruments.
// *mongo.Collection satisfies it; tests substitute a fake.
type mongoAPI interface {
	Name() string
	Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*mongo.Cursor, error)
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
	InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error)
	UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error)
	Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*mongo.Cursor, error)
	CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error)
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

// Mongo builds instrumented collection wrappers for one database connection.
type Mongo struct {
	svc      *profiler.Service
	database string
	host     string
}

func NewMongo(svc *profiler.Service, database, host string) *Mongo {
	if database == "" {
		database = "unknown"
	}
	if host == "" {
		host = "localhost:27017"
	}
	return &Mongo{svc: svc, database: database, host: host}
}

// Collection wraps coll; the application uses the wrapper in place of the
// raw collection handle.
func (m *Mongo) Collection(coll mongoAPI) *MongoCollection {
	return &MongoCollection{api: coll, owner: m}
}

// MongoCollection mirrors the instrumented subset of the collection API.
// Every call returns exactly what the underlying driver returned.
type MongoCollection struct {
	api   mongoAPI
	owner *Mongo
}

func (c *MongoCollection) Name() string {
	return c.api.Name()
}

// Find returns a wrapped cursor: results are lazy, so the doc count is only
// known once the cursor is materialized.
func (c *MongoCollection) Find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) (*MongoCursor, error) {
	start := time.Now()
	cur, err := c.api.Find(ctx, filter, opts...)
	if err != nil {
		c.capture(ctx, "find", filter, start, nil, err)
		return nil, err
	}
	return &MongoCursor{
		Cursor: cur,
		coll:   c,
		ctx:    ctx,
		op:     "find",
		filter: filter,
		start:  start,
	}, nil
}

func (c *MongoCollection) FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult {
	start := time.Now()
	res := c.api.FindOne(ctx, filter, opts...)
	err := res.Err()
	if err == mongo.ErrNoDocuments {
		err = nil
	}
	c.capture(ctx, "findOne", filter, start, nil, err)
	return res
}

func (c *MongoCollection) InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	start := time.Now()
	res, err := c.api.InsertOne(ctx, document, opts...)
	c.capture(ctx, "insertOne", map[string]interface{}{"document": document}, start, res, err)
	return res, err
}

func (c *MongoCollection) InsertMany(ctx context.Context, documents []interface{}, opts ...*options.InsertManyOptions) (*mongo.InsertManyResult, error) {
	start := time.Now()
	res, err := c.api.InsertMany(ctx, documents, opts...)
	c.capture(ctx, "insertMany", map[string]interface{}{"document": documents}, start, res, err)
	return res, err
}

func (c *MongoCollection) UpdateOne(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	start := time.Now()
	res, err := c.api.UpdateOne(ctx, filter, update, opts...)
	c.capture(ctx, "updateOne", filter, start, res, err)
	return res, err
}

func (c *MongoCollection) UpdateMany(ctx context.Context, filter interface{}, update interface{}, opts ...*options.UpdateOptions) (*mongo.UpdateResult, error) {
	start := time.Now()
	res, err := c.api.UpdateMany(ctx, filter, update, opts...)
	c.capture(ctx, "updateMany", filter, start, res, err)
	return res, err
}

func (c *MongoCollection) DeleteOne(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	start := time.Now()
	res, err := c.api.DeleteOne(ctx, filter, opts...)
	c.capture(ctx, "deleteOne", filter, start, res, err)
	return res, err
}

func (c *MongoCollection) DeleteMany(ctx context.Context, filter interface{}, opts ...*options.DeleteOptions) (*mongo.DeleteResult, error) {
	start := time.Now()
	res, err := c.api.DeleteMany(ctx, filter, opts...)
	c.capture(ctx, "deleteMany", filter, start, res, err)
	return res, err
}

func (c *MongoCollection) Aggregate(ctx context.Context, pipeline interface{}, opts ...*options.AggregateOptions) (*MongoCursor, error) {
	start := time.Now()
	cur, err := c.api.Aggregate(ctx, pipeline, opts...)
	wrapped := map[string]interface{}{"pipeline": pipeline}
	if err != nil {
		c.capture(ctx, "aggregate", wrapped, start, nil, err)
		return nil, err
	}
	return &MongoCursor{
		Cursor: cur,
		coll:   c,
		ctx:    ctx,
		op:     "aggregate",
		filter: wrapped,
		start:  start,
	}, nil
}

func (c *MongoCollection) CountDocuments(ctx context.Context, filter interface{}, opts ...*options.CountOptions) (int64, error) {
	start := time.Now()
	n, err := c.api.CountDocuments(ctx, filter, opts...)
	c.capture(ctx, "countDocuments", filter, start, n, err)
	return n, err
}

func (c *MongoCollection) ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	start := time.Now()
	res, err := c.api.ReplaceOne(ctx, filter, replacement, opts...)
	c.capture(ctx, "replaceOne", filter, start, res, err)
	return res, err
}

// capture builds and attributes the event. It must never fail the call path.
func (c *MongoCollection) capture(ctx context.Context, operation string, filter interface{}, start time.Time, result interface{}, callErr error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("mongo capture failed", "operation", operation, "panic", r)
		}
	}()

	if filter == nil {
		filter = map[string]interface{}{}
	}

	text := "unknown"
	if payload, err := json.MarshalIndent(map[string]interface{}{
		"collection": c.api.Name(),
		"operation":  operation,
		"filter":     filter,
	}, "", "  "); err == nil {
		text = string(payload)
	}

	durationMs := time.Since(start).Milliseconds()
	if durationMs < 0 {
		durationMs = 0
	}
	count := resolveRowCount(result)
	ev := &model.QueryEvent{
		Statement:  text,
		Query:      text,
		Backend:    model.BackendMongo,
		Operation:  operation,
		Collection: c.api.Name(),
		Filter:     filter,
		DurationMs: durationMs,
		StartTime:  start.UnixMilli(),
		RowCount:   &count,
		Connection: c.owner.database + "@" + c.owner.host,
	}
	if callErr != nil {
		ev.Error = callErr.Error()
	}
	c.owner.svc.AddQuery(ctx, ev)
}

// resolveRowCount tries, in order: numeric result, doc-array length,
// inserted count, modified count, deleted count. First match wins; the order
// decides which field counts when a result carries several count-like
// fields.
func resolveRowCount(result interface{}) int64 {
	switch r := result.(type) {
	case nil:
		return 0
	case int64:
		return r
	case int:
		return int64(r)
	case int32:
		return int64(r)
	case float64:
		return int64(r)
	}

	if rv := reflect.ValueOf(result); rv.Kind() == reflect.Slice {
		return int64(rv.Len())
	}

	switch r := result.(type) {
	case *mongo.InsertOneResult:
		if r != nil {
			return 1
		}
	case *mongo.InsertManyResult:
		if r != nil {
			return int64(len(r.InsertedIDs))
		}
	case *mongo.UpdateResult:
		if r != nil {
			return r.ModifiedCount
		}
	case *mongo.DeleteResult:
		if r != nil {
			return r.DeletedCount
		}
	}
	return 0
}

// MongoCursor defers the find/aggregate event until the results are
// materialized, mirroring the laziness of the underlying cursor.
type MongoCursor struct {
	*mongo.Cursor
	coll    *MongoCollection
	ctx     context.Context
	op      string
	filter  interface{}
	start   time.Time
	emitted bool
}

// All drains the cursor into results and records the event with the
// materialized doc count.
func (c *MongoCursor) All(ctx context.Context, results interface{}) error {
	err := c.Cursor.All(ctx, results)
	if c.emitted {
		return err
	}
	c.emitted = true
	if err != nil {
		c.coll.capture(c.ctx, c.op, c.filter, c.start, nil, err)
		return err
	}
	count := int64(0)
	if rv := reflect.ValueOf(results); rv.Kind() == reflect.Ptr && rv.Elem().Kind() == reflect.Slice {
		count = int64(rv.Elem().Len())
	}
	c.coll.capture(c.ctx, c.op, c.filter, c.start, count, nil)
	return err
}

// Close records the event for cursors that were iterated manually instead of
// drained through All.
func (c *MongoCursor) Close(ctx context.Context) error {
	err := c.Cursor.Close(ctx)
	if !c.emitted {
		c.emitted = true
		c.coll.capture(c.ctx, c.op, c.filter, c.start, nil, nil)
	}
	return err
}
