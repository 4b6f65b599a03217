// Package mongo hosts the MongoDB client used by the run store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/acp/run"
)

const (
	defaultRunsCollection = "acp_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for run records. The swap operation
// carries the same compare-and-set contract as run.Store.Swap: the stored
// document is replaced only when its state still matches prev.
type Client interface {
	health.Pinger

	InsertRun(ctx context.Context, rec run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
	SwapRun(ctx context.Context, rec run.Record, prev run.State) (run.Record, error)
	ListRuns(ctx context.Context, f run.Filter) ([]run.Record, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB. It creates the indexes the run
// store relies on: a unique index on run_id and a compound index serving the
// expiry sweep.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertRun(ctx context.Context, rec run.Record) error {
	if rec.ID == "" {
		return errors.New("run id is required")
	}
	if rec.AgentName == "" {
		return errors.New("agent name is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.InsertOne(ctx, fromRecord(rec))
	if mongodriver.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", run.ErrRunExists, rec.ID)
	}
	return err
}

func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": runID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, fmt.Errorf("%w: %s", run.ErrRunNotFound, runID)
		}
		return run.Record{}, err
	}
	return doc.toRecord(), nil
}

func (c *client) SwapRun(ctx context.Context, rec run.Record, prev run.State) (run.Record, error) {
	if rec.ID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// The state guard in the filter is the compare-and-set: a concurrent
	// writer that transitioned the run first leaves nothing to match.
	filter := bson.M{"run_id": rec.ID, "state": prev}
	res, err := c.coll.ReplaceOne(ctx, filter, fromRecord(rec))
	if err != nil {
		return run.Record{}, err
	}
	if res.MatchedCount > 0 {
		return rec.Clone(), nil
	}

	var doc runDocument
	if err := c.coll.FindOne(ctx, bson.M{"run_id": rec.ID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, fmt.Errorf("%w: %s", run.ErrRunNotFound, rec.ID)
		}
		return run.Record{}, err
	}
	return run.Record{}, fmt.Errorf("%w: %s is %q, expected %q",
		run.ErrStateConflict, rec.ID, doc.State, prev)
}

func (c *client) ListRuns(ctx context.Context, f run.Filter) ([]run.Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if len(f.States) > 0 {
		filter["state"] = bson.M{"$in": f.States}
	}
	if len(f.Statefulness) > 0 {
		filter["statefulness"] = bson.M{"$in": f.Statefulness}
	}
	if f.ExpiresBefore != nil {
		filter["expires_at"] = bson.M{"$lt": f.ExpiresBefore.UTC()}
	}

	cur, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	var docs []runDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]run.Record, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.toRecord())
	}
	return out, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID        string           `bson:"run_id"`
	AgentName    string           `bson:"agent_name"`
	State        run.State        `bson:"state"`
	Statefulness run.Statefulness `bson:"statefulness"`
	Input        []byte           `bson:"input,omitempty"`
	Output       []byte           `bson:"output,omitempty"`
	Await        *awaitDocument   `bson:"await,omitempty"`
	Failure      *failureDocument `bson:"failure,omitempty"`
	ExpiresAt    *time.Time       `bson:"expires_at,omitempty"`
	CreatedAt    time.Time        `bson:"created_at"`
	UpdatedAt    time.Time        `bson:"updated_at"`
}

type awaitDocument struct {
	Reason string `bson:"reason"`
	Schema []byte `bson:"schema,omitempty"`
}

type failureDocument struct {
	Kind    run.FailureKind `bson:"kind"`
	Message string          `bson:"message"`
}

func fromRecord(rec run.Record) runDocument {
	doc := runDocument{
		RunID:        rec.ID,
		AgentName:    rec.AgentName,
		State:        rec.State,
		Statefulness: rec.Statefulness,
		Input:        rec.Input,
		Output:       rec.Output,
		CreatedAt:    rec.CreatedAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
	}
	if rec.AwaitRequest != nil {
		doc.Await = &awaitDocument{
			Reason: rec.AwaitRequest.Reason,
			Schema: rec.AwaitRequest.Schema,
		}
	}
	if rec.Error != nil {
		doc.Failure = &failureDocument{
			Kind:    rec.Error.Kind,
			Message: rec.Error.Message,
		}
	}
	if rec.ExpiresAt != nil {
		at := rec.ExpiresAt.UTC()
		doc.ExpiresAt = &at
	}
	return doc
}

func (doc runDocument) toRecord() run.Record {
	rec := run.Record{
		ID:           doc.RunID,
		AgentName:    doc.AgentName,
		State:        doc.State,
		Statefulness: doc.Statefulness,
		Input:        doc.Input,
		Output:       doc.Output,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.Await != nil {
		rec.AwaitRequest = &run.AwaitRequest{
			Reason: doc.Await.Reason,
			Schema: doc.Await.Schema,
		}
	}
	if doc.Failure != nil {
		rec.Error = &run.Failure{
			Kind:    doc.Failure.Kind,
			Message: doc.Failure.Message,
		}
	}
	if doc.ExpiresAt != nil {
		at := *doc.ExpiresAt
		rec.ExpiresAt = &at
	}
	return rec
}

func ensureIndexes(ctx context.Context, coll collection) error {
	models := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "run_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// Serves the expiry sweep filter.
			Keys: bson.D{
				{Key: "statefulness", Value: 1},
				{Key: "state", Value: 1},
				{Key: "expires_at", Value: 1},
			},
		},
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) ([]string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any, opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateMany(ctx context.Context, models []mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) ([]string, error) {
	return v.view.CreateMany(ctx, models, opts...)
}
