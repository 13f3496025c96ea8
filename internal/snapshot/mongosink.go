package snapshot

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/circuitbreaker"
	"github.com/routecodex/routecodex/internal/quotacenter"
)

// MongoErrorSink mirrors every ErrorEvent into a collection for
// cross-instance admin querying, alongside the NDJSON file that
// remains the source of truth. A capped collection bounds storage
// without an explicit retention job.
type MongoErrorSink struct {
	coll    *mongo.Collection
	logger  *zap.Logger
	breaker *circuitbreaker.Breaker
}

// NewMongoErrorSink connects to uri and ensures the target database/
// collection exists as a capped collection of maxBytes.
func NewMongoErrorSink(ctx context.Context, uri, database, collection string, maxBytes int64, logger *zap.Logger) (*MongoErrorSink, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, err
	}

	db := client.Database(database)
	createOpts := options.CreateCollection().SetCapped(true).SetSizeInBytes(maxBytes)
	_ = db.CreateCollection(ctx, collection, createOpts) // already-exists is not fatal

	sinkLogger := logger.With(zap.String("component", "mongo-error-sink"))
	return &MongoErrorSink{
		coll:    db.Collection(collection),
		logger:  sinkLogger,
		breaker: circuitbreaker.New(circuitbreaker.DefaultConfig(), sinkLogger),
	}, nil
}

type errorDocument struct {
	ProviderKey string    `bson:"provider_key"`
	HTTPStatus  int       `bson:"http_status"`
	Code        string    `bson:"code"`
	Message     string    `bson:"message"`
	Fatal       bool      `bson:"fatal"`
	RecordedAt  time.Time `bson:"recorded_at"`
}

// Record implements ErrorSink. Failures are logged, never propagated —
// the Mongo mirror is best-effort and must not affect request latency
// or the authoritative NDJSON log.
func (s *MongoErrorSink) Record(ctx context.Context, ev quotacenter.ErrorEvent) {
	doc := errorDocument{
		ProviderKey: ev.ProviderKey,
		HTTPStatus:  ev.HTTPStatus,
		Code:        ev.Code,
		Message:     ev.Message,
		Fatal:       ev.Fatal,
		RecordedAt:  time.Now().UTC(),
	}
	err := s.breaker.Call(ctx, func(callCtx context.Context) error {
		_, err := s.coll.InsertOne(callCtx, doc)
		return err
	})
	if err != nil {
		s.logger.Warn("mongo error-sink insert failed", zap.Error(err), zap.String("provider_key", ev.ProviderKey))
	}
}

var _ = bson.M{} // bson package retained for callers building ad-hoc admin queries against this collection
