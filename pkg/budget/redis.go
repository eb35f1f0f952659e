package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/budget"

// RedisCmdable is the subset of go-redis commands used by [RedisStore].
// It is satisfied by [*redis.Client], [*redis.ClusterClient] and test
// mocks.
type RedisCmdable interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

var (
	_ RedisCmdable = (*redis.Client)(nil)
	_ RedisCmdable = (*redis.ClusterClient)(nil)
	_ SpendStore   = (*RedisStore)(nil)
)

// RedisKeyPrefix prefixes every spend counter key.
const RedisKeyPrefix = "budget:spend"

// RedisStore keeps spend counters in Redis as integer micro-units,
// incremented with INCRBY. Each counter expires after the configured
// retention, refreshed on every increment.
type RedisStore struct {
	client    RedisCmdable
	retention time.Duration
	tracer    trace.Tracer
}

// NewRedisStore creates a RedisStore. A non-positive retention disables
// expiry.
func NewRedisStore(client RedisCmdable, retention time.Duration) *RedisStore {
	return &RedisStore{
		client:    client,
		retention: retention,
		tracer:    otel.Tracer(tracerName),
	}
}

// Key returns the Redis key of a spend counter.
func (s *RedisStore) Key(key SpendKey) string {
	return fmt.Sprintf("%s:%s:%s", RedisKeyPrefix, key.TenantID, key.Period)
}

// Increment implements [SpendStore].
func (s *RedisStore) Increment(ctx context.Context, key SpendKey, micros int64) (int64, error) {
	k := s.Key(key)
	ctx, span := s.startSpan(ctx, "IncrBy", "INCRBY "+k)
	total, err := s.client.IncrBy(ctx, k, micros).Result()
	if err == nil && s.retention > 0 {
		err = s.client.Expire(ctx, k, s.retention).Err()
	}
	finishSpan(span, err)
	if err != nil {
		return 0, wrapDBError(err, "budget: redis increment failed")
	}
	return total, nil
}

// Current implements [SpendStore].
func (s *RedisStore) Current(ctx context.Context, key SpendKey) (int64, error) {
	k := s.Key(key)
	ctx, span := s.startSpan(ctx, "Get", "GET "+k)
	n, err := s.client.Get(ctx, k).Int64()
	if errors.Is(err, redis.Nil) {
		err = nil
	}
	finishSpan(span, err)
	if err != nil {
		return 0, wrapDBError(err, "budget: redis read failed")
	}
	return n, nil
}

func (s *RedisStore) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "redis."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("db.statement", statement),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func wrapDBError(err error, message string) *sserr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
