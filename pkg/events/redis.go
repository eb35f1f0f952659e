package events

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-pipelines/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-pipelines/pkg/events"

// ListCmdable is the subset of go-redis list commands used by
// [RedisLog]. It is satisfied by [*redis.Client] and test mocks.
type ListCmdable interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

var (
	_ ListCmdable = (*redis.Client)(nil)
	_ Persister   = (*RedisLog)(nil)
	_ Deleter     = (*RedisLog)(nil)
)

// RedisLog persists event logs as Redis lists of JSON documents, one list
// per execution under events:{executionID}.
type RedisLog struct {
	client    ListCmdable
	retention time.Duration
	tracer    trace.Tracer
}

// NewRedisLog creates a RedisLog. Each list expires after retention,
// refreshed on append; a non-positive retention keeps lists forever.
func NewRedisLog(client ListCmdable, retention time.Duration) *RedisLog {
	return &RedisLog{client: client, retention: retention, tracer: otel.Tracer(tracerName)}
}

// Key returns the list key of executionID.
func (r *RedisLog) Key(executionID string) string {
	return "events:" + executionID
}

// AppendEvent implements [Persister].
func (r *RedisLog) AppendEvent(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "events: encode event failed")
	}
	key := r.Key(e.ExecutionID)
	ctx, span := r.startSpan(ctx, "RPush", "RPUSH "+key)
	err = r.client.RPush(ctx, key, data).Err()
	if err == nil && r.retention > 0 {
		err = r.client.Expire(ctx, key, r.retention).Err()
	}
	finishSpan(span, err)
	if err != nil {
		return wrapDBError(err, "events: redis append failed")
	}
	return nil
}

// LoadEvents implements [Persister]. Events are returned in Seq order.
func (r *RedisLog) LoadEvents(ctx context.Context, executionID string) ([]Event, error) {
	key := r.Key(executionID)
	ctx, span := r.startSpan(ctx, "LRange", "LRANGE "+key+" 0 -1")
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	finishSpan(span, err)
	if err != nil {
		return nil, wrapDBError(err, "events: redis load failed")
	}

	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var e Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalStorage,
				"events: corrupt event in %s", key)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteEvents implements [Deleter].
func (r *RedisLog) DeleteEvents(ctx context.Context, executionID string) error {
	key := r.Key(executionID)
	ctx, span := r.startSpan(ctx, "Del", "DEL "+key)
	err := r.client.Del(ctx, key).Err()
	finishSpan(span, err)
	if err != nil {
		return wrapDBError(err, "events: redis delete failed")
	}
	return nil
}

func (r *RedisLog) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "redis."+op,
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
