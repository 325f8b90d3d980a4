package analytics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// streamAdder is the part of redis.Cmdable the sink needs.
type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to a Redis stream.
type RedisStreamSink struct {
	rdb    streamAdder
	stream string
	maxLen int64
}

// NewRedisStreamSink writes to stream, trimming it to roughly maxLen
// entries when maxLen > 0.
func NewRedisStreamSink(rdb redis.Cmdable, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (s *RedisStreamSink) Track(ctx context.Context, e Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"id":             e.ID,
			"name":           e.Name,
			"transaction_id": e.TransactionID,
			"product_id":     e.ProductID,
			"from":           e.From,
			"to":             e.To,
			"retry_count":    strconv.Itoa(e.RetryCount),
			"error":          e.Error,
			"at":             strconv.FormatInt(e.At.UnixMilli(), 10),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
