package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-moderation-pipeline/internal/config"
	"content-moderation-pipeline/internal/telemetry"
)

// RedisQueue hands video ids from the API to workers. Ready ids live in a
// list, leased ids in a zset scored by lease deadline, delivery counts in a
// hash. Claim keys give per-video mutual exclusion.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	attemptsKey   string
	claimPrefix   string
	visibilityTTL time.Duration
	logger        *slog.Logger
}

// Delivery is one leased video id.
type Delivery struct {
	VideoID string
	Attempt int
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config, logger *slog.Logger) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "moderation"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 45 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		client:        client,
		readyKey:      name + ":ready",
		inflightKey:   name + ":inflight",
		attemptsKey:   name + ":attempts",
		claimPrefix:   name + ":claim:",
		visibilityTTL: visibility,
		logger:        logger,
	}
}

// Enqueue appends a video id to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, videoID string) error {
	return q.client.RPush(ctx, q.readyKey, videoID).Err()
}

// Submit is the fire-and-forget entry point for request handlers: it never
// blocks beyond a short enqueue timeout and never returns an error. A failed
// enqueue leaves the record pending, which is the visible retry signal.
func (q *RedisQueue) Submit(videoID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Enqueue(ctx, videoID); err != nil {
		q.logger.Error("enqueue moderation job", "video_id", videoID, "error", err)
		return
	}
	telemetry.JobsSubmitted.Inc()
}

// DequeueWithLease pops the oldest ready id and leases it until the
// visibility timeout. An empty queue returns a zero Delivery and nil error.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (Delivery, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey, q.attemptsKey}, deadline).Result()
	if err == redis.Nil {
		return Delivery{}, nil
	}
	if err != nil {
		return Delivery{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return Delivery{}, fmt.Errorf("unexpected reply from dequeue script: %T", res)
	}
	id, ok := arr[0].(string)
	if !ok {
		return Delivery{}, fmt.Errorf("unexpected id type from dequeue script: %T", arr[0])
	}
	var attempt int
	switch v := arr[1].(type) {
	case int64:
		attempt = int(v)
	case string:
		attempt, _ = strconv.Atoi(v)
	}
	return Delivery{VideoID: id, Attempt: attempt}, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight id.
func (q *RedisQueue) ExtendLease(ctx context.Context, videoID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: videoID,
	}).Err()
}

// Ack forgets a leased id once its job finished, whatever the outcome.
func (q *RedisQueue) Ack(ctx context.Context, videoID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, videoID)
	pipe.HDel(ctx, q.attemptsKey, videoID)
	_, err := pipe.Exec(ctx)
	return err
}

// Requeue hands a leased id back to the front of the ready list, for a worker
// that is shutting down before its job finished.
func (q *RedisQueue) Requeue(ctx context.Context, videoID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, videoID)
	pipe.LPush(ctx, q.readyKey, videoID)
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired returns ids whose lease ran out (their worker died) to the
// ready list.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the number of ids waiting for a worker.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// Claim takes the per-video lock for ttl. It returns false if another job
// already holds it.
func (q *RedisQueue) Claim(ctx context.Context, videoID string, ttl time.Duration) (bool, error) {
	return q.client.SetNX(ctx, q.claimPrefix+videoID, time.Now().UTC().Format(time.RFC3339), ttl).Result()
}

// Unclaim releases the per-video lock.
func (q *RedisQueue) Unclaim(ctx context.Context, videoID string) error {
	return q.client.Del(ctx, q.claimPrefix+videoID).Err()
}

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if not id then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
local attempt = redis.call('HINCRBY', KEYS[3], id, 1)
return {id, attempt}
`)
