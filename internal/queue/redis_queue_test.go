package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-moderation-pipeline/internal/config"
)

func newQueue(t *testing.T, visibility time.Duration) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, config.Config{QueueName: "test", VisibilityTimeout: visibility}, nil), mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t, time.Minute)

	q.Submit("v1")
	q.Submit("v2")
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("expected depth 2, got %d", depth)
	}

	d, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.VideoID != "v1" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if !mr.Exists("test:inflight") {
		t.Fatalf("expected lease to be recorded")
	}

	if err := q.Ack(ctx, "v1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if members, _ := mr.ZMembers("test:inflight"); len(members) != 0 {
		t.Fatalf("expected no leases after ack, got %v", members)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newQueue(t, time.Minute)
	d, err := q.DequeueWithLease(context.Background())
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if d.VideoID != "" {
		t.Fatalf("expected empty delivery, got %+v", d)
	}
}

func TestRequeueExpiredCountsAttempts(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, time.Millisecond)

	if err := q.Enqueue(ctx, "v1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(ids) != 1 || ids[0] != "v1" {
		t.Fatalf("expected v1 to be reclaimed, got %v", ids)
	}

	d, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue again: %v", err)
	}
	if d.VideoID != "v1" || d.Attempt != 2 {
		t.Fatalf("expected second attempt for v1, got %+v", d)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	q, mr := newQueue(t, time.Minute)

	ok, err := q.Claim(ctx, "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim to succeed: ok=%v err=%v", ok, err)
	}
	if ok, _ := q.Claim(ctx, "v1", time.Minute); ok {
		t.Fatalf("expected second claim to fail")
	}
	if err := q.Unclaim(ctx, "v1"); err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if ok, _ := q.Claim(ctx, "v1", time.Minute); !ok {
		t.Fatalf("expected claim after unclaim to succeed")
	}

	mr.FastForward(2 * time.Minute)
	if ok, _ := q.Claim(ctx, "v1", time.Minute); !ok {
		t.Fatalf("expected claim to expire with its ttl")
	}
}
