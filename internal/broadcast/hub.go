// Package broadcast fans video status events out to observers over Redis
// pub/sub. A Hub is created at process start and closed at shutdown.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"content-moderation-pipeline/internal/models"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broadcast hub closed")

// Hub publishes StatusEvents on one Redis channel.
type Hub struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	subs   map[*redis.PubSub]struct{}
}

// NewHub binds a hub to channel.
func NewHub(client *redis.Client, channel string, logger *slog.Logger) *Hub {
	if channel == "" {
		channel = "video:status"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		client:  client,
		channel: channel,
		logger:  logger,
		subs:    make(map[*redis.PubSub]struct{}),
	}
}

// Publish sends one event. There is no acknowledgment; observers that are
// not subscribed at this moment miss it.
func (h *Hub) Publish(ctx context.Context, ev models.StatusEvent) error {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ev.Status.IsTerminal() {
		return fmt.Errorf("broadcast: refusing non-terminal status %q", ev.Status)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Subscribe streams events until ctx is done or the returned stop func is
// called. Malformed messages are dropped.
func (h *Hub) Subscribe(ctx context.Context) (<-chan models.StatusEvent, func() error, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, nil, ErrClosed
	}
	ps := h.client.Subscribe(ctx, h.channel)
	h.subs[ps] = struct{}{}
	h.mu.Unlock()

	// Wait for the subscription confirmation so no event published after
	// Subscribe returns is lost.
	if _, err := ps.Receive(ctx); err != nil {
		h.drop(ps)
		_ = ps.Close()
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan models.StatusEvent, 16)
	var once sync.Once
	stop := func() error {
		var err error
		once.Do(func() {
			h.drop(ps)
			err = ps.Close()
		})
		return err
	}

	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = stop()
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("dropping malformed status event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					_ = stop()
					return
				}
			}
		}
	}()
	return out, stop, nil
}

func (h *Hub) drop(ps *redis.PubSub) {
	h.mu.Lock()
	delete(h.subs, ps)
	h.mu.Unlock()
}

// Close stops publishing and tears down open subscriptions. It does not
// close the shared Redis client.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*redis.PubSub, 0, len(h.subs))
	for ps := range h.subs {
		subs = append(subs, ps)
	}
	h.subs = map[*redis.PubSub]struct{}{}
	h.mu.Unlock()

	var errs []error
	for _, ps := range subs {
		if err := ps.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
