// Package queue carries detection events from the ingestion endpoint to the
// worker that applies them.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DetectionEvent is one sighting emitted by the recognizer. ProofImage is an
// optional base64 data URL that the worker uploads; ProofRef is an already
// stored proof.
type DetectionEvent struct {
	StudentID   int64     `json:"student_id,omitempty"`
	StudentCode string    `json:"student_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ProofImage  string    `json:"proof_image,omitempty"`
	ProofRef    string    `json:"proof_ref,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, ev DetectionEvent) error
	Consume(ctx context.Context) (<-chan DetectionEvent, error)
}

// InMemory is a channel-backed queue for dev and tests.
type InMemory struct {
	ch chan DetectionEvent
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan DetectionEvent, size)}
}

// Publish enqueues an event, blocking while the buffer is full.
func (q *InMemory) Publish(ctx context.Context, ev DetectionEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. It is closed when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan DetectionEvent, error) {
	out := make(chan DetectionEvent)
	go func() {
		defer close(out)
		for {
			select {
			case ev := <-q.ch:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue is a Redis list queue: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	client *redis.Client
	key    string
	log    *zap.Logger
}

// NewRedisQueue builds a queue on key.
func NewRedisQueue(client *redis.Client, key string, logger *zap.Logger) *RedisQueue {
	if key == "" {
		key = "classroll:detections"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{client: client, key: key, log: logger}
}

// Publish enqueues an event as JSON.
func (q *RedisQueue) Publish(ctx context.Context, ev DetectionEvent) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, raw).Err()
}

// Consume streams events using BRPOP. Malformed entries are logged and
// dropped; Redis errors back off for a second.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan DetectionEvent, error) {
	out := make(chan DetectionEvent)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					q.log.Warn("queue pop failed", zap.String("key", q.key), zap.Error(err))
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			var ev DetectionEvent
			if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
				q.log.Warn("dropping malformed detection event", zap.Error(err))
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
