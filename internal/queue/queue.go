// Package queue hands work items to background consumers over Redis
// lists. Producers fire and forget; a failed enqueue is the caller's
// problem to log, not to retry.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Queue names understood by the background workers.
const (
	EmbedLinks       = "embed_links"
	OutgoingWebhooks = "outgoing_webhooks"
	EmbeddedBots     = "embedded_bots"
	WelcomeBot       = "welcome_bot"
	BotOwnerNotify   = "bot_owner_notify"
)

type Queue interface {
	Enqueue(ctx context.Context, queueName string, payload any) error
}

// RedisQueue pushes JSON-encoded items onto per-queue Redis lists.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func keyFor(queueName string) string {
	return "courier:queue:" + queueName
}

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode queue item: %w", err)
	}
	if err := q.rdb.LPush(ctx, keyFor(queueName), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue to %s: %w", queueName, err)
	}
	return nil
}

// MemoryQueue records enqueued items for tests.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string][]json.RawMessage
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string][]json.RawMessage)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, queueName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[queueName] = append(q.items[queueName], data)
	return nil
}

// Items returns the raw payloads enqueued to the named queue.
func (q *MemoryQueue) Items(queueName string) []json.RawMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]json.RawMessage, len(q.items[queueName]))
	copy(out, q.items[queueName])
	return out
}
