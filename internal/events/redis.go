package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Channel per tenant: courier:events:<tenant-id>. The hub subscribes
// per tenant, so one noisy tenant never fans into another's consumers.
func channelFor(tenantID uuid.UUID) string {
	return "courier:events:" + tenantID.String()
}

// RedisPublisher publishes events over Redis pub/sub. At-least-once is
// the bus contract; Redis pub/sub is actually at-most-once per
// subscriber, which is fine — clients resync from the database using
// message ids when they reconnect.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID uuid.UUID, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channelFor(tenantID), payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// MemoryPublisher records events in order. Test double.
type MemoryPublisher struct {
	Events []PublishedEvent
}

type PublishedEvent struct {
	TenantID uuid.UUID
	Event    any
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{Events: []PublishedEvent{}}
}

func (p *MemoryPublisher) Publish(_ context.Context, tenantID uuid.UUID, event any) error {
	p.Events = append(p.Events, PublishedEvent{TenantID: tenantID, Event: event})
	return nil
}

// ByType returns the recorded events of one concrete type.
func ByType[T any](p *MemoryPublisher) []T {
	out := []T{}
	for _, pe := range p.Events {
		if ev, ok := pe.Event.(T); ok {
			out = append(out, ev)
		}
	}
	return out
}
