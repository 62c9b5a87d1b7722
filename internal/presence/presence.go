// Package presence tracks the last-seen time of each user so the
// notification path can tell idle users (who should get a push) from
// active ones (who will see the message in their open client).
package presence

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lalith-99/courier/internal/models"
)

type Service interface {
	// Heartbeat records that the user is active right now.
	Heartbeat(ctx context.Context, tenantID, userID uuid.UUID) error
	// IsIdle returns the subset of userIDs whose last heartbeat is
	// older than threshold. Users with no heartbeat at all count as
	// idle.
	IsIdle(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, threshold time.Duration) (models.UserSet, error)
}

// RedisPresence keeps last-seen unix timestamps in one hash per tenant.
type RedisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) *RedisPresence {
	return &RedisPresence{rdb: rdb}
}

func keyFor(tenantID uuid.UUID) string {
	return "courier:presence:" + tenantID.String()
}

func (p *RedisPresence) Heartbeat(ctx context.Context, tenantID, userID uuid.UUID) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := p.rdb.HSet(ctx, keyFor(tenantID), userID.String(), now).Err(); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

func (p *RedisPresence) IsIdle(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, threshold time.Duration) (models.UserSet, error) {
	idle := models.NewUserSet()
	if len(userIDs) == 0 {
		return idle, nil
	}

	fields := make([]string, len(userIDs))
	for i, id := range userIDs {
		fields[i] = id.String()
	}
	vals, err := p.rdb.HMGet(ctx, keyFor(tenantID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence: %w", err)
	}

	cutoff := time.Now().Add(-threshold).Unix()
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			idle.Add(userIDs[i]) // never seen
			continue
		}
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil || ts < cutoff {
			idle.Add(userIDs[i])
		}
	}
	return idle, nil
}

// MemoryPresence is the in-process implementation used by tests. Its
// clock is settable so idle thresholds can be crossed without sleeping.
type MemoryPresence struct {
	mu   sync.Mutex
	seen map[uuid.UUID]map[uuid.UUID]time.Time
	now  func() time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{
		seen: make(map[uuid.UUID]map[uuid.UUID]time.Time),
		now:  time.Now,
	}
}

func (p *MemoryPresence) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

func (p *MemoryPresence) Heartbeat(ctx context.Context, tenantID, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[tenantID] == nil {
		p.seen[tenantID] = make(map[uuid.UUID]time.Time)
	}
	p.seen[tenantID][userID] = p.now()
	return nil
}

func (p *MemoryPresence) IsIdle(ctx context.Context, tenantID uuid.UUID, userIDs []uuid.UUID, threshold time.Duration) (models.UserSet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := models.NewUserSet()
	cutoff := p.now().Add(-threshold)
	for _, id := range userIDs {
		ts, ok := p.seen[tenantID][id]
		if !ok || ts.Before(cutoff) {
			idle.Add(id)
		}
	}
	return idle, nil
}
