package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/courier/internal/models"
)

type SubscriptionStore struct {
	pool *pgxpool.Pool
}

func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

// Subscribe reactivates or creates the subscription and opens a new
// interval in the same transaction. The interval log is what the idle
// reconciler replays, so it has to move in lockstep with the Active
// flag — never one without the other.
func (s *SubscriptionStore) Subscribe(ctx context.Context, streamID, userID uuid.UUID, atMessageID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	upsert := `
		INSERT INTO subscriptions (stream_id, user_id, active, muted, created_at)
		VALUES ($1, $2, true, false, now())
		ON CONFLICT (stream_id, user_id) DO UPDATE SET active = true
		WHERE subscriptions.active = false OR subscriptions.active IS NULL
		RETURNING true`

	// The WHERE on the conflict update makes re-subscribing an active
	// subscription return no row — that tells us to skip the interval.
	var activated bool
	err = tx.QueryRow(ctx, upsert, streamID, userID).Scan(&activated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // already subscribed, idempotent no-op
		}
		return fmt.Errorf("upsert subscription: %w", err)
	}

	openInterval := `
		INSERT INTO subscription_intervals (stream_id, user_id, start_message_id, end_message_id)
		VALUES ($1, $2, $3, NULL)`
	if _, err := tx.Exec(ctx, openInterval, streamID, userID, atMessageID); err != nil {
		return fmt.Errorf("open subscription interval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit subscribe: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Unsubscribe(ctx context.Context, streamID, userID uuid.UUID, atMessageID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deactivate := `
		UPDATE subscriptions SET active = false
		WHERE stream_id = $1 AND user_id = $2 AND active`

	tag, err := tx.Exec(ctx, deactivate, streamID, userID)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil // was not subscribed, idempotent no-op
	}

	closeInterval := `
		UPDATE subscription_intervals SET end_message_id = $3
		WHERE stream_id = $1 AND user_id = $2 AND end_message_id IS NULL`
	if _, err := tx.Exec(ctx, closeInterval, streamID, userID, atMessageID); err != nil {
		return fmt.Errorf("close subscription interval: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit unsubscribe: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) Get(ctx context.Context, streamID, userID uuid.UUID) (*models.Subscription, error) {
	query := `
		SELECT stream_id, user_id, active, muted,
		       push_override, email_override, wildcard_override, created_at
		FROM subscriptions
		WHERE stream_id = $1 AND user_id = $2`

	var sub models.Subscription
	err := s.pool.QueryRow(ctx, query, streamID, userID).Scan(
		&sub.StreamID,
		&sub.UserID,
		&sub.Active,
		&sub.Muted,
		&sub.PushOverride,
		&sub.EmailOverride,
		&sub.WildcardOverride,
		&sub.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) SetMuted(ctx context.Context, streamID, userID uuid.UUID, muted bool) error {
	query := `UPDATE subscriptions SET muted = $3 WHERE stream_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, query, streamID, userID, muted)
	if err != nil {
		return fmt.Errorf("set muted: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) SetOverrides(ctx context.Context, streamID, userID uuid.UUID, push, email, wildcard *bool) error {
	query := `
		UPDATE subscriptions
		SET push_override = $3, email_override = $4, wildcard_override = $5
		WHERE stream_id = $1 AND user_id = $2`

	_, err := s.pool.Exec(ctx, query, streamID, userID, push, email, wildcard)
	if err != nil {
		return fmt.Errorf("set overrides: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) MuteTopic(ctx context.Context, streamID, userID uuid.UUID, topic string) error {
	query := `
		INSERT INTO muted_topics (stream_id, user_id, topic)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_id, user_id, topic) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, streamID, userID, topic)
	if err != nil {
		return fmt.Errorf("mute topic: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) UnmuteTopic(ctx context.Context, streamID, userID uuid.UUID, topic string) error {
	query := `DELETE FROM muted_topics WHERE stream_id = $1 AND user_id = $2 AND topic = $3`

	_, err := s.pool.Exec(ctx, query, streamID, userID, topic)
	if err != nil {
		return fmt.Errorf("unmute topic: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) TopicMutedUserIDs(ctx context.Context, streamID uuid.UUID, topic string) (models.UserSet, error) {
	query := `SELECT user_id FROM muted_topics WHERE stream_id = $1 AND topic = $2`

	rows, err := s.pool.Query(ctx, query, streamID, topic)
	if err != nil {
		return nil, fmt.Errorf("list topic mutes: %w", err)
	}
	defer rows.Close()

	muted := models.NewUserSet()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan topic mute: %w", err)
		}
		muted.Add(id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topic mutes: %w", err)
	}
	return muted, nil
}

// NotificationRows is the single join the recipient-info calculator
// runs per stream send: every active subscription with the user fields
// needed to classify the subscriber. One query, however large the
// stream.
func (s *SubscriptionStore) NotificationRows(ctx context.Context, streamID uuid.UUID) ([]models.SubscriberNotificationRow, error) {
	query := `
		SELECT u.id, u.is_active, u.is_bot, u.bot_kind, u.long_term_idle,
		       u.online_push_enabled, u.stream_push_enabled, u.stream_email_enabled,
		       u.wildcard_mentions_notify,
		       sub.push_override, sub.email_override, sub.wildcard_override,
		       sub.muted
		FROM subscriptions sub
		JOIN users u ON u.id = sub.user_id
		WHERE sub.stream_id = $1 AND sub.active`

	rows, err := s.pool.Query(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("query notification rows: %w", err)
	}
	defer rows.Close()

	out := make([]models.SubscriberNotificationRow, 0)
	for rows.Next() {
		var r models.SubscriberNotificationRow
		if err := rows.Scan(
			&r.UserID, &r.IsActive, &r.IsBot, &r.BotKind, &r.LongTermIdle,
			&r.OnlinePushEnabled, &r.StreamPushEnabled, &r.StreamEmailEnabled,
			&r.WildcardMentionsNotify,
			&r.PushOverride, &r.EmailOverride, &r.WildcardOverride,
			&r.Muted,
		); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return out, nil
}

func (s *SubscriptionStore) ActiveSubscriberIDs(ctx context.Context, streamID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM subscriptions WHERE stream_id = $1 AND active`

	rows, err := s.pool.Query(ctx, query, streamID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return ids, nil
}

func (s *SubscriptionStore) Intervals(ctx context.Context, userID uuid.UUID) ([]models.SubscriptionInterval, error) {
	query := `
		SELECT stream_id, user_id, start_message_id, end_message_id
		FROM subscription_intervals
		WHERE user_id = $1
		ORDER BY stream_id, start_message_id`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list intervals: %w", err)
	}
	defer rows.Close()

	intervals := make([]models.SubscriptionInterval, 0)
	for rows.Next() {
		var iv models.SubscriptionInterval
		if err := rows.Scan(&iv.StreamID, &iv.UserID, &iv.StartMessageID, &iv.EndMessageID); err != nil {
			return nil, fmt.Errorf("scan interval: %w", err)
		}
		intervals = append(intervals, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate intervals: %w", err)
	}
	return intervals, nil
}
