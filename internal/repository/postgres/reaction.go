package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/courier/internal/models"
)

type ReactionStore struct {
	pool *pgxpool.Pool
}

func NewReactionStore(pool *pgxpool.Pool) *ReactionStore {
	return &ReactionStore{pool: pool}
}

// Add reports false when the reaction already existed — the caller
// treats a double-add as already-applied, not as a failure.
func (s *ReactionStore) Add(ctx context.Context, reaction *models.Reaction) (bool, error) {
	query := `
		INSERT INTO reactions (user_id, message_id, emoji, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, message_id, emoji) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, reaction.UserID, reaction.MessageID, reaction.Emoji)
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ReactionStore) Remove(ctx context.Context, userID uuid.UUID, messageID int64, emoji string) (bool, error) {
	query := `DELETE FROM reactions WHERE user_id = $1 AND message_id = $2 AND emoji = $3`

	tag, err := s.pool.Exec(ctx, query, userID, messageID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *ReactionStore) ListByMessage(ctx context.Context, messageID int64) ([]models.Reaction, error) {
	query := `
		SELECT user_id, message_id, emoji, created_at
		FROM reactions
		WHERE message_id = $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	reactions := make([]models.Reaction, 0)
	for rows.Next() {
		var r models.Reaction
		if err := rows.Scan(&r.UserID, &r.MessageID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		reactions = append(reactions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return reactions, nil
}
