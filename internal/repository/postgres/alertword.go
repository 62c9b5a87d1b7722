package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type AlertWordStore struct {
	pool *pgxpool.Pool
}

func NewAlertWordStore(pool *pgxpool.Pool) *AlertWordStore {
	return &AlertWordStore{pool: pool}
}

// Words are stored lowercased — alert-word matching is case-insensitive
// and normalizing at write time keeps the per-tenant scan map simple.

func (s *AlertWordStore) Add(ctx context.Context, tenantID, userID uuid.UUID, word string) error {
	query := `
		INSERT INTO alert_words (tenant_id, user_id, word)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, user_id, word) DO NOTHING`

	_, err := s.pool.Exec(ctx, query, tenantID, userID, strings.ToLower(word))
	if err != nil {
		return fmt.Errorf("add alert word: %w", err)
	}
	return nil
}

func (s *AlertWordStore) Remove(ctx context.Context, tenantID, userID uuid.UUID, word string) error {
	query := `DELETE FROM alert_words WHERE tenant_id = $1 AND user_id = $2 AND word = $3`

	_, err := s.pool.Exec(ctx, query, tenantID, userID, strings.ToLower(word))
	if err != nil {
		return fmt.Errorf("remove alert word: %w", err)
	}
	return nil
}

func (s *AlertWordStore) ByTenant(ctx context.Context, tenantID uuid.UUID) (map[string][]uuid.UUID, error) {
	query := `SELECT word, user_id FROM alert_words WHERE tenant_id = $1`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list alert words: %w", err)
	}
	defer rows.Close()

	words := make(map[string][]uuid.UUID)
	for rows.Next() {
		var word string
		var userID uuid.UUID
		if err := rows.Scan(&word, &userID); err != nil {
			return nil, fmt.Errorf("scan alert word: %w", err)
		}
		words[word] = append(words[word], userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert words: %w", err)
	}
	return words, nil
}
