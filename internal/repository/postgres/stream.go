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

type StreamStore struct {
	pool *pgxpool.Pool
}

func NewStreamStore(pool *pgxpool.Pool) *StreamStore {
	return &StreamStore{pool: pool}
}

const streamColumns = `
	id, tenant_id, name, visibility, post_policy,
	history_public_to_subscribers, recipient_id, created_at`

func scanStream(row pgx.Row) (*models.Stream, error) {
	var st models.Stream
	err := row.Scan(
		&st.ID,
		&st.TenantID,
		&st.Name,
		&st.Visibility,
		&st.PostPolicy,
		&st.HistoryPublicToSubscribers,
		&st.RecipientID,
		&st.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// Create inserts the stream and its recipient row in one transaction.
// A stream without a recipient is unaddressable, so the two rows are
// born together or not at all. The unique (tenant_id, name) constraint
// is what makes resolve-or-create race-safe.
func (s *StreamStore) Create(ctx context.Context, stream *models.Stream) (*models.Stream, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	insertStream := `
		INSERT INTO streams (id, tenant_id, name, visibility, post_policy,
			history_public_to_subscribers, recipient_id, created_at)
		VALUES (uuid_generate_v4(), $1, $2, $3, $4, $5, 0, now())
		RETURNING ` + streamColumns

	created, err := scanStream(tx.QueryRow(ctx, insertStream,
		stream.TenantID, stream.Name, stream.Visibility, stream.PostPolicy,
		stream.HistoryPublicToSubscribers,
	))
	if err != nil {
		return nil, fmt.Errorf("insert stream: %w", err)
	}

	insertRecipient := `
		INSERT INTO recipients (kind, tenant_id, stream_id)
		VALUES ($1, $2, $3)
		RETURNING id`

	err = tx.QueryRow(ctx, insertRecipient,
		models.RecipientStream, created.TenantID, created.ID,
	).Scan(&created.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("insert stream recipient: %w", err)
	}

	_, err = tx.Exec(ctx, `UPDATE streams SET recipient_id = $2 WHERE id = $1`,
		created.ID, created.RecipientID)
	if err != nil {
		return nil, fmt.Errorf("link stream recipient: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit stream create: %w", err)
	}
	return created, nil
}

func (s *StreamStore) GetByID(ctx context.Context, tenantID, streamID uuid.UUID) (*models.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE id = $1 AND tenant_id = $2`

	st, err := scanStream(s.pool.QueryRow(ctx, query, streamID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

func (s *StreamStore) GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE tenant_id = $1 AND name = $2`

	st, err := scanStream(s.pool.QueryRow(ctx, query, tenantID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get stream by name: %w", err)
	}
	return st, nil
}

func (s *StreamStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams WHERE tenant_id = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	streams := make([]models.Stream, 0)
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		streams = append(streams, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate streams: %w", err)
	}
	return streams, nil
}

func (s *StreamStore) Rename(ctx context.Context, tenantID, streamID uuid.UUID, newName string) error {
	query := `UPDATE streams SET name = $3 WHERE id = $1 AND tenant_id = $2`

	_, err := s.pool.Exec(ctx, query, streamID, tenantID, newName)
	if err != nil {
		return fmt.Errorf("rename stream: %w", err)
	}
	return nil
}
