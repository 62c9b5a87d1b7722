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

type RecipientStore struct {
	pool *pgxpool.Pool
}

func NewRecipientStore(pool *pgxpool.Pool) *RecipientStore {
	return &RecipientStore{pool: pool}
}

// Group recipients are deduplicated by group_key: the sorted,
// colon-joined member ids. The unique index on (tenant_id, group_key)
// makes get-or-create race-safe — two concurrent first sends to the
// same set of people converge on one row via ON CONFLICT.

func (s *RecipientStore) GetByID(ctx context.Context, recipientID int64) (*models.Recipient, error) {
	query := `
		SELECT id, kind, tenant_id, stream_id
		FROM recipients
		WHERE id = $1`

	var r models.Recipient
	err := s.pool.QueryRow(ctx, query, recipientID).Scan(
		&r.ID,
		&r.Kind,
		&r.TenantID,
		&r.StreamID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}

	if r.Kind != models.RecipientStream {
		members, err := s.memberIDs(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		r.UserIDs = members
	}
	return &r, nil
}

func (s *RecipientStore) GetOrCreatePersonal(ctx context.Context, tenantID, userID uuid.UUID) (*models.Recipient, error) {
	return s.getOrCreate(ctx, tenantID, models.RecipientUser, []uuid.UUID{userID})
}

func (s *RecipientStore) GetOrCreateGroup(ctx context.Context, tenantID uuid.UUID, memberIDs []uuid.UUID) (*models.Recipient, error) {
	return s.getOrCreate(ctx, tenantID, models.RecipientGroup, memberIDs)
}

func (s *RecipientStore) getOrCreate(ctx context.Context, tenantID uuid.UUID, kind string, memberIDs []uuid.UUID) (*models.Recipient, error) {
	members := models.SortUserIDs(memberIDs)
	key := models.GroupKey(members)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Insert-or-fetch by canonical key. ON CONFLICT DO UPDATE (a no-op
	// update) lets RETURNING give back the existing row's id.
	upsert := `
		INSERT INTO recipients (kind, tenant_id, group_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, group_key) DO UPDATE SET kind = recipients.kind
		RETURNING id, (xmax <> 0) AS existed`

	var recipientID int64
	var existed bool
	if err := tx.QueryRow(ctx, upsert, kind, tenantID, key).Scan(&recipientID, &existed); err != nil {
		return nil, fmt.Errorf("upsert recipient: %w", err)
	}

	if !existed {
		insertMember := `INSERT INTO recipient_members (recipient_id, user_id) VALUES ($1, $2)`
		for _, userID := range members {
			if _, err := tx.Exec(ctx, insertMember, recipientID, userID); err != nil {
				return nil, fmt.Errorf("insert recipient member: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit recipient create: %w", err)
	}

	return &models.Recipient{
		ID:       recipientID,
		Kind:     kind,
		TenantID: tenantID,
		UserIDs:  members,
	}, nil
}

func (s *RecipientStore) memberIDs(ctx context.Context, recipientID int64) ([]uuid.UUID, error) {
	query := `
		SELECT user_id
		FROM recipient_members
		WHERE recipient_id = $1
		ORDER BY user_id`

	rows, err := s.pool.Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("list recipient members: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan recipient member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipient members: %w", err)
	}
	return ids, nil
}
