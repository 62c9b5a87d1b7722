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

type AttachmentStore struct {
	pool *pgxpool.Pool
}

func NewAttachmentStore(pool *pgxpool.Pool) *AttachmentStore {
	return &AttachmentStore{pool: pool}
}

// Claims live in the attachment_messages join table and are written by
// MessageStore.SendBatch inside the send transaction, not here.

func (s *AttachmentStore) Create(ctx context.Context, att *models.Attachment) (*models.Attachment, error) {
	query := `
		INSERT INTO attachments (tenant_id, owner_id, path_id, file_name, size)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	out := *att
	err := s.pool.QueryRow(ctx, query,
		att.TenantID, att.OwnerID, att.PathID, att.FileName, att.Size,
	).Scan(&out.ID, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	return &out, nil
}

func (s *AttachmentStore) GetByPathID(ctx context.Context, tenantID uuid.UUID, pathID string) (*models.Attachment, error) {
	query := `
		SELECT id, tenant_id, owner_id, path_id, file_name, size, created_at
		FROM attachments
		WHERE tenant_id = $1 AND path_id = $2`

	att, err := scanAttachment(s.pool.QueryRow(ctx, query, tenantID, pathID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get attachment: %w", err)
	}

	claims := `SELECT message_id FROM attachment_messages WHERE attachment_id = $1 ORDER BY message_id`
	rows, err := s.pool.Query(ctx, claims, att.ID)
	if err != nil {
		return nil, fmt.Errorf("list attachment claims: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan attachment claim: %w", err)
		}
		att.MessageIDs = append(att.MessageIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachment claims: %w", err)
	}
	return att, nil
}

func (s *AttachmentStore) ListByMessage(ctx context.Context, messageID int64) ([]models.Attachment, error) {
	query := `
		SELECT a.id, a.tenant_id, a.owner_id, a.path_id, a.file_name, a.size, a.created_at
		FROM attachments a
		JOIN attachment_messages am ON am.attachment_id = a.id
		WHERE am.message_id = $1
		ORDER BY a.path_id`

	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]models.Attachment, 0)
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, *att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}

func scanAttachment(row pgx.Row) (*models.Attachment, error) {
	var a models.Attachment
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.OwnerID,
		&a.PathID,
		&a.FileName,
		&a.Size,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
