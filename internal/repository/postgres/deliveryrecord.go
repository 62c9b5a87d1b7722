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

type DeliveryRecordStore struct {
	pool *pgxpool.Pool
}

func NewDeliveryRecordStore(pool *pgxpool.Pool) *DeliveryRecordStore {
	return &DeliveryRecordStore{pool: pool}
}

// BulkCreate inserts with ON CONFLICT DO NOTHING: concurrent duplicate
// creation (idle reconciliation racing a flag synthesis, say) collapses
// onto the existing row instead of erroring. Returns how many rows were
// actually created.
func (s *DeliveryRecordStore) BulkCreate(ctx context.Context, records []models.DeliveryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO delivery_records (user_id, message_id, flags)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, message_id) DO NOTHING`
	for _, r := range records {
		batch.Queue(query, r.UserID, r.MessageID, int64(r.Flags))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	created := 0
	for range records {
		tag, err := results.Exec()
		if err != nil {
			return created, fmt.Errorf("bulk create delivery records: %w", err)
		}
		created += int(tag.RowsAffected())
	}
	return created, nil
}

func (s *DeliveryRecordStore) Get(ctx context.Context, userID uuid.UUID, messageID int64) (*models.DeliveryRecord, error) {
	query := `
		SELECT user_id, message_id, flags
		FROM delivery_records
		WHERE user_id = $1 AND message_id = $2`

	var r models.DeliveryRecord
	var flags int64
	err := s.pool.QueryRow(ctx, query, userID, messageID).Scan(&r.UserID, &r.MessageID, &flags)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get delivery record: %w", err)
	}
	r.Flags = models.MessageFlags(flags)
	return &r, nil
}

func (s *DeliveryRecordStore) UserIDsForMessage(ctx context.Context, messageID int64) ([]uuid.UUID, error) {
	query := `SELECT user_id FROM delivery_records WHERE message_id = $1 ORDER BY user_id`

	rows, err := s.pool.Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list record holders: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan record holder: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record holders: %w", err)
	}
	return ids, nil
}

func (s *DeliveryRecordStore) ExistingIDs(ctx context.Context, userID uuid.UUID, messageIDs []int64) (map[int64]struct{}, error) {
	existing := make(map[int64]struct{}, len(messageIDs))
	if len(messageIDs) == 0 {
		return existing, nil
	}

	query := `SELECT message_id FROM delivery_records WHERE user_id = $1 AND message_id = ANY($2)`

	rows, err := s.pool.Query(ctx, query, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("query existing records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing record: %w", err)
		}
		existing[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate existing records: %w", err)
	}
	return existing, nil
}

// AddFlags is an atomic bitwise OR in SQL — no read-modify-write, so
// two concurrent flag updates on the same row cannot lose bits.
func (s *DeliveryRecordStore) AddFlags(ctx context.Context, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error) {
	query := `
		UPDATE delivery_records
		SET flags = flags | $3
		WHERE user_id = $1 AND message_id = ANY($2)
		RETURNING message_id`
	return s.updateFlags(ctx, query, userID, messageIDs, flags)
}

func (s *DeliveryRecordStore) RemoveFlags(ctx context.Context, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error) {
	query := `
		UPDATE delivery_records
		SET flags = flags & ~$3::bigint
		WHERE user_id = $1 AND message_id = ANY($2)
		RETURNING message_id`
	return s.updateFlags(ctx, query, userID, messageIDs, flags)
}

func (s *DeliveryRecordStore) updateFlags(ctx context.Context, query string, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error) {
	if len(messageIDs) == 0 {
		return []int64{}, nil
	}

	rows, err := s.pool.Query(ctx, query, userID, messageIDs, int64(flags))
	if err != nil {
		return nil, fmt.Errorf("update flags: %w", err)
	}
	defer rows.Close()

	affected := make([]int64, 0, len(messageIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan updated record: %w", err)
		}
		affected = append(affected, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate updated records: %w", err)
	}
	return affected, nil
}

func (s *DeliveryRecordStore) AddFlagsToAll(ctx context.Context, userID uuid.UUID, flags models.MessageFlags) (int64, error) {
	query := `
		UPDATE delivery_records
		SET flags = flags | $2
		WHERE user_id = $1 AND flags & $2 <> $2`

	tag, err := s.pool.Exec(ctx, query, userID, int64(flags))
	if err != nil {
		return 0, fmt.Errorf("add flags to all: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *DeliveryRecordStore) MarkReadByRecipient(ctx context.Context, userID uuid.UUID, recipientID int64, topic string) ([]int64, error) {
	var query string
	var args []any

	if topic == "" {
		query = `
			UPDATE delivery_records dr
			SET flags = dr.flags | $3
			FROM messages m
			WHERE dr.message_id = m.id
			  AND dr.user_id = $1 AND m.recipient_id = $2
			  AND dr.flags & $3 = 0
			RETURNING dr.message_id`
		args = []any{userID, recipientID, int64(models.FlagRead)}
	} else {
		query = `
			UPDATE delivery_records dr
			SET flags = dr.flags | $4
			FROM messages m
			WHERE dr.message_id = m.id
			  AND dr.user_id = $1 AND m.recipient_id = $2 AND lower(m.topic) = lower($3)
			  AND dr.flags & $4 = 0
			RETURNING dr.message_id`
		args = []any{userID, recipientID, topic, int64(models.FlagRead)}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mark read by recipient: %w", err)
	}
	defer rows.Close()

	affected := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan marked record: %w", err)
		}
		affected = append(affected, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate marked records: %w", err)
	}
	return affected, nil
}

// UpdateMentionFlags rewrites only the mention-derived bits after an
// edit: new = (old &^ mask) | bits. It updates existing rows and never
// creates any — recipients without a record do not gain one from an
// edit.
func (s *DeliveryRecordStore) UpdateMentionFlags(ctx context.Context, messageID int64, perUser map[uuid.UUID]models.MessageFlags) error {
	if len(perUser) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		UPDATE delivery_records
		SET flags = (flags & ~$3::bigint) | $4
		WHERE user_id = $1 AND message_id = $2`
	for userID, bits := range perUser {
		batch.Queue(query, userID, messageID, int64(models.MentionDerivedFlags), int64(bits))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range perUser {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("update mention flags: %w", err)
		}
	}
	return nil
}
