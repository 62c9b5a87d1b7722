package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/courier/internal/db"
	"github.com/lalith-99/courier/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

// SendBatch persists a batch of messages, their delivery records, and
// their attachment claims in ONE transaction. The whole batch commits
// or none of it does — that is the read-your-writes guarantee the
// event emitter relies on.
//
// Records are bulk-inserted with CopyFrom: a thousand-subscriber stream
// is one wire round trip, not a thousand INSERTs. The (user_id,
// message_id) primary key plus ON CONFLICT semantics of the staging
// insert keep the at-most-one invariant under concurrent duplicates.
func (s *MessageStore) SendBatch(ctx context.Context, batch []*models.PreparedMessage) ([]int64, error) {
	insert := `
		INSERT INTO messages (tenant_id, sender_id, recipient_id, topic, content, rendered, client, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	// Claims only attach uploads the sender owns; a referenced path id
	// owned by someone else simply matches no row.
	claim := `
		INSERT INTO attachment_messages (attachment_id, message_id)
		SELECT a.id, $1 FROM attachments a
		WHERE a.tenant_id = $2 AND a.owner_id = $3 AND a.path_id = ANY($4)
		ON CONFLICT DO NOTHING`

	ids := make([]int64, 0, len(batch))
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		records := make([][]any, 0)
		for _, prep := range batch {
			m := prep.Message
			var id int64
			err := tx.QueryRow(ctx, insert,
				m.TenantID, m.SenderID, m.RecipientID, m.Topic,
				m.Content, m.Rendered, m.Client, m.SentAt,
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("insert message: %w", err)
			}
			m.ID = id
			ids = append(ids, id)

			for i := range prep.Records {
				prep.Records[i].MessageID = id
				records = append(records, []any{
					prep.Records[i].UserID, id, int64(prep.Records[i].Flags),
				})
			}

			if len(prep.AttachmentPathIDs) > 0 {
				_, err = tx.Exec(ctx, claim, id, m.TenantID, m.SenderID, prep.AttachmentPathIDs)
				if err != nil {
					return fmt.Errorf("claim attachments: %w", err)
				}
			}
		}

		if len(records) > 0 {
			_, err := tx.CopyFrom(ctx,
				pgx.Identifier{"delivery_records"},
				[]string{"user_id", "message_id", "flags"},
				pgx.CopyFromRows(records),
			)
			if err != nil {
				return fmt.Errorf("bulk insert delivery records: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

const messageColumns = `
	id, tenant_id, sender_id, recipient_id, topic, content, rendered,
	client, sent_at, edit_history`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var m models.Message
	var history []byte
	err := row.Scan(
		&m.ID,
		&m.TenantID,
		&m.SenderID,
		&m.RecipientID,
		&m.Topic,
		&m.Content,
		&m.Rendered,
		&m.Client,
		&m.SentAt,
		&history,
	)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		if err := json.Unmarshal(history, &m.EditHistory); err != nil {
			return nil, fmt.Errorf("decode edit history: %w", err)
		}
	}
	return &m, nil
}

func (s *MessageStore) GetByID(ctx context.Context, tenantID uuid.UUID, messageID int64) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND tenant_id = $2`

	m, err := scanMessage(s.pool.QueryRow(ctx, query, messageID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListByRecipient pages newest-first by id. before=0 means "from the
// top"; otherwise only messages older than the cursor.
func (s *MessageStore) ListByRecipient(ctx context.Context, recipientID int64, before int64, limit int) ([]models.Message, error) {
	var query string
	var args []any

	if before > 0 {
		query = `SELECT ` + messageColumns + `
			FROM messages
			WHERE recipient_id = $1 AND id < $2
			ORDER BY id DESC
			LIMIT $3`
		args = []any{recipientID, before, limit}
	} else {
		query = `SELECT ` + messageColumns + `
			FROM messages
			WHERE recipient_id = $1
			ORDER BY id DESC
			LIMIT $2`
		args = []any{recipientID, limit}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *MessageStore) FindMirrorDuplicate(ctx context.Context, senderID uuid.UUID, recipientID int64, topic, content, client string, since time.Time) (int64, error) {
	query := `
		SELECT id FROM messages
		WHERE sender_id = $1 AND recipient_id = $2 AND topic = $3
		  AND content = $4 AND client = $5 AND sent_at >= $6
		ORDER BY id DESC
		LIMIT 1`

	var id int64
	err := s.pool.QueryRow(ctx, query, senderID, recipientID, topic, content, client, since).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("find mirror duplicate: %w", err)
	}
	return id, nil
}

func (s *MessageStore) CurrentMaxID(ctx context.Context) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("current max message id: %w", err)
	}
	return id, nil
}

func (s *MessageStore) IDsByRecipientAfter(ctx context.Context, recipientID int64, afterID int64) ([]int64, error) {
	query := `
		SELECT id FROM messages
		WHERE recipient_id = $1 AND id > $2
		ORDER BY id`
	return s.queryIDs(ctx, query, recipientID, afterID)
}

func (s *MessageStore) IDsInTopicAfter(ctx context.Context, recipientID int64, topic string, afterID int64) ([]int64, error) {
	query := `
		SELECT id FROM messages
		WHERE recipient_id = $1 AND lower(topic) = lower($2) AND id > $3
		ORDER BY id`
	return s.queryIDs(ctx, query, recipientID, topic, afterID)
}

func (s *MessageStore) IDsInTopicSince(ctx context.Context, recipientID int64, topic string, since time.Time) ([]int64, error) {
	query := `
		SELECT id FROM messages
		WHERE recipient_id = $1 AND lower(topic) = lower($2) AND sent_at >= $3
		ORDER BY id`
	return s.queryIDs(ctx, query, recipientID, topic, since)
}

func (s *MessageStore) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query message ids: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message ids: %w", err)
	}
	return ids, nil
}

func (s *MessageStore) MoveTopic(ctx context.Context, messageIDs []int64, newTopic string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	query := `UPDATE messages SET topic = $2 WHERE id = ANY($1)`

	_, err := s.pool.Exec(ctx, query, messageIDs, newTopic)
	if err != nil {
		return fmt.Errorf("move topic: %w", err)
	}
	return nil
}

func (s *MessageStore) PersistEdit(ctx context.Context, msg *models.Message) error {
	history, err := json.Marshal(msg.EditHistory)
	if err != nil {
		return fmt.Errorf("encode edit history: %w", err)
	}

	query := `
		UPDATE messages
		SET content = $2, rendered = $3, topic = $4, edit_history = $5
		WHERE id = $1`

	_, err = s.pool.Exec(ctx, query, msg.ID, msg.Content, msg.Rendered, msg.Topic, history)
	if err != nil {
		return fmt.Errorf("persist edit: %w", err)
	}
	return nil
}
