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

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

const userColumns = `
	id, tenant_id, email, display_name, password_hash,
	is_active, is_admin, is_bot, bot_kind, bot_owner_id, is_mirror_dummy,
	is_cross_tenant, long_term_idle, last_active_message_id,
	online_push_enabled, stream_push_enabled, stream_email_enabled,
	wildcard_mentions_notify, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(
		&u.ID,
		&u.TenantID,
		&u.Email,
		&u.DisplayName,
		&u.PasswordHash,
		&u.IsActive,
		&u.IsAdmin,
		&u.IsBot,
		&u.BotKind,
		&u.BotOwnerID,
		&u.IsMirrorDummy,
		&u.IsCrossTenant,
		&u.LongTermIdle,
		&u.LastActiveMessageID,
		&u.OnlinePushEnabled,
		&u.StreamPushEnabled,
		&u.StreamEmailEnabled,
		&u.WildcardMentionsNotify,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *UserStore) Create(ctx context.Context, user *models.User) (*models.User, error) {
	query := `
		INSERT INTO users (
			tenant_id, email, display_name, password_hash,
			is_active, is_admin, is_bot, bot_kind, bot_owner_id, is_mirror_dummy,
			is_cross_tenant, long_term_idle, last_active_message_id,
			online_push_enabled, stream_push_enabled, stream_email_enabled,
			wildcard_mentions_notify, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, now())
		RETURNING ` + userColumns

	row := s.pool.QueryRow(ctx, query,
		user.TenantID, user.Email, user.DisplayName, user.PasswordHash,
		user.IsActive, user.IsAdmin, user.IsBot, user.BotKind, user.BotOwnerID, user.IsMirrorDummy,
		user.IsCrossTenant, user.LongTermIdle, user.LastActiveMessageID,
		user.OnlinePushEnabled, user.StreamPushEnabled, user.StreamEmailEnabled,
		user.WildcardMentionsNotify,
	)
	created, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return created, nil
}

func (s *UserStore) GetByID(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 AND tenant_id = $2`

	u, err := scanUser(s.pool.QueryRow(ctx, query, userID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// GetByEmail looks up a user globally (not tenant-scoped) — login
// starts from an email, before we know the tenant.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	u, err := scanUser(s.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByIDs(ctx context.Context, userIDs []uuid.UUID) ([]models.User, error) {
	if len(userIDs) == 0 {
		return []models.User{}, nil
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ANY($1)`
	return s.queryUsers(ctx, query, userIDs)
}

func (s *UserStore) GetByEmails(ctx context.Context, emails []string) ([]models.User, error) {
	if len(emails) == 0 {
		return []models.User{}, nil
	}
	query := `SELECT ` + userColumns + ` FROM users WHERE email = ANY($1)`
	return s.queryUsers(ctx, query, emails)
}

func (s *UserStore) queryUsers(ctx context.Context, query string, arg any) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return users, nil
}

func (s *UserStore) ActiveIDsByTenant(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	query := `SELECT id FROM users WHERE tenant_id = $1 AND is_active`

	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

func (s *UserStore) SetLongTermIdle(ctx context.Context, userID uuid.UUID, idle bool) error {
	query := `UPDATE users SET long_term_idle = $2 WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, userID, idle)
	if err != nil {
		return fmt.Errorf("set long term idle: %w", err)
	}
	return nil
}

// AdvanceWatermark uses GREATEST so a stale reconciliation run can
// never pull the watermark backward.
func (s *UserStore) AdvanceWatermark(ctx context.Context, userID uuid.UUID, messageID int64) error {
	query := `
		UPDATE users
		SET last_active_message_id = GREATEST(last_active_message_id, $2)
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, userID, messageID)
	if err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}
