package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/courier/internal/models"
)

// Every method takes context.Context first: all of these touch the
// network, and the context carries the request deadline down into the
// query.
//
// Tenant scoping: queries that can be tenant-scoped are. User lookup by
// email/ids is deliberately global — the addressee resolver needs to
// see a cross-tenant service account in another tenant to apply the
// isolation exemption, so the tenant check happens in the resolver, not
// the store.

// TenantRepository handles tenant (organization) rows.
type TenantRepository interface {
	Create(ctx context.Context, name string) (*models.Tenant, error)
	GetByID(ctx context.Context, tenantID uuid.UUID) (*models.Tenant, error)
}

// UserRepository handles user accounts. Lookups return nil, nil when
// not found.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, tenantID, userID uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)

	// GetByIDs / GetByEmails return the users that exist; missing ids
	// or emails are simply absent from the result, the caller decides
	// whether that is an error.
	GetByIDs(ctx context.Context, userIDs []uuid.UUID) ([]models.User, error)
	GetByEmails(ctx context.Context, emails []string) ([]models.User, error)

	ActiveIDsByTenant(ctx context.Context, tenantID uuid.UUID) ([]uuid.UUID, error)

	SetLongTermIdle(ctx context.Context, userID uuid.UUID, idle bool) error

	// AdvanceWatermark moves the user's last-active-message-id forward.
	// It never moves the watermark backward, so concurrent reconciliation
	// runs stay idempotent.
	AdvanceWatermark(ctx context.Context, userID uuid.UUID, messageID int64) error
}

// StreamRepository handles streams. Create also allocates the stream's
// recipient row — a stream without a recipient is unaddressable.
type StreamRepository interface {
	Create(ctx context.Context, stream *models.Stream) (*models.Stream, error)
	GetByID(ctx context.Context, tenantID, streamID uuid.UUID) (*models.Stream, error)
	GetByName(ctx context.Context, tenantID uuid.UUID, name string) (*models.Stream, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.Stream, error)

	// Rename is also the soft-deactivation mechanism: renaming with the
	// reserved prefix retires a stream without breaking historical
	// references.
	Rename(ctx context.Context, tenantID, streamID uuid.UUID, newName string) error
}

// RecipientRepository hands out canonical recipient rows. Get-or-create
// semantics: two sends to the same member set share one recipient.
type RecipientRepository interface {
	GetByID(ctx context.Context, recipientID int64) (*models.Recipient, error)
	GetOrCreatePersonal(ctx context.Context, tenantID, userID uuid.UUID) (*models.Recipient, error)

	// GetOrCreateGroup canonicalizes memberIDs (sorted, deduplicated)
	// before lookup, so member order never produces a second recipient.
	GetOrCreateGroup(ctx context.Context, tenantID uuid.UUID, memberIDs []uuid.UUID) (*models.Recipient, error)
}

// SubscriptionRepository handles stream membership, per-stream
// notification overrides, topic mutes, and the subscribe/unsubscribe
// interval log the idle reconciler replays.
type SubscriptionRepository interface {
	// Subscribe activates (or reactivates) a subscription and opens an
	// interval starting after atMessageID. Idempotent: subscribing an
	// already-active subscription is a no-op.
	Subscribe(ctx context.Context, streamID, userID uuid.UUID, atMessageID int64) error

	// Unsubscribe deactivates the subscription and closes the open
	// interval at atMessageID. Idempotent.
	Unsubscribe(ctx context.Context, streamID, userID uuid.UUID, atMessageID int64) error

	Get(ctx context.Context, streamID, userID uuid.UUID) (*models.Subscription, error)

	SetMuted(ctx context.Context, streamID, userID uuid.UUID, muted bool) error
	SetOverrides(ctx context.Context, streamID, userID uuid.UUID, push, email, wildcard *bool) error

	MuteTopic(ctx context.Context, streamID, userID uuid.UUID, topic string) error
	UnmuteTopic(ctx context.Context, streamID, userID uuid.UUID, topic string) error
	TopicMutedUserIDs(ctx context.Context, streamID uuid.UUID, topic string) (models.UserSet, error)

	// NotificationRows is the one query per stream send: active
	// subscriptions joined with user notification fields.
	NotificationRows(ctx context.Context, streamID uuid.UUID) ([]models.SubscriberNotificationRow, error)

	ActiveSubscriberIDs(ctx context.Context, streamID uuid.UUID) ([]uuid.UUID, error)

	Intervals(ctx context.Context, userID uuid.UUID) ([]models.SubscriptionInterval, error)
}

// MessageRepository handles message persistence.
type MessageRepository interface {
	// SendBatch persists a batch of messages, their delivery records,
	// and their attachment claims in ONE transaction, assigns ids, and
	// returns them in input order. Event emission happens after this
	// returns — commit before publish.
	SendBatch(ctx context.Context, batch []*models.PreparedMessage) ([]int64, error)

	GetByID(ctx context.Context, tenantID uuid.UUID, messageID int64) (*models.Message, error)
	ListByRecipient(ctx context.Context, recipientID int64, before int64, limit int) ([]models.Message, error)

	// FindMirrorDuplicate looks for an identical (sender, recipient,
	// topic, content, client) message sent at or after `since`. Returns
	// 0 when there is none. This is the mirrored-message dedup probe.
	FindMirrorDuplicate(ctx context.Context, senderID uuid.UUID, recipientID int64, topic, content, client string, since time.Time) (int64, error)

	// CurrentMaxID returns the newest assigned message id (0 if none) —
	// the logical clock subscription intervals are stamped with.
	CurrentMaxID(ctx context.Context) (int64, error)

	// Reconciliation and topic-edit id scans, all ascending.
	IDsByRecipientAfter(ctx context.Context, recipientID int64, afterID int64) ([]int64, error)
	IDsInTopicAfter(ctx context.Context, recipientID int64, topic string, afterID int64) ([]int64, error)
	IDsInTopicSince(ctx context.Context, recipientID int64, topic string, since time.Time) ([]int64, error)

	MoveTopic(ctx context.Context, messageIDs []int64, newTopic string) error

	// PersistEdit stores the edited content/rendered/topic and the
	// appended edit-history ledger.
	PersistEdit(ctx context.Context, msg *models.Message) error
}

// DeliveryRecordRepository handles the per-user-per-message flag rows.
// The (user, message) pair is the primary key; BulkCreate inserts with
// conflict-ignore so concurrent duplicate creation collapses to one row.
type DeliveryRecordRepository interface {
	BulkCreate(ctx context.Context, records []models.DeliveryRecord) (int, error)
	Get(ctx context.Context, userID uuid.UUID, messageID int64) (*models.DeliveryRecord, error)
	UserIDsForMessage(ctx context.Context, messageID int64) ([]uuid.UUID, error)

	// ExistingIDs filters messageIDs down to those the user has a
	// record for.
	ExistingIDs(ctx context.Context, userID uuid.UUID, messageIDs []int64) (map[int64]struct{}, error)

	// AddFlags / RemoveFlags are atomic bitwise updates (flags | bits,
	// flags &~ bits). They return the ids that actually have a record —
	// setting an already-set bit counts as applied, never as an error.
	AddFlags(ctx context.Context, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error)
	RemoveFlags(ctx context.Context, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error)

	// AddFlagsToAll is the bulk "bankruptcy" path: one UPDATE across all
	// of the user's records. Returns the number touched.
	AddFlagsToAll(ctx context.Context, userID uuid.UUID, flags models.MessageFlags) (int64, error)

	// MarkReadByRecipient sets read on the user's unread records within
	// a recipient, optionally restricted to one topic (empty = whole
	// recipient). Returns the affected message ids.
	MarkReadByRecipient(ctx context.Context, userID uuid.UUID, recipientID int64, topic string) ([]int64, error)

	// UpdateMentionFlags rewrites only the mention-derived bits of the
	// given users' records for one message: new = (old &^ mask) | bits.
	// Used by the edit pipeline; never creates rows.
	UpdateMentionFlags(ctx context.Context, messageID int64, perUser map[uuid.UUID]models.MessageFlags) error
}

// ReactionRepository handles emoji reactions. Add/Remove report whether
// they changed anything, so double-adds resolve as already-applied.
type ReactionRepository interface {
	Add(ctx context.Context, reaction *models.Reaction) (bool, error)
	Remove(ctx context.Context, userID uuid.UUID, messageID int64, emoji string) (bool, error)
	ListByMessage(ctx context.Context, messageID int64) ([]models.Reaction, error)
}

// AttachmentRepository stores uploaded-file metadata. The CLAIM —
// tying an upload to the messages that reference it — does not live
// here: it happens inside MessageRepository.SendBatch, in the same
// transaction as the message insert. Claims only bind uploads owned by
// the message's sender; a path id someone else owns is ignored.
type AttachmentRepository interface {
	Create(ctx context.Context, att *models.Attachment) (*models.Attachment, error)
	GetByPathID(ctx context.Context, tenantID uuid.UUID, pathID string) (*models.Attachment, error)
	ListByMessage(ctx context.Context, messageID int64) ([]models.Attachment, error)
}

// AlertWordRepository stores per-user alert words. ByTenant returns the
// lowercased word → interested-user-ids map the renderer scans with.
type AlertWordRepository interface {
	Add(ctx context.Context, tenantID, userID uuid.UUID, word string) error
	Remove(ctx context.Context, tenantID, userID uuid.UUID, word string) error
	ByTenant(ctx context.Context, tenantID uuid.UUID) (map[string][]uuid.UUID, error)
}
