package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tenant is the top-level isolation boundary (like a Slack workspace).
// Every user, stream, and message belongs to exactly one tenant.
// Company A never sees company B's data — the only exception is a
// cross-tenant service account (User.IsCrossTenant).
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Bot kinds. A plain human account has BotKind == "".
//
// Service bots (outgoing webhook, embedded) appear in message events
// like any recipient; fan-out additionally enqueues their messages on
// a work queue, where a bot worker picks them up.
const (
	BotKindDefault         = "default"
	BotKindOutgoingWebhook = "outgoing_webhook"
	BotKindEmbedded        = "embedded"
	BotKindWelcome         = "welcome"
)

// User is an account within a tenant.
//
// Users are never hard-deleted: historical delivery records reference
// them, so deactivation flips IsActive instead. A mirror dummy is a
// placeholder created for an imported/bridged account — inactive, but
// still a legal message recipient.
//
// The notification preference fields are the user's GLOBAL defaults.
// A subscription may override them per stream (Subscription.PushOverride
// and friends); a non-nil override always wins.
type User struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`

	IsActive      bool       `json:"is_active"`
	IsAdmin       bool       `json:"is_admin"`
	IsBot         bool       `json:"is_bot"`
	BotKind       string     `json:"bot_kind,omitempty"`
	BotOwnerID    *uuid.UUID `json:"bot_owner_id,omitempty"`
	IsMirrorDummy bool       `json:"is_mirror_dummy"`

	// IsCrossTenant marks a designated service account exempt from
	// tenant-isolation checks (e.g. a notification bot shared by all
	// tenants).
	IsCrossTenant bool `json:"is_cross_tenant"`

	// LongTermIdle users get delivery records lazily: send-time creation
	// is skipped unless flags or notification eligibility require one,
	// and the gap is reconciled when the user comes back.
	// LastActiveMessageID is the reconciliation watermark — every message
	// up to and including it has been considered for this user.
	LongTermIdle        bool  `json:"long_term_idle"`
	LastActiveMessageID int64 `json:"last_active_message_id"`

	// Global notification defaults.
	OnlinePushEnabled      bool `json:"online_push_enabled"`
	StreamPushEnabled      bool `json:"stream_push_enabled"`
	StreamEmailEnabled     bool `json:"stream_email_enabled"`
	WildcardMentionsNotify bool `json:"wildcard_mentions_notify"`

	CreatedAt time.Time `json:"created_at"`
}

// IsServiceBot reports whether messages for this user are routed to a
// bot worker queue instead of a real-time event.
func (u *User) IsServiceBot() bool {
	return u.IsBot && (u.BotKind == BotKindOutgoingWebhook || u.BotKind == BotKindEmbedded)
}

// Stream visibility.
const (
	StreamPublic    = "public"
	StreamPrivate   = "private"
	StreamWebPublic = "web_public"
)

// Who may post to a stream.
const (
	PostPolicyEveryone   = "everyone"
	PostPolicyAdminsOnly = "admins_only"
)

// DeactivatedStreamPrefix marks a soft-deactivated stream. Streams are
// renamed, never deleted, so historical recipients keep resolving.
const DeactivatedStreamPrefix = "!DEACTIVATED:"

// Stream is a named channel users subscribe to (like #general).
type Stream struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Name       string    `json:"name"`
	Visibility string    `json:"visibility"`
	PostPolicy string    `json:"post_policy"`

	// HistoryPublicToSubscribers controls whether a subscriber can see
	// messages sent before they joined. Public streams always expose
	// history; for private streams this flag decides.
	HistoryPublicToSubscribers bool `json:"history_public_to_subscribers"`

	RecipientID int64     `json:"recipient_id"`
	CreatedAt   time.Time `json:"created_at"`
}

func (s *Stream) Deactivated() bool {
	return strings.HasPrefix(s.Name, DeactivatedStreamPrefix)
}

// HistoryPublic reports whether message history is visible to anyone
// who can access the stream, regardless of when they subscribed.
func (s *Stream) HistoryPublic() bool {
	return s.Visibility != StreamPrivate || s.HistoryPublicToSubscribers
}

// Subscription binds a user to a stream, with optional per-stream
// notification overrides. A nil override means "use the user's global
// default"; a non-nil one wins unconditionally.
type Subscription struct {
	StreamID uuid.UUID `json:"stream_id"`
	UserID   uuid.UUID `json:"user_id"`
	Active   bool      `json:"active"`
	Muted    bool      `json:"muted"`

	PushOverride     *bool `json:"push_override,omitempty"`
	EmailOverride    *bool `json:"email_override,omitempty"`
	WildcardOverride *bool `json:"wildcard_override,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SubscriptionInterval records one subscribed span of a user's history
// with a stream, bounded by message ids. EndMessageID nil means the
// interval is still open (currently subscribed). Idle reconciliation
// uses these to decide which private-stream messages a returning user
// was actually entitled to.
type SubscriptionInterval struct {
	StreamID       uuid.UUID `json:"stream_id"`
	UserID         uuid.UUID `json:"user_id"`
	StartMessageID int64     `json:"start_message_id"`
	EndMessageID   *int64    `json:"end_message_id,omitempty"`
}

// Contains reports whether a message id falls inside the interval.
func (iv SubscriptionInterval) Contains(messageID int64) bool {
	if messageID <= iv.StartMessageID {
		return false
	}
	return iv.EndMessageID == nil || messageID <= *iv.EndMessageID
}

// Recipient kinds.
const (
	RecipientUser   = "user"
	RecipientGroup  = "group"
	RecipientStream = "stream"
)

// Recipient is the opaque addressable target of a message: a single
// user (direct message), a fixed group of users (huddle), or a stream.
//
// Group recipients are canonical: the identity of a huddle is the
// sorted set of member ids, so repeated sends to the same set of people
// reuse the same row. A different member set is a different Recipient —
// member sets are immutable once created.
type Recipient struct {
	ID       int64     `json:"id"`
	Kind     string    `json:"kind"`
	TenantID uuid.UUID `json:"tenant_id"`

	// StreamID for stream recipients, UserIDs (sorted) for user/group.
	StreamID *uuid.UUID  `json:"stream_id,omitempty"`
	UserIDs  []uuid.UUID `json:"user_ids,omitempty"`
}

func (r *Recipient) IsStream() bool { return r.Kind == RecipientStream }

// GroupKey computes the canonical identity of a member set: the sorted,
// colon-joined user ids. Two calls with the same members in any order
// produce the same key.
func GroupKey(memberIDs []uuid.UUID) string {
	ids := make([]string, len(memberIDs))
	for i, id := range memberIDs {
		ids[i] = id.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, ":")
}

// SortUserIDs returns a sorted, deduplicated copy of ids.
func SortUserIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// EditHistoryEntry captures the pre-edit state of a message. The full
// ledger lives on the message, newest entry first.
type EditHistoryEntry struct {
	EditorID    uuid.UUID `json:"editor_id"`
	EditedAt    time.Time `json:"edited_at"`
	PrevContent string    `json:"prev_content,omitempty"`
	PrevTopic   string    `json:"prev_topic,omitempty"`
}

// Message is a single sent message.
//
// Why int64 for ID (not UUID)? Messages are the highest-volume table,
// and the monotonically increasing id doubles as a logical clock:
// "seen up to message X" and the idle-reconciliation watermark are both
// id comparisons. bigserial gives us that for free.
//
// A message is immutable once sent except through the edit pipeline,
// which appends to EditHistory.
type Message struct {
	ID          int64     `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	SenderID    uuid.UUID `json:"sender_id"`
	RecipientID int64     `json:"recipient_id"`
	Topic       string    `json:"topic,omitempty"`
	Content     string    `json:"content"`
	Rendered    string    `json:"rendered"`
	Client      string    `json:"client"`
	SentAt      time.Time `json:"sent_at"`

	EditHistory []EditHistoryEntry `json:"edit_history,omitempty"`
}

// DeliveryRecord is the per-user-per-message read/flag row. At most one
// exists per (user, message) pair; the pair is the primary key.
//
// For long-term-idle users a record may legitimately be missing — the
// send path skips zero-flag stream records and the reconciler fills the
// gap later.
type DeliveryRecord struct {
	UserID    uuid.UUID    `json:"user_id"`
	MessageID int64        `json:"message_id"`
	Flags     MessageFlags `json:"flags"`
}

// UploadURIPrefix is the path prefix under which uploaded files are
// served; message content references an upload as UploadURIPrefix +
// PathID.
const UploadURIPrefix = "/user_uploads/"

// Attachment is uploaded-file metadata. An upload starts unclaimed;
// sending a message whose content references its path claims it, in
// the same transaction that persists the message. MessageIDs lists the
// claiming messages — an upload nothing references is eligible for
// garbage collection.
type Attachment struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	OwnerID   uuid.UUID `json:"owner_id"`
	PathID    string    `json:"path_id"`
	FileName  string    `json:"file_name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`

	MessageIDs []int64 `json:"message_ids,omitempty"`
}

// Reaction is a per-user emoji reaction to a message.
type Reaction struct {
	UserID    uuid.UUID `json:"user_id"`
	MessageID int64     `json:"message_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}
