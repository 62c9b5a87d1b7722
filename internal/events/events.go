// Package events is the real-time push boundary: typed event payloads,
// a Publisher interface, the Redis pub/sub implementation, and the
// WebSocket hub that delivers bus events to connected clients.
//
// Delivery is at-least-once with no ordering guarantee — consumers must
// treat the message id, not event arrival order, as authoritative.
package events

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/courier/internal/models"
)

// Event types.
const (
	TypeMessage       = "message"
	TypeUpdateMessage = "update_message"
	TypeFlags         = "update_message_flags"
	TypeReaction      = "reaction"
	TypeStream        = "stream"
)

// Recipient is one entry of the per-recipient array on a message
// event: the user's flags plus their notification eligibility, so the
// downstream notification decider never re-queries subscription state.
type Recipient struct {
	ID                    uuid.UUID `json:"id"`
	Flags                 []string  `json:"flags"`
	AlwaysPushNotify      bool      `json:"always_push_notify"`
	StreamPushNotify      bool      `json:"stream_push_notify"`
	StreamEmailNotify     bool      `json:"stream_email_notify"`
	WildcardMentionNotify bool      `json:"wildcard_mention_notify"`
}

// MessageEvent is emitted once per sent message, after the transaction
// commits. Any consumer that queries the database on receipt sees the
// message and its delivery records.
type MessageEvent struct {
	Type      string          `json:"type"` // TypeMessage
	TenantID  uuid.UUID       `json:"tenant_id"`
	MessageID int64           `json:"message_id"`
	Message   *models.Message `json:"message"`

	Recipients []Recipient `json:"recipients"`

	// PresenceIdleUserIDs: recipients who are mentioned, PMed or
	// alert-worded AND not recently present — the notification decider
	// escalates these to push/email.
	PresenceIdleUserIDs []uuid.UUID `json:"presence_idle_user_ids"`
}

// UpdateMessageEvent covers content and topic edits. Bystanders are
// subscribers of a history-public stream with no delivery record; they
// appear in Recipients with a synthetic read flag and gain live updates
// but no persisted record.
type UpdateMessageEvent struct {
	Type      string    `json:"type"` // TypeUpdateMessage
	TenantID  uuid.UUID `json:"tenant_id"`
	MessageID int64     `json:"message_id"`
	EditorID  uuid.UUID `json:"editor_id"`

	Rendered   string `json:"rendered,omitempty"`
	OrigTopic  string `json:"orig_topic,omitempty"`
	NewTopic   string `json:"new_topic,omitempty"`
	TopicMoved bool   `json:"topic_moved"`

	// All message ids the edit touched (propagated topic moves).
	MessageIDs []int64 `json:"message_ids"`

	Recipients []Recipient `json:"recipients"`
}

// FlagsEvent targets a single user: their own flag change echoed to
// their other connected clients.
type FlagsEvent struct {
	Type       string    `json:"type"` // TypeFlags
	TenantID   uuid.UUID `json:"tenant_id"`
	UserID     uuid.UUID `json:"user_id"`
	Operation  string    `json:"operation"` // "add" | "remove"
	Flag       string    `json:"flag"`
	MessageIDs []int64   `json:"message_ids,omitempty"`
	All        bool      `json:"all"`
}

// ReactionEvent goes to everyone holding a delivery record for the
// message.
type ReactionEvent struct {
	Type      string      `json:"type"` // TypeReaction
	TenantID  uuid.UUID   `json:"tenant_id"`
	Operation string      `json:"operation"` // "add" | "remove"
	UserID    uuid.UUID   `json:"user_id"`
	MessageID int64       `json:"message_id"`
	Emoji     string      `json:"emoji"`
	Audience  []uuid.UUID `json:"audience"`
}

// StreamEvent announces stream lifecycle changes to the audience that
// may see the stream (whole tenant for public, subscribers for
// private).
type StreamEvent struct {
	Type     string         `json:"type"` // TypeStream
	Op       string         `json:"op"`   // "create" | "deactivate"
	TenantID uuid.UUID      `json:"tenant_id"`
	Stream   *models.Stream `json:"stream"`
	Audience []uuid.UUID    `json:"audience"`
}

// Publisher pushes an event onto the tenant's bus. Implementations are
// fire-and-forget from the caller's perspective: a publish failure is
// logged by the caller, never rolled back into the already-committed
// write.
type Publisher interface {
	Publish(ctx context.Context, tenantID uuid.UUID, event any) error
}
