package models

import "github.com/google/uuid"

// SubscriberNotificationRow is one row of the single subscription/user
// join the recipient-info calculator runs per stream send. It carries
// everything needed to classify one subscriber: activity and bot state,
// the user's global notification defaults, and the subscription's
// per-stream overrides.
type SubscriberNotificationRow struct {
	UserID       uuid.UUID
	IsActive     bool
	IsBot        bool
	BotKind      string
	LongTermIdle bool

	// Global defaults from the user row.
	OnlinePushEnabled      bool
	StreamPushEnabled      bool
	StreamEmailEnabled     bool
	WildcardMentionsNotify bool

	// Per-stream overrides from the subscription row. Non-nil wins.
	PushOverride     *bool
	EmailOverride    *bool
	WildcardOverride *bool

	// Muted is the stream-level mute on the subscription. Topic mutes
	// are fetched separately and OR-ed in by the calculator.
	Muted bool
}

// PreparedMessage is one message ready for the atomic persist step:
// the message row, the delivery records the builder produced for it,
// and the upload paths its content references. Records get their
// MessageID stamped once the insert assigns one; the named uploads are
// claimed for the message in the same transaction.
type PreparedMessage struct {
	Message           *Message
	Records           []DeliveryRecord
	AttachmentPathIDs []string
}
