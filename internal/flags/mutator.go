// Package flags mutates per-user message state after the fact: flag
// updates (read, starred), bulk mark-as-read, reactions, and the
// message edit pipeline with its flag recomputation and topic
// propagation.
package flags

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/apperr"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/render"
	"github.com/lalith-99/courier/internal/repository"
)

// Flag operations.
const (
	OpAdd    = "add"
	OpRemove = "remove"
)

// Topic propagation modes for edits.
const (
	PropagateOne   = "change_one"
	PropagateLater = "change_later"
	PropagateAll   = "change_all"
)

// Mutator applies post-send state changes.
type Mutator struct {
	messages   repository.MessageRepository
	records    repository.DeliveryRecordRepository
	streams    repository.StreamRepository
	recipients repository.RecipientRepository
	subs       repository.SubscriptionRepository
	reactions  repository.ReactionRepository
	renderer   render.Renderer
	publisher  events.Publisher
	cfg        *config.Config
	logger     *zap.Logger

	now func() time.Time
}

func NewMutator(
	messages repository.MessageRepository,
	records repository.DeliveryRecordRepository,
	streams repository.StreamRepository,
	recipients repository.RecipientRepository,
	subs repository.SubscriptionRepository,
	reactions repository.ReactionRepository,
	renderer render.Renderer,
	publisher events.Publisher,
	cfg *config.Config,
	logger *zap.Logger,
) *Mutator {
	return &Mutator{
		messages:   messages,
		records:    records,
		streams:    streams,
		recipients: recipients,
		subs:       subs,
		reactions:  reactions,
		renderer:   renderer,
		publisher:  publisher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// SetClock overrides the mutator's clock. Tests only.
func (m *Mutator) SetClock(now func() time.Time) { m.now = now }

// UpdateFlags adds or removes one flag on the user's records for the
// given messages, returning the message ids actually updated. Applying
// a flag that is already set counts as updated — flag updates are
// idempotent, never an error.
//
// Starring a message the user has no record for (old stream history)
// synthesizes a historical record so the star has a row to live on.
func (m *Mutator) UpdateFlags(ctx context.Context, user *models.User, op, flagName string, messageIDs []int64) ([]int64, error) {
	flag, err := models.FlagByName(flagName)
	if err != nil {
		return nil, apperr.Validation("invalid flag: '%s'", flagName)
	}
	if flag&models.UserEditableFlags == 0 {
		return nil, apperr.Validation("flag '%s' is not editable", flagName)
	}
	if len(messageIDs) == 0 {
		return nil, apperr.Validation("no messages specified")
	}

	if op != OpAdd && op != OpRemove {
		return nil, apperr.Validation("invalid operation: '%s'", op)
	}

	// The star-a-historical-message path: exactly one message, starred,
	// and no existing record. Every other shape requires a record for
	// each named message — a flag on a message the user never received
	// is invalid, not a silent no-op.
	if op == OpAdd && flag == models.FlagStarred && len(messageIDs) == 1 {
		if err := m.ensureStarTarget(ctx, user, messageIDs[0]); err != nil {
			return nil, err
		}
	} else if err := m.requireRecords(ctx, user, messageIDs); err != nil {
		return nil, err
	}

	var updated []int64
	if op == OpAdd {
		updated, err = m.records.AddFlags(ctx, user.ID, messageIDs, flag)
	} else {
		updated, err = m.records.RemoveFlags(ctx, user.ID, messageIDs, flag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update flags: %w", err)
	}

	m.publishFlags(ctx, user, events.FlagsEvent{
		Type:       events.TypeFlags,
		TenantID:   user.TenantID,
		UserID:     user.ID,
		Operation:  op,
		Flag:       flagName,
		MessageIDs: updated,
	})
	return updated, nil
}

// requireRecords rejects the request when any named message has no
// record for the user.
func (m *Mutator) requireRecords(ctx context.Context, user *models.User, messageIDs []int64) error {
	existing, err := m.records.ExistingIDs(ctx, user.ID, messageIDs)
	if err != nil {
		return fmt.Errorf("failed to check delivery records: %w", err)
	}
	for _, id := range messageIDs {
		if _, ok := existing[id]; !ok {
			return &apperr.InvalidMessageError{MessageID: id}
		}
	}
	return nil
}

// ensureStarTarget creates a historical record for a message the user
// can see but was never delivered. The record starts read: the user is
// acting on the message, they have clearly seen it.
func (m *Mutator) ensureStarTarget(ctx context.Context, user *models.User, messageID int64) error {
	existing, err := m.records.Get(ctx, user.ID, messageID)
	if err != nil {
		return fmt.Errorf("failed to check delivery record: %w", err)
	}
	if existing != nil {
		return nil
	}

	ok, err := m.canAccess(ctx, user, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return &apperr.InvalidMessageError{MessageID: messageID}
	}

	_, err = m.records.BulkCreate(ctx, []models.DeliveryRecord{{
		UserID:    user.ID,
		MessageID: messageID,
		Flags:     models.FlagHistorical | models.FlagRead,
	}})
	if err != nil {
		return fmt.Errorf("failed to create historical record: %w", err)
	}
	return nil
}

// canAccess reports whether the user may see a message they hold no
// record for: DMs require membership, public streams are open, private
// streams require an active subscription plus either public history or
// a subscription interval covering the message.
func (m *Mutator) canAccess(ctx context.Context, user *models.User, messageID int64) (bool, error) {
	msg, err := m.messages.GetByID(ctx, user.TenantID, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil {
		return false, nil
	}
	rcpt, err := m.recipients.GetByID(ctx, msg.RecipientID)
	if err != nil {
		return false, fmt.Errorf("failed to load recipient: %w", err)
	}
	if rcpt == nil {
		return false, nil
	}

	if !rcpt.IsStream() {
		for _, id := range rcpt.UserIDs {
			if id == user.ID {
				return true, nil
			}
		}
		return false, nil
	}

	stream, err := m.streams.GetByID(ctx, user.TenantID, *rcpt.StreamID)
	if err != nil {
		return false, fmt.Errorf("failed to load stream: %w", err)
	}
	if stream == nil {
		return false, nil
	}
	if stream.Visibility != models.StreamPrivate {
		return true, nil
	}

	sub, err := m.subs.Get(ctx, stream.ID, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	if sub == nil || !sub.Active {
		return false, nil
	}
	if stream.HistoryPublicToSubscribers {
		return true, nil
	}

	intervals, err := m.subs.Intervals(ctx, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to load subscription intervals: %w", err)
	}
	for _, iv := range intervals {
		if iv.StreamID == stream.ID && iv.Contains(messageID) {
			return true, nil
		}
	}
	return false, nil
}

// MarkAllAsRead is the "bankruptcy" operation: one update across every
// record the user holds. Returns the number of records touched.
func (m *Mutator) MarkAllAsRead(ctx context.Context, user *models.User) (int64, error) {
	count, err := m.records.AddFlagsToAll(ctx, user.ID, models.FlagRead)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all as read: %w", err)
	}
	m.publishFlags(ctx, user, events.FlagsEvent{
		Type:      events.TypeFlags,
		TenantID:  user.TenantID,
		UserID:    user.ID,
		Operation: OpAdd,
		Flag:      "read",
		All:       true,
	})
	return count, nil
}

// MarkStreamAsRead marks the user's unread records in a stream read.
func (m *Mutator) MarkStreamAsRead(ctx context.Context, user *models.User, streamID uuid.UUID) ([]int64, error) {
	return m.markRecipientRead(ctx, user, streamID, "")
}

// MarkTopicAsRead marks the user's unread records in one topic read.
func (m *Mutator) MarkTopicAsRead(ctx context.Context, user *models.User, streamID uuid.UUID, topic string) ([]int64, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, apperr.Validation("topic can't be empty")
	}
	return m.markRecipientRead(ctx, user, streamID, topic)
}

func (m *Mutator) markRecipientRead(ctx context.Context, user *models.User, streamID uuid.UUID, topic string) ([]int64, error) {
	stream, err := m.streams.GetByID(ctx, user.TenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}
	if stream == nil {
		return nil, apperr.NotFound("stream", streamID.String())
	}

	updated, err := m.records.MarkReadByRecipient(ctx, user.ID, stream.RecipientID, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to mark as read: %w", err)
	}
	m.publishFlags(ctx, user, events.FlagsEvent{
		Type:       events.TypeFlags,
		TenantID:   user.TenantID,
		UserID:     user.ID,
		Operation:  OpAdd,
		Flag:       "read",
		MessageIDs: updated,
	})
	return updated, nil
}

// AddReaction adds an emoji reaction. Adding a reaction that already
// exists is a no-op, not an error.
func (m *Mutator) AddReaction(ctx context.Context, user *models.User, messageID int64, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return apperr.Validation("emoji can't be empty")
	}
	if err := m.requireVisible(ctx, user, messageID); err != nil {
		return err
	}

	changed, err := m.reactions.Add(ctx, &models.Reaction{
		UserID:    user.ID,
		MessageID: messageID,
		Emoji:     emoji,
		CreatedAt: m.now(),
	})
	if err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	if changed {
		m.publishReaction(ctx, user, messageID, emoji, OpAdd)
	}
	return nil
}

// RemoveReaction removes the user's reaction. Removing a reaction that
// does not exist is a no-op.
func (m *Mutator) RemoveReaction(ctx context.Context, user *models.User, messageID int64, emoji string) error {
	changed, err := m.reactions.Remove(ctx, user.ID, messageID, emoji)
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	if changed {
		m.publishReaction(ctx, user, messageID, emoji, OpRemove)
	}
	return nil
}

// requireVisible: a user may only react to a message they hold a
// record for or could otherwise see.
func (m *Mutator) requireVisible(ctx context.Context, user *models.User, messageID int64) error {
	rec, err := m.records.Get(ctx, user.ID, messageID)
	if err != nil {
		return fmt.Errorf("failed to check delivery record: %w", err)
	}
	if rec != nil {
		return nil
	}
	ok, err := m.canAccess(ctx, user, messageID)
	if err != nil {
		return err
	}
	if !ok {
		return &apperr.InvalidMessageError{MessageID: messageID}
	}
	return nil
}

func (m *Mutator) publishReaction(ctx context.Context, user *models.User, messageID int64, emoji, op string) {
	audience, err := m.records.UserIDsForMessage(ctx, messageID)
	if err != nil {
		m.logger.Error("failed to compute reaction audience", zap.Error(err))
		return
	}
	event := events.ReactionEvent{
		Type:      events.TypeReaction,
		TenantID:  user.TenantID,
		Operation: op,
		UserID:    user.ID,
		MessageID: messageID,
		Emoji:     emoji,
		Audience:  audience,
	}
	if err := m.publisher.Publish(ctx, user.TenantID, event); err != nil {
		m.logger.Error("failed to publish reaction event", zap.Error(err))
	}
}

func (m *Mutator) publishFlags(ctx context.Context, user *models.User, event events.FlagsEvent) {
	if err := m.publisher.Publish(ctx, user.TenantID, event); err != nil {
		m.logger.Error("failed to publish flags event", zap.Error(err))
	}
}

// EditRequest describes one message edit. Nil Content / nil Topic mean
// "unchanged". PropagateMode applies only to topic changes.
type EditRequest struct {
	MessageID     int64
	Content       *string
	Topic         *string
	PropagateMode string
}

// UpdateMessage runs the edit pipeline: permission check, re-render,
// mention-flag recomputation on existing records, edit-history append,
// topic propagation, event emission.
//
// Read and starred bits are never touched by an edit — only the
// mention-derived bits are recomputed, and only on records that already
// exist. A long-term-idle user with no record gets correct flags later
// from the reconciler, computed against the edited content.
func (m *Mutator) UpdateMessage(ctx context.Context, editor *models.User, req *EditRequest) error {
	msg, err := m.messages.GetByID(ctx, editor.TenantID, req.MessageID)
	if err != nil {
		return fmt.Errorf("failed to load message: %w", err)
	}
	if msg == nil {
		return apperr.NotFound("message", fmt.Sprintf("%d", req.MessageID))
	}
	if msg.SenderID != editor.ID && !editor.IsAdmin {
		return apperr.NotAuthorized("you don't have permission to edit this message")
	}
	if req.Content == nil && req.Topic == nil {
		return apperr.Validation("nothing to change")
	}

	entry := models.EditHistoryEntry{
		EditorID: editor.ID,
		EditedAt: m.now(),
	}
	event := events.UpdateMessageEvent{
		Type:       events.TypeUpdateMessage,
		TenantID:   editor.TenantID,
		MessageID:  msg.ID,
		EditorID:   editor.ID,
		MessageIDs: []int64{msg.ID},
	}

	if req.Content != nil {
		rendering, err := m.applyContentEdit(ctx, editor.TenantID, msg, *req.Content, &entry)
		if err != nil {
			return err
		}
		event.Rendered = rendering.HTML
	}

	if req.Topic != nil {
		movedIDs, err := m.applyTopicEdit(ctx, msg, *req.Topic, req.PropagateMode, &entry)
		if err != nil {
			return err
		}
		event.TopicMoved = true
		event.OrigTopic = entry.PrevTopic
		event.NewTopic = msg.Topic
		event.MessageIDs = movedIDs
	}

	// Ledger is newest-first; one entry per edit, even when the edit
	// touched both content and topic.
	msg.EditHistory = append([]models.EditHistoryEntry{entry}, msg.EditHistory...)

	if err := m.messages.PersistEdit(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist edit: %w", err)
	}

	event.Recipients, err = m.editAudience(ctx, editor.TenantID, msg, req.Topic != nil)
	if err != nil {
		m.logger.Error("failed to compute edit audience", zap.Error(err))
		return nil
	}
	if err := m.publisher.Publish(ctx, editor.TenantID, event); err != nil {
		m.logger.Error("failed to publish update event", zap.Error(err))
	}
	return nil
}

// applyContentEdit re-renders and rewrites the mention-derived flag
// bits on every existing record for the message.
func (m *Mutator) applyContentEdit(ctx context.Context, tenantID uuid.UUID, msg *models.Message, newContent string, entry *models.EditHistoryEntry) (*render.Rendering, error) {
	if strings.TrimSpace(newContent) == "" {
		return nil, apperr.Validation("message must not be empty")
	}
	rendering, err := m.renderer.Render(ctx, tenantID, newContent)
	if err != nil {
		return nil, apperr.Validation("unable to render message")
	}

	holders, err := m.records.UserIDsForMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record holders: %w", err)
	}
	perUser := make(map[uuid.UUID]models.MessageFlags, len(holders))
	for _, userID := range holders {
		var bits models.MessageFlags
		if rendering.MentionUserIDs.Contains(userID) {
			bits = bits.With(models.FlagMentioned)
		}
		if rendering.WildcardMention {
			bits = bits.With(models.FlagWildcardMentioned)
		}
		if rendering.AlertWordUserIDs.Contains(userID) {
			bits = bits.With(models.FlagHasAlertWord)
		}
		perUser[userID] = bits
	}
	if err := m.records.UpdateMentionFlags(ctx, msg.ID, perUser); err != nil {
		return nil, fmt.Errorf("failed to update mention flags: %w", err)
	}

	entry.PrevContent = msg.Content
	msg.Content = newContent
	msg.Rendered = rendering.HTML
	return rendering, nil
}

// applyTopicEdit moves the edited message — and per the propagation
// mode, its topic neighbors — to the new topic.
func (m *Mutator) applyTopicEdit(ctx context.Context, msg *models.Message, newTopic, mode string, entry *models.EditHistoryEntry) ([]int64, error) {
	newTopic = strings.TrimSpace(newTopic)
	if newTopic == "" {
		return nil, apperr.Validation("topic can't be empty")
	}
	if newTopic == msg.Topic {
		return nil, apperr.Validation("topic is unchanged")
	}
	if mode == "" {
		mode = PropagateOne
	}

	movedIDs := []int64{msg.ID}
	switch mode {
	case PropagateOne:
	case PropagateLater:
		later, err := m.messages.IDsInTopicAfter(ctx, msg.RecipientID, msg.Topic, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		movedIDs = append(movedIDs, later...)
	case PropagateAll:
		// Bounded: only messages within the trailing edit window move,
		// so a years-old topic never churns thousands of rows.
		since := m.now().Add(-m.cfg.TopicEditWindow)
		within, err := m.messages.IDsInTopicSince(ctx, msg.RecipientID, msg.Topic, since)
		if err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		movedIDs = mergeIDs(movedIDs, within)
	default:
		return nil, apperr.Validation("invalid propagate_mode: '%s'", mode)
	}

	if err := m.messages.MoveTopic(ctx, movedIDs, newTopic); err != nil {
		return nil, fmt.Errorf("failed to move topic: %w", err)
	}

	entry.PrevTopic = msg.Topic
	msg.Topic = newTopic
	return movedIDs, nil
}

// editAudience: everyone holding a record for the message. A topic
// move additionally reaches the history-public-stream subscribers who
// hold none — their view of the topic changed even though the message
// was never delivered to them. Those bystanders get the event with a
// synthetic read flag: they see the move live but gain no persisted
// unread. Content-only edits go to record holders alone.
func (m *Mutator) editAudience(ctx context.Context, tenantID uuid.UUID, msg *models.Message, topicMoved bool) ([]events.Recipient, error) {
	holders, err := m.records.UserIDsForMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	out := make([]events.Recipient, 0, len(holders))
	held := models.NewUserSet(holders...)
	for _, id := range holders {
		out = append(out, events.Recipient{ID: id})
	}
	if !topicMoved {
		return out, nil
	}

	rcpt, err := m.recipients.GetByID(ctx, msg.RecipientID)
	if err != nil || rcpt == nil || !rcpt.IsStream() {
		return out, err
	}
	stream, err := m.streams.GetByID(ctx, tenantID, *rcpt.StreamID)
	if err != nil || stream == nil || !stream.HistoryPublic() {
		return out, err
	}

	subscribers, err := m.subs.ActiveSubscriberIDs(ctx, stream.ID)
	if err != nil {
		return nil, err
	}
	for _, id := range subscribers {
		if held.Contains(id) {
			continue
		}
		out = append(out, events.Recipient{
			ID:    id,
			Flags: (models.FlagRead | models.FlagHistorical).Names(),
		})
	}
	return out, nil
}

func mergeIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
