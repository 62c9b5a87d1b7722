// Package fanout is the send pipeline: validate, resolve the
// addressee, render, compute recipient info, build delivery records,
// persist everything in one transaction, then emit events and queue
// work. Events are published only after the transaction commits.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/addressee"
	"github.com/lalith-99/courier/internal/apperr"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/delivery"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/presence"
	"github.com/lalith-99/courier/internal/queue"
	"github.com/lalith-99/courier/internal/recipientinfo"
	"github.com/lalith-99/courier/internal/render"
	"github.com/lalith-99/courier/internal/repository"
)

const (
	maxContentLength = 10000
	maxTopicLength   = 60
)

// SendRequest is one message to send.
type SendRequest struct {
	Sender    *models.User
	Addressee addressee.Addressee
	Content   string
	Topic     string
	Client    string

	// Mirrored marks a message forwarded by a bridge (IRC, XMPP, …).
	// Mirrored sends probe for an identical recent message first and
	// return its id instead of creating a duplicate.
	Mirrored bool

	// MarkReadIDs: recipients whose record starts read (the bridge
	// knows they already saw it on the other side).
	MarkReadIDs []uuid.UUID

	// DisableIdleSkip forces a delivery record for every eligible
	// recipient, bypassing the long-term-idle deferral.
	DisableIdleSkip bool
}

// Result reports one sent message.
type Result struct {
	MessageID int64
	// Deduplicated is true when an identical mirrored message already
	// existed and MessageID refers to it.
	Deduplicated bool
}

// Dispatcher runs the send pipeline.
type Dispatcher struct {
	resolver   *addressee.Resolver
	calculator *recipientinfo.Calculator
	renderer   render.Renderer
	messages   repository.MessageRepository
	presence   presence.Service
	publisher  events.Publisher
	queue      queue.Queue
	cfg        *config.Config
	logger     *zap.Logger

	now func() time.Time

	// Last "bot sent to missing stream" notification per bot, so a
	// misconfigured bot doesn't flood its owner.
	botNotifyMu   sync.Mutex
	botNotifiedAt map[uuid.UUID]time.Time
}

func NewDispatcher(
	resolver *addressee.Resolver,
	calculator *recipientinfo.Calculator,
	renderer render.Renderer,
	messages repository.MessageRepository,
	presenceSvc presence.Service,
	publisher events.Publisher,
	q queue.Queue,
	cfg *config.Config,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		resolver:      resolver,
		calculator:    calculator,
		renderer:      renderer,
		messages:      messages,
		presence:      presenceSvc,
		publisher:     publisher,
		queue:         q,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
		botNotifiedAt: make(map[uuid.UUID]time.Time),
	}
}

// SetClock overrides the dispatcher's clock. Tests only.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// SendMessage sends a single message.
func (d *Dispatcher) SendMessage(ctx context.Context, req *SendRequest) (*Result, error) {
	results, err := d.SendMessages(ctx, []*SendRequest{req})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// SendMessages sends a batch. Validation and resolution happen for
// every request before anything is persisted; the batch commits in one
// transaction, so either all messages exist or none do.
func (d *Dispatcher) SendMessages(ctx context.Context, reqs []*SendRequest) ([]*Result, error) {
	if len(reqs) == 0 {
		return nil, apperr.Validation("no messages to send")
	}

	prepared := make([]*preparedSend, 0, len(reqs))
	results := make([]*Result, len(reqs))
	inserts := make([]*models.PreparedMessage, 0, len(reqs))

	for i, req := range reqs {
		p, err := d.prepare(ctx, req)
		if err != nil {
			return nil, err
		}
		if p.existingID != 0 {
			results[i] = &Result{MessageID: p.existingID, Deduplicated: true}
			continue
		}
		p.resultIdx = i
		prepared = append(prepared, p)
		inserts = append(inserts, &models.PreparedMessage{
			Message:           p.message,
			Records:           p.records,
			AttachmentPathIDs: p.rendering.UploadPathIDs,
		})
	}

	if len(inserts) > 0 {
		ids, err := d.messages.SendBatch(ctx, inserts)
		if err != nil {
			return nil, fmt.Errorf("failed to persist messages: %w", err)
		}
		for i, p := range prepared {
			p.message.ID = ids[i]
			for j := range p.records {
				p.records[j].MessageID = ids[i]
			}
			results[p.resultIdx] = &Result{MessageID: ids[i]}
		}
	}

	// The transaction is committed; from here on failures are logged,
	// never returned — the messages exist.
	for _, p := range prepared {
		d.emit(ctx, p)
	}
	return results, nil
}

// preparedSend carries one request through the pipeline stages.
type preparedSend struct {
	req       *SendRequest
	message   *models.Message
	recipient *models.Recipient
	stream    *models.Stream
	rendering *render.Rendering
	info      *recipientinfo.Info
	records   []models.DeliveryRecord

	existingID int64
	resultIdx  int
}

func (d *Dispatcher) prepare(ctx context.Context, req *SendRequest) (*preparedSend, error) {
	if err := validateContent(req.Content); err != nil {
		return nil, err
	}

	rcpt, stream, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	topic := req.Topic
	if rcpt.IsStream() {
		topic, err = validateTopic(req.Topic)
		if err != nil {
			return nil, err
		}
	} else {
		topic = ""
	}

	if req.Mirrored {
		if id, err := d.findDuplicate(ctx, req, rcpt, topic); err != nil {
			return nil, err
		} else if id != 0 {
			return &preparedSend{req: req, existingID: id}, nil
		}
	}

	rendering, err := d.renderer.Render(ctx, req.Sender.TenantID, req.Content)
	if err != nil {
		return nil, apperr.Validation("unable to render message")
	}

	info, err := d.calculator.ForRecipient(ctx, rcpt, req.Sender.ID, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to compute recipient info: %w", err)
	}

	msg := &models.Message{
		TenantID:    req.Sender.TenantID,
		SenderID:    req.Sender.ID,
		RecipientID: rcpt.ID,
		Topic:       topic,
		Content:     req.Content,
		Rendered:    rendering.HTML,
		Client:      req.Client,
		SentAt:      d.now(),
	}
	records := delivery.Build(delivery.Input{
		Message:         msg,
		IsStreamMessage: rcpt.IsStream(),
		SenderIsBot:     req.Sender.IsBot,
		Rendering:       rendering,
		Info:            info,
		MarkReadIDs:     models.NewUserSet(req.MarkReadIDs...),
		DisableIdleSkip: req.DisableIdleSkip,
	})

	return &preparedSend{
		req:       req,
		message:   msg,
		recipient: rcpt,
		stream:    stream,
		rendering: rendering,
		info:      info,
		records:   records,
	}, nil
}

// resolve maps the addressee, and on a missing stream tells the bot's
// owner about it (rate-limited) before returning the error.
func (d *Dispatcher) resolve(ctx context.Context, req *SendRequest) (*models.Recipient, *models.Stream, error) {
	rcpt, stream, err := d.resolver.Resolve(ctx, req.Sender, req.Addressee)
	if err == nil {
		return rcpt, stream, nil
	}

	var nf *apperr.NotFoundError
	if errors.As(err, &nf) && req.Sender.IsBot && req.Sender.BotOwnerID != nil && req.Addressee.IsStream() {
		d.notifyBotOwner(ctx, req.Sender, req.Addressee.StreamName)
	}
	return nil, nil, err
}

func (d *Dispatcher) notifyBotOwner(ctx context.Context, bot *models.User, streamName string) {
	d.botNotifyMu.Lock()
	last, seen := d.botNotifiedAt[bot.ID]
	now := d.now()
	if seen && now.Sub(last) < d.cfg.BotNotifyWaitPeriod {
		d.botNotifyMu.Unlock()
		return
	}
	d.botNotifiedAt[bot.ID] = now
	d.botNotifyMu.Unlock()

	item := map[string]any{
		"bot_id":      bot.ID,
		"owner_id":    *bot.BotOwnerID,
		"stream_name": streamName,
	}
	if err := d.queue.Enqueue(ctx, queue.BotOwnerNotify, item); err != nil {
		d.logger.Error("failed to enqueue bot owner notification", zap.Error(err))
	}
}

func (d *Dispatcher) findDuplicate(ctx context.Context, req *SendRequest, rcpt *models.Recipient, topic string) (int64, error) {
	window := time.Duration(0)
	if rcpt.Kind == models.RecipientGroup {
		window = d.cfg.GroupDedupWindow
	}
	since := d.now().Add(-window)
	id, err := d.messages.FindMirrorDuplicate(ctx, req.Sender.ID, rcpt.ID, topic, req.Content, req.Client, since)
	if err != nil {
		return 0, fmt.Errorf("failed to probe for duplicate: %w", err)
	}
	return id, nil
}

// emit publishes the message event and enqueues follow-on work. All
// failures here are logged and swallowed.
func (d *Dispatcher) emit(ctx context.Context, p *preparedSend) {
	tenantID := p.message.TenantID

	event := events.MessageEvent{
		Type:                events.TypeMessage,
		TenantID:            tenantID,
		MessageID:           p.message.ID,
		Message:             p.message,
		Recipients:          d.eventRecipients(p),
		PresenceIdleUserIDs: d.presenceIdleUserIDs(ctx, p),
	}
	if err := d.publisher.Publish(ctx, tenantID, event); err != nil {
		d.logger.Error("failed to publish message event",
			zap.Int64("message_id", p.message.ID), zap.Error(err))
	}

	if len(p.rendering.Links) > 0 {
		d.enqueue(ctx, queue.EmbedLinks, map[string]any{
			"message_id": p.message.ID,
			"tenant_id":  tenantID,
			"urls":       p.rendering.Links,
		})
	}
	for _, bot := range p.info.ServiceBots {
		var queueName string
		switch bot.Kind {
		case models.BotKindOutgoingWebhook:
			queueName = queue.OutgoingWebhooks
		case models.BotKindEmbedded:
			queueName = queue.EmbeddedBots
		default:
			continue
		}
		d.enqueue(ctx, queueName, map[string]any{
			"message_id": p.message.ID,
			"tenant_id":  tenantID,
			"bot_id":     bot.UserID,
		})
	}
	if !p.recipient.IsStream() && d.welcomeBotAddressed(p) {
		d.enqueue(ctx, queue.WelcomeBot, map[string]any{
			"message_id": p.message.ID,
			"tenant_id":  tenantID,
			"sender_id":  p.message.SenderID,
		})
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, name string, item any) {
	if err := d.queue.Enqueue(ctx, name, item); err != nil {
		d.logger.Error("failed to enqueue work item",
			zap.String("queue", name), zap.Error(err))
	}
}

// eventRecipients builds the per-recipient array for the message
// event: every delivery-eligible user, with the flags their record got
// (zero for records the idle skip deferred) and their notification
// eligibility.
func (d *Dispatcher) eventRecipients(p *preparedSend) []events.Recipient {
	flagsByUser := make(map[uuid.UUID]models.MessageFlags, len(p.records))
	for _, rec := range p.records {
		flagsByUser[rec.UserID] = rec.Flags
	}

	out := make([]events.Recipient, 0, p.info.DeliveryEligible.Len())
	for _, userID := range p.info.DeliveryEligible.Sorted() {
		out = append(out, events.Recipient{
			ID:                    userID,
			Flags:                 flagsByUser[userID].Names(),
			AlwaysPushNotify:      p.info.OnlinePush.Contains(userID),
			StreamPushNotify:      p.info.StreamPush.Contains(userID),
			StreamEmailNotify:     p.info.StreamEmail.Contains(userID),
			WildcardMentionNotify: p.rendering.WildcardMention && p.info.WildcardMention.Contains(userID),
		})
	}
	return out
}

// presenceIdleUserIDs: recipients for whom this message is personally
// notable (mentioned, alert word, or a direct message) and who have not
// been seen recently. The sender is never idle for their own message.
func (d *Dispatcher) presenceIdleUserIDs(ctx context.Context, p *preparedSend) []uuid.UUID {
	candidates := p.rendering.MentionUserIDs.Union(p.rendering.AlertWordUserIDs)
	if !p.recipient.IsStream() {
		candidates = candidates.Union(p.info.DeliveryEligible)
	}
	candidates.Remove(p.message.SenderID)
	if candidates.Len() == 0 {
		return []uuid.UUID{}
	}

	idle, err := d.presence.IsIdle(ctx, p.message.TenantID, candidates.Sorted(), d.cfg.PresenceIdleThreshold)
	if err != nil {
		d.logger.Error("failed to check presence", zap.Error(err))
		// Better to over-notify than to lose a mention.
		return candidates.Sorted()
	}
	return idle.Sorted()
}

func (d *Dispatcher) welcomeBotAddressed(p *preparedSend) bool {
	for _, bot := range p.info.ServiceBots {
		if bot.Kind == models.BotKindWelcome {
			return true
		}
	}
	return false
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("message must not be empty")
	}
	if strings.ContainsRune(content, '\x00') {
		return apperr.Validation("message must not contain null bytes")
	}
	if len(content) > maxContentLength {
		return apperr.Validation("message too long (max %d characters)", maxContentLength)
	}
	return nil
}

func validateTopic(topic string) (string, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return "", apperr.Validation("topic can't be empty")
	}
	if strings.ContainsAny(topic, "\x00\n") {
		return "", apperr.Validation("invalid characters in topic")
	}
	if len(topic) > maxTopicLength {
		return "", apperr.Validation("topic too long (max %d characters)", maxTopicLength)
	}
	return topic, nil
}
