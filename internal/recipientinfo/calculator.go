// Package recipientinfo computes, from one pass over subscription and
// membership data, every id group the send path needs: who gets a
// delivery record, who is push/email eligible, who could be hit by a
// wildcard mention, who is long-term idle, and which service bots get
// queue dispatches instead of events.
package recipientinfo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// ServiceBot is one (bot, kind) dispatch target.
type ServiceBot struct {
	UserID uuid.UUID `json:"user_id"`
	Kind   string    `json:"kind"`
}

// Info is the per-send classification of a recipient's audience.
//
// The sets overlap freely (a long-term-idle user is usually also
// delivery-eligible); only the semantics below matter:
//
//   - DeliveryEligible: users who should have a delivery record,
//     BEFORE the long-term-idle skip is applied.
//   - StreamPush / StreamEmail: per-stream notification eligibility
//     after override precedence and muting.
//   - WildcardMention: users a wildcard WOULD notify — only meaningful
//     once rendering confirms the message actually carries one.
//   - OnlinePush: the "always push even when active" global preference,
//     deliberately untouched by stream-level suppression.
type Info struct {
	Active           models.UserSet
	DeliveryEligible models.UserSet
	LongTermIdle     models.UserSet
	OnlinePush       models.UserSet
	StreamPush       models.UserSet
	StreamEmail      models.UserSet
	WildcardMention  models.UserSet
	ServiceBots      []ServiceBot
}

func newInfo() *Info {
	return &Info{
		Active:           models.NewUserSet(),
		DeliveryEligible: models.NewUserSet(),
		LongTermIdle:     models.NewUserSet(),
		OnlinePush:       models.NewUserSet(),
		StreamPush:       models.NewUserSet(),
		StreamEmail:      models.NewUserSet(),
		WildcardMention:  models.NewUserSet(),
		ServiceBots:      []ServiceBot{},
	}
}

type Calculator struct {
	users repository.UserRepository
	subs  repository.SubscriptionRepository
}

func NewCalculator(users repository.UserRepository, subs repository.SubscriptionRepository) *Calculator {
	return &Calculator{users: users, subs: subs}
}

// ForRecipient classifies the audience of one send. For direct/group
// recipients the member set is exact and small, so it fetches the
// users eagerly; for streams it runs the single subscription/user join
// plus the topic-mute lookup.
func (c *Calculator) ForRecipient(ctx context.Context, rcpt *models.Recipient, senderID uuid.UUID, topic string) (*Info, error) {
	if rcpt.IsStream() {
		return c.forStream(ctx, rcpt, senderID, topic)
	}
	return c.forUsers(ctx, rcpt, senderID)
}

func (c *Calculator) forUsers(ctx context.Context, rcpt *models.Recipient, senderID uuid.UUID) (*Info, error) {
	users, err := c.users.GetByIDs(ctx, rcpt.UserIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch recipient members: %w", err)
	}

	info := newInfo()
	for _, u := range users {
		// Mirror dummies are inactive placeholders but still receive
		// direct messages; anyone else must be active.
		if !u.IsActive && !u.IsMirrorDummy {
			continue
		}
		info.Active.Add(u.ID)
		info.DeliveryEligible.Add(u.ID)
		if u.LongTermIdle {
			info.LongTermIdle.Add(u.ID)
		}
		if u.OnlinePushEnabled && u.ID != senderID {
			info.OnlinePush.Add(u.ID)
		}
		if u.IsServiceBot() || u.BotKind == models.BotKindWelcome {
			info.ServiceBots = append(info.ServiceBots, ServiceBot{UserID: u.ID, Kind: u.BotKind})
		}
	}
	return info, nil
}

func (c *Calculator) forStream(ctx context.Context, rcpt *models.Recipient, senderID uuid.UUID, topic string) (*Info, error) {
	rows, err := c.subs.NotificationRows(ctx, *rcpt.StreamID)
	if err != nil {
		return nil, fmt.Errorf("fetch notification rows: %w", err)
	}
	topicMuted, err := c.subs.TopicMutedUserIDs(ctx, *rcpt.StreamID, topic)
	if err != nil {
		return nil, fmt.Errorf("fetch topic mutes: %w", err)
	}

	info := newInfo()
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		info.Active.Add(row.UserID)
		info.DeliveryEligible.Add(row.UserID)
		if row.LongTermIdle {
			info.LongTermIdle.Add(row.UserID)
		}
		if row.IsBot && (row.BotKind == models.BotKindOutgoingWebhook || row.BotKind == models.BotKindEmbedded) {
			info.ServiceBots = append(info.ServiceBots, ServiceBot{UserID: row.UserID, Kind: row.BotKind})
		}

		// The sender never notifies themself.
		if row.UserID == senderID {
			continue
		}

		// Precedence: a non-nil stream-level override beats the user's
		// global default. Muting (stream OR topic) then excludes the
		// user from every notification set — it suppresses, never adds.
		muted := row.Muted || topicMuted.Contains(row.UserID)
		if muted {
			continue
		}

		if override(row.PushOverride, row.StreamPushEnabled) {
			info.StreamPush.Add(row.UserID)
		}
		if override(row.EmailOverride, row.StreamEmailEnabled) {
			info.StreamEmail.Add(row.UserID)
		}
		if override(row.WildcardOverride, row.WildcardMentionsNotify) {
			info.WildcardMention.Add(row.UserID)
		}
		if row.OnlinePushEnabled {
			info.OnlinePush.Add(row.UserID)
		}
	}
	return info, nil
}

func override(streamLevel *bool, globalDefault bool) bool {
	if streamLevel != nil {
		return *streamLevel
	}
	return globalDefault
}
