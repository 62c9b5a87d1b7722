// Package delivery computes the per-user delivery records for a
// message: which flags each recipient starts with, and which
// long-term-idle recipients get no record at all at send time.
package delivery

import (
	"sort"

	"github.com/google/uuid"

	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/recipientinfo"
	"github.com/lalith-99/courier/internal/render"
)

// Input is everything Build needs. Build is pure: no storage, no
// clock — the caller persists the output in the same transaction as
// the message.
type Input struct {
	Message         *models.Message
	IsStreamMessage bool
	SenderIsBot     bool

	Rendering *render.Rendering
	Info      *recipientinfo.Info

	// MarkReadIDs: users whose record starts read regardless of the
	// usual rules (e.g. the importing client says they already saw it).
	MarkReadIDs models.UserSet

	// DisableIdleSkip forces a record for every eligible user. Used by
	// paths that need the row to exist immediately.
	DisableIdleSkip bool
}

// Build returns the records to insert, sorted by user id for
// deterministic batch order. A delivery-eligible user may be absent
// from the output only via the long-term-idle skip; the reconciler
// backfills those rows when the user returns.
func Build(in Input) []models.DeliveryRecord {
	records := make([]models.DeliveryRecord, 0, in.Info.DeliveryEligible.Len())

	for _, userID := range in.Info.DeliveryEligible.Sorted() {
		flags := flagsFor(in, userID)

		if skipForIdle(in, userID, flags) {
			continue
		}
		records = append(records, models.DeliveryRecord{
			UserID:    userID,
			MessageID: in.Message.ID,
			Flags:     flags,
		})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].UserID.String() < records[j].UserID.String()
	})
	return records
}

func flagsFor(in Input, userID uuid.UUID) models.MessageFlags {
	var flags models.MessageFlags

	// The sender has obviously seen their own message — unless the
	// sender is a bot, whose owner reviews the bot's output unread.
	if userID == in.Message.SenderID && !in.SenderIsBot {
		flags = flags.With(models.FlagRead)
	}
	if in.MarkReadIDs.Contains(userID) {
		flags = flags.With(models.FlagRead)
	}
	if in.Rendering.MentionUserIDs.Contains(userID) {
		flags = flags.With(models.FlagMentioned)
	}
	if in.Rendering.WildcardMention {
		flags = flags.With(models.FlagWildcardMentioned)
	}
	if in.Rendering.AlertWordUserIDs.Contains(userID) {
		flags = flags.With(models.FlagHasAlertWord)
	}
	if !in.IsStreamMessage {
		flags = flags.With(models.FlagIsPrivate)
	}
	return flags
}

// skipForIdle decides whether a long-term-idle user's record can be
// deferred to reconciliation. Only a completely unremarkable stream
// message qualifies: zero flags and no push/email eligibility. DMs and
// flagged messages always get their row now.
func skipForIdle(in Input, userID uuid.UUID, flags models.MessageFlags) bool {
	if in.DisableIdleSkip || !in.IsStreamMessage || flags != 0 {
		return false
	}
	if !in.Info.LongTermIdle.Contains(userID) {
		return false
	}
	if in.Info.StreamPush.Contains(userID) || in.Info.StreamEmail.Contains(userID) {
		return false
	}
	return true
}
