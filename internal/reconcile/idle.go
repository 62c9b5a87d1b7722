// Package reconcile backfills the delivery records the send path
// skipped for long-term-idle users, when those users come back.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// Reconciler replays a returning user's subscription history and
// inserts the missing records with zero flags. A message whose record
// was skipped and later reconciled is indistinguishable (row-wise)
// from one recorded at send time with zero flags.
type Reconciler struct {
	users    repository.UserRepository
	subs     repository.SubscriptionRepository
	streams  repository.StreamRepository
	messages repository.MessageRepository
	records  repository.DeliveryRecordRepository
	logger   *zap.Logger
}

func NewReconciler(
	users repository.UserRepository,
	subs repository.SubscriptionRepository,
	streams repository.StreamRepository,
	messages repository.MessageRepository,
	records repository.DeliveryRecordRepository,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		users:    users,
		subs:     subs,
		streams:  streams,
		messages: messages,
		records:  records,
		logger:   logger,
	}
}

// Reactivate takes a user out of long-term idle, backfilling every
// record the send path deferred since the user's watermark. Returns
// the number of records created.
//
// Idempotent: a second call (or a concurrent one) finds the watermark
// already advanced and the records already present — conflict-ignore
// inserts and the never-backward watermark make duplicate work
// harmless.
func (r *Reconciler) Reactivate(ctx context.Context, tenantID, userID uuid.UUID) (int, error) {
	user, err := r.users.GetByID(ctx, tenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil {
		return 0, fmt.Errorf("user %s not found", userID)
	}
	if !user.LongTermIdle {
		return 0, nil
	}

	intervals, err := r.subs.Intervals(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load subscription intervals: %w", err)
	}
	byStream := make(map[uuid.UUID][]models.SubscriptionInterval)
	for _, iv := range intervals {
		byStream[iv.StreamID] = append(byStream[iv.StreamID], iv)
	}

	created := 0
	maxSeen := user.LastActiveMessageID
	for streamID, ivs := range byStream {
		n, maxID, err := r.backfillStream(ctx, user, streamID, ivs)
		if err != nil {
			return created, err
		}
		created += n
		if maxID > maxSeen {
			maxSeen = maxID
		}
	}

	if maxSeen > user.LastActiveMessageID {
		if err := r.users.AdvanceWatermark(ctx, userID, maxSeen); err != nil {
			return created, fmt.Errorf("failed to advance watermark: %w", err)
		}
	}
	if err := r.users.SetLongTermIdle(ctx, userID, false); err != nil {
		return created, fmt.Errorf("failed to clear long-term idle: %w", err)
	}

	r.logger.Info("reconciled idle user",
		zap.String("user_id", userID.String()),
		zap.Int("records_created", created))
	return created, nil
}

// backfillStream inserts the missing zero-flag records for one stream
// and reports the highest message id it considered.
func (r *Reconciler) backfillStream(ctx context.Context, user *models.User, streamID uuid.UUID, intervals []models.SubscriptionInterval) (int, int64, error) {
	stream, err := r.streams.GetByID(ctx, user.TenantID, streamID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load stream: %w", err)
	}
	if stream == nil {
		return 0, 0, nil
	}

	ids, err := r.messages.IDsByRecipientAfter(ctx, stream.RecipientID, user.LastActiveMessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}
	maxID := ids[len(ids)-1]

	// History-public streams expose everything; for a private stream
	// with member-only history the user only gets messages sent while
	// they were actually subscribed.
	if !stream.HistoryPublic() {
		ids = filterByIntervals(ids, intervals)
	}
	if len(ids) == 0 {
		return 0, maxID, nil
	}

	existing, err := r.records.ExistingIDs(ctx, user.ID, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to check existing records: %w", err)
	}

	records := make([]models.DeliveryRecord, 0, len(ids))
	for _, id := range ids {
		if _, ok := existing[id]; ok {
			continue
		}
		records = append(records, models.DeliveryRecord{UserID: user.ID, MessageID: id})
	}
	if len(records) == 0 {
		return 0, maxID, nil
	}

	n, err := r.records.BulkCreate(ctx, records)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to backfill records: %w", err)
	}
	return n, maxID, nil
}

func filterByIntervals(ids []int64, intervals []models.SubscriptionInterval) []int64 {
	out := ids[:0]
	for _, id := range ids {
		for _, iv := range intervals {
			if iv.Contains(id) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
