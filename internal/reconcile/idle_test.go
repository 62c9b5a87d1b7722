package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/addressee"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/fanout"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/presence"
	"github.com/lalith-99/courier/internal/queue"
	"github.com/lalith-99/courier/internal/recipientinfo"
	"github.com/lalith-99/courier/internal/render"
	"github.com/lalith-99/courier/internal/repository/memory"
)

type reconcileFixture struct {
	store      *memory.Store
	reconciler *Reconciler
	dispatcher *fanout.Dispatcher
	tenantID   uuid.UUID
	sender     *models.User
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	tenant, err := store.Tenants().Create(ctx, "acme")
	require.NoError(t, err)
	sender, err := store.Users().Create(ctx, &models.User{
		TenantID: tenant.ID, Email: "sender@acme.test", IsActive: true,
	})
	require.NoError(t, err)

	cfg := &config.Config{
		GroupDedupWindow:      10 * time.Second,
		PresenceIdleThreshold: 140 * time.Second,
		TopicEditWindow:       48 * time.Hour,
		BotNotifyWaitPeriod:   24 * time.Hour,
	}
	publisher := events.NewMemoryPublisher()
	renderer := render.NewMarkdown(store.Users(), store.AlertWords())
	resolver := addressee.NewResolver(store.Users(), store.Streams(), store.Recipients(),
		store.Subscriptions(), publisher, zap.NewNop())
	calculator := recipientinfo.NewCalculator(store.Users(), store.Subscriptions())
	dispatcher := fanout.NewDispatcher(resolver, calculator, renderer, store.Messages(),
		presence.NewMemoryPresence(), publisher, queue.NewMemoryQueue(), cfg, zap.NewNop())

	return &reconcileFixture{
		store:      store,
		dispatcher: dispatcher,
		tenantID:   tenant.ID,
		sender:     sender,
		reconciler: NewReconciler(store.Users(), store.Subscriptions(), store.Streams(),
			store.Messages(), store.Records(), zap.NewNop()),
	}
}

func (f *reconcileFixture) user(t *testing.T, email string, mutate ...func(*models.User)) *models.User {
	t.Helper()
	u := &models.User{TenantID: f.tenantID, Email: email, IsActive: true}
	for _, m := range mutate {
		m(u)
	}
	created, err := f.store.Users().Create(context.Background(), u)
	require.NoError(t, err)
	return created
}

func (f *reconcileFixture) stream(t *testing.T, s *models.Stream, subscribers ...*models.User) *models.Stream {
	t.Helper()
	ctx := context.Background()
	s.TenantID = f.tenantID
	if s.Visibility == "" {
		s.Visibility = models.StreamPublic
	}
	if s.PostPolicy == "" {
		s.PostPolicy = models.PostPolicyEveryone
	}
	created, err := f.store.Streams().Create(ctx, s)
	require.NoError(t, err)
	for _, u := range subscribers {
		maxID, err := f.store.Messages().CurrentMaxID(ctx)
		require.NoError(t, err)
		require.NoError(t, f.store.Subscriptions().Subscribe(ctx, created.ID, u.ID, maxID))
	}
	return created
}

func (f *reconcileFixture) send(t *testing.T, streamName, content string) int64 {
	t.Helper()
	result, err := f.dispatcher.SendMessage(context.Background(), &fanout.SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: streamName},
		Topic:     "t",
		Content:   content,
	})
	require.NoError(t, err)
	return result.MessageID
}

func (f *reconcileFixture) recordFlags(t *testing.T, userID uuid.UUID, messageID int64) (models.MessageFlags, bool) {
	t.Helper()
	rec, err := f.store.Records().Get(context.Background(), userID, messageID)
	require.NoError(t, err)
	if rec == nil {
		return 0, false
	}
	return rec.Flags, true
}

// The skip-then-reconcile path must land in the same state as the
// never-idle path: one record per message, zero flags.
func TestSkipThenReconcileEquivalence(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	idle := f.user(t, "idle@acme.test", func(u *models.User) { u.LongTermIdle = true })
	normal := f.user(t, "normal@acme.test")
	f.stream(t, &models.Stream{Name: "general"}, f.sender, idle, normal)

	a := f.send(t, "general", "first")
	b := f.send(t, "general", "second")

	// Before reconciliation the idle user has no records.
	for _, id := range []int64{a, b} {
		_, ok := f.recordFlags(t, idle.ID, id)
		require.False(t, ok)
	}

	created, err := f.reconciler.Reactivate(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)
	require.Equal(t, 2, created)

	for _, id := range []int64{a, b} {
		idleFlags, ok := f.recordFlags(t, idle.ID, id)
		require.True(t, ok)
		normalFlags, _ := f.recordFlags(t, normal.ID, id)
		require.Equal(t, normalFlags, idleFlags, "reconciled state matches the never-idle state")
		require.Zero(t, idleFlags)
	}

	user, err := f.store.Users().GetByID(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)
	require.False(t, user.LongTermIdle)
	require.Equal(t, b, user.LastActiveMessageID)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	idle := f.user(t, "idle@acme.test", func(u *models.User) { u.LongTermIdle = true })
	f.stream(t, &models.Stream{Name: "general"}, f.sender, idle)
	f.send(t, "general", "hello")

	created, err := f.reconciler.Reactivate(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	// Second call: user is no longer idle, nothing to do.
	created, err = f.reconciler.Reactivate(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)
	require.Zero(t, created)
}

// A flagged message got its record at send time; reconciliation must
// not disturb it — at most one record per (user, message).
func TestReconcilePreservesSendTimeRecords(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	idle := f.user(t, "idle@acme.test", func(u *models.User) { u.LongTermIdle = true })
	f.stream(t, &models.Stream{Name: "general"}, f.sender, idle)

	plain := f.send(t, "general", "plain")
	mention := f.send(t, "general", "hi @**idle@acme.test**")

	mentionFlags, ok := f.recordFlags(t, idle.ID, mention)
	require.True(t, ok, "mention defeats the idle skip at send time")
	require.True(t, mentionFlags.Has(models.FlagMentioned))

	created, err := f.reconciler.Reactivate(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)
	require.Equal(t, 1, created, "only the plain message needs backfilling")

	mentionFlags, _ = f.recordFlags(t, idle.ID, mention)
	require.True(t, mentionFlags.Has(models.FlagMentioned), "existing record untouched")
	plainFlags, ok := f.recordFlags(t, idle.ID, plain)
	require.True(t, ok)
	require.Zero(t, plainFlags)
}

// Private streams with member-only history backfill only the spans the
// user was actually subscribed for.
func TestReconcileRespectsSubscriptionIntervals(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	idle := f.user(t, "idle@acme.test", func(u *models.User) { u.LongTermIdle = true })
	stream := f.stream(t, &models.Stream{Name: "secret", Visibility: models.StreamPrivate}, f.sender, idle)

	during := f.send(t, "secret", "while subscribed")

	maxID, err := f.store.Messages().CurrentMaxID(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Subscriptions().Unsubscribe(ctx, stream.ID, idle.ID, maxID))

	after := f.send(t, "secret", "after leaving")

	require.NoError(t, f.store.Subscriptions().Subscribe(ctx, stream.ID, idle.ID, after))

	_, err = f.reconciler.Reactivate(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)

	_, ok := f.recordFlags(t, idle.ID, during)
	require.True(t, ok, "message within the subscribed span is backfilled")
	_, ok = f.recordFlags(t, idle.ID, after)
	require.False(t, ok, "message in the gap is not")
}

// Public-stream history is fully visible, so interval gaps don't limit
// the backfill there.
func TestReconcilePublicStreamIgnoresGaps(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()
	idle := f.user(t, "idle@acme.test", func(u *models.User) { u.LongTermIdle = true })
	stream := f.stream(t, &models.Stream{Name: "general"}, f.sender, idle)

	maxID, err := f.store.Messages().CurrentMaxID(ctx)
	require.NoError(t, err)
	require.NoError(t, f.store.Subscriptions().Unsubscribe(ctx, stream.ID, idle.ID, maxID))
	gap := f.send(t, "general", "sent while unsubscribed")
	require.NoError(t, f.store.Subscriptions().Subscribe(ctx, stream.ID, idle.ID, gap))

	_, err = f.reconciler.Reactivate(ctx, f.tenantID, idle.ID)
	require.NoError(t, err)

	_, ok := f.recordFlags(t, idle.ID, gap)
	require.True(t, ok)
}
