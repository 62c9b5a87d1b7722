package recipientinfo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository/memory"
)

func boolPtr(b bool) *bool { return &b }

type calcFixture struct {
	store    *memory.Store
	calc     *Calculator
	tenantID uuid.UUID
	stream   *models.Stream
	rcpt     *models.Recipient
}

func newCalcFixture(t *testing.T) *calcFixture {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()

	tenant, err := store.Tenants().Create(ctx, "acme")
	require.NoError(t, err)
	stream, err := store.Streams().Create(ctx, &models.Stream{
		TenantID:   tenant.ID,
		Name:       "general",
		Visibility: models.StreamPublic,
		PostPolicy: models.PostPolicyEveryone,
	})
	require.NoError(t, err)
	rcpt, err := store.Recipients().GetByID(ctx, stream.RecipientID)
	require.NoError(t, err)

	return &calcFixture{
		store:    store,
		calc:     NewCalculator(store.Users(), store.Subscriptions()),
		tenantID: tenant.ID,
		stream:   stream,
		rcpt:     rcpt,
	}
}

func (f *calcFixture) subscriber(t *testing.T, user *models.User) *models.User {
	t.Helper()
	user.TenantID = f.tenantID
	created, err := f.store.Users().Create(context.Background(), user)
	require.NoError(t, err)
	require.NoError(t, f.store.Subscriptions().Subscribe(context.Background(), f.stream.ID, created.ID, 0))
	return created
}

func TestStreamOverridePrecedence(t *testing.T) {
	f := newCalcFixture(t)
	ctx := context.Background()
	sender := f.subscriber(t, &models.User{Email: "s@acme.test", IsActive: true})

	// Global default off, stream override on.
	optIn := f.subscriber(t, &models.User{Email: "a@acme.test", IsActive: true, StreamPushEnabled: false})
	require.NoError(t, f.store.Subscriptions().SetOverrides(ctx, f.stream.ID, optIn.ID, boolPtr(true), nil, nil))

	// Global default on, stream override off.
	optOut := f.subscriber(t, &models.User{Email: "b@acme.test", IsActive: true, StreamPushEnabled: true})
	require.NoError(t, f.store.Subscriptions().SetOverrides(ctx, f.stream.ID, optOut.ID, boolPtr(false), nil, nil))

	// Global default on, no override.
	def := f.subscriber(t, &models.User{Email: "c@acme.test", IsActive: true, StreamPushEnabled: true})

	info, err := f.calc.ForRecipient(ctx, f.rcpt, sender.ID, "plans")
	require.NoError(t, err)

	require.True(t, info.StreamPush.Contains(optIn.ID), "non-nil override beats global default")
	require.False(t, info.StreamPush.Contains(optOut.ID), "non-nil override beats global default")
	require.True(t, info.StreamPush.Contains(def.ID), "nil override falls back to global default")
}

func TestMutingSuppressesNotifyButNotDelivery(t *testing.T) {
	f := newCalcFixture(t)
	ctx := context.Background()
	sender := f.subscriber(t, &models.User{Email: "s@acme.test", IsActive: true})

	streamMuted := f.subscriber(t, &models.User{Email: "m@acme.test", IsActive: true, StreamPushEnabled: true, OnlinePushEnabled: true})
	require.NoError(t, f.store.Subscriptions().SetMuted(ctx, f.stream.ID, streamMuted.ID, true))

	topicMuted := f.subscriber(t, &models.User{Email: "tm@acme.test", IsActive: true, StreamPushEnabled: true})
	require.NoError(t, f.store.Subscriptions().MuteTopic(ctx, f.stream.ID, topicMuted.ID, "plans"))

	info, err := f.calc.ForRecipient(ctx, f.rcpt, sender.ID, "plans")
	require.NoError(t, err)

	for _, id := range []uuid.UUID{streamMuted.ID, topicMuted.ID} {
		require.True(t, info.DeliveryEligible.Contains(id), "muting never blocks delivery")
		require.False(t, info.StreamPush.Contains(id), "muting blocks notification sets")
		require.False(t, info.OnlinePush.Contains(id))
	}

	// Same topic-muted user on a DIFFERENT topic notifies normally.
	info, err = f.calc.ForRecipient(ctx, f.rcpt, sender.ID, "lunch")
	require.NoError(t, err)
	require.True(t, info.StreamPush.Contains(topicMuted.ID))
}

func TestSenderExcludedFromNotifySets(t *testing.T) {
	f := newCalcFixture(t)
	sender := f.subscriber(t, &models.User{
		Email: "s@acme.test", IsActive: true,
		StreamPushEnabled: true, StreamEmailEnabled: true, OnlinePushEnabled: true,
	})

	info, err := f.calc.ForRecipient(context.Background(), f.rcpt, sender.ID, "plans")
	require.NoError(t, err)

	require.True(t, info.DeliveryEligible.Contains(sender.ID))
	require.False(t, info.StreamPush.Contains(sender.ID))
	require.False(t, info.StreamEmail.Contains(sender.ID))
	require.False(t, info.OnlinePush.Contains(sender.ID))
}

func TestInactiveSubscribersExcluded(t *testing.T) {
	f := newCalcFixture(t)
	ctx := context.Background()
	sender := f.subscriber(t, &models.User{Email: "s@acme.test", IsActive: true})
	gone := f.subscriber(t, &models.User{Email: "g@acme.test", IsActive: false})

	info, err := f.calc.ForRecipient(ctx, f.rcpt, sender.ID, "plans")
	require.NoError(t, err)
	require.False(t, info.DeliveryEligible.Contains(gone.ID))
}

func TestDirectRecipientInfo(t *testing.T) {
	f := newCalcFixture(t)
	ctx := context.Background()

	sender, err := f.store.Users().Create(ctx, &models.User{TenantID: f.tenantID, Email: "s@acme.test", IsActive: true, OnlinePushEnabled: true})
	require.NoError(t, err)
	peer, err := f.store.Users().Create(ctx, &models.User{TenantID: f.tenantID, Email: "p@acme.test", IsActive: true, OnlinePushEnabled: true, LongTermIdle: true})
	require.NoError(t, err)
	dummy, err := f.store.Users().Create(ctx, &models.User{TenantID: f.tenantID, Email: "bridge@acme.test", IsMirrorDummy: true})
	require.NoError(t, err)

	rcpt, err := f.store.Recipients().GetOrCreateGroup(ctx, f.tenantID, []uuid.UUID{sender.ID, peer.ID, dummy.ID})
	require.NoError(t, err)

	info, err := f.calc.ForRecipient(ctx, rcpt, sender.ID, "")
	require.NoError(t, err)

	require.True(t, info.DeliveryEligible.Contains(peer.ID))
	require.True(t, info.DeliveryEligible.Contains(dummy.ID), "mirror dummies receive DMs")
	require.True(t, info.LongTermIdle.Contains(peer.ID))
	require.True(t, info.OnlinePush.Contains(peer.ID))
	require.False(t, info.OnlinePush.Contains(sender.ID), "sender never self-notifies")
}
