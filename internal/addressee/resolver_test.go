package addressee

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/apperr"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository/memory"
)

type resolverFixture struct {
	store     *memory.Store
	resolver  *Resolver
	publisher *events.MemoryPublisher
	tenantID  uuid.UUID
	sender    *models.User
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()

	tenant, err := store.Tenants().Create(ctx, "acme")
	require.NoError(t, err)
	sender, err := store.Users().Create(ctx, &models.User{
		TenantID: tenant.ID, Email: "sender@acme.test", IsActive: true,
	})
	require.NoError(t, err)

	publisher := events.NewMemoryPublisher()
	return &resolverFixture{
		store:     store,
		publisher: publisher,
		tenantID:  tenant.ID,
		sender:    sender,
		resolver: NewResolver(store.Users(), store.Streams(), store.Recipients(),
			store.Subscriptions(), publisher, zap.NewNop()),
	}
}

func (f *resolverFixture) user(t *testing.T, email string, mutate ...func(*models.User)) *models.User {
	t.Helper()
	u := &models.User{TenantID: f.tenantID, Email: email, IsActive: true}
	for _, m := range mutate {
		m(u)
	}
	created, err := f.store.Users().Create(context.Background(), u)
	require.NoError(t, err)
	return created
}

func (f *resolverFixture) stream(t *testing.T, s *models.Stream) *models.Stream {
	t.Helper()
	s.TenantID = f.tenantID
	if s.Visibility == "" {
		s.Visibility = models.StreamPublic
	}
	if s.PostPolicy == "" {
		s.PostPolicy = models.PostPolicyEveryone
	}
	created, err := f.store.Streams().Create(context.Background(), s)
	require.NoError(t, err)
	return created
}

func TestResolveGroupCanonicalization(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	a := f.user(t, "a@acme.test")
	b := f.user(t, "b@acme.test")

	// Same member set, different order and duplicated entries.
	first, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{UserIDs: []uuid.UUID{a.ID, b.ID}})
	require.NoError(t, err)
	second, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{UserIDs: []uuid.UUID{b.ID, a.ID, b.ID}})
	require.NoError(t, err)

	require.Equal(t, models.RecipientGroup, first.Kind)
	require.Equal(t, first.ID, second.ID, "member order must not mint a new recipient")
	require.Contains(t, first.UserIDs, f.sender.ID, "sender is part of the huddle")
}

func TestResolveSingleOtherIsPersonal(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	b := f.user(t, "b@acme.test")

	// Addressing one user — with or without the sender included.
	direct, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{UserIDs: []uuid.UUID{b.ID}})
	require.NoError(t, err)
	withSelf, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{UserIDs: []uuid.UUID{b.ID, f.sender.ID}})
	require.NoError(t, err)

	require.Equal(t, models.RecipientUser, direct.Kind)
	require.Equal(t, direct.ID, withSelf.ID, "including yourself must not change the conversation")
}

func TestResolveSelfMessage(t *testing.T) {
	f := newResolverFixture(t)
	rcpt, _, err := f.resolver.Resolve(context.Background(), f.sender, Addressee{UserIDs: []uuid.UUID{f.sender.ID}})
	require.NoError(t, err)
	require.Equal(t, models.RecipientUser, rcpt.Kind)
	require.Equal(t, []uuid.UUID{f.sender.ID}, rcpt.UserIDs)
}

func TestResolveByEmail(t *testing.T) {
	f := newResolverFixture(t)
	b := f.user(t, "b@acme.test")

	rcpt, _, err := f.resolver.Resolve(context.Background(), f.sender, Addressee{Emails: []string{"b@acme.test"}})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{b.ID}, rcpt.UserIDs)

	_, _, err = f.resolver.Resolve(context.Background(), f.sender, Addressee{Emails: []string{"ghost@acme.test"}})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestResolveDeactivatedRecipient(t *testing.T) {
	f := newResolverFixture(t)
	gone := f.user(t, "gone@acme.test", func(u *models.User) { u.IsActive = false })

	_, _, err := f.resolver.Resolve(context.Background(), f.sender, Addressee{UserIDs: []uuid.UUID{gone.ID}})
	var ve *apperr.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestResolveMirrorDummyAllowed(t *testing.T) {
	f := newResolverFixture(t)
	dummy := f.user(t, "bridge@acme.test", func(u *models.User) { u.IsActive = false; u.IsMirrorDummy = true })

	rcpt, _, err := f.resolver.Resolve(context.Background(), f.sender, Addressee{UserIDs: []uuid.UUID{dummy.ID}})
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{dummy.ID}, rcpt.UserIDs)
}

func TestResolveCrossTenantRejected(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	rival, err := f.store.Tenants().Create(ctx, "rival")
	require.NoError(t, err)
	outsider, err := f.store.Users().Create(ctx, &models.User{TenantID: rival.ID, Email: "eve@rival.test", IsActive: true})
	require.NoError(t, err)

	_, _, err = f.resolver.Resolve(ctx, f.sender, Addressee{UserIDs: []uuid.UUID{outsider.ID}})
	var ct *apperr.CrossTenantError
	require.ErrorAs(t, err, &ct)
	require.Equal(t, []uuid.UUID{outsider.ID}, ct.UserIDs)
}

func TestResolveCrossTenantServiceAccountExempt(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	rival, err := f.store.Tenants().Create(ctx, "rival")
	require.NoError(t, err)
	bot, err := f.store.Users().Create(ctx, &models.User{
		TenantID: rival.ID, Email: "notify@system.test", IsActive: true, IsCrossTenant: true,
	})
	require.NoError(t, err)

	_, _, err = f.resolver.Resolve(ctx, f.sender, Addressee{UserIDs: []uuid.UUID{bot.ID}})
	require.NoError(t, err)
}

func TestResolveStream(t *testing.T) {
	f := newResolverFixture(t)
	stream := f.stream(t, &models.Stream{Name: "general"})

	rcpt, resolved, err := f.resolver.Resolve(context.Background(), f.sender, Addressee{StreamName: "general"})
	require.NoError(t, err)
	require.Equal(t, models.RecipientStream, rcpt.Kind)
	require.Equal(t, stream.ID, resolved.ID)
	require.Equal(t, stream.RecipientID, rcpt.ID)
}

func TestResolveMissingStream(t *testing.T) {
	f := newResolverFixture(t)
	_, _, err := f.resolver.Resolve(context.Background(), f.sender, Addressee{StreamName: "nope"})
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestResolveAutocreateStream(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()

	rcpt, stream, err := f.resolver.Resolve(ctx, f.sender, Addressee{StreamName: "fresh", AutocreateStream: true})
	require.NoError(t, err)
	require.Equal(t, models.RecipientStream, rcpt.Kind)
	require.Equal(t, models.StreamPublic, stream.Visibility)

	created := events.ByType[events.StreamEvent](f.publisher)
	require.Len(t, created, 1)
	require.Equal(t, "create", created[0].Op)
}

func TestDeactivateStream(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	stream := f.stream(t, &models.Stream{Name: "old"})
	require.NoError(t, f.store.Subscriptions().Subscribe(ctx, stream.ID, f.sender.ID, 0))
	admin := f.user(t, "admin@acme.test", func(u *models.User) { u.IsAdmin = true })

	require.NoError(t, f.resolver.DeactivateStream(ctx, admin, stream.ID))

	// Gone from name lookups and unpostable by id.
	_, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{StreamName: "old"})
	var nf *apperr.NotFoundError
	require.ErrorAs(t, err, &nf)
	_, _, err = f.resolver.Resolve(ctx, f.sender, Addressee{StreamID: &stream.ID})
	require.ErrorAs(t, err, &nf)

	published := events.ByType[events.StreamEvent](f.publisher)
	require.Len(t, published, 1)
	require.Equal(t, "deactivate", published[0].Op)
	require.Equal(t, []uuid.UUID{f.sender.ID}, published[0].Audience)

	// Deactivating twice is a not-found, not a double rename.
	require.ErrorAs(t, f.resolver.DeactivateStream(ctx, admin, stream.ID), &nf)
}

func TestDeactivateStreamRequiresAdmin(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	stream := f.stream(t, &models.Stream{Name: "general"})

	err := f.resolver.DeactivateStream(ctx, f.sender, stream.ID)
	var na *apperr.NotAuthorizedError
	require.ErrorAs(t, err, &na)

	// Still resolvable: nothing happened.
	_, _, err = f.resolver.Resolve(ctx, f.sender, Addressee{StreamName: "general"})
	require.NoError(t, err)
}

func TestResolvePostPolicyAdminsOnly(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	f.stream(t, &models.Stream{Name: "announce", PostPolicy: models.PostPolicyAdminsOnly})

	_, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{StreamName: "announce"})
	var na *apperr.NotAuthorizedError
	require.ErrorAs(t, err, &na)

	admin := f.user(t, "admin@acme.test", func(u *models.User) { u.IsAdmin = true })
	_, _, err = f.resolver.Resolve(ctx, admin, Addressee{StreamName: "announce"})
	require.NoError(t, err)
}

func TestResolvePrivateStreamRequiresSubscription(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	stream := f.stream(t, &models.Stream{Name: "secret", Visibility: models.StreamPrivate})

	_, _, err := f.resolver.Resolve(ctx, f.sender, Addressee{StreamName: "secret"})
	var na *apperr.NotAuthorizedError
	require.ErrorAs(t, err, &na)

	require.NoError(t, f.store.Subscriptions().Subscribe(ctx, stream.ID, f.sender.ID, 0))
	_, _, err = f.resolver.Resolve(ctx, f.sender, Addressee{StreamName: "secret"})
	require.NoError(t, err)
}

func TestResolveBotInheritsOwnerAccess(t *testing.T) {
	f := newResolverFixture(t)
	ctx := context.Background()
	stream := f.stream(t, &models.Stream{Name: "secret", Visibility: models.StreamPrivate})

	owner := f.user(t, "owner@acme.test")
	require.NoError(t, f.store.Subscriptions().Subscribe(ctx, stream.ID, owner.ID, 0))
	bot := f.user(t, "bot@acme.test", func(u *models.User) {
		u.IsBot = true
		u.BotKind = models.BotKindDefault
		u.BotOwnerID = &owner.ID
	})

	_, _, err := f.resolver.Resolve(ctx, bot, Addressee{StreamName: "secret"})
	require.NoError(t, err, "a bot whose owner is subscribed may post")
}
