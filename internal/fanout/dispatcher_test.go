package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/addressee"
	"github.com/lalith-99/courier/internal/apperr"
	"github.com/lalith-99/courier/internal/config"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/presence"
	"github.com/lalith-99/courier/internal/queue"
	"github.com/lalith-99/courier/internal/recipientinfo"
	"github.com/lalith-99/courier/internal/render"
	"github.com/lalith-99/courier/internal/repository/memory"
)

type dispatcherFixture struct {
	store      *memory.Store
	dispatcher *Dispatcher
	publisher  *events.MemoryPublisher
	queue      *queue.MemoryQueue
	presence   *presence.MemoryPresence
	cfg        *config.Config
	tenantID   uuid.UUID
	sender     *models.User
	now        time.Time
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
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
	memQueue := queue.NewMemoryQueue()
	memPresence := presence.NewMemoryPresence()
	renderer := render.NewMarkdown(store.Users(), store.AlertWords())
	resolver := addressee.NewResolver(store.Users(), store.Streams(), store.Recipients(),
		store.Subscriptions(), publisher, zap.NewNop())
	calculator := recipientinfo.NewCalculator(store.Users(), store.Subscriptions())

	f := &dispatcherFixture{
		store:     store,
		publisher: publisher,
		queue:     memQueue,
		presence:  memPresence,
		cfg:       cfg,
		tenantID:  tenant.ID,
		sender:    sender,
		now:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.dispatcher = NewDispatcher(resolver, calculator, renderer, store.Messages(),
		memPresence, publisher, memQueue, cfg, zap.NewNop())
	f.dispatcher.SetClock(func() time.Time { return f.now })
	store.SetClock(func() time.Time { return f.now })
	memPresence.SetClock(func() time.Time { return f.now })
	return f
}

func (f *dispatcherFixture) user(t *testing.T, email string, mutate ...func(*models.User)) *models.User {
	t.Helper()
	u := &models.User{TenantID: f.tenantID, Email: email, IsActive: true}
	for _, m := range mutate {
		m(u)
	}
	created, err := f.store.Users().Create(context.Background(), u)
	require.NoError(t, err)
	return created
}

func (f *dispatcherFixture) publicStream(t *testing.T, name string, subscribers ...*models.User) *models.Stream {
	t.Helper()
	ctx := context.Background()
	stream, err := f.store.Streams().Create(ctx, &models.Stream{
		TenantID:   f.tenantID,
		Name:       name,
		Visibility: models.StreamPublic,
		PostPolicy: models.PostPolicyEveryone,
	})
	require.NoError(t, err)
	for _, u := range subscribers {
		require.NoError(t, f.store.Subscriptions().Subscribe(ctx, stream.ID, u.ID, 0))
	}
	return stream
}

func (f *dispatcherFixture) record(t *testing.T, userID uuid.UUID, messageID int64) *models.DeliveryRecord {
	t.Helper()
	rec, err := f.store.Records().Get(context.Background(), userID, messageID)
	require.NoError(t, err)
	return rec
}

func TestSendStreamMessage(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	reader := f.user(t, "reader@acme.test")
	f.publicStream(t, "general", f.sender, reader)

	result, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "plans",
		Content:   "lunch at noon",
		Client:    "test",
	})
	require.NoError(t, err)
	require.NotZero(t, result.MessageID)

	senderRec := f.record(t, f.sender.ID, result.MessageID)
	require.NotNil(t, senderRec)
	require.True(t, senderRec.Flags.Has(models.FlagRead))

	readerRec := f.record(t, reader.ID, result.MessageID)
	require.NotNil(t, readerRec)
	require.Zero(t, readerRec.Flags)

	msgEvents := events.ByType[events.MessageEvent](f.publisher)
	require.Len(t, msgEvents, 1)
	require.Equal(t, result.MessageID, msgEvents[0].MessageID)
	require.Len(t, msgEvents[0].Recipients, 2)
}

func TestSendValidation(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	f.publicStream(t, "general", f.sender)

	cases := []struct {
		name string
		req  *SendRequest
	}{
		{"empty content", &SendRequest{Sender: f.sender, Addressee: addressee.Addressee{StreamName: "general"}, Topic: "t", Content: "   "}},
		{"nul byte", &SendRequest{Sender: f.sender, Addressee: addressee.Addressee{StreamName: "general"}, Topic: "t", Content: "a\x00b"}},
		{"empty topic", &SendRequest{Sender: f.sender, Addressee: addressee.Addressee{StreamName: "general"}, Topic: " ", Content: "hi"}},
		{"newline topic", &SendRequest{Sender: f.sender, Addressee: addressee.Addressee{StreamName: "general"}, Topic: "a\nb", Content: "hi"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.dispatcher.SendMessage(ctx, tc.req)
			var ve *apperr.ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestMirroredDedupGroupWindow(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.user(t, "a@acme.test")
	b := f.user(t, "b@acme.test")

	req := func() *SendRequest {
		return &SendRequest{
			Sender:    f.sender,
			Addressee: addressee.Addressee{UserIDs: []uuid.UUID{a.ID, b.ID}},
			Content:   "bridged line",
			Client:    "irc-mirror",
			Mirrored:  true,
		}
	}

	first, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	require.False(t, first.Deduplicated)

	// Within the 10s window: same id back, no new message.
	f.now = f.now.Add(5 * time.Second)
	second, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.MessageID, second.MessageID)

	// Past the window: a fresh message.
	f.now = f.now.Add(11 * time.Second)
	third, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	require.False(t, third.Deduplicated)
	require.NotEqual(t, first.MessageID, third.MessageID)
}

func TestMirroredDedupZeroWindowForDirect(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.user(t, "a@acme.test")

	req := func() *SendRequest {
		return &SendRequest{
			Sender:    f.sender,
			Addressee: addressee.Addressee{UserIDs: []uuid.UUID{a.ID}},
			Content:   "bridged line",
			Client:    "irc-mirror",
			Mirrored:  true,
		}
	}

	first, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)

	// Same instant: duplicate collapses even with a zero window.
	second, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	require.True(t, second.Deduplicated)
	require.Equal(t, first.MessageID, second.MessageID)

	// One second later: zero window means no dedup.
	f.now = f.now.Add(time.Second)
	third, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	require.False(t, third.Deduplicated)
}

func TestUnmirroredSendNeverDedups(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	a := f.user(t, "a@acme.test")
	b := f.user(t, "b@acme.test")

	req := func() *SendRequest {
		return &SendRequest{
			Sender:    f.sender,
			Addressee: addressee.Addressee{UserIDs: []uuid.UUID{a.ID, b.ID}},
			Content:   "same words twice",
			Client:    "web",
		}
	}
	first, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	second, err := f.dispatcher.SendMessage(ctx, req())
	require.NoError(t, err)
	require.NotEqual(t, first.MessageID, second.MessageID)
}

// A subscriber who disabled stream push but enabled global online-push
// must still be flagged pushable — stream-level suppression and the
// online-push escalation are independent.
func TestOnlinePushIndependentOfStreamSuppression(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	pushy := f.user(t, "pushy@acme.test", func(u *models.User) {
		u.OnlinePushEnabled = true
		u.StreamPushEnabled = false
	})
	stream := f.publicStream(t, "general", f.sender, pushy)
	require.NoError(t, f.store.Subscriptions().SetOverrides(ctx, stream.ID, pushy.ID, boolPtr(false), nil, nil))

	_, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "plans",
		Content:   "hello",
	})
	require.NoError(t, err)

	msgEvents := events.ByType[events.MessageEvent](f.publisher)
	require.Len(t, msgEvents, 1)
	var found bool
	for _, r := range msgEvents[0].Recipients {
		if r.ID == pushy.ID {
			found = true
			require.True(t, r.AlwaysPushNotify)
			require.False(t, r.StreamPushNotify)
		}
	}
	require.True(t, found)
}

func TestPresenceIdleUserIDs(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	idle := f.user(t, "idle@acme.test")
	active := f.user(t, "active@acme.test")
	f.publicStream(t, "general", f.sender, idle, active)

	require.NoError(t, f.presence.Heartbeat(ctx, f.tenantID, active.ID))

	_, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "plans",
		Content:   "ping @**idle@acme.test** and @**active@acme.test**",
	})
	require.NoError(t, err)

	msgEvents := events.ByType[events.MessageEvent](f.publisher)
	require.Len(t, msgEvents, 1)
	require.Contains(t, msgEvents[0].PresenceIdleUserIDs, idle.ID)
	require.NotContains(t, msgEvents[0].PresenceIdleUserIDs, active.ID)
}

func TestLinksEnqueueEmbedWork(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	f.publicStream(t, "general", f.sender)

	_, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "links",
		Content:   "see https://example.com/doc",
	})
	require.NoError(t, err)
	require.Len(t, f.queue.Items(queue.EmbedLinks), 1)
}

// Sending a message whose body references uploaded files claims them
// for that message — but only the sender's own uploads.
func TestSendClaimsOwnUploads(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	other := f.user(t, "other@acme.test")
	f.publicStream(t, "general", f.sender)

	mine, err := f.store.Attachments().Create(ctx, &models.Attachment{
		TenantID: f.tenantID, OwnerID: f.sender.ID,
		PathID: "acme/aaa/report.pdf", FileName: "report.pdf", Size: 1024,
	})
	require.NoError(t, err)
	theirs, err := f.store.Attachments().Create(ctx, &models.Attachment{
		TenantID: f.tenantID, OwnerID: other.ID,
		PathID: "acme/bbb/secret.pdf", FileName: "secret.pdf", Size: 2048,
	})
	require.NoError(t, err)

	result, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "docs",
		Content:   "see /user_uploads/acme/aaa/report.pdf and /user_uploads/acme/bbb/secret.pdf",
	})
	require.NoError(t, err)

	claimed, err := f.store.Attachments().GetByPathID(ctx, f.tenantID, mine.PathID)
	require.NoError(t, err)
	require.Equal(t, []int64{result.MessageID}, claimed.MessageIDs)

	unclaimed, err := f.store.Attachments().GetByPathID(ctx, f.tenantID, theirs.PathID)
	require.NoError(t, err)
	require.Empty(t, unclaimed.MessageIDs, "someone else's upload is never claimed")

	atts, err := f.store.Attachments().ListByMessage(ctx, result.MessageID)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	require.Equal(t, "report.pdf", atts[0].FileName)
}

func TestServiceBotRoutedToQueue(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@acme.test")
	webhookBot := f.user(t, "hook@acme.test", func(u *models.User) {
		u.IsBot = true
		u.BotKind = models.BotKindOutgoingWebhook
		u.BotOwnerID = &owner.ID
	})
	f.publicStream(t, "general", f.sender, webhookBot)

	_, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "plans",
		Content:   "trigger",
	})
	require.NoError(t, err)
	require.Len(t, f.queue.Items(queue.OutgoingWebhooks), 1)
}

func TestWelcomeBotDM(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	welcome := f.user(t, "welcome@acme.test", func(u *models.User) {
		u.IsBot = true
		u.BotKind = models.BotKindWelcome
	})

	_, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{UserIDs: []uuid.UUID{welcome.ID}},
		Content:   "hello bot",
	})
	require.NoError(t, err)
	require.Len(t, f.queue.Items(queue.WelcomeBot), 1)
}

func TestBotToMissingStreamNotifiesOwnerOnce(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	owner := f.user(t, "owner@acme.test")
	bot := f.user(t, "bot@acme.test", func(u *models.User) {
		u.IsBot = true
		u.BotKind = models.BotKindDefault
		u.BotOwnerID = &owner.ID
	})

	send := func() error {
		_, err := f.dispatcher.SendMessage(ctx, &SendRequest{
			Sender:    bot,
			Addressee: addressee.Addressee{StreamName: "missing"},
			Topic:     "t",
			Content:   "hi",
		})
		return err
	}

	var nf *apperr.NotFoundError
	require.ErrorAs(t, send(), &nf)
	require.ErrorAs(t, send(), &nf)
	require.Len(t, f.queue.Items(queue.BotOwnerNotify), 1, "owner notification is rate-limited")

	f.now = f.now.Add(25 * time.Hour)
	require.ErrorAs(t, send(), &nf)
	require.Len(t, f.queue.Items(queue.BotOwnerNotify), 2, "wait period elapsed, owner notified again")
}

func TestIdleSkipThenEventStillListsRecipient(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	idle := f.user(t, "idle@acme.test", func(u *models.User) { u.LongTermIdle = true })
	f.publicStream(t, "general", f.sender, idle)

	result, err := f.dispatcher.SendMessage(ctx, &SendRequest{
		Sender:    f.sender,
		Addressee: addressee.Addressee{StreamName: "general"},
		Topic:     "plans",
		Content:   "nothing special",
	})
	require.NoError(t, err)

	require.Nil(t, f.record(t, idle.ID, result.MessageID), "record deferred for idle user")

	msgEvents := events.ByType[events.MessageEvent](f.publisher)
	require.Len(t, msgEvents, 1)
	var listed bool
	for _, r := range msgEvents[0].Recipients {
		if r.ID == idle.ID {
			listed = true
			require.Empty(t, r.Flags)
		}
	}
	require.True(t, listed, "skipped user still appears in the event")
}

func boolPtr(b bool) *bool { return &b }
