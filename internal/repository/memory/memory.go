// Package memory implements every repository interface over plain maps.
// It exists for the engine's tests: the fan-out, flag and reconciler
// components are exercised against this store, with no database in the
// loop. Semantics mirror the postgres stores bit for bit — conflict-
// ignore bulk creates, atomic-feeling flag updates, nil-nil not-found.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/courier/internal/models"
)

type subKey struct {
	StreamID uuid.UUID
	UserID   uuid.UUID
}

type topicKey struct {
	StreamID uuid.UUID
	UserID   uuid.UUID
	Topic    string
}

type recordKey struct {
	UserID    uuid.UUID
	MessageID int64
}

type reactionKey struct {
	UserID    uuid.UUID
	MessageID int64
	Emoji     string
}

type alertKey struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Word     string
}

type attachmentKey struct {
	TenantID uuid.UUID
	PathID   string
}

// Store holds all tables behind one mutex. The per-table repository
// views (Users(), Messages(), ...) satisfy the repository interfaces.
type Store struct {
	mu sync.RWMutex

	tenants     map[uuid.UUID]models.Tenant
	users       map[uuid.UUID]models.User
	streams     map[uuid.UUID]models.Stream
	recipients  map[int64]models.Recipient
	groupKeys   map[string]int64 // tenantID:groupKey -> recipient id
	subs        map[subKey]models.Subscription
	intervals   []models.SubscriptionInterval
	muted       map[topicKey]struct{}
	messages    map[int64]models.Message
	records     map[recordKey]models.MessageFlags
	reactions   map[reactionKey]models.Reaction
	alertWords  map[alertKey]struct{}
	attachments map[attachmentKey]models.Attachment

	nextRecipientID int64
	nextMessageID   int64
	clock           func() time.Time
}

func NewStore() *Store {
	return &Store{
		tenants:     make(map[uuid.UUID]models.Tenant),
		users:       make(map[uuid.UUID]models.User),
		streams:     make(map[uuid.UUID]models.Stream),
		recipients:  make(map[int64]models.Recipient),
		groupKeys:   make(map[string]int64),
		subs:        make(map[subKey]models.Subscription),
		muted:       make(map[topicKey]struct{}),
		messages:    make(map[int64]models.Message),
		records:     make(map[recordKey]models.MessageFlags),
		reactions:   make(map[reactionKey]models.Reaction),
		alertWords:  make(map[alertKey]struct{}),
		attachments: make(map[attachmentKey]models.Attachment),
		clock:       time.Now,
	}
}

// SetClock swaps the time source, so tests can pin sent_at timestamps.
func (s *Store) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Store) Tenants() *TenantRepo             { return &TenantRepo{s} }
func (s *Store) Users() *UserRepo                 { return &UserRepo{s} }
func (s *Store) Streams() *StreamRepo             { return &StreamRepo{s} }
func (s *Store) Recipients() *RecipientRepo       { return &RecipientRepo{s} }
func (s *Store) Subscriptions() *SubscriptionRepo { return &SubscriptionRepo{s} }
func (s *Store) Messages() *MessageRepo           { return &MessageRepo{s} }
func (s *Store) Records() *DeliveryRecordRepo     { return &DeliveryRecordRepo{s} }
func (s *Store) Reactions() *ReactionRepo         { return &ReactionRepo{s} }
func (s *Store) AlertWords() *AlertWordRepo       { return &AlertWordRepo{s} }
func (s *Store) Attachments() *AttachmentRepo     { return &AttachmentRepo{s} }

// ---------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------

type TenantRepo struct{ s *Store }

func (r *TenantRepo) Create(_ context.Context, name string) (*models.Tenant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := models.Tenant{ID: uuid.New(), Name: name, CreatedAt: r.s.clock()}
	r.s.tenants[t.ID] = t
	return &t, nil
}

func (r *TenantRepo) GetByID(_ context.Context, tenantID uuid.UUID) (*models.Tenant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	t, ok := r.s.tenants[tenantID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// ---------------------------------------------------------------
// Users
// ---------------------------------------------------------------

type UserRepo struct{ s *Store }

func (r *UserRepo) Create(_ context.Context, user *models.User) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u := *user
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.s.clock()
	}
	r.s.users[u.ID] = u
	return &u, nil
}

func (r *UserRepo) GetByID(_ context.Context, tenantID, userID uuid.UUID) (*models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[userID]
	if !ok || u.TenantID != tenantID {
		return nil, nil
	}
	return &u, nil
}

func (r *UserRepo) GetByEmail(_ context.Context, email string) (*models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, u := range r.s.users {
		if u.Email == email {
			out := u
			return &out, nil
		}
	}
	return nil, nil
}

func (r *UserRepo) GetByIDs(_ context.Context, userIDs []uuid.UUID) ([]models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	users := make([]models.User, 0, len(userIDs))
	seen := make(map[uuid.UUID]struct{}, len(userIDs))
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if u, ok := r.s.users[id]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (r *UserRepo) GetByEmails(_ context.Context, emails []string) ([]models.User, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	want := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		want[e] = struct{}{}
	}
	users := make([]models.User, 0, len(emails))
	for _, u := range r.s.users {
		if _, ok := want[u.Email]; ok {
			users = append(users, u)
		}
	}
	return users, nil
}

func (r *UserRepo) ActiveIDsByTenant(_ context.Context, tenantID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := make([]uuid.UUID, 0)
	for _, u := range r.s.users {
		if u.TenantID == tenantID && u.IsActive {
			ids = append(ids, u.ID)
		}
	}
	return ids, nil
}

func (r *UserRepo) SetLongTermIdle(_ context.Context, userID uuid.UUID, idle bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	u.LongTermIdle = idle
	r.s.users[userID] = u
	return nil
}

func (r *UserRepo) AdvanceWatermark(_ context.Context, userID uuid.UUID, messageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("user %s not found", userID)
	}
	if messageID > u.LastActiveMessageID {
		u.LastActiveMessageID = messageID
		r.s.users[userID] = u
	}
	return nil
}

// ---------------------------------------------------------------
// Streams
// ---------------------------------------------------------------

type StreamRepo struct{ s *Store }

func (r *StreamRepo) Create(_ context.Context, stream *models.Stream) (*models.Stream, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st := *stream
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	st.CreatedAt = r.s.clock()

	r.s.nextRecipientID++
	streamID := st.ID
	r.s.recipients[r.s.nextRecipientID] = models.Recipient{
		ID:       r.s.nextRecipientID,
		Kind:     models.RecipientStream,
		TenantID: st.TenantID,
		StreamID: &streamID,
	}
	st.RecipientID = r.s.nextRecipientID
	r.s.streams[st.ID] = st
	return &st, nil
}

func (r *StreamRepo) GetByID(_ context.Context, tenantID, streamID uuid.UUID) (*models.Stream, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	st, ok := r.s.streams[streamID]
	if !ok || st.TenantID != tenantID {
		return nil, nil
	}
	return &st, nil
}

func (r *StreamRepo) GetByName(_ context.Context, tenantID uuid.UUID, name string) (*models.Stream, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, st := range r.s.streams {
		if st.TenantID == tenantID && st.Name == name {
			out := st
			return &out, nil
		}
	}
	return nil, nil
}

func (r *StreamRepo) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]models.Stream, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	streams := make([]models.Stream, 0)
	for _, st := range r.s.streams {
		if st.TenantID == tenantID {
			streams = append(streams, st)
		}
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Name < streams[j].Name })
	return streams, nil
}

func (r *StreamRepo) Rename(_ context.Context, tenantID, streamID uuid.UUID, newName string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.streams[streamID]
	if !ok || st.TenantID != tenantID {
		return fmt.Errorf("stream %s not found", streamID)
	}
	st.Name = newName
	r.s.streams[streamID] = st
	return nil
}

// ---------------------------------------------------------------
// Recipients
// ---------------------------------------------------------------

type RecipientRepo struct{ s *Store }

func (r *RecipientRepo) GetByID(_ context.Context, recipientID int64) (*models.Recipient, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rcpt, ok := r.s.recipients[recipientID]
	if !ok {
		return nil, nil
	}
	return &rcpt, nil
}

func (r *RecipientRepo) GetOrCreatePersonal(_ context.Context, tenantID, userID uuid.UUID) (*models.Recipient, error) {
	return r.getOrCreate(tenantID, models.RecipientUser, []uuid.UUID{userID})
}

func (r *RecipientRepo) GetOrCreateGroup(_ context.Context, tenantID uuid.UUID, memberIDs []uuid.UUID) (*models.Recipient, error) {
	return r.getOrCreate(tenantID, models.RecipientGroup, memberIDs)
}

func (r *RecipientRepo) getOrCreate(tenantID uuid.UUID, kind string, memberIDs []uuid.UUID) (*models.Recipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	members := models.SortUserIDs(memberIDs)
	key := tenantID.String() + "/" + models.GroupKey(members)
	if id, ok := r.s.groupKeys[key]; ok {
		rcpt := r.s.recipients[id]
		return &rcpt, nil
	}

	r.s.nextRecipientID++
	rcpt := models.Recipient{
		ID:       r.s.nextRecipientID,
		Kind:     kind,
		TenantID: tenantID,
		UserIDs:  members,
	}
	r.s.recipients[rcpt.ID] = rcpt
	r.s.groupKeys[key] = rcpt.ID
	return &rcpt, nil
}

// ---------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------

type SubscriptionRepo struct{ s *Store }

func (r *SubscriptionRepo) Subscribe(_ context.Context, streamID, userID uuid.UUID, atMessageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := subKey{streamID, userID}
	if sub, ok := r.s.subs[key]; ok {
		if sub.Active {
			return nil
		}
		sub.Active = true
		r.s.subs[key] = sub
	} else {
		r.s.subs[key] = models.Subscription{
			StreamID: streamID, UserID: userID, Active: true, CreatedAt: r.s.clock(),
		}
	}
	r.s.intervals = append(r.s.intervals, models.SubscriptionInterval{
		StreamID: streamID, UserID: userID, StartMessageID: atMessageID,
	})
	return nil
}

func (r *SubscriptionRepo) Unsubscribe(_ context.Context, streamID, userID uuid.UUID, atMessageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := subKey{streamID, userID}
	sub, ok := r.s.subs[key]
	if !ok || !sub.Active {
		return nil
	}
	sub.Active = false
	r.s.subs[key] = sub

	for i := range r.s.intervals {
		iv := &r.s.intervals[i]
		if iv.StreamID == streamID && iv.UserID == userID && iv.EndMessageID == nil {
			end := atMessageID
			iv.EndMessageID = &end
		}
	}
	return nil
}

func (r *SubscriptionRepo) Get(_ context.Context, streamID, userID uuid.UUID) (*models.Subscription, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	sub, ok := r.s.subs[subKey{streamID, userID}]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (r *SubscriptionRepo) SetMuted(_ context.Context, streamID, userID uuid.UUID, muted bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := subKey{streamID, userID}
	sub, ok := r.s.subs[key]
	if !ok {
		return fmt.Errorf("subscription not found")
	}
	sub.Muted = muted
	r.s.subs[key] = sub
	return nil
}

func (r *SubscriptionRepo) SetOverrides(_ context.Context, streamID, userID uuid.UUID, push, email, wildcard *bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := subKey{streamID, userID}
	sub, ok := r.s.subs[key]
	if !ok {
		return fmt.Errorf("subscription not found")
	}
	sub.PushOverride = push
	sub.EmailOverride = email
	sub.WildcardOverride = wildcard
	r.s.subs[key] = sub
	return nil
}

func (r *SubscriptionRepo) MuteTopic(_ context.Context, streamID, userID uuid.UUID, topic string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.muted[topicKey{streamID, userID, strings.ToLower(topic)}] = struct{}{}
	return nil
}

func (r *SubscriptionRepo) UnmuteTopic(_ context.Context, streamID, userID uuid.UUID, topic string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.muted, topicKey{streamID, userID, strings.ToLower(topic)})
	return nil
}

func (r *SubscriptionRepo) TopicMutedUserIDs(_ context.Context, streamID uuid.UUID, topic string) (models.UserSet, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	muted := models.NewUserSet()
	for key := range r.s.muted {
		if key.StreamID == streamID && key.Topic == strings.ToLower(topic) {
			muted.Add(key.UserID)
		}
	}
	return muted, nil
}

func (r *SubscriptionRepo) NotificationRows(_ context.Context, streamID uuid.UUID) ([]models.SubscriberNotificationRow, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	rows := make([]models.SubscriberNotificationRow, 0)
	for key, sub := range r.s.subs {
		if key.StreamID != streamID || !sub.Active {
			continue
		}
		u, ok := r.s.users[key.UserID]
		if !ok {
			continue
		}
		rows = append(rows, models.SubscriberNotificationRow{
			UserID:                 u.ID,
			IsActive:               u.IsActive,
			IsBot:                  u.IsBot,
			BotKind:                u.BotKind,
			LongTermIdle:           u.LongTermIdle,
			OnlinePushEnabled:      u.OnlinePushEnabled,
			StreamPushEnabled:      u.StreamPushEnabled,
			StreamEmailEnabled:     u.StreamEmailEnabled,
			WildcardMentionsNotify: u.WildcardMentionsNotify,
			PushOverride:           sub.PushOverride,
			EmailOverride:          sub.EmailOverride,
			WildcardOverride:       sub.WildcardOverride,
			Muted:                  sub.Muted,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].UserID.String() < rows[j].UserID.String() })
	return rows, nil
}

func (r *SubscriptionRepo) ActiveSubscriberIDs(_ context.Context, streamID uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := make([]uuid.UUID, 0)
	for key, sub := range r.s.subs {
		if key.StreamID == streamID && sub.Active {
			ids = append(ids, key.UserID)
		}
	}
	return ids, nil
}

func (r *SubscriptionRepo) Intervals(_ context.Context, userID uuid.UUID) ([]models.SubscriptionInterval, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	intervals := make([]models.SubscriptionInterval, 0)
	for _, iv := range r.s.intervals {
		if iv.UserID == userID {
			intervals = append(intervals, iv)
		}
	}
	return intervals, nil
}

// ---------------------------------------------------------------
// Messages
// ---------------------------------------------------------------

type MessageRepo struct{ s *Store }

func (r *MessageRepo) SendBatch(_ context.Context, batch []*models.PreparedMessage) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	ids := make([]int64, 0, len(batch))
	for _, prep := range batch {
		r.s.nextMessageID++
		m := *prep.Message
		m.ID = r.s.nextMessageID
		prep.Message.ID = m.ID
		r.s.messages[m.ID] = m
		ids = append(ids, m.ID)

		for i := range prep.Records {
			prep.Records[i].MessageID = m.ID
			key := recordKey{prep.Records[i].UserID, m.ID}
			if _, exists := r.s.records[key]; !exists {
				r.s.records[key] = prep.Records[i].Flags
			}
		}

		// Claim the sender's referenced uploads. Path ids owned by
		// someone else match nothing and are skipped.
		for _, pathID := range prep.AttachmentPathIDs {
			key := attachmentKey{m.TenantID, pathID}
			att, ok := r.s.attachments[key]
			if !ok || att.OwnerID != m.SenderID {
				continue
			}
			claimed := false
			for _, id := range att.MessageIDs {
				if id == m.ID {
					claimed = true
					break
				}
			}
			if !claimed {
				att.MessageIDs = append(att.MessageIDs, m.ID)
				r.s.attachments[key] = att
			}
		}
	}
	return ids, nil
}

func (r *MessageRepo) GetByID(_ context.Context, tenantID uuid.UUID, messageID int64) (*models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	m, ok := r.s.messages[messageID]
	if !ok || m.TenantID != tenantID {
		return nil, nil
	}
	return &m, nil
}

func (r *MessageRepo) ListByRecipient(_ context.Context, recipientID int64, before int64, limit int) ([]models.Message, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	msgs := make([]models.Message, 0)
	for _, m := range r.s.messages {
		if m.RecipientID != recipientID {
			continue
		}
		if before > 0 && m.ID >= before {
			continue
		}
		msgs = append(msgs, m)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID > msgs[j].ID })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (r *MessageRepo) FindMirrorDuplicate(_ context.Context, senderID uuid.UUID, recipientID int64, topic, content, client string, since time.Time) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var best int64
	for _, m := range r.s.messages {
		if m.SenderID == senderID && m.RecipientID == recipientID &&
			m.Topic == topic && m.Content == content && m.Client == client &&
			!m.SentAt.Before(since) && m.ID > best {
			best = m.ID
		}
	}
	return best, nil
}

func (r *MessageRepo) CurrentMaxID(_ context.Context) (int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return r.s.nextMessageID, nil
}

func (r *MessageRepo) IDsByRecipientAfter(_ context.Context, recipientID int64, afterID int64) ([]int64, error) {
	return r.filterIDs(func(m models.Message) bool {
		return m.RecipientID == recipientID && m.ID > afterID
	})
}

func (r *MessageRepo) IDsInTopicAfter(_ context.Context, recipientID int64, topic string, afterID int64) ([]int64, error) {
	return r.filterIDs(func(m models.Message) bool {
		return m.RecipientID == recipientID && strings.EqualFold(m.Topic, topic) && m.ID > afterID
	})
}

func (r *MessageRepo) IDsInTopicSince(_ context.Context, recipientID int64, topic string, since time.Time) ([]int64, error) {
	return r.filterIDs(func(m models.Message) bool {
		return m.RecipientID == recipientID && strings.EqualFold(m.Topic, topic) && !m.SentAt.Before(since)
	})
}

func (r *MessageRepo) filterIDs(keep func(models.Message) bool) ([]int64, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := make([]int64, 0)
	for _, m := range r.s.messages {
		if keep(m) {
			ids = append(ids, m.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *MessageRepo) MoveTopic(_ context.Context, messageIDs []int64, newTopic string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, id := range messageIDs {
		if m, ok := r.s.messages[id]; ok {
			m.Topic = newTopic
			r.s.messages[id] = m
		}
	}
	return nil
}

func (r *MessageRepo) PersistEdit(_ context.Context, msg *models.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	m, ok := r.s.messages[msg.ID]
	if !ok {
		return fmt.Errorf("message %d not found", msg.ID)
	}
	m.Content = msg.Content
	m.Rendered = msg.Rendered
	m.Topic = msg.Topic
	m.EditHistory = append([]models.EditHistoryEntry(nil), msg.EditHistory...)
	r.s.messages[msg.ID] = m
	return nil
}

// ---------------------------------------------------------------
// Delivery records
// ---------------------------------------------------------------

type DeliveryRecordRepo struct{ s *Store }

func (r *DeliveryRecordRepo) BulkCreate(_ context.Context, records []models.DeliveryRecord) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	created := 0
	for _, rec := range records {
		key := recordKey{rec.UserID, rec.MessageID}
		if _, exists := r.s.records[key]; exists {
			continue
		}
		r.s.records[key] = rec.Flags
		created++
	}
	return created, nil
}

func (r *DeliveryRecordRepo) Get(_ context.Context, userID uuid.UUID, messageID int64) (*models.DeliveryRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	flags, ok := r.s.records[recordKey{userID, messageID}]
	if !ok {
		return nil, nil
	}
	return &models.DeliveryRecord{UserID: userID, MessageID: messageID, Flags: flags}, nil
}

func (r *DeliveryRecordRepo) UserIDsForMessage(_ context.Context, messageID int64) ([]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	ids := make([]uuid.UUID, 0)
	for key := range r.s.records {
		if key.MessageID == messageID {
			ids = append(ids, key.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

func (r *DeliveryRecordRepo) ExistingIDs(_ context.Context, userID uuid.UUID, messageIDs []int64) (map[int64]struct{}, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	existing := make(map[int64]struct{})
	for _, id := range messageIDs {
		if _, ok := r.s.records[recordKey{userID, id}]; ok {
			existing[id] = struct{}{}
		}
	}
	return existing, nil
}

func (r *DeliveryRecordRepo) AddFlags(_ context.Context, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error) {
	return r.updateFlags(userID, messageIDs, func(f models.MessageFlags) models.MessageFlags { return f | flags })
}

func (r *DeliveryRecordRepo) RemoveFlags(_ context.Context, userID uuid.UUID, messageIDs []int64, flags models.MessageFlags) ([]int64, error) {
	return r.updateFlags(userID, messageIDs, func(f models.MessageFlags) models.MessageFlags { return f &^ flags })
}

func (r *DeliveryRecordRepo) updateFlags(userID uuid.UUID, messageIDs []int64, apply func(models.MessageFlags) models.MessageFlags) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	affected := make([]int64, 0, len(messageIDs))
	for _, id := range messageIDs {
		key := recordKey{userID, id}
		if f, ok := r.s.records[key]; ok {
			r.s.records[key] = apply(f)
			affected = append(affected, id)
		}
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, nil
}

func (r *DeliveryRecordRepo) AddFlagsToAll(_ context.Context, userID uuid.UUID, flags models.MessageFlags) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var touched int64
	for key, f := range r.s.records {
		if key.UserID == userID && f&flags != flags {
			r.s.records[key] = f | flags
			touched++
		}
	}
	return touched, nil
}

func (r *DeliveryRecordRepo) MarkReadByRecipient(_ context.Context, userID uuid.UUID, recipientID int64, topic string) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	affected := make([]int64, 0)
	for key, f := range r.s.records {
		if key.UserID != userID || f.Has(models.FlagRead) {
			continue
		}
		m, ok := r.s.messages[key.MessageID]
		if !ok || m.RecipientID != recipientID {
			continue
		}
		if topic != "" && !strings.EqualFold(m.Topic, topic) {
			continue
		}
		r.s.records[key] = f | models.FlagRead
		affected = append(affected, key.MessageID)
	}
	sort.Slice(affected, func(i, j int) bool { return affected[i] < affected[j] })
	return affected, nil
}

func (r *DeliveryRecordRepo) UpdateMentionFlags(_ context.Context, messageID int64, perUser map[uuid.UUID]models.MessageFlags) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for userID, bits := range perUser {
		key := recordKey{userID, messageID}
		if f, ok := r.s.records[key]; ok {
			r.s.records[key] = (f &^ models.MentionDerivedFlags) | bits
		}
	}
	return nil
}

// ---------------------------------------------------------------
// Reactions
// ---------------------------------------------------------------

type ReactionRepo struct{ s *Store }

func (r *ReactionRepo) Add(_ context.Context, reaction *models.Reaction) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := reactionKey{reaction.UserID, reaction.MessageID, reaction.Emoji}
	if _, exists := r.s.reactions[key]; exists {
		return false, nil
	}
	rc := *reaction
	rc.CreatedAt = r.s.clock()
	r.s.reactions[key] = rc
	return true, nil
}

func (r *ReactionRepo) Remove(_ context.Context, userID uuid.UUID, messageID int64, emoji string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := reactionKey{userID, messageID, emoji}
	if _, exists := r.s.reactions[key]; !exists {
		return false, nil
	}
	delete(r.s.reactions, key)
	return true, nil
}

func (r *ReactionRepo) ListByMessage(_ context.Context, messageID int64) ([]models.Reaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	reactions := make([]models.Reaction, 0)
	for key, rc := range r.s.reactions {
		if key.MessageID == messageID {
			reactions = append(reactions, rc)
		}
	}
	sort.Slice(reactions, func(i, j int) bool { return reactions[i].CreatedAt.Before(reactions[j].CreatedAt) })
	return reactions, nil
}

// ---------------------------------------------------------------
// Alert words
// ---------------------------------------------------------------

type AlertWordRepo struct{ s *Store }

func (r *AlertWordRepo) Add(_ context.Context, tenantID, userID uuid.UUID, word string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.alertWords[alertKey{tenantID, userID, strings.ToLower(word)}] = struct{}{}
	return nil
}

func (r *AlertWordRepo) Remove(_ context.Context, tenantID, userID uuid.UUID, word string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.alertWords, alertKey{tenantID, userID, strings.ToLower(word)})
	return nil
}

func (r *AlertWordRepo) ByTenant(_ context.Context, tenantID uuid.UUID) (map[string][]uuid.UUID, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	words := make(map[string][]uuid.UUID)
	for key := range r.s.alertWords {
		if key.TenantID == tenantID {
			words[key.Word] = append(words[key.Word], key.UserID)
		}
	}
	return words, nil
}

// ---------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------

type AttachmentRepo struct{ s *Store }

func (r *AttachmentRepo) Create(_ context.Context, att *models.Attachment) (*models.Attachment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := *att
	out.ID = uuid.New()
	out.CreatedAt = r.s.clock().UTC()
	r.s.attachments[attachmentKey{out.TenantID, out.PathID}] = out
	return &out, nil
}

func (r *AttachmentRepo) GetByPathID(_ context.Context, tenantID uuid.UUID, pathID string) (*models.Attachment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	att, ok := r.s.attachments[attachmentKey{tenantID, pathID}]
	if !ok {
		return nil, nil
	}
	out := att
	out.MessageIDs = append([]int64(nil), att.MessageIDs...)
	return &out, nil
}

func (r *AttachmentRepo) ListByMessage(_ context.Context, messageID int64) ([]models.Attachment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []models.Attachment
	for _, att := range r.s.attachments {
		for _, id := range att.MessageIDs {
			if id == messageID {
				cp := att
				cp.MessageIDs = append([]int64(nil), att.MessageIDs...)
				out = append(out, cp)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PathID < out[j].PathID })
	return out, nil
}
