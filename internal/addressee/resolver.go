// Package addressee turns the caller-supplied address of a message
// (emails, user ids, or a stream name) into a canonical Recipient row,
// enforcing tenant isolation and posting permission along the way.
package addressee

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/apperr"
	"github.com/lalith-99/courier/internal/events"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// Addressee is the raw, unvalidated address from the request. Exactly
// one of the stream fields or the user fields should be set; users may
// be named by id or by email, mixed freely.
type Addressee struct {
	StreamName string
	StreamID   *uuid.UUID
	UserIDs    []uuid.UUID
	Emails     []string

	// AutocreateStream lets a send to a missing stream create it as a
	// public stream instead of failing. Used by integrations.
	AutocreateStream bool
}

func (a Addressee) IsStream() bool {
	return a.StreamID != nil || a.StreamName != ""
}

// Resolver validates addressees and hands back canonical recipients.
type Resolver struct {
	users      repository.UserRepository
	streams    repository.StreamRepository
	recipients repository.RecipientRepository
	subs       repository.SubscriptionRepository
	publisher  events.Publisher
	logger     *zap.Logger
}

func NewResolver(
	users repository.UserRepository,
	streams repository.StreamRepository,
	recipients repository.RecipientRepository,
	subs repository.SubscriptionRepository,
	publisher events.Publisher,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		users:      users,
		streams:    streams,
		recipients: recipients,
		subs:       subs,
		publisher:  publisher,
		logger:     logger,
	}
}

// Resolve maps an addressee to its canonical recipient, checking that
// the sender may actually post there. The returned stream is non-nil
// only for stream sends.
func (r *Resolver) Resolve(ctx context.Context, sender *models.User, addr Addressee) (*models.Recipient, *models.Stream, error) {
	if addr.IsStream() {
		return r.resolveStream(ctx, sender, addr)
	}
	rcpt, err := r.resolveUsers(ctx, sender, addr)
	return rcpt, nil, err
}

// resolveUsers handles direct and group messages. The member set is
// canonicalized: the sender is stripped, then
//   - nobody left        -> message to self (personal recipient)
//   - one other user     -> personal recipient of that user
//   - two or more others -> group recipient of others plus sender
func (r *Resolver) resolveUsers(ctx context.Context, sender *models.User, addr Addressee) (*models.Recipient, error) {
	targets, err := r.lookupUsers(ctx, addr)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, apperr.Validation("message must have recipients")
	}

	var crossTenant []uuid.UUID
	for i := range targets {
		u := &targets[i]
		if !u.IsActive && !u.IsMirrorDummy {
			return nil, apperr.Validation("'%s' is deactivated", u.Email)
		}
		if u.TenantID != sender.TenantID && !u.IsCrossTenant && !sender.IsCrossTenant {
			crossTenant = append(crossTenant, u.ID)
		}
	}
	if len(crossTenant) > 0 {
		return nil, &apperr.CrossTenantError{UserIDs: crossTenant}
	}

	others := make([]uuid.UUID, 0, len(targets))
	for _, u := range targets {
		if u.ID != sender.ID {
			others = append(others, u.ID)
		}
	}
	others = models.SortUserIDs(others)

	switch len(others) {
	case 0:
		// All addressees were the sender: a note to self.
		return r.recipients.GetOrCreatePersonal(ctx, sender.TenantID, sender.ID)
	case 1:
		return r.recipients.GetOrCreatePersonal(ctx, sender.TenantID, others[0])
	default:
		members := append(others, sender.ID)
		return r.recipients.GetOrCreateGroup(ctx, sender.TenantID, members)
	}
}

func (r *Resolver) lookupUsers(ctx context.Context, addr Addressee) ([]models.User, error) {
	var out []models.User
	if len(addr.UserIDs) > 0 {
		users, err := r.users.GetByIDs(ctx, addr.UserIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to look up recipients: %w", err)
		}
		if len(users) != len(models.SortUserIDs(addr.UserIDs)) {
			return nil, apperr.Validation("invalid user ID in recipients")
		}
		out = append(out, users...)
	}
	if len(addr.Emails) > 0 {
		users, err := r.users.GetByEmails(ctx, addr.Emails)
		if err != nil {
			return nil, fmt.Errorf("failed to look up recipients: %w", err)
		}
		found := make(map[string]struct{}, len(users))
		for _, u := range users {
			found[u.Email] = struct{}{}
		}
		for _, email := range addr.Emails {
			if _, ok := found[email]; !ok {
				return nil, apperr.Validation("invalid email '%s'", email)
			}
		}
		out = append(out, users...)
	}
	return out, nil
}

func (r *Resolver) resolveStream(ctx context.Context, sender *models.User, addr Addressee) (*models.Recipient, *models.Stream, error) {
	stream, err := r.lookupStream(ctx, sender, addr)
	if err != nil {
		return nil, nil, err
	}
	if stream.Deactivated() {
		return nil, nil, apperr.NotFound("stream", stream.Name)
	}
	if err := r.checkPostAccess(ctx, sender, stream); err != nil {
		return nil, nil, err
	}
	rcpt, err := r.recipients.GetByID(ctx, stream.RecipientID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load stream recipient: %w", err)
	}
	if rcpt == nil {
		return nil, nil, fmt.Errorf("stream %s has no recipient row", stream.ID)
	}
	return rcpt, stream, nil
}

func (r *Resolver) lookupStream(ctx context.Context, sender *models.User, addr Addressee) (*models.Stream, error) {
	if addr.StreamID != nil {
		stream, err := r.streams.GetByID(ctx, sender.TenantID, *addr.StreamID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up stream: %w", err)
		}
		if stream == nil {
			return nil, apperr.NotFound("stream", addr.StreamID.String())
		}
		return stream, nil
	}

	stream, err := r.streams.GetByName(ctx, sender.TenantID, addr.StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up stream: %w", err)
	}
	if stream != nil {
		return stream, nil
	}
	if !addr.AutocreateStream {
		return nil, apperr.NotFound("stream", addr.StreamName)
	}
	return r.CreateStream(ctx, sender, &models.Stream{
		TenantID:   sender.TenantID,
		Name:       addr.StreamName,
		Visibility: models.StreamPublic,
		PostPolicy: models.PostPolicyEveryone,
	})
}

// CreateStream creates a stream (and its recipient row) and announces
// it: the whole tenant hears about a public stream, only subscribers
// about a private one — which at creation time is nobody.
func (r *Resolver) CreateStream(ctx context.Context, creator *models.User, stream *models.Stream) (*models.Stream, error) {
	created, err := r.streams.Create(ctx, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	var audience []uuid.UUID
	if created.Visibility == models.StreamPrivate {
		audience, err = r.subs.ActiveSubscriberIDs(ctx, created.ID)
	} else {
		audience, err = r.users.ActiveIDsByTenant(ctx, created.TenantID)
	}
	if err != nil {
		r.logger.Error("failed to compute stream event audience", zap.Error(err))
		return created, nil
	}
	event := events.StreamEvent{
		Type:     events.TypeStream,
		Op:       "create",
		TenantID: created.TenantID,
		Stream:   created,
		Audience: audience,
	}
	if err := r.publisher.Publish(ctx, created.TenantID, event); err != nil {
		r.logger.Error("failed to publish stream event", zap.Error(err))
	}
	return created, nil
}

// DeactivateStream soft-deletes a stream by renaming it with the
// deactivation prefix, which takes it out of every name lookup while
// leaving its history intact. Subscribers are told with a stream event.
// Admin only.
func (r *Resolver) DeactivateStream(ctx context.Context, actor *models.User, streamID uuid.UUID) error {
	if !actor.IsAdmin {
		return apperr.NotAuthorized("only organization administrators can deactivate streams")
	}
	stream, err := r.streams.GetByID(ctx, actor.TenantID, streamID)
	if err != nil {
		return fmt.Errorf("failed to look up stream: %w", err)
	}
	if stream == nil || stream.Deactivated() {
		return apperr.NotFound("stream", streamID.String())
	}

	if err := r.streams.Rename(ctx, actor.TenantID, stream.ID, models.DeactivatedStreamPrefix+stream.Name); err != nil {
		return fmt.Errorf("failed to deactivate stream: %w", err)
	}

	audience, err := r.subs.ActiveSubscriberIDs(ctx, stream.ID)
	if err != nil {
		r.logger.Error("failed to compute stream event audience", zap.Error(err))
		return nil
	}
	event := events.StreamEvent{
		Type:     events.TypeStream,
		Op:       "deactivate",
		TenantID: stream.TenantID,
		Stream:   stream,
		Audience: audience,
	}
	if err := r.publisher.Publish(ctx, stream.TenantID, event); err != nil {
		r.logger.Error("failed to publish stream event", zap.Error(err))
	}
	return nil
}

// checkPostAccess enforces who may post to a stream:
//   - admins post anywhere in their tenant
//   - admins-only streams reject non-admins
//   - private streams require an active subscription; a bot whose owner
//     is subscribed inherits the owner's access
//   - tenant mismatch is rejected unless the sender is cross-tenant
func (r *Resolver) checkPostAccess(ctx context.Context, sender *models.User, stream *models.Stream) error {
	if stream.TenantID != sender.TenantID && !sender.IsCrossTenant {
		return &apperr.CrossTenantError{UserIDs: []uuid.UUID{sender.ID}}
	}
	if sender.IsAdmin {
		return nil
	}
	if stream.PostPolicy == models.PostPolicyAdminsOnly {
		return apperr.NotAuthorized("only organization administrators can send to this stream")
	}
	if stream.Visibility != models.StreamPrivate {
		return nil
	}

	ok, err := r.activelySubscribed(ctx, stream.ID, sender.ID)
	if err != nil {
		return err
	}
	if !ok && sender.IsBot && sender.BotOwnerID != nil {
		ok, err = r.activelySubscribed(ctx, stream.ID, *sender.BotOwnerID)
		if err != nil {
			return err
		}
	}
	if !ok {
		return apperr.NotAuthorized("not authorized to send to stream '%s'", stream.Name)
	}
	return nil
}

func (r *Resolver) activelySubscribed(ctx context.Context, streamID, userID uuid.UUID) (bool, error) {
	sub, err := r.subs.Get(ctx, streamID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check subscription: %w", err)
	}
	return sub != nil && sub.Active, nil
}
