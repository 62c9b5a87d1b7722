package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/addressee"
	"github.com/lalith-99/courier/internal/middleware"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// StreamHandler covers stream lifecycle and membership: create, list,
// subscribe/unsubscribe, mutes, and per-stream notification overrides.
type StreamHandler struct {
	users    repository.UserRepository
	streams  repository.StreamRepository
	subs     repository.SubscriptionRepository
	messages repository.MessageRepository
	resolver *addressee.Resolver
	logger   *zap.Logger
}

func NewStreamHandler(
	users repository.UserRepository,
	streams repository.StreamRepository,
	subs repository.SubscriptionRepository,
	messages repository.MessageRepository,
	resolver *addressee.Resolver,
	logger *zap.Logger,
) *StreamHandler {
	return &StreamHandler{
		users:    users,
		streams:  streams,
		subs:     subs,
		messages: messages,
		resolver: resolver,
		logger:   logger,
	}
}

type createStreamRequest struct {
	Name                       string `json:"name" binding:"required"`
	Visibility                 string `json:"visibility"`
	PostPolicy                 string `json:"post_policy"`
	HistoryPublicToSubscribers bool   `json:"history_public_to_subscribers"`
}

// Create handles POST /v1/streams. The creator is auto-subscribed.
func (h *StreamHandler) Create(c *gin.Context) {
	var req createStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || strings.HasPrefix(name, models.DeactivatedStreamPrefix) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream name"})
		return
	}
	if req.Visibility == "" {
		req.Visibility = models.StreamPublic
	}
	if req.PostPolicy == "" {
		req.PostPolicy = models.PostPolicyEveryone
	}

	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}

	existing, err := h.streams.GetByName(c.Request.Context(), user.TenantID, name)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "stream already exists"})
		return
	}

	stream, err := h.resolver.CreateStream(c.Request.Context(), user, &models.Stream{
		TenantID:                   user.TenantID,
		Name:                       name,
		Visibility:                 req.Visibility,
		PostPolicy:                 req.PostPolicy,
		HistoryPublicToSubscribers: req.HistoryPublicToSubscribers,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if err := h.subscribeAt(c, stream.ID, user.ID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, stream)
}

// Deactivate handles DELETE /v1/streams/:id. Admin only; the stream's
// history stays readable by id, but the stream disappears from listings
// and can no longer be posted to.
func (h *StreamHandler) Deactivate(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}
	if err := h.resolver.DeactivateStream(c.Request.Context(), user, streamID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// List handles GET /v1/streams.
func (h *StreamHandler) List(c *gin.Context) {
	streams, err := h.streams.ListByTenant(c.Request.Context(), middleware.GetTenantID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	visible := make([]models.Stream, 0, len(streams))
	for _, s := range streams {
		if !s.Deactivated() {
			visible = append(visible, s)
		}
	}
	c.JSON(http.StatusOK, gin.H{"streams": visible})
}

// Subscribe handles POST /v1/streams/:id/subscribe. The subscription
// interval opens at the current head of the message log, so the idle
// reconciler later knows exactly which span this membership covers.
func (h *StreamHandler) Subscribe(c *gin.Context) {
	stream := h.loadStream(c)
	if stream == nil {
		return
	}
	if err := h.subscribeAt(c, stream.ID, middleware.GetUserID(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "subscribed"})
}

// Unsubscribe handles POST /v1/streams/:id/unsubscribe.
func (h *StreamHandler) Unsubscribe(c *gin.Context) {
	stream := h.loadStream(c)
	if stream == nil {
		return
	}
	maxID, err := h.messages.CurrentMaxID(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if err := h.subs.Unsubscribe(c.Request.Context(), stream.ID, middleware.GetUserID(c), maxID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unsubscribed"})
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

// SetMuted handles POST /v1/streams/:id/mute.
func (h *StreamHandler) SetMuted(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stream := h.loadStream(c)
	if stream == nil {
		return
	}
	if err := h.subs.SetMuted(c.Request.Context(), stream.ID, middleware.GetUserID(c), req.Muted); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type overridesRequest struct {
	Push     *bool `json:"push"`
	Email    *bool `json:"email"`
	Wildcard *bool `json:"wildcard"`
}

// SetOverrides handles PATCH /v1/streams/:id/notifications. A null
// field resets that override to "use my global default".
func (h *StreamHandler) SetOverrides(c *gin.Context) {
	var req overridesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stream := h.loadStream(c)
	if stream == nil {
		return
	}
	err := h.subs.SetOverrides(c.Request.Context(), stream.ID, middleware.GetUserID(c), req.Push, req.Email, req.Wildcard)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type topicMuteRequest struct {
	Topic string `json:"topic" binding:"required"`
}

// MuteTopic handles POST /v1/streams/:id/topics/mute.
func (h *StreamHandler) MuteTopic(c *gin.Context) {
	h.topicMute(c, true)
}

// UnmuteTopic handles POST /v1/streams/:id/topics/unmute.
func (h *StreamHandler) UnmuteTopic(c *gin.Context) {
	h.topicMute(c, false)
}

func (h *StreamHandler) topicMute(c *gin.Context, mute bool) {
	var req topicMuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stream := h.loadStream(c)
	if stream == nil {
		return
	}

	var err error
	if mute {
		err = h.subs.MuteTopic(c.Request.Context(), stream.ID, middleware.GetUserID(c), req.Topic)
	} else {
		err = h.subs.UnmuteTopic(c.Request.Context(), stream.ID, middleware.GetUserID(c), req.Topic)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *StreamHandler) subscribeAt(c *gin.Context, streamID, userID uuid.UUID) error {
	maxID, err := h.messages.CurrentMaxID(c.Request.Context())
	if err != nil {
		return err
	}
	return h.subs.Subscribe(c.Request.Context(), streamID, userID, maxID)
}

// loadStream parses :id and fetches the stream, writing the response
// itself on failure.
func (h *StreamHandler) loadStream(c *gin.Context) *models.Stream {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return nil
	}
	stream, err := h.streams.GetByID(c.Request.Context(), middleware.GetTenantID(c), streamID)
	if err != nil {
		respondError(c, h.logger, err)
		return nil
	}
	if stream == nil || stream.Deactivated() {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return nil
	}
	return stream
}
