package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/addressee"
	"github.com/lalith-99/courier/internal/fanout"
	"github.com/lalith-99/courier/internal/flags"
	"github.com/lalith-99/courier/internal/middleware"
	"github.com/lalith-99/courier/internal/repository"
)

// MessageHandler covers sending, listing, and editing messages.
type MessageHandler struct {
	users      repository.UserRepository
	streams    repository.StreamRepository
	messages   repository.MessageRepository
	dispatcher *fanout.Dispatcher
	mutator    *flags.Mutator
	logger     *zap.Logger
}

func NewMessageHandler(
	users repository.UserRepository,
	streams repository.StreamRepository,
	messages repository.MessageRepository,
	dispatcher *fanout.Dispatcher,
	mutator *flags.Mutator,
	logger *zap.Logger,
) *MessageHandler {
	return &MessageHandler{
		users:      users,
		streams:    streams,
		messages:   messages,
		dispatcher: dispatcher,
		mutator:    mutator,
		logger:     logger,
	}
}

type sendMessageRequest struct {
	// Exactly one addressing style: a stream (by name or id) or a list
	// of users (by id or email).
	Stream   string      `json:"stream,omitempty"`
	StreamID *uuid.UUID  `json:"stream_id,omitempty"`
	UserIDs  []uuid.UUID `json:"user_ids,omitempty"`
	Emails   []string    `json:"emails,omitempty"`

	Topic   string `json:"topic,omitempty"`
	Content string `json:"content" binding:"required"`
	Client  string `json:"client,omitempty"`

	Mirrored    bool        `json:"mirrored,omitempty"`
	MarkReadIDs []uuid.UUID `json:"mark_read_ids,omitempty"`
}

// Send handles POST /v1/messages.
func (h *MessageHandler) Send(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sender := currentUser(c, h.users, h.logger)
	if sender == nil {
		return
	}
	client := req.Client
	if client == "" {
		client = "api"
	}

	result, err := h.dispatcher.SendMessage(c.Request.Context(), &fanout.SendRequest{
		Sender: sender,
		Addressee: addressee.Addressee{
			StreamName: req.Stream,
			StreamID:   req.StreamID,
			UserIDs:    req.UserIDs,
			Emails:     req.Emails,
		},
		Content:     req.Content,
		Topic:       req.Topic,
		Client:      client,
		Mirrored:    req.Mirrored,
		MarkReadIDs: req.MarkReadIDs,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"id": result.MessageID, "deduplicated": result.Deduplicated})
}

// List handles GET /v1/streams/:id/messages?before=<id>&limit=<n>.
func (h *MessageHandler) List(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}
	stream, err := h.streams.GetByID(c.Request.Context(), middleware.GetTenantID(c), streamID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if stream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "stream not found"})
		return
	}

	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	msgs, err := h.messages.ListByRecipient(c.Request.Context(), stream.RecipientID, before, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type editMessageRequest struct {
	Content       *string `json:"content"`
	Topic         *string `json:"topic"`
	PropagateMode string  `json:"propagate_mode,omitempty"`
}

// Edit handles PATCH /v1/messages/:id.
func (h *MessageHandler) Edit(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	editor := currentUser(c, h.users, h.logger)
	if editor == nil {
		return
	}

	err = h.mutator.UpdateMessage(c.Request.Context(), editor, &flags.EditRequest{
		MessageID:     messageID,
		Content:       req.Content,
		Topic:         req.Topic,
		PropagateMode: req.PropagateMode,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
