package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/flags"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// FlagsHandler covers per-message state changes: flag updates, bulk
// mark-as-read, and reactions.
type FlagsHandler struct {
	users   repository.UserRepository
	records repository.DeliveryRecordRepository
	mutator *flags.Mutator
	logger  *zap.Logger
}

func NewFlagsHandler(users repository.UserRepository, records repository.DeliveryRecordRepository, mutator *flags.Mutator, logger *zap.Logger) *FlagsHandler {
	return &FlagsHandler{users: users, records: records, mutator: mutator, logger: logger}
}

// GetFlags handles GET /v1/messages/:id/flags — the caller's own flag
// names for one message. A user with no delivery record gets an empty
// list, same as a record with no flags set.
func (h *FlagsHandler) GetFlags(c *gin.Context) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}

	rec, err := h.records.Get(c.Request.Context(), user.ID, messageID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	var f models.MessageFlags
	if rec != nil {
		f = rec.Flags
	}
	c.JSON(http.StatusOK, gin.H{"id": messageID, "flags": f.Names()})
}

type updateFlagsRequest struct {
	Op         string  `json:"op" binding:"required"`
	Flag       string  `json:"flag" binding:"required"`
	MessageIDs []int64 `json:"message_ids" binding:"required"`
}

// UpdateFlags handles POST /v1/messages/flags.
func (h *FlagsHandler) UpdateFlags(c *gin.Context) {
	var req updateFlagsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}

	updated, err := h.mutator.UpdateFlags(c.Request.Context(), user, req.Op, req.Flag, req.MessageIDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": updated})
}

// MarkAllAsRead handles POST /v1/mark-all-read.
func (h *FlagsHandler) MarkAllAsRead(c *gin.Context) {
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}
	count, err := h.mutator.MarkAllAsRead(c.Request.Context(), user)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": count})
}

type markReadRequest struct {
	Topic string `json:"topic,omitempty"`
}

// MarkStreamAsRead handles POST /v1/streams/:id/read. With a topic in
// the body, only that topic is marked.
func (h *FlagsHandler) MarkStreamAsRead(c *gin.Context) {
	streamID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stream id"})
		return
	}
	var req markReadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}

	var updated []int64
	if req.Topic != "" {
		updated, err = h.mutator.MarkTopicAsRead(c.Request.Context(), user, streamID, req.Topic)
	} else {
		updated, err = h.mutator.MarkStreamAsRead(c.Request.Context(), user, streamID)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": updated})
}

type reactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

// AddReaction handles POST /v1/messages/:id/reactions.
func (h *FlagsHandler) AddReaction(c *gin.Context) {
	h.reaction(c, true)
}

// RemoveReaction handles DELETE /v1/messages/:id/reactions.
func (h *FlagsHandler) RemoveReaction(c *gin.Context) {
	h.reaction(c, false)
}

func (h *FlagsHandler) reaction(c *gin.Context, add bool) {
	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req reactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}

	if add {
		err = h.mutator.AddReaction(c.Request.Context(), user, messageID, req.Emoji)
	} else {
		err = h.mutator.RemoveReaction(c.Request.Context(), user, messageID, req.Emoji)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
