package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/middleware"
	"github.com/lalith-99/courier/internal/presence"
	"github.com/lalith-99/courier/internal/reconcile"
	"github.com/lalith-99/courier/internal/repository"
)

// UserHandler covers the current user's own state: profile, presence
// heartbeat, alert words, and the return-from-idle reconciliation.
type UserHandler struct {
	users      repository.UserRepository
	alertWords repository.AlertWordRepository
	presence   presence.Service
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
}

func NewUserHandler(
	users repository.UserRepository,
	alertWords repository.AlertWordRepository,
	presenceSvc presence.Service,
	reconciler *reconcile.Reconciler,
	logger *zap.Logger,
) *UserHandler {
	return &UserHandler{
		users:      users,
		alertWords: alertWords,
		presence:   presenceSvc,
		reconciler: reconciler,
		logger:     logger,
	}
}

// GetMe handles GET /v1/users/me.
func (h *UserHandler) GetMe(c *gin.Context) {
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}
	c.JSON(http.StatusOK, user)
}

// Heartbeat handles POST /v1/users/me/presence. Clients call this
// periodically while the app is in the foreground; a user without a
// recent heartbeat counts as idle for notification purposes.
//
// A heartbeat from a long-term-idle user also triggers reconciliation:
// coming back to the app IS the return-from-idle signal.
func (h *UserHandler) Heartbeat(c *gin.Context) {
	tenantID := middleware.GetTenantID(c)
	userID := middleware.GetUserID(c)

	if err := h.presence.Heartbeat(c.Request.Context(), tenantID, userID); err != nil {
		respondError(c, h.logger, err)
		return
	}

	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}
	if user.LongTermIdle {
		created, err := h.reconciler.Reactivate(c.Request.Context(), tenantID, userID)
		if err != nil {
			// The heartbeat itself succeeded; reconciliation retries on
			// the next one.
			h.logger.Error("reconciliation failed", zap.Error(err))
		} else {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "records_backfilled": created})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type alertWordRequest struct {
	Word string `json:"word" binding:"required"`
}

// AddAlertWord handles POST /v1/users/me/alert-words.
func (h *UserHandler) AddAlertWord(c *gin.Context) {
	var req alertWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	word := strings.TrimSpace(req.Word)
	if word == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "word can't be empty"})
		return
	}

	err := h.alertWords.Add(c.Request.Context(), middleware.GetTenantID(c), middleware.GetUserID(c), word)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

// RemoveAlertWord handles DELETE /v1/users/me/alert-words.
func (h *UserHandler) RemoveAlertWord(c *gin.Context) {
	var req alertWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.alertWords.Remove(c.Request.Context(), middleware.GetTenantID(c), middleware.GetUserID(c), req.Word)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
