package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// UploadHandler registers uploaded files so messages can claim them.
// Storage of the bytes themselves lives elsewhere; this only records the
// path id that message content references under /user_uploads/.
type UploadHandler struct {
	users       repository.UserRepository
	attachments repository.AttachmentRepository
	logger      *zap.Logger
}

func NewUploadHandler(users repository.UserRepository, attachments repository.AttachmentRepository, logger *zap.Logger) *UploadHandler {
	return &UploadHandler{users: users, attachments: attachments, logger: logger}
}

type uploadRequest struct {
	FileName string `json:"file_name" binding:"required"`
	Size     int64  `json:"size"`
}

// Register handles POST /v1/uploads. The response URI is what the
// uploader pastes into a message; sending that message claims the
// attachment in the same transaction as the message insert.
func (h *UploadHandler) Register(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.ContainsAny(req.FileName, "/ \t\n") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file name"})
		return
	}
	user := currentUser(c, h.users, h.logger)
	if user == nil {
		return
	}

	pathID := user.TenantID.String() + "/" + uuid.NewString() + "/" + req.FileName
	att, err := h.attachments.Create(c.Request.Context(), &models.Attachment{
		TenantID: user.TenantID,
		OwnerID:  user.ID,
		PathID:   pathID,
		FileName: req.FileName,
		Size:     req.Size,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"path_id": att.PathID,
		"uri":     models.UploadURIPrefix + att.PathID,
	})
}
