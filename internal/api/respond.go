package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lalith-99/courier/internal/apperr"
	"github.com/lalith-99/courier/internal/middleware"
	"github.com/lalith-99/courier/internal/models"
	"github.com/lalith-99/courier/internal/repository"
)

// respondError maps the domain error taxonomy to HTTP statuses. The
// error message goes to the client verbatim for 4xx; anything
// unexpected is logged and hidden behind a generic 500.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var (
		validation *apperr.ValidationError
		notAuth    *apperr.NotAuthorizedError
		notFound   *apperr.NotFoundError
		crossTen   *apperr.CrossTenantError
		invalidMsg *apperr.InvalidMessageError
	)
	switch {
	case errors.As(err, &validation), errors.As(err, &invalidMsg):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &notAuth), errors.As(err, &crossTen):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// currentUser loads the authenticated user's row. Returns nil after
// writing the response if the account no longer exists (deleted between
// token issue and now).
func currentUser(c *gin.Context, users repository.UserRepository, logger *zap.Logger) *models.User {
	user, err := users.GetByID(c.Request.Context(), middleware.GetTenantID(c), middleware.GetUserID(c))
	if err != nil {
		respondError(c, logger, err)
		return nil
	}
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "account no longer exists"})
		return nil
	}
	return user
}
