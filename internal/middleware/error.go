package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/reqlens/reqlens/internal/pkg/apperrors"
	"github.com/reqlens/reqlens/internal/pkg/logger"
	"github.com/reqlens/reqlens/internal/profiler"
)

// ErrorHandler turns errors collected on the gin context into a JSON
// response. Runs outside Profiler in the chain, so the profile (including its
// exception record) is already finalized when the response is written.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		var appErr *apperrors.AppError
		if !errors.As(err, &appErr) {
			appErr = apperrors.New(apperrors.ErrInternal, err.Error(), err)
		}

		logFields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"code", appErr.Type,
		}
		// Correlate the line with the stored profile when one is active.
		if p, ok := profiler.FromContext(c.Request.Context()); ok {
			logFields = append(logFields, "profile_id", p.ID)
		}

		if appErr.HTTPStatus >= 500 {
			logger.LogError(c.Request.Context(), appErr, "request failed", logFields...)
		} else {
			logger.Warn(appErr.Message, logFields...)
		}

		c.JSON(appErr.HTTPStatus, appErr)
	}
}
