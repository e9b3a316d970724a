package middleware

import (
	"net/http"

	"peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps an error code to the HTTP status returned to clients
func statusFor(code errors.Code) int {
	switch code {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeUnauthorized:
		return http.StatusUnauthorized
	case errors.CodeRateLimit:
		return http.StatusTooManyRequests
	case errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeRelay:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandlerMiddleware handles application errors and returns appropriate HTTP responses
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		if coded := errors.Get(err); coded != nil {
			status := statusFor(coded.Code)
			logger.Errorw("application error",
				"code", coded.Code,
				"message", coded.Message,
				"status", status,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
				"context", coded.Context,
			)

			c.JSON(status, gin.H{
				"error":   string(coded.Code),
				"message": coded.Message,
				"details": coded.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)

		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ERR_INTERNAL",
			"message": "Internal server error",
		})
	}
}

// RecoveryMiddleware recovers from panics and returns proper error responses
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":   "ERR_INTERNAL",
					"message": "Internal server error",
				})
			}
		}()

		c.Next()
	}
}
