package middleware

import (
	stderrors "errors"
	"net/http"
	"testing"

	"peerlink/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	router := gin.New()
	router.Use(RecoveryMiddleware(logger), ErrorHandlerMiddleware(logger))
	router.GET("/coded", func(c *gin.Context) {
		c.Error(errors.New(errors.CodeInvalidInput, "room required").WithContext("field", "room"))
	})
	router.GET("/wrapped", func(c *gin.Context) {
		c.Error(errors.Wrap(stderrors.New("dial tcp: refused"), errors.CodeRelay, "relay unavailable"))
	})
	router.GET("/plain", func(c *gin.Context) {
		c.Error(stderrors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	router.GET("/ok", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := get(router, "/coded")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"ERR_INVALID_INPUT","message":"room required","details":{"field":"room"}}`, w.Body.String())

	assert.Equal(t, http.StatusBadGateway, get(router, "/wrapped").Code)
	assert.Equal(t, http.StatusInternalServerError, get(router, "/plain").Code)
	assert.Equal(t, http.StatusInternalServerError, get(router, "/panic").Code)
	assert.Equal(t, http.StatusNoContent, get(router, "/ok").Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, statusFor(errors.CodeUnauthorized))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(errors.CodeRateLimit))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errors.CodeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.CodeSignaling))
}
