package middleware

import (
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestTracingMiddleware_PropagatesContext(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var sawSpan bool
	router := gin.New()
	router.Use(TracingMiddleware())
	router.GET("/health", func(c *gin.Context) {
		sawSpan = trace.SpanFromContext(c.Request.Context()) != nil
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, get(router, "/health").Code)
	assert.True(t, sawSpan)
	assert.Equal(t, http.StatusNotFound, get(router, "/missing").Code)
}
