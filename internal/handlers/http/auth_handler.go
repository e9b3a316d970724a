package http

import (
	"net/http"
	"strings"
	"time"

	"peerlink/internal/core/services"
	"peerlink/pkg/errors"
	"peerlink/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type AuthHandler struct {
	authService services.AuthService
	tokenTTL    time.Duration
}

func NewAuthHandler(authService services.AuthService, tokenTTL time.Duration) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokenTTL:    tokenTTL,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.POST("/token", h.IssueRoomToken)
	}
}

type TokenRequest struct {
	Room string `json:"room" binding:"required,max=100"`
	// PeerID is generated when empty
	PeerID string `json:"peer_id" binding:"max=64"`
}

// IssueRoomToken returns a token admitting one peer id to one room
func (h *AuthHandler) IssueRoomToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.New(errors.CodeInvalidInput, "invalid request format"))
		return
	}

	req.Room = strings.TrimSpace(req.Room)
	req.PeerID = strings.TrimSpace(req.PeerID)
	if req.PeerID == "" {
		req.PeerID = uuid.New().String()
	}

	if err := validation.ValidateRoom(req.Room); err != nil {
		c.Error(errors.Newf(errors.CodeInvalidInput, "invalid room: %v", err).WithContext("field", "room"))
		return
	}
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		c.Error(errors.Newf(errors.CodeInvalidInput, "invalid peer id: %v", err).WithContext("field", "peer_id"))
		return
	}

	token, err := h.authService.GenerateRoomToken(req.PeerID, req.Room)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"peer_id":    req.PeerID,
		"room":       req.Room,
		"expires_in": int(h.tokenTTL / time.Second),
	})
}
