package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// RoomRegex validates relay room names
	RoomRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

	// PeerIDRegex validates peer ID format
	PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// ValidateRoom validates a relay room name
func ValidateRoom(room string) error {
	if room == "" {
		return fmt.Errorf("room is required")
	}
	if len(room) > 100 {
		return fmt.Errorf("room is too long (max 100 characters)")
	}
	if !RoomRegex.MatchString(room) {
		return fmt.Errorf("invalid room format (only letters, numbers, ., _, - allowed)")
	}
	return nil
}

// ValidatePeerID validates peer ID
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > 100 {
		return fmt.Errorf("peer ID is too long (max 100 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateRelayURL validates a websocket relay URL
func ValidateRelayURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL
func ValidateICEURL(urlStr string) error {
	switch {
	case strings.HasPrefix(urlStr, "stun:"), strings.HasPrefix(urlStr, "stuns:"),
		strings.HasPrefix(urlStr, "turn:"), strings.HasPrefix(urlStr, "turns:"):
	default:
		return fmt.Errorf("invalid ICE server URL %q (must start with stun:, stuns:, turn: or turns:)", urlStr)
	}
	if strings.Contains(urlStr, " ") {
		return fmt.Errorf("ICE server URL must not contain spaces")
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateStringLength validates string length
func ValidateStringLength(s string, min, max int, fieldName string) error {
	length := utf8.RuneCountInString(s)
	if length < min {
		return fmt.Errorf("%s must be at least %d characters", fieldName, min)
	}
	if length > max {
		return fmt.Errorf("%s is too long (max %d characters)", fieldName, max)
	}
	return nil
}
