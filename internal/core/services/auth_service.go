package services

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRoomMismatch = errors.New("token not valid for room")
)

// AuthService issues and checks room tokens for the signaling relay
type AuthService interface {
	GenerateRoomToken(peerID, room string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	// Authorize validates the token and checks it grants room
	Authorize(tokenString, room string) (*Claims, error)
}

// Claims identify one peer in one room
type Claims struct {
	PeerID string `json:"peer_id"`
	Room   string `json:"room"`
	jwt.RegisteredClaims
}

type authService struct {
	jwtSecret []byte
	issuer    string
	tokenTTL  time.Duration
}

func NewAuthService(jwtSecret, issuer string, tokenTTL time.Duration) AuthService {
	return &authService{
		jwtSecret: []byte(jwtSecret),
		issuer:    issuer,
		tokenTTL:  tokenTTL,
	}
}

func (s *authService) GenerateRoomToken(peerID, room string) (string, error) {
	now := time.Now()
	claims := &Claims{
		PeerID: peerID,
		Room:   room,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   peerID,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *authService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	}, opts...)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}

func (s *authService) Authorize(tokenString, room string) (*Claims, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Room != room {
		return nil, ErrRoomMismatch
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims stores validated claims in ctx
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims stored by WithClaims
func ClaimsFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	if !ok || claims == nil {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
