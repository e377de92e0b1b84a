// Package auth issues and validates the JWT tokens that scope order
// operations to a market participant. Credentials are registered per user ID
// when accounts are provisioned; the user_id claim on the resulting token is
// the owner of every order it places.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/pointmarket-api/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Credentials authenticate one market participant. UserID must match the
// user the account was seeded under.
type Credentials struct {
	UserID    string `json:"user_id" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
}

// Service issues tokens against the registered participant credentials.
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu          sync.RWMutex
	credentials map[string]string // map[UserID]APISecret
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		tokenTTL:    24 * time.Hour,
		credentials: make(map[string]string),
	}
}

// RegisterCredentials stores or replaces the API secret for a participant.
// Called when an account is provisioned through the internal API.
func (s *Service) RegisterCredentials(userID, apiSecret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[userID] = apiSecret
}

// GenerateToken generates a JWT token for valid participant credentials.
// The user_id claim carries the account owner; the token expires after 24h.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	if !s.validateCredentials(creds) {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	expiration := now.Add(s.tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: creds.UserID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token")
}

func (s *Service) validateCredentials(creds Credentials) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, exists := s.credentials[creds.UserID]
	return exists && secret == creds.APISecret
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain participant credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if err == ErrInvalidCredentials {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// RegisterCredentialsHandler handles POST requests to register participant
// credentials. Requires internal authentication.
func (h *GinHandlers) RegisterCredentialsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}
		h.service.RegisterCredentials(creds.UserID, creds.APISecret)
		response.Success(c, gin.H{"message": "credentials registered"})
	}
}

// GetUserID extracts the user ID from validated JWT claims
// Returns empty string if the user ID is not found or invalid
func GetUserID(claims interface{}) string {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if userID, ok := jwtClaims["user_id"].(string); ok {
			return userID
		}
	}
	return ""
}
