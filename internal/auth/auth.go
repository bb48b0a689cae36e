package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-treasury/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

const tokenTTL = 24 * time.Hour

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string         `json:"jwt_token"`
	Expiration time.Time      `json:"expiration"`
	Address    common.Address `json:"address"`
}

// Claims represents the JWT claims structure. Address is the account the
// client acts as when triggering buys, sells and admin calls.
type Claims struct {
	jwt.RegisteredClaims
	ClientID    string   `json:"client_id"`
	Address     string   `json:"address"`
	Permissions []string `json:"permissions"`
}

type account struct {
	secret  string
	address common.Address
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	clock     func() time.Time

	mu       sync.RWMutex
	accounts map[string]account
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret: []byte(jwtSecret),
		clock:     time.Now,
		accounts:  make(map[string]account),
	}
}

// GenerateToken issues a 24-hour token bound to the caller address
// registered for the API key.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	acct, ok := s.validateCredentials(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	now := s.clock()
	expiration := now.Add(tokenTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID:    creds.APIKey,
		Address:     acct.address.Hex(),
		Permissions: []string{"trigger"},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		Address:    acct.address,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
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
		if !common.IsHexAddress(claims.Address) {
			return nil, errors.New("invalid address claim")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (s *Service) validateCredentials(creds Credentials) (account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, exists := s.accounts[creds.APIKey]
	return acct, exists && acct.secret == creds.APISecret
}

// RegisterAPICredentials binds an API key pair to the address it acts as
func (s *Service) RegisterAPICredentials(apiKey, apiSecret string, address common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[apiKey] = account{secret: apiSecret, address: address}
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
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
