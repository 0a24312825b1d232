package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	TokenTTL   = time.Hour
	BcryptCost = 12
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
)

// Claims carried by an operator access token.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// LoginResponse is the login reply body.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Credentials configures the single-operator login. PasswordHash is a
// bcrypt hash and wins over Password; a plain Password is hashed once
// at boot so the clear text is not kept around.
type Credentials struct {
	Operator     string
	Password     string
	PasswordHash string
	JWTSecret    string
}

// Service issues and validates operator access tokens.
type Service struct {
	operator     string
	passwordHash []byte
	jwtSecret    []byte
}

func NewService(creds Credentials) (*Service, error) {
	if creds.Operator == "" {
		return nil, errors.New("operator username is required")
	}
	if creds.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	var hash []byte
	switch {
	case creds.PasswordHash != "":
		hash = []byte(creds.PasswordHash)
		if _, err := bcrypt.Cost(hash); err != nil {
			return nil, fmt.Errorf("invalid operator password hash: %w", err)
		}
	case creds.Password != "":
		h, err := bcrypt.GenerateFromPassword([]byte(creds.Password), BcryptCost)
		if err != nil {
			return nil, err
		}
		hash = h
	default:
		return nil, errors.New("operator password is required")
	}

	return &Service{
		operator:     creds.Operator,
		passwordHash: hash,
		jwtSecret:    []byte(creds.JWTSecret),
	}, nil
}

// Login checks the operator credentials and issues an access token.
// The bcrypt comparison runs regardless of the username check so a bad
// username costs the same as a bad password.
func (s *Service) Login(username, password string) (*LoginResponse, error) {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.operator)) == 1
	passErr := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password))
	if !userOK || passErr != nil {
		return nil, ErrInvalidCredentials
	}

	token, err := s.generateAccessToken()
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int(TokenTTL.Seconds()),
	}, nil
}

// ValidateToken parses and verifies an access token. The WebSocket
// handshake shares this path with the HTTP middleware.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.jwtSecret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func (s *Service) generateAccessToken() (string, error) {
	claims := &Claims{
		Operator: s.operator,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(TokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "masshaul",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
