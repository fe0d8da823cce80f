package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	operatorIssuer   = "careline"
	operatorAudience = "careline-operator"

	// DefaultOperatorTokenTTL is the lifetime of a minted operator token
	DefaultOperatorTokenTTL = 12 * time.Hour
)

// OperatorClaims are the claims of an operator token used on the introspection routes
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// JWTService signs and verifies operator tokens (HS256)
type JWTService struct {
	secret []byte
	now    func() time.Time
}

// NewJWTService creates a new JWT service
func NewJWTService(secret string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// SignOperatorToken creates an operator token for the named subject
func (s *JWTService) SignOperatorToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultOperatorTokenTTL
	}
	now := s.now()
	claims := &OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    operatorIssuer,
			Audience:  jwt.ClaimStrings{operatorAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign operator token: %w", err)
	}
	return tokenString, nil
}

// VerifyOperatorToken verifies and parses an operator token
func (s *JWTService) VerifyOperatorToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(operatorIssuer),
		jwt.WithAudience(operatorAudience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
