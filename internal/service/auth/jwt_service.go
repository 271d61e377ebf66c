package auth

import (
	"context"
	"time"
)

// JWTService defines operations for managing JWT authentication tokens.
// Callers are other backend services of the platform; the subject claim
// carries the calling service's identity.
type JWTService interface {
	// GenerateToken creates a signed JWT access token for the given subject.
	// Returns the token string or an error if token generation fails.
	GenerateToken(ctx context.Context, subject string) (string, error)

	// ValidateToken validates the provided token string and extracts the
	// claims. Returns an error if validation fails (expired, invalid
	// signature, etc.).
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims represents the custom claims structure for the JWT tokens.
type Claims struct {
	// Subject is the identity the token was issued for.
	Subject string `json:"sub,omitempty"`

	// Standard registered JWT claims
	IssuedAt  time.Time `json:"iat,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
	ID        string    `json:"jti,omitempty"`
}
