package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{
		JWTSecret:            "thisisasecretkeythatis32charslong!!",
		TokenLifetimeMinutes: 60,
	}
}

func TestNewJWTService_RejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewJWTService(config.AuthConfig{JWTSecret: "tooshort", TokenLifetimeMinutes: 60})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "32 characters")
}

func TestJWTService_GenerateAndValidate(t *testing.T) {
	t.Parallel()

	svc, err := NewJWTService(testAuthConfig())
	require.NoError(t, err)
	ctx := context.Background()

	token, err := svc.GenerateToken(ctx, "academico-service")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.ValidateToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "academico-service", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
}

func TestJWTService_RejectsExpiredToken(t *testing.T) {
	t.Parallel()

	svc, err := NewJWTService(testAuthConfig())
	require.NoError(t, err)
	impl := svc.(*hmacJWTService)
	ctx := context.Background()

	// Issue a token in the past, beyond lifetime plus clock skew.
	impl.timeFunc = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, err := svc.GenerateToken(ctx, "academico-service")
	require.NoError(t, err)

	impl.timeFunc = time.Now
	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTService_RejectsForeignSignature(t *testing.T) {
	t.Parallel()

	svc, err := NewJWTService(testAuthConfig())
	require.NoError(t, err)
	other, err := NewJWTService(config.AuthConfig{
		JWTSecret:            "anothersecretkeythatisdifferent32ch!",
		TokenLifetimeMinutes: 60,
	})
	require.NoError(t, err)
	ctx := context.Background()

	token, err := other.GenerateToken(ctx, "academico-service")
	require.NoError(t, err)

	_, err = svc.ValidateToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestJWTService_RejectsGarbage(t *testing.T) {
	t.Parallel()

	svc, err := NewJWTService(testAuthConfig())
	require.NoError(t, err)

	_, err = svc.ValidateToken(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
