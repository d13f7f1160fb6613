package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-for-jwt-signing-32-chars"

// createTestTokenService creates a token service for testing with symmetric key
func createTestTokenService(t *testing.T) TokenService {
	t.Helper()
	svc, err := NewTokenService(15*time.Minute, 7*24*time.Hour, "test-issuer", "test-audience", false, "", "", testSecret)
	require.NoError(t, err)
	return svc
}

func TestNewTokenService(t *testing.T) {
	tests := []struct {
		name        string
		useRSAKeys  bool
		secretKey   string
		expectError bool
	}{
		{name: "valid symmetric key configuration", secretKey: testSecret},
		{name: "missing secret key", expectError: true},
		{name: "rsa without keys", useRSAKeys: true, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service, err := NewTokenService(time.Minute, time.Hour, "iss", "aud", tt.useRSAKeys, "", "", tt.secretKey)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, service)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, service)
		})
	}
}

func TestGenerateAndValidateTokens(t *testing.T) {
	service := createTestTokenService(t)

	accessToken, refreshToken, err := service.GenerateTokens("op-42", "operator")
	require.NoError(t, err)
	assert.NotEqual(t, accessToken, refreshToken)

	tests := []struct {
		name      string
		token     string
		tokenType string
		wantErr   error
	}{
		{name: "access token", token: accessToken, tokenType: "access"},
		{name: "refresh token", token: refreshToken, tokenType: "refresh"},
		{name: "empty token", token: "", wantErr: ErrTokenInvalid},
		{name: "garbage", token: "invalid.token.format", wantErr: ErrTokenInvalid},
		{name: "wrong signature", token: accessToken[:len(accessToken)-4] + "abcd", wantErr: ErrTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := service.ValidateToken(tt.token)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "op-42", claims.OperatorID)
			assert.Equal(t, "operator", claims.Role)
			assert.Equal(t, tt.tokenType, claims.TokenType)
			assert.NotEmpty(t, claims.TokenID)
			assert.True(t, claims.ExpiresAt.After(claims.IssuedAt))
		})
	}
}

func TestGenerateTokens_RequiresOperator(t *testing.T) {
	service := createTestTokenService(t)
	_, _, err := service.GenerateTokens("", "operator")
	assert.Error(t, err)
}

func TestValidateToken_WrongAudience(t *testing.T) {
	issuer := createTestTokenService(t)
	other, err := NewTokenService(time.Minute, time.Hour, "test-issuer", "another-audience", false, "", "", testSecret)
	require.NoError(t, err)

	token, _, err := issuer.GenerateTokens("op-1", "operator")
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenExpiration(t *testing.T) {
	service, err := NewTokenService(-time.Minute, time.Hour, "test-issuer", "test-audience", false, "", "", testSecret)
	require.NoError(t, err)

	accessToken, _, err := service.GenerateTokens("op-1", "operator")
	require.NoError(t, err)

	_, err = service.ValidateToken(accessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestRefreshToken(t *testing.T) {
	service := createTestTokenService(t)
	accessToken, refreshToken, err := service.GenerateTokens("op-7", "admin")
	require.NoError(t, err)

	t.Run("access token is rejected", func(t *testing.T) {
		_, _, err := service.RefreshToken(accessToken)
		assert.Error(t, err)
	})

	t.Run("refresh rotates and revokes", func(t *testing.T) {
		newAccess, newRefresh, err := service.RefreshToken(refreshToken)
		require.NoError(t, err)
		assert.NotEqual(t, refreshToken, newRefresh)

		claims, err := service.ValidateToken(newAccess)
		require.NoError(t, err)
		assert.Equal(t, "op-7", claims.OperatorID)
		assert.Equal(t, "admin", claims.Role)

		_, _, err = service.RefreshToken(refreshToken)
		assert.ErrorIs(t, err, ErrTokenRevoked)
	})
}

func TestRevokeToken(t *testing.T) {
	service := createTestTokenService(t)
	accessToken, _, err := service.GenerateTokens("op-1", "operator")
	require.NoError(t, err)

	require.NoError(t, service.RevokeToken(accessToken))
	_, err = service.ValidateToken(accessToken)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	// revoking twice is fine
	assert.NoError(t, service.RevokeToken(accessToken))
	assert.Error(t, service.RevokeToken("invalid.token"))
}
