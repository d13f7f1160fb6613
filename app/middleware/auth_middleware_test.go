package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Kotodama/app/services"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newAuthApp(t *testing.T) (*fiber.App, services.TokenService) {
	t.Helper()
	tokens, err := services.NewTokenService(time.Minute, time.Hour, "kotodama", "operators", false, "", "", "middleware-test-secret")
	require.NoError(t, err)

	app := fiber.New()
	app.Use(NewAuthMiddleware(tokens).Authenticate())
	app.Get("/whoami", func(c fiber.Ctx) error {
		id, ok := GetOperatorIDFromContext(c)
		if !ok {
			return c.SendStatus(fiber.StatusInternalServerError)
		}
		claims, _ := GetTokenClaimsFromContext(c)
		return c.JSON(fiber.Map{"operator": id, "role": claims.Role})
	})
	return app, tokens
}

func callWithAuth(t *testing.T, app *fiber.App, header string) (*http.Response, errorBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	var body errorBody
	if resp.StatusCode != http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestAuthenticate(t *testing.T) {
	app, tokens := newAuthApp(t)
	access, refresh, err := tokens.GenerateTokens("op-9", "operator")
	require.NoError(t, err)

	t.Run("MissingHeader", func(t *testing.T) {
		resp, body := callWithAuth(t, app, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "MISSING_AUTHORIZATION_HEADER", body.Error.Code)
	})

	t.Run("WrongScheme", func(t *testing.T) {
		resp, body := callWithAuth(t, app, "Basic abc")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "INVALID_AUTHORIZATION_FORMAT", body.Error.Code)
	})

	t.Run("GarbageToken", func(t *testing.T) {
		resp, body := callWithAuth(t, app, "Bearer not.a.jwt")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "TOKEN_INVALID", body.Error.Code)
	})

	t.Run("RefreshTokenRejected", func(t *testing.T) {
		resp, body := callWithAuth(t, app, "Bearer "+refresh)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "TOKEN_INVALID", body.Error.Code)
	})

	t.Run("ValidAccessToken", func(t *testing.T) {
		resp, _ := callWithAuth(t, app, "Bearer "+access)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var got map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
		assert.Equal(t, "op-9", got["operator"])
		assert.Equal(t, "operator", got["role"])
	})

	t.Run("RevokedToken", func(t *testing.T) {
		require.NoError(t, tokens.RevokeToken(access))
		resp, body := callWithAuth(t, app, "Bearer "+access)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "TOKEN_REVOKED", body.Error.Code)
	})
}

func TestWebhookToken(t *testing.T) {
	newApp := func(secret string) *fiber.App {
		app := fiber.New()
		app.Post("/hook", WebhookToken("X-Webhook-Token", secret), func(c fiber.Ctx) error {
			return c.SendStatus(fiber.StatusNoContent)
		})
		return app
	}

	tests := []struct {
		name   string
		secret string
		header string
		want   int
	}{
		{name: "matching token", secret: "s3cret", header: "s3cret", want: http.StatusNoContent},
		{name: "wrong token", secret: "s3cret", header: "guess", want: http.StatusUnauthorized},
		{name: "missing token", secret: "s3cret", want: http.StatusUnauthorized},
		{name: "unconfigured secret", secret: "", header: "", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/hook", nil)
			if tt.header != "" {
				req.Header.Set("X-Webhook-Token", tt.header)
			}
			resp, err := newApp(tt.secret).Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
