package router

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/app/handlers"
	"github.com/amirphl/Kotodama/app/middleware"
	"github.com/amirphl/Kotodama/app/services"
	"github.com/amirphl/Kotodama/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) Router {
	t.Helper()
	cfg := &config.ProductionConfig{
		Server: config.ServerConfig{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			BodyLimit:    1 << 20,
		},
		Security: config.SecurityConfig{
			AllowedOrigins:   []string{"http://localhost:3000"},
			AllowedMethods:   []string{"GET", "POST"},
			AllowedHeaders:   []string{"Content-Type", "Authorization"},
			GlobalRateLimit:  100,
			WebhookRateLimit: 100,
			RateLimitWindow:  time.Minute,
			XFrameOptions:    "DENY",
		},
		Webhook: config.WebhookConfig{SharedToken: "shared", TokenHeader: "X-Webhook-Token"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	tokens, err := services.NewTokenService(time.Minute, time.Hour, "kotodama", "operators", false, "", "", "router-test-secret-router-test-secret")
	require.NoError(t, err)

	r := NewFiberRouter(
		cfg,
		handlers.NewCampaignHandler(nil, nil),
		handlers.NewReplyHandler(nil),
		handlers.NewWebhookHandler(nil, nil, config.WhatsAppConfig{}),
		handlers.NewAuthHandler(tokens, time.Minute),
		middleware.NewAuthMiddleware(tokens),
	)
	r.SetupRoutes()
	return r
}

func TestRouterSurface(t *testing.T) {
	app := newTestRouter(t).GetApp()

	t.Run("Health", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	})

	t.Run("Metrics", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("OperatorRoutesRequireToken", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/campaigns", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("RefreshSkipsBearerCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", strings.NewReader(`{}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("LogoutRequiresToken", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v1/auth/logout", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("GenericWebhooksRequireSharedToken", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/webhooks/delivery-status", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("VerificationWithoutTokenIsForbidden", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=x", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("UnknownRoute", func(t *testing.T) {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/nope", nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body dto.APIResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.False(t, body.Success)
	})
}
