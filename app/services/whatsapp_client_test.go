package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/amirphl/Kotodama/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCloudClient(t *testing.T, handler http.HandlerFunc) *WhatsAppCloudClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWhatsAppCloudClient(&config.WhatsAppConfig{
		Provider:      "cloud",
		BaseURL:       srv.URL,
		APIVersion:    "v21.0",
		PhoneNumberID: "1234567890",
		AccessToken:   "test-token",
		SendTimeout:   2 * time.Second,
	})
}

func TestWhatsAppCloudClientSend(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		var got cloudSendRequest
		client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/v21.0/1234567890/messages", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
			body, _ := io.ReadAll(r.Body)
			assert.NoError(t, json.Unmarshal(body, &got))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"input":"491701234567","wa_id":"491701234567"}],"messages":[{"id":"wamid.HBgM"}]}`))
		})

		res, err := client.Send(context.Background(), "491701234567", "Hello Ana")
		require.NoError(t, err)
		assert.Equal(t, "wamid.HBgM", res.ProviderMessageID)
		assert.False(t, res.AcceptedAt.IsZero())

		assert.Equal(t, "whatsapp", got.MessagingProduct)
		assert.Equal(t, "491701234567", got.To)
		assert.Equal(t, "text", got.Type)
		assert.Equal(t, "Hello Ana", got.Text.Body)
	})

	t.Run("AcceptedWithoutID", func(t *testing.T) {
		client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"messages":[]}`))
		})
		_, err := client.Send(context.Background(), "491701234567", "x")
		require.Error(t, err)
		assert.Equal(t, SendErrorPermanent, ClassifySendError(err))
	})

	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		wantKind   SendErrorKind
		wantCode   string
		wantWait   time.Duration
	}{
		{
			name:       "throttled by status",
			status:     http.StatusTooManyRequests,
			body:       `{"error":{"message":"Too many messages","code":130429}}`,
			retryAfter: "3",
			wantKind:   SendErrorRateLimited,
			wantCode:   "130429",
			wantWait:   3 * time.Second,
		},
		{
			name:     "throttled by code",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"Spam rate limit hit","code":131048}}`,
			wantKind: SendErrorRateLimited,
			wantCode: "131048",
		},
		{
			name:     "expired token",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Error validating access token","code":190}}`,
			wantKind: SendErrorUnauthorized,
			wantCode: "190",
		},
		{
			name:     "permission code",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"Permission denied","code":200}}`,
			wantKind: SendErrorUnauthorized,
			wantCode: "200",
		},
		{
			name:     "server error",
			status:   http.StatusBadGateway,
			body:     `<html>bad gateway</html>`,
			wantKind: SendErrorTransient,
		},
		{
			name:     "temporary provider code",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"Something went wrong","code":131000}}`,
			wantKind: SendErrorTransient,
			wantCode: "131000",
		},
		{
			name:     "invalid recipient",
			status:   http.StatusBadRequest,
			body:     `{"error":{"message":"Invalid parameter","code":100,"error_data":{"details":"Recipient phone number not in allowed list"}}}`,
			wantKind: SendErrorPermanent,
			wantCode: "100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Send(context.Background(), "491701234567", "x")
			require.Error(t, err)

			var se *SendError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.wantKind, se.Kind)
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, tt.wantCode, se.Code)
			assert.Equal(t, tt.wantWait, se.RetryAfter)
			assert.NotEmpty(t, se.Message)
		})
	}
}

func TestWhatsAppCloudClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewWhatsAppCloudClient(&config.WhatsAppConfig{BaseURL: url, APIVersion: "v21.0", PhoneNumberID: "1", SendTimeout: time.Second})
	_, err := client.Send(context.Background(), "491701234567", "x")
	require.Error(t, err)
	assert.Equal(t, SendErrorTransient, ClassifySendError(err))
}

func TestWhatsAppCloudClientPing(t *testing.T) {
	client := newTestCloudClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v21.0/1234567890", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"id":"1234567890"}`))
	})
	require.NoError(t, client.Ping(context.Background()))

	client.config.AccessToken = "revoked"
	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.Equal(t, SendErrorUnauthorized, ClassifySendError(err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Equal(t, 7*time.Second, parseRetryAfter(" 7 "))

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	wait := parseRetryAfter(future)
	assert.Greater(t, wait, 20*time.Second)
	assert.LessOrEqual(t, wait, 30*time.Second)
}

func TestMockMessagingChannel(t *testing.T) {
	ch := NewMessagingChannel(&config.WhatsAppConfig{Provider: "mock"})
	mock, ok := ch.(*MockMessagingChannel)
	require.True(t, ok)

	res, err := mock.Send(context.Background(), "491701234567", "hi")
	require.NoError(t, err)
	assert.Contains(t, res.ProviderMessageID, "mock.")
	require.Len(t, mock.GetSentMessages(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = mock.Send(ctx, "491701234567", "hi")
	assert.Error(t, err)
	assert.Error(t, mock.Ping(ctx))
}
