package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/app/services"
	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/amirphl/Kotodama/config"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code    string          `json:"code"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

// fakeCampaignFlow embeds the interface so tests only stub what they call
type fakeCampaignFlow struct {
	businessflow.CampaignFlow
	created     *dto.CreateCampaignRequest
	dispatchErr error
}

func (f *fakeCampaignFlow) CreateCampaign(_ context.Context, req *dto.CreateCampaignRequest, _ *businessflow.ClientMetadata) (*dto.CampaignDTO, error) {
	f.created = req
	return &dto.CampaignDTO{UUID: "c-1", Name: req.Name, Template: req.Template, Status: "draft"}, nil
}

func (f *fakeCampaignFlow) DispatchCampaign(_ context.Context, campaignUUID string, _ *businessflow.ClientMetadata) (*dto.DispatchResponse, error) {
	if f.dispatchErr != nil {
		return nil, f.dispatchErr
	}
	return &dto.DispatchResponse{Campaign: dto.CampaignDTO{UUID: campaignUUID, Status: "sending"}, Pending: 3}, nil
}

type fakeReportFlow struct{}

func (fakeReportFlow) ExportCampaignReport(_ context.Context, campaignUUID string) (string, []byte, error) {
	if campaignUUID != "c-1" {
		return "", nil, businessflow.NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", businessflow.ErrCampaignNotFound)
	}
	return "spring_20260101.xlsx", []byte("xlsx-bytes"), nil
}

type fakeDeliveryFlow struct {
	businessflow.DeliveryStatusFlow
	cloud    []services.CloudStatusUpdate
	cloudErr error
	batch    *dto.DeliveryStatusRequest
}

func (f *fakeDeliveryFlow) IngestBatch(_ context.Context, req *dto.DeliveryStatusRequest) (*dto.IngestSummary, error) {
	f.batch = req
	return &dto.IngestSummary{Received: len(req.Events), Applied: len(req.Events)}, nil
}

func (f *fakeDeliveryFlow) IngestCloudStatuses(_ context.Context, updates []services.CloudStatusUpdate) (*dto.IngestSummary, error) {
	f.cloud = updates
	if f.cloudErr != nil {
		return &dto.IngestSummary{Received: len(updates)}, f.cloudErr
	}
	return &dto.IngestSummary{Received: len(updates), Applied: len(updates)}, nil
}

type fakeReplyFlow struct {
	businessflow.InboundReplyFlow
	cloud    []services.CloudInboundMessage
	cloudErr error
}

func (f *fakeReplyFlow) RecordCloudMessages(_ context.Context, messages []services.CloudInboundMessage) (*dto.IngestSummary, error) {
	f.cloud = messages
	if f.cloudErr != nil {
		return &dto.IngestSummary{Received: len(messages)}, f.cloudErr
	}
	return &dto.IngestSummary{Received: len(messages), Applied: len(messages)}, nil
}

func (f *fakeReplyFlow) GetReply(_ context.Context, replyUUID string) (*dto.ReplyDTO, error) {
	return nil, businessflow.NewBusinessError("REPLY_NOT_FOUND", "Reply not found", businessflow.ErrReplyNotFound)
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any, headers map[string]string) (*http.Response, apiResponse) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	var out apiResponse
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestCampaignHandlerCreate(t *testing.T) {
	flow := &fakeCampaignFlow{}
	h := NewCampaignHandler(flow, fakeReportFlow{})
	app := fiber.New()
	app.Post("/campaigns", h.CreateCampaign)

	t.Run("MalformedBody", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/campaigns", `{"name":`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "INVALID_REQUEST", body.Error.Code)
	})

	t.Run("ValidationFailure", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/campaigns", dto.CreateCampaignRequest{Name: "spring"}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
		assert.Contains(t, string(body.Error.Details), "Template is required")
	})

	t.Run("Created", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/campaigns", dto.CreateCampaignRequest{Name: "spring", Template: "Hi {name}"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.True(t, body.Success)
		var campaign dto.CampaignDTO
		require.NoError(t, json.Unmarshal(body.Data, &campaign))
		assert.Equal(t, "spring", campaign.Name)
		assert.Equal(t, "Hi {name}", flow.created.Template)
	})
}

func TestCampaignHandlerDispatchErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"accepted", nil, http.StatusAccepted, ""},
		{"not found", businessflow.NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", businessflow.ErrCampaignNotFound), http.StatusNotFound, "CAMPAIGN_NOT_FOUND"},
		{"conflict", businessflow.NewBusinessError("CAMPAIGN_DISPATCH_CONFLICT", "Campaign is not dispatchable", businessflow.ErrConflict), http.StatusConflict, "CAMPAIGN_DISPATCH_CONFLICT"},
		{"invalid state", businessflow.NewBusinessError("CAMPAIGN_NOT_DRAFT", "Campaign is not a draft", businessflow.ErrInvalidState), http.StatusConflict, "CAMPAIGN_NOT_DRAFT"},
		{"no recipients", businessflow.NewBusinessError("CAMPAIGN_NO_RECIPIENTS", "Campaign has no recipients", businessflow.ErrNoRecipients), http.StatusUnprocessableEntity, "CAMPAIGN_NO_RECIPIENTS"},
		{"channel down", businessflow.NewBusinessError("CHANNEL_UNAVAILABLE", "Channel unavailable", businessflow.ErrChannelUnavailable), http.StatusServiceUnavailable, "CHANNEL_UNAVAILABLE"},
		{"bad input", businessflow.NewBusinessError("CAMPAIGN_UUID_REQUIRED", "Campaign UUID is required", businessflow.ErrCampaignUUIDRequired), http.StatusBadRequest, "CAMPAIGN_UUID_REQUIRED"},
		{"unexpected", errors.New("database is on fire"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewCampaignHandler(&fakeCampaignFlow{dispatchErr: tt.err}, fakeReportFlow{})
			app := fiber.New()
			app.Post("/campaigns/:uuid/dispatch", h.DispatchCampaign)

			resp, body := doJSON(t, app, http.MethodPost, "/campaigns/c-1/dispatch", nil, nil)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
			if tt.err == nil {
				var out dto.DispatchResponse
				require.NoError(t, json.Unmarshal(body.Data, &out))
				assert.Equal(t, "c-1", out.Campaign.UUID)
				assert.Equal(t, 3, out.Pending)
				return
			}
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantErr, body.Error.Code)
			assert.NotContains(t, body.Message, "database is on fire")
		})
	}
}

func TestCampaignHandlerDownloadReport(t *testing.T) {
	h := NewCampaignHandler(&fakeCampaignFlow{}, fakeReportFlow{})
	app := fiber.New()
	app.Get("/campaigns/:uuid/report", h.DownloadReport)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/campaigns/c-1/report", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "attachment; filename=spring_20260101.xlsx", resp.Header.Get("Content-Disposition"))
	data, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "xlsx-bytes", string(data))

	resp, body := doJSON(t, app, http.MethodGet, "/campaigns/c-404/report", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "CAMPAIGN_NOT_FOUND", body.Error.Code)
}

func TestReplyHandlerGetReplyNotFound(t *testing.T) {
	h := NewReplyHandler(&fakeReplyFlow{})
	app := fiber.New()
	app.Get("/replies/:uuid", h.GetReply)

	resp, body := doJSON(t, app, http.MethodGet, "/replies/r-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "REPLY_NOT_FOUND", body.Error.Code)
}

func newWebhookApp(delivery *fakeDeliveryFlow, replies *fakeReplyFlow) *fiber.App {
	h := NewWebhookHandler(delivery, replies, config.WhatsAppConfig{
		VerifyToken: "verify-me",
		AppSecret:   "app-secret",
	})
	app := fiber.New()
	app.Get("/webhooks/whatsapp", h.VerifyWhatsApp)
	app.Post("/webhooks/whatsapp", h.ReceiveWhatsApp)
	app.Post("/webhooks/delivery-status", h.ReceiveDeliveryStatus)
	app.Post("/webhooks/inbound", h.ReceiveInbound)
	return app
}

func TestWebhookHandlerVerify(t *testing.T) {
	app := newWebhookApp(&fakeDeliveryFlow{}, &fakeReplyFlow{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "1158201444", string(body))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhookHandlerReceiveWhatsApp(t *testing.T) {
	delivery := &fakeDeliveryFlow{}
	replies := &fakeReplyFlow{}
	app := newWebhookApp(delivery, replies)

	payload := `{"entry":[{"changes":[{"value":{` +
		`"statuses":[{"id":"wamid.A","status":"read","timestamp":"1717000000","recipient_id":"491701234567"}],` +
		`"messages":[{"from":"491701234567","id":"wamid.IN","timestamp":"1717000100","type":"text","text":{"body":"yes"}}]}}]}]}`
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(payload))
	signature := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	t.Run("BadSignature", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", payload, map[string]string{"X-Hub-Signature-256": "sha256=00"})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "INVALID_SIGNATURE", body.Error.Code)
		assert.Nil(t, delivery.cloud)
	})

	t.Run("Signed", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", payload, map[string]string{"X-Hub-Signature-256": signature})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, body.Success)
		require.Len(t, delivery.cloud, 1)
		assert.Equal(t, "read", delivery.cloud[0].Status)
		require.Len(t, replies.cloud, 1)
		assert.Equal(t, "yes", replies.cloud[0].Body)
	})

	storeDown := businessflow.NewBusinessError("DELIVERY_RECEIPT_APPLY_FAILED", "Failed to apply delivery receipt", errors.New("no such table: messages"))

	t.Run("StatusStoreFailureIsRedelivered", func(t *testing.T) {
		failing := &fakeReplyFlow{}
		app := newWebhookApp(&fakeDeliveryFlow{cloudErr: storeDown}, failing)

		resp, body := doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", payload, map[string]string{"X-Hub-Signature-256": signature})
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.False(t, body.Success)
		assert.Equal(t, "DELIVERY_RECEIPT_APPLY_FAILED", body.Error.Code)
		assert.Nil(t, failing.cloud)
	})

	t.Run("ReplyStoreFailureIsRedelivered", func(t *testing.T) {
		app := newWebhookApp(&fakeDeliveryFlow{}, &fakeReplyFlow{
			cloudErr: businessflow.NewBusinessError("INBOUND_REPLY_STORE_FAILED", "Failed to store inbound reply", errors.New("disk full")),
		})

		resp, body := doJSON(t, app, http.MethodPost, "/webhooks/whatsapp", payload, map[string]string{"X-Hub-Signature-256": signature})
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "INBOUND_REPLY_STORE_FAILED", body.Error.Code)
	})
}

func TestWebhookHandlerReceiveDeliveryStatus(t *testing.T) {
	delivery := &fakeDeliveryFlow{}
	app := newWebhookApp(delivery, &fakeReplyFlow{})

	t.Run("UnknownStatusRejected", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/webhooks/delivery-status", dto.DeliveryStatusRequest{
			Events: []dto.DeliveryStatusEvent{{ProviderMessageID: "wamid.1", Status: "bounced"}},
		}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)
		assert.Contains(t, string(body.Error.Details), "must be one of")
	})

	t.Run("EmptyBatchRejected", func(t *testing.T) {
		resp, _ := doJSON(t, app, http.MethodPost, "/webhooks/delivery-status", dto.DeliveryStatusRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Accepted", func(t *testing.T) {
		resp, body := doJSON(t, app, http.MethodPost, "/webhooks/delivery-status", dto.DeliveryStatusRequest{
			Events: []dto.DeliveryStatusEvent{
				{ProviderMessageID: "wamid.1", Status: "delivered"},
				{ProviderMessageID: "wamid.2", Status: "failed", ErrorCode: "131026"},
			},
		}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var summary dto.IngestSummary
		require.NoError(t, json.Unmarshal(body.Data, &summary))
		assert.Equal(t, 2, summary.Received)
		require.NotNil(t, delivery.batch)
		assert.Equal(t, "131026", delivery.batch.Events[1].ErrorCode)
	})
}

func TestWebhookHandlerReceiveInboundValidation(t *testing.T) {
	app := newWebhookApp(&fakeDeliveryFlow{}, &fakeReplyFlow{})

	resp, body := doJSON(t, app, http.MethodPost, "/webhooks/inbound", dto.InboundReplyRequest{
		Messages: []dto.InboundReplyEvent{{From: "12", Body: "hi"}},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body.Error.Details), "international phone number")
}
