// Package services provides external service integrations and technical concerns like messaging channels and tokens
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/Kotodama/config"
	"github.com/amirphl/Kotodama/utils"
	"github.com/tidwall/gjson"
)

// SendErrorKind classifies an outbound failure for the dispatcher's retry policy
type SendErrorKind string

const (
	SendErrorTransient    SendErrorKind = "transient"
	SendErrorPermanent    SendErrorKind = "permanent"
	SendErrorRateLimited  SendErrorKind = "rate_limited"
	SendErrorUnauthorized SendErrorKind = "unauthorized"
)

// SendError is returned by a MessagingChannel when the provider did not accept a message
type SendError struct {
	Kind       SendErrorKind
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// ClassifySendError maps any send error to a kind. Errors that are not a *SendError
// (timeouts, dropped connections) are transient.
func ClassifySendError(err error) SendErrorKind {
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	return SendErrorTransient
}

// SendResult is the provider's acceptance of one message
type SendResult struct {
	ProviderMessageID string
	AcceptedAt        time.Time
}

// MessagingChannel is the outbound channel campaigns are sent through
type MessagingChannel interface {
	Send(ctx context.Context, phone, text string) (*SendResult, error)
	// Ping verifies the channel is reachable and the credentials are accepted
	Ping(ctx context.Context) error
}

// WhatsAppCloudClient talks to the WhatsApp Business Cloud API
type WhatsAppCloudClient struct {
	config *config.WhatsAppConfig
	client *http.Client
}

type cloudTextBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

// cloudSendRequest is the payload for POST /{version}/{phone_number_id}/messages
type cloudSendRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             cloudTextBody `json:"text"`
}

// NewWhatsAppCloudClient creates a Cloud API client. Per-request deadlines come from ctx.
func NewWhatsAppCloudClient(cfg *config.WhatsAppConfig) *WhatsAppCloudClient {
	return &WhatsAppCloudClient{
		config: cfg,
		client: &http.Client{
			Timeout: cfg.SendTimeout * 2,
		},
	}
}

// NewMessagingChannel picks the channel implementation from configuration
func NewMessagingChannel(cfg *config.WhatsAppConfig) MessagingChannel {
	if cfg.Provider == "mock" {
		return NewMockMessagingChannel()
	}
	return NewWhatsAppCloudClient(cfg)
}

func (c *WhatsAppCloudClient) endpoint(parts ...string) string {
	base := strings.TrimRight(c.config.BaseURL, "/")
	return base + "/" + strings.Join(append([]string{c.config.APIVersion, c.config.PhoneNumberID}, parts...), "/")
}

// Send submits a text message and returns the provider message id (wamid)
func (c *WhatsAppCloudClient) Send(ctx context.Context, phone, text string) (*SendResult, error) {
	payload := cloudSendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               phone,
		Type:             "text",
		Text:             cloudTextBody{PreviewURL: c.config.PreviewURL, Body: text},
	}
	requestBody, err := json.Marshal(payload)
	if err != nil {
		return nil, &SendError{Kind: SendErrorPermanent, Message: "failed to marshal send request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("messages"), bytes.NewReader(requestBody))
	if err != nil {
		return nil, &SendError{Kind: SendErrorPermanent, Message: "failed to create HTTP request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

	body, resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, classifyCloudError(resp, body)
	}

	id := gjson.GetBytes(body, "messages.0.id").String()
	if id == "" {
		// accepted without an id: nothing to correlate receipts with, retrying may duplicate
		return nil, &SendError{Kind: SendErrorPermanent, StatusCode: resp.StatusCode, Message: "response carries no message id"}
	}

	return &SendResult{ProviderMessageID: id, AcceptedAt: utils.UTCNow()}, nil
}

// Ping reads the configured phone number, which fails fast on bad credentials
func (c *WhatsAppCloudClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+"?fields=id", nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

	body, resp, err := c.do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return classifyCloudError(resp, body)
	}
	return nil
}

func (c *WhatsAppCloudClient) do(req *http.Request) ([]byte, *http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		msg := "request failed"
		if errors.As(err, &netErr) && netErr.Timeout() {
			msg = "request timed out"
		}
		return nil, nil, &SendError{Kind: SendErrorTransient, Message: msg, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, &SendError{Kind: SendErrorTransient, StatusCode: resp.StatusCode, Message: "failed to read response", Err: err}
	}
	return body, resp, nil
}

// Graph API error codes that override the HTTP status classification
var (
	cloudRateLimitCodes    = map[int64]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}
	cloudUnauthorizedCodes = map[int64]bool{0: true, 10: true, 190: true}
	cloudTransientCodes    = map[int64]bool{1: true, 2: true, 131000: true, 131016: true, 133004: true}
)

func classifyCloudError(resp *http.Response, body []byte) *SendError {
	se := &SendError{StatusCode: resp.StatusCode}

	apiErr := gjson.GetBytes(body, "error")
	code := apiErr.Get("code")
	if code.Exists() {
		se.Code = code.String()
	}
	se.Message = apiErr.Get("message").String()
	if details := apiErr.Get("error_data.details").String(); details != "" {
		se.Message = strings.TrimSpace(se.Message + " " + details)
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}
	se.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))

	c := code.Int()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || (code.Exists() && cloudRateLimitCodes[c]):
		se.Kind = SendErrorRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		(code.Exists() && (cloudUnauthorizedCodes[c] || (c >= 200 && c < 300))):
		se.Kind = SendErrorUnauthorized
	case resp.StatusCode >= 500 || (code.Exists() && cloudTransientCodes[c]):
		se.Kind = SendErrorTransient
	default:
		se.Kind = SendErrorPermanent
	}
	return se
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// MockMessagingChannel accepts every message and logs it, for local runs
type MockMessagingChannel struct {
	mu   sync.Mutex
	sent []MockSentMessage
}

// MockSentMessage represents a message accepted by the mock channel
type MockSentMessage struct {
	Phone             string
	Text              string
	ProviderMessageID string
	SentAt            time.Time
}

// NewMockMessagingChannel creates a new mock channel
func NewMockMessagingChannel() *MockMessagingChannel {
	return &MockMessagingChannel{}
}

func (m *MockMessagingChannel) Send(ctx context.Context, phone, text string) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id, err := generateTokenID()
	if err != nil {
		return nil, &SendError{Kind: SendErrorTransient, Err: err}
	}
	msg := MockSentMessage{Phone: phone, Text: text, ProviderMessageID: "mock." + id, SentAt: utils.UTCNow()}

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()

	fmt.Println("Mock WhatsApp message sent:", msg.Phone, msg.ProviderMessageID)
	return &SendResult{ProviderMessageID: msg.ProviderMessageID, AcceptedAt: msg.SentAt}, nil
}

func (m *MockMessagingChannel) Ping(ctx context.Context) error {
	return ctx.Err()
}

// GetSentMessages returns a copy of every accepted message
func (m *MockMessagingChannel) GetSentMessages() []MockSentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockSentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
