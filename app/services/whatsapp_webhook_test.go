package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cloudWebhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_ID",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "1234567890"},
        "statuses": [
          {"id": "wamid.A", "status": "delivered", "timestamp": "1717000000", "recipient_id": "491701234567"},
          {"id": "wamid.B", "status": "failed", "timestamp": "1717000005", "recipient_id": "491707654321",
           "errors": [{"code": 131026, "title": "Message undeliverable", "error_data": {"details": "Receiver is incapable of receiving this message"}}]}
        ],
        "messages": [
          {"from": "491701234567", "id": "wamid.IN1", "timestamp": "1717000100", "type": "text", "text": {"body": "Yes, tell me more"}},
          {"from": "491701234567", "id": "wamid.IN2", "timestamp": "1717000200", "type": "button", "button": {"text": "Stop"}},
          {"from": "491707654321", "id": "wamid.IN3", "timestamp": "1717000300", "type": "image", "image": {"caption": "my card"}},
          {"from": "491707654321", "id": "wamid.IN4", "timestamp": "1717000400", "type": "sticker", "sticker": {}}
        ]
      }
    }]
  }]
}`

func TestParseCloudWebhook(t *testing.T) {
	statuses, messages := ParseCloudWebhook([]byte(cloudWebhookBody))

	require.Len(t, statuses, 2)
	assert.Equal(t, "wamid.A", statuses[0].ProviderMessageID)
	assert.Equal(t, "delivered", statuses[0].Status)
	assert.Equal(t, time.Unix(1717000000, 0).UTC(), statuses[0].Timestamp)
	assert.Equal(t, "491701234567", statuses[0].RecipientID)
	assert.Empty(t, statuses[0].ErrorCode)

	assert.Equal(t, "failed", statuses[1].Status)
	assert.Equal(t, "131026", statuses[1].ErrorCode)
	assert.Equal(t, "Receiver is incapable of receiving this message", statuses[1].ErrorMessage)

	require.Len(t, messages, 4)
	assert.Equal(t, "Yes, tell me more", messages[0].Body)
	assert.Equal(t, "wamid.IN1", messages[0].ProviderMessageID)
	assert.Equal(t, "491701234567", messages[0].From)
	assert.Equal(t, "Stop", messages[1].Body)
	assert.Equal(t, "my card", messages[2].Body)
	assert.Equal(t, "[sticker]", messages[3].Body)
}

func TestParseCloudWebhookIgnoresGarbage(t *testing.T) {
	statuses, messages := ParseCloudWebhook([]byte(`{"object":"page","entry":"nope"}`))
	assert.Empty(t, statuses)
	assert.Empty(t, messages)

	statuses, messages = ParseCloudWebhook([]byte(`not json`))
	assert.Empty(t, statuses)
	assert.Empty(t, messages)
}

func TestVerifyCloudSignature(t *testing.T) {
	secret := "app-secret"
	body := []byte(cloudWebhookBody)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.True(t, VerifyCloudSignature(secret, body, valid))
	assert.False(t, VerifyCloudSignature("other-secret", body, valid))
	assert.False(t, VerifyCloudSignature(secret, append(body, ' '), valid))
	assert.False(t, VerifyCloudSignature(secret, body, hex.EncodeToString(mac.Sum(nil))))
	assert.False(t, VerifyCloudSignature(secret, body, "sha256=zz"))
	assert.False(t, VerifyCloudSignature(secret, body, ""))
}
