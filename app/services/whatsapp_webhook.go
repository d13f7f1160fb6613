package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// CloudStatusUpdate is one entry of value.statuses in a Cloud API webhook
type CloudStatusUpdate struct {
	ProviderMessageID string
	Status            string
	Timestamp         time.Time
	RecipientID       string
	ErrorCode         string
	ErrorMessage      string
}

// CloudInboundMessage is one entry of value.messages in a Cloud API webhook
type CloudInboundMessage struct {
	ProviderMessageID string
	From              string
	Body              string
	Timestamp         time.Time
}

// VerifyCloudSignature checks X-Hub-Signature-256 ("sha256=<hex>") against the raw body
func VerifyCloudSignature(appSecret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// ParseCloudWebhook extracts status updates and inbound messages from a webhook body.
// Unknown change fields and message types without text are kept with a placeholder body.
func ParseCloudWebhook(body []byte) ([]CloudStatusUpdate, []CloudInboundMessage) {
	var statuses []CloudStatusUpdate
	var inbound []CloudInboundMessage

	gjson.GetBytes(body, "entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			value.Get("statuses").ForEach(func(_, st gjson.Result) bool {
				u := CloudStatusUpdate{
					ProviderMessageID: st.Get("id").String(),
					Status:            st.Get("status").String(),
					Timestamp:         unixSeconds(st.Get("timestamp")),
					RecipientID:       st.Get("recipient_id").String(),
				}
				if e := st.Get("errors.0"); e.Exists() {
					u.ErrorCode = e.Get("code").String()
					u.ErrorMessage = firstNonEmpty(e.Get("error_data.details").String(), e.Get("message").String(), e.Get("title").String())
				}
				statuses = append(statuses, u)
				return true
			})
			value.Get("messages").ForEach(func(_, m gjson.Result) bool {
				inbound = append(inbound, CloudInboundMessage{
					ProviderMessageID: m.Get("id").String(),
					From:              m.Get("from").String(),
					Body:              inboundBody(m),
					Timestamp:         unixSeconds(m.Get("timestamp")),
				})
				return true
			})
			return true
		})
		return true
	})

	return statuses, inbound
}

func inboundBody(m gjson.Result) string {
	switch m.Get("type").String() {
	case "text":
		return m.Get("text.body").String()
	case "button":
		return m.Get("button.text").String()
	case "interactive":
		return firstNonEmpty(m.Get("interactive.button_reply.title").String(), m.Get("interactive.list_reply.title").String())
	default:
		kind := m.Get("type").String()
		if caption := m.Get(kind + ".caption").String(); caption != "" {
			return caption
		}
		return "[" + kind + "]"
	}
}

func unixSeconds(r gjson.Result) time.Time {
	if !r.Exists() || r.Int() <= 0 {
		return time.Time{}
	}
	return time.Unix(r.Int(), 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
