package dto

import "time"

// DeliveryStatusEvent is one provider-agnostic delivery receipt
type DeliveryStatusEvent struct {
	ProviderMessageID string     `json:"provider_message_id" validate:"required,max=128"`
	Status            string     `json:"status" validate:"required,oneof=sent delivered read failed"`
	ObservedAt        *time.Time `json:"observed_at,omitempty"`
	ErrorCode         string     `json:"error_code,omitempty" validate:"max=64"`
	ErrorMessage      string     `json:"error_message,omitempty"`
}

// DeliveryStatusRequest carries a batch of receipts
type DeliveryStatusRequest struct {
	Events []DeliveryStatusEvent `json:"events" validate:"required,min=1,max=1000,dive"`
}

// InboundReplyEvent is one provider-agnostic inbound reply
type InboundReplyEvent struct {
	ProviderMessageID string     `json:"provider_message_id,omitempty" validate:"max=128"`
	From              string     `json:"from" validate:"required,phone_digits"`
	Body              string     `json:"body"`
	ReceivedAt        *time.Time `json:"received_at,omitempty"`
}

// InboundReplyRequest carries a batch of inbound replies
type InboundReplyRequest struct {
	Messages []InboundReplyEvent `json:"messages" validate:"required,min=1,max=1000,dive"`
}

// IngestSummary reports what a webhook batch did
type IngestSummary struct {
	Received   int `json:"received"`
	Applied    int `json:"applied"`
	Stale      int `json:"stale"`
	Unknown    int `json:"unknown"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}
