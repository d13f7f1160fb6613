package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageStatus enumerates the delivery status of one outbound message
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// AllMessageStatuses lists every message status in progression order
var AllMessageStatuses = []MessageStatus{
	MessageStatusPending,
	MessageStatusSent,
	MessageStatusDelivered,
	MessageStatusRead,
	MessageStatusFailed,
}

// String returns the string representation of the status
func (s MessageStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusSent, MessageStatusDelivered,
		MessageStatusRead, MessageStatusFailed:
		return true
	default:
		return false
	}
}

// Rank orders the delivery progression. failed has no rank of its own.
func (s MessageStatus) Rank() int {
	switch s {
	case MessageStatusPending:
		return 0
	case MessageStatusSent:
		return 1
	case MessageStatusDelivered:
		return 2
	case MessageStatusRead:
		return 3
	default:
		return -1
	}
}

// Predecessors returns the statuses a message may hold for a move to s to apply.
// The result is what the conditional UPDATE matches against.
func (s MessageStatus) Predecessors() []MessageStatus {
	switch s {
	case MessageStatusSent:
		return []MessageStatus{MessageStatusPending}
	case MessageStatusDelivered:
		return []MessageStatus{MessageStatusPending, MessageStatusSent}
	case MessageStatusRead:
		return []MessageStatus{MessageStatusPending, MessageStatusSent, MessageStatusDelivered}
	case MessageStatusFailed:
		return []MessageStatus{MessageStatusPending, MessageStatusSent}
	default:
		return nil
	}
}

// CanAdvanceTo reports whether a message in status s may move to next
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	for _, p := range next.Predecessors() {
		if p == s {
			return true
		}
	}
	return false
}

// IsResolved reports whether the message has left pending
func (s MessageStatus) IsResolved() bool {
	return s.Valid() && s != MessageStatusPending
}

// Scan implements the sql.Scanner interface for MessageStatus
func (s *MessageStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = MessageStatus(v)
	case []byte:
		*s = MessageStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into MessageStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for MessageStatus
func (s MessageStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid MessageStatus: %s", s)
	}
	return string(s), nil
}

// Message is one outbound send to one recipient within one campaign
type Message struct {
	ID                uint          `gorm:"primaryKey" json:"id"`
	UUID              uuid.UUID     `gorm:"type:uuid;not null;uniqueIndex:uk_messages_uuid" json:"uuid"`
	CampaignID        uint          `gorm:"not null;uniqueIndex:uk_messages_campaign_phone,priority:1;index:idx_messages_campaign_status,priority:1" json:"campaign_id"`
	RecipientPhone    string        `gorm:"size:20;not null;uniqueIndex:uk_messages_campaign_phone,priority:2;index:idx_messages_recipient_phone" json:"recipient_phone"`
	RecipientName     string        `gorm:"size:255;not null" json:"recipient_name"`
	ConsultantID      *string       `gorm:"size:64" json:"consultant_id,omitempty"`
	Status            MessageStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_messages_campaign_status,priority:2" json:"status"`
	ProviderMessageID *string       `gorm:"size:128;uniqueIndex:uk_messages_provider_message_id" json:"provider_message_id,omitempty"`
	Attempts          int           `gorm:"not null;default:0" json:"attempts"`
	LastError         *string       `gorm:"type:text" json:"last_error,omitempty"`
	ErrorCode         *string       `gorm:"size:64" json:"error_code,omitempty"`
	SentAt            *time.Time    `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time    `json:"delivered_at,omitempty"`
	ReadAt            *time.Time    `json:"read_at,omitempty"`
	FailedAt          *time.Time    `json:"failed_at,omitempty"`
	CreatedAt         time.Time     `gorm:"not null;index:idx_messages_created_at" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"not null" json:"updated_at"`

	Campaign *Campaign `gorm:"foreignKey:CampaignID;references:ID" json:"campaign,omitempty"`
}

// TableName returns the table name for the model
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate is called before creating a new record
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.Status == "" {
		m.Status = MessageStatusPending
	}
	now := utils.UTCNow()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	return nil
}

// StatusTimestampColumn names the column stamped when a message reaches status
func StatusTimestampColumn(status MessageStatus) string {
	switch status {
	case MessageStatusSent:
		return "sent_at"
	case MessageStatusDelivered:
		return "delivered_at"
	case MessageStatusRead:
		return "read_at"
	case MessageStatusFailed:
		return "failed_at"
	default:
		return ""
	}
}

// MessageFilter provides filter fields for repository queries
type MessageFilter struct {
	ID                *uint
	UUID              *uuid.UUID
	CampaignID        *uint
	RecipientPhone    *string
	Status            *MessageStatus
	ProviderMessageID *string
	CreatedAfter      *time.Time
	CreatedBefore     *time.Time
}

// MessageStatusTransition is the outcome of a conditional status update
type MessageStatusTransition string

const (
	TransitionApplied  MessageStatusTransition = "applied"
	TransitionStale    MessageStatusTransition = "stale"
	TransitionNotFound MessageStatusTransition = "not_found"
)

// StatusCount is one row of a per-status aggregate
type StatusCount struct {
	Status MessageStatus
	Count  int64
}
