package models

import (
	"time"

	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IncomingMessage is a reply sent back by a recipient. It is never linked to a
// campaign by foreign key; correlation happens by phone number at read time.
type IncomingMessage struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	UUID              uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:uk_incoming_messages_uuid" json:"uuid"`
	FromPhone         string    `gorm:"size:20;not null;index:idx_incoming_messages_from_phone" json:"from_phone"`
	Body              string    `gorm:"type:text;not null" json:"body"`
	ProviderMessageID *string   `gorm:"size:128;uniqueIndex:uk_incoming_messages_provider_message_id" json:"provider_message_id,omitempty"`
	ReceivedAt        time.Time `gorm:"not null;index:idx_incoming_messages_received_at" json:"received_at"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
}

// TableName returns the table name for the model
func (IncomingMessage) TableName() string {
	return "incoming_messages"
}

// BeforeCreate is called before creating a new record
func (m *IncomingMessage) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = utils.UTCNow()
	}
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = m.CreatedAt
	}
	return nil
}

// IncomingMessageFilter provides filter fields for repository queries
type IncomingMessageFilter struct {
	ID             *uint
	UUID           *uuid.UUID
	FromPhone      *string
	ReceivedAfter  *time.Time
	ReceivedBefore *time.Time
}

// ReplyCorrelation is the best-effort link between a reply and the campaign that
// most recently messaged its sender
type ReplyCorrelation struct {
	CampaignID   uint
	CampaignUUID uuid.UUID
	CampaignName string
	MessageID    uint
	MessageUUID  uuid.UUID
	SentAt       *time.Time
}
