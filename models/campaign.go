package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignStatus represents the lifecycle status of a campaign
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusSent      CampaignStatus = "sent"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// String returns the string representation of the status
func (s CampaignStatus) String() string {
	return string(s)
}

// Valid checks if the status is valid
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusScheduled, CampaignStatusSending,
		CampaignStatusSent, CampaignStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further dispatch can happen without operator action
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignStatusSent || s == CampaignStatusFailed
}

// Scan implements the sql.Scanner interface for CampaignStatus
func (s *CampaignStatus) Scan(value any) error {
	if value == nil {
		*s = ""
		return nil
	}

	switch v := value.(type) {
	case string:
		*s = CampaignStatus(v)
	case []byte:
		*s = CampaignStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into CampaignStatus", value)
	}

	return nil
}

// Value implements the driver.Valuer interface for CampaignStatus
func (s CampaignStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid CampaignStatus: %s", s)
	}
	return string(s), nil
}

// DispatchableCampaignStatuses are the statuses a dispatch may start from
var DispatchableCampaignStatuses = []CampaignStatus{CampaignStatusDraft, CampaignStatusScheduled}

// Campaign is a named batch of outbound messages sharing one template
type Campaign struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uk_campaigns_uuid" json:"uuid"`
	Name       string         `gorm:"size:255;not null" json:"name"`
	Template   string         `gorm:"type:text;not null" json:"template"`
	Status     CampaignStatus `gorm:"type:varchar(20);not null;default:'draft';index:idx_campaigns_status" json:"status"`
	ScheduleAt *time.Time     `gorm:"index:idx_campaigns_schedule_at" json:"schedule_at,omitempty"`
	CreatedBy  *string        `gorm:"size:64" json:"created_by,omitempty"`
	FailReason *string        `gorm:"type:text" json:"fail_reason,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;index:idx_campaigns_created_at" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"not null" json:"updated_at"`

	Messages []Message `gorm:"foreignKey:CampaignID;references:ID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName returns the table name for the model
func (Campaign) TableName() string {
	return "campaigns"
}

// BeforeCreate is called before creating a new record
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.Status == "" {
		c.Status = CampaignStatusDraft
	}
	now := utils.UTCNow()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	return nil
}

// AcceptsRecipients reports whether recipients may still be attached
func (c *Campaign) AcceptsRecipients() bool {
	return c.Status == CampaignStatusDraft
}

// CanTransitionTo checks if the campaign can transition to the given status
func (c *Campaign) CanTransitionTo(newStatus CampaignStatus) bool {
	return CanCampaignTransition(c.Status, newStatus)
}

// CanCampaignTransition is the campaign state machine
func CanCampaignTransition(from, to CampaignStatus) bool {
	switch from {
	case CampaignStatusDraft:
		return to == CampaignStatusScheduled || to == CampaignStatusSending
	case CampaignStatusScheduled:
		return to == CampaignStatusDraft || to == CampaignStatusSending
	case CampaignStatusSending:
		return to == CampaignStatusSent || to == CampaignStatusFailed
	case CampaignStatusFailed:
		// manual retry resets the campaign so it can be dispatched again
		return to == CampaignStatusDraft
	default:
		return false
	}
}

// CampaignFilter represents filter criteria for campaigns
type CampaignFilter struct {
	ID             *uint           `json:"id,omitempty"`
	UUID           *uuid.UUID      `json:"uuid,omitempty"`
	Status         *CampaignStatus `json:"status,omitempty"`
	Name           *string         `json:"name,omitempty"`
	CreatedBy      *string         `json:"created_by,omitempty"`
	CreatedAfter   *time.Time      `json:"created_after,omitempty"`
	CreatedBefore  *time.Time      `json:"created_before,omitempty"`
	ScheduleBefore *time.Time      `json:"schedule_before,omitempty"`
}
