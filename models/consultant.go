package models

import (
	"time"

	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

// ConsultantStatus is the state assigned by the approval workflow
type ConsultantStatus string

const (
	ConsultantStatusPending  ConsultantStatus = "pending"
	ConsultantStatusApproved ConsultantStatus = "approved"
	ConsultantStatusRejected ConsultantStatus = "rejected"
)

// Consultant is a record owned by the approval workflow. This service only reads it.
type Consultant struct {
	ID         uint             `gorm:"primaryKey" json:"id"`
	UUID       uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex:uk_consultants_uuid" json:"uuid"`
	FullName   string           `gorm:"size:255;not null" json:"full_name"`
	Phone      string           `gorm:"size:32;not null" json:"phone"`
	Status     ConsultantStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_consultants_status" json:"status"`
	PromoterID *uint            `json:"promoter_id,omitempty"`
	Tags       pq.StringArray   `gorm:"type:text[]" json:"tags,omitempty"`
	ApprovedAt *time.Time       `json:"approved_at,omitempty"`
	CreatedAt  time.Time        `gorm:"not null" json:"created_at"`
}

// TableName returns the table name for the model
func (Consultant) TableName() string {
	return "consultants"
}

// BeforeCreate is called before creating a new record
func (c *Consultant) BeforeCreate(tx *gorm.DB) error {
	if c.UUID == uuid.Nil {
		c.UUID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = utils.UTCNow()
	}
	return nil
}

// IsApproved reports whether the approval workflow has approved the consultant
func (c *Consultant) IsApproved() bool {
	return c.Status == ConsultantStatusApproved
}

// ConsultantFilter represents filter criteria for consultants
type ConsultantFilter struct {
	UUIDs      []uuid.UUID
	Status     *ConsultantStatus
	PromoterID *uint
	Tag        *string
}

// Recipient is a deduplicated candidate ready to be attached to a campaign
type Recipient struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}
