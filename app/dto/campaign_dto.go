package dto

import "time"

// CreateCampaignRequest represents the request to create a draft campaign
type CreateCampaignRequest struct {
	Name     string `json:"name" validate:"required,min=1,max=255"`
	Template string `json:"template" validate:"required,min=1,max=4096"`
}

// CampaignDTO is the API representation of a campaign
type CampaignDTO struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Template   string `json:"template"`
	Status     string `json:"status"`
	ScheduleAt string `json:"schedule_at,omitempty"`
	CreatedBy  string `json:"created_by,omitempty"`
	FailReason string `json:"fail_reason,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// RecipientInput is one recipient supplied by an operator
type RecipientInput struct {
	Name  string `json:"name" validate:"max=255"`
	Phone string `json:"phone" validate:"required,phone_digits"`
}

// AddRecipientsRequest attaches recipients to a draft campaign
type AddRecipientsRequest struct {
	CampaignUUID string           `json:"-" validate:"required,uuid4"`
	Recipients   []RecipientInput `json:"recipients" validate:"required,min=1,max=10000,dive"`
}

// ImportConsultantsRequest attaches approved consultants. An empty list imports every approved consultant.
type ImportConsultantsRequest struct {
	CampaignUUID  string   `json:"-" validate:"required,uuid4"`
	ConsultantIDs []string `json:"consultant_ids,omitempty" validate:"omitempty,max=10000,dive,uuid"`
}

// AddRecipientsResponse reports how many messages were created
type AddRecipientsResponse struct {
	Requested  int   `json:"requested"`
	Added      int64 `json:"added"`
	Duplicates int64 `json:"duplicates"`
	Skipped    int   `json:"skipped"`
}

// ScheduleCampaignRequest schedules a draft campaign
type ScheduleCampaignRequest struct {
	CampaignUUID string     `json:"-" validate:"required,uuid4"`
	ScheduleAt   *time.Time `json:"schedule_at" validate:"required"`
}

// DispatchResponse is returned once a dispatch has been accepted
type DispatchResponse struct {
	Campaign CampaignDTO `json:"campaign"`
	Pending  int         `json:"pending"`
}

// ListCampaignsFilter narrows a campaign listing
type ListCampaignsFilter struct {
	Name   *string `json:"name,omitempty"`
	Status *string `json:"status,omitempty"`
}

// ListCampaignsRequest represents a paginated campaign listing
type ListCampaignsRequest struct {
	Page    int                  `json:"page"`
	Limit   int                  `json:"limit"`
	OrderBy string               `json:"orderby"` // newest, oldest
	Filter  *ListCampaignsFilter `json:"filter,omitempty"`
}

// ListCampaignsResponse represents a paginated list of campaigns
type ListCampaignsResponse struct {
	Items      []CampaignDTO  `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}

// MessageDTO is the API representation of one outbound message
type MessageDTO struct {
	UUID              string `json:"uuid"`
	RecipientPhone    string `json:"recipient_phone"`
	RecipientName     string `json:"recipient_name"`
	Status            string `json:"status"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`
	Attempts          int    `json:"attempts"`
	LastError         string `json:"last_error,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	SentAt            string `json:"sent_at,omitempty"`
	DeliveredAt       string `json:"delivered_at,omitempty"`
	ReadAt            string `json:"read_at,omitempty"`
	FailedAt          string `json:"failed_at,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

// ListMessagesRequest lists the messages of a campaign in creation order
type ListMessagesRequest struct {
	CampaignUUID string `json:"-"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
}

// ListMessagesResponse is a page of campaign messages
type ListMessagesResponse struct {
	Items      []MessageDTO   `json:"items"`
	Pagination PaginationInfo `json:"pagination"`
}

// CampaignStatsDTO carries the read-time campaign metrics
type CampaignStatsDTO struct {
	CampaignUUID string  `json:"campaign_uuid"`
	Status       string  `json:"status"`
	Total        int64   `json:"total"`
	Pending      int64   `json:"pending"`
	Sent         int64   `json:"sent"`
	Delivered    int64   `json:"delivered"`
	Read         int64   `json:"read"`
	Failed       int64   `json:"failed"`
	DeliveryRate float64 `json:"delivery_rate"`
	ReadRate     float64 `json:"read_rate"`
}
