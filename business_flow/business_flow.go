// Package businessflow contains the business logic for the application.
package businessflow

import (
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/utils"
)

const RequestIDKey = "X-Request-ID"

// ClientMetadata holds the caller information attached to operator actions
type ClientMetadata struct {
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	RequestID  string `json:"request_id,omitempty"`
	OperatorID string `json:"operator_id,omitempty"`
}

// NewClientMetadata creates a new ClientMetadata instance with basic information
func NewClientMetadata(ipAddress, userAgent string) *ClientMetadata {
	return &ClientMetadata{
		IPAddress: ipAddress,
		UserAgent: userAgent,
	}
}

// SetRequestID sets the request ID
func (cm *ClientMetadata) SetRequestID(requestID string) {
	cm.RequestID = requestID
}

// SetOperatorID sets the authenticated operator
func (cm *ClientMetadata) SetOperatorID(operatorID string) {
	cm.OperatorID = operatorID
}

// ToCampaignDTO converts a campaign model to its API representation
func ToCampaignDTO(c *models.Campaign) dto.CampaignDTO {
	out := dto.CampaignDTO{
		UUID:       c.UUID.String(),
		Name:       c.Name,
		Template:   c.Template,
		Status:     c.Status.String(),
		ScheduleAt: utils.FormatRFC3339Ptr(c.ScheduleAt),
		StartedAt:  utils.FormatRFC3339Ptr(c.StartedAt),
		FinishedAt: utils.FormatRFC3339Ptr(c.FinishedAt),
		CreatedAt:  c.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:  c.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if c.CreatedBy != nil {
		out.CreatedBy = *c.CreatedBy
	}
	if c.FailReason != nil {
		out.FailReason = *c.FailReason
	}
	return out
}

// ToMessageDTO converts a message model to its API representation
func ToMessageDTO(m *models.Message) dto.MessageDTO {
	out := dto.MessageDTO{
		UUID:           m.UUID.String(),
		RecipientPhone: m.RecipientPhone,
		RecipientName:  m.RecipientName,
		Status:         m.Status.String(),
		Attempts:       m.Attempts,
		SentAt:         utils.FormatRFC3339Ptr(m.SentAt),
		DeliveredAt:    utils.FormatRFC3339Ptr(m.DeliveredAt),
		ReadAt:         utils.FormatRFC3339Ptr(m.ReadAt),
		FailedAt:       utils.FormatRFC3339Ptr(m.FailedAt),
		CreatedAt:      m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      m.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if m.ProviderMessageID != nil {
		out.ProviderMessageID = *m.ProviderMessageID
	}
	if m.LastError != nil {
		out.LastError = *m.LastError
	}
	if m.ErrorCode != nil {
		out.ErrorCode = *m.ErrorCode
	}
	return out
}

// normalizePagination clamps page/limit the same way for every listing
func normalizePagination(page, limit int) (int, int, int) {
	page = max(1, page)
	if limit <= 0 {
		limit = utils.DefaultPageSize
	}
	if limit > utils.MaxPageSize {
		limit = utils.MaxPageSize
	}
	return page, limit, (page - 1) * limit
}

func totalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
