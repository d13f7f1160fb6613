package testing

import (
	"fmt"
	"time"

	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/utils"
)

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateCampaign inserts a campaign in the given status
func (tf *TestFixtures) CreateCampaign(name string, status models.CampaignStatus) (*models.Campaign, error) {
	c := &models.Campaign{
		Name:     name,
		Template: "Hello {name}, welcome aboard",
		Status:   status,
	}
	if err := tf.DB.DB.Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create campaign: %w", err)
	}
	return c, nil
}

// CreateMessages attaches one pending message per phone
func (tf *TestFixtures) CreateMessages(campaignID uint, phones ...string) ([]*models.Message, error) {
	out := make([]*models.Message, 0, len(phones))
	for i, p := range phones {
		m := &models.Message{
			CampaignID:     campaignID,
			RecipientPhone: p,
			RecipientName:  fmt.Sprintf("Recipient %d", i+1),
		}
		if err := tf.DB.DB.Create(m).Error; err != nil {
			return nil, fmt.Errorf("failed to create message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// CreateSentMessage attaches a message already accepted by the provider
func (tf *TestFixtures) CreateSentMessage(campaignID uint, phone, providerID string, sentAt time.Time) (*models.Message, error) {
	m := &models.Message{
		CampaignID:        campaignID,
		RecipientPhone:    phone,
		RecipientName:     "Recipient",
		Status:            models.MessageStatusSent,
		ProviderMessageID: utils.ToPtr(providerID),
		Attempts:          1,
		SentAt:            utils.ToPtr(sentAt.UTC()),
	}
	if err := tf.DB.DB.Create(m).Error; err != nil {
		return nil, fmt.Errorf("failed to create sent message: %w", err)
	}
	return m, nil
}

// CreateConsultant inserts a consultant record as the approval workflow would
func (tf *TestFixtures) CreateConsultant(name, phone string, status models.ConsultantStatus) (*models.Consultant, error) {
	c := &models.Consultant{FullName: name, Phone: phone, Status: status}
	if status == models.ConsultantStatusApproved {
		c.ApprovedAt = utils.UTCNowPtr()
	}
	if err := tf.DB.DB.Create(c).Error; err != nil {
		return nil, fmt.Errorf("failed to create consultant: %w", err)
	}
	return c, nil
}
