// Package repository provides data access layer implementations and interfaces for database operations
package repository

import (
	"context"
	"time"

	"github.com/amirphl/Kotodama/models"
	"github.com/google/uuid"
)

// RepositoryContext key for transaction in context
type contextKey string

const TxContextKey contextKey = "tx"

type Repository[T any, F any] interface {
	ByID(ctx context.Context, id uint) (*T, error)
	ByFilter(ctx context.Context, filter F, orderBy string, limit, offset int) ([]*T, error)
	Save(ctx context.Context, entity *T) error
	SaveBatch(ctx context.Context, entities []*T) error
	Count(ctx context.Context, filter F) (int64, error)
	Exists(ctx context.Context, filter F) (bool, error)
}

// CampaignRepository defines operations for campaigns. Every status change is a
// compare-and-swap on the campaign row.
type CampaignRepository interface {
	Repository[models.Campaign, models.CampaignFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Campaign, error)
	TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, fields map[string]any) (bool, error)
	BeginSending(ctx context.Context, id uint, startedAt time.Time) (bool, error)
	FinishSending(ctx context.Context, id uint, finishedAt time.Time) (bool, error)
	GuardDraft(ctx context.Context, id uint) (bool, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error)
	ListSendingWithoutPending(ctx context.Context, limit int) ([]*models.Campaign, error)
}

// MessageRepository defines operations for campaign messages. Status writes are
// conditional on the current status so concurrent callbacks cannot regress a row.
type MessageRepository interface {
	Repository[models.Message, models.MessageFilter]
	ByUUID(ctx context.Context, uuid string) (*models.Message, error)
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error)
	InsertIgnoringDuplicates(ctx context.Context, messages []*models.Message) (int64, error)
	ListByCampaign(ctx context.Context, campaignID uint, limit, offset int) ([]*models.Message, error)
	ListPendingByCampaign(ctx context.Context, campaignID uint) ([]*models.Message, error)
	UpdateStatus(ctx context.Context, id uint, to models.MessageStatus, observedAt time.Time) (models.MessageStatusTransition, error)
	MarkSent(ctx context.Context, id uint, providerMessageID string, attempts int, sentAt time.Time) (models.MessageStatusTransition, error)
	MarkFailed(ctx context.Context, id uint, attempts int, errorCode, reason string, failedAt time.Time) (models.MessageStatusTransition, error)
	FailPending(ctx context.Context, campaignID uint, errorCode, reason string, failedAt time.Time) (int64, error)
	CountByStatus(ctx context.Context, campaignID uint) ([]models.StatusCount, error)
	LatestSentToPhone(ctx context.Context, phone string, notAfter time.Time) (*models.ReplyCorrelation, error)
}

// IncomingMessageRepository defines operations for inbound replies (append-only)
type IncomingMessageRepository interface {
	Repository[models.IncomingMessage, models.IncomingMessageFilter]
	ByUUID(ctx context.Context, uuid string) (*models.IncomingMessage, error)
	ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.IncomingMessage, error)
	InsertIgnoringDuplicate(ctx context.Context, msg *models.IncomingMessage) (bool, error)
}

// ConsultantRepository reads consultant records owned by the approval workflow
type ConsultantRepository interface {
	ListApproved(ctx context.Context, uuids []uuid.UUID) ([]*models.Consultant, error)
	ByFilter(ctx context.Context, filter models.ConsultantFilter, orderBy string, limit, offset int) ([]*models.Consultant, error)
}
