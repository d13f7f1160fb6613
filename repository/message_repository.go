package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MessageRepositoryImpl implements MessageRepository
type MessageRepositoryImpl struct {
	*BaseRepository[models.Message, models.MessageFilter]
}

func NewMessageRepository(db *gorm.DB) MessageRepository {
	return &MessageRepositoryImpl{BaseRepository: NewBaseRepository[models.Message, models.MessageFilter](db)}
}

func (r *MessageRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Message, error) {
	parsed, err := utils.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	rows, err := r.ByFilter(ctx, models.MessageFilter{UUID: &parsed}, "", 1, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *MessageRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Message, error) {
	db := r.getDB(ctx)
	var row models.Message
	if err := db.Where("provider_message_id = ?", providerMessageID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find message by provider id: %w", err)
	}
	return &row, nil
}

// InsertIgnoringDuplicates inserts messages and silently skips any whose
// (campaign_id, recipient_phone) already exists. It returns the number inserted.
func (r *MessageRepositoryImpl) InsertIgnoringDuplicates(ctx context.Context, messages []*models.Message) (inserted int64, err error) {
	if len(messages) == 0 {
		return 0, nil
	}

	db, shouldCommit, err := r.getDBForWrite(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { err = finishWrite(db, shouldCommit, err) }()

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "campaign_id"}, {Name: "recipient_phone"}},
		DoNothing: true,
	}).CreateInBatches(messages, 100)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert messages: %w", res.Error)
	}

	return res.RowsAffected, nil
}

func (r *MessageRepositoryImpl) ListByCampaign(ctx context.Context, campaignID uint, limit, offset int) ([]*models.Message, error) {
	filter := models.MessageFilter{CampaignID: &campaignID}
	return r.ByFilter(ctx, filter, "id ASC", limit, offset)
}

func (r *MessageRepositoryImpl) ListPendingByCampaign(ctx context.Context, campaignID uint) ([]*models.Message, error) {
	status := models.MessageStatusPending
	filter := models.MessageFilter{CampaignID: &campaignID, Status: &status}
	return r.ByFilter(ctx, filter, "id ASC", 0, 0)
}

// UpdateStatus applies `to` only when the current status is one of its predecessors.
// The comparison and the write are one UPDATE, so two concurrent callbacks for the same
// message cannot both win.
func (r *MessageRepositoryImpl) UpdateStatus(ctx context.Context, id uint, to models.MessageStatus, observedAt time.Time) (models.MessageStatusTransition, error) {
	return r.conditionalUpdate(ctx, id, to, observedAt, nil)
}

// MarkSent records a provider acceptance: pending -> sent with the provider message id
func (r *MessageRepositoryImpl) MarkSent(ctx context.Context, id uint, providerMessageID string, attempts int, sentAt time.Time) (models.MessageStatusTransition, error) {
	return r.conditionalUpdate(ctx, id, models.MessageStatusSent, sentAt, map[string]any{
		"provider_message_id": providerMessageID,
		"attempts":            attempts,
		"last_error":          nil,
		"error_code":          nil,
	})
}

// MarkFailed records a failure with its reason. A negative attempts leaves the counter untouched.
func (r *MessageRepositoryImpl) MarkFailed(ctx context.Context, id uint, attempts int, errorCode, reason string, failedAt time.Time) (models.MessageStatusTransition, error) {
	extra := map[string]any{
		"last_error": reason,
		"error_code": errorCode,
	}
	if attempts >= 0 {
		extra["attempts"] = attempts
	}
	return r.conditionalUpdate(ctx, id, models.MessageStatusFailed, failedAt, extra)
}

func (r *MessageRepositoryImpl) conditionalUpdate(ctx context.Context, id uint, to models.MessageStatus, observedAt time.Time, extra map[string]any) (models.MessageStatusTransition, error) {
	from := to.Predecessors()
	if len(from) == 0 {
		return models.TransitionStale, nil
	}
	if observedAt.IsZero() {
		observedAt = utils.UTCNow()
	}
	observedAt = observedAt.UTC()

	updates := map[string]any{
		"status":     to,
		"updated_at": observedAt,
	}
	if col := models.StatusTimestampColumn(to); col != "" {
		updates[col] = observedAt
	}
	// a skipped step still gets its timestamp so reports never show read without delivered
	switch to {
	case models.MessageStatusRead:
		updates["delivered_at"] = gorm.Expr("COALESCE(delivered_at, ?)", observedAt)
		updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", observedAt)
	case models.MessageStatusDelivered:
		updates["sent_at"] = gorm.Expr("COALESCE(sent_at, ?)", observedAt)
	}
	for k, v := range extra {
		updates[k] = v
	}

	db := r.getDB(ctx)
	res := db.Model(&models.Message{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("failed to update message %d to %s: %w", id, to, res.Error)
	}
	if res.RowsAffected == 1 {
		return models.TransitionApplied, nil
	}

	var count int64
	if err := db.Model(&models.Message{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return "", fmt.Errorf("failed to check message %d: %w", id, err)
	}
	if count == 0 {
		return models.TransitionNotFound, nil
	}
	return models.TransitionStale, nil
}

// FailPending fails every still-pending message of a campaign with the same reason
func (r *MessageRepositoryImpl) FailPending(ctx context.Context, campaignID uint, errorCode, reason string, failedAt time.Time) (int64, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Message{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.MessageStatusPending).
		Updates(map[string]any{
			"status":     models.MessageStatusFailed,
			"failed_at":  failedAt,
			"updated_at": failedAt,
			"last_error": reason,
			"error_code": errorCode,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to fail pending messages of campaign %d: %w", campaignID, res.Error)
	}
	return res.RowsAffected, nil
}

// CountByStatus aggregates the messages of a campaign per status
func (r *MessageRepositoryImpl) CountByStatus(ctx context.Context, campaignID uint) ([]models.StatusCount, error) {
	db := r.getDB(ctx)
	var rows []models.StatusCount
	err := db.Model(&models.Message{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaignID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count messages by status: %w", err)
	}
	return rows, nil
}

const replyCorrelationColumns = "campaigns.id AS campaign_id, campaigns.uuid AS campaign_uuid, campaigns.name AS campaign_name, messages.id AS message_id, messages.uuid AS message_uuid, messages.sent_at AS sent_at"

// LatestSentToPhone finds the most recent message sent to phone no later than notAfter,
// joined with its campaign. It returns nil when the phone was never messaged.
func (r *MessageRepositoryImpl) LatestSentToPhone(ctx context.Context, phone string, notAfter time.Time) (*models.ReplyCorrelation, error) {
	db := r.getDB(ctx)
	var rows []models.ReplyCorrelation
	err := db.Table("messages").
		Select(replyCorrelationColumns).
		Joins("JOIN campaigns ON campaigns.id = messages.campaign_id").
		Where("messages.recipient_phone = ? AND messages.sent_at IS NOT NULL AND messages.sent_at <= ?", phone, notAfter.UTC()).
		Order("messages.sent_at DESC, messages.id DESC").
		Limit(1).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to correlate phone: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *MessageRepositoryImpl) applyFilter(db *gorm.DB, f models.MessageFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.CampaignID != nil {
		db = db.Where("campaign_id = ?", *f.CampaignID)
	}
	if f.RecipientPhone != nil {
		db = db.Where("recipient_phone = ?", *f.RecipientPhone)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.ProviderMessageID != nil {
		db = db.Where("provider_message_id = ?", *f.ProviderMessageID)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	return db
}

func (r *MessageRepositoryImpl) ByFilter(ctx context.Context, filter models.MessageFilter, orderBy string, limit, offset int) ([]*models.Message, error) {
	db := r.getDB(ctx)
	query := paginate(r.applyFilter(db.Model(&models.Message{}), filter), orderBy, limit, offset)
	var rows []*models.Message
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find messages by filter: %w", err)
	}
	return rows, nil
}

func (r *MessageRepositoryImpl) Count(ctx context.Context, filter models.MessageFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	if err := r.applyFilter(db.Model(&models.Message{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *MessageRepositoryImpl) Exists(ctx context.Context, filter models.MessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
