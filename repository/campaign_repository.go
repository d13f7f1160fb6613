package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/utils"
	"gorm.io/gorm"
)

const noPendingMessages = "NOT EXISTS (SELECT 1 FROM messages WHERE messages.campaign_id = campaigns.id AND messages.status = ?)"

// CampaignRepositoryImpl implements the CampaignRepository interface
type CampaignRepositoryImpl struct {
	*BaseRepository[models.Campaign, models.CampaignFilter]
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &CampaignRepositoryImpl{
		BaseRepository: NewBaseRepository[models.Campaign, models.CampaignFilter](db),
	}
}

// ByUUID retrieves a campaign by UUID
func (r *CampaignRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.Campaign, error) {
	parsedUUID, err := utils.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}

	filter := models.CampaignFilter{UUID: &parsedUUID}
	campaigns, err := r.ByFilter(ctx, filter, "", 1, 0)
	if err != nil {
		return nil, err
	}

	if len(campaigns) == 0 {
		return nil, nil
	}

	return campaigns[0], nil
}

// TransitionStatus moves a campaign to `to` only if its current status is one of `from`.
// It reports false when the row did not match, which callers surface as a conflict.
func (r *CampaignRepositoryImpl) TransitionStatus(ctx context.Context, id uint, from []models.CampaignStatus, to models.CampaignStatus, fields map[string]any) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition to %s requires at least one source status", to)
	}

	updates := map[string]any{
		"status":     to,
		"updated_at": utils.UTCNow(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	db := r.getDB(ctx)
	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition campaign %d to %s: %w", id, to, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// BeginSending is the dispatch compare-and-swap: draft|scheduled -> sending, and only
// when at least one message is attached.
func (r *CampaignRepositoryImpl) BeginSending(ctx context.Context, id uint, startedAt time.Time) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status IN ?", id, models.DispatchableCampaignStatuses).
		Where("EXISTS (SELECT 1 FROM messages WHERE messages.campaign_id = campaigns.id)").
		Updates(map[string]any{
			"status":      models.CampaignStatusSending,
			"started_at":  startedAt,
			"finished_at": nil,
			"fail_reason": nil,
			"updated_at":  startedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to begin sending campaign %d: %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// FinishSending moves sending -> sent when no message of the campaign is pending.
// The pending check and the write are a single statement.
func (r *CampaignRepositoryImpl) FinishSending(ctx context.Context, id uint, finishedAt time.Time) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusSending).
		Where(noPendingMessages, models.MessageStatusPending).
		Updates(map[string]any{
			"status":      models.CampaignStatusSent,
			"finished_at": finishedAt,
			"updated_at":  finishedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to finish campaign %d: %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// GuardDraft touches the campaign row only while it is draft. Inside a transaction this
// holds the row lock so a concurrent dispatch cannot start until recipients are committed.
func (r *CampaignRepositoryImpl) GuardDraft(ctx context.Context, id uint) (bool, error) {
	db := r.getDB(ctx)
	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusDraft).
		Update("updated_at", utils.UTCNow())
	if res.Error != nil {
		return false, fmt.Errorf("failed to lock draft campaign %d: %w", id, res.Error)
	}

	return res.RowsAffected == 1, nil
}

// ListDueScheduled returns scheduled campaigns whose schedule time has passed
func (r *CampaignRepositoryImpl) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*models.Campaign, error) {
	status := models.CampaignStatusScheduled
	filter := models.CampaignFilter{Status: &status, ScheduleBefore: &now}
	return r.ByFilter(ctx, filter, "schedule_at ASC, id ASC", limit, 0)
}

// ListSendingWithoutPending returns sending campaigns that have nothing left to send
func (r *CampaignRepositoryImpl) ListSendingWithoutPending(ctx context.Context, limit int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)
	query := db.Model(&models.Campaign{}).
		Where("status = ?", models.CampaignStatusSending).
		Where(noPendingMessages, models.MessageStatusPending)

	var rows []*models.Campaign
	if err := paginate(query, "id ASC", limit, 0).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list finished sending campaigns: %w", err)
	}
	return rows, nil
}

func (r *CampaignRepositoryImpl) applyFilter(db *gorm.DB, f models.CampaignFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.Status != nil {
		db = db.Where("status = ?", *f.Status)
	}
	if f.Name != nil {
		db = db.Where("name LIKE ?", "%"+*f.Name+"%")
	}
	if f.CreatedBy != nil {
		db = db.Where("created_by = ?", *f.CreatedBy)
	}
	if f.CreatedAfter != nil {
		db = db.Where("created_at >= ?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		db = db.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.ScheduleBefore != nil {
		db = db.Where("schedule_at IS NOT NULL AND schedule_at <= ?", *f.ScheduleBefore)
	}
	return db
}

// ByFilter retrieves campaigns based on filter criteria
func (r *CampaignRepositoryImpl) ByFilter(ctx context.Context, filter models.CampaignFilter, orderBy string, limit, offset int) ([]*models.Campaign, error) {
	db := r.getDB(ctx)
	query := paginate(r.applyFilter(db.Model(&models.Campaign{}), filter), orderBy, limit, offset)

	var rows []*models.Campaign
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find campaigns by filter: %w", err)
	}
	return rows, nil
}

// Count returns the number of campaigns matching the filter
func (r *CampaignRepositoryImpl) Count(ctx context.Context, filter models.CampaignFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	if err := r.applyFilter(db.Model(&models.Campaign{}), filter).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count campaigns: %w", err)
	}
	return count, nil
}

// Exists checks if any campaign matching the filter exists
func (r *CampaignRepositoryImpl) Exists(ctx context.Context, filter models.CampaignFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
