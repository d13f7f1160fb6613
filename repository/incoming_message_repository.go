package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IncomingMessageRepositoryImpl implements IncomingMessageRepository
type IncomingMessageRepositoryImpl struct {
	*BaseRepository[models.IncomingMessage, models.IncomingMessageFilter]
}

func NewIncomingMessageRepository(db *gorm.DB) IncomingMessageRepository {
	return &IncomingMessageRepositoryImpl{
		BaseRepository: NewBaseRepository[models.IncomingMessage, models.IncomingMessageFilter](db),
	}
}

func (r *IncomingMessageRepositoryImpl) ByUUID(ctx context.Context, uuid string) (*models.IncomingMessage, error) {
	parsed, err := utils.ParseUUID(uuid)
	if err != nil {
		return nil, err
	}
	rows, err := r.ByFilter(ctx, models.IncomingMessageFilter{UUID: &parsed}, "", 1, 0)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *IncomingMessageRepositoryImpl) ByProviderMessageID(ctx context.Context, providerMessageID string) (*models.IncomingMessage, error) {
	db := r.getDB(ctx)
	var row models.IncomingMessage
	if err := db.Where("provider_message_id = ?", providerMessageID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find incoming message by provider id: %w", err)
	}
	return &row, nil
}

// InsertIgnoringDuplicate appends a reply. A redelivered reply carrying an already
// stored provider id is skipped and reported as not inserted.
func (r *IncomingMessageRepositoryImpl) InsertIgnoringDuplicate(ctx context.Context, msg *models.IncomingMessage) (bool, error) {
	db := r.getDB(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert incoming message: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *IncomingMessageRepositoryImpl) applyFilter(db *gorm.DB, f models.IncomingMessageFilter) *gorm.DB {
	if f.ID != nil {
		db = db.Where("id = ?", *f.ID)
	}
	if f.UUID != nil {
		db = db.Where("uuid = ?", *f.UUID)
	}
	if f.FromPhone != nil {
		db = db.Where("from_phone = ?", *f.FromPhone)
	}
	if f.ReceivedAfter != nil {
		db = db.Where("received_at >= ?", *f.ReceivedAfter)
	}
	if f.ReceivedBefore != nil {
		db = db.Where("received_at < ?", *f.ReceivedBefore)
	}
	return db
}

func (r *IncomingMessageRepositoryImpl) ByFilter(ctx context.Context, filter models.IncomingMessageFilter, orderBy string, limit, offset int) ([]*models.IncomingMessage, error) {
	db := r.getDB(ctx)
	query := paginate(r.applyFilter(db.Model(&models.IncomingMessage{}), filter), orderBy, limit, offset)
	var rows []*models.IncomingMessage
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find incoming messages by filter: %w", err)
	}
	return rows, nil
}

func (r *IncomingMessageRepositoryImpl) Count(ctx context.Context, filter models.IncomingMessageFilter) (int64, error) {
	db := r.getDB(ctx)
	var count int64
	if err := r.applyFilter(db.Model(&models.IncomingMessage{}), filter).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *IncomingMessageRepositoryImpl) Exists(ctx context.Context, filter models.IncomingMessageFilter) (bool, error) {
	c, err := r.Count(ctx, filter)
	if err != nil {
		return false, err
	}
	return c > 0, nil
}
