package repository

import (
	"context"
	"fmt"

	"github.com/amirphl/Kotodama/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConsultantRepositoryImpl reads the consultants table maintained by the approval workflow
type ConsultantRepositoryImpl struct {
	db *gorm.DB
}

func NewConsultantRepository(db *gorm.DB) ConsultantRepository {
	return &ConsultantRepositoryImpl{db: db}
}

// ListApproved returns approved consultants in approval order. An empty uuids slice
// selects every approved consultant.
func (r *ConsultantRepositoryImpl) ListApproved(ctx context.Context, uuids []uuid.UUID) ([]*models.Consultant, error) {
	status := models.ConsultantStatusApproved
	return r.ByFilter(ctx, models.ConsultantFilter{UUIDs: uuids, Status: &status}, "approved_at ASC, id ASC", 0, 0)
}

func (r *ConsultantRepositoryImpl) ByFilter(ctx context.Context, f models.ConsultantFilter, orderBy string, limit, offset int) ([]*models.Consultant, error) {
	query := r.db.WithContext(ctx).Model(&models.Consultant{})
	if len(f.UUIDs) > 0 {
		query = query.Where("uuid IN ?", f.UUIDs)
	}
	if f.Status != nil {
		query = query.Where("status = ?", *f.Status)
	}
	if f.PromoterID != nil {
		query = query.Where("promoter_id = ?", *f.PromoterID)
	}
	if f.Tag != nil {
		// postgres array containment; tags is a text[] column
		query = query.Where("? = ANY(tags)", *f.Tag)
	}

	var rows []*models.Consultant
	if err := paginate(query, orderBy, limit, offset).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list consultants: %w", err)
	}
	return rows, nil
}
