package businessflow

import (
	"context"

	"github.com/amirphl/Kotodama/models"
)

// CampaignStats is derived on read from the current message set; nothing is persisted
type CampaignStats struct {
	Total        int64
	Pending      int64
	Sent         int64 // left pending: sent, delivered, read or failed
	Delivered    int64 // delivered or read
	Read         int64
	Failed       int64
	DeliveryRate float64 // Delivered / Sent, 0 when Sent is 0
	ReadRate     float64 // Read / Delivered, 0 when Delivered is 0
}

// ComputeStats folds per-status counts into campaign metrics
func ComputeStats(counts []models.StatusCount) CampaignStats {
	var s CampaignStats
	for _, c := range counts {
		s.Total += c.Count
		switch c.Status {
		case models.MessageStatusPending:
			s.Pending += c.Count
		case models.MessageStatusSent:
			s.Sent += c.Count
		case models.MessageStatusDelivered:
			s.Sent += c.Count
			s.Delivered += c.Count
		case models.MessageStatusRead:
			s.Sent += c.Count
			s.Delivered += c.Count
			s.Read += c.Count
		case models.MessageStatusFailed:
			s.Sent += c.Count
			s.Failed += c.Count
		}
	}
	s.DeliveryRate = ratio(s.Delivered, s.Sent)
	s.ReadRate = ratio(s.Read, s.Delivered)
	return s
}

func ratio(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// StatusCounter is the aggregate query the stats need
type StatusCounter interface {
	CountByStatus(ctx context.Context, campaignID uint) ([]models.StatusCount, error)
}

// StatsAggregator computes campaign metrics from the store
type StatsAggregator struct {
	counter StatusCounter
}

func NewStatsAggregator(counter StatusCounter) *StatsAggregator {
	return &StatsAggregator{counter: counter}
}

func (a *StatsAggregator) ComputeStats(ctx context.Context, campaignID uint) (CampaignStats, error) {
	counts, err := a.counter.CountByStatus(ctx, campaignID)
	if err != nil {
		return CampaignStats{}, err
	}
	return ComputeStats(counts), nil
}
