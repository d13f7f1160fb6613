// Package scheduler runs the periodic campaign jobs
package scheduler

import (
	"context"
	"log"
	"time"

	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/amirphl/Kotodama/repository"
	"github.com/amirphl/Kotodama/utils"
)

// CampaignDispatcher admits a dispatch run and executes it in the background
type CampaignDispatcher interface {
	Start(ctx context.Context, campaignID uint) (*businessflow.DispatchRun, error)
}

// CampaignScheduler periodically dispatches due scheduled campaigns and settles
// sending campaigns that have nothing left pending
type CampaignScheduler struct {
	campaignRepo repository.CampaignRepository
	dispatcher   CampaignDispatcher
	logger       *log.Logger
	interval     time.Duration
	batchSize    int
}

func NewCampaignScheduler(
	campaignRepo repository.CampaignRepository,
	dispatcher CampaignDispatcher,
	logger *log.Logger,
	interval time.Duration,
	batchSize int,
) *CampaignScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = log.Default()
	}
	return &CampaignScheduler{
		campaignRepo: campaignRepo,
		dispatcher:   dispatcher,
		logger:       logger,
		interval:     interval,
		batchSize:    batchSize,
	}
}

// Start launches the scheduler loop in a background goroutine and returns a stop function
func (s *CampaignScheduler) Start(parent context.Context) func() {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (s *CampaignScheduler) runOnce(ctx context.Context) {
	started := s.dispatchDue(ctx)
	settled := s.settleFinished(ctx)
	if started > 0 || settled > 0 {
		s.logger.Printf("scheduler: tick started=%d settled=%d", started, settled)
	}
}

// dispatchDue starts every scheduled campaign whose time has come. Losing the
// compare-and-swap to an operator-triggered dispatch is expected and only logged.
func (s *CampaignScheduler) dispatchDue(ctx context.Context) int {
	due, err := s.campaignRepo.ListDueScheduled(ctx, utils.UTCNow(), s.batchSize)
	if err != nil {
		s.logger.Printf("scheduler: failed to list due campaigns: %v", err)
		return 0
	}

	started := 0
	for _, c := range due {
		if ctx.Err() != nil {
			return started
		}
		run, err := s.dispatcher.Start(ctx, c.ID)
		switch {
		case err == nil:
			started++
			s.logger.Printf("scheduler: campaign %s dispatched with %d pending", c.UUID, run.Pending)
		case businessflow.IsConflict(err):
			s.logger.Printf("scheduler: campaign %s already taken: %v", c.UUID, err)
		case businessflow.IsNoRecipients(err):
			s.logger.Printf("scheduler: campaign %s has no recipients, skipped", c.UUID)
		default:
			s.logger.Printf("scheduler: campaign %s dispatch failed: %v", c.UUID, err)
		}
	}
	return started
}

// settleFinished moves sending campaigns with no pending messages to sent. A run that
// could not record its finish leaves the campaign here.
func (s *CampaignScheduler) settleFinished(ctx context.Context) int {
	campaigns, err := s.campaignRepo.ListSendingWithoutPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Printf("scheduler: failed to list finished campaigns: %v", err)
		return 0
	}

	settled := 0
	for _, c := range campaigns {
		ok, err := s.campaignRepo.FinishSending(ctx, c.ID, utils.UTCNow())
		if err != nil {
			s.logger.Printf("scheduler: failed to settle campaign %s: %v", c.UUID, err)
			continue
		}
		if ok {
			settled++
		}
	}
	return settled
}
