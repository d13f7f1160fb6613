package businessflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amirphl/Kotodama/app/services"
	"github.com/amirphl/Kotodama/config"
	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/repository"
	"github.com/amirphl/Kotodama/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Dispatcher sends the pending messages of a campaign through the outbound channel.
// At most one run per campaign gets past Begin; the campaign row is the lock.
type Dispatcher struct {
	campaignRepo repository.CampaignRepository
	messageRepo  repository.MessageRepository
	channel      services.MessagingChannel
	receipts     services.ReceiptCache
	notifier     services.NotificationService
	cfg          config.DispatchConfig
	sendTimeout  time.Duration
	logger       *log.Logger
	wg           sync.WaitGroup
}

// NewDispatcher creates a dispatcher. receipts and notifier may be nil.
func NewDispatcher(
	campaignRepo repository.CampaignRepository,
	messageRepo repository.MessageRepository,
	channel services.MessagingChannel,
	receipts services.ReceiptCache,
	notifier services.NotificationService,
	cfg config.DispatchConfig,
	sendTimeout time.Duration,
	logger *log.Logger,
) *Dispatcher {
	if receipts == nil {
		receipts = services.NoopReceiptCache{}
	}
	if logger == nil {
		logger = log.Default()
	}
	if sendTimeout <= 0 {
		sendTimeout = 15 * time.Second
	}
	return &Dispatcher{
		campaignRepo: campaignRepo,
		messageRepo:  messageRepo,
		channel:      channel,
		receipts:     receipts,
		notifier:     notifier,
		cfg:          cfg,
		sendTimeout:  sendTimeout,
		logger:       logger,
	}
}

// DispatchRun is a run that won the draft|scheduled -> sending swap
type DispatchRun struct {
	Campaign  *models.Campaign
	Pending   int64
	startedAt time.Time
	d         *Dispatcher
}

// DispatchResult summarizes a finished run
type DispatchResult struct {
	CampaignID uint
	Status     models.CampaignStatus
	Attempted  int64
	Sent       int64
	Failed     int64
	Unresolved int64 // still pending when the run ended
	Reason     string
	Duration   time.Duration
}

type sendOutcome int

const (
	outcomeSent sendOutcome = iota
	outcomeFailed
	outcomeAborted
	outcomeStoreError
)

// Begin performs the compare-and-swap that admits a run. It returns ErrConflict when
// the campaign is already sending or finished and ErrNoRecipients when there is
// nothing to send.
func (d *Dispatcher) Begin(ctx context.Context, campaignID uint) (*DispatchRun, error) {
	now := utils.UTCNow()
	ok, err := d.campaignRepo.BeginSending(ctx, campaignID, now)
	if err != nil {
		return nil, err
	}

	campaign, err := d.campaignRepo.ByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return nil, ErrCampaignNotFound
	}

	if !ok {
		dispatchRunsTotal.WithLabelValues("conflict").Inc()
		if slices.Contains(models.DispatchableCampaignStatuses, campaign.Status) {
			return nil, ErrNoRecipients
		}
		return nil, fmt.Errorf("campaign %d is %s: %w", campaignID, campaign.Status, ErrConflict)
	}

	status := models.MessageStatusPending
	pending, err := d.messageRepo.Count(ctx, models.MessageFilter{CampaignID: &campaignID, Status: &status})
	if err != nil {
		return nil, err
	}

	d.logger.Printf("dispatcher: campaign id=%d moved to sending with %d pending messages", campaignID, pending)
	return &DispatchRun{Campaign: campaign, Pending: pending, startedAt: now, d: d}, nil
}

// Send runs a whole dispatch in the caller's goroutine
func (d *Dispatcher) Send(ctx context.Context, campaignID uint) (*DispatchResult, error) {
	run, err := d.Begin(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	return run.Execute(ctx), nil
}

// Start admits a run synchronously and executes it in the background. The run is
// detached from ctx cancellation; Wait blocks until every started run has finished.
func (d *Dispatcher) Start(ctx context.Context, campaignID uint) (*DispatchRun, error) {
	run, err := d.Begin(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		run.Execute(context.WithoutCancel(ctx))
	}()
	return run, nil
}

// Wait blocks until all background runs are done
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Execute sends every pending message and settles the campaign status
func (r *DispatchRun) Execute(ctx context.Context) *DispatchResult {
	d := r.d
	c := r.Campaign
	res := &DispatchResult{CampaignID: c.ID, Status: models.CampaignStatusSending}
	defer func() {
		res.Duration = time.Since(r.startedAt)
		dispatchDuration.Observe(res.Duration.Seconds())
		dispatchRunsTotal.WithLabelValues(dispatchOutcome(res.Status)).Inc()
		d.logger.Printf("dispatcher: campaign id=%d finished as %s sent=%d failed=%d unresolved=%d in %s",
			c.ID, res.Status, res.Sent, res.Failed, res.Unresolved, res.Duration.Round(time.Millisecond))
	}()

	if err := d.preflight(ctx); err != nil {
		d.failCampaign(ctx, c, res, fmt.Sprintf("outbound channel unavailable: %v", err))
		return res
	}

	pending, err := d.messageRepo.ListPendingByCampaign(ctx, c.ID)
	if err != nil {
		d.failCampaign(ctx, c, res, fmt.Sprintf("failed to load pending messages: %v", err))
		return res
	}

	// writes must land even after the run is stopped
	writeCtx := context.WithoutCancel(ctx)
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		abortOnce sync.Once
		abortErr  error
	)
	abort := func(err error) {
		abortOnce.Do(func() {
			abortErr = err
			d.logger.Printf("dispatcher: campaign id=%d stopping: %v", c.ID, err)
			stop()
		})
	}

	limiter := d.newLimiter()
	var sent, failed, attempted atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(max(1, d.cfg.Workers))
	for _, m := range pending {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			attempted.Add(1)
			switch d.deliver(runCtx, writeCtx, abort, c, m, limiter) {
			case outcomeSent:
				sent.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Attempted, res.Sent, res.Failed = attempted.Load(), sent.Load(), failed.Load()

	if abortErr != nil {
		reason := fmt.Sprintf("outbound channel rejected the run: %v", abortErr)
		if res.Sent+res.Failed == 0 {
			// nothing got through: the run as a whole failed and messages stay pending for a retry
			res.Unresolved = int64(len(pending))
			d.failCampaign(writeCtx, c, res, reason)
			return res
		}
		n, err := d.messageRepo.FailPending(writeCtx, c.ID, string(services.SendErrorUnauthorized), reason, utils.UTCNow())
		if err != nil {
			d.logger.Printf("dispatcher: campaign id=%d failed to fail remaining messages: %v", c.ID, err)
		}
		res.Failed += n
		messagesResolvedTotal.WithLabelValues(string(models.MessageStatusFailed)).Add(float64(n))
		res.Reason = reason
	} else if ctx.Err() != nil {
		res.Reason = fmt.Sprintf("run interrupted: %v", ctx.Err())
	}

	finished, err := d.campaignRepo.FinishSending(writeCtx, c.ID, utils.UTCNow())
	if err != nil {
		d.logger.Printf("dispatcher: campaign id=%d finish failed: %v", c.ID, err)
	}
	if finished {
		res.Status = models.CampaignStatusSent
	} else {
		// left in sending; the scheduler's finalizer picks it up once nothing is pending
		status := models.MessageStatusPending
		res.Unresolved, _ = d.messageRepo.Count(writeCtx, models.MessageFilter{CampaignID: &c.ID, Status: &status})
	}

	if res.Reason != "" && d.notifier != nil {
		d.alert(writeCtx, c, res)
	}
	return res
}

func (d *Dispatcher) deliver(ctx, writeCtx context.Context, abort func(error), c *models.Campaign, m *models.Message, limiter *rate.Limiter) sendOutcome {
	text := utils.RenderTemplate(c.Template, m.RecipientName, m.RecipientPhone)
	attempts := m.Attempts
	transientFailures, throttled := 0, 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return outcomeAborted
		}
		attempts++

		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		result, err := d.channel.Send(sendCtx, m.RecipientPhone, text)
		cancel()
		if err == nil {
			sendAttemptsTotal.WithLabelValues("accepted").Inc()
			return d.recordSent(writeCtx, m, result, attempts)
		}
		if ctx.Err() != nil {
			return outcomeAborted
		}

		kind := services.ClassifySendError(err)
		sendAttemptsTotal.WithLabelValues(string(kind)).Inc()

		var wait time.Duration
		switch kind {
		case services.SendErrorUnauthorized:
			abort(err)
			return outcomeAborted
		case services.SendErrorPermanent:
			return d.recordFailed(writeCtx, m, attempts, sendErrorCode(err), err.Error())
		case services.SendErrorRateLimited:
			throttled++
			if throttled > d.cfg.MaxRateLimitRetries {
				return d.recordFailed(writeCtx, m, attempts, string(kind), "rate limit retries exhausted: "+err.Error())
			}
			wait = retryAfter(err)
			if wait <= 0 {
				wait = d.backoff(throttled)
			}
		default:
			transientFailures++
			if transientFailures >= d.cfg.MaxTransientAttempts {
				return d.recordFailed(writeCtx, m, attempts, string(services.SendErrorTransient), "retries exhausted: "+err.Error())
			}
			wait = d.backoff(transientFailures)
		}

		if !sleepCtx(ctx, wait) {
			return outcomeAborted
		}
	}
}

func (d *Dispatcher) recordSent(ctx context.Context, m *models.Message, result *services.SendResult, attempts int) sendOutcome {
	sentAt := result.AcceptedAt
	if sentAt.IsZero() {
		sentAt = utils.UTCNow()
	}
	transition, err := d.messageRepo.MarkSent(ctx, m.ID, result.ProviderMessageID, attempts, sentAt)
	if err != nil {
		d.logger.Printf("dispatcher: message id=%d accepted as %s but not recorded: %v", m.ID, result.ProviderMessageID, err)
		return outcomeStoreError
	}
	if transition != models.TransitionApplied {
		d.logger.Printf("dispatcher: message id=%d mark sent was %s", m.ID, transition)
		return outcomeStoreError
	}
	if err := d.receipts.Remember(ctx, result.ProviderMessageID, m.ID); err != nil {
		d.logger.Printf("dispatcher: receipt cache write failed for message id=%d: %v", m.ID, err)
	}
	messagesResolvedTotal.WithLabelValues(string(models.MessageStatusSent)).Inc()
	return outcomeSent
}

func (d *Dispatcher) recordFailed(ctx context.Context, m *models.Message, attempts int, code, reason string) sendOutcome {
	transition, err := d.messageRepo.MarkFailed(ctx, m.ID, attempts, code, reason, utils.UTCNow())
	if err != nil {
		d.logger.Printf("dispatcher: message id=%d failed (%s) but not recorded: %v", m.ID, reason, err)
		return outcomeStoreError
	}
	if transition != models.TransitionApplied {
		d.logger.Printf("dispatcher: message id=%d mark failed was %s", m.ID, transition)
		return outcomeStoreError
	}
	messagesResolvedTotal.WithLabelValues(string(models.MessageStatusFailed)).Inc()
	return outcomeFailed
}

// preflight checks the channel before any message is touched. Transient failures are
// retried on the same budget as a send.
func (d *Dispatcher) preflight(ctx context.Context) error {
	var err error
	for attempt := 1; attempt <= max(1, d.cfg.MaxTransientAttempts); attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err = d.channel.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		switch services.ClassifySendError(err) {
		case services.SendErrorUnauthorized, services.SendErrorPermanent:
			return err
		}
		if !sleepCtx(ctx, d.backoff(attempt)) {
			return errors.Join(err, ctx.Err())
		}
	}
	return err
}

func (d *Dispatcher) failCampaign(ctx context.Context, c *models.Campaign, res *DispatchResult, reason string) {
	res.Reason = reason
	ok, err := d.campaignRepo.TransitionStatus(ctx, c.ID,
		[]models.CampaignStatus{models.CampaignStatusSending}, models.CampaignStatusFailed,
		map[string]any{"fail_reason": reason, "finished_at": utils.UTCNow()})
	if err != nil || !ok {
		d.logger.Printf("dispatcher: campaign id=%d could not be marked failed (ok=%t): %v", c.ID, ok, err)
		return
	}
	res.Status = models.CampaignStatusFailed
	if d.notifier != nil {
		d.alert(ctx, c, res)
	}
}

func (d *Dispatcher) alert(ctx context.Context, c *models.Campaign, res *DispatchResult) {
	err := d.notifier.NotifyCampaign(ctx, services.CampaignAlert{
		CampaignUUID: c.UUID.String(),
		CampaignName: c.Name,
		Status:       res.Status.String(),
		Reason:       res.Reason,
		FailedCount:  res.Failed,
		RaisedAt:     utils.UTCNow(),
	})
	if err != nil {
		d.logger.Printf("dispatcher: alert for campaign id=%d failed: %v", c.ID, err)
	}
}

func (d *Dispatcher) newLimiter() *rate.Limiter {
	if d.cfg.MessagesPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(d.cfg.MessagesPerSecond), max(1, d.cfg.Burst))
}

// backoff is exponential in the failure count with up to 20% jitter, capped at MaxBackoff
func (d *Dispatcher) backoff(failures int) time.Duration {
	base := d.cfg.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	wait := base << min(failures-1, 16)
	if d.cfg.MaxBackoff > 0 && wait > d.cfg.MaxBackoff {
		wait = d.cfg.MaxBackoff
	}
	return wait + time.Duration(rand.Int64N(int64(wait)/5+1))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func retryAfter(err error) time.Duration {
	var se *services.SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

func sendErrorCode(err error) string {
	var se *services.SendError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return string(services.ClassifySendError(err))
}

func dispatchOutcome(status models.CampaignStatus) string {
	switch status {
	case models.CampaignStatusSent, models.CampaignStatusFailed:
		return status.String()
	default:
		return "incomplete"
	}
}
