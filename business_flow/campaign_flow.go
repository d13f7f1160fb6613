// Package businessflow contains the core business logic and use cases for campaign workflows
package businessflow

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/repository"
	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CampaignFlow handles the operator-facing campaign lifecycle
type CampaignFlow interface {
	CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest, metadata *ClientMetadata) (*dto.CampaignDTO, error)
	GetCampaign(ctx context.Context, campaignUUID string) (*dto.CampaignDTO, error)
	ListCampaigns(ctx context.Context, req *dto.ListCampaignsRequest) (*dto.ListCampaignsResponse, error)
	AddRecipients(ctx context.Context, req *dto.AddRecipientsRequest, metadata *ClientMetadata) (*dto.AddRecipientsResponse, error)
	ImportConsultants(ctx context.Context, req *dto.ImportConsultantsRequest, metadata *ClientMetadata) (*dto.AddRecipientsResponse, error)
	ScheduleCampaign(ctx context.Context, req *dto.ScheduleCampaignRequest, metadata *ClientMetadata) (*dto.CampaignDTO, error)
	UnscheduleCampaign(ctx context.Context, campaignUUID string, metadata *ClientMetadata) (*dto.CampaignDTO, error)
	ResetCampaign(ctx context.Context, campaignUUID string, metadata *ClientMetadata) (*dto.CampaignDTO, error)
	DispatchCampaign(ctx context.Context, campaignUUID string, metadata *ClientMetadata) (*dto.DispatchResponse, error)
	ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error)
	GetStats(ctx context.Context, campaignUUID string) (*dto.CampaignStatsDTO, error)
}

// CampaignFlowImpl implements the campaign business flow
type CampaignFlowImpl struct {
	campaignRepo repository.CampaignRepository
	messageRepo  repository.MessageRepository
	resolver     *RecipientResolver
	stats        *StatsAggregator
	dispatcher   *Dispatcher
	db           *gorm.DB
	logger       *log.Logger
}

// NewCampaignFlow creates a new campaign flow instance
func NewCampaignFlow(
	campaignRepo repository.CampaignRepository,
	messageRepo repository.MessageRepository,
	resolver *RecipientResolver,
	stats *StatsAggregator,
	dispatcher *Dispatcher,
	db *gorm.DB,
	logger *log.Logger,
) CampaignFlow {
	if logger == nil {
		logger = log.Default()
	}
	return &CampaignFlowImpl{
		campaignRepo: campaignRepo,
		messageRepo:  messageRepo,
		resolver:     resolver,
		stats:        stats,
		dispatcher:   dispatcher,
		db:           db,
		logger:       logger,
	}
}

// CreateCampaign creates a draft campaign
func (s *CampaignFlowImpl) CreateCampaign(ctx context.Context, req *dto.CreateCampaignRequest, metadata *ClientMetadata) (*dto.CampaignDTO, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Campaign validation failed", ErrCampaignNameRequired)
	}
	if strings.TrimSpace(req.Template) == "" {
		return nil, NewBusinessError("CAMPAIGN_VALIDATION_FAILED", "Campaign validation failed", ErrCampaignTemplateRequired)
	}

	campaign := &models.Campaign{
		Name:     name,
		Template: req.Template,
		Status:   models.CampaignStatusDraft,
	}
	if metadata != nil && metadata.OperatorID != "" {
		campaign.CreatedBy = utils.ToPtr(metadata.OperatorID)
	}

	if err := s.campaignRepo.Save(ctx, campaign); err != nil {
		return nil, NewBusinessError("CAMPAIGN_CREATION_FAILED", "Campaign creation failed", err)
	}

	s.logger.Printf("campaign %s created by %q", campaign.UUID, operatorOf(metadata))
	out := ToCampaignDTO(campaign)
	return &out, nil
}

// GetCampaign returns one campaign
func (s *CampaignFlowImpl) GetCampaign(ctx context.Context, campaignUUID string) (*dto.CampaignDTO, error) {
	campaign, err := s.loadCampaign(ctx, campaignUUID)
	if err != nil {
		return nil, err
	}
	out := ToCampaignDTO(campaign)
	return &out, nil
}

// ListCampaigns returns a page of campaigns
func (s *CampaignFlowImpl) ListCampaigns(ctx context.Context, req *dto.ListCampaignsRequest) (*dto.ListCampaignsResponse, error) {
	page, limit, offset := normalizePagination(req.Page, req.Limit)

	filter := models.CampaignFilter{}
	if req.Filter != nil {
		if req.Filter.Name != nil && strings.TrimSpace(*req.Filter.Name) != "" {
			filter.Name = utils.ToPtr(strings.TrimSpace(*req.Filter.Name))
		}
		if req.Filter.Status != nil && *req.Filter.Status != "" {
			status := models.CampaignStatus(*req.Filter.Status)
			if !status.Valid() {
				return nil, NewBusinessErrorf("INVALID_STATUS_FILTER", "Invalid status filter %q", ErrInvalidState, *req.Filter.Status)
			}
			filter.Status = &status
		}
	}

	orderBy := "id DESC"
	if req.OrderBy == "oldest" {
		orderBy = "id ASC"
	}

	campaigns, err := s.campaignRepo.ByFilter(ctx, filter, orderBy, limit, offset)
	if err != nil {
		return nil, NewBusinessError("LIST_CAMPAIGNS_FAILED", "Failed to list campaigns", err)
	}
	total, err := s.campaignRepo.Count(ctx, filter)
	if err != nil {
		return nil, NewBusinessError("COUNT_CAMPAIGNS_FAILED", "Failed to count campaigns", err)
	}

	items := make([]dto.CampaignDTO, 0, len(campaigns))
	for _, c := range campaigns {
		items = append(items, ToCampaignDTO(c))
	}

	return &dto.ListCampaignsResponse{
		Items: items,
		Pagination: dto.PaginationInfo{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages(total, limit),
		},
	}, nil
}

// AddRecipients attaches operator-supplied recipients to a draft campaign. A phone
// already attached to the campaign is counted as a duplicate, never inserted twice.
func (s *CampaignFlowImpl) AddRecipients(ctx context.Context, req *dto.AddRecipientsRequest, metadata *ClientMetadata) (*dto.AddRecipientsResponse, error) {
	if len(req.Recipients) == 0 {
		return nil, NewBusinessError("RECIPIENTS_VALIDATION_FAILED", "Recipients validation failed", ErrRecipientsRequired)
	}

	in := make([]models.Recipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		in = append(in, models.Recipient{Name: strings.TrimSpace(r.Name), Phone: r.Phone})
	}
	recipients, report, err := NormalizeRecipients(in)
	if err != nil {
		return nil, NewBusinessError("RECIPIENTS_VALIDATION_FAILED", "Recipients validation failed", err)
	}

	campaign, err := s.loadCampaign(ctx, req.CampaignUUID)
	if err != nil {
		return nil, err
	}

	added, err := s.attach(ctx, campaign, recipients)
	if err != nil {
		return nil, err
	}

	s.logger.Printf("campaign %s: %d recipients added by %q", campaign.UUID, added, operatorOf(metadata))
	return &dto.AddRecipientsResponse{
		Requested:  report.Input,
		Added:      added,
		Duplicates: int64(report.Duplicates) + int64(len(recipients)) - added,
	}, nil
}

// ImportConsultants attaches approved consultants. Unapproved records and unusable
// phones are skipped and counted.
func (s *CampaignFlowImpl) ImportConsultants(ctx context.Context, req *dto.ImportConsultantsRequest, metadata *ClientMetadata) (*dto.AddRecipientsResponse, error) {
	ids := make([]uuid.UUID, 0, len(req.ConsultantIDs))
	for _, raw := range req.ConsultantIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, NewBusinessErrorf("CONSULTANT_VALIDATION_FAILED", "Invalid consultant id %q", ErrInvalidConsultant, raw)
		}
		ids = append(ids, id)
	}

	campaign, err := s.loadCampaign(ctx, req.CampaignUUID)
	if err != nil {
		return nil, err
	}
	if !campaign.AcceptsRecipients() {
		return nil, NewBusinessError("CAMPAIGN_NOT_DRAFT", "Recipients can only be added to a draft campaign", ErrInvalidState)
	}

	recipients, report, err := s.resolver.Resolve(ctx, ids)
	if err != nil {
		return nil, NewBusinessError("CONSULTANT_IMPORT_FAILED", "Failed to resolve consultants", err)
	}

	// ids asked for but not returned are not approved
	requested := report.Input
	if len(ids) > requested {
		report.NotApproved += len(ids) - requested
		requested = len(ids)
	}

	added, err := s.attach(ctx, campaign, recipients)
	if err != nil {
		return nil, err
	}

	s.logger.Printf("campaign %s: %d consultants imported by %q (skipped %d)", campaign.UUID, added, operatorOf(metadata), report.NotApproved+report.InvalidPhone)
	return &dto.AddRecipientsResponse{
		Requested:  requested,
		Added:      added,
		Duplicates: int64(report.Duplicates) + int64(len(recipients)) - added,
		Skipped:    report.NotApproved + report.InvalidPhone,
	}, nil
}

// attach inserts one pending message per recipient while the campaign is held as draft
func (s *CampaignFlowImpl) attach(ctx context.Context, campaign *models.Campaign, recipients []models.Recipient) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}

	messages := make([]*models.Message, 0, len(recipients))
	for _, r := range recipients {
		m := &models.Message{
			CampaignID:     campaign.ID,
			RecipientPhone: r.Phone,
			RecipientName:  r.Name,
			Status:         models.MessageStatusPending,
		}
		if r.ID != "" {
			m.ConsultantID = utils.ToPtr(r.ID)
		}
		messages = append(messages, m)
	}

	var added int64
	err := repository.WithTransaction(ctx, s.db, func(txCtx context.Context) error {
		ok, err := s.campaignRepo.GuardDraft(txCtx, campaign.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidState
		}
		added, err = s.messageRepo.InsertIgnoringDuplicates(txCtx, messages)
		return err
	})
	if err != nil {
		if IsInvalidState(err) {
			return 0, NewBusinessError("CAMPAIGN_NOT_DRAFT", "Recipients can only be added to a draft campaign", err)
		}
		return 0, NewBusinessError("ADD_RECIPIENTS_FAILED", "Failed to add recipients", err)
	}
	return added, nil
}

// ScheduleCampaign moves a draft campaign with recipients to scheduled
func (s *CampaignFlowImpl) ScheduleCampaign(ctx context.Context, req *dto.ScheduleCampaignRequest, metadata *ClientMetadata) (*dto.CampaignDTO, error) {
	if req.ScheduleAt == nil {
		return nil, NewBusinessError("SCHEDULE_VALIDATION_FAILED", "Schedule validation failed", ErrScheduleTimeNotPresent)
	}
	at := req.ScheduleAt.UTC()
	if !scheduleLeadOK(at) {
		return nil, NewBusinessErrorf("SCHEDULE_VALIDATION_FAILED", "Schedule time must be at least %s in the future", ErrScheduleTimeTooSoon, utils.MinScheduleLead)
	}

	campaign, err := s.loadCampaign(ctx, req.CampaignUUID)
	if err != nil {
		return nil, err
	}
	if err := s.requireRecipients(ctx, campaign); err != nil {
		return nil, err
	}

	return s.transition(ctx, campaign, []models.CampaignStatus{models.CampaignStatusDraft, models.CampaignStatusScheduled},
		models.CampaignStatusScheduled, map[string]any{"schedule_at": at}, metadata)
}

// UnscheduleCampaign returns a scheduled campaign to draft
func (s *CampaignFlowImpl) UnscheduleCampaign(ctx context.Context, campaignUUID string, metadata *ClientMetadata) (*dto.CampaignDTO, error) {
	campaign, err := s.loadCampaign(ctx, campaignUUID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, campaign, []models.CampaignStatus{models.CampaignStatusScheduled},
		models.CampaignStatusDraft, map[string]any{"schedule_at": nil}, metadata)
}

// ResetCampaign returns a failed campaign to draft so it can be dispatched again.
// Messages already resolved keep their status; only pending ones are sent next time.
func (s *CampaignFlowImpl) ResetCampaign(ctx context.Context, campaignUUID string, metadata *ClientMetadata) (*dto.CampaignDTO, error) {
	campaign, err := s.loadCampaign(ctx, campaignUUID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, campaign, []models.CampaignStatus{models.CampaignStatusFailed},
		models.CampaignStatusDraft, map[string]any{"fail_reason": nil, "started_at": nil, "finished_at": nil, "schedule_at": nil}, metadata)
}

// DispatchCampaign admits a dispatch run and executes it in the background
func (s *CampaignFlowImpl) DispatchCampaign(ctx context.Context, campaignUUID string, metadata *ClientMetadata) (*dto.DispatchResponse, error) {
	campaign, err := s.loadCampaign(ctx, campaignUUID)
	if err != nil {
		return nil, err
	}

	run, err := s.dispatcher.Start(ctx, campaign.ID)
	if err != nil {
		switch {
		case IsNoRecipients(err):
			return nil, NewBusinessError("CAMPAIGN_HAS_NO_RECIPIENTS", "Campaign has no recipients", err)
		case IsConflict(err):
			return nil, NewBusinessErrorf("CAMPAIGN_DISPATCH_CONFLICT", "Campaign is %s and cannot be dispatched", err, campaign.Status)
		case IsCampaignNotFound(err):
			return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", err)
		default:
			return nil, NewBusinessError("CAMPAIGN_DISPATCH_FAILED", "Failed to dispatch campaign", err)
		}
	}

	s.logger.Printf("campaign %s dispatched by %q", campaign.UUID, operatorOf(metadata))
	return &dto.DispatchResponse{
		Campaign: ToCampaignDTO(run.Campaign),
		Pending:  int(run.Pending),
	}, nil
}

// ListMessages returns a page of a campaign's messages in creation order
func (s *CampaignFlowImpl) ListMessages(ctx context.Context, req *dto.ListMessagesRequest) (*dto.ListMessagesResponse, error) {
	campaign, err := s.loadCampaign(ctx, req.CampaignUUID)
	if err != nil {
		return nil, err
	}
	page, limit, offset := normalizePagination(req.Page, req.Limit)

	messages, err := s.messageRepo.ListByCampaign(ctx, campaign.ID, limit, offset)
	if err != nil {
		return nil, NewBusinessError("LIST_MESSAGES_FAILED", "Failed to list messages", err)
	}
	total, err := s.messageRepo.Count(ctx, models.MessageFilter{CampaignID: &campaign.ID})
	if err != nil {
		return nil, NewBusinessError("COUNT_MESSAGES_FAILED", "Failed to count messages", err)
	}

	items := make([]dto.MessageDTO, 0, len(messages))
	for _, m := range messages {
		items = append(items, ToMessageDTO(m))
	}
	return &dto.ListMessagesResponse{
		Items: items,
		Pagination: dto.PaginationInfo{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages(total, limit),
		},
	}, nil
}

// GetStats computes the delivery metrics of a campaign
func (s *CampaignFlowImpl) GetStats(ctx context.Context, campaignUUID string) (*dto.CampaignStatsDTO, error) {
	campaign, err := s.loadCampaign(ctx, campaignUUID)
	if err != nil {
		return nil, err
	}
	stats, err := s.stats.ComputeStats(ctx, campaign.ID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_STATS_FAILED", "Failed to compute campaign stats", err)
	}
	return &dto.CampaignStatsDTO{
		CampaignUUID: campaign.UUID.String(),
		Status:       campaign.Status.String(),
		Total:        stats.Total,
		Pending:      stats.Pending,
		Sent:         stats.Sent,
		Delivered:    stats.Delivered,
		Read:         stats.Read,
		Failed:       stats.Failed,
		DeliveryRate: stats.DeliveryRate,
		ReadRate:     stats.ReadRate,
	}, nil
}

func (s *CampaignFlowImpl) transition(ctx context.Context, campaign *models.Campaign, from []models.CampaignStatus, to models.CampaignStatus, fields map[string]any, metadata *ClientMetadata) (*dto.CampaignDTO, error) {
	if !slices.Contains(from, campaign.Status) {
		return nil, NewBusinessErrorf("INVALID_STATUS_TRANSITION", "Campaign cannot move from %s to %s", ErrInvalidTransition, campaign.Status, to)
	}

	ok, err := s.campaignRepo.TransitionStatus(ctx, campaign.ID, from, to, fields)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_UPDATE_FAILED", "Failed to update campaign", err)
	}
	if !ok {
		return nil, NewBusinessError("CAMPAIGN_STATUS_CONFLICT", "Campaign status changed concurrently", ErrConflict)
	}

	updated, err := s.campaignRepo.ByID(ctx, campaign.ID)
	if err != nil || updated == nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to reload campaign", err)
	}

	s.logger.Printf("campaign %s moved %s -> %s by %q", campaign.UUID, campaign.Status, to, operatorOf(metadata))
	out := ToCampaignDTO(updated)
	return &out, nil
}

func (s *CampaignFlowImpl) requireRecipients(ctx context.Context, campaign *models.Campaign) error {
	exists, err := s.messageRepo.Exists(ctx, models.MessageFilter{CampaignID: &campaign.ID})
	if err != nil {
		return NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to check recipients", err)
	}
	if !exists {
		return NewBusinessError("CAMPAIGN_HAS_NO_RECIPIENTS", "Campaign has no recipients", ErrNoRecipients)
	}
	return nil
}

func (s *CampaignFlowImpl) loadCampaign(ctx context.Context, campaignUUID string) (*models.Campaign, error) {
	if strings.TrimSpace(campaignUUID) == "" {
		return nil, NewBusinessError("CAMPAIGN_UUID_REQUIRED", "Campaign UUID is required", ErrCampaignUUIDRequired)
	}
	if _, err := uuid.Parse(campaignUUID); err != nil {
		return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", fmt.Errorf("%w: %v", ErrCampaignNotFound, err))
	}

	campaign, err := s.campaignRepo.ByUUID(ctx, campaignUUID)
	if err != nil {
		return nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to lookup campaign", err)
	}
	if campaign == nil {
		return nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}
	return campaign, nil
}

func operatorOf(metadata *ClientMetadata) string {
	if metadata == nil {
		return ""
	}
	return metadata.OperatorID
}

// scheduleLeadOK reports whether at respects the minimum scheduling lead
func scheduleLeadOK(at time.Time) bool {
	return !at.Before(utils.UTCNow().Add(utils.MinScheduleLead))
}
