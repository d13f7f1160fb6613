package handlers

import (
	"strconv"
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/gofiber/fiber/v3"
)

// CampaignHandlerInterface defines the contract for campaign handlers
type CampaignHandlerInterface interface {
	CreateCampaign(c fiber.Ctx) error
	GetCampaign(c fiber.Ctx) error
	ListCampaigns(c fiber.Ctx) error
	AddRecipients(c fiber.Ctx) error
	ImportConsultants(c fiber.Ctx) error
	ScheduleCampaign(c fiber.Ctx) error
	UnscheduleCampaign(c fiber.Ctx) error
	ResetCampaign(c fiber.Ctx) error
	DispatchCampaign(c fiber.Ctx) error
	ListMessages(c fiber.Ctx) error
	GetStats(c fiber.Ctx) error
	DownloadReport(c fiber.Ctx) error
}

// CampaignHandler handles campaign-related HTTP requests
type CampaignHandler struct {
	baseHandler
	campaignFlow businessflow.CampaignFlow
	reportFlow   businessflow.ReportFlow
}

// NewCampaignHandler creates a new campaign handler
func NewCampaignHandler(campaignFlow businessflow.CampaignFlow, reportFlow businessflow.ReportFlow) *CampaignHandler {
	return &CampaignHandler{
		baseHandler:  newBaseHandler(),
		campaignFlow: campaignFlow,
		reportFlow:   reportFlow,
	}
}

// CreateCampaign creates a draft campaign
// @Summary Create Campaign
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param request body dto.CreateCampaignRequest true "Campaign name and template"
// @Success 201 {object} dto.APIResponse{data=dto.CampaignDTO}
// @Failure 400 {object} dto.APIResponse
// @Router /api/v1/campaigns [post]
func (h *CampaignHandler) CreateCampaign(c fiber.Ctx) error {
	var req dto.CreateCampaignRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c, "/api/v1/campaigns")
	defer cancel()

	result, err := h.campaignFlow.CreateCampaign(ctx, &req, h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Campaign creation failed")
	}
	return h.SuccessResponse(c, fiber.StatusCreated, "Campaign created successfully", result)
}

// GetCampaign returns one campaign
// @Summary Get Campaign
// @Tags Campaigns
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignDTO}
// @Failure 404 {object} dto.APIResponse
// @Router /api/v1/campaigns/{uuid} [get]
func (h *CampaignHandler) GetCampaign(c fiber.Ctx) error {
	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid")
	defer cancel()

	result, err := h.campaignFlow.GetCampaign(ctx, c.Params("uuid"))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to get campaign")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaign retrieved successfully", result)
}

// ListCampaigns lists campaigns with pagination and optional filters
// @Summary List Campaigns
// @Tags Campaigns
// @Produce json
// @Param page query int false "Page number (default 1)"
// @Param limit query int false "Items per page (default 20, max 100)"
// @Param orderby query string false "newest or oldest"
// @Param name query string false "Name filter"
// @Param status query string false "Status filter"
// @Success 200 {object} dto.APIResponse{data=dto.ListCampaignsResponse}
// @Router /api/v1/campaigns [get]
func (h *CampaignHandler) ListCampaigns(c fiber.Ctx) error {
	page, limit := pageParams(c)
	name := c.Query("name")
	status := c.Query("status")

	var filter *dto.ListCampaignsFilter
	if name != "" || status != "" {
		filter = &dto.ListCampaignsFilter{}
		if name != "" {
			filter.Name = &name
		}
		if status != "" {
			filter.Status = &status
		}
	}
	req := &dto.ListCampaignsRequest{
		Page:    page,
		Limit:   limit,
		OrderBy: c.Query("orderby", "newest"),
		Filter:  filter,
	}

	ctx, cancel := h.requestContext(c, "/api/v1/campaigns")
	defer cancel()

	result, err := h.campaignFlow.ListCampaigns(ctx, req)
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to list campaigns")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaigns retrieved successfully", result)
}

// AddRecipients attaches recipients to a draft campaign
// @Summary Add Recipients
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Param request body dto.AddRecipientsRequest true "Recipients"
// @Success 200 {object} dto.APIResponse{data=dto.AddRecipientsResponse}
// @Failure 409 {object} dto.APIResponse "Campaign is not a draft"
// @Router /api/v1/campaigns/{uuid}/recipients [post]
func (h *CampaignHandler) AddRecipients(c fiber.Ctx) error {
	var req dto.AddRecipientsRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.CampaignUUID = c.Params("uuid")
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContextWithTimeout(c, "/api/v1/campaigns/:uuid/recipients", 2*time.Minute)
	defer cancel()

	result, err := h.campaignFlow.AddRecipients(ctx, &req, h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to add recipients")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Recipients added successfully", result)
}

// ImportConsultants attaches approved consultants to a draft campaign
// @Summary Import Approved Consultants
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Param request body dto.ImportConsultantsRequest false "Consultant ids; empty imports all approved"
// @Success 200 {object} dto.APIResponse{data=dto.AddRecipientsResponse}
// @Router /api/v1/campaigns/{uuid}/recipients/import [post]
func (h *CampaignHandler) ImportConsultants(c fiber.Ctx) error {
	var req dto.ImportConsultantsRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
		}
	}
	req.CampaignUUID = c.Params("uuid")
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContextWithTimeout(c, "/api/v1/campaigns/:uuid/recipients/import", 2*time.Minute)
	defer cancel()

	result, err := h.campaignFlow.ImportConsultants(ctx, &req, h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to import consultants")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Consultants imported successfully", result)
}

// ScheduleCampaign schedules a draft campaign
// @Summary Schedule Campaign
// @Tags Campaigns
// @Accept json
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Param request body dto.ScheduleCampaignRequest true "Schedule time"
// @Success 200 {object} dto.APIResponse{data=dto.CampaignDTO}
// @Router /api/v1/campaigns/{uuid}/schedule [post]
func (h *CampaignHandler) ScheduleCampaign(c fiber.Ctx) error {
	var req dto.ScheduleCampaignRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	req.CampaignUUID = c.Params("uuid")
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid/schedule")
	defer cancel()

	result, err := h.campaignFlow.ScheduleCampaign(ctx, &req, h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to schedule campaign")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaign scheduled successfully", result)
}

// UnscheduleCampaign returns a scheduled campaign to draft
// @Router /api/v1/campaigns/{uuid}/unschedule [post]
func (h *CampaignHandler) UnscheduleCampaign(c fiber.Ctx) error {
	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid/unschedule")
	defer cancel()

	result, err := h.campaignFlow.UnscheduleCampaign(ctx, c.Params("uuid"), h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to unschedule campaign")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaign unscheduled successfully", result)
}

// ResetCampaign returns a failed campaign to draft
// @Router /api/v1/campaigns/{uuid}/reset [post]
func (h *CampaignHandler) ResetCampaign(c fiber.Ctx) error {
	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid/reset")
	defer cancel()

	result, err := h.campaignFlow.ResetCampaign(ctx, c.Params("uuid"), h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to reset campaign")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaign reset to draft", result)
}

// DispatchCampaign starts sending a campaign. Sending continues after the response.
// @Summary Dispatch Campaign
// @Tags Campaigns
// @Produce json
// @Param uuid path string true "Campaign UUID"
// @Success 202 {object} dto.APIResponse{data=dto.DispatchResponse}
// @Failure 409 {object} dto.APIResponse "Campaign already sending or finished"
// @Failure 422 {object} dto.APIResponse "Campaign has no recipients"
// @Router /api/v1/campaigns/{uuid}/dispatch [post]
func (h *CampaignHandler) DispatchCampaign(c fiber.Ctx) error {
	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid/dispatch")
	defer cancel()

	result, err := h.campaignFlow.DispatchCampaign(ctx, c.Params("uuid"), h.metadata(c))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to dispatch campaign")
	}
	return h.SuccessResponse(c, fiber.StatusAccepted, "Campaign dispatch started", result)
}

// ListMessages lists the messages of a campaign
// @Router /api/v1/campaigns/{uuid}/messages [get]
func (h *CampaignHandler) ListMessages(c fiber.Ctx) error {
	page, limit := pageParams(c)

	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid/messages")
	defer cancel()

	result, err := h.campaignFlow.ListMessages(ctx, &dto.ListMessagesRequest{
		CampaignUUID: c.Params("uuid"),
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to list messages")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Messages retrieved successfully", result)
}

// GetStats returns delivery metrics computed from the current message set
// @Router /api/v1/campaigns/{uuid}/stats [get]
func (h *CampaignHandler) GetStats(c fiber.Ctx) error {
	ctx, cancel := h.requestContext(c, "/api/v1/campaigns/:uuid/stats")
	defer cancel()

	result, err := h.campaignFlow.GetStats(ctx, c.Params("uuid"))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to compute campaign stats")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Campaign stats retrieved successfully", result)
}

// DownloadReport exports a campaign as an Excel workbook
// @Produce application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Router /api/v1/campaigns/{uuid}/export [get]
func (h *CampaignHandler) DownloadReport(c fiber.Ctx) error {
	ctx, cancel := h.requestContextWithTimeout(c, "/api/v1/campaigns/:uuid/export", 2*time.Minute)
	defer cancel()

	filename, data, err := h.reportFlow.ExportCampaignReport(ctx, c.Params("uuid"))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to generate report")
	}
	c.Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Set("Content-Disposition", "attachment; filename="+filename)
	return c.Send(data)
}

func pageParams(c fiber.Ctx) (int, int) {
	page := 1
	if v, err := strconv.Atoi(c.Query("page", "1")); err == nil && v > 0 {
		page = v
	}
	limit := 0
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		limit = v
	}
	return page, limit
}
