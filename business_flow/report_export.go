package businessflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/repository"
	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
)

const reportPageSize = 1000

// ReportFlow exports campaign delivery reports
type ReportFlow interface {
	ExportCampaignReport(ctx context.Context, campaignUUID string) (string, []byte, error)
}

type ReportFlowImpl struct {
	campaignRepo repository.CampaignRepository
	messageRepo  repository.MessageRepository
	stats        *StatsAggregator
}

func NewReportFlow(campaignRepo repository.CampaignRepository, messageRepo repository.MessageRepository, stats *StatsAggregator) ReportFlow {
	return &ReportFlowImpl{campaignRepo: campaignRepo, messageRepo: messageRepo, stats: stats}
}

// ExportCampaignReport renders a workbook with a summary sheet and one row per message
func (f *ReportFlowImpl) ExportCampaignReport(ctx context.Context, campaignUUID string) (string, []byte, error) {
	if _, err := uuid.Parse(campaignUUID); err != nil {
		return "", nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}
	campaign, err := f.campaignRepo.ByUUID(ctx, campaignUUID)
	if err != nil {
		return "", nil, NewBusinessError("CAMPAIGN_LOOKUP_FAILED", "Failed to lookup campaign", err)
	}
	if campaign == nil {
		return "", nil, NewBusinessError("CAMPAIGN_NOT_FOUND", "Campaign not found", ErrCampaignNotFound)
	}

	stats, err := f.stats.ComputeStats(ctx, campaign.ID)
	if err != nil {
		return "", nil, NewBusinessError("CAMPAIGN_STATS_FAILED", "Failed to compute campaign stats", err)
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	xl.SetSheetName(xl.GetSheetName(0), utils.ReportSheetSummary)
	summary := [][]any{
		{"campaign_uuid", campaign.UUID.String()},
		{"name", campaign.Name},
		{"status", campaign.Status.String()},
		{"started_at", utils.FormatRFC3339Ptr(campaign.StartedAt)},
		{"finished_at", utils.FormatRFC3339Ptr(campaign.FinishedAt)},
		{"total", stats.Total},
		{"pending", stats.Pending},
		{"sent", stats.Sent},
		{"delivered", stats.Delivered},
		{"read", stats.Read},
		{"failed", stats.Failed},
		{"delivery_rate", stats.DeliveryRate},
		{"read_rate", stats.ReadRate},
	}
	for i, row := range summary {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		_ = xl.SetSheetRow(utils.ReportSheetSummary, cell, &row)
	}

	if _, err := xl.NewSheet(utils.ReportSheetMessages); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to create messages sheet", err)
	}
	header := []string{"uuid", "recipient_phone", "recipient_name", "status", "provider_message_id", "attempts", "error_code", "last_error", "sent_at", "delivered_at", "read_at", "failed_at"}
	_ = xl.SetSheetRow(utils.ReportSheetMessages, "A1", &header)

	rowIdx := 2
	for offset := 0; ; offset += reportPageSize {
		messages, err := f.messageRepo.ListByCampaign(ctx, campaign.ID, reportPageSize, offset)
		if err != nil {
			return "", nil, NewBusinessError("LIST_MESSAGES_FAILED", "Failed to list messages", err)
		}
		for _, m := range messages {
			record := messageRecord(m)
			cell, _ := excelize.CoordinatesToCellName(1, rowIdx)
			_ = xl.SetSheetRow(utils.ReportSheetMessages, cell, &record)
			rowIdx++
		}
		if len(messages) < reportPageSize {
			break
		}
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}
	return reportFilename(campaign), buf.Bytes(), nil
}

func messageRecord(m *models.Message) []string {
	deref := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	return []string{
		m.UUID.String(),
		m.RecipientPhone,
		m.RecipientName,
		m.Status.String(),
		deref(m.ProviderMessageID),
		strconv.Itoa(m.Attempts),
		deref(m.ErrorCode),
		deref(m.LastError),
		utils.FormatRFC3339Ptr(m.SentAt),
		utils.FormatRFC3339Ptr(m.DeliveredAt),
		utils.FormatRFC3339Ptr(m.ReadAt),
		utils.FormatRFC3339Ptr(m.FailedAt),
	}
}

func reportFilename(c *models.Campaign) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, strings.TrimSpace(c.Name))
	if safe == "" {
		safe = "campaign"
	}
	return fmt.Sprintf("%s_%s.xlsx", safe, c.UUID.String()[:8])
}
