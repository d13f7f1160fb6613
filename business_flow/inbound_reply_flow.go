package businessflow

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/app/services"
	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/repository"
	"github.com/amirphl/Kotodama/utils"
	"github.com/google/uuid"
)

// ReplyCorrelationSkew widens the correlation window past a reply's receipt time.
// Provider timestamps are whole seconds while sent_at comes from the local clock.
const ReplyCorrelationSkew = time.Second

// InboundReply is one message sent back by a recipient
type InboundReply struct {
	ProviderMessageID string
	FromPhone         string
	Body              string
	ReceivedAt        time.Time
}

// InboundReplyFlow stores replies and correlates them to campaigns when read.
// Stored replies are never linked or updated; the link is recomputed on every read.
type InboundReplyFlow interface {
	RecordIncoming(ctx context.Context, reply InboundReply) (*dto.ReplyDTO, bool, error)
	RecordBatch(ctx context.Context, req *dto.InboundReplyRequest) (*dto.IngestSummary, error)
	RecordCloudMessages(ctx context.Context, messages []services.CloudInboundMessage) (*dto.IngestSummary, error)
	GetReply(ctx context.Context, replyUUID string) (*dto.ReplyDTO, error)
	ListReplies(ctx context.Context, req *dto.ListRepliesRequest) (*dto.ListRepliesResponse, error)
}

// InboundReplyFlowImpl implements InboundReplyFlow
type InboundReplyFlowImpl struct {
	incomingRepo repository.IncomingMessageRepository
	messageRepo  repository.MessageRepository
	logger       *log.Logger
}

func NewInboundReplyFlow(incomingRepo repository.IncomingMessageRepository, messageRepo repository.MessageRepository, logger *log.Logger) InboundReplyFlow {
	if logger == nil {
		logger = log.Default()
	}
	return &InboundReplyFlowImpl{incomingRepo: incomingRepo, messageRepo: messageRepo, logger: logger}
}

// RecordIncoming appends a reply. The bool reports whether a new row was stored; a
// redelivery with a known provider id returns the stored reply.
func (f *InboundReplyFlowImpl) RecordIncoming(ctx context.Context, reply InboundReply) (*dto.ReplyDTO, bool, error) {
	phone := utils.NormalizePhone(reply.FromPhone)
	if phone == "" {
		inboundRepliesTotal.WithLabelValues("invalid").Inc()
		return nil, false, NewBusinessError("INBOUND_REPLY_INVALID", "Inbound reply is invalid", ErrReplyPhoneRequired)
	}
	if !utils.IsValidPhone(phone) {
		inboundRepliesTotal.WithLabelValues("invalid").Inc()
		return nil, false, NewBusinessErrorf("INBOUND_REPLY_INVALID", "Inbound reply sender %q is not a valid phone number", ErrInvalidPhone, reply.FromPhone)
	}

	row := &models.IncomingMessage{
		FromPhone:  phone,
		Body:       reply.Body,
		ReceivedAt: reply.ReceivedAt.UTC(),
	}
	if reply.ReceivedAt.IsZero() {
		row.ReceivedAt = utils.UTCNow()
	}
	if id := strings.TrimSpace(reply.ProviderMessageID); id != "" {
		row.ProviderMessageID = utils.ToPtr(id)
	}

	inserted, err := f.incomingRepo.InsertIgnoringDuplicate(ctx, row)
	if err != nil {
		return nil, false, NewBusinessError("INBOUND_REPLY_STORE_FAILED", "Failed to store inbound reply", err)
	}
	if !inserted {
		inboundRepliesTotal.WithLabelValues("duplicate").Inc()
		if row.ProviderMessageID != nil {
			existing, err := f.incomingRepo.ByProviderMessageID(ctx, *row.ProviderMessageID)
			if err != nil {
				return nil, false, NewBusinessError("INBOUND_REPLY_LOOKUP_FAILED", "Failed to load stored reply", err)
			}
			if existing != nil {
				row = existing
			}
		}
		out, err := f.withCorrelation(ctx, row)
		return out, false, err
	}

	inboundRepliesTotal.WithLabelValues("stored").Inc()
	out, err := f.withCorrelation(ctx, row)
	return out, true, err
}

// RecordBatch stores a webhook batch of replies
func (f *InboundReplyFlowImpl) RecordBatch(ctx context.Context, req *dto.InboundReplyRequest) (*dto.IngestSummary, error) {
	summary := &dto.IngestSummary{Received: len(req.Messages)}
	for _, m := range req.Messages {
		reply := InboundReply{ProviderMessageID: m.ProviderMessageID, FromPhone: m.From, Body: m.Body}
		if m.ReceivedAt != nil {
			reply.ReceivedAt = *m.ReceivedAt
		}
		_, inserted, err := f.RecordIncoming(ctx, reply)
		if err != nil {
			if isRejectedReply(err) {
				summary.Invalid++
				continue
			}
			return summary, err
		}
		if inserted {
			summary.Applied++
		} else {
			summary.Duplicates++
		}
	}
	return summary, nil
}

// RecordCloudMessages stores replies parsed from a WhatsApp Cloud webhook. Malformed
// senders are counted and skipped; a store error aborts so the webhook is redelivered.
func (f *InboundReplyFlowImpl) RecordCloudMessages(ctx context.Context, messages []services.CloudInboundMessage) (*dto.IngestSummary, error) {
	summary := &dto.IngestSummary{Received: len(messages)}
	for _, m := range messages {
		_, inserted, err := f.RecordIncoming(ctx, InboundReply{
			ProviderMessageID: m.ProviderMessageID,
			FromPhone:         m.From,
			Body:              m.Body,
			ReceivedAt:        m.Timestamp,
		})
		switch {
		case err != nil && isRejectedReply(err):
			summary.Invalid++
			f.logger.Printf("inbound: cloud message %q rejected: %v", m.ProviderMessageID, err)
		case err != nil:
			return summary, err
		case inserted:
			summary.Applied++
		default:
			summary.Duplicates++
		}
	}
	return summary, nil
}

func isRejectedReply(err error) bool {
	return IsReplyPhoneRequired(err) || IsInvalidPhone(err)
}

// GetReply returns one reply with its correlated campaign, if any
func (f *InboundReplyFlowImpl) GetReply(ctx context.Context, replyUUID string) (*dto.ReplyDTO, error) {
	if _, err := uuid.Parse(replyUUID); err != nil {
		return nil, NewBusinessError("REPLY_NOT_FOUND", "Reply not found", ErrReplyNotFound)
	}
	row, err := f.incomingRepo.ByUUID(ctx, replyUUID)
	if err != nil {
		return nil, NewBusinessError("REPLY_LOOKUP_FAILED", "Failed to lookup reply", err)
	}
	if row == nil {
		return nil, NewBusinessError("REPLY_NOT_FOUND", "Reply not found", ErrReplyNotFound)
	}
	return f.withCorrelation(ctx, row)
}

// ListReplies returns replies newest first, each correlated at read time
func (f *InboundReplyFlowImpl) ListReplies(ctx context.Context, req *dto.ListRepliesRequest) (*dto.ListRepliesResponse, error) {
	page, limit, offset := normalizePagination(req.Page, req.Limit)

	filter := models.IncomingMessageFilter{}
	if req.Phone != "" {
		phone := utils.NormalizePhone(req.Phone)
		filter.FromPhone = &phone
	}

	rows, err := f.incomingRepo.ByFilter(ctx, filter, "received_at DESC, id DESC", limit, offset)
	if err != nil {
		return nil, NewBusinessError("LIST_REPLIES_FAILED", "Failed to list replies", err)
	}
	total, err := f.incomingRepo.Count(ctx, filter)
	if err != nil {
		return nil, NewBusinessError("COUNT_REPLIES_FAILED", "Failed to count replies", err)
	}

	items := make([]dto.ReplyDTO, 0, len(rows))
	for _, row := range rows {
		item, err := f.withCorrelation(ctx, row)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	return &dto.ListRepliesResponse{
		Items: items,
		Pagination: dto.PaginationInfo{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: totalPages(total, limit),
		},
	}, nil
}

// withCorrelation attaches the campaign whose message most recently reached the
// sender at or before the reply. No match leaves the reply uncorrelated.
func (f *InboundReplyFlowImpl) withCorrelation(ctx context.Context, row *models.IncomingMessage) (*dto.ReplyDTO, error) {
	out := &dto.ReplyDTO{
		UUID:       row.UUID.String(),
		FromPhone:  row.FromPhone,
		Body:       row.Body,
		ReceivedAt: row.ReceivedAt.UTC().Format(time.RFC3339),
	}

	corr, err := f.messageRepo.LatestSentToPhone(ctx, row.FromPhone, row.ReceivedAt.Add(ReplyCorrelationSkew))
	if err != nil {
		return nil, NewBusinessError("REPLY_CORRELATION_FAILED", "Failed to correlate reply", err)
	}
	if corr != nil {
		out.Campaign = &dto.ReplyCampaignDTO{
			CampaignUUID: corr.CampaignUUID.String(),
			CampaignName: corr.CampaignName,
			MessageUUID:  corr.MessageUUID.String(),
			SentAt:       utils.FormatRFC3339Ptr(corr.SentAt),
		}
	}
	return out, nil
}
