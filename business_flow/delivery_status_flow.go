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
)

// DeliveryReceipt is one provider callback about an outbound message
type DeliveryReceipt struct {
	ProviderMessageID string
	Status            models.MessageStatus
	ObservedAt        time.Time
	ErrorCode         string
	ErrorMessage      string
}

// DeliveryStatusFlow applies provider delivery receipts to messages.
// Receipts may arrive duplicated or out of order; the store only ever moves forward.
type DeliveryStatusFlow interface {
	Ingest(ctx context.Context, receipt DeliveryReceipt) (models.MessageStatusTransition, error)
	IngestBatch(ctx context.Context, req *dto.DeliveryStatusRequest) (*dto.IngestSummary, error)
	IngestCloudStatuses(ctx context.Context, updates []services.CloudStatusUpdate) (*dto.IngestSummary, error)
}

// DeliveryStatusFlowImpl implements DeliveryStatusFlow
type DeliveryStatusFlowImpl struct {
	messageRepo repository.MessageRepository
	receipts    services.ReceiptCache
	logger      *log.Logger
}

func NewDeliveryStatusFlow(messageRepo repository.MessageRepository, receipts services.ReceiptCache, logger *log.Logger) DeliveryStatusFlow {
	if receipts == nil {
		receipts = services.NoopReceiptCache{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &DeliveryStatusFlowImpl{messageRepo: messageRepo, receipts: receipts, logger: logger}
}

// Ingest applies one receipt. An unknown provider id is logged and discarded without
// error so the provider does not retry it forever.
func (f *DeliveryStatusFlowImpl) Ingest(ctx context.Context, receipt DeliveryReceipt) (models.MessageStatusTransition, error) {
	providerID := strings.TrimSpace(receipt.ProviderMessageID)
	if providerID == "" {
		deliveryReceiptsTotal.WithLabelValues(string(receipt.Status), "invalid").Inc()
		return "", NewBusinessError("DELIVERY_RECEIPT_INVALID", "Delivery receipt is invalid", ErrProviderMessageIDRequired)
	}
	if !receipt.Status.IsResolved() {
		deliveryReceiptsTotal.WithLabelValues("unknown", "invalid").Inc()
		return "", NewBusinessErrorf("DELIVERY_RECEIPT_INVALID", "Unsupported delivery status %q", ErrInvalidMessageStatus, receipt.Status)
	}
	observedAt := receipt.ObservedAt
	if observedAt.IsZero() {
		observedAt = utils.UTCNow()
	}

	messageID, err := f.resolve(ctx, providerID)
	if err != nil {
		return "", NewBusinessError("DELIVERY_RECEIPT_LOOKUP_FAILED", "Failed to lookup message", err)
	}
	if messageID == 0 {
		deliveryReceiptsTotal.WithLabelValues(string(receipt.Status), string(models.TransitionNotFound)).Inc()
		f.logger.Printf("ingest: unknown provider message id %q (status %s), discarded", providerID, receipt.Status)
		return models.TransitionNotFound, nil
	}

	var transition models.MessageStatusTransition
	if receipt.Status == models.MessageStatusFailed {
		code := receipt.ErrorCode
		if code == "" {
			code = "provider_failed"
		}
		reason := receipt.ErrorMessage
		if reason == "" {
			reason = "provider reported failure"
		}
		transition, err = f.messageRepo.MarkFailed(ctx, messageID, -1, code, reason, observedAt)
	} else {
		transition, err = f.messageRepo.UpdateStatus(ctx, messageID, receipt.Status, observedAt)
	}
	if err != nil {
		return "", NewBusinessError("DELIVERY_RECEIPT_APPLY_FAILED", "Failed to apply delivery receipt", err)
	}

	deliveryReceiptsTotal.WithLabelValues(string(receipt.Status), string(transition)).Inc()
	switch transition {
	case models.TransitionApplied:
		messagesResolvedTotal.WithLabelValues(string(receipt.Status)).Inc()
	case models.TransitionStale:
		f.logger.Printf("ingest: stale %s receipt for message id=%d ignored", receipt.Status, messageID)
	}
	return transition, nil
}

// resolve maps a provider id to a message id, trying the cache before the store
func (f *DeliveryStatusFlowImpl) resolve(ctx context.Context, providerID string) (uint, error) {
	if id, ok, err := f.receipts.Lookup(ctx, providerID); err != nil {
		f.logger.Printf("ingest: receipt cache lookup failed for %q: %v", providerID, err)
	} else if ok {
		return id, nil
	}

	msg, err := f.messageRepo.ByProviderMessageID(ctx, providerID)
	if err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, nil
	}
	if err := f.receipts.Remember(ctx, providerID, msg.ID); err != nil {
		f.logger.Printf("ingest: receipt cache write failed for %q: %v", providerID, err)
	}
	return msg.ID, nil
}

// IngestBatch applies a webhook batch. Invalid events are counted, not fatal; a store
// error aborts the batch so the provider redelivers it.
func (f *DeliveryStatusFlowImpl) IngestBatch(ctx context.Context, req *dto.DeliveryStatusRequest) (*dto.IngestSummary, error) {
	summary := &dto.IngestSummary{Received: len(req.Events)}
	for _, ev := range req.Events {
		receipt := DeliveryReceipt{
			ProviderMessageID: ev.ProviderMessageID,
			Status:            models.MessageStatus(strings.ToLower(strings.TrimSpace(ev.Status))),
			ErrorCode:         ev.ErrorCode,
			ErrorMessage:      ev.ErrorMessage,
		}
		if ev.ObservedAt != nil {
			receipt.ObservedAt = ev.ObservedAt.UTC()
		}

		transition, err := f.Ingest(ctx, receipt)
		if err != nil {
			if isRejectedReceipt(err) {
				summary.Invalid++
				continue
			}
			return summary, err
		}
		countTransition(summary, transition)
	}
	return summary, nil
}

// IngestCloudStatuses applies statuses parsed from a WhatsApp Cloud webhook. Malformed
// statuses are logged and counted; a store error aborts so the webhook is redelivered.
func (f *DeliveryStatusFlowImpl) IngestCloudStatuses(ctx context.Context, updates []services.CloudStatusUpdate) (*dto.IngestSummary, error) {
	summary := &dto.IngestSummary{Received: len(updates)}
	for _, u := range updates {
		receipt := DeliveryReceipt{
			ProviderMessageID: u.ProviderMessageID,
			Status:            models.MessageStatus(u.Status),
			ObservedAt:        u.Timestamp,
			ErrorCode:         u.ErrorCode,
			ErrorMessage:      u.ErrorMessage,
		}
		transition, err := f.Ingest(ctx, receipt)
		if err != nil {
			if !isRejectedReceipt(err) {
				return summary, err
			}
			summary.Invalid++
			f.logger.Printf("ingest: cloud status %s for %q rejected: %v", u.Status, u.ProviderMessageID, err)
			continue
		}
		countTransition(summary, transition)
	}
	return summary, nil
}

func isRejectedReceipt(err error) bool {
	return IsProviderMessageIDRequired(err) || IsInvalidMessageStatus(err)
}

func countTransition(summary *dto.IngestSummary, transition models.MessageStatusTransition) {
	switch transition {
	case models.TransitionApplied:
		summary.Applied++
	case models.TransitionStale:
		summary.Stale++
	case models.TransitionNotFound:
		summary.Unknown++
	}
}
