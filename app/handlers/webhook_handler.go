package handlers

import (
	"crypto/subtle"

	"github.com/amirphl/Kotodama/app/dto"
	"github.com/amirphl/Kotodama/app/services"
	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/amirphl/Kotodama/config"
	"github.com/gofiber/fiber/v3"
)

// WebhookHandler receives provider callbacks. Responses stay 2xx for anything the
// provider should not redeliver, including unknown message ids.
type WebhookHandler struct {
	baseHandler
	deliveryFlow businessflow.DeliveryStatusFlow
	replyFlow    businessflow.InboundReplyFlow
	whatsapp     config.WhatsAppConfig
}

func NewWebhookHandler(deliveryFlow businessflow.DeliveryStatusFlow, replyFlow businessflow.InboundReplyFlow, whatsapp config.WhatsAppConfig) *WebhookHandler {
	return &WebhookHandler{
		baseHandler:  newBaseHandler(),
		deliveryFlow: deliveryFlow,
		replyFlow:    replyFlow,
		whatsapp:     whatsapp,
	}
}

// VerifyWhatsApp answers the Cloud API subscription handshake
// @Router /webhooks/whatsapp [get]
func (h *WebhookHandler) VerifyWhatsApp(c fiber.Ctx) error {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || h.whatsapp.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.whatsapp.VerifyToken)) != 1 {
		return h.ErrorResponse(c, fiber.StatusForbidden, "Webhook verification failed", "WEBHOOK_VERIFICATION_FAILED", nil)
	}
	return c.Status(fiber.StatusOK).SendString(challenge)
}

// ReceiveWhatsApp ingests a Cloud API notification carrying statuses and/or messages.
// A store failure answers 5xx so the provider redelivers the notification.
// @Router /webhooks/whatsapp [post]
func (h *WebhookHandler) ReceiveWhatsApp(c fiber.Ctx) error {
	body := c.Body()
	if h.whatsapp.AppSecret != "" && !services.VerifyCloudSignature(h.whatsapp.AppSecret, body, c.Get("X-Hub-Signature-256")) {
		return h.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid webhook signature", "INVALID_SIGNATURE", nil)
	}

	statuses, messages := services.ParseCloudWebhook(body)

	ctx, cancel := h.requestContext(c, "/webhooks/whatsapp")
	defer cancel()

	delivery, err := h.deliveryFlow.IngestCloudStatuses(ctx, statuses)
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to ingest delivery statuses")
	}
	replies, err := h.replyFlow.RecordCloudMessages(ctx, messages)
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to ingest inbound messages")
	}

	return h.SuccessResponse(c, fiber.StatusOK, "Webhook processed", fiber.Map{
		"statuses": delivery,
		"messages": replies,
	})
}

// ReceiveDeliveryStatus ingests provider-agnostic delivery receipts
// @Summary Delivery Status Webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body dto.DeliveryStatusRequest true "Receipts"
// @Success 200 {object} dto.APIResponse{data=dto.IngestSummary}
// @Router /webhooks/delivery-status [post]
func (h *WebhookHandler) ReceiveDeliveryStatus(c fiber.Ctx) error {
	var req dto.DeliveryStatusRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c, "/webhooks/delivery-status")
	defer cancel()

	summary, err := h.deliveryFlow.IngestBatch(ctx, &req)
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to ingest delivery receipts")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Delivery receipts processed", summary)
}

// ReceiveInbound ingests provider-agnostic inbound replies
// @Summary Inbound Reply Webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param request body dto.InboundReplyRequest true "Replies"
// @Success 200 {object} dto.APIResponse{data=dto.IngestSummary}
// @Router /webhooks/inbound [post]
func (h *WebhookHandler) ReceiveInbound(c fiber.Ctx) error {
	var req dto.InboundReplyRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if ok, err := h.validate(c, &req); !ok {
		return err
	}

	ctx, cancel := h.requestContext(c, "/webhooks/inbound")
	defer cancel()

	summary, err := h.replyFlow.RecordBatch(ctx, &req)
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to ingest inbound replies")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Inbound replies processed", summary)
}
