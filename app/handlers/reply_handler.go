package handlers

import (
	"github.com/amirphl/Kotodama/app/dto"
	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/gofiber/fiber/v3"
)

// ReplyHandler exposes inbound replies to operators
type ReplyHandler struct {
	baseHandler
	replyFlow businessflow.InboundReplyFlow
}

func NewReplyHandler(replyFlow businessflow.InboundReplyFlow) *ReplyHandler {
	return &ReplyHandler{baseHandler: newBaseHandler(), replyFlow: replyFlow}
}

// ListReplies lists replies newest first, each with the campaign it answers
// @Summary List Replies
// @Tags Replies
// @Produce json
// @Param phone query string false "Sender phone"
// @Param page query int false "Page number"
// @Param limit query int false "Items per page"
// @Success 200 {object} dto.APIResponse{data=dto.ListRepliesResponse}
// @Router /api/v1/replies [get]
func (h *ReplyHandler) ListReplies(c fiber.Ctx) error {
	page, limit := pageParams(c)

	ctx, cancel := h.requestContext(c, "/api/v1/replies")
	defer cancel()

	result, err := h.replyFlow.ListReplies(ctx, &dto.ListRepliesRequest{
		Phone: c.Query("phone"),
		Page:  page,
		Limit: limit,
	})
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to list replies")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Replies retrieved successfully", result)
}

// GetReply returns one reply
// @Router /api/v1/replies/{uuid} [get]
func (h *ReplyHandler) GetReply(c fiber.Ctx) error {
	ctx, cancel := h.requestContext(c, "/api/v1/replies/:uuid")
	defer cancel()

	result, err := h.replyFlow.GetReply(ctx, c.Params("uuid"))
	if err != nil {
		return h.BusinessErrorResponse(c, err, "Failed to get reply")
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Reply retrieved successfully", result)
}
