// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/amirphl/Kotodama/app/dto"
	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/amirphl/Kotodama/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
)

const defaultRequestTimeout = 30 * time.Second

// baseHandler carries the response helpers shared by every handler
type baseHandler struct {
	validator *validator.Validate
}

func newBaseHandler() baseHandler {
	return baseHandler{validator: NewValidator()}
}

// NewValidator returns a validator with the custom rules the DTOs use
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("phone_digits", func(fl validator.FieldLevel) bool {
		return utils.IsValidPhone(utils.NormalizePhone(fl.Field().String()))
	})
	return v
}

func (h *baseHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *baseHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// validate runs struct validation and writes the 400 response itself; ok is false when it did
func (h *baseHandler) validate(c fiber.Ctx, req any) (bool, error) {
	err := h.validator.Struct(req)
	if err == nil {
		return true, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", err.Error())
	}
	messages := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		messages = append(messages, getValidationErrorMessage(fe))
	}
	return false, h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", messages)
}

// BusinessErrorResponse maps a flow error to its HTTP status
func (h *baseHandler) BusinessErrorResponse(c fiber.Ctx, err error, fallback string) error {
	code := "INTERNAL_ERROR"
	message := fallback
	var be *businessflow.BusinessError
	if errors.As(err, &be) {
		code = be.Code
		message = be.Message
	}

	switch {
	case businessflow.IsCampaignNotFound(err), businessflow.IsMessageNotFound(err), businessflow.IsReplyNotFound(err):
		return h.ErrorResponse(c, fiber.StatusNotFound, message, code, nil)
	case businessflow.IsConflict(err), businessflow.IsInvalidState(err), businessflow.IsInvalidTransition(err):
		return h.ErrorResponse(c, fiber.StatusConflict, message, code, err.Error())
	case businessflow.IsNoRecipients(err):
		return h.ErrorResponse(c, fiber.StatusUnprocessableEntity, message, code, nil)
	case businessflow.IsChannelUnavailable(err):
		return h.ErrorResponse(c, fiber.StatusServiceUnavailable, message, code, nil)
	case businessflow.IsCampaignUUIDRequired(err),
		businessflow.IsCampaignNameRequired(err),
		businessflow.IsCampaignTemplateRequired(err),
		businessflow.IsRecipientsRequired(err),
		businessflow.IsInvalidPhone(err),
		businessflow.IsInvalidConsultant(err),
		businessflow.IsScheduleTimeNotPresent(err),
		businessflow.IsScheduleTimeTooSoon(err),
		businessflow.IsProviderMessageIDRequired(err),
		businessflow.IsInvalidMessageStatus(err),
		businessflow.IsReplyPhoneRequired(err),
		businessflow.IsInvalidPage(err),
		businessflow.IsInvalidPageSize(err):
		return h.ErrorResponse(c, fiber.StatusBadRequest, message, code, err.Error())
	}

	log.Printf("%s: %v", fallback, err)
	return h.ErrorResponse(c, fiber.StatusInternalServerError, fallback, code, nil)
}

// requestContext creates a context with request-scoped values for observability and timeout
func (h *baseHandler) requestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	return h.requestContextWithTimeout(c, endpoint, defaultRequestTimeout)
}

func (h *baseHandler) requestContextWithTimeout(c fiber.Ctx, endpoint string, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	ctx = context.WithValue(ctx, utils.RequestIDKey, requestID(c))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	ctx = context.WithValue(ctx, utils.TimeoutKey, timeout)
	if operatorID, ok := c.Locals("operator_id").(string); ok {
		ctx = context.WithValue(ctx, utils.OperatorIDKey, operatorID)
	}

	return ctx, cancel
}

// metadata collects the caller information passed to flows
func (h *baseHandler) metadata(c fiber.Ctx) *businessflow.ClientMetadata {
	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(requestID(c))
	if operatorID, ok := c.Locals("operator_id").(string); ok {
		metadata.SetOperatorID(operatorID)
	}
	return metadata
}

func requestID(c fiber.Ctx) string {
	if id := requestid.FromContext(c); id != "" {
		return id
	}
	return c.Get(businessflow.RequestIDKey)
}

func getValidationErrorMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "min":
		return err.Field() + " must have at least " + err.Param() + " items or characters"
	case "max":
		return err.Field() + " must have at most " + err.Param() + " items or characters"
	case "len":
		return err.Field() + " must be exactly " + err.Param() + " characters"
	case "oneof":
		return err.Field() + " must be one of: " + err.Param()
	case "phone_digits":
		return err.Field() + " must be an international phone number with 8 to 15 digits"
	case "uuid", "uuid4":
		return err.Field() + " must be a valid UUID"
	case "numeric":
		return err.Field() + " must contain only numbers"
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", err.Field(), err.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", err.Field(), err.Param())
	default:
		return err.Field() + " is invalid"
	}
}
