// Package businessflow contains the core business logic and use cases for campaign messaging workflows
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Campaign-related errors
	ErrCampaignNotFound         = errors.New("campaign not found")
	ErrCampaignUUIDRequired     = errors.New("campaign UUID is required")
	ErrCampaignNameRequired     = errors.New("campaign name is required")
	ErrCampaignTemplateRequired = errors.New("campaign template is required")
	ErrInvalidState             = errors.New("campaign is not in a state that allows this operation")
	ErrConflict                 = errors.New("campaign status changed concurrently")
	ErrNoRecipients             = errors.New("campaign has no recipients")
	ErrScheduleTimeNotPresent   = errors.New("schedule time is not present")
	ErrScheduleTimeTooSoon      = errors.New("schedule time is too soon")
	ErrInvalidTransition        = errors.New("campaign status transition is not allowed")

	// Recipient errors
	ErrRecipientsRequired = errors.New("at least one recipient is required")
	ErrInvalidPhone       = errors.New("invalid phone number")
	ErrInvalidConsultant  = errors.New("invalid consultant id")

	// Message and receipt errors
	ErrMessageNotFound           = errors.New("message not found")
	ErrProviderMessageIDRequired = errors.New("provider message id is required")
	ErrInvalidMessageStatus      = errors.New("invalid message status")

	// Reply errors
	ErrReplyNotFound      = errors.New("reply not found")
	ErrReplyPhoneRequired = errors.New("reply sender phone is required")

	// Outbound channel errors
	ErrChannelUnavailable = errors.New("outbound channel unavailable")

	// Filter errors
	ErrInvalidPage     = errors.New("invalid page")
	ErrInvalidPageSize = errors.New("invalid page size")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

func IsCampaignNotFound(err error) bool {
	return errors.Is(err, ErrCampaignNotFound)
}

func IsCampaignUUIDRequired(err error) bool {
	return errors.Is(err, ErrCampaignUUIDRequired)
}

func IsCampaignNameRequired(err error) bool {
	return errors.Is(err, ErrCampaignNameRequired)
}

func IsCampaignTemplateRequired(err error) bool {
	return errors.Is(err, ErrCampaignTemplateRequired)
}

func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsNoRecipients(err error) bool {
	return errors.Is(err, ErrNoRecipients)
}

func IsScheduleTimeNotPresent(err error) bool {
	return errors.Is(err, ErrScheduleTimeNotPresent)
}

func IsScheduleTimeTooSoon(err error) bool {
	return errors.Is(err, ErrScheduleTimeTooSoon)
}

func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func IsRecipientsRequired(err error) bool {
	return errors.Is(err, ErrRecipientsRequired)
}

func IsInvalidPhone(err error) bool {
	return errors.Is(err, ErrInvalidPhone)
}

func IsInvalidConsultant(err error) bool {
	return errors.Is(err, ErrInvalidConsultant)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsProviderMessageIDRequired(err error) bool {
	return errors.Is(err, ErrProviderMessageIDRequired)
}

func IsInvalidMessageStatus(err error) bool {
	return errors.Is(err, ErrInvalidMessageStatus)
}

func IsReplyNotFound(err error) bool {
	return errors.Is(err, ErrReplyNotFound)
}

func IsReplyPhoneRequired(err error) bool {
	return errors.Is(err, ErrReplyPhoneRequired)
}

func IsChannelUnavailable(err error) bool {
	return errors.Is(err, ErrChannelUnavailable)
}

func IsInvalidPage(err error) bool {
	return errors.Is(err, ErrInvalidPage)
}

func IsInvalidPageSize(err error) bool {
	return errors.Is(err, ErrInvalidPageSize)
}
