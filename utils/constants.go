package utils

import (
	"time"
)

// Token time constants
const (
	// AccessTokenTTL is the default time-to-live for operator access tokens (12 hours)
	AccessTokenTTL = 12 * time.Hour

	// RefreshTokenTTL is the default time-to-live for operator refresh tokens (7 days)
	RefreshTokenTTL = 7 * 24 * time.Hour
)

// CORS and security constants
const (
	// CORSMaxAge is the maximum age for CORS preflight requests (24 hours)
	CORSMaxAge = 86400
)

// Request-scoped context keys
type contextKey string

const (
	RequestIDKey  contextKey = "request_id"
	UserAgentKey  contextKey = "user_agent"
	IPAddressKey  contextKey = "ip_address"
	EndpointKey   contextKey = "endpoint"
	TimeoutKey    contextKey = "timeout"
	CancelFuncKey contextKey = "cancel_func"
	OperatorIDKey contextKey = "operator_id"
)

// Campaign messaging constants
const (
	// MinScheduleLead is how far in the future a schedule time must be
	MinScheduleLead = time.Minute

	// DefaultPageSize and MaxPageSize bound every listing endpoint
	DefaultPageSize = 20
	MaxPageSize     = 100

	// ReportSheetMessages and ReportSheetSummary name the export workbook sheets
	ReportSheetMessages = "Messages"
	ReportSheetSummary  = "Summary"
)
