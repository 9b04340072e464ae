package orchestrator

import (
	"errors"

	"voice-orchestrator/internal/conversation"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/telephony"
)

// Setup failures. Each ends the call attempt with a spoken rejection.
var (
	ErrTenantUnresolved  = errors.New("orchestrator: tenant unresolved")
	ErrChannelDisabled   = errors.New("orchestrator: voice channel disabled")
	ErrCapacity          = errors.New("orchestrator: concurrent call limit reached")
	ErrDuplicateCall     = errors.New("orchestrator: call already in progress")
	ErrPromptUnavailable = errors.New("orchestrator: system prompt unavailable")

	ErrInsufficientCredits = credits.ErrInsufficientCredits
)

// Turn and transport failures, re-exported for callers matching on them.
var (
	ErrProvider            = conversation.ErrProvider
	ErrTransportDisconnect = telephony.ErrTransportDisconnect
)

// errCallEnded stops a session's goroutines once the call is over.
var errCallEnded = errors.New("orchestrator: call ended")

// outcome labels a rejection cause for metrics.
func outcome(err error) string {
	switch {
	case errors.Is(err, ErrTenantUnresolved):
		return "rejected_tenant"
	case errors.Is(err, ErrChannelDisabled):
		return "rejected_disabled"
	case errors.Is(err, ErrInsufficientCredits):
		return "rejected_credits"
	case errors.Is(err, ErrCapacity):
		return "rejected_capacity"
	case errors.Is(err, ErrDuplicateCall):
		return "rejected_duplicate"
	default:
		return "rejected_error"
	}
}
