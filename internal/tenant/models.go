package tenant

import (
	"errors"
	"time"

	"voice-orchestrator/internal/routing"
)

// Tenant is the voice-agent configuration of one organization.
//
// Multi-tenant invariant: ID is the unit of configuration and billing isolation.
type Tenant struct {
	ID           int64  `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	BusinessType string `json:"business_type" db:"business_type"`

	// Language is a BCP-47 prefix; "es" and "en" have built-in utterances.
	Language string `json:"language" db:"language"`
	Tone     string `json:"tone" db:"tone"`

	CustomRules  []string `json:"custom_rules,omitempty" db:"custom_rules"`
	Capabilities []string `json:"capabilities,omitempty" db:"capabilities"`

	// Greeting is spoken when a call connects. Empty means the language default.
	Greeting string `json:"greeting,omitempty" db:"greeting"`

	// PhoneNumbers are the E.164 numbers that route to this tenant.
	PhoneNumbers []string `json:"phone_numbers,omitempty" db:"phone_numbers"`

	// BusinessInfo answers get_business_info, keyed by info type
	// (hours, address, services, prices, general).
	BusinessInfo map[string]string `json:"business_info,omitempty" db:"business_info"`

	// Transfer lists live-agent destinations per department.
	Transfer map[string][]routing.WeightedDestination `json:"transfer,omitempty" db:"transfer"`

	Timezone string `json:"timezone,omitempty" db:"timezone"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Lang returns the tenant language or fallback when unset.
func (t Tenant) Lang(fallback string) string {
	if t.Language == "" {
		return fallback
	}
	return t.Language
}

var (
	ErrNotFound        = errors.New("tenant: not found")
	ErrInvalidArgument = errors.New("tenant: invalid argument")
)
