// Package prompt renders the per-tenant system instruction.
package prompt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/tools"
)

// Describer lists the callable tools; *tools.Registry satisfies it.
type Describer interface {
	Describe() []tools.Spec
}

// Builder loads tenant configuration and renders it.
type Builder struct {
	tenants         tenant.Store
	tools           Describer
	defaultLanguage string
}

func NewBuilder(tenants tenant.Store, d Describer, defaultLanguage string) *Builder {
	if defaultLanguage == "" {
		defaultLanguage = "es"
	}
	return &Builder{tenants: tenants, tools: d, defaultLanguage: defaultLanguage}
}

// Build returns the system prompt for tenantID.
func (b *Builder) Build(ctx context.Context, tenantID int64) (string, error) {
	t, err := b.tenants.Get(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("prompt: load tenant %d: %w", tenantID, err)
	}
	var specs []tools.Spec
	if b.tools != nil {
		specs = b.tools.Describe()
	}
	return Render(t, specs, b.defaultLanguage), nil
}

var languageNames = map[string]string{
	"es": "Spanish",
	"en": "English",
	"pt": "Portuguese",
	"fr": "French",
}

// Render is a pure function of its inputs. Capabilities and tools are sorted,
// so equal configurations produce identical prompts.
func Render(t tenant.Tenant, specs []tools.Spec, defaultLanguage string) string {
	lang := t.Lang(defaultLanguage)
	langName, ok := languageNames[lang]
	if !ok {
		langName = lang
	}
	tone := t.Tone
	if tone == "" {
		tone = "friendly and professional"
	}
	businessType := t.BusinessType
	if businessType == "" {
		businessType = "business"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the phone assistant of %s, a %s.\n", t.Name, businessType)
	fmt.Fprintf(&b, "Always answer in %s with a %s tone.\n", langName, tone)
	b.WriteString("Your replies are spoken aloud: keep them short, one or two sentences, no lists, no markdown, no emojis.\n")
	b.WriteString("Spell out dates and numbers the way a person would say them.\n")
	b.WriteString("Never invent reservations, prices or availability; use the tools to check.\n")
	b.WriteString("Confirm names, phone numbers and dates with the caller before creating or cancelling a reservation.\n")
	if t.Timezone != "" {
		fmt.Fprintf(&b, "The business operates in the %s time zone.\n", t.Timezone)
	}

	caps := append([]string(nil), t.Capabilities...)
	sort.Strings(caps)
	if len(caps) > 0 {
		b.WriteString("\nYou can help callers with:\n")
		for _, c := range caps {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	if len(specs) > 0 {
		sorted := append([]tools.Spec(nil), specs...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		b.WriteString("\nAvailable actions:\n")
		for _, s := range sorted {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
		}
	}

	if len(t.CustomRules) > 0 {
		b.WriteString("\nBusiness rules:\n")
		for _, r := range t.CustomRules {
			if r = strings.TrimSpace(r); r != "" {
				fmt.Fprintf(&b, "- %s\n", r)
			}
		}
	}

	b.WriteString("\nIf the caller asks for a person or you cannot help, offer to transfer them or take a message.")
	return b.String()
}
