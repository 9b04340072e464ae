package routing

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

// WeightedDestination is a provider-agnostic dial target for live-agent transfers.
type WeightedDestination struct {
	// TargetURI examples:
	// - sip:agent-123@pbx.example.com
	// - +15551234567
	TargetURI string `json:"target_uri"`

	// Weight must be > 0; non-positive weights are never selected.
	Weight int `json:"weight"`
}

// Decision is the outcome of choosing a transfer destination.
type Decision struct {
	Department string `json:"department,omitempty"`
	Action     Action `json:"action"`
	ConnectTo  string `json:"connect_to,omitempty"`

	// Reason is intended for internal logs only.
	Reason string `json:"reason,omitempty"`
}

type Action string

const (
	ActionConnect Action = "connect"
	ActionQueue   Action = "queue"
)

// Selector performs weighted random destination selection.
// Safe for concurrent use.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector returns a Selector. A nil rng seeds from the clock.
func NewSelector(rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Selector{rng: rng}
}

// Pick chooses a destination with probability proportional to its weight.
func (s *Selector) Pick(dests []WeightedDestination) (string, bool) {
	var total int
	for _, d := range dests {
		if d.Weight <= 0 || strings.TrimSpace(d.TargetURI) == "" {
			continue
		}
		total += d.Weight
	}
	if total <= 0 {
		return "", false
	}

	s.mu.Lock()
	r := s.rng.Intn(total) // 0..total-1
	s.mu.Unlock()

	var acc int
	for _, d := range dests {
		if d.Weight <= 0 || strings.TrimSpace(d.TargetURI) == "" {
			continue
		}
		acc += d.Weight
		if r < acc {
			return d.TargetURI, true
		}
	}
	return "", false
}

// Decide picks a destination for a department. With no eligible destination the
// transfer is queued for a human callback rather than connected.
func (s *Selector) Decide(department string, byDept map[string][]WeightedDestination) Decision {
	dept := strings.ToLower(strings.TrimSpace(department))
	if dept == "" {
		dept = "general"
	}
	dests, ok := byDept[dept]
	if !ok && dept != "general" {
		dests = byDept["general"]
	}
	if target, ok := s.Pick(dests); ok {
		return Decision{Department: dept, Action: ActionConnect, ConnectTo: target, Reason: "selected"}
	}
	return Decision{Department: dept, Action: ActionQueue, Reason: "no_eligible_destination"}
}
