package conversation

import "voice-orchestrator/internal/llm"

// History is the append-only message log of one call. The system message is
// set once at construction and is always first.
//
// Not safe for concurrent use; a session's turn worker owns it.
type History struct {
	msgs []llm.Message
}

func NewHistory(system string) *History {
	return &History{msgs: []llm.Message{{Role: llm.RoleSystem, Content: system}}}
}

// Append adds messages. System messages are dropped.
func (h *History) Append(ms ...llm.Message) {
	for _, m := range ms {
		if m.Role == llm.RoleSystem {
			continue
		}
		h.msgs = append(h.msgs, m)
	}
}

func (h *History) Len() int { return len(h.msgs) }

// Messages returns a copy safe to hand to a provider.
func (h *History) Messages() []llm.Message {
	out := make([]llm.Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// with returns the history followed by staged messages without committing them.
func (h *History) with(staged []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(h.msgs)+len(staged))
	out = append(out, h.msgs...)
	return append(out, staged...)
}
