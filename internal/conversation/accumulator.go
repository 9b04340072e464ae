package conversation

import (
	"fmt"
	"sort"
	"strings"

	"voice-orchestrator/internal/llm"
)

// toolCallAccumulator reassembles streamed tool calls keyed by the provider's
// declared index. Arguments concatenate per index in arrival order; fragments
// of different indices may interleave freely.
type toolCallAccumulator struct {
	calls map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{calls: map[int]*partialCall{}}
}

func (a *toolCallAccumulator) Add(d llm.ToolCallDelta) {
	p, ok := a.calls[d.Index]
	if !ok {
		p = &partialCall{}
		a.calls[d.Index] = p
	}
	if p.id == "" && d.ID != "" {
		p.id = d.ID
	}
	if p.name == "" && d.Name != "" {
		p.name = d.Name
	}
	p.args.WriteString(d.Arguments)
}

func (a *toolCallAccumulator) Len() int { return len(a.calls) }

// Calls returns the complete calls ordered by index.
func (a *toolCallAccumulator) Calls() []llm.ToolCall {
	idx := make([]int, 0, len(a.calls))
	for i := range a.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]llm.ToolCall, 0, len(idx))
	for _, i := range idx {
		p := a.calls[i]
		id := p.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		out = append(out, llm.ToolCall{ID: id, Name: p.name, Arguments: p.args.String()})
	}
	return out
}
