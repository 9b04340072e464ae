package conversation

import (
	"math/rand"
	"testing"

	"voice-orchestrator/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// splitDeltas breaks each call's arguments at random boundaries and
// interleaves the fragments of different indices randomly, keeping the
// per-index order.
func splitDeltas(rng *rand.Rand, calls []llm.ToolCall) []llm.ToolCallDelta {
	queues := make([][]llm.ToolCallDelta, len(calls))
	for i, c := range calls {
		args := c.Arguments
		first := true
		for first || len(args) > 0 {
			n := 0
			if len(args) > 0 {
				n = 1 + rng.Intn(len(args))
			}
			d := llm.ToolCallDelta{Index: i, Arguments: args[:n]}
			if first {
				d.ID, d.Name = c.ID, c.Name
				first = false
			}
			queues[i] = append(queues[i], d)
			args = args[n:]
		}
	}

	var out []llm.ToolCallDelta
	for {
		var live []int
		for i, q := range queues {
			if len(q) > 0 {
				live = append(live, i)
			}
		}
		if len(live) == 0 {
			return out
		}
		i := live[rng.Intn(len(live))]
		out = append(out, queues[i][0])
		queues[i] = queues[i][1:]
	}
}

func TestAccumulator_ReassemblyIsIndependentOfChunking(t *testing.T) {
	want := []llm.ToolCall{
		{ID: "call_a", Name: "check_availability", Arguments: `{"checkin":"2026-07-01","checkout":"2026-07-04","guests":2}`},
		{ID: "call_b", Name: "get_business_info", Arguments: `{"info_type":"prices"}`},
		{ID: "call_c", Name: "take_message", Arguments: `{"caller_name":"Ana","message":"llámame, por favor"}`},
	}
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		acc := newToolCallAccumulator()
		for _, d := range splitDeltas(rng, want) {
			acc.Add(d)
		}
		require.Equal(t, want, acc.Calls(), "trial %d", trial)
	}
}

func TestAccumulator_GroupsByIndexNotName(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 0, ID: "c0", Name: "lookup_reservation", Arguments: `{"code":`})
	acc.Add(llm.ToolCallDelta{Index: 1, ID: "c1", Name: "lookup_reservation", Arguments: `{"code":`})
	acc.Add(llm.ToolCallDelta{Index: 1, Arguments: `"B"}`})
	acc.Add(llm.ToolCallDelta{Index: 0, Arguments: `"A"}`})

	calls := acc.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, `{"code":"A"}`, calls[0].Arguments)
	assert.Equal(t, `{"code":"B"}`, calls[1].Arguments)
}

func TestAccumulator_SynthesizesMissingIDs(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.Add(llm.ToolCallDelta{Index: 3, Name: "take_message"})
	calls := acc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_3", calls[0].ID)
}
