package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"voice-orchestrator/internal/llm"
	"voice-orchestrator/internal/llm/llmtest"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/tools"
	"voice-orchestrator/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry(logger.Discard())
	require.NoError(t, tools.RegisterBuiltins(r, tools.Deps{
		Backend: tools.NewMemoryBackend(5),
		Tenants: tenant.NewMemoryStore(tenant.Tenant{ID: 1, Name: "Hotel Sol"}),
	}))
	return r
}

func newConversation() *Conversation {
	return &Conversation{
		CallID:           "CA1",
		TenantID:         1,
		Caller:           "+34600000001",
		CouldNotComplete: "No he podido completar eso.",
		History:          NewHistory("system prompt"),
	}
}

func roles(h *History) []llm.Role {
	var out []llm.Role
	for _, m := range h.Messages() {
		out = append(out, m.Role)
	}
	return out
}

func collect(out *[]string) func(string) {
	return func(s string) { *out = append(*out, s) }
}

func TestEngine_PlainReplyStreamsAndCommits(t *testing.T) {
	p := llmtest.New().AddStream(llmtest.Text("Su reserva ", "fue creada."))
	e := NewEngine(p, newRegistry(t), logger.Discard())
	c := newConversation()

	var got []string
	res, err := e.HandleTurn(context.Background(), c, "hola", collect(&got))
	require.NoError(t, err)

	assert.Equal(t, []string{"Su reserva ", "fue creada."}, got)
	assert.Equal(t, "Su reserva fue creada.", res.Reply)
	assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant}, roles(c.History))

	require.Len(t, p.StreamRequests, 1)
	assert.Len(t, p.StreamRequests[0].Tools, 7)
	assert.Equal(t, "hola", p.StreamRequests[0].Messages[1].Content)
}

func TestEngine_ToolTurnRunsOneFollowUp(t *testing.T) {
	idx0 := []llm.Chunk{
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "call_1", Name: "create_reservation", Arguments: `{"customer_name":"Ana Ruiz",`}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `"customer_phone":"+34600111222","checkin":"2026-07-01",`}}},
		{ToolCalls: []llm.ToolCallDelta{{Index: 0, Arguments: `"checkout":"2026-07-03"}`}}, FinishReason: "tool_calls"},
	}
	p := llmtest.New().
		AddStream(llmtest.StreamScript{Chunks: idx0}).
		AddCompletion(llmtest.CompleteScript{Message: llm.Message{Content: "Listo, su reserva está confirmada."}})
	e := NewEngine(p, newRegistry(t), logger.Discard())
	c := newConversation()

	var got []string
	res, err := e.HandleTurn(context.Background(), c, "quiero reservar", collect(&got))
	require.NoError(t, err)

	assert.Equal(t, []string{"Listo, su reserva está confirmada."}, got)
	assert.False(t, res.Unresolved)
	require.Len(t, res.ToolCalls, 1)

	msgs := c.History.Messages()
	assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}, roles(c.History))
	assert.Empty(t, msgs[2].Content)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_1", msgs[3].ToolCallID)
	assert.Equal(t, "create_reservation", msgs[3].ToolName)
	assert.Contains(t, msgs[3].Content, `"success":true`)
	assert.Equal(t, "Listo, su reserva está confirmada.", msgs[4].Content)

	require.Len(t, p.CompleteRequests, 1)
	follow := p.CompleteRequests[0].Messages
	assert.Equal(t, llm.RoleTool, follow[len(follow)-1].Role)
}

func TestEngine_FollowUpIsSeparatedFromPreamble(t *testing.T) {
	p := llmtest.New().
		AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{
			{Content: "Un momento"},
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "get_business_info", Arguments: `{"info_type":"general"}`}}},
		}}).
		AddCompletion(llmtest.CompleteScript{Message: llm.Message{Content: "Somos un hotel."}})
	e := NewEngine(p, newRegistry(t), logger.Discard())
	c := newConversation()

	var got []string
	_, err := e.HandleTurn(context.Background(), c, "info", collect(&got))
	require.NoError(t, err)
	assert.Equal(t, "Un momento Somos un hotel.", strings.Join(got, ""))

	last := c.History.Messages()[c.History.Len()-1]
	assert.Equal(t, "Somos un hotel.", last.Content)
}

func TestFollowUpFragment(t *testing.T) {
	assert.Equal(t, "Listo.", followUpFragment("", "Listo."))
	assert.Equal(t, "Listo.", followUpFragment("Un momento. ", "Listo."))
	assert.Equal(t, " Listo.", followUpFragment("Un momento.", "Listo."))
}

func TestEngine_SecondToolRoundIsRefused(t *testing.T) {
	p := llmtest.New().
		AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{
			{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c1", Name: "get_business_info", Arguments: `{"info_type":"hours"}`}}},
		}}).
		AddCompletion(llmtest.CompleteScript{Message: llm.Message{
			ToolCalls: []llm.ToolCall{{ID: "c2", Name: "get_business_info", Arguments: `{"info_type":"prices"}`}},
		}})
	e := NewEngine(p, newRegistry(t), logger.Discard())
	c := newConversation()

	var got []string
	res, err := e.HandleTurn(context.Background(), c, "horario?", collect(&got))
	require.NoError(t, err)

	assert.True(t, res.Unresolved)
	assert.Equal(t, []string{"No he podido completar eso."}, got)
	last := c.History.Messages()[c.History.Len()-1]
	assert.Equal(t, llm.RoleAssistant, last.Role)
	assert.Equal(t, "No he podido completar eso.", last.Content)
	assert.Empty(t, last.ToolCalls)
	_, completions := p.Calls()
	assert.Equal(t, 1, completions)
}

func TestEngine_ProviderErrorsKeepOnlyUserMessage(t *testing.T) {
	cases := map[string]*llmtest.Provider{
		"stream open": llmtest.New().AddStream(llmtest.StreamScript{Err: errors.New("503")}),
		"mid stream":  llmtest.New().AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{Content: "Un mo"}}, RecvErr: errors.New("reset")}),
		"follow-up": llmtest.New().
			AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "c", Name: "get_business_info", Arguments: `{"info_type":"hours"}`}}}}}).
			AddCompletion(llmtest.CompleteScript{Err: errors.New("timeout")}),
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			e := NewEngine(p, newRegistry(t), logger.Discard())
			c := newConversation()

			_, err := e.HandleTurn(context.Background(), c, "hola", func(string) {})
			require.ErrorIs(t, err, ErrProvider)
			assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleUser}, roles(c.History))
		})
	}
}

func TestEngine_CancellationDiscardsPartialReply(t *testing.T) {
	p := llmtest.New().AddStream(llmtest.StreamScript{
		Chunks:     []llm.Chunk{{Content: "Déjeme "}, {Content: "ver"}},
		BlockAfter: 1,
	})
	e := NewEngine(p, newRegistry(t), logger.Discard())
	c := newConversation()

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	done := make(chan error, 1)
	go func() {
		_, err := e.HandleTurn(ctx, c, "hola", collect(&got))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}
	assert.Equal(t, []string{"Déjeme "}, got)
	assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleUser}, roles(c.History))
}

func TestEngine_HistoryIsMonotonicWithSingleSystemMessage(t *testing.T) {
	p := llmtest.New().
		AddStream(llmtest.Text("Hola.")).
		AddStream(llmtest.StreamScript{Err: errors.New("boom")}).
		AddStream(llmtest.Text("Claro, ", "dígame.")).
		AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{ToolCalls: []llm.ToolCallDelta{{Index: 0, ID: "x", Name: "get_business_info", Arguments: `{"info_type":"hours"}`}}}}}).
		AddCompletion(llmtest.CompleteScript{Message: llm.Message{Content: "Abrimos a las nueve."}})
	e := NewEngine(p, newRegistry(t), logger.Discard())
	c := newConversation()

	prev := c.History.Len()
	for _, text := range []string{"uno", "dos", "tres", "cuatro"} {
		_, _ = e.HandleTurn(context.Background(), c, text, func(string) {})
		require.GreaterOrEqual(t, c.History.Len(), prev)
		prev = c.History.Len()

		systems := 0
		for _, m := range c.History.Messages() {
			if m.Role == llm.RoleSystem {
				systems++
			}
		}
		require.Equal(t, 1, systems)
		require.Equal(t, llm.RoleSystem, c.History.Messages()[0].Role)
	}
	assert.True(t, strings.Contains(c.History.Messages()[c.History.Len()-1].Content, "nueve"))
}

func TestHistory_DropsSystemAppends(t *testing.T) {
	h := NewHistory("sys")
	h.Append(llm.Message{Role: llm.RoleSystem, Content: "again"}, llm.Message{Role: llm.RoleUser, Content: "hi"})
	assert.Equal(t, 2, h.Len())
}
