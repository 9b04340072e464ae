// Package conversation drives one call's dialogue with the completion
// provider and executes the tools it requests.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"voice-orchestrator/internal/llm"
	"voice-orchestrator/internal/tools"
)

var ErrProvider = errors.New("conversation: provider error")

// Executor is the tool surface the engine needs; *tools.Registry satisfies it.
type Executor interface {
	Describe() []tools.Spec
	Execute(ctx context.Context, name, argumentsJSON string, tenantID int64) tools.Result
}

// Conversation is the per-call dialogue state.
type Conversation struct {
	CallID   string
	TenantID int64
	Caller   string

	// CouldNotComplete is spoken when the follow-up completion asks for more tools.
	CouldNotComplete string

	History *History
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	Reply     string
	ToolCalls []llm.ToolCall
	Handoff   *tools.Handoff

	// Unresolved is set when the model wanted a second tool round.
	Unresolved bool
}

// Engine is stateless across calls and safe for concurrent use.
type Engine struct {
	provider llm.Provider
	tools    Executor
	log      *slog.Logger
}

func NewEngine(provider llm.Provider, executor Executor, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{provider: provider, tools: executor, log: log}
}

// HandleTurn runs one user turn. Content is passed to emit as it streams; a
// reply produced after tool execution is emitted once, whole.
//
// History is only extended with the user message until the turn succeeds.
// On cancellation or error the assistant and tool messages of the turn are
// discarded. Tool calls are bounded to a single round.
func (e *Engine) HandleTurn(ctx context.Context, c *Conversation, userText string, emit func(string)) (TurnResult, error) {
	c.History.Append(llm.Message{Role: llm.RoleUser, Content: userText})

	specs := e.toolSpecs()
	stream, err := e.provider.Stream(ctx, llm.Request{Messages: c.History.Messages(), Tools: specs})
	if err != nil {
		return TurnResult{}, e.providerErr(ctx, err)
	}
	defer stream.Close()

	var content strings.Builder
	acc := newToolCallAccumulator()
	for {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, err
		}
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TurnResult{}, e.providerErr(ctx, err)
		}
		for _, d := range chunk.ToolCalls {
			acc.Add(d)
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			emit(chunk.Content)
		}
	}

	if acc.Len() == 0 {
		reply := content.String()
		c.History.Append(llm.Message{Role: llm.RoleAssistant, Content: reply})
		return TurnResult{Reply: reply}, nil
	}

	calls := acc.Calls()
	staged := []llm.Message{{Role: llm.RoleAssistant, Content: content.String(), ToolCalls: calls}}
	var handoff *tools.Handoff

	toolCtx := tools.WithCall(ctx, tools.CallInfo{CallID: c.CallID, Caller: c.Caller})
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return TurnResult{}, err
		}
		res := e.tools.Execute(toolCtx, call.Name, call.Arguments, c.TenantID)
		if res.IsError {
			e.log.Info("tool returned error result", "tool", call.Name, "result", res.Text)
		}
		if res.Handoff != nil && handoff == nil {
			handoff = res.Handoff
		}
		staged = append(staged, llm.Message{
			Role:       llm.RoleTool,
			Content:    res.Text,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
	}

	follow, err := e.provider.Complete(ctx, llm.Request{Messages: c.History.with(staged), Tools: specs})
	if err != nil {
		return TurnResult{}, e.providerErr(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}

	out := TurnResult{ToolCalls: calls, Handoff: handoff, Reply: follow.Content}
	if len(follow.ToolCalls) > 0 {
		e.log.Warn("follow-up completion requested more tools", "requested", len(follow.ToolCalls))
		out.Unresolved = true
		out.Reply = c.CouldNotComplete
	}

	staged = append(staged, llm.Message{Role: llm.RoleAssistant, Content: out.Reply})
	c.History.Append(staged...)
	if out.Reply != "" {
		emit(followUpFragment(content.String(), out.Reply))
	}
	return out, nil
}

// followUpFragment separates the follow-up reply from text already streamed
// before the tool call, so the two are not spoken as one word.
func followUpFragment(streamed, reply string) string {
	if streamed == "" || strings.TrimRight(streamed, " \t\r\n") != streamed {
		return reply
	}
	return " " + reply
}

func (e *Engine) toolSpecs() []llm.ToolSpec {
	if e.tools == nil {
		return nil
	}
	specs := e.tools.Describe()
	out := make([]llm.ToolSpec, 0, len(specs))
	for _, s := range specs {
		out = append(out, llm.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.Parameters})
	}
	return out
}

func (e *Engine) providerErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %v", ErrProvider, err)
}
