// Package llm is the boundary to the completion provider.
//
// The conversation engine depends only on Provider; the OpenAI adapter is the
// one production implementation. Provider SDK types never leave this package.
package llm

import (
	"context"
	"errors"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName are set on tool messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is a complete, reassembled tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

type Request struct {
	Messages []Message
	Tools    []ToolSpec
}

// ToolCallDelta is a fragment of a tool call as streamed by the provider.
// Fragments belonging to the same call share Index; ID and Name usually arrive
// once, Arguments arrives in pieces that must be concatenated.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Chunk is one streamed event.
type Chunk struct {
	Content      string
	ToolCalls    []ToolCallDelta
	FinishReason string
}

// Stream yields chunks until Recv returns io.EOF.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Provider is the completion backend.
type Provider interface {
	Stream(ctx context.Context, req Request) (Stream, error)
	Complete(ctx context.Context, req Request) (Message, error)
}

var ErrEmptyResponse = errors.New("llm: provider returned no choices")
