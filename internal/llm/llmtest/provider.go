// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"io"
	"sync"

	"voice-orchestrator/internal/llm"
)

// StreamScript describes one Stream call.
type StreamScript struct {
	Chunks []llm.Chunk

	// Err fails the Stream call itself.
	Err error
	// RecvErr is returned after all chunks instead of io.EOF.
	RecvErr error

	// BlockAfter, when > 0, blocks Recv after that many chunks until the
	// request context is cancelled.
	BlockAfter int
}

// CompleteScript describes one Complete call.
type CompleteScript struct {
	Message llm.Message
	Err     error
}

// Provider replays scripts in order. Unscripted calls fail.
type Provider struct {
	mu          sync.Mutex
	streams     []StreamScript
	completions []CompleteScript

	StreamRequests   []llm.Request
	CompleteRequests []llm.Request

	// Started receives once per Stream call, if non-nil.
	Started chan struct{}
}

var ErrUnscripted = errors.New("llmtest: unscripted call")

func New() *Provider { return &Provider{} }

func (p *Provider) AddStream(s StreamScript) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams = append(p.streams, s)
	return p
}

func (p *Provider) AddCompletion(c CompleteScript) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completions = append(p.completions, c)
	return p
}

// Text is shorthand for a stream that yields content pieces.
func Text(pieces ...string) StreamScript {
	s := StreamScript{}
	for _, p := range pieces {
		s.Chunks = append(s.Chunks, llm.Chunk{Content: p})
	}
	return s
}

func (p *Provider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	p.StreamRequests = append(p.StreamRequests, req)
	if len(p.streams) == 0 {
		p.mu.Unlock()
		return nil, ErrUnscripted
	}
	s := p.streams[0]
	p.streams = p.streams[1:]
	started := p.Started
	p.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return &stream{ctx: ctx, script: s}, nil
}

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteRequests = append(p.CompleteRequests, req)
	if len(p.completions) == 0 {
		return llm.Message{}, ErrUnscripted
	}
	c := p.completions[0]
	p.completions = p.completions[1:]
	if c.Err != nil {
		return llm.Message{}, c.Err
	}
	m := c.Message
	if m.Role == "" {
		m.Role = llm.RoleAssistant
	}
	return m, nil
}

// Calls reports how many Stream and Complete calls were made.
func (p *Provider) Calls() (streams, completions int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamRequests), len(p.CompleteRequests)
}

type stream struct {
	ctx    context.Context
	script StreamScript
	pos    int
	closed bool
}

func (s *stream) Recv() (llm.Chunk, error) {
	if s.closed {
		return llm.Chunk{}, io.ErrClosedPipe
	}
	if s.script.BlockAfter > 0 && s.pos >= s.script.BlockAfter {
		<-s.ctx.Done()
		return llm.Chunk{}, s.ctx.Err()
	}
	if s.pos < len(s.script.Chunks) {
		c := s.script.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.script.RecvErr != nil {
		return llm.Chunk{}, s.script.RecvErr
	}
	return llm.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
