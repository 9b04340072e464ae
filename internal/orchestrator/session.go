package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/conversation"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/llm"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/tools"
	"voice-orchestrator/internal/usage"
	"voice-orchestrator/pkg/logger"

	"golang.org/x/sync/errgroup"
)

const promptQueueSize = 16

// Session is one call. Its history and chunk buffer belong to the turn
// worker; the mutex guards only lifecycle state read by other goroutines.
type Session struct {
	o   *Orchestrator
	tr  telephony.Transport
	log *slog.Logger

	callID    string
	caller    string
	callee    string
	tenantID  int64
	startedAt time.Time
	msgs      utterances

	conv *conversation.Conversation

	mu         sync.Mutex
	state      calls.State
	turnCancel context.CancelFunc
	capHeld    bool

	closeOnce sync.Once
}

func (o *Orchestrator) NewSession(tr telephony.Transport) *Session {
	return &Session{
		o:     o,
		tr:    tr,
		log:   o.log,
		state: calls.StateConnecting,
		msgs:  messagesFor(o.deps.DefaultLanguage, ""),
	}
}

func (s *Session) CallID() string       { return s.callID }
func (s *Session) TenantID() int64      { return s.tenantID }
func (s *Session) Caller() string       { return s.caller }
func (s *Session) StartedAt() time.Time { return s.startedAt }

func (s *Session) State() calls.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the conversation so far.
func (s *Session) History() []llm.Message {
	if s.conv == nil {
		return nil
	}
	return s.conv.History.Messages()
}

func (s *Session) transition(next calls.State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		s.log.Warn("illegal session transition", "from", s.state, "to", next)
		return false
	}
	s.state = next
	return true
}

// OnSetup admits the call. On any failure the caller hears one rejection,
// the transport is asked to end, and the session goes straight to Closed
// without being registered.
func (s *Session) OnSetup(ctx context.Context, ev telephony.Event) error {
	d := s.o.deps
	s.callID = strings.TrimSpace(ev.CallID)
	s.caller = ev.From
	s.callee = ev.To
	s.log = logger.ForCall(s.o.log, s.callID)

	if s.callID == "" {
		return s.reject(ctx, fmt.Errorf("%w: setup without call id", ErrTenantUnresolved))
	}

	id, err := s.resolveTenant(ctx, ev)
	if err != nil {
		return s.reject(ctx, err)
	}
	t, err := d.Tenants.Get(ctx, id)
	if err != nil {
		return s.reject(ctx, fmt.Errorf("%w: %v", ErrTenantUnresolved, err))
	}
	s.tenantID = id
	s.log = s.log.With("tenant_id", id)
	lang := t.Lang(d.DefaultLanguage)
	s.msgs = messagesFor(lang, d.DefaultLanguage)

	enabled, err := d.Credits.CheckEnabled(ctx, id, credits.ChannelVoice)
	if err != nil {
		return s.reject(ctx, err)
	}
	if !enabled {
		return s.reject(ctx, ErrChannelDisabled)
	}
	funded, err := d.Credits.HasBalance(ctx, id, credits.ChannelVoice)
	if err != nil {
		return s.reject(ctx, err)
	}
	if !funded {
		return s.reject(ctx, ErrInsufficientCredits)
	}

	ok, err := d.CallCap.Acquire(ctx, id)
	if err != nil {
		s.log.Warn("call cap unavailable, admitting call", "err", err)
		ok = true
	} else if ok {
		s.mu.Lock()
		s.capHeld = true
		s.mu.Unlock()
	}
	if !ok {
		return s.reject(ctx, ErrCapacity)
	}

	system, err := d.Prompts.Build(ctx, id)
	if err != nil {
		return s.reject(ctx, fmt.Errorf("%w: %v", ErrPromptUnavailable, err))
	}
	s.conv = &conversation.Conversation{
		CallID:           s.callID,
		TenantID:         id,
		Caller:           s.caller,
		CouldNotComplete: s.msgs.couldNotComplete,
		History:          conversation.NewHistory(system),
	}
	s.startedAt = s.o.clock()

	if err := d.Registry.Register(s); err != nil {
		if errors.Is(err, calls.ErrAlreadyExists) {
			err = ErrDuplicateCall
		}
		return s.reject(ctx, err)
	}

	if _, err := d.Usage.Start(ctx, usage.Entry{
		TenantID:   id,
		Channel:    string(credits.ChannelVoice),
		SessionRef: s.callID,
		Recipient:  s.caller,
		Metadata:   usage.Metadata{StartedAt: s.startedAt.UTC()},
	}); err != nil {
		s.log.Error("usage log start failed", "err", err)
	}

	greeting := strings.TrimSpace(t.Greeting)
	if greeting == "" {
		greeting = s.msgs.greet(t.Name)
	}
	s.conv.History.Append(llm.Message{Role: llm.RoleAssistant, Content: greeting})
	s.transition(calls.StateActive)
	activeCalls.Inc()
	sessionsTotal.WithLabelValues("accepted").Inc()
	s.log.Info("call accepted", "from", s.caller, "to", s.callee)

	s.send(ctx, greeting, true)
	return nil
}

func (s *Session) resolveTenant(ctx context.Context, ev telephony.Event) (int64, error) {
	if hint := strings.TrimSpace(ev.Param("tenantId")); hint != "" {
		id, err := strconv.ParseInt(hint, 10, 64)
		if err != nil || id <= 0 {
			return 0, fmt.Errorf("%w: bad tenant hint %q", ErrTenantUnresolved, hint)
		}
		return id, nil
	}
	id, err := s.o.deps.Tenants.ResolveNumber(ctx, ev.To)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) || errors.Is(err, tenant.ErrInvalidArgument) {
			return 0, fmt.Errorf("%w: %q", ErrTenantUnresolved, ev.To)
		}
		return 0, fmt.Errorf("%w: %v", ErrTenantUnresolved, err)
	}
	return id, nil
}

func (s *Session) reject(ctx context.Context, cause error) error {
	s.log.Warn("call rejected", "err", cause)
	s.releaseCap(ctx)
	s.transition(calls.StateClosed)
	sessionsTotal.WithLabelValues(outcome(cause)).Inc()

	s.send(ctx, s.msgs.rejection(cause), true)
	if err := s.tr.End(ctx, nil); err != nil {
		s.log.Debug("end after rejection failed", "err", err)
	}
	return cause
}

// Run processes events until the call ends, then settles it. Transcripts
// are handled strictly in order by a single worker; interrupts are applied
// by the reader immediately.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	prompts := make(chan string, promptQueueSize)

	g.Go(func() error {
		for {
			ev, err := s.tr.Next(gctx)
			if err != nil {
				if errors.Is(err, telephony.ErrTransportDisconnect) || gctx.Err() != nil {
					s.log.Info("transport closed", "err", err)
					return errCallEnded
				}
				return err
			}
			switch ev.Type {
			case telephony.EventPrompt:
				// Partial transcripts are not enabled in the TwiML; only a
				// final prompt starts a turn.
				if !ev.Last || strings.TrimSpace(ev.Text) == "" {
					continue
				}
				s.enqueue(prompts, ev.Text)
			case telephony.EventInterrupt:
				s.OnInterrupt()
			case telephony.EventDTMF:
				s.OnDTMF(ev.Digit)
			case telephony.EventClose:
				return errCallEnded
			case telephony.EventSetup:
				s.log.Warn("duplicate setup ignored")
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case text := <-prompts:
				if h := s.OnPrompt(gctx, text); h != nil {
					s.handOff(gctx, h)
					return errCallEnded
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		s.OnInterrupt()
		_ = s.tr.Close()
		return nil
	})

	err := g.Wait()
	s.OnClose(ctx)
	if errors.Is(err, errCallEnded) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// enqueue hands text to the turn worker without blocking the reader, which
// must keep reading to see interrupts and disconnects. A prompt that
// arrives while the queue is full is dropped.
func (s *Session) enqueue(prompts chan<- string, text string) bool {
	select {
	case prompts <- text:
		return true
	default:
		droppedPrompts.Inc()
		s.log.Warn("prompt queue full, dropping prompt", "queued", len(prompts))
		return false
	}
}

// OnPrompt runs one turn for text and returns a handoff when the caller
// must be connected to a human.
func (s *Session) OnPrompt(ctx context.Context, text string) *tools.Handoff {
	text = strings.TrimSpace(text)
	if text == "" || s.State() != calls.StateActive {
		return nil
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.turnCancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.turnCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	start := s.o.clock()
	var ch chunker
	res, err := s.o.deps.Engine.HandleTurn(turnCtx, s.conv, text, func(fragment string) {
		if turnCtx.Err() != nil {
			return
		}
		if piece := ch.Push(fragment); piece != "" {
			s.send(turnCtx, piece, false)
		}
	})

	switch {
	case err == nil:
		s.send(ctx, ch.Flush(), true)
		result := "ok"
		if res.Unresolved {
			result = "unresolved"
		}
		turnsTotal.WithLabelValues(result).Inc()
		turnDuration.Observe(s.o.clock().Sub(start).Seconds())
		if res.Handoff != nil && res.Handoff.ConnectTo != "" {
			return res.Handoff
		}
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, context.Canceled):
		ch.Reset()
		turnsTotal.WithLabelValues("interrupted").Inc()
		s.log.Debug("turn interrupted")
		return nil
	default:
		ch.Reset()
		turnsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, ErrProvider) {
			providerErrors.Inc()
		}
		s.log.Warn("turn failed", "err", err)
		s.send(ctx, s.msgs.apology, true)
		return nil
	}
}

// OnInterrupt abandons the in-flight turn, if any. Output already sent and
// history already committed stay as they are.
func (s *Session) OnInterrupt() {
	s.mu.Lock()
	cancel := s.turnCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) OnDTMF(digit string) {
	s.log.Info("dtmf received", "digit", digit)
}

// OnClose settles the call: debit the billable minutes once, finalize the
// usage entry once, and unregister. Calling it again is a no-op.
func (s *Session) OnClose(ctx context.Context) {
	s.closeOnce.Do(func() { s.settle(ctx) })
}

func (s *Session) settle(ctx context.Context) {
	s.mu.Lock()
	if s.state != calls.StateActive {
		s.mu.Unlock()
		return
	}
	s.state = calls.StateEnding
	if s.turnCancel != nil {
		s.turnCancel()
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.o.settleTimeout)
	defer cancel()

	d := s.o.deps
	ended := s.o.clock()
	minutes := credits.BillableMinutes(ended.Sub(s.startedAt))

	debitFailed := false
	if minutes > 0 {
		if _, err := d.Credits.Debit(ctx, s.tenantID, credits.ChannelVoice, minutes, s.callID); err != nil {
			debitFailed = true
			debitFailures.Inc()
			s.log.Error("call debit failed", "minutes", minutes, "err", err)
		} else {
			billedMinutes.Add(float64(minutes))
		}
	}

	if _, err := d.Usage.Finish(ctx, s.callID, usage.FinishInput{
		CreditsUsed:     minutes,
		EndedAt:         ended.UTC(),
		DurationMinutes: minutes,
		MessageCount:    s.conv.History.Len() - 1,
		DebitFailed:     debitFailed,
	}); err != nil {
		s.log.Error("usage log finish failed", "err", err)
	}

	d.Registry.Unregister(s.callID)
	s.releaseCap(ctx)
	s.transition(calls.StateClosed)
	activeCalls.Dec()
	sessionsTotal.WithLabelValues("completed").Inc()
	s.log.Info("call settled", "minutes", minutes, "debit_failed", debitFailed)
}

func (s *Session) handOff(ctx context.Context, h *tools.Handoff) {
	data := map[string]any{
		"reasonCode": telephony.HandoffLiveAgent,
		"reason":     h.Reason,
		"department": h.Department,
		"connectTo":  h.ConnectTo,
	}
	s.log.Info("handing off to live agent", "department", h.Department)
	if err := s.tr.End(ctx, data); err != nil {
		s.log.Warn("handoff end failed", "err", err)
	}
}

func (s *Session) releaseCap(ctx context.Context) {
	s.mu.Lock()
	held := s.capHeld
	s.capHeld = false
	s.mu.Unlock()
	if !held {
		return
	}
	if err := s.o.deps.CallCap.Release(context.WithoutCancel(ctx), s.tenantID); err != nil {
		s.log.Warn("call cap release failed", "err", err)
	}
}

// send writes one text event. An empty token is still sent when last is
// set so the turn is closed on the provider side.
func (s *Session) send(ctx context.Context, token string, last bool) {
	if token == "" && !last {
		return
	}
	if err := s.tr.SendText(ctx, token, last); err != nil {
		s.log.Debug("send text failed", "err", err)
	}
}
