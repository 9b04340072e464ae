package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/conversation"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/llm"
	"voice-orchestrator/internal/llm/llmtest"
	"voice-orchestrator/internal/prompt"
	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/tools"
	"voice-orchestrator/internal/usage"
	"voice-orchestrator/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentText struct {
	Token string
	Last  bool
}

// fakeTransport replays queued events and records what the session sends.
type fakeTransport struct {
	events chan telephony.Event
	texts  chan sentText

	mu    sync.Mutex
	sent  []sentText
	ends  []map[string]any
	once  sync.Once
	close chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan telephony.Event, 16),
		texts:  make(chan sentText, 64),
		close:  make(chan struct{}),
	}
}

func (f *fakeTransport) push(ev telephony.Event) { f.events <- ev }

func (f *fakeTransport) Next(ctx context.Context) (telephony.Event, error) {
	select {
	case ev := <-f.events:
		return ev, nil
	case <-f.close:
		return telephony.Event{}, telephony.ErrTransportDisconnect
	case <-ctx.Done():
		return telephony.Event{}, ctx.Err()
	}
}

func (f *fakeTransport) SendText(ctx context.Context, token string, last bool) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentText{token, last})
	f.mu.Unlock()
	select {
	case f.texts <- sentText{token, last}:
	default:
	}
	return nil
}

func (f *fakeTransport) End(ctx context.Context, handoff map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends = append(f.ends, handoff)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.close) })
	return nil
}

func (f *fakeTransport) Sent() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func (f *fakeTransport) Ends() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.ends...)
}

// waitText blocks until a text event with last=true arrives.
func (f *fakeTransport) waitText(t *testing.T) sentText {
	t.Helper()
	for {
		select {
		case s := <-f.texts:
			if s.Last {
				return s
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for text")
		}
	}
}

type fixture struct {
	o        *Orchestrator
	provider *llmtest.Provider
	tenants  *tenant.MemoryStore
	credits  *credits.MemoryStore
	usage    *usage.MemoryRepo
	registry *calls.Registry

	mu  sync.Mutex
	now time.Time
}

func i64(v int64) *int64 { return &v }

const hotelNumber = "+34910000000"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		provider: llmtest.New(),
		tenants: tenant.NewMemoryStore(tenant.Tenant{
			ID:           1,
			Name:         "Hotel Sol",
			Language:     "es",
			PhoneNumbers: []string{hotelNumber},
			Transfer: map[string][]routing.WeightedDestination{
				"general": {{TargetURI: "+34911111111", Weight: 1}},
			},
		}),
		credits:  credits.NewMemoryStore(),
		usage:    usage.NewMemoryRepo(),
		registry: calls.NewRegistry(),
		now:      time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	f.credits.Set(1, credits.ChannelVoice, true, i64(10))

	reg := tools.NewRegistry(logger.Discard())
	require.NoError(t, tools.RegisterBuiltins(reg, tools.Deps{
		Backend: tools.NewMemoryBackend(3),
		Tenants: f.tenants,
	}))

	o, err := New(Deps{
		Tenants:         f.tenants,
		Credits:         credits.NewMeter(f.credits),
		Usage:           usage.NewService(f.usage),
		Prompts:         prompt.NewBuilder(f.tenants, reg, "es"),
		Engine:          conversation.NewEngine(f.provider, reg, logger.Discard()),
		Registry:        f.registry,
		DefaultLanguage: "es",
		Log:             logger.Discard(),
	})
	require.NoError(t, err)
	o.clock = f.clock
	f.o = o
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func setupEvent(callID string) telephony.Event {
	return telephony.Event{Type: telephony.EventSetup, CallID: callID, From: "+34600000001", To: hotelNumber}
}

// admit runs a successful setup and clears the greeting from the record.
func (f *fixture) admit(t *testing.T, callID string) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s := f.o.NewSession(tr)
	require.NoError(t, s.OnSetup(context.Background(), setupEvent(callID)))
	tr.mu.Lock()
	tr.sent = nil
	tr.mu.Unlock()
	return s, tr
}

func TestOnSetup_DisabledTenantIsRejectedOnce(t *testing.T) {
	f := newFixture(t)
	f.credits.Set(1, credits.ChannelVoice, false, nil)
	tr := newFakeTransport()
	s := f.o.NewSession(tr)

	err := s.OnSetup(context.Background(), setupEvent("CA1"))
	require.ErrorIs(t, err, ErrChannelDisabled)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Last)
	assert.Equal(t, catalog["es"].unavailable, sent[0].Token)
	assert.Len(t, tr.Ends(), 1)
	assert.Equal(t, calls.StateClosed, s.State())
	assert.Zero(t, f.registry.Len())
	assert.Empty(t, f.usage.Entries())

	s.OnClose(context.Background())
	assert.Empty(t, f.credits.Ledger())
}

func TestOnSetup_RejectionCauses(t *testing.T) {
	cases := []struct {
		name  string
		prep  func(f *fixture)
		event telephony.Event
		want  error
	}{
		{
			name:  "unknown number",
			event: telephony.Event{Type: telephony.EventSetup, CallID: "CA1", To: "+34999999999"},
			want:  ErrTenantUnresolved,
		},
		{
			name:  "bad hint",
			event: telephony.Event{Type: telephony.EventSetup, CallID: "CA1", Params: map[string]string{"tenantId": "abc"}},
			want:  ErrTenantUnresolved,
		},
		{
			name:  "hint for missing tenant",
			event: telephony.Event{Type: telephony.EventSetup, CallID: "CA1", Params: map[string]string{"tenantId": "42"}},
			want:  ErrTenantUnresolved,
		},
		{
			name:  "missing call id",
			event: telephony.Event{Type: telephony.EventSetup, To: hotelNumber},
			want:  ErrTenantUnresolved,
		},
		{
			name:  "no balance",
			prep:  func(f *fixture) { f.credits.Set(1, credits.ChannelVoice, true, i64(0)) },
			event: setupEvent("CA1"),
			want:  ErrInsufficientCredits,
		},
		{
			name:  "unconfigured channel",
			prep:  func(f *fixture) { f.credits = credits.NewMemoryStore() },
			event: setupEvent("CA1"),
			want:  ErrChannelDisabled,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			if tc.prep != nil {
				tc.prep(f)
				f.o.deps.Credits = credits.NewMeter(f.credits)
			}
			tr := newFakeTransport()
			err := f.o.NewSession(tr).OnSetup(context.Background(), tc.event)
			require.ErrorIs(t, err, tc.want)
			assert.Len(t, tr.Sent(), 1)
			assert.Zero(t, f.registry.Len())
		})
	}
}

func TestOnSetup_AcceptsAndGreets(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	s := f.o.NewSession(tr)

	require.NoError(t, s.OnSetup(context.Background(), setupEvent("CA1")))

	assert.Equal(t, calls.StateActive, s.State())
	assert.Equal(t, int64(1), s.TenantID())
	assert.Equal(t, []sentText{{"Hola, gracias por llamar a Hotel Sol. ¿En qué puedo ayudarle?", true}}, tr.Sent())

	h := s.History()
	require.Len(t, h, 2)
	assert.Equal(t, llm.RoleSystem, h[0].Role)
	assert.Equal(t, llm.RoleAssistant, h[1].Role)

	active := f.registry.List()
	require.Len(t, active, 1)
	assert.Equal(t, "CA1", active[0].CallID)

	entries := f.usage.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, usage.StatusInProgress, entries[0].Status)
	assert.Equal(t, "voice", entries[0].Channel)
	assert.Equal(t, "+34600000001", entries[0].Recipient)
}

func TestOnSetup_TenantHintWins(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	ev := telephony.Event{Type: telephony.EventSetup, CallID: "CA1", To: "+34999999999", Params: map[string]string{"tenantId": "1"}}
	require.NoError(t, f.o.NewSession(tr).OnSetup(context.Background(), ev))
}

func TestOnSetup_DuplicateCallIsRejected(t *testing.T) {
	f := newFixture(t)
	f.admit(t, "call-1")

	tr := newFakeTransport()
	err := f.o.NewSession(tr).OnSetup(context.Background(), setupEvent("call-1"))
	require.ErrorIs(t, err, ErrDuplicateCall)
	assert.Equal(t, 1, f.registry.Len())
	assert.Len(t, f.usage.Entries(), 1)
}

func TestOnPrompt_FlushesWholeSentenceOnce(t *testing.T) {
	f := newFixture(t)
	f.provider.AddStream(llmtest.Text("Su reserva ", "fue creada."))
	s, tr := f.admit(t, "CA1")

	s.OnPrompt(context.Background(), "quiero reservar")

	assert.Equal(t, []sentText{{"Su reserva fue creada.", true}}, tr.Sent())
}

func TestOnPrompt_StreamsAtSentenceBoundaries(t *testing.T) {
	f := newFixture(t)
	f.provider.AddStream(llmtest.Text("Hola. ", "¿Qué ", "tal?"))
	s, tr := f.admit(t, "CA1")

	s.OnPrompt(context.Background(), "buenas")

	assert.Equal(t, []sentText{{"Hola. ", false}, {"¿Qué tal?", true}}, tr.Sent())
}

func TestOnPrompt_BlankIsIgnored(t *testing.T) {
	f := newFixture(t)
	s, tr := f.admit(t, "CA1")

	s.OnPrompt(context.Background(), "   ")

	assert.Empty(t, tr.Sent())
	streams, _ := f.provider.Calls()
	assert.Zero(t, streams)
	assert.Len(t, s.History(), 2)
}

func TestOnPrompt_ProviderErrorApologisesAndStaysActive(t *testing.T) {
	f := newFixture(t)
	f.provider.AddStream(llmtest.StreamScript{Err: errors.New("upstream 503")})
	f.provider.AddStream(llmtest.Text("Sí, dígame."))
	s, tr := f.admit(t, "CA1")

	s.OnPrompt(context.Background(), "hola")
	assert.Equal(t, []sentText{{catalog["es"].apology, true}}, tr.Sent())
	assert.Equal(t, calls.StateActive, s.State())

	s.OnPrompt(context.Background(), "hola otra vez")
	sent := tr.Sent()
	assert.Equal(t, sentText{"Sí, dígame.", true}, sent[len(sent)-1])

	var roles []llm.Role
	for _, m := range s.History() {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []llm.Role{llm.RoleSystem, llm.RoleAssistant, llm.RoleUser, llm.RoleUser, llm.RoleAssistant}, roles)
}

func TestOnPrompt_ToolTurnForwardsFollowUp(t *testing.T) {
	f := newFixture(t)
	f.provider.
		AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{ToolCalls: []llm.ToolCallDelta{{
			Index: 0, ID: "call_1", Name: tools.ToolCreateReservation,
			Arguments: `{"customer_name":"Ana","customer_phone":"+34600000001","checkin":"2026-07-01","checkout":"2026-07-02"}`,
		}}}}}).
		AddCompletion(llmtest.CompleteScript{Message: llm.Message{Content: "Su reserva fue creada."}})
	s, tr := f.admit(t, "CA1")

	assert.Nil(t, s.OnPrompt(context.Background(), "reserve"))
	assert.Equal(t, []sentText{{"Su reserva fue creada.", true}}, tr.Sent())

	h := s.History()
	require.Len(t, h, 6)
	assert.Equal(t, llm.RoleAssistant, h[3].Role)
	assert.Equal(t, llm.RoleTool, h[4].Role)
	assert.Contains(t, h[4].Content, `"success":true`)
	assert.Equal(t, "Su reserva fue creada.", h[5].Content)
}

func TestOnClose_DebitsCeilingMinutesOnce(t *testing.T) {
	f := newFixture(t)
	s, _ := f.admit(t, "CA1")

	f.advance(125 * time.Second)
	s.OnClose(context.Background())
	s.OnClose(context.Background())

	ledger := f.credits.Ledger()
	require.Len(t, ledger, 1)
	assert.Equal(t, int64(-3), ledger[0].Amount)
	assert.Equal(t, "CA1", ledger[0].IdempotencyKey)

	st, err := f.credits.State(context.Background(), 1, credits.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, int64(7), *st.Balance)

	entries := f.usage.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, usage.StatusCompleted, entries[0].Status)
	assert.Equal(t, int64(3), entries[0].CreditsUsed)
	require.NotNil(t, entries[0].Metadata.DurationMinutes)
	assert.Equal(t, int64(3), *entries[0].Metadata.DurationMinutes)
	assert.Equal(t, 2, f.usage.Writes())

	assert.Zero(t, f.registry.Len())
	assert.Equal(t, calls.StateClosed, s.State())
}

func TestOnClose_RefusedDebitIsRecorded(t *testing.T) {
	f := newFixture(t)
	f.credits.Set(1, credits.ChannelVoice, true, i64(2))
	s, _ := f.admit(t, "CA1")

	f.advance(150 * time.Second)
	s.OnClose(context.Background())

	st, err := f.credits.State(context.Background(), 1, credits.ChannelVoice)
	require.NoError(t, err)
	assert.Equal(t, int64(2), *st.Balance)

	e := f.usage.Entries()[0]
	assert.Equal(t, usage.StatusCompleted, e.Status)
	assert.True(t, e.Metadata.DebitFailed)
	assert.Equal(t, int64(3), e.CreditsUsed)
}

func TestOnClose_ZeroDurationSkipsDebit(t *testing.T) {
	f := newFixture(t)
	s, _ := f.admit(t, "CA1")

	s.OnClose(context.Background())

	assert.Empty(t, f.credits.Ledger())
	assert.Equal(t, usage.StatusCompleted, f.usage.Entries()[0].Status)
}

func serve(f *fixture, tr *fakeTransport) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.o.Serve(context.Background(), tr) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestServe_FullCallThenDisconnect(t *testing.T) {
	f := newFixture(t)
	f.provider.AddStream(llmtest.Text("Abrimos a las nueve."))
	tr := newFakeTransport()

	tr.push(telephony.Event{Type: telephony.EventDTMF, Digit: "1"})
	tr.push(setupEvent("CA1"))
	done := serve(f, tr)

	tr.waitText(t)
	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "¿a qué hora abren?", Last: true})
	assert.Equal(t, "Abrimos a las nueve.", tr.waitText(t).Token)

	require.NoError(t, tr.Close())
	require.NoError(t, waitDone(t, done))

	assert.Zero(t, f.registry.Len())
	assert.Equal(t, usage.StatusCompleted, f.usage.Entries()[0].Status)
}

func TestServe_PartialPromptsDoNotStartTurns(t *testing.T) {
	f := newFixture(t)
	f.provider.AddStream(llmtest.Text("Abrimos a las nueve."))
	tr := newFakeTransport()

	tr.push(setupEvent("CA1"))
	done := serve(f, tr)
	tr.waitText(t)

	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "¿a qué", Last: false})
	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "¿a qué hora abren?", Last: true})
	assert.Equal(t, "Abrimos a las nueve.", tr.waitText(t).Token)

	require.NoError(t, tr.Close())
	require.NoError(t, waitDone(t, done))

	streams, _ := f.provider.Calls()
	require.Equal(t, 1, streams)
	msgs := f.provider.StreamRequests[0].Messages
	assert.Equal(t, "¿a qué hora abren?", msgs[len(msgs)-1].Content)
}

func TestServe_DisconnectSeenWhilePromptQueueIsFull(t *testing.T) {
	f := newFixture(t)
	f.provider.Started = make(chan struct{}, 1)
	f.provider.AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{Content: "Déjeme ver"}}, BlockAfter: 1})
	tr := newFakeTransport()

	tr.push(setupEvent("CA1"))
	done := serve(f, tr)
	tr.waitText(t)

	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "primera", Last: true})
	select {
	case <-f.provider.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never started")
	}
	for i := 0; i < 2*promptQueueSize; i++ {
		tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "otra", Last: true})
	}

	require.NoError(t, tr.Close())
	require.NoError(t, waitDone(t, done))
	assert.Zero(t, f.registry.Len())
}

func TestEnqueue_FullQueueDropsWithoutBlocking(t *testing.T) {
	f := newFixture(t)
	s := f.o.NewSession(newFakeTransport())
	q := make(chan string, 1)

	assert.True(t, s.enqueue(q, "uno"))
	assert.False(t, s.enqueue(q, "dos"))
	assert.Equal(t, "uno", <-q)
}

func TestServe_InterruptDiscardsInFlightTurn(t *testing.T) {
	f := newFixture(t)
	f.provider.Started = make(chan struct{}, 4)
	f.provider.
		AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{Content: "Déjeme ver"}}, BlockAfter: 1}).
		AddStream(llmtest.Text("Claro."))
	tr := newFakeTransport()

	tr.push(setupEvent("CA1"))
	done := serve(f, tr)
	tr.waitText(t)

	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "primera", Last: true})
	select {
	case <-f.provider.Started:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never started")
	}
	tr.push(telephony.Event{Type: telephony.EventInterrupt})
	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "segunda", Last: true})

	assert.Equal(t, "Claro.", tr.waitText(t).Token)
	tr.push(telephony.Event{Type: telephony.EventClose})
	require.NoError(t, waitDone(t, done))

	for _, s := range tr.Sent() {
		assert.NotContains(t, s.Token, "Déjeme")
	}
	entry := f.usage.Entries()[0]
	require.NotNil(t, entry.Metadata.MessageCount)
	// greeting, primera, segunda, reply
	assert.Equal(t, 4, *entry.Metadata.MessageCount)
}

func TestServe_TransferEndsCallWithHandoff(t *testing.T) {
	f := newFixture(t)
	f.provider.
		AddStream(llmtest.StreamScript{Chunks: []llm.Chunk{{ToolCalls: []llm.ToolCallDelta{{
			Index: 0, ID: "t1", Name: tools.ToolTransferToAgent, Arguments: `{"reason":"quiere hablar con recepción"}`,
		}}}}}).
		AddCompletion(llmtest.CompleteScript{Message: llm.Message{Content: "Le paso con recepción."}})
	tr := newFakeTransport()

	tr.push(setupEvent("CA1"))
	done := serve(f, tr)
	tr.waitText(t)
	tr.push(telephony.Event{Type: telephony.EventPrompt, Text: "con una persona", Last: true})

	require.NoError(t, waitDone(t, done))

	ends := tr.Ends()
	require.Len(t, ends, 1)
	assert.Equal(t, telephony.HandoffLiveAgent, ends[0]["reasonCode"])
	assert.Equal(t, "+34911111111", ends[0]["connectTo"])
	assert.Equal(t, "general", ends[0]["department"])

	sent := tr.Sent()
	assert.Equal(t, sentText{"Le paso con recepción.", true}, sent[len(sent)-1])
	assert.Zero(t, f.registry.Len())
}

func TestServe_RejectedSetupReturnsCause(t *testing.T) {
	f := newFixture(t)
	f.credits.Set(1, credits.ChannelVoice, false, nil)
	tr := newFakeTransport()
	tr.push(setupEvent("CA1"))

	err := waitDone(t, serve(f, tr))
	require.ErrorIs(t, err, ErrChannelDisabled)
	assert.Len(t, tr.Sent(), 1)
}

func TestServe_CloseBeforeSetup(t *testing.T) {
	f := newFixture(t)
	tr := newFakeTransport()
	tr.push(telephony.Event{Type: telephony.EventClose})
	require.NoError(t, waitDone(t, serve(f, tr)))
	assert.Empty(t, tr.Sent())
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	require.Error(t, err)
}
