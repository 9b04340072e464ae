package tools

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"testing"
	"time"

	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tenantID = int64(7)

func newTestRegistry(t *testing.T) (*Registry, *MemoryBackend) {
	t.Helper()
	backend := NewMemoryBackend(2)
	store := tenant.NewMemoryStore(tenant.Tenant{
		ID:   tenantID,
		Name: "Hotel Sol",
		BusinessInfo: map[string]string{
			"hours":   "Reception is open 24 hours.",
			"general": "Beachfront hotel.",
		},
		Transfer: map[string][]routing.WeightedDestination{
			"reservations": {{TargetURI: "+34911000999", Weight: 1}},
		},
	})
	r := NewRegistry(logger.Discard())
	require.NoError(t, RegisterBuiltins(r, Deps{
		Backend:  backend,
		Tenants:  store,
		Selector: routing.NewSelector(rand.New(rand.NewSource(1))),
	}))
	return r, backend
}

func decode(t *testing.T, res Result) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Text), &m), res.Text)
	return m
}

func TestRegistry_DescribeListsBuiltinsInOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	specs := r.Describe()
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
		assert.NotEmpty(t, s.Description)
		assert.Equal(t, "object", s.Parameters["type"])
	}
	assert.Equal(t, []string{
		ToolCheckAvailability, ToolCreateReservation, ToolLookupReservation,
		ToolCancelReservation, ToolBusinessInfo, ToolTransferToAgent, ToolTakeMessage,
	}, names)
}

func TestRegistry_RegisterRejectsDuplicates(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.Register(Tool{
		Name:    ToolTakeMessage,
		NewArgs: func() any { return &struct{}{} },
		Run:     func(context.Context, int64, any) (Outcome, error) { return Outcome{}, nil },
	})
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegistry_CreateReservationSucceeds(t *testing.T) {
	r, _ := newTestRegistry(t)
	res := r.Execute(context.Background(), ToolCreateReservation,
		`{"customer_name":"Ana Ruiz","customer_phone":"+34600111222","checkin":"2026-07-01","checkout":"2026-07-04","guests":2}`,
		tenantID)

	require.False(t, res.IsError, res.Text)
	assert.Contains(t, res.Text, `"success":true`)
	m := decode(t, res)
	rv := m["reservation"].(map[string]any)
	assert.True(t, strings.HasPrefix(rv["code"].(string), "R"))
	assert.Equal(t, "2026-07-01", rv["checkin"])
	assert.Equal(t, "confirmed", rv["status"])
}

func TestRegistry_InvalidArgumentsAreStructuredText(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	cases := map[string]struct {
		tool, args, want string
	}{
		"missing required": {ToolCreateReservation, `{"customer_name":"Ana"}`, "customer_phone is required"},
		"bad json":         {ToolCreateReservation, `{"customer_name":`, "not valid JSON"},
		"bad enum":         {ToolBusinessInfo, `{"info_type":"parking"}`, "info_type must be one of"},
		"bad date":         {ToolCheckAvailability, `{"checkin":"01/07/2026","checkout":"2026-07-04"}`, "checkin must be a date"},
		"reversed stay":    {ToolCheckAvailability, `{"checkin":"2026-07-04","checkout":"2026-07-01"}`, "checkout must be after checkin"},
		"empty lookup":     {ToolLookupReservation, `{}`, "code is required"},
		"unknown tool":     {"order_pizza", `{}`, "unknown tool"},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			res := r.Execute(ctx, c.tool, c.args, tenantID)
			require.True(t, res.IsError)
			m := decode(t, res)
			assert.Equal(t, false, m["success"])
			assert.Contains(t, m["error"], c.want)
		})
	}
}

func TestRegistry_AvailabilityAndCapacity(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()
	book := `{"customer_name":"Guest","customer_phone":"+1555","checkin":"2026-08-01","checkout":"2026-08-03"}`

	for i := 0; i < 2; i++ {
		require.False(t, r.Execute(ctx, ToolCreateReservation, book, tenantID).IsError)
	}
	full := r.Execute(ctx, ToolCreateReservation, book, tenantID)
	require.True(t, full.IsError)
	assert.Contains(t, full.Text, "no availability")

	av := decode(t, r.Execute(ctx, ToolCheckAvailability, `{"checkin":"2026-08-02","checkout":"2026-08-05"}`, tenantID))
	assert.Equal(t, false, av["available"])

	av = decode(t, r.Execute(ctx, ToolCheckAvailability, `{"checkin":"2026-08-03","checkout":"2026-08-05"}`, tenantID))
	assert.Equal(t, true, av["available"])
	assert.EqualValues(t, 2, av["nights"])
}

func TestRegistry_LookupAndCancel(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	created := decode(t, r.Execute(ctx, ToolCreateReservation,
		`{"customer_name":"Ana Ruiz","customer_phone":"+34 600 111 222","checkin":"2026-07-01","checkout":"2026-07-02"}`, tenantID))
	code := created["reservation"].(map[string]any)["code"].(string)

	byPhone := decode(t, r.Execute(ctx, ToolLookupReservation, `{"customer_phone":"+34600111222"}`, tenantID))
	assert.Equal(t, true, byPhone["found"])

	byName := decode(t, r.Execute(ctx, ToolLookupReservation, `{"customer_name":"ruiz"}`, tenantID))
	assert.Len(t, byName["reservations"], 1)

	other := decode(t, r.Execute(ctx, ToolLookupReservation, `{"code":"`+code+`"}`, tenantID+1))
	assert.Equal(t, false, other["found"])

	cancelled := decode(t, r.Execute(ctx, ToolCancelReservation, `{"reservation_code":"`+strings.ToLower(code)+`"}`, tenantID))
	assert.Equal(t, "cancelled", cancelled["reservation"].(map[string]any)["status"])

	again := r.Execute(ctx, ToolCancelReservation, `{"reservation_code":"`+code+`"}`, tenantID)
	assert.True(t, again.IsError)
	assert.Contains(t, again.Text, "already cancelled")
}

func TestRegistry_BusinessInfoFallsBackToGeneral(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	hours := decode(t, r.Execute(ctx, ToolBusinessInfo, `{"info_type":"hours"}`, tenantID))
	assert.Equal(t, "Reception is open 24 hours.", hours["info"])

	prices := decode(t, r.Execute(ctx, ToolBusinessInfo, `{"info_type":"prices"}`, tenantID))
	assert.Equal(t, "Beachfront hotel.", prices["info"])
}

func TestRegistry_TransferProducesHandoff(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res := r.Execute(ctx, ToolTransferToAgent, `{"reason":"wants a group rate","department":"reservations"}`, tenantID)
	require.False(t, res.IsError, res.Text)
	require.NotNil(t, res.Handoff)
	assert.Equal(t, "+34911000999", res.Handoff.ConnectTo)
	assert.False(t, res.Handoff.Queued)
	assert.NotContains(t, res.Text, "+34911000999")

	queued := r.Execute(ctx, ToolTransferToAgent, `{"reason":"complaint","department":"management"}`, tenantID)
	require.NotNil(t, queued.Handoff)
	assert.True(t, queued.Handoff.Queued)
	assert.Contains(t, queued.Text, `"status":"queued"`)
}

func TestRegistry_TakeMessageDefaultsToCallerNumber(t *testing.T) {
	r, backend := newTestRegistry(t)
	ctx := WithCall(context.Background(), CallInfo{CallID: "CA1", Caller: "+34600999888"})

	res := r.Execute(ctx, ToolTakeMessage, `{"caller_name":"Luis","message":"Please call me back"}`, tenantID)
	require.False(t, res.IsError, res.Text)

	msgs := backend.Messages(tenantID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "+34600999888", msgs[0].CallerPhone)
	assert.Equal(t, "CA1", msgs[0].CallID)
	assert.Equal(t, "normal", msgs[0].Urgency)
}

func TestRegistry_ObserverSeesOutcome(t *testing.T) {
	r, _ := newTestRegistry(t)
	var seen []string
	r.Observe(func(name string, ok bool, _ time.Duration) {
		if ok {
			seen = append(seen, name+":ok")
		} else {
			seen = append(seen, name+":err")
		}
	})

	r.Execute(context.Background(), ToolBusinessInfo, `{"info_type":"hours"}`, tenantID)
	r.Execute(context.Background(), ToolBusinessInfo, `{}`, tenantID)
	assert.Equal(t, []string{"get_business_info:ok", "get_business_info:err"}, seen)
}

func TestRegistry_PanickingToolBecomesErrorResult(t *testing.T) {
	r := NewRegistry(logger.Discard())
	require.NoError(t, r.Register(Tool{
		Name:    "broken",
		NewArgs: func() any { return &struct{}{} },
		Run: func(ctx context.Context, tenantID int64, args any) (Outcome, error) {
			var m map[string]int
			m["x"] = 1
			return Outcome{}, nil
		},
	}))
	var observedOK *bool
	r.Observe(func(name string, ok bool, _ time.Duration) { observedOK = &ok })

	var res Result
	require.NotPanics(t, func() { res = r.Execute(context.Background(), "broken", "{}", tenantID) })
	require.True(t, res.IsError)
	m := decode(t, res)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "tool broken: internal error", m["error"])
	require.NotNil(t, observedOK)
	assert.False(t, *observedOK)
}
