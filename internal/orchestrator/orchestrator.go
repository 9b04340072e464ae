// Package orchestrator runs voice call sessions: it admits a call, drives
// its conversation turn by turn over a transport, and settles usage and
// credits when the call ends.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"voice-orchestrator/internal/calls"
	"voice-orchestrator/internal/conversation"
	"voice-orchestrator/internal/credits"
	"voice-orchestrator/internal/prompt"
	"voice-orchestrator/internal/telephony"
	"voice-orchestrator/internal/tenant"
	"voice-orchestrator/internal/usage"
	"voice-orchestrator/pkg/utils"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Tenants  tenant.Store
	Credits  *credits.Meter
	Usage    *usage.Service
	Prompts  *prompt.Builder
	Engine   *conversation.Engine
	Registry *calls.Registry

	// CallCap is optional; nil means no per-tenant limit.
	CallCap *utils.CallCap

	DefaultLanguage string
	Log             *slog.Logger
}

type Orchestrator struct {
	deps  Deps
	log   *slog.Logger
	clock func() time.Time

	settleTimeout time.Duration
}

func New(d Deps) (*Orchestrator, error) {
	switch {
	case d.Tenants == nil:
		return nil, errors.New("orchestrator: tenant store required")
	case d.Credits == nil:
		return nil, errors.New("orchestrator: credit meter required")
	case d.Usage == nil:
		return nil, errors.New("orchestrator: usage service required")
	case d.Prompts == nil:
		return nil, errors.New("orchestrator: prompt builder required")
	case d.Engine == nil:
		return nil, errors.New("orchestrator: conversation engine required")
	case d.Registry == nil:
		return nil, errors.New("orchestrator: session registry required")
	}
	if d.DefaultLanguage == "" {
		d.DefaultLanguage = "es"
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{deps: d, log: log, clock: time.Now, settleTimeout: 10 * time.Second}, nil
}

// Serve runs one call on tr until it ends. Events before setup are
// ignored. A rejected setup is reported as the returned error after the
// caller has heard the rejection.
func (o *Orchestrator) Serve(ctx context.Context, tr telephony.Transport) error {
	defer tr.Close()

	for {
		ev, err := tr.Next(ctx)
		if err != nil {
			if errors.Is(err, telephony.ErrTransportDisconnect) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch ev.Type {
		case telephony.EventSetup:
			s := o.NewSession(tr)
			if err := s.OnSetup(ctx, ev); err != nil {
				return err
			}
			return s.Run(ctx)
		case telephony.EventClose:
			return nil
		default:
			o.log.Debug("event before setup ignored", "type", ev.Type)
		}
	}
}

// ActiveCalls lists registered sessions.
func (o *Orchestrator) ActiveCalls() []calls.ActiveCall {
	return o.deps.Registry.List()
}
