// Package tools declares the business actions the model may call and
// dispatches them to the business-action backend.
//
// Execute never returns an error: every failure becomes a JSON result text
// with "success":false so the model can recover in conversation.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrDuplicateTool    = errors.New("tools: duplicate tool name")
)

// Spec advertises a tool to the model and the prompt builder.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Outcome is what a tool returns on success. Data is merged into the result
// object next to "success":true.
type Outcome struct {
	Data    map[string]any
	Handoff *Handoff
}

// Handoff asks the session to end the call and pass it to a human.
type Handoff struct {
	Department string `json:"department"`
	Reason     string `json:"reason"`
	ConnectTo  string `json:"connectTo,omitempty"`
	Queued     bool   `json:"queued,omitempty"`
}

// Result is the text handed back to the model as a tool message.
type Result struct {
	Text    string
	IsError bool
	Handoff *Handoff
}

// Tool is one callable business action.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any

	// NewArgs returns a pointer to a zero argument struct carrying validate tags.
	NewArgs func() any

	Run func(ctx context.Context, tenantID int64, args any) (Outcome, error)
}

// Observer is notified after every execution.
type Observer func(name string, ok bool, elapsed time.Duration)

// Registry holds the tool set. It is open for new tools; the conversation
// engine only sees Describe and Execute.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string

	validate *validator.Validate
	log      *slog.Logger
	observe  Observer
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names so the model sees the field it actually sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Registry{tools: map[string]Tool{}, validate: v, log: log}
}

// Observe installs an execution observer (metrics).
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.observe = o
	r.mu.Unlock()
}

func (r *Registry) Register(t Tool) error {
	if t.Name == "" || t.Run == nil || t.NewArgs == nil {
		return fmt.Errorf("tools: incomplete tool %q", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Describe lists tools in registration order.
func (r *Registry) Describe() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.order))
	for _, n := range r.order {
		t := r.tools[n]
		out = append(out, Spec{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Execute runs the named tool for tenantID.
func (r *Registry) Execute(ctx context.Context, name, argumentsJSON string, tenantID int64) Result {
	started := time.Now()

	r.mu.RLock()
	t, ok := r.tools[name]
	observe := r.observe
	r.mu.RUnlock()

	res := r.execute(ctx, t, ok, name, argumentsJSON, tenantID)
	if observe != nil {
		observe(name, !res.IsError, time.Since(started))
	}
	return res
}

func (r *Registry) execute(ctx context.Context, t Tool, found bool, name, argumentsJSON string, tenantID int64) (res Result) {
	// A misbehaving tool must not take the call goroutine down with it.
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("tool panicked", "tool", name, "tenant_id", tenantID, "panic", v, "stack", string(debug.Stack()))
			res = errorResult(fmt.Errorf("tool %s: internal error", name))
		}
	}()

	if !found {
		return errorResult(fmt.Errorf("%w: %s", ErrUnknownTool, name))
	}

	args := t.NewArgs()
	raw := strings.TrimSpace(argumentsJSON)
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), args); err != nil {
		return errorResult(fmt.Errorf("%w: arguments are not valid JSON", ErrInvalidArguments))
	}
	if err := r.validate.Struct(args); err != nil {
		return errorResult(describeValidation(err))
	}

	out, err := t.Run(ctx, tenantID, args)
	if err != nil {
		r.log.Warn("tool failed", "tool", name, "tenant_id", tenantID, "err", err)
		return errorResult(err)
	}

	body := map[string]any{}
	for k, v := range out.Data {
		body[k] = v
	}
	body["success"] = true
	b, err := json.Marshal(body)
	if err != nil {
		return errorResult(fmt.Errorf("tool %s: encode result: %w", name, err))
	}
	return Result{Text: string(b), Handoff: out.Handoff}
}

func errorResult(err error) Result {
	b, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
	return Result{Text: string(b), IsError: true}
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fe.Field()+" is required")
		case "required_without_all":
			msgs = append(msgs, fe.Field()+" is required when no other search field is given")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param()))
		case "datetime":
			msgs = append(msgs, fe.Field()+" must be a date formatted YYYY-MM-DD")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidArguments, strings.Join(msgs, "; "))
}
