package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"voice-orchestrator/internal/routing"
	"voice-orchestrator/internal/tenant"
)

// Built-in tool names.
const (
	ToolCheckAvailability = "check_availability"
	ToolCreateReservation = "create_reservation"
	ToolLookupReservation = "lookup_reservation"
	ToolCancelReservation = "cancel_reservation"
	ToolBusinessInfo      = "get_business_info"
	ToolTransferToAgent   = "transfer_to_agent"
	ToolTakeMessage       = "take_message"
)

// Deps are the collaborators of the built-in tools.
type Deps struct {
	Backend  Backend
	Tenants  tenant.Store
	Selector *routing.Selector
}

// RegisterBuiltins adds the standard tool set to r.
func RegisterBuiltins(r *Registry, d Deps) error {
	if d.Selector == nil {
		d.Selector = routing.NewSelector(nil)
	}
	for _, t := range []Tool{
		checkAvailabilityTool(d),
		createReservationTool(d),
		lookupReservationTool(d),
		cancelReservationTool(d),
		businessInfoTool(d),
		transferTool(d),
		takeMessageTool(d),
	} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

type checkAvailabilityArgs struct {
	Checkin  string `json:"checkin" validate:"required,datetime=2006-01-02"`
	Checkout string `json:"checkout" validate:"required,datetime=2006-01-02"`
	Guests   int    `json:"guests" validate:"omitempty,min=1,max=50"`
}

func checkAvailabilityTool(d Deps) Tool {
	return Tool{
		Name:        ToolCheckAvailability,
		Description: "Check whether there is availability for a stay between two dates.",
		Parameters: object(map[string]any{
			"checkin":  dateProp("Arrival date"),
			"checkout": dateProp("Departure date"),
			"guests":   intProp("Number of guests"),
		}, "checkin", "checkout"),
		NewArgs: func() any { return &checkAvailabilityArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*checkAvailabilityArgs)
			q, err := parseStay(args.Checkin, args.Checkout, args.Guests)
			if err != nil {
				return Outcome{}, err
			}
			av, err := d.Backend.CheckAvailability(ctx, tenantID, q)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Data: map[string]any{
				"available": av.Available,
				"unitsLeft": av.UnitsLeft,
				"nights":    av.Nights,
				"checkin":   args.Checkin,
				"checkout":  args.Checkout,
			}}, nil
		},
	}
}

type createReservationArgs struct {
	CustomerName  string `json:"customer_name" validate:"required"`
	CustomerPhone string `json:"customer_phone" validate:"required"`
	CustomerEmail string `json:"customer_email" validate:"omitempty,email"`
	Checkin       string `json:"checkin" validate:"required,datetime=2006-01-02"`
	Checkout      string `json:"checkout" validate:"required,datetime=2006-01-02"`
	Guests        int    `json:"guests" validate:"omitempty,min=1,max=50"`
	Notes         string `json:"notes" validate:"max=500"`
}

func createReservationTool(d Deps) Tool {
	return Tool{
		Name:        ToolCreateReservation,
		Description: "Create a reservation once the caller has confirmed name, phone and dates.",
		Parameters: object(map[string]any{
			"customer_name":  strProp("Full name of the guest"),
			"customer_phone": strProp("Contact phone number"),
			"customer_email": strProp("Contact email"),
			"checkin":        dateProp("Arrival date"),
			"checkout":       dateProp("Departure date"),
			"guests":         intProp("Number of guests"),
			"notes":          strProp("Special requests"),
		}, "customer_name", "customer_phone", "checkin", "checkout"),
		NewArgs: func() any { return &createReservationArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*createReservationArgs)
			q, err := parseStay(args.Checkin, args.Checkout, args.Guests)
			if err != nil {
				return Outcome{}, err
			}
			r, err := d.Backend.CreateReservation(ctx, tenantID, Reservation{
				CustomerName:  strings.TrimSpace(args.CustomerName),
				CustomerPhone: strings.TrimSpace(args.CustomerPhone),
				CustomerEmail: strings.TrimSpace(args.CustomerEmail),
				Checkin:       q.Checkin,
				Checkout:      q.Checkout,
				Guests:        q.Guests,
				Notes:         strings.TrimSpace(args.Notes),
				CallID:        CallFrom(ctx).CallID,
			})
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Data: map[string]any{"reservation": r.View()}}, nil
		},
	}
}

type lookupReservationArgs struct {
	Code          string `json:"code" validate:"required_without_all=CustomerName CustomerPhone"`
	CustomerName  string `json:"customer_name"`
	CustomerPhone string `json:"customer_phone"`
}

func lookupReservationTool(d Deps) Tool {
	return Tool{
		Name:        ToolLookupReservation,
		Description: "Find existing reservations by code, guest name or phone number.",
		Parameters: object(map[string]any{
			"code":           strProp("Reservation code"),
			"customer_name":  strProp("Guest name"),
			"customer_phone": strProp("Guest phone number"),
		}),
		NewArgs: func() any { return &lookupReservationArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*lookupReservationArgs)
			rs, err := d.Backend.LookupReservations(ctx, tenantID, ReservationQuery{
				Code:          args.Code,
				CustomerName:  args.CustomerName,
				CustomerPhone: args.CustomerPhone,
			})
			if err != nil {
				return Outcome{}, err
			}
			views := make([]map[string]any, 0, len(rs))
			for _, r := range rs {
				views = append(views, r.View())
			}
			return Outcome{Data: map[string]any{"found": len(views) > 0, "reservations": views}}, nil
		},
	}
}

type cancelReservationArgs struct {
	ReservationCode string `json:"reservation_code" validate:"required"`
}

func cancelReservationTool(d Deps) Tool {
	return Tool{
		Name:        ToolCancelReservation,
		Description: "Cancel a reservation by its code after the caller confirms.",
		Parameters: object(map[string]any{
			"reservation_code": strProp("Reservation code"),
		}, "reservation_code"),
		NewArgs: func() any { return &cancelReservationArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*cancelReservationArgs)
			r, err := d.Backend.CancelReservation(ctx, tenantID, args.ReservationCode)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Data: map[string]any{"reservation": r.View()}}, nil
		},
	}
}

type businessInfoArgs struct {
	InfoType string `json:"info_type" validate:"required,oneof=hours address services prices general"`
}

func businessInfoTool(d Deps) Tool {
	return Tool{
		Name:        ToolBusinessInfo,
		Description: "Get business information such as opening hours, address, services or prices.",
		Parameters: object(map[string]any{
			"info_type": map[string]any{
				"type":        "string",
				"enum":        []string{"hours", "address", "services", "prices", "general"},
				"description": "Kind of information requested",
			},
		}, "info_type"),
		NewArgs: func() any { return &businessInfoArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*businessInfoArgs)
			t, err := d.Tenants.Get(ctx, tenantID)
			if err != nil {
				return Outcome{}, err
			}
			info, ok := t.BusinessInfo[args.InfoType]
			if !ok || strings.TrimSpace(info) == "" {
				info = t.BusinessInfo["general"]
			}
			return Outcome{Data: map[string]any{
				"infoType":  args.InfoType,
				"business":  t.Name,
				"info":      info,
				"available": info != "",
			}}, nil
		},
	}
}

type transferArgs struct {
	Reason     string `json:"reason" validate:"required"`
	Department string `json:"department"`
}

func transferTool(d Deps) Tool {
	return Tool{
		Name:        ToolTransferToAgent,
		Description: "Transfer the caller to a human agent when they ask for one or the request cannot be handled.",
		Parameters: object(map[string]any{
			"reason":     strProp("Why the caller needs a human"),
			"department": strProp("Department to transfer to"),
		}, "reason"),
		NewArgs: func() any { return &transferArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*transferArgs)
			t, err := d.Tenants.Get(ctx, tenantID)
			if err != nil {
				return Outcome{}, err
			}
			dec := d.Selector.Decide(args.Department, t.Transfer)
			h := &Handoff{
				Department: dec.Department,
				Reason:     args.Reason,
				ConnectTo:  dec.ConnectTo,
				Queued:     dec.Action == routing.ActionQueue,
			}
			status := "connecting"
			if h.Queued {
				status = "queued"
			}
			return Outcome{
				Data:    map[string]any{"transfer": map[string]any{"department": dec.Department, "status": status}},
				Handoff: h,
			}, nil
		},
	}
}

type takeMessageArgs struct {
	CallerName  string `json:"caller_name" validate:"required"`
	CallerPhone string `json:"caller_phone"`
	Message     string `json:"message" validate:"required,max=2000"`
	Urgency     string `json:"urgency" validate:"omitempty,oneof=low normal high"`
}

func takeMessageTool(d Deps) Tool {
	return Tool{
		Name:        ToolTakeMessage,
		Description: "Leave a message for the business staff.",
		Parameters: object(map[string]any{
			"caller_name":  strProp("Caller name"),
			"caller_phone": strProp("Callback number"),
			"message":      strProp("Message content"),
			"urgency": map[string]any{
				"type": "string",
				"enum": []string{"low", "normal", "high"},
			},
		}, "caller_name", "message"),
		NewArgs: func() any { return &takeMessageArgs{} },
		Run: func(ctx context.Context, tenantID int64, a any) (Outcome, error) {
			args := a.(*takeMessageArgs)
			call := CallFrom(ctx)
			phone := strings.TrimSpace(args.CallerPhone)
			if phone == "" {
				phone = call.Caller
			}
			urgency := args.Urgency
			if urgency == "" {
				urgency = "normal"
			}
			m, err := d.Backend.TakeMessage(ctx, tenantID, CallerMessage{
				CallID:      call.CallID,
				CallerName:  strings.TrimSpace(args.CallerName),
				CallerPhone: phone,
				Body:        strings.TrimSpace(args.Message),
				Urgency:     urgency,
			})
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{Data: map[string]any{"messageId": m.ID, "urgency": m.Urgency}}, nil
		},
	}
}

func parseStay(checkin, checkout string, guests int) (StayQuery, error) {
	in, err := time.Parse(dateLayout, checkin)
	if err != nil {
		return StayQuery{}, fmt.Errorf("%w: checkin must be a date formatted YYYY-MM-DD", ErrInvalidArguments)
	}
	out, err := time.Parse(dateLayout, checkout)
	if err != nil {
		return StayQuery{}, fmt.Errorf("%w: checkout must be a date formatted YYYY-MM-DD", ErrInvalidArguments)
	}
	if !out.After(in) {
		return StayQuery{}, fmt.Errorf("%w: checkout must be after checkin", ErrInvalidArguments)
	}
	if guests <= 0 {
		guests = 1
	}
	return StayQuery{Checkin: in, Checkout: out, Guests: guests}, nil
}

func object(props map[string]any, required ...string) map[string]any {
	o := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		o["required"] = required
	}
	return o
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func dateProp(desc string) map[string]any {
	return map[string]any{"type": "string", "format": "date", "description": desc + " (YYYY-MM-DD)"}
}
