package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/voyago/agent-gateway/internal/partnerapi"
	"github.com/voyago/agent-gateway/internal/principal"
)

var errToolNotFound = errors.New("tool not found")

// ToolHandler executes a tool invocation on behalf of a principal.
type ToolHandler func(ctx context.Context, p *principal.Principal, args json.RawMessage) (*CallToolResult, error)

// ToolSet is an immutable collection of tool descriptors and handlers shared
// by every session. Per-principal scoping happens at call time through the
// principal's capability client.
type ToolSet struct {
	descriptors []Tool
	handlers    map[string]ToolHandler
}

// NewToolSet builds a ToolSet from registered tools.
func NewToolSet(tools ...registeredTool) *ToolSet {
	ts := &ToolSet{handlers: make(map[string]ToolHandler, len(tools))}
	for _, t := range tools {
		ts.descriptors = append(ts.descriptors, t.descriptor)
		ts.handlers[t.descriptor.Name] = t.handler
	}
	return ts
}

// Descriptors returns the advertised tool list.
func (ts *ToolSet) Descriptors() []Tool {
	out := make([]Tool, len(ts.descriptors))
	copy(out, ts.descriptors)
	return out
}

// Call dispatches a tools/call request to the named handler.
func (ts *ToolSet) Call(ctx context.Context, p *principal.Principal, req *CallToolRequest) (*CallToolResult, error) {
	h, ok := ts.handlers[req.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errToolNotFound, req.Name)
	}
	return h(ctx, p, req.Arguments)
}

type registeredTool struct {
	descriptor Tool
	handler    ToolHandler
}

// newTool reflects the argument struct A into an input schema and wraps the
// typed handler with strict JSON decoding (unknown fields rejected).
func newTool[A any](name, description string, fn func(ctx context.Context, p *principal.Principal, args A) (*CallToolResult, error)) registeredTool {
	desc := Tool{Name: name, Description: description, InputSchema: reflectInputSchema[A]()}
	handler := func(ctx context.Context, p *principal.Principal, raw json.RawMessage) (*CallToolResult, error) {
		var a A
		if len(raw) > 0 {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&a); err != nil {
				return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		return fn(ctx, p, a)
	}
	return registeredTool{descriptor: desc, handler: handler}
}

// PaymentLinker mints hosted-checkout URLs for bookings. Implemented by the
// checkout gateway; injected here so the tool layer stays free of token
// mechanics.
type PaymentLinker interface {
	PaymentLink(bookingID, apiKey, currency string) (string, error)
}

type searchArgs struct {
	Query    string `json:"query" jsonschema:"description=Free-text search over experience titles and descriptions"`
	Location string `json:"location,omitempty" jsonschema:"description=City or region filter"`
	Limit    int    `json:"limit,omitempty" jsonschema:"description=Maximum number of results (default 10)"`
}

type availabilityArgs struct {
	ExperienceID string `json:"experience_id" jsonschema:"description=Experience identifier from search results"`
	Date         string `json:"date" jsonschema:"description=Requested date in YYYY-MM-DD form"`
}

type createBookingArgs struct {
	ExperienceID string `json:"experience_id"`
	SlotID       string `json:"slot_id"`
	Guests       int    `json:"guests"`
	GuestName    string `json:"guest_name"`
	GuestEmail   string `json:"guest_email"`
}

type getBookingArgs struct {
	BookingID string `json:"booking_id"`
}

type paymentLinkArgs struct {
	BookingID string `json:"booking_id" jsonschema:"description=Pending booking to generate a hosted checkout link for"`
}

// MarketplaceToolSet assembles the marketplace tool surface. Every handler is
// a thin delegation to the principal's partner API client; the marketplace
// itself stays opaque to the gateway.
func MarketplaceToolSet(linker PaymentLinker) *ToolSet {
	return NewToolSet(
		newTool("search_experiences", "Search the Voyago catalog of bookable travel experiences.",
			func(ctx context.Context, p *principal.Principal, args searchArgs) (*CallToolResult, error) {
				exps, err := p.Client.SearchExperiences(ctx, partnerapi.SearchParams{Query: args.Query, Location: args.Location, Limit: args.Limit})
				if err != nil {
					return nil, err
				}
				return structuredResult(map[string]any{"experiences": exps})
			}),

		newTool("check_availability", "List open slots for an experience on a given date.",
			func(ctx context.Context, p *principal.Principal, args availabilityArgs) (*CallToolResult, error) {
				slots, err := p.Client.CheckAvailability(ctx, args.ExperienceID, args.Date)
				if err != nil {
					return nil, err
				}
				return structuredResult(map[string]any{"slots": slots})
			}),

		newTool("create_booking", "Reserve a slot. The booking stays pending until paid through a checkout link.",
			func(ctx context.Context, p *principal.Principal, args createBookingArgs) (*CallToolResult, error) {
				b, err := p.Client.CreateBooking(ctx, partnerapi.CreateBookingParams{
					ExperienceID: args.ExperienceID,
					SlotID:       args.SlotID,
					Guests:       args.Guests,
					GuestName:    args.GuestName,
					GuestEmail:   args.GuestEmail,
				})
				if err != nil {
					return nil, err
				}
				return structuredResult(b)
			}),

		newTool("get_booking", "Fetch the current state of a booking.",
			func(ctx context.Context, p *principal.Principal, args getBookingArgs) (*CallToolResult, error) {
				b, err := p.Client.GetBooking(ctx, args.BookingID)
				if err != nil {
					if errors.Is(err, partnerapi.ErrNotFound) {
						return ErrorResult("booking not found"), nil
					}
					return nil, err
				}
				return structuredResult(b)
			}),

		newTool("create_payment_link", "Create a hosted checkout link for a pending booking. Open it in a browser to pay.",
			func(ctx context.Context, p *principal.Principal, args paymentLinkArgs) (*CallToolResult, error) {
				b, err := p.Client.GetBooking(ctx, args.BookingID)
				if err != nil {
					if errors.Is(err, partnerapi.ErrNotFound) {
						return ErrorResult("booking not found"), nil
					}
					return nil, err
				}
				link, err := linker.PaymentLink(b.ID, p.Client.Key(), b.Currency)
				if err != nil {
					return nil, err
				}
				return structuredResult(map[string]any{"checkout_url": link, "booking_id": b.ID, "amount": b.Amount, "currency": b.Currency})
			}),
	)
}

func structuredResult(v any) (*CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	res := TextResult(string(b))
	res.StructuredContent = v
	return res, nil
}
