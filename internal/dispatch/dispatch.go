// Package dispatch bridges the remote agent's tool-call requests to the
// locally supplied calendar [Provider].
//
// The tool set is closed: the [Tool] constants below are the only functions
// the agent may invoke, and the same constants generate the declaration
// payload advertised at connection open — adding or removing a tool is a
// single compile-time-checked change. Every request produces exactly one
// result; unknown names, bad arguments, handler errors, and handler panics
// all become an error-marker result instead of terminating the session.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/andee-ai/andee/internal/observe"
	"github.com/andee-ai/andee/pkg/live"
)

// errorMarker is the response body sent for any failed or unrecognised call.
const errorMarker = "Function error"

// Appointment is one calendar entry as exchanged with the [Provider].
type Appointment struct {
	ID          string
	Title       string
	Description string
	Start       time.Time
	End         time.Time
}

// Provider is the calendar store behind the tool set. It is supplied by the
// host application; implementations must be safe for concurrent use.
type Provider interface {
	// CreateAppointment adds a new appointment.
	CreateAppointment(ctx context.Context, title string, start, end time.Time) error

	// RescheduleAppointment moves an existing appointment to a new slot.
	RescheduleAppointment(ctx context.Context, id string, newStart, newEnd time.Time) error

	// CancelAppointment removes an appointment.
	CancelAppointment(ctx context.Context, id string) error

	// AppointmentsOn lists the appointments whose start falls on the same
	// calendar date as date.
	AppointmentsOn(ctx context.Context, date time.Time) ([]Appointment, error)
}

// Tool enumerates the closed set of functions offered to the agent.
type Tool string

const (
	ToolCreateAppointment     Tool = "create_appointment"
	ToolRescheduleAppointment Tool = "reschedule_appointment"
	ToolCancelAppointment     Tool = "cancel_appointment"
	ToolGetAppointments       Tool = "get_appointments"
)

// Tools lists every member of the closed set, in declaration order.
var Tools = []Tool{
	ToolCreateAppointment,
	ToolGetAppointments,
	ToolRescheduleAppointment,
	ToolCancelAppointment,
}

// IsValid reports whether t is a member of the closed tool set.
func (t Tool) IsValid() bool {
	switch t {
	case ToolCreateAppointment, ToolRescheduleAppointment, ToolCancelAppointment, ToolGetAppointments:
		return true
	}
	return false
}

// declaration returns the agent-facing parameter schema for the tool.
func (t Tool) declaration() live.FunctionDeclaration {
	str := map[string]any{"type": "STRING"}
	obj := func(required []string, props map[string]any) map[string]any {
		return map[string]any{"type": "OBJECT", "properties": props, "required": required}
	}

	switch t {
	case ToolCreateAppointment:
		return live.FunctionDeclaration{
			Name: string(t),
			Parameters: obj([]string{"title", "start", "end"}, map[string]any{
				"title": str, "start": str, "end": str,
			}),
		}
	case ToolGetAppointments:
		return live.FunctionDeclaration{
			Name:       string(t),
			Parameters: obj([]string{"date"}, map[string]any{"date": str}),
		}
	case ToolRescheduleAppointment:
		return live.FunctionDeclaration{
			Name: string(t),
			Parameters: obj([]string{"id", "newStart", "newEnd"}, map[string]any{
				"id": str, "newStart": str, "newEnd": str,
			}),
		}
	case ToolCancelAppointment:
		return live.FunctionDeclaration{
			Name:       string(t),
			Parameters: obj([]string{"id"}, map[string]any{"id": str}),
		}
	}
	return live.FunctionDeclaration{Name: string(t)}
}

// Declarations returns the full declaration set for the session transport's
// connection-open configuration.
func Declarations() []live.FunctionDeclaration {
	decls := make([]live.FunctionDeclaration, len(Tools))
	for i, t := range Tools {
		decls[i] = t.declaration()
	}
	return decls
}

// Dispatcher routes [live.ToolCallRequest] values to the Provider and shapes
// the results for transmission. Safe for concurrent use, though the session
// transport delivers requests sequentially in arrival order.
type Dispatcher struct {
	provider Provider
	metrics  *observe.Metrics
}

// New creates a Dispatcher over provider. metrics may be nil.
func New(provider Provider, metrics *observe.Metrics) *Dispatcher {
	return &Dispatcher{provider: provider, metrics: metrics}
}

// Dispatch invokes the handler for req and returns the result to send back.
// It always returns a result carrying req's correlation id — never an error.
func (d *Dispatcher) Dispatch(ctx context.Context, req live.ToolCallRequest) (res live.ToolCallResult) {
	res = live.ToolCallResult{ID: req.ID, Name: req.Name}
	status := "success"
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool handler panic", "tool", req.Name, "id", req.ID, "panic", r)
			res.Response = map[string]any{"result": errorMarker}
			status = "panic"
		}
		d.record(ctx, req.Name, status, time.Since(start))
	}()

	body, err := d.invoke(ctx, req)
	if err != nil {
		slog.Warn("tool call failed", "tool", req.Name, "id", req.ID, "err", err)
		res.Response = map[string]any{"result": errorMarker}
		status = "error"
		return res
	}

	res.Response = map[string]any{"result": body}
	return res
}

func (d *Dispatcher) record(ctx context.Context, tool, status string, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	d.metrics.ToolCalls.Add(ctx, 1, attrs)
	d.metrics.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// invoke decodes the request arguments and calls the matching handler.
func (d *Dispatcher) invoke(ctx context.Context, req live.ToolCallRequest) (any, error) {
	tool := Tool(req.Name)
	if !tool.IsValid() {
		return nil, fmt.Errorf("dispatch: unknown tool %q", req.Name)
	}

	switch tool {
	case ToolCreateAppointment:
		var args struct {
			Title string `json:"title"`
			Start string `json:"start"`
			End   string `json:"end"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		start, err := parseDateTime(args.Start)
		if err != nil {
			return nil, err
		}
		end, err := parseDateTime(args.End)
		if err != nil {
			return nil, err
		}
		if err := d.provider.CreateAppointment(ctx, args.Title, start, end); err != nil {
			return nil, err
		}
		return map[string]any{"status": "success"}, nil

	case ToolRescheduleAppointment:
		var args struct {
			ID       string `json:"id"`
			NewStart string `json:"newStart"`
			NewEnd   string `json:"newEnd"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		newStart, err := parseDateTime(args.NewStart)
		if err != nil {
			return nil, err
		}
		newEnd, err := parseDateTime(args.NewEnd)
		if err != nil {
			return nil, err
		}
		if err := d.provider.RescheduleAppointment(ctx, args.ID, newStart, newEnd); err != nil {
			return nil, err
		}
		return map[string]any{"status": "success"}, nil

	case ToolCancelAppointment:
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		if err := d.provider.CancelAppointment(ctx, args.ID); err != nil {
			return nil, err
		}
		return map[string]any{"status": "success"}, nil

	case ToolGetAppointments:
		var args struct {
			Date string `json:"date"`
		}
		if err := decodeArgs(req.Args, &args); err != nil {
			return nil, err
		}
		date, err := parseDateTime(args.Date)
		if err != nil {
			return nil, err
		}
		appts, err := d.provider.AppointmentsOn(ctx, date)
		if err != nil {
			return nil, err
		}
		list := make([]map[string]any, len(appts))
		for i, a := range appts {
			list[i] = map[string]any{
				"id":    a.ID,
				"title": a.Title,
				"start": a.Start.Format(time.RFC3339),
				"end":   a.End.Format(time.RFC3339),
			}
			if a.Description != "" {
				list[i]["description"] = a.Description
			}
		}
		return map[string]any{"status": "success", "appointments": list}, nil
	}

	return nil, fmt.Errorf("dispatch: unhandled tool %q", tool)
}

// decodeArgs round-trips the loose argument map through JSON into the typed
// per-tool argument struct.
func decodeArgs(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("dispatch: marshal args: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("dispatch: decode args: %w", err)
	}
	return nil
}

// dateTimeLayouts lists the accepted argument formats, most specific first.
// The agent usually produces RFC 3339 timestamps but sends bare dates for
// get_appointments.
var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	for _, layout := range dateTimeLayouts {
		if ts, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("dispatch: unparseable datetime %q", s)
}
