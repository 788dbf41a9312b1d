// Package tools implements the local capabilities the remote assistant may call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/krishimitra/farmvoice/internal/domain"
)

// Tool is one local capability exposed to the assistant.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON-schema object for the arguments, or nil when the tool takes none.
	Parameters() map[string]any
	Call(ctx context.Context, args json.RawMessage) (any, error)
}

// Schema is the declaration sent to the assistant at session configuration time.
type Schema struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Failure is the structured payload returned when a tool cannot produce a result.
type Failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// Error carries the message reported to the assistant alongside the underlying cause.
type Error struct {
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Registry maps tool names to tools. Lookup by name happens only at the protocol boundary.
type Registry struct {
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with that name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the declarations of every registered tool, sorted by name.
func (r *Registry) Schemas() []Schema {
	names := r.Names()
	schemas := make([]Schema, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		schemas = append(schemas, Schema{
			Type:        "function",
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return schemas
}

// Invoke runs the named tool and returns its JSON-encoded output.
// ok is false when no tool has that name. Tool errors and panics are converted
// into a Failure payload so the caller always has something to send back.
func (r *Registry) Invoke(ctx context.Context, inv domain.ToolInvocation) (output string, ok bool) {
	t, found := r.tools[inv.Name]
	if !found {
		return "", false
	}

	result, err := r.call(ctx, t, inv)
	if err != nil {
		r.logger.Warn("Tool call failed", "tool", inv.Name, "call_id", inv.CallID, "error", err)
		return FailureJSON(failureMessage(err)), true
	}

	data, err := json.Marshal(result)
	if err != nil {
		r.logger.Error("Tool result not serializable", "tool", inv.Name, "call_id", inv.CallID, "error", err)
		return FailureJSON("tool produced an unreadable result"), true
	}
	return string(data), true
}

func (r *Registry) call(ctx context.Context, t Tool, inv domain.ToolInvocation) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", inv.Name, p)
		}
	}()
	args := inv.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return t.Call(ctx, args)
}

// FailureJSON encodes a Failure payload.
func FailureJSON(message string) string {
	data, err := json.Marshal(Failure{Success: false, Error: message})
	if err != nil {
		return `{"success":false,"error":"internal error"}`
	}
	return string(data)
}

func failureMessage(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "tool call timed out"
	}
	return err.Error()
}
