// Package tool defines the closed registry of tools the executor may
// dispatch, and the response contract every handler honours.
//
// Tools are resolved strictly by name lookup in the registry, never by
// runtime type inspection. Each entry carries the payload schema, the
// handler, the upstream capability it depends on, and its kind. The
// business logic behind each handler lives elsewhere; this package only
// owns the contract.
package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Kind classifies a registered tool.
type Kind string

const (
	// KindRead is a side-effect-free query tool.
	KindRead Kind = "read"
	// KindAction is a mutating tool; it is confirmation-gated and must be
	// on the action allow-list to run.
	KindAction Kind = "action"
	// KindNotify delivers a message; it mutates nothing upstream.
	KindNotify Kind = "notify"
)

// Warning is a non-fatal signal attached to a response.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WarnForceRequired is the warning code that triggers the elevated
// force-confirmation path.
const WarnForceRequired = "FORCE_REQUIRED"

// Provenance attributes a response's numbers to their sources.
type Provenance struct {
	Sources     []string `json:"sources"`
	Window      string   `json:"window,omitempty"`
	FiltersHash string   `json:"filters_hash,omitempty"`
}

// Error is a tool-level failure, passed through to the caller unchanged.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// AnomalySummary reports preview-time anomalies (e.g. price deltas beyond
// the safe threshold). A non-zero OverThresholdCount triggers the
// force-confirmation guardrail.
type AnomalySummary struct {
	OverThresholdCount int `json:"over_threshold_count"`
}

// Response is the uniform reply of every tool handler.
type Response struct {
	Status     string          `json:"status"` // "ok" or "error"
	Data       map[string]any  `json:"data,omitempty"`
	Warnings   []Warning       `json:"warnings,omitempty"`
	Provenance *Provenance     `json:"provenance,omitempty"`
	Anomalies  *AnomalySummary `json:"anomalies,omitempty"`
	Error      *Error          `json:"error,omitempty"`
}

// OK reports whether the handler succeeded.
func (r *Response) OK() bool {
	return r != nil && r.Status == "ok"
}

// WouldApply reports whether a dry-run declared it would change anything.
// Absent data is treated as "would apply" so a terse handler still gets a
// confirmation rather than a silent skip.
func (r *Response) WouldApply() bool {
	if r == nil || r.Data == nil {
		return true
	}
	if v, ok := r.Data["would_apply"].(bool); ok {
		return v
	}
	return true
}

// IsNoop reports whether the declared outcome is a no-op: the dry-run
// signalled would_apply=false or a skip/no-change status.
func (r *Response) IsNoop() bool {
	if r == nil || r.Data == nil {
		return false
	}
	if v, ok := r.Data["would_apply"].(bool); ok && !v {
		return true
	}
	if s, ok := r.Data["status"].(string); ok {
		switch strings.ToLower(s) {
		case "skipped", "no_change", "noop":
			return true
		}
	}
	return false
}

// NeedsForce reports whether the response demands the elevated
// force-confirmation path: a FORCE_REQUIRED warning (or its legacy
// free-text equivalent) or a non-zero over-threshold anomaly count.
func (r *Response) NeedsForce() bool {
	if r == nil {
		return false
	}
	for _, w := range r.Warnings {
		if w.Code == WarnForceRequired {
			return true
		}
		if strings.Contains(strings.ToLower(w.Message), "force required") {
			return true
		}
	}
	return r.Anomalies != nil && r.Anomalies.OverThresholdCount > 0
}

// HasProvenance reports whether the response carries source attribution.
func (r *Response) HasProvenance() bool {
	return r != nil && r.Provenance != nil && len(r.Provenance.Sources) > 0
}

// Handler executes one tool call. The dry_run flag travels inside payload;
// handlers must never mutate upstream state when it is true.
type Handler func(ctx context.Context, payload map[string]any, correlationID string) (*Response, error)

// Spec is one registry entry.
type Spec struct {
	Name       string
	Kind       Kind
	Capability string // upstream capability key; empty for tools with no upstream dependency
	Schema     string // JSON schema source for the payload; empty to skip validation
	Handler    Handler

	compiled *jsonschema.Schema
}

// Registry is the closed name -> Spec mapping.
type Registry struct {
	specs map[string]*Spec
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*Spec)}
}

// Register adds spec to the registry, compiling its payload schema.
// Registering a duplicate name or a spec without a handler is an error.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool spec has no name")
	}
	if spec.Handler == nil {
		return fmt.Errorf("tool %q has no handler", spec.Name)
	}
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("tool %q is already registered", spec.Name)
	}

	if spec.Schema != "" {
		compiled, err := jsonschema.CompileString(spec.Name+".schema.json", spec.Schema)
		if err != nil {
			return fmt.Errorf("tool %q has an invalid payload schema: %w", spec.Name, err)
		}
		spec.compiled = compiled
	}

	r.specs[spec.Name] = &spec
	return nil
}

// Get returns the spec for name, or false when the tool is not registered.
func (r *Registry) Get(name string) (*Spec, bool) {
	s, ok := r.specs[name]
	return s, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.specs))
	for n := range r.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidatePayload checks payload against the tool's compiled schema.
// Tools without a schema accept any payload.
func (r *Registry) ValidatePayload(name string, payload map[string]any) error {
	spec, ok := r.specs[name]
	if !ok {
		return fmt.Errorf("unknown tool %q", name)
	}
	if spec.compiled == nil {
		return nil
	}
	// jsonschema validates decoded JSON values; a nil payload is an empty object.
	var v any = map[string]any{}
	if payload != nil {
		v = normalize(payload)
	}
	if err := spec.compiled.Validate(v); err != nil {
		return fmt.Errorf("payload for %q failed validation: %w", name, err)
	}
	return nil
}

// normalize converts Go-typed payload values into the shapes the JSON
// schema validator expects (ints become float64, nested maps recurse).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
