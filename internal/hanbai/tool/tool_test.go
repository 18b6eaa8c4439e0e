package tool_test

import (
	"context"
	"testing"

	"github.com/okonuma/hanbai/internal/hanbai/tool"
)

func okHandler(_ context.Context, _ map[string]any, _ string) (*tool.Response, error) {
	return &tool.Response{Status: "ok"}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := tool.NewRegistry()
	err := r.Register(tool.Spec{
		Name:       "discounts.create",
		Kind:       tool.KindAction,
		Capability: "discount_create",
		Handler:    okHandler,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	spec, ok := r.Get("discounts.create")
	if !ok {
		t.Fatal("expected tool to be registered")
	}
	if spec.Kind != tool.KindAction || spec.Capability != "discount_create" {
		t.Errorf("spec: %+v", spec)
	}

	if _, ok := r.Get("nonexistent"); ok {
		t.Error("unregistered name must not resolve")
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := tool.NewRegistry()
	spec := tool.Spec{Name: "team.notify", Kind: tool.KindNotify, Handler: okHandler}
	if err := r.Register(spec); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(spec); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}

func TestRegistry_SchemaValidation(t *testing.T) {
	r := tool.NewRegistry()
	err := r.Register(tool.Spec{
		Name:    "discounts.create",
		Kind:    tool.KindAction,
		Handler: okHandler,
		Schema: `{
			"type": "object",
			"required": ["code", "percent_off"],
			"properties": {
				"code": {"type": "string", "minLength": 1},
				"percent_off": {"type": "integer", "minimum": 1, "maximum": 99},
				"dry_run": {"type": "boolean"}
			}
		}`,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	good := map[string]any{"code": "SAVE15", "percent_off": 15, "dry_run": true}
	if err := r.ValidatePayload("discounts.create", good); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	missing := map[string]any{"code": "SAVE15"}
	if err := r.ValidatePayload("discounts.create", missing); err == nil {
		t.Error("payload missing a required field must be rejected")
	}

	outOfRange := map[string]any{"code": "SAVE200", "percent_off": 200}
	if err := r.ValidatePayload("discounts.create", outOfRange); err == nil {
		t.Error("out-of-range payload must be rejected")
	}
}

func TestRegistry_RejectsInvalidSchema(t *testing.T) {
	r := tool.NewRegistry()
	err := r.Register(tool.Spec{
		Name:    "broken",
		Kind:    tool.KindRead,
		Handler: okHandler,
		Schema:  `{"type": "not-a-type"}`,
	})
	if err == nil {
		t.Fatal("expected error for invalid schema")
	}
}

func TestResponse_NoopDetection(t *testing.T) {
	applied := &tool.Response{Status: "ok", Data: map[string]any{"would_apply": true}}
	if applied.IsNoop() {
		t.Error("would_apply=true is not a no-op")
	}

	noop := &tool.Response{Status: "ok", Data: map[string]any{"would_apply": false}}
	if !noop.IsNoop() {
		t.Error("would_apply=false is a no-op")
	}

	skipped := &tool.Response{Status: "ok", Data: map[string]any{"status": "no_change"}}
	if !skipped.IsNoop() {
		t.Error("status=no_change is a no-op")
	}

	terse := &tool.Response{Status: "ok"}
	if terse.IsNoop() {
		t.Error("absent data must not read as a no-op")
	}
	if !terse.WouldApply() {
		t.Error("absent data must default to would-apply")
	}
}

func TestResponse_NeedsForce(t *testing.T) {
	coded := &tool.Response{Status: "ok", Warnings: []tool.Warning{{Code: tool.WarnForceRequired, Message: "delta too large"}}}
	if !coded.NeedsForce() {
		t.Error("FORCE_REQUIRED warning must trigger force")
	}

	legacy := &tool.Response{Status: "ok", Warnings: []tool.Warning{{Code: "PRICE_DELTA", Message: "Force required: delta above 40%"}}}
	if !legacy.NeedsForce() {
		t.Error("legacy free-text force warning must trigger force")
	}

	anomaly := &tool.Response{Status: "ok", Anomalies: &tool.AnomalySummary{OverThresholdCount: 1}}
	if !anomaly.NeedsForce() {
		t.Error("over-threshold anomaly must trigger force")
	}

	calm := &tool.Response{Status: "ok", Anomalies: &tool.AnomalySummary{OverThresholdCount: 0}}
	if calm.NeedsForce() {
		t.Error("zero anomaly count must not trigger force")
	}
}
