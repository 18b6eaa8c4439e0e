package executor_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/okonuma/hanbai/internal/hanbai/capability"
	"github.com/okonuma/hanbai/internal/hanbai/confirm"
	"github.com/okonuma/hanbai/internal/hanbai/executor"
	"github.com/okonuma/hanbai/internal/hanbai/kv"
	"github.com/okonuma/hanbai/internal/hanbai/ledger"
	"github.com/okonuma/hanbai/internal/hanbai/plan"
	"github.com/okonuma/hanbai/internal/hanbai/store"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
	"github.com/okonuma/hanbai/internal/hanbai/upstream"
)

// fakeDoer answers every capability probe with 200 so tests exercise the
// executor, not the probe classifier.
type fakeDoer struct{ status int }

func (f *fakeDoer) Do(_ context.Context, _, _ string, _ map[string]any) (*upstream.Response, error) {
	if f.status == 0 {
		return nil, errors.New("connection refused")
	}
	return &upstream.Response{StatusCode: f.status}, nil
}

// harness bundles an executor with the fakes behind it. mainResp is what
// the reprice handler returns; mutations counts handler invocations with
// dry_run=false, dryRuns those with dry_run=true. notified counts team
// pings.
type harness struct {
	exec     *executor.Executor
	tokens   *confirm.Service
	mainResp func() *tool.Response
	mainErr  error

	mutations int
	dryRuns   int
	notified  int
}

func okResponse() *tool.Response {
	return &tool.Response{
		Status: "ok",
		Data:   map[string]any{"would_apply": true, "affected_count": 2},
		Provenance: &tool.Provenance{
			Sources: []string{"rates:ecb"},
			Window:  "24h",
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "executor-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := &harness{mainResp: okResponse}

	reg := tool.NewRegistry()
	mustRegister(t, reg, tool.Spec{
		Name:       plan.ToolFXReprice,
		Kind:       tool.KindAction,
		Capability: "price_update",
		Handler: func(_ context.Context, payload map[string]any, _ string) (*tool.Response, error) {
			if dry, _ := payload["dry_run"].(bool); dry {
				h.dryRuns++
			} else {
				h.mutations++
			}
			if h.mainErr != nil {
				return nil, h.mainErr
			}
			return h.mainResp(), nil
		},
	})
	mustRegister(t, reg, tool.Spec{
		Name: plan.ToolNotifyTeam,
		Kind: tool.KindNotify,
		Handler: func(_ context.Context, payload map[string]any, _ string) (*tool.Response, error) {
			if dry, _ := payload["dry_run"].(bool); !dry {
				h.notified++
			}
			return &tool.Response{Status: "ok"}, nil
		},
	})

	h.tokens = confirm.NewService(kv.New(), time.Minute)
	h.exec = executor.New(executor.Config{
		Tools:     reg,
		Caps:      capability.NewRegistry(&fakeDoer{status: 200}, kv.New(), time.Hour),
		Tokens:    h.tokens,
		Ledger:    ledger.New(s.DB()),
		State:     kv.New(),
		AllowList: []string{plan.ToolFXReprice},
	})
	return h
}

func mustRegister(t *testing.T, reg *tool.Registry, spec tool.Spec) {
	t.Helper()
	if err := reg.Register(spec); err != nil {
		t.Fatalf("register %s: %v", spec.Name, err)
	}
}

func repricePlan(t *testing.T, withNotify bool) *plan.Plan {
	t.Helper()
	steps := []plan.Step{{
		Kind:     plan.KindTool,
		ToolName: plan.ToolFXReprice,
		Payload:  map[string]any{"currency": "JPY", "dry_run": true},
		Label:    "reprice JPY products",
	}}
	if withNotify {
		steps = append(steps, plan.Step{
			Kind:      plan.KindNotifyTeam,
			ToolName:  plan.ToolNotifyTeam,
			Payload:   map[string]any{"message": "prices updated"},
			Condition: plan.CondCommitSuccess,
			Label:     "ping the team",
		})
	}
	p, err := plan.New(plan.SourcePhrasePack, "update JPY prices for today's rate", steps)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return p
}

func testContext() executor.Context {
	return executor.Context{ConversationID: "!room:example.org", ActorID: "@alice:example.org"}
}

func redeem(t *testing.T, h *harness, callbackID string) *confirm.Record {
	t.Helper()
	const prefix = "confirm:"
	if len(callbackID) <= len(prefix) || callbackID[:len(prefix)] != prefix {
		t.Fatalf("unexpected callback id %q", callbackID)
	}
	rec, ok := h.tokens.Redeem(callbackID[len(prefix):])
	if !ok {
		t.Fatalf("token %q not redeemable", callbackID)
	}
	return rec
}

func TestPreview_NoopNeedsNoConfirmation(t *testing.T) {
	h := newHarness(t)
	h.mainResp = func() *tool.Response {
		return &tool.Response{
			Status:     "ok",
			Data:       map[string]any{"would_apply": false, "affected_count": 0},
			Provenance: &tool.Provenance{Sources: []string{"rates:ecb"}},
		}
	}

	res, err := h.exec.Preview(context.Background(), repricePlan(t, false), testContext())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if res.ConfirmNeeded {
		t.Fatal("expected no confirmation for a no-op dry-run")
	}
	if res.ConfirmAllID != "" || res.ConfirmMainID != "" {
		t.Fatalf("expected no tokens, got %q and %q", res.ConfirmAllID, res.ConfirmMainID)
	}
	st, ok := h.exec.ActivePlan(testContext().ConversationID)
	if !ok {
		t.Fatal("expected active plan state to persist")
	}
	if st.TokenAll != "" || st.TokenMain != "" {
		t.Fatal("expected no confirmation tokens in stored state")
	}
}

func TestPreview_MintsDistinctTokens(t *testing.T) {
	h := newHarness(t)

	res, err := h.exec.Preview(context.Background(), repricePlan(t, false), testContext())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !res.ConfirmNeeded {
		t.Fatal("expected confirmation to be required")
	}
	if res.ConfirmAllID == res.ConfirmMainID {
		t.Fatal("expected distinct tokens for the two exec modes")
	}

	all := redeem(t, h, res.ConfirmAllID)
	main := redeem(t, h, res.ConfirmMainID)
	if all.ExecMode != confirm.ExecAll || main.ExecMode != confirm.ExecOnlyMain {
		t.Fatalf("exec modes: got %q and %q", all.ExecMode, main.ExecMode)
	}
	if all.IdempotencyKey == main.IdempotencyKey {
		t.Fatal("expected distinct idempotency keys per token")
	}
	for name, rec := range map[string]*confirm.Record{"all": all, "main": main} {
		if dry, ok := rec.CommitPayload["dry_run"].(bool); !ok || dry {
			t.Fatalf("%s token: commit payload must resolve dry_run=false", name)
		}
		if _, present := rec.CommitPayload["force"]; present {
			t.Fatalf("%s token: commit payload must not carry force", name)
		}
	}
	if h.dryRuns != 1 {
		t.Fatalf("expected exactly one dry-run, got %d", h.dryRuns)
	}
	if h.mutations != 0 {
		t.Fatalf("preview must not mutate, got %d mutations", h.mutations)
	}
}

func TestCommit_StalePlanRejected(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	res, err := h.exec.Preview(context.Background(), repricePlan(t, false), pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	rec := redeem(t, h, res.ConfirmAllID)
	rec.PlanID = "p_someone_elses_plan"

	_, err = h.exec.Commit(context.Background(), rec, pctx)
	var xerr *executor.Error
	if !errors.As(err, &xerr) || xerr.Kind != executor.KindPlanNotFound {
		t.Fatalf("expected PLAN_NOT_FOUND, got %v", err)
	}
	if h.mutations != 0 {
		t.Fatal("stale plan must not reach the handler")
	}
}

func TestCommit_ReplayAbsorbedByLedger(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	res, err := h.exec.Preview(context.Background(), repricePlan(t, false), pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	rec := redeem(t, h, res.ConfirmAllID)

	first, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if first.AlreadyDone {
		t.Fatal("first commit must execute, not replay")
	}
	if first.LedgerStatus != ledger.StatusCommitted {
		t.Fatalf("ledger status: got %s", first.LedgerStatus)
	}

	// Replay the same record: preview again so a pending plan exists, then
	// submit the original idempotency key a second time.
	res2, err := h.exec.Preview(context.Background(), repricePlan(t, false), pctx)
	if err != nil {
		t.Fatalf("second Preview: %v", err)
	}
	rec.PlanID = res2.Plan.PlanID

	second, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if !second.AlreadyDone {
		t.Fatal("replayed commit must short-circuit")
	}
	if second.LedgerStatus != ledger.StatusCommitted {
		t.Fatalf("replay must report the recorded outcome, got %s", second.LedgerStatus)
	}
	if h.mutations != 1 {
		t.Fatalf("mutating handler must run exactly once, ran %d times", h.mutations)
	}
}

func TestPreview_ForcePathIsDistinct(t *testing.T) {
	h := newHarness(t)
	h.mainResp = func() *tool.Response {
		r := okResponse()
		r.Anomalies = &tool.AnomalySummary{OverThresholdCount: 1}
		return r
	}

	res, err := h.exec.Preview(context.Background(), repricePlan(t, false), testContext())
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !res.ForceNeeded {
		t.Fatal("expected the force-confirmation path")
	}
	if res.ForceConfirmID == "" || res.ForceConfirmID == res.ConfirmAllID {
		t.Fatalf("force callback must exist and differ, got %q vs %q", res.ForceConfirmID, res.ConfirmAllID)
	}

	normal := redeem(t, h, res.ConfirmAllID)
	if _, present := normal.CommitPayload["force"]; present {
		t.Fatal("normal token must never carry force=true")
	}
	forced := redeem(t, h, res.ForceConfirmID)
	if v, _ := forced.CommitPayload["force"].(bool); !v {
		t.Fatal("force token must carry force=true")
	}
	if forced.IdempotencyKey == normal.IdempotencyKey {
		t.Fatal("force token needs its own idempotency key")
	}
}

func TestPreview_UnsupportedCapabilityBlocksPlan(t *testing.T) {
	h := newHarness(t)
	// A fresh capability registry whose probes all 404: nothing supported.
	blocked := executorWithCaps(t, h, &fakeDoer{status: 404})

	_, err := blocked.Preview(context.Background(), repricePlan(t, false), testContext())
	var xerr *executor.Error
	if !errors.As(err, &xerr) || xerr.Kind != executor.KindPlanBlocked {
		t.Fatalf("expected PLAN_BLOCKED, got %v", err)
	}
	if xerr.CapabilityKey != "price_update" {
		t.Fatalf("capability key: got %q", xerr.CapabilityKey)
	}
	if want := "PLAN_BLOCKED: UPSTREAM_NOT_IMPLEMENTED:price_update"; xerr.Error() != want {
		t.Fatalf("error text: got %q, want %q", xerr.Error(), want)
	}
	if h.dryRuns != 0 {
		t.Fatal("blocked plan must not invoke any handler")
	}
}

func TestPreview_MisconfiguredCapabilityBlocksPlanDistinctly(t *testing.T) {
	h := newHarness(t)
	// Probes answer 401: the capability exists but our credentials are bad.
	blocked := executorWithCaps(t, h, &fakeDoer{status: 401})

	_, err := blocked.Preview(context.Background(), repricePlan(t, false), testContext())
	var xerr *executor.Error
	if !errors.As(err, &xerr) || xerr.Kind != executor.KindPlanBlocked {
		t.Fatalf("expected PLAN_BLOCKED, got %v", err)
	}
	if xerr.CapabilityStatus != capability.StatusMisconfigured {
		t.Fatalf("capability status: got %q", xerr.CapabilityStatus)
	}
	if want := "PLAN_BLOCKED: UPSTREAM_MISCONFIGURED:price_update"; xerr.Error() != want {
		t.Fatalf("error text: got %q, want %q", xerr.Error(), want)
	}
	if h.dryRuns != 0 {
		t.Fatal("blocked plan must not invoke any handler")
	}
}

func TestCommit_FollowUpGatedOnOutcome(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	res, err := h.exec.Preview(context.Background(), repricePlan(t, true), pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	rec := redeem(t, h, res.ConfirmAllID)

	cres, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.notified != 1 {
		t.Fatalf("expected one team ping, got %d", h.notified)
	}
	if len(cres.FollowUps) != 1 {
		t.Fatalf("expected one follow-up response, got %d", len(cres.FollowUps))
	}
	if _, ok := h.exec.ActivePlan(pctx.ConversationID); ok {
		t.Fatal("commit must retire the pending plan")
	}
}

func TestCommit_SecondActionStepNeverRuns(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	steps := []plan.Step{{
		Kind:     plan.KindTool,
		ToolName: plan.ToolFXReprice,
		Payload:  map[string]any{"currency": "JPY", "dry_run": true},
		Label:    "reprice JPY products",
	}, {
		Kind:      plan.KindTool,
		ToolName:  plan.ToolFXReprice,
		Payload:   map[string]any{"currency": "EUR", "dry_run": true},
		Condition: plan.CondAlways,
		Label:     "reprice EUR products",
	}}
	p, err := plan.New(plan.SourcePhrasePack, "reprice JPY then EUR", steps)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}

	res, err := h.exec.Preview(context.Background(), p, pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if h.dryRuns != 2 {
		t.Fatalf("expected both steps dry-run at preview, got %d", h.dryRuns)
	}
	rec := redeem(t, h, res.ConfirmAllID)

	cres, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.mutations != 1 {
		t.Fatalf("only the confirmed step may mutate, got %d real calls", h.mutations)
	}
	if len(cres.FollowUps) != 0 {
		t.Fatalf("a TOOL step must never run as a follow-up, got %d", len(cres.FollowUps))
	}
	if len(cres.SkippedSteps) != 1 || cres.SkippedSteps[0] != "s2" {
		t.Fatalf("expected s2 skipped, got %v", cres.SkippedSteps)
	}
}

func TestCommit_NoopOutcomeFiresNoopGatedPing(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	// Dry-run says the reprice would apply; by commit time the rate has
	// drifted back and the real call changes nothing.
	calls := 0
	h.mainResp = func() *tool.Response {
		calls++
		if calls == 1 {
			return okResponse()
		}
		return &tool.Response{
			Status:     "ok",
			Data:       map[string]any{"would_apply": false, "affected_count": 0},
			Provenance: &tool.Provenance{Sources: []string{"rates:ecb"}},
		}
	}

	steps := []plan.Step{{
		Kind:     plan.KindTool,
		ToolName: plan.ToolFXReprice,
		Payload:  map[string]any{"currency": "JPY", "dry_run": true},
		Label:    "reprice JPY products",
	}, {
		Kind:      plan.KindNotifyTeam,
		ToolName:  plan.ToolNotifyTeam,
		Payload:   map[string]any{"message": "prices updated", "dry_run": true},
		Condition: plan.CondWouldApplyTrue,
		Label:     "applied ping",
	}, {
		Kind:      plan.KindNotifyTeam,
		ToolName:  plan.ToolNotifyTeam,
		Payload:   map[string]any{"message": "no change needed", "dry_run": true},
		Condition: plan.CondNoopTrue,
		Label:     "no-change ping",
	}}
	p, err := plan.New(plan.SourcePhrasePack, "check the rate and reprice if needed", steps)
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}

	res, err := h.exec.Preview(context.Background(), p, pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	rec := redeem(t, h, res.ConfirmAllID)

	cres, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.notified != 1 {
		t.Fatalf("expected exactly the no-change ping, got %d", h.notified)
	}
	if _, ok := cres.FollowUps["s3"]; !ok {
		t.Fatalf("noop_true step should have run, follow-ups: %v", cres.FollowUps)
	}
	if len(cres.SkippedSteps) != 1 || cres.SkippedSteps[0] != "s2" {
		t.Fatalf("would_apply_true step should be skipped, got %v", cres.SkippedSteps)
	}
}

func TestCommit_OnlyMainSkipsFollowUps(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	res, err := h.exec.Preview(context.Background(), repricePlan(t, true), pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	rec := redeem(t, h, res.ConfirmMainID)

	cres, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if h.notified != 0 {
		t.Fatalf("only_main must skip follow-ups, got %d pings", h.notified)
	}
	if len(cres.SkippedSteps) != 1 {
		t.Fatalf("expected one skipped step, got %v", cres.SkippedSteps)
	}
	if h.mutations != 1 {
		t.Fatalf("main mutation must still run, ran %d times", h.mutations)
	}
}

func TestCommit_FailedMainSkipsFollowUpsAndRecordsFailure(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	res, err := h.exec.Preview(context.Background(), repricePlan(t, true), pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	rec := redeem(t, h, res.ConfirmAllID)

	h.mainErr = errors.New("upstream timeout")
	cres, err := h.exec.Commit(context.Background(), rec, pctx)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if cres.LedgerStatus != ledger.StatusFailed {
		t.Fatalf("ledger status: got %s", cres.LedgerStatus)
	}
	if h.notified != 0 {
		t.Fatal("failed main must not trigger the team ping")
	}
	if cres.MainResponse.OK() {
		t.Fatal("main response must report the failure")
	}
}

func TestPreview_ProvenanceRequiredForNumbers(t *testing.T) {
	h := newHarness(t)
	h.mainResp = func() *tool.Response {
		return &tool.Response{
			Status: "ok",
			Data:   map[string]any{"would_apply": true, "affected_count": 2},
		}
	}

	_, err := h.exec.Preview(context.Background(), repricePlan(t, false), testContext())
	var xerr *executor.Error
	if !errors.As(err, &xerr) || xerr.Kind != executor.KindProvenanceMissing {
		t.Fatalf("expected PROVENANCE_MISSING, got %v", err)
	}
}

func TestPreview_UnknownToolRejected(t *testing.T) {
	h := newHarness(t)
	p, err := plan.New(plan.SourcePhrasePack, "publish something", []plan.Step{{
		Kind:     plan.KindTool,
		ToolName: "products.delete_all",
		Payload:  map[string]any{},
	}})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}

	_, err = h.exec.Preview(context.Background(), p, testContext())
	var xerr *executor.Error
	if !errors.As(err, &xerr) || xerr.Kind != executor.KindToolNotAllowed {
		t.Fatalf("expected TOOL_NOT_ALLOWED, got %v", err)
	}
}

func TestCancel_ConsumesTokens(t *testing.T) {
	h := newHarness(t)
	pctx := testContext()

	res, err := h.exec.Preview(context.Background(), repricePlan(t, false), pctx)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if !h.exec.CancelActivePlan(pctx.ConversationID) {
		t.Fatal("expected a pending plan to cancel")
	}
	if _, ok := h.tokens.Redeem(res.ConfirmAllID[len("confirm:"):]); ok {
		t.Fatal("cancel must consume the confirmation tokens")
	}
	if _, ok := h.exec.ActivePlan(pctx.ConversationID); ok {
		t.Fatal("cancel must delete the pending state")
	}
}

// executorWithCaps rebuilds the harness executor around a different probe
// doer, sharing the harness handlers and token service.
func executorWithCaps(t *testing.T, h *harness, doer upstream.Doer) *executor.Executor {
	t.Helper()

	reg := tool.NewRegistry()
	mustRegister(t, reg, tool.Spec{
		Name:       plan.ToolFXReprice,
		Kind:       tool.KindAction,
		Capability: "price_update",
		Handler: func(_ context.Context, payload map[string]any, _ string) (*tool.Response, error) {
			h.dryRuns++
			return h.mainResp(), nil
		},
	})

	f, err := os.CreateTemp(t.TempDir(), "executor-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return executor.New(executor.Config{
		Tools:     reg,
		Caps:      capability.NewRegistry(doer, kv.New(), time.Hour),
		Tokens:    h.tokens,
		Ledger:    ledger.New(s.DB()),
		State:     kv.New(),
		AllowList: []string{plan.ToolFXReprice},
	})
}
