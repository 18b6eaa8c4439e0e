package executor

import (
	"context"
	"fmt"

	"github.com/okonuma/hanbai/common/redact"
	"github.com/okonuma/hanbai/common/trace"
	"github.com/okonuma/hanbai/internal/hanbai/capability"
	"github.com/okonuma/hanbai/internal/hanbai/confirm"
	"github.com/okonuma/hanbai/internal/hanbai/plan"
	"github.com/okonuma/hanbai/internal/hanbai/store"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
)

// PreviewResult is everything the caller-facing layer needs to present a
// previewed plan: the rendered text, the callback identifiers for the
// confirm/cancel buttons, and the raw per-step responses.
type PreviewResult struct {
	Plan          *plan.Plan
	StepResponses map[string]*tool.Response // keyed by step id
	ConfirmNeeded bool
	WouldApply    bool
	ForceNeeded   bool
	PreviewText   string
	// Callback identifiers, empty when no confirmation is needed.
	ConfirmAllID   string // confirm:<token>, runs main step plus follow-ups
	ConfirmMainID  string // confirm:<token>, runs the main step only
	ForceConfirmID string // elevated path, set only when ForceNeeded
	CancelID       string // cancel:<token>
}

// Preview runs the ordered preview pipeline for a built plan:
//
//  1. Validate every TOOL step against the registry, the action
//     allow-list, and its payload schema.
//  2. Gate on the Capability Registry: an unsupported capability aborts
//     the whole plan before any handler is called.
//  3. Stamp requires_confirm on the first mutating TOOL step (the builder
//     never sets it) and re-validate the plan.
//  4. Execute every step's handler in declared order with dry-run forced.
//  5. Decide whether confirmation is needed and mint the confirmation
//     tokens (exec_mode all vs only_main, distinct idempotency keys), plus
//     a separate force token when the dry-run flags an anomaly.
//  6. Persist ActivePlanState for the conversation and render the preview.
//
// Each stage's failure short-circuits the rest.
func (e *Executor) Preview(ctx context.Context, p *plan.Plan, pctx Context) (*PreviewResult, error) {
	ctx, correlationID := trace.Ensure(ctx)

	if pctx.TenantID == "" {
		pctx.TenantID = tenantFromPlan(p)
	}

	if err := e.validateSteps(p); err != nil {
		e.writeAudit(ctx, pctx, "plan.preview", p.PlanID, "rejected", nil, err.Error())
		return nil, err
	}

	if err := e.gateCapabilities(ctx, p, pctx); err != nil {
		e.writeAudit(ctx, pctx, "plan.preview", p.PlanID, "blocked", nil, err.Error())
		return nil, err
	}

	if err := e.markConfirmable(p); err != nil {
		return nil, err
	}

	responses, err := e.dryRunSteps(ctx, p, correlationID)
	if err != nil {
		return nil, err
	}

	main := p.MainStep()
	mainResp := responses[main.StepID]

	if err := checkProvenance(main, mainResp); err != nil {
		e.writeAudit(ctx, pctx, "plan.preview", p.PlanID, "rejected", nil, err.Error())
		return nil, err
	}

	result := &PreviewResult{
		Plan:          p,
		StepResponses: responses,
		WouldApply:    mainResp.OK() && mainResp.WouldApply(),
	}
	result.ConfirmNeeded = main.RequiresConfirm && mainResp.OK() && !mainResp.IsNoop()
	result.ForceNeeded = result.ConfirmNeeded && mainResp.NeedsForce()

	st := &ActivePlanState{
		Plan:          p,
		CorrelationID: correlationID,
		ActorID:       pctx.ActorID,
		CreatedAt:     nowUTC(),
	}

	if result.ConfirmNeeded {
		if err := e.mintTokens(main, p, pctx, result, st); err != nil {
			return nil, err
		}
	}

	result.PreviewText = renderPreview(p, responses, result)
	st.PreviewText = result.PreviewText
	e.saveActivePlan(pctx.ConversationID, st)

	e.writeAudit(ctx, pctx, "plan.preview", p.PlanID, "previewed", store.AuditPayload{
		"summary":        p.Summary,
		"steps":          len(p.Steps),
		"confirm_needed": result.ConfirmNeeded,
		"force_needed":   result.ForceNeeded,
		"would_apply":    result.WouldApply,
	}, "")

	return result, nil
}

// validateSteps checks every TOOL step against the closed registry, the
// action allow-list, and the step's payload schema. NOTIFY_TEAM steps only
// need a registered notify tool.
func (e *Executor) validateSteps(p *plan.Plan) error {
	for _, s := range p.Steps {
		spec, ok := e.tools.Get(s.ToolName)
		if !ok {
			return toolNotAllowed("tool %q is not registered", s.ToolName)
		}
		if s.Kind == plan.KindTool && spec.Kind == tool.KindAction && !e.allowList[s.ToolName] {
			return toolNotAllowed("tool %q is not on the action allow-list", s.ToolName)
		}
		if err := e.tools.ValidatePayload(s.ToolName, s.Payload); err != nil {
			return validationError("step %s: %v", s.StepID, err)
		}
	}
	return nil
}

// tenantFromPlan reads a tenant_id from the first TOOL payload carrying
// one. The capability cache is scoped per tenant.
func tenantFromPlan(p *plan.Plan) string {
	for _, s := range p.Steps {
		if s.Kind != plan.KindTool {
			continue
		}
		if v, ok := s.Payload["tenant_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// gateCapabilities blocks the plan locally when the upstream platform is
// known not to support a required capability, without calling any handler.
func (e *Executor) gateCapabilities(ctx context.Context, p *plan.Plan, pctx Context) error {
	report := e.caps.Get(ctx, pctx.TenantScope(), false)
	for _, s := range p.Steps {
		if s.Kind != plan.KindTool {
			continue
		}
		spec, _ := e.tools.Get(s.ToolName)
		if spec.Capability == "" {
			continue
		}
		if capability.SupportedFor(report, spec.Capability) == capability.False {
			return planBlocked(spec.Capability, report.Capabilities[spec.Capability].Status)
		}
	}
	return nil
}

// markConfirmable stamps requires_confirm on the first mutating TOOL step.
// Which steps mutate is a property of the tool registry, not of the
// operator's phrasing, so the decision lives here rather than in the
// builder.
func (e *Executor) markConfirmable(p *plan.Plan) error {
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.Kind != plan.KindTool {
			continue
		}
		spec, _ := e.tools.Get(s.ToolName)
		if spec.Kind == tool.KindAction {
			s.RequiresConfirm = true
			break
		}
	}
	return p.Validate()
}

// dryRunSteps executes every step's handler in declared order with the
// dry-run flag forced on. A handler transport error becomes that step's
// failed response; it does not abort the remaining steps.
func (e *Executor) dryRunSteps(ctx context.Context, p *plan.Plan, correlationID string) (map[string]*tool.Response, error) {
	responses := make(map[string]*tool.Response, len(p.Steps))
	for _, s := range p.Steps {
		spec, _ := e.tools.Get(s.ToolName)
		payload := clonePayload(s.Payload)
		payload["dry_run"] = true

		resp, err := spec.Handler(ctx, payload, correlationID)
		if err != nil {
			resp = &tool.Response{
				Status: "error",
				Error:  &tool.Error{Code: "UPSTREAM_ERROR", Message: err.Error()},
			}
		}
		responses[s.StepID] = resp
	}
	return responses, nil
}

// checkProvenance rejects a numeric main-step result that carries no
// source attribution.
func checkProvenance(main *plan.Step, resp *tool.Response) error {
	if !resp.OK() || !hasNumericData(resp.Data) {
		return nil
	}
	if !resp.HasProvenance() {
		return provenanceMissing("step %s returned numeric data without source attribution", main.StepID)
	}
	return nil
}

func hasNumericData(data map[string]any) bool {
	for _, v := range data {
		switch v.(type) {
		case int, int64, float32, float64:
			return true
		}
	}
	return false
}

// mintTokens resolves the commit payload (dry-run off) and creates the
// exec_mode=all and exec_mode=only_main tokens with distinct idempotency
// keys, plus a separate force token when the dry-run demanded one. The
// normal tokens' payloads never carry force=true.
func (e *Executor) mintTokens(main *plan.Step, p *plan.Plan, pctx Context, result *PreviewResult, st *ActivePlanState) error {
	commitPayload := clonePayload(main.Payload)
	commitPayload["dry_run"] = false
	delete(commitPayload, "force")

	base := confirm.Record{
		ToolName:      main.ToolName,
		CommitPayload: commitPayload,
		OwnerID:       pctx.ActorID,
		Source:        string(p.Source),
		PlanID:        p.PlanID,
	}

	all := base
	all.ExecMode = confirm.ExecAll
	all.IdempotencyKey = newIdempotencyKey()
	tokenAll, err := e.tokens.Create(all)
	if err != nil {
		return fmt.Errorf("failed to mint confirmation token: %w", err)
	}

	mainOnly := base
	mainOnly.ExecMode = confirm.ExecOnlyMain
	mainOnly.IdempotencyKey = newIdempotencyKey()
	tokenMain, err := e.tokens.Create(mainOnly)
	if err != nil {
		return fmt.Errorf("failed to mint confirmation token: %w", err)
	}

	result.ConfirmAllID = "confirm:" + tokenAll
	result.ConfirmMainID = "confirm:" + tokenMain
	result.CancelID = "cancel:" + tokenAll
	st.TokenAll = tokenAll
	st.TokenMain = tokenMain

	if result.ForceNeeded {
		forcePayload := clonePayload(commitPayload)
		forcePayload["force"] = true
		force := base
		force.CommitPayload = forcePayload
		force.ExecMode = confirm.ExecAll
		force.IdempotencyKey = newIdempotencyKey()
		tokenForce, err := e.tokens.Create(force)
		if err != nil {
			return fmt.Errorf("failed to mint force-confirmation token: %w", err)
		}
		result.ForceConfirmID = "confirm:" + tokenForce
		st.TokenForce = tokenForce
	}

	return nil
}

// clonePayload shallow-copies a step payload so preview-time mutations
// (dry_run, force) never leak back into the stored plan. Redaction-aware
// logging uses the same copy.
func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}

// auditPayload renders a payload safe for the audit log.
func auditPayload(payload map[string]any) map[string]any {
	return redact.Map(payload)
}
