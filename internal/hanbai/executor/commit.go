package executor

import (
	"context"
	"time"

	"github.com/okonuma/hanbai/common/trace"
	"github.com/okonuma/hanbai/internal/hanbai/confirm"
	"github.com/okonuma/hanbai/internal/hanbai/ledger"
	"github.com/okonuma/hanbai/internal/hanbai/plan"
	"github.com/okonuma/hanbai/internal/hanbai/store"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
)

// CommitResult reports what a confirmed commit actually did.
type CommitResult struct {
	Plan         *plan.Plan
	MainResponse *tool.Response
	// FollowUps maps follow-up step IDs to their responses. Steps whose
	// condition did not hold, or skipped under exec_mode=only_main, are
	// absent.
	FollowUps map[string]*tool.Response
	// SkippedSteps lists follow-up step IDs that did not run.
	SkippedSteps []string
	// AlreadyDone reports a replayed confirmation absorbed by the ledger;
	// no handler was invoked and LedgerStatus carries the recorded outcome.
	AlreadyDone  bool
	LedgerStatus ledger.Status
}

// Commit executes a redeemed confirmation: claim the idempotency key,
// run the main mutation for real, run whichever follow-ups the outcome
// satisfies, finalize the ledger, and retire the conversation's pending
// plan. The token has already been consumed by the caller via the
// single-use redeem, so a second submission of the same token never
// reaches this method; Commit's own replay guard is the ledger claim,
// which absorbs duplicate idempotency keys without touching upstream.
func (e *Executor) Commit(ctx context.Context, rec *confirm.Record, pctx Context) (*CommitResult, error) {
	ctx, correlationID := trace.Ensure(ctx)

	st, ok := e.ActivePlan(pctx.ConversationID)
	if !ok || st.Plan.PlanID != rec.PlanID {
		e.writeAudit(ctx, pctx, "plan.commit", rec.PlanID, "rejected", nil, "no matching pending plan")
		return nil, planNotFound("plan %s is no longer pending in this conversation", rec.PlanID)
	}

	lrec, claimed, err := e.ledger.Claim(ctx, rec.IdempotencyKey, rec.ToolName, rec.PayloadHash, correlationID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Someone with this idempotency key got here first. Report the
		// recorded outcome instead of re-executing.
		e.writeAudit(ctx, pctx, "plan.commit", rec.PlanID, "replayed", store.AuditPayload{
			"idempotency_key": rec.IdempotencyKey,
			"ledger_status":   string(lrec.Status),
		}, "")
		return &CommitResult{
			Plan:         st.Plan,
			AlreadyDone:  true,
			LedgerStatus: lrec.Status,
		}, nil
	}

	spec, ok := e.tools.Get(rec.ToolName)
	if !ok {
		// Registry changed between preview and commit. Release the claim
		// so the key does not look permanently in flight.
		_ = e.ledger.Finalize(ctx, rec.IdempotencyKey, ledger.StatusFailed, correlationID)
		return nil, toolNotAllowed("tool %q is not registered", rec.ToolName)
	}

	result := &CommitResult{
		Plan:      st.Plan,
		FollowUps: make(map[string]*tool.Response),
	}

	resp, err := spec.Handler(ctx, clonePayload(rec.CommitPayload), correlationID)
	if err != nil {
		resp = &tool.Response{
			Status: "error",
			Error:  &tool.Error{Code: "UPSTREAM_ERROR", Message: err.Error()},
		}
	}
	result.MainResponse = resp

	status := ledger.StatusCommitted
	if !resp.OK() {
		status = ledger.StatusFailed
	}
	if err := e.ledger.Finalize(ctx, rec.IdempotencyKey, status, correlationID); err != nil {
		return nil, err
	}
	result.LedgerStatus = status

	e.runFollowUps(ctx, st.Plan, rec, resp, result, correlationID)

	// The plan is settled either way; retire the pending state and any
	// tokens minted alongside the redeemed one.
	for _, t := range []string{st.TokenAll, st.TokenMain, st.TokenForce} {
		if t != "" {
			e.tokens.Cancel(t)
		}
	}
	e.clearActivePlan(pctx.ConversationID)

	e.writeAudit(ctx, pctx, "plan.commit", rec.PlanID, string(status), store.AuditPayload{
		"tool":            rec.ToolName,
		"idempotency_key": rec.IdempotencyKey,
		"exec_mode":       string(rec.ExecMode),
		"payload":         auditPayload(rec.CommitPayload),
		"follow_ups":      len(result.FollowUps),
	}, "")

	return result, nil
}

// runFollowUps executes the NOTIFY_TEAM steps that follow the main step,
// when the main outcome satisfies their conditions. Only notifications run
// at commit time: the single confirmed mutation is the one bound to the
// redeemed token and the ledger claim, so any other TOOL step is skipped.
// Follow-ups run only under exec_mode=all and only when the main mutation
// succeeded; their own failures are recorded in the result and never
// unwind the committed mutation.
func (e *Executor) runFollowUps(ctx context.Context, p *plan.Plan, rec *confirm.Record, mainResp *tool.Response, result *CommitResult, correlationID string) {
	main := p.MainStep()
	seenMain := false
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.StepID == main.StepID {
			seenMain = true
			continue
		}
		if !seenMain || s.Kind != plan.KindNotifyTeam {
			result.SkippedSteps = append(result.SkippedSteps, s.StepID)
			continue
		}
		if rec.ExecMode != confirm.ExecAll || !mainResp.OK() || !conditionHolds(s.Condition, mainResp) {
			result.SkippedSteps = append(result.SkippedSteps, s.StepID)
			continue
		}
		spec, ok := e.tools.Get(s.ToolName)
		if !ok {
			result.SkippedSteps = append(result.SkippedSteps, s.StepID)
			continue
		}
		// Follow-ups run for real at commit; the builder's payloads carry
		// dry_run=true from the preview stage.
		payload := clonePayload(s.Payload)
		payload["dry_run"] = false
		resp, err := spec.Handler(ctx, payload, correlationID)
		if err != nil {
			resp = &tool.Response{
				Status: "error",
				Error:  &tool.Error{Code: "UPSTREAM_ERROR", Message: err.Error()},
			}
		}
		result.FollowUps[s.StepID] = resp
	}
}

// conditionHolds evaluates a follow-up condition against the main step's
// committed response. An unset condition is treated conservatively as
// commit_succeeded.
func conditionHolds(c plan.Condition, mainResp *tool.Response) bool {
	switch c {
	case plan.CondAlways:
		return true
	case plan.CondCommitSuccess, plan.CondNone, "":
		return mainResp.OK()
	case plan.CondNoopTrue:
		return mainResp.IsNoop()
	case plan.CondWouldApplyTrue:
		return mainResp.OK() && mainResp.WouldApply()
	default:
		return false
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
