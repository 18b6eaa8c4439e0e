// Package executor orchestrates plan preview and commit: the capability
// gate, forced dry-runs, confirmation-token minting, the idempotency-ledger
// claim, and conditional follow-up steps.
//
// The executor never retries anything. Local rejections (capability,
// allow-list, stale plan) are synchronous and final; upstream failures
// surface as the step's failed response; replayed confirmations are
// absorbed by the ledger.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okonuma/hanbai/common/trace"
	"github.com/okonuma/hanbai/internal/hanbai/capability"
	"github.com/okonuma/hanbai/internal/hanbai/confirm"
	"github.com/okonuma/hanbai/internal/hanbai/kv"
	"github.com/okonuma/hanbai/internal/hanbai/ledger"
	"github.com/okonuma/hanbai/internal/hanbai/observability"
	"github.com/okonuma/hanbai/internal/hanbai/plan"
	"github.com/okonuma/hanbai/internal/hanbai/store"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
)

// DefaultActivePlanTTL is how long a previewed plan waits for its
// confirmation before lookups treat it as gone.
const DefaultActivePlanTTL = 15 * time.Minute

// Context carries the per-request identity the executor threads through
// every call. There is no process-wide "current tenant" state; everything
// the pipeline needs to know about the caller travels in this value.
type Context struct {
	// ConversationID scopes the active plan (one pending plan per
	// conversation).
	ConversationID string
	// ActorID is the human who issued the request.
	ActorID string
	// TenantID selects the capability scope; empty means the default scope.
	TenantID string
}

// TenantScope returns the capability cache scope for this context.
func (c Context) TenantScope() string {
	if c.TenantID == "" {
		return "default"
	}
	return c.TenantID
}

// ActivePlanState is the per-conversation pending-plan record. It is
// created on preview, read on commit, and deleted on commit, cancel, or
// TTL expiry; absence on lookup means the plan is no longer valid.
type ActivePlanState struct {
	Plan          *plan.Plan
	TokenAll      string // confirmation token with exec_mode=all
	TokenMain     string // confirmation token with exec_mode=only_main
	TokenForce    string // elevated force-confirmation token, when minted
	PreviewText   string
	CorrelationID string
	ActorID       string
	CreatedAt     time.Time
}

// Auditor records executor outcomes in the durable audit log. It is
// satisfied by *store.Store; a nil auditor disables auditing (tests).
type Auditor interface {
	WriteAudit(ctx context.Context, traceID, actorMXID, action, target, result string, payload store.AuditPayload, errorMsg string) error
}

// Executor wires the registries, token service, ledger, and ephemeral
// state into the preview/commit pipeline.
type Executor struct {
	tools     *tool.Registry
	caps      *capability.Registry
	tokens    *confirm.Service
	ledger    *ledger.Ledger
	state     *kv.Store
	audit     Auditor
	allowList map[string]bool
	activeTTL time.Duration
}

// Config assembles an Executor.
type Config struct {
	Tools  *tool.Registry
	Caps   *capability.Registry
	Tokens *confirm.Service
	Ledger *ledger.Ledger
	State  *kv.Store
	Audit  Auditor
	// AllowList names the action tools permitted to run as mutations.
	AllowList []string
	// ActivePlanTTL defaults to DefaultActivePlanTTL when zero.
	ActivePlanTTL time.Duration
}

// New creates an Executor from cfg.
func New(cfg Config) *Executor {
	allow := make(map[string]bool, len(cfg.AllowList))
	for _, n := range cfg.AllowList {
		allow[n] = true
	}
	ttl := cfg.ActivePlanTTL
	if ttl <= 0 {
		ttl = DefaultActivePlanTTL
	}
	return &Executor{
		tools:     cfg.Tools,
		caps:      cfg.Caps,
		tokens:    cfg.Tokens,
		ledger:    cfg.Ledger,
		state:     cfg.State,
		audit:     cfg.Audit,
		allowList: allow,
		activeTTL: ttl,
	}
}

// ActivePlan returns the pending plan state for a conversation, when one
// exists and has not expired.
func (e *Executor) ActivePlan(conversationID string) (*ActivePlanState, bool) {
	v, ok := e.state.Get(stateKey(conversationID))
	if !ok {
		return nil, false
	}
	st, ok := v.(*ActivePlanState)
	return st, ok
}

// CancelActivePlan deletes the pending plan for a conversation and consumes
// every token minted for it. It reports whether a plan was pending.
func (e *Executor) CancelActivePlan(conversationID string) bool {
	st, ok := e.ActivePlan(conversationID)
	if !ok {
		return false
	}
	for _, t := range []string{st.TokenAll, st.TokenMain, st.TokenForce} {
		if t != "" {
			e.tokens.Cancel(t)
		}
	}
	e.state.Delete(stateKey(conversationID))
	return true
}

func (e *Executor) saveActivePlan(conversationID string, st *ActivePlanState) {
	e.state.Set(stateKey(conversationID), st, e.activeTTL)
}

func (e *Executor) clearActivePlan(conversationID string) {
	e.state.Delete(stateKey(conversationID))
}

func stateKey(conversationID string) string {
	return "activeplan:" + conversationID
}

// newIdempotencyKey derives a fresh, globally unique idempotency key.
func newIdempotencyKey() string {
	return "idem_" + uuid.NewString()
}

func (e *Executor) writeAudit(ctx context.Context, pctx Context, action, target, result string, payload store.AuditPayload, errMsg string) {
	if e.audit == nil {
		return
	}
	traceID := trace.FromContext(ctx)
	if err := e.audit.WriteAudit(ctx, traceID, pctx.ActorID, action, target, result, payload, errMsg); err != nil {
		observability.WithTrace(ctx).Warn("audit write failed", "action", action, "err", err)
	}
}
