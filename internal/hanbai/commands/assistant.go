package commands

// assistant.go is the top-level message flow: free-form operator text goes
// through the deterministic phrase pack into a previewed plan, and the
// confirm/cancel callbacks from a preview resolve against the executor.
// No LLM is involved in control decisions; an unrecognised message gets a
// pointer to /hanbai help instead of a guess.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/okonuma/hanbai/internal/hanbai/capability"
	"github.com/okonuma/hanbai/internal/hanbai/confirm"
	"github.com/okonuma/hanbai/internal/hanbai/executor"
	"github.com/okonuma/hanbai/internal/hanbai/ledger"
	"github.com/okonuma/hanbai/internal/hanbai/plan"
)

const (
	confirmPrefix = "confirm:"
	// forcePrefix is an accepted alias; force tokens are distinct tokens,
	// so the plain confirm prefix works for them too.
	forcePrefix  = "confirm!:"
	cancelPrefix = "cancel:"
)

// Assistant wires the router, the phrase pack, and the executor into one
// per-message entry point.
type Assistant struct {
	router   *Router
	handlers *Handlers
	exec     *executor.Executor
	tokens   *confirm.Service
}

// NewAssistant builds the assistant and registers the command handlers.
func NewAssistant(router *Router, handlers *Handlers, exec *executor.Executor, tokens *confirm.Service) *Assistant {
	a := &Assistant{router: router, handlers: handlers, exec: exec, tokens: tokens}

	router.Register("help", handlers.HandleHelp)
	router.Register("plan", a.handlePlanCommand)
	router.Register("version", handlers.HandleVersion)
	router.Register("ping", handlers.HandlePing)
	router.Register("capabilities", handlers.HandleCapabilities)
	router.Register("tools", handlers.HandleTools)
	router.Register("cancel", a.handleCancelCommand)
	router.Register("audit.tail", handlers.HandleAuditTail)
	router.Register("trace", handlers.HandleTrace)

	return a
}

// HandleMessage processes one operator message and returns the reply text.
// Empty reply means the message was ignored.
func (a *Assistant) HandleMessage(ctx context.Context, evt *event.Event) string {
	content := evt.Content.AsMessage()
	if content == nil {
		return ""
	}
	text := strings.TrimSpace(content.Body)
	if text == "" {
		return ""
	}

	pctx := executor.Context{
		ConversationID: evt.RoomID.String(),
		ActorID:        evt.Sender.String(),
	}

	switch {
	case strings.HasPrefix(text, forcePrefix):
		return a.handleConfirm(ctx, strings.TrimSpace(strings.TrimPrefix(text, forcePrefix)), pctx)
	case strings.HasPrefix(text, confirmPrefix):
		return a.handleConfirm(ctx, strings.TrimSpace(strings.TrimPrefix(text, confirmPrefix)), pctx)
	case strings.HasPrefix(text, cancelPrefix):
		return a.handleCancel(pctx)
	}

	reply, err := a.router.Route(ctx, text, evt)
	if err == nil {
		return reply
	}
	if !errors.Is(err, ErrNotACommand) {
		slog.Warn("command failed", "text", text, "err", err)
		return fmt.Sprintf("❌ %v", err)
	}

	return a.handleFreeText(ctx, text, pctx)
}

// handleFreeText builds a plan from the phrase pack and previews it.
func (a *Assistant) handleFreeText(ctx context.Context, text string, pctx executor.Context) string {
	p, err := plan.Build(text)
	if err != nil {
		slog.Warn("plan build failed", "err", err)
		return fmt.Sprintf("❌ %v", err)
	}
	if p == nil {
		return "I didn't recognise that request. Try /hanbai help for examples of what I can do."
	}

	res, err := a.exec.Preview(ctx, p, pctx)
	if err != nil {
		return renderExecutorError(err)
	}
	return res.PreviewText
}

// handleConfirm redeems a single-use token and commits its plan. The
// redeem consumes the token whatever happens next, so a refused commit
// requires a fresh preview.
func (a *Assistant) handleConfirm(ctx context.Context, token string, pctx executor.Context) string {
	rec, ok := a.tokens.Redeem(token)
	if !ok {
		return "That confirmation is no longer valid (expired, cancelled, or already used). Preview the change again."
	}
	if rec.OwnerID != pctx.ActorID {
		slog.Warn("confirmation owner mismatch", "owner", rec.OwnerID, "actor", pctx.ActorID)
		return "Only the person who requested this change can confirm it. The token has been discarded; preview again to retry."
	}

	res, err := a.exec.Commit(ctx, rec, pctx)
	if err != nil {
		return renderExecutorError(err)
	}
	return renderCommit(res)
}

func (a *Assistant) handleCancel(pctx executor.Context) string {
	if a.exec.CancelActivePlan(pctx.ConversationID) {
		return "Plan cancelled. Nothing was changed."
	}
	return "There is no pending plan in this room."
}

// handlePlanCommand backs "/hanbai plan <request>", the explicit form of
// the free-text flow.
func (a *Assistant) handlePlanCommand(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	parts := make([]string, 0, len(cmd.Args)+1)
	if cmd.Subcommand != "" {
		parts = append(parts, cmd.Subcommand)
	}
	parts = append(parts, cmd.Args...)
	text := strings.Join(parts, " ")
	if text == "" {
		return "Usage: /hanbai plan <request>, e.g. /hanbai plan check the rate and update prices if needed", nil
	}
	pctx := executor.Context{ConversationID: evt.RoomID.String(), ActorID: evt.Sender.String()}
	return a.handleFreeText(ctx, text, pctx), nil
}

// handleCancelCommand backs "/hanbai cancel".
func (a *Assistant) handleCancelCommand(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	pctx := executor.Context{ConversationID: evt.RoomID.String(), ActorID: evt.Sender.String()}
	return a.handleCancel(pctx), nil
}

// renderExecutorError turns a local rejection into operator-facing text.
func renderExecutorError(err error) string {
	var xerr *executor.Error
	if !errors.As(err, &xerr) {
		return fmt.Sprintf("❌ %v", err)
	}
	switch xerr.Kind {
	case executor.KindPlanBlocked:
		if xerr.CapabilityStatus == capability.StatusMisconfigured {
			return fmt.Sprintf("🚫 The storefront rejected our credentials for this operation (%s). Check the upstream API key; the plan was blocked before any call was made.", xerr.CapabilityKey)
		}
		return fmt.Sprintf("🚫 The storefront does not support this operation (%s). The plan was blocked before any call was made.", xerr.CapabilityKey)
	case executor.KindPlanNotFound:
		return "That plan is no longer pending here. It may have expired or been replaced; preview again."
	case executor.KindToolNotAllowed:
		return fmt.Sprintf("🚫 %s", xerr.Message)
	case executor.KindValidation:
		return fmt.Sprintf("❌ Invalid request: %s", xerr.Message)
	case executor.KindProvenanceMissing:
		return "❌ The preview returned numbers without saying where they came from, so it was rejected."
	default:
		return fmt.Sprintf("❌ %v", xerr)
	}
}

// renderCommit formats the outcome of a confirmed commit.
func renderCommit(res *executor.CommitResult) string {
	if res.AlreadyDone {
		switch res.LedgerStatus {
		case ledger.StatusCommitted:
			return "✅ Already done. This confirmation was applied previously; nothing was re-executed."
		case ledger.StatusFailed:
			return "⚠️ This confirmation already ran and failed. Nothing was re-executed; preview again to retry."
		default:
			return "⏳ This confirmation is already being processed."
		}
	}

	var b strings.Builder
	main := res.Plan.MainStep()
	if res.MainResponse.OK() {
		fmt.Fprintf(&b, "✅ Applied: %s", main.Label)
	} else {
		fmt.Fprintf(&b, "❌ Failed: %s", main.Label)
		if res.MainResponse.Error != nil {
			fmt.Fprintf(&b, " (%s: %s)", res.MainResponse.Error.Code, res.MainResponse.Error.Message)
		}
	}
	b.WriteString("\n")

	for _, s := range res.Plan.Steps {
		if s.StepID == main.StepID {
			continue
		}
		if resp, ok := res.FollowUps[s.StepID]; ok {
			if resp.OK() {
				fmt.Fprintf(&b, "• %s: done\n", s.Label)
			} else {
				fmt.Fprintf(&b, "• %s: failed\n", s.Label)
			}
		} else {
			fmt.Fprintf(&b, "• %s: skipped\n", s.Label)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
