package commands

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/okonuma/hanbai/common/trace"
	"github.com/okonuma/hanbai/common/version"
	"github.com/okonuma/hanbai/internal/hanbai/capability"
	"github.com/okonuma/hanbai/internal/hanbai/store"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
)

// Handlers holds all command handlers and dependencies
type Handlers struct {
	store *store.Store
	caps  *capability.Registry
	tools *tool.Registry
}

// NewHandlers creates a new Handlers instance
func NewHandlers(s *store.Store, caps *capability.Registry, tools *tool.Registry) *Handlers {
	return &Handlers{store: s, caps: caps, tools: tools}
}

// HandleHelp shows available commands
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	help := `**Hanbai Storefront Assistant**

Type what you want done in plain language, for example:
• "check the rate and update prices if needed"
• "create a coupon code 15% off and notify the team"
• "publish the spring bundle"

Hanbai answers with a dry-run preview. Nothing changes until you reply
with the confirm callback the preview shows (confirm:<token>), and each
token works exactly once. Reply cancel:<token> to abort.

**Commands:**
• /hanbai help - Show this help message
• /hanbai plan <request> - Preview a change without the free-text guesswork
• /hanbai version - Show version information
• /hanbai ping - Health check
• /hanbai capabilities [--refresh] - Show what the storefront supports
• /hanbai tools - List the registered tool set
• /hanbai cancel - Abort the pending plan in this room
• /hanbai audit tail [n] - Show recent audit entries
• /hanbai trace <trace_id> - Show all events for a trace
`
	return help, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**Hanbai Storefront Assistant**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePing responds with a health check
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()

	err := h.store.WriteAudit(ctx, traceID, evt.Sender.String(), "ping", "", "success", nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to write audit: %w", err)
	}

	return fmt.Sprintf("🏓 Pong! (trace: %s)", traceID), nil
}

// HandleCapabilities shows the probed capability report for the caller's
// scope. --refresh bypasses the cached report.
func (h *Handlers) HandleCapabilities(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	ctx, traceID := trace.Ensure(ctx)
	scope := cmd.GetFlag("tenant", "default")

	report := h.caps.Get(ctx, scope, cmd.HasFlag("refresh"))

	keys := make([]string, 0, len(report.Capabilities))
	for k := range report.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "**Storefront capabilities** (scope %s, checked %s)\n", scope, report.CheckedAt.Format("2006-01-02 15:04:05 MST"))
	for _, k := range keys {
		c := report.Capabilities[k]
		fmt.Fprintf(&b, "• %s: %s", k, c.Status)
		if c.StatusCode != 0 {
			fmt.Fprintf(&b, " (HTTP %d on %s %s)", c.StatusCode, c.Method, c.Endpoint)
		}
		b.WriteString("\n")
	}

	err := h.store.WriteAudit(ctx, traceID, evt.Sender.String(), "capabilities", scope, "success",
		store.AuditPayload{"refresh": cmd.HasFlag("refresh")}, "")
	if err != nil {
		return "", fmt.Errorf("failed to write audit: %w", err)
	}
	return b.String(), nil
}

// HandleTools lists the registered tool set
func (h *Handlers) HandleTools(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	var b strings.Builder
	b.WriteString("**Registered tools:**\n")
	for _, name := range h.tools.Names() {
		spec, _ := h.tools.Get(name)
		fmt.Fprintf(&b, "• %s (%s)", name, spec.Kind)
		if spec.Capability != "" {
			fmt.Fprintf(&b, ", needs %s", spec.Capability)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// HandleAuditTail shows recent audit entries
func (h *Handlers) HandleAuditTail(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	limit := 10
	if arg, ok := cmd.GetArg(0); ok {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 || n > 100 {
			return "", fmt.Errorf("invalid count %q (want 1-100)", arg)
		}
		limit = n
	}

	entries, err := h.store.TailAudit(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("failed to read audit log: %w", err)
	}
	if len(entries) == 0 {
		return "No audit entries yet.", nil
	}
	return formatAuditEntries(entries), nil
}

// HandleTrace shows all audit events for a trace ID
func (h *Handlers) HandleTrace(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID, ok := cmd.GetArg(0)
	if !ok {
		// "trace t_abc" parses t_abc as the subcommand.
		traceID = cmd.Subcommand
	}
	if traceID == "" {
		return "", fmt.Errorf("usage: /hanbai trace <trace_id>")
	}

	entries, err := h.store.AuditForTrace(ctx, traceID)
	if err != nil {
		return "", fmt.Errorf("failed to read audit log: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Sprintf("No events found for trace %s.", traceID), nil
	}
	return formatAuditEntries(entries), nil
}

func formatAuditEntries(entries []*store.AuditEntry) string {
	var b strings.Builder
	b.WriteString("**Audit log:**\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "• [%s] %s %s → %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.ActorMXID, e.Action, e.Result)
		if e.Target.Valid && e.Target.String != "" {
			fmt.Fprintf(&b, " (%s)", e.Target.String)
		}
		if e.ErrorMessage.Valid && e.ErrorMessage.String != "" {
			fmt.Fprintf(&b, ": %s", e.ErrorMessage.String)
		}
		fmt.Fprintf(&b, " trace=%s\n", e.TraceID)
	}
	return b.String()
}
