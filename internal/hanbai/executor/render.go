package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/okonuma/hanbai/internal/hanbai/plan"
	"github.com/okonuma/hanbai/internal/hanbai/tool"
)

// renderPreview formats a previewed plan for the chat surface: the plan
// summary, one line per step with its dry-run outcome, and the
// confirmation instructions when the plan needs one.
func renderPreview(p *plan.Plan, responses map[string]*tool.Response, result *PreviewResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan %s: %s\n", p.PlanID, p.Summary)

	for _, s := range p.Steps {
		resp := responses[s.StepID]
		fmt.Fprintf(&b, "  %s. %s %s: %s", s.StepID, stepMarker(&s), s.ToolName, stepOutcome(resp))
		if s.Condition != plan.CondNone && s.Condition != "" {
			fmt.Fprintf(&b, " (runs when %s)", conditionLabel(s.Condition))
		}
		b.WriteString("\n")
		for _, line := range stepDetails(resp) {
			fmt.Fprintf(&b, "     %s\n", line)
		}
	}

	switch {
	case result.ForceNeeded:
		b.WriteString("\nThis change exceeds the safety threshold and needs a forced confirmation.\n")
		fmt.Fprintf(&b, "Reply %s to proceed anyway, or %s to abort.\n", result.ForceConfirmID, result.CancelID)
	case result.ConfirmNeeded:
		fmt.Fprintf(&b, "\nReply %s to apply", result.ConfirmAllID)
		if len(p.Steps) > 1 {
			fmt.Fprintf(&b, ", %s for the main change only", result.ConfirmMainID)
		}
		fmt.Fprintf(&b, ", or %s to abort.\n", result.CancelID)
	case !result.WouldApply:
		b.WriteString("\nNothing to do; no changes would be applied.\n")
	default:
		b.WriteString("\nRead-only plan; no confirmation needed.\n")
	}

	return b.String()
}

func stepMarker(s *plan.Step) string {
	if s.RequiresConfirm {
		return "[mutation]"
	}
	if s.Kind == plan.KindNotifyTeam {
		return "[notify]"
	}
	return "[read]"
}

func stepOutcome(resp *tool.Response) string {
	switch {
	case resp == nil:
		return "not evaluated"
	case !resp.OK():
		if resp.Error != nil {
			return fmt.Sprintf("failed (%s: %s)", resp.Error.Code, resp.Error.Message)
		}
		return "failed"
	case resp.IsNoop():
		return "no change"
	default:
		return "ok"
	}
}

// stepDetails renders the dry-run response's data and warnings as
// indented detail lines, keys sorted for stable output.
func stepDetails(resp *tool.Response) []string {
	if resp == nil {
		return nil
	}
	var lines []string
	keys := make([]string, 0, len(resp.Data))
	for k := range resp.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, resp.Data[k]))
	}
	for _, w := range resp.Warnings {
		lines = append(lines, fmt.Sprintf("warning %s: %s", w.Code, w.Message))
	}
	if resp.HasProvenance() {
		lines = append(lines, "source: "+strings.Join(resp.Provenance.Sources, ", "))
	}
	return lines
}

func conditionLabel(c plan.Condition) string {
	switch c {
	case plan.CondCommitSuccess:
		return "the change is applied"
	case plan.CondNoopTrue:
		return "nothing changed"
	case plan.CondWouldApplyTrue:
		return "the change would apply"
	case plan.CondAlways:
		return "always"
	default:
		return string(c)
	}
}
