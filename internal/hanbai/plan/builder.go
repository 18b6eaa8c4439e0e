package plan

// builder.go compiles free-form operator text into a plan skeleton using an
// ordered pack of deterministic phrase rules, with no LLM and no network calls,
// matching Hanbai's principle of deterministic control.
//
// Rules are tried in ascending priority order; the first structural match
// wins. Compound phrasings ("… and notify the team") carry lower priority
// numbers than their plain counterparts so they are tried first.
//
// The builder never sets requires_confirm: whether a plan needs human
// confirmation is decided later by the executor from the tool registry and
// the live dry-run results, not from the wording of the request.

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tool names produced by the phrase pack. The executor checks these against
// its allow-list; the builder only names them.
const (
	ToolFXReprice      = "pricing.fx_reprice"
	ToolDiscountCreate = "discounts.create"
	ToolPublish        = "products.publish"
	ToolNotifyTeam     = "team.notify"
)

// rule is one phrase-pack entry. match returns the steps and summary for a
// recognised phrasing, or nil when the text does not fit.
type rule struct {
	priority int
	name     string
	match    func(lower string) ([]Step, string)
}

var (
	reRateCheck  = regexp.MustCompile(`check(?:ing)?\s+(?:the\s+)?(?:fx\s+|exchange\s+)?rate`)
	reRateUpdate = regexp.MustCompile(`(?:update|reprice|adjust)(?:\s+(?:the\s+)?price[s]?)?\s+if\s+needed`)
	rePercent    = regexp.MustCompile(`(\d{1,2})\s?%`)
	reCoupon     = regexp.MustCompile(`(?:create|add|make|set\s+up)\s+(?:a\s+)?(?:coupon|discount|offer)(?:\s+code)?`)
	rePublish    = regexp.MustCompile(`publish\s+(?:the\s+)?([a-z0-9][a-z0-9 _-]*?)(?:\s+and\s+notify|\s*$)`)
	reNotify     = regexp.MustCompile(`(?:and|then|,)?\s*(?:notify|ping|tell)\s+the\s+team`)
)

// phrasePack is the ordered rule set, lowest priority number first.
var phrasePack = []rule{
	{priority: 10, name: "fx_reprice_notify", match: matchFXRepriceNotify},
	{priority: 20, name: "fx_reprice", match: matchFXReprice},
	{priority: 30, name: "coupon_notify", match: matchCouponNotify},
	{priority: 40, name: "coupon", match: matchCoupon},
	{priority: 50, name: "publish", match: matchPublish},
}

// Build compiles text into a plan, or returns nil when no rule matches.
// Dry-run is forced true on every TOOL payload the builder emits; only the
// executor's token-minting stage ever flips it off.
func Build(text string) (*Plan, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return nil, nil
	}

	for _, r := range phrasePack {
		steps, summary := r.match(lower)
		if steps == nil {
			continue
		}
		p, err := New(SourcePhrasePack, summary, steps)
		if err != nil {
			return nil, fmt.Errorf("phrase rule %q produced an invalid plan: %w", r.name, err)
		}
		return p, nil
	}

	return nil, nil
}

func matchFXReprice(lower string) ([]Step, string) {
	if !reRateCheck.MatchString(lower) || !reRateUpdate.MatchString(lower) {
		return nil, ""
	}
	return []Step{fxRepriceStep()}, "Check the FX rate and reprice if needed"
}

func matchFXRepriceNotify(lower string) ([]Step, string) {
	steps, _ := matchFXReprice(lower)
	if steps == nil || !reNotify.MatchString(lower) {
		return nil, ""
	}
	steps = append(steps,
		notifyStep("FX reprice applied: prices were updated.", CondCommitSuccess),
		notifyStep("FX rate checked: no price change was needed.", CondNoopTrue),
	)
	return steps, "Check the FX rate, reprice if needed, then notify the team"
}

func matchCoupon(lower string) ([]Step, string) {
	if !reCoupon.MatchString(lower) {
		return nil, ""
	}
	m := rePercent.FindStringSubmatch(lower)
	if m == nil {
		return nil, ""
	}
	pct, err := strconv.Atoi(m[1])
	if err != nil || pct <= 0 || pct >= 100 {
		return nil, ""
	}
	step := Step{
		Kind:     KindTool,
		ToolName: ToolDiscountCreate,
		Payload: map[string]any{
			"code":        fmt.Sprintf("SAVE%d", pct),
			"percent_off": pct,
			"dry_run":     true,
		},
		Label: fmt.Sprintf("Create a %d%% discount code", pct),
	}
	return []Step{step}, fmt.Sprintf("Create a %d%% discount code", pct)
}

func matchCouponNotify(lower string) ([]Step, string) {
	steps, summary := matchCoupon(lower)
	if steps == nil || !reNotify.MatchString(lower) {
		return nil, ""
	}
	steps = append(steps, notifyStep("New discount code is live.", CondCommitSuccess))
	return steps, summary + " and notify the team"
}

func matchPublish(lower string) ([]Step, string) {
	m := rePublish.FindStringSubmatch(lower)
	if m == nil {
		return nil, ""
	}
	product := strings.TrimSpace(m[1])
	if product == "" || product == "the" {
		return nil, ""
	}
	steps := []Step{{
		Kind:     KindTool,
		ToolName: ToolPublish,
		Payload: map[string]any{
			"product": product,
			"dry_run": true,
		},
		Label: fmt.Sprintf("Publish %q", product),
	}}
	summary := fmt.Sprintf("Publish %q", product)
	if reNotify.MatchString(lower) {
		steps = append(steps, notifyStep(fmt.Sprintf("%q is now published.", product), CondCommitSuccess))
		summary += " and notify the team"
	}
	return steps, summary
}

func fxRepriceStep() Step {
	return Step{
		Kind:     KindTool,
		ToolName: ToolFXReprice,
		Payload:  map[string]any{"dry_run": true},
		Label:    "Check FX rate and reprice if needed",
	}
}

func notifyStep(message string, cond Condition) Step {
	return Step{
		Kind:      KindNotifyTeam,
		ToolName:  ToolNotifyTeam,
		Payload:   map[string]any{"message": message, "dry_run": true},
		Condition: cond,
		Label:     "Notify the team",
	}
}
