// Package plan defines the validated plan model and the deterministic
// phrase-rule compiler that turns operator text into a plan skeleton.
//
// A plan is an ordered sequence of steps: one primary mutating step and
// optional conditional follow-ups (team pings gated on the primary step's
// outcome). Invariants are enforced at construction time so the executor
// can rely on them without re-checking.
package plan

import (
	"fmt"

	"github.com/google/uuid"
)

// Source identifies where a plan came from.
type Source string

const (
	SourcePhrasePack Source = "RULE_PHRASE_PACK"
	SourceLLM        Source = "LLM"
)

// StepKind classifies a plan step.
type StepKind string

const (
	// KindTool is a call to a registered tool handler.
	KindTool StepKind = "TOOL"
	// KindNotifyTeam is a team notification follow-up.
	KindNotifyTeam StepKind = "NOTIFY_TEAM"
)

// Condition gates whether a follow-up step runs on commit.
type Condition string

const (
	CondNone           Condition = "none"
	CondWouldApplyTrue Condition = "would_apply_true"
	CondNoopTrue       Condition = "noop_true"
	CondCommitSuccess  Condition = "commit_succeeded"
	CondAlways         Condition = "always"
)

var validConditions = map[Condition]bool{
	CondNone:           true,
	CondWouldApplyTrue: true,
	CondNoopTrue:       true,
	CondCommitSuccess:  true,
	CondAlways:         true,
}

// MaxSteps bounds how many steps a single plan may carry.
const MaxSteps = 5

// Step is one entry of a plan.
type Step struct {
	StepID          string         `json:"step_id"`
	Kind            StepKind       `json:"kind"`
	ToolName        string         `json:"tool_name"`
	Payload         map[string]any `json:"payload"`
	RequiresConfirm bool           `json:"requires_confirm"`
	Condition       Condition      `json:"condition"`
	Label           string         `json:"label"`
}

// Plan is a validated multi-step intent.
type Plan struct {
	PlanID     string  `json:"plan_id"`
	Source     Source  `json:"source"`
	Steps      []Step  `json:"steps"`
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence,omitempty"`
}

// New assigns step IDs s1..sN in declared order, stamps a fresh plan ID,
// and validates the result. The returned plan is safe to hand to the
// executor.
func New(source Source, summary string, steps []Step) (*Plan, error) {
	for i := range steps {
		steps[i].StepID = fmt.Sprintf("s%d", i+1)
		if steps[i].Condition == "" {
			steps[i].Condition = CondNone
		}
	}
	p := &Plan{
		PlanID:  uuid.NewString(),
		Source:  source,
		Steps:   steps,
		Summary: summary,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks every structural invariant of the plan:
//
//   - 1 to MaxSteps steps
//   - step IDs are s1..sN, contiguous from s1
//   - step s1 has kind TOOL
//   - at most one step across the plan requires confirmation
//   - a step requiring confirmation must be of kind TOOL
//   - every condition is a known value
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("plan must have at least one step")
	}
	if len(p.Steps) > MaxSteps {
		return fmt.Errorf("plan has %d steps, maximum is %d", len(p.Steps), MaxSteps)
	}

	confirmCount := 0
	for i, s := range p.Steps {
		wantID := fmt.Sprintf("s%d", i+1)
		if s.StepID != wantID {
			return fmt.Errorf("step %d has id %q, want %q (ids must be contiguous from s1)", i, s.StepID, wantID)
		}
		if s.Kind != KindTool && s.Kind != KindNotifyTeam {
			return fmt.Errorf("step %s has unknown kind %q", s.StepID, s.Kind)
		}
		if s.ToolName == "" {
			return fmt.Errorf("step %s has no tool name", s.StepID)
		}
		if !validConditions[s.Condition] {
			return fmt.Errorf("step %s has unknown condition %q", s.StepID, s.Condition)
		}
		if s.RequiresConfirm {
			confirmCount++
			if s.Kind != KindTool {
				return fmt.Errorf("step %s requires confirmation but is not a TOOL step", s.StepID)
			}
		}
	}

	if p.Steps[0].Kind != KindTool {
		return fmt.Errorf("step s1 must be a TOOL step, got %q", p.Steps[0].Kind)
	}
	if confirmCount > 1 {
		return fmt.Errorf("at most one step may require confirmation, found %d", confirmCount)
	}

	return nil
}

// MainStep returns the first TOOL step flagged requires_confirm, falling
// back to the first step when none is flagged.
func (p *Plan) MainStep() *Step {
	for i := range p.Steps {
		if p.Steps[i].RequiresConfirm && p.Steps[i].Kind == KindTool {
			return &p.Steps[i]
		}
	}
	return &p.Steps[0]
}
