package models

import "time"

// Step is one unit of a plan.
type Step struct {
	ID                   string   `json:"id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	ExpectedOutput       string   `json:"expectedOutput,omitempty"`
	ToolHints            []string `json:"toolHints,omitempty"`
	RequiresExternalData bool     `json:"requiresExternalData,omitempty"`
}

// PlanProgress tracks execution state inside plan.json. Timestamps are set
// at most once; a plan is terminal when any of the three is non-nil.
type PlanProgress struct {
	CompletedStepIDs     []string         `json:"completedStepIds"`
	RemainingStepIDs     []string         `json:"remainingStepIds"`
	CurrentStepID        string           `json:"currentStepId,omitempty"`
	CurrentStepToolCalls []ToolCallRecord `json:"currentStepToolCalls,omitempty"`
	CompletedAt          *time.Time       `json:"completedAt,omitempty"`
	FailedAt             *time.Time       `json:"failedAt,omitempty"`
	StoppedAt            *time.Time       `json:"stoppedAt,omitempty"`
}

// Plan is the planner's output, persisted as plan.json in the agent
// workspace. Created once; mutated only by progress updates and by replans
// between steps.
type Plan struct {
	AgentID      string       `json:"agentId"`
	Approach     string       `json:"approach"`
	IsSimpleTask bool         `json:"isSimpleTask"`
	Steps        []Step       `json:"steps"`
	Progress     PlanProgress `json:"progress"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// RemainingSteps resolves Progress.RemainingStepIDs to steps, preserving
// order and skipping ids no longer present.
func (p *Plan) RemainingSteps() []Step {
	steps := make([]Step, 0, len(p.Progress.RemainingStepIDs))
	for _, id := range p.Progress.RemainingStepIDs {
		if s, ok := p.Step(id); ok {
			steps = append(steps, s)
		}
	}
	return steps
}

// MarkStepDone moves a step id from remaining to completed and clears the
// current-step pointer when it matches.
func (p *Plan) MarkStepDone(stepID string, at time.Time) {
	remaining := p.Progress.RemainingStepIDs[:0]
	for _, id := range p.Progress.RemainingStepIDs {
		if id != stepID {
			remaining = append(remaining, id)
		}
	}
	p.Progress.RemainingStepIDs = remaining
	for _, id := range p.Progress.CompletedStepIDs {
		if id == stepID {
			p.UpdatedAt = at
			return
		}
	}
	p.Progress.CompletedStepIDs = append(p.Progress.CompletedStepIDs, stepID)
	if p.Progress.CurrentStepID == stepID {
		p.Progress.CurrentStepID = ""
	}
	p.Progress.CurrentStepToolCalls = nil
	p.UpdatedAt = at
}

// Terminal reports whether the plan has reached a final state.
func (p *Plan) Terminal() bool {
	return p.Progress.CompletedAt != nil || p.Progress.FailedAt != nil || p.Progress.StoppedAt != nil
}
