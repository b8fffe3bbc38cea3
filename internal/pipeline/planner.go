package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/journal"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// planDoc is the JSON contract the planner model fills in.
type planDoc struct {
	Approach        string        `json:"approach"`
	IsSimpleTask    bool          `json:"isSimpleTask"`
	PersonaID       string        `json:"personaId"`
	RestatedRequest string        `json:"restatedRequest"`
	Steps           []planDocStep `json:"steps"`
}

type planDocStep struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	ExpectedOutput       string   `json:"expectedOutput"`
	ToolHints            []string `json:"toolHints"`
	RequiresExternalData bool     `json:"requiresExternalData"`
}

// planOutcome pairs the plan with the persona chosen to execute it.
type planOutcome struct {
	plan    *models.Plan
	persona *models.AgentPersona

	// continued is set when an existing plan with remaining steps was
	// found; the run picks up from the last completed step.
	continued bool
}

// runPlanner produces plan.json and agent_persona.json for the intake. When
// the workspace already holds a plan with remaining steps, it issues a
// continue decision instead of planning from scratch.
func (p *Pipeline) runPlanner(ctx context.Context, sess *devices.Session, ws *workspace.Manager, jnl *journal.Journal, req *runRequest, in *intake) (*planOutcome, error) {
	if prior, err := ws.ReadPlan(ctx); err == nil && len(prior.Progress.RemainingStepIDs) > 0 {
		persona, err := ws.ReadPersona(ctx)
		if err != nil {
			return nil, fmt.Errorf("plan exists but persona unreadable: %w", err)
		}
		jnl.Record("planner", "continue_decision",
			"agent_id", in.agentID,
			"remaining_steps", len(prior.Progress.RemainingStepIDs),
		)
		return &planOutcome{plan: prior, persona: persona, continued: true}, nil
	}

	doc, err := p.generatePlan(ctx, jnl, req, in)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	plan := &models.Plan{
		AgentID:      in.agentID,
		Approach:     doc.Approach,
		IsSimpleTask: doc.IsSimpleTask,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, ds := range doc.Steps {
		step := models.Step{
			ID:                   fmt.Sprintf("s%d", i+1),
			Title:                ds.Title,
			Description:          ds.Description,
			ExpectedOutput:       ds.ExpectedOutput,
			ToolHints:            ds.ToolHints,
			RequiresExternalData: ds.RequiresExternalData,
		}
		plan.Steps = append(plan.Steps, step)
		plan.Progress.RemainingStepIDs = append(plan.Progress.RemainingStepIDs, step.ID)
	}

	restated := doc.RestatedRequest
	if strings.TrimSpace(restated) == "" {
		restated = req.text
	}
	persona := p.buildPersona(in, doc, req, restated, now)

	jnl.Record("planner", "plan_ready",
		"agent_id", in.agentID,
		"steps", len(plan.Steps),
		"persona", persona.PersonaID,
		"simple", plan.IsSimpleTask,
	)
	return &planOutcome{plan: plan, persona: persona}, nil
}

// generatePlan asks the workhorse tier for the plan document, with one
// repair pass when the reply is not parseable JSON.
func (p *Pipeline) generatePlan(ctx context.Context, jnl *journal.Journal, req *runRequest, in *intake) (*planDoc, error) {
	client, model, err := p.tiers.Tier(llm.TierWorkhorse)
	if err != nil {
		client, model, err = p.tiers.Tier(llm.TierNano)
		if err != nil {
			return nil, fmt.Errorf("no planning tier: %w", err)
		}
	}

	var catalog strings.Builder
	for _, ps := range in.personas {
		fmt.Fprintf(&catalog, "- %s: %s (tier %s)\n", ps.ID, ps.Name, ps.ModelTier)
	}
	if catalog.Len() == 0 {
		catalog.WriteString("- dot: general-purpose assistant\n")
	}

	system := "You are a task planner. Reply with a single JSON object, no prose, no code fences:\n" +
		`{"approach": "one paragraph", "isSimpleTask": bool, "personaId": "id from the catalog", ` +
		`"restatedRequest": "the request in your own words", "steps": [{"title": "...", ` +
		`"description": "what to do", "expectedOutput": "artifact or answer this step must produce", ` +
		`"toolHints": ["category.operation"], "requiresExternalData": bool}]}` + "\n" +
		"Use the fewest steps that get the work done; set isSimpleTask for anything a single " +
		"pass can finish."
	msgs := []models.ChatMessage{{
		Role: models.RoleUser,
		Content: fmt.Sprintf("Request:\n%s\n\nPersona catalog:\n%s\nKnowledge base:\n%s",
			req.text, catalog.String(), clip(in.knowledge, contextSectionLimit*2)),
	}}

	resp, err := client.Chat(ctx, &llm.ChatRequest{
		Model:    model,
		System:   system,
		Messages: msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	doc, parseErr := parsePlanDoc(resp.Content)
	if parseErr != nil {
		jnl.RecordError("planner", "plan_parse_failed", parseErr)
		msgs = append(msgs,
			models.ChatMessage{Role: models.RoleAssistant, Content: resp.Content},
			models.ChatMessage{Role: models.RoleUser, Content: "That was not valid JSON (" +
				parseErr.Error() + "). Reply again with only the corrected JSON object."},
		)
		resp, err = client.Chat(ctx, &llm.ChatRequest{Model: model, System: system, Messages: msgs})
		if err != nil {
			return nil, fmt.Errorf("planner repair call: %w", err)
		}
		doc, parseErr = parsePlanDoc(resp.Content)
		if parseErr != nil {
			return nil, fmt.Errorf("planner output unparseable after repair: %w", parseErr)
		}
	}
	return doc, nil
}

// parsePlanDoc parses the model's plan JSON, stripping code fences and
// surrounding prose before giving up.
func parsePlanDoc(content string) (*planDoc, error) {
	try := func(s string) (*planDoc, error) {
		var doc planDoc
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			return nil, err
		}
		if len(doc.Steps) == 0 {
			return nil, fmt.Errorf("plan has no steps")
		}
		for i, s := range doc.Steps {
			if strings.TrimSpace(s.Title) == "" {
				return nil, fmt.Errorf("step %d has no title", i+1)
			}
		}
		return &doc, nil
	}

	content = strings.TrimSpace(content)
	if doc, err := try(content); err == nil {
		return doc, nil
	}
	stripped := stripFences(content)
	doc, err := try(stripped)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// stripFences removes markdown code fences and any prose around the
// outermost JSON object.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}

// buildPersona resolves the planner's persona choice against the catalog,
// falling back to Dot.
func (p *Pipeline) buildPersona(in *intake, doc *planDoc, req *runRequest, restated string, now time.Time) *models.AgentPersona {
	persona := &models.AgentPersona{
		AgentID:         in.agentID,
		PersonaID:       models.PersonaDot,
		TaskDescription: req.text,
		SystemPrompt: "You are Dot, a careful personal assistant working on the user's machine " +
			"through tools. Verify the effect of every change you make before moving on.",
		ModelTier:        llm.TierWorkhorse,
		Temperature:      0.7,
		RestatedRequests: append(append([]string{}, req.restated...), restated),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	want := strings.TrimSpace(strings.ToLower(doc.PersonaID))
	for _, ps := range in.personas {
		if strings.ToLower(ps.ID) != want {
			continue
		}
		persona.PersonaID = ps.ID
		if ps.SystemPrompt != "" {
			persona.SystemPrompt = ps.SystemPrompt
		}
		if ps.ModelTier != "" {
			persona.ModelTier = ps.ModelTier
		}
		if ps.Temperature > 0 {
			persona.Temperature = ps.Temperature
		}
		persona.AllowedTools = ps.ToolScope
		break
	}
	return persona
}
