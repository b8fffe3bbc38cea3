package models

import "time"

// AgentStatus is the lifecycle state persisted in agent_persona.json.
type AgentStatus string

const (
	StatusRunning     AgentStatus = "running"
	StatusStopped     AgentStatus = "stopped"
	StatusCompleted   AgentStatus = "completed"
	StatusFailed      AgentStatus = "failed"
	StatusInterrupted AgentStatus = "interrupted"
	StatusBlocked     AgentStatus = "blocked"
	StatusPaused      AgentStatus = "paused"
	StatusResearching AgentStatus = "researching"
)

// ValidStatus reports whether s is one of the persisted status values.
func ValidStatus(s AgentStatus) bool {
	switch s {
	case StatusRunning, StatusStopped, StatusCompleted, StatusFailed,
		StatusInterrupted, StatusBlocked, StatusPaused, StatusResearching:
		return true
	}
	return false
}

// TaskDone is the single source of truth for completion: a task is complete
// iff its agent finished deliberately, by completing or by being stopped.
func TaskDone(s AgentStatus) bool {
	return s == StatusCompleted || s == StatusStopped
}

// AgentPersona is the agent identity file, agent_persona.json. It names the
// persona driving the tool loop and carries the restated-request history
// the recovery scanner uses to judge resumability.
type AgentPersona struct {
	AgentID          string      `json:"agentId"`
	PersonaID        string      `json:"personaId"`
	TaskDescription  string      `json:"taskDescription"`
	SystemPrompt     string      `json:"systemPrompt"`
	Status           AgentStatus `json:"status"`
	ModelTier        string      `json:"modelTier"`
	Temperature      float32     `json:"temperature"`
	AllowedTools     []string    `json:"allowedTools,omitempty"`
	RestatedRequests []string    `json:"restatedRequests,omitempty"`
	FinalOutput      string      `json:"finalOutput,omitempty"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// PersonaSpec is one entry of the user's persona catalog, fetched through a
// persona_request. The planner picks one per agent.
type PersonaSpec struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	SystemPrompt string   `json:"systemPrompt"`
	ToolScope    []string `json:"toolScope,omitempty"`
	ModelTier    string   `json:"modelTier,omitempty"`
	Temperature  float32  `json:"temperature,omitempty"`
}

// PersonaDot is the default persona id. Dot carries the verification rule:
// mutating tool calls must be followed by a verification call before a
// final answer is accepted.
const PersonaDot = "dot"
