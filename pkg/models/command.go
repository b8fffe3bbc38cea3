package models

import (
	"encoding/json"
	"time"
)

// DefaultExecutionTimeout applies when a tool command does not set one.
const DefaultExecutionTimeout = 60 * time.Second

// ToolCommand is the payload of an execution_request frame: one tool to run
// on the client. Timeout is in milliseconds on the wire.
type ToolCommand struct {
	ID               string         `json:"id"`
	ToolID           string         `json:"toolId"`
	ToolArgs         map[string]any `json:"toolArgs,omitempty"`
	Timeout          int64          `json:"timeout,omitempty"`
	Sandboxed        bool           `json:"sandboxed,omitempty"`
	RequiresApproval bool           `json:"requiresApproval,omitempty"`
	DryRun           bool           `json:"dryRun,omitempty"`
}

// TimeoutOrDefault returns the command timeout as a duration.
func (c ToolCommand) TimeoutOrDefault() time.Duration {
	if c.Timeout <= 0 {
		return DefaultExecutionTimeout
	}
	return time.Duration(c.Timeout) * time.Millisecond
}

// ExecutionResult is the payload of an execution_result frame.
type ExecutionResult struct {
	RequestID  string          `json:"requestId"`
	Success    bool            `json:"success"`
	Output     string          `json:"output,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// ServiceRequest is the payload shape shared by memory, skill, persona,
// council, knowledge, and tool-manifest request frames. Action selects the
// operation inside the client-side service; Params carries its arguments.
type ServiceRequest struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Memory service actions understood by clients.
const (
	MemoryActionIndex        = "index"
	MemoryActionRecent       = "recent_conversation"
	MemoryActionIdentity     = "identity"
	MemoryActionActiveTasks  = "active_tasks"
	MemoryActionSearch       = "search"
	MemoryActionSaveToThread = "save_to_thread"
)

// SaveToThreadPayload is the payload of a save_to_thread frame.
type SaveToThreadPayload struct {
	ThreadID string    `json:"threadId,omitempty"`
	Role     Role      `json:"role"`
	Content  string    `json:"content"`
	AgentID  string    `json:"agentId,omitempty"`
	SavedAt  time.Time `json:"savedAt"`
}

// RunLogPayload streams one tool-loop event to the client for display.
type RunLogPayload struct {
	AgentID   string         `json:"agentId"`
	Iteration int            `json:"iteration,omitempty"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// LifecycleEvent names carried by agent_lifecycle frames.
const (
	LifecycleStarted     = "agent_started"
	LifecycleStopped     = "agent_stopped"
	LifecycleCompleted   = "agent_completed"
	LifecycleFailed      = "agent_failed"
	LifecycleInterrupted = "agent_interrupted"
	LifecycleResumed     = "agent_resumed"
)

// LifecyclePayload is the payload of an agent_lifecycle frame.
type LifecyclePayload struct {
	AgentID string    `json:"agentId"`
	Event   string    `json:"event"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// TaskProgressPayload is the payload of a task_progress frame, emitted at
// step boundaries.
type TaskProgressPayload struct {
	AgentID        string    `json:"agentId"`
	CurrentStepID  string    `json:"currentStepId,omitempty"`
	CompletedSteps int       `json:"completedSteps"`
	TotalSteps     int       `json:"totalSteps"`
	Detail         string    `json:"detail,omitempty"`
	At             time.Time `json:"at"`
}
