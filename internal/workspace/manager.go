// Package workspace manages the per-agent file tree on the device side.
// Every operation becomes a tool command over the device bridge; the server
// never touches a filesystem itself. Paths are composed relative to the
// client home, which expands the leading tilde.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// WorkspaceRoot is the client-side directory all agent workspaces live under.
const WorkspaceRoot = "~/.bot/agent-workspaces"

// Workspace file names.
const (
	personaFile   = "agent_persona.json"
	planFile      = "plan.json"
	knowledgeFile = "intake_knowledge.md"
	toolCallsLog  = "logs/tool-calls.jsonl"
	executionLog  = "logs/execution.jsonl"
	conversation  = "logs/conversation.json"
)

// Runner executes tool commands on the device that owns the workspace. The
// device bridge satisfies it; tests substitute fakes.
type Runner interface {
	Execute(ctx context.Context, cmd models.ToolCommand) (*models.ExecutionResult, error)
}

// Manager performs the read-modify-write operations on one agent's
// workspace.
type Manager struct {
	runner  Runner
	agentID string
	root    string
	logger  *slog.Logger
}

// NewManager binds a manager to an agent's workspace on the given runner.
func NewManager(runner Runner, agentID string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner:  runner,
		agentID: agentID,
		root:    path.Join(WorkspaceRoot, agentID),
		logger:  logger.With("component", "workspace", "agent_id", agentID),
	}
}

// Root returns the workspace root path on the client.
func (m *Manager) Root() string {
	return m.root
}

// Path joins parts onto the workspace root.
func (m *Manager) Path(parts ...string) string {
	return path.Join(append([]string{m.root}, parts...)...)
}

// Create lays out the workspace directories: the root plus research, output,
// and logs.
func (m *Manager) Create(ctx context.Context) error {
	for _, dir := range []string{"", "research", "output", "logs"} {
		if _, err := m.run(ctx, "directory.create", map[string]any{"path": m.Path(dir)}); err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
	}
	m.logger.Info("workspace created", "root", m.root)
	return nil
}

// SavePersona writes agent_persona.json.
func (m *Manager) SavePersona(ctx context.Context, p *models.AgentPersona) error {
	return m.writeJSON(ctx, m.Path(personaFile), p)
}

// ReadPersona loads agent_persona.json.
func (m *Manager) ReadPersona(ctx context.Context) (*models.AgentPersona, error) {
	var p models.AgentPersona
	if err := m.readJSON(ctx, m.Path(personaFile), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// MutatePersona reads the persona, applies fn, and writes it back. It is
// best-effort: any failure returns false and leaves the file as it was.
func (m *Manager) MutatePersona(ctx context.Context, fn func(*models.AgentPersona)) bool {
	p, err := m.ReadPersona(ctx)
	if err != nil {
		m.logger.Warn("persona read failed", "error", err)
		return false
	}
	fn(p)
	p.UpdatedAt = time.Now().UTC()
	if err := m.SavePersona(ctx, p); err != nil {
		m.logger.Warn("persona write failed", "error", err)
		return false
	}
	return true
}

// SavePlan writes plan.json.
func (m *Manager) SavePlan(ctx context.Context, plan *models.Plan) error {
	return m.writeJSON(ctx, m.Path(planFile), plan)
}

// ReadPlan loads plan.json.
func (m *Manager) ReadPlan(ctx context.Context) (*models.Plan, error) {
	var plan models.Plan
	if err := m.readJSON(ctx, m.Path(planFile), &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// UpdatePlanProgress reads the plan, applies fn to its progress, and writes
// it back.
func (m *Manager) UpdatePlanProgress(ctx context.Context, fn func(*models.PlanProgress)) error {
	plan, err := m.ReadPlan(ctx)
	if err != nil {
		return err
	}
	fn(&plan.Progress)
	return m.SavePlan(ctx, plan)
}

// SaveStepOutput appends the step's text to output/<stepId>.md and marks the
// step done in the plan.
func (m *Manager) SaveStepOutput(ctx context.Context, step models.Step, text string) error {
	out := m.Path("output", step.ID+".md")
	if _, err := m.run(ctx, "file.append", map[string]any{
		"path":    out,
		"content": text + "\n",
	}); err != nil {
		return fmt.Errorf("save step output: %w", err)
	}
	plan, err := m.ReadPlan(ctx)
	if err != nil {
		return err
	}
	plan.MarkStepDone(step.ID, time.Now().UTC())
	return m.SavePlan(ctx, plan)
}

// AppendToolCalls appends records to logs/tool-calls.jsonl.
func (m *Manager) AppendToolCalls(ctx context.Context, entries []models.ToolCallRecord) error {
	if len(entries) == 0 {
		return nil
	}
	var b strings.Builder
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode tool call record: %w", err)
		}
		b.Write(raw)
		b.WriteByte('\n')
	}
	_, err := m.run(ctx, "file.append", map[string]any{
		"path":    m.Path(toolCallsLog),
		"content": b.String(),
	})
	return err
}

// AppendExecutionLog appends one event to logs/execution.jsonl.
func (m *Manager) AppendExecutionLog(ctx context.Context, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode execution event: %w", err)
	}
	_, err = m.run(ctx, "file.append", map[string]any{
		"path":    m.Path(executionLog),
		"content": string(raw) + "\n",
	})
	return err
}

// SaveConversation writes the full transcript to logs/conversation.json.
func (m *Manager) SaveConversation(ctx context.Context, msgs []models.ChatMessage) error {
	return m.writeJSON(ctx, m.Path(conversation), msgs)
}

// WriteIntakeKnowledge writes the intake context document.
func (m *Manager) WriteIntakeKnowledge(ctx context.Context, text string) error {
	_, err := m.run(ctx, "file.write", map[string]any{
		"path":    m.Path(knowledgeFile),
		"content": text,
	})
	return err
}

// ListFiles returns the workspace file listing for step briefings.
func (m *Manager) ListFiles(ctx context.Context) ([]string, error) {
	res, err := m.run(ctx, "directory.list", map[string]any{
		"path":      m.root,
		"recursive": true,
	})
	if err != nil {
		return nil, err
	}
	return parseListing(res), nil
}

// ListAgents returns the ids of every agent with a workspace on the device.
// Used by the dead-agent scanner and the follow-up router.
func ListAgents(ctx context.Context, runner Runner) ([]string, error) {
	res, err := runner.Execute(ctx, models.ToolCommand{
		ToolID:   "directory.list",
		ToolArgs: map[string]any{"path": WorkspaceRoot},
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return nil, fmt.Errorf("list workspaces: %s", msg)
	}
	var ids []string
	for _, entry := range parseListing(res) {
		if id := path.Base(strings.TrimSuffix(entry, "/")); id != "" && id != "." {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// parseListing reads a directory.list result: structured Data when the
// client sends it, whitespace-trimmed Output lines otherwise.
func parseListing(res *models.ExecutionResult) []string {
	if len(res.Data) > 0 {
		var files []string
		if err := json.Unmarshal(res.Data, &files); err == nil {
			return files
		}
	}
	var files []string
	for _, line := range strings.Split(res.Output, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// Cleanup deletes the whole workspace tree.
func (m *Manager) Cleanup(ctx context.Context) error {
	if _, err := m.run(ctx, "directory.delete", map[string]any{
		"path":      m.root,
		"recursive": true,
	}); err != nil {
		return fmt.Errorf("cleanup workspace: %w", err)
	}
	m.logger.Info("workspace cleaned up", "root", m.root)
	return nil
}

func (m *Manager) writeJSON(ctx context.Context, p string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path.Base(p), err)
	}
	_, err = m.run(ctx, "file.write", map[string]any{
		"path":    p,
		"content": string(raw),
	})
	return err
}

func (m *Manager) readJSON(ctx context.Context, p string, v any) error {
	res, err := m.run(ctx, "file.read", map[string]any{"path": p})
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.Output), v); err != nil {
		return fmt.Errorf("decode %s: %w", path.Base(p), err)
	}
	return nil
}

func (m *Manager) run(ctx context.Context, toolID string, args map[string]any) (*models.ExecutionResult, error) {
	res, err := m.runner.Execute(ctx, models.ToolCommand{
		ToolID:   toolID,
		ToolArgs: args,
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "tool reported failure"
		}
		return nil, fmt.Errorf("%s %s: %s", toolID, m.agentID, msg)
	}
	return res, nil
}
