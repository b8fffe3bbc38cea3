package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/druidia-bot/dotbot/internal/agent"
	"github.com/druidia-bot/dotbot/internal/agents"
	"github.com/druidia-bot/dotbot/internal/bridge"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/llm"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/workspace"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// scripted replays canned responses in order, recording every request.
type scripted struct {
	name string

	mu        sync.Mutex
	requests  []llm.ChatRequest
	responses []*llm.ChatResponse
	errs      map[int]error
	calls     int
}

func newScripted(responses ...*llm.ChatResponse) *scripted {
	return &scripted{name: "fake", responses: responses}
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	s.calls++

	clone := *req
	clone.Messages = append([]models.ChatMessage(nil), req.Messages...)
	clone.Tools = append([]models.ToolDefinition(nil), req.Tools...)
	s.requests = append(s.requests, clone)

	if err, ok := s.errs[idx]; ok {
		return nil, err
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return &llm.ChatResponse{Content: "fallback final", Model: req.Model, Provider: s.name}, nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scripted) request(i int) llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func textResp(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Content: text}
}

func callResp(calls ...models.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{ToolCalls: calls}
}

func tcall(id, name, argsJSON string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Input: json.RawMessage(argsJSON)}
}

// fakeTiers is a TierRouter over a fixed client map.
type fakeTiers struct {
	clients map[string]llm.Client
}

func newFakeTiers() *fakeTiers {
	return &fakeTiers{clients: make(map[string]llm.Client)}
}

func (f *fakeTiers) with(tier string, c llm.Client) *fakeTiers {
	f.clients[tier] = c
	return f
}

func (f *fakeTiers) Tier(name string) (llm.Client, string, error) {
	c, ok := f.clients[name]
	if !ok {
		return nil, "", fmt.Errorf("tier %q not configured", name)
	}
	return c, name + "-model", nil
}

func (f *fakeTiers) HasTier(name string) bool {
	_, ok := f.clients[name]
	return ok
}

// clientSim plays the device side of the bridge: execution requests run
// against an in-memory filesystem, service requests get canned replies.
// Every frame is resolved synchronously from inside Send, which is safe
// because the bridge registers the pending request before sending.
type clientSim struct {
	bridge *bridge.Bridge

	mu          sync.Mutex
	files       map[string]string
	manifest    models.ToolManifest
	manifestErr string
	personas    []models.PersonaSpec
	memory      map[string]string
	failTool    string
	toolErrs    map[string]string
	frames      []models.Frame
	commands    []models.ToolCommand

	// onFrame observes every outbound frame, outside the lock. Tests use
	// it to abort or signal the agent mid-run.
	onFrame func(models.Frame)
}

func newClientSim() *clientSim {
	return &clientSim{
		files:    make(map[string]string),
		memory:   make(map[string]string),
		toolErrs: make(map[string]string),
		manifest: models.ToolManifest{Tools: []models.ManifestEntry{
			{ID: "directory.create", Description: "Create a directory", Category: "directory"},
			{ID: "directory.list", Description: "List a directory", Category: "directory"},
			{ID: "directory.delete", Description: "Delete a directory tree", Category: "directory"},
			{ID: "file.read", Description: "Read a file", Category: "file"},
			{ID: "file.write", Description: "Write a file", Category: "file"},
			{ID: "file.append", Description: "Append to a file", Category: "file"},
			{ID: "memory.search", Description: "Search stored memory", Category: "memory"},
			{ID: "logs.search", Description: "Search client logs", Category: "logs"},
		}},
	}
}

func (c *clientSim) Send(frame models.Frame) error {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	onFrame := c.onFrame
	c.mu.Unlock()
	if onFrame != nil {
		onFrame(frame)
	}

	switch frame.Type {
	case models.FrameExecutionRequest:
		var cmd models.ToolCommand
		if err := frame.DecodePayload(&cmd); err != nil {
			return err
		}
		c.mu.Lock()
		if c.failTool != "" && cmd.ToolID == c.failTool {
			c.mu.Unlock()
			return errors.New("write on closed socket")
		}
		c.commands = append(c.commands, cmd)
		res := c.runTool(cmd)
		c.mu.Unlock()
		res.RequestID = cmd.ID
		raw, err := json.Marshal(res)
		if err != nil {
			return err
		}
		c.bridge.Resolve(bridge.KindExecution, frame.ID, raw)

	case models.FrameToolRequest:
		c.mu.Lock()
		manifest, errMsg := c.manifest, c.manifestErr
		c.mu.Unlock()
		if errMsg != "" {
			c.reply(bridge.KindTools, frame.ID, models.Reply{RequestID: frame.ID, Error: errMsg})
			return nil
		}
		data, _ := json.Marshal(manifest)
		c.reply(bridge.KindTools, frame.ID, models.Reply{RequestID: frame.ID, Success: true, Data: data})

	case models.FrameMemoryRequest:
		var req models.ServiceRequest
		if err := frame.DecodePayload(&req); err != nil {
			return err
		}
		c.mu.Lock()
		text := c.memory[req.Action]
		c.mu.Unlock()
		reply := models.Reply{RequestID: frame.ID, Success: true}
		if text != "" {
			reply.Data, _ = json.Marshal(text)
		}
		c.reply(bridge.KindMemory, frame.ID, reply)

	case models.FramePersonaRequest:
		c.mu.Lock()
		data, _ := json.Marshal(c.personas)
		c.mu.Unlock()
		c.reply(bridge.KindPersona, frame.ID, models.Reply{RequestID: frame.ID, Success: true, Data: data})

	case models.FrameCouncilRequest:
		c.reply(bridge.KindCouncil, frame.ID, models.Reply{RequestID: frame.ID, Success: true})
	}
	return nil
}

func (c *clientSim) reply(kind bridge.Kind, id string, reply models.Reply) {
	raw, _ := json.Marshal(reply)
	c.bridge.Resolve(kind, id, raw)
}

// runTool is the in-memory filesystem behind execution requests. Caller
// holds the lock.
func (c *clientSim) runTool(cmd models.ToolCommand) models.ExecutionResult {
	if msg, ok := c.toolErrs[cmd.ToolID]; ok {
		return models.ExecutionResult{Success: false, Error: msg}
	}
	path, _ := cmd.ToolArgs["path"].(string)
	switch cmd.ToolID {
	case "directory.create":
		return models.ExecutionResult{Success: true}
	case "directory.delete":
		for k := range c.files {
			if strings.HasPrefix(k, path) {
				delete(c.files, k)
			}
		}
		return models.ExecutionResult{Success: true}
	case "directory.list":
		seen := make(map[string]bool)
		var entries []string
		for k := range c.files {
			if !strings.HasPrefix(k, path+"/") {
				continue
			}
			head := strings.TrimPrefix(k, path+"/")
			if i := strings.IndexByte(head, '/'); i >= 0 {
				head = head[:i]
			}
			if !seen[head] {
				seen[head] = true
				entries = append(entries, head)
			}
		}
		data, _ := json.Marshal(entries)
		return models.ExecutionResult{Success: true, Data: data}
	case "file.read":
		content, ok := c.files[path]
		if !ok {
			return models.ExecutionResult{Success: false, Error: "no such file"}
		}
		return models.ExecutionResult{Success: true, Output: content}
	case "file.write":
		content, _ := cmd.ToolArgs["content"].(string)
		c.files[path] = content
		return models.ExecutionResult{Success: true}
	case "file.append":
		content, _ := cmd.ToolArgs["content"].(string)
		c.files[path] += content
		return models.ExecutionResult{Success: true}
	case "memory.search", "logs.search":
		return models.ExecutionResult{Success: true, Output: "nothing found"}
	}
	return models.ExecutionResult{Success: false, Error: "unknown tool: " + cmd.ToolID}
}

func (c *clientSim) setMemory(action, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[action] = text
}

func (c *clientSim) setPersonas(specs []models.PersonaSpec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.personas = specs
}

func (c *clientSim) setManifestErr(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manifestErr = msg
}

func (c *clientSim) setFailTool(toolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failTool = toolID
}

func (c *clientSim) setToolFailure(toolID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.toolErrs[toolID] = msg
}

func (c *clientSim) setFile(path, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[path] = content
}

func (c *clientSim) seedPersona(t *testing.T, persona models.AgentPersona) {
	t.Helper()
	raw, err := json.Marshal(persona)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[workspace.WorkspaceRoot+"/"+persona.AgentID+"/agent_persona.json"] = string(raw)
}

func (c *clientSim) seedPlan(t *testing.T, plan models.Plan) {
	t.Helper()
	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatal(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[workspace.WorkspaceRoot+"/"+plan.AgentID+"/plan.json"] = string(raw)
}

func (c *clientSim) workspaceFile(t *testing.T, agentID, name string) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	content, ok := c.files[workspace.WorkspaceRoot+"/"+agentID+"/"+name]
	if !ok {
		t.Fatalf("workspace file %s missing for %s; have %v", name, agentID, mapKeys(c.files))
	}
	return content
}

func (c *clientSim) readPersona(t *testing.T, agentID string) *models.AgentPersona {
	t.Helper()
	var persona models.AgentPersona
	if err := json.Unmarshal([]byte(c.workspaceFile(t, agentID, "agent_persona.json")), &persona); err != nil {
		t.Fatalf("unmarshal persona: %v", err)
	}
	return &persona
}

func (c *clientSim) readPlan(t *testing.T, agentID string) *models.Plan {
	t.Helper()
	var plan models.Plan
	if err := json.Unmarshal([]byte(c.workspaceFile(t, agentID, "plan.json")), &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	return &plan
}

// agentIDs lists the workspace directories present on the device, sorted.
func (c *clientSim) agentIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool)
	var ids []string
	prefix := workspace.WorkspaceRoot + "/"
	for k := range c.files {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		i := strings.IndexByte(rest, '/')
		if i <= 0 {
			continue
		}
		if id := rest[:i]; !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (c *clientSim) framesOfType(ft models.FrameType) []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Frame
	for _, f := range c.frames {
		if f.Type == ft {
			out = append(out, f)
		}
	}
	return out
}

func (c *clientSim) commandsFor(toolID string) []models.ToolCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ToolCommand
	for _, cmd := range c.commands {
		if cmd.ToolID == toolID {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *clientSim) savedThreads(t *testing.T) []models.SaveToThreadPayload {
	t.Helper()
	var out []models.SaveToThreadPayload
	for _, f := range c.framesOfType(models.FrameSaveToThread) {
		var p models.SaveToThreadPayload
		if err := f.DecodePayload(&p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func (c *clientSim) lifecycle(t *testing.T) []models.LifecyclePayload {
	t.Helper()
	var out []models.LifecyclePayload
	for _, f := range c.framesOfType(models.FrameAgentLifecycle) {
		var p models.LifecyclePayload
		if err := f.DecodePayload(&p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func (c *clientSim) progress(t *testing.T) []models.TaskProgressPayload {
	t.Helper()
	var out []models.TaskProgressPayload
	for _, f := range c.framesOfType(models.FrameTaskProgress) {
		var p models.TaskProgressPayload
		if err := f.DecodePayload(&p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func (c *clientSim) notifications(t *testing.T) []models.NotificationPayload {
	t.Helper()
	var out []models.NotificationPayload
	for _, f := range c.framesOfType(models.FrameUserNotification) {
		var p models.NotificationPayload
		if err := f.DecodePayload(&p); err != nil {
			t.Fatal(err)
		}
		out = append(out, p)
	}
	return out
}

func mapKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Bridge.RequestTimeout = 5 * time.Second
	cfg.Bridge.ExecutionGrace = time.Second
	cfg.Loop.MaxIterations = 8
	cfg.Loop.WaitForUserTimeout = 2 * time.Second
	cfg.Pipeline.ReceptionistIterations = 4
	return cfg
}

type fixture struct {
	p    *Pipeline
	sim  *clientSim
	dev  *devices.Registry
	sess *devices.Session
	reg  *agents.Registry
	cln  *workspace.CleanupScheduler
	cfg  config.Config
}

func newFixture(t *testing.T, tiers agent.TierRouter) *fixture {
	t.Helper()
	logger := testLogger()
	cfg := testConfig()

	sim := newClientSim()
	dev := devices.NewRegistry(bridge.Config{
		RequestTimeout: cfg.Bridge.RequestTimeout,
		ExecutionGrace: cfg.Bridge.ExecutionGrace,
	}, logger, nil)
	sess := dev.Attach(sim, models.DeviceHello{
		DeviceID:     "dev-1",
		UserID:       "u1",
		DeviceName:   "test rig",
		Platform:     models.PlatformLinux,
		Capabilities: []string{models.CapabilityMemory, models.CapabilitySkills},
	})
	sim.bridge = sess.Bridge

	reg := agents.NewRegistry(logger, nil)
	cln := workspace.NewCleanupScheduler(cfg.Workspace,
		func(context.Context, string, string) error { return nil }, logger, nil)

	p := New(cfg, Deps{
		Loop:    agent.New(cfg.Loop, logger, nil),
		Tiers:   tiers,
		Devices: dev,
		Agents:  reg,
		Router:  agents.NewRouter(reg, logger),
		Cleanup: cln,
		Logger:  logger,
		Metrics: observability.NewMetricsWith(prometheus.NewRegistry()),
	})
	return &fixture{p: p, sim: sim, dev: dev, sess: sess, reg: reg, cln: cln, cfg: cfg}
}

const plannerTwoStepDoc = `{
  "approach": "Draft the notes in two passes.",
  "isSimpleTask": false,
  "personaId": "writer",
  "restatedRequest": "Draft two short notes about the hedgehog census.",
  "steps": [
    {"title": "Draft the first note", "description": "Write the first census note to a file.", "expectedOutput": "a saved draft", "toolHints": ["file.write"]},
    {"title": "Draft the second note", "description": "Write the follow-up note."}
  ]
}`

const plannerSimpleDoc = `{
  "approach": "One pass is enough.",
  "isSimpleTask": true,
  "personaId": "dot",
  "restatedRequest": "Compile the census summary.",
  "steps": [{"title": "Write the summary", "description": "Produce the summary text."}]
}`

func TestHandleUserMessageRejectsEmpty(t *testing.T) {
	fx := newFixture(t, newFakeTiers())
	if _, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1", "   "); err == nil {
		t.Fatal("expected error for blank message")
	}
}

func TestHandleUserMessageNoDevice(t *testing.T) {
	fx := newFixture(t, newFakeTiers())
	_, err := fx.p.HandleUserMessage(context.Background(), "ghost", "t1", "do the thing")
	if !errors.Is(err, bridge.ErrDeviceNotConnected) {
		t.Fatalf("err = %v, want ErrDeviceNotConnected", err)
	}
}

func TestHandleUserMessageGreetingShortPath(t *testing.T) {
	nano := newScripted()
	fx := newFixture(t, newFakeTiers().with(llm.TierNano, nano))

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1", "Hello!")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if got != "Hi! Anything I can help with?" {
		t.Fatalf("reply = %q", got)
	}
	if nano.callCount() != 0 {
		t.Errorf("greeting reached the classifier tier (%d calls)", nano.callCount())
	}
	if created := fx.sim.commandsFor("directory.create"); len(created) != 0 {
		t.Errorf("greeting created a workspace: %v", created)
	}
	saves := fx.sim.savedThreads(t)
	if len(saves) != 1 || saves[0].Content != got || saves[0].Role != models.RoleAssistant {
		t.Errorf("thread saves = %+v", saves)
	}
}

func TestHandleUserMessageSmallTalkShortPath(t *testing.T) {
	nano := newScripted(textResp("SHORT: Looks sunny all week."))
	wh := newScripted()
	fx := newFixture(t, newFakeTiers().with(llm.TierNano, nano).with(llm.TierWorkhorse, wh))

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1", "how is the weather looking")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if got != "Looks sunny all week." {
		t.Fatalf("reply = %q", got)
	}
	if nano.callCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", nano.callCount())
	}
	if wh.callCount() != 0 {
		t.Errorf("small talk reached the workhorse tier (%d calls)", wh.callCount())
	}
	if created := fx.sim.commandsFor("directory.create"); len(created) != 0 {
		t.Errorf("small talk created a workspace: %v", created)
	}
}

func TestHandleUserMessageHeuristicWithoutClassifier(t *testing.T) {
	fx := newFixture(t, newFakeTiers()) // no tiers at all

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1", "that sounds about right to me")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if got != "Hi! Anything I can help with?" {
		t.Fatalf("reply = %q", got)
	}
}

func TestHandleUserMessageRunsTask(t *testing.T) {
	nano := newScripted(textResp("TASK"))
	wh := newScripted(
		textResp("Briefing: memory has nothing on the census yet."),
		textResp(plannerTwoStepDoc),
		callResp(tcall("c1", "file__write", `{"path":"notes/one.md","content":"note one"}`)),
		textResp("First note drafted."),
		textResp(`{"keepRemaining": true}`),
		textResp("Second note drafted."),
	)
	fx := newFixture(t, newFakeTiers().with(llm.TierNano, nano).with(llm.TierWorkhorse, wh))
	fx.sim.setMemory(models.MemoryActionIndex, "hedgehog notes live under ~/notes")
	fx.sim.setPersonas([]models.PersonaSpec{{
		ID:           "writer",
		Name:         "Writer",
		SystemPrompt: "You write crisp notes.",
		ModelTier:    llm.TierWorkhorse,
		Temperature:  0.4,
	}})

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1",
		"draft two short notes about the hedgehog census")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	want := "First note drafted." + stepSeparator + "Second note drafted."
	if got != want {
		t.Fatalf("final answer = %q, want %q", got, want)
	}

	ids := fx.sim.agentIDs()
	if len(ids) != 1 {
		t.Fatalf("agent workspaces = %v, want exactly one", ids)
	}
	id := ids[0]

	persona := fx.sim.readPersona(t, id)
	if persona.Status != models.StatusCompleted {
		t.Errorf("persona status = %s, want completed", persona.Status)
	}
	if persona.PersonaID != "writer" || persona.SystemPrompt != "You write crisp notes." {
		t.Errorf("persona not resolved from catalog: id=%s prompt=%q", persona.PersonaID, persona.SystemPrompt)
	}
	if persona.FinalOutput != want {
		t.Errorf("persona final output = %q", persona.FinalOutput)
	}

	plan := fx.sim.readPlan(t, id)
	if len(plan.Progress.CompletedStepIDs) != 2 || len(plan.Progress.RemainingStepIDs) != 0 {
		t.Errorf("plan progress = %+v", plan.Progress)
	}
	if plan.Progress.CompletedAt == nil {
		t.Error("plan has no completion timestamp")
	}

	knowledge := fx.sim.workspaceFile(t, id, "intake_knowledge.md")
	for _, frag := range []string{
		"Request: draft two short notes about the hedgehog census",
		"Memory index:\nhedgehog notes live under ~/notes",
		"Receptionist notes:\nBriefing: memory has nothing on the census yet.",
		"Available personas: writer",
	} {
		if !strings.Contains(knowledge, frag) {
			t.Errorf("intake knowledge missing %q:\n%s", frag, knowledge)
		}
	}

	if out := fx.sim.workspaceFile(t, id, "output/s1.md"); out != "First note drafted." {
		t.Errorf("step one output = %q", out)
	}

	var wrote bool
	for _, cmd := range fx.sim.commandsFor("file.write") {
		if cmd.ToolArgs["path"] == "notes/one.md" && cmd.ToolArgs["content"] == "note one" {
			wrote = true
		}
	}
	if !wrote {
		t.Error("device never received the file.write issued by the agent")
	}

	events := fx.sim.lifecycle(t)
	if len(events) != 2 || events[0].Event != models.LifecycleStarted || events[1].Event != models.LifecycleCompleted {
		t.Errorf("lifecycle events = %+v", events)
	}

	prog := fx.sim.progress(t)
	if len(prog) != 2 || prog[0].CompletedSteps != 1 || prog[1].CompletedSteps != 2 || prog[1].TotalSteps != 2 {
		t.Errorf("task progress = %+v", prog)
	}

	saves := fx.sim.savedThreads(t)
	if len(saves) != 1 || saves[0].Content != want || saves[0].ThreadID != "t1" || saves[0].AgentID != id {
		t.Errorf("thread saves = %+v", saves)
	}

	if n := fx.cln.Pending(); n != 1 {
		t.Errorf("cleanup pending = %d, want 1", n)
	}
	if running := fx.reg.Running(); len(running) != 0 {
		t.Errorf("agents still registered after the run: %v", running)
	}
	if nano.callCount() != 1 {
		t.Errorf("classifier calls = %d, want 1", nano.callCount())
	}
	if wh.callCount() != 6 {
		t.Errorf("workhorse calls = %d, want 6", wh.callCount())
	}
}

func TestHandleUserMessageLongFinalAnswerStandsAlone(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("The census counted hedgehogs in every borough. ", 12))
	nano := newScripted(textResp("TASK"))
	wh := newScripted(
		textResp("Briefing: nothing relevant on file."),
		textResp(plannerSimpleDoc),
		textResp(long),
	)
	fx := newFixture(t, newFakeTiers().with(llm.TierNano, nano).with(llm.TierWorkhorse, wh))

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1",
		"write up the hedgehog census results")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if got != long {
		t.Fatalf("final answer = %q, want the step output alone", got)
	}
	if strings.Contains(got, stepSeparator) {
		t.Error("long final answer should not be joined with earlier steps")
	}
}

func TestHandleUserMessageRoutesSignalToRunningAgent(t *testing.T) {
	fx := newFixture(t, newFakeTiers())
	fx.sim.seedPersona(t, models.AgentPersona{
		AgentID:         "agent_busy",
		PersonaID:       models.PersonaDot,
		Status:          models.StatusRunning,
		TaskDescription: "organize hedgehog photos into albums by year",
	})
	handle := fx.reg.Register("agent_busy")

	msg := "add the new hedgehog photos to the albums"
	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1", msg)
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	want := `Noted. I passed that along to the task "organize hedgehog photos into albums by year".`
	if got != want {
		t.Fatalf("ack = %q, want %q", got, want)
	}

	signals := handle.DrainSignals()
	if len(signals) != 1 || signals[0] != msg {
		t.Errorf("signals = %v, want the user message", signals)
	}

	persona := fx.sim.readPersona(t, "agent_busy")
	if len(persona.RestatedRequests) != 1 || persona.RestatedRequests[0] != msg {
		t.Errorf("persisted restated requests = %v", persona.RestatedRequests)
	}

	saves := fx.sim.savedThreads(t)
	if len(saves) != 1 || saves[0].Content != want || saves[0].AgentID != "agent_busy" {
		t.Errorf("thread saves = %+v", saves)
	}
	if frames := fx.sim.framesOfType(models.FrameToolRequest); len(frames) != 0 {
		t.Error("signal routing should not fetch the tool manifest")
	}
}

func TestHandleUserMessageContinuesCompletedTask(t *testing.T) {
	nano := newScripted() // continuation skips the classifier
	wh := newScripted(
		textResp("Briefing: the albums task finished earlier."),
		textResp(plannerSimpleDoc),
		textResp("Added the new photos to the yearly albums."),
	)
	fx := newFixture(t, newFakeTiers().with(llm.TierNano, nano).with(llm.TierWorkhorse, wh))
	fx.sim.seedPersona(t, models.AgentPersona{
		AgentID:         "agent_old",
		PersonaID:       models.PersonaDot,
		Status:          models.StatusCompleted,
		TaskDescription: "organize hedgehog photos into albums by year",
		FinalOutput:     "Albums created under Photos/Hedgehogs, one per year.",
	})
	fx.cln.MarkCompleted("agent_old", "u1")

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1",
		"add the new hedgehog photos to the albums")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if got != "Added the new photos to the yearly albums." {
		t.Fatalf("final answer = %q", got)
	}
	if nano.callCount() != 0 {
		t.Errorf("continuation consulted the classifier (%d calls)", nano.callCount())
	}

	ids := fx.sim.agentIDs()
	if len(ids) != 2 {
		t.Fatalf("agent workspaces = %v, want the old and a fresh one", ids)
	}
	var fresh string
	for _, id := range ids {
		if id != "agent_old" {
			fresh = id
		}
	}
	if fresh == "" {
		t.Fatal("no fresh agent workspace created")
	}

	knowledge := fx.sim.workspaceFile(t, fresh, "intake_knowledge.md")
	if !strings.Contains(knowledge, `Earlier task "organize hedgehog photos into albums by year" finished with this result:`) ||
		!strings.Contains(knowledge, "Albums created under Photos/Hedgehogs, one per year.") {
		t.Errorf("intake knowledge missing prior-output section:\n%s", knowledge)
	}

	// The old workspace was unscheduled from cleanup; the fresh one was
	// scheduled on completion.
	if n := fx.cln.Pending(); n != 1 {
		t.Errorf("cleanup pending = %d, want 1", n)
	}
	if persona := fx.sim.readPersona(t, fresh); persona.Status != models.StatusCompleted {
		t.Errorf("fresh persona status = %s", persona.Status)
	}
}

func TestHandleUserMessageIntakeFailureProducesReport(t *testing.T) {
	nano := newScripted(textResp("TASK"))
	fx := newFixture(t, newFakeTiers().with(llm.TierNano, nano))
	fx.sim.setManifestErr("tool service offline")

	got, err := fx.p.HandleUserMessage(context.Background(), "u1", "t1",
		"summarize the hedgehog census for me")
	if err != nil {
		t.Fatalf("intake failure should be reported, not returned: %v", err)
	}
	if !strings.HasPrefix(got, "I ran into a problem I couldn't recover from.") {
		t.Fatalf("report = %q", got)
	}
	if !strings.Contains(got, "Category: tool_failure") {
		t.Errorf("report missing failure category:\n%s", got)
	}
	if !strings.Contains(got, "tool service offline") {
		t.Errorf("report missing the underlying error:\n%s", got)
	}

	saves := fx.sim.savedThreads(t)
	if len(saves) != 1 || saves[0].Content != got {
		t.Errorf("thread saves = %+v", saves)
	}
	if created := fx.sim.commandsFor("directory.create"); len(created) != 0 {
		t.Error("failed intake should not leave a workspace behind")
	}
}

func TestResumeContinuesInterruptedPlan(t *testing.T) {
	wh := newScripted(
		textResp("Briefing: the census workspace already has step one done."),
		textResp("Census compiled: 47 hedgehogs."),
	)
	fx := newFixture(t, newFakeTiers().with(llm.TierWorkhorse, wh))
	fx.sim.seedPersona(t, models.AgentPersona{
		AgentID:          "agent_res",
		PersonaID:        models.PersonaDot,
		Status:           models.StatusInterrupted,
		TaskDescription:  "compile the hedgehog census",
		SystemPrompt:     "You are Dot, a careful personal assistant.",
		ModelTier:        llm.TierWorkhorse,
		Temperature:      0.7,
		RestatedRequests: []string{"compile the hedgehog census"},
	})
	now := time.Now().UTC()
	fx.sim.seedPlan(t, models.Plan{
		AgentID:      "agent_res",
		Approach:     "Count, then write.",
		IsSimpleTask: true,
		Steps: []models.Step{
			{ID: "s1", Title: "Gather data", Description: "Collect the counts."},
			{ID: "s2", Title: "Write the census", Description: "Write up the result."},
		},
		Progress: models.PlanProgress{
			CompletedStepIDs: []string{"s1"},
			RemainingStepIDs: []string{"s2"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})

	err := fx.p.Resume(context.Background(), "u1", "agent_res",
		[]string{"compile the hedgehog census", "please finish the census"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}

	persona := fx.sim.readPersona(t, "agent_res")
	if persona.Status != models.StatusCompleted {
		t.Errorf("persona status = %s, want completed", persona.Status)
	}
	if persona.FinalOutput != "Census compiled: 47 hedgehogs." {
		t.Errorf("persona final output = %q", persona.FinalOutput)
	}

	plan := fx.sim.readPlan(t, "agent_res")
	if len(plan.Progress.CompletedStepIDs) != 2 || plan.Progress.CompletedAt == nil {
		t.Errorf("plan progress = %+v", plan.Progress)
	}

	events := fx.sim.lifecycle(t)
	if len(events) != 2 || events[0].Event != models.LifecycleResumed || events[1].Event != models.LifecycleCompleted {
		t.Errorf("lifecycle events = %+v", events)
	}
	if created := fx.sim.commandsFor("directory.create"); len(created) != 0 {
		t.Error("resume recreated the workspace directories")
	}

	// Two model calls: the receptionist and the remaining step. No fresh
	// planning round for a plan that still has steps.
	if wh.callCount() != 2 {
		t.Fatalf("workhorse calls = %d, want 2", wh.callCount())
	}
	step := wh.request(1)
	if !strings.Contains(step.System, "Workspace root: "+workspace.WorkspaceRoot+"/agent_res") {
		t.Errorf("step system prompt missing workspace root:\n%s", step.System)
	}
	if !strings.Contains(step.System, "You are Dot, a careful personal assistant.") {
		t.Errorf("step system prompt missing persisted persona prompt:\n%s", step.System)
	}
}
