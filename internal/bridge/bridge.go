// Package bridge implements the correlation-ID multiplexed request/response
// layer between the server and one client session. Every awaited request
// registers a pending entry keyed by its correlation id; the gateway read
// loop feeds response frames back through Resolve and Fail. Fire-and-forget
// notifications bypass the pending table entirely.
package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Kind names one pending-request table. A correlation id lives in exactly
// one table for its whole lifetime.
type Kind string

const (
	KindExecution Kind = "execution"
	KindMemory    Kind = "memory"
	KindSkill     Kind = "skill"
	KindPersona   Kind = "persona"
	KindCouncil   Kind = "council"
	KindKnowledge Kind = "knowledge"
	KindTools     Kind = "tools"
)

// kindCapability maps request kinds to the capability tag a session must
// have advertised. Kinds absent from the map work on any session.
var kindCapability = map[Kind]string{
	KindMemory: models.CapabilityMemory,
	KindSkill:  models.CapabilitySkills,
}

// Sender delivers one frame to the remote client, preserving call order.
type Sender interface {
	Send(frame models.Frame) error
}

type result struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	kind   Kind
	ch     chan result
	timer  *time.Timer
	sentAt time.Time
}

// Config carries the bridge timeouts.
type Config struct {
	// RequestTimeout is the default deadline for correlated service
	// requests.
	RequestTimeout time.Duration

	// ExecutionGrace is added to each tool command's own timeout.
	ExecutionGrace time.Duration
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ExecutionGrace <= 0 {
		c.ExecutionGrace = 5 * time.Second
	}
}

// Bridge multiplexes awaited requests over one session.
type Bridge struct {
	sender       Sender
	capabilities map[string]bool
	cfg          Config
	logger       *slog.Logger
	metrics      *observability.Metrics

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// New builds a bridge over sender for a session advertising the given
// capabilities.
func New(sender Sender, capabilities []string, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.defaults()
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &Bridge{
		sender:       sender,
		capabilities: caps,
		cfg:          cfg,
		logger:       logger.With("component", "bridge"),
		metrics:      metrics,
		pending:      make(map[string]*pendingRequest),
	}
}

// Execute runs one tool command on the client and waits for its result.
// The deadline is the command's own timeout plus the configured grace. The
// returned result may itself report a tool failure (Success=false); that is
// a resolved request, not a bridge error.
func (b *Bridge) Execute(ctx context.Context, cmd models.ToolCommand) (*models.ExecutionResult, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	timeout := cmd.TimeoutOrDefault() + b.cfg.ExecutionGrace
	raw, err := b.request(ctx, KindExecution, models.FrameExecutionRequest, cmd.ID, cmd, timeout)
	if err != nil {
		return nil, err
	}
	var res models.ExecutionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ClientError{Message: "malformed execution result: " + err.Error()}
	}
	return &res, nil
}

// Memory performs one memory-service request.
func (b *Bridge) Memory(ctx context.Context, action string, params any) (json.RawMessage, error) {
	return b.service(ctx, KindMemory, models.FrameMemoryRequest, action, params)
}

// Skill performs one skill-service request.
func (b *Bridge) Skill(ctx context.Context, action string, params any) (json.RawMessage, error) {
	return b.service(ctx, KindSkill, models.FrameSkillRequest, action, params)
}

// Persona fetches from the persona catalog.
func (b *Bridge) Persona(ctx context.Context, action string, params any) (json.RawMessage, error) {
	return b.service(ctx, KindPersona, models.FramePersonaRequest, action, params)
}

// Council fetches user-defined councils.
func (b *Bridge) Council(ctx context.Context, action string, params any) (json.RawMessage, error) {
	return b.service(ctx, KindCouncil, models.FrameCouncilRequest, action, params)
}

// Knowledge fetches learned artifacts.
func (b *Bridge) Knowledge(ctx context.Context, action string, params any) (json.RawMessage, error) {
	return b.service(ctx, KindKnowledge, models.FrameKnowledgeRequest, action, params)
}

// ToolManifest fetches the client's tool catalog.
func (b *Bridge) ToolManifest(ctx context.Context) (models.ToolManifest, error) {
	raw, err := b.service(ctx, KindTools, models.FrameToolRequest, "manifest", nil)
	if err != nil {
		return models.ToolManifest{}, err
	}
	var m models.ToolManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.ToolManifest{}, &ClientError{Message: "malformed tool manifest: " + err.Error()}
	}
	return m, nil
}

// service is the shared correlated path for every non-execution kind. The
// reply envelope is models.Reply; a success=false reply surfaces as a
// ClientError.
func (b *Bridge) service(ctx context.Context, kind Kind, ft models.FrameType, action string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	req := models.ServiceRequest{ID: id, Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	raw, err := b.request(ctx, kind, ft, id, req, b.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	var reply models.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, &ClientError{Message: "malformed reply: " + err.Error()}
	}
	if !reply.Success {
		return nil, &ClientError{Message: reply.Error}
	}
	return reply.Data, nil
}

// request registers a pending entry, sends the frame, and waits for exactly
// one outcome: resolve, reject, or timeout.
func (b *Bridge) request(ctx context.Context, kind Kind, ft models.FrameType, id string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if tag, ok := kindCapability[kind]; ok && !b.capabilities[tag] {
		return nil, ErrCapabilityMissing
	}

	p := &pendingRequest{
		kind:   kind,
		ch:     make(chan result, 1),
		sentAt: time.Now(),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrDeviceNotConnected
	}
	b.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		if b.complete(kind, id, result{err: ErrRequestTimeout}) {
			b.observe(kind, "timeout", p.sentAt)
			b.logger.Warn("bridge request timed out", "kind", kind, "correlation_id", id, "timeout", timeout)
		}
	})
	b.mu.Unlock()

	frame := models.Frame{
		Type:      ft,
		ID:        id,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			b.complete(kind, id, result{})
			return nil, err
		}
		frame.Payload = raw
	}
	if err := b.sender.Send(frame); err != nil {
		b.complete(kind, id, result{})
		b.observe(kind, "disconnected", p.sentAt)
		return nil, ErrDeviceNotConnected
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		b.observe(kind, "resolved", p.sentAt)
		return res.data, nil
	case <-ctx.Done():
		b.complete(kind, id, result{})
		return nil, ctx.Err()
	}
}

// Resolve delivers a client response to its waiter. Unknown or mismatched
// correlation ids are dropped and reported false.
func (b *Bridge) Resolve(kind Kind, id string, payload json.RawMessage) bool {
	return b.complete(kind, id, result{data: payload})
}

// Fail rejects one pending request with err.
func (b *Bridge) Fail(kind Kind, id string, err error) bool {
	ok := b.complete(kind, id, result{err: err})
	if ok {
		b.count(kind, "client_error")
	}
	return ok
}

// FailAll rejects every pending request across all kinds. Called on detach;
// afterwards the bridge refuses new requests.
func (b *Bridge) FailAll(err error) {
	b.mu.Lock()
	pending := b.pending
	b.pending = make(map[string]*pendingRequest)
	b.closed = true
	b.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.ch <- result{err: err}
		b.count(p.kind, "disconnected")
		b.logger.Debug("rejected pending request", "kind", p.kind, "correlation_id", id)
	}
}

// PendingCount reports outstanding requests, for tests and diagnostics.
func (b *Bridge) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// complete removes the entry and delivers res. The map removal under lock
// guarantees exactly one of resolve, reject, and timeout wins.
func (b *Bridge) complete(kind Kind, id string, res result) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok || p.kind != kind {
		b.mu.Unlock()
		return false
	}
	delete(b.pending, id)
	b.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- res
	return true
}

// NotifySaveToThread persists an assistant turn to the client thread.
// Fire-and-forget: failures are logged, never surfaced.
func (b *Bridge) NotifySaveToThread(p models.SaveToThreadPayload) {
	b.notify(models.FrameSaveToThread, p)
}

// NotifyRunLog streams one loop event for display.
func (b *Bridge) NotifyRunLog(p models.RunLogPayload) {
	b.notify(models.FrameRunLog, p)
}

// NotifyAgentLifecycle reports an agent lifecycle transition.
func (b *Bridge) NotifyAgentLifecycle(p models.LifecyclePayload) {
	b.notify(models.FrameAgentLifecycle, p)
}

// NotifyTaskProgress reports step-boundary progress.
func (b *Bridge) NotifyTaskProgress(p models.TaskProgressPayload) {
	b.notify(models.FrameTaskProgress, p)
}

// NotifyUser sends a transient notification for the client to display.
func (b *Bridge) NotifyUser(p models.NotificationPayload) {
	b.notify(models.FrameUserNotification, p)
}

func (b *Bridge) notify(ft models.FrameType, payload any) {
	frame, err := models.NewFrame(ft, payload)
	if err != nil {
		b.logger.Debug("drop notification", "type", ft, "error", err)
		return
	}
	if err := b.sender.Send(frame); err != nil {
		b.logger.Debug("drop notification", "type", ft, "error", err)
	}
}

func (b *Bridge) observe(kind Kind, outcome string, sentAt time.Time) {
	if b.metrics == nil {
		return
	}
	b.metrics.BridgeRequests.WithLabelValues(string(kind), outcome).Inc()
	b.metrics.BridgeRequestDuration.WithLabelValues(string(kind)).Observe(time.Since(sentAt).Seconds())
}

func (b *Bridge) count(kind Kind, outcome string) {
	if b.metrics == nil {
		return
	}
	b.metrics.BridgeRequests.WithLabelValues(string(kind), outcome).Inc()
}
