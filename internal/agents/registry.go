// Package agents tracks live agent executors in process memory and recovers
// the ones that died with work left on disk.
//
// The registry is the liveness source of truth: an agent id is registered
// before its persona is marked running, and unregistered after the run
// reaches a terminal status. The dead-agent scanner treats a running persona
// with no registration as a crash leftover.
package agents

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/druidia-bot/dotbot/internal/observability"
)

// Handle is the in-memory control block for one running agent: an abort
// signal plus a queue of user follow-ups to inject between steps. While the
// executor is suspended in agent.wait_for_user it arms a waiter channel;
// the next pushed signal is delivered there instead of the queue.
type Handle struct {
	agentID string

	abortOnce sync.Once
	abort     chan struct{}

	mu      sync.Mutex
	signals []string
	waiter  chan<- string
}

func newHandle(agentID string) *Handle {
	return &Handle{
		agentID: agentID,
		abort:   make(chan struct{}),
	}
}

// AgentID returns the agent this handle controls.
func (h *Handle) AgentID() string {
	return h.agentID
}

// Abort requests the executor stop at its next abort check. Safe to call
// more than once.
func (h *Handle) Abort() {
	h.abortOnce.Do(func() { close(h.abort) })
}

// Aborted reports whether Abort has been called.
func (h *Handle) Aborted() bool {
	select {
	case <-h.abort:
		return true
	default:
		return false
	}
}

// AbortSignal exposes the abort channel for select loops.
func (h *Handle) AbortSignal() <-chan struct{} {
	return h.abort
}

// PushSignal queues a follow-up message for injection between steps. An
// armed waiter takes precedence: the text resumes the suspended executor
// instead of queueing.
func (h *Handle) PushSignal(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.waiter != nil {
		h.waiter <- text
		h.waiter = nil
		return
	}
	h.signals = append(h.signals, text)
}

// ArmWaiter directs the next pushed signal into ch. The channel must have
// capacity one so delivery never blocks signal producers.
func (h *Handle) ArmWaiter(ch chan<- string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiter = ch
}

// DisarmWaiter detaches the waiter, if still armed. Called when the wait
// times out or the run ends.
func (h *Handle) DisarmWaiter() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiter = nil
}

// DrainSignals returns all queued signals and clears the queue.
func (h *Handle) DrainSignals() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.signals
	h.signals = nil
	return out
}

// Requeue puts drained signals back at the front of the queue, preserving
// their order. Used when the consumer fails before acting on them.
func (h *Handle) Requeue(signals []string) {
	if len(signals) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(append([]string{}, signals...), h.signals...)
}

// Registry maps agent ids to their live handles.
type Registry struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	agents map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "agent_registry"),
		metrics: metrics,
		agents:  make(map[string]*Handle),
	}
}

// Register returns the handle for agentID, creating it if absent. Must be
// called before the persona is marked running on disk.
func (r *Registry) Register(agentID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.agents[agentID]; ok {
		return h
	}
	h := newHandle(agentID)
	r.agents[agentID] = h
	if r.metrics != nil {
		r.metrics.RunningAgents.Inc()
	}
	r.logger.Debug("agent registered", "agent_id", agentID)
	return h
}

// Unregister removes the agent's handle. Queued signals are dropped; callers
// drain before unregistering.
func (r *Registry) Unregister(agentID string) {
	r.mu.Lock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.RunningAgents.Dec()
	}
	r.logger.Debug("agent unregistered", "agent_id", agentID)
}

// Get returns the handle for agentID if it is registered.
func (r *Registry) Get(agentID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.agents[agentID]
	return h, ok
}

// IsRegistered reports whether the agent has a live executor.
func (r *Registry) IsRegistered(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Abort fires the agent's abort signal. Returns false when the agent is not
// registered.
func (r *Registry) Abort(agentID string) bool {
	h, ok := r.Get(agentID)
	if !ok {
		return false
	}
	h.Abort()
	r.logger.Info("agent abort requested", "agent_id", agentID)
	return true
}

// PushSignal queues a follow-up for a registered agent. Returns false when
// the agent is not registered.
func (r *Registry) PushSignal(agentID, text string) bool {
	h, ok := r.Get(agentID)
	if !ok {
		return false
	}
	h.PushSignal(text)
	return true
}

// DrainSignals drains a registered agent's queue. Missing agents drain to
// nil.
func (r *Registry) DrainSignals(agentID string) []string {
	h, ok := r.Get(agentID)
	if !ok {
		return nil
	}
	return h.DrainSignals()
}

// Running returns the registered agent ids, sorted.
func (r *Registry) Running() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
