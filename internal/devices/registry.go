// Package devices tracks live device sessions.
//
// A session is one authenticated websocket. Devices advertising the memory
// capability are agent hosts and attach under their device id; browser
// sessions attach under "<deviceId>:browser" so a phone's browser tab never
// displaces the desktop agent. Each session owns a bridge that multiplexes
// correlated requests over the socket; detaching a session rejects every
// request still in flight on it.
package devices

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/druidia-bot/dotbot/internal/bridge"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// EventType classifies registry events.
type EventType string

const (
	EventAttached EventType = "session_attached"
	EventDetached EventType = "session_detached"
)

// Event is emitted when a session attaches or detaches. Recovery listens for
// attach events from agent hosts to schedule dead-agent scans.
type Event struct {
	Type  EventType
	Key   string
	Hello models.DeviceHello
	At    time.Time
}

// Session is one live, authenticated device connection.
type Session struct {
	Key         string
	Hello       models.DeviceHello
	ConnectedAt time.Time
	Bridge      *bridge.Bridge

	sender bridge.Sender

	mu         sync.Mutex
	lastActive time.Time
}

// IsAgent reports whether this session can host agents (memory capability).
func (s *Session) IsAgent() bool {
	return s.Hello.HasCapability(models.CapabilityMemory)
}

// Kind returns the metrics label for this session.
func (s *Session) Kind() string {
	if s.IsAgent() {
		return "agent"
	}
	return "browser"
}

// Send writes a frame to the session's socket.
func (s *Session) Send(frame models.Frame) error {
	return s.sender.Send(frame)
}

// Touch records activity, typically on heartbeat or any inbound frame.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the most recent inbound activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Registry holds every connected session keyed by session key.
type Registry struct {
	bridgeCfg bridge.Config
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	events   chan Event
	closed   bool
}

// NewRegistry creates an empty registry. Sessions attached later inherit
// bridgeCfg for their request timeouts.
func NewRegistry(bridgeCfg bridge.Config, logger *slog.Logger, metrics *observability.Metrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bridgeCfg: bridgeCfg,
		logger:    logger.With("component", "devices"),
		metrics:   metrics,
		sessions:  make(map[string]*Session),
		events:    make(chan Event, 64),
	}
}

// SessionKey derives the registry key for a hello. Agent hosts key on the
// bare device id; anything else gets the browser suffix.
func SessionKey(hello models.DeviceHello) string {
	if hello.HasCapability(models.CapabilityMemory) {
		return hello.DeviceID
	}
	return hello.DeviceID + ":browser"
}

// Attach registers a new session for the hello, displacing any previous
// session under the same key. The displaced session's pending requests are
// rejected so their callers fail fast instead of timing out.
func (r *Registry) Attach(sender bridge.Sender, hello models.DeviceHello) *Session {
	key := SessionKey(hello)
	now := time.Now()
	sess := &Session{
		Key:         key,
		Hello:       hello,
		ConnectedAt: now,
		lastActive:  now,
		sender:      sender,
		Bridge:      bridge.New(sender, hello.Capabilities, r.bridgeCfg, r.logger, r.metrics),
	}

	r.mu.Lock()
	prev := r.sessions[key]
	r.sessions[key] = sess
	r.mu.Unlock()

	if prev != nil {
		prev.Bridge.FailAll(bridge.ErrDeviceNotConnected)
		r.logger.Info("session replaced", "key", key, "device_id", hello.DeviceID)
	} else if r.metrics != nil {
		r.metrics.ConnectedDevices.WithLabelValues(sess.Kind()).Inc()
	}

	r.logger.Info("session attached",
		"key", key,
		"device_id", hello.DeviceID,
		"user_id", hello.UserID,
		"platform", hello.Platform,
		"capabilities", hello.Capabilities,
	)
	r.emit(Event{Type: EventAttached, Key: key, Hello: hello, At: now})
	return sess
}

// Detach removes the session and rejects its in-flight requests. A session
// that was already displaced by a reconnect only has its pendings failed;
// the replacement stays registered.
func (r *Registry) Detach(sess *Session) {
	if sess == nil {
		return
	}
	r.mu.Lock()
	current, ok := r.sessions[sess.Key]
	if ok && current == sess {
		delete(r.sessions, sess.Key)
	} else {
		ok = false
	}
	r.mu.Unlock()

	sess.Bridge.FailAll(bridge.ErrDeviceNotConnected)
	if !ok {
		return
	}
	if r.metrics != nil {
		r.metrics.ConnectedDevices.WithLabelValues(sess.Kind()).Dec()
	}
	r.logger.Info("session detached", "key", sess.Key, "device_id", sess.Hello.DeviceID)
	r.emit(Event{Type: EventDetached, Key: sess.Key, Hello: sess.Hello, At: time.Now()})
}

// Get returns the session under the exact key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[key]
	return sess, ok
}

// Agent returns the agent-host session for a device id, if connected.
func (r *Registry) Agent(deviceID string) (*Session, bool) {
	return r.Get(deviceID)
}

// ForUser returns the best session to run work for a user: the most recently
// active agent host, falling back to the most recently active browser session
// when no agent host is connected.
func (r *Registry) ForUser(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var bestAgent, bestBrowser *Session
	for _, sess := range r.sessions {
		if sess.Hello.UserID != userID {
			continue
		}
		if sess.IsAgent() {
			if bestAgent == nil || sess.LastActive().After(bestAgent.LastActive()) {
				bestAgent = sess
			}
		} else if bestBrowser == nil || sess.LastActive().After(bestBrowser.LastActive()) {
			bestBrowser = sess
		}
	}
	if bestAgent != nil {
		return bestAgent, true
	}
	if bestBrowser != nil {
		return bestBrowser, true
	}
	return nil, false
}

// BroadcastToUser sends the frame to every session belonging to the user and
// returns how many sockets accepted it.
func (r *Registry) BroadcastToUser(userID string, frame models.Frame) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.Hello.UserID == userID {
			targets = append(targets, sess)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, sess := range targets {
		if err := sess.Send(frame); err != nil {
			r.logger.Debug("broadcast send failed", "key", sess.Key, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// List returns all sessions sorted by key.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Events exposes attach/detach notifications. The channel is buffered; if no
// consumer keeps up, events are dropped rather than blocking the socket path.
func (r *Registry) Events() <-chan Event {
	return r.events
}

// Close detaches every session and closes the event channel.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Bridge.FailAll(bridge.ErrDeviceNotConnected)
		if r.metrics != nil {
			r.metrics.ConnectedDevices.WithLabelValues(sess.Kind()).Dec()
		}
	}
	close(r.events)
}

func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("event channel full, dropping event", "type", ev.Type, "key", ev.Key)
	}
}
