// Package gateway is the transport surface of the server: it upgrades
// device websockets, runs the handshake, validates inbound frames against
// their schemas, and routes them to the bridge, pipeline, recovery, and
// admin subsystems. One conn owns one socket; a single writer goroutine per
// conn preserves frame order for everything the bridges enqueue.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/druidia-bot/dotbot/internal/agents"
	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/internal/observability"
	"github.com/druidia-bot/dotbot/internal/pipeline"
	"github.com/druidia-bot/dotbot/pkg/models"
)

const (
	writeWait     = 10 * time.Second
	drainInterval = 100 * time.Millisecond
)

// Deps are the collaborators the gateway routes frames to.
type Deps struct {
	Auth      *auth.Service
	Devices   *devices.Registry
	Pipeline  *pipeline.Pipeline
	Recovery  *agents.Coordinator
	Agents    *agents.Registry
	Condenser Condenser
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Server terminates device connections and serves the health and metrics
// endpoints.
type Server struct {
	cfg       config.Config
	auth      *auth.Service
	devices   *devices.Registry
	pipeline  *pipeline.Pipeline
	recovery  *agents.Coordinator
	agents    *agents.Registry
	condenser Condenser
	logger    *slog.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
	startAt   time.Time
}

// New wires a server. The fingerprint-change hook is installed here so auth
// can reach connected admin devices without importing the registry.
func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		auth:      deps.Auth,
		devices:   deps.Devices,
		pipeline:  deps.Pipeline,
		recovery:  deps.Recovery,
		agents:    deps.Agents,
		condenser: deps.Condenser,
		logger:    logger.With("component", "gateway"),
		metrics:   deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		startAt: time.Now(),
	}
	if s.auth != nil {
		s.auth.OnFingerprintChange(s.warnFingerprintChange)
	}
	return s
}

// Handler returns the main HTTP surface: websocket upgrade and health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	newConn(s, ws, clientIP(r)).run()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(s.startAt).Milliseconds(),
		"devices":  s.devices.Count(),
	})
}

// Run serves until ctx is canceled, then drains: running agents are aborted
// and given a grace period to write their stopped state, device sessions are
// closed, and both listeners shut down.
func (s *Server) Run(ctx context.Context) error {
	main := &http.Server{
		Addr:    net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port)),
		Handler: s.Handler(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.MetricsPort)),
		Handler: metricsMux,
	}

	go s.watchSessions(ctx)

	errc := make(chan error, 2)
	go func() {
		s.logger.Info("gateway listening", "addr", main.Addr)
		if err := main.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	go func() {
		s.logger.Info("metrics listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	s.drainAgents(15 * time.Second)
	s.devices.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return main.Shutdown(shutdownCtx)
}

// watchSessions drives recovery from registry lifecycle events. An agent
// host attaching is the earliest moment its workspaces are reachable again,
// so the dead-agent scan starts here instead of waiting for the first
// heartbeat. The loop ends when the registry closes during shutdown.
func (s *Server) watchSessions(ctx context.Context) {
	for ev := range s.devices.Events() {
		if ev.Type != devices.EventAttached || s.recovery == nil {
			continue
		}
		if !ev.Hello.HasCapability(models.CapabilityMemory) {
			continue
		}
		sess, ok := s.devices.Agent(ev.Hello.DeviceID)
		if !ok {
			continue
		}
		go s.recovery.OnHeartbeat(ctx, ev.Hello.UserID, ev.Hello.DeviceID, sess.Bridge)
	}
}

// drainAgents aborts every registered executor and waits for them to reach a
// terminal state so their plans record the stop.
func (s *Server) drainAgents(timeout time.Duration) {
	if s.agents == nil {
		return
	}
	running := s.agents.Running()
	if len(running) == 0 {
		return
	}
	s.logger.Info("aborting running agents", "count", len(running))
	for _, id := range running {
		s.agents.Abort(id)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.agents.Running()) == 0 {
			return
		}
		time.Sleep(drainInterval)
	}
	s.logger.Warn("agents still running at shutdown", "count", len(s.agents.Running()))
}

// warnFingerprintChange notifies every connected admin device that a device
// re-authenticated with a different hardware fingerprint.
func (s *Server) warnFingerprintChange(device *auth.Device, oldPrint, newPrint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all, err := s.auth.ListDevices(ctx)
	if err != nil {
		s.logger.Error("list devices for fingerprint warning", "error", err)
		return
	}
	frame, err := models.NewFrame(models.FrameUserNotification, models.NotificationPayload{
		Level: "warning",
		Title: "Device fingerprint changed",
		Message: fmt.Sprintf("Device %q (%s) authenticated with a new hardware fingerprint. "+
			"If you did not reinstall or move it, revoke the device.", device.Name, device.ID),
	})
	if err != nil {
		return
	}

	notified := 0
	for _, d := range all {
		if !d.Admin {
			continue
		}
		if sess, ok := s.devices.Agent(d.ID); ok {
			if sess.Send(frame) == nil {
				notified++
			}
		}
	}
	s.logger.Warn("device fingerprint changed",
		"device_id", device.ID,
		"old", shortPrint(oldPrint),
		"new", shortPrint(newPrint),
		"admins_notified", notified,
	)
}

func shortPrint(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12]
}

// clientIP extracts the originating address, honoring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
