package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// newAuthedConn registers a fresh device and runs the auth handshake, leaving
// the conn attached and its send queue empty.
func newAuthedConn(t *testing.T, srv *Server, capabilities ...string) *conn {
	t.Helper()
	if capabilities == nil {
		capabilities = []string{models.CapabilityMemory}
	}
	device, secret := registerTestDevice(t, srv.auth, "user-1", false)

	c := newTestConn(srv)
	frame := mustFrame(t, models.FrameAuth, models.AuthPayload{
		DeviceID:     device.ID,
		Secret:       secret,
		Capabilities: capabilities,
	})
	if err := c.handleAuth(frame); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	takeFrame(t, c) // drop the auth_success ack
	return c
}

type stubCondenser struct {
	summary    string
	resolution string
	err        error
}

func (s *stubCondenser) Condense(_ context.Context, _ models.CondensePayload) (models.CondenseResult, error) {
	if s.err != nil {
		return models.CondenseResult{}, s.err
	}
	return models.CondenseResult{Summary: s.summary}, nil
}

func (s *stubCondenser) ResolveLoop(_ context.Context, _ models.ResolveLoopPayload) (models.ResolveLoopResult, error) {
	if s.err != nil {
		return models.ResolveLoopResult{}, s.err
	}
	return models.ResolveLoopResult{Resolution: s.resolution}, nil
}

func TestDispatchResolvesExecutionResult(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	type execOut struct {
		res *models.ExecutionResult
		err error
	}
	done := make(chan execOut, 1)
	go func() {
		res, err := c.session.Bridge.Execute(context.Background(), models.ToolCommand{ToolID: "file.read"})
		done <- execOut{res, err}
	}()

	req := takeFrame(t, c)
	if req.Type != models.FrameExecutionRequest {
		t.Fatalf("outbound type = %s, want %s", req.Type, models.FrameExecutionRequest)
	}
	var cmd models.ToolCommand
	if err := req.DecodePayload(&cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.ID == "" {
		t.Fatal("command carries no correlation id")
	}

	c.dispatch(mustFrame(t, models.FrameExecutionResult, models.ExecutionResult{
		RequestID: cmd.ID,
		Success:   true,
		Output:    "file contents",
	}))

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("Execute() error = %v", out.err)
		}
		if out.res.Output != "file contents" {
			t.Errorf("output = %q", out.res.Output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not return")
	}
}

func TestDispatchResolvesServiceReply(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	done := make(chan error, 1)
	var got json.RawMessage
	go func() {
		raw, err := c.session.Bridge.Memory(context.Background(), models.MemoryActionIndex, nil)
		got = raw
		done <- err
	}()

	req := takeFrame(t, c)
	if req.Type != models.FrameMemoryRequest {
		t.Fatalf("outbound type = %s, want %s", req.Type, models.FrameMemoryRequest)
	}
	var svc models.ServiceRequest
	if err := req.DecodePayload(&svc); err != nil {
		t.Fatalf("decode service request: %v", err)
	}

	c.dispatch(mustFrame(t, models.FrameMemoryResponse, models.Reply{
		RequestID: svc.ID,
		Success:   true,
		Data:      json.RawMessage(`{"files": ["notes/"]}`),
	}))

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Memory() error = %v", err)
		}
		if string(got) != `{"files": ["notes/"]}` {
			t.Errorf("data = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Memory did not return")
	}
}

func TestDispatchDropsOrphanReply(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	c.dispatch(mustFrame(t, models.FrameExecutionResult, models.ExecutionResult{
		RequestID: "ghost",
		Success:   true,
	}))
	wantNoFrame(t, c)
}

func TestDispatchRejectsReplyWithoutRequestID(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	c.dispatch(models.Frame{
		Type:    models.FrameExecutionResult,
		ID:      "f-1",
		Payload: json.RawMessage(`{"success": true}`),
	})

	errFrame := takeFrame(t, c)
	if errFrame.Type != models.FrameError {
		t.Fatalf("frame type = %s, want %s", errFrame.Type, models.FrameError)
	}
	var ep models.ErrorPayload
	if err := errFrame.DecodePayload(&ep); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if ep.Code != "invalid_reply" {
		t.Errorf("code = %q, want invalid_reply", ep.Code)
	}
}

func TestDispatchUnsupportedFrame(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	c.dispatch(models.Frame{Type: models.FrameSaveToThread, ID: "f-2"})

	errFrame := takeFrame(t, c)
	var ep models.ErrorPayload
	if err := errFrame.DecodePayload(&ep); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if ep.Code != "unsupported_frame" {
		t.Errorf("code = %q, want unsupported_frame", ep.Code)
	}
}

func TestDispatchUserMessageBadPayload(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	c.dispatch(models.Frame{
		Type:    models.FrameUserMessage,
		ID:      "f-3",
		Payload: json.RawMessage(`{"text": 123}`),
	})

	errFrame := takeFrame(t, c)
	var ep models.ErrorPayload
	if err := errFrame.DecodePayload(&ep); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if ep.Code != "invalid_payload" {
		t.Errorf("code = %q, want invalid_payload", ep.Code)
	}
}

func TestDispatchHeartbeatWithoutRecovery(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	before := c.session.LastActive()
	time.Sleep(5 * time.Millisecond)
	c.dispatch(mustFrame(t, models.FrameHeartbeat, models.HeartbeatPayload{
		DeviceID: c.session.Hello.DeviceID,
		SentAt:   time.Now().UTC(),
	}))

	if !c.session.LastActive().After(before) {
		t.Error("heartbeat did not refresh activity")
	}
	wantNoFrame(t, c)
}

func TestDispatchCondense(t *testing.T) {
	srv := newTestServer(t)
	srv.condenser = &stubCondenser{summary: "user prefers tea"}
	c := newAuthedConn(t, srv)

	req := mustFrame(t, models.FrameCondenseRequest, models.CondensePayload{
		ThreadID: "t-1",
		Content:  "long chat about beverages",
	})
	c.dispatch(req)

	resp := takeFrame(t, c)
	if resp.Type != models.FrameCondenseResponse {
		t.Fatalf("frame type = %s, want %s", resp.Type, models.FrameCondenseResponse)
	}
	var reply models.Reply
	if err := resp.DecodePayload(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.RequestID != req.ID {
		t.Errorf("requestId = %q, want %q", reply.RequestID, req.ID)
	}
	if !reply.Success {
		t.Fatalf("reply failed: %s", reply.Error)
	}
	var result models.CondenseResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Summary != "user prefers tea" {
		t.Errorf("summary = %q", result.Summary)
	}
}

func TestDispatchCondenseUnavailable(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	c.dispatch(mustFrame(t, models.FrameCondenseRequest, models.CondensePayload{Content: "x"}))

	resp := takeFrame(t, c)
	var reply models.Reply
	if err := resp.DecodePayload(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Success {
		t.Error("reply should fail without a condenser")
	}
	if reply.Error != "condenser unavailable" {
		t.Errorf("error = %q", reply.Error)
	}
}

func TestDispatchCondenseFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.condenser = &stubCondenser{err: errors.New("model offline")}
	c := newAuthedConn(t, srv)

	c.dispatch(mustFrame(t, models.FrameCondenseRequest, models.CondensePayload{Content: "x"}))

	resp := takeFrame(t, c)
	var reply models.Reply
	if err := resp.DecodePayload(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Success {
		t.Error("reply should carry the condenser failure")
	}
	if reply.Error != "model offline" {
		t.Errorf("error = %q", reply.Error)
	}
}

func TestDispatchResolveLoop(t *testing.T) {
	srv := newTestServer(t)
	srv.condenser = &stubCondenser{resolution: "merged entry"}
	c := newAuthedConn(t, srv)

	req := mustFrame(t, models.FrameResolveLoopRequest, models.ResolveLoopPayload{
		Entries: []string{"a points at b", "b points at a"},
	})
	c.dispatch(req)

	resp := takeFrame(t, c)
	if resp.Type != models.FrameResolveLoopResponse {
		t.Fatalf("frame type = %s, want %s", resp.Type, models.FrameResolveLoopResponse)
	}
	var reply models.Reply
	if err := resp.DecodePayload(&reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.Success {
		t.Fatalf("reply failed: %s", reply.Error)
	}
	var result models.ResolveLoopResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Resolution != "merged entry" {
		t.Errorf("resolution = %q", result.Resolution)
	}
}

func TestDetachFailsPendingRequests(t *testing.T) {
	srv := newTestServer(t)
	c := newAuthedConn(t, srv)

	done := make(chan error, 1)
	go func() {
		_, err := c.session.Bridge.Execute(context.Background(), models.ToolCommand{ToolID: "file.read"})
		done <- err
	}()
	takeFrame(t, c) // the execution_request is on the wire

	srv.devices.Detach(c.session)

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Execute should fail when the session detaches")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Execute did not fail on detach")
	}
}
