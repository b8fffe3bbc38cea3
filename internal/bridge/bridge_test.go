package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/pkg/models"
)

// fakeSender records frames and can simulate a dead socket.
type fakeSender struct {
	mu     sync.Mutex
	frames []models.Frame
	fail   bool
}

func (f *fakeSender) Send(frame models.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("socket closed")
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) sent() []models.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func newTestBridge(sender Sender, caps ...string) *Bridge {
	if len(caps) == 0 {
		caps = []string{models.CapabilityMemory, models.CapabilitySkills}
	}
	return New(sender, caps, Config{
		RequestTimeout: time.Second,
		ExecutionGrace: 100 * time.Millisecond,
	}, nil, nil)
}

func TestExecuteResolves(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	done := make(chan struct{})
	var res *models.ExecutionResult
	var err error
	go func() {
		defer close(done)
		res, err = b.Execute(context.Background(), models.ToolCommand{
			ID:     "corr-1",
			ToolID: "files__write",
		})
	}()

	waitForPending(t, b, 1)
	payload, _ := json.Marshal(models.ExecutionResult{RequestID: "corr-1", Success: true, Output: "written"})
	if !b.Resolve(KindExecution, "corr-1", payload) {
		t.Fatal("Resolve returned false")
	}
	<-done

	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "written" {
		t.Errorf("result = %+v", res)
	}
	frames := sender.sent()
	if len(frames) != 1 || frames[0].Type != models.FrameExecutionRequest {
		t.Errorf("frames = %+v", frames)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending = %d after resolve", b.PendingCount())
	}
}

func TestExecuteTimeout(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	start := time.Now()
	_, err := b.Execute(context.Background(), models.ToolCommand{
		ID:      "corr-t",
		ToolID:  "shell__run",
		Timeout: 50, // ms; plus 100ms grace
	})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending = %d after timeout", b.PendingCount())
	}
	// A late response after timeout is dropped.
	if b.Resolve(KindExecution, "corr-t", nil) {
		t.Error("late resolve should report false")
	}
}

func TestServiceClientError(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	done := make(chan error, 1)
	go func() {
		_, err := b.Memory(context.Background(), models.MemoryActionIndex, nil)
		done <- err
	}()

	waitForPending(t, b, 1)
	id := correlationID(t, sender, 0)
	reply, _ := json.Marshal(models.Reply{RequestID: id, Success: false, Error: "index unavailable"})
	if !b.Resolve(KindMemory, id, reply) {
		t.Fatal("Resolve returned false")
	}

	err := <-done
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		t.Fatalf("err = %v, want ClientError", err)
	}
	if clientErr.Message != "index unavailable" {
		t.Errorf("message = %q", clientErr.Message)
	}
}

func TestFailAllRejectsEveryKindOnce(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	const n = 5
	errs := make(chan error, n)
	var wg sync.WaitGroup
	ops := []func(ctx context.Context) error{
		func(ctx context.Context) error { _, err := b.Execute(ctx, models.ToolCommand{ToolID: "files__read"}); return err },
		func(ctx context.Context) error { _, err := b.Memory(ctx, "index", nil); return err },
		func(ctx context.Context) error { _, err := b.Skill(ctx, "list", nil); return err },
		func(ctx context.Context) error { _, err := b.Persona(ctx, "catalog", nil); return err },
		func(ctx context.Context) error { _, err := b.ToolManifest(ctx); return err },
	}
	for _, op := range ops {
		wg.Add(1)
		go func(op func(context.Context) error) {
			defer wg.Done()
			errs <- op(context.Background())
		}(op)
	}

	waitForPending(t, b, n)
	b.FailAll(ErrDeviceNotConnected)
	wg.Wait()
	close(errs)

	count := 0
	for err := range errs {
		count++
		if !errors.Is(err, ErrDeviceNotConnected) {
			t.Errorf("err = %v, want ErrDeviceNotConnected", err)
		}
	}
	if count != n {
		t.Errorf("rejected %d, want %d", count, n)
	}

	// The bridge is closed; new requests fail fast.
	if _, err := b.Memory(context.Background(), "index", nil); !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("post-close err = %v", err)
	}
}

func TestCapabilityMissing(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender, "none")

	if _, err := b.Memory(context.Background(), "index", nil); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("memory err = %v, want ErrCapabilityMissing", err)
	}
	if _, err := b.Skill(context.Background(), "list", nil); !errors.Is(err, ErrCapabilityMissing) {
		t.Errorf("skill err = %v, want ErrCapabilityMissing", err)
	}
	if len(sender.sent()) != 0 {
		t.Error("no frame should be sent when the capability gate rejects")
	}
}

func TestKindMismatchDropped(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	done := make(chan error, 1)
	go func() {
		_, err := b.Memory(context.Background(), "index", nil)
		done <- err
	}()
	waitForPending(t, b, 1)
	id := correlationID(t, sender, 0)

	// A response on the wrong table must not resolve the waiter.
	if b.Resolve(KindExecution, id, nil) {
		t.Error("cross-kind resolve should report false")
	}
	reply, _ := json.Marshal(models.Reply{RequestID: id, Success: true, Data: json.RawMessage(`{}`)})
	if !b.Resolve(KindMemory, id, reply) {
		t.Error("correct-kind resolve failed")
	}
	if err := <-done; err != nil {
		t.Errorf("memory err = %v", err)
	}
}

func TestSendFailure(t *testing.T) {
	sender := &fakeSender{fail: true}
	b := newTestBridge(sender)

	_, err := b.Execute(context.Background(), models.ToolCommand{ToolID: "files__read"})
	if !errors.Is(err, ErrDeviceNotConnected) {
		t.Errorf("err = %v, want ErrDeviceNotConnected", err)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending = %d after send failure", b.PendingCount())
	}
}

func TestContextCancel(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Memory(ctx, "index", nil)
		done <- err
	}()
	waitForPending(t, b, 1)
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if b.PendingCount() != 0 {
		t.Errorf("pending = %d after cancel", b.PendingCount())
	}
}

func TestNotifyAllocatesNoPending(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBridge(sender)

	b.NotifySaveToThread(models.SaveToThreadPayload{Role: models.RoleAssistant, Content: "hi"})
	b.NotifyRunLog(models.RunLogPayload{AgentID: "a", Event: "iteration"})
	b.NotifyAgentLifecycle(models.LifecyclePayload{AgentID: "a", Event: models.LifecycleStarted})
	b.NotifyTaskProgress(models.TaskProgressPayload{AgentID: "a"})
	b.NotifyUser(models.NotificationPayload{Level: "info", Message: "hello"})

	if b.PendingCount() != 0 {
		t.Errorf("fire-and-forget allocated %d pending entries", b.PendingCount())
	}
	if got := len(sender.sent()); got != 5 {
		t.Errorf("sent %d frames, want 5", got)
	}

	// A dead socket must not surface an error.
	sender.fail = true
	b.NotifyRunLog(models.RunLogPayload{AgentID: "a", Event: "iteration"})
}

func waitForPending(t *testing.T, b *Bridge, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for b.PendingCount() < n {
		select {
		case <-deadline:
			t.Fatalf("pending never reached %d (now %d)", n, b.PendingCount())
		case <-time.After(time.Millisecond):
		}
	}
}

func correlationID(t *testing.T, sender *fakeSender, idx int) string {
	t.Helper()
	frames := sender.sent()
	if len(frames) <= idx {
		t.Fatalf("no frame at index %d", idx)
	}
	return frames[idx].ID
}
