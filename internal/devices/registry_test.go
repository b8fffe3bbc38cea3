package devices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/druidia-bot/dotbot/internal/bridge"
	"github.com/druidia-bot/dotbot/pkg/models"
)

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

func agentHello(deviceID, userID string) models.DeviceHello {
	return models.DeviceHello{
		DeviceID:     deviceID,
		UserID:       userID,
		DeviceName:   "desktop",
		Platform:     models.PlatformLinux,
		Capabilities: []string{models.CapabilityMemory, models.CapabilitySkills},
	}
}

func browserHello(deviceID, userID string) models.DeviceHello {
	return models.DeviceHello{
		DeviceID:   deviceID,
		UserID:     userID,
		DeviceName: "phone",
		Platform:   models.PlatformWeb,
	}
}

func TestSessionKey(t *testing.T) {
	if got := SessionKey(agentHello("dev-1", "u1")); got != "dev-1" {
		t.Errorf("agent key = %q", got)
	}
	if got := SessionKey(browserHello("dev-1", "u1")); got != "dev-1:browser" {
		t.Errorf("browser key = %q", got)
	}
}

func TestAttachAndGet(t *testing.T) {
	r := NewRegistry(bridge.Config{}, nil, nil)
	defer r.Close()

	agent := r.Attach(&fakeSender{}, agentHello("dev-1", "u1"))
	browser := r.Attach(&fakeSender{}, browserHello("dev-1", "u1"))

	if agent.Key == browser.Key {
		t.Fatal("agent and browser sessions collided on one key")
	}
	if got, ok := r.Get("dev-1"); !ok || got != agent {
		t.Error("agent session not found under device id")
	}
	if got, ok := r.Get("dev-1:browser"); !ok || got != browser {
		t.Error("browser session not found under suffixed key")
	}
	if r.Count() != 2 {
		t.Errorf("count = %d, want 2", r.Count())
	}
}

func TestAttachDisplacesPrevious(t *testing.T) {
	r := NewRegistry(bridge.Config{RequestTimeout: time.Minute}, nil, nil)
	defer r.Close()

	old := r.Attach(&fakeSender{}, agentHello("dev-1", "u1"))

	errCh := make(chan error, 1)
	go func() {
		_, err := old.Bridge.Memory(context.Background(), models.MemoryActionIndex, nil)
		errCh <- err
	}()
	waitPending(t, old)

	replacement := r.Attach(&fakeSender{}, agentHello("dev-1", "u1"))

	if err := <-errCh; !errors.Is(err, bridge.ErrDeviceNotConnected) {
		t.Errorf("displaced pending err = %v", err)
	}
	if got, _ := r.Get("dev-1"); got != replacement {
		t.Error("replacement session not registered")
	}

	// Late detach from the old socket's read loop must not remove the
	// replacement.
	r.Detach(old)
	if got, _ := r.Get("dev-1"); got != replacement {
		t.Error("late detach removed the replacement session")
	}
}

func TestDetachFailsPendings(t *testing.T) {
	r := NewRegistry(bridge.Config{RequestTimeout: time.Minute}, nil, nil)
	defer r.Close()

	sess := r.Attach(&fakeSender{}, agentHello("dev-1", "u1"))
	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Bridge.Execute(context.Background(), models.ToolCommand{ToolID: "files__read"})
		errCh <- err
	}()
	waitPending(t, sess)

	r.Detach(sess)

	if err := <-errCh; !errors.Is(err, bridge.ErrDeviceNotConnected) {
		t.Errorf("pending err = %v", err)
	}
	if _, ok := r.Get("dev-1"); ok {
		t.Error("session still registered after detach")
	}
}

func TestEvents(t *testing.T) {
	r := NewRegistry(bridge.Config{}, nil, nil)
	defer r.Close()

	sess := r.Attach(&fakeSender{}, agentHello("dev-1", "u1"))

	ev := nextEvent(t, r)
	if ev.Type != EventAttached || ev.Key != "dev-1" {
		t.Errorf("first event = %+v", ev)
	}

	r.Detach(sess)
	ev = nextEvent(t, r)
	if ev.Type != EventDetached || ev.Key != "dev-1" {
		t.Errorf("second event = %+v", ev)
	}
}

func TestForUserPrefersAgent(t *testing.T) {
	r := NewRegistry(bridge.Config{}, nil, nil)
	defer r.Close()

	browser := r.Attach(&fakeSender{}, browserHello("dev-2", "u1"))
	agent := r.Attach(&fakeSender{}, agentHello("dev-1", "u1"))
	r.Attach(&fakeSender{}, agentHello("dev-9", "u2"))

	// The browser session is more recently active, the agent still wins.
	browser.Touch()

	got, ok := r.ForUser("u1")
	if !ok || got != agent {
		t.Errorf("ForUser = %v, want agent session", got)
	}

	if _, ok := r.ForUser("nobody"); ok {
		t.Error("ForUser matched an unknown user")
	}
}

func TestForUserFallsBackToBrowser(t *testing.T) {
	r := NewRegistry(bridge.Config{}, nil, nil)
	defer r.Close()

	browser := r.Attach(&fakeSender{}, browserHello("dev-2", "u1"))
	if got, ok := r.ForUser("u1"); !ok || got != browser {
		t.Errorf("ForUser = %v, want browser session", got)
	}
}

func TestBroadcastToUser(t *testing.T) {
	r := NewRegistry(bridge.Config{}, nil, nil)
	defer r.Close()

	good := &fakeSender{}
	dead := &fakeSender{fail: true}
	r.Attach(good, agentHello("dev-1", "u1"))
	r.Attach(dead, browserHello("dev-2", "u1"))
	r.Attach(&fakeSender{}, agentHello("dev-9", "u2"))

	frame, err := models.NewFrame(models.FrameUserNotification, models.NotificationPayload{Level: "info", Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if sent := r.BroadcastToUser("u1", frame); sent != 1 {
		t.Errorf("sent = %d, want 1 (dead socket skipped)", sent)
	}
	good.mu.Lock()
	defer good.mu.Unlock()
	if len(good.frames) != 1 || good.frames[0].Type != models.FrameUserNotification {
		t.Errorf("frames = %+v", good.frames)
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry(bridge.Config{}, nil, nil)
	defer r.Close()

	r.Attach(&fakeSender{}, agentHello("zeta", "u1"))
	r.Attach(&fakeSender{}, agentHello("alpha", "u1"))

	list := r.List()
	if len(list) != 2 || list[0].Key != "alpha" || list[1].Key != "zeta" {
		keys := make([]string, len(list))
		for i, s := range list {
			keys[i] = s.Key
		}
		t.Errorf("list order = %v", keys)
	}
}

func waitPending(t *testing.T, sess *Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for sess.Bridge.PendingCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("pending request never registered")
		case <-time.After(time.Millisecond):
		}
	}
}

func nextEvent(t *testing.T, r *Registry) Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
		return Event{}
	}
}
