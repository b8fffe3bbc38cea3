package agents

import (
	"testing"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry(nil, nil)

	h1 := r.Register("agent-1")
	h2 := r.Register("agent-1")
	if h1 != h2 {
		t.Error("second Register returned a different handle")
	}
	if got := r.Running(); len(got) != 1 || got[0] != "agent-1" {
		t.Errorf("Running() = %v, want [agent-1]", got)
	}
}

func TestAbort(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := r.Register("agent-1")

	if h.Aborted() {
		t.Fatal("fresh handle reports aborted")
	}
	if !r.Abort("agent-1") {
		t.Fatal("Abort on registered agent returned false")
	}
	if !h.Aborted() {
		t.Error("handle not aborted after Abort")
	}
	select {
	case <-h.AbortSignal():
	default:
		t.Error("AbortSignal channel not closed")
	}

	// Double abort must not panic.
	h.Abort()

	if r.Abort("unknown") {
		t.Error("Abort on unknown agent returned true")
	}
}

func TestSignalsDrainInOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := r.Register("agent-1")

	h.PushSignal("first")
	r.PushSignal("agent-1", "second")

	got := h.DrainSignals()
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("drained = %v", got)
	}
	if again := h.DrainSignals(); again != nil {
		t.Errorf("second drain = %v, want nil", again)
	}
}

func TestRequeuePutsSignalsFirst(t *testing.T) {
	r := NewRegistry(nil, nil)
	h := r.Register("agent-1")

	h.PushSignal("a")
	h.PushSignal("b")
	drained := h.DrainSignals()

	h.PushSignal("c")
	h.Requeue(drained)

	got := h.DrainSignals()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("drained after requeue = %v, want [a b c]", got)
	}
}

func TestUnregisterDropsHandle(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("agent-1")
	r.Unregister("agent-1")

	if r.IsRegistered("agent-1") {
		t.Error("agent still registered")
	}
	if r.PushSignal("agent-1", "late") {
		t.Error("PushSignal succeeded on unregistered agent")
	}
	if got := r.DrainSignals("agent-1"); got != nil {
		t.Errorf("DrainSignals = %v, want nil", got)
	}

	// Unregistering twice is harmless.
	r.Unregister("agent-1")
}

func TestRunningIsSorted(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("zeta")
	r.Register("alpha")
	r.Register("mid")

	got := r.Running()
	want := []string{"alpha", "mid", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("Running() = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Running()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
