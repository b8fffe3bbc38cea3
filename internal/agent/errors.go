package agent

import (
	"errors"
	"strings"
)

// Sentinel errors for loop setup problems.
var (
	// ErrNoClient indicates RunOptions carried no LLM client.
	ErrNoClient = errors.New("no llm client configured")

	// ErrNoModel indicates RunOptions carried no model name.
	ErrNoModel = errors.New("no model configured")
)

// infrastructureSignals are substrings of handler error text that mean the
// device channel itself is gone. Once one appears, further tool calls are
// pointless; the loop short-circuits instead of letting the model retry.
var infrastructureSignals = []string{
	"no local agent",
	"not connected",
	"no device",
}

// IsInfrastructureDown reports whether a handler error means the device
// channel is lost rather than the tool having failed.
func IsInfrastructureDown(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, sig := range infrastructureSignals {
		if strings.Contains(text, sig) {
			return true
		}
	}
	return false
}

// infrastructureDownMessage is the user-facing final content when the loop
// stops because the device channel dropped mid-run.
const infrastructureDownMessage = "Your device's local agent disconnected while I was working on this. " +
	"I've saved my progress and will pick it back up when the device reconnects."
