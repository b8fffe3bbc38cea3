// Package journal keeps an in-memory log of one pipeline run. Entries feed
// two consumers: failure reports shown to the user when a run dies, and
// recovery context given to the LLM when a run is resumed.
package journal

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one recorded event.
type Entry struct {
	Time    time.Time      `json:"time"`
	Phase   string         `json:"phase"`
	Event   string         `json:"event"`
	Details map[string]any `json:"details,omitempty"`
	Err     string         `json:"error,omitempty"`
}

// Journal accumulates entries for a single run. Safe for concurrent use.
type Journal struct {
	mu      sync.Mutex
	start   time.Time
	entries []Entry
}

// New starts an empty journal stamped with the current time.
func New() *Journal {
	return &Journal{start: time.Now()}
}

// Record appends an entry. kv holds alternating key/value pairs; a trailing
// odd key is recorded under "!BADKEY" the way slog does.
func (j *Journal) Record(phase, event string, kv ...any) {
	j.append(Entry{
		Time:    time.Now(),
		Phase:   phase,
		Event:   event,
		Details: kvMap(kv),
	})
}

// RecordError appends an entry carrying an error. A nil error records the
// event without one.
func (j *Journal) RecordError(phase, event string, err error, kv ...any) {
	e := Entry{
		Time:    time.Now(),
		Phase:   phase,
		Event:   event,
		Details: kvMap(kv),
	}
	if err != nil {
		e.Err = err.Error()
	}
	j.append(e)
}

func (j *Journal) append(e Entry) {
	j.mu.Lock()
	j.entries = append(j.entries, e)
	j.mu.Unlock()
}

// Entries returns a copy of the recorded entries in order.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// LastError returns the most recent entry that carries an error.
func (j *Journal) LastError() (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].Err != "" {
			return j.entries[i], true
		}
	}
	return Entry{}, false
}

// Elapsed returns time since the journal was started.
func (j *Journal) Elapsed() time.Duration {
	return time.Since(j.start)
}

// FailureReport renders the user-facing text for an unrecoverable failure:
// the error category, what recovery was attempted, the last error trace, a
// short tail of recent activity, and concrete next actions.
func (j *Journal) FailureReport(category, attempted string) string {
	var b strings.Builder
	b.WriteString("I ran into a problem I couldn't recover from.\n\n")
	fmt.Fprintf(&b, "Category: %s\n", category)
	if attempted != "" {
		fmt.Fprintf(&b, "What I tried: %s\n", attempted)
	}
	if last, ok := j.LastError(); ok {
		fmt.Fprintf(&b, "Last error (%s/%s): %s\n", last.Phase, last.Event, last.Err)
	}

	tail := j.tail(8)
	if len(tail) > 0 {
		b.WriteString("\nRecent activity:\n")
		for _, e := range tail {
			fmt.Fprintf(&b, "  %s  %s: %s", e.Time.Format("15:04:05"), e.Phase, e.Event)
			if e.Err != "" {
				fmt.Fprintf(&b, " (error: %s)", e.Err)
			}
			b.WriteString("\n")
		}
	}

	b.WriteString("\nNext steps:\n")
	for _, step := range nextActions(category) {
		fmt.Fprintf(&b, "  - %s\n", step)
	}
	return b.String()
}

func (j *Journal) tail(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) <= n {
		out := make([]Entry, len(j.entries))
		copy(out, j.entries)
		return out
	}
	out := make([]Entry, n)
	copy(out, j.entries[len(j.entries)-n:])
	return out
}

func nextActions(category string) []string {
	switch category {
	case "device_not_connected", "no_device_available":
		return []string{
			"Check that the agent on your device is running and connected.",
			"Send the request again once the device shows as online.",
		}
	case "llm_rate_limit":
		return []string{
			"Wait a minute or two, then send the request again.",
		}
	case "llm_auth":
		return []string{
			"The server's model API key was rejected. Ask an admin to check the provider configuration.",
		}
	case "tool_failure":
		return []string{
			"Look at the run log on your device for the failing tool's output.",
			"Retry with a narrower request if the tool kept failing on the same input.",
		}
	case "llm_parse_failure":
		return []string{
			"Send the request again; the model returned output the planner couldn't read.",
			"If it repeats, simplify the request.",
		}
	default:
		return []string{
			"Try rephrasing the request, or break it into smaller pieces.",
		}
	}
}

func kvMap(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 < len(kv) {
			m[key] = kv[i+1]
		} else {
			m["!BADKEY"] = kv[i]
		}
	}
	return m
}
