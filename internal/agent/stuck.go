package agent

import (
	"encoding/json"
	"fmt"
)

// callSig identifies a tool call for duplicate detection. The fingerprint is
// the canonical JSON of the arguments, so two calls with the same tool and
// semantically identical args collide regardless of map ordering.
type callSig struct {
	tool        string
	fingerprint string
}

// stuckDetector watches recent tool calls for signs the model is spinning:
// exact duplicate calls inside a bounded window, or the same tool failing
// repeatedly. Each finding produces a warning message for the model; too
// many warnings and the loop force-escalates. State is per-run, in memory
// only.
type stuckDetector struct {
	window      int
	maxWarnings int

	recent           []callSig
	lastFailedTool   string
	consecutiveFails int
	warnings         int
	lastReason       string
}

func newStuckDetector(window, maxWarnings int) *stuckDetector {
	if window <= 0 {
		window = 8
	}
	if maxWarnings <= 0 {
		maxWarnings = 3
	}
	return &stuckDetector{window: window, maxWarnings: maxWarnings}
}

// observe records one executed call and returns a warning message for the
// model when a stuck condition fires, or "" when the call looks fine. At
// most one warning is produced per call even when several conditions match.
func (d *stuckDetector) observe(tool string, args map[string]any, success bool) string {
	sig := callSig{tool: tool, fingerprint: fingerprint(args)}

	var reason, warning string
	for _, prev := range d.recent {
		if prev == sig {
			reason = fmt.Sprintf("%s was called again with identical arguments", tool)
			warning = fmt.Sprintf(
				"WARNING: You already called %s with exactly these arguments. Repeating the call will not change the result. Try a different approach.",
				tool)
			break
		}
	}

	if success {
		if tool == d.lastFailedTool {
			d.lastFailedTool = ""
			d.consecutiveFails = 0
		}
	} else {
		if tool == d.lastFailedTool {
			d.consecutiveFails++
		} else {
			d.lastFailedTool = tool
			d.consecutiveFails = 1
		}
		if d.consecutiveFails >= 3 {
			reason = fmt.Sprintf("%s failed %d times in a row", tool, d.consecutiveFails)
			warning = fmt.Sprintf(
				"WARNING: %s has failed %d times in a row. Stop retrying it. Check the error, try another tool, or explain what is blocking you.",
				tool, d.consecutiveFails)
		}
	}

	d.recent = append(d.recent, sig)
	if len(d.recent) > d.window {
		d.recent = d.recent[1:]
	}

	if warning != "" {
		d.warnings++
		d.lastReason = reason
	}
	return warning
}

// exhausted reports whether the warning budget is spent and the loop should
// force-escalate instead of iterating again.
func (d *stuckDetector) exhausted() bool {
	return d.warnings >= d.maxWarnings
}

// reason describes the last stuck condition, for escalation reports.
func (d *stuckDetector) reason() string {
	if d.lastReason == "" {
		return "repeated stuck warnings"
	}
	return d.lastReason
}

// fingerprint canonicalizes args for duplicate comparison. Go's JSON encoder
// writes map keys in sorted order, which makes the encoding stable.
func fingerprint(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(raw)
}
