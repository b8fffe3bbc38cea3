package models

// Sleep-cycle payloads. The client runs its memory consolidation locally and
// borrows the server's LLM access for the two operations it cannot do
// offline: condensing a conversation span into durable notes, and breaking a
// reference loop between memory entries.

// CondensePayload is the payload of a condense_request frame.
type CondensePayload struct {
	ThreadID string `json:"threadId,omitempty"`
	Content  string `json:"content"`

	// Hint optionally steers the condensation, e.g. "keep dates".
	Hint string `json:"hint,omitempty"`
}

// CondenseResult is carried in the data of a condense_response reply.
type CondenseResult struct {
	Summary string `json:"summary"`
}

// ResolveLoopPayload is the payload of a resolve_loop_request frame. Entries
// are the memory notes the client found referencing each other.
type ResolveLoopPayload struct {
	Entries []string `json:"entries"`
	Context string   `json:"context,omitempty"`
}

// ResolveLoopResult is carried in the data of a resolve_loop_response reply.
type ResolveLoopResult struct {
	Resolution string `json:"resolution"`
}
