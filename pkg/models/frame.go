package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the kind of message carried by a wire frame.
type FrameType string

// Frame types exchanged on the device channel. Direction noted where it is
// fixed; request/response pairs share a correlation id carried in the
// response payload as requestId.
const (
	// Handshake (client → server, replies server → client).
	FrameRegisterDevice   FrameType = "register_device"
	FrameDeviceRegistered FrameType = "device_registered"
	FrameAuth             FrameType = "auth"
	FrameAuthSuccess      FrameType = "auth_success"
	FrameAuthFailed       FrameType = "auth_failed"

	// Correlated request/response pairs (requests server → client).
	FrameExecutionRequest  FrameType = "execution_request"
	FrameExecutionResult   FrameType = "execution_result"
	FrameMemoryRequest     FrameType = "memory_request"
	FrameMemoryResponse    FrameType = "memory_response"
	FrameSkillRequest      FrameType = "skill_request"
	FrameSkillResponse     FrameType = "skill_response"
	FramePersonaRequest    FrameType = "persona_request"
	FramePersonaResponse   FrameType = "persona_response"
	FrameCouncilRequest    FrameType = "council_request"
	FrameCouncilResponse   FrameType = "council_response"
	FrameKnowledgeRequest  FrameType = "knowledge_request"
	FrameKnowledgeResponse FrameType = "knowledge_response"
	FrameToolRequest       FrameType = "tool_request"
	FrameToolResponse      FrameType = "tool_response"

	// Fire-and-forget notifications (server → client).
	FrameSaveToThread     FrameType = "save_to_thread"
	FrameRunLog           FrameType = "run_log"
	FrameTaskProgress     FrameType = "task_progress"
	FrameAgentLifecycle   FrameType = "agent_lifecycle"
	FrameUserNotification FrameType = "user_notification"

	// Sleep-cycle memory operations (client → server, replies back).
	FrameCondenseRequest     FrameType = "condense_request"
	FrameCondenseResponse    FrameType = "condense_response"
	FrameResolveLoopRequest  FrameType = "resolve_loop_request"
	FrameResolveLoopResponse FrameType = "resolve_loop_response"

	// Admin surface (client → server, admin devices only).
	FrameAdminRequest  FrameType = "admin_request"
	FrameAdminResponse FrameType = "admin_response"

	// Conversation input (client → server).
	FrameUserMessage FrameType = "user_message"

	// Keepalive (client → server).
	FrameHeartbeat FrameType = "heartbeat"

	// Protocol-level error reply for frames that could not be dispatched.
	FrameError FrameType = "error"
)

// Frame is the single wire envelope for the device channel. Every message,
// in either direction, is one JSON text frame with this shape.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds an outbound frame with a fresh id and the payload
// marshaled to JSON. Marshal errors surface to the caller; a frame is never
// sent half-built.
func NewFrame(t FrameType, payload any) (Frame, error) {
	f := Frame{
		Type:      t,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = raw
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, v)
}

// Reply is the payload shape shared by every response-type frame.
type Reply struct {
	RequestID string          `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ErrorPayload is carried by error frames emitted when an inbound frame
// fails validation or dispatch.
type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}
