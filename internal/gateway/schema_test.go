package gateway

import (
	"encoding/json"
	"testing"

	"github.com/druidia-bot/dotbot/pkg/models"
)

func TestInitFrameSchemas(t *testing.T) {
	// Should not error on init
	err := initFrameSchemas()
	if err != nil {
		t.Errorf("initFrameSchemas() error = %v", err)
	}

	// Should be idempotent
	err = initFrameSchemas()
	if err != nil {
		t.Errorf("initFrameSchemas() second call error = %v", err)
	}
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantError bool
	}{
		{
			name: "valid register_device",
			raw: `{
				"type": "register_device",
				"id": "1",
				"payload": {
					"inviteToken": "tok-abc",
					"deviceName": "laptop",
					"platform": "linux",
					"capabilities": ["memory", "skills"]
				}
			}`,
			wantError: false,
		},
		{
			name: "register_device missing inviteToken",
			raw: `{
				"type": "register_device",
				"id": "1",
				"payload": {
					"deviceName": "laptop",
					"platform": "linux"
				}
			}`,
			wantError: true,
		},
		{
			name: "valid auth",
			raw: `{
				"type": "auth",
				"id": "2",
				"payload": {
					"deviceId": "dev-1",
					"secret": "s3cret"
				}
			}`,
			wantError: false,
		},
		{
			name: "auth missing secret",
			raw: `{
				"type": "auth",
				"id": "2",
				"payload": {"deviceId": "dev-1"}
			}`,
			wantError: true,
		},
		{
			name: "valid heartbeat with empty payload",
			raw: `{
				"type": "heartbeat",
				"id": "3"
			}`,
			wantError: false,
		},
		{
			name: "valid user_message",
			raw: `{
				"type": "user_message",
				"id": "4",
				"payload": {"threadId": "t-1", "text": "hello"}
			}`,
			wantError: false,
		},
		{
			name: "user_message empty text",
			raw: `{
				"type": "user_message",
				"id": "4",
				"payload": {"text": ""}
			}`,
			wantError: true,
		},
		{
			name: "user_message missing payload",
			raw: `{
				"type": "user_message",
				"id": "4"
			}`,
			wantError: true,
		},
		{
			name: "valid execution_result",
			raw: `{
				"type": "execution_result",
				"id": "5",
				"payload": {"requestId": "req-1", "success": true, "output": "done"}
			}`,
			wantError: false,
		},
		{
			name: "execution_result missing requestId",
			raw: `{
				"type": "execution_result",
				"id": "5",
				"payload": {"success": true}
			}`,
			wantError: true,
		},
		{
			name: "execution_result missing success",
			raw: `{
				"type": "execution_result",
				"id": "5",
				"payload": {"requestId": "req-1"}
			}`,
			wantError: true,
		},
		{
			name: "valid memory_response",
			raw: `{
				"type": "memory_response",
				"id": "6",
				"payload": {"requestId": "req-2", "success": false, "error": "no index"}
			}`,
			wantError: false,
		},
		{
			name: "valid condense_request",
			raw: `{
				"type": "condense_request",
				"id": "7",
				"payload": {"threadId": "t-1", "content": "user said hi"}
			}`,
			wantError: false,
		},
		{
			name: "condense_request missing content",
			raw: `{
				"type": "condense_request",
				"id": "7",
				"payload": {"threadId": "t-1"}
			}`,
			wantError: true,
		},
		{
			name: "valid resolve_loop_request",
			raw: `{
				"type": "resolve_loop_request",
				"id": "8",
				"payload": {"entries": ["a refers to b", "b refers to a"]}
			}`,
			wantError: false,
		},
		{
			name: "resolve_loop_request empty entries",
			raw: `{
				"type": "resolve_loop_request",
				"id": "8",
				"payload": {"entries": []}
			}`,
			wantError: true,
		},
		{
			name: "valid admin_request",
			raw: `{
				"type": "admin_request",
				"id": "9",
				"payload": {"action": "list_devices"}
			}`,
			wantError: false,
		},
		{
			name: "admin_request missing action",
			raw: `{
				"type": "admin_request",
				"id": "9",
				"payload": {}
			}`,
			wantError: true,
		},
		{
			name:      "invalid JSON",
			raw:       `{invalid}`,
			wantError: true,
		},
		{
			name: "missing type",
			raw: `{
				"id": "1",
				"payload": {}
			}`,
			wantError: true,
		},
		{
			name: "missing id",
			raw: `{
				"type": "heartbeat"
			}`,
			wantError: true,
		},
		{
			name: "empty type",
			raw: `{
				"type": "",
				"id": "1"
			}`,
			wantError: true,
		},
		{
			name: "unknown frame type passes envelope check",
			raw: `{
				"type": "totally_new_thing",
				"id": "1",
				"payload": {"anything": "goes"}
			}`,
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame([]byte(tt.raw))
			if (err != nil) != tt.wantError {
				t.Errorf("decodeFrame() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestValidateFrameNilFrame(t *testing.T) {
	raw := []byte(`{"type": "heartbeat", "id": "1"}`)
	if err := validateFrame(raw, nil); err == nil {
		t.Error("expected error for nil frame")
	}
}

func TestFrameSchemaConstants(t *testing.T) {
	// Verify schema constants are valid JSON
	schemas := []struct {
		name   string
		schema string
	}{
		{"frameEnvelopeSchema", frameEnvelopeSchema},
		{"registerPayloadSchema", registerPayloadSchema},
		{"authPayloadSchema", authPayloadSchema},
		{"heartbeatPayloadSchema", heartbeatPayloadSchema},
		{"userMessagePayloadSchema", userMessagePayloadSchema},
		{"replyPayloadSchema", replyPayloadSchema},
		{"condensePayloadSchema", condensePayloadSchema},
		{"resolveLoopPayloadSchema", resolveLoopPayloadSchema},
		{"adminPayloadSchema", adminPayloadSchema},
	}

	for _, tt := range schemas {
		t.Run(tt.name, func(t *testing.T) {
			var v any
			if err := json.Unmarshal([]byte(tt.schema), &v); err != nil {
				t.Errorf("%s is not valid JSON: %v", tt.name, err)
			}
		})
	}
}

func TestReplyFrameTypesShareSchema(t *testing.T) {
	if err := initFrameSchemas(); err != nil {
		t.Fatal(err)
	}
	replyTypes := []models.FrameType{
		models.FrameExecutionResult,
		models.FrameMemoryResponse,
		models.FrameSkillResponse,
		models.FramePersonaResponse,
		models.FrameCouncilResponse,
		models.FrameKnowledgeResponse,
		models.FrameToolResponse,
	}
	for _, ft := range replyTypes {
		if frameSchemas.payloads[ft] == nil {
			t.Errorf("no payload schema registered for %s", ft)
		}
	}
}
