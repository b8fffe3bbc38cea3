package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/druidia-bot/dotbot/pkg/models"
)

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	envelope *jsonschema.Schema
	payloads map[models.FrameType]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		envelope, err := jsonschema.CompileString("frame", frameEnvelopeSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.envelope = envelope

		payloads := map[models.FrameType]string{
			models.FrameRegisterDevice:     registerPayloadSchema,
			models.FrameAuth:               authPayloadSchema,
			models.FrameHeartbeat:          heartbeatPayloadSchema,
			models.FrameUserMessage:        userMessagePayloadSchema,
			models.FrameExecutionResult:    replyPayloadSchema,
			models.FrameMemoryResponse:     replyPayloadSchema,
			models.FrameSkillResponse:      replyPayloadSchema,
			models.FramePersonaResponse:    replyPayloadSchema,
			models.FrameCouncilResponse:    replyPayloadSchema,
			models.FrameKnowledgeResponse:  replyPayloadSchema,
			models.FrameToolResponse:       replyPayloadSchema,
			models.FrameCondenseRequest:    condensePayloadSchema,
			models.FrameResolveLoopRequest: resolveLoopPayloadSchema,
			models.FrameAdminRequest:       adminPayloadSchema,
		}

		frameSchemas.payloads = make(map[models.FrameType]*jsonschema.Schema, len(payloads))
		for ft, schema := range payloads {
			compiled, err := jsonschema.CompileString("frame_"+string(ft), schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.payloads[ft] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateFrame checks the envelope shape and, for frame types the server
// accepts from clients, the payload shape. Frame types with no registered
// payload schema pass the envelope check only; dispatch decides their fate.
func validateFrame(raw []byte, frame *models.Frame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}
	if frame == nil {
		return fmt.Errorf("missing frame")
	}

	var envelope any
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return err
	}
	if err := frameSchemas.envelope.Validate(envelope); err != nil {
		return fmt.Errorf("frame envelope: %w", err)
	}

	schema := frameSchemas.payloads[frame.Type]
	if schema == nil {
		return nil
	}
	var payload any
	if len(frame.Payload) == 0 {
		payload = map[string]any{}
	} else if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return err
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("%s payload: %w", frame.Type, err)
	}
	return nil
}

const frameEnvelopeSchema = `{
  "type": "object",
  "required": ["type", "id"],
  "properties": {
    "type": { "type": "string", "minLength": 1 },
    "id": { "type": "string", "minLength": 1 },
    "timestamp": { "type": "string" },
    "payload": {}
  },
  "additionalProperties": true
}`

const registerPayloadSchema = `{
  "type": "object",
  "required": ["inviteToken", "deviceName", "platform"],
  "properties": {
    "inviteToken": { "type": "string", "minLength": 1 },
    "deviceName": { "type": "string", "minLength": 1 },
    "platform": { "type": "string", "minLength": 1 },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "fingerprint": { "type": "string" }
  },
  "additionalProperties": true
}`

const authPayloadSchema = `{
  "type": "object",
  "required": ["deviceId", "secret"],
  "properties": {
    "deviceId": { "type": "string", "minLength": 1 },
    "secret": { "type": "string", "minLength": 1 },
    "fingerprint": { "type": "string" },
    "deviceName": { "type": "string" },
    "platform": { "type": "string" },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    }
  },
  "additionalProperties": true
}`

const heartbeatPayloadSchema = `{
  "type": "object",
  "properties": {
    "deviceId": { "type": "string" },
    "sentAt": { "type": "string" }
  },
  "additionalProperties": true
}`

const userMessagePayloadSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {
    "threadId": { "type": "string" },
    "text": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const replyPayloadSchema = `{
  "type": "object",
  "required": ["requestId", "success"],
  "properties": {
    "requestId": { "type": "string", "minLength": 1 },
    "success": { "type": "boolean" },
    "data": {},
    "error": { "type": "string" }
  },
  "additionalProperties": true
}`

const condensePayloadSchema = `{
  "type": "object",
  "required": ["content"],
  "properties": {
    "threadId": { "type": "string" },
    "content": { "type": "string", "minLength": 1 },
    "hint": { "type": "string" }
  },
  "additionalProperties": true
}`

const resolveLoopPayloadSchema = `{
  "type": "object",
  "required": ["entries"],
  "properties": {
    "entries": {
      "type": "array",
      "items": { "type": "string" },
      "minItems": 1
    },
    "context": { "type": "string" }
  },
  "additionalProperties": true
}`

const adminPayloadSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "id": { "type": "string" },
    "action": { "type": "string", "minLength": 1 },
    "params": {}
  },
  "additionalProperties": true
}`
