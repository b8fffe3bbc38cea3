package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/druidia-bot/dotbot/internal/bridge"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// dispatch routes one authenticated inbound frame. Reply frames resolve
// their pending bridge request inline; anything that does LLM or bridge
// round-trips of its own leaves the read loop immediately, because the tool
// results those round-trips wait for arrive on this very loop.
func (c *conn) dispatch(frame models.Frame) {
	c.session.Touch()

	switch frame.Type {
	case models.FrameExecutionResult:
		c.resolveReply(bridge.KindExecution, frame)
	case models.FrameMemoryResponse:
		c.resolveReply(bridge.KindMemory, frame)
	case models.FrameSkillResponse:
		c.resolveReply(bridge.KindSkill, frame)
	case models.FramePersonaResponse:
		c.resolveReply(bridge.KindPersona, frame)
	case models.FrameCouncilResponse:
		c.resolveReply(bridge.KindCouncil, frame)
	case models.FrameKnowledgeResponse:
		c.resolveReply(bridge.KindKnowledge, frame)
	case models.FrameToolResponse:
		c.resolveReply(bridge.KindTools, frame)
	case models.FrameHeartbeat:
		c.handleHeartbeat()
	case models.FrameUserMessage:
		c.handleUserMessage(frame)
	case models.FrameCondenseRequest:
		go c.handleCondense(frame)
	case models.FrameResolveLoopRequest:
		go c.handleResolveLoop(frame)
	case models.FrameAdminRequest:
		c.handleAdmin(frame)
	default:
		c.sendProtocolError(frame.ID, "unsupported_frame",
			fmt.Sprintf("frame type %q is not accepted from clients", frame.Type))
	}
}

// resolveReply hands a response frame to the pending request it answers.
// Late or unknown correlation ids are dropped; the requester already got a
// timeout or a disconnect.
func (c *conn) resolveReply(kind bridge.Kind, frame models.Frame) {
	var peek struct {
		RequestID string `json:"requestId"`
	}
	if err := frame.DecodePayload(&peek); err != nil || peek.RequestID == "" {
		c.sendProtocolError(frame.ID, "invalid_reply", "reply payload carries no requestId")
		return
	}
	if !c.session.Bridge.Resolve(kind, peek.RequestID, frame.Payload) {
		c.logger.Debug("orphan reply dropped", "kind", string(kind), "request_id", peek.RequestID)
	}
}

// handleHeartbeat refreshes activity and, for agent hosts, kicks the
// dead-agent scan. The coordinator drops overlapping scans itself.
func (c *conn) handleHeartbeat() {
	if !c.session.IsAgent() || c.srv.recovery == nil {
		return
	}
	hello := c.session.Hello
	runner := c.session.Bridge
	go c.srv.recovery.OnHeartbeat(c.ctx, hello.UserID, hello.DeviceID, runner)
}

// handleUserMessage starts a pipeline run. The run outlives this socket on
// purpose: replies land in the client thread via save_to_thread, and a run
// cut off by a disconnect is resumed by the next heartbeat after reconnect.
func (c *conn) handleUserMessage(frame models.Frame) {
	var msg models.UserMessagePayload
	if err := frame.DecodePayload(&msg); err != nil {
		c.sendProtocolError(frame.ID, "invalid_payload", err.Error())
		return
	}
	userID := c.session.Hello.UserID
	runCtx := context.WithoutCancel(c.ctx)
	go func() {
		if _, err := c.srv.pipeline.HandleUserMessage(runCtx, userID, msg.ThreadID, msg.Text); err != nil {
			c.logger.Warn("user message failed", "user_id", userID, "error", err)
			c.notifyError("Message failed", err.Error())
		}
	}()
}

func (c *conn) notifyError(title, message string) {
	frame, err := models.NewFrame(models.FrameUserNotification, models.NotificationPayload{
		Level:   "error",
		Title:   title,
		Message: message,
	})
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

// handleCondense serves one sleep-cycle condensation request. Runs off the
// read loop; the reply is correlated by the request frame's id.
func (c *conn) handleCondense(frame models.Frame) {
	reply := models.Reply{RequestID: frame.ID}
	var req models.CondensePayload
	switch {
	case c.srv.condenser == nil:
		reply.Error = "condenser unavailable"
	case frame.DecodePayload(&req) != nil:
		reply.Error = "malformed condense payload"
	default:
		res, err := c.srv.condenser.Condense(c.ctx, req)
		if err != nil {
			reply.Error = err.Error()
		} else if data, err := json.Marshal(res); err == nil {
			reply.Success = true
			reply.Data = data
		} else {
			reply.Error = err.Error()
		}
	}
	c.sendReply(models.FrameCondenseResponse, reply)
}

func (c *conn) handleResolveLoop(frame models.Frame) {
	reply := models.Reply{RequestID: frame.ID}
	var req models.ResolveLoopPayload
	switch {
	case c.srv.condenser == nil:
		reply.Error = "condenser unavailable"
	case frame.DecodePayload(&req) != nil:
		reply.Error = "malformed resolve_loop payload"
	default:
		res, err := c.srv.condenser.ResolveLoop(c.ctx, req)
		if err != nil {
			reply.Error = err.Error()
		} else if data, err := json.Marshal(res); err == nil {
			reply.Success = true
			reply.Data = data
		} else {
			reply.Error = err.Error()
		}
	}
	c.sendReply(models.FrameResolveLoopResponse, reply)
}
