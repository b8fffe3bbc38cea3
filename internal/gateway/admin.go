package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Admin actions carried by admin_request frames.
const (
	adminCreateToken    = "create_token"
	adminListTokens     = "list_tokens"
	adminRevokeToken    = "revoke_token"
	adminListDevices    = "list_devices"
	adminRevokeDevice   = "revoke_device"
	adminUnrevokeDevice = "unrevoke_device"
)

type createTokenParams struct {
	UserID string `json:"userId,omitempty"`
	Label  string `json:"label,omitempty"`
	Admin  bool   `json:"admin,omitempty"`
}

type revokeTokenParams struct {
	Token string `json:"token"`
}

type deviceActionParams struct {
	DeviceID string `json:"deviceId"`
}

// handleAdmin serves one admin_request. The admin flag is re-read from the
// store on every call so a mid-session revocation takes effect immediately.
func (c *conn) handleAdmin(frame models.Frame) {
	var req models.ServiceRequest
	if err := frame.DecodePayload(&req); err != nil {
		c.sendProtocolError(frame.ID, "invalid_payload", err.Error())
		return
	}
	if req.ID == "" {
		req.ID = frame.ID
	}

	reply := models.Reply{RequestID: req.ID}
	data, err := c.srv.runAdmin(c.ctx, c.device, req)
	if err != nil {
		reply.Error = err.Error()
		c.logger.Warn("admin request rejected", "action", req.Action, "error", err)
	} else {
		reply.Success = true
		reply.Data = data
	}
	c.sendReply(models.FrameAdminResponse, reply)
}

func (s *Server) runAdmin(ctx context.Context, device *auth.Device, req models.ServiceRequest) (json.RawMessage, error) {
	if device == nil {
		return nil, auth.ErrNotAdmin
	}
	if _, err := s.auth.RequireAdmin(ctx, device.ID); err != nil {
		return nil, err
	}

	switch req.Action {
	case adminCreateToken:
		var p createTokenParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			p.UserID = device.UserID
		}
		token, err := s.auth.CreateInviteToken(ctx, device.ID, p.UserID, p.Label, p.Admin)
		if err != nil {
			return nil, err
		}
		return json.Marshal(token)

	case adminListTokens:
		tokens, err := s.auth.ListInviteTokens(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(tokens)

	case adminRevokeToken:
		var p revokeTokenParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Token == "" {
			return nil, fmt.Errorf("token is required")
		}
		return nil, s.auth.RevokeInviteToken(ctx, device.ID, p.Token)

	case adminListDevices:
		list, err := s.auth.ListDevices(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(list)

	case adminRevokeDevice:
		var p deviceActionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.DeviceID == "" {
			return nil, fmt.Errorf("deviceId is required")
		}
		return nil, s.auth.RevokeDevice(ctx, device.ID, p.DeviceID)

	case adminUnrevokeDevice:
		var p deviceActionParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.DeviceID == "" {
			return nil, fmt.Errorf("deviceId is required")
		}
		return nil, s.auth.UnrevokeDevice(ctx, device.ID, p.DeviceID)

	default:
		return nil, fmt.Errorf("unknown admin action %q", req.Action)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed params: %w", err)
	}
	return nil
}
