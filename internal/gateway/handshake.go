package gateway

import (
	"errors"
	"time"

	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// handleRegister runs the invite flow: consume a one-time token, mint the
// device record, and hand the secret back exactly once.
func (c *conn) handleRegister(frame models.Frame) error {
	var payload models.RegisterPayload
	if err := frame.DecodePayload(&payload); err != nil {
		c.sendProtocolError(frame.ID, "invalid_payload", err.Error())
		return err
	}

	device, secret, err := c.srv.auth.RegisterDevice(c.ctx, c.ip, payload)
	if err != nil {
		c.rejectHandshake(err)
		return err
	}

	ack, err := models.NewFrame(models.FrameDeviceRegistered, models.RegisteredPayload{
		DeviceID: device.ID,
		UserID:   device.UserID,
		Secret:   secret,
	})
	if err != nil {
		return err
	}
	if err := c.Send(ack); err != nil {
		return err
	}

	c.attach(device, payload.Capabilities, payload.DeviceName, payload.Platform)
	return nil
}

// handleAuth runs the recurring flow: device id + secret, with the hardware
// fingerprint checked (and its changes reported) by the auth service.
func (c *conn) handleAuth(frame models.Frame) error {
	var payload models.AuthPayload
	if err := frame.DecodePayload(&payload); err != nil {
		c.sendProtocolError(frame.ID, "invalid_payload", err.Error())
		return err
	}

	device, err := c.srv.auth.Authenticate(c.ctx, c.ip, payload)
	if err != nil {
		c.rejectHandshake(err)
		return err
	}

	ack, err := models.NewFrame(models.FrameAuthSuccess, models.AuthSuccessPayload{
		DeviceID:   device.ID,
		UserID:     device.UserID,
		ServerTime: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := c.Send(ack); err != nil {
		return err
	}

	c.attach(device, payload.Capabilities, payload.DeviceName, payload.Platform)
	return nil
}

// attach binds the authenticated identity to a registry session. The hello
// prefers what the client just presented; stored record fields fill gaps.
func (c *conn) attach(device *auth.Device, capabilities []string, name string, platform models.Platform) {
	if name == "" {
		name = device.Name
	}
	if platform == "" {
		platform = models.Platform(device.Platform)
	}
	hello := models.DeviceHello{
		DeviceID:     device.ID,
		UserID:       device.UserID,
		DeviceName:   name,
		Platform:     platform,
		Capabilities: capabilities,
	}

	c.device = device
	c.session = c.srv.devices.Attach(c, hello)
	c.logger = c.logger.With("device_id", device.ID, "user_id", device.UserID)
	c.logger.Info("handshake complete", "session_key", c.session.Key, "admin", device.Admin)
}

// rejectHandshake sends an auth_failed frame. The caller closes the socket;
// the writer flushes the rejection first.
func (c *conn) rejectHandshake(err error) {
	reason, rateLimited, label := classifyAuthError(err)
	if c.srv.metrics != nil {
		c.srv.metrics.AuthFailures.WithLabelValues(label).Inc()
	}
	c.logger.Warn("handshake rejected", "reason", reason, "error", err)

	frame, ferr := models.NewFrame(models.FrameAuthFailed, models.AuthFailedPayload{
		Reason:      reason,
		RateLimited: rateLimited,
	})
	if ferr != nil {
		return
	}
	_ = c.Send(frame)
}

// classifyAuthError maps auth errors to a wire reason and a metrics label.
// Unknown devices read as bad_secret so probes cannot enumerate device ids.
func classifyAuthError(err error) (reason string, rateLimited bool, label string) {
	switch {
	case errors.Is(err, auth.ErrRateLimited):
		return "rate_limited", true, "rate_limited"
	case errors.Is(err, auth.ErrDeviceRevoked):
		return "revoked", false, "revoked"
	case errors.Is(err, auth.ErrBadSecret), errors.Is(err, auth.ErrDeviceNotFound):
		return "bad_secret", false, "bad_secret"
	case errors.Is(err, auth.ErrTokenNotFound),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrTokenUsed):
		return "bad_token", false, "bad_token"
	default:
		return "auth_failed", false, "bad_token"
	}
}
