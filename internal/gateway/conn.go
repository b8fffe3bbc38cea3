package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/druidia-bot/dotbot/internal/auth"
	"github.com/druidia-bot/dotbot/internal/devices"
	"github.com/druidia-bot/dotbot/pkg/models"
)

var (
	errConnClosed     = errors.New("connection closed")
	errSendBufferFull = errors.New("send buffer full")
)

// conn is one device socket. Until the handshake succeeds it accepts only
// register_device and auth frames; afterwards it carries the session's
// bridge traffic. conn implements bridge.Sender.
type conn struct {
	srv    *Server
	ws     *websocket.Conn
	ip     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan []byte

	// session and device are set exactly once, by the handshake, on the
	// read goroutine. dispatch runs on the same goroutine.
	session *devices.Session
	device  *auth.Device
}

func newConn(srv *Server, ws *websocket.Conn, ip string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		srv:    srv,
		ws:     ws,
		ip:     ip,
		logger: srv.logger.With("remote_ip", ip),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan []byte, srv.cfg.Server.WriteBuffer),
	}
}

// run drives the socket to completion. The writer is waited on before the
// socket closes so rejection frames queued by a failed handshake still go
// out.
func (c *conn) run() {
	writerDone := make(chan struct{})
	go func() {
		c.writeLoop()
		close(writerDone)
	}()

	c.readLoop()

	c.cancel()
	<-writerDone
	if c.session != nil {
		c.srv.devices.Detach(c.session)
	}
	_ = c.ws.Close()
}

// Send enqueues one frame for the writer. It never blocks: a full buffer
// fails the send so bridge callers degrade to device-not-connected instead
// of stalling an agent run.
func (c *conn) Send(frame models.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return errConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("send buffer full, dropping frame", "type", frame.Type)
		return errSendBufferFull
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.srv.cfg.Server.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flush()
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.cancel()
				return
			}
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// flush makes a best effort to deliver frames already queued when the conn
// is torn down, so auth rejections reach the client before the close.
func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			if c.write(data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) readLoop() {
	cfg := c.srv.cfg.Server
	c.ws.SetReadLimit(cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// Any inbound traffic proves the socket alive.
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))

		frame, err := decodeFrame(data)
		if err != nil {
			c.sendProtocolError(frame.ID, "invalid_frame", err.Error())
			continue
		}

		if c.session == nil {
			if fatal := c.handshake(frame); fatal != nil {
				return
			}
			continue
		}
		c.dispatch(frame)
	}
}

// handshake processes the pre-auth frames. A non-nil return closes the
// socket; unauthenticated peers get exactly one credential attempt.
func (c *conn) handshake(frame models.Frame) error {
	switch frame.Type {
	case models.FrameRegisterDevice:
		return c.handleRegister(frame)
	case models.FrameAuth:
		return c.handleAuth(frame)
	default:
		c.sendProtocolError(frame.ID, "handshake_required",
			"authenticate with register_device or auth before sending frames")
		return nil
	}
}

func decodeFrame(raw []byte) (models.Frame, error) {
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, err
	}
	if err := validateFrame(raw, &frame); err != nil {
		return frame, err
	}
	return frame, nil
}

// sendProtocolError reports a frame the conn could not accept. The socket
// stays open; only handshake failures disconnect.
func (c *conn) sendProtocolError(requestID, code, message string) {
	frame, err := models.NewFrame(models.FrameError, models.ErrorPayload{
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
	if err != nil {
		return
	}
	_ = c.Send(frame)
}

func (c *conn) sendReply(ft models.FrameType, reply models.Reply) {
	frame, err := models.NewFrame(ft, reply)
	if err != nil {
		c.logger.Error("marshal reply", "type", ft, "error", err)
		return
	}
	_ = c.Send(frame)
}
