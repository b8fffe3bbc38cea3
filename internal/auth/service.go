package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/druidia-bot/dotbot/internal/config"
	"github.com/druidia-bot/dotbot/pkg/models"
)

// Service implements both device authentication flows: one-time invite
// registration and recurring secret auth with hardware fingerprint checks.
type Service struct {
	store    *Store
	limiter  *FailureLimiter
	sessions *SessionTokens
	tokenTTL time.Duration
	logger   *slog.Logger

	// onFingerprintChange is invoked when a device authenticates with a
	// fingerprint different from the recorded one. The gateway wires this
	// to an admin warning broadcast.
	onFingerprintChange func(device *Device, oldPrint, newPrint string)
}

// NewService wires the auth service from config.
func NewService(store *Store, cfg config.AuthConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		limiter:  NewFailureLimiter(cfg.MaxFailures, cfg.FailWindow),
		sessions: NewSessionTokens(cfg.JWTSecret, cfg.SessionTTL),
		tokenTTL: cfg.InviteTokenTTL,
		logger:   logger.With("component", "auth.service"),
	}
}

// OnFingerprintChange registers the admin warning hook.
func (s *Service) OnFingerprintChange(fn func(device *Device, oldPrint, newPrint string)) {
	s.onFingerprintChange = fn
}

// Sessions exposes the browser token helper.
func (s *Service) Sessions() *SessionTokens { return s.sessions }

// CreateInviteToken mints a one-time registration token for userID.
func (s *Service) CreateInviteToken(ctx context.Context, actorDeviceID, userID, label string, admin bool) (*InviteToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate invite token: %w", err)
	}
	t := &InviteToken{
		Token:     base64.URLEncoding.EncodeToString(raw),
		UserID:    userID,
		Label:     label,
		Admin:     admin,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(s.tokenTTL),
	}
	if err := s.store.SaveInviteToken(ctx, t); err != nil {
		return nil, err
	}
	s.audit(ctx, actorDeviceID, "create_token", t.Token[:8], label)
	s.logger.Info("invite token created", "user_id", userID, "label", label, "expires_at", t.ExpiresAt)
	return t, nil
}

// ListInviteTokens returns all invite tokens.
func (s *Service) ListInviteTokens(ctx context.Context) ([]*InviteToken, error) {
	return s.store.ListInviteTokens(ctx)
}

// RevokeInviteToken invalidates an unused token.
func (s *Service) RevokeInviteToken(ctx context.Context, actorDeviceID, token string) error {
	if err := s.store.RevokeInviteToken(ctx, token); err != nil {
		return err
	}
	s.audit(ctx, actorDeviceID, "revoke_token", shorten(token), "")
	return nil
}

// RegisterDevice consumes an invite token and creates a device record. The
// returned secret is shown once; only its hash is stored.
func (s *Service) RegisterDevice(ctx context.Context, ip string, req models.RegisterPayload) (*Device, string, error) {
	if !s.limiter.Allow(ip) {
		return nil, "", ErrRateLimited
	}

	token, err := s.store.ConsumeInviteToken(ctx, req.InviteToken, time.Now().UTC())
	if err != nil {
		s.limiter.RecordFailure(ip)
		s.logger.Warn("registration rejected", "ip", ip, "error", err)
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	device := &Device{
		ID:          uuid.NewString(),
		UserID:      token.UserID,
		Name:        req.DeviceName,
		Platform:    string(req.Platform),
		SecretHash:  hashSecret(secret),
		Fingerprint: req.Fingerprint,
		Admin:       token.Admin,
		CreatedAt:   time.Now().UTC(),
		LastSeenAt:  time.Now().UTC(),
	}
	if err := s.store.SaveDevice(ctx, device); err != nil {
		return nil, "", err
	}
	s.limiter.Reset(ip)
	s.audit(ctx, device.ID, "register_device", device.ID, req.DeviceName)
	s.logger.Info("device registered", "device_id", device.ID, "user_id", device.UserID, "name", device.Name)
	return device, secret, nil
}

// Authenticate validates a recurring auth attempt. Fingerprint changes are
// allowed but reported through the OnFingerprintChange hook.
func (s *Service) Authenticate(ctx context.Context, ip string, req models.AuthPayload) (*Device, error) {
	if !s.limiter.Allow(ip) {
		return nil, ErrRateLimited
	}

	device, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		s.limiter.RecordFailure(ip)
		return nil, err
	}
	if device.Revoked {
		s.limiter.RecordFailure(ip)
		return nil, ErrDeviceRevoked
	}
	if !verifySecret(device.SecretHash, req.Secret) {
		s.limiter.RecordFailure(ip)
		s.logger.Warn("auth rejected", "device_id", req.DeviceID, "ip", ip)
		return nil, ErrBadSecret
	}

	if req.Fingerprint != "" && device.Fingerprint != "" && req.Fingerprint != device.Fingerprint {
		s.logger.Warn("device fingerprint changed",
			"device_id", device.ID, "old", shorten(device.Fingerprint), "new", shorten(req.Fingerprint))
		if s.onFingerprintChange != nil {
			s.onFingerprintChange(device, device.Fingerprint, req.Fingerprint)
		}
		if err := s.store.SetDeviceFingerprint(ctx, device.ID, req.Fingerprint); err != nil {
			s.logger.Error("record fingerprint", "device_id", device.ID, "error", err)
		}
		device.Fingerprint = req.Fingerprint
	} else if req.Fingerprint != "" && device.Fingerprint == "" {
		if err := s.store.SetDeviceFingerprint(ctx, device.ID, req.Fingerprint); err != nil {
			s.logger.Error("record fingerprint", "device_id", device.ID, "error", err)
		}
		device.Fingerprint = req.Fingerprint
	}

	now := time.Now().UTC()
	if err := s.store.TouchDevice(ctx, device.ID, now); err != nil {
		s.logger.Error("touch device", "device_id", device.ID, "error", err)
	}
	device.LastSeenAt = now
	s.limiter.Reset(ip)
	return device, nil
}

// ListDevices returns all registered devices.
func (s *Service) ListDevices(ctx context.Context) ([]*Device, error) {
	return s.store.ListDevices(ctx)
}

// RevokeDevice blocks a device from authenticating.
func (s *Service) RevokeDevice(ctx context.Context, actorDeviceID, deviceID string) error {
	if err := s.store.SetDeviceRevoked(ctx, deviceID, true); err != nil {
		return err
	}
	s.audit(ctx, actorDeviceID, "revoke_device", deviceID, "")
	s.logger.Info("device revoked", "device_id", deviceID, "actor", actorDeviceID)
	return nil
}

// UnrevokeDevice restores a revoked device.
func (s *Service) UnrevokeDevice(ctx context.Context, actorDeviceID, deviceID string) error {
	if err := s.store.SetDeviceRevoked(ctx, deviceID, false); err != nil {
		return err
	}
	s.audit(ctx, actorDeviceID, "unrevoke_device", deviceID, "")
	return nil
}

// RequireAdmin loads a device and checks its admin flag.
func (s *Service) RequireAdmin(ctx context.Context, deviceID string) (*Device, error) {
	device, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !device.Admin {
		return nil, ErrNotAdmin
	}
	return device, nil
}

func (s *Service) audit(ctx context.Context, actor, action, subject, detail string) {
	if err := s.store.AppendAudit(ctx, actor, action, subject, detail); err != nil {
		s.logger.Error("append audit", "action", action, "error", err)
	}
}

func generateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate device secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func verifySecret(hash, secret string) bool {
	want := hashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(want)) == 1
}

func shorten(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
