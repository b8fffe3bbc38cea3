package auth

import "errors"

var (
	// ErrTokenNotFound means the invite token does not exist or was revoked.
	ErrTokenNotFound = errors.New("invite token not found")

	// ErrTokenExpired means the invite token exists but is past its TTL.
	ErrTokenExpired = errors.New("invite token expired")

	// ErrTokenUsed means the invite token was already consumed.
	ErrTokenUsed = errors.New("invite token already used")

	// ErrDeviceNotFound means no device record matches the id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrBadSecret means the presented secret does not match.
	ErrBadSecret = errors.New("device secret mismatch")

	// ErrDeviceRevoked means the device exists but was revoked by an admin.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrRateLimited means the source IP exceeded the failure budget.
	ErrRateLimited = errors.New("too many authentication failures")

	// ErrNotAdmin means the operation requires the device admin flag.
	ErrNotAdmin = errors.New("admin device required")

	// ErrInvalidToken means a browser session token failed validation.
	ErrInvalidToken = errors.New("invalid session token")
)
