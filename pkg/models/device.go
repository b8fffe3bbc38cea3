package models

import "time"

// Platform identifies the client operating environment.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
	PlatformWeb     Platform = "web"
)

// Capability tags advertised by a device at connect time.
const (
	CapabilityMemory = "memory"
	CapabilitySkills = "skills"
)

// DeviceHello is the identity a client presents after authenticating. The
// registry uses it to key the session: devices advertising the memory
// capability attach under their device id, browser sessions under
// "<deviceId>:browser".
type DeviceHello struct {
	DeviceID     string   `json:"deviceId"`
	UserID       string   `json:"userId"`
	DeviceName   string   `json:"deviceName"`
	Platform     Platform `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the device advertised the given tag.
func (h DeviceHello) HasCapability(tag string) bool {
	for _, c := range h.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// RegisterPayload is the payload of a register_device frame (invite flow).
type RegisterPayload struct {
	InviteToken  string   `json:"inviteToken"`
	DeviceName   string   `json:"deviceName"`
	Platform     Platform `json:"platform"`
	Capabilities []string `json:"capabilities"`
	Fingerprint  string   `json:"fingerprint"`
}

// RegisteredPayload is the payload of a device_registered frame. The secret
// is shown exactly once; clients must persist it.
type RegisteredPayload struct {
	DeviceID string `json:"deviceId"`
	UserID   string `json:"userId"`
	Secret   string `json:"secret"`
}

// AuthPayload is the payload of an auth frame (recurring flow).
type AuthPayload struct {
	DeviceID     string   `json:"deviceId"`
	Secret       string   `json:"secret"`
	Fingerprint  string   `json:"fingerprint"`
	DeviceName   string   `json:"deviceName"`
	Platform     Platform `json:"platform"`
	Capabilities []string `json:"capabilities"`
}

// AuthSuccessPayload acknowledges a recurring auth frame.
type AuthSuccessPayload struct {
	DeviceID   string    `json:"deviceId"`
	UserID     string    `json:"userId"`
	ServerTime time.Time `json:"serverTime"`
}

// AuthFailedPayload explains a rejected handshake.
type AuthFailedPayload struct {
	Reason      string `json:"reason"`
	RateLimited bool   `json:"rateLimited,omitempty"`
}

// HeartbeatPayload is the payload of a heartbeat frame.
type HeartbeatPayload struct {
	DeviceID string    `json:"deviceId"`
	SentAt   time.Time `json:"sentAt"`
}

// UserMessagePayload is the payload of a user_message frame.
type UserMessagePayload struct {
	ThreadID string `json:"threadId,omitempty"`
	Text     string `json:"text"`
}

// NotificationPayload is the payload of a user_notification frame.
type NotificationPayload struct {
	Level   string `json:"level"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}
