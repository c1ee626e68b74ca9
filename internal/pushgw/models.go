package pushgw

import "time"

// Device represents a registered push target for a number.
type Device struct {
	ID         int64     `json:"id"`
	NumberID   int64     `json:"number_id"`
	Token      string    `json:"token"`
	Platform   string    `json:"platform"`  // "fcm" or "apns"
	LineKind   string    `json:"line_kind"` // "sip" or "cloud"
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// DeliveryLogEntry represents a single push delivery attempt log record.
type DeliveryLogEntry struct {
	NumberID  int64
	Platform  string
	CallID    string
	Event     string
	Success   bool
	Error     string
	Timestamp time.Time
}

// PushRequest is the JSON body for POST /v1/push. Event selects the wire
// payload: "call" announces an incoming call, "cancel" and "end" retract
// one. Token and platform may be omitted, in which case every device
// registered for the number is targeted.
type PushRequest struct {
	NumberID     int64  `json:"number_id"`
	PushToken    string `json:"push_token,omitempty"`
	PushPlatform string `json:"push_platform,omitempty"`
	Event        string `json:"event"`
	CallID       string `json:"call_id,omitempty"`
	CallerName   string `json:"caller_name,omitempty"`
	CallerNumber string `json:"caller_number,omitempty"`
}

// PushResponse is the JSON response for POST /v1/push.
type PushResponse struct {
	Delivered int    `json:"delivered"`
	Attempted int    `json:"attempted"`
	CallID    string `json:"call_id,omitempty"`
}

// RegisterRequest is the JSON body for POST /v1/devices.
type RegisterRequest struct {
	NumberID     int64  `json:"number_id"`
	PushToken    string `json:"push_token"`
	PushPlatform string `json:"push_platform"`
	LineKind     string `json:"line_kind"`
}

// RegisterResponse is the JSON response for POST /v1/devices.
type RegisterResponse struct {
	DeviceID     int64     `json:"device_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// UnregisterRequest is the JSON body for DELETE /v1/devices.
type UnregisterRequest struct {
	PushToken string `json:"push_token"`
}

// DeviceList is the JSON response for GET /v1/devices.
type DeviceList struct {
	NumberID int64    `json:"number_id"`
	Devices  []Device `json:"devices"`
}
