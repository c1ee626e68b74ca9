// Package voippush turns opaque push payloads into registered platform
// call sessions: classify by originating provider, extract or mint the
// call identifier, and drive incoming-call registration before the
// processing deadline runs out.
package voippush

import (
	"strings"

	"github.com/google/uuid"
)

// Origin is the provider a push payload came from.
type Origin int

const (
	OriginUnknown Origin = iota
	OriginSIP
	OriginCloud
)

func (o Origin) String() string {
	switch o {
	case OriginSIP:
		return "sip"
	case OriginCloud:
		return "cloud"
	default:
		return "unknown"
	}
}

// Wire keys and message types. The twi_ prefix is the legacy naming of the
// SIP provider's push channel and is kept bit-exact for compatibility.
const (
	keyMessageType = "twi_message_type"
	keyFrom        = "twi_from"
	keyMetadata    = "metadata"

	TypeCall   = "twilio.voice.call"
	TypeCancel = "twilio.voice.cancel"
	TypeEnd    = "twilio.voice.end"
)

// Payload is one raw push payload.
type Payload map[string]any

// Origin classifies the payload by its discriminator field. A payload with
// neither discriminator is OriginUnknown and produces no registration.
func (p Payload) Origin() Origin {
	if _, ok := p[keyMessageType].(string); ok {
		return OriginSIP
	}
	if _, ok := p[keyMetadata]; ok {
		return OriginCloud
	}
	return OriginUnknown
}

// MessageType returns the legacy message subtype, empty for non-SIP
// payloads.
func (p Payload) MessageType() string {
	t, _ := p[keyMessageType].(string)
	return t
}

// From returns the sanitized caller number of a legacy payload.
func (p Payload) From() string {
	f, _ := p[keyFrom].(string)
	return SanitizeNumber(f)
}

// Metadata is the nested descriptor carried by cloud payloads.
type Metadata struct {
	CallID       string
	CallerName   string
	CallerNumber string
}

// Metadata extracts the nested metadata object. Missing fields come back
// empty; callers apply the fallback chain.
func (p Payload) Metadata() Metadata {
	raw, ok := p[keyMetadata].(map[string]any)
	if !ok {
		return Metadata{}
	}
	var m Metadata
	m.CallID, _ = raw["call_id"].(string)
	m.CallerName, _ = raw["caller_name"].(string)
	m.CallerNumber, _ = raw["caller_number"].(string)
	return m
}

// CallUUID returns the announced call identifier, or a freshly generated
// one when the field is absent, empty or malformed.
func (m Metadata) CallUUID() uuid.UUID {
	if m.CallID != "" {
		if id, err := uuid.Parse(m.CallID); err == nil {
			return id
		}
	}
	return uuid.New()
}

// Display resolves the caller presentation string: name, then number, then
// "Unknown".
func (m Metadata) Display() string {
	if m.CallerName != "" {
		return m.CallerName
	}
	if n := SanitizeNumber(m.CallerNumber); n != "" {
		return n
	}
	return "Unknown"
}

// SanitizeNumber strips everything that is not a digit or a leading-style
// plus from a phone-number-like string.
func SanitizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '+' || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
