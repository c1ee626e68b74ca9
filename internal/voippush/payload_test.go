package voippush

import (
	"testing"

	"github.com/google/uuid"
)

func TestOriginClassification(t *testing.T) {
	for _, tc := range []struct {
		name    string
		payload Payload
		want    Origin
	}{
		{"sip call", Payload{"twi_message_type": "twilio.voice.call", "twi_from": "+15551234567"}, OriginSIP},
		{"cloud", Payload{"metadata": map[string]any{"call_id": "x"}}, OriginCloud},
		{"empty", Payload{}, OriginUnknown},
		{"garbage", Payload{"aps": map[string]any{"alert": "hi"}}, OriginUnknown},
		{"non-string type", Payload{"twi_message_type": 7}, OriginUnknown},
	} {
		if got := tc.payload.Origin(); got != tc.want {
			t.Errorf("%s: Origin() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMetadataCallUUIDFallback(t *testing.T) {
	valid := uuid.New()
	for _, tc := range []struct {
		name   string
		callID string
		fresh  bool
	}{
		{"valid", valid.String(), false},
		{"empty", "", true},
		{"malformed", "not-a-uuid", true},
	} {
		m := Metadata{CallID: tc.callID}
		got := m.CallUUID()
		if got == uuid.Nil {
			t.Errorf("%s: CallUUID returned nil uuid", tc.name)
		}
		if tc.fresh && tc.callID != "" && got.String() == tc.callID {
			t.Errorf("%s: malformed id passed through", tc.name)
		}
		if !tc.fresh && got != valid {
			t.Errorf("%s: CallUUID = %v, want %v", tc.name, got, valid)
		}
	}
}

func TestDisplayFallbackChain(t *testing.T) {
	for _, tc := range []struct {
		meta Metadata
		want string
	}{
		{Metadata{CallerName: "Alice", CallerNumber: "+15551234567"}, "Alice"},
		{Metadata{CallerNumber: "+1 (555) 123-4567"}, "+15551234567"},
		{Metadata{}, "Unknown"},
		{Metadata{CallerNumber: "---"}, "Unknown"},
	} {
		if got := tc.meta.Display(); got != tc.want {
			t.Errorf("Display(%+v) = %q, want %q", tc.meta, got, tc.want)
		}
	}
}

func TestSanitizeNumber(t *testing.T) {
	for _, tc := range []struct {
		in, want string
	}{
		{"+1 (555) 123-4567", "+15551234567"},
		{"tel:+15550001111", "+15550001111"},
		{"abc", ""},
		{"", ""},
	} {
		if got := SanitizeNumber(tc.in); got != tc.want {
			t.Errorf("SanitizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPayloadAccessors(t *testing.T) {
	p := Payload{
		"twi_message_type": "twilio.voice.call",
		"twi_from":         "+1 555 000 1111",
	}
	if p.MessageType() != TypeCall {
		t.Errorf("MessageType() = %q", p.MessageType())
	}
	if p.From() != "+15550001111" {
		t.Errorf("From() = %q", p.From())
	}

	cloud := Payload{
		"metadata": map[string]any{
			"call_id":       "abc",
			"caller_name":   "Bob",
			"caller_number": "+15552223333",
		},
	}
	m := cloud.Metadata()
	if m.CallerName != "Bob" || m.CallerNumber != "+15552223333" || m.CallID != "abc" {
		t.Errorf("Metadata() = %+v", m)
	}
}
