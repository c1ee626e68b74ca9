package pushgw

import (
	"encoding/json"
	"testing"
)

func TestBuildNotification_SIPForms(t *testing.T) {
	tests := []struct {
		event string
		want  string
	}{
		{"call", "twilio.voice.call"},
		{"cancel", "twilio.voice.cancel"},
		{"end", "twilio.voice.end"},
	}

	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			n, err := BuildNotification("sip", PushRequest{Event: tt.event, CallerNumber: "+61400000000"})
			if err != nil {
				t.Fatalf("BuildNotification: %v", err)
			}
			if got := n.Data["twi_message_type"]; got != tt.want {
				t.Errorf("message type = %v, want %q", got, tt.want)
			}
			if got := n.Data["twi_from"]; got != "+61400000000" {
				t.Errorf("from = %v", got)
			}
		})
	}
}

func TestBuildNotification_CloudForm(t *testing.T) {
	n, err := BuildNotification("cloud", PushRequest{
		Event:        "call",
		CallID:       "11111111-2222-3333-4444-555555555555",
		CallerName:   "Alice",
		CallerNumber: "+61400111222",
	})
	if err != nil {
		t.Fatalf("BuildNotification: %v", err)
	}

	meta, ok := n.Data["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("metadata = %T, want map", n.Data["metadata"])
	}
	if meta["call_id"] != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("call_id = %v", meta["call_id"])
	}
	if meta["caller_name"] != "Alice" {
		t.Errorf("caller_name = %v", meta["caller_name"])
	}
	if meta["caller_number"] != "+61400111222" {
		t.Errorf("caller_number = %v", meta["caller_number"])
	}
}

func TestBuildNotification_Rejections(t *testing.T) {
	if _, err := BuildNotification("sip", PushRequest{Event: "ring"}); err == nil {
		t.Error("expected error for unknown event")
	}
	if _, err := BuildNotification("cloud", PushRequest{Event: "cancel"}); err == nil {
		t.Error("expected error for cloud retraction over push")
	}
	if _, err := BuildNotification("pstn", PushRequest{Event: "call"}); err == nil {
		t.Error("expected error for unknown line kind")
	}
}

func TestNotificationFlatten(t *testing.T) {
	n, err := BuildNotification("cloud", PushRequest{
		Event:        "call",
		CallID:       "abc",
		CallerNumber: "100",
	})
	if err != nil {
		t.Fatalf("BuildNotification: %v", err)
	}

	flat, err := n.Flatten()
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}

	// The nested descriptor survives as a JSON string.
	var meta map[string]string
	if err := json.Unmarshal([]byte(flat["metadata"]), &meta); err != nil {
		t.Fatalf("flattened metadata is not json: %v", err)
	}
	if meta["call_id"] != "abc" {
		t.Errorf("call_id = %q", meta["call_id"])
	}
}

func TestNotificationFlatten_StringsPassThrough(t *testing.T) {
	n, err := BuildNotification("sip", PushRequest{Event: "call", CallerNumber: "+100"})
	if err != nil {
		t.Fatalf("BuildNotification: %v", err)
	}
	flat, err := n.Flatten()
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if flat["twi_message_type"] != "twilio.voice.call" {
		t.Errorf("message type = %q", flat["twi_message_type"])
	}
	if flat["twi_from"] != "+100" {
		t.Errorf("from = %q", flat["twi_from"])
	}
}
