package pushgw

import (
	"encoding/json"
	"fmt"

	"github.com/voxline/voxline/internal/voippush"
)

// Notification is the wire payload delivered inside a push. Data is the
// exact key set the device's reconciliation gateway classifies on, so the
// shapes here must stay bit-exact with the device side.
type Notification struct {
	Data map[string]any
}

// BuildNotification constructs the wire payload for a push request. The
// device's line kind picks the form: SIP lines get the legacy flat
// twi_-prefixed keys, cloud lines get the nested metadata descriptor.
func BuildNotification(lineKind string, req PushRequest) (Notification, error) {
	switch lineKind {
	case "sip":
		mt, err := messageTypeFor(req.Event)
		if err != nil {
			return Notification{}, err
		}
		return Notification{Data: map[string]any{
			"twi_message_type": mt,
			"twi_from":         req.CallerNumber,
		}}, nil
	case "cloud":
		if req.Event != "call" {
			// Cloud retractions ride the provider's own event channel,
			// not the push channel.
			return Notification{}, fmt.Errorf("pushgw: event %q not supported for cloud lines", req.Event)
		}
		return Notification{Data: map[string]any{
			"metadata": map[string]any{
				"call_id":       req.CallID,
				"caller_name":   req.CallerName,
				"caller_number": req.CallerNumber,
			},
		}}, nil
	default:
		return Notification{}, fmt.Errorf("pushgw: unknown line kind %q", lineKind)
	}
}

func messageTypeFor(event string) (string, error) {
	switch event {
	case "call":
		return voippush.TypeCall, nil
	case "cancel":
		return voippush.TypeCancel, nil
	case "end":
		return voippush.TypeEnd, nil
	default:
		return "", fmt.Errorf("pushgw: unknown event %q", event)
	}
}

// Flatten renders the payload as string-valued pairs for transports that
// cannot carry nested objects. Nested maps are JSON-encoded in place.
func (n Notification) Flatten() (map[string]string, error) {
	out := make(map[string]string, len(n.Data))
	for k, v := range n.Data {
		switch val := v.(type) {
		case string:
			out[k] = val
		default:
			enc, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("pushgw: encoding %s: %w", k, err)
			}
			out[k] = string(enc)
		}
	}
	return out, nil
}
