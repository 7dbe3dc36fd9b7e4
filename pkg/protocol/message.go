// Package protocol defines the JSON wire contract spoken with the chat
// gateway: outbound action envelopes and inbound typed push frames.
package protocol

import (
	"encoding/json"
	"strings"
)

// SenderType identifies which peer authored a message.
type SenderType string

const (
	SenderShop     SenderType = "SHOP"
	SenderCustomer SenderType = "CUSTOMER"
	SenderSystem   SenderType = "SYSTEM"
)

// ParseSenderType normalizes a wire sender value. Matching is
// case-insensitive. Unknown values degrade to SenderSystem rather than
// failing, so a single odd frame cannot break ingestion.
func ParseSenderType(s string) SenderType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(SenderShop):
		return SenderShop
	case string(SenderCustomer):
		return SenderCustomer
	default:
		return SenderSystem
	}
}

// Message is one chat message as carried on the wire. The gateway does
// not promise a closed schema: any field beyond the three required ones
// is preserved verbatim in Extra for the host UI to read.
type Message struct {
	Body      string
	Sender    SenderType
	Timestamp int64 // epoch millis
	Extra     map[string]any
}

// MarshalJSON flattens the message back into its wire shape, with Extra
// fields alongside the required ones.
func (m Message) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		obj[k] = v
	}
	obj["message"] = m.Body
	obj["senderType"] = string(m.Sender)
	obj["timestamp"] = m.Timestamp
	return json.Marshal(obj)
}

// UnmarshalJSON reads the wire shape, normalizing senderType and
// collecting unrecognized fields into Extra.
func (m *Message) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	m.fromObject(obj)
	return nil
}

// fromObject populates the message from a decoded JSON object. Shared
// with NEW_MESSAGE frame decoding, where the message fields arrive
// flattened next to the conversation id.
func (m *Message) fromObject(obj map[string]any) {
	for k, v := range obj {
		switch k {
		case "message":
			m.Body, _ = v.(string)
		case "senderType":
			s, _ := v.(string)
			m.Sender = ParseSenderType(s)
		case "timestamp":
			m.Timestamp = toMillis(v)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
}

// NameHint returns a display name opportunistically read from the
// message's extra fields, or "" when none is present.
func (m Message) NameHint() string {
	for _, key := range []string{"name", "senderName", "visitorName"} {
		if v, ok := m.Extra[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func toMillis(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}
