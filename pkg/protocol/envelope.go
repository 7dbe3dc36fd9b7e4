package protocol

import (
	"encoding/json"
	"fmt"
)

// Outbound actions accepted by the gateway.
const (
	ActionSendMessage        = "sendMessage"
	ActionGetHistory         = "getHistory"
	ActionGetConversations   = "getConversations"
	ActionDeleteConversation = "deleteConversation"
)

// Envelope builds one outbound text frame: the action merged with its
// intent fields into a single flat JSON object. A nil fields map is
// valid for parameterless actions such as getConversations.
func Envelope(action string, fields map[string]any) ([]byte, error) {
	obj := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		obj[k] = v
	}
	obj["action"] = action
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", action, err)
	}
	return data, nil
}
