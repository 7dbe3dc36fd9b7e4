package protocol

import (
	"encoding/json"
	"fmt"
)

// Inbound frame type discriminators pushed by the gateway.
const (
	TypeConversationsList = "CONVERSATIONS_LIST"
	TypeHistory           = "HISTORY"
	TypeNewMessage        = "NEW_MESSAGE"
)

// Frame is the closed union of inbound gateway pushes. Frames the
// client does not recognize decode to Unknown so that new gateway
// frame types never break an older client.
type Frame interface {
	frame()
}

// ConversationsList is a full snapshot of the tenant's conversation
// summaries. It carries no message bodies.
type ConversationsList struct {
	Conversations []ConversationSummary
}

// History carries the full message log of one conversation.
type History struct {
	ConversationID string
	Messages       []Message
}

// NewMessage is an incremental push of a single message. On the wire
// the message fields sit flattened next to the conversation id.
type NewMessage struct {
	ConversationID string
	Message        Message
}

// Unknown is any frame whose type discriminator the client does not
// recognize. Receivers ignore it.
type Unknown struct {
	Type string
}

func (ConversationsList) frame() {}
func (History) frame()           {}
func (NewMessage) frame()        {}
func (Unknown) frame()           {}

// ConversationSummary is one entry of a CONVERSATIONS_LIST snapshot.
type ConversationSummary struct {
	ConversationID string `json:"conversationId"`
	VisitorID      string `json:"visitorId"`
	LastMessage    string `json:"lastMessage"`
	UpdatedAt      int64  `json:"updatedAt"`
	VisitorName    string `json:"visitorName,omitempty"`
}

// DecodeFrame parses one inbound JSON text frame and dispatches on its
// "type" discriminator. Malformed JSON is an error; a well-formed frame
// with an unrecognized type is returned as Unknown, not an error.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch head.Type {
	case TypeConversationsList:
		var body struct {
			Conversations []ConversationSummary `json:"conversations"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", TypeConversationsList, err)
		}
		return ConversationsList{Conversations: body.Conversations}, nil

	case TypeHistory:
		var body struct {
			ConversationID string    `json:"conversationId"`
			Messages       []Message `json:"messages"`
		}
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", TypeHistory, err)
		}
		return History{ConversationID: body.ConversationID, Messages: body.Messages}, nil

	case TypeNewMessage:
		var obj map[string]any
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, fmt.Errorf("decode %s frame: %w", TypeNewMessage, err)
		}
		nm := NewMessage{}
		if id, ok := obj["conversationId"].(string); ok {
			nm.ConversationID = id
		}
		delete(obj, "type")
		delete(obj, "conversationId")
		nm.Message.fromObject(obj)
		return nm, nil

	default:
		return Unknown{Type: head.Type}, nil
	}
}
