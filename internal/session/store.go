package session

import (
	"sort"

	"github.com/garagehq/shop-chat/pkg/protocol"
)

// Conversation is the client-side view of one customer-to-shop thread.
type Conversation struct {
	ID           string
	CustomerName string
	VisitorID    string
	LastMessage  string
	UpdatedAt    int64 // epoch millis, last-write-wins sort hint
	UnreadCount  int   // local only, never sent to the gateway
	Messages     []protocol.Message
}

// store maps conversation ids to conversations. It is not safe for
// concurrent use; the owning Session serializes every access under its
// own mutex.
type store struct {
	items map[string]*Conversation
}

func newStore() *store {
	return &store{items: make(map[string]*Conversation)}
}

func (s *store) get(id string) *Conversation {
	return s.items[id]
}

// upsert returns the conversation with the given id, creating it when
// first referenced.
func (s *store) upsert(id string) *Conversation {
	c, ok := s.items[id]
	if !ok {
		c = &Conversation{ID: id}
		s.items[id] = c
	}
	return c
}

func (s *store) delete(id string) {
	delete(s.items, id)
}

// applySnapshot folds a CONVERSATIONS_LIST frame in. Summary fields are
// overwritten; locally accumulated Messages and UnreadCount are
// preserved, and conversations absent from the snapshot are kept.
func (s *store) applySnapshot(summaries []protocol.ConversationSummary) {
	for _, sum := range summaries {
		if sum.ConversationID == "" {
			continue
		}
		c := s.upsert(sum.ConversationID)
		c.LastMessage = sum.LastMessage
		c.UpdatedAt = sum.UpdatedAt
		if sum.VisitorID != "" {
			c.VisitorID = sum.VisitorID
		}
		// An absent visitorName means "not provided", not "no name".
		if sum.VisitorName != "" {
			c.CustomerName = sum.VisitorName
		}
	}
}

// applyHistory replaces the conversation's message log with the
// incoming one, stably sorted ascending by timestamp. Other fields are
// left alone.
func (s *store) applyHistory(id string, messages []protocol.Message) {
	c := s.upsert(id)
	sorted := append([]protocol.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	c.Messages = sorted
}

// applyNewMessage folds one NEW_MESSAGE frame in. A frame whose
// (body, timestamp) pair matches the conversation's last message is a
// duplicate delivery and is discarded; the return value reports whether
// the message was actually added. Insertion keeps Messages
// non-decreasing by timestamp even when a frame arrives late.
func (s *store) applyNewMessage(id string, msg protocol.Message) bool {
	c := s.upsert(id)

	if n := len(c.Messages); n > 0 {
		last := c.Messages[n-1]
		if last.Body == msg.Body && last.Timestamp == msg.Timestamp {
			return false
		}
	}

	// First slot after all messages with an equal or earlier timestamp.
	idx := sort.Search(len(c.Messages), func(i int) bool {
		return c.Messages[i].Timestamp > msg.Timestamp
	})
	c.Messages = append(c.Messages, protocol.Message{})
	copy(c.Messages[idx+1:], c.Messages[idx:])
	c.Messages[idx] = msg

	c.LastMessage = msg.Body
	if msg.Timestamp > c.UpdatedAt {
		c.UpdatedAt = msg.Timestamp
	}
	if c.CustomerName == "" {
		if name := msg.NameHint(); name != "" {
			c.CustomerName = name
		}
	}
	return true
}

func (s *store) unreadTotal() int {
	total := 0
	for _, c := range s.items {
		total += c.UnreadCount
	}
	return total
}

// hasAnyMessages reports whether any conversation holds at least one
// message. The customer widget uses this to decide whether the next
// send is first contact.
func (s *store) hasAnyMessages() bool {
	for _, c := range s.items {
		if len(c.Messages) > 0 {
			return true
		}
	}
	return false
}

// snapshot returns display-ready copies sorted by UpdatedAt descending,
// ties broken by id for determinism. Message slices are copied; callers
// treat the contents as read-only.
func (s *store) snapshot() []Conversation {
	out := make([]Conversation, 0, len(s.items))
	for _, c := range s.items {
		cp := *c
		cp.Messages = append([]protocol.Message(nil), c.Messages...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
