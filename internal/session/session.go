// Package session coordinates one chat session for either peer role:
// it owns a socket client, folds inbound gateway frames into the local
// conversation store, and translates UI intents into outbound actions.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/garagehq/shop-chat/internal/clock"
	"github.com/garagehq/shop-chat/internal/identity"
	"github.com/garagehq/shop-chat/internal/socket"
	"github.com/garagehq/shop-chat/pkg/protocol"
)

// Role selects which peer this session represents. Fixed for the
// session's lifetime.
type Role string

const (
	RoleShop     Role = "SHOP"
	RoleCustomer Role = "CUSTOMER"
)

var (
	// ErrRoleNotAllowed is returned when an intent is reserved for the
	// other role, e.g. DeleteConversation from the customer widget.
	ErrRoleNotAllowed = errors.New("session: intent not allowed for this role")

	// ErrConversationRequired is returned by SHOP intents called
	// without a conversation id.
	ErrConversationRequired = errors.New("session: conversation id required")

	// ErrAlreadyStarted is returned by a second Start on the same
	// session.
	ErrAlreadyStarted = errors.New("session: already started")
)

// Defaults for the customer's first-contact introduction when the host
// collected none.
const (
	DefaultVisitorName  = "Visitor"
	DefaultVisitorEmail = "no-email@test.com"
)

// Options configures a Session.
type Options struct {
	Role       Role
	GatewayURL string

	// TenantID scopes the connection to one shop. Required for both
	// roles.
	TenantID string

	// Tokens supplies the SHOP bearer credential. Required for
	// RoleShop; ignored otherwise.
	Tokens identity.TokenSource

	// Visitors persists the CUSTOMER visitor id across restarts. When
	// nil, an in-memory store is used and the visitor identity lasts
	// only as long as the process.
	Visitors identity.KV

	// VisitorName and VisitorEmail are attached to the customer's
	// first-contact message. Defaults apply when empty.
	VisitorName  string
	VisitorEmail string

	// Reconnect tuning, passed through to the transport.
	BaseDelay    time.Duration
	GrowthFactor float64
	MaxRetries   int

	Clock  clock.Clock
	Logger *slog.Logger
}

// transport is the slice of socket.Client the session drives. Tests
// substitute a fake.
type transport interface {
	Connect()
	Disconnect()
	Send(action string, fields map[string]any) error
	State() socket.State
	OnOpen(fn func())
	OnMessage(fn func(data []byte))
	OnError(fn func(err error))
	OnStatusChange(fn func(s socket.State))
}

// Session is the conversation-reconciliation coordinator for one role.
// All store mutation is serialized under one mutex; the socket's reader
// goroutine is the only producer of reconciliation events.
type Session struct {
	opts Options
	log  *slog.Logger

	// newTransport builds the socket client; replaced in tests.
	newTransport func(cfg socket.Config) transport

	mu        sync.Mutex
	sock      transport
	store     *store
	activeID  string
	visitorID string
	started   bool

	changeFns []func()
	statusFns []func(s socket.State)
}

// New creates a Session. Nothing connects until Start.
func New(opts Options) *Session {
	if opts.VisitorName == "" {
		opts.VisitorName = DefaultVisitorName
	}
	if opts.VisitorEmail == "" {
		opts.VisitorEmail = DefaultVisitorEmail
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		opts:  opts,
		log:   opts.Logger,
		store: newStore(),
	}
	s.newTransport = func(cfg socket.Config) transport {
		return socket.New(cfg)
	}
	return s
}

// Start resolves the role's identity, builds the transport and begins
// connecting. It does not block waiting for the connection; progress is
// visible through OnStatusChange. For RoleShop a missing or expired
// credential aborts before any dial with identity.ErrNoCredential.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.mu.Unlock()

	var subprotocol string
	switch s.opts.Role {
	case RoleShop:
		if s.opts.Tokens == nil {
			return identity.ErrNoCredential
		}
		token, err := s.opts.Tokens.Token()
		if err != nil {
			return err
		}
		if token == "" {
			return identity.ErrNoCredential
		}
		subprotocol = token

	case RoleCustomer:
		kv := s.opts.Visitors
		if kv == nil {
			kv = identity.NewMemoryStore()
		}
		vid, err := identity.EnsureVisitorID(kv)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.visitorID = vid
		s.mu.Unlock()

	default:
		return fmt.Errorf("session: unknown role %q", s.opts.Role)
	}

	sock := s.newTransport(socket.Config{
		URL:          s.opts.GatewayURL,
		UserID:       s.opts.TenantID,
		Subprotocol:  subprotocol,
		BaseDelay:    s.opts.BaseDelay,
		GrowthFactor: s.opts.GrowthFactor,
		MaxRetries:   s.opts.MaxRetries,
		Clock:        s.opts.Clock,
		Logger:       s.log,
	})
	sock.OnOpen(s.handleOpen)
	sock.OnMessage(s.handleFrame)
	sock.OnError(func(err error) {
		s.log.Warn("transport error", "role", string(s.opts.Role), "error", err)
	})
	sock.OnStatusChange(s.handleStatus)

	s.mu.Lock()
	s.sock = sock
	s.started = true
	s.mu.Unlock()

	sock.Connect()
	return nil
}

// Close tears the session down: the socket is disconnected with no
// further reconnects and the session's observers are detached. The
// session cannot be restarted; the host builds a new one for a manual
// retry.
func (s *Session) Close() {
	s.mu.Lock()
	sock := s.sock
	s.sock = nil
	s.changeFns = nil
	s.statusFns = nil
	s.mu.Unlock()

	if sock != nil {
		sock.Disconnect()
	}
}

// OnChange registers a callback fired after every store mutation.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changeFns = append(s.changeFns, fn)
}

// OnStatusChange registers a callback mirroring the transport's
// connection state transitions.
func (s *Session) OnStatusChange(fn func(st socket.State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusFns = append(s.statusFns, fn)
}

// State returns the transport's connection state.
func (s *Session) State() socket.State {
	s.mu.Lock()
	sock := s.sock
	s.mu.Unlock()
	if sock == nil {
		return socket.Disconnected
	}
	return sock.State()
}

// VisitorID returns the customer visitor id resolved by Start, or ""
// for the shop role.
func (s *Session) VisitorID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visitorID
}

// Conversations returns display-ready conversation copies, most
// recently updated first.
func (s *Session) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.snapshot()
}

// Conversation returns a copy of one conversation by id.
func (s *Session) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.store.get(id)
	if c == nil {
		return Conversation{}, false
	}
	cp := *c
	cp.Messages = append([]protocol.Message(nil), c.Messages...)
	return cp, true
}

// UnreadTotal returns the sum of all conversations' unread counts.
func (s *Session) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.unreadTotal()
}

// ActiveConversationID returns the conversation last marked as read,
// or "".
func (s *Session) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// SendMessage sends one message. The SHOP variant requires a
// conversation id; the CUSTOMER variant ignores it, always attaches the
// visitor id, and introduces itself with name and email until a message
// exists for this visitor. Returns socket.ErrNotConnected during
// reconnection windows; nothing is queued.
func (s *Session) SendMessage(conversationID, text string) error {
	s.mu.Lock()
	sock := s.sock
	vid := s.visitorID
	firstContact := !s.store.hasAnyMessages()
	s.mu.Unlock()

	if sock == nil || sock.State() != socket.Connected {
		return socket.ErrNotConnected
	}

	if s.opts.Role == RoleShop {
		if conversationID == "" {
			return ErrConversationRequired
		}
		return sock.Send(protocol.ActionSendMessage, map[string]any{
			"conversationId": conversationID,
			"message":        text,
		})
	}

	fields := map[string]any{
		"visitorId": vid,
		"message":   text,
	}
	if firstContact {
		// The gateway creates the conversation on first contact and
		// needs a label to show the shop.
		fields["name"] = s.opts.VisitorName
		fields["email"] = s.opts.VisitorEmail
	}
	return sock.Send(protocol.ActionSendMessage, fields)
}

// LoadHistory requests the full message log: by conversation id for the
// shop, by visitor id for the customer's single conversation.
func (s *Session) LoadHistory(conversationID string) error {
	s.mu.Lock()
	sock := s.sock
	vid := s.visitorID
	s.mu.Unlock()

	if sock == nil || sock.State() != socket.Connected {
		return socket.ErrNotConnected
	}

	if s.opts.Role == RoleShop {
		if conversationID == "" {
			return ErrConversationRequired
		}
		return sock.Send(protocol.ActionGetHistory, map[string]any{
			"conversationId": conversationID,
		})
	}
	return sock.Send(protocol.ActionGetHistory, map[string]any{"visitorId": vid})
}

// DeleteConversation removes the conversation locally right away and
// asks the gateway to delete it best-effort. A later gateway error does
// not resurrect the local copy. SHOP only.
func (s *Session) DeleteConversation(conversationID string) error {
	if s.opts.Role != RoleShop {
		return ErrRoleNotAllowed
	}
	if conversationID == "" {
		return ErrConversationRequired
	}

	s.mu.Lock()
	s.store.delete(conversationID)
	if s.activeID == conversationID {
		s.activeID = ""
	}
	sock := s.sock
	s.mu.Unlock()
	s.emitChange()

	if sock != nil {
		if err := sock.Send(protocol.ActionDeleteConversation, map[string]any{
			"conversationId": conversationID,
		}); err != nil {
			s.log.Warn("remote delete not sent", "conversationId", conversationID, "error", err)
		}
	}
	return nil
}

// MarkAsRead makes the conversation active and zeroes its unread count
// synchronously. Subsequent NEW_MESSAGE frames for the active
// conversation do not count as unread.
func (s *Session) MarkAsRead(conversationID string) {
	s.mu.Lock()
	changed := s.activeID != conversationID
	s.activeID = conversationID
	if c := s.store.get(conversationID); c != nil && c.UnreadCount != 0 {
		c.UnreadCount = 0
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.emitChange()
	}
}

// handleOpen runs after every successful connect, including
// reconnects, and issues the role's bootstrap request.
func (s *Session) handleOpen() {
	s.mu.Lock()
	sock := s.sock
	vid := s.visitorID
	s.mu.Unlock()
	if sock == nil {
		return
	}

	var err error
	switch s.opts.Role {
	case RoleShop:
		err = sock.Send(protocol.ActionGetConversations, nil)
	case RoleCustomer:
		err = sock.Send(protocol.ActionGetHistory, map[string]any{"visitorId": vid})
	}
	if err != nil {
		s.log.Warn("bootstrap request not sent", "role", string(s.opts.Role), "error", err)
	}
}

// handleFrame reconciles one inbound frame into the store. Frames that
// fail to decode or miss required fields are dropped; unknown types are
// ignored for forward compatibility.
func (s *Session) handleFrame(data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.log.Warn("dropping undecodable frame", "error", err)
		return
	}

	s.mu.Lock()
	changed := false
	switch f := frame.(type) {
	case protocol.ConversationsList:
		s.store.applySnapshot(f.Conversations)
		changed = true

	case protocol.History:
		if f.ConversationID == "" {
			break
		}
		s.store.applyHistory(f.ConversationID, f.Messages)
		changed = true

	case protocol.NewMessage:
		if f.ConversationID == "" {
			break
		}
		if s.store.applyNewMessage(f.ConversationID, f.Message) {
			if s.opts.Role == RoleShop && f.ConversationID != s.activeID {
				s.store.get(f.ConversationID).UnreadCount++
			}
			changed = true
		}

	case protocol.Unknown:
		// Newer gateway, older client. Nothing to do.
	}
	s.mu.Unlock()

	if changed {
		s.emitChange()
	}
}

func (s *Session) handleStatus(st socket.State) {
	s.mu.Lock()
	handlers := append([]func(socket.State){}, s.statusFns...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(st)
	}
}

func (s *Session) emitChange() {
	s.mu.Lock()
	handlers := append([]func(){}, s.changeFns...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}
