package session

import (
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/garagehq/shop-chat/internal/identity"
	"github.com/garagehq/shop-chat/internal/socket"
)

// fakeTransport stands in for the socket client. Connect flips straight
// to Connected and fires open; frames are injected with push.
type fakeTransport struct {
	cfg   socket.Config
	state socket.State
	sent  []sentFrame

	onOpen    []func()
	onMessage []func([]byte)
	onError   []func(error)
	onStatus  []func(socket.State)
}

type sentFrame struct {
	action string
	fields map[string]any
}

func (f *fakeTransport) Connect() {
	f.setState(socket.Connected)
	for _, fn := range f.onOpen {
		fn()
	}
}

func (f *fakeTransport) Disconnect() {
	f.setState(socket.Disconnected)
}

func (f *fakeTransport) Send(action string, fields map[string]any) error {
	if f.state != socket.Connected {
		return socket.ErrNotConnected
	}
	f.sent = append(f.sent, sentFrame{action: action, fields: fields})
	return nil
}

func (f *fakeTransport) State() socket.State              { return f.state }
func (f *fakeTransport) OnOpen(fn func())                 { f.onOpen = append(f.onOpen, fn) }
func (f *fakeTransport) OnMessage(fn func([]byte))        { f.onMessage = append(f.onMessage, fn) }
func (f *fakeTransport) OnError(fn func(error))           { f.onError = append(f.onError, fn) }
func (f *fakeTransport) OnStatusChange(fn func(socket.State)) {
	f.onStatus = append(f.onStatus, fn)
}

func (f *fakeTransport) setState(s socket.State) {
	f.state = s
	for _, fn := range f.onStatus {
		fn(s)
	}
}

// push injects one inbound frame as raw JSON.
func (f *fakeTransport) push(frame string) {
	for _, fn := range f.onMessage {
		fn([]byte(frame))
	}
}

func (f *fakeTransport) lastSent() sentFrame {
	if len(f.sent) == 0 {
		return sentFrame{}
	}
	return f.sent[len(f.sent)-1]
}

func newShopSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	return newTestSession(t, Options{
		Role:       RoleShop,
		GatewayURL: "ws://gateway.test/chat",
		TenantID:   "tenant-1",
		Tokens:     identity.StaticSource("shop-token"),
	})
}

func newCustomerSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	return newTestSession(t, Options{
		Role:       RoleCustomer,
		GatewayURL: "ws://gateway.test/chat",
		TenantID:   "tenant-1",
		Visitors:   identity.NewMemoryStore(),
	})
}

func newTestSession(t *testing.T, opts Options) (*Session, *fakeTransport) {
	t.Helper()
	s := New(opts)
	ft := &fakeTransport{state: socket.Disconnected}
	s.newTransport = func(cfg socket.Config) transport {
		ft.cfg = cfg
		return ft
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return s, ft
}

func TestStart_ShopBootstrap(t *testing.T) {
	_, ft := newShopSession(t)

	if ft.cfg.UserID != "tenant-1" {
		t.Errorf("transport UserID = %q, want tenant-1", ft.cfg.UserID)
	}
	if ft.cfg.Subprotocol != "shop-token" {
		t.Errorf("transport Subprotocol = %q, want the bearer token", ft.cfg.Subprotocol)
	}
	if got := ft.lastSent(); got.action != "getConversations" {
		t.Errorf("bootstrap action = %q, want getConversations", got.action)
	}
}

func TestStart_CustomerBootstrap(t *testing.T) {
	kv := identity.NewMemoryStore()
	s, ft := newTestSession(t, Options{
		Role:       RoleCustomer,
		GatewayURL: "ws://gateway.test/chat",
		TenantID:   "tenant-1",
		Visitors:   kv,
	})

	if ft.cfg.Subprotocol != "" {
		t.Errorf("customer must not offer a subprotocol, got %q", ft.cfg.Subprotocol)
	}

	vid := s.VisitorID()
	if _, err := uuid.Parse(vid); err != nil {
		t.Fatalf("visitor id %q is not a UUID: %v", vid, err)
	}
	if stored, err := kv.Get(identity.VisitorKey); err != nil || stored != vid {
		t.Errorf("visitor id not persisted: %q, %v", stored, err)
	}

	got := ft.lastSent()
	if got.action != "getHistory" {
		t.Fatalf("bootstrap action = %q, want getHistory", got.action)
	}
	if got.fields["visitorId"] != vid {
		t.Errorf("bootstrap visitorId = %v, want %q", got.fields["visitorId"], vid)
	}
}

func TestStart_ShopWithoutCredential(t *testing.T) {
	for _, tokens := range []identity.TokenSource{nil, identity.StaticSource("")} {
		s := New(Options{Role: RoleShop, GatewayURL: "ws://gateway.test", TenantID: "tenant-1", Tokens: tokens})
		built := false
		s.newTransport = func(cfg socket.Config) transport {
			built = true
			return &fakeTransport{}
		}
		if err := s.Start(); err != identity.ErrNoCredential {
			t.Errorf("Start() error = %v, want ErrNoCredential", err)
		}
		if built {
			t.Error("transport was built despite missing credential")
		}
	}
}

func TestStart_Twice(t *testing.T) {
	s, _ := newShopSession(t)
	if err := s.Start(); err != ErrAlreadyStarted {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func newMessageFrame(convID, body string, ts int64, extra string) string {
	if extra != "" {
		extra = "," + extra
	}
	return fmt.Sprintf(`{"type":"NEW_MESSAGE","conversationId":%q,"message":%q,"senderType":"CUSTOMER","timestamp":%d%s}`, convID, body, ts, extra)
}

func TestReconcile_DedupIdempotence(t *testing.T) {
	s, ft := newShopSession(t)

	frame := newMessageFrame("conv-1", "hello", 100, "")
	ft.push(frame)
	ft.push(frame)

	c, ok := s.Conversation("conv-1")
	if !ok {
		t.Fatal("conversation not created")
	}
	if len(c.Messages) != 1 {
		t.Errorf("duplicate delivery appended: %d messages, want 1", len(c.Messages))
	}
	if c.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1 (duplicate must not count)", c.UnreadCount)
	}
}

func TestReconcile_OrderingInvariant(t *testing.T) {
	s, ft := newShopSession(t)

	ft.push(`{"type":"HISTORY","conversationId":"conv-1","messages":[
		{"message":"c","senderType":"SHOP","timestamp":300},
		{"message":"a","senderType":"CUSTOMER","timestamp":100},
		{"message":"b","senderType":"CUSTOMER","timestamp":200}
	]}`)
	ft.push(newMessageFrame("conv-1", "late", 150, ""))
	ft.push(newMessageFrame("conv-1", "d", 400, ""))

	c, _ := s.Conversation("conv-1")
	if len(c.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(c.Messages))
	}
	for i := 1; i < len(c.Messages); i++ {
		if c.Messages[i].Timestamp < c.Messages[i-1].Timestamp {
			t.Fatalf("ordering broken at %d: %d after %d", i, c.Messages[i].Timestamp, c.Messages[i-1].Timestamp)
		}
	}
	if c.Messages[1].Body != "late" {
		t.Errorf("late frame not inserted in place: order = %v", bodies(c))
	}
}

func bodies(c Conversation) []string {
	out := make([]string, len(c.Messages))
	for i, m := range c.Messages {
		out[i] = m.Body
	}
	return out
}

func TestReconcile_SnapshotPreservesLocalState(t *testing.T) {
	s, ft := newShopSession(t)

	ft.push(`{"type":"HISTORY","conversationId":"conv-1","messages":[
		{"message":"a","senderType":"CUSTOMER","timestamp":100},
		{"message":"b","senderType":"CUSTOMER","timestamp":200}
	]}`)
	ft.push(newMessageFrame("conv-1", "c", 300, ""))
	ft.push(newMessageFrame("conv-1", "d", 400, ""))

	before, _ := s.Conversation("conv-1")
	if len(before.Messages) != 4 || before.UnreadCount != 2 {
		t.Fatalf("setup: %d messages, unread %d", len(before.Messages), before.UnreadCount)
	}

	ft.push(`{"type":"CONVERSATIONS_LIST","conversations":[
		{"conversationId":"conv-1","visitorId":"v-1","lastMessage":"snapshot wins","updatedAt":9999,"visitorName":"Ada"}
	]}`)

	after, _ := s.Conversation("conv-1")
	if len(after.Messages) != 4 {
		t.Errorf("snapshot dropped local messages: %d, want 4", len(after.Messages))
	}
	if after.UnreadCount != 2 {
		t.Errorf("snapshot reset UnreadCount: %d, want 2", after.UnreadCount)
	}
	if after.LastMessage != "snapshot wins" || after.UpdatedAt != 9999 {
		t.Errorf("summary fields not overwritten: %q / %d", after.LastMessage, after.UpdatedAt)
	}
	if after.CustomerName != "Ada" || after.VisitorID != "v-1" {
		t.Errorf("summary identity fields not applied: %q / %q", after.CustomerName, after.VisitorID)
	}
}

func TestReconcile_SnapshotKeepsUnlistedConversations(t *testing.T) {
	s, ft := newShopSession(t)

	ft.push(newMessageFrame("conv-newer", "just arrived", 500, ""))
	ft.push(`{"type":"CONVERSATIONS_LIST","conversations":[
		{"conversationId":"conv-old","visitorId":"v-0","lastMessage":"old","updatedAt":100}
	]}`)

	if _, ok := s.Conversation("conv-newer"); !ok {
		t.Error("snapshot dropped a conversation created by a more recent event")
	}
	if _, ok := s.Conversation("conv-old"); !ok {
		t.Error("snapshot entry missing from store")
	}
}

func TestReconcile_UnreadAccounting(t *testing.T) {
	s, ft := newShopSession(t)

	ft.push(newMessageFrame("A", "seed a", 10, ""))
	ft.push(newMessageFrame("B", "seed b", 20, ""))
	s.MarkAsRead("A")

	if total := s.UnreadTotal(); total != 1 {
		t.Fatalf("after MarkAsRead(A): UnreadTotal = %d, want 1", total)
	}

	ft.push(newMessageFrame("A", "to active", 30, ""))
	ft.push(newMessageFrame("B", "to inactive", 40, ""))

	a, _ := s.Conversation("A")
	b, _ := s.Conversation("B")
	if a.UnreadCount != 0 {
		t.Errorf("active conversation unread = %d, want 0", a.UnreadCount)
	}
	if b.UnreadCount != 2 {
		t.Errorf("inactive conversation unread = %d, want 2", b.UnreadCount)
	}
	if total := s.UnreadTotal(); total != a.UnreadCount+b.UnreadCount {
		t.Errorf("UnreadTotal = %d, want sum %d", total, a.UnreadCount+b.UnreadCount)
	}
}

func TestReconcile_CustomerTracksNoUnread(t *testing.T) {
	s, ft := newCustomerSession(t)

	ft.push(newMessageFrame("conv-1", "hi", 100, ""))

	c, _ := s.Conversation("conv-1")
	if c.UnreadCount != 0 {
		t.Errorf("customer role UnreadCount = %d, want 0", c.UnreadCount)
	}
}

func TestReconcile_NameBackfill(t *testing.T) {
	s, ft := newShopSession(t)

	ft.push(newMessageFrame("conv-1", "hi", 100, `"visitorName":"Bea"`))
	c, _ := s.Conversation("conv-1")
	if c.CustomerName != "Bea" {
		t.Fatalf("CustomerName = %q, want backfilled Bea", c.CustomerName)
	}

	// A later message without a name hint must not clear it, and a
	// different hint must not overwrite it.
	ft.push(newMessageFrame("conv-1", "more", 200, ""))
	ft.push(newMessageFrame("conv-1", "again", 300, `"name":"Someone Else"`))
	c, _ = s.Conversation("conv-1")
	if c.CustomerName != "Bea" {
		t.Errorf("CustomerName changed to %q, want Bea kept", c.CustomerName)
	}
}

func TestReconcile_UnknownFrameIgnored(t *testing.T) {
	s, ft := newShopSession(t)

	changes := 0
	s.OnChange(func() { changes++ })

	ft.push(`{"type":"AGENT_TYPING","conversationId":"conv-1"}`)

	if len(s.Conversations()) != 0 {
		t.Error("unknown frame mutated the store")
	}
	if changes != 0 {
		t.Errorf("unknown frame fired %d change events", changes)
	}
}

func TestSendMessage_Shop(t *testing.T) {
	s, ft := newShopSession(t)

	if err := s.SendMessage("", "hi"); err != ErrConversationRequired {
		t.Errorf("empty id error = %v, want ErrConversationRequired", err)
	}

	if err := s.SendMessage("conv-1", "on our way"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	got := ft.lastSent()
	if got.action != "sendMessage" || got.fields["conversationId"] != "conv-1" || got.fields["message"] != "on our way" {
		t.Errorf("sent = %+v", got)
	}
	if _, hasName := got.fields["name"]; hasName {
		t.Error("shop send must not carry a visitor name")
	}
}

func TestSendMessage_CustomerFirstContactThenPlain(t *testing.T) {
	s, ft := newCustomerSession(t)
	vid := s.VisitorID()

	if err := s.SendMessage("", "Hello"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	first := ft.lastSent()
	if first.fields["visitorId"] != vid || first.fields["message"] != "Hello" {
		t.Errorf("first contact = %+v", first)
	}
	if first.fields["name"] != DefaultVisitorName || first.fields["email"] != DefaultVisitorEmail {
		t.Errorf("first contact introduction = %v / %v", first.fields["name"], first.fields["email"])
	}

	// Gateway echoes the message back; the next send is plain.
	ft.push(newMessageFrame("conv-1", "Hello", 100, ""))
	if err := s.SendMessage("", "still there?"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	second := ft.lastSent()
	if _, ok := second.fields["name"]; ok {
		t.Error("introduction repeated after first contact")
	}
	if _, ok := second.fields["email"]; ok {
		t.Error("email repeated after first contact")
	}
	if second.fields["visitorId"] != vid {
		t.Errorf("visitorId missing on subsequent send: %+v", second)
	}
}

func TestSendMessage_NotConnected(t *testing.T) {
	s, ft := newShopSession(t)
	ft.setState(socket.Reconnecting)

	if err := s.SendMessage("conv-1", "hi"); err != socket.ErrNotConnected {
		t.Errorf("SendMessage() error = %v, want ErrNotConnected", err)
	}
}

func TestLoadHistory(t *testing.T) {
	shop, shopT := newShopSession(t)
	if err := shop.LoadHistory("conv-1"); err != nil {
		t.Fatalf("shop LoadHistory() error = %v", err)
	}
	if got := shopT.lastSent(); got.action != "getHistory" || got.fields["conversationId"] != "conv-1" {
		t.Errorf("shop history request = %+v", got)
	}
	if err := shop.LoadHistory(""); err != ErrConversationRequired {
		t.Errorf("shop LoadHistory(\"\") error = %v", err)
	}

	cust, custT := newCustomerSession(t)
	if err := cust.LoadHistory(""); err != nil {
		t.Fatalf("customer LoadHistory() error = %v", err)
	}
	if got := custT.lastSent(); got.action != "getHistory" || got.fields["visitorId"] != cust.VisitorID() {
		t.Errorf("customer history request = %+v", got)
	}
}

func TestDeleteConversation(t *testing.T) {
	s, ft := newShopSession(t)
	ft.push(newMessageFrame("conv-1", "hi", 100, ""))
	s.MarkAsRead("conv-1")

	if err := s.DeleteConversation("conv-1"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}
	if _, ok := s.Conversation("conv-1"); ok {
		t.Error("conversation still in store after optimistic delete")
	}
	if s.ActiveConversationID() != "" {
		t.Error("active pointer not cleared with the conversation")
	}
	if got := ft.lastSent(); got.action != "deleteConversation" || got.fields["conversationId"] != "conv-1" {
		t.Errorf("remote delete = %+v", got)
	}
	if total := s.UnreadTotal(); total != 0 {
		t.Errorf("UnreadTotal = %d after delete, want 0", total)
	}
}

func TestDeleteConversation_CustomerForbidden(t *testing.T) {
	s, ft := newCustomerSession(t)
	ft.push(newMessageFrame("conv-1", "hi", 100, ""))

	if err := s.DeleteConversation("conv-1"); err != ErrRoleNotAllowed {
		t.Errorf("DeleteConversation() error = %v, want ErrRoleNotAllowed", err)
	}
	if _, ok := s.Conversation("conv-1"); !ok {
		t.Error("forbidden delete still removed the conversation")
	}
}

func TestConversations_SortedByUpdatedAt(t *testing.T) {
	s, ft := newShopSession(t)

	ft.push(newMessageFrame("older", "a", 100, ""))
	ft.push(newMessageFrame("newest", "b", 300, ""))
	ft.push(newMessageFrame("middle", "c", 200, ""))

	got := s.Conversations()
	if len(got) != 3 {
		t.Fatalf("got %d conversations", len(got))
	}
	if got[0].ID != "newest" || got[1].ID != "middle" || got[2].ID != "older" {
		t.Errorf("order = %s, %s, %s", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestClose_DetachesObservers(t *testing.T) {
	s, ft := newShopSession(t)

	changes := 0
	s.OnChange(func() { changes++ })

	s.Close()
	if ft.state != socket.Disconnected {
		t.Error("Close() did not disconnect the transport")
	}

	ft.push(newMessageFrame("conv-1", "late frame", 100, ""))
	if changes != 0 {
		t.Errorf("observer fired after Close: %d", changes)
	}
	if s.State() != socket.Disconnected {
		t.Errorf("State() after Close = %v", s.State())
	}
}
