// Package gatewaysim is an in-memory stand-in for the chat gateway,
// honoring the same wire contract the production gateway exposes. It
// backs the integration tests and the gateway-sim binary; it persists
// nothing.
package gatewaysim

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/garagehq/shop-chat/pkg/protocol"
)

type conversation struct {
	ID          string
	VisitorID   string
	VisitorName string
	LastMessage string
	UpdatedAt   int64
	Messages    []protocol.Message
}

// clientConn is one accepted WebSocket peer.
type clientConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *clientConn) write(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, data)
}

// Gateway brokers frames between every connected peer of one simulated
// tenant.
type Gateway struct {
	log *slog.Logger

	// now returns the current epoch millis; overridden in tests for
	// stable timestamps.
	now func() int64

	mu        sync.Mutex
	conns     map[*clientConn]struct{}
	convs     map[string]*conversation
	byVisitor map[string]string // visitor id -> conversation id

	listener net.Listener
	server   *http.Server
}

// New creates an empty Gateway.
func New(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		log:       logger,
		now:       func() int64 { return time.Now().UnixMilli() },
		conns:     make(map[*clientConn]struct{}),
		convs:     make(map[string]*conversation),
		byVisitor: make(map[string]string),
	}
}

// Handler returns the WebSocket endpoint, for mounting under httptest
// or a custom mux.
func (g *Gateway) Handler() http.Handler {
	return http.HandlerFunc(g.handleWebSocket)
}

// Start listens on address and serves until Stop.
func (g *Gateway) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.listener = listener
	g.server = &http.Server{Handler: g.Handler()}
	server := g.server
	g.mu.Unlock()

	g.log.Info("gateway-sim listening", "addr", listener.Addr().String())
	return server.Serve(listener)
}

// Stop shuts the server down and drops all connections.
func (g *Gateway) Stop() {
	g.mu.Lock()
	server := g.server
	conns := make([]*clientConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	if server != nil {
		server.Shutdown(context.Background())
	}
	for _, c := range conns {
		c.conn.Close()
	}
}

// Addr returns the listening address, or "" before Start.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// SeedConversation installs a conversation with pre-existing messages.
// Returns its id. For tests.
func (g *Gateway) SeedConversation(visitorID, visitorName string, messages ...protocol.Message) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.ensureConversationLocked(visitorID, visitorName)
	for _, m := range messages {
		c.Messages = append(c.Messages, m)
		c.LastMessage = m.Body
		if m.Timestamp > c.UpdatedAt {
			c.UpdatedAt = m.Timestamp
		}
	}
	return c.ID
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := ws.HTTPUpgrader{
		// Echo whatever subprotocol the peer offers; the shop dashboard
		// carries its bearer token there.
		Protocol: func(string) bool { return true },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		g.log.Warn("upgrade failed", "error", err)
		return
	}

	client := &clientConn{conn: conn}
	g.mu.Lock()
	g.conns[client] = struct{}{}
	g.mu.Unlock()

	go g.readLoop(client)
}

func (g *Gateway) readLoop(client *clientConn) {
	defer func() {
		g.mu.Lock()
		delete(g.conns, client)
		g.mu.Unlock()
		client.conn.Close()
	}()

	for {
		data, op, err := wsutil.ReadClientData(client.conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}

		var envelope map[string]any
		if err := json.Unmarshal(data, &envelope); err != nil {
			g.log.Warn("dropping malformed envelope", "error", err)
			continue
		}
		action, _ := envelope["action"].(string)
		g.dispatch(client, action, envelope)
	}
}

func (g *Gateway) dispatch(client *clientConn, action string, envelope map[string]any) {
	switch action {
	case protocol.ActionSendMessage:
		g.handleSendMessage(envelope)
	case protocol.ActionGetHistory:
		g.handleGetHistory(client, envelope)
	case protocol.ActionGetConversations:
		g.handleGetConversations(client)
	case protocol.ActionDeleteConversation:
		if id, _ := envelope["conversationId"].(string); id != "" {
			g.mu.Lock()
			if c, ok := g.convs[id]; ok {
				delete(g.byVisitor, c.VisitorID)
				delete(g.convs, id)
			}
			g.mu.Unlock()
		}
	default:
		g.log.Warn("unknown action", "action", action)
	}
}

func (g *Gateway) handleSendMessage(envelope map[string]any) {
	body, _ := envelope["message"].(string)
	ts := g.now()

	g.mu.Lock()
	var conv *conversation
	sender := protocol.SenderShop
	if id, _ := envelope["conversationId"].(string); id != "" {
		conv = g.convs[id]
	} else if visitorID, _ := envelope["visitorId"].(string); visitorID != "" {
		name, _ := envelope["name"].(string)
		conv = g.ensureConversationLocked(visitorID, name)
		sender = protocol.SenderCustomer
	}
	if conv == nil {
		g.mu.Unlock()
		return
	}

	msg := protocol.Message{Body: body, Sender: sender, Timestamp: ts}
	if conv.VisitorName != "" {
		msg.Extra = map[string]any{"visitorName": conv.VisitorName}
	}
	conv.Messages = append(conv.Messages, msg)
	conv.LastMessage = body
	conv.UpdatedAt = ts
	convID := conv.ID
	g.mu.Unlock()

	frame := map[string]any{
		"type":           protocol.TypeNewMessage,
		"conversationId": convID,
		"message":        body,
		"senderType":     string(sender),
		"timestamp":      ts,
	}
	for k, v := range msg.Extra {
		frame[k] = v
	}
	g.broadcast(frame)
}

func (g *Gateway) handleGetHistory(client *clientConn, envelope map[string]any) {
	g.mu.Lock()
	var conv *conversation
	if id, _ := envelope["conversationId"].(string); id != "" {
		conv = g.convs[id]
	} else if visitorID, _ := envelope["visitorId"].(string); visitorID != "" {
		// The widget's single-conversation assumption: history is keyed
		// by the visitor, creating the thread on first sight.
		conv = g.ensureConversationLocked(visitorID, "")
	}
	if conv == nil {
		g.mu.Unlock()
		return
	}
	frame := map[string]any{
		"type":           protocol.TypeHistory,
		"conversationId": conv.ID,
		"messages":       append([]protocol.Message(nil), conv.Messages...),
	}
	g.mu.Unlock()

	if err := client.write(frame); err != nil {
		g.log.Warn("history reply failed", "error", err)
	}
}

func (g *Gateway) handleGetConversations(client *clientConn) {
	g.mu.Lock()
	summaries := make([]protocol.ConversationSummary, 0, len(g.convs))
	for _, c := range g.convs {
		summaries = append(summaries, protocol.ConversationSummary{
			ConversationID: c.ID,
			VisitorID:      c.VisitorID,
			LastMessage:    c.LastMessage,
			UpdatedAt:      c.UpdatedAt,
			VisitorName:    c.VisitorName,
		})
	}
	g.mu.Unlock()

	frame := map[string]any{
		"type":          protocol.TypeConversationsList,
		"conversations": summaries,
	}
	if err := client.write(frame); err != nil {
		g.log.Warn("conversations reply failed", "error", err)
	}
}

func (g *Gateway) ensureConversationLocked(visitorID, visitorName string) *conversation {
	if id, ok := g.byVisitor[visitorID]; ok {
		c := g.convs[id]
		if c.VisitorName == "" && visitorName != "" {
			c.VisitorName = visitorName
		}
		return c
	}
	c := &conversation{
		ID:          uuid.NewString(),
		VisitorID:   visitorID,
		VisitorName: visitorName,
	}
	g.convs[c.ID] = c
	g.byVisitor[visitorID] = c.ID
	return c
}

func (g *Gateway) broadcast(frame any) {
	g.mu.Lock()
	conns := make([]*clientConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		if err := c.write(frame); err != nil {
			g.log.Warn("broadcast write failed", "error", err)
		}
	}
}
