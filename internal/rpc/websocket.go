package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"

	"github.com/insoblok/inso-bundler/internal/bundler"
)

// subUserOperationStatus streams every user operation status change.
const subUserOperationStatus = "userOperationStatus"

// WSSubscriptionManager manages WebSocket connections and subscriptions.
type WSSubscriptionManager struct {
	mu          sync.RWMutex
	subscribers map[uint64]*wsSubscription
	nextID      atomic.Uint64
	handler     *Handler
	logger      log.Logger
	upgrader    websocket.Upgrader

	statusSub event.Subscription
	wg        sync.WaitGroup
}

type wsSubscription struct {
	id      uint64
	conn    *wsConn
	subType string
}

// wsConn serializes writes to a gorilla connection, which allows only one
// concurrent writer.
type wsConn struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.closed = true
		return err
	}
	return nil
}

// reply writes v to conn. A failed write means the peer is gone; the read
// loop notices and cleans up.
func (m *WSSubscriptionManager) reply(conn *wsConn, v interface{}) {
	if err := conn.writeJSON(v); err != nil {
		m.logger.Debug("Failed to write WebSocket response", "err", err)
	}
}

// NewWSSubscriptionManager creates a new WebSocket subscription manager.
func NewWSSubscriptionManager(handler *Handler) *WSSubscriptionManager {
	return &WSSubscriptionManager{
		subscribers: make(map[uint64]*wsSubscription),
		handler:     handler,
		logger:      log.New("module", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for devnet
			},
		},
	}
}

// Start forwards backend status events to subscribers until ctx is done or
// Stop is called.
func (m *WSSubscriptionManager) Start(ctx context.Context) {
	events := make(chan bundler.StatusEvent, 256)
	m.statusSub = m.handler.backend.SubscribeStatus(events)
	if m.statusSub == nil {
		m.logger.Warn("Status feed closed, websocket notifications disabled")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case ev := <-events:
				m.BroadcastStatus(ev)
			case <-m.statusSub.Err():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends event forwarding.
func (m *WSSubscriptionManager) Stop() {
	if m.statusSub != nil {
		m.statusSub.Unsubscribe()
	}
	m.wg.Wait()
}

// HandleWS upgrades an HTTP connection to WebSocket and manages subscriptions.
func (m *WSSubscriptionManager) HandleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("WebSocket upgrade failed", "err", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}

	m.logger.Debug("WebSocket connection established", "remote", r.RemoteAddr)

	for {
		_, message, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("WebSocket read error", "err", err)
			}
			m.cleanupConn(conn)
			return
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(message, &req); err != nil {
			m.reply(conn, errorResponse(nil, &JSONRPCError{Code: codeParseError, Message: "parse error"}))
			continue
		}

		switch req.Method {
		case "eth_subscribe":
			m.handleSubscribe(conn, &req)
		case "eth_unsubscribe":
			m.handleUnsubscribe(conn, &req)
		default:
			m.reply(conn, m.handler.Handle(r.Context(), &req))
		}
	}
}

func (m *WSSubscriptionManager) handleSubscribe(conn *wsConn, req *JSONRPCRequest) {
	var subType string
	if err := decodeParams(req.Params, &subType); err != nil {
		m.reply(conn, errorResponse(req.ID, invalidParams("invalid subscription type")))
		return
	}
	if subType != subUserOperationStatus {
		m.reply(conn, errorResponse(req.ID, invalidParams(fmt.Sprintf("unsupported subscription type: %s", subType))))
		return
	}

	subID := m.nextID.Add(1)
	m.mu.Lock()
	m.subscribers[subID] = &wsSubscription{id: subID, conn: conn, subType: subType}
	m.mu.Unlock()

	m.logger.Debug("New subscription", "id", subID, "type", subType)
	m.reply(conn, resultResponse(req.ID, hexutil.Uint64(subID)))
}

func (m *WSSubscriptionManager) handleUnsubscribe(conn *wsConn, req *JSONRPCRequest) {
	var subID hexutil.Uint64
	if err := decodeParams(req.Params, &subID); err != nil {
		m.reply(conn, errorResponse(req.ID, invalidParams("invalid subscription id")))
		return
	}

	m.mu.Lock()
	sub, exists := m.subscribers[uint64(subID)]
	if exists && sub.conn == conn {
		delete(m.subscribers, uint64(subID))
	} else {
		exists = false
	}
	m.mu.Unlock()

	m.reply(conn, resultResponse(req.ID, exists))
}

// BroadcastStatus sends a userOperationStatus notification to every
// subscriber.
func (m *WSSubscriptionManager) BroadcastStatus(ev bundler.StatusEvent) {
	m.mu.RLock()
	subs := make([]*wsSubscription, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		if sub.subType == subUserOperationStatus {
			subs = append(subs, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		notification := map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params": map[string]interface{}{
				"subscription": hexutil.Uint64(sub.id),
				"result":       ev,
			},
		}
		if err := sub.conn.writeJSON(notification); err != nil {
			m.logger.Debug("Failed to write to subscriber", "id", sub.id, "err", err)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (m *WSSubscriptionManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// cleanupConn removes all subscriptions for a disconnected connection.
func (m *WSSubscriptionManager) cleanupConn(conn *wsConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscribers {
		if sub.conn == conn {
			delete(m.subscribers, id)
		}
	}
}

func resultResponse(id interface{}, v interface{}) *JSONRPCResponse {
	data, _ := json.Marshal(v)
	raw := json.RawMessage(data)
	return &JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: &raw}
}
