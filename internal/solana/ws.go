package solana

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	maxMsgSize = 1 << 20
	sendBuffer = 256
)

// LogsEvent is one logsNotification delivered to a subscriber.
type LogsEvent struct {
	Signature string
	Err       interface{}
	Logs      []string
	Slot      uint64
}

// Failed reports whether the transaction the logs belong to errored.
func (e LogsEvent) Failed() bool {
	return e.Err != nil
}

// AccountEvent is one accountNotification delivered to a subscriber.
type AccountEvent struct {
	Lamports uint64
	Owner    string
	Slot     uint64
}

// WSConfig controls the subscription session.
type WSConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// WSClient maintains one WebSocket session against the node and fans
// notifications out to registered listeners. Subscriptions survive
// reconnects: every session re-issues them and remaps server ids.
type WSClient struct {
	cfg    WSConfig
	dialer *websocket.Dialer

	mu         sync.Mutex
	subs       map[uint64]*subscription
	serverSubs map[uint64]uint64 // server subscription id → local id
	pending    map[uint64]uint64 // request id → local id
	send       chan []byte
	connected  bool

	nextLocalID atomic.Uint64
	nextReqID   atomic.Uint64

	reconnects    atomic.Uint64
	notifications atomic.Uint64
}

type subscription struct {
	localID     uint64
	serverID    uint64
	method      string
	unsubMethod string
	params      []interface{}
	handle      func(result json.RawMessage)
}

type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type wsMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *wsNotifyParams `json:"params,omitempty"`
}

type wsNotifyParams struct {
	Subscription uint64          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type logsNotification struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Signature string      `json:"signature"`
		Err       interface{} `json:"err"`
		Logs      []string    `json:"logs"`
	} `json:"value"`
}

type accountNotification struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value struct {
		Lamports uint64 `json:"lamports"`
		Owner    string `json:"owner"`
	} `json:"value"`
}

// NewWSClient builds a client; call Run to connect.
func NewWSClient(cfg WSConfig) *WSClient {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &WSClient{
		cfg:        cfg,
		dialer:     &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		subs:       make(map[uint64]*subscription),
		serverSubs: make(map[uint64]uint64),
		pending:    make(map[uint64]uint64),
	}
}

// OnLogs subscribes to log notifications mentioning the address. Returns
// a listener id for RemoveOnLogsListener.
func (w *WSClient) OnLogs(mention string, cb func(LogsEvent)) uint64 {
	return w.register(&subscription{
		method:      "logsSubscribe",
		unsubMethod: "logsUnsubscribe",
		params: []interface{}{
			map[string]interface{}{"mentions": []string{mention}},
			map[string]interface{}{"commitment": "confirmed"},
		},
		handle: func(result json.RawMessage) {
			var n logsNotification
			if err := json.Unmarshal(result, &n); err != nil {
				return
			}
			cb(LogsEvent{
				Signature: n.Value.Signature,
				Err:       n.Value.Err,
				Logs:      n.Value.Logs,
				Slot:      n.Context.Slot,
			})
		},
	})
}

// OnAccount subscribes to state changes of one account.
func (w *WSClient) OnAccount(address string, cb func(AccountEvent)) uint64 {
	return w.register(&subscription{
		method:      "accountSubscribe",
		unsubMethod: "accountUnsubscribe",
		params: []interface{}{
			address,
			map[string]interface{}{"encoding": "jsonParsed", "commitment": "confirmed"},
		},
		handle: func(result json.RawMessage) {
			var n accountNotification
			if err := json.Unmarshal(result, &n); err != nil {
				return
			}
			cb(AccountEvent{
				Lamports: n.Value.Lamports,
				Owner:    n.Value.Owner,
				Slot:     n.Context.Slot,
			})
		},
	})
}

// RemoveOnLogsListener drops a log subscription.
func (w *WSClient) RemoveOnLogsListener(id uint64) {
	w.removeListener(id)
}

// RemoveOnAccountListener drops an account subscription.
func (w *WSClient) RemoveOnAccountListener(id uint64) {
	w.removeListener(id)
}

func (w *WSClient) register(sub *subscription) uint64 {
	sub.localID = w.nextLocalID.Add(1)

	w.mu.Lock()
	w.subs[sub.localID] = sub
	connected := w.connected
	w.mu.Unlock()

	if connected {
		w.requestSubscribe(sub)
	}
	return sub.localID
}

func (w *WSClient) removeListener(id uint64) {
	w.mu.Lock()
	sub, ok := w.subs[id]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.subs, id)
	if sub.serverID != 0 {
		delete(w.serverSubs, sub.serverID)
	}
	connected := w.connected
	w.mu.Unlock()

	if connected && sub.serverID != 0 {
		raw, _ := json.Marshal(wsRequest{
			JSONRPC: "2.0",
			ID:      w.nextReqID.Add(1),
			Method:  sub.unsubMethod,
			Params:  []interface{}{sub.serverID},
		})
		w.enqueue(raw)
	}
}

func (w *WSClient) requestSubscribe(sub *subscription) {
	reqID := w.nextReqID.Add(1)

	w.mu.Lock()
	w.pending[reqID] = sub.localID
	w.mu.Unlock()

	raw, _ := json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  sub.method,
		Params:  sub.params,
	})
	w.enqueue(raw)
}

// enqueue hands a frame to the current session's write pump. Frames are
// dropped when no session is up; reconnect re-issues subscriptions anyway.
func (w *WSClient) enqueue(msg []byte) bool {
	w.mu.Lock()
	send := w.send
	w.mu.Unlock()

	if send == nil {
		return false
	}
	select {
	case send <- msg:
		return true
	default:
		slog.Warn("solana ws send buffer full, dropping frame")
		return false
	}
}

// Run dials and serves sessions until the context ends, backing off
// between attempts. Blocks; run it on its own goroutine.
func (w *WSClient) Run(ctx context.Context) {
	backoff := w.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		established, err := w.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if established {
			backoff = w.cfg.ReconnectMin
		}
		w.reconnects.Add(1)
		slog.Warn("solana ws disconnected, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		backoff *= 2
		if backoff > w.cfg.ReconnectMax {
			backoff = w.cfg.ReconnectMax
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// session owns one connection: a write pump for frames and pings, and an
// inline read loop. Returns established=true once the dial succeeded so
// the caller can reset its backoff.
func (w *WSClient) session(ctx context.Context) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.DialTimeout)
	conn, _, err := w.dialer.DialContext(dialCtx, w.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, err
	}

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})
	var once sync.Once
	closeSession := func() {
		once.Do(func() {
			close(done)
			conn.Close()
		})
	}
	defer closeSession()

	w.mu.Lock()
	w.send = send
	w.connected = true
	w.serverSubs = make(map[uint64]uint64)
	w.pending = make(map[uint64]uint64)
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		sub.serverID = 0
		subs = append(subs, sub)
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.send = nil
		w.connected = false
		w.mu.Unlock()
	}()

	go w.writePump(conn, send, done, closeSession)
	go func() {
		select {
		case <-ctx.Done():
			closeSession()
		case <-done:
		}
	}()

	slog.Info("solana ws connected", slog.Int("subscriptions", len(subs)))
	for _, sub := range subs {
		w.requestSubscribe(sub)
	}

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		w.handleMessage(payload)
	}
}

// writePump is the only writer on the connection.
func (w *WSClient) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}, closeSession func()) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		closeSession()
	}()

	for {
		select {
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (w *WSClient) handleMessage(payload []byte) {
	var msg wsMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		slog.Debug("solana ws: unparseable frame", slog.String("error", err.Error()))
		return
	}

	switch {
	case msg.Params != nil:
		w.notifications.Add(1)
		w.mu.Lock()
		var sub *subscription
		if localID, ok := w.serverSubs[msg.Params.Subscription]; ok {
			sub = w.subs[localID]
		}
		w.mu.Unlock()
		if sub != nil {
			sub.handle(msg.Params.Result)
		}

	case msg.ID != nil:
		if msg.Error != nil {
			slog.Warn("solana ws request rejected",
				slog.Uint64("id", *msg.ID),
				slog.Int("code", msg.Error.Code),
				slog.String("message", msg.Error.Message))
			w.mu.Lock()
			delete(w.pending, *msg.ID)
			w.mu.Unlock()
			return
		}

		// Subscription confirmations carry a numeric server id.
		// Unsubscribe acks carry a bool and simply fail this decode.
		var serverID uint64
		if err := json.Unmarshal(msg.Result, &serverID); err != nil {
			return
		}
		w.mu.Lock()
		if localID, ok := w.pending[*msg.ID]; ok {
			delete(w.pending, *msg.ID)
			if sub, live := w.subs[localID]; live {
				sub.serverID = serverID
				w.serverSubs[serverID] = localID
			}
		}
		w.mu.Unlock()
	}
}

// Connected reports whether a session is currently up.
func (w *WSClient) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// WSStats is a snapshot of session counters.
type WSStats struct {
	Connected     bool   `json:"connected"`
	Subscriptions int    `json:"subscriptions"`
	Reconnects    uint64 `json:"reconnects"`
	Notifications uint64 `json:"notifications"`
}

// Stats returns current session counters.
func (w *WSClient) Stats() WSStats {
	w.mu.Lock()
	connected := w.connected
	subs := len(w.subs)
	w.mu.Unlock()

	return WSStats{
		Connected:     connected,
		Subscriptions: subs,
		Reconnects:    w.reconnects.Load(),
		Notifications: w.notifications.Load(),
	}
}
