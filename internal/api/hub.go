package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Waupie/home-security-camera/internal/movement"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 8
)

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// MovementHub pushes movement snapshots to WebSocket clients. New clients
// get the current state first, then every trigger or forced change, then
// the return to inactive once the hold window runs out.
type MovementHub struct {
	state    *movement.State
	logger   *zap.Logger
	upgrader websocket.Upgrader

	clients    map[*wsClient]bool
	broadcast  chan movement.Snapshot
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	closeOnce  sync.Once

	mu    sync.RWMutex
	count int
}

// NewMovementHub subscribes to state. checkOrigin gates upgrades.
func NewMovementHub(state *movement.State, logger *zap.Logger, checkOrigin func(*http.Request) bool) *MovementHub {
	h := &MovementHub{
		state:  state,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan movement.Snapshot, 16),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
	state.OnChange(h.publish)
	return h
}

// publish runs on the detector goroutine and never blocks it.
func (h *MovementHub) publish(snap movement.Snapshot) {
	select {
	case h.broadcast <- snap:
	case <-h.done:
	default:
		h.logger.Debug("Movement update dropped, hub backlog full")
	}
}

// Run serves registrations and broadcasts until Close.
func (h *MovementHub) Run() {
	var (
		expiry *time.Timer
		expire <-chan time.Time
	)
	// arm schedules a re-read just past the end of an active snapshot's
	// hold window.
	arm := func(snap movement.Snapshot) {
		if expiry != nil {
			expiry.Stop()
		}
		expire = nil
		if !snap.Active || snap.LastTrigger == nil {
			return
		}
		wait := time.Until(snap.LastTrigger.Add(h.state.HoldWindow())) + time.Millisecond
		expiry = time.NewTimer(max(wait, 0))
		expire = expiry.C
	}
	defer func() {
		if expiry != nil {
			expiry.Stop()
		}
	}()

	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))
			if msg, err := json.Marshal(h.state.Read()); err == nil {
				c.send <- msg
			}
			h.logger.Debug("Movement client connected", zap.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
			}

		case snap := <-h.broadcast:
			h.send(snap)
			arm(snap)

		case <-expire:
			snap := h.state.Read()
			if !snap.Active {
				h.send(snap)
			}
			arm(snap)

		case <-h.done:
			for c := range h.clients {
				close(c.send)
			}
			h.clients = nil
			h.setCount(0)
			return
		}
	}
}

// send runs on the Run goroutine only.
func (h *MovementHub) send(snap movement.Snapshot) {
	msg, err := json.Marshal(snap)
	if err != nil {
		return
	}
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping slow movement client")
			delete(h.clients, c)
			close(c.send)
		}
	}
	h.setCount(len(h.clients))
}

func (h *MovementHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *MovementHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *MovementHub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and blocks until the client goes away.
func (h *MovementHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()

	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// readPump discards client messages and notices disconnects.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
