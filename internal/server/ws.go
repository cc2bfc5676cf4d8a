package server

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"missionline/internal/app"
)

const (
	wsSendBuffer   = 16
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

type wsMessage struct {
	Type    string             `json:"type"`
	Payload ObjectivesResponse `json:"payload"`
}

// hub pushes the objective view to every connected websocket client after
// each console change. It watches the console only while clients are
// connected.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	logger  *log.Logger
	watch   func(func(app.View)) func()
	unwatch func()
}

type wsClient struct {
	conn *websocket.Conn
	send chan app.View
}

func newHub(logger *log.Logger, watch func(func(app.View)) func()) *hub {
	return &hub{clients: map[*wsClient]struct{}{}, logger: logger, watch: watch}
}

// join registers c and queues current() as its first frame under one lock,
// so no broadcast falls between the two.
func (h *hub) join(c *wsClient, current func() app.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		h.unwatch = h.watch(h.broadcast)
	}
	h.clients[c] = struct{}{}
	c.send <- current()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	h.drop(c)
	h.mu.Unlock()
}

// drop must be called with mu held.
func (h *hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	if len(h.clients) == 0 && h.unwatch != nil {
		h.unwatch()
		h.unwatch = nil
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcast(v app.View) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- v:
		default:
			h.logger.Printf("ws: client %s too slow, disconnecting", c.conn.RemoteAddr())
			h.drop(c)
		}
	}
}

func (h *hub) serve(console *app.Console) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Println("ws: upgrade:", err)
			return
		}
		c := &wsClient{conn: conn, send: make(chan app.View, wsSendBuffer)}
		h.join(c, console.View)
		h.logger.Printf("ws: %s connected (%d clients)", conn.RemoteAddr(), h.count())
		go c.writeLoop()
		c.readLoop()
		h.remove(c)
	}
}

func (c *wsClient) writeLoop() {
	defer c.conn.Close()
	for v := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.conn.WriteJSON(wsMessage{Type: "objectives", Payload: objectivesResponse(v)}); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop discards inbound frames until the peer goes away.
func (c *wsClient) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
