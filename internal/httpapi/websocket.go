package httpapi

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsNotification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// wsHub broadcasts status notifications to subscribed clients, a
// trimmed descendant of the teacher's moonraker.WSHub stripped of the
// generic JSON-RPC method dispatch this daemon doesn't need — every
// write goes through /api/printer/command instead.
type wsHub struct {
	server *Server

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

func newWSHub(s *Server) *wsHub {
	return &wsHub{server: s, clients: map[*wsClient]bool{}}
}

func (h *wsHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) broadcastNotification(method string, params interface{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := wsNotification{JSONRPC: "2.0", Method: method, Params: params}
	for c := range h.clients {
		_ = c.send(n)
	}
}
