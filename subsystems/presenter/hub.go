package presenter

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const clientWriteDeadline = time.Millisecond * 100

// wsClient serializes writes to one websocket connection. The connection
// itself forbids concurrent writers, and broadcasts can race each other as
// well as the initial snapshot push.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(snap Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	//nolint:errcheck,gosec
	c.conn.SetWriteDeadline(time.Now().Add(clientWriteDeadline))
	return c.conn.WriteJSON(snap)
}

// hub fans status snapshots out to connected websocket clients.
type hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]*wsClient
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*wsClient)}
}

func (h *hub) addClient(conn *websocket.Conn) *wsClient {
	h.mu.Lock()
	defer h.mu.Unlock()
	client := &wsClient{conn: conn}
	h.clients[conn] = client
	return client
}

func (h *hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		//nolint:errcheck,gosec
		conn.Close()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		//nolint:errcheck,gosec
		conn.Close()
		delete(h.clients, conn)
	}
}

// broadcast sends the snapshot to every client, dropping any that fail or
// are too slow to accept the write.
func (h *hub) broadcast(snap Snapshot) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	var failed []*websocket.Conn
	var failedMu sync.Mutex
	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *wsClient) {
			defer wg.Done()
			if err := c.send(snap); err != nil {
				failedMu.Lock()
				failed = append(failed, c.conn)
				failedMu.Unlock()
			}
		}(client)
	}
	wg.Wait()

	for _, conn := range failed {
		h.removeClient(conn)
	}
}
