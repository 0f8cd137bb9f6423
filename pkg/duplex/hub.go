package duplex

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

// wsConn is the subset of nhooyr.io/websocket's *Conn this package drives,
// narrowed for testability — grounded on pkg/ipc/hub.go's wsConn interface.
type wsConn interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(status websocket.StatusCode, reason string) error
}

// client is one connected duplex socket, identified by a monotonic id
// assigned at registration (§4.7).
type client struct {
	id   uint64
	conn wsConn
	send chan Envelope
}

func (c *client) enqueue(env Envelope) bool {
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

func (c *client) writeLoop(ctx context.Context) error {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return nil
			}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err = c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Hub owns every connected duplex client and the envelope_id → client_id
// routing map described in §4.7. A tool call's response is looked up by
// envelope id and delivered only to the client that sent it; a route is
// removed once the response is delivered or the client disconnects.
type Hub struct {
	mu           sync.RWMutex
	nextClientID uint64
	clients      map[uint64]*client
	routes       map[string]uint64
	eg           *errgroup.Group
}

// NewHub constructs an empty Hub. Every client's write pump is spawned
// under eg, the Server's lifetime-scoped errgroup.Group, rather than a
// bare goroutine, so the Server can await clean shutdown of all of them.
func NewHub(eg *errgroup.Group) *Hub {
	return &Hub{
		clients: make(map[uint64]*client),
		routes:  make(map[string]uint64),
		eg:      eg,
	}
}

// Register assigns a new client id to conn and starts its write loop.
func (h *Hub) Register(ctx context.Context, conn wsConn) (clientID uint64, done <-chan error) {
	id := atomic.AddUint64(&h.nextClientID, 1)
	c := &client{id: id, conn: conn, send: make(chan Envelope, 64)}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	activeClients.Inc()
	clientsConnected.Inc()

	errCh := make(chan error, 1)
	h.eg.Go(func() error {
		err := c.writeLoop(ctx)
		errCh <- err
		return err
	})
	return id, errCh
}

// Remove disconnects a client and drops every routing entry that still
// points at it, per §4.7's disconnect cleanup.
func (h *Hub) Remove(clientID uint64) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)
	close(c.send)
	for envelopeID, owner := range h.routes {
		if owner == clientID {
			delete(h.routes, envelopeID)
		}
	}
	h.mu.Unlock()

	activeClients.Dec()
	clientsDisconnected.Inc()
}

// RouteEnvelope records envelope_id → client_id before the dispatch is
// enqueued, so a concurrent disconnect can never race an unrecorded
// response into the wrong client (§4.7).
func (h *Hub) RouteEnvelope(envelopeID string, clientID uint64) {
	h.mu.Lock()
	h.routes[envelopeID] = clientID
	h.mu.Unlock()
}

// Deliver looks up envelopeID's owning client and enqueues env on it. If
// the client has since disconnected the response is silently dropped, per
// §4.7 ("If the client has disconnected, drop the response"). The route
// is consumed whether or not delivery succeeded.
func (h *Hub) Deliver(envelopeID string, env Envelope) bool {
	h.mu.Lock()
	clientID, ok := h.routes[envelopeID]
	if ok {
		delete(h.routes, envelopeID)
	}
	var c *client
	if ok {
		c = h.clients[clientID]
	}
	h.mu.Unlock()

	if c == nil {
		return false
	}
	return c.enqueue(env)
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
