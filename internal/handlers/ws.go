package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/gluk-w/termgate/internal/protocol"
)

// maxInboundMessageSize caps a single inbound protocol message. Larger
// messages are dropped before decoding.
const maxInboundMessageSize = 64 * 1024 // 64 KB

// sendQueueDepth bounds each connection's outbound queue. A connection that
// cannot keep up has messages dropped rather than stalling session drains.
const sendQueueDepth = 256

// TerminalWS handles a WebSocket connection speaking the session protocol.
// The client identifier arrives pre-authenticated from the fronting layer.
func (h *Handlers) TerminalWS(w http.ResponseWriter, r *http.Request) {
	id := clientID(r)
	if id == "" {
		http.Error(w, "Missing client identifier", http.StatusBadRequest)
		return
	}

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] failed to accept websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	clientConn.SetReadLimit(1024 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newWSConn(ctx, clientConn)
	defer func() {
		h.Router.DetachConn(conn)
		conn.close()
	}()

	log.Printf("[ws] client %s connected", id)

	for {
		_, data, err := clientConn.Read(ctx)
		if err != nil {
			log.Printf("[ws] client %s disconnected: %v", id, err)
			return
		}
		if len(data) > maxInboundMessageSize {
			conn.Send(protocol.NewError("", protocol.CodeInvalidMessage, "message too large"))
			continue
		}
		h.Router.HandleMessage(id, conn, data)
	}
}

// wsConn adapts a websocket connection to the router's non-blocking Conn
// contract via a bounded send queue and a dedicated writer goroutine.
type wsConn struct {
	ctx    context.Context
	conn   *websocket.Conn
	sendCh chan protocol.ServerMessage

	mu      sync.Mutex
	closed  bool
	dropped uint64
}

func newWSConn(ctx context.Context, conn *websocket.Conn) *wsConn {
	c := &wsConn{
		ctx:    ctx,
		conn:   conn,
		sendCh: make(chan protocol.ServerMessage, sendQueueDepth),
	}
	go c.writeLoop()
	return c
}

// Send enqueues a message without blocking, dropping it when the queue is
// full. Implements router.Conn.
func (c *wsConn) Send(msg protocol.ServerMessage) {
	// The mutex covers the channel send so a concurrent close cannot close
	// sendCh between the closed check and the enqueue.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.sendCh <- msg:
	default:
		c.dropped++
		if c.dropped == 1 || c.dropped%100 == 0 {
			log.Printf("[ws] slow client: dropped %d outbound messages", c.dropped)
		}
	}
}

func (c *wsConn) writeLoop() {
	for msg := range c.sendCh {
		data, err := protocol.Encode(msg)
		if err != nil {
			log.Printf("[ws] encode outbound message: %v", err)
			continue
		}
		if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
			return
		}
	}
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}
