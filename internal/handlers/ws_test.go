package handlers

import (
	"context"
	"testing"

	"github.com/gluk-w/termgate/internal/protocol"
)

func TestWSConnSendAfterCloseIsSafe(t *testing.T) {
	c := newWSConn(context.Background(), nil)
	c.close()
	c.close() // idempotent

	// Must not panic or block on the closed queue.
	c.Send(protocol.NewAck("r1"))
}

func TestWSConnDropsWhenQueueFull(t *testing.T) {
	c := &wsConn{
		sendCh: make(chan protocol.ServerMessage, 2),
	}

	for i := 0; i < 10; i++ {
		c.Send(protocol.NewAck("r"))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped != 8 {
		t.Fatalf("expected 8 dropped messages, got %d", c.dropped)
	}
	if len(c.sendCh) != 2 {
		t.Fatalf("queue should hold its bound, got %d", len(c.sendCh))
	}
}
