package client

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetryDelay is the fixed wait between reconnection attempts. There is no
// backoff and no attempt cap: the controller retries every three seconds
// until the context is cancelled.
const RetryDelay = 3 * time.Second

// Controller keeps a chat session alive across connection loss. Each
// connection gets a fresh random identity, so a reconnect enters the queue
// as a brand-new participant; the previous pairing and its history are gone.
type Controller struct {
	baseURL string
	handler Handler
	delay   time.Duration

	mu      sync.Mutex
	current *Client
}

// NewController creates a Controller for the given WebSocket endpoint root.
// handler receives envelopes from whichever connection is currently live.
func NewController(baseURL string, handler Handler) *Controller {
	return &Controller{
		baseURL: baseURL,
		handler: handler,
		delay:   RetryDelay,
	}
}

// Run connects and then reconnects after every connection loss until ctx is
// cancelled. It blocks for the controller's whole life.
func (ct *Controller) Run(ctx context.Context) error {
	for {
		identity := uuid.NewString()
		c, err := Dial(ctx, ct.baseURL, identity, ct.handler)
		if err != nil {
			log.Printf("[client] connect failed: %v (retrying in %s)", err, ct.delay)
			if !sleep(ctx, ct.delay) {
				return ctx.Err()
			}
			continue
		}

		log.Printf("[client] connected as %s", identity)
		ct.mu.Lock()
		ct.current = c
		ct.mu.Unlock()

		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.Done():
		}

		ct.mu.Lock()
		ct.current = nil
		ct.mu.Unlock()

		log.Printf("[client] connection lost (reconnecting in %s)", ct.delay)
		if !sleep(ctx, ct.delay) {
			return ctx.Err()
		}
	}
}

// Current returns the live connection, or nil while between connections.
// Callers use it for interactive sends; a nil result means the send is
// simply dropped, matching a UI that stays usable while reconnecting.
func (ct *Controller) Current() *Client {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.current
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
