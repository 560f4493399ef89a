// Package client implements the chat client: a WebSocket connection speaking
// the envelope protocol, plus a controller that keeps a session alive across
// connection loss with a fixed reconnect delay.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/vibe/chat-app/internal/protocol"
)

// Handler receives every envelope the server sends on this connection.
// Handlers run on the read loop goroutine and should not block.
type Handler func(env *protocol.Envelope)

// Client is one live connection to the chat server under a single identity.
// A Client is single-use: once the connection drops it is done, and the
// Controller dials a fresh one.
type Client struct {
	identity  string
	conn      net.Conn
	handler   Handler
	mu        sync.Mutex // serializes writes
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to baseURL+"/"+identity and starts the read loop. baseURL is
// the WebSocket endpoint root, e.g. "ws://localhost:8080/ws".
func Dial(ctx context.Context, baseURL, identity string, handler Handler) (*Client, error) {
	conn, _, _, err := ws.Dial(ctx, baseURL+"/"+identity)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		identity: identity,
		conn:     conn,
		handler:  handler,
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Identity returns the identity token this connection was dialed with.
func (c *Client) Identity() string { return c.identity }

// Done is closed when the connection is gone, whether closed locally or
// dropped by the server.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection and stops the read loop. Safe to call more
// than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SendText sends a chat message to the current partner. The server assigns
// the authoritative id and timestamp; the ones set here only matter if the
// frame is inspected in flight.
func (c *Client) SendText(text string) error {
	return c.send(&protocol.Envelope{
		Text:      text,
		Sender:    c.identity,
		Timestamp: protocol.Now(),
	})
}

// SendTyping reports the local typing state to the partner.
func (c *Client) SendTyping(isTyping bool) error {
	return c.send(&protocol.Envelope{
		Type:      protocol.TypeTyping,
		Sender:    c.identity,
		IsTyping:  protocol.Bool(isTyping),
		Timestamp: protocol.Now(),
	})
}

// SendReadReceipt acknowledges that the message with the given id was read.
func (c *Client) SendReadReceipt(messageID string) error {
	return c.send(&protocol.Envelope{
		Type:      protocol.TypeReadReceipt,
		MessageID: messageID,
		Timestamp: protocol.Now(),
	})
}

// Skip asks the server to end the current pairing and requeue.
func (c *Client) Skip() error {
	return c.send(&protocol.Envelope{
		Type:    protocol.TypeCommand,
		Command: protocol.CommandSkip,
	})
}

// SaveContact asks the server to save the current partner as a contact.
func (c *Client) SaveContact() error {
	return c.send(&protocol.Envelope{
		Type:    protocol.TypeCommand,
		Command: protocol.CommandSaveContact,
	})
}

func (c *Client) send(env *protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// readLoop reads server frames until the connection dies and hands each
// decoded envelope to the handler. Undecodable frames are skipped; the
// server does not send them, so tolerating one beats killing the session.
func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}

		if c.handler != nil {
			c.handler(env)
		}
	}
}
