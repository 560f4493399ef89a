// Package presence fans connect and disconnect transitions out to the
// identities that saved the transitioning identity as a contact. Events
// travel over NATS so watchers hear about contacts connected to any server
// instance; without a bus the broadcaster delivers locally.
package presence

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/vibe/chat-app/internal/messaging"
	"github.com/vibe/chat-app/internal/protocol"
)

const lookupTimeout = 3 * time.Second

// Event is the wire form of one presence transition.
type Event struct {
	Identity  string `json:"identity"`
	Status    string `json:"status"` // online | offline
	Timestamp string `json:"timestamp"`
}

// WatcherSource resolves which identities have saved a given identity as a
// contact.
type WatcherSource interface {
	Watchers(ctx context.Context, contact string) ([]string, error)
}

// Sender delivers a raw frame to a locally connected identity.
type Sender interface {
	Send(identity string, data []byte) error
}

// Broadcaster publishes presence transitions and delivers contact_status
// envelopes to locally connected watchers.
type Broadcaster struct {
	bus      *messaging.NATSClient // nil for single-instance deployments
	watchers WatcherSource         // nil disables fan-out entirely
	sender   Sender
}

// NewBroadcaster creates a Broadcaster. bus and watchers may be nil.
func NewBroadcaster(bus *messaging.NATSClient, watchers WatcherSource, sender Sender) *Broadcaster {
	return &Broadcaster{bus: bus, watchers: watchers, sender: sender}
}

// Start subscribes to the presence event stream. Call once before serving;
// a nil bus makes Start a no-op.
func (b *Broadcaster) Start() error {
	if b.bus == nil {
		return nil
	}
	return b.bus.SubscribePresenceEvents(func(data []byte) {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[presence] bad event: %v", err)
			return
		}
		b.deliver(ev)
	})
}

// Announce publishes an online or offline transition for the identity.
// With a bus the event round-trips through NATS and every instance's
// subscription delivers it; otherwise delivery happens in-process.
func (b *Broadcaster) Announce(ctx context.Context, identity string, online bool) {
	status := protocol.PresenceOffline
	if online {
		status = protocol.PresenceOnline
	}
	ev := Event{Identity: identity, Status: status, Timestamp: protocol.Now()}

	if b.bus != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			log.Printf("[presence] marshal event: %v", err)
			return
		}
		if err := b.bus.PublishPresenceEvent(data); err != nil {
			log.Printf("[presence] publish: %v", err)
		}
		return
	}

	b.deliver(ev)
}

// deliver looks up the identity's watchers and sends each connected one a
// contact_status envelope. Send errors mean the watcher is connected to a
// different instance or already gone; both are fine to skip.
func (b *Broadcaster) deliver(ev Event) {
	if b.watchers == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	watchers, err := b.watchers.Watchers(ctx, ev.Identity)
	if err != nil {
		log.Printf("[presence] watchers lookup for %s: %v", ev.Identity, err)
		return
	}
	if len(watchers) == 0 {
		return
	}

	env := protocol.NewContactStatus(ev.Identity, ev.Status)
	env.Timestamp = ev.Timestamp
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("[presence] encode: %v", err)
		return
	}

	for _, w := range watchers {
		if err := b.sender.Send(w, data); err == nil {
			log.Printf("[presence] %s -> %s: %s", ev.Identity, w, ev.Status)
		}
	}
}
