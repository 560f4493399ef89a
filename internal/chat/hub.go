package chat

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vibe/chat-app/internal/metrics"
	"github.com/vibe/chat-app/internal/pairing"
	"github.com/vibe/chat-app/internal/protocol"
)

// storeTimeout bounds collaborator calls (Redis/Postgres/NATS) made from the
// connection paths. Collaborator failure degrades features, never pairing.
const storeTimeout = 3 * time.Second

// Sender delivers an encoded envelope to a connected identity. Implemented
// by the WebSocket server; test doubles capture frames in memory.
type Sender interface {
	Send(identity string, data []byte) error
}

// ProfileDirectory resolves display names for matched-status decoration.
// Implementations fall back to "User <identity>" when the profile store is
// unavailable, so lookups never fail.
type ProfileDirectory interface {
	DisplayName(ctx context.Context, identity string) string
}

// ContactStore persists saved contacts. Save reports true when the contact
// was newly saved and false when it already existed.
type ContactStore interface {
	Save(ctx context.Context, owner, contact string) (bool, error)
	List(ctx context.Context, owner string) ([]string, error)
}

// Limiter throttles chat messages per identity. Implementations fail open.
type Limiter interface {
	AllowMessage(ctx context.Context, identity string) bool
}

// PresenceAnnouncer publishes connect/disconnect events for contact
// presence fan-out.
type PresenceAnnouncer interface {
	Announce(ctx context.Context, identity string, online bool)
}

// SessionRecorder mirrors session state to an external store (Redis) for
// operational visibility. All methods are best-effort.
type SessionRecorder interface {
	Create(ctx context.Context, identity string) error
	SetWaiting(ctx context.Context, identity string) error
	SetMatched(ctx context.Context, identity, partner string) error
	Delete(ctx context.Context, identity string) error
}

// Config carries the hub's optional collaborators. Any field may be nil;
// the corresponding feature degrades silently.
type Config struct {
	Profiles ProfileDirectory
	Contacts ContactStore
	Limiter  Limiter
	Presence PresenceAnnouncer
	Records  SessionRecorder
}

// Hub owns every live Session and drives the pairing engine from transport
// events and decoded client envelopes. Pairing-affecting operations
// (connect, disconnect, skip) are serialized behind one mutex; the message
// relay paths only read session state.
type Hub struct {
	sender  Sender
	engine  *pairing.Engine
	history *History
	cfg     Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a hub delivering through the given sender.
func NewHub(sender Sender, cfg Config) *Hub {
	return &Hub{
		sender:   sender,
		engine:   pairing.NewEngine(),
		history:  NewHistory(),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Engine exposes the pairing engine for stats consumers.
func (h *Hub) Engine() *pairing.Engine { return h.engine }

// ---------------------------------------------------------------------------
// Transport events
// ---------------------------------------------------------------------------

// HandleConnect creates a Waiting session for the identity and enqueues it.
// The transport guarantees identity uniqueness among live connections.
func (h *Hub) HandleConnect(identity string) {
	h.mu.Lock()
	if _, ok := h.sessions[identity]; ok {
		h.mu.Unlock()
		log.Printf("[hub] duplicate connect ignored identity=%s", identity)
		return
	}
	h.sessions[identity] = NewSession(identity)
	events := h.engine.Enqueue(identity)
	applied := h.applyLocked(events)
	h.mu.Unlock()
	h.notify(applied)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if h.cfg.Records != nil {
		if err := h.cfg.Records.Create(ctx, identity); err != nil {
			log.Printf("[hub] session record create identity=%s: %v", identity, err)
		}
	}
	if h.cfg.Presence != nil {
		h.cfg.Presence.Announce(ctx, identity, true)
	}
	h.mirror(events)
	h.updateGauges()
	log.Printf("[hub] connect identity=%s waiting=%d pairs=%d",
		identity, h.engine.WaitingCount(), h.engine.PairCount())
}

// HandleDisconnect tears the session down: the identity leaves queue and
// pair, the remaining partner (if any) is notified and re-enqueued, and the
// Session reaches its terminal state and is destroyed.
func (h *Hub) HandleDisconnect(identity string) {
	h.mu.Lock()
	sess, ok := h.sessions[identity]
	if !ok {
		h.mu.Unlock()
		return
	}
	partner, _ := sess.Disconnect()
	if partner != "" {
		h.history.Drop(identity, partner)
	}
	if pair := h.engine.PairOf(identity); pair != nil {
		metrics.PairDuration.Observe(time.Since(pair.CreatedAt).Seconds())
	}
	events := h.engine.Remove(identity, pairing.ReasonDisconnect)
	applied := h.applyLocked(events)
	delete(h.sessions, identity)
	h.mu.Unlock()
	h.notify(applied)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if h.cfg.Records != nil {
		if err := h.cfg.Records.Delete(ctx, identity); err != nil {
			log.Printf("[hub] session record delete identity=%s: %v", identity, err)
		}
	}
	if h.cfg.Presence != nil {
		h.cfg.Presence.Announce(ctx, identity, false)
	}
	h.mirror(events)
	h.updateGauges()
	log.Printf("[hub] disconnect identity=%s waiting=%d pairs=%d",
		identity, h.engine.WaitingCount(), h.engine.PairCount())
}

// HandleFrame decodes one inbound frame and routes it by kind and session
// state. Decode failures answer with an error envelope; the connection
// stays open.
func (h *Hub) HandleFrame(identity string, data []byte) {
	sess := h.session(identity)
	if sess == nil {
		log.Printf("[hub] frame from unknown identity=%s", identity)
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		log.Printf("[hub] decode error identity=%s: %v", identity, err)
		h.sendError(identity, "Invalid JSON format")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	switch env.Kind() {
	case protocol.KindChat:
		h.handleChat(sess, env)
	case protocol.KindTyping:
		h.handleTyping(sess, env)
	case protocol.KindReadReceipt:
		h.handleReadReceipt(sess, env)
	case protocol.KindCommand:
		h.handleCommand(sess, env)
	default:
		// status/typing_status/contact_status/error are server-origin kinds.
		log.Printf("[hub] server-only kind %s from identity=%s", env.Kind(), identity)
		h.sendError(identity, "unsupported message type")
	}
}

// ---------------------------------------------------------------------------
// Message handlers
// ---------------------------------------------------------------------------

func (h *Hub) handleChat(sess *Session, env *protocol.Envelope) {
	state, partner := sess.Snapshot()
	if state != StateMatched {
		h.sendError(sess.ID, "Your message will be sent when someone joins the chat.")
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	if err := ValidateMessage(env.Text); err != nil {
		h.sendError(sess.ID, err.Error())
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return
	}

	if h.cfg.Limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		allowed := h.cfg.Limiter.AllowMessage(ctx, sess.ID)
		cancel()
		if !allowed {
			h.sendError(sess.ID, "You are sending messages too quickly.")
			metrics.MessagesTotal.WithLabelValues("rejected").Inc()
			return
		}
	}

	// The server is authoritative for sender, id and timestamp.
	env.Sender = sess.ID
	if env.ID == "" {
		env.ID = uuid.New().String()
	}
	if env.Timestamp == "" {
		env.Timestamp = protocol.Now()
	}

	// Partner copy carries no read flag; the sender echo carries read=false
	// until a read_receipt flips the stored message.
	delivered := *env
	delivered.Read = nil
	h.history.Add(sess.ID, partner, &delivered)
	h.sendEnvelope(partner, &delivered)

	echo := *env
	echo.Read = protocol.Bool(false)
	h.sendEnvelope(sess.ID, &echo)

	metrics.MessagesTotal.WithLabelValues("relayed").Inc()
}

// handleTyping forwards a typing hint to the partner as typing_status.
// No buffering, no acknowledgement: at-most-once is fine for a soft hint.
func (h *Hub) handleTyping(sess *Session, env *protocol.Envelope) {
	state, partner := sess.Snapshot()
	if state != StateMatched {
		h.sendError(sess.ID, "You are not chatting with anyone.")
		return
	}

	isTyping := env.IsTyping != nil && *env.IsTyping
	relay := protocol.NewTypingStatus(sess.ID, isTyping)
	if env.Timestamp != "" {
		relay.Timestamp = env.Timestamp
	}
	h.sendEnvelope(partner, relay)
}

// handleReadReceipt marks the referenced message read and forwards the
// receipt to the partner (the message's sender).
func (h *Hub) handleReadReceipt(sess *Session, env *protocol.Envelope) {
	state, partner := sess.Snapshot()
	if state != StateMatched {
		h.sendError(sess.ID, "You are not chatting with anyone.")
		return
	}
	if env.MessageID == "" {
		h.sendError(sess.ID, "read_receipt requires message_id")
		return
	}

	h.history.MarkRead(sess.ID, partner, env.MessageID)

	forward := *env
	forward.Sender = sess.ID
	if forward.Timestamp == "" {
		forward.Timestamp = protocol.Now()
	}
	h.sendEnvelope(partner, &forward)
}

func (h *Hub) handleCommand(sess *Session, env *protocol.Envelope) {
	switch env.Command {
	case protocol.CommandSkip:
		h.handleSkip(sess)
	case protocol.CommandSaveContact:
		h.handleSaveContact(sess)
	default:
		h.sendError(sess.ID, fmt.Sprintf("unknown command %q", env.Command))
	}
}

// handleSkip ends the current pairing: the partner is told it was skipped
// and re-enqueued first (it has waited longer), then the skipper rejoins the
// queue.
func (h *Hub) handleSkip(sess *Session) {
	h.mu.Lock()
	state, partner := sess.Snapshot()
	if state != StateMatched {
		h.mu.Unlock()
		h.sendError(sess.ID, "You are not in a conversation.")
		return
	}

	h.history.Drop(sess.ID, partner)
	if err := sess.Unmatch(); err != nil {
		h.mu.Unlock()
		log.Printf("[hub] skip transition identity=%s: %v", sess.ID, err)
		return
	}
	if pair := h.engine.PairOf(sess.ID); pair != nil {
		metrics.PairDuration.Observe(time.Since(pair.CreatedAt).Seconds())
	}
	events := h.engine.Remove(sess.ID, pairing.ReasonSkip)
	events = append(events, h.engine.Enqueue(sess.ID)...)
	applied := h.applyLocked(events)
	h.mu.Unlock()
	h.notify(applied)

	h.mirror(events)
	h.updateGauges()
	log.Printf("[hub] skip identity=%s former_partner=%s", sess.ID, partner)
}

func (h *Hub) handleSaveContact(sess *Session) {
	state, partner := sess.Snapshot()
	if state != StateMatched {
		h.sendError(sess.ID, "You are not in a conversation.")
		return
	}
	if h.cfg.Contacts == nil {
		h.sendError(sess.ID, "Contact storage is unavailable.")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	saved, err := h.cfg.Contacts.Save(ctx, sess.ID, partner)
	if err != nil {
		log.Printf("[hub] save contact identity=%s partner=%s: %v", sess.ID, partner, err)
		h.sendError(sess.ID, "Contact storage is unavailable.")
		return
	}

	if saved {
		h.sendEnvelope(sess.ID, protocol.NewStatus(protocol.StatusContactSaved,
			fmt.Sprintf("User %s has been added to your contacts.", partner)))
	} else {
		h.sendEnvelope(sess.ID, protocol.NewStatus(protocol.StatusContactExists,
			fmt.Sprintf("User %s is already in your contacts.", partner)))
	}
}

// ---------------------------------------------------------------------------
// Event application and delivery
// ---------------------------------------------------------------------------

// applyLocked transitions sessions for a batch of pairing events, in order,
// and returns the events whose targets still had live sessions. Caller holds
// h.mu. No envelope is sent here: a failed delivery makes the transport drop
// the peer and call HandleDisconnect on the same stack, which needs the
// mutex. Delivery happens in notify, after the lock is released.
func (h *Hub) applyLocked(events []pairing.Event) []pairing.Event {
	applied := make([]pairing.Event, 0, len(events))
	for _, ev := range events {
		target, ok := h.sessions[ev.To]
		if !ok {
			continue
		}
		switch ev.Kind {
		case pairing.EventMatched:
			if err := target.Match(ev.Partner); err != nil {
				log.Printf("[hub] match transition identity=%s: %v", ev.To, err)
				continue
			}
		case pairing.EventSkipped:
			if err := target.Unmatch(); err != nil {
				log.Printf("[hub] skipped transition identity=%s: %v", ev.To, err)
			}
		case pairing.EventDisconnected:
			if err := target.Unmatch(); err != nil {
				log.Printf("[hub] disconnected transition identity=%s: %v", ev.To, err)
			}
		}
		applied = append(applied, ev)
	}
	return applied
}

// notify sends the status envelopes for applied pairing events. Must run
// without h.mu held; this also keeps the profile lookup for matched events
// off the hub's critical section.
func (h *Hub) notify(events []pairing.Event) {
	for _, ev := range events {
		switch ev.Kind {
		case pairing.EventWaiting:
			h.sendEnvelope(ev.To, protocol.NewStatus(protocol.StatusWaiting,
				"Waiting for someone to join the chat..."))

		case pairing.EventMatched:
			h.sendEnvelope(ev.To, protocol.NewMatched(ev.Partner, h.displayName(ev.Partner)))

		case pairing.EventSkipped:
			h.sendEnvelope(ev.To, protocol.NewStatus(protocol.StatusSkipped,
				"Your chat partner has skipped this conversation."))

		case pairing.EventDisconnected:
			h.sendEnvelope(ev.To, protocol.NewStatus(protocol.StatusDisconnected,
				"Your chat partner has disconnected."))
		}
	}
}

// mirror pushes post-event session snapshots to the session recorder.
func (h *Hub) mirror(events []pairing.Event) {
	if h.cfg.Records == nil || len(events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		if seen[ev.To] {
			continue
		}
		seen[ev.To] = true
		sess := h.session(ev.To)
		if sess == nil {
			continue
		}
		state, partner := sess.Snapshot()
		var err error
		switch state {
		case StateMatched:
			err = h.cfg.Records.SetMatched(ctx, ev.To, partner)
		case StateWaiting:
			err = h.cfg.Records.SetWaiting(ctx, ev.To)
		}
		if err != nil {
			log.Printf("[hub] session record update identity=%s: %v", ev.To, err)
		}
	}
}

// displayName resolves a partner's display name, falling back to the
// identity-derived default when no profile store is wired.
func (h *Hub) displayName(identity string) string {
	if h.cfg.Profiles == nil {
		return "User " + identity
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return h.cfg.Profiles.DisplayName(ctx, identity)
}

func (h *Hub) session(identity string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[identity]
}

func (h *Hub) sendEnvelope(identity string, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("[hub] encode %s for identity=%s: %v", env.Kind(), identity, err)
		return
	}
	if err := h.sender.Send(identity, data); err != nil {
		// The transport's own disconnect detection handles dead peers.
		log.Printf("[hub] send %s to identity=%s: %v", env.Kind(), identity, err)
	}
}

func (h *Hub) sendError(identity, msg string) {
	h.sendEnvelope(identity, protocol.NewError(msg))
}

func (h *Hub) updateGauges() {
	h.mu.RLock()
	online := len(h.sessions)
	h.mu.RUnlock()
	metrics.ConnectionsTotal.Set(float64(online))
	metrics.WaitingUsers.Set(float64(h.engine.WaitingCount()))
	metrics.ActivePairs.Set(float64(h.engine.PairCount()))
}

// ---------------------------------------------------------------------------
// Introspection (HTTP API)
// ---------------------------------------------------------------------------

// Stats is the live-state summary served by /api/stats.
type Stats struct {
	OnlineUsers  int `json:"online_users"`
	WaitingUsers int `json:"waiting_users"`
	ActivePairs  int `json:"active_chats"`
}

// Stats returns the current counts.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	online := len(h.sessions)
	h.mu.RUnlock()
	return Stats{
		OnlineUsers:  online,
		WaitingUsers: h.engine.WaitingCount(),
		ActivePairs:  h.engine.PairCount(),
	}
}

// IsOnline reports whether the identity has a live session.
func (h *Hub) IsOnline(identity string) bool {
	return h.session(identity) != nil
}
