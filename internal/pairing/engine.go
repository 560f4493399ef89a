// Package pairing owns the wait queue and the set of active pairs. All
// mutations go through a single mutex so that enqueue/remove for any identity
// are linearized; every operation is O(1).
package pairing

import (
	"container/list"
	"sync"
	"time"
)

// Reason describes why a pair was torn down.
type Reason int

const (
	// ReasonDisconnect is a hard transport loss of one member.
	ReasonDisconnect Reason = iota
	// ReasonSkip is an explicit skip command from one member.
	ReasonSkip
)

// EventKind tags a pairing lifecycle event emitted toward one identity.
type EventKind int

const (
	// EventWaiting: the identity was appended to the wait queue.
	EventWaiting EventKind = iota
	// EventMatched: the identity was paired; Partner names the other member.
	EventMatched
	// EventSkipped: the identity's partner skipped the conversation.
	EventSkipped
	// EventDisconnected: the identity's partner dropped the connection.
	EventDisconnected
)

// Event is one notification produced by an engine operation. Events are
// returned in the order they must be delivered.
type Event struct {
	To      string
	Kind    EventKind
	Partner string // set on EventMatched
}

// Pair is an active match between two identities.
type Pair struct {
	MemberA   string
	MemberB   string
	CreatedAt time.Time
}

// Other returns the pair member that is not id, or "" if id is not a member.
func (p *Pair) Other(id string) string {
	switch id {
	case p.MemberA:
		return p.MemberB
	case p.MemberB:
		return p.MemberA
	}
	return ""
}

// Engine matches waiting identities strictly FIFO and tears pairs down on
// skip or disconnect, re-enqueuing the remaining member. The zero value is
// not usable; call NewEngine.
type Engine struct {
	mu     sync.Mutex
	queue  *list.List               // FIFO of identity strings
	queued map[string]*list.Element // identity -> queue element
	pairs  map[string]*Pair         // identity -> pair (both members point at the same Pair)
	now    func() time.Time
}

// NewEngine creates an empty pairing engine.
func NewEngine() *Engine {
	return &Engine{
		queue:  list.New(),
		queued: make(map[string]*list.Element),
		pairs:  make(map[string]*Pair),
		now:    time.Now,
	}
}

// Enqueue registers an identity looking for a partner. If another identity
// is waiting, the earliest waiter is popped and both are matched; otherwise
// the identity joins the queue tail. Calling Enqueue for an identity that is
// already queued or paired is a no-op.
func (e *Engine) Enqueue(id string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enqueueLocked(id)
}

func (e *Engine) enqueueLocked(id string) []Event {
	if _, ok := e.queued[id]; ok {
		return nil
	}
	if _, ok := e.pairs[id]; ok {
		return nil
	}

	if front := e.queue.Front(); front != nil {
		partner := front.Value.(string)
		e.queue.Remove(front)
		delete(e.queued, partner)

		pair := &Pair{MemberA: partner, MemberB: id, CreatedAt: e.now()}
		e.pairs[partner] = pair
		e.pairs[id] = pair

		return []Event{
			{To: partner, Kind: EventMatched, Partner: id},
			{To: id, Kind: EventMatched, Partner: partner},
		}
	}

	e.queued[id] = e.queue.PushBack(id)
	return []Event{{To: id, Kind: EventWaiting}}
}

// Remove takes an identity out of the engine entirely. A waiting identity is
// deleted from the queue with no side effects. A paired identity has its
// pair destroyed; the remaining member is notified (skipped or disconnected,
// per reason) and immediately re-enqueued, which may match it with the next
// waiter.
func (e *Engine) Remove(id string, reason Reason) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.queued[id]; ok {
		e.queue.Remove(el)
		delete(e.queued, id)
		return nil
	}

	pair, ok := e.pairs[id]
	if !ok {
		return nil
	}
	partner := pair.Other(id)
	delete(e.pairs, id)
	delete(e.pairs, partner)

	kind := EventDisconnected
	if reason == ReasonSkip {
		kind = EventSkipped
	}
	events := []Event{{To: partner, Kind: kind}}
	return append(events, e.enqueueLocked(partner)...)
}

// PartnerOf returns the identity's current partner, or "" if unpaired.
func (e *Engine) PartnerOf(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pair, ok := e.pairs[id]; ok {
		return pair.Other(id)
	}
	return ""
}

// PairOf returns a copy of the identity's active pair, or nil.
func (e *Engine) PairOf(id string) *Pair {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pair, ok := e.pairs[id]; ok {
		cp := *pair
		return &cp
	}
	return nil
}

// IsWaiting reports whether the identity sits in the wait queue.
func (e *Engine) IsWaiting(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.queued[id]
	return ok
}

// WaitingCount returns the current wait queue length.
func (e *Engine) WaitingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

// PairCount returns the number of active pairs.
func (e *Engine) PairCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pairs) / 2
}
