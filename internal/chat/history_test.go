package chat

import (
	"fmt"
	"testing"

	"github.com/vibe/chat-app/internal/protocol"
)

func chatEnv(id, sender, text string) *protocol.Envelope {
	return &protocol.Envelope{ID: id, Sender: sender, Text: text, Timestamp: protocol.Now()}
}

func TestHistoryAddAndMessages(t *testing.T) {
	h := NewHistory()

	h.Add("a", "b", chatEnv("m1", "a", "hello"))
	h.Add("b", "a", chatEnv("m2", "b", "hi"))

	msgs := h.Messages("a", "b")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Errorf("messages out of order: %s, %s", msgs[0].ID, msgs[1].ID)
	}
}

func TestHistoryKeyIsOrderIndependent(t *testing.T) {
	h := NewHistory()
	h.Add("a", "b", chatEnv("m1", "a", "hello"))

	if got := h.Messages("b", "a"); len(got) != 1 {
		t.Errorf("lookup with swapped members got %d messages, want 1", len(got))
	}
}

func TestHistoryCapsAtLimit(t *testing.T) {
	h := NewHistory()
	for i := 0; i < MaxHistoryMessages+10; i++ {
		h.Add("a", "b", chatEnv(fmt.Sprintf("m%d", i), "a", "x"))
	}

	msgs := h.Messages("a", "b")
	if len(msgs) != MaxHistoryMessages {
		t.Fatalf("got %d messages, want %d", len(msgs), MaxHistoryMessages)
	}
	// The oldest surviving message is the 11th one added.
	if msgs[0].ID != "m10" {
		t.Errorf("oldest message = %s, want m10", msgs[0].ID)
	}
	if last := msgs[len(msgs)-1].ID; last != fmt.Sprintf("m%d", MaxHistoryMessages+9) {
		t.Errorf("newest message = %s", last)
	}
}

func TestHistoryMarkRead(t *testing.T) {
	h := NewHistory()
	h.Add("a", "b", chatEnv("m1", "a", "hello"))

	sender := h.MarkRead("b", "a", "m1")
	if sender != "a" {
		t.Fatalf("MarkRead() sender = %q, want a", sender)
	}

	msgs := h.Messages("a", "b")
	if msgs[0].Read == nil || !*msgs[0].Read {
		t.Errorf("message not marked read")
	}
}

func TestHistoryMarkReadUnknownMessage(t *testing.T) {
	h := NewHistory()
	h.Add("a", "b", chatEnv("m1", "a", "hello"))

	if sender := h.MarkRead("b", "a", "nope"); sender != "" {
		t.Errorf("MarkRead() for unknown id returned %q, want empty", sender)
	}
}

func TestHistoryDrop(t *testing.T) {
	h := NewHistory()
	h.Add("a", "b", chatEnv("m1", "a", "hello"))
	h.Add("c", "d", chatEnv("m2", "c", "hey"))

	h.Drop("b", "a")

	if got := h.Messages("a", "b"); got != nil {
		t.Errorf("dropped pair still has %d messages", len(got))
	}
	if got := h.Size(); got != 1 {
		t.Errorf("Size() = %d, want 1", got)
	}
}
