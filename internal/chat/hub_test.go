package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vibe/chat-app/internal/protocol"
)

// memSender collects envelopes per identity so tests can assert on exactly
// what each client would have seen, in order.
type memSender struct {
	mu    sync.Mutex
	boxes map[string][]*protocol.Envelope
}

func newMemSender() *memSender {
	return &memSender{boxes: make(map[string][]*protocol.Envelope)}
}

func (m *memSender) Send(identity string, data []byte) error {
	env, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.boxes[identity] = append(m.boxes[identity], env)
	m.mu.Unlock()
	return nil
}

func (m *memSender) all(identity string) []*protocol.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*protocol.Envelope(nil), m.boxes[identity]...)
}

func (m *memSender) last(t *testing.T, identity string) *protocol.Envelope {
	t.Helper()
	envs := m.all(identity)
	if len(envs) == 0 {
		t.Fatalf("no envelopes delivered to %s", identity)
	}
	return envs[len(envs)-1]
}

func (m *memSender) clear() {
	m.mu.Lock()
	m.boxes = make(map[string][]*protocol.Envelope)
	m.mu.Unlock()
}

func newTestHub(cfg Config) (*Hub, *memSender) {
	sender := newMemSender()
	return NewHub(sender, cfg), sender
}

// matchPair connects two identities and clears the connection chatter so the
// test only sees what happens afterwards.
func matchPair(t *testing.T, h *Hub, sender *memSender, a, b string) {
	t.Helper()
	h.HandleConnect(a)
	h.HandleConnect(b)
	if got := h.Engine().PartnerOf(a); got != b {
		t.Fatalf("PartnerOf(%s) = %q, want %s", a, got, b)
	}
	sender.clear()
}

func TestFirstConnectWaits(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")

	env := sender.last(t, "a")
	if env.Status != protocol.StatusWaiting {
		t.Errorf("status = %q, want waiting", env.Status)
	}
	if env.Message != "Waiting for someone to join the chat..." {
		t.Errorf("message = %q", env.Message)
	}
	if got := h.Stats(); got.WaitingUsers != 1 || got.ActivePairs != 0 {
		t.Errorf("stats = %+v", got)
	}
}

func TestSecondConnectMatchesBoth(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	h.HandleConnect("b")

	aEnv := sender.last(t, "a")
	bEnv := sender.last(t, "b")
	if aEnv.Status != protocol.StatusMatched || bEnv.Status != protocol.StatusMatched {
		t.Fatalf("statuses = %q, %q, want matched", aEnv.Status, bEnv.Status)
	}
	if aEnv.PartnerID != "b" || bEnv.PartnerID != "a" {
		t.Errorf("partner ids = %q, %q", aEnv.PartnerID, bEnv.PartnerID)
	}
	if aEnv.Message != "You are now chatting with User b" {
		t.Errorf("matched message = %q", aEnv.Message)
	}
	if got := h.Stats(); got.ActivePairs != 1 || got.WaitingUsers != 0 {
		t.Errorf("stats = %+v", got)
	}
}

func TestDuplicateConnectIgnored(t *testing.T) {
	h, _ := newTestHub(Config{})
	h.HandleConnect("a")
	h.HandleConnect("a")

	if got := h.Stats(); got.OnlineUsers != 1 || got.WaitingUsers != 1 {
		t.Errorf("stats after duplicate connect = %+v", got)
	}
}

func TestChatRelayAndEcho(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"text":"hello","sender":"ignored"}`))

	relayed := sender.last(t, "b")
	if relayed.Text != "hello" {
		t.Fatalf("relayed text = %q", relayed.Text)
	}
	if relayed.Sender != "a" {
		t.Errorf("relayed sender = %q, want server-assigned a", relayed.Sender)
	}
	if relayed.ID == "" || relayed.Timestamp == "" {
		t.Errorf("relayed message missing id or timestamp: %+v", relayed)
	}
	if relayed.Read != nil {
		t.Errorf("partner copy carries read flag: %v", *relayed.Read)
	}

	echo := sender.last(t, "a")
	if echo.Text != "hello" || echo.Sender != "a" {
		t.Fatalf("echo = %+v", echo)
	}
	if echo.ID != relayed.ID {
		t.Errorf("echo id %q != relayed id %q", echo.ID, relayed.ID)
	}
	if echo.Read == nil || *echo.Read {
		t.Errorf("echo read flag should be false, got %v", echo.Read)
	}
}

func TestChatWhileWaitingRejected(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	sender.clear()

	h.HandleFrame("a", []byte(`{"text":"anyone?"}`))

	env := sender.last(t, "a")
	if env.Kind() != protocol.KindError {
		t.Fatalf("got %s envelope, want error", env.Kind())
	}
	if env.Error != "Your message will be sent when someone joins the chat." {
		t.Errorf("error = %q", env.Error)
	}
}

func TestMalformedFrameAnswersError(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	sender.clear()

	h.HandleFrame("a", []byte(`{not json`))

	env := sender.last(t, "a")
	if env.Error != "Invalid JSON format" {
		t.Errorf("error = %q, want Invalid JSON format", env.Error)
	}
	if !h.IsOnline("a") {
		t.Errorf("connection should survive a malformed frame")
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"text":""}`))

	env := sender.last(t, "a")
	if env.Kind() != protocol.KindError {
		t.Fatalf("got %s envelope, want error", env.Kind())
	}
	if got := sender.all("b"); len(got) != 0 {
		t.Errorf("partner received %d envelopes for rejected message", len(got))
	}
}

type denyLimiter struct{}

func (denyLimiter) AllowMessage(context.Context, string) bool { return false }

func TestRateLimitedMessage(t *testing.T) {
	h, sender := newTestHub(Config{Limiter: denyLimiter{}})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"text":"spam"}`))

	env := sender.last(t, "a")
	if env.Error != "You are sending messages too quickly." {
		t.Errorf("error = %q", env.Error)
	}
	if got := sender.all("b"); len(got) != 0 {
		t.Errorf("partner received throttled message")
	}
}

func TestTypingRelayedAsTypingStatus(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"type":"typing","is_typing":true}`))

	env := sender.last(t, "b")
	if env.Type != protocol.TypeTypingStatus {
		t.Fatalf("type = %q, want typing_status", env.Type)
	}
	if env.Sender != "a" {
		t.Errorf("sender = %q, want a", env.Sender)
	}
	if env.IsTyping == nil || !*env.IsTyping {
		t.Errorf("is_typing = %v, want true", env.IsTyping)
	}

	h.HandleFrame("a", []byte(`{"type":"typing","is_typing":false}`))
	env = sender.last(t, "b")
	if env.IsTyping == nil || *env.IsTyping {
		t.Errorf("is_typing = %v, want false", env.IsTyping)
	}
}

func TestTypingWhileWaitingRejected(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	sender.clear()

	h.HandleFrame("a", []byte(`{"type":"typing","is_typing":true}`))

	if env := sender.last(t, "a"); env.Kind() != protocol.KindError {
		t.Errorf("got %s envelope, want error", env.Kind())
	}
}

func TestReadReceiptForwardedAndRecorded(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"text":"hello"}`))
	msgID := sender.last(t, "b").ID
	sender.clear()

	h.HandleFrame("b", []byte(fmt.Sprintf(`{"type":"read_receipt","message_id":%q}`, msgID)))

	env := sender.last(t, "a")
	if env.Type != protocol.TypeReadReceipt {
		t.Fatalf("type = %q, want read_receipt", env.Type)
	}
	if env.MessageID != msgID {
		t.Errorf("message_id = %q, want %q", env.MessageID, msgID)
	}
	if env.Sender != "b" {
		t.Errorf("sender = %q, want b", env.Sender)
	}

	msgs := h.history.Messages("a", "b")
	if len(msgs) != 1 || msgs[0].Read == nil || !*msgs[0].Read {
		t.Errorf("stored message not marked read: %+v", msgs)
	}
}

func TestReadReceiptWithoutIDRejected(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"type":"read_receipt"}`))

	if env := sender.last(t, "a"); env.Kind() != protocol.KindError {
		t.Errorf("got %s envelope, want error", env.Kind())
	}
}

func TestSkipWithThirdWaiter(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	h.HandleConnect("b")
	h.HandleConnect("c") // waits
	sender.clear()

	h.HandleFrame("a", []byte(`{"type":"command","command":"skip"}`))

	// The skipped partner hears it was skipped, then matches the waiter.
	bEnvs := sender.all("b")
	if len(bEnvs) != 2 {
		t.Fatalf("b received %d envelopes, want 2: %+v", len(bEnvs), bEnvs)
	}
	if bEnvs[0].Status != protocol.StatusSkipped {
		t.Errorf("b first status = %q, want skipped", bEnvs[0].Status)
	}
	if bEnvs[1].Status != protocol.StatusMatched || bEnvs[1].PartnerID != "c" {
		t.Errorf("b second envelope = %+v, want matched with c", bEnvs[1])
	}

	if env := sender.last(t, "c"); env.Status != protocol.StatusMatched || env.PartnerID != "b" {
		t.Errorf("c envelope = %+v, want matched with b", env)
	}

	// The skipper goes back to waiting behind the new pair.
	if env := sender.last(t, "a"); env.Status != protocol.StatusWaiting {
		t.Errorf("a status = %q, want waiting", env.Status)
	}
	if got := h.Engine().PartnerOf("b"); got != "c" {
		t.Errorf("PartnerOf(b) = %q, want c", got)
	}
	if !h.Engine().IsWaiting("a") {
		t.Errorf("skipper should be back in the queue")
	}
}

func TestSkipWhenAloneRepairsSamePair(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"type":"command","command":"skip"}`))

	// With no third client the two re-pair with each other.
	if got := h.Engine().PartnerOf("a"); got != "b" {
		t.Errorf("PartnerOf(a) = %q, want b", got)
	}
	if env := sender.last(t, "a"); env.Status != protocol.StatusMatched {
		t.Errorf("a last status = %q, want matched", env.Status)
	}
}

func TestSkipWhileWaitingRejected(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	sender.clear()

	h.HandleFrame("a", []byte(`{"type":"command","command":"skip"}`))

	env := sender.last(t, "a")
	if env.Error != "You are not in a conversation." {
		t.Errorf("error = %q", env.Error)
	}
}

func TestSkipDropsHistory(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	h.HandleConnect("b")
	h.HandleConnect("c")
	sender.clear()

	h.HandleFrame("a", []byte(`{"text":"hello"}`))
	if got := h.history.Size(); got != 1 {
		t.Fatalf("history size = %d, want 1", got)
	}

	h.HandleFrame("a", []byte(`{"type":"command","command":"skip"}`))
	if got := h.history.Messages("a", "b"); got != nil {
		t.Errorf("history survived skip: %d messages", len(got))
	}
}

func TestDisconnectNotifiesAndRequeuesPartner(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleDisconnect("a")

	bEnvs := sender.all("b")
	if len(bEnvs) != 2 {
		t.Fatalf("b received %d envelopes, want 2: %+v", len(bEnvs), bEnvs)
	}
	if bEnvs[0].Status != protocol.StatusDisconnected {
		t.Errorf("b first status = %q, want disconnected", bEnvs[0].Status)
	}
	if bEnvs[0].Message != "Your chat partner has disconnected." {
		t.Errorf("message = %q", bEnvs[0].Message)
	}
	if bEnvs[1].Status != protocol.StatusWaiting {
		t.Errorf("b second status = %q, want waiting", bEnvs[1].Status)
	}

	if h.IsOnline("a") {
		t.Errorf("a still online after disconnect")
	}
	if got := h.Stats(); got.OnlineUsers != 1 || got.WaitingUsers != 1 || got.ActivePairs != 0 {
		t.Errorf("stats = %+v", got)
	}
}

func TestDisconnectWhileWaitingIsSilent(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleConnect("a")
	h.HandleConnect("b")
	h.HandleConnect("c") // waiting
	sender.clear()

	h.HandleDisconnect("c")

	for _, id := range []string{"a", "b"} {
		if got := sender.all(id); len(got) != 0 {
			t.Errorf("%s received %d envelopes for a waiting peer's disconnect", id, len(got))
		}
	}
}

type memContacts struct {
	mu    sync.Mutex
	saved map[string]bool
}

func newMemContacts() *memContacts {
	return &memContacts{saved: make(map[string]bool)}
}

func (m *memContacts) Save(_ context.Context, owner, contact string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := owner + "/" + contact
	if m.saved[key] {
		return false, nil
	}
	m.saved[key] = true
	return true, nil
}

func (m *memContacts) List(_ context.Context, owner string) ([]string, error) {
	return nil, nil
}

func TestSaveContact(t *testing.T) {
	h, sender := newTestHub(Config{Contacts: newMemContacts()})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"type":"command","command":"save_contact"}`))
	env := sender.last(t, "a")
	if env.Status != protocol.StatusContactSaved {
		t.Fatalf("status = %q, want contact_saved", env.Status)
	}
	if env.Message != "User b has been added to your contacts." {
		t.Errorf("message = %q", env.Message)
	}

	h.HandleFrame("a", []byte(`{"type":"command","command":"save_contact"}`))
	if env := sender.last(t, "a"); env.Status != protocol.StatusContactExists {
		t.Errorf("second save status = %q, want contact_exists", env.Status)
	}
}

func TestSaveContactWithoutStore(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"type":"command","command":"save_contact"}`))

	env := sender.last(t, "a")
	if env.Error != "Contact storage is unavailable." {
		t.Errorf("error = %q", env.Error)
	}
}

func TestServerOnlyKindsRejected(t *testing.T) {
	h, sender := newTestHub(Config{})
	matchPair(t, h, sender, "a", "b")

	h.HandleFrame("a", []byte(`{"type":"status","status":"matched"}`))

	env := sender.last(t, "a")
	if env.Error != "unsupported message type" {
		t.Errorf("error = %q", env.Error)
	}
}

func TestFrameFromUnknownIdentityIgnored(t *testing.T) {
	h, sender := newTestHub(Config{})
	h.HandleFrame("ghost", []byte(`{"text":"boo"}`))

	if got := sender.all("ghost"); len(got) != 0 {
		t.Errorf("ghost received %d envelopes", len(got))
	}
}

// recordingRecorder tracks mirror calls so we can assert the Redis mirror is
// driven on state changes without a Redis instance.
type recordingRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingRecorder) record(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recordingRecorder) Create(_ context.Context, id string) error {
	r.record("create:" + id)
	return nil
}

func (r *recordingRecorder) SetWaiting(_ context.Context, id string) error {
	r.record("waiting:" + id)
	return nil
}

func (r *recordingRecorder) SetMatched(_ context.Context, id, partner string) error {
	r.record("matched:" + id + ":" + partner)
	return nil
}

func (r *recordingRecorder) Delete(_ context.Context, id string) error {
	r.record("delete:" + id)
	return nil
}

func (r *recordingRecorder) has(call string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if c == call {
			return true
		}
	}
	return false
}

func TestSessionRecorderMirrorsLifecycle(t *testing.T) {
	rec := &recordingRecorder{}
	h, _ := newTestHub(Config{Records: rec})

	h.HandleConnect("a")
	h.HandleConnect("b")
	h.HandleDisconnect("a")

	for _, want := range []string{
		"create:a", "create:b",
		"matched:a:b", "matched:b:a",
		"delete:a", "waiting:b",
	} {
		if !rec.has(want) {
			t.Errorf("recorder missing call %q (got %v)", want, rec.calls)
		}
	}
}

// flakySender behaves like the transport facing a dead peer: delivery to a
// failed identity errors and reports the disconnect back to the hub on the
// same call stack, the way a write failure tears the connection down.
type flakySender struct {
	hub *Hub

	mu   sync.Mutex
	deny map[string]bool
}

func newFlakySender() *flakySender {
	return &flakySender{deny: make(map[string]bool)}
}

func (s *flakySender) fail(identity string) {
	s.mu.Lock()
	s.deny[identity] = true
	s.mu.Unlock()
}

func (s *flakySender) Send(identity string, data []byte) error {
	s.mu.Lock()
	bad := s.deny[identity]
	s.mu.Unlock()
	if bad {
		s.hub.HandleDisconnect(identity)
		return errors.New("write failed")
	}
	return nil
}

func TestConnectSurvivesOwnSendFailure(t *testing.T) {
	sender := newFlakySender()
	h := NewHub(sender, Config{})
	sender.hub = h
	sender.fail("x")

	done := make(chan struct{})
	go func() {
		h.HandleConnect("x")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleConnect never returned after its own delivery failed")
	}

	if h.IsOnline("x") {
		t.Error("x should be gone after the failed delivery disconnected it")
	}

	// The hub must still serve later arrivals.
	h.HandleConnect("y")
	if got := h.Stats(); got.OnlineUsers != 1 || got.WaitingUsers != 1 {
		t.Errorf("stats after recovery = %+v", got)
	}
}

func TestDisconnectSurvivesPartnerSendFailure(t *testing.T) {
	sender := newFlakySender()
	h := NewHub(sender, Config{})
	sender.hub = h

	h.HandleConnect("a")
	h.HandleConnect("b")
	if got := h.Engine().PartnerOf("a"); got != "b" {
		t.Fatalf("PartnerOf(a) = %q, want b", got)
	}

	sender.fail("b")
	done := make(chan struct{})
	go func() {
		h.HandleDisconnect("a")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleDisconnect never returned while notifying an unreachable partner")
	}

	if h.IsOnline("a") || h.IsOnline("b") {
		t.Error("both peers should be gone")
	}
	if got := h.Stats(); got.OnlineUsers != 0 || got.WaitingUsers != 0 || got.ActivePairs != 0 {
		t.Errorf("stats = %+v, want all zero", got)
	}
}
