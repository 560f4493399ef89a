package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Decoding a plain chat message (no type field)
// ---------------------------------------------------------------------------

func TestDecode_ChatMessage(t *testing.T) {
	input := []byte(`{"text":"hi","sender":"client-1","timestamp":"2024-01-01T00:00:00Z"}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind() != KindChat {
		t.Fatalf("expected chat kind, got %s", env.Kind())
	}
	if env.Text != "hi" {
		t.Errorf("expected text %q, got %q", "hi", env.Text)
	}
	if env.Sender != "client-1" {
		t.Errorf("expected sender %q, got %q", "client-1", env.Sender)
	}
}

func TestDecode_Command(t *testing.T) {
	input := []byte(`{"type":"command","command":"skip","sender":"client-1","timestamp":"2024-01-01T00:00:00Z"}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind() != KindCommand {
		t.Fatalf("expected command kind, got %s", env.Kind())
	}
	if env.Command != CommandSkip {
		t.Errorf("expected command %q, got %q", CommandSkip, env.Command)
	}
}

func TestDecode_Typing(t *testing.T) {
	input := []byte(`{"type":"typing","is_typing":true,"sender":"client-1"}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind() != KindTyping {
		t.Fatalf("expected typing kind, got %s", env.Kind())
	}
	if env.IsTyping == nil || !*env.IsTyping {
		t.Errorf("expected is_typing=true")
	}
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"teleport","sender":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected *DecodeError, got %T", err)
	}
	if !strings.Contains(de.Reason, "teleport") {
		t.Errorf("reason should name the offending type, got %q", de.Reason)
	}
}

func TestDecode_ErrorEnvelope(t *testing.T) {
	input := []byte(`{"error":"Invalid JSON format"}`)

	env, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind() != KindError {
		t.Fatalf("expected error kind, got %s", env.Kind())
	}
}

// ---------------------------------------------------------------------------
// Test: Encoding payload/kind mismatches
// ---------------------------------------------------------------------------

func TestEncode_KindMismatch(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
	}{
		{"chat without text", &Envelope{Sender: "a"}},
		{"command with bad verb", &Envelope{Type: TypeCommand, Command: "fly"}},
		{"status with bad value", &Envelope{Type: TypeStatus, Status: "confused"}},
		{"typing without flag", &Envelope{Type: TypeTyping, Sender: "a"}},
		{"read receipt without id", &Envelope{Type: TypeReadReceipt, Sender: "a"}},
		{"contact status without contact", &Envelope{Type: TypeContactStatus, Status: PresenceOnline}},
		{"contact status with bad presence", &Envelope{Type: TypeContactStatus, ContactID: "a", Status: "away"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.env)
			if err == nil {
				t.Fatal("expected error")
			}
			var ee *EncodeError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *EncodeError, got %T", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip for every valid envelope kind
// ---------------------------------------------------------------------------

func TestRoundTrip(t *testing.T) {
	envelopes := []*Envelope{
		{Text: "hello", Sender: "a", Timestamp: "2024-01-01T00:00:00Z", ID: "m1", Read: Bool(false)},
		{Type: TypeCommand, Command: CommandSaveContact, Sender: "a", Timestamp: "2024-01-01T00:00:00Z"},
		NewStatus(StatusWaiting, "Waiting for someone to join the chat..."),
		NewMatched("b", "User b"),
		NewStatus(StatusSkipped, "Your chat partner has skipped this conversation."),
		NewTypingStatus("a", true),
		{Type: TypeReadReceipt, MessageID: "m1", Sender: "b", Timestamp: "2024-01-01T00:00:00Z"},
		NewContactStatus("a", PresenceOffline),
		NewError("Invalid JSON format"),
	}

	for _, env := range envelopes {
		data, err := Encode(env)
		if err != nil {
			t.Fatalf("encode %s: %v", env.Kind(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", env.Kind(), err)
		}
		if !reflect.DeepEqual(env, got) {
			t.Errorf("round trip mismatch for %s:\n  sent %+v\n  got  %+v", env.Kind(), env, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Wire shape stays bit-exact
// ---------------------------------------------------------------------------

func TestEncode_ChatOmitsType(t *testing.T) {
	data, err := Encode(&Envelope{Text: "hi", Sender: "x", Timestamp: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if _, present := raw["type"]; present {
		t.Error("chat message must not carry a type field")
	}
	if raw["sender"] != "x" || raw["text"] != "hi" {
		t.Errorf("unexpected wire fields: %v", raw)
	}
}

func TestEncode_ReadFlagDistinguishesAbsentFromFalse(t *testing.T) {
	withFlag, err := Encode(&Envelope{Text: "hi", Sender: "x", Read: Bool(false)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	without, err := Encode(&Envelope{Text: "hi", Sender: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(string(withFlag), `"read":false`) {
		t.Errorf("explicit false should appear on the wire: %s", withFlag)
	}
	if strings.Contains(string(without), "read") {
		t.Errorf("absent read flag must not appear on the wire: %s", without)
	}
}

func TestDecode_IsPure(t *testing.T) {
	input := []byte(`{"text":"hi","sender":"a"}`)
	first, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Decode(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Error("decoding the same bytes twice should yield identical envelopes")
	}
}
