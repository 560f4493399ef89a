// Package protocol defines the wire envelope exchanged between client and
// server and the codec that (de)serializes it. Every frame is one JSON
// envelope; a "type" field discriminates the payload shape, and a frame
// without "type" is a plain chat message.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope type discriminators. An empty Type denotes a chat message.
const (
	TypeCommand       = "command"
	TypeStatus        = "status"
	TypeTyping        = "typing"        // client -> server
	TypeTypingStatus  = "typing_status" // server -> partner
	TypeReadReceipt   = "read_receipt"
	TypeContactStatus = "contact_status"
)

// Commands carried by a command envelope.
const (
	CommandSkip        = "skip"
	CommandSaveContact = "save_contact"
)

// Statuses carried by a status envelope.
const (
	StatusWaiting       = "waiting"
	StatusMatched       = "matched"
	StatusDisconnected  = "disconnected"
	StatusSkipped       = "skipped"
	StatusContactSaved  = "contact_saved"
	StatusContactExists = "contact_exists"
)

// Contact presence values carried by a contact_status envelope.
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Kind classifies an envelope after the type discriminator (or its absence)
// has been resolved.
type Kind int

const (
	KindChat Kind = iota
	KindCommand
	KindStatus
	KindTyping
	KindTypingStatus
	KindReadReceipt
	KindContactStatus
	KindError
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindCommand:
		return "command"
	case KindStatus:
		return "status"
	case KindTyping:
		return "typing"
	case KindTypingStatus:
		return "typing_status"
	case KindReadReceipt:
		return "read_receipt"
	case KindContactStatus:
		return "contact_status"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Envelope is the single wire unit. The field set is the union of all
// payload shapes; Kind determines which fields are meaningful. Optional
// booleans are pointers so that absent and false are distinguishable on the
// wire.
type Envelope struct {
	Type      string `json:"type,omitempty"`
	Text      string `json:"text,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Command   string `json:"command,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	PartnerID string `json:"partnerId,omitempty"`
	ContactID string `json:"contact_id,omitempty"`
	IsTyping  *bool  `json:"is_typing,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ID        string `json:"id,omitempty"`
	Read      *bool  `json:"read,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Kind resolves the envelope's kind from the type discriminator. A typeless
// envelope is a chat message unless it carries only an error string.
func (e *Envelope) Kind() Kind {
	switch e.Type {
	case TypeCommand:
		return KindCommand
	case TypeStatus:
		return KindStatus
	case TypeTyping:
		return KindTyping
	case TypeTypingStatus:
		return KindTypingStatus
	case TypeReadReceipt:
		return KindReadReceipt
	case TypeContactStatus:
		return KindContactStatus
	default:
		if e.Error != "" && e.Text == "" {
			return KindError
		}
		return KindChat
	}
}

// DecodeError reports malformed inbound bytes. It is recoverable: the
// connection answers with an error envelope and stays open.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: decode: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol: decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a kind/payload mismatch on the outbound path.
type EncodeError struct {
	Reason string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("protocol: encode: %s", e.Reason)
}

// Decode parses raw frame bytes into an Envelope. It is pure: no side
// effects, no state. Malformed JSON or an unknown type discriminator yields
// a *DecodeError.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}

	switch env.Type {
	case "", TypeCommand, TypeStatus, TypeTyping, TypeTypingStatus,
		TypeReadReceipt, TypeContactStatus:
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", env.Type)}
	}

	return &env, nil
}

// Encode serializes an Envelope to wire bytes after checking that the
// payload matches the envelope's kind. A mismatch yields an *EncodeError.
func Encode(env *Envelope) ([]byte, error) {
	if err := validate(env); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		// Marshalling a plain struct of strings and bools cannot fail; keep
		// the error path anyway so the contract holds.
		return nil, &EncodeError{Reason: err.Error()}
	}
	return data, nil
}

// validate checks kind-specific payload requirements.
func validate(env *Envelope) error {
	switch env.Kind() {
	case KindChat:
		if env.Text == "" {
			return &EncodeError{Reason: "chat envelope requires text"}
		}
	case KindCommand:
		if env.Command != CommandSkip && env.Command != CommandSaveContact {
			return &EncodeError{Reason: fmt.Sprintf("invalid command %q", env.Command)}
		}
	case KindStatus:
		switch env.Status {
		case StatusWaiting, StatusMatched, StatusDisconnected,
			StatusSkipped, StatusContactSaved, StatusContactExists:
		default:
			return &EncodeError{Reason: fmt.Sprintf("invalid status %q", env.Status)}
		}
	case KindTyping, KindTypingStatus:
		if env.IsTyping == nil {
			return &EncodeError{Reason: "typing envelope requires is_typing"}
		}
	case KindReadReceipt:
		if env.MessageID == "" {
			return &EncodeError{Reason: "read_receipt envelope requires message_id"}
		}
	case KindContactStatus:
		if env.ContactID == "" {
			return &EncodeError{Reason: "contact_status envelope requires contact_id"}
		}
		if env.Status != PresenceOnline && env.Status != PresenceOffline {
			return &EncodeError{Reason: fmt.Sprintf("invalid presence %q", env.Status)}
		}
	case KindError:
		if env.Error == "" {
			return &EncodeError{Reason: "error envelope requires error"}
		}
	}
	return nil
}

// Now returns the current time in the wire timestamp format (ISO-8601/RFC 3339).
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Bool returns a pointer to b, for the optional boolean envelope fields.
func Bool(b bool) *bool { return &b }

// ---------------------------------------------------------------------------
// Server-side envelope constructors
// ---------------------------------------------------------------------------

// NewStatus builds a status envelope with a human-readable message.
func NewStatus(status, message string) *Envelope {
	return &Envelope{
		Type:      TypeStatus,
		Status:    status,
		Message:   message,
		Timestamp: Now(),
	}
}

// NewMatched builds the status=matched envelope naming the new partner.
func NewMatched(partnerID, partnerName string) *Envelope {
	env := NewStatus(StatusMatched, fmt.Sprintf("You are now chatting with %s", partnerName))
	env.PartnerID = partnerID
	return env
}

// NewError builds an error envelope. The connection stays open after it.
func NewError(msg string) *Envelope {
	return &Envelope{
		Error:     msg,
		Timestamp: Now(),
	}
}

// NewTypingStatus builds the server->partner typing relay envelope.
func NewTypingStatus(sender string, isTyping bool) *Envelope {
	return &Envelope{
		Type:      TypeTypingStatus,
		Sender:    sender,
		IsTyping:  Bool(isTyping),
		Timestamp: Now(),
	}
}

// NewContactStatus builds a contact presence envelope.
func NewContactStatus(contactID, presence string) *Envelope {
	return &Envelope{
		Type:      TypeContactStatus,
		ContactID: contactID,
		Status:    presence,
		Timestamp: Now(),
	}
}
