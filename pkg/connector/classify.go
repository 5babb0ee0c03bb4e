// Copyright 2024-2026 Aiku AI

package connector

import (
	"time"
)

// InboundMessage is the library-independent view of one inbound message
// event. Addresses keep their transport suffix.
type InboundMessage struct {
	ID        string
	Chat      string
	Sender    string
	PushName  string
	Timestamp time.Time
	FromMe    bool
	IsGroup   bool

	// HasBody is false for protocol events that carry no message at all.
	HasBody      bool
	Conversation string
	ExtendedText string
}

// Identity is the paired account, as bare identifiers.
type Identity struct {
	ID  string
	LID string
}

// Owns reports whether a chat address belongs to the paired account.
func (id Identity) Owns(address string) bool {
	bare := BareID(address)
	if bare == "" {
		return false
	}
	return bare == id.ID || (id.LID != "" && bare == id.LID)
}

// Verdict is the result of classifying an inbound message.
type Verdict int

const (
	// VerdictDrop marks protocol noise. It is not counted.
	VerdictDrop Verdict = iota
	// VerdictIgnore marks a real message rejected by the mode filter.
	VerdictIgnore
	// VerdictAccept marks a message that should be forwarded.
	VerdictAccept
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictIgnore:
		return "ignore"
	case VerdictAccept:
		return "accept"
	default:
		return "unknown"
	}
}

// Classify applies the noise filters and the operating-mode filter. It does
// not look at the message text.
func Classify(mode Mode, self Identity, msg *InboundMessage) Verdict {
	if msg == nil || !msg.HasBody {
		return VerdictDrop
	}
	if IsBroadcastAddress(msg.Chat) {
		return VerdictDrop
	}
	switch mode {
	case ModeSelf:
		if msg.FromMe && self.Owns(msg.Chat) {
			return VerdictAccept
		}
	case ModeProduction:
		if !msg.FromMe && !msg.IsGroup {
			return VerdictAccept
		}
	}
	return VerdictIgnore
}

// ExtractText returns the plain conversation text, falling back to the
// extended text body.
func ExtractText(msg *InboundMessage) (string, bool) {
	if msg.Conversation != "" {
		return msg.Conversation, true
	}
	if msg.ExtendedText != "" {
		return msg.ExtendedText, true
	}
	return "", false
}
