// Copyright 2024-2026 Aiku AI

// Package cloudapifmt builds webhook payloads in the shape used by the
// WhatsApp Business cloud API, so consumers written for that API can ingest
// messages relayed from a personal WhatsApp session unchanged.
package cloudapifmt

import (
	"strconv"
	"time"
)

const (
	ObjectBusinessAccount = "whatsapp_business_account"
	MessagingProduct      = "whatsapp"
	FieldMessages         = "messages"
	TypeText              = "text"
)

// Envelope is the top-level webhook payload. Field order follows the cloud
// API so that encoded payloads are stable.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Value Value  `json:"value"`
	Field string `json:"field"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Metadata         Metadata  `json:"metadata"`
	Contacts         []Contact `json:"contacts"`
	Messages         []Message `json:"messages"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile Profile `json:"profile"`
	WaID    string  `json:"wa_id"`
}

type Profile struct {
	Name string `json:"name"`
}

type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Text      Text   `json:"text"`
	Type      string `json:"type"`
}

type Text struct {
	Body string `json:"body"`
}

// TextMessage holds the fields of one inbound text message.
type TextMessage struct {
	// InstanceID identifies the bridge towards the consumer.
	InstanceID string
	// OwnNumber is the bare phone number of the paired account.
	OwnNumber string
	// SenderID is the bare sender identifier.
	SenderID string
	// DisplayName falls back to SenderID when empty.
	DisplayName string
	MessageID   string
	Timestamp   time.Time
	Body        string
}

// NewTextEnvelope wraps a single text message into an Envelope.
func NewTextEnvelope(msg TextMessage) *Envelope {
	name := msg.DisplayName
	if name == "" {
		name = msg.SenderID
	}
	return &Envelope{
		Object: ObjectBusinessAccount,
		Entry: []Entry{{
			ID: msg.InstanceID,
			Changes: []Change{{
				Value: Value{
					MessagingProduct: MessagingProduct,
					Metadata: Metadata{
						DisplayPhoneNumber: msg.OwnNumber,
						PhoneNumberID:      msg.InstanceID,
					},
					Contacts: []Contact{{
						Profile: Profile{Name: name},
						WaID:    msg.SenderID,
					}},
					Messages: []Message{{
						From:      msg.SenderID,
						ID:        msg.MessageID,
						Timestamp: strconv.FormatInt(msg.Timestamp.Unix(), 10),
						Text:      Text{Body: msg.Body},
						Type:      TypeText,
					}},
				},
				Field: FieldMessages,
			}},
		}},
	}
}

// FirstMessage returns the contact and message of an envelope built by
// NewTextEnvelope, or nils if the envelope has another shape.
func (e *Envelope) FirstMessage() (*Contact, *Message) {
	if e == nil || len(e.Entry) == 0 || len(e.Entry[0].Changes) == 0 {
		return nil, nil
	}
	val := &e.Entry[0].Changes[0].Value
	if len(val.Messages) == 0 || len(val.Contacts) == 0 {
		return nil, nil
	}
	return &val.Contacts[0], &val.Messages[0]
}
