// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of the single WhatsApp connection.
type State int

const (
	StateDisconnected State = iota
	StateWaitingForScan
	StateConnected
	StateReconnecting
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateWaitingForScan:
		return "waiting_for_scan"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLoggedOut:
		return "logged_out"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CloseCause explains why the underlying connection closed.
type CloseCause int

const (
	CauseNetwork CloseCause = iota
	CauseLoggedOut
	CauseChallengeExpired
	CauseReplaced
)

func (c CloseCause) String() string {
	switch c {
	case CauseNetwork:
		return "network"
	case CauseLoggedOut:
		return "logged_out"
	case CauseChallengeExpired:
		return "challenge_expired"
	case CauseReplaced:
		return "stream_replaced"
	default:
		return fmt.Sprintf("CloseCause(%d)", int(c))
	}
}

// SessionEvent is published by a Session and consumed by the Manager loop.
type SessionEvent interface {
	isSessionEvent()
}

// ChallengeIssued carries a fresh pairing code to be rendered as a QR image.
type ChallengeIssued struct {
	Code string
}

// Opened signals an authenticated connection.
type Opened struct {
	// OwnID is the phone-number address of the paired account.
	OwnID string
	// OwnLID is the hidden-user address of the paired account, if known.
	OwnLID string
}

// Closed signals that the connection is gone.
type Closed struct {
	Cause CloseCause
	Err   error
}

// MessageReceived carries one inbound message.
type MessageReceived struct {
	Message *InboundMessage
}

// CredentialsLost signals that rotated credentials could not be flushed to
// the credential store. The Manager treats it as fatal.
type CredentialsLost struct {
	Err error
}

func (ChallengeIssued) isSessionEvent() {}
func (Opened) isSessionEvent()          {}
func (Closed) isSessionEvent()          {}
func (MessageReceived) isSessionEvent() {}
func (CredentialsLost) isSessionEvent() {}

// ErrNotConnected is returned by Send while the connection is not open.
var ErrNotConnected = errors.New("whatsapp is not connected")

// Transition returns the state that follows from applying evt in state
// from. StateLoggedOut is absorbing: nothing but a process restart leaves it.
func Transition(from State, evt SessionEvent) State {
	if from == StateLoggedOut {
		return StateLoggedOut
	}
	switch evt := evt.(type) {
	case ChallengeIssued:
		return StateWaitingForScan
	case Opened:
		return StateConnected
	case Closed:
		if evt.Cause == CauseLoggedOut {
			return StateLoggedOut
		}
		return StateReconnecting
	default:
		return from
	}
}
