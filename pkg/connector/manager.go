// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Session is one logical connection to the WhatsApp network. The production
// implementation is *WhatsAppSession; tests use a fake.
type Session interface {
	// SetEventSink registers the function that receives session events.
	// It is called once, before Connect.
	SetEventSink(sink func(SessionEvent))
	// Connect starts a connection attempt. Progress is reported through
	// events: ChallengeIssued, Opened or Closed.
	Connect(ctx context.Context) error
	// Disconnect closes the connection without emitting Closed.
	Disconnect()
	// SendText sends a plain text message and returns its message ID.
	SendText(ctx context.Context, to, text string) (string, error)
}

// eventBufferSize bounds how far session callbacks can run ahead of the
// manager loop before they block.
const eventBufferSize = 64

// Manager owns the connection state machine. It consumes session events on a
// single loop, schedules flat-delay reconnects and hands inbound messages to
// the pipeline, one goroutine per message.
type Manager struct {
	session  Session
	pipeline *Pipeline
	stats    *Stats
	mode     Mode
	log      zerolog.Logger

	reconnectDelay time.Duration
	// afterFunc schedules reconnects. Replaced in tests.
	afterFunc func(d time.Duration, f func())

	events  chan SessionEvent
	stopped chan struct{}
	started time.Time

	mu               sync.RWMutex
	state            State
	challenge        string
	self             Identity
	reconnectPending bool

	inflight sync.WaitGroup
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Mode           Mode
	ReconnectDelay time.Duration
	Pipeline       *Pipeline
	Stats          *Stats
	Log            zerolog.Logger
}

func NewManager(session Session, opts ManagerOptions) *Manager {
	m := &Manager{
		session:        session,
		pipeline:       opts.Pipeline,
		stats:          opts.Stats,
		mode:           opts.Mode,
		log:            opts.Log.With().Str("component", "session_manager").Logger(),
		reconnectDelay: opts.ReconnectDelay,
		afterFunc: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		events:  make(chan SessionEvent, eventBufferSize),
		stopped: make(chan struct{}),
		started: time.Now(),
		state:   StateDisconnected,
	}
	session.SetEventSink(m.Publish)
	return m
}

// Publish queues a session event for the manager loop. It never blocks
// after Run has returned.
func (m *Manager) Publish(evt SessionEvent) {
	select {
	case m.events <- evt:
	case <-m.stopped:
	}
}

// Run connects and processes session events until ctx is cancelled. It only
// returns an error if the credential store failed, which must stop the
// process.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	m.log.Info().Str("mode", string(m.mode)).Msg("Starting WhatsApp session")
	if err := m.session.Connect(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Initial connection attempt failed")
		m.events <- Closed{Cause: CauseNetwork, Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case evt := <-m.events:
			if err := m.handle(ctx, evt); err != nil {
				m.shutdown()
				return err
			}
		}
	}
}

func (m *Manager) shutdown() {
	m.session.Disconnect()
	m.inflight.Wait()
	m.log.Info().Msg("WhatsApp session stopped")
}

func (m *Manager) handle(ctx context.Context, evt SessionEvent) error {
	switch evt := evt.(type) {
	case MessageReceived:
		self := m.Self()
		// Deliveries already started finish during shutdown, bounded by the
		// webhook timeout.
		deliverCtx := context.WithoutCancel(ctx)
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			m.pipeline.Process(deliverCtx, evt.Message, self)
		}()
		return nil
	case CredentialsLost:
		return fmt.Errorf("credential store write failed: %w", evt.Err)
	}

	m.mu.Lock()
	prev := m.state
	next := Transition(prev, evt)
	m.state = next
	if next == StateWaitingForScan {
		if ci, ok := evt.(ChallengeIssued); ok {
			m.challenge = ci.Code
		}
	} else {
		m.challenge = ""
	}
	if opened, ok := evt.(Opened); ok && next == StateConnected {
		m.self = Identity{ID: BareID(opened.OwnID), LID: BareID(opened.OwnLID)}
	}
	schedule := next == StateReconnecting && !m.reconnectPending
	if schedule {
		m.reconnectPending = true
	}
	self := m.self
	m.mu.Unlock()

	if prev != next {
		m.log.Debug().
			Stringer("from", prev).
			Stringer("to", next).
			Msg("Connection state changed")
	}

	switch evt := evt.(type) {
	case ChallengeIssued:
		if next == StateWaitingForScan {
			m.log.Info().Msg("Pairing required, scan the QR code served at /qr")
		}
	case Opened:
		if next == StateConnected {
			m.log.Info().Str("own_id", self.ID).Msg("Connected to WhatsApp")
		}
	case Closed:
		switch next {
		case StateLoggedOut:
			if prev != StateLoggedOut {
				m.log.Error().
					Stringer("cause", evt.Cause).
					Msg("Logged out from WhatsApp, delete the credential store and restart to pair again")
				m.session.Disconnect()
			}
		case StateReconnecting:
			m.log.Warn().Err(evt.Err).
				Stringer("cause", evt.Cause).
				Dur("delay", m.reconnectDelay).
				Msg("Connection closed, reconnecting")
		}
	}

	if schedule {
		m.afterFunc(m.reconnectDelay, func() { m.reconnect(ctx) })
	}
	return nil
}

// reconnect runs one scheduled reconnect attempt. A logged_out state reached
// while the attempt was pending wins: the attempt is abandoned.
func (m *Manager) reconnect(ctx context.Context) {
	m.mu.Lock()
	m.reconnectPending = false
	state := m.state
	m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	if state != StateReconnecting {
		m.log.Debug().Stringer("state", state).Msg("Skipping scheduled reconnect")
		return
	}

	m.log.Info().Msg("Reconnecting to WhatsApp")
	if err := m.session.Connect(ctx); err != nil {
		m.Publish(Closed{Cause: CauseNetwork, Err: err})
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Pairing returns the current state and pairing code together. The code is
// empty unless the state is StateWaitingForScan.
func (m *Manager) Pairing() (State, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.challenge
}

// Self returns the identity of the paired account, which is empty until the
// first successful connection.
func (m *Manager) Self() Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// Status is the observable state of the bridge.
type Status struct {
	State  State
	Mode   Mode
	Stats  StatsSnapshot
	Uptime time.Duration
	Self   Identity
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	state, self := m.state, m.self
	m.mu.RUnlock()
	return Status{
		State:  state,
		Mode:   m.mode,
		Stats:  m.stats.Snapshot(),
		Uptime: time.Since(m.started),
		Self:   self,
	}
}

// Send delivers an operator-authored text message. It is synchronous and
// fails immediately unless the connection is open.
func (m *Manager) Send(ctx context.Context, to, text string) (string, error) {
	if state := m.State(); state != StateConnected {
		return "", fmt.Errorf("%w (state: %s)", ErrNotConnected, state)
	}
	jid := ToJID(to)
	id, err := m.session.SendText(ctx, jid, text)
	if err != nil {
		return "", err
	}
	m.log.Info().Str("to", BareID(jid)).Str("message_id", id).Msg("Sent message")
	return id, nil
}
