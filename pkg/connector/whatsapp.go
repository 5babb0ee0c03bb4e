// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// credentialSaver is satisfied by *CredentialStore.
type credentialSaver interface {
	Save(ctx context.Context, device *store.Device) error
}

// WhatsAppSession adapts a whatsmeow client to the Session interface. It
// translates whatsmeow events into SessionEvents and leaves reconnection to
// the Manager.
type WhatsAppSession struct {
	client *whatsmeow.Client
	creds  credentialSaver
	guard  *credentialGuard
	log    zerolog.Logger

	// qrOut receives terminal QR codes when set.
	qrOut io.Writer

	// pairing is the QR channel of the current pairing attempt. whatsmeow
	// only closes it after a connection event, so it outlives failed dials
	// and is reused by the next Connect.
	pairingMu sync.Mutex
	pairing   <-chan whatsmeow.QRChannelItem

	sinkMu sync.RWMutex
	sink   func(SessionEvent)
}

var _ Session = (*WhatsAppSession)(nil)

// NewWhatsAppSession creates a session for a device loaded from the
// credential store.
func NewWhatsAppSession(device *store.Device, creds credentialSaver, log zerolog.Logger) *WhatsAppSession {
	log = log.With().Str("component", "wa_client").Logger()
	client := whatsmeow.NewClient(device, waLog.Zerolog(log))
	client.EnableAutoReconnect = false
	s := &WhatsAppSession{
		client: client,
		creds:  creds,
		log:    log,
	}
	s.guard = &credentialGuard{report: func(err error) {
		s.log.Error().Err(err).Msg("Credential store write failed")
		s.publish(CredentialsLost{Err: err})
	}}
	s.guard.install(device)
	client.AddEventHandler(s.handleEvent)
	return s
}

// PrintQRTo makes the session render pairing codes as text QR codes to w.
func (s *WhatsAppSession) PrintQRTo(w io.Writer) {
	s.qrOut = w
}

func (s *WhatsAppSession) SetEventSink(sink func(SessionEvent)) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

func (s *WhatsAppSession) publish(evt SessionEvent) {
	s.sinkMu.RLock()
	sink := s.sink
	s.sinkMu.RUnlock()
	if sink != nil {
		sink(evt)
	}
}

// Connect starts a connection attempt. Unpaired devices get a QR channel
// first so pairing codes are reported as ChallengeIssued events.
func (s *WhatsAppSession) Connect(ctx context.Context) error {
	if s.client.Store.ID == nil {
		if err := s.ensurePairing(ctx); err != nil {
			return err
		}
	}
	if err := s.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// ensurePairing registers a QR channel unless the previous one is still open.
func (s *WhatsAppSession) ensurePairing(ctx context.Context) error {
	s.pairingMu.Lock()
	defer s.pairingMu.Unlock()
	if s.pairing != nil {
		return nil
	}
	qrChan, err := s.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pairing channel: %w", err)
	}
	s.pairing = qrChan
	go s.watchPairing(qrChan)
	return nil
}

func (s *WhatsAppSession) pairingChannel() <-chan whatsmeow.QRChannelItem {
	s.pairingMu.Lock()
	defer s.pairingMu.Unlock()
	return s.pairing
}

func (s *WhatsAppSession) watchPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	defer func() {
		s.pairingMu.Lock()
		if s.pairing == qrChan {
			s.pairing = nil
		}
		s.pairingMu.Unlock()
	}()
	for item := range qrChan {
		s.handlePairingItem(item)
	}
}

func (s *WhatsAppSession) handlePairingItem(item whatsmeow.QRChannelItem) {
	switch item.Event {
	case whatsmeow.QRChannelEventCode:
		s.log.Debug().Dur("timeout", item.Timeout).Msg("Received pairing code")
		s.printQR(item.Code)
		s.publish(ChallengeIssued{Code: item.Code})
	case whatsmeow.QRChannelSuccess.Event:
		s.log.Info().Msg("Pairing successful")
	case whatsmeow.QRChannelTimeout.Event:
		s.publish(Closed{Cause: CauseChallengeExpired})
	case whatsmeow.QRChannelScannedWithoutMultidevice.Event:
		// The channel stays open and keeps emitting codes.
		s.log.Warn().Msg("Pairing code was scanned by a phone without multi-device support")
	case whatsmeow.QRChannelEventPasskeyRequest, whatsmeow.QRChannelEventPasskeyResponse:
		s.log.Info().Str("event", item.Event).Msg("Passkey pairing is not supported, waiting for a QR scan")
	case whatsmeow.QRChannelEventError:
		s.publish(Closed{Cause: CauseNetwork, Err: item.Error})
	default:
		s.publish(Closed{Cause: CauseNetwork, Err: fmt.Errorf("pairing failed: %s", item.Event)})
	}
}

func (s *WhatsAppSession) printQR(code string) {
	if s.qrOut == nil {
		return
	}
	qr, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to render terminal QR code")
		return
	}
	_, _ = fmt.Fprintln(s.qrOut, qr.ToSmallString(false))
}

func (s *WhatsAppSession) Disconnect() {
	s.client.Disconnect()
}

// SendText sends a plain conversation message.
func (s *WhatsAppSession) SendText(ctx context.Context, to, text string) (string, error) {
	jid, err := types.ParseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid recipient %q: %w", to, err)
	}
	resp, err := s.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return string(resp.ID), nil
}

func (s *WhatsAppSession) handleEvent(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Connected:
		opened := Opened{}
		if s.client.Store.ID != nil {
			opened.OwnID = s.client.Store.ID.String()
		}
		if !s.client.Store.LID.IsEmpty() {
			opened.OwnLID = s.client.Store.LID.String()
		}
		s.publish(opened)
	case *events.PairSuccess:
		s.log.Info().
			Str("jid", evt.ID.String()).
			Str("platform", evt.Platform).
			Msg("Paired new device")
		// whatsmeow has already stored the new identity. Flush once more so
		// a store failure surfaces here instead of at the next restart.
		if err := s.creds.Save(context.Background(), s.client.Store); err != nil {
			s.publish(CredentialsLost{Err: err})
			return
		}
		// The first save replaced the device's stores.
		s.guard.install(s.client.Store)
	case *events.PairError:
		var dbErr *whatsmeow.PairDatabaseError
		if errors.As(evt.Error, &dbErr) {
			s.publish(CredentialsLost{Err: dbErr})
			return
		}
		s.log.Warn().Err(evt.Error).Msg("Pairing failed")
	case *events.LoggedOut:
		s.log.Warn().
			Bool("on_connect", evt.OnConnect).
			Str("reason", evt.Reason.String()).
			Msg("Logged out by server")
		s.publish(Closed{Cause: CauseLoggedOut})
	case *events.Disconnected:
		s.publish(Closed{Cause: CauseNetwork})
	case *events.StreamReplaced:
		s.publish(Closed{Cause: CauseReplaced, Err: fmt.Errorf("another client connected with the same credentials")})
	case *events.ConnectFailure:
		s.publish(Closed{Cause: CauseNetwork, Err: fmt.Errorf("connect failure: %s (%s)", evt.Reason, evt.Message)})
	case *events.TemporaryBan:
		s.publish(Closed{Cause: CauseNetwork, Err: fmt.Errorf("temporarily banned: %s", evt.String())})
	case *events.ClientOutdated:
		s.publish(Closed{Cause: CauseNetwork, Err: fmt.Errorf("client version outdated")})
	case *events.KeepAliveTimeout:
		s.log.Debug().Int("error_count", evt.ErrorCount).Msg("Keepalive timeout")
	case *events.KeepAliveRestored:
		s.log.Debug().Msg("Keepalive restored")
	case *events.Message:
		s.publish(MessageReceived{Message: convertMessage(evt)})
	default:
		s.log.Trace().Type("event_type", rawEvt).Msg("Unhandled event type")
	}
}

// convertMessage extracts the fields the pipeline needs from a whatsmeow
// message event.
func convertMessage(evt *events.Message) *InboundMessage {
	info := evt.Info
	msg := &InboundMessage{
		ID:        string(info.ID),
		Chat:      info.Chat.String(),
		Sender:    info.Sender.ToNonAD().String(),
		PushName:  info.PushName,
		Timestamp: info.Timestamp,
		FromMe:    info.IsFromMe,
		IsGroup:   info.IsGroup,
		HasBody:   evt.Message != nil,
	}
	if evt.Message != nil {
		msg.Conversation = evt.Message.GetConversation()
		msg.ExtendedText = evt.Message.GetExtendedTextMessage().GetText()
	}
	return msg
}
