// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// eventRecorder collects published session events.
type eventRecorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *eventRecorder) sink(evt SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) Events() []SessionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]SessionEvent, len(r.events))
	copy(cp, r.events)
	return cp
}

type failingSaver struct{}

func (failingSaver) Save(context.Context, *store.Device) error {
	return errors.New("disk I/O error")
}

// brokenSessions fails every session write, like a full disk would.
type brokenSessions struct {
	store.SessionStore
}

func (brokenSessions) PutSession(context.Context, string, []byte) error {
	return errors.New("disk I/O error")
}

func newTestWhatsAppSession(t *testing.T, creds credentialSaver) (*WhatsAppSession, *eventRecorder) {
	t.Helper()
	device, err := openTestCredentialStore(t, t.TempDir()).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sess := NewWhatsAppSession(device, creds, zerolog.Nop())
	rec := &eventRecorder{}
	sess.SetEventSink(rec.sink)
	return sess, rec
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	chat := types.NewJID(testPeer, types.DefaultUserServer)
	sender := types.JID{User: testPeer, Device: 3, Server: types.DefaultUserServer}
	evt := &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     chat,
				Sender:   sender,
				IsFromMe: false,
				IsGroup:  false,
			},
			ID:        "3EB0A1B2C3D4E5F6",
			PushName:  "Erika",
			Timestamp: testTime,
		},
		Message: &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String("see https://example.com"),
			},
		},
	}

	got := convertMessage(evt)
	want := &InboundMessage{
		ID:           "3EB0A1B2C3D4E5F6",
		Chat:         testPeerJID,
		Sender:       testPeerJID,
		PushName:     "Erika",
		Timestamp:    testTime,
		HasBody:      true,
		ExtendedText: "see https://example.com",
	}
	if *got != *want {
		t.Errorf("convertMessage:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestConvertMessageWithoutBody(t *testing.T) {
	t.Parallel()
	got := convertMessage(&events.Message{Info: types.MessageInfo{ID: "3EB0"}})
	if got.HasBody {
		t.Error("HasBody should be false for events without a message")
	}
	if got.Conversation != "" || got.ExtendedText != "" {
		t.Errorf("text fields should be empty, got %+v", got)
	}
}

func TestWhatsAppSessionEventMapping(t *testing.T) {
	t.Parallel()
	sess, rec := newTestWhatsAppSession(t, failingSaver{})

	sess.handleEvent(&events.Disconnected{})
	sess.handleEvent(&events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	sess.handleEvent(&events.StreamReplaced{})
	sess.handleEvent(&events.ClientOutdated{})
	sess.handleEvent(&events.KeepAliveTimeout{ErrorCount: 1})
	sess.handleEvent(&events.Receipt{})
	sess.handleEvent(&events.Message{
		Info:    types.MessageInfo{ID: "3EB0"},
		Message: &waE2E.Message{Conversation: proto.String("Hallo")},
	})

	got := rec.Events()
	if len(got) != 5 {
		t.Fatalf("published %d events, want 5: %#v", len(got), got)
	}
	wantCauses := []CloseCause{CauseNetwork, CauseLoggedOut, CauseReplaced, CauseNetwork}
	for i, want := range wantCauses {
		closed, ok := got[i].(Closed)
		if !ok || closed.Cause != want {
			t.Errorf("event %d: got %#v, want Closed{Cause: %s}", i, got[i], want)
		}
	}
	if closed := got[3].(Closed); closed.Err == nil {
		t.Error("outdated client close should carry an error")
	}
	msg, ok := got[4].(MessageReceived)
	if !ok || msg.Message.Conversation != "Hallo" {
		t.Errorf("event 4: got %#v, want MessageReceived", got[4])
	}
}

func TestWhatsAppSessionConnectedReportsIdentity(t *testing.T) {
	t.Parallel()
	sess, rec := newTestWhatsAppSession(t, failingSaver{})
	own := types.JID{User: testOwnNumber, Device: 12, Server: types.DefaultUserServer}
	sess.client.Store.ID = &own

	sess.handleEvent(&events.Connected{})
	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	opened, ok := got[0].(Opened)
	if !ok || BareID(opened.OwnID) != testOwnNumber {
		t.Errorf("got %#v, want Opened for %s", got[0], testOwnNumber)
	}
}

func TestWhatsAppSessionPairFlushFailureIsFatal(t *testing.T) {
	t.Parallel()
	sess, rec := newTestWhatsAppSession(t, failingSaver{})
	sess.handleEvent(&events.PairSuccess{
		ID:       types.JID{User: testOwnNumber, Device: 12, Server: types.DefaultUserServer},
		Platform: "android",
	})
	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1", len(got))
	}
	if _, ok := got[0].(CredentialsLost); !ok {
		t.Errorf("got %#v, want CredentialsLost", got[0])
	}
}

func TestWhatsAppSessionPrintsQR(t *testing.T) {
	t.Parallel()
	sess, _ := newTestWhatsAppSession(t, failingSaver{})
	var buf bytes.Buffer
	sess.PrintQRTo(&buf)
	sess.printQR("2@Xk9vQ,ref,key,adv")
	if lines := strings.Count(buf.String(), "\n"); lines < 10 {
		t.Errorf("terminal QR code looks too small: %d lines", lines)
	}
}

func TestWhatsAppSessionSendRequiresPairing(t *testing.T) {
	t.Parallel()
	sess, _ := newTestWhatsAppSession(t, failingSaver{})
	if _, err := sess.SendText(context.Background(), "4912345@s.whatsapp.net", "Hi"); err == nil {
		t.Error("SendText should fail on an unpaired device")
	}
}

func TestWhatsAppSessionReusesPairingChannelAcrossFailedDials(t *testing.T) {
	t.Parallel()
	sess, _ := newTestWhatsAppSession(t, failingSaver{})
	// Nothing listens on port 1, every dial is refused.
	if err := sess.client.SetProxyAddress("http://127.0.0.1:1"); err != nil {
		t.Fatalf("SetProxyAddress: %v", err)
	}

	ctx := context.Background()
	if err := sess.Connect(ctx); err == nil {
		t.Fatal("Connect should fail through an unreachable proxy")
	}
	first := sess.pairingChannel()
	if first == nil {
		t.Fatal("Connect on an unpaired device should register a pairing channel")
	}
	for i := range 5 {
		if err := sess.Connect(ctx); err == nil {
			t.Fatalf("attempt %d: Connect should fail", i)
		}
		if got := sess.pairingChannel(); got != first {
			t.Fatalf("attempt %d: a new pairing channel was registered", i)
		}
	}
}

func TestWhatsAppSessionPairingItems(t *testing.T) {
	t.Parallel()
	sess, rec := newTestWhatsAppSession(t, failingSaver{})

	sess.handlePairingItem(whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@Xk9vQ,ref,key,adv"})
	sess.handlePairingItem(whatsmeow.QRChannelScannedWithoutMultidevice)
	sess.handlePairingItem(whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventPasskeyRequest})
	sess.handlePairingItem(whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventPasskeyResponse})
	sess.handlePairingItem(whatsmeow.QRChannelSuccess)
	sess.handlePairingItem(whatsmeow.QRChannelTimeout)
	sess.handlePairingItem(whatsmeow.QRChannelClientOutdated)

	got := rec.Events()
	if len(got) != 3 {
		t.Fatalf("published %d events, want 3: %#v", len(got), got)
	}
	if challenge, ok := got[0].(ChallengeIssued); !ok || challenge.Code != "2@Xk9vQ,ref,key,adv" {
		t.Errorf("event 0: got %#v, want ChallengeIssued", got[0])
	}
	if closed, ok := got[1].(Closed); !ok || closed.Cause != CauseChallengeExpired {
		t.Errorf("event 1: got %#v, want Closed{Cause: challenge_expired}", got[1])
	}
	if closed, ok := got[2].(Closed); !ok || closed.Cause != CauseNetwork || closed.Err == nil {
		t.Errorf("event 2: got %#v, want Closed{Cause: network} with an error", got[2])
	}
}

func TestWhatsAppSessionKeyWriteFailureIsFatal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs := openTestCredentialStore(t, t.TempDir())
	device := cs.container.NewDevice()
	pairTestDevice(device)
	if err := cs.Save(ctx, device); err != nil {
		t.Fatalf("Save: %v", err)
	}
	device.Sessions = brokenSessions{device.Sessions}

	sess := NewWhatsAppSession(device, cs, zerolog.Nop())
	rec := &eventRecorder{}
	sess.SetEventSink(rec.sink)

	// The error still reaches whatsmeow, it is reported only once.
	for i := range 2 {
		if err := sess.client.Store.Sessions.PutSession(ctx, testPeer+".0", []byte{1}); err == nil {
			t.Fatalf("write %d: PutSession should return the store error", i)
		}
	}
	if err := sess.client.Store.Identities.PutIdentity(ctx, testPeer+".0", [32]byte{1}); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}

	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1: %#v", len(got), got)
	}
	lost, ok := got[0].(CredentialsLost)
	if !ok {
		t.Fatalf("got %#v, want CredentialsLost", got[0])
	}
	if !strings.Contains(lost.Err.Error(), "put session") {
		t.Errorf("CredentialsLost error %q does not name the failed write", lost.Err)
	}
}

func TestWhatsAppSessionGuardsStoresAfterPairing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cs := openTestCredentialStore(t, t.TempDir())
	device, err := cs.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sess := NewWhatsAppSession(device, cs, zerolog.Nop())
	rec := &eventRecorder{}
	sess.SetEventSink(rec.sink)

	// whatsmeow saves the new identity before announcing the pairing. The
	// first save swaps in fresh key stores.
	pairTestDevice(sess.client.Store)
	if err := sess.client.Store.Save(ctx); err != nil {
		t.Fatalf("Save: %v", err)
	}
	sess.handleEvent(&events.PairSuccess{ID: *sess.client.Store.ID, Platform: "android"})

	if _, ok := sess.client.Store.Sessions.(guardedSessions); !ok {
		t.Errorf("Sessions not guarded after pairing: %T", sess.client.Store.Sessions)
	}
	if _, ok := sess.client.Store.Identities.(guardedIdentities); !ok {
		t.Errorf("Identities not guarded after pairing: %T", sess.client.Store.Identities)
	}
	if _, ok := sess.client.Store.PreKeys.(guardedPreKeys); !ok {
		t.Errorf("PreKeys not guarded after pairing: %T", sess.client.Store.PreKeys)
	}
	if _, ok := sess.client.Store.SenderKeys.(guardedSenderKeys); !ok {
		t.Errorf("SenderKeys not guarded after pairing: %T", sess.client.Store.SenderKeys)
	}
	if _, ok := sess.client.Store.Container.(guardedContainer); !ok {
		t.Errorf("Container not guarded after pairing: %T", sess.client.Store.Container)
	}
	if got := rec.Events(); len(got) != 0 {
		t.Errorf("successful pairing published %#v", got)
	}
}

func TestWhatsAppSessionPairDatabaseErrorIsFatal(t *testing.T) {
	t.Parallel()
	sess, rec := newTestWhatsAppSession(t, failingSaver{})
	dbErr := &whatsmeow.PairDatabaseError{
		Message: "failed to save device store",
		DBErr:   errors.New("disk I/O error"),
	}
	sess.handleEvent(&events.PairError{
		ID:    types.JID{User: testOwnNumber, Device: 12, Server: types.DefaultUserServer},
		Error: dbErr,
	})
	sess.handleEvent(&events.PairError{Error: errors.New("invalid device signature")})

	got := rec.Events()
	if len(got) != 1 {
		t.Fatalf("published %d events, want 1: %#v", len(got), got)
	}
	if _, ok := got[0].(CredentialsLost); !ok {
		t.Errorf("got %#v, want CredentialsLost", got[0])
	}
}
