// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// sentMessage records one SendText call.
type sentMessage struct {
	To   string
	Text string
}

// fakeSession is a Session whose events are emitted by the test.
type fakeSession struct {
	mu          sync.Mutex
	sink        func(SessionEvent)
	connects    int
	disconnects int
	sent        []sentMessage

	// ConnectErr is returned by every Connect call when set.
	ConnectErr error
	// SendID is returned as the message ID of every SendText call.
	SendID string
	// SendErr is returned by SendText when set.
	SendErr error
	// SendPanic makes SendText panic with this value when set.
	SendPanic any
}

var _ Session = (*fakeSession)(nil)

func newFakeSession() *fakeSession {
	return &fakeSession{SendID: "3EB0C0FFEE"}
}

func (f *fakeSession) SetEventSink(sink func(SessionEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *fakeSession) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.ConnectErr
}

func (f *fakeSession) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
}

func (f *fakeSession) SendText(_ context.Context, to, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendPanic != nil {
		panic(f.SendPanic)
	}
	if f.SendErr != nil {
		return "", f.SendErr
	}
	f.sent = append(f.sent, sentMessage{To: to, Text: text})
	return f.SendID, nil
}

// Emit publishes evt through the registered sink, like the real session does
// from whatsmeow's event handler.
func (f *fakeSession) Emit(evt SessionEvent) {
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	sink(evt)
}

func (f *fakeSession) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeSession) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakeSession) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]sentMessage, len(f.sent))
	copy(cp, f.sent)
	return cp
}

// manualTimer replaces time.AfterFunc. Scheduled functions only run when the
// test calls Fire.
type manualTimer struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (mt *manualTimer) AfterFunc(d time.Duration, f func()) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.pending = append(mt.pending, f)
	mt.delays = append(mt.delays, d)
}

func (mt *manualTimer) Pending() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.pending)
}

func (mt *manualTimer) Delays() []time.Duration {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	cp := make([]time.Duration, len(mt.delays))
	copy(cp, mt.delays)
	return cp
}

// Fire runs every pending function and returns how many ran.
func (mt *manualTimer) Fire() int {
	mt.mu.Lock()
	fns := mt.pending
	mt.pending = nil
	mt.mu.Unlock()
	for _, f := range fns {
		f()
	}
	return len(fns)
}

// webhookCall records one request received by fakeWebhook.
type webhookCall struct {
	Method      string
	ContentType string
	Body        string
}

// fakeWebhook is a test helper that wraps an httptest.Server standing in for
// the downstream consumer. It records calls and answers with a configurable
// status.
type fakeWebhook struct {
	Server *httptest.Server

	mu     sync.Mutex
	calls  []webhookCall
	status int
	delay  time.Duration
}

func newFakeWebhook() *fakeWebhook {
	f := &fakeWebhook{status: http.StatusOK}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeWebhook) URL() string {
	return f.Server.URL + "/api/webhooks/whatsapp"
}

func (f *fakeWebhook) Close() {
	f.Server.Close()
}

func (f *fakeWebhook) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, webhookCall{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
		Body:        string(body),
	})
	status, delay := f.status, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.WriteHeader(status)
	if status >= 300 {
		_, _ = w.Write([]byte(`{"error":"consumer unavailable"}`))
	}
}

// SetStatus changes the response status code. Defaults to 200.
func (f *fakeWebhook) SetStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

// SetDelay holds every response back by d, unless the request is cancelled.
func (f *fakeWebhook) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *fakeWebhook) Calls() []webhookCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]webhookCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// unreachableURL returns the URL of a server that has already been shut
// down, so connections to it are refused.
func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// testManager bundles a Manager with its fakes.
type testManager struct {
	*Manager
	Session *fakeSession
	Stats   *Stats
	Timer   *manualTimer
}

func newTestManager(t *testing.T, mode Mode, webhookURL string) *testManager {
	t.Helper()
	log := zerolog.Nop()
	stats := &Stats{}
	sess := newFakeSession()
	relay := NewRelay(webhookURL, 2*time.Second, stats, log)
	m := NewManager(sess, ManagerOptions{
		Mode:           mode,
		ReconnectDelay: 3 * time.Second,
		Pipeline:       NewPipeline(mode, "", relay, stats, log),
		Stats:          stats,
		Log:            log,
	})
	timer := &manualTimer{}
	m.afterFunc = timer.AfterFunc
	return &testManager{Manager: m, Session: sess, Stats: stats, Timer: timer}
}

// apply feeds events to the manager loop body directly and waits for any
// deliveries they started.
func (tm *testManager) apply(t *testing.T, events ...SessionEvent) {
	t.Helper()
	for _, evt := range events {
		if err := tm.handle(context.Background(), evt); err != nil {
			t.Fatalf("handle(%T): %v", evt, err)
		}
	}
	tm.inflight.Wait()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

const (
	testOwnNumber = "4915112345678"
	testOwnJID    = testOwnNumber + ":12@s.whatsapp.net"
	testOwnLID    = "123456789012345:12@lid"
	testPeer      = "4917600000001"
	testPeerJID   = testPeer + "@s.whatsapp.net"
)

var testTime = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

// directMessage returns a text message from testPeer in its direct chat.
func directMessage(text string) *InboundMessage {
	return &InboundMessage{
		ID:           "3EB0A1B2C3D4E5F6",
		Chat:         testPeerJID,
		Sender:       testPeerJID,
		PushName:     "Erika Mustermann",
		Timestamp:    testTime,
		HasBody:      true,
		Conversation: text,
	}
}

// selfNote returns a text message the operator sent to their own chat.
func selfNote(text string) *InboundMessage {
	return &InboundMessage{
		ID:           "3EB0FFEEDDCCBBAA",
		Chat:         testOwnNumber + "@s.whatsapp.net",
		Sender:       testOwnNumber + "@s.whatsapp.net",
		PushName:     "Operator",
		Timestamp:    testTime,
		FromMe:       true,
		HasBody:      true,
		Conversation: text,
	}
}

func testOpened() Opened {
	return Opened{OwnID: testOwnJID, OwnLID: testOwnLID}
}
