// Copyright 2024-2026 Aiku AI

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-webhook-bridge/pkg/connector/cloudapifmt"
)

// Stats holds the process-lifetime delivery counters. Safe for concurrent use.
type Stats struct {
	forwarded atomic.Uint64
	ignored   atomic.Uint64
	errors    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Forwarded uint64 `json:"forwarded"`
	Ignored   uint64 `json:"ignored"`
	Errors    uint64 `json:"errors"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Forwarded: s.forwarded.Load(),
		Ignored:   s.ignored.Load(),
		Errors:    s.errors.Load(),
	}
}

const (
	// maxErrorBodySize caps how much of a failed webhook response is logged.
	maxErrorBodySize = 512
	// maxDrainBodySize caps how much of a successful response is read so the
	// connection can be reused.
	maxDrainBodySize = 64 << 10
)

// Relay POSTs envelopes to the downstream webhook. Deliveries are not
// retried or queued.
type Relay struct {
	url    string
	client *http.Client
	stats  *Stats
	log    zerolog.Logger
}

// NewRelay creates a relay that gives up on a delivery after timeout.
func NewRelay(url string, timeout time.Duration, stats *Stats, log zerolog.Logger) *Relay {
	return &Relay{
		url:    url,
		client: &http.Client{Timeout: timeout},
		stats:  stats,
		log:    log.With().Str("component", "relay").Logger(),
	}
}

// Deliver sends one envelope. Any non-2xx response, timeout or transport
// error increments the error counter exactly once.
func (r *Relay) Deliver(ctx context.Context, env *cloudapifmt.Envelope) error {
	err := r.post(ctx, env)
	contact, msg := env.FirstMessage()
	var from, body string
	if msg != nil {
		from, body = contact.WaID, msg.Text.Body
	}
	if err != nil {
		r.stats.errors.Add(1)
		r.log.Error().Err(err).
			Str("from", from).
			Msg("Failed to forward message to webhook")
		return err
	}
	r.stats.forwarded.Add(1)
	r.log.Info().
		Str("from", from).
		Str("text", truncate(body, 50)).
		Msg("Forwarded message")
	return nil
}

func (r *Relay) post(ctx context.Context, env *cloudapifmt.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBodySize))
	return nil
}

// truncate shortens s to at most n runes for log output.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
