// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/whatsapp-webhook-bridge/pkg/connector/cloudapifmt"
)

// Outcome is what happened to one inbound message.
type Outcome int

const (
	OutcomeDropped Outcome = iota
	OutcomeIgnored
	OutcomeForwarded
	OutcomeErrored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDropped:
		return "dropped"
	case OutcomeIgnored:
		return "ignored"
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// deliverer is satisfied by *Relay. Tests substitute a recorder.
type deliverer interface {
	Deliver(ctx context.Context, env *cloudapifmt.Envelope) error
}

// Pipeline filters, normalizes and delivers inbound messages. Process is
// safe to call from many goroutines at once.
type Pipeline struct {
	mode       Mode
	instanceID string
	relay      deliverer
	stats      *Stats
	log        zerolog.Logger
}

func NewPipeline(mode Mode, instanceID string, relay deliverer, stats *Stats, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		mode:       mode,
		instanceID: instanceID,
		relay:      relay,
		stats:      stats,
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// Process runs one message through classification, normalization and
// delivery.
func (p *Pipeline) Process(ctx context.Context, msg *InboundMessage, self Identity) Outcome {
	switch Classify(p.mode, self, msg) {
	case VerdictDrop:
		return OutcomeDropped
	case VerdictIgnore:
		p.stats.ignored.Add(1)
		p.log.Debug().
			Str("message_id", msg.ID).
			Str("chat", msg.Chat).
			Bool("from_me", msg.FromMe).
			Bool("is_group", msg.IsGroup).
			Msg("Ignoring message (mode filter)")
		return OutcomeIgnored
	}

	text, ok := ExtractText(msg)
	if !ok {
		// Media, reactions, edits and the like. Not counted as ignored since
		// they were never forwarding candidates.
		p.log.Debug().
			Str("message_id", msg.ID).
			Str("chat", msg.Chat).
			Msg("Dropping message without text")
		return OutcomeDropped
	}

	env := Normalize(msg, text, self, p.instanceID)
	if err := p.relay.Deliver(ctx, env); err != nil {
		return OutcomeErrored
	}
	return OutcomeForwarded
}
