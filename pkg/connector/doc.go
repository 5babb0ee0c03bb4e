// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector implements a WhatsApp-to-webhook bridge on top of the
// whatsmeow multi-device client.
//
// The bridge keeps one paired WhatsApp session alive, filters inbound
// messages by operating mode and relays the accepted ones to a webhook in
// the shape of the WhatsApp Business cloud API. Operators pair, monitor and
// send through a small HTTP control API.
//
// # Core Types
//
// [CredentialStore] persists the paired device in a directory. whatsmeow
// writes every credential rotation through it.
//
// [Manager] owns the connection state machine ([State], [Transition]). A
// [Session] publishes typed events ([ChallengeIssued], [Opened], [Closed],
// [MessageReceived]) that the manager consumes on a single loop. Closes that
// are not log-outs reconnect after a flat delay, forever. [StateLoggedOut]
// is terminal until the process restarts.
//
// [Pipeline] runs each inbound message through [Classify], [ExtractText],
// [Normalize] and the [Relay], one goroutine per message, and keeps the
// delivery counters in [Stats].
//
// [ControlAPI] serves GET /health, GET /qr and POST /send.
//
// # Operating Modes
//
// The mode filter is the only business rule of the bridge and must stay
// default-deny. In self mode only messages the operator sends to their own
// chat pass. In production mode only direct messages from other people
// pass, never groups and never the operator's own messages.
//
// # Sub-packages
//
//   - cloudapifmt builds the webhook envelope.
//   - qrpage renders the pairing page.
package connector
