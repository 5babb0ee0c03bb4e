// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command whatsapp-webhook-bridge links a WhatsApp account as a companion
// device and relays its inbound text messages to a webhook in the WhatsApp
// Business cloud API format.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/whatsapp-webhook-bridge/pkg/connector"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "whatsapp-webhook-bridge"

var (
	configPath     = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	generateConfig = flag.MakeFull("g", "generate-config", "Save the example config to the config path and quit.", "false").Bool()
	resetSession   = flag.Make().LongKey("reset-session").Usage("Delete the stored WhatsApp credentials before starting.").Default("false").Bool()
	wantHelp, _    = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		fmt.Sprintf("%s %s - WhatsApp to webhook bridge", name, Tag),
		fmt.Sprintf("%s [-hg] [-c <path>] [--reset-session]", name),
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	if *generateConfig {
		if err := os.WriteFile(*configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		_, _ = fmt.Fprintln(os.Stderr, "Wrote example config to", *configPath)
		os.Exit(0)
	}

	cfg, err := connector.LoadConfig(*configPath)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(11)
	}
	logPtr, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	log := *logPtr
	zerolog.DefaultContextLogger = &log

	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Str("mode", string(cfg.Bridge.Mode)).
		Str("webhook_url", cfg.Webhook.URL).
		Msg("Initializing " + name)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *resetSession {
		if err := connector.ResetCredentials(ctx, cfg.Session.Directory, log); err != nil {
			log.Fatal().Err(err).Msg("Failed to reset session")
		}
	}

	br, err := connector.NewBridge(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize bridge")
	}
	defer br.Close()

	if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		_ = br.Close()
		log.Fatal().Err(err).Msg("Bridge stopped with error")
	}
	log.Info().Msg("Bridge stopped")
}
