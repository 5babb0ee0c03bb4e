// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// shutdownTimeout bounds how long in-flight control API requests may take
// once the bridge is stopping.
const shutdownTimeout = 5 * time.Second

// Bridge wires the credential store, session manager, delivery pipeline and
// control API of one bridge process.
type Bridge struct {
	Config  *Config
	Log     zerolog.Logger
	Stats   *Stats
	Manager *Manager
	API     *ControlAPI

	creds  *CredentialStore
	server *http.Server
}

// NewBridge opens the credential store and builds a bridge around a
// whatsmeow session.
func NewBridge(ctx context.Context, cfg *Config, log zerolog.Logger) (*Bridge, error) {
	creds, err := OpenCredentialStore(ctx, cfg.Session.Directory, log)
	if err != nil {
		return nil, err
	}
	device, err := creds.Load(ctx)
	if err != nil {
		_ = creds.Close()
		return nil, err
	}
	session := NewWhatsAppSession(device, creds, log)
	if cfg.Session.PrintQR {
		session.PrintQRTo(os.Stdout)
	}
	br := NewBridgeWithSession(cfg, session, log)
	br.creds = creds
	return br, nil
}

// NewBridgeWithSession builds a bridge around an arbitrary session.
func NewBridgeWithSession(cfg *Config, session Session, log zerolog.Logger) *Bridge {
	stats := &Stats{}
	relay := NewRelay(cfg.Webhook.URL, cfg.WebhookTimeout(), stats, log)
	pipeline := NewPipeline(cfg.Bridge.Mode, cfg.Bridge.InstanceID, relay, stats, log)
	manager := NewManager(session, ManagerOptions{
		Mode:           cfg.Bridge.Mode,
		ReconnectDelay: cfg.ReconnectDelay(),
		Pipeline:       pipeline,
		Stats:          stats,
		Log:            log,
	})
	api := NewControlAPI(manager, log)
	return &Bridge{
		Config:  cfg,
		Log:     log,
		Stats:   stats,
		Manager: manager,
		API:     api,
		server: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      api.Router(),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run starts the session manager and the control API and blocks until ctx
// is cancelled or one of them fails.
func (br *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return br.Manager.Run(ctx)
	})
	g.Go(func() error {
		br.Log.Info().Str("addr", br.server.Addr).Msg("Starting control API")
		if err := br.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control API failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := br.server.Shutdown(shutdownCtx); err != nil {
			br.Log.Warn().Err(err).Msg("Control API shutdown error")
		}
		return nil
	})

	return g.Wait()
}

// ResetCredentials deletes the credentials stored in dir so the next start
// pairs a new device.
func ResetCredentials(ctx context.Context, dir string, log zerolog.Logger) error {
	creds, err := OpenCredentialStore(ctx, dir, log)
	if err != nil {
		return err
	}
	defer creds.Close()
	n, err := creds.Reset(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("count", n).Str("dir", creds.Dir()).Msg("Stored credentials deleted")
	return nil
}

// Close releases the credential store.
func (br *Bridge) Close() error {
	if br.creds == nil {
		return nil
	}
	return br.creds.Close()
}
