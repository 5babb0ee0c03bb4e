// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
)

// credentialDBName is the database file inside the credential directory.
// The schema and contents belong to whatsmeow and are treated as opaque.
const credentialDBName = "session.db"

// CredentialStore persists the paired device's keys and identity in a
// directory. whatsmeow writes every credential rotation through it
// synchronously.
type CredentialStore struct {
	dir       string
	db        *sql.DB
	container *sqlstore.Container
	log       zerolog.Logger
}

// OpenCredentialStore opens (creating if needed) the store in dir.
func OpenCredentialStore(ctx context.Context, dir string, log zerolog.Logger) (*CredentialStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory: %w", err)
	}
	path := filepath.Join(dir, credentialDBName)
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}
	db.SetMaxOpenConns(1)

	storeLog := log.With().Str("component", "credential_store").Logger()
	container := sqlstore.NewWithDB(db, "sqlite3", waLog.Zerolog(storeLog))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to upgrade credential database: %w", err)
	}
	return &CredentialStore{
		dir:       dir,
		db:        db,
		container: container,
		log:       storeLog,
	}, nil
}

// Load returns the stored device. An unpaired device (ID == nil) is returned
// when nothing has been stored yet.
func (cs *CredentialStore) Load(ctx context.Context) (*store.Device, error) {
	device, err := cs.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device.ID != nil {
		cs.log.Info().Str("jid", device.ID.String()).Msg("Loaded stored credentials")
	} else {
		cs.log.Info().Msg("No stored credentials, pairing will be required")
	}
	return device, nil
}

// Save flushes the device's credentials.
func (cs *CredentialStore) Save(ctx context.Context, device *store.Device) error {
	if err := cs.container.PutDevice(ctx, device); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

// Reset deletes every stored device. This is the operator "log out": the
// next start requires a new pairing.
func (cs *CredentialStore) Reset(ctx context.Context) (int, error) {
	devices, err := cs.container.GetAllDevices(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}
	for _, device := range devices {
		if err := cs.container.DeleteDevice(ctx, device); err != nil {
			return 0, fmt.Errorf("failed to delete device %s: %w", device.ID, err)
		}
		cs.log.Info().Str("jid", device.ID.String()).Msg("Deleted stored credentials")
	}
	return len(devices), nil
}

// Dir returns the credential directory.
func (cs *CredentialStore) Dir() string {
	return cs.dir
}

func (cs *CredentialStore) Close() error {
	return cs.db.Close()
}
