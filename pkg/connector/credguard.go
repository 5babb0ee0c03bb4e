// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sync"

	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/util/keys"
)

// credentialGuard watches the writes whatsmeow makes to the signal key stores
// of a device. The first failed write is reported, after that the stored
// credentials can no longer be trusted to survive a restart.
type credentialGuard struct {
	once   sync.Once
	report func(error)
}

func (g *credentialGuard) check(op string, err error) error {
	if err != nil {
		g.once.Do(func() {
			g.report(fmt.Errorf("credential store write failed (%s): %w", op, err))
		})
	}
	return err
}

// install wraps the key stores and the device container of an initialized
// device. Calling it again on an already wrapped device is a no-op.
func (g *credentialGuard) install(device *store.Device) {
	if !device.Initialized {
		return
	}
	if _, ok := device.Sessions.(guardedSessions); !ok && device.Sessions != nil {
		device.Sessions = guardedSessions{device.Sessions, g}
	}
	if _, ok := device.Identities.(guardedIdentities); !ok && device.Identities != nil {
		device.Identities = guardedIdentities{device.Identities, g}
	}
	if _, ok := device.PreKeys.(guardedPreKeys); !ok && device.PreKeys != nil {
		device.PreKeys = guardedPreKeys{device.PreKeys, g}
	}
	if _, ok := device.SenderKeys.(guardedSenderKeys); !ok && device.SenderKeys != nil {
		device.SenderKeys = guardedSenderKeys{device.SenderKeys, g}
	}
	if _, ok := device.Container.(guardedContainer); !ok && device.Container != nil {
		device.Container = guardedContainer{device.Container, g}
	}
}

type guardedSessions struct {
	store.SessionStore
	g *credentialGuard
}

func (s guardedSessions) PutSession(ctx context.Context, address string, session []byte) error {
	return s.g.check("put session", s.SessionStore.PutSession(ctx, address, session))
}

func (s guardedSessions) PutManySessions(ctx context.Context, sessions map[string][]byte) error {
	return s.g.check("put sessions", s.SessionStore.PutManySessions(ctx, sessions))
}

func (s guardedSessions) DeleteSession(ctx context.Context, address string) error {
	return s.g.check("delete session", s.SessionStore.DeleteSession(ctx, address))
}

func (s guardedSessions) DeleteAllSessions(ctx context.Context, phone string) error {
	return s.g.check("delete sessions", s.SessionStore.DeleteAllSessions(ctx, phone))
}

func (s guardedSessions) MigratePNToLID(ctx context.Context, pn, lid types.JID) error {
	return s.g.check("migrate sessions", s.SessionStore.MigratePNToLID(ctx, pn, lid))
}

type guardedIdentities struct {
	store.IdentityStore
	g *credentialGuard
}

func (s guardedIdentities) PutIdentity(ctx context.Context, address string, key [32]byte) error {
	return s.g.check("put identity", s.IdentityStore.PutIdentity(ctx, address, key))
}

func (s guardedIdentities) DeleteIdentity(ctx context.Context, address string) error {
	return s.g.check("delete identity", s.IdentityStore.DeleteIdentity(ctx, address))
}

func (s guardedIdentities) DeleteAllIdentities(ctx context.Context, phone string) error {
	return s.g.check("delete identities", s.IdentityStore.DeleteAllIdentities(ctx, phone))
}

type guardedPreKeys struct {
	store.PreKeyStore
	g *credentialGuard
}

func (s guardedPreKeys) GetOrGenPreKeys(ctx context.Context, count uint32) ([]*keys.PreKey, error) {
	prekeys, err := s.PreKeyStore.GetOrGenPreKeys(ctx, count)
	return prekeys, s.g.check("generate prekeys", err)
}

func (s guardedPreKeys) GenOnePreKey(ctx context.Context) (*keys.PreKey, error) {
	prekey, err := s.PreKeyStore.GenOnePreKey(ctx)
	return prekey, s.g.check("generate prekey", err)
}

func (s guardedPreKeys) RemovePreKey(ctx context.Context, id uint32) error {
	return s.g.check("remove prekey", s.PreKeyStore.RemovePreKey(ctx, id))
}

func (s guardedPreKeys) MarkPreKeysAsUploaded(ctx context.Context, upToID uint32) error {
	return s.g.check("mark prekeys uploaded", s.PreKeyStore.MarkPreKeysAsUploaded(ctx, upToID))
}

type guardedSenderKeys struct {
	store.SenderKeyStore
	g *credentialGuard
}

func (s guardedSenderKeys) PutSenderKey(ctx context.Context, group, user string, session []byte) error {
	return s.g.check("put sender key", s.SenderKeyStore.PutSenderKey(ctx, group, user, session))
}

// guardedContainer only watches device saves. Deletes happen on log-out,
// when the credentials are gone anyway.
type guardedContainer struct {
	store.DeviceContainer
	g *credentialGuard
}

func (c guardedContainer) PutDevice(ctx context.Context, device *store.Device) error {
	return c.g.check("put device", c.DeviceContainer.PutDevice(ctx, device))
}
