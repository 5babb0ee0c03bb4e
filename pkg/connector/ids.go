// Copyright 2024-2026 Aiku AI

package connector

import (
	"strings"
)

const (
	// DefaultUserServer is the transport suffix of individual WhatsApp users.
	DefaultUserServer = "s.whatsapp.net"
	// BroadcastServer hosts status updates and broadcast lists.
	BroadcastServer = "broadcast"
	// StatusBroadcastChat is the chat address of the status feed.
	StatusBroadcastChat = "status@broadcast"
)

// BareID strips the transport suffix and any device part from a network
// address, e.g. "4912345:7@s.whatsapp.net" becomes "4912345".
func BareID(address string) string {
	user, _, _ := strings.Cut(address, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// ServerOf returns the transport suffix of an address, or "" if it has none.
func ServerOf(address string) string {
	_, server, found := strings.Cut(address, "@")
	if !found {
		return ""
	}
	return server
}

// ToJID derives a full network address from a bare identifier. Addresses
// that already carry a transport suffix are returned unchanged.
func ToJID(to string) string {
	to = strings.TrimSpace(to)
	if to == "" || strings.Contains(to, "@") {
		return to
	}
	// Operators tend to paste numbers in international format.
	to = strings.TrimPrefix(to, "+")
	return to + "@" + DefaultUserServer
}

// IsBroadcastAddress reports whether a chat address belongs to the status
// feed or a broadcast list.
func IsBroadcastAddress(address string) bool {
	return address == StatusBroadcastChat || ServerOf(address) == BroadcastServer
}
