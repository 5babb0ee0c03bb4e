// Copyright 2024-2026 Aiku AI

package connector

import (
	"github.com/aiku/whatsapp-webhook-bridge/pkg/connector/cloudapifmt"
)

// Normalize maps an accepted message and its extracted text to the webhook
// envelope. The result depends only on its inputs.
func Normalize(msg *InboundMessage, text string, self Identity, instanceID string) *cloudapifmt.Envelope {
	if instanceID == "" {
		instanceID = self.ID
	}
	return cloudapifmt.NewTextEnvelope(cloudapifmt.TextMessage{
		InstanceID:  instanceID,
		OwnNumber:   self.ID,
		SenderID:    BareID(msg.Sender),
		DisplayName: msg.PushName,
		MessageID:   msg.ID,
		Timestamp:   msg.Timestamp,
		Body:        text,
	})
}
