package adapter

import (
	"context"
	"strings"
)

// StorageProvider defines how to get a StorageAdapter for a specific user.
type StorageProvider interface {
	// GetAdapter returns a StorageAdapter for the given user ID.
	GetAdapter(ctx context.Context, userID string) (StorageAdapter, error)
}

// HybridProvider sends users whose ID starts with Prefix to Alternate and
// everyone else to Primary.
type HybridProvider struct {
	Primary   StorageProvider
	Alternate StorageProvider
	Prefix    string
}

func (h *HybridProvider) GetAdapter(ctx context.Context, userID string) (StorageAdapter, error) {
	if h.Prefix != "" && strings.HasPrefix(userID, h.Prefix) {
		return h.Alternate.GetAdapter(ctx, userID)
	}
	return h.Primary.GetAdapter(ctx, userID)
}
