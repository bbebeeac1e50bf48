// Package lease reserves upload destinations so that two uploads never
// write the same drive path at once.
package lease

import (
	"context"
	"errors"

	"github.com/jun/graphdrive/internal/model"
)

var (
	// ErrHeld is returned when another upload holds the destination.
	ErrHeld = errors.New("destination is being uploaded by another request")

	// ErrNotOwner is returned when a lease is missing or held by someone else.
	ErrNotOwner = errors.New("lease not found or not owned")
)

// Locker manages destination leases. Implementations must let an expired
// lease be taken over.
type Locker interface {
	// AcquireLock reserves destination for owner, or refreshes owner's lease.
	AcquireLock(ctx context.Context, destination, owner string) (*model.UploadLease, error)

	// Heartbeat extends the lease TTL if owner holds it.
	Heartbeat(ctx context.Context, destination, owner string) (*model.UploadLease, error)

	// ReleaseLock removes the lease if owner holds it.
	ReleaseLock(ctx context.Context, destination, owner string) error

	// GetLockStatus returns the live lease on destination, or nil.
	GetLockStatus(ctx context.Context, destination string) (*model.UploadLease, error)
}
