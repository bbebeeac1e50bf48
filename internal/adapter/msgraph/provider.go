package msgraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/jun/graphdrive/internal/adapter"
	"golang.org/x/oauth2"
)

// UserTokenSource yields the delegated credentials of a user.
type UserTokenSource interface {
	TokenSource(ctx context.Context, userID string) (oauth2.TokenSource, error)
}

// Provider implements adapter.StorageProvider for Graph drives. In personal
// mode each user reaches their own drive with their own token; in site mode
// every user shares the site drive through the application token.
type Provider struct {
	users UserTokenSource
	app   oauth2.TokenSource
	opts  Options

	mu        sync.Mutex
	drivePath string
}

// NewProvider creates a Graph provider. app may be nil in personal mode and
// users may be nil in site mode.
func NewProvider(users UserTokenSource, app oauth2.TokenSource, opts Options) *Provider {
	return &Provider{users: users, app: app, opts: opts}
}

// GetAdapter returns a DriveAdapter for the given user ID.
func (p *Provider) GetAdapter(ctx context.Context, userID string) (adapter.StorageAdapter, error) {
	var ts oauth2.TokenSource
	switch p.opts.Mode {
	case ModePersonal:
		if p.users == nil {
			return nil, fmt.Errorf("personal mode requires user credentials")
		}
		userTS, err := p.users.TokenSource(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to get user token source: %w", err)
		}
		ts = userTS
	case ModeSite:
		if p.app == nil {
			return nil, fmt.Errorf("site mode requires application credentials")
		}
		ts = p.app
	default:
		return nil, fmt.Errorf("%w: %q", adapter.ErrUnknownMode, p.opts.Mode)
	}

	opts := p.opts
	p.mu.Lock()
	if p.drivePath != "" {
		opts.DrivePath = p.drivePath
	}
	p.mu.Unlock()

	storage, err := NewDriveAdapter(ctx, oauth2.NewClient(ctx, ts), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive adapter: %w", err)
	}

	if p.opts.Mode == ModeSite {
		p.mu.Lock()
		p.drivePath = storage.DrivePath()
		p.mu.Unlock()
	}
	return storage, nil
}
