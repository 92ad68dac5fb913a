package app

import (
	"context"

	"gopkg.in/op/go-logging.v1"

	"github.com/aljazceru/whitenoise-cli/internal/contacts"
	"github.com/aljazceru/whitenoise-cli/internal/domain"
	"github.com/aljazceru/whitenoise-cli/internal/identity"
	"github.com/aljazceru/whitenoise-cli/internal/keypackage"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/mls"
	"github.com/aljazceru/whitenoise-cli/internal/store"
	"github.com/aljazceru/whitenoise-cli/internal/transport"
)

// App bundles every core service for the CLI and owns their shared
// resources: the store, the relay pool and the logging backend.
type App struct {
	Identity    *identity.Service
	Contacts    *contacts.Directory
	KeyPackages *keypackage.Directory
	Groups      *mls.Engine
	Relays      *transport.Pool

	log     *logging.Logger
	store   *store.Store
	backend *logbackend.Backend
}

// Close releases relay connections, the store and the log backend.
func (a *App) Close() error {
	a.Relays.Close()
	err := a.store.Close()
	if cerr := a.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

// CreateIdentity creates and announces a fresh identity, then publishes its
// first key package so peers can invite it to groups.
func (a *App) CreateIdentity(ctx context.Context, passphrase string) (*domain.Account, error) {
	acct, err := a.Identity.CreateIdentity(ctx, passphrase)
	if err != nil {
		return nil, err
	}
	if _, err := a.KeyPackages.Publish(ctx, acct); err != nil {
		// The identity exists either way; the package can be re-published
		// with a later rotate.
		a.log.Warningf("publishing first key package for %s: %v", acct.PubKey.Short(), err)
	}
	return acct, nil
}

// Login imports an existing key, makes it the current account and publishes
// a fresh key package from this device.
func (a *App) Login(ctx context.Context, secret, passphrase string) (*domain.Account, error) {
	acct, err := a.Identity.Login(ctx, secret, passphrase)
	if err != nil {
		return nil, err
	}
	if _, err := a.KeyPackages.Publish(ctx, acct); err != nil {
		a.log.Warningf("publishing key package for %s: %v", acct.PubKey.Short(), err)
	}
	return acct, nil
}

// SyncAll fetches pending welcomes for acct and resyncs every active group.
// It returns the groups joined by the welcome pass and the per-group sync
// results.
func (a *App) SyncAll(ctx context.Context, acct *domain.Account) ([]*domain.Group, []*mls.SyncResult, error) {
	joined, err := a.Groups.FetchWelcomes(ctx, acct)
	if err != nil {
		return nil, nil, err
	}
	groups, err := a.Groups.List(acct)
	if err != nil {
		return joined, nil, err
	}
	results := make([]*mls.SyncResult, 0, len(groups))
	for _, g := range groups {
		if g.Status == domain.GroupStatusClosed {
			continue
		}
		res, err := a.Groups.Sync(ctx, acct, g.ID)
		if err != nil {
			a.log.Warningf("sync %s: %v", g.ID.Short(), err)
			continue
		}
		results = append(results, res)
	}
	return joined, results, nil
}
