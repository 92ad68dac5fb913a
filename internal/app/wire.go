package app

import (
	"time"

	"github.com/aljazceru/whitenoise-cli/internal/config"
	"github.com/aljazceru/whitenoise-cli/internal/contacts"
	"github.com/aljazceru/whitenoise-cli/internal/identity"
	"github.com/aljazceru/whitenoise-cli/internal/keypackage"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/mls"
	"github.com/aljazceru/whitenoise-cli/internal/store"
	"github.com/aljazceru/whitenoise-cli/internal/transport"
)

// New constructs the dependency graph from cfg. The config must already be
// fixed up and validated.
func New(cfg *config.Config) (*App, error) {
	backend, err := logbackend.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(cfg.DataDir)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	pool, err := transport.New(backend, transport.Options{
		Records:          cfg.RelayRecords(),
		DialTimeout:      time.Duration(cfg.Timeouts.Dial) * time.Second,
		PublishTimeout:   time.Duration(cfg.Timeouts.Publish) * time.Second,
		FetchTimeout:     time.Duration(cfg.Timeouts.Fetch) * time.Second,
		FailureThreshold: cfg.Retry.FailureThreshold,
		ProbeCooldown:    time.Duration(cfg.Retry.CooldownSecs) * time.Second,
	})
	if err != nil {
		_ = st.Close()
		_ = backend.Close()
		return nil, err
	}

	kps := keypackage.New(backend, st, pool, cfg.KeyPackages.RotateDays)
	return &App{
		Identity:    identity.New(backend, st, pool),
		Contacts:    contacts.New(backend, st, pool),
		KeyPackages: kps,
		Groups:      mls.New(backend, st, st, pool, kps, cfg.Secrets.RetainEpochs),
		Relays:      pool,
		log:         backend.GetLogger("app"),
		store:       st,
		backend:     backend,
	}, nil
}
