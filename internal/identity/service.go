package identity

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
	logbackend "github.com/aljazceru/whitenoise-cli/internal/logging"
	"github.com/aljazceru/whitenoise-cli/internal/wire"
)

const (
	// minPassphraseLength is the minimum number of characters required
	// before a passphrase may encrypt a new account.
	minPassphraseLength = 12
)

// ErrWeakPassphrase is returned when the passphrase fails the strength
// policy.
var ErrWeakPassphrase = fmt.Errorf(
	"passphrase is too weak (must be at least %d characters and include upper, lower, "+
		"number, and symbol)",
	minPassphraseLength,
)

// Service manages account creation and custody using a backing store. The
// unlocked account signs events for the rest of the system.
type Service struct {
	log    *logging.Logger
	store  domain.AccountStore
	relays domain.RelayService
	codec  *wire.Codec

	mu         sync.Mutex
	account    *domain.Account
	passphrase string
}

// New returns an identity service backed by the given store and relays.
func New(backend *logbackend.Backend, store domain.AccountStore, relays domain.RelayService) *Service {
	return &Service{
		log:    backend.GetLogger("identity"),
		store:  store,
		relays: relays,
		codec:  wire.MustNew(),
	}
}

// CreateIdentity generates a fresh keypair, saves it encrypted under
// passphrase, makes it the current account and announces it to the relays.
func (s *Service) CreateIdentity(ctx context.Context, passphrase string) (*domain.Account, error) {
	const op = "identity.CreateIdentity"

	if !isSecurePassphrase(passphrase) {
		return nil, domain.E(domain.KindValidation, op, "", ErrWeakPassphrase)
	}

	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}
	acct := &domain.Account{
		PubKey:     domain.PubKey(pub),
		PrivKey:    sk,
		Exportable: true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Save(acct, passphrase); err != nil {
		return nil, err
	}
	if err := s.store.SetCurrent(acct.PubKey); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.account = acct
	s.passphrase = passphrase
	s.mu.Unlock()

	// The account exists either way; a failed announcement can be retried
	// with a later Announce.
	if err := s.Announce(ctx); err != nil {
		s.log.Warningf("announce failed for %s: %v", acct.PubKey.Short(), err)
	}
	s.log.Noticef("created identity %s", acct.PubKey.Short())
	return acct, nil
}

// Login imports a private key given as hex or nsec. An account already on
// disk is loaded; otherwise a new record is saved under passphrase. The
// account becomes current and its profile is refreshed from the relays.
func (s *Service) Login(ctx context.Context, secret, passphrase string) (*domain.Account, error) {
	const op = "identity.Login"

	sk, err := parseSecret(secret)
	if err != nil {
		return nil, domain.E(domain.KindValidation, op, "", err)
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, domain.E(domain.KindCrypto, op, "", err)
	}
	pk := domain.PubKey(pub)

	acct, err := s.store.Load(pk, passphrase)
	switch {
	case errors.Is(err, domain.ErrNoAccount):
		if !isSecurePassphrase(passphrase) {
			return nil, domain.E(domain.KindValidation, op, string(pk), ErrWeakPassphrase)
		}
		acct = &domain.Account{
			PubKey:     pk,
			PrivKey:    sk,
			Exportable: true,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.store.Save(acct, passphrase); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}
	if err := s.store.SetCurrent(pk); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.account = acct
	s.passphrase = passphrase
	s.mu.Unlock()

	s.refreshProfile(ctx)
	s.log.Noticef("logged in as %s", pk.Short())
	return acct, nil
}

// Unlock loads the current account into memory using passphrase.
func (s *Service) Unlock(passphrase string) (*domain.Account, error) {
	pk, err := s.store.Current()
	if err != nil {
		return nil, err
	}
	acct, err := s.store.Load(pk, passphrase)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.account = acct
	s.passphrase = passphrase
	s.mu.Unlock()
	return acct, nil
}

// Current returns the unlocked account, or ErrNoAccount.
func (s *Service) Current() (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return nil, domain.E(domain.KindState, "identity.Current", "", domain.ErrNoAccount)
	}
	return s.account, nil
}

// CurrentPubKey returns the active account's public key without requiring
// the account to be unlocked.
func (s *Service) CurrentPubKey() (domain.PubKey, error) {
	s.mu.Lock()
	acct := s.account
	s.mu.Unlock()
	if acct != nil {
		return acct.PubKey, nil
	}
	return s.store.Current()
}

// Logout forgets the unlocked account and clears the current pointer. The
// encrypted record stays on disk for a later login.
func (s *Service) Logout() error {
	s.mu.Lock()
	s.account = nil
	s.passphrase = ""
	s.mu.Unlock()
	return s.store.ClearCurrent()
}

// Delete removes the stored account record for pk.
func (s *Service) Delete(pk domain.PubKey) error {
	s.mu.Lock()
	if s.account != nil && s.account.PubKey == pk {
		s.account = nil
		s.passphrase = ""
	}
	s.mu.Unlock()
	return s.store.Delete(pk)
}

// List returns every stored account's public key.
func (s *Service) List() ([]domain.PubKey, error) {
	return s.store.List()
}

// ExportPrivateKey returns the unlocked account's private key as nsec.
// Accounts marked non-exportable refuse with ErrAccessDenied.
func (s *Service) ExportPrivateKey() (string, error) {
	const op = "identity.ExportPrivateKey"

	s.mu.Lock()
	acct := s.account
	s.mu.Unlock()
	if acct == nil {
		return "", domain.E(domain.KindState, op, "", domain.ErrNoAccount)
	}
	if !acct.Exportable {
		return "", domain.E(domain.KindState, op, string(acct.PubKey), domain.ErrAccessDenied)
	}
	nsec, err := nip19.EncodePrivateKey(acct.PrivKey)
	if err != nil {
		return "", domain.E(domain.KindCrypto, op, string(acct.PubKey), err)
	}
	return nsec, nil
}

// ExportPublicKey returns the active account's public key as npub.
func (s *Service) ExportPublicKey() (string, error) {
	pk, err := s.CurrentPubKey()
	if err != nil {
		return "", err
	}
	return nip19.EncodePublicKey(string(pk))
}

// UpdateProfile replaces the account profile, persists it and republishes
// the kind 0 metadata event.
func (s *Service) UpdateProfile(ctx context.Context, p domain.Profile) error {
	const op = "identity.UpdateProfile"

	s.mu.Lock()
	if s.account == nil {
		s.mu.Unlock()
		return domain.E(domain.KindState, op, "", domain.ErrNoAccount)
	}
	updated := *s.account
	updated.Profile = p
	pass := s.passphrase
	s.mu.Unlock()

	if err := s.store.Save(&updated, pass); err != nil {
		return err
	}
	s.mu.Lock()
	s.account = &updated
	s.mu.Unlock()

	ev, err := s.codec.ProfileEvent(s, p, time.Now())
	if err != nil {
		return err
	}
	if _, err := s.relays.Publish(ctx, ev, domain.RoleGeneral); err != nil {
		return err
	}
	s.log.Infof("profile updated for %s", updated.PubKey.Short())
	return nil
}

// Announce publishes the account's kind 0 profile and its three relay lists
// so peers can find its general, inbox and key-package relays.
func (s *Service) Announce(ctx context.Context) error {
	const op = "identity.Announce"

	s.mu.Lock()
	acct := s.account
	s.mu.Unlock()
	if acct == nil {
		return domain.E(domain.KindState, op, "", domain.ErrNoAccount)
	}

	now := time.Now()
	events := make([]*nostr.Event, 0, 4)

	profileEv, err := s.codec.ProfileEvent(s, acct.Profile, now)
	if err != nil {
		return err
	}
	events = append(events, profileEv)

	lists := []struct {
		kind int
		role domain.RelayRole
	}{
		{nostr.KindRelayListMetadata, domain.RoleGeneral},
		{wire.KindInboxRelays, domain.RoleInbox},
		{wire.KindKeyPackageRelays, domain.RoleKeyPackage},
	}
	for _, l := range lists {
		ev, err := s.codec.RelayListEvent(s, l.kind, s.roleURLs(l.role), now)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ev := range events {
		g.Go(func() error {
			_, err := s.relays.Publish(ctx, ev, domain.RoleGeneral)
			return err
		})
	}
	return g.Wait()
}

// refreshProfile pulls the newest published kind 0 for the account and, when
// one exists, folds it into the stored record. Failures are not fatal.
func (s *Service) refreshProfile(ctx context.Context) {
	s.mu.Lock()
	acct := s.account
	pass := s.passphrase
	s.mu.Unlock()
	if acct == nil {
		return
	}

	evs, err := s.relays.Fetch(ctx, nostr.Filters{{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: []string{string(acct.PubKey)},
		Limit:   1,
	}}, domain.RoleGeneral)
	if err != nil || len(evs) == 0 {
		if err != nil {
			s.log.Debugf("profile refresh for %s failed: %v", acct.PubKey.Short(), err)
		}
		return
	}

	p, err := s.codec.ParseProfile(evs[len(evs)-1])
	if err != nil {
		s.log.Debugf("profile refresh for %s: %v", acct.PubKey.Short(), err)
		return
	}

	updated := *acct
	updated.Profile = p
	updated.LastSynced = time.Now().UTC()
	if err := s.store.Save(&updated, pass); err != nil {
		s.log.Warningf("profile refresh save for %s failed: %v", acct.PubKey.Short(), err)
		return
	}
	s.mu.Lock()
	s.account = &updated
	s.mu.Unlock()
}

// roleURLs lists the configured relay URLs serving role.
func (s *Service) roleURLs(role domain.RelayRole) []string {
	var out []string
	for _, r := range s.relays.Records() {
		if r.Roles.Has(role) {
			out = append(out, r.URL)
		}
	}
	return out
}

// PubKey returns the unlocked account's public key, or the empty key.
func (s *Service) PubKey() domain.PubKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account == nil {
		return ""
	}
	return s.account.PubKey
}

// Sign signs ev with the unlocked account's private key.
func (s *Service) Sign(ev *nostr.Event) error {
	s.mu.Lock()
	acct := s.account
	s.mu.Unlock()
	if acct == nil {
		return domain.E(domain.KindState, "identity.Sign", "", domain.ErrNoAccount)
	}
	return ev.Sign(acct.PrivKey)
}

// isSecurePassphrase enforces a basic strength policy.
func isSecurePassphrase(passphrase string) bool {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	if len(passphrase) < minPassphraseLength {
		return false
	}
	for _, r := range passphrase {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsPunct(r), unicode.IsSymbol(r):
			hasSymbol = true
		}
	}
	return hasUpper && hasLower && hasDigit && hasSymbol
}

// parseSecret accepts a private key as lowercase hex or nsec bech32 and
// returns the hex form.
func parseSecret(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return "", err
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("expected nsec, got %s", prefix)
		}
		sk, ok := value.(string)
		if !ok {
			return "", errors.New("malformed nsec payload")
		}
		return sk, nil
	}
	raw, err := hex.DecodeString(secret)
	if err != nil || len(raw) != 32 {
		return "", errors.New("private key must be 64 hex characters or nsec")
	}
	return hex.EncodeToString(raw), nil
}

// Compile-time assertion that the unlocked service signs events.
var _ domain.Signer = (*Service)(nil)
