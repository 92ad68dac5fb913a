package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// Save seals the account under passphrase and writes it atomically. An
// existing file for the same pubkey is replaced.
func (s *Store) Save(a *domain.Account, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !a.PubKey.Valid() {
		return fmt.Errorf("store: account pubkey %q is invalid", a.PubKey)
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	sealed, err := sealEnvelope(passphrase, raw)
	if err != nil {
		return err
	}
	return writeFile(s.accountPath(a.PubKey), sealed, 0o600)
}

// Load opens the sealed account for pk. A wrong passphrase surfaces as
// errWrongPassphrase wrapped in the return; a missing file as ErrNoAccount.
func (s *Store) Load(pk domain.PubKey, passphrase string) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sealed, err := os.ReadFile(s.accountPath(pk))
	if errors.Is(err, os.ErrNotExist) {
		return nil, domain.ErrNoAccount
	}
	if err != nil {
		return nil, err
	}
	raw, err := openEnvelope(passphrase, sealed)
	if err != nil {
		return nil, err
	}
	var a domain.Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// List returns the pubkeys of every stored account.
func (s *Store) List() ([]domain.PubKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, accountsDir))
	if err != nil {
		return nil, err
	}
	var out []domain.PubKey
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, accountExt) {
			continue
		}
		pk := domain.PubKey(strings.TrimSuffix(name, accountExt))
		if pk.Valid() {
			out = append(out, pk)
		}
	}
	return out, nil
}

// Delete removes the account file and clears the current pointer if it
// pointed at pk.
func (s *Store) Delete(pk domain.PubKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.accountPath(pk)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	cur, err := s.readCurrent()
	if err != nil {
		return err
	}
	if cur == pk {
		return s.clearCurrent()
	}
	return nil
}

// SetCurrent records pk as the active account.
func (s *Store) SetCurrent(pk domain.PubKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !pk.Valid() {
		return fmt.Errorf("store: current pubkey %q is invalid", pk)
	}
	return writeFile(filepath.Join(s.dir, currentFile), []byte(pk+"\n"), 0o600)
}

// Current returns the active account pubkey, or ErrNoAccount when none is
// set.
func (s *Store) Current() (domain.PubKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pk, err := s.readCurrent()
	if err != nil {
		return "", err
	}
	if pk == "" {
		return "", domain.ErrNoAccount
	}
	return pk, nil
}

// ClearCurrent forgets the active account without touching its data.
func (s *Store) ClearCurrent() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCurrent()
}

func (s *Store) accountPath(pk domain.PubKey) string {
	return filepath.Join(s.dir, accountsDir, string(pk)+accountExt)
}

func (s *Store) readCurrent() (domain.PubKey, error) {
	b, err := os.ReadFile(filepath.Join(s.dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	pk := domain.PubKey(strings.TrimSpace(string(b)))
	if !pk.Valid() {
		return "", nil
	}
	return pk, nil
}

func (s *Store) clearCurrent() error {
	err := os.Remove(filepath.Join(s.dir, currentFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
