package store

import (
	bolt "go.etcd.io/bbolt"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// PutInitKey stores the sealed init-key record for a key package owner
// published, keyed by the package event id.
func (s *Store) PutInitKey(owner domain.PubKey, eventID string, sealed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ownerBucket(tx, initKeysBucket, owner, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(eventID), sealed)
	})
}

// GetInitKey returns the sealed record for eventID, or ErrStaleKeyPackage
// when this device no longer holds it.
func (s *Store) GetInitKey(owner domain.PubKey, eventID string) ([]byte, error) {
	var sealed []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, initKeysBucket, owner, false)
		if b == nil {
			return domain.ErrStaleKeyPackage
		}
		raw := b.Get([]byte(eventID))
		if raw == nil {
			return domain.ErrStaleKeyPackage
		}
		sealed = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sealed, nil
}

// DeleteInitKey discards the sealed record for eventID. Deleting an absent
// record is not an error.
func (s *Store) DeleteInitKey(owner domain.PubKey, eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, initKeysBucket, owner, false)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(eventID))
	})
}

// ListInitKeys returns every sealed record owner still holds, keyed by
// package event id.
func (s *Store) ListInitKeys(owner domain.PubKey) (map[string][]byte, error) {
	out := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, initKeysBucket, owner, false)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
