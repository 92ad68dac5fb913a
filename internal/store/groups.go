package store

import (
	bolt "go.etcd.io/bbolt"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// PutGroup stores one sealed group state blob. The store never inspects the
// contents.
func (s *Store) PutGroup(owner domain.PubKey, id domain.GroupID, sealed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ownerBucket(tx, groupsBucket, owner, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), sealed)
	})
}

// GetGroup returns the sealed blob for id, or ErrGroupNotFound.
func (s *Store) GetGroup(owner domain.PubKey, id domain.GroupID) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, groupsBucket, owner, false)
		if b == nil {
			return domain.ErrGroupNotFound
		}
		raw := b.Get([]byte(id))
		if raw == nil {
			return domain.ErrGroupNotFound
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListGroups returns every sealed blob for owner, keyed by group id.
func (s *Store) ListGroups(owner domain.PubKey) (map[domain.GroupID][]byte, error) {
	out := make(map[domain.GroupID][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, groupsBucket, owner, false)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			out[domain.GroupID(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteGroupState removes the sealed blob for id. Missing ids are not an
// error so deletes are idempotent.
func (s *Store) DeleteGroupState(owner domain.PubKey, id domain.GroupID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, groupsBucket, owner, false)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(id))
	})
}
