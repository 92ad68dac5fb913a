package store

import (
	"encoding/json"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// PutContact inserts or replaces one contact in owner's directory.
func (s *Store) PutContact(owner domain.PubKey, c *domain.Contact) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ownerBucket(tx, contactsBucket, owner, true)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.PubKey), raw)
	})
}

// GetContact returns owner's contact for pk, or ErrContactNotFound.
func (s *Store) GetContact(owner, pk domain.PubKey) (*domain.Contact, error) {
	var c *domain.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, contactsBucket, owner, false)
		if b == nil {
			return domain.ErrContactNotFound
		}
		raw := b.Get([]byte(pk))
		if raw == nil {
			return domain.ErrContactNotFound
		}
		c = new(domain.Contact)
		return json.Unmarshal(raw, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListContacts returns owner's contacts sorted by display name, then pubkey.
func (s *Store) ListContacts(owner domain.PubKey) ([]*domain.Contact, error) {
	var out []*domain.Contact
	err := s.db.View(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, contactsBucket, owner, false)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, raw []byte) error {
			c := new(domain.Contact)
			if err := json.Unmarshal(raw, c); err != nil {
				return err
			}
			out = append(out, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].DisplayName(), out[j].DisplayName()
		if a != b {
			return a < b
		}
		return out[i].PubKey < out[j].PubKey
	})
	return out, nil
}

// DeleteContact removes pk from owner's directory, or ErrContactNotFound.
func (s *Store) DeleteContact(owner, pk domain.PubKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, _ := ownerBucket(tx, contactsBucket, owner, false)
		if b == nil || b.Get([]byte(pk)) == nil {
			return domain.ErrContactNotFound
		}
		return b.Delete([]byte(pk))
	})
}
