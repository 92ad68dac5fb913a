package store

import (
	bolt "go.etcd.io/bbolt"
)

// MarkConsumed records a spent key-package event id and reports whether
// this call was the first to spend it.
func (s *Store) MarkConsumed(id string) (bool, error) {
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(consumedBucket)
		if b.Get([]byte(id)) != nil {
			return nil
		}
		first = true
		return b.Put([]byte(id), []byte{1})
	})
	return first, err
}

// IsConsumed reports whether id was ever marked consumed.
func (s *Store) IsConsumed(id string) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket(consumedBucket).Get([]byte(id)) != nil
		return nil
	})
	return seen, err
}
