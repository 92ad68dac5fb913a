package store

import (
	"encoding/json"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

// messageBucket returns the nested bucket for one group's history.
func messageBucket(tx *bolt.Tx, owner domain.PubKey, id domain.GroupID, create bool) (*bolt.Bucket, error) {
	ob, err := ownerBucket(tx, messagesBucket, owner, create)
	if err != nil || ob == nil {
		return nil, err
	}
	if create {
		return ob.CreateBucketIfNotExists([]byte(id))
	}
	return ob.Bucket([]byte(id)), nil
}

// AppendMessage stores m keyed by its event id. A message already present
// under the same id is left untouched, which is how copies of one event
// fetched from several relays collapse into a single history entry.
func (s *Store) AppendMessage(owner domain.PubKey, m *domain.Message) (bool, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	inserted := false
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := messageBucket(tx, owner, m.GroupID, true)
		if err != nil {
			return err
		}
		if b.Get([]byte(m.ID)) != nil {
			return nil
		}
		inserted = true
		return b.Put([]byte(m.ID), raw)
	})
	return inserted, err
}

// ListMessages returns the group's history in ascending creation order,
// ties broken by event id. A positive limit keeps only the newest entries.
func (s *Store) ListMessages(owner domain.PubKey, id domain.GroupID, since time.Time, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := messageBucket(tx, owner, id, false)
		if err != nil || b == nil {
			return err
		}
		return b.ForEach(func(_, raw []byte) error {
			m := new(domain.Message)
			if err := json.Unmarshal(raw, m); err != nil {
				return err
			}
			if !since.IsZero() && m.CreatedAt.Before(since) {
				return nil
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeleteGroupMessages drops the group's entire history.
func (s *Store) DeleteGroupMessages(owner domain.PubKey, id domain.GroupID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ob, _ := ownerBucket(tx, messagesBucket, owner, false)
		if ob == nil || ob.Bucket([]byte(id)) == nil {
			return nil
		}
		return ob.DeleteBucket([]byte(id))
	})
}
