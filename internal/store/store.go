package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/aljazceru/whitenoise-cli/internal/domain"
)

const (
	dbFile      = "whitenoise.db"
	accountsDir = "accounts"
	currentFile = "current"

	accountExt = ".enc"
)

// Top-level bucket names.
var (
	contactsBucket = []byte("contacts")
	groupsBucket   = []byte("groups")
	messagesBucket = []byte("messages")
	consumedBucket = []byte("consumed")
	initKeysBucket = []byte("initkeys")
)

// Compile-time interface checks.
var (
	_ domain.AccountStore  = (*Store)(nil)
	_ domain.ContactStore  = (*Store)(nil)
	_ domain.GroupStore    = (*Store)(nil)
	_ domain.MessageStore  = (*Store)(nil)
	_ domain.ConsumedStore = (*Store)(nil)
	_ domain.InitKeyStore  = (*Store)(nil)
)

// Store is the single persistence handle for one data directory.
type Store struct {
	dir string
	db  *bolt.DB

	// Guards the account files and the current pointer; bbolt does its own
	// locking.
	mu sync.Mutex
}

// Open prepares dataDir and opens the database, creating both as needed.
func Open(dataDir string) (*Store, error) {
	const dirMode = 0o700
	if err := os.MkdirAll(filepath.Join(dataDir, accountsDir), dirMode); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, dbFile), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{contactsBucket, groupsBucket, messagesBucket, consumedBucket, initKeysBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}

	return &Store{dir: dataDir, db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ownerBucket returns the nested bucket for owner under top, creating it
// when create is set. Returns nil when absent and not creating.
func ownerBucket(tx *bolt.Tx, top []byte, owner domain.PubKey, create bool) (*bolt.Bucket, error) {
	parent := tx.Bucket(top)
	if create {
		return parent.CreateBucketIfNotExists([]byte(owner))
	}
	return parent.Bucket([]byte(owner)), nil
}
