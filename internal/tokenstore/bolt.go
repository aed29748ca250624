package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// dataDirPerm is the permission mode for the directory holding the database.
	dataDirPerm = fs.FileMode(0o700)

	// dataFilePerm is the permission mode for the database file.
	dataFilePerm = fs.FileMode(0o600)

	// boltOpenTimeout is the maximum time to wait for the bolt database lock.
	boltOpenTimeout = 5 * time.Second
)

var credentialsBucket = []byte("credentials")

// boltRow is the value stored under each install id.
type boltRow struct {
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BoltStore keeps credential records in a bbolt file. bbolt serializes
// write transactions, which gives atomic per-row upsert and delete.
type BoltStore struct {
	*codec
	db *bolt.DB
}

// OpenBolt opens the credential database at path, creating it and its
// parent directory if they do not exist.
func OpenBolt(path string, key []byte, logger *slog.Logger) (*BoltStore, error) {
	c, err := newCodec(key, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dataDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, dataFilePerm, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening credential db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(credentialsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing credential db: %w", err)
	}

	return &BoltStore{codec: c, db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Get returns the decrypted record for installID, or nil when there is no
// record or it cannot be decrypted.
func (s *BoltStore) Get(_ context.Context, installID string) (*models.Credentials, error) {
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		// bbolt values are only valid inside the transaction.
		if v := tx.Bucket(credentialsBucket).Get([]byte(installID)); v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	if raw == nil {
		return nil, nil
	}

	var row boltRow
	if err := json.Unmarshal(raw, &row); err != nil {
		s.unreadable(installID, "failed to decode stored row", nil)
		return nil, nil
	}

	return s.open(installID, row.Data), nil
}

// Upsert replaces the record for installID. The blob is sealed before the
// write transaction starts.
func (s *BoltStore) Upsert(ctx context.Context, installID string, creds models.Credentials) error {
	blob, err := s.seal(creds)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		now := time.Now().UTC()

		row := boltRow{Data: blob, CreatedAt: now, UpdatedAt: now}

		if v := b.Get([]byte(installID)); v != nil {
			var existing boltRow
			if err := json.Unmarshal(v, &existing); err == nil && !existing.CreatedAt.IsZero() {
				row.CreatedAt = existing.CreatedAt
			}
		}

		data, err := json.Marshal(row)
		if err != nil {
			return err
		}

		return b.Put([]byte(installID), data)
	})
}

// Delete removes the record for installID and reports whether one existed.
func (s *BoltStore) Delete(_ context.Context, installID string) (bool, error) {
	var existed bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(credentialsBucket)
		if b.Get([]byte(installID)) == nil {
			return nil
		}

		existed = true

		return b.Delete([]byte(installID))
	})
	if err != nil {
		return false, fmt.Errorf("deleting credentials: %w", err)
	}

	return existed, nil
}

// HasTokens reports whether a record exists without decrypting it.
func (s *BoltStore) HasTokens(_ context.Context, installID string) (bool, error) {
	var exists bool

	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(credentialsBucket).Get([]byte(installID)) != nil
		return nil
	})

	return exists, err
}

// Count returns the number of stored records.
func (s *BoltStore) Count(_ context.Context) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(credentialsBucket).Stats().KeyN
		return nil
	})

	return count, err
}
