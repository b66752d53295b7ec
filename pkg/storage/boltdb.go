package storage

import (
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketCert       = []byte("cert")
	bucketSuppressed = []byte("suppressed_members")
)

const (
	certKeyLeaf = "leaf"
	certKeyKey  = "key"
	certKeyCA   = "ca"
)

// BoltStore implements Store using BoltDB, matching the teacher's
// single-file embedded-database approach for node-local persistence.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "taskmesh.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketCert, bucketSuppressed} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("storage: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveCert persists this node's leaf certificate, private key, and CA
// certificate, each PEM-encoded.
func (s *BoltStore) SaveCert(leafPEM, keyPEM, caPEM []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCert)
		if err := b.Put([]byte(certKeyLeaf), leafPEM); err != nil {
			return err
		}
		if err := b.Put([]byte(certKeyKey), keyPEM); err != nil {
			return err
		}
		return b.Put([]byte(certKeyCA), caPEM)
	})
}

// LoadCert retrieves the certificate material saved by SaveCert.
func (s *BoltStore) LoadCert() (leafPEM, keyPEM, caPEM []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCert)
		leaf := b.Get([]byte(certKeyLeaf))
		key := b.Get([]byte(certKeyKey))
		ca := b.Get([]byte(certKeyCA))
		if leaf == nil || key == nil || ca == nil {
			return fmt.Errorf("storage: no certificate material saved yet")
		}
		leafPEM = append([]byte(nil), leaf...)
		keyPEM = append([]byte(nil), key...)
		caPEM = append([]byte(nil), ca...)
		return nil
	})
	return leafPEM, keyPEM, caPEM, err
}

// SuppressMember records nodeID as evicted, so a restart doesn't
// immediately re-admit it on the next gossip round.
func (s *BoltStore) SuppressMember(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuppressed).Put([]byte(nodeID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

// Unsuppress clears a prior suppression, typically once an operator
// confirms the member is healthy again.
func (s *BoltStore) Unsuppress(nodeID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuppressed).Delete([]byte(nodeID))
	})
}

// IsSuppressed reports whether nodeID is currently suppressed.
func (s *BoltStore) IsSuppressed(nodeID string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketSuppressed).Get([]byte(nodeID)) != nil
		return nil
	})
	return found, err
}

// ListSuppressed returns every currently suppressed node identifier.
func (s *BoltStore) ListSuppressed() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSuppressed).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}
