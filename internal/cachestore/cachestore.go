// Package cachestore provides the on-disk byte store backing the index:
// cache-entry payloads (blob bytes) and canonical node bytes, both keyed by
// content-addressed ID.
//
// Payloads are zstd-compressed at rest. The store verifies every write and
// read against the key's digest, so a corrupted database page surfaces as an
// error instead of silently wrong bytes.
package cachestore

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	"github.com/cairnstore/cairn/internal/artifact"
	"github.com/cairnstore/cairn/internal/ids"
)

// Buckets
var (
	bucketPayloads = []byte("payloads") // cache entry id -> zstd(payload)
	bucketNodes    = []byte("nodes")    // object id -> canonical bytes
)

// ErrNotFound reports a missing payload or node.
var ErrNotFound = errors.New("not found")

// Store is a bbolt-backed content store.
type Store struct {
	db  *bbolt.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens (or creates) the store at path and ensures its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0666, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketPayloads); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketNodes); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

// PutPayload stores a cache-entry payload. The id must be the blob ID of the
// payload bytes.
func (s *Store) PutPayload(id ids.ID, payload []byte) error {
	if computed := artifact.BlobID(payload); computed != id {
		return fmt.Errorf("payload hash mismatch: expected %s, got %s", id, computed)
	}
	compressed := s.enc.EncodeAll(payload, nil)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).Put([]byte(id.String()), compressed)
	})
}

// GetPayload retrieves and verifies a cache-entry payload.
func (s *Store) GetPayload(id ids.ID) ([]byte, error) {
	var compressed []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPayloads).Get([]byte(id.String()))
		if v == nil {
			return fmt.Errorf("payload %s: %w", id, ErrNotFound)
		}
		compressed = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	payload, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload %s: %w", id, err)
	}
	if computed := artifact.BlobID(payload); computed != id {
		return nil, fmt.Errorf("corrupted payload %s: digest is %s", id, computed)
	}
	return payload, nil
}

// HasPayload checks whether a payload exists.
func (s *Store) HasPayload(id ids.ID) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(bucketPayloads).Get([]byte(id.String())) != nil
		return nil
	})
	return has, err
}

// DeletePayload removes a payload. Deleting an absent payload is not an
// error, so the garbage collector can retry safely.
func (s *Store) DeletePayload(id ids.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPayloads).Delete([]byte(id.String()))
	})
}

// PutNode stores a node's canonical object bytes. The id must derive from
// the bytes under its own kind.
func (s *Store) PutNode(id ids.ID, canonical []byte) error {
	if computed := ids.Sum(id.Kind(), canonical); computed != id {
		return fmt.Errorf("node hash mismatch: expected %s, got %s", id, computed)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).Put([]byte(id.String()), canonical)
	})
}

// GetNode retrieves and verifies a node's canonical bytes.
func (s *Store) GetNode(id ids.ID) ([]byte, error) {
	var canonical []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketNodes).Get([]byte(id.String()))
		if v == nil {
			return fmt.Errorf("node %s: %w", id, ErrNotFound)
		}
		canonical = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}
	if computed := ids.Sum(id.Kind(), canonical); computed != id {
		return nil, fmt.Errorf("corrupted node %s: digest is %s", id, computed)
	}
	return canonical, nil
}

// HasNode checks whether a node exists.
func (s *Store) HasNode(id ids.ID) (bool, error) {
	var has bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		has = tx.Bucket(bucketNodes).Get([]byte(id.String())) != nil
		return nil
	})
	return has, err
}

// DeleteNode removes a node's canonical bytes.
func (s *Store) DeleteNode(id ids.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete([]byte(id.String()))
	})
}
