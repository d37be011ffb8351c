package cachestore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cairnstore/cairn/internal/artifact"
	"github.com/cairnstore/cairn/internal/ids"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPayloadRoundTrip(t *testing.T) {
	store := openTestStore(t)

	payload := []byte("hello, world!")
	id := artifact.BlobID(payload)

	has, err := store.HasPayload(id)
	if err != nil {
		t.Fatalf("HasPayload failed: %v", err)
	}
	if has {
		t.Error("Empty store should not have the payload")
	}

	if err := store.PutPayload(id, payload); err != nil {
		t.Fatalf("PutPayload failed: %v", err)
	}

	got, err := store.GetPayload(id)
	if err != nil {
		t.Fatalf("GetPayload failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Retrieved payload should match original")
	}
}

func TestPayloadHashMismatch(t *testing.T) {
	store := openTestStore(t)

	wrong := artifact.BlobID([]byte("other"))
	if err := store.PutPayload(wrong, []byte("data")); err == nil {
		t.Error("PutPayload should reject a mismatched id")
	}
}

func TestPayloadNotFound(t *testing.T) {
	store := openTestStore(t)

	_, err := store.GetPayload(artifact.BlobID([]byte("missing")))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPayload on missing id = %v, want ErrNotFound", err)
	}
}

func TestDeletePayload(t *testing.T) {
	store := openTestStore(t)

	payload := []byte("to be reclaimed")
	id := artifact.BlobID(payload)
	if err := store.PutPayload(id, payload); err != nil {
		t.Fatalf("PutPayload failed: %v", err)
	}
	if err := store.DeletePayload(id); err != nil {
		t.Fatalf("DeletePayload failed: %v", err)
	}
	if _, err := store.GetPayload(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPayload after delete = %v, want ErrNotFound", err)
	}
	// Deleting again is a no-op.
	if err := store.DeletePayload(id); err != nil {
		t.Errorf("DeletePayload should be idempotent: %v", err)
	}
}

func TestNodeRoundTrip(t *testing.T) {
	store := openTestStore(t)

	node := artifact.SymlinkNode(&artifact.Symlink{Path: "target"})
	id, canonical, err := artifact.StandaloneID(node)
	if err != nil {
		t.Fatalf("StandaloneID failed: %v", err)
	}

	if err := store.PutNode(id, canonical); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	got, err := store.GetNode(id)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if !bytes.Equal(got, canonical) {
		t.Error("Retrieved node bytes should match original")
	}

	has, err := store.HasNode(id)
	if err != nil {
		t.Fatalf("HasNode failed: %v", err)
	}
	if !has {
		t.Error("HasNode should be true after PutNode")
	}

	other := ids.Sum(ids.KindDirectory, []byte("x"))
	if err := store.PutNode(other, canonical); err == nil {
		t.Error("PutNode should reject a mismatched id")
	}
}
