package index

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cairnstore/cairn/internal/ids"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "index.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// drain runs HandleQueue until two consecutive calls consume nothing.
func drain(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	idle := 0
	for i := 0; i < 1000; i++ {
		n, err := store.HandleQueue(ctx, 64)
		require.NoError(t, err)
		if n == 0 {
			idle++
			if idle == 2 {
				return
			}
		} else {
			idle = 0
		}
	}
	t.Fatal("queue did not converge")
}

func objectID(seed string) ids.ID {
	return ids.Sum(ids.KindDirectory, []byte(seed))
}

func blobID(seed string) ids.ID {
	return ids.Sum(ids.KindBlob, []byte(seed))
}

func processID(seed string) ids.ID {
	return ids.Sum(ids.KindProcess, []byte(seed))
}

func put(id ids.ID, size int64, children ...ids.ID) ObjectPut {
	return ObjectPut{ID: id, NodeSize: size, TouchedAt: time.Now(), Children: children}
}

func refCount(t *testing.T, store *Store, id ids.ID) int64 {
	t.Helper()
	meta, err := store.ObjectMetadata(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, meta.ReferenceCount, "reference count of %s not computed", id)
	return *meta.ReferenceCount
}

func TestSubtreeRollup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	leafA := blobID("a")
	leafB := blobID("b")
	root := objectID("root")

	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{
			put(root, 10, leafA, leafB),
			put(leafA, 3),
			put(leafB, 4),
		},
	}))
	drain(t, store)

	meta, err := store.ObjectMetadata(ctx, root)
	require.NoError(t, err)
	assert.True(t, meta.Subtree.Stored)
	require.NotNil(t, meta.Subtree.Count)
	assert.EqualValues(t, 3, *meta.Subtree.Count)
	require.NotNil(t, meta.Subtree.Depth)
	assert.EqualValues(t, 2, *meta.Subtree.Depth)
	require.NotNil(t, meta.Subtree.Size)
	assert.EqualValues(t, 17, *meta.Subtree.Size)
}

func TestSubtreeRollupOutOfOrder(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	leaf := blobID("leaf")
	mid := objectID("mid")
	root := objectID("root")

	// Parent arrives first; its rollup must wait for the descendants.
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(root, 1, mid)},
	}))
	drain(t, store)

	meta, err := store.ObjectMetadata(ctx, root)
	require.NoError(t, err)
	assert.False(t, meta.Subtree.Stored)
	assert.Nil(t, meta.Subtree.Count)

	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(mid, 2, leaf)},
	}))
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(leaf, 3)},
	}))
	drain(t, store)

	meta, err = store.ObjectMetadata(ctx, root)
	require.NoError(t, err)
	assert.True(t, meta.Subtree.Stored)
	assert.EqualValues(t, 3, *meta.Subtree.Count)
	assert.EqualValues(t, 3, *meta.Subtree.Depth)
	assert.EqualValues(t, 6, *meta.Subtree.Size)
}

func TestReferenceCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	child := blobID("shared")
	p1 := objectID("parent1")
	p2 := objectID("parent2")

	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{
			put(p1, 1, child),
			put(p2, 1, child),
			put(child, 1),
		},
	}))
	drain(t, store)

	assert.EqualValues(t, 2, refCount(t, store, child))
	assert.EqualValues(t, 0, refCount(t, store, p1))
	assert.EqualValues(t, 0, refCount(t, store, p2))
}

func TestReferenceCountOutOfOrderPuts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	child := blobID("late-parent-child")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(child, 1)},
	}))
	drain(t, store)
	assert.EqualValues(t, 0, refCount(t, store, child))

	// The child's count was already computed; the parent's ingest is newer,
	// so the parent's recount pass must fold its edge in.
	parent := objectID("late-parent")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(parent, 1, child)},
	}))
	drain(t, store)
	assert.EqualValues(t, 1, refCount(t, store, child))
}

func TestTagOverwriteTransfersReferenceCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o1 := objectID("o1")
	o2 := objectID("o2")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(o1, 1), put(o2, 1)},
	}))
	drain(t, store)

	require.NoError(t, store.PutTag(ctx, "a", o1))
	assert.EqualValues(t, 1, refCount(t, store, o1))

	require.NoError(t, store.PutTag(ctx, "a", o2))
	drain(t, store)

	item, err := store.GetTag(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, o2, item)
	assert.EqualValues(t, 0, refCount(t, store, o1))
	assert.EqualValues(t, 1, refCount(t, store, o2))
}

func TestTagDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o1 := objectID("tagged")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(o1, 1)},
	}))
	require.NoError(t, store.PutTag(ctx, "keep", o1))
	drain(t, store)
	assert.EqualValues(t, 1, refCount(t, store, o1))

	require.NoError(t, store.DeleteTag(ctx, "keep"))
	assert.EqualValues(t, 0, refCount(t, store, o1))

	_, err := store.GetTag(ctx, "keep")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	require.NoError(t, store.DeleteTag(ctx, "keep"))
}

func TestCacheEntryReferenceCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	blob := blobID("payload")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		CacheEntries: []CacheEntryPut{{ID: blob, TouchedAt: time.Now()}},
		Objects: []ObjectPut{
			{ID: blob, CacheEntry: &blob, NodeSize: 7, TouchedAt: time.Now()},
		},
	}))
	drain(t, store)

	// One object points at the entry.
	var count int64
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT reference_count FROM cache_entries WHERE id = ?`, blob.String()).Scan(&count))
	assert.EqualValues(t, 1, count)
}

func TestCleanSafetyAndReclaim(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o2 := blobID("f-child")
	o1 := objectID("f-root")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(o1, 10, o2), put(o2, 5)},
	}))
	require.NoError(t, store.PutTag(ctx, "root", o1))
	drain(t, store)

	// Tagged root and its descendant survive.
	result, err := store.Clean(ctx, time.Now(), 100)
	require.NoError(t, err)
	assert.Zero(t, result.Deleted())

	require.NoError(t, store.DeleteTag(ctx, "root"))
	drain(t, store)

	var total int64
	for i := 0; i < 5; i++ {
		result, err = store.Clean(ctx, time.Now(), 100)
		require.NoError(t, err)
		total += result.Bytes
		if result.Deleted() == 0 {
			break
		}
	}
	assert.EqualValues(t, 15, total)

	_, err = store.ObjectMetadata(ctx, o1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.ObjectMetadata(ctx, o2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanRespectsTouchedAt(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	o1 := objectID("fresh")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(o1, 1)},
	}))
	drain(t, store)

	// Threshold before the row's touched_at: nothing is eligible.
	result, err := store.Clean(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Zero(t, result.Deleted())

	// Touch pushes the row past a later threshold too.
	cutoff := time.Now()
	require.NoError(t, store.HandleMessages(ctx, &Message{
		TouchObjects: []Touch{{ID: o1, TouchedAt: cutoff.Add(time.Hour)}},
	}))
	result, err = store.Clean(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Zero(t, result.Deleted())
}

func TestProcessRollups(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	cmdObj := ids.Sum(ids.KindCommand, []byte("cmd"))
	logObj := blobID("log")
	outObj := blobID("out")
	child := processID("child")
	parent := processID("parent")

	now := time.Now()
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{
			put(cmdObj, 2),
			put(logObj, 3),
			put(outObj, 4),
		},
		Processes: []ProcessPut{
			{
				ID:        child,
				TouchedAt: now,
				Objects: []ProcessObject{
					{ID: cmdObj, Kind: ProcessObjectCommand},
					{ID: logObj, Kind: ProcessObjectLog},
					{ID: outObj, Kind: ProcessObjectOutput},
				},
			},
			{
				ID:        parent,
				TouchedAt: now,
				Children:  []ProcessChild{{ID: child, Position: 0}},
				Objects: []ProcessObject{
					{ID: cmdObj, Kind: ProcessObjectCommand},
				},
			},
		},
	}))
	drain(t, store)

	childMeta, err := store.ProcessMetadata(ctx, child)
	require.NoError(t, err)
	assert.True(t, childMeta.SubtreeStored)
	require.NotNil(t, childMeta.SubtreeCount)
	assert.EqualValues(t, 1, *childMeta.SubtreeCount)
	assert.True(t, childMeta.Command.Stored)
	assert.EqualValues(t, 1, *childMeta.Command.Count)
	assert.EqualValues(t, 2, *childMeta.Command.Size)
	assert.True(t, childMeta.Log.Stored)
	assert.EqualValues(t, 3, *childMeta.Log.Size)
	assert.True(t, childMeta.Output.Stored)
	assert.EqualValues(t, 4, *childMeta.Output.Size)

	parentMeta, err := store.ProcessMetadata(ctx, parent)
	require.NoError(t, err)
	assert.True(t, parentMeta.SubtreeStored)
	assert.EqualValues(t, 2, *parentMeta.SubtreeCount)
	assert.True(t, parentMeta.Command.Stored)
	// Parent's own command object plus the child's command tree.
	assert.EqualValues(t, 2, *parentMeta.Command.Count)
	assert.EqualValues(t, 4, *parentMeta.Command.Size)
	assert.True(t, parentMeta.Log.Stored)
	assert.True(t, parentMeta.Output.Stored)

	// Child process is referenced by its parent; the command object by two
	// process edges.
	require.NotNil(t, parentMeta.ReferenceCount)
	assert.EqualValues(t, 0, *parentMeta.ReferenceCount)
	require.NotNil(t, childMeta.ReferenceCount)
	drain(t, store)
	childMeta, err = store.ProcessMetadata(ctx, child)
	require.NoError(t, err)
	assert.EqualValues(t, 1, *childMeta.ReferenceCount)
	assert.EqualValues(t, 2, refCount(t, store, cmdObj))
}

func TestProcessClean(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	obj := blobID("proc-obj")
	proc := processID("cleanable")
	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(obj, 6)},
		Processes: []ProcessPut{{
			ID:        proc,
			TouchedAt: time.Now(),
			Objects:   []ProcessObject{{ID: obj, Kind: ProcessObjectOutput}},
		}},
	}))
	drain(t, store)
	assert.EqualValues(t, 1, refCount(t, store, obj))

	result, err := store.Clean(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, result.Processes, 1)
	assert.Equal(t, proc, result.Processes[0])

	// The process's edge is gone; the object is reclaimable next pass.
	assert.EqualValues(t, 0, refCount(t, store, obj))
	result, err = store.Clean(ctx, time.Now(), 100)
	require.NoError(t, err)
	require.Len(t, result.Objects, 1)
	assert.Equal(t, obj, result.Objects[0])
	assert.EqualValues(t, 6, result.Bytes)
}

func TestQueueConvergence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HandleMessages(ctx, &Message{
		Objects: []ObjectPut{put(blobID("q"), 1)},
	}))
	drain(t, store)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	// A drained queue stays a no-op.
	n, err := store.HandleQueue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandleMessagesEmptyIsNoOp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.HandleMessages(ctx, &Message{}))
	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRepeatedPutMergesInsteadOfDuplicating(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	child := blobID("dup-child")
	parent := objectID("dup-parent")
	msg := &Message{Objects: []ObjectPut{put(parent, 1, child), put(child, 1)}}
	require.NoError(t, store.HandleMessages(ctx, msg))
	require.NoError(t, store.HandleMessages(ctx, msg))
	drain(t, store)

	assert.EqualValues(t, 1, refCount(t, store, child))

	var edges int64
	require.NoError(t, store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM object_children WHERE object = ?`, parent.String()).Scan(&edges))
	assert.EqualValues(t, 1, edges)
}
