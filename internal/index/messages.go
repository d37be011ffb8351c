package index

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/cairnstore/cairn/internal/ids"
)

// Rollup carries optional client-computed subtree metadata for a put.
// Non-nil fields are merged into the row: an existing non-null column wins,
// booleans are ORed.
type Rollup struct {
	Stored *bool
	Count  *int64
	Depth  *int64
	Size   *int64
}

// CacheEntryPut inserts or touches one cache entry.
type CacheEntryPut struct {
	ID        ids.ID
	TouchedAt time.Time
}

// ObjectPut inserts or touches one object together with its child edges.
type ObjectPut struct {
	ID         ids.ID
	CacheEntry *ids.ID
	NodeSize   int64
	TouchedAt  time.Time
	Subtree    Rollup
	Children   []ids.ID
}

// Touch sets a row's touched_at forward without changing its content.
type Touch struct {
	ID        ids.ID
	TouchedAt time.Time
}

// TagPut binds a tag string to an item, displacing any previous binding.
type TagPut struct {
	Tag  string
	Item ids.ID
}

// ProcessChild is an ordered child edge of a process.
type ProcessChild struct {
	ID       ids.ID
	Position int64
}

// ProcessObject is an explicit object edge of a process, classified by the
// wire-level process_objects kind (command/log/output).
type ProcessObject struct {
	ID   ids.ID
	Kind int
}

// ProcessPut inserts or touches one process together with its edges.
type ProcessPut struct {
	ID             ids.ID
	TouchedAt      time.Time
	SubtreeStored  *bool
	SubtreeCount   *int64
	NodeCommand    Rollup
	NodeLog        Rollup
	NodeOutput     Rollup
	SubtreeCommand Rollup
	SubtreeLog     Rollup
	SubtreeOutput  Rollup
	Children       []ProcessChild
	Objects        []ProcessObject
}

// Message is one ingest batch. All of its effects apply atomically.
type Message struct {
	CacheEntries   []CacheEntryPut
	Objects        []ObjectPut
	TouchObjects   []Touch
	Processes      []ProcessPut
	TouchProcesses []Touch
	PutTags        []TagPut
	DeleteTags     []string
}

// IsEmpty reports whether the message carries no work.
func (m *Message) IsEmpty() bool {
	return len(m.CacheEntries) == 0 && len(m.Objects) == 0 && len(m.TouchObjects) == 0 &&
		len(m.Processes) == 0 && len(m.TouchProcesses) == 0 &&
		len(m.PutTags) == 0 && len(m.DeleteTags) == 0
}

// HandleMessages ingests one message inside a single transaction. Rows are
// visited in id order; newly inserted rows are enqueued for the background
// worker; touched_at moves forward only.
func (s *Store) HandleMessages(ctx context.Context, msg *Message) error {
	if msg.IsEmpty() {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := transactionID(tx)
		if err != nil {
			return err
		}
		txid := current + 1

		if err := putCacheEntries(tx, msg.CacheEntries, txid); err != nil {
			return err
		}
		if err := putObjects(tx, msg.Objects, txid); err != nil {
			return err
		}
		if err := touchRows(tx, "objects", msg.TouchObjects); err != nil {
			return err
		}
		if err := putProcesses(tx, msg.Processes, txid); err != nil {
			return err
		}
		if err := touchRows(tx, "processes", msg.TouchProcesses); err != nil {
			return err
		}
		if err := putTags(tx, msg.PutTags); err != nil {
			return err
		}
		if err := deleteTags(tx, msg.DeleteTags); err != nil {
			return err
		}

		return bumpTransactionID(tx, txid)
	})
}

func putCacheEntries(tx *sql.Tx, puts []CacheEntryPut, txid int64) error {
	puts = append([]CacheEntryPut(nil), puts...)
	sort.Slice(puts, func(i, j int) bool { return ids.Compare(puts[i].ID, puts[j].ID) < 0 })

	for _, put := range puts {
		id := put.ID.String()
		var exists int
		err := tx.QueryRow(`SELECT 1 FROM cache_entries WHERE id = ?`, id).Scan(&exists)
		switch err {
		case sql.ErrNoRows:
			if _, err := tx.Exec(
				`INSERT INTO cache_entries (id, touched_at) VALUES (?, ?)`,
				id, millis(put.TouchedAt)); err != nil {
				return fmt.Errorf("insert cache entry %s: %w", id, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO cache_entry_queue (cache_entry, transaction_id) VALUES (?, ?)`,
				id, txid); err != nil {
				return fmt.Errorf("enqueue cache entry %s: %w", id, err)
			}
		case nil:
			if _, err := tx.Exec(
				`UPDATE cache_entries SET touched_at = max(touched_at, ?) WHERE id = ?`,
				millis(put.TouchedAt), id); err != nil {
				return fmt.Errorf("touch cache entry %s: %w", id, err)
			}
		default:
			return err
		}
	}
	return nil
}

func putObjects(tx *sql.Tx, puts []ObjectPut, txid int64) error {
	puts = append([]ObjectPut(nil), puts...)
	sort.Slice(puts, func(i, j int) bool { return ids.Compare(puts[i].ID, puts[j].ID) < 0 })

	for _, put := range puts {
		id := put.ID.String()

		var exists, wasStored bool
		err := tx.QueryRow(`SELECT subtree_stored FROM objects WHERE id = ?`, id).Scan(&wasStored)
		switch err {
		case sql.ErrNoRows:
		case nil:
			exists = true
		default:
			return err
		}

		var cacheEntry any
		if put.CacheEntry != nil {
			cacheEntry = put.CacheEntry.String()
		}
		putStored := put.Subtree.Stored != nil && *put.Subtree.Stored

		if !exists {
			if _, err := tx.Exec(
				`INSERT INTO objects
				   (id, cache_entry, node_size, subtree_count, subtree_depth, subtree_size,
				    subtree_stored, touched_at, transaction_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, cacheEntry, put.NodeSize,
				nullInt(put.Subtree.Count), nullInt(put.Subtree.Depth), nullInt(put.Subtree.Size),
				putStored, millis(put.TouchedAt), txid); err != nil {
				return fmt.Errorf("insert object %s: %w", id, err)
			}
			if err := enqueueObject(tx, id, ObjectQueueReferenceCount, txid); err != nil {
				return err
			}
			if err := enqueueObject(tx, id, ObjectQueueStored, txid); err != nil {
				return err
			}
		} else {
			// Merge: existing non-null rollups win, booleans OR,
			// touched_at moves forward only.
			if _, err := tx.Exec(
				`UPDATE objects SET
				   cache_entry = COALESCE(cache_entry, ?),
				   subtree_count = COALESCE(subtree_count, ?),
				   subtree_depth = COALESCE(subtree_depth, ?),
				   subtree_size = COALESCE(subtree_size, ?),
				   subtree_stored = subtree_stored OR ?,
				   touched_at = max(touched_at, ?)
				 WHERE id = ?`,
				cacheEntry,
				nullInt(put.Subtree.Count), nullInt(put.Subtree.Depth), nullInt(put.Subtree.Size),
				putStored, millis(put.TouchedAt), id); err != nil {
				return fmt.Errorf("merge object %s: %w", id, err)
			}
		}

		children := append([]ids.ID(nil), put.Children...)
		sort.Slice(children, func(i, j int) bool { return ids.Compare(children[i], children[j]) < 0 })
		for _, child := range children {
			if _, err := tx.Exec(
				`INSERT INTO object_children (object, child) VALUES (?, ?)
				 ON CONFLICT (object, child) DO NOTHING`,
				id, child.String()); err != nil {
				return fmt.Errorf("insert object child %s -> %s: %w", id, child, err)
			}
		}

		// A row that arrives already rolled up as stored never transitions
		// in the queue handler, so notify its dependents here.
		becameStored := putStored && !(exists && wasStored)
		if becameStored {
			if err := enqueueObjectDependents(tx, id, txid); err != nil {
				return err
			}
		}
	}
	return nil
}

func putProcesses(tx *sql.Tx, puts []ProcessPut, txid int64) error {
	puts = append([]ProcessPut(nil), puts...)
	sort.Slice(puts, func(i, j int) bool { return ids.Compare(puts[i].ID, puts[j].ID) < 0 })

	for _, put := range puts {
		id := put.ID.String()

		var exists bool
		var one int
		err := tx.QueryRow(`SELECT 1 FROM processes WHERE id = ?`, id).Scan(&one)
		switch err {
		case sql.ErrNoRows:
		case nil:
			exists = true
		default:
			return err
		}

		putStored := put.SubtreeStored != nil && *put.SubtreeStored

		if !exists {
			if _, err := tx.Exec(
				`INSERT INTO processes
				   (id,
				    node_command_stored, node_command_count, node_command_depth, node_command_size,
				    node_log_stored, node_log_count, node_log_depth, node_log_size,
				    node_output_stored, node_output_count, node_output_depth, node_output_size,
				    subtree_command_stored, subtree_command_count, subtree_command_depth, subtree_command_size,
				    subtree_log_stored, subtree_log_count, subtree_log_depth, subtree_log_size,
				    subtree_output_stored, subtree_output_count, subtree_output_depth, subtree_output_size,
				    subtree_count, subtree_stored, touched_at, transaction_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id,
				nullBool(put.NodeCommand.Stored), nullInt(put.NodeCommand.Count), nullInt(put.NodeCommand.Depth), nullInt(put.NodeCommand.Size),
				nullBool(put.NodeLog.Stored), nullInt(put.NodeLog.Count), nullInt(put.NodeLog.Depth), nullInt(put.NodeLog.Size),
				nullBool(put.NodeOutput.Stored), nullInt(put.NodeOutput.Count), nullInt(put.NodeOutput.Depth), nullInt(put.NodeOutput.Size),
				nullBool(put.SubtreeCommand.Stored), nullInt(put.SubtreeCommand.Count), nullInt(put.SubtreeCommand.Depth), nullInt(put.SubtreeCommand.Size),
				nullBool(put.SubtreeLog.Stored), nullInt(put.SubtreeLog.Count), nullInt(put.SubtreeLog.Depth), nullInt(put.SubtreeLog.Size),
				nullBool(put.SubtreeOutput.Stored), nullInt(put.SubtreeOutput.Count), nullInt(put.SubtreeOutput.Depth), nullInt(put.SubtreeOutput.Size),
				nullInt(put.SubtreeCount), putStored, millis(put.TouchedAt), txid); err != nil {
				return fmt.Errorf("insert process %s: %w", id, err)
			}
			for _, kind := range []int{
				ProcessQueueReferenceCount, ProcessQueueChildren,
				ProcessQueueCommand, ProcessQueueOutput, ProcessQueueLog,
			} {
				if err := enqueueProcess(tx, id, kind, txid); err != nil {
					return err
				}
			}
		} else {
			if _, err := tx.Exec(
				`UPDATE processes SET
				   node_command_stored = CASE WHEN ? THEN 1 ELSE node_command_stored END,
				   node_command_count = COALESCE(node_command_count, ?),
				   node_command_depth = COALESCE(node_command_depth, ?),
				   node_command_size = COALESCE(node_command_size, ?),
				   node_log_stored = CASE WHEN ? THEN 1 ELSE node_log_stored END,
				   node_log_count = COALESCE(node_log_count, ?),
				   node_log_depth = COALESCE(node_log_depth, ?),
				   node_log_size = COALESCE(node_log_size, ?),
				   node_output_stored = CASE WHEN ? THEN 1 ELSE node_output_stored END,
				   node_output_count = COALESCE(node_output_count, ?),
				   node_output_depth = COALESCE(node_output_depth, ?),
				   node_output_size = COALESCE(node_output_size, ?),
				   subtree_command_stored = CASE WHEN ? THEN 1 ELSE subtree_command_stored END,
				   subtree_command_count = COALESCE(subtree_command_count, ?),
				   subtree_command_depth = COALESCE(subtree_command_depth, ?),
				   subtree_command_size = COALESCE(subtree_command_size, ?),
				   subtree_log_stored = CASE WHEN ? THEN 1 ELSE subtree_log_stored END,
				   subtree_log_count = COALESCE(subtree_log_count, ?),
				   subtree_log_depth = COALESCE(subtree_log_depth, ?),
				   subtree_log_size = COALESCE(subtree_log_size, ?),
				   subtree_output_stored = CASE WHEN ? THEN 1 ELSE subtree_output_stored END,
				   subtree_output_count = COALESCE(subtree_output_count, ?),
				   subtree_output_depth = COALESCE(subtree_output_depth, ?),
				   subtree_output_size = COALESCE(subtree_output_size, ?),
				   subtree_count = COALESCE(subtree_count, ?),
				   subtree_stored = subtree_stored OR ?,
				   touched_at = max(touched_at, ?)
				 WHERE id = ?`,
				nullBool(put.NodeCommand.Stored), nullInt(put.NodeCommand.Count), nullInt(put.NodeCommand.Depth), nullInt(put.NodeCommand.Size),
				nullBool(put.NodeLog.Stored), nullInt(put.NodeLog.Count), nullInt(put.NodeLog.Depth), nullInt(put.NodeLog.Size),
				nullBool(put.NodeOutput.Stored), nullInt(put.NodeOutput.Count), nullInt(put.NodeOutput.Depth), nullInt(put.NodeOutput.Size),
				nullBool(put.SubtreeCommand.Stored), nullInt(put.SubtreeCommand.Count), nullInt(put.SubtreeCommand.Depth), nullInt(put.SubtreeCommand.Size),
				nullBool(put.SubtreeLog.Stored), nullInt(put.SubtreeLog.Count), nullInt(put.SubtreeLog.Depth), nullInt(put.SubtreeLog.Size),
				nullBool(put.SubtreeOutput.Stored), nullInt(put.SubtreeOutput.Count), nullInt(put.SubtreeOutput.Depth), nullInt(put.SubtreeOutput.Size),
				nullInt(put.SubtreeCount), putStored, millis(put.TouchedAt), id); err != nil {
				return fmt.Errorf("merge process %s: %w", id, err)
			}
		}

		children := append([]ProcessChild(nil), put.Children...)
		sort.Slice(children, func(i, j int) bool { return ids.Compare(children[i].ID, children[j].ID) < 0 })
		for _, child := range children {
			if _, err := tx.Exec(
				`INSERT INTO process_children (process, child, position) VALUES (?, ?, ?)
				 ON CONFLICT (process, child) DO NOTHING`,
				id, child.ID.String(), child.Position); err != nil {
				return fmt.Errorf("insert process child %s -> %s: %w", id, child.ID, err)
			}
		}

		objects := append([]ProcessObject(nil), put.Objects...)
		sort.Slice(objects, func(i, j int) bool { return ids.Compare(objects[i].ID, objects[j].ID) < 0 })
		for _, object := range objects {
			if _, err := tx.Exec(
				`INSERT INTO process_objects (process, object, kind) VALUES (?, ?, ?)
				 ON CONFLICT (process, object, kind) DO NOTHING`,
				id, object.ID.String(), object.Kind); err != nil {
				return fmt.Errorf("insert process object %s -> %s: %w", id, object.ID, err)
			}
		}

		// A process arriving with client-side rollups already marked stored
		// never transitions in the queue handler; wake its parents directly.
		if !exists {
			lanes := []struct {
				stored *bool
				kind   int
			}{
				{put.SubtreeStored, ProcessQueueChildren},
				{put.SubtreeCommand.Stored, ProcessQueueCommand},
				{put.SubtreeOutput.Stored, ProcessQueueOutput},
				{put.SubtreeLog.Stored, ProcessQueueLog},
			}
			for _, lane := range lanes {
				if lane.stored == nil || !*lane.stored {
					continue
				}
				if err := enqueueProcessParents(tx, id, lane.kind, txid); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// enqueueProcessParents enqueues every parent of a process on one queue
// lane.
func enqueueProcessParents(tx *sql.Tx, id string, kind int, txid int64) error {
	parents, err := queryStrings(tx,
		`SELECT process FROM process_children WHERE child = ? ORDER BY process`, id)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := enqueueProcess(tx, parent, kind, txid); err != nil {
			return err
		}
	}
	return nil
}

func touchRows(tx *sql.Tx, table string, touches []Touch) error {
	touches = append([]Touch(nil), touches...)
	sort.Slice(touches, func(i, j int) bool { return ids.Compare(touches[i].ID, touches[j].ID) < 0 })

	for _, touch := range touches {
		if _, err := tx.Exec(
			`UPDATE `+table+` SET touched_at = max(touched_at, ?) WHERE id = ?`,
			millis(touch.TouchedAt), touch.ID.String()); err != nil {
			return fmt.Errorf("touch %s %s: %w", table, touch.ID, err)
		}
	}
	return nil
}

// putTags upserts tag bindings, then adjusts the reference counts of the
// displaced and the new items in one pass each, in id-sorted order.
func putTags(tx *sql.Tx, puts []TagPut) error {
	puts = append([]TagPut(nil), puts...)
	sort.Slice(puts, func(i, j int) bool { return puts[i].Tag < puts[j].Tag })

	var displaced, added []ids.ID
	for _, put := range puts {
		var old string
		err := tx.QueryRow(`SELECT item FROM tags WHERE tag = ?`, put.Tag).Scan(&old)
		switch err {
		case sql.ErrNoRows:
		case nil:
			if old == put.Item.String() {
				continue
			}
			oldID, err := ids.Parse(old)
			if err != nil {
				return fmt.Errorf("%w: tag %q item: %v", ErrIntegrity, put.Tag, err)
			}
			displaced = append(displaced, oldID)
		default:
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO tags (tag, item) VALUES (?, ?)
			 ON CONFLICT (tag) DO UPDATE SET item = excluded.item`,
			put.Tag, put.Item.String()); err != nil {
			return fmt.Errorf("put tag %q: %w", put.Tag, err)
		}
		added = append(added, put.Item)
	}

	if err := adjustReferenceCounts(tx, displaced, -1); err != nil {
		return err
	}
	return adjustReferenceCounts(tx, added, +1)
}

func deleteTags(tx *sql.Tx, tags []string) error {
	tags = append([]string(nil), tags...)
	sort.Strings(tags)

	var removed []ids.ID
	for _, tag := range tags {
		var item string
		err := tx.QueryRow(`SELECT item FROM tags WHERE tag = ?`, tag).Scan(&item)
		switch err {
		case sql.ErrNoRows:
			continue
		case nil:
		default:
			return err
		}
		id, err := ids.Parse(item)
		if err != nil {
			return fmt.Errorf("%w: tag %q item: %v", ErrIntegrity, tag, err)
		}
		if _, err := tx.Exec(`DELETE FROM tags WHERE tag = ?`, tag); err != nil {
			return fmt.Errorf("delete tag %q: %w", tag, err)
		}
		removed = append(removed, id)
	}
	return adjustReferenceCounts(tx, removed, -1)
}

// adjustReferenceCounts applies a delta to already-computed reference
// counts, in id-sorted order. Rows whose count has not been computed yet are
// left alone: the pending recount will see the current tag rows.
func adjustReferenceCounts(tx *sql.Tx, items []ids.ID, delta int64) error {
	items = append([]ids.ID(nil), items...)
	sort.Slice(items, func(i, j int) bool { return ids.Compare(items[i], items[j]) < 0 })

	for _, item := range items {
		for _, table := range refCountTables(item) {
			if _, err := tx.Exec(
				`UPDATE `+table+` SET reference_count = reference_count + ?
				 WHERE id = ? AND reference_count IS NOT NULL`,
				delta, item.String()); err != nil {
				return fmt.Errorf("adjust reference count of %s: %w", item, err)
			}
		}
	}
	return nil
}

// refCountTables names the tables holding a reference count for the item. A
// blob id addresses both its object row and its cache entry row.
func refCountTables(id ids.ID) []string {
	switch id.Kind() {
	case ids.KindProcess:
		return []string{"processes"}
	case ids.KindBlob:
		return []string{"objects", "cache_entries"}
	default:
		return []string{"objects"}
	}
}

func enqueueObject(tx *sql.Tx, id string, kind int, txid int64) error {
	if _, err := tx.Exec(
		`INSERT INTO object_queue (object, kind, transaction_id) VALUES (?, ?, ?)`,
		id, kind, txid); err != nil {
		return fmt.Errorf("enqueue object %s kind %d: %w", id, kind, err)
	}
	return nil
}

func enqueueProcess(tx *sql.Tx, id string, kind int, txid int64) error {
	if _, err := tx.Exec(
		`INSERT INTO process_queue (process, kind, transaction_id) VALUES (?, ?, ?)`,
		id, kind, txid); err != nil {
		return fmt.Errorf("enqueue process %s kind %d: %w", id, kind, err)
	}
	return nil
}

// enqueueObjectDependents wakes up everything waiting on an object having
// become stored: parents whose own rollup is still pending, and every
// process with an edge to the object, on the lane of that edge's kind.
func enqueueObjectDependents(tx *sql.Tx, id string, txid int64) error {
	parents, err := queryStrings(tx,
		`SELECT oc.object FROM object_children oc
		 JOIN objects o ON o.id = oc.object
		 WHERE oc.child = ? AND o.subtree_stored = 0
		 ORDER BY oc.object`, id)
	if err != nil {
		return err
	}
	for _, parent := range parents {
		if err := enqueueObject(tx, parent, ObjectQueueStored, txid); err != nil {
			return err
		}
	}

	rows, err := tx.Query(
		`SELECT process, kind FROM process_objects WHERE object = ? ORDER BY process, kind`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	type edge struct {
		process string
		kind    int
	}
	var edges []edge
	for rows.Next() {
		var e edge
		if err := rows.Scan(&e.process, &e.kind); err != nil {
			return err
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, e := range edges {
		queueKind, ok := processQueueKindFor(e.kind)
		if !ok {
			continue
		}
		if err := enqueueProcess(tx, e.process, queueKind, txid); err != nil {
			return err
		}
	}
	return nil
}

// processQueueKindFor maps a process_objects kind to the process_queue lane
// that recomputes the matching tree.
func processQueueKindFor(objectKind int) (int, bool) {
	switch objectKind {
	case ProcessObjectCommand:
		return ProcessQueueCommand, true
	case ProcessObjectLog:
		return ProcessQueueLog, true
	case ProcessObjectOutput:
		return ProcessQueueOutput, true
	default:
		return 0, false
	}
}

func queryStrings(tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}
