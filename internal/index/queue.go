package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// laneSpec describes one of the three per-kind process trees: which
// process_queue lane recomputes it, which process_objects kind feeds it, and
// the column prefix it rolls up into.
type laneSpec struct {
	queueKind  int
	objectKind int
	column     string
}

var processLanes = map[int]laneSpec{
	ProcessQueueCommand: {ProcessQueueCommand, ProcessObjectCommand, "command"},
	ProcessQueueOutput:  {ProcessQueueOutput, ProcessObjectOutput, "output"},
	ProcessQueueLog:     {ProcessQueueLog, ProcessObjectLog, "log"},
}

// HandleQueue processes up to n queued work items in one transaction and
// returns how many queue rows it consumed. Dispatch order is fixed: object
// subtree/storage propagation, then process subtree propagation, then
// reference-count recomputation. A return of zero means the call was a
// no-op.
func (s *Store) HandleQueue(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	var progress int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		progress = 0
		current, err := transactionID(tx)
		if err != nil {
			return err
		}
		txid := current + 1

		did, err := s.handleObjectStored(tx, n-progress, txid)
		if err != nil {
			return err
		}
		progress += did

		did, err = s.handleProcessSubtrees(tx, n-progress, txid)
		if err != nil {
			return err
		}
		progress += did

		did, err = s.handleReferenceCounts(tx, n-progress, txid)
		if err != nil {
			return err
		}
		progress += did

		if progress == 0 {
			return nil
		}
		return bumpTransactionID(tx, txid)
	})
	if err != nil {
		return 0, err
	}
	return progress, nil
}

type queueRow struct {
	rowID int64
	item  string
	kind  int
}

func dequeue(tx *sql.Tx, query string, limit int, args ...any) ([]queueRow, error) {
	if limit <= 0 {
		return nil, nil
	}
	args = append(args, limit)
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queueRow
	for rows.Next() {
		var row queueRow
		if err := rows.Scan(&row.rowID, &row.item, &row.kind); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// handleObjectStored drains object_queue kind=1 rows: recompute each
// object's four subtree metrics from its children and cascade transitions.
func (s *Store) handleObjectStored(tx *sql.Tx, limit int, txid int64) (int, error) {
	rows, err := dequeue(tx,
		`SELECT id, object, kind FROM object_queue WHERE kind = ?
		 ORDER BY object LIMIT ?`, limit, ObjectQueueStored)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if _, err := tx.Exec(`DELETE FROM object_queue WHERE id = ?`, row.rowID); err != nil {
			return 0, err
		}
		if err := s.recomputeObjectSubtree(tx, row.item, txid); err != nil {
			if isPoison(err) {
				if dlErr := deadLetter(tx, s.logger, "object_queue", row.item, row.kind, err); dlErr != nil {
					return 0, dlErr
				}
				continue
			}
			return 0, err
		}
	}
	return len(rows), nil
}

func (s *Store) recomputeObjectSubtree(tx *sql.Tx, id string, txid int64) error {
	var (
		nodeSize int64
		stored   bool
	)
	err := tx.QueryRow(`SELECT node_size, subtree_stored FROM objects WHERE id = ?`, id).
		Scan(&nodeSize, &stored)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: queued object %s has no row", ErrIntegrity, id)
	}
	if err != nil {
		return err
	}
	if stored {
		return nil
	}

	children, err := queryStrings(tx,
		`SELECT child FROM object_children WHERE object = ? ORDER BY child`, id)
	if err != nil {
		return err
	}

	var (
		count, depth, size int64
	)
	for _, child := range children {
		var (
			childStored                     bool
			childCount, childDepth, childSz sql.NullInt64
		)
		err := tx.QueryRow(
			`SELECT subtree_stored, subtree_count, subtree_depth, subtree_size
			 FROM objects WHERE id = ?`, child).
			Scan(&childStored, &childCount, &childDepth, &childSz)
		if err == sql.ErrNoRows || (err == nil && !childStored) {
			// Not ready: the child's own transition re-enqueues this object.
			return nil
		}
		if err != nil {
			return err
		}
		if !childCount.Valid || !childDepth.Valid || !childSz.Valid {
			return fmt.Errorf("%w: object %s is stored without rollups", ErrIntegrity, child)
		}
		count += childCount.Int64
		if childDepth.Int64 > depth {
			depth = childDepth.Int64
		}
		size += childSz.Int64
	}

	if _, err := tx.Exec(
		`UPDATE objects SET subtree_stored = 1, subtree_count = ?, subtree_depth = ?, subtree_size = ?
		 WHERE id = ?`,
		1+count, 1+depth, nodeSize+size, id); err != nil {
		return fmt.Errorf("store object subtree %s: %w", id, err)
	}
	return enqueueObjectDependents(tx, id, txid)
}

// handleProcessSubtrees drains process_queue kinds 1-4: the overall
// children rollup and the three per-kind trees.
func (s *Store) handleProcessSubtrees(tx *sql.Tx, limit int, txid int64) (int, error) {
	rows, err := dequeue(tx,
		`SELECT id, process, kind FROM process_queue WHERE kind BETWEEN ? AND ?
		 ORDER BY process, kind LIMIT ?`, limit, ProcessQueueChildren, ProcessQueueLog)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if _, err := tx.Exec(`DELETE FROM process_queue WHERE id = ?`, row.rowID); err != nil {
			return 0, err
		}
		var handleErr error
		if row.kind == ProcessQueueChildren {
			handleErr = s.recomputeProcessChildren(tx, row.item, txid)
		} else {
			handleErr = s.recomputeProcessLane(tx, row.item, processLanes[row.kind], txid)
		}
		if handleErr != nil {
			if isPoison(handleErr) {
				if dlErr := deadLetter(tx, s.logger, "process_queue", row.item, row.kind, handleErr); dlErr != nil {
					return 0, dlErr
				}
				continue
			}
			return 0, handleErr
		}
	}
	return len(rows), nil
}

func (s *Store) recomputeProcessChildren(tx *sql.Tx, id string, txid int64) error {
	var stored bool
	err := tx.QueryRow(`SELECT subtree_stored FROM processes WHERE id = ?`, id).Scan(&stored)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: queued process %s has no row", ErrIntegrity, id)
	}
	if err != nil {
		return err
	}
	if stored {
		return nil
	}

	children, err := queryStrings(tx,
		`SELECT child FROM process_children WHERE process = ? ORDER BY child`, id)
	if err != nil {
		return err
	}

	var count int64
	for _, child := range children {
		var (
			childStored bool
			childCount  sql.NullInt64
		)
		err := tx.QueryRow(
			`SELECT subtree_stored, subtree_count FROM processes WHERE id = ?`, child).
			Scan(&childStored, &childCount)
		if err == sql.ErrNoRows || (err == nil && !childStored) {
			return nil
		}
		if err != nil {
			return err
		}
		if !childCount.Valid {
			return fmt.Errorf("%w: process %s is stored without a subtree count", ErrIntegrity, child)
		}
		count += childCount.Int64
	}

	if _, err := tx.Exec(
		`UPDATE processes SET subtree_stored = 1, subtree_count = ? WHERE id = ?`,
		1+count, id); err != nil {
		return fmt.Errorf("store process subtree %s: %w", id, err)
	}
	return enqueueProcessParents(tx, id, ProcessQueueChildren, txid)
}

// recomputeProcessLane rolls up one of the command/log/output trees: the
// process's own node rollup over its process_objects of the matching kind,
// combined with every child process's rollup of the same lane.
func (s *Store) recomputeProcessLane(tx *sql.Tx, id string, lane laneSpec, txid int64) error {
	col := lane.column
	var (
		laneStored                     sql.NullBool
		nodeStored                     sql.NullBool
		nodeCount, nodeDepth, nodeSize sql.NullInt64
	)
	err := tx.QueryRow(
		`SELECT subtree_`+col+`_stored, node_`+col+`_stored,
		        node_`+col+`_count, node_`+col+`_depth, node_`+col+`_size
		 FROM processes WHERE id = ?`, id).
		Scan(&laneStored, &nodeStored, &nodeCount, &nodeDepth, &nodeSize)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: queued process %s has no row", ErrIntegrity, id)
	}
	if err != nil {
		return err
	}
	if laneStored.Valid && laneStored.Bool {
		return nil
	}

	// Node rollup first: every object of this lane's kind must be stored.
	if !nodeStored.Valid || !nodeStored.Bool {
		objects, err := queryStrings(tx,
			`SELECT object FROM process_objects WHERE process = ? AND kind = ? ORDER BY object`,
			id, lane.objectKind)
		if err != nil {
			return err
		}
		var count, depth, size int64
		for _, object := range objects {
			var (
				objStored                   bool
				objCount, objDepth, objSize sql.NullInt64
			)
			err := tx.QueryRow(
				`SELECT subtree_stored, subtree_count, subtree_depth, subtree_size
				 FROM objects WHERE id = ?`, object).
				Scan(&objStored, &objCount, &objDepth, &objSize)
			if err == sql.ErrNoRows || (err == nil && !objStored) {
				return nil
			}
			if err != nil {
				return err
			}
			if !objCount.Valid || !objDepth.Valid || !objSize.Valid {
				return fmt.Errorf("%w: object %s is stored without rollups", ErrIntegrity, object)
			}
			count += objCount.Int64
			if objDepth.Int64 > depth {
				depth = objDepth.Int64
			}
			size += objSize.Int64
		}
		if _, err := tx.Exec(
			`UPDATE processes SET node_`+col+`_stored = 1, node_`+col+`_count = ?,
			   node_`+col+`_depth = ?, node_`+col+`_size = ? WHERE id = ?`,
			count, depth, size, id); err != nil {
			return fmt.Errorf("store process node rollup %s: %w", id, err)
		}
		nodeCount = sql.NullInt64{Int64: count, Valid: true}
		nodeDepth = sql.NullInt64{Int64: depth, Valid: true}
		nodeSize = sql.NullInt64{Int64: size, Valid: true}
	}

	children, err := queryStrings(tx,
		`SELECT child FROM process_children WHERE process = ? ORDER BY child`, id)
	if err != nil {
		return err
	}
	count, depth, size := nodeCount.Int64, nodeDepth.Int64, nodeSize.Int64
	for _, child := range children {
		var (
			childStored                       sql.NullBool
			childCount, childDepth, childSize sql.NullInt64
		)
		err := tx.QueryRow(
			`SELECT subtree_`+col+`_stored, subtree_`+col+`_count,
			        subtree_`+col+`_depth, subtree_`+col+`_size
			 FROM processes WHERE id = ?`, child).
			Scan(&childStored, &childCount, &childDepth, &childSize)
		if err == sql.ErrNoRows || (err == nil && (!childStored.Valid || !childStored.Bool)) {
			return nil
		}
		if err != nil {
			return err
		}
		if !childCount.Valid || !childDepth.Valid || !childSize.Valid {
			return fmt.Errorf("%w: process %s lane %s is stored without rollups", ErrIntegrity, child, col)
		}
		count += childCount.Int64
		if childDepth.Int64 > depth {
			depth = childDepth.Int64
		}
		size += childSize.Int64
	}

	if _, err := tx.Exec(
		`UPDATE processes SET subtree_`+col+`_stored = 1, subtree_`+col+`_count = ?,
		   subtree_`+col+`_depth = ?, subtree_`+col+`_size = ? WHERE id = ?`,
		count, depth, size, id); err != nil {
		return fmt.Errorf("store process lane rollup %s: %w", id, err)
	}
	return enqueueProcessParents(tx, id, lane.queueKind, txid)
}

// handleReferenceCounts drains the three reference-count lanes: object and
// process kind-0 rows and the cache-entry queue. Each dequeued id gets an
// authoritative recount; edges from freshly put parents to already-counted
// children are folded in by the correction pass.
func (s *Store) handleReferenceCounts(tx *sql.Tx, limit int, txid int64) (int, error) {
	total := 0

	rows, err := dequeue(tx,
		`SELECT id, object, kind FROM object_queue WHERE kind = ?
		 ORDER BY object LIMIT ?`, limit, ObjectQueueReferenceCount)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if _, err := tx.Exec(`DELETE FROM object_queue WHERE id = ?`, row.rowID); err != nil {
			return 0, err
		}
		if err := s.recountObject(tx, row.item, txid); err != nil {
			if isPoison(err) {
				if dlErr := deadLetter(tx, s.logger, "object_queue", row.item, row.kind, err); dlErr != nil {
					return 0, dlErr
				}
				continue
			}
			return 0, err
		}
	}
	total += len(rows)

	rows, err = dequeue(tx,
		`SELECT id, process, kind FROM process_queue WHERE kind = ?
		 ORDER BY process LIMIT ?`, limit-total, ProcessQueueReferenceCount)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		if _, err := tx.Exec(`DELETE FROM process_queue WHERE id = ?`, row.rowID); err != nil {
			return 0, err
		}
		if err := s.recountProcess(tx, row.item, txid); err != nil {
			if isPoison(err) {
				if dlErr := deadLetter(tx, s.logger, "process_queue", row.item, row.kind, err); dlErr != nil {
					return 0, dlErr
				}
				continue
			}
			return 0, err
		}
	}
	total += len(rows)

	entries, err := dequeue(tx,
		`SELECT id, cache_entry, 0 FROM cache_entry_queue
		 ORDER BY cache_entry LIMIT ?`, limit-total)
	if err != nil {
		return 0, err
	}
	for _, row := range entries {
		if _, err := tx.Exec(`DELETE FROM cache_entry_queue WHERE id = ?`, row.rowID); err != nil {
			return 0, err
		}
		if err := recountCacheEntry(tx, row.item, txid); err != nil {
			if isPoison(err) {
				if dlErr := deadLetter(tx, s.logger, "cache_entry_queue", row.item, 0, err); dlErr != nil {
					return 0, dlErr
				}
				continue
			}
			return 0, err
		}
	}
	total += len(entries)

	return total, nil
}

func (s *Store) recountObject(tx *sql.Tx, id string, txid int64) error {
	var (
		rowTxid    int64
		cacheEntry sql.NullString
	)
	err := tx.QueryRow(`SELECT transaction_id, cache_entry FROM objects WHERE id = ?`, id).
		Scan(&rowTxid, &cacheEntry)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: queued object %s has no row", ErrIntegrity, id)
	}
	if err != nil {
		return err
	}

	var count int64
	if err := tx.QueryRow(
		`SELECT (SELECT COUNT(*) FROM object_children WHERE child = ?)
		      + (SELECT COUNT(*) FROM process_objects WHERE object = ?)
		      + (SELECT COUNT(*) FROM tags WHERE item = ?)`,
		id, id, id).Scan(&count); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE objects SET reference_count = ?, reference_count_transaction_id = ? WHERE id = ?`,
		count, txid, id); err != nil {
		return err
	}

	// Fold this object's edges into children counted before it arrived.
	children, err := queryStrings(tx,
		`SELECT child FROM object_children WHERE object = ? ORDER BY child`, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if _, err := tx.Exec(
			`UPDATE objects SET reference_count = reference_count + 1
			 WHERE id = ? AND reference_count IS NOT NULL AND reference_count_transaction_id < ?`,
			child, rowTxid); err != nil {
			return err
		}
	}
	if cacheEntry.Valid {
		if _, err := tx.Exec(
			`UPDATE cache_entries SET reference_count = reference_count + 1
			 WHERE id = ? AND reference_count IS NOT NULL AND reference_count_transaction_id < ?`,
			cacheEntry.String, rowTxid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) recountProcess(tx *sql.Tx, id string, txid int64) error {
	var rowTxid int64
	err := tx.QueryRow(`SELECT transaction_id FROM processes WHERE id = ?`, id).Scan(&rowTxid)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: queued process %s has no row", ErrIntegrity, id)
	}
	if err != nil {
		return err
	}

	var count int64
	if err := tx.QueryRow(
		`SELECT (SELECT COUNT(*) FROM process_children WHERE child = ?)
		      + (SELECT COUNT(*) FROM tags WHERE item = ?)`,
		id, id).Scan(&count); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE processes SET reference_count = ?, reference_count_transaction_id = ? WHERE id = ?`,
		count, txid, id); err != nil {
		return err
	}

	children, err := queryStrings(tx,
		`SELECT child FROM process_children WHERE process = ? ORDER BY child`, id)
	if err != nil {
		return err
	}
	for _, child := range children {
		if _, err := tx.Exec(
			`UPDATE processes SET reference_count = reference_count + 1
			 WHERE id = ? AND reference_count IS NOT NULL AND reference_count_transaction_id < ?`,
			child, rowTxid); err != nil {
			return err
		}
	}

	objects, err := queryStrings(tx,
		`SELECT DISTINCT object FROM process_objects WHERE process = ? ORDER BY object`, id)
	if err != nil {
		return err
	}
	for _, object := range objects {
		var edges int64
		if err := tx.QueryRow(
			`SELECT COUNT(*) FROM process_objects WHERE process = ? AND object = ?`,
			id, object).Scan(&edges); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE objects SET reference_count = reference_count + ?
			 WHERE id = ? AND reference_count IS NOT NULL AND reference_count_transaction_id < ?`,
			edges, object, rowTxid); err != nil {
			return err
		}
	}
	return nil
}

func recountCacheEntry(tx *sql.Tx, id string, txid int64) error {
	var one int
	err := tx.QueryRow(`SELECT 1 FROM cache_entries WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: queued cache entry %s has no row", ErrIntegrity, id)
	}
	if err != nil {
		return err
	}

	var count int64
	if err := tx.QueryRow(
		`SELECT (SELECT COUNT(*) FROM objects WHERE cache_entry = ?)
		      + (SELECT COUNT(*) FROM tags WHERE item = ?)`,
		id, id).Scan(&count); err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE cache_entries SET reference_count = ?, reference_count_transaction_id = ? WHERE id = ?`,
		count, txid, id)
	return err
}

// isPoison reports whether an error should poison the single queue row
// rather than abort the batch.
func isPoison(err error) bool {
	return errors.Is(err, ErrIntegrity)
}
