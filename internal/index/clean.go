package index

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/cairnstore/cairn/internal/ids"
)

// CleanResult reports what one Clean call reclaimed.
type CleanResult struct {
	CacheEntries []ids.ID
	Objects      []ids.ID
	Processes    []ids.ID
	Bytes        int64
}

// Deleted returns the total number of deleted rows.
func (r *CleanResult) Deleted() int {
	return len(r.CacheEntries) + len(r.Objects) + len(r.Processes)
}

// Clean removes rows with a zero reference count whose touched_at is at or
// before maxTouchedAt, up to batch rows, visiting cache entries, then
// objects, then processes. Every candidate's reference count is recomputed
// from scratch under the transaction before deletion, which closes the race
// against a concurrent tag put or edge insertion resurrecting it.
func (s *Store) Clean(ctx context.Context, maxTouchedAt time.Time, batch int) (*CleanResult, error) {
	result := &CleanResult{}
	if batch <= 0 {
		return result, nil
	}
	threshold := millis(maxTouchedAt)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		*result = CleanResult{}

		deleted, err := cleanCacheEntries(tx, threshold, batch)
		if err != nil {
			return err
		}
		result.CacheEntries = deleted

		objects, bytes, err := cleanObjects(tx, threshold, batch-result.Deleted())
		if err != nil {
			return err
		}
		result.Objects = objects
		result.Bytes = bytes

		processes, err := cleanProcesses(tx, threshold, batch-result.Deleted())
		if err != nil {
			return err
		}
		result.Processes = processes
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Deleted() > 0 {
		s.logger.Info("clean reclaimed rows",
			"cache_entries", len(result.CacheEntries),
			"objects", len(result.Objects),
			"processes", len(result.Processes),
			"bytes", result.Bytes)
	}
	return result, nil
}

func candidates(tx *sql.Tx, table string, threshold int64, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := tx.Query(
		`SELECT id FROM `+table+`
		 WHERE reference_count = 0 AND touched_at <= ?
		 ORDER BY id LIMIT ?`, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func cleanCacheEntries(tx *sql.Tx, threshold int64, limit int) ([]ids.ID, error) {
	selected, err := candidates(tx, "cache_entries", threshold, limit)
	if err != nil {
		return nil, err
	}

	var deleted []ids.ID
	for _, id := range selected {
		var count int64
		if err := tx.QueryRow(
			`SELECT (SELECT COUNT(*) FROM objects WHERE cache_entry = ?)
			      + (SELECT COUNT(*) FROM tags WHERE item = ?)`,
			id, id).Scan(&count); err != nil {
			return nil, err
		}
		if count != 0 {
			continue
		}
		if _, err := tx.Exec(`DELETE FROM cache_entries WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete cache entry %s: %w", id, err)
		}
		parsed, err := ids.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: cache entry id %q: %v", ErrIntegrity, id, err)
		}
		deleted = append(deleted, parsed)
	}
	return deleted, nil
}

func cleanObjects(tx *sql.Tx, threshold int64, limit int) ([]ids.ID, int64, error) {
	selected, err := candidates(tx, "objects", threshold, limit)
	if err != nil {
		return nil, 0, err
	}

	var (
		deleted []ids.ID
		bytes   int64
	)
	for _, id := range selected {
		var count int64
		if err := tx.QueryRow(
			`SELECT (SELECT COUNT(*) FROM object_children WHERE child = ?)
			      + (SELECT COUNT(*) FROM process_objects WHERE object = ?)
			      + (SELECT COUNT(*) FROM tags WHERE item = ?)`,
			id, id, id).Scan(&count); err != nil {
			return nil, 0, err
		}
		if count != 0 {
			continue
		}

		var (
			nodeSize   int64
			cacheEntry sql.NullString
		)
		if err := tx.QueryRow(
			`SELECT node_size, cache_entry FROM objects WHERE id = ?`, id).
			Scan(&nodeSize, &cacheEntry); err != nil {
			return nil, 0, err
		}

		children, err := queryStrings(tx,
			`SELECT child FROM object_children WHERE object = ? ORDER BY child`, id)
		if err != nil {
			return nil, 0, err
		}

		if _, err := tx.Exec(`DELETE FROM object_children WHERE object = ?`, id); err != nil {
			return nil, 0, fmt.Errorf("delete children of %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM objects WHERE id = ?`, id); err != nil {
			return nil, 0, fmt.Errorf("delete object %s: %w", id, err)
		}

		if err := decrementRows(tx, "objects", children); err != nil {
			return nil, 0, err
		}
		if cacheEntry.Valid {
			if err := decrementRows(tx, "cache_entries", []string{cacheEntry.String}); err != nil {
				return nil, 0, err
			}
		}

		parsed, err := ids.Parse(id)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: object id %q: %v", ErrIntegrity, id, err)
		}
		deleted = append(deleted, parsed)
		bytes += nodeSize
	}
	return deleted, bytes, nil
}

func cleanProcesses(tx *sql.Tx, threshold int64, limit int) ([]ids.ID, error) {
	selected, err := candidates(tx, "processes", threshold, limit)
	if err != nil {
		return nil, err
	}

	var deleted []ids.ID
	for _, id := range selected {
		var count int64
		if err := tx.QueryRow(
			`SELECT (SELECT COUNT(*) FROM process_children WHERE child = ?)
			      + (SELECT COUNT(*) FROM tags WHERE item = ?)`,
			id, id).Scan(&count); err != nil {
			return nil, err
		}
		if count != 0 {
			continue
		}

		children, err := queryStrings(tx,
			`SELECT child FROM process_children WHERE process = ? ORDER BY child`, id)
		if err != nil {
			return nil, err
		}
		objects, err := queryStrings(tx,
			`SELECT object FROM process_objects WHERE process = ? ORDER BY object`, id)
		if err != nil {
			return nil, err
		}

		if _, err := tx.Exec(`DELETE FROM process_children WHERE process = ?`, id); err != nil {
			return nil, fmt.Errorf("delete children of %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM process_objects WHERE process = ?`, id); err != nil {
			return nil, fmt.Errorf("delete object edges of %s: %w", id, err)
		}
		if _, err := tx.Exec(`DELETE FROM processes WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("delete process %s: %w", id, err)
		}

		if err := decrementRows(tx, "processes", children); err != nil {
			return nil, err
		}
		if err := decrementRows(tx, "objects", objects); err != nil {
			return nil, err
		}

		parsed, err := ids.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("%w: process id %q: %v", ErrIntegrity, id, err)
		}
		deleted = append(deleted, parsed)
	}
	return deleted, nil
}

// decrementRows decrements already-computed reference counts of the given
// rows in id-sorted order. Duplicates decrement once per occurrence, which
// matches one edge row each.
func decrementRows(tx *sql.Tx, table string, rowIDs []string) error {
	rowIDs = append([]string(nil), rowIDs...)
	sort.Strings(rowIDs)
	for _, id := range rowIDs {
		if _, err := tx.Exec(
			`UPDATE `+table+` SET reference_count = reference_count - 1
			 WHERE id = ? AND reference_count IS NOT NULL`,
			id); err != nil {
			return fmt.Errorf("decrement reference count of %s: %w", id, err)
		}
	}
	return nil
}
