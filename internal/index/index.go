// Package index implements the transactional store tracking objects,
// processes, cache entries, and tags, together with the background
// propagation of reference counts and subtree rollups and the garbage
// collector.
//
// The store is realized over SQLite. Every mutation path goes through the
// same transactional API; within each procedure rows are visited in id
// order, which is the invariant that keeps ingest, propagation, and cleanup
// from deadlocking against each other on engines with row locks.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "modernc.org/sqlite"

	"github.com/cairnstore/cairn/internal/ids"
)

//go:embed schema.sql
var schemaSQL string

// Queue kind codes. These are wire-level values and must not be renumbered.
const (
	// object_queue
	ObjectQueueReferenceCount = 0
	ObjectQueueStored         = 1

	// process_queue
	ProcessQueueReferenceCount = 0
	ProcessQueueChildren       = 1
	ProcessQueueCommand        = 2
	ProcessQueueOutput         = 3
	ProcessQueueLog            = 4

	// process_objects
	ProcessObjectCommand = 0
	ProcessObjectLog     = 2
	ProcessObjectOutput  = 3
)

// Errors surfaced by the store.
var (
	ErrNotFound  = errors.New("not found")
	ErrIntegrity = errors.New("integrity error")
)

// Store is the index over one SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the index database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)"+
		"&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}

	// SQLite handles concurrent writers poorly; serialize them here.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside one transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// transactionID reads the current monotone transaction counter.
func transactionID(tx *sql.Tx) (int64, error) {
	var value int64
	if err := tx.QueryRow(`SELECT value FROM transaction_id WHERE id = 0`).Scan(&value); err != nil {
		return 0, fmt.Errorf("read transaction id: %w", err)
	}
	return value, nil
}

func bumpTransactionID(tx *sql.Tx, value int64) error {
	if _, err := tx.Exec(`UPDATE transaction_id SET value = ? WHERE id = 0`, value); err != nil {
		return fmt.Errorf("bump transaction id: %w", err)
	}
	return nil
}

// millis converts a timestamp to the stored unix-millisecond form.
func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// SubtreeMetadata is the rolled-up subtree tuple of an object.
type SubtreeMetadata struct {
	Stored bool
	Count  *int64
	Depth  *int64
	Size   *int64
}

// ObjectMetadata is the stored metadata of one object row.
type ObjectMetadata struct {
	ID             ids.ID
	CacheEntry     *ids.ID
	NodeSize       int64
	ReferenceCount *int64
	Subtree        SubtreeMetadata
	TouchedAt      time.Time
}

// ObjectMetadata returns the metadata tuple for a stored object.
func (s *Store) ObjectMetadata(ctx context.Context, id ids.ID) (*ObjectMetadata, error) {
	var (
		meta       ObjectMetadata
		cacheEntry sql.NullString
		refCount   sql.NullInt64
		count      sql.NullInt64
		depth      sql.NullInt64
		size       sql.NullInt64
		stored     bool
		touchedAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_entry, node_size, reference_count,
		        subtree_count, subtree_depth, subtree_size, subtree_stored, touched_at
		 FROM objects WHERE id = ?`, id.String()).
		Scan(&cacheEntry, &meta.NodeSize, &refCount, &count, &depth, &size, &stored, &touchedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	meta.ID = id
	if cacheEntry.Valid {
		entry, err := ids.Parse(cacheEntry.String)
		if err != nil {
			return nil, fmt.Errorf("%w: object %s cache entry: %v", ErrIntegrity, id, err)
		}
		meta.CacheEntry = &entry
	}
	if refCount.Valid {
		meta.ReferenceCount = &refCount.Int64
	}
	meta.Subtree = SubtreeMetadata{Stored: stored}
	if count.Valid {
		meta.Subtree.Count = &count.Int64
	}
	if depth.Valid {
		meta.Subtree.Depth = &depth.Int64
	}
	if size.Valid {
		meta.Subtree.Size = &size.Int64
	}
	meta.TouchedAt = time.UnixMilli(touchedAt)
	return &meta, nil
}

// ProcessMetadata is the stored metadata of one process row.
type ProcessMetadata struct {
	ID             ids.ID
	ReferenceCount *int64
	SubtreeStored  bool
	SubtreeCount   *int64
	Command        SubtreeMetadata
	Log            SubtreeMetadata
	Output         SubtreeMetadata
	TouchedAt      time.Time
}

// ProcessMetadata returns the rolled-up metadata for a stored process.
func (s *Store) ProcessMetadata(ctx context.Context, id ids.ID) (*ProcessMetadata, error) {
	var (
		meta      ProcessMetadata
		refCount  sql.NullInt64
		count     sql.NullInt64
		touchedAt int64
		lanes     [3]struct {
			stored           sql.NullBool
			count, depth, sz sql.NullInt64
		}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT reference_count, subtree_stored, subtree_count,
		        subtree_command_stored, subtree_command_count, subtree_command_depth, subtree_command_size,
		        subtree_log_stored, subtree_log_count, subtree_log_depth, subtree_log_size,
		        subtree_output_stored, subtree_output_count, subtree_output_depth, subtree_output_size,
		        touched_at
		 FROM processes WHERE id = ?`, id.String()).
		Scan(&refCount, &meta.SubtreeStored, &count,
			&lanes[0].stored, &lanes[0].count, &lanes[0].depth, &lanes[0].sz,
			&lanes[1].stored, &lanes[1].count, &lanes[1].depth, &lanes[1].sz,
			&lanes[2].stored, &lanes[2].count, &lanes[2].depth, &lanes[2].sz,
			&touchedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("process %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	meta.ID = id
	if refCount.Valid {
		meta.ReferenceCount = &refCount.Int64
	}
	if count.Valid {
		meta.SubtreeCount = &count.Int64
	}
	for i, dst := range []*SubtreeMetadata{&meta.Command, &meta.Log, &meta.Output} {
		dst.Stored = lanes[i].stored.Valid && lanes[i].stored.Bool
		if lanes[i].count.Valid {
			dst.Count = &lanes[i].count.Int64
		}
		if lanes[i].depth.Valid {
			dst.Depth = &lanes[i].depth.Int64
		}
		if lanes[i].sz.Valid {
			dst.Size = &lanes[i].sz.Int64
		}
	}
	meta.TouchedAt = time.UnixMilli(touchedAt)
	return &meta, nil
}

// GetTag resolves a tag to the item it is bound to.
func (s *Store) GetTag(ctx context.Context, tag string) (ids.ID, error) {
	var item string
	err := s.db.QueryRowContext(ctx, `SELECT item FROM tags WHERE tag = ?`, tag).Scan(&item)
	if err == sql.ErrNoRows {
		return ids.ID{}, fmt.Errorf("tag %q: %w", tag, ErrNotFound)
	}
	if err != nil {
		return ids.ID{}, err
	}
	id, err := ids.Parse(item)
	if err != nil {
		return ids.ID{}, fmt.Errorf("%w: tag %q item: %v", ErrIntegrity, tag, err)
	}
	return id, nil
}

// ListTags returns all tag bindings ordered by tag.
func (s *Store) ListTags(ctx context.Context) (map[string]ids.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tag, item FROM tags ORDER BY tag`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]ids.ID)
	for rows.Next() {
		var tag, item string
		if err := rows.Scan(&tag, &item); err != nil {
			return nil, err
		}
		id, err := ids.Parse(item)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q item: %v", ErrIntegrity, tag, err)
		}
		out[tag] = id
	}
	return out, rows.Err()
}

// HasObject reports whether an object row exists.
func (s *Store) HasObject(ctx context.Context, id ids.ID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM objects WHERE id = ?`, id.String()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// QueueDepth returns the number of pending rows across the three work
// queues. A zero depth with no in-flight messages is quiescence.
func (s *Store) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM object_queue)
		      + (SELECT COUNT(*) FROM process_queue)
		      + (SELECT COUNT(*) FROM cache_entry_queue)`).Scan(&depth)
	return depth, err
}

// deadLetter moves a poisoned queue item into the dead-letter table.
func deadLetter(tx *sql.Tx, logger *slog.Logger, queue, item string, kind int, reason error) error {
	logger.Warn("dead-lettering queue row",
		"queue", queue, "item", item, "kind", kind, "reason", reason)
	_, err := tx.Exec(
		`INSERT INTO dead_letters (queue, item, kind, reason, created_at) VALUES (?, ?, ?, ?, ?)`,
		queue, item, kind, reason.Error(), millis(time.Now()))
	return err
}
