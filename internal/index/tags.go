package index

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cairnstore/cairn/internal/ids"
)

// PutTag binds a tag to an item, displacing any previous binding and
// adjusting both reference counts atomically.
func (s *Store) PutTag(ctx context.Context, tag string, item ids.ID) error {
	return s.HandleMessages(ctx, &Message{PutTags: []TagPut{{Tag: tag, Item: item}}})
}

// DeleteTag removes a tag binding. Deleting an absent tag is a no-op.
func (s *Store) DeleteTag(ctx context.Context, tag string) error {
	return s.HandleMessages(ctx, &Message{DeleteTags: []string{tag}})
}

// IngestWithRetry runs HandleMessages, retrying transient database errors
// with exponential backoff. Validation and integrity errors are permanent
// and surface immediately.
func (s *Store) IngestWithRetry(ctx context.Context, msg *Message) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error {
		err := s.HandleMessages(ctx, msg)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			s.logger.Warn("retrying ingest after transient error", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx))
}

// isTransient recognizes database-contention errors worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
