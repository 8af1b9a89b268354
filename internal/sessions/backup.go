package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ArchiveObserver is told about every archived session.
type ArchiveObserver interface {
	ObserveSessionArchive(originalBytes, compressedBytes int64)
}

// Backup moves device session directories between disk and the Store.
type Backup struct {
	archiver *Archiver
	store    *Store
	observer ArchiveObserver
	logger   *slog.Logger
}

// NewBackup creates a Backup. observer may be nil.
func NewBackup(archiver *Archiver, store *Store, observer ArchiveObserver, logger *slog.Logger) *Backup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backup{
		archiver: archiver,
		store:    store,
		observer: observer,
		logger:   logger.With("component", "session-backup"),
	}
}

// Restore unpacks the stored session of userID into dir. It reports false
// when nothing is stored.
func (b *Backup) Restore(ctx context.Context, userID, dir string) (bool, error) {
	data, err := b.store.LoadSession(ctx, userID)
	if errors.Is(err, ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := b.archiver.Restore(ctx, data, dir); err != nil {
		return false, fmt.Errorf("restore session for %s: %w", userID, err)
	}
	if !HasValidSession(dir) {
		b.logger.Warn("restored session has no device store", "user_id", userID)
	}
	return true, nil
}

// Save archives dir and stores it for userID.
func (b *Backup) Save(ctx context.Context, userID, dir, phone string) error {
	arc, err := b.archiver.Archive(ctx, dir)
	if err != nil {
		return err
	}
	if err := b.store.SaveArchive(ctx, userID, arc, phone); err != nil {
		return err
	}
	if b.observer != nil {
		b.observer.ObserveSessionArchive(arc.OriginalSize, arc.CompressedSize)
	}
	return nil
}

// Touch records activity on the stored session of userID.
func (b *Backup) Touch(ctx context.Context, userID string) error {
	return b.store.Touch(ctx, userID)
}

// Forget deletes the stored session of userID.
func (b *Backup) Forget(ctx context.Context, userID string) error {
	return b.store.DeleteSession(ctx, userID)
}
