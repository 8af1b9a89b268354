package sessions

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// ErrNoSession is returned when neither the cache nor the durable store
// holds a session for the user.
var ErrNoSession = errors.New("no stored session")

// DefaultCleanupDays is how long a session may stay inactive before cleanup.
const DefaultCleanupDays = 30

const cacheSuffix = ".session"

// Backend is the durable side of the store. storage.SessionRecordStore and
// S3Backend both satisfy it; missing records are storage.ErrNotFound.
type Backend interface {
	Get(ctx context.Context, userID string) (*models.SessionRecord, error)
	Upsert(ctx context.Context, rec *models.SessionRecord) error
	Delete(ctx context.Context, userID string) error
	Touch(ctx context.Context, userID string, at time.Time) error
	ListInactiveSince(ctx context.Context, cutoff time.Time) ([]*models.SessionRecord, error)
}

// StoreConfig configures a Store.
type StoreConfig struct {
	// CacheDir holds one <userID>.session file per user.
	CacheDir string
	Backend  Backend
	Logger   *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store keeps session strings in a durable backend with a local file cache.
// The cache answers reads; the backend is the source of truth across hosts.
type Store struct {
	cacheDir string
	backend  Backend
	lock     *CacheLock
	logger   *slog.Logger
	now      func() time.Time
}

// Stats summarises the store.
type Stats struct {
	CachedSessions int   `json:"cached_sessions"`
	CacheBytes     int64 `json:"cache_bytes"`
}

// NewStore creates a Store, creating the cache directory if needed.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("session backend is required")
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join("data", "session-cache")
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		cacheDir: cfg.CacheDir,
		backend:  cfg.Backend,
		lock:     NewCacheLock(cfg.CacheDir),
		logger:   cfg.Logger.With("component", "session-store"),
		now:      cfg.Now,
	}, nil
}

// SaveSession stores data for userID in the backend (compressed) and mirrors
// the raw string into the cache.
func (s *Store) SaveSession(ctx context.Context, userID, data, phone string) error {
	return s.save(ctx, userID, data, phone, models.SessionMetadata{})
}

// SaveArchive stores a packed session directory along with its size metadata.
func (s *Store) SaveArchive(ctx context.Context, userID string, arc *Archive, phone string) error {
	return s.save(ctx, userID, arc.Data, phone, models.SessionMetadata{
		ArchivedAt:       arc.ArchivedAt,
		OriginalSize:     arc.OriginalSize,
		CompressedSize:   arc.CompressedSize,
		CompressionRatio: arc.Ratio,
	})
}

func (s *Store) save(ctx context.Context, userID, data, phone string, meta models.SessionMetadata) error {
	if err := validUserID(userID); err != nil {
		return err
	}
	compressed, err := compress(data)
	if err != nil {
		return fmt.Errorf("compress session: %w", err)
	}
	now := s.now()
	meta.SavedAt = now
	rec := &models.SessionRecord{
		UserID:      userID,
		SessionData: compressed,
		Compressed:  true,
		PhoneNumber: phone,
		LastActive:  now,
		SizeBytes:   int64(len(compressed)),
		Metadata:    meta,
	}
	if err := s.backend.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if err := s.writeCache(ctx, userID, data); err != nil {
		s.logger.Warn("failed to cache session", "user_id", userID, "error", err)
	}
	s.logger.Info("session saved", "user_id", userID, "size_bytes", rec.SizeBytes)
	return nil
}

// LoadSession returns the session string for userID from the cache or, on a
// miss, from the backend. Every successful load refreshes last_active.
func (s *Store) LoadSession(ctx context.Context, userID string) (string, error) {
	if err := validUserID(userID); err != nil {
		return "", err
	}
	if data, err := os.ReadFile(s.cachePath(userID)); err == nil {
		if err := s.Touch(ctx, userID); err != nil {
			s.logger.Warn("failed to refresh last_active", "user_id", userID, "error", err)
		}
		return string(data), nil
	}

	rec, err := s.backend.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}

	data := rec.SessionData
	if rec.Compressed {
		if data, err = decompress(rec.SessionData); err != nil {
			return "", fmt.Errorf("decompress session: %w", err)
		}
	}

	if err := s.backend.Touch(ctx, userID, s.now()); err != nil {
		s.logger.Warn("failed to refresh last_active", "user_id", userID, "error", err)
	}
	if err := s.writeCache(ctx, userID, data); err != nil {
		s.logger.Warn("failed to cache session", "user_id", userID, "error", err)
	}
	return data, nil
}

// Touch marks the session of userID as active now. It returns ErrNoSession
// when the backend holds no record.
func (s *Store) Touch(ctx context.Context, userID string) error {
	if err := validUserID(userID); err != nil {
		return err
	}
	err := s.backend.Touch(ctx, userID, s.now())
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// HasSession reports whether a session exists in the cache or the backend.
func (s *Store) HasSession(ctx context.Context, userID string) (bool, error) {
	if err := validUserID(userID); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.cachePath(userID)); err == nil {
		return true, nil
	}
	_, err := s.backend.Get(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteSession removes the session from the backend and the cache. A
// missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, userID string) error {
	if err := validUserID(userID); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return s.removeCache(ctx, userID)
}

// CleanupOldSessions deletes sessions inactive for more than daysInactive
// days and returns how many were removed.
func (s *Store) CleanupOldSessions(ctx context.Context, daysInactive int) (int, error) {
	if daysInactive <= 0 {
		daysInactive = DefaultCleanupDays
	}
	cutoff := s.now().Add(-time.Duration(daysInactive) * 24 * time.Hour)
	stale, err := s.backend.ListInactiveSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list inactive sessions: %w", err)
	}

	removed := 0
	for _, rec := range stale {
		if err := s.DeleteSession(ctx, rec.UserID); err != nil {
			s.logger.Warn("failed to delete stale session", "user_id", rec.UserID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("cleaned up inactive sessions", "removed", removed, "days_inactive", daysInactive)
	}
	return removed, nil
}

// Stats reports cache usage.
func (s *Store) Stats() Stats {
	var st Stats
	entries, err := os.ReadDir(s.cacheDir)
	if err != nil {
		return st
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), cacheSuffix) {
			continue
		}
		st.CachedSessions++
		if info, err := e.Info(); err == nil {
			st.CacheBytes += info.Size()
		}
	}
	return st
}

func (s *Store) cachePath(userID string) string {
	return filepath.Join(s.cacheDir, userID+cacheSuffix)
}

func (s *Store) writeCache(ctx context.Context, userID, data string) error {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	path := s.cachePath(userID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) removeCache(ctx context.Context, userID string) error {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if err := os.Remove(s.cachePath(userID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached session: %w", err)
	}
	return nil
}

func validUserID(userID string) error {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return fmt.Errorf("invalid user id %q", userID)
	}
	return nil
}

func compress(data string) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", err
	}
	if _, err := zw.Write([]byte(data)); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompress(data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", err
	}
	out, err := gunzip(raw)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
