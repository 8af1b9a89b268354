// Package sessions archives WhatsApp device sessions and keeps them in a
// durable store with a local cache, so a paired device survives restarts and
// moves between hosts.
package sessions

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DeviceDBName is the whatsmeow device store file inside a session directory.
const DeviceDBName = "whatsmeow.db"

// Archive is a packed session directory.
type Archive struct {
	// Data is the base64 encoding of the gzip-compressed tarball.
	Data string

	OriginalSize   int64
	CompressedSize int64
	// Ratio is the size reduction in percent.
	Ratio      float64
	ArchivedAt time.Time
}

// commandRunner runs an external program, feeding stdin and returning stdout.
type commandRunner func(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Archiver packs session directories with the system tar.
type Archiver struct {
	run    commandRunner
	logger *slog.Logger
}

// NewArchiver creates an Archiver.
func NewArchiver(logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{run: runCommand, logger: logger.With("component", "session-archiver")}
}

// Archive tars dir, gzips it at maximum compression and base64-encodes it.
func (a *Archiver) Archive(ctx context.Context, dir string) (*Archive, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("session directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("session directory: %s is not a directory", dir)
	}

	tarball, err := a.run(ctx, nil, "tar", "-cf", "-", "-C", dir, ".")
	if err != nil {
		return nil, fmt.Errorf("pack session: %w", err)
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(tarball); err != nil {
		return nil, fmt.Errorf("compress session: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress session: %w", err)
	}

	original := a.Size(ctx, dir)
	if original == 0 {
		original = int64(len(tarball))
	}
	compressed := int64(buf.Len())
	arc := &Archive{
		Data:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		OriginalSize:   original,
		CompressedSize: compressed,
		Ratio:          reduction(original, compressed),
		ArchivedAt:     time.Now(),
	}
	a.logger.Info("session archived",
		"dir", dir,
		"original_bytes", arc.OriginalSize,
		"compressed_bytes", arc.CompressedSize,
		"reduction_pct", fmt.Sprintf("%.1f", arc.Ratio))
	return arc, nil
}

func reduction(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return (1 - float64(compressed)/float64(original)) * 100
}

// Restore replaces dir with the contents of an archive produced by Archive.
// Any existing directory at dir is removed first; contents are never merged.
func (a *Archiver) Restore(ctx context.Context, data, dir string) error {
	compressed, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("decode session archive: %w", err)
	}
	tarball, err := gunzip(compressed)
	if err != nil {
		return fmt.Errorf("decompress session archive: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear session directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	if _, err := a.run(ctx, bytes.NewReader(tarball), "tar", "-xf", "-", "-C", dir); err != nil {
		return fmt.Errorf("unpack session: %w", err)
	}
	a.logger.Info("session restored", "dir", dir, "bytes", len(tarball))
	return nil
}

func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Size returns the disk usage of dir in bytes. It asks du first and walks the
// tree itself when du is missing or does not understand -b.
func (a *Archiver) Size(ctx context.Context, dir string) int64 {
	if out, err := a.run(ctx, nil, "du", "-sb", dir); err == nil {
		if fields := strings.Fields(string(out)); len(fields) > 0 {
			if n, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
				return n
			}
		}
	}
	return walkSize(dir)
}

func walkSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// DeviceDBPath returns the device store of the session in dir, or "" when
// neither <dir>/whatsmeow.db nor <dir>/session/whatsmeow.db is a non-empty file.
func DeviceDBPath(dir string) string {
	for _, candidate := range []string{
		filepath.Join(dir, DeviceDBName),
		filepath.Join(dir, "session", DeviceDBName),
	} {
		info, err := os.Stat(candidate)
		if err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return candidate
		}
	}
	return ""
}

// HasValidSession reports whether dir holds a usable device session.
func HasValidSession(dir string) bool {
	return DeviceDBPath(dir) != ""
}
