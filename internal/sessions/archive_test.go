package sessions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func requireTar(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	requireTar(t)
	ctx := context.Background()
	src := t.TempDir()
	files := map[string]string{
		DeviceDBName:            strings.Repeat("sqlite page ", 4096),
		"media/avatar.jpg":      "\xff\xd8\xff\xe0 jpeg",
		"session/keys/identity": "noise-key",
	}
	for name, content := range files {
		writeFile(t, filepath.Join(src, name), content)
	}

	a := NewArchiver(nil)
	arc, err := a.Archive(ctx, src)
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if arc.Data == "" || arc.CompressedSize <= 0 || arc.OriginalSize <= 0 {
		t.Fatalf("unexpected archive %+v", arc)
	}
	if arc.Ratio <= 50 {
		t.Errorf("Ratio = %.1f, repetitive content should compress well", arc.Ratio)
	}

	dst := filepath.Join(t.TempDir(), "restored")
	writeFile(t, filepath.Join(dst, "stale.txt"), "left over")
	if err := a.Restore(ctx, arc.Data, dst); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	for name, want := range files {
		got, err := os.ReadFile(filepath.Join(dst, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !bytes.Equal(got, []byte(want)) {
			t.Errorf("%s differs after restore", name)
		}
	}
	if _, err := os.Stat(filepath.Join(dst, "stale.txt")); !os.IsNotExist(err) {
		t.Error("restore must replace the directory, not merge into it")
	}
	if !HasValidSession(dst) {
		t.Error("HasValidSession() = false after restore")
	}
}

func TestArchiver_RestoreBadDataKeepsDirectory(t *testing.T) {
	dst := t.TempDir()
	writeFile(t, filepath.Join(dst, DeviceDBName), "db")

	a := NewArchiver(nil)
	if err := a.Restore(context.Background(), "not base64!", dst); err == nil {
		t.Fatal("expected decode error")
	}
	if err := a.Restore(context.Background(), "aGVsbG8=", dst); err == nil {
		t.Fatal("expected gzip error")
	}
	if !HasValidSession(dst) {
		t.Error("invalid archive must not wipe the existing session")
	}
}

func TestArchiver_ArchiveMissingDir(t *testing.T) {
	a := NewArchiver(nil)
	if _, err := a.Archive(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestArchiver_SizeFallsBackToWalk(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a"), "12345")
	writeFile(t, filepath.Join(dir, "sub", "b"), "678")

	a := NewArchiver(nil)
	a.run = func(context.Context, io.Reader, string, ...string) ([]byte, error) {
		return nil, errors.New("du: invalid option -- 'b'")
	}
	if got := a.Size(context.Background(), dir); got != 8 {
		t.Errorf("Size() = %d, want 8", got)
	}

	a.run = func(_ context.Context, _ io.Reader, name string, args ...string) ([]byte, error) {
		if name != "du" || args[0] != "-sb" {
			t.Errorf("unexpected command %s %v", name, args)
		}
		return []byte("4096\t" + dir + "\n"), nil
	}
	if got := a.Size(context.Background(), dir); got != 4096 {
		t.Errorf("Size() = %d, want du result 4096", got)
	}
}

func TestHasValidSession(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{"empty", nil, ""},
		{"flat layout", map[string]string{DeviceDBName: "x"}, DeviceDBName},
		{"nested layout", map[string]string{"session/" + DeviceDBName: "x"}, "session/" + DeviceDBName},
		{"empty file", map[string]string{DeviceDBName: ""}, ""},
		{"other files only", map[string]string{"notes.txt": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				writeFile(t, filepath.Join(dir, name), content)
			}
			got := DeviceDBPath(dir)
			want := ""
			if tt.want != "" {
				want = filepath.Join(dir, tt.want)
			}
			if got != want {
				t.Errorf("DeviceDBPath() = %q, want %q", got, want)
			}
			if HasValidSession(dir) != (tt.want != "") {
				t.Errorf("HasValidSession() = %v", HasValidSession(dir))
			}
		})
	}
}

func TestReduction(t *testing.T) {
	if got := reduction(150, 15); got < 89.9 || got > 90.1 {
		t.Errorf("reduction(150, 15) = %v, want 90", got)
	}
	if got := reduction(0, 10); got != 0 {
		t.Errorf("reduction(0, 10) = %v, want 0", got)
	}
}
