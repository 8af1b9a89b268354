package sessions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haasonsaas/lovelines/internal/storage"
	"github.com/haasonsaas/lovelines/pkg/models"
)

// fakeS3 keeps objects in memory and pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
				break
			}
		}
	}
	end := start + 2
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	} else {
		end = len(keys)
	}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Backend_CRUD(t *testing.T) {
	fake := newFakeS3()
	backend := newS3Backend(fake, "sessions", "/whatsapp/")
	ctx := context.Background()

	if _, err := backend.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() missing error = %v", err)
	}

	rec := &models.SessionRecord{UserID: "u1", SessionData: "blob", Compressed: true, LastActive: time.Now().UTC()}
	if err := backend.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if _, ok := fake.objects["whatsapp/u1.json"]; !ok {
		t.Fatalf("expected object under prefix, have %v", fake.objects)
	}

	got, err := backend.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionData != "blob" || !got.Compressed {
		t.Errorf("Get() = %+v", got)
	}

	if err := backend.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := backend.Get(ctx, "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get() after delete error = %v", err)
	}
}

func TestS3Backend_ListInactiveSincePages(t *testing.T) {
	fake := newFakeS3()
	backend := newS3Backend(fake, "sessions", "")
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{0, 40, 5, 60, 31} {
		rec := &models.SessionRecord{
			UserID:     string(rune('a' + i)),
			LastActive: now.Add(-age * 24 * time.Hour),
		}
		if err := backend.Upsert(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}
	fake.objects["README"] = []byte("not a session")

	stale, err := backend.ListInactiveSince(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("ListInactiveSince() error = %v", err)
	}
	var ids []string
	for _, rec := range stale {
		ids = append(ids, rec.UserID)
	}
	sort.Strings(ids)
	if strings.Join(ids, ",") != "b,d,e" {
		t.Errorf("stale users = %v, want [b d e]", ids)
	}
}

func TestS3Backend_Touch(t *testing.T) {
	backend := newS3Backend(newFakeS3(), "sessions", "")
	ctx := context.Background()
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)
	if err := backend.Upsert(ctx, &models.SessionRecord{UserID: "u1", SessionData: "blob", LastActive: old}); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	if err := backend.Touch(ctx, "u1", now); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	rec, err := backend.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.LastActive.Equal(now) || rec.SessionData != "blob" {
		t.Errorf("record after Touch() = %+v", rec)
	}
	stale, _ := backend.ListInactiveSince(ctx, now.Add(-30*24*time.Hour))
	if len(stale) != 0 {
		t.Errorf("touched session listed as inactive: %v", stale)
	}

	if err := backend.Touch(ctx, "ghost", now); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Touch(ghost) error = %v, want ErrNotFound", err)
	}
}

func TestS3Backend_WorksWithStore(t *testing.T) {
	store, err := NewStore(StoreConfig{CacheDir: t.TempDir(), Backend: newS3Backend(newFakeS3(), "b", "p")})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.SaveSession(ctx, "u1", "data", ""); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	_ = store.removeCache(ctx, "u1")
	got, err := store.LoadSession(ctx, "u1")
	if err != nil || got != "data" {
		t.Fatalf("LoadSession() = %q, %v", got, err)
	}
}
