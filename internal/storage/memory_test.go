package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/lovelines/pkg/models"
)

func TestMemoryChannelStoreLifecycle(t *testing.T) {
	store := NewMemoryChannelStore()
	ctx := context.Background()
	cfg := &models.ChannelConfig{
		UserID:   "user-1",
		Platform: models.PlatformTelegram,
		Enabled:  true,
		BotToken: "ciphertext",
	}

	if err := store.Create(ctx, cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if cfg.ID == "" || cfg.CreatedAt.IsZero() {
		t.Fatal("Create() should assign id and timestamps")
	}

	dup := &models.ChannelConfig{UserID: "user-1", Platform: models.PlatformTelegram, BotToken: "x"}
	if err := store.Create(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate Create() error = %v, want ErrAlreadyExists", err)
	}

	got, err := store.Get(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got.ChatID = "555"
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if cfg.ChatID != "" {
		t.Error("stored records must not alias caller values")
	}

	list, err := store.List(ctx, Filter{UserID: "user-1", Enabled: Enabled(true)})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].ChatID != "555" {
		t.Fatalf("List() = %+v", list)
	}

	if err := store.Delete(ctx, cfg.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, cfg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v", err)
	}
	if err := store.Update(ctx, got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() after delete error = %v", err)
	}
}

// checkConcurrentModify runs overlapping Modify calls that each touch a
// different field and asserts none of them is lost.
func checkConcurrentModify(t *testing.T, store ChannelStore) {
	t.Helper()
	ctx := context.Background()
	cfg := &models.ChannelConfig{UserID: "u1", Platform: models.PlatformWhatsApp, Enabled: true}
	if err := store.Create(ctx, cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers+1)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Modify(ctx, cfg.ID, func(c *models.ChannelConfig) error {
				c.AllowFrom = append(c.AllowFrom, fmt.Sprintf("1555000%04d", i))
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := store.Modify(ctx, cfg.ID, func(c *models.ChannelConfig) error {
			c.Enabled = false
			return nil
		})
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Modify() error = %v", err)
		}
	}

	got, err := store.Get(ctx, cfg.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.AllowFrom) != writers {
		t.Errorf("AllowFrom has %d entries, want %d", len(got.AllowFrom), writers)
	}
	if got.Enabled {
		t.Error("Enabled = true, a concurrent write was overwritten")
	}

	wantErr := errors.New("rejected")
	if _, err := store.Modify(ctx, cfg.ID, func(c *models.ChannelConfig) error {
		c.Enabled = true
		return wantErr
	}); !errors.Is(err, wantErr) {
		t.Fatalf("Modify() error = %v, want %v", err, wantErr)
	}
	if got, _ := store.Get(ctx, cfg.ID); got.Enabled {
		t.Error("a failed Modify must not write")
	}
	if _, err := store.Modify(ctx, "missing", func(*models.ChannelConfig) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("Modify(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMemoryChannelStoreModify(t *testing.T) {
	checkConcurrentModify(t, NewMemoryChannelStore())
}

func TestFilterMatches(t *testing.T) {
	cfg := &models.ChannelConfig{UserID: "u1", Platform: models.PlatformDiscord, Enabled: false}
	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty", Filter{}, true},
		{"user", Filter{UserID: "u1"}, true},
		{"other user", Filter{UserID: "u2"}, false},
		{"platform", Filter{Platform: models.PlatformDiscord}, true},
		{"other platform", Filter{Platform: models.PlatformTelegram}, false},
		{"enabled", Filter{Enabled: Enabled(true)}, false},
		{"disabled", Filter{Enabled: Enabled(false)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(cfg); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemoryNotificationStore(t *testing.T) {
	store := NewMemoryNotificationStore()
	ctx := context.Background()
	for i, status := range []models.NotificationStatus{models.NotificationSent, models.NotificationFailed, models.NotificationSent} {
		n := &models.Notification{
			UserID:   "u1",
			Platform: models.PlatformTelegram,
			Type:     models.DirectionOutbound,
			Content:  "hi",
			Status:   status,
			SentAt:   time.Unix(int64(i), 0),
		}
		if err := store.Create(ctx, n); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if n.ID == "" {
			t.Fatal("Create() should assign an id")
		}
	}
	_ = store.Create(ctx, &models.Notification{UserID: "u2", Status: models.NotificationSent})

	list, err := store.List(ctx, Filter{UserID: "u1"}, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].SentAt.Unix() != 2 || list[1].Status != models.NotificationFailed {
		t.Fatalf("List() = %+v, want newest two", list)
	}
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	now := time.Now()

	old := &models.SessionRecord{UserID: "old", SessionData: "a", LastActive: now.Add(-40 * 24 * time.Hour)}
	fresh := &models.SessionRecord{UserID: "fresh", SessionData: "b", LastActive: now}
	for _, rec := range []*models.SessionRecord{old, fresh} {
		if err := store.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	id := old.ID

	if err := store.Upsert(ctx, &models.SessionRecord{UserID: "old", SessionData: "c", LastActive: old.LastActive}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := store.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionData != "c" || got.ID != id {
		t.Errorf("Upsert should replace data and keep id, got %+v", got)
	}

	inactive, err := store.ListInactiveSince(ctx, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("ListInactiveSince() error = %v", err)
	}
	if len(inactive) != 1 || inactive[0].UserID != "old" {
		t.Fatalf("ListInactiveSince() = %+v", inactive)
	}

	if err := store.Delete(ctx, "old"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v", err)
	}
}

func TestMemoryUserAndAdminStores(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()

	tier, err := stores.Users.Tier(ctx, "nobody")
	if err != nil || tier != models.TierFree {
		t.Fatalf("Tier() = %q, %v; want free", tier, err)
	}
	_ = stores.Users.SetTier(ctx, "u1", models.TierHero)
	if tier, _ := stores.Users.Tier(ctx, "u1"); tier != models.TierHero {
		t.Errorf("Tier() = %q, want hero", tier)
	}

	if err := stores.AuthWithPassword(ctx, "admin@example.com", "pw"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("auth without admin error = %v", err)
	}
	if err := stores.Admins.SetPassword(ctx, "Admin@Example.com", "correct horse"); err != nil {
		t.Fatalf("SetPassword() error = %v", err)
	}
	if err := stores.AuthWithPassword(ctx, "admin@example.com", "correct horse"); err != nil {
		t.Fatalf("AuthWithPassword() error = %v", err)
	}
	if err := stores.AuthWithPassword(ctx, "admin@example.com", "wrong"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong password error = %v", err)
	}
	if err := stores.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() on memory stores error = %v", err)
	}
}

func TestStoreSetChannelHelpers(t *testing.T) {
	stores := NewMemoryStores()
	ctx := context.Background()
	_ = stores.Channels.Create(ctx, &models.ChannelConfig{UserID: "u1", Platform: models.PlatformWhatsApp, Enabled: true})
	_ = stores.Channels.Create(ctx, &models.ChannelConfig{UserID: "u1", Platform: models.PlatformDiscord, BotToken: "t"})

	enabled, err := stores.EnabledChannels(ctx, "u1")
	if err != nil || len(enabled) != 1 || enabled[0].Platform != models.PlatformWhatsApp {
		t.Fatalf("EnabledChannels() = %+v, %v", enabled, err)
	}
	cfg, err := stores.ChannelFor(ctx, "u1", models.PlatformDiscord)
	if err != nil || cfg.BotToken != "t" {
		t.Fatalf("ChannelFor() = %+v, %v", cfg, err)
	}
	if _, err := stores.ChannelFor(ctx, "u1", models.PlatformTelegram); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ChannelFor() missing error = %v", err)
	}
}
