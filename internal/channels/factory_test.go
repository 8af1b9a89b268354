package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/lovelines/pkg/models"
)

type stubChannel struct {
	*Base
	startErr  error
	sendErr   error
	panicSend bool
}

func newStubChannel(opts Options) (Channel, error) {
	return &stubChannel{Base: NewBase(opts.Config.Platform, opts.UserID, opts.Config.AllowFrom, "", opts.Logger)}, nil
}

func (s *stubChannel) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.SetRunning(true)
	return nil
}

func (s *stubChannel) Stop(context.Context) error {
	s.SetRunning(false)
	return nil
}

func (s *stubChannel) Send(context.Context, *models.OutboundMessage) error {
	if s.panicSend {
		panic("driver exploded")
	}
	return s.sendErr
}

func TestFactory_Create(t *testing.T) {
	f := NewFactory()
	f.Register(models.PlatformTelegram, newStubChannel)

	ch, err := f.Create(models.PlatformTelegram, Options{UserID: "u1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ch.Platform() != models.PlatformTelegram || ch.UserID() != "u1" {
		t.Errorf("channel = %s/%s", ch.Platform(), ch.UserID())
	}

	_, err = f.Create(models.PlatformDiscord, Options{UserID: "u1"})
	if !IsCode(err, ErrCodeUnsupportedPlatform) {
		t.Errorf("expected UNSUPPORTED_PLATFORM, got %v", err)
	}
}

func TestFactory_Validate(t *testing.T) {
	f := NewFactory()
	f.Register(models.PlatformTelegram, newStubChannel)
	if err := f.Validate(); err == nil {
		t.Error("expected Validate to fail with missing platforms")
	}

	f.Register(models.PlatformDiscord, newStubChannel)
	f.Register(models.PlatformWhatsApp, newStubChannel)
	if err := f.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if got := f.Platforms(); len(got) != 3 {
		t.Errorf("Platforms() = %v", got)
	}
}

func TestMetaFor(t *testing.T) {
	for _, p := range models.AllPlatforms() {
		meta, ok := MetaFor(p)
		if !ok || meta.Label == "" || meta.MemoryMB == 0 {
			t.Errorf("incomplete meta for %s: %+v", p, meta)
		}
	}
	if meta, _ := MetaFor(models.PlatformWhatsApp); meta.NeedToken {
		t.Error("whatsapp should not need a token")
	}
}

func TestSafeHelpers(t *testing.T) {
	ch := &stubChannel{Base: NewBase(models.PlatformDiscord, "u1", nil, "", nil)}
	ctx := context.Background()

	if !SafeStart(ctx, ch) || !ch.IsRunning() {
		t.Fatal("SafeStart should succeed")
	}

	ch.sendErr = ErrSendFailed(models.PlatformDiscord, errors.New("503"))
	if SafeSend(ctx, ch, &models.OutboundMessage{Content: "hi"}) {
		t.Error("SafeSend should report failure")
	}
	if !IsCode(ch.LastError(), ErrCodeSendFailed) {
		t.Errorf("LastError() = %v", ch.LastError())
	}

	ch.sendErr = nil
	ch.panicSend = true
	if SafeSend(ctx, ch, &models.OutboundMessage{Content: "hi"}) {
		t.Error("SafeSend should report a panic as failure")
	}
	if ch.LastError() == nil {
		t.Error("panic should be recorded")
	}

	ch.panicSend = false
	if !SafeSend(ctx, ch, &models.OutboundMessage{Content: "hi"}) {
		t.Error("SafeSend should succeed")
	}
	if ch.LastError() != nil {
		t.Error("successful send should clear the error")
	}

	if !SafeStop(ctx, ch) || ch.IsRunning() {
		t.Error("SafeStop should succeed")
	}
}

func TestBase_IsAllowed(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		id    string
		want  bool
	}{
		{"empty allows all", nil, "anyone", true},
		{"exact", []string{"123"}, "123", true},
		{"miss", []string{"123"}, "456", false},
		{"composite id half", []string{"123"}, "123|alice", true},
		{"composite username half", []string{"alice"}, "123|alice", true},
		{"composite miss", []string{"bob"}, "123|alice", false},
		{"composite empty part", []string{"bob"}, "|", false},
		{"whitespace trimmed", []string{" 123 "}, "123", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBase(models.PlatformTelegram, "u1", tt.allow, "", nil)
			if got := b.IsAllowed(tt.id); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestBase_LinkAndEmit(t *testing.T) {
	b := NewBase(models.PlatformTelegram, "u1", nil, "", nil)
	if b.IsLinked() {
		t.Fatal("new base should not be linked")
	}
	if !b.SetLinked("42") {
		t.Fatal("first SetLinked should report a change")
	}
	if b.SetLinked("42") {
		t.Error("repeat SetLinked should report no change")
	}

	b.Emit(Event{Kind: EventLinked, RemoteID: "42"})
	evt := <-b.Events()
	if evt.UserID != "u1" || evt.Platform != models.PlatformTelegram || evt.At.IsZero() {
		t.Errorf("event not stamped: %+v", evt)
	}

	for i := 0; i < eventBuffer+5; i++ {
		b.Emit(Event{Kind: EventDisconnected})
	}
	if len(b.Events()) != eventBuffer {
		t.Errorf("buffered events = %d, want %d", len(b.Events()), eventBuffer)
	}
}

func TestStatusOf(t *testing.T) {
	ch := &stubChannel{Base: NewBase(models.PlatformWhatsApp, "u1", nil, "15551234567", nil)}
	ch.SetRunning(true)
	ch.SetError(errors.New("flaky"))

	s := StatusOf(ch)
	if !s.Running || !s.Linked || s.LastError != "flaky" || s.Platform != models.PlatformWhatsApp {
		t.Errorf("StatusOf() = %+v", s)
	}
}

func TestChannelError_Format(t *testing.T) {
	err := ErrSendFailed(models.PlatformTelegram, errors.New("timeout"))
	want := "telegram: failed to send message [SEND_FAILED]: timeout"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Error("plain errors have no code")
	}
	if IsCode(nil, ErrCodeSendFailed) {
		t.Error("nil error has no code")
	}
}
