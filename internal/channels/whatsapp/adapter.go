package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/lovelines/internal/channels"
	"github.com/haasonsaas/lovelines/internal/sessions"
	"github.com/haasonsaas/lovelines/pkg/models"
)

const archiveTimeout = 2 * time.Minute

// Adapter is the WhatsApp channel for one user.
type Adapter struct {
	*channels.Base

	config Config

	mu         sync.Mutex
	client     waClient
	cancel     context.CancelFunc
	justPaired bool

	wg sync.WaitGroup
}

// New creates an unstarted WhatsApp adapter.
func New(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		Base:   channels.NewBase(models.PlatformWhatsApp, config.UserID, config.AllowFrom, config.PhoneNumber, config.Logger.With("adapter", "whatsapp")),
		config: config,
	}, nil
}

// NewConstructor returns a channels.Constructor storing sessions under
// sessionsDir and backing them up with backup.
func NewConstructor(sessionsDir string, backup SessionBackup) channels.Constructor {
	return func(opts channels.Options) (channels.Channel, error) {
		return New(Config{
			UserID:      opts.UserID,
			PhoneNumber: opts.Config.PhoneNumber,
			AllowFrom:   opts.Config.AllowFrom,
			SessionsDir: sessionsDir,
			Backup:      backup,
			Logger:      opts.Logger,
		})
	}
}

// Start restores the session if needed, opens the device store and connects.
// An unpaired device streams QR codes as EventQRCode until scanned.
func (a *Adapter) Start(ctx context.Context) error {
	if a.IsRunning() {
		return nil
	}

	dir := a.config.SessionDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		err = channels.NewError(models.PlatformWhatsApp, channels.ErrCodeSessionDir, "failed to create session directory", err)
		a.SetError(err)
		return err
	}
	a.restoreSession(ctx, dir)

	client, err := a.config.NewClient(ctx, deviceDBPath(dir))
	if err != nil {
		err = channels.ErrStartFailed(models.PlatformWhatsApp, err)
		a.SetError(err)
		return err
	}
	client.AddEventHandler(a.handleEvent)

	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	a.mu.Lock()
	a.client = client
	a.cancel = cancel
	a.justPaired = false
	a.mu.Unlock()

	if client.Paired() {
		if phone := client.Phone(); phone != "" {
			a.SetLinked(phone)
		}
		err = client.Connect()
	} else {
		a.SetLinked("")
		err = a.connectForPairing(lifeCtx, client)
	}
	if err != nil {
		a.teardown()
		err = channels.ErrStartFailed(models.PlatformWhatsApp, err)
		a.SetError(err)
		return err
	}

	a.ClearError()
	a.SetRunning(true)
	a.Logger().Info("whatsapp channel started", "paired", client.Paired())
	return nil
}

// restoreSession pulls the durable session unless a valid local one exists.
func (a *Adapter) restoreSession(ctx context.Context, dir string) {
	if a.config.Backup == nil || sessions.HasValidSession(dir) {
		return
	}
	restored, err := a.config.Backup.Restore(ctx, a.config.UserID, dir)
	switch {
	case err != nil:
		a.Logger().Warn("failed to restore whatsapp session, pairing may be required", "error", err)
	case restored:
		a.Logger().Info("restored whatsapp session from durable store")
	}
}

func (a *Adapter) connectForPairing(ctx context.Context, client waClient) error {
	qrItems, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("get qr channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return err
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consumeQR(ctx, qrItems)
	}()
	return nil
}

func (a *Adapter) consumeQR(ctx context.Context, items <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			switch item.Event {
			case "code":
				image, err := QRDataURL(item.Code)
				if err != nil {
					a.Logger().Warn("failed to render qr code", "error", err)
				}
				a.Emit(channels.Event{Kind: channels.EventQRCode, QRCode: item.Code, QRImage: image})
			case "success":
				a.Logger().Info("whatsapp qr code scanned")
				return
			case "timeout":
				a.SetError(channels.NewError(models.PlatformWhatsApp, channels.ErrCodeNotLinked, "qr code expired before it was scanned", nil))
				return
			default:
				if item.Error != nil {
					a.SetError(channels.NewError(models.PlatformWhatsApp, channels.ErrCodeNotLinked, "pairing failed", item.Error))
					return
				}
			}
		}
	}
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.PairSuccess:
		a.mu.Lock()
		a.justPaired = true
		a.mu.Unlock()
		a.Logger().Info("whatsapp device paired", "phone", v.ID.User)

	case *events.Connected:
		a.handleConnected()

	case *events.Disconnected:
		if a.IsRunning() {
			a.SetError(errors.New("disconnected from whatsapp"))
			a.Emit(channels.Event{Kind: channels.EventDisconnected})
			a.Logger().Warn("disconnected from whatsapp")
		}

	case *events.LoggedOut:
		a.handleLoggedOut(v)

	case *events.Message:
		sender := v.Info.Sender.User
		if a.IsAllowed(sender) {
			a.Logger().Debug("ignoring inbound whatsapp message", "from", sender)
		}
	}
}

func (a *Adapter) handleConnected() {
	a.mu.Lock()
	client := a.client
	paired := a.justPaired
	a.justPaired = false
	a.mu.Unlock()
	if client == nil {
		return
	}

	a.ClearError()
	phone := client.Phone()
	if phone != "" && a.SetLinked(phone) {
		a.Logger().Info("whatsapp linked", "phone", phone)
		a.Emit(channels.Event{Kind: channels.EventLinked, RemoteID: phone})
	}
	switch {
	case a.config.Backup == nil:
	case paired:
		a.archiveInBackground(phone)
	default:
		a.touchInBackground()
	}
}

// touchInBackground refreshes last_active on the stored session so cleanup
// does not treat a connected device as abandoned.
func (a *Adapter) touchInBackground() {
	if a.config.Backup == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		err := a.config.Backup.Touch(ctx, a.config.UserID)
		switch {
		case err == nil:
		case errors.Is(err, sessions.ErrNoSession):
			a.Logger().Debug("no stored whatsapp session to refresh")
		default:
			a.Logger().Warn("failed to refresh whatsapp session activity", "error", err)
		}
	}()
}

// archiveInBackground saves the fresh session without blocking the event loop.
func (a *Adapter) archiveInBackground(phone string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := a.config.Backup.Save(ctx, a.config.UserID, a.config.SessionDir(), phone); err != nil {
			a.Logger().Warn("failed to archive whatsapp session", "error", err)
			return
		}
		a.Logger().Info("archived whatsapp session")
	}()
}

func (a *Adapter) handleLoggedOut(v *events.LoggedOut) {
	a.SetLinked("")
	a.SetError(channels.NewError(models.PlatformWhatsApp, channels.ErrCodeNotLinked, "logged out from whatsapp", nil))
	a.Emit(channels.Event{Kind: channels.EventLoggedOut})
	a.Logger().Warn("logged out from whatsapp", "reason", v.Reason)

	if a.config.Backup == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := a.config.Backup.Forget(ctx, a.config.UserID); err != nil {
			a.Logger().Warn("failed to delete stored whatsapp session", "error", err)
		}
	}()
}

// Stop disconnects, waits for background work and closes the device store.
func (a *Adapter) Stop(ctx context.Context) error {
	wasRunning := a.IsRunning()
	a.SetRunning(false)
	a.teardown()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.Logger().Warn("stop timed out waiting for background work")
	}
	if wasRunning {
		a.Logger().Info("whatsapp channel stopped")
	}
	return nil
}

func (a *Adapter) teardown() {
	a.mu.Lock()
	client := a.client
	cancel := a.cancel
	a.client = nil
	a.cancel = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if client == nil {
		return
	}
	client.Disconnect()
	if err := client.Close(); err != nil {
		a.Logger().Warn("failed to close device store", "error", err)
	}
}

// Send delivers msg to msg.ChatID or the linked phone.
func (a *Adapter) Send(ctx context.Context, msg *models.OutboundMessage) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return channels.ErrNotInitialized(models.PlatformWhatsApp)
	}
	if !client.Paired() {
		return channels.NewError(models.PlatformWhatsApp, channels.ErrCodeNotLinked, "whatsapp is not linked yet, scan the QR code", nil)
	}

	target := msg.ChatID
	if target == "" {
		target = a.LinkedID()
	}
	if target == "" {
		return channels.NewError(models.PlatformWhatsApp, channels.ErrCodeNotLinked, "no linked phone number", nil)
	}
	jid, err := ParseRecipient(target)
	if err != nil {
		return channels.ErrSendFailed(models.PlatformWhatsApp, err)
	}

	for _, part := range channels.SplitForPlatform(models.PlatformWhatsApp, msg.Content) {
		if _, err := client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(part)}); err != nil {
			a.Logger().Error("failed to send message", "error", err, "to", jid.String())
			return channels.ErrSendFailed(models.PlatformWhatsApp, err)
		}
	}
	a.touchInBackground()
	return nil
}

// ParseRecipient turns a phone number or full JID into a JID. Phone numbers
// may carry a leading + and separators.
func ParseRecipient(target string) (types.JID, error) {
	if strings.Contains(target, "@") {
		jid, err := types.ParseJID(target)
		if err != nil {
			return types.JID{}, fmt.Errorf("invalid recipient %q: %w", target, err)
		}
		return jid, nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, target)
	if digits == "" {
		return types.JID{}, fmt.Errorf("invalid recipient %q: no digits", target)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// deviceDBPath prefers an existing device store in either supported layout.
func deviceDBPath(dir string) string {
	if path := sessions.DeviceDBPath(dir); path != "" {
		return path
	}
	return filepath.Join(dir, sessions.DeviceDBName)
}
