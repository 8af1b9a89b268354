package whatsapp

import (
	"context"
	"fmt"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow
)

// waClient is the subset of *whatsmeow.Client the adapter uses.
type waClient interface {
	Connect() error
	Disconnect()
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)

	// Paired reports whether the device store holds a paired identity.
	Paired() bool
	// Phone returns the paired phone number, or "".
	Phone() string
	// Close releases the device store.
	Close() error
}

// ClientFactory opens the device store at dbPath and builds a client.
type ClientFactory func(ctx context.Context, dbPath string) (waClient, error)

// realClient wraps *whatsmeow.Client with its device store.
type realClient struct {
	*whatsmeow.Client
	container *sqlstore.Container
}

// NewClient opens the SQLite device store at dbPath and creates a client for
// its first device, creating an unpaired device when the store is empty.
func NewClient(ctx context.Context, dbPath string) (waClient, error) {
	container, err := sqlstore.New(ctx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", dbPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("load device: %w", err)
	}
	return &realClient{
		Client:    whatsmeow.NewClient(device, waLog.Noop),
		container: container,
	}, nil
}

func (c *realClient) Paired() bool {
	return c.Store.ID != nil
}

func (c *realClient) Phone() string {
	if c.Store.ID == nil {
		return ""
	}
	return c.Store.ID.User
}

func (c *realClient) Close() error {
	return c.container.Close()
}
