// Package wa is the WhatsApp multi-device transport built on whatsmeow.
// Device credentials live in whatsmeow's sqlstore tables inside the shared
// database and are addressed by the account's device JID.
package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/conn"
	"github.com/matheus3301/wafleet/internal/logging"
	"github.com/matheus3301/wafleet/internal/store"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
)

// Transport opens whatsmeow sessions for accounts.
type Transport struct {
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
}

// NewTransport prepares the credential store on db and upgrades its schema.
func NewTransport(ctx context.Context, db *store.DB, b *bus.Bus, deviceName string, logger *zap.Logger) (*Transport, error) {
	// Device name shown on the phone's linked devices list.
	wastore.SetOSInfo(deviceName, [3]uint32{0, 1, 0})

	container := sqlstore.NewWithDB(db.DB, db.Driver(), logging.WhatsmeowLogger(logger, "whatsmeow.store"))
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("upgrade credential store: %w", err)
	}
	return &Transport{container: container, bus: b, logger: logger}, nil
}

// Open builds a client for acct. An account whose device no longer exists in
// the credential store opens without credentials and will pair.
func (t *Transport) Open(ctx context.Context, acct store.Account, emit func(conn.Event)) (conn.Session, error) {
	logger := t.logger.With(zap.String("account", acct.ID))

	device, err := t.device(ctx, acct.DeviceJID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		if acct.DeviceJID != "" {
			logger.Warn("stored device not found, pairing again", zap.String("device", acct.DeviceJID))
		}
		device = t.container.NewDevice()
	}

	client := whatsmeow.NewClient(device, logging.WhatsmeowLogger(logger, "whatsmeow.client"))
	// Reconnects are owned by the connection manager.
	client.EnableAutoReconnect = false

	s := &Session{
		accountID: acct.ID,
		client:    client,
		emit:      emit,
		bus:       t.bus,
		logger:    logger,
		history:   newHistoryWaiters(),
	}
	client.AddEventHandler(s.handle)
	return s, nil
}

// EraseCredentials deletes the device keys of deviceJID. A device that is
// already gone is not an error.
func (t *Transport) EraseCredentials(ctx context.Context, deviceJID string) error {
	device, err := t.device(ctx, deviceJID)
	if err != nil {
		return err
	}
	if device == nil {
		return nil
	}
	if err := device.Delete(ctx); err != nil {
		return fmt.Errorf("delete device %s: %w", deviceJID, err)
	}
	t.logger.Info("credentials erased", zap.String("device", deviceJID))
	return nil
}

func (t *Transport) device(ctx context.Context, deviceJID string) (*wastore.Device, error) {
	if deviceJID == "" {
		return nil, nil
	}
	jid, err := types.ParseJID(deviceJID)
	if err != nil {
		return nil, fmt.Errorf("parse device JID: %w", err)
	}
	device, err := t.container.GetDevice(ctx, jid)
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return device, nil
}
