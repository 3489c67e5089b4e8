// Package ble connects the device link to a real heart-rate strap over
// Bluetooth Low Energy using the host's default adapter (BlueZ on
// Linux). It implements [devicelink.Peripheral].
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/nugget/pulsekiosk/internal/devicelink"
)

// ErrNotSubscribed is returned by a liveness check before notifications
// were enabled.
var ErrNotSubscribed = errors.New("heart-rate notifications not enabled")

// ErrNoHeartRateService is returned when the peripheral does not expose
// the standard heart-rate service and measurement characteristic.
var ErrNoHeartRateService = errors.New("peripheral has no heart-rate measurement characteristic")

// Adapter discovers the strap by address and opens GATT connections.
// Connects are serialized; the radio can only scan once at a time.
type Adapter struct {
	adapter    *bluetooth.Adapter
	staleAfter time.Duration
	logger     *slog.Logger
	mu         sync.Mutex
}

// NewAdapter enables the default Bluetooth adapter. staleAfter is how
// long the notification stream may stay silent before the subscription
// counts as dead.
func NewAdapter(staleAfter time.Duration, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := bluetooth.DefaultAdapter
	if err := a.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return &Adapter{
		adapter:    a,
		staleAfter: staleAfter,
		logger:     logger.With("component", "ble"),
	}, nil
}

// Connect scans until the strap at address advertises, connects and
// resolves the heart-rate measurement characteristic.
func (a *Adapter) Connect(ctx context.Context, address string) (devicelink.Conn, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	result, err := a.discover(ctx, normalizeAddress(address))
	if err != nil {
		return nil, err
	}
	a.logger.Debug("peripheral discovered", "address", address, "name", result.LocalName(), "rssi", result.RSSI)

	device, err := a.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDHeartRate})
	if err != nil || len(services) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("discover services: %w", errors.Join(ErrNoHeartRateService, err))
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{bluetooth.CharacteristicUUIDHeartRateMeasurement})
	if err != nil || len(chars) == 0 {
		device.Disconnect()
		return nil, fmt.Errorf("discover characteristics: %w", errors.Join(ErrNoHeartRateService, err))
	}

	return &conn{
		char:       chars[0],
		disconnect: device.Disconnect,
		staleAfter: a.staleAfter,
	}, nil
}

// discover runs one scan and returns the first advertisement from
// target.
func (a *Adapter) discover(ctx context.Context, target string) (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	go func() {
		scanDone <- a.adapter.Scan(func(ad *bluetooth.Adapter, r bluetooth.ScanResult) {
			if normalizeAddress(r.Address.String()) != target {
				return
			}
			select {
			case found <- r:
			default:
			}
			ad.StopScan()
		})
	}()

	select {
	case r := <-found:
		<-scanDone
		return r, nil
	case err := <-scanDone:
		if err == nil {
			err = errors.New("scan ended before the peripheral advertised")
		}
		return bluetooth.ScanResult{}, fmt.Errorf("scan: %w", err)
	case <-ctx.Done():
		a.adapter.StopScan()
		<-scanDone
		return bluetooth.ScanResult{}, ctx.Err()
	}
}

// conn is one GATT connection with heart-rate notifications.
type conn struct {
	char       bluetooth.DeviceCharacteristic
	disconnect func() error
	staleAfter time.Duration

	subscribed atomic.Bool
	lastNotify atomic.Int64 // unix nanos
}

func (c *conn) Subscribe(handler func([]byte)) error {
	c.lastNotify.Store(time.Now().UnixNano())
	err := c.char.EnableNotifications(func(buf []byte) {
		c.lastNotify.Store(time.Now().UnixNano())
		handler(buf)
	})
	if err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}
	c.subscribed.Store(true)
	return nil
}

// Alive reports the subscription dead once the strap has been silent
// for longer than staleAfter. Straps notify about once per second while
// worn, and send zero-contact frames when not.
func (c *conn) Alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.subscribed.Load() {
		return ErrNotSubscribed
	}
	silent := time.Since(time.Unix(0, c.lastNotify.Load()))
	if c.staleAfter > 0 && silent > c.staleAfter {
		return fmt.Errorf("no notification for %s", silent.Truncate(time.Millisecond))
	}
	return nil
}

func (c *conn) Close() error {
	if c.subscribed.Swap(false) {
		_ = c.char.EnableNotifications(nil)
	}
	return c.disconnect()
}

// normalizeAddress upper-cases a MAC address and accepts '-' separators.
func normalizeAddress(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", ":")
}
