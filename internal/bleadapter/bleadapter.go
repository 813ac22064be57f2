// Package bleadapter implements the taptimer Stack Adapter on top of
// the go-ble host stack (Linux HCI).
package bleadapter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/srg/holman/internal/ringchan"
	"github.com/srg/holman/taptimer"
)

// advertisementBuffer bounds the scan-callback fan-in; advertisements
// are lossy, dropping the oldest under burst is safe.
const advertisementBuffer = 128

// DeviceFactory creates ble.Device instances (can be overridden in tests).
var DeviceFactory = func(adapterName string) (ble.Device, error) {
	var opts []ble.Option
	if id, ok := hciDeviceID(adapterName); ok {
		opts = append(opts, ble.OptDeviceID(id))
	}
	dev, err := linux.NewDevice(opts...)
	if err != nil {
		return nil, normalizeStackError(err)
	}
	return dev, nil
}

// hciDeviceID extracts the numeric id from names like "hci0".
func hciDeviceID(name string) (int, bool) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "hci")
	if trimmed == name || trimmed == "" {
		return 0, false
	}
	id, err := strconv.Atoi(trimmed)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// normalizeStackError maps known go-ble error strings to clearer
// messages, distinguishing a missing adapter from one that is powered
// off.
func normalizeStackError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no devices available"), strings.Contains(msg, "no such device"):
		return fmt.Errorf("no Bluetooth adapter found: %w", err)
	case strings.Contains(msg, "network is down"), strings.Contains(msg, "powered off"):
		return fmt.Errorf("Bluetooth adapter is powered off: %w", err)
	default:
		return err
	}
}

// advertisement is the scan-callback payload buffered between the
// go-ble handler goroutine and the pump.
type advertisement struct {
	addr     string
	name     string
	services []string
}

// connection tracks one peripheral link, from dial request to
// disconnect.
type connection struct {
	addr   string
	cancel context.CancelFunc

	mu      sync.Mutex
	client  ble.Client
	profile *ble.Profile
}

func (c *connection) setLink(client ble.Client, profile *ble.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
	c.profile = profile
}

func (c *connection) link() (ble.Client, *ble.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.profile
}

// Adapter is the production taptimer.Adapter over go-ble.
type Adapter struct {
	name   string
	logger *logrus.Logger
	sink   taptimer.EventSink

	// conns is written from dial/disconnect goroutines and read from
	// the event loop, hence the concurrent map.
	conns *hashmap.Map[string, *connection]

	mu         sync.Mutex
	dev        ble.Device
	scanCancel context.CancelFunc
	closed     bool
}

// New creates an adapter bound to the named HCI device (e.g. "hci0").
// The device itself is opened lazily on first power-on or scan.
func New(adapterName string, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	return &Adapter{
		name:   adapterName,
		logger: logger,
		conns:  hashmap.New[string, *connection](),
	}
}

// SetEventSink implements taptimer.Adapter.
func (a *Adapter) SetEventSink(sink taptimer.EventSink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = sink
}

// Power implements taptimer.Adapter. Powering on opens the HCI device;
// powering off releases it.
func (a *Adapter) Power(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !on {
		if a.dev != nil {
			err := a.dev.Stop()
			a.dev = nil
			return err
		}
		return nil
	}
	_, err := a.deviceLocked()
	return err
}

// deviceLocked lazily opens the HCI device. Caller must hold a.mu.
func (a *Adapter) deviceLocked() (ble.Device, error) {
	if a.closed {
		return nil, fmt.Errorf("adapter is closed")
	}
	if a.dev != nil {
		return a.dev, nil
	}
	dev, err := DeviceFactory(a.name)
	if err != nil {
		return nil, err
	}
	ble.SetDefaultDevice(dev)
	a.dev = dev
	a.logger.WithField("adapter", a.name).Info("Bluetooth adapter opened")
	return dev, nil
}

// StartScan implements taptimer.Adapter. Advertisements matching any of
// the service UUIDs flow to the sink from a pump goroutine, via a
// drop-oldest ring so a chatty radio can never block the stack callback.
func (a *Adapter) StartScan(serviceUUIDs []string) error {
	wanted := make([]ble.UUID, 0, len(serviceUUIDs))
	for _, s := range serviceUUIDs {
		u, err := ble.Parse(s)
		if err != nil {
			return fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		wanted = append(wanted, u)
	}

	a.mu.Lock()
	if a.scanCancel != nil {
		a.mu.Unlock()
		return nil // already scanning
	}
	dev, err := a.deviceLocked()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	sink := a.sink
	ctx, cancel := context.WithCancel(context.Background())
	a.scanCancel = cancel
	a.mu.Unlock()

	if sink == nil {
		cancel()
		return fmt.Errorf("no event sink registered")
	}

	ring := ringchan.New[advertisement](advertisementBuffer)

	// Pump: ring to sink, decoupled from the scan callback.
	go func() {
		for adv := range ring.C() {
			sink.DeviceAppeared(adv.addr, adv.name, adv.services)
		}
	}()

	go func() {
		defer ring.Close()
		err := dev.Scan(ctx, true, func(adv ble.Advertisement) {
			if !matchesAny(adv.Services(), wanted) {
				return
			}
			services := make([]string, 0, len(adv.Services()))
			for _, u := range adv.Services() {
				services = append(services, u.String())
			}
			if ring.Send(advertisement{
				addr:     adv.Addr().String(),
				name:     adv.LocalName(),
				services: services,
			}) {
				a.logger.Debug("Advertisement buffer full, dropped oldest")
			}
		})

		a.mu.Lock()
		a.scanCancel = nil
		a.mu.Unlock()

		a.logger.WithFields(logrus.Fields{
			"accepted": ring.Written(),
			"dropped":  ring.Overwritten(),
		}).Debug("Scan finished")

		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			sink.AdapterFailed(normalizeStackError(err))
		}
	}()

	return nil
}

// StopScan implements taptimer.Adapter.
func (a *Adapter) StopScan() error {
	a.mu.Lock()
	cancel := a.scanCancel
	a.scanCancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect implements taptimer.Adapter. The dial runs in its own
// goroutine; the outcome is reported through the sink.
func (a *Adapter) Connect(addr string) error {
	a.mu.Lock()
	_, err := a.deviceLocked()
	sink := a.sink
	a.mu.Unlock()
	if err != nil {
		return err
	}
	if sink == nil {
		return fmt.Errorf("no event sink registered")
	}

	key := connKey(addr)
	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{addr: key, cancel: cancel}
	if !a.conns.Insert(key, conn) {
		cancel()
		return fmt.Errorf("connection to %s already exists", addr)
	}

	go a.dial(ctx, conn, sink)
	return nil
}

func (a *Adapter) dial(ctx context.Context, conn *connection, sink taptimer.EventSink) {
	client, err := ble.Dial(ctx, ble.NewAddr(conn.addr))
	if err != nil {
		a.conns.Del(conn.addr)
		if errors.Is(err, context.Canceled) {
			// Disconnect raced the dial; the caller asked for teardown.
			sink.DeviceDisconnected(conn.addr)
			return
		}
		sink.DeviceConnectFailed(conn.addr, normalizeStackError(err))
		return
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		a.conns.Del(conn.addr)
		sink.DeviceConnectFailed(conn.addr, fmt.Errorf("profile discovery failed: %w", err))
		return
	}
	conn.setLink(client, profile)

	// Watch the link; fires for requested and unsolicited disconnects
	// alike.
	go func() {
		<-client.Disconnected()
		a.conns.Del(conn.addr)
		sink.DeviceDisconnected(conn.addr)
	}()

	a.logger.WithFields(logrus.Fields{
		"address":  conn.addr,
		"services": len(profile.Services),
	}).Info("Peripheral connected")
	sink.DeviceConnected(conn.addr)
}

// Disconnect implements taptimer.Adapter. Idempotent: disconnecting an
// unknown address is a no-op so the session core can use it for
// best-effort cleanup.
func (a *Adapter) Disconnect(addr string) error {
	conn, ok := a.conns.Get(connKey(addr))
	if !ok {
		a.logger.WithField("address", addr).Debug("Disconnect for unknown connection")
		return nil
	}
	conn.cancel()
	client, _ := conn.link()
	if client != nil {
		return client.CancelConnection()
	}
	return nil
}

// ResolveCharacteristics implements taptimer.Adapter.
func (a *Adapter) ResolveCharacteristics(addr, serviceUUID string, charUUIDs []string) (map[string]taptimer.Characteristic, error) {
	conn, ok := a.conns.Get(connKey(addr))
	if !ok {
		return nil, fmt.Errorf("not connected to %s", addr)
	}
	client, profile := conn.link()
	if client == nil || profile == nil {
		return nil, fmt.Errorf("connection to %s is not established", addr)
	}

	svcUUID, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	var svc *ble.Service
	for _, s := range profile.Services {
		if s.UUID.Equal(svcUUID) {
			svc = s
			break
		}
	}
	if svc == nil {
		return nil, fmt.Errorf("service %q not found on %s", serviceUUID, addr)
	}

	out := make(map[string]taptimer.Characteristic, len(charUUIDs))
	for _, cu := range charUUIDs {
		charUUID, err := ble.Parse(cu)
		if err != nil {
			return nil, fmt.Errorf("invalid characteristic UUID %q: %w", cu, err)
		}
		var found *ble.Characteristic
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(charUUID) {
				found = c
				break
			}
		}
		if found == nil {
			return nil, fmt.Errorf("characteristic %q not found in service %q on %s", cu, serviceUUID, addr)
		}
		out[cu] = &gattCharacteristic{
			adapter: a,
			conn:    conn,
			char:    found,
			uuid:    cu,
		}
	}
	return out, nil
}

// Close implements taptimer.Adapter.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.scanCancel
	a.scanCancel = nil
	dev := a.dev
	a.dev = nil
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.conns.Range(func(_ string, conn *connection) bool {
		conn.cancel()
		if client, _ := conn.link(); client != nil {
			_ = client.CancelConnection()
		}
		return true
	})
	if dev != nil {
		return dev.Stop()
	}
	return nil
}

// connKey canonicalizes addresses the way go-ble reports them.
func connKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// matchesAny reports whether advertised contains any of the wanted
// UUIDs.
func matchesAny(advertised []ble.UUID, wanted []ble.UUID) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, u := range advertised {
			if w.Equal(u) {
				return true
			}
		}
	}
	return false
}

// gattCharacteristic adapts a resolved *ble.Characteristic to
// taptimer.Characteristic.
type gattCharacteristic struct {
	adapter *Adapter
	conn    *connection
	char    *ble.Characteristic
	uuid    string
}

func (g *gattCharacteristic) UUID() string {
	return g.uuid
}

// Write submits the value and reports the acknowledgment through the
// sink from a worker goroutine, keeping the caller non-blocking.
func (g *gattCharacteristic) Write(data []byte) error {
	client, _ := g.conn.link()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	a := g.adapter
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("no event sink registered")
	}

	value := make([]byte, len(data))
	copy(value, data)
	go func() {
		err := client.WriteCharacteristic(g.char, value, false)
		sink.WriteConfirmed(g.conn.addr, g.uuid, err)
	}()
	return nil
}

func (g *gattCharacteristic) Subscribe() error {
	client, _ := g.conn.link()
	if client == nil {
		return fmt.Errorf("not connected")
	}
	a := g.adapter
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("no event sink registered")
	}

	return client.Subscribe(g.char, false, func(data []byte) {
		sink.CharacteristicChanged(g.conn.addr, g.uuid, data)
	})
}
