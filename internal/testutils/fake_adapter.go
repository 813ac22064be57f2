// Package testutils provides test doubles for exercising the tap-timer
// core without Bluetooth hardware.
package testutils

import (
	"fmt"
	"sync"

	"github.com/srg/holman/taptimer"
)

// FakeCharacteristic records writes and subscriptions made through the
// adapter boundary.
type FakeCharacteristic struct {
	adapter *FakeAdapter
	addr    string
	uuid    string

	mu         sync.Mutex
	writes     [][]byte
	subscribed bool

	// WriteErr/SubscribeErr make the next call fail.
	WriteErr     error
	SubscribeErr error
}

func (c *FakeCharacteristic) UUID() string {
	return c.uuid
}

func (c *FakeCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	if c.WriteErr != nil {
		err := c.WriteErr
		c.mu.Unlock()
		return err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c.writes = append(c.writes, buf)
	c.mu.Unlock()

	if c.adapter.AutoConfirmWrites {
		c.adapter.sinkRef().WriteConfirmed(c.addr, c.uuid, nil)
	}
	return nil
}

func (c *FakeCharacteristic) Subscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.subscribed = true
	return nil
}

// Writes returns a snapshot of all recorded write payloads.
func (c *FakeCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// Subscribed reports whether Subscribe succeeded at least once.
func (c *FakeCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// FakeAdapter is an in-memory taptimer.Adapter. Tests drive stack
// events through the Simulate* methods; the adapter records every
// request the core makes.
type FakeAdapter struct {
	// Failure injection; nil means success.
	PowerErr      error
	ScanErr       error
	ConnectErr    error
	DisconnectErr error
	ResolveErr    error

	// AutoConfirmWrites acknowledges every successful write
	// immediately, as a healthy peripheral would.
	AutoConfirmWrites bool

	mu                 sync.Mutex
	sink               taptimer.EventSink
	powered            bool
	scanning           bool
	scanStarts         int
	scanStops          int
	connectRequests    []string
	disconnectRequests []string
	chars              map[string]map[string]*FakeCharacteristic
	closed             bool
}

// NewFakeAdapter returns an adapter that acknowledges writes
// automatically.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		AutoConfirmWrites: true,
		chars:             make(map[string]map[string]*FakeCharacteristic),
	}
}

func (f *FakeAdapter) SetEventSink(sink taptimer.EventSink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

func (f *FakeAdapter) sinkRef() taptimer.EventSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sink == nil {
		panic("testutils: no event sink registered")
	}
	return f.sink
}

func (f *FakeAdapter) Power(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PowerErr != nil {
		return f.PowerErr
	}
	f.powered = on
	return nil
}

func (f *FakeAdapter) StartScan(serviceUUIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ScanErr != nil {
		return f.ScanErr
	}
	f.scanning = true
	f.scanStarts++
	return nil
}

func (f *FakeAdapter) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanning = false
	f.scanStops++
	return nil
}

func (f *FakeAdapter) Connect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConnectErr != nil {
		return f.ConnectErr
	}
	f.connectRequests = append(f.connectRequests, addr)
	return nil
}

func (f *FakeAdapter) Disconnect(addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DisconnectErr != nil {
		return f.DisconnectErr
	}
	f.disconnectRequests = append(f.disconnectRequests, addr)
	return nil
}

func (f *FakeAdapter) ResolveCharacteristics(addr, serviceUUID string, charUUIDs []string) (map[string]taptimer.Characteristic, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	out := make(map[string]taptimer.Characteristic, len(charUUIDs))
	for _, uuid := range charUUIDs {
		out[uuid] = f.characteristicLocked(addr, uuid)
	}
	return out, nil
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// ----------------------------
// Inspection
// ----------------------------

// Characteristic returns the fake handle for addr/uuid, creating it on
// first use so failure injection can be set up before connecting.
func (f *FakeAdapter) Characteristic(addr, uuid string) *FakeCharacteristic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.characteristicLocked(addr, uuid)
}

func (f *FakeAdapter) characteristicLocked(addr, uuid string) *FakeCharacteristic {
	byUUID, ok := f.chars[addr]
	if !ok {
		byUUID = make(map[string]*FakeCharacteristic)
		f.chars[addr] = byUUID
	}
	c, ok := byUUID[uuid]
	if !ok {
		c = &FakeCharacteristic{adapter: f, addr: addr, uuid: uuid}
		byUUID[uuid] = c
	}
	return c
}

// ScanStarts returns how many scans the core requested.
func (f *FakeAdapter) ScanStarts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanStarts
}

// ScanStops returns how many scan stops the core requested.
func (f *FakeAdapter) ScanStops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanStops
}

// ConnectRequests returns the addresses the core tried to connect.
func (f *FakeAdapter) ConnectRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.connectRequests))
	copy(out, f.connectRequests)
	return out
}

// DisconnectRequests returns the addresses the core tried to disconnect.
func (f *FakeAdapter) DisconnectRequests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.disconnectRequests))
	copy(out, f.disconnectRequests)
	return out
}

// Closed reports whether the core released the adapter.
func (f *FakeAdapter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ----------------------------
// Event simulation (the peripheral/stack side)
// ----------------------------

// SimulateAppear delivers an advertisement carrying the Holman service.
func (f *FakeAdapter) SimulateAppear(addr, name string) {
	f.sinkRef().DeviceAppeared(addr, name, []string{taptimer.ServiceUUID})
}

// SimulateForeignAppear delivers an advertisement for some other
// service.
func (f *FakeAdapter) SimulateForeignAppear(addr, name string) {
	f.sinkRef().DeviceAppeared(addr, name, []string{"0000180f-0000-1000-8000-00805f9b34fb"})
}

// SimulateConnected confirms a pending connect request.
func (f *FakeAdapter) SimulateConnected(addr string) {
	f.sinkRef().DeviceConnected(addr)
}

// SimulateConnectFailed fails a pending connect request.
func (f *FakeAdapter) SimulateConnectFailed(addr string, err error) {
	f.sinkRef().DeviceConnectFailed(addr, err)
}

// SimulateDisconnected delivers a disconnect event, requested or not.
func (f *FakeAdapter) SimulateDisconnected(addr string) {
	f.sinkRef().DeviceDisconnected(addr)
}

// SimulateStatus delivers a status notification for addr.
func (f *FakeAdapter) SimulateStatus(addr string, status taptimer.Status) error {
	frame, err := taptimer.EncodeStatus(status)
	if err != nil {
		return fmt.Errorf("invalid simulated status: %w", err)
	}
	f.sinkRef().CharacteristicChanged(addr, taptimer.StateCharacteristicUUID, frame)
	return nil
}

// SimulateRawNotification delivers an arbitrary state-characteristic
// payload, e.g. a corrupt frame.
func (f *FakeAdapter) SimulateRawNotification(addr string, raw []byte) {
	f.sinkRef().CharacteristicChanged(addr, taptimer.StateCharacteristicUUID, raw)
}

// SimulateWriteConfirmed acknowledges the outstanding command write.
func (f *FakeAdapter) SimulateWriteConfirmed(addr string, err error) {
	f.sinkRef().WriteConfirmed(addr, taptimer.ManualCharacteristicUUID, err)
}

// SimulateAdapterFailure reports a fatal stack failure.
func (f *FakeAdapter) SimulateAdapterFailure(err error) {
	f.sinkRef().AdapterFailed(err)
}
