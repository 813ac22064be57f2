package taptimer

// Adapter is the narrow capability set this core consumes from a
// Bluetooth host stack. The production implementation lives in
// internal/bleadapter; tests substitute a fake.
//
// Connect, Disconnect and Characteristic.Write are non-blocking
// requests: their outcome is reported asynchronously through the
// EventSink. Sink methods may be invoked from any goroutine; the
// Manager marshals them onto its event loop.
type Adapter interface {
	// SetEventSink registers the single sink for stack events. Must be
	// called before any scan or connection request.
	SetEventSink(sink EventSink)

	// Power turns the underlying adapter on or off.
	Power(on bool) error

	// StartScan begins discovery for peripherals advertising any of the
	// given service UUIDs. StopScan ends it.
	StartScan(serviceUUIDs []string) error
	StopScan() error

	// Connect requests a connection to the peripheral at addr, resolved
	// via DeviceConnected or DeviceConnectFailed.
	Connect(addr string) error

	// Disconnect requests teardown of the connection to addr, resolved
	// via DeviceDisconnected.
	Disconnect(addr string) error

	// ResolveCharacteristics looks up the given characteristics of a
	// service on a connected peripheral, keyed by characteristic UUID.
	// It fails when the service or any characteristic is missing.
	ResolveCharacteristics(addr, serviceUUID string, charUUIDs []string) (map[string]Characteristic, error)

	// Close releases the stack handle. Connections are torn down
	// best-effort.
	Close() error
}

// Characteristic is a live GATT characteristic handle on a connected
// peripheral. Handles become invalid when the connection drops.
type Characteristic interface {
	UUID() string

	// Write submits a value write. Acceptance is synchronous; the
	// acknowledgment arrives via EventSink.WriteConfirmed.
	Write(data []byte) error

	// Subscribe enables value-changed notifications, delivered via
	// EventSink.CharacteristicChanged.
	Subscribe() error
}

// EventSink receives asynchronous stack events. Implemented by the
// Manager; adapters must not assume any method is cheap or reentrant.
type EventSink interface {
	// DeviceAppeared reports an advertisement from addr carrying the
	// given service UUIDs.
	DeviceAppeared(addr, name string, serviceUUIDs []string)

	// DeviceVanished reports that addr is no longer advertising.
	DeviceVanished(addr string)

	// DeviceConnected resolves a Connect request.
	DeviceConnected(addr string)

	// DeviceConnectFailed resolves a Connect request that could not be
	// established.
	DeviceConnectFailed(addr string, err error)

	// DeviceDisconnected reports loss of the connection to addr, both
	// for requested disconnects and unsolicited link loss.
	DeviceDisconnected(addr string)

	// CharacteristicChanged delivers a subscribed characteristic value.
	CharacteristicChanged(addr, charUUID string, value []byte)

	// WriteConfirmed acknowledges a Characteristic.Write; err is nil on
	// success.
	WriteConfirmed(addr, charUUID string, err error)

	// AdapterFailed reports a fatal stack-level failure. The manager
	// terminates its run loop with AdapterUnavailable.
	AdapterFailed(err error)
}
