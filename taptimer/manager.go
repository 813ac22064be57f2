package taptimer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger shared by the manager and its sessions.
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithConfig overrides the default timeouts.
func WithConfig(cfg *Config) Option {
	return func(m *Manager) {
		if cfg != nil {
			m.cfg = cfg
		}
	}
}

// Manager owns the adapter handle, runs discovery and routes stack
// events to the TapTimer session for each address. One Manager per
// adapter; it lives until Stop.
type Manager struct {
	adapter Adapter
	cfg     *Config
	logger  *logrus.Logger
	loop    *Loop

	mu          sync.Mutex
	timers      *orderedmap.OrderedMap[string, *TapTimer]
	listener    ManagerListener
	discovering bool
	announced   map[string]struct{}
	fatalErr    error
	stopped     bool
}

// NewManager creates a Manager driving the given Stack Adapter.
func NewManager(adapter Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapter:   adapter,
		cfg:       DefaultConfig(),
		logger:    logrus.New(),
		timers:    orderedmap.New[string, *TapTimer](),
		announced: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loop = NewLoop(m.cfg.EventQueueSize, m.logger)
	adapter.SetEventSink(&managerSink{m: m})
	return m
}

// SetListener assigns the single discovery listener slot; the last
// assignment wins.
func (m *Manager) SetListener(l ManagerListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// TapTimer returns the session for the given MAC address, creating it
// if the address has not been seen before. This is the explicit
// construction path; sessions are otherwise created on first discovery.
func (m *Manager) TapTimer(addr string) *TapTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerLocked(NormalizeAddress(addr))
}

// TapTimers returns all sessions known so far, in insertion order.
func (m *Manager) TapTimers() []*TapTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	timers := make([]*TapTimer, 0, m.timers.Len())
	for pair := m.timers.Oldest(); pair != nil; pair = pair.Next() {
		timers = append(timers, pair.Value)
	}
	return timers
}

// StartDiscovery begins a scan for Holman tap timers. Idempotent while
// a discovery is already active. Adapter-level failures surface as
// AdapterUnavailable and are not retried.
func (m *Manager) StartDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discovering {
		return nil
	}
	if err := m.adapter.Power(true); err != nil {
		return fmt.Errorf("%w: adapter power-on failed: %v", ErrAdapterUnavailable, err)
	}
	if err := m.adapter.StartScan([]string{ServiceUUID}); err != nil {
		return fmt.Errorf("%w: scan rejected: %v", ErrAdapterUnavailable, err)
	}
	m.discovering = true
	m.announced = make(map[string]struct{})
	m.logger.Info("Discovery started")
	return nil
}

// StopDiscovery stops the scan; a no-op when not discovering.
func (m *Manager) StopDiscovery() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discovering {
		return nil
	}
	m.discovering = false
	if err := m.adapter.StopScan(); err != nil {
		m.logger.WithField("error", err).Warn("Stopping scan failed")
		return err
	}
	m.logger.Info("Discovery stopped")
	return nil
}

// Run pumps stack events into session and listener callbacks. It blocks
// the calling goroutine until Stop is invoked, returning nil on a clean
// stop and AdapterUnavailable when the stack failed fatally.
func (m *Manager) Run() error {
	if err := m.loop.Run(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatalErr
}

// Stop requests the event loop to exit after the current callback
// completes and tears down all connected sessions best-effort. Safe to
// call from a listener callback or from another goroutine.
func (m *Manager) Stop() {
	if !m.loop.Post(func() {
		m.shutdown()
		m.loop.Stop()
	}) {
		// Loop already finished; tear down inline.
		m.shutdown()
	}
}

// NormalizeAddress canonicalizes a MAC address for registry lookups.
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// ----------------------------
// Event routing. All route* methods run on the event loop.
// ----------------------------

func (m *Manager) routeDeviceAppeared(addr, name string, serviceUUIDs []string) {
	if !advertisesService(serviceUUIDs, ServiceUUID) {
		m.logger.WithFields(logrus.Fields{
			"address": addr,
			"name":    name,
		}).Debug("Ignoring advertisement without the Holman service")
		return
	}
	norm := NormalizeAddress(addr)

	m.mu.Lock()
	t := m.timerLocked(norm)
	_, seen := m.announced[norm]
	if !seen {
		m.announced[norm] = struct{}{}
	}
	l := m.listener
	m.mu.Unlock()

	if seen {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"address": norm,
		"name":    name,
	}).Info("Discovered tap timer")
	if l != nil {
		l.TapTimerDiscovered(t)
	}
}

func (m *Manager) routeDeviceVanished(addr string) {
	m.logger.WithField("address", NormalizeAddress(addr)).Debug("Device vanished")
}

func (m *Manager) routeAdapterFailed(err error) {
	m.mu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	m.mu.Unlock()

	m.logger.WithField("error", err).Error("Bluetooth stack failure, stopping")
	m.shutdown()
	m.loop.Stop()
}

// route finds the session for an event's address. Events for unknown
// addresses are logged and dropped, never fatal.
func (m *Manager) route(addr string) *TapTimer {
	m.mu.Lock()
	t, ok := m.timers.Get(NormalizeAddress(addr))
	m.mu.Unlock()
	if !ok {
		m.logger.WithField("address", addr).Debug("Dropping event for unknown address")
		return nil
	}
	return t
}

// timerLocked returns or creates the session for a normalized address.
// Caller must hold m.mu.
func (m *Manager) timerLocked(norm string) *TapTimer {
	if t, ok := m.timers.Get(norm); ok {
		return t
	}
	t := &TapTimer{
		addr:   norm,
		mgr:    m,
		logger: m.logger.WithField("address", norm),
	}
	m.timers.Set(norm, t)
	return t
}

// post hands fn to the event loop; once the loop has stopped the event
// is dropped.
func (m *Manager) post(fn func()) {
	if !m.loop.Post(fn) {
		m.logger.Debug("Event loop stopped, dropping event")
	}
}

// shutdown disconnects active sessions, stops the scan and releases the
// adapter. Idempotent; failures are logged, never propagated.
func (m *Manager) shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	discovering := m.discovering
	m.discovering = false
	sessions := make([]*TapTimer, 0, m.timers.Len())
	for pair := m.timers.Oldest(); pair != nil; pair = pair.Next() {
		sessions = append(sessions, pair.Value)
	}
	m.mu.Unlock()

	if discovering {
		if err := m.adapter.StopScan(); err != nil {
			m.logger.WithField("error", err).Warn("Stopping scan during shutdown failed")
		}
	}
	for _, t := range sessions {
		switch t.State() {
		case StateConnected, StateConnecting:
			if err := t.Disconnect(); err != nil {
				m.logger.WithFields(logrus.Fields{
					"address": t.Address(),
					"error":   err,
				}).Warn("Disconnect during shutdown failed")
			}
		}
	}
	if err := m.adapter.Close(); err != nil {
		m.logger.WithField("error", err).Warn("Closing adapter failed")
	}
}

// ----------------------------
// UUID helpers
// ----------------------------

// normalizeUUID strips dashes and lowercases, the canonical form of the
// underlying BLE libraries.
func normalizeUUID(u string) string {
	return strings.ToLower(strings.ReplaceAll(u, "-", ""))
}

// uuidEqual compares two UUIDs regardless of case or dashes.
func uuidEqual(a, b string) bool {
	return normalizeUUID(a) == normalizeUUID(b)
}

// advertisesService reports whether the advertised set contains the
// wanted service UUID.
func advertisesService(advertised []string, wanted string) bool {
	for _, u := range advertised {
		if uuidEqual(u, wanted) {
			return true
		}
	}
	return false
}

// ----------------------------
// EventSink plumbing
// ----------------------------

// managerSink marshals stack events onto the manager's event loop. Its
// methods may be invoked from any goroutine.
type managerSink struct {
	m *Manager
}

func (s *managerSink) DeviceAppeared(addr, name string, serviceUUIDs []string) {
	s.m.post(func() { s.m.routeDeviceAppeared(addr, name, serviceUUIDs) })
}

func (s *managerSink) DeviceVanished(addr string) {
	s.m.post(func() { s.m.routeDeviceVanished(addr) })
}

func (s *managerSink) DeviceConnected(addr string) {
	s.m.post(func() {
		if t := s.m.route(addr); t != nil {
			t.handleConnected()
		}
	})
}

func (s *managerSink) DeviceConnectFailed(addr string, err error) {
	s.m.post(func() {
		if t := s.m.route(addr); t != nil {
			t.handleConnectFailed(err)
		}
	})
}

func (s *managerSink) DeviceDisconnected(addr string) {
	s.m.post(func() {
		if t := s.m.route(addr); t != nil {
			t.handleDisconnected()
		}
	})
}

func (s *managerSink) CharacteristicChanged(addr, charUUID string, value []byte) {
	data := make([]byte, len(value))
	copy(data, value)
	s.m.post(func() {
		if t := s.m.route(addr); t != nil {
			t.handleNotification(charUUID, data)
		}
	})
}

func (s *managerSink) WriteConfirmed(addr, charUUID string, err error) {
	s.m.post(func() {
		if t := s.m.route(addr); t != nil {
			t.handleWriteConfirmed(charUUID, err)
		}
	})
}

func (s *managerSink) AdapterFailed(err error) {
	s.m.post(func() { s.m.routeAdapterFailed(err) })
}
