package taptimer_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/holman/internal/testutils"
	"github.com/srg/holman/taptimer"
)

const testAddr = "AA:BB:CC:DD:EE:FF"

const eventWait = 2 * time.Second

type TapTimerSuite struct {
	suite.Suite

	adapter *testutils.FakeAdapter
	mgr     *taptimer.Manager
	runErr  chan error
}

func TestTapTimerSuite(t *testing.T) {
	suite.Run(t, new(TapTimerSuite))
}

func (s *TapTimerSuite) SetupTest() {
	s.adapter = testutils.NewFakeAdapter()
	s.mgr, s.runErr = s.startManager(s.adapter, nil)
}

func (s *TapTimerSuite) TearDownTest() {
	s.stopManager(s.mgr, s.runErr)
}

func (s *TapTimerSuite) startManager(adapter *testutils.FakeAdapter, cfg *taptimer.Config) (*taptimer.Manager, chan error) {
	mgr := taptimer.NewManager(adapter, taptimer.WithConfig(cfg))
	runErr := make(chan error, 1)
	go func() { runErr <- mgr.Run() }()
	return mgr, runErr
}

func (s *TapTimerSuite) stopManager(mgr *taptimer.Manager, runErr chan error) {
	mgr.Stop()
	select {
	case <-runErr:
	case <-time.After(eventWait):
		s.T().Fatal("manager did not stop")
	}
}

// connect drives a session through the full connect handshake.
func (s *TapTimerSuite) connect(mgr *taptimer.Manager, adapter *testutils.FakeAdapter) (*taptimer.TapTimer, *testutils.RecordingListener) {
	timer := mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)

	s.Require().NoError(timer.Connect())
	_, ok := lis.NextNamed(testutils.EventStartedConnecting, eventWait)
	s.Require().True(ok, "expected StartedConnecting")

	adapter.SimulateConnected(testAddr)
	_, ok = lis.NextNamed(testutils.EventConnected, eventWait)
	s.Require().True(ok, "expected Connected")
	s.Require().Equal(taptimer.StateConnected, timer.State())
	return timer, lis
}

// manualWrites returns the payloads written to the manual characteristic.
func (s *TapTimerSuite) manualWrites() [][]byte {
	return s.adapter.Characteristic(testAddr, taptimer.ManualCharacteristicUUID).Writes()
}

func (s *TapTimerSuite) TestConnectHappyPath() {
	timer, _ := s.connect(s.mgr, s.adapter)

	s.Equal(testAddr, timer.Address())
	s.Equal([]string{testAddr}, s.adapter.ConnectRequests())
	s.True(s.adapter.Characteristic(testAddr, taptimer.StateCharacteristicUUID).Subscribed())

	_, known := timer.LastStatus()
	s.False(known)
}

func (s *TapTimerSuite) TestConnectPreconditions() {
	timer := s.mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)

	s.Require().NoError(timer.Connect())
	s.ErrorIs(timer.Connect(), taptimer.ErrAlreadyConnecting)

	s.adapter.SimulateConnected(testAddr)
	_, ok := lis.NextNamed(testutils.EventConnected, eventWait)
	s.Require().True(ok)
	s.ErrorIs(timer.Connect(), taptimer.ErrAlreadyConnected)

	// Exactly one connect request reached the stack.
	s.Equal([]string{testAddr}, s.adapter.ConnectRequests())
}

func (s *TapTimerSuite) TestConnectRequestRejectedByStack() {
	s.adapter.ConnectErr = errors.New("hci down")
	timer := s.mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)

	err := timer.Connect()
	s.ErrorIs(err, taptimer.ErrAdapterUnavailable)
	s.Equal(taptimer.StateDisconnected, timer.State())

	// The attempt was announced before the stack rejected it.
	_, ok := lis.NextNamed(testutils.EventStartedConnecting, eventWait)
	s.True(ok)

	// The session is reusable once the stack recovers.
	s.adapter.ConnectErr = nil
	s.NoError(timer.Connect())
}

func (s *TapTimerSuite) TestConnectFailedFromStack() {
	timer := s.mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)
	s.Require().NoError(timer.Connect())

	s.adapter.SimulateConnectFailed(testAddr, errors.New("le connection failed"))

	ev, ok := lis.NextNamed(testutils.EventConnectFailed, eventWait)
	s.Require().True(ok)
	s.ErrorContains(ev.Err, "le connection failed")

	ev, ok = lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonLost, ev.Reason)
	s.Equal(taptimer.StateDisconnected, timer.State())
}

func (s *TapTimerSuite) TestConnectTimeout() {
	cfg := taptimer.DefaultConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	adapter := testutils.NewFakeAdapter()
	mgr, runErr := s.startManager(adapter, cfg)
	defer s.stopManager(mgr, runErr)

	timer := mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)
	s.Require().NoError(timer.Connect())

	ev, ok := lis.NextNamed(testutils.EventConnectFailed, eventWait)
	s.Require().True(ok)
	s.ErrorIs(ev.Err, taptimer.ErrTimeout)

	ev, ok = lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonTimeout, ev.Reason)

	// The stale attempt was cancelled at the stack and the session is
	// free for another try.
	s.Contains(adapter.DisconnectRequests(), testAddr)
	s.Equal(taptimer.StateDisconnected, timer.State())
	s.NoError(timer.Connect())
}

func (s *TapTimerSuite) TestLateConnectConfirmationIgnored() {
	cfg := taptimer.DefaultConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	adapter := testutils.NewFakeAdapter()
	mgr, runErr := s.startManager(adapter, cfg)
	defer s.stopManager(mgr, runErr)

	timer := mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)
	s.Require().NoError(timer.Connect())

	_, ok := lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)

	// Confirmation arriving after the deadline must not resurrect the
	// session.
	adapter.SimulateConnected(testAddr)
	_, ok = lis.NextNamed(testutils.EventConnected, 200*time.Millisecond)
	s.False(ok)
	s.Equal(taptimer.StateDisconnected, timer.State())
}

func (s *TapTimerSuite) TestProtocolMismatch() {
	s.adapter.ResolveErr = errors.New("service not found")
	timer := s.mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)
	s.Require().NoError(timer.Connect())

	s.adapter.SimulateConnected(testAddr)

	ev, ok := lis.NextNamed(testutils.EventConnectFailed, eventWait)
	s.Require().True(ok)
	s.ErrorIs(ev.Err, taptimer.ErrProtocolMismatch)

	ev, ok = lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonProtocolMismatch, ev.Reason)

	// The link to the foreign peripheral was torn down.
	s.Contains(s.adapter.DisconnectRequests(), testAddr)
	s.Equal(taptimer.StateDisconnected, timer.State())
}

func (s *TapTimerSuite) TestStatusSubscriptionFailure() {
	s.adapter.Characteristic(testAddr, taptimer.StateCharacteristicUUID).SubscribeErr = errors.New("cccd write failed")
	timer := s.mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)
	s.Require().NoError(timer.Connect())

	s.adapter.SimulateConnected(testAddr)

	ev, ok := lis.NextNamed(testutils.EventConnectFailed, eventWait)
	s.Require().True(ok)
	s.ErrorContains(ev.Err, "cccd write failed")

	ev, ok = lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonLost, ev.Reason)
}

func (s *TapTimerSuite) TestStartWritesCommandFrame() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(timer.Start(5))
	s.Equal([][]byte{{0x01, 0x00, 0x00, 0x05}}, s.manualWrites())

	s.Require().NoError(s.adapter.SimulateStatus(testAddr, taptimer.Status{State: taptimer.TapRunning, Remaining: 5}))
	ev, ok := lis.NextNamed(testutils.EventStatusChanged, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.Status{State: taptimer.TapRunning, Remaining: 5}, ev.Status)

	status, known := timer.LastStatus()
	s.True(known)
	s.Equal(taptimer.Status{State: taptimer.TapRunning, Remaining: 5}, status)
}

func (s *TapTimerSuite) TestStopRunWritesStopFrame() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(timer.StopRun())
	s.Equal([][]byte{{0x00, 0x00, 0x00, 0x00}}, s.manualWrites())

	s.Require().NoError(s.adapter.SimulateStatus(testAddr, taptimer.Status{State: taptimer.TapIdle}))
	ev, ok := lis.NextNamed(testutils.EventStatusChanged, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.TapIdle, ev.Status.State)
}

func (s *TapTimerSuite) TestCommandsRequireConnection() {
	timer := s.mgr.TapTimer(testAddr)

	s.ErrorIs(timer.Start(5), taptimer.ErrNotConnected)
	s.ErrorIs(timer.StopRun(), taptimer.ErrNotConnected)

	// Precondition failures never reach the stack.
	s.Empty(s.adapter.ConnectRequests())
	s.Empty(s.manualWrites())
}

func (s *TapTimerSuite) TestStartValidatesRuntime() {
	timer, _ := s.connect(s.mgr, s.adapter)

	s.ErrorIs(timer.Start(0), taptimer.ErrInvalidArgument)
	s.ErrorIs(timer.Start(-1), taptimer.ErrInvalidArgument)
	s.ErrorIs(timer.Start(taptimer.MaxRuntimeMinutes+1), taptimer.ErrInvalidArgument)
	s.Empty(s.manualWrites())
}

func (s *TapTimerSuite) TestSingleCommandOutstanding() {
	s.adapter.AutoConfirmWrites = false
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(timer.Start(5))
	s.ErrorIs(timer.StopRun(), taptimer.ErrCommandInProgress)

	// Bad input is reported as such even while a command is in flight.
	s.ErrorIs(timer.Start(0), taptimer.ErrInvalidArgument)

	// Acknowledge and let the loop process it; the status round trip
	// proves the confirmation was handled.
	s.adapter.SimulateWriteConfirmed(testAddr, nil)
	s.Require().NoError(s.adapter.SimulateStatus(testAddr, taptimer.Status{State: taptimer.TapRunning, Remaining: 5}))
	_, ok := lis.NextNamed(testutils.EventStatusChanged, eventWait)
	s.Require().True(ok)

	s.NoError(timer.StopRun())
	s.Equal([][]byte{{0x01, 0x00, 0x00, 0x05}, {0x00, 0x00, 0x00, 0x00}}, s.manualWrites())
}

func (s *TapTimerSuite) TestStartRejectedWhileRunning() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(s.adapter.SimulateStatus(testAddr, taptimer.Status{State: taptimer.TapRunning, Remaining: 10}))
	_, ok := lis.NextNamed(testutils.EventStatusChanged, eventWait)
	s.Require().True(ok)

	s.ErrorIs(timer.Start(3), taptimer.ErrCommandRejected)

	// Stopping is always allowed.
	s.NoError(timer.StopRun())
	s.Equal([][]byte{{0x00, 0x00, 0x00, 0x00}}, s.manualWrites())
}

func (s *TapTimerSuite) TestCommandWriteRejected() {
	timer, _ := s.connect(s.mgr, s.adapter)
	manual := s.adapter.Characteristic(testAddr, taptimer.ManualCharacteristicUUID)
	manual.WriteErr = errors.New("att error 0x0e")

	s.ErrorIs(timer.Start(5), taptimer.ErrCommandRejected)

	// The slot was freed; the next command goes through.
	manual.WriteErr = nil
	s.NoError(timer.Start(5))
}

func (s *TapTimerSuite) TestCommandConfirmationError() {
	s.adapter.AutoConfirmWrites = false
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(timer.Start(5))
	s.adapter.SimulateWriteConfirmed(testAddr, errors.New("write failed"))

	ev, ok := lis.NextNamed(testutils.EventCommandFailed, eventWait)
	s.Require().True(ok)
	s.ErrorIs(ev.Err, taptimer.ErrCommandRejected)

	s.NoError(timer.StopRun())
}

func (s *TapTimerSuite) TestCommandTimeout() {
	cfg := taptimer.DefaultConfig()
	cfg.CommandTimeout = 100 * time.Millisecond
	adapter := testutils.NewFakeAdapter()
	adapter.AutoConfirmWrites = false
	mgr, runErr := s.startManager(adapter, cfg)
	defer s.stopManager(mgr, runErr)

	timer, lis := s.connect(mgr, adapter)

	s.Require().NoError(timer.Start(5))
	ev, ok := lis.NextNamed(testutils.EventCommandFailed, eventWait)
	s.Require().True(ok)
	s.ErrorIs(ev.Err, taptimer.ErrCommandTimeout)

	// The expired command no longer blocks the slot.
	s.NoError(timer.StopRun())
}

func (s *TapTimerSuite) TestRequestedDisconnect() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(timer.Disconnect())
	_, ok := lis.NextNamed(testutils.EventStartedDisconnecting, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.StateDisconnecting, timer.State())

	s.adapter.SimulateDisconnected(testAddr)
	ev, ok := lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonRequested, ev.Reason)
	s.Equal(taptimer.StateDisconnected, timer.State())
}

func (s *TapTimerSuite) TestDisconnectIsNoopWhenDisconnected() {
	timer := s.mgr.TapTimer(testAddr)
	s.NoError(timer.Disconnect())
	s.Empty(s.adapter.DisconnectRequests())
}

func (s *TapTimerSuite) TestDisconnectAbandonsPendingCommand() {
	s.adapter.AutoConfirmWrites = false
	timer, lis := s.connect(s.mgr, s.adapter)
	s.Require().NoError(timer.Start(5))

	s.Require().NoError(timer.Disconnect())

	ev, ok := lis.Next(eventWait)
	s.Require().True(ok)
	s.Equal(testutils.EventStartedDisconnecting, ev.Name)

	ev, ok = lis.Next(eventWait)
	s.Require().True(ok)
	s.Equal(testutils.EventCommandFailed, ev.Name)
	s.ErrorIs(ev.Err, taptimer.ErrCommandRejected)
}

func (s *TapTimerSuite) TestDisconnectTimeout() {
	cfg := taptimer.DefaultConfig()
	cfg.DisconnectTimeout = 100 * time.Millisecond
	adapter := testutils.NewFakeAdapter()
	mgr, runErr := s.startManager(adapter, cfg)
	defer s.stopManager(mgr, runErr)

	timer, lis := s.connect(mgr, adapter)
	s.Require().NoError(timer.Disconnect())

	ev, ok := lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonTimeout, ev.Reason)
	s.Equal(taptimer.StateDisconnected, timer.State())
}

func (s *TapTimerSuite) TestUnsolicitedDisconnect() {
	s.adapter.AutoConfirmWrites = false
	timer, lis := s.connect(s.mgr, s.adapter)
	s.Require().NoError(timer.Start(5))

	s.adapter.SimulateDisconnected(testAddr)

	// The pending command resolves before the disconnect is reported.
	ev, ok := lis.Next(eventWait)
	s.Require().True(ok)
	s.Equal(testutils.EventCommandFailed, ev.Name)
	s.ErrorIs(ev.Err, taptimer.ErrCommandRejected)

	ev, ok = lis.Next(eventWait)
	s.Require().True(ok)
	s.Equal(testutils.EventDisconnected, ev.Name)
	s.Equal(taptimer.ReasonLost, ev.Reason)
	s.Equal(taptimer.StateDisconnected, timer.State())
}

func (s *TapTimerSuite) TestLinkLostWhileConnecting() {
	timer := s.mgr.TapTimer(testAddr)
	lis := testutils.NewRecordingListener()
	timer.SetListener(lis)
	s.Require().NoError(timer.Connect())

	s.adapter.SimulateDisconnected(testAddr)

	_, ok := lis.NextNamed(testutils.EventConnectFailed, eventWait)
	s.Require().True(ok)
	ev, ok := lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)
	s.Equal(taptimer.ReasonLost, ev.Reason)
}

func (s *TapTimerSuite) TestReconnectAfterLoss() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.adapter.SimulateDisconnected(testAddr)
	_, ok := lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)

	s.Require().NoError(timer.Connect())
	s.adapter.SimulateConnected(testAddr)
	_, ok = lis.NextNamed(testutils.EventConnected, eventWait)
	s.True(ok)
	s.Equal(taptimer.StateConnected, timer.State())
}

func (s *TapTimerSuite) TestCorruptNotificationIgnored() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.adapter.SimulateRawNotification(testAddr, []byte{0x99})
	s.adapter.SimulateRawNotification(testAddr, []byte{0x42, 0x00, 0x00, 0x05})
	s.Require().NoError(s.adapter.SimulateStatus(testAddr, taptimer.Status{State: taptimer.TapIdle}))

	// Only the valid frame produces an event; the loop processes them in
	// order, so the first status seen is the idle one.
	ev, ok := lis.Next(eventWait)
	s.Require().True(ok)
	s.Equal(testutils.EventStatusChanged, ev.Name)
	s.Equal(taptimer.TapIdle, ev.Status.State)

	_, known := timer.LastStatus()
	s.True(known)
}

func (s *TapTimerSuite) TestLastStatusSurvivesDisconnect() {
	timer, lis := s.connect(s.mgr, s.adapter)

	s.Require().NoError(s.adapter.SimulateStatus(testAddr, taptimer.Status{State: taptimer.TapRunning, Remaining: 7}))
	_, ok := lis.NextNamed(testutils.EventStatusChanged, eventWait)
	s.Require().True(ok)

	s.adapter.SimulateDisconnected(testAddr)
	_, ok = lis.NextNamed(testutils.EventDisconnected, eventWait)
	s.Require().True(ok)

	status, known := timer.LastStatus()
	s.True(known)
	s.Equal(taptimer.Status{State: taptimer.TapRunning, Remaining: 7}, status)
}
