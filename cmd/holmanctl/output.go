package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/holman/internal/bleadapter"
	"github.com/srg/holman/taptimer"
)

var (
	goodf = color.New(color.FgGreen).PrintfFunc()
	warnf = color.New(color.FgYellow).PrintfFunc()
	badf  = color.New(color.FgRed).PrintfFunc()
)

// newSession builds the adapter and manager shared by every command.
func newSession(cmd *cobra.Command) (*taptimer.Manager, error) {
	logger, err := configureLogger(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	adapter := bleadapter.New(cfg.Adapter, logger)
	return taptimer.NewManager(adapter,
		taptimer.WithLogger(logger),
		taptimer.WithConfig(cfg.Session),
	), nil
}

// stopOnSignal stops the manager on SIGINT or SIGTERM so Run returns
// and the session tears down cleanly.
func stopOnSignal(mgr *taptimer.Manager) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		mgr.Stop()
	}()
}

// discoveryPrinter announces every newly discovered tap timer.
type discoveryPrinter struct{}

func (discoveryPrinter) TapTimerDiscovered(t *taptimer.TapTimer) {
	goodf("Discovered Holman tap timer %s\n", t.Address())
}

// sessionListener prints session lifecycle events and lets commands
// hook the ones that drive their flow. All callbacks run on the
// manager's event loop.
type sessionListener struct {
	taptimer.BaseListener

	addr string

	onConnected    func()
	onStatus       func(taptimer.Status)
	onDisconnected func(taptimer.DisconnectReason)
	onFailed       func(error)
}

func (l *sessionListener) StartedConnecting() {
	fmt.Printf("Holman tap timer %s connecting\n", l.addr)
}

func (l *sessionListener) Connected() {
	goodf("Holman tap timer %s connected\n", l.addr)
	if l.onConnected != nil {
		l.onConnected()
	}
}

func (l *sessionListener) ConnectFailed(err error) {
	badf("Holman tap timer %s connect failed: %s\n", l.addr, FormatUserError(err))
	if l.onFailed != nil {
		l.onFailed(err)
	}
}

func (l *sessionListener) StartedDisconnecting() {
	fmt.Printf("Holman tap timer %s disconnecting\n", l.addr)
}

func (l *sessionListener) Disconnected(reason taptimer.DisconnectReason) {
	warnf("Holman tap timer %s disconnected (%s)\n", l.addr, reason)
	if l.onDisconnected != nil {
		l.onDisconnected(reason)
	}
}

func (l *sessionListener) StatusChanged(status taptimer.Status) {
	if status.State == taptimer.TapRunning {
		goodf("Holman tap timer %s running, %d minute(s) remaining\n", l.addr, status.Remaining)
	} else {
		fmt.Printf("Holman tap timer %s idle\n", l.addr)
	}
	if l.onStatus != nil {
		l.onStatus(status)
	}
}

func (l *sessionListener) CommandFailed(err error) {
	badf("Holman tap timer %s command failed: %s\n", l.addr, FormatUserError(err))
	if l.onFailed != nil {
		l.onFailed(err)
	}
}
