package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/holman/taptimer"
)

var startCmd = &cobra.Command{
	Use:   "start <address> <minutes>",
	Short: "Start a manual run on a Holman tap timer",
	Long: `Connect to the tap timer with the given Bluetooth address, start a
manual run for the given number of minutes, wait for the device to
report the run, and disconnect.`,
	Args: cobra.ExactArgs(2),
	RunE: runStart,
}

func init() {
	startCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the device to report the run")
}

func runStart(cmd *cobra.Command, args []string) error {
	minutes, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: minutes must be a whole number, got %q", taptimer.ErrInvalidArgument, args[1])
	}
	if minutes < 1 || minutes > taptimer.MaxRuntimeMinutes {
		return fmt.Errorf("%w: minutes must be between 1 and %d", taptimer.ErrInvalidArgument, taptimer.MaxRuntimeMinutes)
	}
	wait, _ := cmd.Flags().GetDuration("wait")

	mgr, err := newSession(cmd)
	if err != nil {
		return err
	}

	timer := mgr.TapTimer(args[0])
	failed := make(chan error, 1)
	fail := func(err error) {
		select {
		case failed <- err:
		default:
		}
	}

	timer.SetListener(&sessionListener{
		addr: timer.Address(),
		onConnected: func() {
			if err := timer.Start(minutes); err != nil {
				fail(err)
				mgr.Stop()
			}
		},
		onStatus: func(status taptimer.Status) {
			if status.State == taptimer.TapRunning {
				if err := timer.Disconnect(); err != nil {
					mgr.Stop()
				}
			}
		},
		onDisconnected: func(taptimer.DisconnectReason) {
			mgr.Stop()
		},
		onFailed: func(err error) {
			fail(err)
			mgr.Stop()
		},
	})

	stopOnSignal(mgr)
	guard := time.AfterFunc(wait, func() {
		fail(fmt.Errorf("%w: device did not report the run within %s", taptimer.ErrTimeout, wait))
		mgr.Stop()
	})
	defer guard.Stop()

	if err := timer.Connect(); err != nil {
		return err
	}
	if err := mgr.Run(); err != nil {
		return err
	}

	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}
