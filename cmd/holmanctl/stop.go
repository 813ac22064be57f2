package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/holman/taptimer"
)

var stopCmd = &cobra.Command{
	Use:   "stop <address>",
	Short: "Stop a running Holman tap timer",
	Long: `Connect to the tap timer with the given Bluetooth address, stop any
manual run in progress, wait for the device to report idle, and
disconnect.`,
	Args: cobra.ExactArgs(1),
	RunE: runStop,
}

func init() {
	stopCmd.Flags().Duration("wait", 30*time.Second, "How long to wait for the device to report idle")
}

func runStop(cmd *cobra.Command, args []string) error {
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
			if err := timer.StopRun(); err != nil {
				fail(err)
				mgr.Stop()
			}
		},
		onStatus: func(status taptimer.Status) {
			if status.State == taptimer.TapIdle {
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
		fail(fmt.Errorf("%w: device did not report idle within %s", taptimer.ErrTimeout, wait))
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
