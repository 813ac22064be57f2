package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/holman/taptimer"
)

var disconnectCmd = &cobra.Command{
	Use:   "disconnect <address>",
	Short: "Disconnect from a Holman tap timer",
	Long: `Connect to the tap timer with the given Bluetooth address and
immediately request an orderly disconnect. Useful to make a device
release a stale link.`,
	Args: cobra.ExactArgs(1),
	RunE: runDisconnect,
}

func runDisconnect(cmd *cobra.Command, args []string) error {
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
			if err := timer.Disconnect(); err != nil {
				fail(err)
				mgr.Stop()
			}
		},
		onDisconnected: func(taptimer.DisconnectReason) {
			mgr.Stop()
		},
		onFailed: func(err error) {
			fail(err)
		},
	})

	stopOnSignal(mgr)
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
