package main

import (
	"github.com/spf13/cobra"

	"github.com/srg/holman/taptimer"
)

var connectCmd = &cobra.Command{
	Use:   "connect <address>",
	Short: "Connect to a Holman tap timer",
	Long: `Connect to the tap timer with the given Bluetooth address and stay
connected until interrupted with Ctrl+C. With --auto the connection is
re-established whenever it drops unexpectedly.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().Bool("auto", false, "Reconnect automatically when the connection drops")
}

func runConnect(cmd *cobra.Command, args []string) error {
	auto, _ := cmd.Flags().GetBool("auto")

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
		onDisconnected: func(reason taptimer.DisconnectReason) {
			if auto && reason != taptimer.ReasonRequested {
				if err := timer.Connect(); err != nil {
					fail(err)
					mgr.Stop()
				}
				return
			}
			mgr.Stop()
		},
		onFailed: func(err error) {
			if !auto {
				fail(err)
			}
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
