package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Discover nearby Holman tap timers",
	Long: `Scan for Holman tap timers advertising nearby and print each one
as it appears. Runs until interrupted with Ctrl+C, or for --duration
when given.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	discoverCmd.Flags().Duration("duration", 0, "Stop after this long (0 means until interrupted)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	mgr, err := newSession(cmd)
	if err != nil {
		return err
	}

	mgr.SetListener(discoveryPrinter{})
	if err := mgr.StartDiscovery(); err != nil {
		return err
	}

	stopOnSignal(mgr)
	if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
		time.AfterFunc(d, mgr.Stop)
	}

	if err := mgr.Run(); err != nil {
		return err
	}

	timers := mgr.TapTimers()
	fmt.Printf("Discovered %d tap timer(s)\n", len(timers))
	return nil
}
