package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "holmanctl",
	Short: "Control Holman Bluetooth tap timers",
	Long: `Command-line tool for Holman Bluetooth Low Energy tap timers:

- Discover nearby tap timers
- Connect to and disconnect from a tap timer
- Start a manual run for a given number of minutes
- Stop a running tap immediately

Sessions are in-memory only; each invocation discovers or connects anew.`,
	Version: formatVersion(version),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Colored output only when stdout is a terminal.
		color.NoColor = !term.IsTerminal(int(os.Stdout.Fd()))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(disconnectCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)

	// Global flags
	rootCmd.PersistentFlags().String("adapter", "", "Name of Bluetooth adapter (defaults to hci0)")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (defaults to ~/.config/holmanctl.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
