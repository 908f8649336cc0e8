// Command hivectl runs activebee hives and acts on units of remote hives.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var (
	configPath string
	hiveAddr   string
	hiveLoc    string
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "hivectl",
	Short: "Run activebee hives and manage their units",
	Long: `hivectl runs an activebee hive hosting the counter class, or acts on the
units of a running hive through a short-lived client hive.

Configuration is read from flags, then the TOML file given by --config, then
ACTIVEBEE_* environment variables; later sources win.`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		glog.Flush()
	},
}

func init() {
	// Hive and glog flags live on the standard flag set.
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"TOML file with the hive configuration")
	rootCmd.PersistentFlags().StringVar(&hiveAddr, "hive", "localhost:7767",
		"address of the hive to act on")
	rootCmd.PersistentFlags().StringVar(&hiveLoc, "hive-location", "",
		"location of the hive to act on (default is its address)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second,
		"timeout of client operations")

	rootCmd.AddCommand(serveCmd, spawnCmd, callCmd, sendCmd, migrateCmd,
		pingCmd, unitsCmd)
}

func main() {
	// Flags are parsed by cobra; this only marks the standard set as parsed.
	flag.CommandLine.Parse(nil)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
