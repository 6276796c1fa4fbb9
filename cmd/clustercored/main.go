package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/clustercore/pkg/log"
)

// Version information (set via ldflags during build).
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "clustercored",
	Short: "clustercored runs one node of a cluster connection and service manager",
	Long: `clustercored implements the membership, reliable-delivery, barrier,
and service-group layers of a cman/sm-style cluster: a single daemon
binary that discovers peers over UDP multicast, elects a master to
drive admission and removal, and notifies registered service groups
when their membership changes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("clustercored version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
