// Command kerneldevd wires the kdevd tool catalog to a process lifecycle:
// a stdin/stdout line-delimited JSON loop, startup preflight of the
// helper binaries every tool may shell out to, and Prometheus/health
// endpoints for an operator to poll.
package main

import (
	"fmt"
	"os"

	"github.com/kernellab/kdevd/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information, set via ldflags during build.
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kerneldevd",
	Short: "kerneldevd - kernel development device orchestration MCP tool service",
	Long: `kerneldevd provisions and tears down the block devices, loop
mounts, and PTY-spawned VM sessions that kernel fstests development
needs, and exposes that control surface as a catalog of MCP tools.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"kerneldevd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(toolsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
