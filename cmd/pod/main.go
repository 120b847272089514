// Package main provides the entry point for the pod CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	// Version is the current version number.
	Version = "0.1.0"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:     "pod",
	Short:   "Processing-on-demand cloud control plane",
	Long:    `pod runs the manager node of a processing-on-demand cloud: it admits executions, schedules them onto a worker fleet, and autoscales the fleet by policy.`,
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
