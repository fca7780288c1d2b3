package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	rootCmd = &cobra.Command{
		Use:   "stomp-broker",
		Short: "connection-oriented message broker",
		Long: fmt.Sprintf(`topicline (v%s)

A message broker speaking a null-terminated text frame protocol over TCP,
with named subscription channels, credential storage through an external
sidecar and selectable connection dispatch strategies.`, Version),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of the broker",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("stomp-broker v%s\n", Version)
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
