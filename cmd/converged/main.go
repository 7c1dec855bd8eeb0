package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.1"

var rootCmd = &cobra.Command{
	Use:   "converged",
	Short: "conflict-free replicated data engine",
	Long: fmt.Sprintf(`converge (v%s)

A CRDT engine for distributed applications: counters, sets, registers,
time series, graphs and workflow state machines that merge without
coordination. Nodes exchange deltas over websocket and converge to the
same state regardless of message order or duplication.`, version),
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of converged",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("converged v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
