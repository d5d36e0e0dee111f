package cmd

import (
	"fmt"
	"log"
	"os"

	"AuraFM/server"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "aurafm_server",
	Short: "AuraFM is a multi-source music streaming gateway.",
	Run: func(cmd *cobra.Command, args []string) {
		log.Println("Starting AuraFM server...")
		// server.Start handles its own port and logging for startup.
		server.Start()
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
