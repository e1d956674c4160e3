package main

import (
	"os"

	"github.com/groblegark/aspectd/internal/client"
	"github.com/groblegark/aspectd/internal/ui"
	"github.com/spf13/cobra"
)

var (
	httpURL    string
	authToken  string
	jsonOutput bool

	aspectClient client.AspectClient
)

func defaultHTTPURL() string {
	if s := os.Getenv("ASPECTD_HTTP_URL"); s != "" {
		return s
	}
	if u := activeRemoteURL(); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func defaultToken() string {
	if s := os.Getenv("ASPECTD_AUTH_TOKEN"); s != "" {
		return s
	}
	return activeRemoteToken()
}

var rootCmd = &cobra.Command{
	Use:   "aspectd <command>",
	Short: "CLI client and server for the aspect state engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		aspectClient = client.NewHTTPClient(httpURL, authToken)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if aspectClient != nil {
			aspectClient.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&httpURL, "http-url", defaultHTTPURL(), "HTTP server URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", defaultToken(), "bearer token for authentication")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddGroup(
		&cobra.Group{ID: "entities", Title: "Entities:"},
		&cobra.Group{ID: "records", Title: "Aspect records:"},
		&cobra.Group{ID: "escrow", Title: "Escrow:"},
		&cobra.Group{ID: "actions", Title: "Scheduled actions:"},
		&cobra.Group{ID: "system", Title: "System:"},
	)

	cobra.EnableCommandSorting = false

	if !ui.ShouldUseColor() {
		ui.ForceNoColor()
	}

	// Entities
	rootCmd.AddCommand(entityCmd)

	// Aspect records
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(commitCmd)

	// Escrow
	rootCmd.AddCommand(escrowCmd)

	// Scheduled actions
	rootCmd.AddCommand(actionCmd)

	// System
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(remoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
