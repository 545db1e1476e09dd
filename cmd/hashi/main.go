// Package main is the entry point for the Hashi relay.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hashi/common/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   version.Name,
		Short: "Relay chat messages from Lark, Teams and Matrix to an AI backend",
		Long: `Hashi receives chat messages from Lark/Feishu event callbacks, a Teams
bridge webhook and Matrix rooms, forwards them to an OpenAI-compatible API or a
Flowise flow, and keeps a short, size-bounded conversation history per session.

Configuration is read from an optional YAML file and from HASHI_* environment
variables. The legacy names APPID, SECRET, KEY, MODEL, MAX_TOKEN, MONGODB_URI,
FLOWISE_API_URL, FLOWISE_API_KEY and PORT are also accepted.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(version.Info() + "\n")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("HASHI_CONFIG"), "path to a YAML config file")

	root.AddCommand(
		serveCmd(&configPath),
		configCmd(&configPath),
		versionCmd(),
	)
	return root
}
