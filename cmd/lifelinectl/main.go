// Command lifelinectl drives the lifeline alert API from a terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type options struct {
	server string
	token  string
	json   bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "lifelinectl",
		Short:         "Inspect and act on lifeline crisis alerts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", envOr("LIFELINE_SERVER", "http://localhost:8080"), "lifeline API base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("LIFELINE_API_TOKEN"), "responder API bearer token")
	rootCmd.PersistentFlags().BoolVarP(&opts.json, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(listCmd(opts))
	rootCmd.AddCommand(getCmd(opts))
	rootCmd.AddCommand(auditCmd(opts))
	rootCmd.AddCommand(claimCmd(opts))
	rootCmd.AddCommand(ackCmd(opts))
	rootCmd.AddCommand(resolveCmd(opts))
	rootCmd.AddCommand(closeCmd(opts))
	rootCmd.AddCommand(overrideCmd(opts))

	return rootCmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func (o *options) client() *Client {
	return NewClient(o.server, o.token)
}
