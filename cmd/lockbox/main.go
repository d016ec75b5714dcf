// Package main provides the lockbox binary. "lockbox serve" runs the vault
// HTTP server; create, reveal, stats and list talk to a running server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const (
	envServer     = "LOCKBOX_SERVER"
	envAdminToken = "LOCKBOX_ADMIN_TOKEN"
	defaultServer = "http://127.0.0.1:8080"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lockbox",
		Short: "Password-protected secrets that expire by deadline or read budget",
		Long: `lockbox stores text or files sealed with a password. Each secret expires
either at a deadline or after a fixed number of successful reveals.

Run "lockbox serve" to start the server, then use create, reveal and stats
against it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newServeCmd(),
		newCreateCmd(),
		newRevealCmd(),
		newStatsCmd(),
		newListCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("✗")+" "+err.Error())
		os.Exit(1)
	}
}
