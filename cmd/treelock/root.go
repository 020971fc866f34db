package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quietfield/treelock/client"
)

type rootFlags struct {
	url    string
	socket string
	caller string
}

func rootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "treelock",
		Short:         "Coordinate git operations across concurrent worktree clients",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVar(&flags.url, "url", "", "coordinator base URL (overrides --socket)")
	cmd.PersistentFlags().StringVar(&flags.socket, "socket", "/tmp/treelock.sock", "coordinator unix socket path")
	cmd.PersistentFlags().StringVar(&flags.caller, "caller", defaultCallerID(), "caller identity reported to the coordinator")

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(submitCmd(flags))
	cmd.AddCommand(cancelCmd(flags))
	cmd.AddCommand(locksCmd(flags))
	cmd.AddCommand(summaryCmd(flags))
	cmd.AddCommand(initCmd())
	return cmd
}

// defaultCallerID embeds the pid so the coordinator's liveness probe
// can detect a dead holder.
func defaultCallerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "local"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func newClient(flags *rootFlags, opts ...client.Option) *client.Client {
	opts = append([]client.Option{client.WithCallerID(flags.caller)}, opts...)
	if flags.url != "" {
		return client.New(flags.url, opts...)
	}
	opts = append(opts, client.WithUnixSocket(flags.socket))
	return client.New("", opts...)
}
