package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/quietfield/treelock/client"
	"github.com/quietfield/treelock/internal/core"
	"github.com/quietfield/treelock/internal/storage/sqlite"
)

func submitCmd(flags *rootFlags) *cobra.Command {
	var (
		priority int
		timeout  time.Duration
		dbPath   string
	)
	cmd := &cobra.Command{
		Use:   "submit <verb> [target] [-- command args...]",
		Short: "Run an operation under coordination",
		Long: `Submit blocks until the coordinator grants the operation's scope
lock, runs the command given after --, then releases the lock. With no
command it acquires and immediately releases, which is useful for
probing contention.

When the coordinator is unreachable the operation falls back to a
direct advisory lock in the shared database. Exit codes: 0 on success,
1 when lock acquisition timed out, 2 when the coordinator was
unavailable and the fallback failed too.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			head := args
			var command []string
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				command = args[at:]
				head = args[:at]
			}
			if len(head) < 1 || len(head) > 2 {
				return fmt.Errorf("expected <verb> [target], got %d arguments", len(head))
			}
			verb := head[0]
			target := ""
			if len(head) == 2 {
				target = head[1]
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			opts := []client.Option{}
			if dbPath != "" {
				store, err := sqlite.New(dbPath)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: degraded fallback disabled: open %s: %v\n", dbPath, err)
				} else {
					defer store.Close()
					opts = append(opts, client.WithFallback(
						client.NewDegraded(store, flags.caller, 0, timeout)))
				}
			}

			c := newClient(flags, opts...)
			result, err := c.Run(ctx, client.Operation{
				Verb:     verb,
				Target:   target,
				Priority: priority,
				CallerID: flags.caller,
			}, func(ctx context.Context) error {
				if len(command) == 0 {
					return nil
				}
				run := exec.CommandContext(ctx, command[0], command[1:]...)
				run.Stdin = os.Stdin
				run.Stdout = os.Stdout
				run.Stderr = os.Stderr
				return run.Run()
			})
			if err != nil {
				var conflict *core.ConflictError
				if errors.As(err, &conflict) {
					fmt.Fprintf(cmd.ErrOrStderr(), "timed out: scope %s held by %s, waited %s\n",
						conflict.Scope, conflict.Holder, conflict.Waited)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s completed on %s in %dms\n",
				verb, result.Scope, result.DurationMS)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 5, "priority 1 (lowest) to 10 (highest)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall deadline for acquire plus run")
	cmd.Flags().StringVar(&dbPath, "db", "", "shared database path enabling degraded-mode fallback")
	return cmd
}
