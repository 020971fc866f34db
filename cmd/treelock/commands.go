package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/quietfield/treelock/internal/config"
)

func cancelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a queued operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cancelled", args[0])
			return nil
		},
	}
}

func locksCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "List currently held scope locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			resp, err := c.HTTP.Get(c.BaseURL + "/api/locks")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var body struct {
				Locks []struct {
					Scope       string `json:"scope"`
					HolderID    string `json:"holder_id"`
					TTLDeadline string `json:"ttl_deadline"`
					Advisory    bool   `json:"advisory"`
				} `json:"locks"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return err
			}
			if len(body.Locks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no locks held")
				return nil
			}
			for _, l := range body.Locks {
				kind := "held"
				if l.Advisory {
					kind = "advisory"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-24s %-10s %s until %s\n", l.Scope, kind, l.HolderID, l.TTLDeadline)
			}
			return nil
		},
	}
}

func summaryCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Show aggregated wait metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient(flags)
			sum, err := c.Summary(cmd.Context())
			if err != nil {
				return err
			}
			classes := make([]string, 0, len(sum.PerScope))
			for class := range sum.PerScope {
				classes = append(classes, class)
			}
			sort.Strings(classes)
			for _, class := range classes {
				s := sum.PerScope[class]
				fmt.Fprintf(cmd.OutOrStdout(),
					"%-10s acquired=%d contention=%d timeouts=%d wait p50=%dms p95=%dms p99=%dms\n",
					class, s.Acquired, s.Contention, s.Timeouts, s.WaitP50MS, s.WaitP95MS, s.WaitP99MS)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stale_reclaims=%d misfires=%d dropped=%d\n",
				sum.StaleReclaims, sum.Misfires, sum.Dropped)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var (
		path  string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				}
			}
			if err := config.Default().Write(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "config", "treelock.yaml", "where to write the config file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
