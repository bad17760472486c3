package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cachering/internal/cluster"
	"cachering/internal/config"
)

// withCluster runs fn against a short-lived cluster over the configured
// peers. No background probing runs; failures observed by fn still mark
// nodes unhealthy for the remainder of the command. extra peers can be dialed
// but are not members.
func withCluster(cmd *cobra.Command, g *globalFlags, timeout time.Duration, fn func(ctx context.Context, c *cluster.Cluster) error, extra ...config.Peer) error {
	cfg, err := g.load(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Peers) == 0 {
		return fmt.Errorf("no peers configured")
	}
	c, err := buildCluster(cfg, func(id string) (config.Peer, bool) {
		for _, p := range extra {
			if p.ID == id {
				return p, true
			}
		}
		return cfg.Peer(id)
	})
	if err != nil {
		return err
	}
	defer c.Stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, c)
}

func putCmd(g *globalFlags) *cobra.Command {
	var (
		ttl     time.Duration
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				if err := c.Client().Put(ctx, args[0], []byte(args[1]), ttl); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Time to live (0 never expires)")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Operation timeout")
	return cmd
}

func getCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Read a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				value, found, err := c.Client().Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Operation timeout")
	return cmd
}

func delCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:     "del <key>",
		Aliases: []string{"delete"},
		Short:   "Delete a key from every replica",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				if err := c.Client().Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Operation timeout")
	return cmd
}

func existsCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "exists <key>",
		Short: "Report whether a key is present",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				found, err := c.Client().Exists(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), found)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Operation timeout")
	return cmd
}

func statsCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-node store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				s := c.ClusterStats(ctx)
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NODE\tADDR\tREACHABLE\tENTRIES\tMEMORY")
				for _, n := range s.Nodes {
					fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", n.Node.ID, n.Node.Addr(), n.Reachable, n.Entries, n.MemoryBytes)
				}
				fmt.Fprintf(w, "TOTAL\t\t%d/%d\t%d\t%d\n", countReachable(s), s.TotalNodes, s.TotalEntries, s.TotalMemoryBytes)
				return w.Flush()
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Operation timeout")
	return cmd
}

func countReachable(s cluster.Stats) int {
	n := 0
	for _, ns := range s.Nodes {
		if ns.Reachable {
			n++
		}
	}
	return n
}
