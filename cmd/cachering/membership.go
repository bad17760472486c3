package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cachering/internal/cluster"
	"cachering/internal/config"
)

func addNodeCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "add-node <id> <host:port | redis://host:port>",
		Short: "Add a node and copy it the entries it now owns",
		Long: "Add a node to the configured peers and migrate its key ranges from the current owners.\n" +
			"Add the node to the peers of running cluster loops afterwards.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := config.Peer{ID: args[0], Addr: args[1]}
			node, err := p.Node()
			if err != nil {
				return err
			}
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				if c.Ring().Has(node.ID) {
					return fmt.Errorf("node %s is already a configured peer", node.ID)
				}
				if err := c.AddNode(ctx, node.ID, node.Host, node.Port); err != nil {
					return err
				}
				if !c.Monitor().IsHealthy(node.ID) {
					return fmt.Errorf("node %s joined but its migration did not complete", node.ID)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", node)
				return nil
			}, p)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Migration timeout")
	return cmd
}

func removeNodeCmd(g *globalFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "remove-node <id>",
		Short: "Hand a node's key ranges to the surviving owners and drop it",
		Long: "Remove a configured peer after copying every range it held to its new owners.\n" +
			"Remove the node from the peers of running cluster loops afterwards.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(cmd, g, timeout, func(ctx context.Context, c *cluster.Cluster) error {
				if err := c.RemoveNode(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Migration timeout")
	return cmd
}
