package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/convgraph/internal/export"
)

var graphCmd = &cobra.Command{
	Use:     "graph",
	Short:   "Create, inspect and delete graphs",
	GroupID: "graphs",
}

var graphCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an empty graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := cg.CreateGraph(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(g)
			return nil
		}
		fmt.Printf("Created graph %s\n", g.ID)
		return nil
	},
}

var graphListCmd = &cobra.Command{
	Use:   "list",
	Short: "List graphs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		graphs, err := cg.ListGraphs(context.Background())
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(graphs)
			return nil
		}
		printGraphList(os.Stdout, graphs)
		return nil
	},
}

var graphShowCmd = &cobra.Command{
	Use:   "show <graph-id>",
	Short: "Show a graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := cg.GetGraph(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(g)
			return nil
		}
		printGraph(os.Stdout, g)
		return nil
	},
}

var graphRenameCmd = &cobra.Command{
	Use:   "rename <graph-id> <title>",
	Short: "Rename a graph",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		version, _ := cmd.Flags().GetInt64("version")
		if version == 0 {
			g, err := cg.GetGraph(ctx, args[0])
			if err != nil {
				return err
			}
			version = g.Version
		}
		g, err := cg.UpdateGraph(ctx, args[0], version, args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(g)
			return nil
		}
		fmt.Printf("Renamed graph %s (version %d)\n", g.ID, g.Version)
		return nil
	},
}

var graphDeleteCmd = &cobra.Command{
	Use:   "delete <graph-id>",
	Short: "Delete a graph with all of its nodes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cg.DeleteGraph(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted graph %s\n", args[0])
		return nil
	},
}

var graphTreeCmd = &cobra.Command{
	Use:   "tree <graph-id>",
	Short: "Show the branch tree of a graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := cg.Snapshot(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(snap)
			return nil
		}
		depth, _ := cmd.Flags().GetInt("depth")
		renderTree(os.Stdout, snap, depth)
		return nil
	},
}

var graphExportCmd = &cobra.Command{
	Use:   "export <graph-id>",
	Short: "Write a graph as JSONL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := cg.Snapshot(context.Background(), args[0])
		if err != nil {
			return err
		}
		out := os.Stdout
		if path, _ := cmd.Flags().GetString("output"); path != "" && path != "-" {
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return export.WriteJSONL(snap, time.Now(), out)
	},
}

func init() {
	graphRenameCmd.Flags().Int64("version", 0, "expected graph version (0 = current)")
	graphTreeCmd.Flags().Int("depth", 0, "maximum depth to show (0 = unlimited)")
	graphExportCmd.Flags().StringP("output", "o", "", "output file (default stdout)")

	graphCmd.AddCommand(graphCreateCmd)
	graphCmd.AddCommand(graphListCmd)
	graphCmd.AddCommand(graphShowCmd)
	graphCmd.AddCommand(graphRenameCmd)
	graphCmd.AddCommand(graphDeleteCmd)
	graphCmd.AddCommand(graphTreeCmd)
	graphCmd.AddCommand(graphExportCmd)
}
