package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/convgraph/internal/client"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

var nodeCmd = &cobra.Command{
	Use:     "node",
	Short:   "Create, inspect and annotate nodes",
	GroupID: "nodes",
}

var nodeCreateCmd = &cobra.Command{
	Use:   "create <graph-id> <prompt>",
	Short: "Create the root node of a graph",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.CreateNodeRequest{GraphID: args[0], Prompt: args[1]}
		if err := readCreateFlags(cmd, req); err != nil {
			return err
		}
		return createNode(req)
	},
}

var nodeBranchCmd = &cobra.Command{
	Use:   "branch <parent-id> <prompt>",
	Short: "Branch a follow-up off a node, optionally anchored to a text selection",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := &client.CreateNodeRequest{ParentID: args[0], Prompt: args[1]}
		if err := readCreateFlags(cmd, req); err != nil {
			return err
		}
		anchor, err := readAnchorFlags(cmd)
		if err != nil {
			return err
		}
		req.Anchor = anchor
		req.AllowUnresolved, _ = cmd.Flags().GetBool("allow-unresolved")
		return createNode(req)
	},
}

func readCreateFlags(cmd *cobra.Command, req *client.CreateNodeRequest) error {
	req.Model, _ = cmd.Flags().GetString("model")
	req.Priority, _ = cmd.Flags().GetString("priority")
	if params, _ := cmd.Flags().GetString("params"); params != "" {
		if !json.Valid([]byte(params)) {
			return fmt.Errorf("--params must be valid JSON")
		}
		req.Parameters = json.RawMessage(params)
	}
	return nil
}

func readAnchorFlags(cmd *cobra.Command) (*model.TextAnchor, error) {
	exact, _ := cmd.Flags().GetString("anchor")
	if exact == "" {
		if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
			return nil, fmt.Errorf("--start and --end require --anchor")
		}
		return nil, nil
	}
	a := &model.TextAnchor{Exact: exact}
	a.Prefix, _ = cmd.Flags().GetString("prefix")
	a.Suffix, _ = cmd.Flags().GetString("suffix")
	if cmd.Flags().Changed("start") {
		v, _ := cmd.Flags().GetInt("start")
		a.StartOffset = &v
	}
	if cmd.Flags().Changed("end") {
		v, _ := cmd.Flags().GetInt("end")
		a.EndOffset = &v
	}
	return a, nil
}

func createNode(req *client.CreateNodeRequest) error {
	n, err := cg.CreateNode(context.Background(), req)
	if err != nil {
		// The node exists even when the queue turned it away.
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Node != nil {
			fmt.Fprintf(os.Stderr, "Created node %s but it was not queued: %s\n", apiErr.Node.ID, apiErr.Message)
			fmt.Fprintf(os.Stderr, "Run 'cg start %s' to retry.\n", apiErr.Node.ID)
		}
		return err
	}
	if jsonOutput {
		printJSON(n)
		return nil
	}
	fmt.Printf("Created node %s (%s)\n", n.ID, n.Status)
	if sf := n.SpawnedFrom; sf != nil && sf.Unresolved {
		fmt.Println("Warning: anchor could not be located in the parent response")
	}
	return nil
}

var nodeShowCmd = &cobra.Command{
	Use:   "show <node-id>",
	Short: "Show a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := cg.GetNode(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(n)
			return nil
		}
		printNode(os.Stdout, n)
		return nil
	},
}

var nodeUpdateCmd = &cobra.Command{
	Use:   "update <node-id>",
	Short: "Edit the tags, notes or star of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		req := &client.UpdateNodeRequest{}
		if cmd.Flags().Changed("tags") {
			raw, _ := cmd.Flags().GetString("tags")
			tags := splitTags(raw)
			req.Tags = &tags
		}
		if cmd.Flags().Changed("notes") {
			notes, _ := cmd.Flags().GetString("notes")
			req.Notes = &notes
		}
		star, _ := cmd.Flags().GetBool("star")
		unstar, _ := cmd.Flags().GetBool("unstar")
		switch {
		case star && unstar:
			return fmt.Errorf("--star and --unstar are mutually exclusive")
		case star || unstar:
			req.Starred = &star
		}
		if req.Tags == nil && req.Notes == nil && req.Starred == nil {
			return fmt.Errorf("nothing to update; pass --tags, --notes, --star or --unstar")
		}

		req.ExpectedVersion, _ = cmd.Flags().GetInt64("version")
		if req.ExpectedVersion == 0 {
			n, err := cg.GetNode(ctx, args[0])
			if err != nil {
				return err
			}
			req.ExpectedVersion = n.Version
		}
		n, err := cg.UpdateNode(ctx, args[0], req)
		if err != nil {
			return conflictHint(err)
		}
		if jsonOutput {
			printJSON(n)
			return nil
		}
		fmt.Printf("Updated node %s (version %d)\n", n.ID, n.Version)
		return nil
	},
}

// splitTags parses a comma separated list, dropping blanks.
func splitTags(raw string) []string {
	tags := []string{}
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// conflictHint decorates a version conflict with the version to retry with.
func conflictHint(err error) error {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == model.KindConflict && apiErr.CurrentVersion > 0 {
		return fmt.Errorf("%w (current version is %d)", err, apiErr.CurrentVersion)
	}
	return err
}

var nodeDeleteCmd = &cobra.Command{
	Use:   "delete <node-id>",
	Short: "Delete a node, re-parenting its children unless --cascade is given",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, _ := cmd.Flags().GetBool("cascade")
		if err := cg.DeleteNode(context.Background(), args[0], cascade); err != nil {
			return err
		}
		if cascade {
			fmt.Printf("Deleted node %s and its subtree\n", args[0])
		} else {
			fmt.Printf("Deleted node %s\n", args[0])
		}
		return nil
	},
}

var nodeChildrenCmd = &cobra.Command{
	Use:   "children <node-id>",
	Short: "List the direct branches of a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodes, err := cg.GetChildren(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(nodes)
			return nil
		}
		printNodeList(os.Stdout, nodes)
		return nil
	},
}

var regenerateCmd = &cobra.Command{
	Use:     "regenerate <node-id>",
	Short:   "Generate a fresh response for a finished node",
	GroupID: "nodes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		req := &client.RegenerateRequest{}
		req.PreserveHistory, _ = cmd.Flags().GetBool("preserve-history")
		req.Priority, _ = cmd.Flags().GetString("priority")
		req.ExpectedVersion, _ = cmd.Flags().GetInt64("version")
		if req.ExpectedVersion == 0 {
			n, err := cg.GetNode(ctx, args[0])
			if err != nil {
				return err
			}
			req.ExpectedVersion = n.Version
		}
		n, err := cg.Regenerate(ctx, args[0], req)
		if err != nil {
			return conflictHint(err)
		}
		if jsonOutput {
			printJSON(n)
			return nil
		}
		fmt.Printf("Regenerating node %s (%s)\n", n.ID, n.Status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:     "cancel <node-id>",
	Short:   "Cancel a pending or streaming generation",
	GroupID: "nodes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := cg.Cancel(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(n)
			return nil
		}
		fmt.Printf("Cancelled node %s\n", n.ID)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:     "start <node-id>",
	Short:   "Queue a pending node that was not accepted for generation",
	GroupID: "nodes",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, _ := cmd.Flags().GetString("priority")
		n, err := cg.Start(context.Background(), args[0], priority)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(n)
			return nil
		}
		fmt.Printf("Queued node %s\n", n.ID)
		return nil
	},
}

var ancestryCmd = &cobra.Command{
	Use:     "ancestry <node-id>",
	Short:   "Show the root-to-node conversation path",
	GroupID: "views",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, err := cg.GetAncestry(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(chain)
			return nil
		}
		full, _ := cmd.Flags().GetBool("full")
		for i, n := range chain {
			fmt.Printf("%s %s [%s]\n", strings.Repeat("  ", i), n.ID, n.Status)
			if !full {
				fmt.Printf("%s   > %s\n", strings.Repeat("  ", i), truncate(n.Request.Prompt, 70))
				continue
			}
			fmt.Printf("\nUser:\n%s\n", n.Request.Prompt)
			if n.Response.TextMarkdown != "" {
				fmt.Printf("\nAssistant:\n%s\n\n", n.Response.TextMarkdown)
			}
		}
		return nil
	},
}

var linkCmd = &cobra.Command{
	Use:     "link <source-id> <target-id>",
	Short:   "Link two nodes of a graph",
	GroupID: "graphs",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		if remove, _ := cmd.Flags().GetBool("remove"); remove {
			if err := cg.RemoveLink(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("Removed link %s -> %s\n", args[0], args[1])
			return nil
		}
		e, err := cg.AddLink(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(e)
			return nil
		}
		fmt.Printf("Linked %s -> %s (%s)\n", e.SourceID, e.TargetID, e.ID)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{nodeCreateCmd, nodeBranchCmd} {
		c.Flags().String("model", "echo", "model name passed to the generator")
		c.Flags().String("params", "", "generation parameters as a JSON object")
		c.Flags().String("priority", "normal", "queue priority (high, normal, low)")
	}
	nodeBranchCmd.Flags().String("anchor", "", "exact text selected in the parent response")
	nodeBranchCmd.Flags().Int("start", 0, "selection start offset (UTF-16 code units)")
	nodeBranchCmd.Flags().Int("end", 0, "selection end offset (UTF-16 code units)")
	nodeBranchCmd.Flags().String("prefix", "", "text just before the selection")
	nodeBranchCmd.Flags().String("suffix", "", "text just after the selection")
	nodeBranchCmd.Flags().Bool("allow-unresolved", false, "keep the branch even if the anchor cannot be located")

	nodeUpdateCmd.Flags().String("tags", "", "comma separated tags (replaces existing)")
	nodeUpdateCmd.Flags().String("notes", "", "free-form notes")
	nodeUpdateCmd.Flags().Bool("star", false, "star the node")
	nodeUpdateCmd.Flags().Bool("unstar", false, "remove the star")
	nodeUpdateCmd.Flags().Int64("version", 0, "expected node version (0 = current)")

	nodeDeleteCmd.Flags().Bool("cascade", false, "delete the whole subtree")

	regenerateCmd.Flags().Bool("preserve-history", false, "keep the previous response in the node history")
	regenerateCmd.Flags().Int64("version", 0, "expected node version (0 = current)")
	regenerateCmd.Flags().String("priority", "normal", "queue priority (high, normal, low)")
	startCmd.Flags().String("priority", "normal", "queue priority (high, normal, low)")

	ancestryCmd.Flags().Bool("full", false, "print full prompts and responses")
	linkCmd.Flags().Bool("remove", false, "remove the link instead of adding it")

	nodeCmd.AddCommand(nodeCreateCmd)
	nodeCmd.AddCommand(nodeBranchCmd)
	nodeCmd.AddCommand(nodeShowCmd)
	nodeCmd.AddCommand(nodeUpdateCmd)
	nodeCmd.AddCommand(nodeDeleteCmd)
	nodeCmd.AddCommand(nodeChildrenCmd)
}
