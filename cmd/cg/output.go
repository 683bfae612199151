package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/ui"
)

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling JSON: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func printGraph(w io.Writer, g *model.Graph) {
	fmt.Fprintf(w, "ID:          %s\n", g.ID)
	fmt.Fprintf(w, "Title:       %s\n", g.Title)
	fmt.Fprintf(w, "Owner:       %s\n", g.OwnerID)
	fmt.Fprintf(w, "Root:        %s\n", g.RootNodeID)
	fmt.Fprintf(w, "Version:     %d\n", g.Version)
	fmt.Fprintf(w, "Nodes:       %d (max depth %d)\n", g.Stats.NodeCount, g.Stats.MaxDepth)
	if !g.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created At:  %s\n", g.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	if !g.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Updated At:  %s\n", g.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
}

func printGraphList(w io.Writer, graphs []*model.Graph) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tNODES\tVERSION\tOWNER")
	for _, g := range graphs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", g.ID, truncate(g.Title, 50), g.Stats.NodeCount, g.Version, g.OwnerID)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d graphs\n", len(graphs))
}

func printNode(w io.Writer, n *model.Node) {
	fmt.Fprintf(w, "ID:          %s\n", n.ID)
	fmt.Fprintf(w, "Graph:       %s\n", n.GraphID)
	if n.ParentID != "" {
		fmt.Fprintf(w, "Parent:      %s\n", n.ParentID)
	}
	fmt.Fprintf(w, "Status:      %s\n", ui.RenderStatus(n.Status))
	fmt.Fprintf(w, "Depth:       %d\n", n.Depth)
	fmt.Fprintf(w, "Version:     %d\n", n.Version)
	fmt.Fprintf(w, "Model:       %s\n", n.Request.Model)
	if sf := n.SpawnedFrom; sf != nil && sf.Anchor != nil {
		anchor := fmt.Sprintf("%q", sf.Anchor.Exact)
		switch {
		case sf.Unresolved:
			anchor += " " + ui.RenderMuted("(unresolved)")
		case sf.Range != nil:
			anchor += fmt.Sprintf(" [%d,%d)", sf.Range.Start, sf.Range.End)
		}
		fmt.Fprintf(w, "Anchor:      %s\n", anchor)
	}
	if len(n.Tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(n.Tags, ", "))
	}
	if n.Starred {
		fmt.Fprintf(w, "Starred:     yes\n")
	}
	if n.Notes != "" {
		fmt.Fprintf(w, "Notes:       %s\n", n.Notes)
	}
	if n.Error != nil {
		fmt.Fprintf(w, "Error:       %s\n", ui.RenderError(n.Error.Code+": "+n.Error.Message))
	}
	if u := n.Usage; u.TotalTokens > 0 {
		fmt.Fprintf(w, "Tokens:      %d (prompt %d, completion %d)\n", u.TotalTokens, u.PromptTokens, u.CompletionTokens)
	}
	fmt.Fprintf(w, "\nPrompt:\n%s\n", n.Request.Prompt)
	if n.Response.TextMarkdown != "" {
		fmt.Fprintf(w, "\nResponse:\n%s\n", n.Response.TextMarkdown)
	}
}

func printNodeList(w io.Writer, nodes []*model.Node) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDEPTH\tSTATUS\tPROMPT")
	for _, n := range nodes {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", n.ID, n.Depth, ui.RenderStatus(n.Status), truncate(n.Request.Prompt, 60))
	}
	tw.Flush()
}

// formatEvent renders one event as a single line.
func formatEvent(e *model.Event) string {
	var b strings.Builder
	if e.ID != 0 {
		fmt.Fprintf(&b, "%6d ", e.ID)
	} else {
		b.WriteString("     - ")
	}
	b.WriteString(e.CreatedAt.Local().Format("15:04:05") + " ")
	b.WriteString(ui.RenderAccent(string(e.Type)))
	if e.NodeID != "" {
		b.WriteString(" " + e.NodeID)
	}
	if e.Type == model.EventNodeStatusChanged {
		var sc model.StatusChange
		if json.Unmarshal(e.Payload, &sc) == nil {
			fmt.Fprintf(&b, " %s -> %s", sc.From, ui.RenderStatus(sc.To))
		}
	}
	if e.Actor != "" {
		b.WriteString(" " + ui.RenderMuted("by "+e.Actor))
	}
	return b.String()
}
