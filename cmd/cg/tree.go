package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/alfredjeanlab/convgraph/internal/model"
	"github.com/alfredjeanlab/convgraph/internal/ui"
)

// renderTree prints the graph as an indented tree rooted at the graph's
// root. Link edges are listed under their source node. maxDepth <= 0 shows
// every level.
func renderTree(w io.Writer, snap *model.GraphSnapshot, maxDepth int) {
	fmt.Fprintf(w, "%s %s\n", ui.RenderAccent(snap.Graph.Title), ui.RenderMuted("("+snap.Graph.ID+")"))

	children := map[string][]*model.Node{}
	var roots []*model.Node
	for _, n := range snap.Nodes {
		if n.ParentID == "" {
			roots = append(roots, n)
		} else {
			children[n.ParentID] = append(children[n.ParentID], n)
		}
	}
	links := map[string][]string{}
	for _, e := range snap.Edges {
		if e.Type == model.EdgeLink {
			links[e.SourceID] = append(links[e.SourceID], e.TargetID)
		}
	}
	byAge := func(ns []*model.Node) {
		sort.Slice(ns, func(i, j int) bool {
			if !ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
				return ns[i].CreatedAt.Before(ns[j].CreatedAt)
			}
			return ns[i].ID < ns[j].ID
		})
	}
	byAge(roots)
	if len(roots) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("(empty)"))
		return
	}

	var walk func(n *model.Node, prefix string, last bool)
	walk = func(n *model.Node, prefix string, last bool) {
		connector, childPrefix := "├── ", prefix+"│   "
		if last {
			connector, childPrefix = "└── ", prefix+"    "
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, connector, nodeLabel(n))

		kids := children[n.ID]
		byAge(kids)
		targets := links[n.ID]
		sort.Strings(targets)
		for i, t := range targets {
			c := "├── "
			if i == len(targets)-1 && (len(kids) == 0 || maxDepth > 0 && n.Depth+1 >= maxDepth) {
				c = "└── "
			}
			fmt.Fprintf(w, "%s%s%s\n", childPrefix, c, ui.RenderMuted("link -> "+t))
		}
		if maxDepth > 0 && n.Depth+1 >= maxDepth {
			if len(kids) > 0 {
				fmt.Fprintf(w, "%s└── %s\n", childPrefix, ui.RenderMuted(fmt.Sprintf("(%d more)", len(kids))))
			}
			return
		}
		for i, k := range kids {
			walk(k, childPrefix, i == len(kids)-1)
		}
	}
	for i, r := range roots {
		walk(r, "", i == len(roots)-1)
	}
}

func nodeLabel(n *model.Node) string {
	label := fmt.Sprintf("%s [%s] %s", n.ID, ui.RenderStatus(n.Status), truncate(n.Request.Prompt, 60))
	if sf := n.SpawnedFrom; sf != nil && sf.Anchor != nil {
		anchor := fmt.Sprintf("on %q", truncate(sf.Anchor.Exact, 30))
		if sf.Unresolved {
			anchor += ", unresolved"
		}
		label += " " + ui.RenderMuted("("+anchor+")")
	}
	if n.Starred {
		label += " *"
	}
	return label
}
