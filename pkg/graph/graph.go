// Package graph implements the Task Graph Compiler (spec.md §4.K):
// lowering a (possibly filtered) collection into a DAG of folder-enter,
// folder-exit, script, and request nodes ready for the DAG Scheduler.
//
// Collection-level pre/post scripts are not compiled into this graph.
// They run exactly once per whole run (spec.md §4.M steps 7 and 9),
// outside any iteration's graph, so compiling them per-iteration here
// would run them once per iteration instead of once per run. Root
// items are seeded directly as graph roots (or chained in sequential
// mode); see DESIGN.md for the full rationale.
package graph

import (
	"fmt"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/collection"
)

// Kind discriminates a compiled node's role.
type Kind string

const (
	KindFolderEnter Kind = "folder-enter"
	KindFolderExit  Kind = "folder-exit"
	KindScript      Kind = "script"
	KindRequest     Kind = "request"
)

// Node is one unit of scheduled work.
type Node struct {
	ID   string
	Kind Kind
	Path string

	Item *collection.Item // nil for a folder's synthetic script nodes

	Phase  errs.ScriptPhase // meaningful for KindScript
	Script string           // meaningful for KindScript

	Condition     string // evaluated before the node's action runs
	EffectiveAuth *collection.Auth

	// PreScripts/PostScripts are the resolved, already-bound scripts a
	// request node's pre-phase and post-phase run in order (spec.md
	// §4.L.3). Today this is at most the request's own pre/post-request
	// script; the list shape leaves room for future ancestor scripts
	// without changing the scheduler's contract.
	PreScripts  []string
	PostScripts []string

	Predecessors []string
	Successors   []string
}

// Graph is a compiled DAG: every node reachable in one iteration, plus
// the set of nodes with no predecessors (the scheduler's seed set).
type Graph struct {
	Nodes map[string]*Node
	Roots []string
}

func newGraph() *Graph {
	return &Graph{Nodes: map[string]*Node{}}
}

func (g *Graph) addNode(n *Node) {
	g.Nodes[n.ID] = n
}

func (g *Graph) addEdge(from, to string) {
	g.Nodes[from].Successors = append(g.Nodes[from].Successors, to)
	g.Nodes[to].Predecessors = append(g.Nodes[to].Predecessors, from)
}

// Options configures one compilation pass.
type Options struct {
	// Sequential forces document-order edges between siblings with no
	// dependsOn relation, per spec.md §4.K "Sequential mode".
	Sequential bool
}

// Compile lowers items (already filtered, per the Request Filter) into
// a DAG. It returns a ConfigError if dependsOn forms a cycle.
func Compile(coll *collection.Collection, items []collection.Item, opts Options) (*Graph, error) {
	if err := detectCycle(items); err != nil {
		return nil, err
	}

	g := newGraph()
	entry := map[string]string{}
	exit := map[string]string{}

	compileSiblings(g, coll, items, nil, opts, entry, exit)

	wireDependsOn(g, items, entry, exit)

	for id, n := range g.Nodes {
		if len(n.Predecessors) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}

	return g, nil
}

// compileSiblings compiles one ordered list of items sharing a parent
// (either the collection root or a folder), recording each item's
// entry/exit node id so dependsOn edges (added afterward) and sibling
// chaining can reference them.
func compileSiblings(g *Graph, coll *collection.Collection, items []collection.Item, ancestors []*collection.Item, opts Options, entry, exit map[string]string) {
	var prevExit string
	for i := range items {
		item := &items[i]
		var itemEntry, itemExit string

		switch item.Kind {
		case collection.KindFolder:
			itemEntry, itemExit = compileFolder(g, coll, item, ancestors, opts, entry, exit)
		case collection.KindRequest:
			itemEntry, itemExit = compileRequest(g, coll, item, ancestors)
		}

		entry[item.ID] = itemEntry
		exit[item.ID] = itemExit

		if opts.Sequential && prevExit != "" {
			g.addEdge(prevExit, itemEntry)
		}
		prevExit = itemExit
	}
}

func compileFolder(g *Graph, coll *collection.Collection, item *collection.Item, ancestors []*collection.Item, opts Options, entry, exit map[string]string) (string, string) {
	enterID := item.ID + ":enter"
	exitID := item.ID + ":exit"
	g.addNode(&Node{ID: enterID, Kind: KindFolderEnter, Path: item.Path(pathOf(ancestors)), Item: item, Condition: item.Condition})
	g.addNode(&Node{ID: exitID, Kind: KindFolderExit, Path: item.Path(pathOf(ancestors)), Item: item})

	boundaryIn := enterID
	if item.Folder.PreScript != "" {
		preID := item.ID + ":pre"
		g.addNode(&Node{ID: preID, Kind: KindScript, Path: item.Path(pathOf(ancestors)), Item: item, Phase: errs.PhaseFolderPre, Script: item.Folder.PreScript})
		g.addEdge(enterID, preID)
		boundaryIn = preID
	}

	boundaryOut := exitID
	if item.Folder.PostScript != "" {
		postID := item.ID + ":post"
		g.addNode(&Node{ID: postID, Kind: KindScript, Path: item.Path(pathOf(ancestors)), Item: item, Phase: errs.PhaseFolderPost, Script: item.Folder.PostScript})
		g.addEdge(postID, exitID)
		boundaryOut = postID
	}

	childAncestors := append(append([]*collection.Item{}, ancestors...), item)
	childEntry := map[string]string{}
	childExit := map[string]string{}
	compileSiblings(g, coll, item.Folder.Items, childAncestors, opts, childEntry, childExit)

	if len(item.Folder.Items) == 0 {
		g.addEdge(boundaryIn, boundaryOut)
	} else {
		for _, child := range item.Folder.Items {
			g.addEdge(boundaryIn, childEntry[child.ID])
			g.addEdge(childExit[child.ID], boundaryOut)
		}
		for k, v := range childEntry {
			entry[k] = v
		}
		for k, v := range childExit {
			exit[k] = v
		}
	}

	return enterID, exitID
}

func compileRequest(g *Graph, coll *collection.Collection, item *collection.Item, ancestors []*collection.Item) (string, string) {
	var pre, post []string
	if item.Request.PreScript != "" {
		pre = []string{item.Request.PreScript}
	}
	if item.Request.PostScript != "" {
		post = []string{item.Request.PostScript}
	}
	g.addNode(&Node{
		ID:            item.ID,
		Kind:          KindRequest,
		Path:          item.Path(pathOf(ancestors)),
		Item:          item,
		Condition:     item.Condition,
		EffectiveAuth: collection.EffectiveAuth(coll, item, ancestors),
		PreScripts:    pre,
		PostScripts:   post,
	})
	return item.ID, item.ID
}

func pathOf(ancestors []*collection.Item) string {
	path := ""
	for _, a := range ancestors {
		if path == "" {
			path = a.Name
		} else {
			path = path + "/" + a.Name
		}
	}
	return path
}

// wireDependsOn adds the mandatory Yk -> X edge for every item with
// dependsOn=[Y1..Yn] (spec.md §4.K), applied in both scheduling modes.
func wireDependsOn(g *Graph, items []collection.Item, entry, exit map[string]string) {
	collection.Walk(items, func(item *collection.Item, _ string, _ []*collection.Item) bool {
		for _, dep := range item.DependsOn {
			depExit, ok := exit[dep]
			if !ok {
				continue
			}
			g.addEdge(depExit, entry[item.ID])
		}
		return true
	})
}

func detectCycle(items []collection.Item) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	adj := map[string][]string{}
	collection.Walk(items, func(item *collection.Item, _ string, _ []*collection.Item) bool {
		adj[item.ID] = append(adj[item.ID], item.DependsOn...)
		return true
	})

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, dep := range adj[id] {
			switch color[dep] {
			case gray:
				return &errs.ConfigError{Reason: fmt.Sprintf("dependsOn cycle detected involving %q", dep)}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}

	for id := range adj {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}
