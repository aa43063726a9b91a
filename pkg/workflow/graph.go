// Package workflow implements the typed workflow graph and the engine that
// executes it: checkpointed node execution, conditional routing, fan-out with
// ordered join, pause/resume, cancellation with compensations, and
// human-in-the-loop gates.
package workflow

import (
	"context"

	"github.com/petitionlabs/gavel/pkg/errors"
	"github.com/petitionlabs/gavel/pkg/state"
)

// End is the router return value that terminates a workflow.
const End = "__end__"

// NodeFunc is one unit of work. Nodes read the snapshot they are handed and
// write exclusively through the NodeContext so every mutation commits through
// the store. Nodes must be idempotent; the engine may re-execute one after a
// crash that preceded the checkpoint.
type NodeFunc func(ctx context.Context, nc *NodeContext) error

// RouterFunc picks the next node from the committed state. It returns a node
// id or End.
type RouterFunc func(st *state.State) string

// BranchFunc is one concurrent branch of a fan-out node.
type BranchFunc func(ctx context.Context, nc *NodeContext) (any, error)

// BranchResult reports one branch's outcome, in declaration order.
type BranchResult struct {
	ID    string
	Value any
	Err   error
}

// ReducerFunc merges joined branch results into state through the context.
// Partial failures arrive as per-branch errors; the reducer (and the node's
// router) decide continue-or-abort.
type ReducerFunc func(ctx context.Context, nc *NodeContext, results []BranchResult) error

// Branch is one declared fan-out branch.
type Branch struct {
	ID  string
	Run BranchFunc
}

// FanOut declares a set of branches run concurrently and joined in
// declaration order.
type FanOut struct {
	Branches []Branch
	Reduce   ReducerFunc
}

// Node is one vertex of the graph. Exactly one of Run and FanOut is set.
type Node struct {
	ID         string
	Run        NodeFunc
	FanOut     *FanOut
	Next       string
	Router     RouterFunc
	Compensate NodeFunc
}

// Graph is a directed workflow over state. Nodes live in an arena keyed by
// id; edges hold ids, never node references.
type Graph struct {
	name        string
	start       string
	nodes       map[string]*Node
	order       []string
	errorRouter RouterFunc
	compiled    bool
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]*Node),
	}
}

// Name identifies the graph; persisted state records it so resume can find
// the right graph.
func (g *Graph) Name() string {
	return g.name
}

// NodeOption configures a node at declaration.
type NodeOption func(*Node)

// WithNext sets the unconditional edge.
func WithNext(id string) NodeOption {
	return func(n *Node) { n.Next = id }
}

// WithRouter sets the conditional edge.
func WithRouter(r RouterFunc) NodeOption {
	return func(n *Node) { n.Router = r }
}

// WithCompensation registers a compensating function run on cancel, in
// reverse declaration order.
func WithCompensation(fn NodeFunc) NodeOption {
	return func(n *Node) { n.Compensate = fn }
}

// AddNode declares a function node.
func (g *Graph) AddNode(id string, run NodeFunc, opts ...NodeOption) *Graph {
	n := &Node{ID: id, Run: run}
	for _, opt := range opts {
		opt(n)
	}
	g.insert(n)
	return g
}

// AddFanOut declares a fan-out node.
func (g *Graph) AddFanOut(id string, fanOut FanOut, opts ...NodeOption) *Graph {
	n := &Node{ID: id, FanOut: &fanOut}
	for _, opt := range opts {
		opt(n)
	}
	g.insert(n)
	return g
}

// SetStart names the entry node.
func (g *Graph) SetStart(id string) *Graph {
	g.start = id
	return g
}

// SetErrorRouter installs the router consulted after a node exhausts its
// retries. Absent a router the engine terminates the thread with error
// status.
func (g *Graph) SetErrorRouter(r RouterFunc) *Graph {
	g.errorRouter = r
	return g
}

func (g *Graph) insert(n *Node) {
	if _, dup := g.nodes[n.ID]; !dup {
		g.order = append(g.order, n.ID)
	}
	g.nodes[n.ID] = n
}

// Compile validates the graph: a start node is set, every edge references a
// declared node, and every node has a body.
func (g *Graph) Compile() error {
	if g.start == "" {
		return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "graph %s has no start node", g.name)
	}
	if _, ok := g.nodes[g.start]; !ok {
		return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "graph %s start %q is not declared", g.name, g.start)
	}
	for id, n := range g.nodes {
		if n.Run == nil && n.FanOut == nil {
			return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "node %s has no body", id)
		}
		if n.Run != nil && n.FanOut != nil {
			return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "node %s declares both a body and a fan-out", id)
		}
		if n.FanOut != nil {
			if len(n.FanOut.Branches) == 0 {
				return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "fan-out node %s has no branches", id)
			}
			if n.FanOut.Reduce == nil {
				return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "fan-out node %s has no reducer", id)
			}
		}
		if n.Next != "" && n.Next != End {
			if _, ok := g.nodes[n.Next]; !ok {
				return errors.Newf(errors.KindInvalidState, "workflow", "Compile", "node %s points to undeclared node %q", id, n.Next)
			}
		}
	}
	g.compiled = true
	return nil
}

// compensations returns node ids with compensations, in declaration order.
func (g *Graph) compensations() []*Node {
	var out []*Node
	for _, id := range g.order {
		if n := g.nodes[id]; n.Compensate != nil {
			out = append(out, n)
		}
	}
	return out
}
