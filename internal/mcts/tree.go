// Package mcts implements the tree search half of the dual-search engine:
// an append-only Monte Carlo search tree over program construction states,
// guided by an oracle's action rankings and program scores.
package mcts

import (
	"math"

	"github.com/allthingssecurity/evoldsl/internal/events"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

// node is one arena entry. Parent and children are indices into the arena,
// so the parent link is a pure back-reference with no ownership of its own.
type node struct {
	state       program.State
	parent      int // -1 for the root
	action      program.Action
	hasAction   bool
	children    []int
	visits      int
	totalReward float64
	untried     []program.Action
	expanded    bool // pending-action queue has been populated
}

// tree is the append-only arena. Nodes are never removed or reordered;
// statistics mutate only during backpropagation.
type tree struct {
	nodes []node
}

func newTree(root program.State) *tree {
	return &tree{nodes: []node{{state: root, parent: -1}}}
}

func (t *tree) addChild(parent int, action program.Action, state program.State) int {
	idx := len(t.nodes)
	t.nodes = append(t.nodes, node{
		state:     state,
		parent:    parent,
		action:    action,
		hasAction: true,
	})
	t.nodes[parent].children = append(t.nodes[parent].children, idx)
	return idx
}

func (t *tree) isLeaf(idx int) bool {
	return len(t.nodes[idx].children) == 0
}

func (t *tree) fullyExpanded(idx int) bool {
	n := &t.nodes[idx]
	return n.expanded && len(n.untried) == 0
}

// ucb computes the UCB1 score of a child node. Unvisited children score
// +Inf so each is tried once before any sibling is revisited.
func (t *tree) ucb(idx int, exploration float64) float64 {
	n := &t.nodes[idx]
	if n.visits == 0 {
		return math.Inf(1)
	}
	exploitation := n.totalReward / float64(n.visits)
	parentVisits := 1
	if n.parent >= 0 {
		parentVisits = t.nodes[n.parent].visits
	}
	if parentVisits < 1 {
		parentVisits = 1
	}
	return exploitation + exploration*math.Sqrt(math.Log(float64(parentVisits))/float64(n.visits))
}

// bestChild returns the child index maximizing UCB1. The first maximal
// child wins ties, keeping selection deterministic.
func (t *tree) bestChild(idx int, exploration float64) int {
	best := -1
	bestScore := math.Inf(-1)
	for _, child := range t.nodes[idx].children {
		if score := t.ucb(child, exploration); score > bestScore {
			bestScore = score
			best = child
		}
	}
	return best
}

// backpropagate adds one visit and the reward to every node from idx up to
// the root. The walk applies as a full pass: every ancestor on the path is
// updated before the method returns.
func (t *tree) backpropagate(idx int, reward float64) {
	for cur := idx; cur >= 0; cur = t.nodes[cur].parent {
		t.nodes[cur].visits++
		t.nodes[cur].totalReward += reward
	}
}

// snapshot captures the full tree for the progress boundary.
func (t *tree) snapshot(exploration float64) events.TreeSnapshot {
	out := events.TreeSnapshot{Nodes: make([]events.NodeSnapshot, len(t.nodes))}
	for i := range t.nodes {
		n := &t.nodes[i]
		snap := events.NodeSnapshot{
			Index:       i,
			Parent:      n.parent,
			Children:    append([]int(nil), n.children...),
			Complete:    n.state.Complete,
			Depth:       n.state.Depth,
			Visits:      n.visits,
			TotalReward: n.totalReward,
			Body:        n.state.BodyText(),
		}
		if n.hasAction {
			snap.Action = n.action.Key()
		}
		if n.parent >= 0 && n.visits > 0 {
			snap.UCB = t.ucb(i, exploration)
		}
		out.Nodes[i] = snap
	}
	return out
}
