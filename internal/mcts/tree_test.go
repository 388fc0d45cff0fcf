package mcts

import (
	"math"
	"testing"

	"github.com/allthingssecurity/evoldsl/internal/model"
	"github.com/allthingssecurity/evoldsl/internal/program"
)

func testState() program.State {
	return program.NewState("double", []string{"n"}, model.TypeInt)
}

func TestTreeAddChildLinks(t *testing.T) {
	tr := newTree(testState())

	child := tr.addChild(0, program.Action{Type: program.ActionUseParam, Value: "n"}, testState())
	if child != 1 {
		t.Fatalf("child index = %d, want 1", child)
	}
	if tr.nodes[child].parent != 0 {
		t.Fatalf("child parent = %d, want 0", tr.nodes[child].parent)
	}
	if len(tr.nodes[0].children) != 1 || tr.nodes[0].children[0] != child {
		t.Fatalf("root children = %v", tr.nodes[0].children)
	}
	if tr.isLeaf(0) {
		t.Fatal("root with a child reported as leaf")
	}
	if !tr.isLeaf(child) {
		t.Fatal("childless node not reported as leaf")
	}
}

func TestUCBUnvisitedIsInfinite(t *testing.T) {
	tr := newTree(testState())
	child := tr.addChild(0, program.Action{Type: program.ActionUseParam, Value: "n"}, testState())
	if got := tr.ucb(child, math.Sqrt2); !math.IsInf(got, 1) {
		t.Fatalf("ucb of unvisited node = %v, want +Inf", got)
	}
}

func TestBestChildPrefersUnvisitedThenReward(t *testing.T) {
	tr := newTree(testState())
	a := tr.addChild(0, program.Action{Type: program.ActionUseParam, Value: "n"}, testState())
	b := tr.addChild(0, program.Action{Type: program.ActionAddLiteral, Value: "1"}, testState())

	tr.backpropagate(a, 0.9)
	if got := tr.bestChild(0, math.Sqrt2); got != b {
		t.Fatalf("bestChild = %d, want unvisited child %d", got, b)
	}

	tr.backpropagate(b, 0.1)
	// With exploration off the higher mean reward wins.
	if got := tr.bestChild(0, 0); got != a {
		t.Fatalf("bestChild without exploration = %d, want %d", got, a)
	}
}

func TestBackpropagateWalksToRoot(t *testing.T) {
	tr := newTree(testState())
	a := tr.addChild(0, program.Action{Type: program.ActionUseParam, Value: "n"}, testState())
	b := tr.addChild(a, program.Action{Type: program.ActionComplete, Value: "complete"}, testState())

	tr.backpropagate(b, 0.5)
	for _, idx := range []int{0, a, b} {
		if tr.nodes[idx].visits != 1 {
			t.Fatalf("node %d visits = %d, want 1", idx, tr.nodes[idx].visits)
		}
		if tr.nodes[idx].totalReward != 0.5 {
			t.Fatalf("node %d reward = %v, want 0.5", idx, tr.nodes[idx].totalReward)
		}
	}

	tr.backpropagate(a, 0.25)
	if tr.nodes[b].visits != 1 {
		t.Fatal("sibling-path node updated by unrelated backpropagation")
	}
	if tr.nodes[0].visits != 2 || tr.nodes[0].totalReward != 0.75 {
		t.Fatalf("root stats = %d/%v, want 2/0.75", tr.nodes[0].visits, tr.nodes[0].totalReward)
	}
}

func TestSnapshotCapturesAllNodes(t *testing.T) {
	tr := newTree(testState())
	st := testState()
	st.BodyTokens = []string{"mul(", "n)"}
	child := tr.addChild(0, program.Action{Type: program.ActionUseParam, Value: "n"}, st)
	tr.backpropagate(child, 1)

	snap := tr.snapshot(math.Sqrt2)
	if len(snap.Nodes) != 2 {
		t.Fatalf("snapshot nodes = %d, want 2", len(snap.Nodes))
	}
	root := snap.Nodes[0]
	if root.Parent != -1 || root.Action != "" {
		t.Fatalf("root snapshot = %+v", root)
	}
	got := snap.Nodes[child]
	if got.Parent != 0 || got.Action != "use_param:n" || got.Visits != 1 {
		t.Fatalf("child snapshot = %+v", got)
	}
	if got.Body != "mul ( n )" {
		t.Fatalf("child body = %q", got.Body)
	}
	if got.UCB == 0 {
		t.Fatal("visited child snapshot missing UCB score")
	}
}
