package workflow

import (
	"testing"

	"pgregory.net/rapid"
)

// genNode builds an arbitrary node whose inputs are either scalar strings
// or references to a node id drawn from existingIDs.
func genNode(t *rapid.T, existingIDs []string) Node {
	inputCount := rapid.IntRange(0, 4).Draw(t, "inputCount")
	inputs := make(map[string]Input, inputCount)
	for i := 0; i < inputCount; i++ {
		name := rapid.StringMatching(`[a-z]{3,8}`).Draw(t, "inputName")
		if len(existingIDs) > 0 && rapid.Bool().Draw(t, "isRef") {
			ref := rapid.SampledFrom(existingIDs).Draw(t, "refNode")
			inputs[name] = Input{IsRef: true, Ref: Ref{Node: ref, OutputIndex: rapid.IntRange(0, 2).Draw(t, "outputIndex")}}
		} else {
			inputs[name] = Input{Value: rapid.StringMatching(`[a-zA-Z0-9_.]{1,12}`).Draw(t, "inputValue")}
		}
	}
	return Node{
		ClassType: rapid.StringMatching(`[A-Z][a-zA-Z]{2,12}`).Draw(t, "classType"),
		Inputs:    inputs,
	}
}

func genGraph(t *rapid.T) Graph {
	n := rapid.IntRange(1, 8).Draw(t, "nodeCount")
	ids := make([]string, n)
	for i := range ids {
		ids[i] = rapid.StringMatching(`[0-9]{1,3}`).Draw(t, "id")
	}
	g := make(Graph, n)
	for i, id := range ids {
		g[id] = genNode(t, ids[:i])
	}
	return g
}

// TestHashIsStableAcrossRebuilds asserts Hash depends only on a graph's
// structural content, not on the order its entries were inserted in —
// unlike Go's map iteration, which is randomized per run.
func TestHashIsStableAcrossRebuilds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := genGraph(t)

		rebuilt := make(Graph, len(g))
		for id, node := range g {
			rebuilt[id] = node
		}

		if g.Hash() != rebuilt.Hash() {
			t.Fatalf("hash changed across an order-independent rebuild: %s vs %s", g.Hash(), rebuilt.Hash())
		}
	})
}

// TestHashChangesWithContent asserts two structurally different graphs
// hash differently (no accidental collision from the traversal order
// fix-up itself).
func TestHashChangesWithContent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		g := genGraph(t)
		mutated := g.Clone()

		id := rapid.SampledFrom(keysOf(mutated)).Draw(t, "mutateID")
		node := mutated[id]
		node.ClassType = node.ClassType + "X"
		mutated[id] = node

		if g.Hash() == mutated.Hash() {
			t.Fatalf("hash collided after mutating node %s's class type", id)
		}
	})
}

func keysOf(g Graph) []string {
	out := make([]string, 0, len(g))
	for id := range g {
		out = append(out, id)
	}
	return out
}
