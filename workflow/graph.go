// Package workflow models the workflow graph submitted by callers: a
// mapping from node id to node descriptor, plus the pure operations the
// pool and execution wrapper perform on it before and after submission
// (cloning, seed randomization, structural hashing, bypass rewiring).
package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// Ref is a wire reference to another node's output: [upstreamNode,
// outputIndex].
type Ref struct {
	Node        string
	OutputIndex int
}

// Input is either a scalar value or a Ref to an upstream node's output.
// Exactly one of Value or IsRef is meaningful.
type Input struct {
	IsRef bool
	Ref   Ref
	Value any
}

// Node is one vertex of the graph.
type Node struct {
	ClassType string
	Inputs    map[string]Input
}

// Graph is the opaque-to-the-core workflow: a mapping from node id to node
// descriptor. The core reads it only to serialize, randomize seeds, and
// optionally rewire bypassed nodes.
type Graph map[string]Node

// Clone returns a deep copy. Every attempt clones the job's stored workflow
// again before auto-seeding, so the stored copy is never mutated.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, node := range g {
		inputs := make(map[string]Input, len(node.Inputs))
		for name, in := range node.Inputs {
			inputs[name] = in
		}
		out[id] = Node{ClassType: node.ClassType, Inputs: inputs}
	}
	return out
}

// ToPromptMap serializes g into the wire shape POST /prompt expects: one
// entry per node keyed by id, each carrying its class_type and an inputs
// map where references become a 2-element [node, outputIndex] array.
func (g Graph) ToPromptMap() map[string]any {
	out := make(map[string]any, len(g))
	for id, node := range g {
		inputs := make(map[string]any, len(node.Inputs))
		for name, in := range node.Inputs {
			if in.IsRef {
				inputs[name] = []any{in.Ref.Node, in.Ref.OutputIndex}
			} else {
				inputs[name] = in.Value
			}
		}
		out[id] = map[string]any{
			"class_type": node.ClassType,
			"inputs":     inputs,
		}
	}
	return out
}

// SeedRand is the source used by ApplySeeds. Tests may replace it with a
// deterministic source.
var SeedRand = rand.Int32N

// ApplySeeds replaces every input named "seed" with value -1 by a fresh
// random non-negative 31-bit integer, returning the map of node id to the
// chosen value so it can be reported back as result metadata.
func (g Graph) ApplySeeds() map[string]int32 {
	chosen := make(map[string]int32)
	for id, node := range g {
		in, ok := node.Inputs["seed"]
		if !ok || in.IsRef {
			continue
		}
		asInt, ok := toInt64(in.Value)
		if !ok || asInt != -1 {
			continue
		}
		value := SeedRand(math.MaxInt32)
		node.Inputs["seed"] = Input{Value: int64(value)}
		chosen[id] = value
	}
	return chosen
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// Hash computes a stable structural hash over the graph's semantic content.
// It is deterministic regardless of Go map iteration order: node ids and
// input names are sorted before hashing.
func (g Graph) Hash() string {
	h := sha256.New()
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := g[id]
		fmt.Fprintf(h, "node:%s|class:%s\n", id, node.ClassType)

		names := make([]string, 0, len(node.Inputs))
		for name := range node.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			in := node.Inputs[name]
			if in.IsRef {
				fmt.Fprintf(h, "  in:%s=ref(%s,%d)\n", name, in.Ref.Node, in.Ref.OutputIndex)
			} else {
				fmt.Fprintf(h, "  in:%s=val(%v)\n", name, in.Value)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ClassLookup resolves a class type's input and output types, used by
// Rewire to map each output slot of a bypassed node onto one of that
// node's own inputs of the same type. Implemented by client.Session against the
// remote server's object_info endpoint.
type ClassLookup interface {
	InputOutputTypes(classType string) (inputTypes map[string]string, outputTypes []string, err error)
}

// MissingNodeError reports a bypassed node, or its class definition, that
// could not be found while rewiring.
type MissingNodeError struct {
	NodeID string
	Reason string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("workflow: missing node %q: %s", e.NodeID, e.Reason)
}

// Rewire removes each node listed in bypassNodeIDs from g, splicing its
// consumers directly onto the upstream wire that fed the matching input on
// the bypassed node. A bypassed node, or its class
// definition, that cannot be resolved through lookup aborts with a
// *MissingNodeError.
func (g Graph) Rewire(bypassNodeIDs []string, lookup ClassLookup) error {
	for _, bypassID := range bypassNodeIDs {
		bypassed, ok := g[bypassID]
		if !ok {
			return &MissingNodeError{NodeID: bypassID, Reason: "bypassed node not present in graph"}
		}

		inputTypes, outputTypes, err := lookup.InputOutputTypes(bypassed.ClassType)
		if err != nil {
			return &MissingNodeError{NodeID: bypassID, Reason: fmt.Sprintf("class definition unavailable: %v", err)}
		}

		// For each output slot, take an input type of the bypassed node
		// that matches the slot's type and resolve what fed that input.
		// inputTypes is a map, so when several inputs share the type,
		// which one is taken is not defined; if the bypassed node does not
		// set the input taken, the slot gets no replacement.
		replacement := make(map[int]Input, len(outputTypes))
		for slotIdx, outType := range outputTypes {
			for inputName, inType := range inputTypes {
				if inType != outType {
					continue
				}
				if in, ok := bypassed.Inputs[inputName]; ok {
					replacement[slotIdx] = in
				}
				break
			}
		}

		for id, node := range g {
			if id == bypassID {
				continue
			}
			for name, in := range node.Inputs {
				if !in.IsRef || in.Ref.Node != bypassID {
					continue
				}
				if repl, ok := replacement[in.Ref.OutputIndex]; ok {
					node.Inputs[name] = repl
				} else {
					delete(node.Inputs, name)
				}
			}
		}

		delete(g, bypassID)
	}
	return nil
}
