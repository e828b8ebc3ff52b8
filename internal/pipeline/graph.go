package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// Label names a pad in the filter graph. Labels created with StreamRef point
// at an input stream and are resolved to an index only when the graph is
// serialised.
type Label string

const inputLabelPrefix = "input:"

// StreamRef references stream ("v" or "a") of the input registered under key.
func StreamRef(key, stream string) Label {
	return Label(inputLabelPrefix + key + ":" + stream)
}

func (l Label) inputRef() (key, stream string, ok bool) {
	rest, found := strings.CutPrefix(string(l), inputLabelPrefix)
	if !found {
		return "", "", false
	}
	idx := strings.LastIndex(rest, ":")
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}

// Node is one filter chain: its inputs feed the first filter and the last
// filter writes to its outputs. Source filters such as color have no inputs.
type Node struct {
	Inputs  []Label
	Filters []string
	Outputs []Label
}

// Input is an external input the graph reads from.
type Input struct {
	Key  string
	Rank int
	// Options are placed before -i, for example "-loop 1".
	Options []string
	Path    string
}

// Input ranks fix the order inputs appear on the command line.
const (
	rankMain = iota
	rankOverlay
	rankProtection
	rankBackground
)

// Graph accumulates nodes and inputs and serialises them once.
type Graph struct {
	nodes  []Node
	inputs []Input
	seq    int
}

// AddInput registers an input. Registering a key twice keeps the first.
func (g *Graph) AddInput(input Input) {
	for _, existing := range g.inputs {
		if existing.Key == input.Key {
			return
		}
	}
	g.inputs = append(g.inputs, input)
}

// Add appends a node.
func (g *Graph) Add(inputs []Label, filters []string, outputs ...Label) {
	g.nodes = append(g.nodes, Node{Inputs: inputs, Filters: filters, Outputs: outputs})
}

// Pad returns a fresh pad label.
func (g *Graph) Pad(prefix string) Label {
	g.seq++
	return Label(fmt.Sprintf("%s%d", prefix, g.seq))
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node {
	return g.nodes
}

// Inputs returns the registered inputs in command-line order: main content,
// overlay images, the protection image, then the background image.
func (g *Graph) Inputs() []Input {
	ordered := append([]Input(nil), g.inputs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Rank < ordered[j].Rank
	})
	return ordered
}

func (g *Graph) indexes() map[string]int {
	index := make(map[string]int, len(g.inputs))
	for i, input := range g.Inputs() {
		index[input.Key] = i
	}
	return index
}

// Linear reports whether the graph is a single chain over the main input
// and can be passed with -vf.
func (g *Graph) Linear() bool {
	if len(g.nodes) != 1 || len(g.inputs) != 1 {
		return false
	}
	node := g.nodes[0]
	if len(node.Inputs) != 1 {
		return false
	}
	key, _, ok := node.Inputs[0].inputRef()
	return ok && key == g.inputs[0].Key
}

// Chain returns the filters of a linear graph joined for -vf.
func (g *Graph) Chain() string {
	if len(g.nodes) == 0 {
		return ""
	}
	return strings.Join(g.nodes[0].Filters, ",")
}

// String serialises the graph for -filter_complex.
func (g *Graph) String() string {
	index := g.indexes()
	parts := make([]string, 0, len(g.nodes))
	for _, node := range g.nodes {
		var b strings.Builder
		for _, label := range node.Inputs {
			b.WriteString(g.renderLabel(label, index))
		}
		b.WriteString(strings.Join(node.Filters, ","))
		for _, label := range node.Outputs {
			b.WriteString(g.renderLabel(label, index))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

func (g *Graph) renderLabel(label Label, index map[string]int) string {
	if key, stream, ok := label.inputRef(); ok {
		if idx, found := index[key]; found {
			return fmt.Sprintf("[%d:%s]", idx, stream)
		}
	}
	return "[" + string(label) + "]"
}
