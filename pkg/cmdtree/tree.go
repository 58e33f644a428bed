// Package cmdtree defines the p4rtctl command tree.
//
// The tree drives tab completion, "?" help and command descriptions of the
// interactive shell. When adding a command, add it here so that it shows up
// in all three.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Source supplies the dynamic values offered for completion.
type Source interface {
	SwitchNames() []string
	TypeNames() []string
}

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(src Source) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func switchNames(src Source) []string { return src.SwitchNames() }
func typeNames(src Source) []string   { return src.TypeNames() }

// Tree is the command tree of the shell.
var Tree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":   {Desc: "Show daemon status"},
		"types":    {Desc: "Show datapath types"},
		"switches": {Desc: "Show all switches"},
		"switch": {Desc: "Show one switch", DynamicFn: switchNames, Children: map[string]*Node{
			"ports":   {Desc: "Show switch ports"},
			"program": {Desc: "Show the loaded program"},
			"stats":   {Desc: "Show engine counters"},
		}},
		"events": {Desc: "Show recent events [switch NAME] [type TYPE] [count N]", Children: map[string]*Node{
			"switch": {Desc: "Filter by switch", DynamicFn: switchNames},
			"type":   {Desc: "Filter by event type prefix"},
			"count":  {Desc: "Number of events"},
		}},
	}},
	"create": {Desc: "Create an object", Children: map[string]*Node{
		"switch": {Desc: "Create a switch: NAME [type TYPE]", Children: map[string]*Node{
			"<name>": {Desc: "Switch name"},
			"type":   {Desc: "Datapath type", DynamicFn: typeNames},
		}},
	}},
	"destroy": {Desc: "Destroy an object", Children: map[string]*Node{
		"switch": {Desc: "Destroy a switch: NAME [delete-engine]", DynamicFn: switchNames, Children: map[string]*Node{
			"delete-engine": {Desc: "Also delete the engine state"},
		}},
	}},
	"add": {Desc: "Add an object", Children: map[string]*Node{
		"port": {Desc: "Add a port: SWITCH DEVICE [type TYPE] [number N]", DynamicFn: switchNames, Children: map[string]*Node{
			"type":   {Desc: "Device type (system, internal, memory)"},
			"number": {Desc: "Requested port number"},
		}},
	}},
	"delete": {Desc: "Delete an object", Children: map[string]*Node{
		"port": {Desc: "Delete a port: SWITCH PORT [preserve]", DynamicFn: switchNames, Children: map[string]*Node{
			"preserve": {Desc: "Keep the engine port"},
		}},
	}},
	"load": {Desc: "Load an object", Children: map[string]*Node{
		"program": {Desc: "Load a program: SWITCH FILE [cookie N]", DynamicFn: switchNames, Children: map[string]*Node{
			"cookie": {Desc: "Opaque program cookie"},
		}},
	}},
	"unload": {Desc: "Unload an object", Children: map[string]*Node{
		"program": {Desc: "Unload the program of SWITCH", DynamicFn: switchNames},
	}},
	"inject":  {Desc: "Run packets through a switch: SWITCH PORT HEX...", DynamicFn: switchNames},
	"monitor": {Desc: "Stream live information", Children: map[string]*Node{
		"events": {Desc: "Stream events until interrupted [switch NAME]", Children: map[string]*Node{
			"switch": {Desc: "Filter by switch", DynamicFn: switchNames},
		}},
	}},
	"help": {Desc: "Show help"},
	"quit": {Desc: "Exit CLI"},
	"exit": {Desc: "Exit CLI"},
}

// KeysFromTree returns a sorted list of keys from a Node map.
func KeysFromTree(tree map[string]*Node) []string {
	keys := make([]string, 0, len(tree))
	for k := range tree {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// Complete walks tree along words and returns the candidates for partial.
// A word that is not a child of a node with dynamic values is taken as one
// of those values; the walk stays at the node's children. src may be nil.
func Complete(tree map[string]*Node, words []string, partial string, src Source) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn != nil && src != nil {
				return dynamicCandidates(node, partial, src)
			}
			return nil
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil && src != nil {
		candidates = append(candidates, dynamicCandidates(currentNode, partial, src)...)
	}
	return candidates
}

func dynamicCandidates(node *Node, partial string, src Source) []Candidate {
	var candidates []Candidate
	for _, name := range node.DynamicFn(src) {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: "(existing)"})
		}
	}
	return candidates
}

// LookupDesc returns the description of the node at path, "" if none.
func LookupDesc(path []string) string {
	current := Tree
	var node *Node
	for _, w := range path {
		next, ok := current[w]
		if !ok {
			if node != nil && node.DynamicFn != nil {
				continue
			}
			return ""
		}
		node = next
		current = node.Children
	}
	if node == nil {
		return ""
	}
	return node.Desc
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}
