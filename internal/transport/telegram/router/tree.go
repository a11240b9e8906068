package router

import (
	"maps"
	"slices"
	"strings"
)

// cmdNode is one token of a command route. Interior nodes may also carry a
// command ("admin" and "admin health" can both exist).
type cmdNode struct {
	name     string
	cmd      *Command
	children map[string]*cmdNode
}

func newRoot() *cmdNode { return &cmdNode{children: map[string]*cmdNode{}} }

// splitRoute lowercases and tokenizes "Admin  Health" into [admin health].
func splitRoute(route string) []string { return strings.Fields(strings.ToLower(route)) }

// walk follows route from n. With create set, missing nodes are added;
// otherwise walk returns nil on the first missing token.
func (n *cmdNode) walk(route []string, create bool) *cmdNode {
	for _, tok := range route {
		next := n.children[tok]
		if next == nil {
			if !create {
				return nil
			}
			next = &cmdNode{name: tok, children: map[string]*cmdNode{}}
			n.children[tok] = next
		}
		n = next
	}
	return n
}

func (n *cmdNode) add(route []string, c Command) { n.walk(route, true).cmd = &c }

func (n *cmdNode) find(path []string) *cmdNode { return n.walk(path, false) }

func (n *cmdNode) child(name string) (*cmdNode, bool) {
	c := n.children[name]
	return c, c != nil
}

func (n *cmdNode) childNames() []string { return slices.Sorted(maps.Keys(n.children)) }
