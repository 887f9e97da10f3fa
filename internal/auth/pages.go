package auth

import "sort"

// PageNode is a page with its resolved children.
type PageNode struct {
	Page
	Children []*PageNode `json:"children,omitempty"`
}

// BuildPageTree reassembles a flat parent-pointer page list into a forest.
// Two passes: an index pass mapping id to node, then a link pass attaching
// children. No recursion, so deep or accidentally cyclic data cannot blow
// the stack. A child whose parent is absent from the input (a role granted
// the child but not the parent) surfaces at the top level, and a parent
// cycle is broken by promoting one of its members, so no page ever drops
// out of the forest.
func BuildPageTree(pages []Page) []*PageNode {
	index := make(map[string]*PageNode, len(pages))
	for _, p := range pages {
		index[p.ID] = &PageNode{Page: p}
	}

	var roots []*PageNode
	for _, p := range pages {
		node := index[p.ID]
		if p.ParentID == nil {
			roots = append(roots, node)
			continue
		}
		parent, ok := index[*p.ParentID]
		if !ok || parent == node || breaksCycle(index, p) {
			roots = append(roots, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}

	sortNodes(roots)
	for _, node := range index {
		sortNodes(node.Children)
	}
	return roots
}

// breaksCycle reports whether the page must be promoted to the top level to
// break a parent cycle it sits on. Parent pointers are functional, so a walk
// from p that returns to p has traversed exactly the cycle's members; the
// member with the smallest id is the one promoted, the rest keep their
// parent links and hang beneath it.
func breaksCycle(index map[string]*PageNode, p Page) bool {
	seen := map[string]bool{p.ID: true}
	min := p.ID
	cur := p.ParentID
	for cur != nil {
		node, ok := index[*cur]
		if !ok {
			return false
		}
		if node.ID == p.ID {
			return p.ID == min
		}
		if seen[node.ID] {
			// a cycle upstream of p, not containing it
			return false
		}
		seen[node.ID] = true
		if node.ID < min {
			min = node.ID
		}
		cur = node.ParentID
	}
	return false
}

func sortNodes(nodes []*PageNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].SortOrder != nodes[j].SortOrder {
			return nodes[i].SortOrder < nodes[j].SortOrder
		}
		return nodes[i].Name < nodes[j].Name
	})
}
