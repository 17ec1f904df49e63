package filetree

import (
	"sort"
	"strings"
)

type builder struct {
	roots []*TreeNode
	nodes map[string]*TreeNode
}

// BuildTree derives the sorted hierarchy for entries plus the known empty
// directories. Intermediate directories are inferred from path segments.
// When rootLabel is non-empty the top-level nodes are wrapped in a single
// synthetic directory with Depth -1 and an empty FullPath.
//
// The result depends only on the set of inputs, not on their order.
func BuildTree(entries []FlatEntry, emptyDirs PathSet, rootLabel string) []*TreeNode {
	b := &builder{nodes: make(map[string]*TreeNode, len(entries))}

	for _, entry := range entries {
		parts := SplitPath(entry.Path)
		if len(parts) == 0 {
			continue
		}
		leaf := File
		if entry.Type == Tree {
			leaf = Directory
		}
		b.walk(parts, leaf)
	}

	for dir := range emptyDirs {
		if _, ok := b.nodes[dir]; ok {
			continue
		}
		parts := SplitPath(dir)
		if len(parts) == 0 {
			continue
		}
		b.walk(parts, Directory)
	}

	sortNodes(b.roots)

	if rootLabel == "" {
		return b.roots
	}
	return []*TreeNode{{
		Name:     rootLabel,
		FullPath: "",
		Kind:     Directory,
		Depth:    -1,
		Children: b.roots,
	}}
}

func (b *builder) walk(parts []string, leaf NodeKind) {
	for i := range parts {
		fullPath := strings.Join(parts[:i+1], "/")
		kind := Directory
		if i == len(parts)-1 {
			kind = leaf
		}

		if node, ok := b.nodes[fullPath]; ok {
			// A prefix seen as a file that turns out to hold children is a
			// directory no matter which entry came first.
			if kind == Directory {
				node.Kind = Directory
			}
			continue
		}

		node := &TreeNode{
			Name:     parts[i],
			FullPath: fullPath,
			Kind:     kind,
			Depth:    i,
		}
		b.nodes[fullPath] = node
		if i == 0 {
			b.roots = append(b.roots, node)
			continue
		}
		parent := b.nodes[strings.Join(parts[:i], "/")]
		parent.Children = append(parent.Children, node)
	}
}

func sortNodes(nodes []*TreeNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return lessNode(nodes[i], nodes[j])
	})
	for _, node := range nodes {
		if len(node.Children) > 0 {
			sortNodes(node.Children)
		}
	}
}

// lessNode puts directories first, then natural order, then byte order so
// names differing only by case or leading zeros still sort deterministically.
func lessNode(a, b *TreeNode) bool {
	if a.Kind != b.Kind {
		return a.Kind == Directory
	}
	if c := CompareNatural(a.Name, b.Name); c != 0 {
		return c < 0
	}
	return a.Name < b.Name
}

// Flatten lists nodes in render order. A directory's children are only
// visited when its FullPath is in expanded.
func Flatten(nodes []*TreeNode, expanded PathSet) []*TreeNode {
	out := make([]*TreeNode, 0, len(nodes))
	var visit func([]*TreeNode)
	visit = func(level []*TreeNode) {
		for _, node := range level {
			out = append(out, node)
			if node.IsDir() && expanded.Has(node.FullPath) {
				visit(node.Children)
			}
		}
	}
	visit(nodes)
	return out
}

// AllDirectories returns the expansion set that shows every node.
func AllDirectories(nodes []*TreeNode) PathSet {
	set := NewPathSet()
	Walk(nodes, func(node *TreeNode) {
		if node.IsDir() {
			set.Add(node.FullPath)
		}
	})
	return set
}

// Walk visits every node in pre-order regardless of expansion.
func Walk(nodes []*TreeNode, fn func(*TreeNode)) {
	for _, node := range nodes {
		fn(node)
		Walk(node.Children, fn)
	}
}

// Index maps FullPath to node for every node in the forest. The synthetic
// root is indexed under "".
func Index(nodes []*TreeNode) map[string]*TreeNode {
	idx := make(map[string]*TreeNode)
	Walk(nodes, func(node *TreeNode) {
		idx[node.FullPath] = node
	})
	return idx
}

// Exists returns the set of real (non-synthetic) paths present in the forest.
func Exists(nodes []*TreeNode) PathSet {
	set := NewPathSet()
	Walk(nodes, func(node *TreeNode) {
		if !node.IsRoot() {
			set.Add(node.FullPath)
		}
	})
	return set
}

// DeriveEmptyDirs returns the explicit tree entries that have no blob
// descendants in entries.
func DeriveEmptyDirs(entries []FlatEntry) PathSet {
	content := ContentDirs(entries)
	out := NewPathSet()
	for _, entry := range entries {
		if entry.Type == Tree && !content.Has(entry.Path) {
			out.Add(entry.Path)
		}
	}
	return out
}

// ContentDirs returns every directory that has a non-directory entry
// strictly beneath it. It is built in one pass over entries.
func ContentDirs(entries []FlatEntry) PathSet {
	out := NewPathSet()
	for _, entry := range entries {
		if entry.Type == Tree {
			continue
		}
		for _, dir := range Ancestors(entry.Path) {
			out.Add(dir)
		}
	}
	return out
}
