package rules

import (
	"fmt"

	"github.com/google/uuid"
)

// Make builds a new rule node with a fresh id and defaults applied. Direct
// children get their ParentID stamped to the new id; deeper levels are left
// alone, so multi-level trees are built bottom-up or passed through Stitch.
func Make(r Rule) Rule {
	r.ID = uuid.NewString()
	if r.Group == "" {
		r.Group = GroupUser
	}
	if r.Path == "" {
		r.Path = "$"
	}
	if r.Operator == "" {
		r.Operator = OpEquals
	}
	if len(r.Children) > 0 {
		children := make([]Rule, len(r.Children))
		for i, child := range r.Children {
			child.ParentID = r.ID
			children[i] = child
		}
		r.Children = children
	}
	return r
}

// Stitch walks a nested tree and sets RootID and ParentID on every node from
// its position. Nodes without an id get one.
func Stitch(root Rule) Rule {
	if root.ID == "" {
		root.ID = uuid.NewString()
	}
	root.ParentID = ""
	root.RootID = ""
	return stitch(root, root.ID)
}

func stitch(node Rule, rootID string) Rule {
	if node.ID != rootID {
		node.RootID = rootID
	}
	if len(node.Children) == 0 {
		return node
	}
	children := make([]Rule, len(node.Children))
	for i, child := range node.Children {
		if child.ID == "" {
			child.ID = uuid.NewString()
		}
		child.ParentID = node.ID
		children[i] = stitch(child, rootID)
	}
	node.Children = children
	return node
}

// Flatten returns the nodes of a nested tree in depth-first order with
// Children cleared, the form rule trees are persisted in.
func Flatten(root Rule) []Rule {
	var out []Rule
	var walk func(Rule)
	walk = func(node Rule) {
		children := node.Children
		node.Children = nil
		out = append(out, node)
		for _, child := range children {
			walk(child)
		}
	}
	walk(root)
	return out
}

// ==========================================
// ARENA TREE
// ==========================================

// Tree is a rule tree reconstructed from flat nodes. Parent/child links are
// indices into nodes, never pointers.
type Tree struct {
	nodes    []Rule
	children [][]int
	index    map[string]int
	root     int
}

// CompileTree attaches every node in all to its parent, starting from root.
// Children are grouped by parent id first so the build is linear in the
// number of nodes. Sibling order follows the order of all.
func CompileTree(root Rule, all []Rule) (*Tree, error) {
	byParent := make(map[string][]Rule, len(all))
	for _, node := range all {
		if node.ID == root.ID || node.IsRoot() {
			continue
		}
		byParent[node.ParentID] = append(byParent[node.ParentID], node)
	}

	t := &Tree{index: make(map[string]int, len(all)+1)}
	root.Children = nil
	t.root = t.add(root)

	// Breadth-first over the arena; queue holds arena indices.
	for queue := []int{t.root}; len(queue) > 0; queue = queue[1:] {
		parent := queue[0]
		for _, child := range byParent[t.nodes[parent].ID] {
			if _, seen := t.index[child.ID]; seen {
				return nil, fmt.Errorf("%w: node %s appears twice", ErrInvalidTree, child.ID)
			}
			child.Children = nil
			idx := t.add(child)
			t.children[parent] = append(t.children[parent], idx)
			queue = append(queue, idx)
		}
	}
	return t, nil
}

func (t *Tree) add(node Rule) int {
	t.nodes = append(t.nodes, node)
	t.children = append(t.children, nil)
	idx := len(t.nodes) - 1
	t.index[node.ID] = idx
	return idx
}

// Len returns the number of nodes reachable from the root.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Node returns the flat node with the given id.
func (t *Tree) Node(id string) (Rule, bool) {
	idx, ok := t.index[id]
	if !ok {
		return Rule{}, false
	}
	return t.nodes[idx], true
}

// Rule materializes the nested form of the tree rooted at the tree root.
func (t *Tree) Rule() Rule {
	return t.build(t.root)
}

func (t *Tree) build(idx int) Rule {
	node := t.nodes[idx]
	if kids := t.children[idx]; len(kids) > 0 {
		node.Children = make([]Rule, len(kids))
		for i, k := range kids {
			node.Children[i] = t.build(k)
		}
	}
	return node
}

// ==========================================
// VALIDATION
// ==========================================

// Validate checks the structural invariants of a nested tree: ids are unique,
// every node shares the root id, wrappers are the only nodes with children
// and value-taking operators carry a value.
func Validate(root Rule) error {
	seen := make(map[string]bool)
	var walk func(node Rule, parentID string) error
	walk = func(node Rule, parentID string) error {
		if node.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidTree)
		}
		if seen[node.ID] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidTree, node.ID)
		}
		seen[node.ID] = true
		if node.ParentID != parentID {
			return fmt.Errorf("%w: node %s has parent %q, expected %q", ErrInvalidTree, node.ID, node.ParentID, parentID)
		}
		if !node.IsRoot() && node.RootID != root.ID {
			return fmt.Errorf("%w: node %s has root %q, expected %q", ErrInvalidTree, node.ID, node.RootID, root.ID)
		}
		if _, ok := evaluatorFor(node.Type); !ok {
			return evalError(node, ErrUnknownType, "")
		}
		if node.Type != TypeWrapper && len(node.Children) > 0 {
			return fmt.Errorf("%w: %s node %s has children", ErrInvalidTree, node.Type, node.ID)
		}
		if node.Type != TypeWrapper && node.Operator.RequiresValue() && node.Value == nil {
			return evalError(node, ErrInvalidValue, "value is required")
		}
		for _, child := range node.Children {
			if err := walk(child, node.ID); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(root, "")
}
