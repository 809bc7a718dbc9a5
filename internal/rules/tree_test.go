package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake_Defaults(t *testing.T) {
	child := Rule{ID: "c1", Type: TypeString, Value: "x"}
	r := Make(Rule{Type: TypeWrapper, Operator: OpAnd, Children: []Rule{child}})

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, GroupUser, r.Group)
	assert.Equal(t, "$", r.Path)
	assert.Equal(t, OpAnd, r.Operator)
	require.Len(t, r.Children, 1)
	assert.Equal(t, r.ID, r.Children[0].ParentID)
	assert.Empty(t, child.ParentID, "input children must not be mutated")

	scalar := Make(Rule{Type: TypeNumber, Value: 3})
	assert.Equal(t, OpEquals, scalar.Operator)
	assert.NotEqual(t, r.ID, scalar.ID)
}

func TestMake_OneLevelOnly(t *testing.T) {
	grandchild := Rule{ID: "g", Type: TypeString, Value: "x"}
	child := Rule{ID: "c", Type: TypeWrapper, Operator: OpOr, Children: []Rule{grandchild}}
	r := Make(Rule{Type: TypeWrapper, Operator: OpAnd, Children: []Rule{child}})

	assert.Equal(t, r.ID, r.Children[0].ParentID)
	assert.Empty(t, r.Children[0].Children[0].ParentID)
}

func sampleTree() Rule {
	return Stitch(Rule{
		ID: "root", Type: TypeWrapper, Group: GroupParent, Path: "$", Operator: OpAnd,
		Children: []Rule{
			{ID: "a", Type: TypeString, Group: GroupUser, Path: "$.email", Operator: OpIsSet},
			{ID: "b", Type: TypeWrapper, Group: GroupUser, Path: "$", Operator: OpOr, Children: []Rule{
				{ID: "b1", Type: TypeNumber, Group: GroupUser, Path: "$.age", Operator: OpGreaterThan, Value: 18},
				{ID: "b2", Type: TypeBoolean, Group: GroupUser, Path: "$.vip", Operator: OpEquals, Value: true},
			}},
		},
	})
}

func TestStitch(t *testing.T) {
	root := sampleTree()

	assert.Empty(t, root.RootID)
	assert.Empty(t, root.ParentID)
	assert.Equal(t, "root", root.Children[0].RootID)
	assert.Equal(t, "root", root.Children[0].ParentID)
	assert.Equal(t, "root", root.Children[1].Children[0].RootID)
	assert.Equal(t, "b", root.Children[1].Children[0].ParentID)
	require.NoError(t, Validate(root))
}

func TestStitch_AssignsMissingIDs(t *testing.T) {
	root := Stitch(Rule{Type: TypeWrapper, Operator: OpAnd, Children: []Rule{{Type: TypeString, Operator: OpIsSet}}})

	assert.NotEmpty(t, root.ID)
	assert.NotEmpty(t, root.Children[0].ID)
	assert.Equal(t, root.ID, root.Children[0].ParentID)
}

func TestFlattenCompileRoundTrip(t *testing.T) {
	root := sampleTree()
	flat := Flatten(root)

	require.Len(t, flat, 5)
	for _, node := range flat {
		assert.Nil(t, node.Children)
	}

	// Order of the flat list must not matter for the attachment itself.
	shuffled := []Rule{flat[4], flat[2], flat[0], flat[3], flat[1]}
	tree, err := CompileTree(flat[0], shuffled)
	require.NoError(t, err)
	assert.Equal(t, 5, tree.Len())

	rebuilt := tree.Rule()
	assert.Equal(t, "root", rebuilt.ID)
	require.Len(t, rebuilt.Children, 2)
	b := rebuilt.Children[0]
	if b.ID != "b" {
		b = rebuilt.Children[1]
	}
	assert.Len(t, b.Children, 2)

	node, ok := tree.Node("b2")
	require.True(t, ok)
	assert.Equal(t, "b", node.ParentID)
	_, ok = tree.Node("missing")
	assert.False(t, ok)
}

func TestCompileTree_KeepsSiblingOrder(t *testing.T) {
	root := sampleTree()
	tree, err := CompileTree(root, Flatten(root))
	require.NoError(t, err)

	rebuilt := tree.Rule()
	assert.Equal(t, "a", rebuilt.Children[0].ID)
	assert.Equal(t, "b", rebuilt.Children[1].ID)
	assert.Equal(t, "b1", rebuilt.Children[1].Children[0].ID)
}

func TestCompileTree_DropsUnreachable(t *testing.T) {
	root := sampleTree()
	flat := append(Flatten(root), Rule{ID: "orphan", ParentID: "gone", RootID: "root", Type: TypeString})

	tree, err := CompileTree(root, flat)
	require.NoError(t, err)
	assert.Equal(t, 5, tree.Len())
}

func TestCompileTree_RejectsDuplicates(t *testing.T) {
	root := sampleTree()
	flat := Flatten(root)
	flat = append(flat, flat[1])

	_, err := CompileTree(root, flat)
	assert.True(t, errors.Is(err, ErrInvalidTree))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Rule)
		want   error
	}{
		{"valid", func(r *Rule) {}, nil},
		{"unknown type", func(r *Rule) { r.Children[0].Type = "money" }, ErrUnknownType},
		{"missing value", func(r *Rule) { r.Children[1].Children[0].Value = nil }, ErrInvalidValue},
		{"scalar with children", func(r *Rule) {
			r.Children[0].Children = []Rule{{ID: "x", ParentID: "a", RootID: "root", Type: TypeString, Operator: OpIsSet}}
		}, ErrInvalidTree},
		{"duplicate id", func(r *Rule) { r.Children[1].Children[1].ID = "b1" }, ErrInvalidTree},
		{"wrong parent", func(r *Rule) { r.Children[1].Children[0].ParentID = "root" }, ErrInvalidTree},
		{"wrong root", func(r *Rule) { r.Children[0].RootID = "other" }, ErrInvalidTree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := sampleTree()
			tt.mutate(&root)
			err := Validate(root)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
