package fhirpath

import (
	"context"

	"github.com/clinicalpath/fhirpath/internal/synparse"
)

// boundNode is one node of the tree Compile produces: an AST node paired
// with an evaluator closure over its already-bound children. Binding walks
// the whole tree once; evaluating a boundNode delegates to evalNode, whose
// own runtime arity and name lookup therefore always passes for a tree
// bind accepted against the same function table.
type boundNode struct {
	tree *synparse.Node
	eval func(ctx context.Context, root Element, target Collection) (Collection, error)
}

// bind walks n once, resolving every FunctionInvocation against fns and
// validating its argument count immediately: an unknown function or an
// out-of-range arity fails here, at Compile, rather than only being
// discovered when Evaluate later reaches that call.
func bind(n *synparse.Node, fns Functions) (*boundNode, error) {
	for _, c := range n.Children {
		if _, err := bind(c, fns); err != nil {
			return nil, err
		}
	}
	if n.Type == "FunctionInvocation" {
		entry, ok := fns[n.Text]
		if !ok {
			return nil, arityErr("unknown function %q", n.Text)
		}
		argc := len(n.Children)
		if argc < entry.MinArity || (entry.MaxArity >= 0 && argc > entry.MaxArity) {
			return nil, arityErr("%s() takes %s, got %d", n.Text, arityRange(entry), argc)
		}
	}
	return &boundNode{
		tree: n,
		eval: func(ctx context.Context, root Element, target Collection) (Collection, error) {
			return evalNode(ctx, root, target, n)
		},
	}, nil
}
