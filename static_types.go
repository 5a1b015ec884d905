package fhirpath

import "github.com/clinicalpath/fhirpath/internal/synparse"

// staticTypes walks n for every type this expression names outright: the
// TypeExpression form of is/as (`x is FHIR.Patient`) and the function-call
// forms is()/as()/ofType(). It says nothing about the type of plain member
// navigation, since that depends on the resource being evaluated - this is
// the same best-effort view CompiledExpression.Types() documents.
func staticTypes(n *synparse.Node) []TypeSpecifier {
	var out []TypeSpecifier
	collectStaticTypes(n, &out)
	return out
}

func collectStaticTypes(n *synparse.Node, out *[]TypeSpecifier) {
	switch n.Type {
	case "TypeExpression":
		*out = append(*out, ParseTypeSpecifier(n.Child(1).Text))
	case "FunctionInvocation":
		switch n.Text {
		case "is", "as", "ofType":
			if len(n.Children) > 0 {
				*out = append(*out, ParseTypeSpecifier(exprToTypeName(n.Child(0))))
			}
		}
	}
	for _, c := range n.Children {
		collectStaticTypes(c, out)
	}
}
