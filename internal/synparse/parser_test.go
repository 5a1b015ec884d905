package synparse

import "testing"

func TestParseMemberInvocation(t *testing.T) {
	n, err := Parse("Patient.name")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "InvocationExpression" {
		t.Fatalf("root type = %q, want InvocationExpression", n.Type)
	}
	if got := n.Child(0).Type; got != "MemberInvocation" {
		t.Errorf("left child type = %q, want MemberInvocation", got)
	}
	if got := n.Child(1).Text; got != "name" {
		t.Errorf("right child text = %q, want name", got)
	}
}

func TestParseAdditivePrecedenceOverMultiplicative(t *testing.T) {
	n, err := Parse("1 + 2 * 3")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "AdditiveExpression" {
		t.Fatalf("root type = %q, want AdditiveExpression (+ binds loosest)", n.Type)
	}
	if n.Child(1).Type != "MultiplicativeExpression" {
		t.Errorf("right operand type = %q, want MultiplicativeExpression", n.Child(1).Type)
	}
}

func TestParseUnaryPolarity(t *testing.T) {
	n, err := Parse("-5")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "PolarityExpression" {
		t.Fatalf("type = %q, want PolarityExpression", n.Type)
	}
	if len(n.TerminalTexts) != 1 || n.TerminalTexts[0] != "-" {
		t.Errorf("TerminalTexts = %v, want [-]", n.TerminalTexts)
	}
}

func TestParseFunctionInvocationCollectsArguments(t *testing.T) {
	n, err := Parse("where(a > 1, b < 2)")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "FunctionInvocation" {
		t.Fatalf("type = %q, want FunctionInvocation", n.Type)
	}
	if n.Text != "where" {
		t.Errorf("Text = %q, want where", n.Text)
	}
	if len(n.Children) != 2 {
		t.Fatalf("Children = %d, want 2", len(n.Children))
	}
}

func TestParseIndexer(t *testing.T) {
	n, err := Parse("name[0]")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "IndexerExpression" {
		t.Fatalf("type = %q, want IndexerExpression", n.Type)
	}
}

func TestParseUnionBindsTighterThanEquality(t *testing.T) {
	n, err := Parse("1 = 1 | 2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "EqualityExpression" {
		t.Fatalf("root type = %q, want EqualityExpression (= binds loosest of these)", n.Type)
	}
	if got := n.Child(1).Type; got != "UnionExpression" {
		t.Errorf("right operand type = %q, want UnionExpression", got)
	}
}

func TestParseTypeExpression(t *testing.T) {
	n, err := Parse("value is Quantity")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Type != "TypeExpression" {
		t.Fatalf("type = %q, want TypeExpression", n.Type)
	}
	if n.Child(1).Type != "TypeSpecifier" {
		t.Errorf("right operand type = %q, want TypeSpecifier", n.Child(1).Type)
	}
}

func TestParseReportsTruncatedExpression(t *testing.T) {
	_, err := Parse("1 +")
	if err == nil {
		t.Fatal("expected a syntax error for a truncated expression")
	}
}

func TestParseThisIndexTotal(t *testing.T) {
	for _, tt := range []struct {
		src  string
		want string
	}{
		{"$this", "ThisInvocation"},
		{"$index", "IndexInvocation"},
		{"$total", "TotalInvocation"},
	} {
		n, err := Parse(tt.src)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.src, err)
		}
		if n.Type != tt.want {
			t.Errorf("Parse(%q).Type = %q, want %q", tt.src, n.Type, tt.want)
		}
	}
}
