package lexer

import (
	"testing"
)

func kinds(tokens []Token) []Kind {
	var ks []Kind
	for _, t := range tokens {
		ks = append(ks, t.Kind)
	}
	return ks
}

func texts(tokens []Token) []string {
	var ts []string
	for _, t := range tokens {
		ts = append(ts, t.Text)
	}
	return ts
}

func TestTokenizeIdentifiersAndDot(t *testing.T) {
	tokens, errs := New("Patient.name.given").Tokenize()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	wantText := []string{"Patient", ".", "name", ".", "given", ""}
	if got := texts(tokens); !equalStrings(got, wantText) {
		t.Errorf("texts = %v, want %v", got, wantText)
	}
	if tokens[len(tokens)-1].Kind != EOF {
		t.Errorf("last token kind = %v, want EOF", tokens[len(tokens)-1].Kind)
	}
}

func TestTokenizeKeywordsVsIdentifiers(t *testing.T) {
	tokens, _ := New("true and false or myVar").Tokenize()
	want := []Kind{Keyword, Keyword, Keyword, Keyword, Identifier, EOF}
	if got := kinds(tokens); !equalKinds(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestTokenizeStringLiteralWithEscape(t *testing.T) {
	tokens, errs := New(`'hello \'world\''`).Tokenize()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if tokens[0].Kind != String {
		t.Fatalf("kind = %v, want String", tokens[0].Kind)
	}
	if tokens[0].Text != `'hello \'world\''` {
		t.Errorf("text = %q", tokens[0].Text)
	}
}

func TestTokenizeUnterminatedStringIsAnError(t *testing.T) {
	_, errs := New(`'unterminated`).Tokenize()
	if len(errs) != 1 {
		t.Fatalf("errs = %v, want exactly 1", errs)
	}
}

func TestTokenizeNumbers(t *testing.T) {
	tokens, _ := New("42 3.14 100L").Tokenize()
	want := []string{"42", "3.14", "100L", ""}
	if got := texts(tokens); !equalStrings(got, want) {
		t.Errorf("texts = %v, want %v", got, want)
	}
	for _, tok := range tokens[:3] {
		if tok.Kind != Number {
			t.Errorf("token %q kind = %v, want Number", tok.Text, tok.Kind)
		}
	}
}

func TestTokenizeDateTimeLiteral(t *testing.T) {
	tokens, _ := New("@2019-01-01T10:00:00").Tokenize()
	if tokens[0].Kind != DateTime {
		t.Fatalf("kind = %v, want DateTime", tokens[0].Kind)
	}
	if tokens[0].Text != "@2019-01-01T10:00:00" {
		t.Errorf("text = %q", tokens[0].Text)
	}
}

func TestTokenizeExternalConstant(t *testing.T) {
	tokens, _ := New("%resource").Tokenize()
	if tokens[0].Kind != External || tokens[0].Text != "%resource" {
		t.Errorf("token = %+v, want External %%resource", tokens[0])
	}
}

func TestTokenizeMultiCharSymbols(t *testing.T) {
	tokens, _ := New("a <= b != c ** d").Tokenize()
	var symbols []string
	for _, tok := range tokens {
		if tok.Kind == Symbol {
			symbols = append(symbols, tok.Text)
		}
	}
	want := []string{"<=", "!=", "**"}
	if !equalStrings(symbols, want) {
		t.Errorf("symbols = %v, want %v", symbols, want)
	}
}

func TestTokenizeSkipsCommentsAndWhitespace(t *testing.T) {
	src := "a // line comment\n /* block\ncomment */ .b"
	tokens, errs := New(src).Tokenize()
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []string{"a", ".", "b", ""}
	if got := texts(tokens); !equalStrings(got, want) {
		t.Errorf("texts = %v, want %v", got, want)
	}
}

func TestTokenizeDollarVariables(t *testing.T) {
	tokens, _ := New("$this $index $total").Tokenize()
	want := []string{"$this", "$index", "$total", ""}
	if got := texts(tokens); !equalStrings(got, want) {
		t.Errorf("texts = %v, want %v", got, want)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalKinds(a, b []Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
