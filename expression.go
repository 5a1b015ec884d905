package fhirpath

import (
	"strconv"
	"strings"

	"github.com/clinicalpath/fhirpath/internal/synparse"
)

// Expression is a parsed FHIRPath expression. Expressions are created with
// Parse or MustParse and evaluated with Evaluate, or bound once with
// Compile and reused across many evaluations.
type Expression struct {
	tree *synparse.Node
	src  string
}

func (e Expression) String() string { return e.src }

// Parse parses a FHIRPath expression string into an Expression. On syntax
// error, every diagnostic the parser accumulated is joined into one error.
func Parse(source string) (Expression, error) {
	tree, err := synparse.Parse(source)
	if err != nil {
		return Expression{}, wrapErr(KindSyntax, err, "parse %q", source)
	}
	return Expression{tree: tree, src: source}, nil
}

// MustParse is Parse, panicking on error - for hardcoded expressions in
// tests and call sites that have already validated the source.
func MustParse(source string) Expression {
	expr, err := Parse(source)
	if err != nil {
		panic(err)
	}
	return expr
}

var unescapeReplacer = strings.NewReplacer(
	`\'`, `'`,
	"\\`", "`",
	`\/`, `/`,
)

// unescape turns a FHIRPath single-quoted string literal's escapes into
// their runtime value, reusing strconv.Unquote for the escapes it already
// understands (\", \n, \r, \t, \\, \uXXXX) after translating the ones it
// doesn't (\', \`, \/).
func unescape(s string) (string, error) {
	unescaped := unescapeReplacer.Replace(s)
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(unescaped); i++ {
		c := unescaped[i]
		escaped := i > 0 && unescaped[i-1] == '\\'
		if !escaped && c == '"' {
			b.WriteString(`\"`)
			continue
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return strconv.Unquote(b.String())
}
