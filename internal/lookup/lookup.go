// Package lookup parses Django style "field__op" filter expressions.
package lookup

import "strings"

// Separator joins a property name and an operator term.
const Separator = "__"

// terms are the operator suffixes understood after Separator.
var terms = map[string]bool{
	"eq":  true,
	"lt":  true,
	"lte": true,
	"gt":  true,
	"gte": true,
}

// Parse splits expr into a property name and an operator term. The last
// segment is treated as an operator only when it is a known term, so names
// that contain Separator themselves still parse. Without an operator the term
// is "eq".
//
//	Parse("age__gte")      // "age", "gte"
//	Parse("first_name")    // "first_name", "eq"
//	Parse("__key__")       // "__key__", "eq"
//	Parse("__key____eq")   // "__key__", "eq"
func Parse(expr string) (name, op string) {
	i := strings.LastIndex(expr, Separator)
	if i > 0 && terms[expr[i+len(Separator):]] {
		return expr[:i], expr[i+len(Separator):]
	}
	return expr, "eq"
}

// IsTerm reports whether s is a known operator term.
func IsTerm(s string) bool {
	return terms[s]
}
