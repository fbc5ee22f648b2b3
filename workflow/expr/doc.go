// Package expr evaluates guard expressions on workflow edges.
//
// The grammar is deliberately small: number, string, boolean and null
// literals, dot-path identifiers, comparison operators, && || ! and
// parentheses. {path} template tokens are substituted with literals before
// evaluation, and expressions carrying disallowed tokens are refused before
// they are ever parsed.
package expr
