package tools

import "strings"

// Ident is the strong type for tool identifiers. Tool IDs are canonical
// strings of the form "namespace.tool" (the namespace is optional). Use this
// type in maps and APIs to avoid mixing with free-form strings and to
// document intent at call sites.
type Ident string

// String returns the string representation of the identifier.
func (id Ident) String() string {
	return string(id)
}

// Namespace returns the namespace component of the identifier, empty when
// the identifier is a bare tool name.
func (id Ident) Namespace() string {
	i := strings.LastIndex(string(id), ".")
	if i < 0 {
		return ""
	}
	return string(id)[:i]
}

// Name returns the tool name component of the identifier.
func (id Ident) Name() string {
	i := strings.LastIndex(string(id), ".")
	return string(id)[i+1:]
}
