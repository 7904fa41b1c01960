// Package keyexpr provides hierarchical key expressions and wildcard matching.
//
// # Topics
//
// A Topic is a concrete key made of non-empty segments separated by "/":
//
//	sensor/temperature
//	service/echo
//	building/3/floor/2/hvac
//
// Topics never contain wildcards. They are attached to every Sample and Query.
//
// # Patterns
//
// A Pattern selects a set of topics. Each segment is a literal or a wildcard:
//
//   - "*" matches exactly one segment
//   - "**" matches zero or more segments (at most once per pattern)
//
// Examples:
//
//	sensor/**        matches sensor/temperature, sensor/a/b, and sensor itself
//	a/*/c            matches a/b/c (not a/b/b/c)
//	**               matches every topic, including the empty topic
//
// Malformed patterns are rejected by ParsePattern; matching itself never fails.
//
// # Index
//
// Index stores values under patterns in a trie and returns every value whose
// pattern matches a concrete topic. The local substrate resolves subscribers and
// queryables through it.
package keyexpr
