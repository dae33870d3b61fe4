// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package pointer provides generic helpers for optional (pointer) fields.

Profile groups model "absent" as a nil pointer and "present" as a non-nil one,
so partial updates and merges are expressed with these helpers.

Key Functions:
  - To: Creates a pointer from a value literal.
  - Val: Safely dereferences a pointer, returning the zero value if nil.
  - Coalesce: Returns the update when present, the base otherwise.
  - Equal: Compares two optional values.
*/
package pointer

// To returns a pointer to the provided value.
func To[T any](v T) *T {
	return &v
}

// Val safely dereferences a pointer.
// If the pointer is nil, it returns the zero value of the underlying type.
func Val[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}

// Coalesce returns update if it is set, otherwise base.
func Coalesce[T any](base, update *T) *T {
	if update != nil {
		return update
	}
	return base
}

// Equal reports whether two optional values are both absent or both present and equal.
func Equal[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
