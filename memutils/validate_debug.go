//go:build debug_mem_utils

package memutils

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// DebugValidate runs the full consistency check of a heap after every mutation and
// panics with an assertion failure when it reports a problem. Only built with the
// debug_mem_utils tag.
func DebugValidate(validatable Validatable) {
	if err := validatable.Validate(); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "consistency check failed"))
	}
}

// DebugCheckPow2 panics when an alignment that callers already validated is not a power of
// two. Only built with the debug_mem_utils tag.
func DebugCheckPow2[T constraints.Unsigned](value T, name string) {
	if err := CheckPow2(value, name); err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "unchecked alignment"))
	}
}
