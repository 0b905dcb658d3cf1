//go:build !debug_mem_utils

package memutils

import "golang.org/x/exp/constraints"

// DebugValidate is a no-op without the debug_mem_utils tag
func DebugValidate(validatable Validatable) {}

// DebugCheckPow2 is a no-op without the debug_mem_utils tag
func DebugCheckPow2[T constraints.Unsigned](value T, name string) {}
