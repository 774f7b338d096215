// Package util holds small helpers that have no better home
package util

// Unpack copies the leading elements of values into targets, in order.
// Targets past the end of values keep what they had, surplus values are
// dropped.
func Unpack[T any](values []T, targets ...*T) {
	for i := range min(len(values), len(targets)) {
		*targets[i] = values[i]
	}
}
