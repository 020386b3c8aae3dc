// Package utils holds small helpers shared across the overlay packages.
package utils

import (
	"math/rand"
	"reflect"
	"sort"
)

// Mean returns the arithmetic mean of xs, or 0 for an empty slice.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// Contains reports whether x occurs in xs.
func Contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// Shuffle returns a new slice with the elements of xs in random order.
// xs is left untouched.
func Shuffle[T any](xs []T, randFn func(n int) int) []T {
	if randFn == nil {
		randFn = rand.Intn
	}
	out := make([]T, len(xs))
	copy(out, xs)
	for i := len(out) - 1; i > 0; i-- {
		j := randFn(i + 1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ShallowSort returns a sorted copy of xs ordered by cmp. xs is unchanged.
func ShallowSort[T any](cmp func(a, b T) bool, xs []T) []T {
	out := make([]T, len(xs))
	copy(out, xs)
	sort.SliceStable(out, func(i, j int) bool { return cmp(out[i], out[j]) })
	return out
}

// ContainsMatch reports whether some element of xs matches the template:
// every key of the template must be present in the element with an equal
// value, recursively for nested maps. Extra keys in the element are allowed.
// An empty template matches any element, so the result is len(xs) > 0.
func ContainsMatch(template map[string]any, xs []map[string]any) bool {
	for _, x := range xs {
		if Match(template, x) {
			return true
		}
	}
	return false
}

// Match reports whether candidate contains every key of template with an
// equal value. Nested maps are compared key by key; everything else with
// reflect.DeepEqual.
func Match(template, candidate map[string]any) bool {
	for k, want := range template {
		got, ok := candidate[k]
		if !ok {
			return false
		}
		wantMap, wantIsMap := want.(map[string]any)
		gotMap, gotIsMap := got.(map[string]any)
		if wantIsMap && gotIsMap {
			if !Match(wantMap, gotMap) {
				return false
			}
			continue
		}
		if !reflect.DeepEqual(want, got) {
			return false
		}
	}
	return true
}
