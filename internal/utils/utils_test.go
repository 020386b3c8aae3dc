package utils

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMean(t *testing.T) {
	assert.Equal(t, float64(0), Mean(nil))
	assert.Equal(t, float64(2), Mean([]float64{1, 2, 3}))
	assert.Equal(t, float64(5), Mean([]float64{5}))
}

func TestContains(t *testing.T) {
	assert.True(t, Contains([]string{"a", "b"}, "b"))
	assert.False(t, Contains([]string{"a", "b"}, "c"))
	assert.False(t, Contains([]string{}, "a"))
}

func TestShuffleIsPermutation(t *testing.T) {
	in := []int{1, 2, 3, 4, 5}
	out := Shuffle(in, nil)

	assert.Equal(t, []int{1, 2, 3, 4, 5}, in, "input unchanged")
	assert.Len(t, out, len(in))

	sorted := append([]int(nil), out...)
	sort.Ints(sorted)
	assert.Equal(t, in, sorted)
}

func TestShuffleDeterministicWithFixedRand(t *testing.T) {
	out := Shuffle([]int{1, 2, 3}, func(n int) int { return 0 })
	// i=2 swaps with 0 -> [3 2 1]; i=1 swaps with 0 -> [2 3 1].
	assert.Equal(t, []int{2, 3, 1}, out)
}

func TestShallowSort(t *testing.T) {
	in := []int{3, 1, 2}
	out := ShallowSort(func(a, b int) bool { return a < b }, in)

	assert.Equal(t, []int{3, 1, 2}, in, "input unchanged")
	assert.Equal(t, []int{1, 2, 3}, out)

	// Adjacent pairs satisfy the comparator.
	for i := 0; i+1 < len(out); i++ {
		assert.False(t, out[i+1] < out[i])
	}
}

func TestContainsMatchEmptyArray(t *testing.T) {
	assert.False(t, ContainsMatch(map[string]any{"a": 1}, nil))
	assert.False(t, ContainsMatch(map[string]any{}, nil))
}

func TestContainsMatchEmptyTemplate(t *testing.T) {
	xs := []map[string]any{{"a": 1}}
	assert.True(t, ContainsMatch(map[string]any{}, xs))
}

func TestContainsMatchKeysAndValues(t *testing.T) {
	xs := []map[string]any{
		{"id": "b", "age": 2},
		{"id": "c", "age": 3, "extra": true},
	}

	assert.True(t, ContainsMatch(map[string]any{"id": "c"}, xs), "extra keys allowed")
	assert.True(t, ContainsMatch(map[string]any{"id": "b", "age": 2}, xs))
	assert.False(t, ContainsMatch(map[string]any{"id": "b", "age": 3}, xs))
	assert.False(t, ContainsMatch(map[string]any{"missing": 1}, xs))
}

func TestContainsMatchNested(t *testing.T) {
	xs := []map[string]any{
		{"id": "b", "media": map[string]any{"bandwidth": 100.0, "parts": 3}},
	}

	assert.True(t, ContainsMatch(map[string]any{
		"media": map[string]any{"bandwidth": 100.0},
	}, xs), "nested match ignores sibling keys")

	assert.False(t, ContainsMatch(map[string]any{
		"media": map[string]any{"bandwidth": 200.0},
	}, xs))
}
