package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "parts.db"))
	require.NoError(t, err)
	return s
}

func TestMarkAndList(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MarkAdded("http://origin/a.webm", 2))
	require.NoError(t, s.MarkAdded("http://origin/a.webm", 0))
	require.NoError(t, s.MarkAdded("http://origin/b.webm", 5))

	parts, err := s.AddedParts("http://origin/a.webm")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, parts)
}

func TestAddedPartsUnknownFile(t *testing.T) {
	s := openTestStore(t)

	parts, err := s.AddedParts("http://origin/missing.webm")
	require.NoError(t, err)
	assert.Empty(t, parts, "a file never seen resumes nothing")
}

func TestMarkAddedIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MarkAdded("a.webm", 1))
	require.NoError(t, s.MarkAdded("a.webm", 1))

	parts, err := s.AddedParts("a.webm")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, parts)
}

func TestReset(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MarkAdded("a.webm", 1))
	require.NoError(t, s.Reset("a.webm"))

	parts, err := s.AddedParts("a.webm")
	require.NoError(t, err)
	assert.Empty(t, parts)
}
