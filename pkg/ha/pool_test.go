package ha

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndexOfAndAt(t *testing.T) {
	p := NewPool([]string{"a:1", "b:2", "c:3"})
	require.Equal(t, 1, p.IndexOf("b:2"))
	require.Equal(t, -1, p.IndexOf("missing"))
	require.Equal(t, "a:1", p.At(3))
	require.Equal(t, "c:3", p.At(-1))
}

func TestNewPoolPanicsOnEmptySites(t *testing.T) {
	require.Panics(t, func() { NewPool(nil) })
}

func TestRemoveShrinksRotation(t *testing.T) {
	p := NewPool([]string{"a:1", "b:2", "c:3"})
	p.Remove("b:2")
	require.Equal(t, 2, p.Len())
	require.Equal(t, -1, p.IndexOf("b:2"))
	require.Equal(t, []string{"a:1", "c:3"}, p.Sites())
}

func TestRemoveKeepsLastSite(t *testing.T) {
	p := NewPool([]string{"a:1"})
	p.Remove("a:1")
	require.Equal(t, 1, p.Len())
	require.Equal(t, []string{"a:1"}, p.Sites())
}

func TestRemoveIsNoOpForUnknownSite(t *testing.T) {
	p := NewPool([]string{"a:1", "b:2"})
	p.Remove("missing")
	require.Equal(t, 2, p.Len())
}
