package trie

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func p(keys ...any) Path {
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		switch v := k.(type) {
		case int:
			out = append(out, Int(int64(v)))
		case string:
			out = append(out, Str(v))
		}
	}
	return NewPath(out...)
}

func TestLoftMergesOverlappingPaths(t *testing.T) {
	sel := Loft([]Path{
		p("P1", "A", "B"),
		p("P1", "A", "B", "C", 1),
		p("P1", "A", "X", "C", 1),
		p("P2", "A", "X", "C", 2),
	})
	require.Equal(t, []Path{
		p("P1", "A", "B"),
		p("P1", "A", "X", "C", 1),
		p("P2", "A", "X", "C", 2),
	}, Marks(sel))
}

func TestLoftShorterPathAfterLongerWins(t *testing.T) {
	sel := Loft([]Path{p("P1", "A", "B", "C"), p("P1", "A")})
	require.Equal(t, []Path{p("P1", "A")}, Marks(sel))
}

func TestLoftEmptyPathIsUniversal(t *testing.T) {
	require.True(t, Universal(Loft([]Path{p("P1"), {}})))
	require.True(t, Universal(Loft(nil)))
	require.False(t, Universal(Loft([]Path{p("P1")})))
}

func TestClip(t *testing.T) {
	sel := Loft([]Path{p(1, 2, 3), p(1, 4), p(5, 6, 7, 8)})
	require.Equal(t, []Path{p(1, 2), p(1, 4), p(5, 6)}, Marks(Clip(sel, 2)))
	require.Equal(t, []Path{{}}, Marks(Clip(sel, 0)))
}

func TestFlattenAndBuild(t *testing.T) {
	rows := []Row[string]{
		{Path: p("P1", "A", 2), Value: "b"},
		{Path: p("P1", "A", 1), Value: "a"},
		{Path: p("P2", "Z", 1), Value: "z"},
	}
	n, err := Build(rows, ConflictReject, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n.Count())

	flat := Flatten(n, Path{})
	require.Equal(t, []Row[string]{rows[1], rows[0], rows[2]}, flat)

	sub := n.Get(p("P1"))
	require.Equal(t, []Row[string]{
		{Path: p("X", "A", 1), Value: "a"},
		{Path: p("X", "A", 2), Value: "b"},
	}, Flatten(sub, p("X")))
}

func TestBuildConflicts(t *testing.T) {
	rows := []Row[int]{
		{Path: p("P1", 1), Value: 1},
		{Path: p("P1", 1), Value: 1},
		{Path: p("P1", 1), Value: 2},
	}

	_, err := Build(rows[:2], ConflictReject, nil)
	require.NoError(t, err, "identical duplicates collapse")

	_, err = Build(rows, ConflictReject, nil)
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, p("P1", 1), dup.Path)

	n, err := Build(rows, ConflictLastWins, nil)
	require.NoError(t, err)
	v, ok := n.Get(p("P1", 1)).Value()
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestShape(t *testing.T) {
	n, err := Build([]Row[string]{
		{Path: p(1, 2), Value: "x"},
		{Path: p(1, 3), Value: "y"},
	}, ConflictReject, nil)
	require.NoError(t, err)
	require.Equal(t, []Path{p(1, 2), p(1, 3)}, Marks(Shape(n)))
}
