package chunkmap

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertMergesNeighbours(t *testing.T) {
	m := New()

	assert.True(t, m.Insert(1000, 10))
	assert.Equal(t, []Range{{1000, 10}}, m.Ranges())

	assert.True(t, m.Insert(10000, 10))
	assert.Equal(t, []Range{{1000, 10}, {10000, 10}}, m.Ranges())

	assert.True(t, m.Insert(800, 10))
	assert.Equal(t, []Range{{800, 10}, {1000, 10}, {10000, 10}}, m.Ranges())

	// [700,800) touches [800,810) and the two collapse into one entry.
	assert.True(t, m.Insert(700, 100))
	assert.Equal(t, []Range{{700, 110}, {1000, 10}, {10000, 10}}, m.Ranges())

	// bridging the gap merges everything on the left
	assert.True(t, m.Insert(805, 300))
	assert.Equal(t, []Range{{700, 405}, {10000, 10}}, m.Ranges())
	assert.Equal(t, int64(415), m.Size())
}

func TestInsert(t *testing.T) {
	tests := map[string]struct {
		initial  []Range
		insert   Range
		added    bool
		expected []Range
	}{
		"zero length":        {[]Range{{10, 10}}, Range{50, 0}, false, []Range{{10, 10}}},
		"fully contained":    {[]Range{{10, 10}}, Range{12, 3}, false, []Range{{10, 10}}},
		"left overlap":       {[]Range{{10, 10}}, Range{5, 10}, true, []Range{{5, 15}}},
		"right overlap":      {[]Range{{10, 10}}, Range{15, 10}, true, []Range{{10, 15}}},
		"touching right":     {[]Range{{10, 10}}, Range{20, 5}, true, []Range{{10, 15}}},
		"spans many entries": {[]Range{{10, 5}, {20, 5}, {30, 5}}, Range{12, 20}, true, []Range{{10, 25}}},
		"covers everything":  {[]Range{{10, 5}, {20, 5}}, Range{0, 100}, true, []Range{{0, 100}}},
		"fills a hole":       {[]Range{{0, 5}, {10, 5}}, Range{5, 5}, true, []Range{{0, 15}}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			m := FromRanges(tt.initial)
			assert.Equal(t, tt.added, m.Insert(tt.insert.Offset, tt.insert.Length))
			assert.Equal(t, tt.expected, m.Ranges())
		})
	}
}

func TestRemove(t *testing.T) {
	tests := map[string]struct {
		initial  []Range
		remove   Range
		expected []Range
	}{
		"zero length":        {[]Range{{10, 10}}, Range{12, 0}, []Range{{10, 10}}},
		"split middle":       {[]Range{{10, 10}}, Range{12, 3}, []Range{{10, 2}, {15, 5}}},
		"cut left edge":      {[]Range{{10, 10}}, Range{5, 10}, []Range{{15, 5}}},
		"cut right edge":     {[]Range{{10, 10}}, Range{15, 10}, []Range{{10, 5}}},
		"exact entry":        {[]Range{{10, 10}, {30, 5}}, Range{10, 10}, []Range{{30, 5}}},
		"spans many entries": {[]Range{{0, 5}, {10, 5}, {20, 5}, {30, 5}}, Range{3, 20}, []Range{{0, 3}, {23, 2}, {30, 5}}},
		"disjoint":           {[]Range{{10, 10}}, Range{30, 10}, []Range{{10, 10}}},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			m := FromRanges(tt.initial)
			m.Remove(tt.remove.Offset, tt.remove.Length)
			assert.Equal(t, tt.expected, m.Ranges())
		})
	}
}

func TestRejectsInvalidRanges(t *testing.T) {
	m := FromRanges([]Range{{10, 10}})

	assert.False(t, m.Insert(5, math.MaxInt64))
	assert.False(t, m.Insert(math.MaxInt64, 1))
	assert.False(t, m.Insert(-5, 10))
	assert.False(t, m.Insert(30, 0))

	m.Remove(-5, 20)
	m.Remove(15, math.MaxInt64)

	assert.Equal(t, []Range{{10, 10}}, m.Ranges())
	assert.Equal(t, int64(10), m.Size())
	assert.False(t, m.Contains(-5, 20))
	assert.False(t, m.Contains(15, math.MaxInt64))
	assert.Nil(t, m.Intersect(0, math.MaxInt64))
}

func TestInsertIsIdempotent(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 200; i++ {
		m := randomMap(r, 8)
		o, l := r.Int64N(500), r.Int64N(50)

		once := m.Clone()
		once.Insert(o, l)
		twice := once.Clone()

		assert.False(t, twice.Insert(o, l))
		assert.Equal(t, once.Ranges(), twice.Ranges())
	}
}

// Random insert/remove sequences are checked against a byte-level model.
func TestCanonicalUnderRandomOperations(t *testing.T) {
	const space = 400
	r := rand.New(rand.NewPCG(7, 11))

	for round := 0; round < 100; round++ {
		m := New()
		var model [space]bool

		for op := 0; op < 60; op++ {
			o := r.Int64N(space - 40)
			l := r.Int64N(40)
			if r.IntN(3) == 0 {
				m.Remove(o, l)
				for i := o; i < o+l; i++ {
					model[i] = false
				}
			} else {
				fresh := false
				for i := o; i < o+l; i++ {
					fresh = fresh || !model[i]
					model[i] = true
				}
				require.Equal(t, fresh, m.Insert(o, l))
			}

			requireCanonical(t, m)
			require.Equal(t, modelRanges(model[:]), m.Ranges())
		}
	}
}

func TestSubtractAndContains(t *testing.T) {
	avail := FromRanges([]Range{{0, 100}})
	requested := FromRanges([]Range{{10, 10}, {50, 5}})
	downloaded := FromRanges([]Range{{0, 10}})

	candidate := avail.Clone()
	candidate.Subtract(requested)
	candidate.Subtract(downloaded)

	assert.Equal(t, []Range{{20, 30}, {55, 45}}, candidate.Ranges())
	assert.Equal(t, int64(75), candidate.Size())
	assert.True(t, candidate.Contains(25, 10))
	assert.False(t, candidate.Contains(45, 20))
	assert.Equal(t, []Range{{0, 100}}, avail.Ranges(), "clone must not alias")
}

func TestIntersect(t *testing.T) {
	m := FromRanges([]Range{{0, 10}, {20, 10}, {40, 10}})
	assert.Equal(t, []Range{{5, 5}, {20, 5}}, m.Intersect(5, 20))
	assert.Empty(t, m.Intersect(10, 10))
}

func TestString(t *testing.T) {
	m := FromRanges([]Range{{1000, 10}, {10000, 10}})
	assert.Equal(t, "{1000:10,10000:10}", m.String())
}

func requireCanonical(t *testing.T, m *Map) {
	t.Helper()
	var prevEnd int64 = -1
	var total int64
	for _, r := range m.Ranges() {
		require.Positive(t, r.Length)
		require.Greater(t, r.Offset, prevEnd, "entries overlap or touch")
		prevEnd = r.End()
		total += r.Length
	}
	require.Equal(t, total, m.Size())
}

func modelRanges(model []bool) []Range {
	out := []Range{}
	for i := 0; i < len(model); {
		if !model[i] {
			i++
			continue
		}
		j := i
		for j < len(model) && model[j] {
			j++
		}
		out = append(out, Range{int64(i), int64(j - i)})
		i = j
	}
	return out
}

func randomMap(r *rand.Rand, n int) *Map {
	m := New()
	for i := 0; i < n; i++ {
		m.Insert(r.Int64N(500), r.Int64N(30))
	}
	return m
}
