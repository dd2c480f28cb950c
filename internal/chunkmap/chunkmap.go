// Package chunkmap keeps sets of byte ranges in canonical form.
//
// A Map never holds two entries that overlap or touch: every Insert merges
// with its neighbours and every Remove splits the entries it cuts through.
package chunkmap

import (
	"fmt"
	"math"
	"strings"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Range is the half-open interval [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

func (r Range) End() int64 {
	return r.Offset + r.Length
}

func (r Range) String() string {
	return fmt.Sprintf("%d:%d", r.Offset, r.Length)
}

// Map is an ordered offset→length mapping. The zero value is not usable, use New.
type Map struct {
	tree *treemap.Map
	size int64
}

func New() *Map {
	return &Map{tree: treemap.NewWith(utils.Int64Comparator)}
}

// FromRanges builds a canonical map from arbitrary, possibly overlapping ranges.
func FromRanges(ranges []Range) *Map {
	m := New()
	for _, r := range ranges {
		m.Insert(r.Offset, r.Length)
	}
	return m
}

// Insert adds [offset, offset+length) and reports whether any byte was not
// already covered.
func (m *Map) Insert(offset, length int64) bool {
	if !valid(offset, length) {
		return false
	}

	before := m.size
	start, end := offset, offset+length

	if k, v := m.tree.Floor(start); k != nil {
		fk, fl := k.(int64), v.(int64)
		if fk+fl >= start {
			start = fk
			end = max(end, fk+fl)
			m.remove(fk, fl)
		}
	}

	for {
		k, v := m.tree.Ceiling(start)
		if k == nil {
			break
		}
		ck, cl := k.(int64), v.(int64)
		if ck > end {
			break
		}
		end = max(end, ck+cl)
		m.remove(ck, cl)
	}

	m.put(start, end-start)

	return m.size > before
}

// Remove subtracts [offset, offset+length).
func (m *Map) Remove(offset, length int64) {
	if !valid(offset, length) {
		return
	}

	start, end := offset, offset+length

	if k, v := m.tree.Floor(start); k != nil {
		fk, fl := k.(int64), v.(int64)
		if fk+fl > start {
			m.remove(fk, fl)
			if fk < start {
				m.put(fk, start-fk)
			}
			if fk+fl > end {
				m.put(end, fk+fl-end)
			}
		}
	}

	for {
		k, v := m.tree.Ceiling(start)
		if k == nil {
			break
		}
		ck, cl := k.(int64), v.(int64)
		if ck >= end {
			break
		}
		m.remove(ck, cl)
		if ck+cl > end {
			m.put(end, ck+cl-end)
		}
	}
}

// valid rejects empty, negative and overflowing ranges.
func valid(offset, length int64) bool {
	return offset >= 0 && length > 0 && length <= math.MaxInt64-offset
}

// Subtract removes every range of other from m.
func (m *Map) Subtract(other *Map) {
	if other == nil {
		return
	}
	other.Each(func(r Range) bool {
		m.Remove(r.Offset, r.Length)
		return !m.Empty()
	})
}

// Merge inserts every range of other into m.
func (m *Map) Merge(other *Map) bool {
	if other == nil {
		return false
	}
	added := false
	other.Each(func(r Range) bool {
		if m.Insert(r.Offset, r.Length) {
			added = true
		}
		return true
	})
	return added
}

// Contains reports whether the whole of [offset, offset+length) is covered.
func (m *Map) Contains(offset, length int64) bool {
	if length <= 0 {
		return true
	}
	if !valid(offset, length) {
		return false
	}
	k, v := m.tree.Floor(offset)
	if k == nil {
		return false
	}
	return k.(int64)+v.(int64) >= offset+length
}

// Intersect returns the parts of [offset, offset+length) covered by m.
func (m *Map) Intersect(offset, length int64) []Range {
	if !valid(offset, length) {
		return nil
	}
	var out []Range
	end := offset + length
	m.Each(func(r Range) bool {
		if r.Offset >= end {
			return false
		}
		s, e := max(r.Offset, offset), min(r.End(), end)
		if s < e {
			out = append(out, Range{Offset: s, Length: e - s})
		}
		return true
	})
	return out
}

// Each visits ranges in ascending order until fn returns false.
func (m *Map) Each(fn func(Range) bool) {
	it := m.tree.Iterator()
	for it.Next() {
		if !fn(Range{Offset: it.Key().(int64), Length: it.Value().(int64)}) {
			return
		}
	}
}

func (m *Map) Ranges() []Range {
	out := make([]Range, 0, m.tree.Size())
	m.Each(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (m *Map) Clone() *Map {
	c := New()
	m.Each(func(r Range) bool {
		c.put(r.Offset, r.Length)
		return true
	})
	return c
}

func (m *Map) Clear() {
	m.tree.Clear()
	m.size = 0
}

// Size is the number of bytes covered.
func (m *Map) Size() int64 {
	return m.size
}

// Len is the number of entries.
func (m *Map) Len() int {
	return m.tree.Size()
}

func (m *Map) Empty() bool {
	return m.tree.Empty()
}

func (m *Map) String() string {
	parts := make([]string, 0, m.tree.Size())
	m.Each(func(r Range) bool {
		parts = append(parts, r.String())
		return true
	})
	return "{" + strings.Join(parts, ",") + "}"
}

func (m *Map) put(offset, length int64) {
	m.tree.Put(offset, length)
	m.size += length
}

func (m *Map) remove(offset, length int64) {
	m.tree.Remove(offset)
	m.size -= length
}
