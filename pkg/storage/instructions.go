package storage

import (
	"pagemapdb/pkg/types"

	"github.com/zhangyunhao116/skipset"
)

// MemoryInstruction tells the caller to fill the pages of Range with Data, a
// read-only view into a mapped file of exactly Range.Len()*PageSize bytes.
// Nothing is read eagerly; the bytes fault in when the caller touches them.
type MemoryInstruction struct {
	Range PageRange
	Data  []byte
}

// Filter remembers page indices already resolved by a newer layer while an
// instruction sequence is being assembled across layers. Building
// instructions mutates the filter by design: every emitted range is marked so
// older, shadowed layers stop offering those pages. Callers composing several
// calls over the same logical memory must reuse one filter.
type Filter struct {
	resolved *skipset.FuncSet[types.PageIndex]
}

func NewFilter() *Filter {
	return &Filter{
		resolved: skipset.NewFunc[types.PageIndex](func(a, b types.PageIndex) bool {
			return a < b
		}),
	}
}

func (f *Filter) IsResolved(index types.PageIndex) bool {
	return f.resolved.Contains(index)
}

// MarkResolved records every index of r as resolved.
func (f *Filter) MarkResolved(r PageRange) {
	for i := r.Start; i < r.End; i++ {
		f.resolved.Add(i)
	}
}

// unresolved splits r into its maximal subranges not yet resolved.
func (f *Filter) unresolved(r PageRange) []PageRange {
	var out []PageRange
	for i := r.Start; i < r.End; i++ {
		if f.resolved.Contains(i) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End == i {
			out[n-1].End = i + 1
		} else {
			out = append(out, PageRange{Start: i, End: i + 1})
		}
	}
	return out
}

// BaseMemoryInstructions describes the dense base layer as a single mapped
// region, without consulting any overlay.
func (s *Storage) BaseMemoryInstructions() []MemoryInstruction {
	if s.base == nil || s.base.NumPages() == 0 {
		return nil
	}
	full := PageRange{Start: 0, End: s.base.NumPages()}
	return []MemoryInstruction{{Range: full, Data: s.base.pages(full)}}
}

// MemoryInstructions walks the layers newest to oldest and emits one
// instruction per covered, not-yet-resolved subrange of r, marking each
// emitted subrange in filter. Uncovered pages are zero and get no
// instruction; the caller's buffer is assumed zero-initialized. The emitted
// ranges are pairwise disjoint, so application order does not matter.
func (s *Storage) MemoryInstructions(r PageRange, filter *Filter) []MemoryInstruction {
	var out []MemoryInstruction

	for i := len(s.overlays) - 1; i >= 0; i-- {
		o := s.overlays[i]
		for _, or := range o.ranges {
			clipped := or.PageRange.intersect(r)
			if clipped.Empty() {
				continue
			}
			for _, ur := range filter.unresolved(clipped) {
				out = append(out, MemoryInstruction{
					Range: ur,
					Data:  o.rangeData(or, ur.Start)[:ur.Len()*types.PageSize],
				})
				filter.MarkResolved(ur)
			}
		}
	}

	if s.base != nil {
		clipped := r.intersect(PageRange{Start: 0, End: s.base.NumPages()})
		if !clipped.Empty() {
			for _, ur := range filter.unresolved(clipped) {
				out = append(out, MemoryInstruction{
					Range: ur,
					Data:  s.base.pages(ur),
				})
				filter.MarkResolved(ur)
			}
		}
	}

	return out
}
