package storage

import "pagemapdb/pkg/types"

// Overlay file layout, little-endian throughout:
//
//	data       numPages * PageSize bytes, covered pages in ascending order
//	index      numRanges * IndexEntrySize bytes
//	footer     numPages (8 bytes), version (4 bytes)
//
// An index entry is (start_page_index u64, file_page_offset u64) where
// file_page_offset counts the data pages preceding the range. Range lengths
// are recovered from the next entry's offset, or from the footer page count
// for the last range. Entries must be strictly increasing and never adjacent;
// back-to-back pages always share one entry.
const (
	IndexEntrySize = 16
	FooterSize     = 12
	OverlayVersion = 0

	// MaxNumberOfFiles bounds how many files (base plus overlays) may
	// represent one region at rest. Reaching it is not an error, it is what
	// triggers the merge planner.
	MaxNumberOfFiles = 8
)

// PageRange covers the logical pages [Start, End).
type PageRange struct {
	Start types.PageIndex
	End   types.PageIndex
}

func (r PageRange) Len() uint64 {
	return r.End - r.Start
}

func (r PageRange) Empty() bool {
	return r.End <= r.Start
}

// intersect clips r to bounds; the result may be empty.
func (r PageRange) intersect(bounds PageRange) PageRange {
	out := r
	if bounds.Start > out.Start {
		out.Start = bounds.Start
	}
	if bounds.End < out.End {
		out.End = bounds.End
	}
	if out.End < out.Start {
		out.End = out.Start
	}
	return out
}

var zeroPage = make([]byte, types.PageSize)

// ZeroPage returns a shared all-zero page. Callers must not modify it.
func ZeroPage() []byte {
	return zeroPage
}
