package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pagemapdb/pkg/metrics"
	"pagemapdb/pkg/pagedelta"
	"pagemapdb/pkg/storeerrors"
	"pagemapdb/pkg/types"
)

var (
	ErrEmptyDelta = errors.New("pagemapdb: refusing to write an overlay for an empty delta")
)

// overlayRange is one index entry with its derived end.
type overlayRange struct {
	PageRange
	fileOffset uint64 // data pages preceding this range in the file
}

// OverlayFile is an immutable, sparse, mmap-backed delta file. Pages below
// NumLogicalPages that no range covers are misses, not zero pages; only the
// layered Storage view turns misses into zeros.
type OverlayFile struct {
	path   string
	data   []byte
	length int64

	numPages uint64
	ranges   []overlayRange
}

// LoadOverlay maps and validates the file at path. Every byte must be
// accounted for by the declared structure; any violation is reported as an
// InvalidOverlayError, never silently tolerated.
func LoadOverlay(path string) (*OverlayFile, error) {
	data, size, err := mapFile(path)
	if err != nil {
		return nil, err
	}

	o := &OverlayFile{path: path, data: data, length: size}
	if err := o.parse(); err != nil {
		unmapFile(data)
		return nil, err
	}

	return o, nil
}

func (o *OverlayFile) parse() error {
	if o.length < FooterSize {
		return o.corrupt(fmt.Sprintf("file is %d bytes, shorter than the %d byte footer", o.length, FooterSize))
	}

	version := binary.LittleEndian.Uint32(o.data[o.length-4:])
	if version != OverlayVersion {
		return o.corrupt(fmt.Sprintf("unsupported version %d", version))
	}

	o.numPages = binary.LittleEndian.Uint64(o.data[o.length-12 : o.length-4])
	if o.numPages == 0 {
		return o.corrupt("file declares zero pages")
	}
	if o.numPages > uint64(o.length)/types.PageSize {
		return o.corrupt(fmt.Sprintf("declared %d pages do not fit in %d bytes", o.numPages, o.length))
	}

	dataLen := int64(o.numPages) * types.PageSize
	indexLen := o.length - FooterSize - dataLen
	if indexLen <= 0 {
		return o.corrupt("no room left for the range index")
	}
	if indexLen%IndexEntrySize != 0 {
		return o.corrupt(fmt.Sprintf("index section of %d bytes is not a multiple of %d", indexLen, IndexEntrySize))
	}

	numRanges := int(indexLen / IndexEntrySize)
	o.ranges = make([]overlayRange, 0, numRanges)

	index := o.data[dataLen : dataLen+indexLen]
	for j := 0; j < numRanges; j++ {
		start := binary.LittleEndian.Uint64(index[j*IndexEntrySize:])
		offset := binary.LittleEndian.Uint64(index[j*IndexEntrySize+8:])

		if j == 0 {
			if offset != 0 {
				return o.corrupt(fmt.Sprintf("first range starts at file page %d, not 0", offset))
			}
		} else {
			prev := &o.ranges[j-1]
			if offset <= prev.fileOffset {
				return o.corrupt("range index file offsets are not strictly increasing")
			}
			prev.End = prev.Start + (offset - prev.fileOffset)
			switch {
			case prev.End > start:
				return o.corrupt("ranges overlap or are not sorted by start index")
			case prev.End == start:
				return o.corrupt("adjacent ranges are not coalesced")
			}
		}

		o.ranges = append(o.ranges, overlayRange{
			PageRange:  PageRange{Start: start},
			fileOffset: offset,
		})
	}

	last := &o.ranges[numRanges-1]
	if o.numPages <= last.fileOffset {
		return o.corrupt("last range is empty")
	}
	last.End = last.Start + (o.numPages - last.fileOffset)

	return nil
}

func (o *OverlayFile) corrupt(detail string) error {
	return &storeerrors.InvalidOverlayError{Path: o.path, Detail: detail}
}

func (o *OverlayFile) Path() string {
	return o.path
}

// NumPages is the count of pages physically stored in the file.
func (o *OverlayFile) NumPages() uint64 {
	return o.numPages
}

// NumLogicalPages is one past the highest covered page index.
func (o *OverlayFile) NumLogicalPages() uint64 {
	return o.ranges[len(o.ranges)-1].End
}

// Ranges returns the covered page ranges in ascending order.
func (o *OverlayFile) Ranges() []PageRange {
	out := make([]PageRange, len(o.ranges))
	for i, r := range o.ranges {
		out[i] = r.PageRange
	}
	return out
}

// GetPage returns the stored page at index, or nil/false when the index is
// uncovered. The slice is exactly one page long.
func (o *OverlayFile) GetPage(index types.PageIndex) ([]byte, bool) {
	r, ok := o.findRange(index)
	if !ok {
		return nil, false
	}
	return o.rangeData(r, index)[:types.PageSize:types.PageSize], true
}

func (o *OverlayFile) findRange(index types.PageIndex) (overlayRange, bool) {
	k := sort.Search(len(o.ranges), func(k int) bool {
		return o.ranges[k].End > index
	})
	if k == len(o.ranges) || o.ranges[k].Start > index {
		return overlayRange{}, false
	}
	return o.ranges[k], true
}

// rangeData slices the mapped pages for [index, r.End); index must lie in r.
func (o *OverlayFile) rangeData(r overlayRange, index types.PageIndex) []byte {
	from := (r.fileOffset + (index - r.Start)) * types.PageSize
	to := (r.fileOffset + r.Len()) * types.PageSize
	return o.data[from:to:to]
}

// Size is the on-disk length in bytes.
func (o *OverlayFile) Size() int64 {
	return o.length
}

// Close unmaps the file. Existing Storage views slicing the mapping must be
// closed first.
func (o *OverlayFile) Close() error {
	data := o.data
	o.data = nil
	return unmapFile(data)
}

// WriteOverlay serializes delta to path. The result is deterministic for a
// given delta: covered pages in ascending order, then the minimal coalesced
// range index, then the footer. The file is written to a temporary path and
// renamed in, so path either holds a complete overlay or nothing.
func WriteOverlay(path string, delta *pagedelta.Delta, col metrics.Collector) error {
	ranges := deltaRanges(delta)
	if len(ranges) == 0 {
		return ErrEmptyDelta
	}

	started := time.Now()
	tmp := path + tmpFileSuffix
	written, err := writeOverlayFile(tmp, ranges, func(index types.PageIndex) []byte {
		page, ok := delta.Get(index)
		if !ok {
			// deltaRanges only emits recorded indices
			panic(fmt.Sprintf("delta page %d vanished during write", index))
		}
		return page
	})
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename overlay into place: %w", err)
	}
	if err := syncDir(filepath.Dir(path)); err != nil {
		return err
	}

	col.IncCounter("storage_overlay_writes_total", nil, 1)
	col.IncCounter("storage_bytes_written_total", map[string]string{"file": "overlay"}, float64(written))
	col.ObserveHistogram("storage_overlay_write_seconds", nil, time.Since(started).Seconds())

	return nil
}

// deltaRanges collapses the delta's covered indices into maximal ranges.
func deltaRanges(delta *pagedelta.Delta) []PageRange {
	var ranges []PageRange
	delta.Range(func(index types.PageIndex, _ []byte) bool {
		if n := len(ranges); n > 0 && ranges[n-1].End == index {
			ranges[n-1].End = index + 1
		} else {
			ranges = append(ranges, PageRange{Start: index, End: index + 1})
		}
		return true
	})
	return ranges
}

// writeOverlayFile streams pages for the given coalesced ranges and appends
// the index and footer. read must return a full page for every covered index.
func writeOverlayFile(path string, ranges []PageRange, read func(types.PageIndex) []byte) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create overlay file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	var numPages uint64
	for _, r := range ranges {
		for i := r.Start; i < r.End; i++ {
			if _, err := w.Write(read(i)); err != nil {
				return 0, fmt.Errorf("failed to write page %d: %w", i, err)
			}
		}
		numPages += r.Len()
	}

	var entry [IndexEntrySize]byte
	var fileOffset uint64
	for _, r := range ranges {
		binary.LittleEndian.PutUint64(entry[:8], r.Start)
		binary.LittleEndian.PutUint64(entry[8:], fileOffset)
		if _, err := w.Write(entry[:]); err != nil {
			return 0, fmt.Errorf("failed to write index entry: %w", err)
		}
		fileOffset += r.Len()
	}

	var footer [FooterSize]byte
	binary.LittleEndian.PutUint64(footer[:8], numPages)
	binary.LittleEndian.PutUint32(footer[8:], OverlayVersion)
	if _, err := w.Write(footer[:]); err != nil {
		return 0, fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush overlay file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync overlay file: %w", err)
	}

	return int64(numPages)*types.PageSize + int64(len(ranges))*IndexEntrySize + FooterSize, nil
}
