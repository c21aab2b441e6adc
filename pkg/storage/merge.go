package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"pagemapdb/pkg/metrics"
)

// MergeCandidate is an ephemeral plan consolidating a newest-suffix of a
// region's files into exactly one replacement file. It is recomputed every
// round and never persisted.
type MergeCandidate struct {
	basePath     string   // existing checkpoint consumed by the merge, "" if none
	overlayPaths []string // consumed overlays, oldest → newest
	inputBytes   int64

	dstPath      string
	toCheckpoint bool
}

// NumFilesToMerge scans sizes (oldest to newest) for the first file smaller
// than the combined size of everything newer than it and returns how many
// files, counted from there to the newest inclusive, must merge to restore
// the pyramid. When the file count itself exceeds maxFiles the suffix widens
// until one merge brings the count back under the bound. ok is false when no
// merge is needed.
func NumFilesToMerge(sizes []int64, maxFiles int) (int, bool) {
	count := 0
	newerSum := int64(0)
	for i := len(sizes) - 1; i >= 0; i-- {
		if sizes[i] < newerSum {
			count = len(sizes) - i
		}
		newerSum += sizes[i]
	}

	// merging k files shrinks the count by k-1
	if over := len(sizes) - maxFiles + 1; len(sizes) > maxFiles && count < over {
		count = over
	}

	if count < 2 {
		return 0, false
	}
	return count, true
}

// PlanMerge sizes the region's files (base first, then overlays oldest to
// newest) and returns a candidate, or nil when the invariants already hold.
// The candidate consumes the base only when the suffix spans every file, in
// which case it produces a checkpoint at dstCheckpoint; otherwise it produces
// an overlay at dstOverlay and leaves everything older than the suffix alone.
func PlanMerge(dstCheckpoint, dstOverlay, basePath string, overlayPaths []string, maxFiles int) (*MergeCandidate, error) {
	paths := make([]string, 0, len(overlayPaths)+1)
	if basePath != "" {
		paths = append(paths, basePath)
	}
	paths = append(paths, overlayPaths...)

	sizes := make([]int64, len(paths))
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		sizes[i] = info.Size()
	}

	count, ok := NumFilesToMerge(sizes, maxFiles)
	if !ok {
		return nil, nil
	}

	m := &MergeCandidate{}
	for _, sz := range sizes[len(sizes)-count:] {
		m.inputBytes += sz
	}

	if count == len(paths) {
		m.basePath = basePath
		m.overlayPaths = overlayPaths
		m.dstPath = dstCheckpoint
		m.toCheckpoint = true
		return m, nil
	}

	m.overlayPaths = overlayPaths[len(overlayPaths)-count:]
	m.dstPath = dstOverlay
	return m, nil
}

// InputPaths lists every file the merge consumes, oldest to newest.
func (m *MergeCandidate) InputPaths() []string {
	if m.basePath == "" {
		return m.overlayPaths
	}
	return append([]string{m.basePath}, m.overlayPaths...)
}

// ProducesCheckpoint reports whether the replacement file is a dense base.
func (m *MergeCandidate) ProducesCheckpoint() bool {
	return m.toCheckpoint
}

// DstPath is where the replacement file lands.
func (m *MergeCandidate) DstPath() string {
	return m.dstPath
}

// Apply reconstructs the union of the consumed layers exactly as a layered
// read would, writes the replacement to a temporary path, durably renames it
// into place and only then deletes the consumed files. A crash at any point
// leaves either the pre-merge files or the complete replacement on disk.
func (m *MergeCandidate) Apply(col metrics.Collector) error {
	started := time.Now()

	src, err := LoadStorage(m.basePath, m.overlayPaths)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := m.dstPath + tmpFileSuffix

	var written int64
	if m.toCheckpoint {
		written, err = WriteCheckpoint(tmp, src.NumLogicalPages(), src.GetPage)
	} else {
		written, err = writeOverlayFile(tmp, unionRanges(src.overlays), src.GetPage)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, m.dstPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename merged file into place: %w", err)
	}
	if err := syncDir(filepath.Dir(m.dstPath)); err != nil {
		return err
	}

	for _, p := range m.InputPaths() {
		if p == m.dstPath {
			continue // replaced by the rename
		}
		if err := os.Remove(p); err != nil {
			return fmt.Errorf("failed to remove merged input: %w", err)
		}
	}

	kind := "overlay"
	if m.toCheckpoint {
		kind = "checkpoint"
	}
	col.IncCounter("storage_merges_total", map[string]string{"dst": kind}, 1)
	col.IncCounter("storage_bytes_written_total", map[string]string{"file": "merge"}, float64(written))
	col.IncCounter("storage_merge_input_bytes_total", nil, float64(m.inputBytes))
	col.ObserveHistogram("storage_merge_seconds", nil, time.Since(started).Seconds())

	return nil
}

// unionRanges folds the covered ranges of every overlay into one canonical
// ascending list, coalescing overlap and adjacency.
func unionRanges(overlays []*OverlayFile) []PageRange {
	var all []PageRange
	for _, o := range overlays {
		for _, r := range o.ranges {
			all = append(all, r.PageRange)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	var out []PageRange
	for _, r := range all {
		if n := len(out); n > 0 && out[n-1].End >= r.Start {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
		} else {
			out = append(out, r)
		}
	}
	return out
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open directory for sync: %w", err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync directory: %w", err)
	}
	return nil
}
