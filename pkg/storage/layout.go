package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"pagemapdb/pkg/types"
)

const (
	overlaySuffix    = "_overlay.bin"
	checkpointSuffix = "_checkpoint.bin"

	// tmpFileSuffix marks an in-progress write; the scan removes leftovers.
	tmpFileSuffix = ".tmp"
)

// OverlayFileName names the overlay persisted at height h. Heights are
// zero-padded so lexicographic order of names is chronological order.
func OverlayFileName(h types.Height) string {
	return fmt.Sprintf("%010d%s", h, overlaySuffix)
}

// CheckpointFileName names the checkpoint produced by a full merge at height h.
func CheckpointFileName(h types.Height) string {
	return fmt.Sprintf("%010d%s", h, checkpointSuffix)
}

func parseFileName(name string) (h types.Height, isCheckpoint bool, ok bool) {
	var digits string
	switch {
	case strings.HasSuffix(name, overlaySuffix):
		digits = strings.TrimSuffix(name, overlaySuffix)
	case strings.HasSuffix(name, checkpointSuffix):
		digits = strings.TrimSuffix(name, checkpointSuffix)
		isCheckpoint = true
	default:
		return 0, false, false
	}

	h, err := strconv.ParseUint(digits, 10, 64)
	if err != nil || len(digits) != 10 {
		return 0, false, false
	}
	return h, isCheckpoint, true
}

// FileRef locates one file of a region together with its height.
type FileRef struct {
	Path   string
	Height types.Height
}

// RegionFiles is the discovered file set of one region: at most one base
// checkpoint plus overlays strictly newer than it, oldest to newest.
type RegionFiles struct {
	Dir      string
	Base     FileRef // Path == "" when there is no base
	Overlays []FileRef
}

// ScanRegion reads dir and reconstructs the region's file set from names
// alone. Leftovers of an interrupted write or merge are removed: temporary
// files, checkpoints older than the newest one, and overlays already shadowed
// by the base (height at or below the base height). Unrelated files are an
// error, not something to skip over quietly.
func ScanRegion(dir string) (*RegionFiles, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read region directory: %w", err)
	}

	rf := &RegionFiles{Dir: dir}
	var checkpoints []FileRef

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(dir, name)

		if strings.HasSuffix(name, tmpFileSuffix) {
			slog.Warn("removing interrupted merge leftover", "path", path)
			if err := os.Remove(path); err != nil {
				return nil, fmt.Errorf("failed to remove leftover: %w", err)
			}
			continue
		}

		h, isCheckpoint, ok := parseFileName(name)
		if !ok {
			return nil, fmt.Errorf("unexpected file %s in region directory", path)
		}
		if isCheckpoint {
			checkpoints = append(checkpoints, FileRef{Path: path, Height: h})
		} else {
			rf.Overlays = append(rf.Overlays, FileRef{Path: path, Height: h})
		}
	}

	// names are unique per height, so a plain sort by height is total
	sortByHeight(checkpoints)
	sortByHeight(rf.Overlays)

	if len(checkpoints) > 0 {
		rf.Base = checkpoints[len(checkpoints)-1]
		for _, cp := range checkpoints[:len(checkpoints)-1] {
			slog.Warn("removing superseded checkpoint", "path", cp.Path)
			if err := os.Remove(cp.Path); err != nil {
				return nil, fmt.Errorf("failed to remove stale checkpoint: %w", err)
			}
		}

		kept := rf.Overlays[:0]
		for _, ov := range rf.Overlays {
			if ov.Height <= rf.Base.Height {
				slog.Warn("removing overlay shadowed by checkpoint", "path", ov.Path)
				if err := os.Remove(ov.Path); err != nil {
					return nil, fmt.Errorf("failed to remove stale overlay: %w", err)
				}
				continue
			}
			kept = append(kept, ov)
		}
		rf.Overlays = kept
	}

	return rf, nil
}

func sortByHeight(refs []FileRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Height < refs[j].Height })
}

// BasePath returns the checkpoint path, or "" when the region has none.
func (rf *RegionFiles) BasePath() string {
	return rf.Base.Path
}

// OverlayPaths lists overlay paths oldest to newest.
func (rf *RegionFiles) OverlayPaths() []string {
	paths := make([]string, len(rf.Overlays))
	for i, ov := range rf.Overlays {
		paths[i] = ov.Path
	}
	return paths
}

// NumFiles counts base plus overlays.
func (rf *RegionFiles) NumFiles() int {
	n := len(rf.Overlays)
	if rf.Base.Path != "" {
		n++
	}
	return n
}

// LastHeight is the height of the newest file; ok is false for an empty region.
func (rf *RegionFiles) LastHeight() (types.Height, bool) {
	if n := len(rf.Overlays); n > 0 {
		return rf.Overlays[n-1].Height, true
	}
	if rf.Base.Path != "" {
		return rf.Base.Height, true
	}
	return 0, false
}

// SizeBytes sums the on-disk size of every file in the set.
func (rf *RegionFiles) SizeBytes() (int64, error) {
	var total int64
	if rf.Base.Path != "" {
		info, err := os.Stat(rf.Base.Path)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", rf.Base.Path, err)
		}
		total += info.Size()
	}
	for _, ov := range rf.Overlays {
		info, err := os.Stat(ov.Path)
		if err != nil {
			return 0, fmt.Errorf("failed to stat %s: %w", ov.Path, err)
		}
		total += info.Size()
	}
	return total, nil
}
