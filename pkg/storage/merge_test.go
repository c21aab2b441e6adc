package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pagemapdb/pkg/metrics"
	"pagemapdb/pkg/types"
)

func TestNumFilesToMerge(t *testing.T) {
	cases := []struct {
		name     string
		sizes    []int64
		maxFiles int
		count    int
		merge    bool
	}{
		{"empty", nil, 8, 0, false},
		{"single file", []int64{100}, 8, 0, false},
		{"pyramid holds", []int64{100, 50, 30, 10}, 8, 0, false},
		{"two equal files hold", []int64{10, 10}, 8, 0, false},
		{"violation in the middle", []int64{100, 10, 20}, 8, 2, true},
		{"violation widens to the oldest offender", []int64{100, 40, 30, 20}, 8, 3, true},
		{"all equal collapses fully", []int64{10, 10, 10, 10, 10}, 8, 5, true},
		{
			// pyramid fine but one file over the bound: merge the 2 newest
			"count bound alone",
			[]int64{256, 128, 64, 32, 16, 8, 4, 2, 1},
			8,
			2,
			true,
		},
		{
			"count bound two over",
			[]int64{512, 256, 128, 64, 32, 16, 8, 4, 2, 1},
			8,
			3,
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			count, merge := NumFilesToMerge(tc.sizes, tc.maxFiles)
			if merge != tc.merge || count != tc.count {
				t.Fatalf("expected (%d,%v), got (%d,%v)", tc.count, tc.merge, count, merge)
			}
		})
	}
}

func TestNumFilesToMerge_ViolationCheck(t *testing.T) {
	// [100, 40, 30, 20]: 40 < 30+20, so the suffix starts at the 40 file
	count, merge := NumFilesToMerge([]int64{100, 40, 30, 20}, 8)
	if !merge || count != 3 {
		t.Fatalf("expected 3 files, got (%d,%v)", count, merge)
	}
	// the oldest file absorbs the rest: 100 >= 40+30+20
	count, merge = NumFilesToMerge([]int64{89, 40, 30, 20}, 8)
	if !merge || count != 4 {
		t.Fatalf("expected a full merge, got (%d,%v)", count, merge)
	}
}

// loadAll is a convenience wrapper asserting a clean load.
func loadAll(t *testing.T, base string, overlays []string) *Storage {
	t.Helper()
	s, err := LoadStorage(base, overlays)
	if err != nil {
		t.Fatalf("LoadStorage failed: %v", err)
	}
	return s
}

// snapshotPages copies every logical page so the comparison survives the
// merge deleting input files.
func snapshotPages(s *Storage) [][]byte {
	pages := make([][]byte, s.NumLogicalPages())
	for i := range pages {
		page := make([]byte, types.PageSize)
		copy(page, s.GetPage(uint64(i)))
		pages[i] = page
	}
	return pages
}

func scanDir(t *testing.T, dir string) *RegionFiles {
	t.Helper()
	rf, err := ScanRegion(dir)
	if err != nil {
		t.Fatalf("ScanRegion failed: %v", err)
	}
	return rf
}

func planDir(t *testing.T, dir string, h types.Height, maxFiles int) *MergeCandidate {
	t.Helper()
	rf := scanDir(t, dir)
	candidate, err := PlanMerge(
		filepath.Join(dir, CheckpointFileName(h)),
		filepath.Join(dir, OverlayFileName(h)),
		rf.BasePath(),
		rf.OverlayPaths(),
		maxFiles,
	)
	if err != nil {
		t.Fatalf("PlanMerge failed: %v", err)
	}
	return candidate
}

func assertEquivalent(t *testing.T, dir string, before [][]byte) {
	t.Helper()
	rf := scanDir(t, dir)
	after := loadAll(t, rf.BasePath(), rf.OverlayPaths())
	defer after.Close()

	if after.NumLogicalPages() != uint64(len(before)) {
		t.Fatalf("logical pages changed: expected %d, got %d", len(before), after.NumLogicalPages())
	}
	for i, expected := range before {
		got := after.GetPage(uint64(i))
		if string(got) != string(expected) {
			t.Fatalf("page %d differs after merge", i)
		}
	}
}

func TestMerge_PartialSuffixProducesOverlay(t *testing.T) {
	dir := t.TempDir()

	// a large old overlay, then two small ones that violate the pyramid
	// against each other
	large := map[uint64]byte{}
	for i := uint64(0); i < 40; i++ {
		large[i] = byte(i + 1)
	}
	writeTestOverlay(t, dir, OverlayFileName(1), large)
	writeTestOverlay(t, dir, OverlayFileName(2), map[uint64]byte{3: 0xA0})
	writeTestOverlay(t, dir, OverlayFileName(3), map[uint64]byte{3: 0xB0, 4: 0xB1})

	before := loadAll(t, "", scanDir(t, dir).OverlayPaths())
	pages := snapshotPages(before)
	before.Close()

	candidate := planDir(t, dir, 3, 8)
	if candidate == nil {
		t.Fatal("expected a merge candidate")
	}
	if candidate.ProducesCheckpoint() {
		t.Fatal("partial merge must not touch the base position")
	}
	if len(candidate.InputPaths()) != 2 {
		t.Fatalf("expected the 2 newest files, got %d", len(candidate.InputPaths()))
	}

	if err := candidate.Apply(metrics.Nop{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rf := scanDir(t, dir)
	if rf.NumFiles() != 2 {
		t.Fatalf("expected 2 files after merge, got %d", rf.NumFiles())
	}
	if rf.BasePath() != "" {
		t.Fatal("no checkpoint expected")
	}
	assertEquivalent(t, dir, pages)
}

func TestMerge_FullMergeProducesCheckpoint(t *testing.T) {
	dir := t.TempDir()

	// five identical overlays: each violates the pyramid against the rest
	for h := types.Height(1); h <= 5; h++ {
		content := map[uint64]byte{}
		for i := uint64(0); i < 10; i++ {
			content[i] = byte(0x10 + i)
		}
		writeTestOverlay(t, dir, OverlayFileName(h), content)
	}

	before := loadAll(t, "", scanDir(t, dir).OverlayPaths())
	pages := snapshotPages(before)
	before.Close()

	candidate := planDir(t, dir, 5, 8)
	if candidate == nil {
		t.Fatal("expected a merge candidate")
	}
	if !candidate.ProducesCheckpoint() {
		t.Fatal("a merge spanning every file must produce a checkpoint")
	}

	if err := candidate.Apply(metrics.Nop{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rf := scanDir(t, dir)
	if rf.BasePath() == "" || len(rf.Overlays) != 0 {
		t.Fatalf("expected exactly one checkpoint, got base=%q overlays=%d", rf.BasePath(), len(rf.Overlays))
	}
	if !strings.HasSuffix(rf.BasePath(), CheckpointFileName(5)) {
		t.Fatalf("checkpoint should carry the newest height, got %s", rf.BasePath())
	}
	assertEquivalent(t, dir, pages)
}

func TestMerge_ConsumesBaseOnFullMerge(t *testing.T) {
	dir := t.TempDir()
	writeTestCheckpoint(t, dir, CheckpointFileName(1), []byte{1})
	writeTestOverlay(t, dir, OverlayFileName(2), map[uint64]byte{0: 0xEE, 4: 0xDD})

	before := loadAll(t, scanDir(t, dir).BasePath(), scanDir(t, dir).OverlayPaths())
	pages := snapshotPages(before)
	before.Close()

	// base smaller than the overlay: full merge
	candidate := planDir(t, dir, 2, 8)
	if candidate == nil || !candidate.ProducesCheckpoint() {
		t.Fatalf("expected a full merge to checkpoint, got %+v", candidate)
	}
	if err := candidate.Apply(metrics.Nop{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	rf := scanDir(t, dir)
	if rf.NumFiles() != 1 || rf.BasePath() == "" {
		t.Fatalf("expected a single checkpoint, got %d files", rf.NumFiles())
	}
	assertEquivalent(t, dir, pages)

	// the old checkpoint is gone
	if _, err := os.Stat(filepath.Join(dir, CheckpointFileName(1))); !os.IsNotExist(err) {
		t.Fatal("consumed checkpoint should be deleted")
	}
}

func TestMerge_NoCandidateWhenPyramidHolds(t *testing.T) {
	dir := t.TempDir()

	big := map[uint64]byte{}
	for i := uint64(0); i < 30; i++ {
		big[i] = 1
	}
	writeTestOverlay(t, dir, OverlayFileName(1), big)
	writeTestOverlay(t, dir, OverlayFileName(2), map[uint64]byte{31: 2})

	if candidate := planDir(t, dir, 2, 8); candidate != nil {
		t.Fatalf("expected no candidate, got %+v", candidate)
	}
}

// TestMerge_RepeatedRoundsKeepInvariants writes rounds of single-page deltas
// and plans after every write the way the store does; the file count must
// never rest above the bound and the latest write must stay visible.
func TestMerge_RepeatedRoundsKeepInvariants(t *testing.T) {
	const maxFiles = 4

	dir := t.TempDir()
	for round := 1; round <= maxFiles*3; round++ {
		h := types.Height(round)
		writeTestOverlay(t, dir, OverlayFileName(h), map[uint64]byte{0: byte(round)})

		if candidate := planDir(t, dir, h, maxFiles); candidate != nil {
			if err := candidate.Apply(metrics.Nop{}); err != nil {
				t.Fatalf("round %d: Apply failed: %v", round, err)
			}
		}

		rf := scanDir(t, dir)
		if rf.NumFiles() > maxFiles {
			t.Fatalf("round %d: %d files at rest", round, rf.NumFiles())
		}

		// pyramid invariant over the post-merge sizes
		var sizes []int64
		paths := rf.OverlayPaths()
		if rf.BasePath() != "" {
			paths = append([]string{rf.BasePath()}, paths...)
		}
		for _, p := range paths {
			info, err := os.Stat(p)
			if err != nil {
				t.Fatalf("stat failed: %v", err)
			}
			sizes = append(sizes, info.Size())
		}
		if _, merge := NumFilesToMerge(sizes, maxFiles); merge {
			t.Fatalf("round %d: invariant still violated for sizes %v", round, sizes)
		}

		s := loadAll(t, rf.BasePath(), rf.OverlayPaths())
		if page := s.GetPage(0); page[0] != byte(round) {
			t.Fatalf("round %d: expected latest write %#x, got %#x", round, byte(round), page[0])
		}
		s.Close()
	}
}

func TestMerge_CleansInterruptedTmpFile(t *testing.T) {
	dir := t.TempDir()
	writeTestOverlay(t, dir, OverlayFileName(1), map[uint64]byte{0: 1})

	// simulate a crash between writing and renaming the merge result
	tmp := filepath.Join(dir, CheckpointFileName(1)+tmpFileSuffix)
	if err := os.WriteFile(tmp, []byte("partial"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	rf := scanDir(t, dir)
	if rf.NumFiles() != 1 {
		t.Fatalf("expected only the overlay to survive, got %d files", rf.NumFiles())
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatal("leftover tmp file should be removed by the scan")
	}
}

func TestMerge_StaleFilesAfterCrashAreShadowed(t *testing.T) {
	dir := t.TempDir()

	// post-crash state: a checkpoint at height 3 plus overlays it already
	// absorbed that the merge did not get to delete
	writeTestOverlay(t, dir, OverlayFileName(2), map[uint64]byte{0: 0x01})
	writeTestOverlay(t, dir, OverlayFileName(3), map[uint64]byte{0: 0x02})
	writeTestCheckpoint(t, dir, CheckpointFileName(3), []byte{0x02})

	rf := scanDir(t, dir)
	if rf.NumFiles() != 1 || rf.BasePath() == "" {
		t.Fatalf("expected the checkpoint alone, got %d files", rf.NumFiles())
	}

	s := loadAll(t, rf.BasePath(), rf.OverlayPaths())
	defer s.Close()
	if page := s.GetPage(0); page[0] != 0x02 {
		t.Fatalf("expected the merged content, got %#x", page[0])
	}
}

func TestMerge_ViewSurvivesFileDeletion(t *testing.T) {
	dir := t.TempDir()
	for h := types.Height(1); h <= 3; h++ {
		writeTestOverlay(t, dir, OverlayFileName(h), map[uint64]byte{0: byte(h), uint64(h): 0xF0})
	}

	rf := scanDir(t, dir)
	view := loadAll(t, "", rf.OverlayPaths())
	defer view.Close()

	candidate := planDir(t, dir, 3, 8)
	if candidate == nil {
		t.Fatal("expected a merge candidate")
	}
	if err := candidate.Apply(metrics.Nop{}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// the pre-merge view keeps serving the deleted files
	if page := view.GetPage(0); page[0] != 3 {
		t.Fatalf("expected 3, got %#x", page[0])
	}
	if page := view.GetPage(2); page[0] != 0xF0 {
		t.Fatalf("expected 0xF0, got %#x", page[0])
	}
}
