package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pagemapdb/pkg/clock"
	"pagemapdb/pkg/config"
	"pagemapdb/pkg/metrics"
	"pagemapdb/pkg/pagedelta"
	"pagemapdb/pkg/storage"
	"pagemapdb/pkg/storeerrors"
	"pagemapdb/pkg/types"
	"pagemapdb/pkg/workers"
)

// Store owns the on-disk file sets of many independent memory regions, one
// subdirectory of the root per region. Per region it enforces the
// single-writer discipline, persists round deltas as overlays and keeps the
// file count bounded through merges. Reads go through immutable Storage
// views that stay valid across concurrent merges.
type Store struct {
	rootDir  string
	maxFiles int
	col      metrics.Collector
	pool     *workers.Pool

	mu      sync.RWMutex
	regions map[types.RegionName]*region
	closed  bool
}

// region serializes writers; readers never take this lock.
type region struct {
	mu     sync.Mutex
	name   types.RegionName
	dir    string
	height *clock.AtomicClock
}

// RegionInfo is a point-in-time summary of one region's file set.
type RegionInfo struct {
	Name         types.RegionName `json:"name"`
	Files        int              `json:"files"`
	HasBase      bool             `json:"has_base"`
	LastHeight   types.Height     `json:"last_height"`
	SizeBytes    int64            `json:"size_bytes"`
	LogicalPages uint64           `json:"logical_pages"`
}

// Open creates the root directory if needed and registers every existing
// region subdirectory, seeding each height clock from the newest file name.
func Open(cfg config.StorageConfig, col metrics.Collector) (*Store, error) {
	if col == nil {
		col = metrics.Nop{}
	}

	root := filepath.Clean(cfg.RootPath)
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	maxFiles := cfg.MaxFiles
	if maxFiles < 2 {
		maxFiles = storage.MaxNumberOfFiles
	}

	s := &Store{
		rootDir:  root,
		maxFiles: maxFiles,
		col:      col,
		pool:     workers.New(cfg.PersistWorkers),
		regions:  make(map[types.RegionName]*region),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read storage root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := s.register(entry.Name()); err != nil {
			return nil, err
		}
	}

	slog.Info("store opened", "root", root, "regions", len(s.regions))
	return s, nil
}

func (s *Store) register(name types.RegionName) error {
	dir := filepath.Join(s.rootDir, name)

	// the scan also cleans up anything a crashed merge left behind
	rf, err := storage.ScanRegion(dir)
	if err != nil {
		return err
	}

	var last types.Height
	if h, ok := rf.LastHeight(); ok {
		last = h
	}

	s.regions[name] = &region{
		name:   name,
		dir:    dir,
		height: clock.NewAtomic(last),
	}
	return nil
}

// CreateRegion makes an empty region. The name must be a single path element.
func (s *Store) CreateRegion(name types.RegionName) error {
	if name == "" || name == "." || name == ".." ||
		name != filepath.Base(name) || strings.ContainsAny(name, "/\\") {
		return ErrBadRegionName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storeerrors.ErrClosed
	}
	if _, ok := s.regions[name]; ok {
		return ErrRegionExists
	}

	dir := filepath.Join(s.rootDir, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create region directory: %w", err)
	}

	s.regions[name] = &region{
		name:   name,
		dir:    dir,
		height: clock.NewAtomic(0),
	}
	return nil
}

func (s *Store) lookup(name types.RegionName) (*region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storeerrors.ErrClosed
	}
	r, ok := s.regions[name]
	if !ok {
		return nil, storeerrors.ErrRegionNotFound
	}
	return r, nil
}

// Persist writes the round's delta as the region's next overlay, then runs
// the merge planner and applies any due merge. An empty delta is a no-op.
func (s *Store) Persist(name types.RegionName, delta *pagedelta.Delta) error {
	r, err := s.lookup(name)
	if err != nil {
		return err
	}

	if delta == nil || delta.Len() == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()

	h := r.height.Next()
	overlayPath := filepath.Join(r.dir, storage.OverlayFileName(h))
	if err := storage.WriteOverlay(overlayPath, delta, s.col); err != nil {
		return err
	}

	written, err := fileSize(overlayPath)
	if err != nil {
		return err
	}

	merged, err := s.maybeMerge(r, h)
	if err != nil {
		return err
	}
	written += merged

	deltaBytes := int64(delta.Len()) * types.PageSize
	s.col.IncCounter("store_persists_total", map[string]string{"region": r.name}, 1)
	s.col.ObserveHistogram("store_persist_seconds", nil, time.Since(started).Seconds())
	s.col.ObserveHistogram("store_write_amplification", nil, float64(written)/float64(deltaBytes))

	return nil
}

// maybeMerge plans against the current file set and applies at most one
// merge, writing the replacement at the newest height h. Returns the bytes
// the merge wrote.
func (s *Store) maybeMerge(r *region, h types.Height) (int64, error) {
	rf, err := storage.ScanRegion(r.dir)
	if err != nil {
		return 0, err
	}

	candidate, err := storage.PlanMerge(
		filepath.Join(r.dir, storage.CheckpointFileName(h)),
		filepath.Join(r.dir, storage.OverlayFileName(h)),
		rf.BasePath(),
		rf.OverlayPaths(),
		s.maxFiles,
	)
	if err != nil {
		return 0, err
	}
	if candidate == nil {
		return 0, nil
	}

	slog.Info("merging region files",
		"region", r.name,
		"inputs", len(candidate.InputPaths()),
		"checkpoint", candidate.ProducesCheckpoint(),
	)
	if err := candidate.Apply(s.col); err != nil {
		return 0, err
	}

	return fileSize(candidate.DstPath())
}

// PersistBatch persists many regions' deltas on the bounded worker pool.
// Regions are independent, so order between them is not defined.
func (s *Store) PersistBatch(ctx context.Context, deltas map[types.RegionName]*pagedelta.Delta) error {
	names := make([]types.RegionName, 0, len(deltas))
	for name := range deltas {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make([]func(context.Context) error, 0, len(names))
	for _, name := range names {
		name := name
		tasks = append(tasks, func(context.Context) error {
			return s.Persist(name, deltas[name])
		})
	}

	return s.pool.Run(ctx, tasks)
}

// View opens an immutable Storage over the region's current file set. The
// caller must Close it; it stays readable even if a later merge deletes the
// underlying paths.
func (s *Store) View(name types.RegionName) (*storage.Storage, error) {
	r, err := s.lookup(name)
	if err != nil {
		return nil, err
	}

	rf, err := storage.ScanRegion(r.dir)
	if err != nil {
		return nil, err
	}
	return storage.LoadStorage(rf.BasePath(), rf.OverlayPaths())
}

// ReadPage resolves one page of a region; the returned bytes are a copy.
func (s *Store) ReadPage(name types.RegionName, index types.PageIndex) ([]byte, error) {
	view, err := s.View(name)
	if err != nil {
		return nil, err
	}
	defer view.Close()

	if index >= view.NumLogicalPages() {
		return nil, ErrPageOutOfRange
	}

	page := make([]byte, types.PageSize)
	copy(page, view.GetPage(index))
	return page, nil
}

// Regions summarizes every region, sorted by name.
func (s *Store) Regions() ([]RegionInfo, error) {
	s.mu.RLock()
	names := make([]types.RegionName, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	infos := make([]RegionInfo, 0, len(names))
	for _, name := range names {
		info, err := s.RegionInfo(name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RegionInfo summarizes one region's current file set.
func (s *Store) RegionInfo(name types.RegionName) (RegionInfo, error) {
	r, err := s.lookup(name)
	if err != nil {
		return RegionInfo{}, err
	}

	rf, err := storage.ScanRegion(r.dir)
	if err != nil {
		return RegionInfo{}, err
	}

	size, err := rf.SizeBytes()
	if err != nil {
		return RegionInfo{}, err
	}

	view, err := storage.LoadStorage(rf.BasePath(), rf.OverlayPaths())
	if err != nil {
		return RegionInfo{}, err
	}
	logical := view.NumLogicalPages()
	view.Close()

	last, _ := rf.LastHeight()
	return RegionInfo{
		Name:         name,
		Files:        rf.NumFiles(),
		HasBase:      rf.BasePath() != "",
		LastHeight:   last,
		SizeBytes:    size,
		LogicalPages: logical,
	}, nil
}

// Close stops accepting calls. Already-open views remain usable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return info.Size(), nil
}
