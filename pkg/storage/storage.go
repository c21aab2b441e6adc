package storage

import (
	"pagemapdb/pkg/types"
)

// Storage composes at most one Checkpoint with an ordered stack of overlay
// files. The caller supplies overlays oldest to newest; newer layers shadow
// older ones and the checkpoint sits below them all. Once loaded a Storage is
// immutable and safe for concurrent readers; a merge deleting the underlying
// paths does not invalidate it.
type Storage struct {
	base     *Checkpoint    // may be nil
	overlays []*OverlayFile // oldest to newest
}

// LoadStorage opens the base (empty path means none) and every overlay.
// Overlay corruption surfaces as InvalidOverlayError; nothing is ever
// downgraded to "page absent".
func LoadStorage(basePath string, overlayPaths []string) (*Storage, error) {
	s := &Storage{}

	if basePath != "" {
		base, err := OpenCheckpoint(basePath)
		if err != nil {
			return nil, err
		}
		s.base = base
	}

	for _, path := range overlayPaths {
		overlay, err := LoadOverlay(path)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.overlays = append(s.overlays, overlay)
	}

	return s, nil
}

// NumLogicalPages is the maximum logical extent across all layers.
func (s *Storage) NumLogicalPages() uint64 {
	var n uint64
	if s.base != nil {
		n = s.base.NumPages()
	}
	for _, o := range s.overlays {
		if lp := o.NumLogicalPages(); lp > n {
			n = lp
		}
	}
	return n
}

// GetPage resolves index against the newest covering overlay, then the base,
// then falls back to the zero page. It never fails.
func (s *Storage) GetPage(index types.PageIndex) []byte {
	for i := len(s.overlays) - 1; i >= 0; i-- {
		if page, ok := s.overlays[i].GetPage(index); ok {
			return page
		}
	}
	if s.base != nil {
		return s.base.GetPage(index)
	}
	return zeroPage
}

// GetPageIfCovered is GetPage without the zero fallback.
func (s *Storage) GetPageIfCovered(index types.PageIndex) ([]byte, bool) {
	for i := len(s.overlays) - 1; i >= 0; i-- {
		if page, ok := s.overlays[i].GetPage(index); ok {
			return page, true
		}
	}
	if s.base != nil && index < s.base.NumPages() {
		return s.base.GetPage(index), true
	}
	return nil, false
}

// Base returns the checkpoint layer, or nil.
func (s *Storage) Base() *Checkpoint {
	return s.base
}

// Overlays returns the overlay stack oldest to newest.
func (s *Storage) Overlays() []*OverlayFile {
	return s.overlays
}

// NumFiles counts the on-disk files backing this view.
func (s *Storage) NumFiles() int {
	n := len(s.overlays)
	if s.base != nil {
		n++
	}
	return n
}

// Close unmaps every layer. Pages previously returned by GetPage or emitted
// as instructions must not be touched afterwards.
func (s *Storage) Close() error {
	var firstErr error
	for _, o := range s.overlays {
		if err := o.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.base != nil {
		if err := s.base.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
