package storage

import (
	"bufio"
	"fmt"
	"os"

	"pagemapdb/pkg/types"
)

// Checkpoint is an immutable, dense, mmap-backed base snapshot. Page i lives
// at byte offset i*PageSize; every page at or past NumPages reads as zero.
type Checkpoint struct {
	path     string
	data     []byte
	length   int64
	numPages uint64
}

// OpenCheckpoint maps the file at path. A length that is not a multiple of
// PageSize is a structural error.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	data, size, err := mapFile(path)
	if err != nil {
		return nil, err
	}

	if size%types.PageSize != 0 {
		unmapFile(data)
		return nil, fmt.Errorf("checkpoint %s: size %d is not a multiple of the page size", path, size)
	}

	return &Checkpoint{
		path:     path,
		data:     data,
		length:   size,
		numPages: uint64(size) / types.PageSize,
	}, nil
}

func (c *Checkpoint) Path() string {
	return c.path
}

func (c *Checkpoint) NumPages() uint64 {
	return c.numPages
}

func (c *Checkpoint) Size() int64 {
	return c.length
}

// GetPage never fails: indices past the end of the file are zero pages.
func (c *Checkpoint) GetPage(index types.PageIndex) []byte {
	if index >= c.numPages {
		return zeroPage
	}
	from := index * types.PageSize
	to := from + types.PageSize
	return c.data[from:to:to]
}

// pages returns the mapped data for [r.Start, r.End); r must lie within the
// stored pages.
func (c *Checkpoint) pages(r PageRange) []byte {
	from := r.Start * types.PageSize
	to := r.End * types.PageSize
	return c.data[from:to:to]
}

func (c *Checkpoint) Close() error {
	data := c.data
	c.data = nil
	return unmapFile(data)
}

// WriteCheckpoint streams numPages dense pages to path; read must return a
// full page for every index, zero pages included.
func WriteCheckpoint(path string, numPages uint64, read func(types.PageIndex) []byte) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := uint64(0); i < numPages; i++ {
		if _, err := w.Write(read(i)); err != nil {
			return 0, fmt.Errorf("failed to write page %d: %w", i, err)
		}
	}

	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush checkpoint file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync checkpoint file: %w", err)
	}

	return int64(numPages) * types.PageSize, nil
}
