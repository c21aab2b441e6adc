package pagedelta

import (
	"errors"
	"sync/atomic"

	"pagemapdb/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

var (
	ErrBadPageSize = errors.New("pagemapdb: page must be exactly PageSize bytes")
)

type orderedPages = skipmap.FuncMap[types.PageIndex, []byte]

// Delta is the sparse write set of one execution round: page index to page
// content, iterable in ascending index order. Writers may fill it
// concurrently; once handed to the storage layer it is treated as frozen.
type Delta struct {
	pages *orderedPages

	// maxPlusOne is 0 while empty, otherwise highest index + 1.
	maxPlusOne atomic.Uint64
}

func New() *Delta {
	return &Delta{
		pages: skipmap.NewFunc[types.PageIndex, []byte](func(a, b types.PageIndex) bool {
			return a < b
		}),
	}
}

// Put records the content of one page. The bytes are copied.
func (d *Delta) Put(index types.PageIndex, page []byte) error {
	if len(page) != types.PageSize {
		return ErrBadPageSize
	}

	own := make([]byte, types.PageSize)
	copy(own, page)
	d.pages.Store(index, own)

	for {
		cur := d.maxPlusOne.Load()
		if cur >= index+1 || d.maxPlusOne.CompareAndSwap(cur, index+1) {
			return nil
		}
	}
}

func (d *Delta) Get(index types.PageIndex) ([]byte, bool) {
	return d.pages.Load(index)
}

// MaxIndex returns the highest recorded index; ok is false for an empty delta.
func (d *Delta) MaxIndex() (types.PageIndex, bool) {
	mp := d.maxPlusOne.Load()
	if mp == 0 {
		return 0, false
	}
	return mp - 1, true
}

// NumLogicalPages is one past the highest recorded index, 0 when empty.
func (d *Delta) NumLogicalPages() uint64 {
	return d.maxPlusOne.Load()
}

func (d *Delta) Len() int {
	return d.pages.Len()
}

// Range visits pages in ascending index order until f returns false.
func (d *Delta) Range(f func(index types.PageIndex, page []byte) bool) {
	d.pages.Range(f)
}
