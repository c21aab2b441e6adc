package pagedelta

import (
	"errors"
	"sync"
	"testing"

	"pagemapdb/pkg/types"
)

func page(tag byte) []byte {
	p := make([]byte, types.PageSize)
	for i := range p {
		p[i] = tag
	}
	return p
}

func TestDelta_PutGet(t *testing.T) {
	d := New()
	if err := d.Put(5, page(0xAA)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := d.Get(5)
	if !ok || got[0] != 0xAA {
		t.Fatalf("Get(5) = (%v,%v)", got, ok)
	}
	if _, ok := d.Get(6); ok {
		t.Fatal("Get(6) should miss")
	}
	if d.Len() != 1 {
		t.Fatalf("Len: expected 1, got %d", d.Len())
	}
}

func TestDelta_PutCopiesPage(t *testing.T) {
	d := New()
	src := page(1)
	if err := d.Put(0, src); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	src[0] = 0xFF

	got, _ := d.Get(0)
	if got[0] != 1 {
		t.Fatal("Put must copy the page, not alias the caller's slice")
	}
}

func TestDelta_Overwrite(t *testing.T) {
	d := New()
	if err := d.Put(3, page(1)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := d.Put(3, page(2)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, _ := d.Get(3)
	if got[0] != 2 || d.Len() != 1 {
		t.Fatalf("overwrite: got tag %#x, len %d", got[0], d.Len())
	}
}

func TestDelta_RejectsWrongSize(t *testing.T) {
	d := New()
	if err := d.Put(0, make([]byte, types.PageSize-1)); !errors.Is(err, ErrBadPageSize) {
		t.Fatalf("expected ErrBadPageSize, got %v", err)
	}
	if err := d.Put(0, nil); !errors.Is(err, ErrBadPageSize) {
		t.Fatalf("expected ErrBadPageSize, got %v", err)
	}
}

func TestDelta_MaxIndex(t *testing.T) {
	d := New()
	if _, ok := d.MaxIndex(); ok {
		t.Fatal("empty delta has no max index")
	}
	if d.NumLogicalPages() != 0 {
		t.Fatalf("empty delta: expected 0 logical pages, got %d", d.NumLogicalPages())
	}

	for _, index := range []types.PageIndex{7, 2, 7, 0} {
		if err := d.Put(index, page(1)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	max, ok := d.MaxIndex()
	if !ok || max != 7 {
		t.Fatalf("expected max 7, got (%d,%v)", max, ok)
	}
	if d.NumLogicalPages() != 8 {
		t.Fatalf("expected 8 logical pages, got %d", d.NumLogicalPages())
	}
}

func TestDelta_RangeAscending(t *testing.T) {
	d := New()
	for _, index := range []types.PageIndex{9, 1, 100, 4} {
		if err := d.Put(index, page(byte(index))); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	var visited []types.PageIndex
	d.Range(func(index types.PageIndex, p []byte) bool {
		if p[0] != byte(index) {
			t.Fatalf("page %d carries tag %#x", index, p[0])
		}
		visited = append(visited, index)
		return true
	})

	expected := []types.PageIndex{1, 4, 9, 100}
	if len(visited) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, visited)
	}
	for i := range expected {
		if visited[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, visited)
		}
	}
}

func TestDelta_ConcurrentPut(t *testing.T) {
	const writers = 8
	const perWriter = 100

	d := New()
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				index := types.PageIndex(w*perWriter + i)
				if err := d.Put(index, page(byte(w))); err != nil {
					t.Errorf("Put(%d) failed: %v", index, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if d.Len() != writers*perWriter {
		t.Fatalf("expected %d pages, got %d", writers*perWriter, d.Len())
	}
	max, ok := d.MaxIndex()
	if !ok || max != writers*perWriter-1 {
		t.Fatalf("expected max %d, got (%d,%v)", writers*perWriter-1, max, ok)
	}
}
