// Package pagemem implements the shard-local memory accountant described in
// spec.md §4.1: a page-granular loan counter over anonymous mmap regions.
package pagemem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PageSize is the unit of allocation (spec.md §3, "Page"): 4 KiB.
const PageSize = 1 << PageShift

// PageShift is CONFIG_PAGE_SHIFT from spec.md §6.
const PageShift = 12

// Accountant loans whole pages out of a capped budget. It has no internal
// locking: spec.md §4.1 and §5 require one accountant per shard, touched
// only from that shard's single goroutine.
type Accountant struct {
	limitPages uint64
	freePages  uint64
}

// NewAccountant creates an accountant with a budget of limitBytes, rounded
// down to a whole number of pages.
func NewAccountant(limitBytes uint64) *Accountant {
	pages := limitBytes / PageSize
	return &Accountant{limitPages: pages, freePages: pages}
}

// FreePages reports the number of pages still available to loan.
func (a *Accountant) FreePages() uint64 { return a.freePages }

// LimitPages reports the total page budget.
func (a *Accountant) LimitPages() uint64 { return a.limitPages }

// Malloc loans `pages` pages backed by a fresh anonymous private mapping.
// It fails without side effects when the request would exceed the budget
// or the mmap syscall fails.
func (a *Accountant) Malloc(pages uint64) ([]byte, error) {
	if pages == 0 {
		return nil, fmt.Errorf("pagemem: malloc of zero pages")
	}
	if pages > a.freePages {
		return nil, fmt.Errorf("pagemem: budget exhausted: want %d pages, have %d", pages, a.freePages)
	}

	mem, err := unix.Mmap(-1, 0, int(pages*PageSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("pagemem: mmap %d pages: %w", pages, err)
	}

	a.freePages -= pages
	return mem, nil
}

// Free returns `pages` pages previously returned by Malloc, unmapping the
// backing region.
func (a *Accountant) Free(mem []byte, pages uint64) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("pagemem: munmap %d pages: %w", pages, err)
	}
	a.freePages += pages
	if a.freePages > a.limitPages {
		panic("pagemem: free_pages exceeded limit, invariant violation")
	}
	return nil
}

// PagesFor returns the number of pages needed to hold size bytes.
func PagesFor(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}
