// Package bootinfo describes what the loader hands to the kernel at boot:
// the boot ELF's physical load address and the memory map (free RAM
// ranges plus MMIO device ranges).
package bootinfo

import "github.com/zuki/hinaos/internal/defs"

// Range_t is a contiguous physical range, base and size both page-multiples.
type Range_t struct {
	Base     uintptr
	NumPages int
}

// Size returns the range's length in bytes.
func (r Range_t) Size() int {
	return r.NumPages * defs.PageSize
}

// Memmap_t splits physical memory into allocatable RAM and fixed-purpose
// MMIO device ranges, mirroring struct memory_map.
type Memmap_t struct {
	RAM  []Range_t
	MMIO []Range_t
}

// Bootinfo_t is the full payload the loader provides before kernel_main runs.
type Bootinfo_t struct {
	BootElfPaddr uintptr
	MemoryMap    Memmap_t
}
