// Package mem tracks physical memory as zones of page records with
// per-page refcounts and owner back-links. It serves contiguous,
// optionally aligned/zeroed allocations, retroactive ownership assignment
// (OwnPage), and reference-counted release. Refcounts rather than a bitmap
// let the same frame be mapped into more than one address space, and the
// per-owner page list lets task destruction reclaim everything in
// O(pages held).
package mem

import (
	"sync"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
	"github.com/zuki/hinaos/internal/klog"
)

// Owner_i identifies what a page is linked to. Kernel packages pass their
// own task handle through this interface; mem never looks inside it, it
// only compares identity and chains Pages.Next.
type Owner_i interface {
	// OwnedPages returns the pointer to the owner's intrusive page list
	// head, so Alloc/Free can splice Physpg_t nodes on/off it.
	OwnedPages() *Physpg_t
}

// Zonekind_t distinguishes a zone's allocation discipline.
type Zonekind_t int

const (
	// Free is ordinary RAM: pages cycle between unallocated (ref 0) and
	// allocated (ref >= 1), possibly mapped into more than one task.
	Free Zonekind_t = iota
	// MMIO is a device range: a page may be linked to at most one owner
	// at a time, and ref_count must be 0 before the first map.
	MMIO
)

// Physpg_t is one physical-page record. RefCount == 0 means free; a linked
// page (Owner != nil) always has RefCount >= 1. Next is the intrusive link
// of an owner's OwnedPages list. Free pages are on no list: they are
// unlinked from their owner when freed, and the zone's free scan walks
// its page array by index.
type Physpg_t struct {
	Paddr    defs.Pa_t
	RefCount int
	Owner    Owner_i
	Next     *Physpg_t
}

// Zone_t is a contiguous physical range, either RAM or MMIO, holding one
// Physpg_t record per page.
type Zone_t struct {
	Base     defs.Pa_t
	NumPages int
	Kind     Zonekind_t
	pages    []Physpg_t
}

func (z *Zone_t) contains(paddr defs.Pa_t) bool {
	end := z.Base + defs.Pa_t(z.NumPages*defs.PageSize)
	return paddr >= z.Base && paddr < end
}

func (z *Zone_t) pageAt(paddr defs.Pa_t) *Physpg_t {
	idx := (paddr - z.Base) / defs.Pa_t(defs.PageSize)
	return &z.pages[idx]
}

// Physmem_t is the physical-memory manager: an ordered zone list. Callers hold
// the big kernel lock, so all zone and page state is single-threaded
// while mutated; mu only guards against misuse from tests.
type Physmem_t struct {
	mu    sync.Mutex
	zones []*Zone_t
	a     arch.Arch_i
}

// New constructs an empty Physmem_t. Zones are added with AddZone, mirroring
// memory_init building the zone list from the boot-info memory map once.
func New(a arch.Arch_i) *Physmem_t {
	return &Physmem_t{a: a}
}

// AddZone registers a new zone spanning [base, base+numPages*PageSize).
// Called once per boot-info range during kernel init; never after.
func (pm *Physmem_t) AddZone(base defs.Pa_t, numPages int, kind Zonekind_t) *Zone_t {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := &Zone_t{Base: base, NumPages: numPages, Kind: kind, pages: make([]Physpg_t, numPages)}
	for i := range z.pages {
		z.pages[i].Paddr = base + defs.Pa_t(i*defs.PageSize)
	}
	pm.zones = append(pm.zones, z)
	return z
}

func (pm *Physmem_t) zoneOf(paddr defs.Pa_t) *Zone_t {
	for _, z := range pm.zones {
		if z.contains(paddr) {
			return z
		}
	}
	return nil
}

// PageAt returns the page record for paddr, or nil if paddr is outside
// every zone.
func (pm *Physmem_t) PageAt(paddr defs.Pa_t) *Physpg_t {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	if z == nil {
		return nil
	}
	return z.pageAt(paddr)
}

func alignUp(v, a int) int {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

// Alloc finds ceil(size/PageSize) contiguous free pages (one page minimum,
// a zero-byte request still allocates) and returns the base paddr, or 0 on
// failure. Search order is zones in list order, then start-page index
// ascending.
func (pm *Physmem_t) Alloc(size int, owner Owner_i, flags defs.Pmflags_t) defs.Pa_t {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	numPages := alignUp(size, defs.PageSize) / defs.PageSize
	if numPages == 0 {
		numPages = 1
	}
	alignedSize := numPages * defs.PageSize

	for _, z := range pm.zones {
		if z.Kind != Free {
			continue
		}
		for start := 0; start+numPages <= z.NumPages; start++ {
			base := z.Base + defs.Pa_t(start*defs.PageSize)
			if flags&defs.PMAligned != 0 && int(base)%alignedSize != 0 {
				continue
			}
			if !pm.isContiguouslyFree(z, start, numPages) {
				continue
			}
			pm.commitAlloc(z, start, numPages, owner)
			if flags&defs.PMZeroed != 0 {
				if zp, ok := pm.a.(interface{ ZeroPage(defs.Pa_t) }); ok {
					for i := 0; i < numPages; i++ {
						zp.ZeroPage(base + defs.Pa_t(i*defs.PageSize))
					}
				}
			}
			return base
		}
	}
	klog.Warn("mem: alloc of %d pages failed, no contiguous free run", numPages)
	return 0
}

func (pm *Physmem_t) isContiguouslyFree(z *Zone_t, start, numPages int) bool {
	for i := 0; i < numPages; i++ {
		if z.pages[start+i].RefCount != 0 {
			return false
		}
	}
	return true
}

func (pm *Physmem_t) commitAlloc(z *Zone_t, start, numPages int, owner Owner_i) {
	for i := 0; i < numPages; i++ {
		p := &z.pages[start+i]
		p.RefCount = 1
		if owner != nil {
			p.Owner = owner
			head := owner.OwnedPages()
			p.Next = head.Next
			head.Next = p
		}
	}
}

// OwnPage retroactively assigns owner to the already-allocated (RefCount
// == 1), ownerless page at paddr. Used when the allocator runs before a
// task struct exists yet (e.g. hinavm.Create allocating a program page
// before creating the task that runs it).
func (pm *Physmem_t) OwnPage(paddr defs.Pa_t, owner Owner_i) defs.Err_t {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	if z == nil {
		return defs.ErrInvalidPaddr
	}
	p := z.pageAt(paddr)
	if p.RefCount != 1 || p.Owner != nil {
		return defs.ErrInvalidArg
	}
	p.Owner = owner
	head := owner.OwnedPages()
	p.Next = head.Next
	head.Next = p
	return defs.OK
}

// Free decrements the refcount of every page in [paddr, paddr+size) by
// one; on reaching zero a page is unlinked from its owner's list. Freeing
// an already-free page is a bug and panics.
func (pm *Physmem_t) Free(paddr defs.Pa_t, size int) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	if z == nil {
		panic("mem: free of paddr outside any zone")
	}
	numPages := alignUp(size, defs.PageSize) / defs.PageSize
	if numPages == 0 {
		numPages = 1
	}
	start := int((paddr - z.Base) / defs.Pa_t(defs.PageSize))
	for i := 0; i < numPages; i++ {
		pm.decref(z, &z.pages[start+i])
	}
}

func (pm *Physmem_t) decref(z *Zone_t, p *Physpg_t) {
	if p.RefCount == 0 {
		panic("mem: free of already-free page")
	}
	p.RefCount--
	if p.RefCount == 0 && p.Owner != nil {
		unlink(p.Owner.OwnedPages(), p)
		p.Owner = nil
	}
}

func unlink(head *Physpg_t, target *Physpg_t) {
	prev := head
	for cur := prev.Next; cur != nil; cur = prev.Next {
		if cur == target {
			prev.Next = cur.Next
			cur.Next = nil
			return
		}
		prev = cur
	}
}

// FreeByList walks an owner's intrusive page list (as returned by
// OwnedPages().Next) and frees every page on it, used by task destruction
// to reclaim everything in O(pages held) without consulting zones by
// address.
func (pm *Physmem_t) FreeByList(head *Physpg_t) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for cur := head.Next; cur != nil; {
		next := cur.Next
		z := pm.zoneOf(cur.Paddr)
		pm.decref(z, cur)
		cur = next
	}
}

// RefCount returns the current refcount of the page at paddr, or -1 if
// paddr names no page.
func (pm *Physmem_t) RefCount(paddr defs.Pa_t) int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	if z == nil {
		return -1
	}
	return z.pageAt(paddr).RefCount
}

// IncRef bumps a page's refcount without touching ownership, used by
// vm_map when mapping an already-owned RAM page into a second task.
func (pm *Physmem_t) IncRef(paddr defs.Pa_t) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	z.pageAt(paddr).RefCount++
}

// ZoneKindOf reports which Kind the zone containing paddr is, and whether
// paddr is covered by any zone at all.
func (pm *Physmem_t) ZoneKindOf(paddr defs.Pa_t) (Zonekind_t, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	if z == nil {
		return 0, false
	}
	return z.Kind, true
}

// LinkMMIOPage links the MMIO page at paddr onto owner's list and sets its
// refcount to 1, marking it mapped exclusively; vmm.Map calls this after
// delegating the arch mapping. Callers must have already checked
// RefCount(paddr) == 0.
func (pm *Physmem_t) LinkMMIOPage(paddr defs.Pa_t, owner Owner_i) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	z := pm.zoneOf(paddr)
	p := z.pageAt(paddr)
	p.RefCount = 1
	p.Owner = owner
	head := owner.OwnedPages()
	p.Next = head.Next
	head.Next = p
}
