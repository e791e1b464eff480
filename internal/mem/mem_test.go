package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zuki/hinaos/internal/arch"
	"github.com/zuki/hinaos/internal/defs"
)

type fakeOwner struct {
	pages Physpg_t
}

func (o *fakeOwner) OwnedPages() *Physpg_t { return &o.pages }

func (o *fakeOwner) count() int {
	n := 0
	for p := o.pages.Next; p != nil; p = p.Next {
		n++
	}
	return n
}

const testBase = defs.Pa_t(0x80200000)

func newPM(numPages int) (*Physmem_t, *arch.Sim_t) {
	sim := arch.NewSim(1)
	pm := New(sim)
	pm.AddZone(testBase, numPages, Free)
	return pm, sim
}

func TestAllocFreeRoundTrip(t *testing.T) {
	pm, _ := newPM(16)
	owner := &fakeOwner{}

	paddr := pm.Alloc(3*defs.PageSize, owner, defs.PMUninitialized)
	require.Equal(t, testBase, paddr)
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, pm.RefCount(paddr+defs.Pa_t(i*defs.PageSize)))
	}
	require.Equal(t, 3, owner.count())

	pm.Free(paddr, 3*defs.PageSize)
	for i := 0; i < 3; i++ {
		require.Equal(t, 0, pm.RefCount(paddr+defs.Pa_t(i*defs.PageSize)))
	}
	require.Equal(t, 0, owner.count())
}

func TestAllocZeroBytesTakesOnePage(t *testing.T) {
	pm, _ := newPM(4)
	paddr := pm.Alloc(0, nil, defs.PMUninitialized)
	require.Equal(t, testBase, paddr)
	require.Equal(t, 1, pm.RefCount(paddr))
	require.Equal(t, 0, pm.RefCount(paddr+defs.PageSize))
}

func TestAllocAligned(t *testing.T) {
	pm, _ := newPM(16)
	// Occupy the first page so the next fit is unaligned without the flag.
	require.NotZero(t, pm.Alloc(defs.PageSize, nil, defs.PMUninitialized))

	paddr := pm.Alloc(2*defs.PageSize, nil, defs.PMAligned)
	require.NotZero(t, paddr)
	require.Zero(t, int(paddr)%(2*defs.PageSize))
}

func TestAllocZeroed(t *testing.T) {
	pm, sim := newPM(4)
	paddr := pm.Alloc(defs.PageSize, nil, defs.PMUninitialized)
	require.NoError(t, sim.WritePhys(paddr, []byte{0xde, 0xad}))
	pm.Free(paddr, defs.PageSize)

	again := pm.Alloc(defs.PageSize, nil, defs.PMZeroed)
	require.Equal(t, paddr, again)
	b := make([]byte, 2)
	require.NoError(t, sim.ReadPhys(again, b))
	require.Equal(t, []byte{0, 0}, b)
}

func TestAllocExhausted(t *testing.T) {
	pm, _ := newPM(2)
	require.NotZero(t, pm.Alloc(2*defs.PageSize, nil, defs.PMUninitialized))
	require.Zero(t, pm.Alloc(defs.PageSize, nil, defs.PMUninitialized))
}

func TestAllocSkipsAllocatedRuns(t *testing.T) {
	pm, _ := newPM(8)
	first := pm.Alloc(2*defs.PageSize, nil, defs.PMUninitialized)
	second := pm.Alloc(2*defs.PageSize, nil, defs.PMUninitialized)
	require.Equal(t, first+defs.Pa_t(2*defs.PageSize), second)

	pm.Free(first, 2*defs.PageSize)
	third := pm.Alloc(defs.PageSize, nil, defs.PMUninitialized)
	require.Equal(t, first, third)
}

func TestOwnPage(t *testing.T) {
	pm, _ := newPM(4)
	owner := &fakeOwner{}
	paddr := pm.Alloc(defs.PageSize, nil, defs.PMUninitialized)
	require.Equal(t, defs.OK, pm.OwnPage(paddr, owner))
	require.Equal(t, 1, owner.count())
	require.Equal(t, owner, pm.PageAt(paddr).Owner)

	// A second retroactive claim, or claiming a free page, is rejected.
	require.Equal(t, defs.ErrInvalidArg, pm.OwnPage(paddr, &fakeOwner{}))
	free := pm.Alloc(defs.PageSize, nil, defs.PMUninitialized)
	pm.Free(free, defs.PageSize)
	require.Equal(t, defs.ErrInvalidArg, pm.OwnPage(free, owner))
	require.Equal(t, defs.ErrInvalidPaddr, pm.OwnPage(0x1000, owner))
}

func TestFreeByList(t *testing.T) {
	pm, _ := newPM(8)
	owner := &fakeOwner{}
	a := pm.Alloc(defs.PageSize, owner, defs.PMUninitialized)
	b := pm.Alloc(2*defs.PageSize, owner, defs.PMUninitialized)
	require.Equal(t, 3, owner.count())

	pm.FreeByList(owner.OwnedPages())
	require.Equal(t, 0, owner.count())
	require.Equal(t, 0, pm.RefCount(a))
	require.Equal(t, 0, pm.RefCount(b))
	require.Equal(t, 0, pm.RefCount(b+defs.PageSize))
}

func TestDoubleFreePanics(t *testing.T) {
	pm, _ := newPM(2)
	paddr := pm.Alloc(defs.PageSize, nil, defs.PMUninitialized)
	pm.Free(paddr, defs.PageSize)
	require.Panics(t, func() { pm.Free(paddr, defs.PageSize) })
}

func TestMMIOZoneNotAllocatable(t *testing.T) {
	sim := arch.NewSim(1)
	pm := New(sim)
	pm.AddZone(0x10000000, 4, MMIO)
	require.Zero(t, pm.Alloc(defs.PageSize, nil, defs.PMUninitialized))

	kind, ok := pm.ZoneKindOf(0x10000000)
	require.True(t, ok)
	require.Equal(t, MMIO, kind)
}
