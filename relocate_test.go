package peloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newFakeMappedImage(t *testing.T, size int, relocRVA, relocSize uint32) (*MappedImage, uintptr) {
	t.Helper()
	buf := make([]byte, size)
	base := addrOf(buf)

	oh := OptionalHeader{Magic: optionalHeaderMagicPE32Plus}
	oh.DataDirectory[dirBaseReloc] = DataDirectory{VirtualAddress: relocRVA, Size: relocSize}

	raw := &RawImage{Nt: NtHeaders{OptionalHeader: oh}}
	img := &MappedImage{Raw: raw, CodeBase: base, Size: uint64(size)}
	return img, base
}

func TestRelocatorSkipsWhenDeltaZero(t *testing.T) {
	img, _ := newFakeMappedImage(t, 0x1000, 0, 0)
	img.Delta = 0
	require.NoError(t, NewRelocator().Relocate(img))
	require.True(t, img.relocated)
}

func TestRelocatorAppliesHighLowFixup(t *testing.T) {
	const pageRVA = 0x1000
	const blockSize = 10 // header(8) + one entry(2)
	img, base := newFakeMappedImage(t, 0x3000, pageRVA, blockSize)
	img.Delta = 0x500

	block := base + pageRVA
	poke(block+0, uint32(pageRVA))
	poke(block+4, uint32(blockSize))
	entryOffset := uint16(0x10)
	entry := (uint16(relBasedHighLow) << 12) | entryOffset
	poke(block+8, entry)

	fixupAddr := base + pageRVA + uintptr(entryOffset)
	poke(fixupAddr, uint32(0x1001000))

	require.NoError(t, NewRelocator().Relocate(img))
	require.EqualValues(t, 0x1001000+0x500, peek[uint32](fixupAddr))
}

func TestRelocatorAppliesDir64Fixup(t *testing.T) {
	const pageRVA = 0x1000
	const blockSize = 10
	img, base := newFakeMappedImage(t, 0x3000, pageRVA, blockSize)
	img.Delta = -0x200

	block := base + pageRVA
	poke(block+0, uint32(pageRVA))
	poke(block+4, uint32(blockSize))
	entryOffset := uint16(0x20)
	entry := (uint16(relBasedDir64) << 12) | entryOffset
	poke(block+8, entry)

	fixupAddr := base + pageRVA + uintptr(entryOffset)
	poke(fixupAddr, uint64(0x140002000))

	require.NoError(t, NewRelocator().Relocate(img))
	require.EqualValues(t, uint64(0x140002000-0x200), peek[uint64](fixupAddr))
}

func TestRelocatorIgnoresAbsoluteEntries(t *testing.T) {
	const pageRVA = 0x1000
	const blockSize = 10
	img, base := newFakeMappedImage(t, 0x3000, pageRVA, blockSize)
	img.Delta = 0x10

	block := base + pageRVA
	poke(block+0, uint32(pageRVA))
	poke(block+4, uint32(blockSize))
	entry := uint16(relBasedAbsolute) << 12 // offset 0, type ABSOLUTE
	poke(block+8, entry)

	before := peek[uint32](base + pageRVA)
	require.NoError(t, NewRelocator().Relocate(img))
	require.Equal(t, before, peek[uint32](base+pageRVA))
}

func TestRelocatorErrorsWithoutTableWhenRebased(t *testing.T) {
	img, _ := newFakeMappedImage(t, 0x1000, 0, 0)
	img.Delta = 0x100
	err := NewRelocator().Relocate(img)
	require.Error(t, err)
	var lerr *LoaderError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, BadImageFormat, lerr.Kind)
}
