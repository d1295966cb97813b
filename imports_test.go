package peloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func writeCStringAt(base uintptr, rva uint32, s string) {
	for i := 0; i < len(s); i++ {
		poke(base+uintptr(rva)+uintptr(i), s[i])
	}
	poke(base+uintptr(rva)+uintptr(len(s)), byte(0))
}

func writeImportDescriptor(base uintptr, rva uint32, d importDescriptor) {
	poke(base+uintptr(rva)+0, d.OriginalFirstThunk)
	poke(base+uintptr(rva)+4, d.TimeDateStamp)
	poke(base+uintptr(rva)+8, d.ForwarderChain)
	poke(base+uintptr(rva)+12, d.Name)
	poke(base+uintptr(rva)+16, d.FirstThunk)
}

func newFakeImportImage(t *testing.T, importDirRVA uint32) (*MappedImage, uintptr) {
	t.Helper()
	buf := make([]byte, 0x1000)
	base := addrOf(buf)
	oh := OptionalHeader{Magic: optionalHeaderMagicPE32Plus}
	oh.DataDirectory[dirImport] = DataDirectory{VirtualAddress: importDirRVA}
	raw := &RawImage{Nt: NtHeaders{OptionalHeader: oh}}
	img := &MappedImage{Raw: raw, CodeBase: base}
	return img, base
}

func TestBindResolvesNamedImportAndPatchesIAT(t *testing.T) {
	img, base := newFakeImportImage(t, 0x400)

	poke(base+0x200, uint16(0)) // Hint
	writeCStringAt(base, 0x202, "Add")
	poke(base+0x000, uint64(0x200)) // thunk[0]: RVA to IMAGE_IMPORT_BY_NAME
	poke(base+0x008, uint64(0))     // thunk[1]: terminator
	writeCStringAt(base, 0x300, "libA.dll")
	writeImportDescriptor(base, 0x400, importDescriptor{OriginalFirstThunk: 0x000, Name: 0x300, FirstThunk: 0x000})
	// 0x414 left zeroed: terminating descriptor.

	ops := newFakePlatform()
	ops.registerLib("libA.dll", map[string]uintptr{"Add": 0xdead}, nil)

	require.NoError(t, NewImportBinder(ops).Bind(img))
	require.Len(t, img.Handles, 1)
	require.EqualValues(t, 0xdead, peek[uint64](base+0x000))
}

func TestBindUnwindsHandlesOnFailure(t *testing.T) {
	img, base := newFakeImportImage(t, 0x400)

	poke(base+0x200, uint16(0))
	writeCStringAt(base, 0x202, "Add")
	poke(base+0x000, uint64(0x200))
	poke(base+0x008, uint64(0))
	writeCStringAt(base, 0x300, "libA.dll")
	writeCStringAt(base, 0x310, "libFail.dll")

	writeImportDescriptor(base, 0x400, importDescriptor{OriginalFirstThunk: 0x000, Name: 0x300, FirstThunk: 0x000})
	writeImportDescriptor(base, 0x414, importDescriptor{Name: 0x310})
	// 0x428 left zeroed: terminating descriptor.

	ops := newFakePlatform()
	libA := ops.registerLib("libA.dll", map[string]uintptr{"Add": 0xdead}, nil)

	err := NewImportBinder(ops).Bind(img)
	require.Error(t, err)
	var lerr *LoaderError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, ImportResolution, lerr.Kind)

	require.Empty(t, img.Handles)
	require.True(t, ops.freed[libA])
}

func TestBindResolvesOrdinalImport(t *testing.T) {
	img, base := newFakeImportImage(t, 0x400)

	const ordinalFlag = uint64(1) << 63
	poke(base+0x000, ordinalFlag|7) // thunk[0]: ordinal #7, no name lookup
	poke(base+0x008, uint64(0))
	writeCStringAt(base, 0x300, "libA.dll")
	writeImportDescriptor(base, 0x400, importDescriptor{OriginalFirstThunk: 0x000, Name: 0x300, FirstThunk: 0x000})

	ops := newFakePlatform()
	ops.registerLib("libA.dll", nil, map[uint16]uintptr{7: 0xbeef})

	require.NoError(t, NewImportBinder(ops).Bind(img))
	require.EqualValues(t, 0xbeef, peek[uint64](base+0x000))
}

func TestBindIsANoOpWithoutAnImportDirectory(t *testing.T) {
	img, _ := newFakeImportImage(t, 0)
	ops := newFakePlatform()
	require.NoError(t, NewImportBinder(ops).Bind(img))
	require.Empty(t, img.Handles)
}
