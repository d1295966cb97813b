package peloader

import (
	"encoding/binary"
	"sort"
)

// exportDirectory is IMAGE_EXPORT_DIRECTORY, read field-by-field like
// importDescriptor in imports.go.
type exportDirectory struct {
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

func readExportDirectory(addr uintptr) exportDirectory {
	return exportDirectory{
		Base:                  peek[uint32](addr + 16),
		NumberOfFunctions:     peek[uint32](addr + 20),
		NumberOfNames:         peek[uint32](addr + 24),
		AddressOfFunctions:    peek[uint32](addr + 28),
		AddressOfNames:        peek[uint32](addr + 32),
		AddressOfNameOrdinals: peek[uint32](addr + 36),
	}
}

// ExportEntry is one resolved export, surfaced to ExportWalker.Walk's
// callback and used internally by diag.go.
type ExportEntry struct {
	Name    string // empty if this function has no name (ordinal-only export)
	Ordinal uint16 // unbiased index into AddressOfFunctions: the real ordinal is Ordinal+Base
	Address uintptr // an RVA, not a live address: Walk never assumes a load base
}

// ExportWalker enumerates a RawImage's export directory straight off
// its on-disk bytes — spec.md §4.7's "general" walker, as distinct from
// a loaded Module's own name/ordinal lookup (buildExportTable/
// findByName), which runs against a live mapped image and additionally
// caches a sorted name table. diag.go's Inspect uses this one, since it
// never maps anything. Grounded on
// _examples/lysShub-mlibrary/memorymodule/mlibrary_amd64.go's
// MemoryGetProcAddress for the AddressOfNames/AddressOfNameOrdinals
// indirection, corrected against
// _examples/other_examples/cilium-cilium__memmod_windows.go's
// buildNameExports for the ordinal-biasing convention (stored ordinals
// are 0-based indices into AddressOfFunctions; the real DLL ordinal is
// Base+index).
type ExportWalker struct{}

func NewExportWalker() *ExportWalker { return &ExportWalker{} }

// rvaToFileOffset resolves an RVA to its file offset using raw's
// section table: an RVA below the first section's VirtualAddress is
// inside the header region, which is stored at the same offset it's
// addressed by (file offset == RVA); anything else must fall within a
// section's [VirtualAddress, VirtualAddress+SizeOfRawData) span.
func rvaToFileOffset(sections []SectionHeader, rva uint32) (int, bool) {
	if len(sections) == 0 || rva < sections[0].VirtualAddress {
		return int(rva), true
	}
	for _, s := range sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.SizeOfRawData {
			return int(s.PointerToRawData + (rva - s.VirtualAddress)), true
		}
	}
	return 0, false
}

func readExportDirectoryAt(b []byte, off int) exportDirectory {
	return exportDirectory{
		Base:                  binary.LittleEndian.Uint32(b[off+16 : off+20]),
		NumberOfFunctions:     binary.LittleEndian.Uint32(b[off+20 : off+24]),
		NumberOfNames:         binary.LittleEndian.Uint32(b[off+24 : off+28]),
		AddressOfFunctions:    binary.LittleEndian.Uint32(b[off+28 : off+32]),
		AddressOfNames:        binary.LittleEndian.Uint32(b[off+32 : off+36]),
		AddressOfNameOrdinals: binary.LittleEndian.Uint32(b[off+36 : off+40]),
	}
}

func cStringAtOffset(b []byte, off int, maxLen int) string {
	n := 0
	for off+n < len(b) && n < maxLen && b[off+n] != 0 {
		n++
	}
	return string(b[off : off+n])
}

// Walk calls fn once per named export in raw's export table, in
// AddressOfNames order, stopping early if fn returns false. A missing
// export directory is not an error — it simply yields no entries.
func (w *ExportWalker) Walk(raw *RawImage, fn func(ExportEntry) bool) error {
	dir := raw.Nt.OptionalHeader.Directory(dirExport)
	if dir.VirtualAddress == 0 {
		return nil
	}
	edOff, ok := rvaToFileOffset(raw.Sections, dir.VirtualAddress)
	if !ok || edOff+40 > len(raw.Bytes) {
		return errf("Walk", BadImageFormat, "export directory RVA out of range")
	}
	ed := readExportDirectoryAt(raw.Bytes, edOff)

	namesOff, ok := rvaToFileOffset(raw.Sections, ed.AddressOfNames)
	if !ok {
		return errf("Walk", BadImageFormat, "AddressOfNames out of range")
	}
	ordsOff, ok := rvaToFileOffset(raw.Sections, ed.AddressOfNameOrdinals)
	if !ok {
		return errf("Walk", BadImageFormat, "AddressOfNameOrdinals out of range")
	}
	funcsOff, ok := rvaToFileOffset(raw.Sections, ed.AddressOfFunctions)
	if !ok {
		return errf("Walk", BadImageFormat, "AddressOfFunctions out of range")
	}

	for i := uint32(0); i < ed.NumberOfNames; i++ {
		nameRVA := binary.LittleEndian.Uint32(raw.Bytes[namesOff+int(i)*4 : namesOff+int(i)*4+4])
		ordIdx := binary.LittleEndian.Uint16(raw.Bytes[ordsOff+int(i)*2 : ordsOff+int(i)*2+2])
		if uint32(ordIdx) >= ed.NumberOfFunctions {
			continue
		}
		funcRVA := binary.LittleEndian.Uint32(raw.Bytes[funcsOff+int(ordIdx)*4 : funcsOff+int(ordIdx)*4+4])
		nameOff, ok := rvaToFileOffset(raw.Sections, nameRVA)
		if !ok {
			continue
		}
		entry := ExportEntry{
			Name:    cStringAtOffset(raw.Bytes, nameOff, 512),
			Ordinal: ordIdx,
			Address: uintptr(funcRVA),
		}
		if !fn(entry) {
			break
		}
	}
	return nil
}

// exportTable is the cached, sorted lookup a loaded Module keeps for
// its own GetFunction/GetFunctionByOrdinal — built once, on the first
// such call, instead of re-walking the export directory on every call.
type exportTable struct {
	dir        exportDirectory
	base       uintptr
	sortedName []string // sorted for binary search
	nameToOrd  map[string]uint16
}

func buildExportTable(img *MappedImage) (*exportTable, error) {
	dir := img.Raw.Nt.OptionalHeader.Directory(dirExport)
	if dir.VirtualAddress == 0 {
		return nil, newErr("buildExportTable", ExportLookupFailed, nil)
	}
	base := img.CodeBase
	ed := readExportDirectory(base + uintptr(dir.VirtualAddress))
	if ed.NumberOfFunctions == 0 {
		return nil, newErr("buildExportTable", ExportLookupFailed, nil)
	}

	namesAddr := base + uintptr(ed.AddressOfNames)
	ordsAddr := base + uintptr(ed.AddressOfNameOrdinals)

	names := make([]string, 0, ed.NumberOfNames)
	nameToOrd := make(map[string]uint16, ed.NumberOfNames)
	for i := uint32(0); i < ed.NumberOfNames; i++ {
		nameRVA := peek[uint32](namesAddr + uintptr(i)*4)
		ord := peek[uint16](ordsAddr + uintptr(i)*2)
		name := cStringAt(base+uintptr(nameRVA), 512)
		names = append(names, name)
		nameToOrd[name] = ord
	}
	sort.Strings(names)

	return &exportTable{dir: ed, base: base, sortedName: names, nameToOrd: nameToOrd}, nil
}

// findByName does a case-sensitive binary search over the cached
// sorted name table — corrected against the teacher's
// MemoryGetProcAddress, whose found/not-found branch in the
// sort.Search callback is inverted and would return the wrong address
// (or silently the zero address) on a real hit.
func (t *exportTable) findByName(name string) (uintptr, bool) {
	i := sort.SearchStrings(t.sortedName, name)
	if i >= len(t.sortedName) || t.sortedName[i] != name {
		return 0, false
	}
	ord, ok := t.nameToOrd[name]
	if !ok {
		return 0, false
	}
	return t.addressForIndex(ord)
}

func (t *exportTable) findByOrdinal(ordinal uint16) (uintptr, bool) {
	if uint32(ordinal) < t.dir.Base {
		return 0, false
	}
	idx := uint16(uint32(ordinal) - t.dir.Base)
	return t.addressForIndex(idx)
}

func (t *exportTable) addressForIndex(idx uint16) (uintptr, bool) {
	if uint32(idx) >= t.dir.NumberOfFunctions {
		return 0, false
	}
	funcsAddr := t.base + uintptr(t.dir.AddressOfFunctions)
	funcRVA := peek[uint32](funcsAddr + uintptr(idx)*4)
	if funcRVA == 0 {
		return 0, false
	}
	return t.base + uintptr(funcRVA), true
}
