package peloader

// RawImage is the immutable, on-disk view of a PE image: the bytes the
// caller handed us, plus the headers PeView decoded from them. Nothing
// in this struct is ever mutated after ParseRawImage returns it.
type RawImage struct {
	Bytes           []byte
	Dos             DosHeader
	Nt              NtHeaders
	Sections        []SectionHeader
	sectionTableOff int
}

// ParseRawImage validates and decodes raw into a RawImage, checking the
// structural invariants spec.md requires before any mapping is
// attempted: DOS/NT signatures, host machine match, nonzero section
// alignment, and a section table that actually fits inside raw.
func ParseRawImage(raw []byte) (*RawImage, error) {
	dos, err := ParseDosHeader(raw)
	if err != nil {
		return nil, err
	}
	nt, err := ParseNtHeaders(raw, dos.Lfanew)
	if err != nil {
		return nil, err
	}
	if nt.FileHeader.Machine != HostMachine() {
		return nil, errf("ParseRawImage", BadImageFormat, "machine %#x does not match host %#x", nt.FileHeader.Machine, HostMachine())
	}
	if nt.OptionalHeader.SectionAlignment == 0 || nt.OptionalHeader.FileAlignment == 0 {
		return nil, errf("ParseRawImage", BadImageFormat, "zero section/file alignment")
	}
	if nt.OptionalHeader.SectionAlignment%2 != 0 {
		return nil, errf("ParseRawImage", BadImageFormat, "odd section alignment: %d", nt.OptionalHeader.SectionAlignment)
	}
	if nt.OptionalHeader.AddressOfEntryPoint == 0 {
		return nil, newErr("ParseRawImage", NoEntryPoint, nil)
	}

	secOff := FirstSectionOffset(dos.Lfanew, nt.FileHeader.SizeOfOptionalHeader)
	if secOff+int(nt.FileHeader.NumberOfSections)*sectionHeaderSize > int(nt.OptionalHeader.SizeOfHeaders) {
		return nil, errf("ParseRawImage", BadImageFormat, "section table extends past SizeOfHeaders")
	}
	sections, err := ParseSectionHeaders(raw, secOff, int(nt.FileHeader.NumberOfSections))
	if err != nil {
		return nil, err
	}

	align := uint64(nt.OptionalHeader.SectionAlignment)
	endOfLastSection := uint64(0)
	for _, s := range sections {
		// Misc still holds the on-disk VirtualSize here (ParseRawImage
		// runs before Mapper repurposes it), which can exceed
		// SizeOfRawData for a zero-padded BSS-like section.
		size := s.SizeOfRawData
		if s.Misc > size {
			size = s.Misc
		}
		end := AlignUp(uint64(s.VirtualAddress)+uint64(size), align)
		if end > endOfLastSection {
			endOfLastSection = end
		}
	}
	if len(sections) > 0 && AlignUp(uint64(nt.OptionalHeader.SizeOfImage), align) != endOfLastSection {
		return nil, errf("ParseRawImage", BadImageFormat, "SizeOfImage does not match the end of the last section")
	}

	return &RawImage{
		Bytes:           raw,
		Dos:             dos,
		Nt:              nt,
		Sections:        sections,
		sectionTableOff: secOff,
	}, nil
}

// IsDLL reports whether the image's characteristics mark it a DLL.
func (r *RawImage) IsDLL() bool {
	return r.Nt.FileHeader.Characteristics&imageFileDLL != 0
}

// SectionTableOffset returns the file offset of the first
// IMAGE_SECTION_HEADER, computed once by ParseRawImage and reused by
// diag.go's Report instead of being recomputed from the DOS/NT headers
// a second time.
func (r *RawImage) SectionTableOffset() int {
	return r.sectionTableOff
}

// MappedImage is the committed, relocatable-or-relocated copy of an
// image living in process memory, per spec.md's MappedImage invariants:
// (1) CodeBase is a single contiguous VirtualAlloc reservation sized
// SizeOfImage rounded up to the allocation granularity; (2) the header
// region [CodeBase, CodeBase+SizeOfHeaders) is an exact byte copy of
// the raw header bytes except for the patched ImageBase field; (3)
// every section's bytes live at CodeBase+VirtualAddress; (4) Sections
// mirrors RawImage.Sections positionally; (5) Delta is the signed
// difference actually applied by Relocator (zero if the image landed
// at its preferred base); (6) Handles holds one entry per import
// descriptor, in import-descriptor order, freed in reverse on
// Dispose; (7) EntryPoint, if nonzero, is CodeBase+AddressOfEntryPoint.
type MappedImage struct {
	Raw        *RawImage
	CodeBase   uintptr
	Size       uint64
	Sections   []SectionHeader
	Delta      int64
	Handles    []ModuleHandle
	EntryPoint uintptr
	relocated  bool
}

// Mapper reserves address space for a RawImage and copies in its
// headers and section bytes — spec.md §4.2. It does not relocate,
// bind imports, finalize protections, or run TLS callbacks; those are
// the other components' jobs, run in order by Module.Load.
type Mapper struct {
	ops PlatformOps
}

func NewMapper(ops PlatformOps) *Mapper { return &Mapper{ops: ops} }

// maxRebaseAttempts bounds the cilium/MemoryModule boundary-guard loop
// that parks an unusable >4GiB-straddling allocation and retries: a
// real process has a bounded number of regions it can plausibly park,
// and a corrupt/adversarial size should fail rather than loop forever.
const maxRebaseAttempts = 64

// Map commits raw into a fresh MappedImage.
func (m *Mapper) Map(raw *RawImage) (img *MappedImage, err error) {
	oh := raw.Nt.OptionalHeader
	alignedSize := AlignUp(uint64(oh.SizeOfImage), uint64(m.ops.AllocationGranularity()))

	var parked []uintptr
	defer func() {
		for _, p := range parked {
			_ = m.ops.Release(p)
		}
	}()

	var base uintptr
	for attempt := 0; ; attempt++ {
		base, err = m.ops.ReserveAt(uintptr(oh.ImageBase), alignedSize)
		if err != nil {
			return nil, errf("Map", OutOfMemory, "ReserveAt: %w", err)
		}
		if base == 0 {
			base, err = m.ops.Reserve(alignedSize)
			if err != nil {
				return nil, errf("Map", OutOfMemory, "Reserve: %w", err)
			}
		}
		if !is64BitHost {
			break
		}
		// 4GiB boundary guard: a relative 32-bit displacement used by
		// some relocation-free code cannot straddle a 4GiB crossing.
		if (uint64(base) >> 32) == (uint64(base+uintptr(alignedSize)-1) >> 32) {
			break
		}
		parked = append(parked, base)
		if attempt >= maxRebaseAttempts {
			return nil, errf("Map", OutOfMemory, "could not find a non-boundary-straddling region after %d attempts", attempt+1)
		}
	}

	headerSize := uint64(oh.SizeOfHeaders)
	if headerSize > uint64(len(raw.Bytes)) {
		headerSize = uint64(len(raw.Bytes))
	}
	memcpy(base, addrOf(raw.Bytes), int(headerSize))

	// Patch ImageBase in the mapped header copy so a reader of the
	// committed image (e.g. a debugger, or our own Dump) sees the
	// actual load address.
	patchImageBase(base, raw.Dos.Lfanew, &oh)

	sections := make([]SectionHeader, len(raw.Sections))
	copy(sections, raw.Sections)
	if err := copySectionsIn(m.ops, base, raw, sections); err != nil {
		return nil, err
	}

	img = &MappedImage{
		Raw:      raw,
		CodeBase: base,
		Size:     alignedSize,
		Sections: sections,
		Delta:    int64(base) - int64(oh.ImageBase),
	}
	if oh.AddressOfEntryPoint != 0 {
		img.EntryPoint = uintptr(RvaToVA(uint64(base), oh.AddressOfEntryPoint))
	}
	return img, nil
}

// patchImageBase overwrites the ImageBase field in the header copy
// already committed at base, at the same byte offset ParseNtHeaders
// read it from.
func patchImageBase(base uintptr, lfanew int32, oh *OptionalHeader) {
	ohOff := uintptr(lfanew) + 24
	if oh.Is64Bit() {
		poke(base+ohOff+24, uint64(base))
	} else {
		poke(base+ohOff+28, uint32(base))
	}
}

// copySectionsIn copies each section's raw bytes to its destination
// inside the mapped image, per spec.md §4.2/§4.5's shared convention:
// the destination's low 32 bits are stashed back into sections[i].Misc
// (reusing the PhysicalAddress union slot) so SectionFinalizer can
// recover per-section addresses without threading CodeBase through it
// separately — grounded on
// _examples/lysShub-mlibrary/memorymodule/mlibrary_amd64.go's
// CopySections, whose low-32 reuse this preserves, and corrected
// against cilium-cilium__memmod_windows.go's copySections for the
// SizeOfRawData==0 (all-zero, BSS-like) case.
func copySectionsIn(ops PlatformOps, base uintptr, raw *RawImage, sections []SectionHeader) error {
	for i := range sections {
		s := &sections[i]
		dest := base + uintptr(s.VirtualAddress)

		if s.SizeOfRawData == 0 {
			size := raw.Nt.OptionalHeader.SectionAlignment
			if size > 0 {
				memzero(dest, int(size))
			}
			s.Misc = uint32(dest)
			continue
		}

		if s.Characteristics&scnCntUninitializedData != 0 {
			size := s.SizeOfRawData
			memzero(dest, int(size))
			s.Misc = uint32(dest)
			continue
		}

		srcOff := int(s.PointerToRawData)
		srcEnd := srcOff + int(s.SizeOfRawData)
		if srcOff < 0 || srcEnd > len(raw.Bytes) {
			return errf("copySectionsIn", BadImageFormat, "section %q raw data out of range", s.NameString())
		}
		memcpy(dest, addrOf(raw.Bytes)+uintptr(srcOff), int(s.SizeOfRawData))
		_ = ops // reserved for future per-section commit granularity
		s.Misc = uint32(dest)
	}
	return nil
}
