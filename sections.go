package peloader

// SectionFinalizer applies final page protections to a mapped image's
// sections — spec.md §4.5. Adjacent sections sharing the same page are
// merged into a single protection accumulator before the call to
// PlatformOps.Protect, since VirtualProtect operates on whole pages and
// two sections can share a trailing/leading page. Grounded on
// _examples/lysShub-mlibrary/memorymodule/mlibrary_amd64.go's
// FinalizeSection/FinalizeSections (the forward-pass merge shape is
// preserved), corrected against
// _examples/other_examples/cilium-cilium__memmod_windows.go's
// finalizeSection for the readable/writeable bit assignment — the
// teacher's own FinalizeSection sets `readable = true` when
// IMAGE_SCN_MEM_WRITE is set (a copy-paste bug that would mark writable
// sections read-only-or-worse instead of writable); we use WRITE for
// writeable and READ for readable as the two independent bits they are.
type SectionFinalizer struct {
	ops PlatformOps
}

func NewSectionFinalizer(ops PlatformOps) *SectionFinalizer { return &SectionFinalizer{ops: ops} }

type sectionAccumulator struct {
	base        uintptr
	size        uint64
	executable  bool
	readable    bool
	writeable   bool
	discardable bool
	sawSection  bool // distinguishes "no section absorbed yet" from "one absorbed, not discardable"
	notCached   bool
}

// absorb folds one more section into the run. discardable is an AND,
// not an OR: a run stays discardable only while every section that has
// joined it is IMAGE_SCN_MEM_DISCARDABLE, mirroring cilium's
// finalizeSection — a single non-discardable section sharing the page
// must keep it mapped with DISCARDABLE cleared from the merged
// characteristics, not decommitted.
//
// addr is read back from s.Misc (the low 32 bits of the section's
// mapped destination, stashed there by copySectionsIn) rather than
// recomputed as base+VirtualAddress, so the run's start address always
// reflects where Mapper actually placed the section.
func (a *sectionAccumulator) absorb(ops PlatformOps, base uintptr, sizeOfImage uint32, s SectionHeader) {
	size := sectionRealSize(sizeOfImage, s)
	addr := (base &^ 0xffffffff) | uintptr(s.Misc)

	if a.size == 0 {
		a.base = addr
	}
	a.size += size
	a.executable = a.executable || s.Characteristics&scnMemExecute != 0
	a.readable = a.readable || s.Characteristics&scnMemRead != 0
	a.writeable = a.writeable || s.Characteristics&scnMemWrite != 0
	if !a.sawSection {
		a.discardable = s.Characteristics&scnMemDiscardable != 0
	} else if s.Characteristics&scnMemDiscardable == 0 {
		a.discardable = false
	}
	a.sawSection = true
	a.notCached = a.notCached || s.Characteristics&scnMemNotCached != 0
	_ = ops
}

func (a *sectionAccumulator) reset() {
	*a = sectionAccumulator{}
}

// sectionRealSize returns a section's true size within the mapped
// image: SizeOfRawData when it's within SizeOfImage bounds, otherwise
// the portion of SizeOfImage remaining from the section's RVA (a
// section can legitimately claim more virtual space than its file
// contents, zero-filled by the Mapper).
func sectionRealSize(sizeOfImage uint32, s SectionHeader) uint64 {
	size := s.SizeOfRawData
	if size == 0 {
		return 0
	}
	if s.VirtualAddress+size > sizeOfImage {
		if uint64(s.VirtualAddress) >= uint64(sizeOfImage) {
			return 0
		}
		return uint64(sizeOfImage) - uint64(s.VirtualAddress)
	}
	return uint64(size)
}

// Finalize walks img.Sections in file order, merging consecutive
// sections that land on the same page before calling Protect once per
// run, then decommits any run that is entirely IMAGE_SCN_MEM_DISCARDABLE
// and whose pages cannot be shared with whatever follows it.
func (f *SectionFinalizer) Finalize(img *MappedImage) error {
	pageSize := uint64(f.ops.PageSize())
	sizeOfImage := img.Raw.Nt.OptionalHeader.SizeOfImage
	sectionAlignment := uint64(img.Raw.Nt.OptionalHeader.SectionAlignment)

	var acc sectionAccumulator
	flush := func(last bool) error {
		if acc.size == 0 {
			return nil
		}
		if acc.discardable {
			// A run is only safe to decommit if its RVA offset is
			// itself page-aligned (no earlier, non-discardable section
			// shares its leading page — this can happen when
			// SectionAlignment < PageSize pushes a run's start mid-page)
			// and either it's the final run, every section starts on a
			// page boundary of its own (SectionAlignment == PageSize,
			// so nothing can share the trailing page either), or the
			// run's raw size already lands on a page boundary.
			// Otherwise a later section could still be relying on the
			// shared trailing page, so the run is left mapped —
			// spec.md §4.5's Finalize(cur) guard.
			offset := uint64(acc.base - img.CodeBase)
			canDecommit := offset == AlignDown(offset, pageSize) &&
				(last || sectionAlignment == pageSize || acc.size%pageSize == 0)
			if canDecommit {
				aligned := AlignUp(acc.size, pageSize)
				if err := f.ops.Decommit(acc.base, aligned); err != nil {
					return errf("Finalize", ProtectionFailed, "decommit discardable section run: %w", err)
				}
				acc.reset()
				return nil
			}
			// Falls through to the protect path below with
			// DISCARDABLE effectively cleared: the run stays mapped,
			// protected like any other run.
		}
		prot := protectionFor(acc.executable, acc.readable, acc.writeable)
		if acc.notCached {
			// PAGE_NOCACHE has no Protection-level representation in
			// this model (spec.md treats caching as orthogonal to
			// protection); the underlying flag would be OR'd in by a
			// full Win32 caller but isn't expressible through
			// PlatformOps, so it's intentionally dropped here.
			_ = acc.notCached
		}
		aligned := AlignUp(acc.size, pageSize)
		if _, err := f.ops.Protect(acc.base, aligned, prot); err != nil {
			return errf("Finalize", ProtectionFailed, "protect section run at %#x: %w", acc.base, err)
		}
		acc.reset()
		return nil
	}

	for _, s := range img.Sections {
		size := sectionRealSize(sizeOfImage, s)
		if size == 0 {
			continue
		}
		addr := img.CodeBase + uintptr(s.VirtualAddress)

		if acc.size > 0 {
			runEnd := AlignUp(uint64(acc.base-img.CodeBase)+acc.size, pageSize)
			sectionStart := uint64(addr - img.CodeBase)
			sectionStartPage := AlignDown(sectionStart, pageSize)
			if sectionStartPage >= runEnd {
				// More sections follow this flush by construction, so
				// it can never be the image's last run.
				if err := flush(false); err != nil {
					return err
				}
			}
		}
		acc.absorb(f.ops, img.CodeBase, sizeOfImage, s)
	}
	return flush(true)
}
