package peloader

import "github.com/saferwall/pe"

// Report is a read-only, best-effort summary of a PE image, produced
// by a parser entirely separate from PeView/RawImage. It exists for
// humans inspecting a file before attempting a load (cmd/peloadctl
// prints one), never feeds back into the load pipeline itself — the
// loader's own PeView decoding is what spec.md's mapping invariants
// depend on staying exact and dependency-free.
type Report struct {
	Machine            uint16
	NumSections        int
	SectionNames       []string
	ImportedDLLs       []string
	HasTLS             bool
	HasExports         bool
	Exports            []ExportEntry // populated by ExportWalker.Walk, in AddressOfNames order
	EntryPointRVA      uint32
	SectionTableOffset int // file offset of the first IMAGE_SECTION_HEADER
}

// Inspect parses raw with github.com/saferwall/pe and summarizes it.
// Parse errors from saferwall/pe are returned wrapped in a
// BadImageFormat LoaderError; this function
// never validates the structural invariants ParseRawImage enforces —
// it's a diagnostic second opinion, not a gatekeeper.
func Inspect(raw []byte) (*Report, error) {
	pf, err := pe.NewBytes(raw, &pe.Options{})
	if err != nil {
		return nil, errf("Inspect", BadImageFormat, "saferwall/pe.NewBytes: %w", err)
	}
	if err := pf.Parse(); err != nil {
		return nil, errf("Inspect", BadImageFormat, "saferwall/pe.Parse: %w", err)
	}

	r := &Report{
		Machine:     uint16(pf.NtHeader.FileHeader.Machine),
		NumSections: int(pf.NtHeader.FileHeader.NumberOfSections),
	}

	switch oh := pf.NtHeader.OptionalHeader.(type) {
	case pe.ImageOptionalHeader32:
		r.EntryPointRVA = oh.AddressOfEntryPoint
	case pe.ImageOptionalHeader64:
		r.EntryPointRVA = oh.AddressOfEntryPoint
	}

	for _, s := range pf.Sections {
		r.SectionNames = append(r.SectionNames, s.NameString())
	}

	seen := make(map[string]bool)
	for _, imp := range pf.Imports {
		if !seen[imp.Name] {
			seen[imp.Name] = true
			r.ImportedDLLs = append(r.ImportedDLLs, imp.Name)
		}
	}

	// TLS/export presence and the export listing come from our own
	// header decode rather than guessing at saferwall/pe's internal
	// directory field names — the section/import listing above is the
	// part saferwall/pe is actually doing for us here.
	if ri, err := ParseRawImage(raw); err == nil {
		r.HasTLS = ri.Nt.OptionalHeader.Directory(dirTLS).VirtualAddress != 0
		r.HasExports = ri.Nt.OptionalHeader.Directory(dirExport).VirtualAddress != 0
		r.SectionTableOffset = ri.SectionTableOffset()
		if r.HasExports {
			_ = NewExportWalker().Walk(ri, func(e ExportEntry) bool {
				r.Exports = append(r.Exports, e)
				return true
			})
		}
	}

	return r, nil
}
