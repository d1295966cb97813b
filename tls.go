package peloader

// TlsRunner invokes a mapped image's TLS callbacks — spec.md §4.6.
// Grounded on
// _examples/other_examples/cilium-cilium__memmod_windows.go's
// executeTLS, whose loop-until-null-callback shape this follows
// exactly; the teacher's own
// memorymodule/mlibrary_amd64.go ExecuteTLS inverts the nil check
// (`if callback == nil { for *callback != nil {...} }`), which would
// dereference a nil callback pointer in practice — not carried
// forward.
type TlsRunner struct {
	ops PlatformOps
}

func NewTlsRunner(ops PlatformOps) *TlsRunner { return &TlsRunner{ops: ops} }

// tlsDirectory holds the one IMAGE_TLS_DIRECTORY field this component
// needs, AddressOfCallBacks; the 32-bit directory stores it at a
// narrower width and offset, handled separately in Run.
type tlsDirectory struct {
	addressOfCallBacks uint64
}

// Run invokes every callback in img's TLS directory, in array order,
// with (base, DLL_PROCESS_ATTACH, 0), stopping at the first NULL
// entry. A missing TLS directory is not an error — most images don't
// have one.
func (t *TlsRunner) Run(img *MappedImage) error {
	dir := img.Raw.Nt.OptionalHeader.Directory(dirTLS)
	if dir.VirtualAddress == 0 {
		return nil
	}

	base := img.CodeBase
	tlsAddr := base + uintptr(dir.VirtualAddress)

	var td tlsDirectory
	if img.Raw.Nt.OptionalHeader.Is64Bit() {
		// IMAGE_TLS_DIRECTORY64: StartAddressOfRawData(8),
		// EndAddressOfRawData(8), AddressOfIndex(8),
		// AddressOfCallBacks(8), ...
		td.addressOfCallBacks = peek[uint64](tlsAddr + 24)
	} else {
		td.addressOfCallBacks = uint64(peek[uint32](tlsAddr + 12))
	}

	if td.addressOfCallBacks == 0 {
		return nil
	}

	callbackArray := uintptr(td.addressOfCallBacks)
	width := uintptr(4)
	if img.Raw.Nt.OptionalHeader.Is64Bit() {
		width = 8
	}

	for i := 0; ; i++ {
		entryAddr := callbackArray + uintptr(i)*width
		var cb uint64
		if width == 8 {
			cb = peek[uint64](entryAddr)
		} else {
			cb = uint64(peek[uint32](entryAddr))
		}
		if cb == 0 {
			break
		}
		if err := t.ops.CallTLSCallback(uintptr(cb), base, dllProcessAttach); err != nil {
			return errf("Run", AttachRejected, "tls callback %d: %w", i, err)
		}
	}
	return nil
}

const dllProcessAttach = 1
