package peloader

import "unsafe"

// is64BitHost is true when this binary itself is a 64-bit build. The
// loader only maps images matching the host's own pointer width — no
// cross-architecture loading, per spec.

const is64BitHost = unsafe.Sizeof(uintptr(0)) == 8

// Protection is the OS-independent page protection requested by
// SectionFinalizer. PlatformOps.Protect translates this into whatever
// the host OS calls it (PAGE_EXECUTE_READWRITE and friends on Windows).
type Protection int

const (
	ProtNone Protection = iota
	ProtReadOnly
	ProtReadWrite
	ProtExecute
	ProtExecuteRead
	ProtExecuteReadWrite
	ProtWriteCopy
	ProtExecuteWriteCopy
)

// protectionTable mirrors the classic MemoryModule ProtectionFlags
// lookup: [executable][readable][writeable] -> Protection. Index order
// matches how SectionFinalizer accumulates the three booleans.
var protectionTable = [2][2][2]Protection{
	{ // not executable
		{ProtNone, ProtWriteCopy},
		{ProtReadOnly, ProtReadWrite},
	},
	{ // executable
		{ProtExecute, ProtExecuteWriteCopy},
		{ProtExecuteRead, ProtExecuteReadWrite},
	},
}

func protectionFor(executable, readable, writeable bool) Protection {
	return protectionTable[b2i(executable)][b2i(readable)][b2i(writeable)]
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ModuleHandle is an opaque handle to a loaded support library (one per
// distinct DLL named in the import table). The zero value and the
// platform's "invalid handle" sentinel are both treated as invalid by
// PlatformOps.Valid.
type ModuleHandle uintptr

// PlatformOps is every OS primitive the loader needs, behind an
// interface so the rest of the package is unit-testable off Windows
// with a fake backed by plain []byte. platform_windows.go supplies the
// real implementation; the teacher talks to these primitives directly
// as package-level functions — we take them as a constructor argument
// instead, the one shape change this transformation makes beyond the
// teacher's own style.
type PlatformOps interface {
	// PageSize returns the host's memory page granularity.
	PageSize() uint32
	// AllocationGranularity returns the host's allocation granularity
	// (64KiB on Windows), used when probing for a free region.
	AllocationGranularity() uint32

	// Reserve reserves size bytes of address space, letting the OS
	// choose the base address, and commits it read/write.
	Reserve(size uint64) (uintptr, error)
	// ReserveAt reserves size bytes starting at the preferred address.
	// Returns (0, nil) — not an error — if the address is unavailable,
	// so the caller can retry with Reserve.
	ReserveAt(preferred uintptr, size uint64) (uintptr, error)
	// Release frees a region previously returned by Reserve/ReserveAt.
	Release(addr uintptr) error
	// Protect changes the page protection of [addr, addr+size) and
	// returns the previous protection.
	Protect(addr uintptr, size uint64, prot Protection) (Protection, error)
	// Decommit releases the physical storage behind [addr, addr+size)
	// without freeing the address space reservation.
	Decommit(addr uintptr, size uint64) error

	// LoadLibrary resolves a dependency DLL by name.
	LoadLibrary(name string) (ModuleHandle, error)
	// FreeLibrary releases a handle obtained from LoadLibrary.
	FreeLibrary(h ModuleHandle) error
	// GetProcAddress resolves an export by name within h.
	GetProcAddress(h ModuleHandle, name string) (uintptr, error)
	// GetProcAddressByOrdinal resolves an export by ordinal within h.
	GetProcAddressByOrdinal(h ModuleHandle, ordinal uint16) (uintptr, error)

	// CallEntryPoint invokes a DllMain-shaped entry point with
	// (base, reason, 0) and returns whether it reported success.
	CallEntryPoint(entry uintptr, base uintptr, reason uintptr) (bool, error)
	// CallTLSCallback invokes a single PIMAGE_TLS_CALLBACK.
	CallTLSCallback(callback uintptr, base uintptr, reason uintptr) error
	// Call invokes an arbitrary resolved export with no arguments,
	// returning its raw return value. Used by callers that resolved a
	// function via GetFunction/GetFunctionByOrdinal and want to invoke
	// it directly, as opposed to the DllMain-shaped entry point.
	Call(addr uintptr) (uintptr, error)

	// Valid reports whether h is neither zero nor the platform's
	// invalid-handle sentinel.
	Valid(h ModuleHandle) bool
}
