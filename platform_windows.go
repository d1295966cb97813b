//go:build windows

package peloader

import (
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// winPlatform is the real PlatformOps, grounded on the teacher's own
// kernel32 binding style in helper.go (windows.NewLazySystemDLL +
// NewProc, resolved once behind a sync.Once instead of at package
// init so a non-Windows build of this file never runs the binding).
type winPlatform struct{}

// NewWindowsPlatform returns the production PlatformOps.
func NewWindowsPlatform() PlatformOps { return winPlatform{} }

var (
	kernel32Once sync.Once
	kernel32     = windows.NewLazySystemDLL("kernel32.dll")

	procGetNativeSystemInfo = kernel32.NewProc("GetNativeSystemInfo")
)

type systemInfo struct {
	wProcessorArchitecture      uint16
	wReserved                   uint16
	dwPageSize                  uint32
	lpMinimumApplicationAddress uintptr
	lpMaximumApplicationAddress uintptr
	dwActiveProcessorMask       uintptr
	dwNumberOfProcessors        uint32
	dwProcessorType             uint32
	dwAllocationGranularity     uint32
	wProcessorLevel             uint16
	wProcessorRevision          uint16
}

var (
	cachedPageSize   uint32
	cachedAllocGran  uint32
)

func bindKernel32() {
	kernel32Once.Do(func() {
		var si systemInfo
		procGetNativeSystemInfo.Call(uintptr(unsafe.Pointer(&si)))
		cachedPageSize = si.dwPageSize
		cachedAllocGran = si.dwAllocationGranularity
		if cachedPageSize == 0 {
			cachedPageSize = 4096
		}
		if cachedAllocGran == 0 {
			cachedAllocGran = 65536
		}
	})
}

func (winPlatform) PageSize() uint32 {
	bindKernel32()
	return cachedPageSize
}

func (winPlatform) AllocationGranularity() uint32 {
	bindKernel32()
	return cachedAllocGran
}

func (winPlatform) Reserve(size uint64) (uintptr, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		return 0, errf("Reserve", OutOfMemory, "VirtualAlloc: %w", err)
	}
	return addr, nil
}

func (winPlatform) ReserveAt(preferred uintptr, size uint64) (uintptr, error) {
	addr, err := windows.VirtualAlloc(preferred, uintptr(size), windows.MEM_RESERVE|windows.MEM_COMMIT, windows.PAGE_READWRITE)
	if err != nil {
		// Preferred address taken: not fatal, let the caller fall back.
		return 0, nil
	}
	return addr, nil
}

func (winPlatform) Release(addr uintptr) error {
	if addr == 0 {
		return nil
	}
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return errf("Release", OutOfMemory, "VirtualFree: %w", err)
	}
	return nil
}

var winProtToOS = map[Protection]uint32{
	ProtNone:              windows.PAGE_NOACCESS,
	ProtReadOnly:          windows.PAGE_READONLY,
	ProtReadWrite:         windows.PAGE_READWRITE,
	ProtExecute:           windows.PAGE_EXECUTE,
	ProtExecuteRead:       windows.PAGE_EXECUTE_READ,
	ProtExecuteReadWrite:  windows.PAGE_EXECUTE_READWRITE,
	ProtWriteCopy:         windows.PAGE_WRITECOPY,
	ProtExecuteWriteCopy:  windows.PAGE_EXECUTE_WRITECOPY,
}

var osToWinProt = func() map[uint32]Protection {
	m := make(map[uint32]Protection, len(winProtToOS))
	for k, v := range winProtToOS {
		m[v] = k
	}
	return m
}()

func (winPlatform) Protect(addr uintptr, size uint64, prot Protection) (Protection, error) {
	osProt, ok := winProtToOS[prot]
	if !ok {
		return ProtNone, errf("Protect", ProtectionFailed, "unknown protection %d", prot)
	}
	var old uint32
	if err := windows.VirtualProtect(addr, uintptr(size), osProt, &old); err != nil {
		return ProtNone, errf("Protect", ProtectionFailed, "VirtualProtect: %w", err)
	}
	return osToWinProt[old], nil
}

func (winPlatform) Decommit(addr uintptr, size uint64) error {
	if err := windows.VirtualFree(addr, uintptr(size), windows.MEM_DECOMMIT); err != nil {
		return errf("Decommit", ProtectionFailed, "VirtualFree(MEM_DECOMMIT): %w", err)
	}
	return nil
}

func (winPlatform) LoadLibrary(name string) (ModuleHandle, error) {
	h, err := windows.LoadLibraryEx(name, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return 0, errf("LoadLibrary", ImportResolution, "LoadLibraryEx(%s): %w", name, err)
	}
	return ModuleHandle(h), nil
}

func (winPlatform) FreeLibrary(h ModuleHandle) error {
	if !(winPlatform{}).Valid(h) {
		return nil
	}
	return windows.FreeLibrary(windows.Handle(h))
}

func (winPlatform) GetProcAddress(h ModuleHandle, name string) (uintptr, error) {
	addr, err := windows.GetProcAddress(windows.Handle(h), name)
	if err != nil {
		return 0, errf("GetProcAddress", ImportResolution, "GetProcAddress(%s): %w", name, err)
	}
	return addr, nil
}

func (winPlatform) GetProcAddressByOrdinal(h ModuleHandle, ordinal uint16) (uintptr, error) {
	addr, err := windows.GetProcAddressByOrdinal(windows.Handle(h), uintptr(ordinal))
	if addr == 0 || err != nil {
		return 0, errf("GetProcAddressByOrdinal", ImportResolution, "GetProcAddressByOrdinal(#%d): %w", ordinal, err)
	}
	return addr, nil
}

func (winPlatform) CallEntryPoint(entry uintptr, base uintptr, reason uintptr) (bool, error) {
	ret, _, callErr := syscall.SyscallN(entry, base, reason, 0)
	if callErr != 0 && callErr != syscall.Errno(0) {
		return false, errf("CallEntryPoint", AttachRejected, "entry point call: %w", callErr)
	}
	return ret != 0, nil
}

func (winPlatform) Call(addr uintptr) (uintptr, error) {
	ret, _, callErr := syscall.SyscallN(addr)
	if callErr != 0 && callErr != syscall.Errno(0) {
		return 0, errf("Call", AttachRejected, "call %#x: %w", addr, callErr)
	}
	return ret, nil
}

func (winPlatform) CallTLSCallback(callback uintptr, base uintptr, reason uintptr) error {
	_, _, callErr := syscall.SyscallN(callback, base, reason, 0)
	if callErr != 0 && callErr != syscall.Errno(0) {
		return errf("CallTLSCallback", AttachRejected, "tls callback call: %w", callErr)
	}
	return nil
}

// Valid matches spec.md §6: zero and the platform's invalid-handle
// sentinel are both invalid. windows.InvalidHandle grounds the
// sentinel value instead of a hand-rolled ^uintptr(0).
func (winPlatform) Valid(h ModuleHandle) bool {
	if h == 0 {
		return false
	}
	return uintptr(h) != uintptr(windows.InvalidHandle)
}
