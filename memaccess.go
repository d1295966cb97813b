package peloader

import "unsafe"

// memaccess.go holds the raw-address peek/poke helpers the mapping,
// relocation, import-binding and TLS code build on. The teacher
// (mlibrary.go, helper.go) does the equivalent with a generic
// `to[T](p uintptr) T` built on reflect.TypeOf/unsafe.Pointer punning;
// we keep the same spirit — a small set of generic helpers operating on
// raw uintptr addresses — but go through unsafe.Pointer casts directly
// instead of reflect-based type punning, so the helpers work
// identically whether the address space behind them is an actual
// VirtualAlloc reservation or a plain Go []byte in a test.

// Number is any type peek/poke can read or write directly.
type Number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64 | ~uintptr
}

// peek reads a T out of the memory at addr.
func peek[T any](addr uintptr) T {
	return *(*T)(unsafe.Pointer(addr))
}

// poke writes v into the memory at addr.
func poke[T any](addr uintptr, v T) {
	*(*T)(unsafe.Pointer(addr)) = v
}

// addAddr offsets a raw address by delta bytes, delta may be negative.
func addAddr[N Number](addr uintptr, delta N) uintptr {
	return uintptr(int64(addr) + int64(delta))
}

// memcpy copies n bytes from src to dst. The two regions must not
// overlap — every caller in this package copies between a source
// buffer and a freshly reserved destination, so this is always true
// here.
func memcpy(dst, src uintptr, n int) {
	if n <= 0 {
		return
	}
	dstSlice := unsafe.Slice((*byte)(unsafe.Pointer(dst)), n)
	srcSlice := unsafe.Slice((*byte)(unsafe.Pointer(src)), n)
	copy(dstSlice, srcSlice)
}

// memzero zeroes n bytes starting at addr.
func memzero(addr uintptr, n int) {
	if n <= 0 {
		return
	}
	s := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range s {
		s[i] = 0
	}
}

// bytesAt views n bytes starting at addr as a []byte without copying.
// Callers must not retain the slice past the lifetime of the
// underlying mapping.
func bytesAt(addr uintptr, n int) []byte {
	if n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// addrOf returns the address a Go byte slice's backing array starts
// at — the bridge used by tests and by mapper.go to turn a
// []byte (real file bytes, or a mmap-go mapping) into the uintptr
// addresses the rest of the package works with.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// cStringAt reads a NUL-terminated string starting at addr, used for
// import-by-name hints and export names, whose length is not known up
// front. maxLen bounds the scan so a corrupt image can't run away.
func cStringAt(addr uintptr, maxLen int) string {
	n := 0
	for n < maxLen && peek[byte](addr+uintptr(n)) != 0 {
		n++
	}
	return string(bytesAt(addr, n))
}
