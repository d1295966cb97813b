package peloader

import "sync"

// Module is a loaded PE image, the top-level type spec.md §4.8
// describes. It owns a MappedImage and every resource (address
// reservation, imported-library handles) reachable through it; Dispose
// tears all of it down and is safe to call more than once.
type Module struct {
	ops PlatformOps

	mapper     *Mapper
	relocator  *Relocator
	binder     *ImportBinder
	finalizer  *SectionFinalizer
	tls        *TlsRunner

	img     *MappedImage
	exports *exportTable // lazily built on first GetFunction/GetFunctionByOrdinal call

	mu          sync.Mutex
	initialized bool
	disposed    bool
}

// Load runs the full pipeline spec.md §5 specifies, in order: map,
// relocate (skipped if the image landed at its preferred base), bind
// imports, finalize section protections, run TLS callbacks, then call
// the entry point with DLL_PROCESS_ATTACH if the image is a DLL. Any
// failure after Map tears down everything allocated so far before
// returning.
func Load(raw []byte, ops PlatformOps) (mod *Module, err error) {
	ri, err := ParseRawImage(raw)
	if err != nil {
		return nil, err
	}

	m := &Module{
		ops:       ops,
		mapper:    NewMapper(ops),
		relocator: NewRelocator(),
		binder:    NewImportBinder(ops),
		finalizer: NewSectionFinalizer(ops),
		tls:       NewTlsRunner(ops),
	}

	img, err := m.mapper.Map(ri)
	if err != nil {
		return nil, err
	}
	m.img = img

	defer func() {
		if err != nil {
			m.teardown()
		}
	}()

	if err = m.relocator.Relocate(img); err != nil {
		return nil, err
	}
	if err = m.binder.Bind(img); err != nil {
		return nil, err
	}
	if err = m.finalizer.Finalize(img); err != nil {
		return nil, err
	}
	if err = m.tls.Run(img); err != nil {
		return nil, err
	}

	if ri.IsDLL() && img.EntryPoint != 0 {
		ok, cerr := ops.CallEntryPoint(img.EntryPoint, img.CodeBase, dllProcessAttach)
		if cerr != nil {
			err = cerr
			return nil, err
		}
		if !ok {
			err = newErr("Load", AttachRejected, nil)
			return nil, err
		}
	}

	m.initialized = true
	return m, nil
}

// CallEntry invokes an EXE image's entry point and returns its i32
// return value, per spec.md §4.8. Valid only for a relocated EXE with
// a stored entry point; everything else (a DLL, an unrelocated image,
// a disposed Module) is InvalidState.
func (m *Module) CallEntry() (int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return 0, newErr("CallEntry", InvalidState, nil)
	}
	if m.img.Raw.IsDLL() || !m.img.relocated || m.img.EntryPoint == 0 {
		return 0, newErr("CallEntry", InvalidState, nil)
	}
	ret, err := m.ops.Call(m.img.EntryPoint)
	if err != nil {
		return 0, err
	}
	return int32(ret), nil
}

// NotifyEntry re-invokes a DLL image's entry point with an arbitrary
// reason code (e.g. a DLL_THREAD_ATTACH-style notification a caller
// wants to drive manually). Load already performs the initial
// DLL_PROCESS_ATTACH call; this is for anything beyond that.
func (m *Module) NotifyEntry(reason uintptr) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return false, newErr("NotifyEntry", InvalidState, nil)
	}
	if !m.img.Raw.IsDLL() || m.img.EntryPoint == 0 {
		return false, newErr("NotifyEntry", InvalidState, nil)
	}
	return m.ops.CallEntryPoint(m.img.EntryPoint, m.img.CodeBase, reason)
}

// GetFunction resolves an export by name, building and caching the
// module's sorted export table on first use.
func (m *Module) GetFunction(name string) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return 0, newErr("GetFunction", InvalidState, nil)
	}
	if err := m.ensureExportTable(); err != nil {
		return 0, err
	}
	addr, ok := m.exports.findByName(name)
	if !ok {
		return 0, errf("GetFunction", ExportLookupFailed, "export %q not found", name)
	}
	return addr, nil
}

// GetFunctionByOrdinal resolves an export by raw ordinal, a
// supplemented operation present in the classic MemoryModule reference
// ports but not spelled out in spec.md's prose.
func (m *Module) GetFunctionByOrdinal(ordinal uint16) (uintptr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return 0, newErr("GetFunctionByOrdinal", InvalidState, nil)
	}
	if err := m.ensureExportTable(); err != nil {
		return 0, err
	}
	addr, ok := m.exports.findByOrdinal(ordinal)
	if !ok {
		return 0, errf("GetFunctionByOrdinal", ExportLookupFailed, "ordinal #%d not found", ordinal)
	}
	return addr, nil
}

func (m *Module) ensureExportTable() error {
	if m.exports != nil {
		return nil
	}
	t, err := buildExportTable(m.img)
	if err != nil {
		return err
	}
	m.exports = t
	return nil
}

// Dispose tears the module down: DLL_PROCESS_DETACH if it was
// initialized, every imported-library handle in reverse order, then
// the address space reservation. Safe to call more than once.
func (m *Module) Dispose() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil
	}
	m.disposed = true
	return m.teardown()
}

func (m *Module) teardown() error {
	if m.img == nil {
		return nil
	}
	var firstErr error
	if m.initialized && m.img.Raw.IsDLL() && m.img.EntryPoint != 0 {
		if _, err := m.ops.CallEntryPoint(m.img.EntryPoint, m.img.CodeBase, dllProcessDetach); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for i := len(m.img.Handles) - 1; i >= 0; i-- {
		if err := m.ops.FreeLibrary(m.img.Handles[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.img.CodeBase != 0 {
		if err := m.ops.Release(m.img.CodeBase); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.img.Handles = nil
	m.img.CodeBase = 0
	return firstErr
}

const dllProcessDetach = 0

// CodeBase exposes the mapped image's base address, mainly for tests
// and Dump.
func (m *Module) CodeBase() uintptr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.img == nil {
		return 0
	}
	return m.img.CodeBase
}
