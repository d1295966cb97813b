package peloader

import "github.com/davecgh/go-spew/spew"

// moduleSnapshot is the subset of Module state worth dumping — the
// full struct carries a sync.Mutex and a PlatformOps interface value,
// neither of which spew renders usefully.
type moduleSnapshot struct {
	CodeBase    uintptr
	Size        uint64
	Delta       int64
	Sections    []SectionHeader
	Handles     []ModuleHandle
	EntryPoint  uintptr
	Initialized bool
	Disposed    bool
}

// Dump renders a verbose structural snapshot of the module, in the
// teacher's own debug-by-printing tradition
// (memorymodule/mlibrary_amd64.go, mlibrary_win_amd64.go scatter
// fmt.Println calls through the loader itself) but opt-in and
// returned as a string instead of written unconditionally to stdout.
func (m *Module) Dump() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := moduleSnapshot{Initialized: m.initialized, Disposed: m.disposed}
	if m.img != nil {
		snap.CodeBase = m.img.CodeBase
		snap.Size = m.img.Size
		snap.Delta = m.img.Delta
		snap.Sections = m.img.Sections
		snap.Handles = m.img.Handles
		snap.EntryPoint = m.img.EntryPoint
	}
	return spew.Sdump(snap)
}
