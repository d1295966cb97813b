package peloader

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// MappedFile is a memory-mapped PE file on disk, kept open only long
// enough for Load to copy its bytes into a fresh mapping of its own —
// spec.md's MappedImage owns an independent copy, it never aliases the
// source file. Close unmaps the file; it is safe to call after the
// Module has been built since the Module no longer references these
// bytes.
type MappedFile struct {
	f    *os.File
	data mmap.MMap
}

// OpenFile memory-maps path read-only, replacing the teacher's
// cmd/main.go ioutil.ReadAll-into-memory pattern with a zero-copy
// mapping.
func OpenFile(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errf("OpenFile", BadImageFormat, "open %s: %w", path, err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, errf("OpenFile", BadImageFormat, "mmap %s: %w", path, err)
	}
	return &MappedFile{f: f, data: data}, nil
}

// Bytes returns the mapped file contents.
func (mf *MappedFile) Bytes() []byte { return mf.data }

// Close unmaps the file and closes the underlying descriptor.
func (mf *MappedFile) Close() error {
	var firstErr error
	if err := mf.data.Unmap(); err != nil {
		firstErr = err
	}
	if err := mf.f.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// LoadFile memory-maps path and loads it through the given
// PlatformOps, in one call. cmd/peloadctl does not use it: it calls
// OpenFile and Load separately so it can run Inspect on the mapped
// bytes in between.
func LoadFile(path string, ops PlatformOps) (*Module, error) {
	mf, err := OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer mf.Close()
	return Load(mf.Bytes(), ops)
}
