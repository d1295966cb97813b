package peloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFileMapsBytesReadOnly(t *testing.T) {
	raw := buildMinimalPE64(t, 1, 0x1000)
	path := filepath.Join(t.TempDir(), "minimal.exe")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	mf, err := OpenFile(path)
	require.NoError(t, err)
	defer mf.Close()

	require.Equal(t, raw, []byte(mf.Bytes()))
}

func TestOpenFileRejectsMissingFile(t *testing.T) {
	_, err := OpenFile(filepath.Join(t.TempDir(), "does-not-exist.exe"))
	require.Error(t, err)
	var lerr *LoaderError
	require.ErrorAs(t, err, &lerr)
	require.Equal(t, BadImageFormat, lerr.Kind)
}

func TestLoadFileLoadsFromDisk(t *testing.T) {
	raw := buildMinimalPE(t, true, 0x1000, "Add")
	path := filepath.Join(t.TempDir(), "minimal.dll")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	ops := newFakePlatform()
	mod, err := LoadFile(path, ops)
	require.NoError(t, err)
	defer mod.Dispose()

	addr, err := mod.GetFunction("Add")
	require.NoError(t, err)
	require.Equal(t, mod.CodeBase()+0x1000, addr)
}

// TestMappedFileCloseIsSafeAfterLoad confirms Load's own copy (the
// MappedImage) doesn't alias the mmap'd file: unmapping the source file
// right after Load must not corrupt or crash anything the Module reads
// afterward.
func TestMappedFileCloseIsSafeAfterLoad(t *testing.T) {
	raw := buildMinimalPE(t, false, 0x1000, "")
	path := filepath.Join(t.TempDir(), "minimal.exe")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	mf, err := OpenFile(path)
	require.NoError(t, err)

	ops := newFakePlatform()
	mod, err := Load(mf.Bytes(), ops)
	require.NoError(t, err)
	defer mod.Dispose()

	require.NoError(t, mf.Close())

	_, err = mod.GetFunction("anything") // no export directory in this image, not a crash
	require.Error(t, err)
}
