package peloader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeSection builds a SectionHeader as it would look after Mapper has
// already run: Misc carries the destination address's low 32 bits, the
// way copySectionsIn leaves it.
func fakeSection(codeBase uintptr, va, size uint32, chars uint32) SectionHeader {
	return SectionHeader{
		VirtualAddress:  va,
		SizeOfRawData:   size,
		Characteristics: chars,
		Misc:            uint32(codeBase + uintptr(va)),
	}
}

func newFinalizeImage(t *testing.T, sectionAlignment, sizeOfImage uint32) (*MappedImage, uintptr) {
	t.Helper()
	buf := make([]byte, sizeOfImage)
	base := addrOf(buf)
	oh := OptionalHeader{SectionAlignment: sectionAlignment, SizeOfImage: sizeOfImage}
	raw := &RawImage{Nt: NtHeaders{OptionalHeader: oh}}
	img := &MappedImage{Raw: raw, CodeBase: base}
	return img, base
}

func TestFinalizeMergesAdjacentSectionsSharingAPage(t *testing.T) {
	img, base := newFinalizeImage(t, 0x1000, 0x3000)
	img.Sections = []SectionHeader{
		fakeSection(base, 0x1000, 0x500, scnMemRead|scnMemExecute),
		fakeSection(base, 0x1500, 0x500, scnMemRead|scnMemWrite),
	}

	ops := newFakePlatform()
	require.NoError(t, NewSectionFinalizer(ops).Finalize(img))

	require.Empty(t, ops.decommitCalls)
	require.Len(t, ops.protectCalls, 1)
	require.Equal(t, ProtExecuteReadWrite, ops.protectCalls[0].prot)
	require.Equal(t, base+0x1000, ops.protectCalls[0].addr)
	require.EqualValues(t, 0x1000, ops.protectCalls[0].size)
}

func TestFinalizeDecommitsAWhollyDiscardableLastRun(t *testing.T) {
	img, base := newFinalizeImage(t, 0x1000, 0x3000)
	img.Sections = []SectionHeader{
		fakeSection(base, 0x1000, 0x800, scnMemRead|scnMemDiscardable),
		fakeSection(base, 0x1800, 0x800, scnMemRead|scnMemDiscardable),
	}

	ops := newFakePlatform()
	require.NoError(t, NewSectionFinalizer(ops).Finalize(img))

	require.Empty(t, ops.protectCalls)
	require.Len(t, ops.decommitCalls, 1)
	require.Equal(t, base+0x1000, ops.decommitCalls[0].addr)
}

// TestFinalizeKeepsAPageWithOneNonDiscardableSection is the regression
// case for the inverted merge this component used to have: a page with
// exactly one discardable section must stay mapped and protected, not
// decommitted, because its page-mate is still live.
func TestFinalizeKeepsAPageWithOneNonDiscardableSection(t *testing.T) {
	img, base := newFinalizeImage(t, 0x1000, 0x3000)
	img.Sections = []SectionHeader{
		fakeSection(base, 0x1000, 0x800, scnMemRead),
		fakeSection(base, 0x1800, 0x800, scnMemRead|scnMemDiscardable),
	}

	ops := newFakePlatform()
	require.NoError(t, NewSectionFinalizer(ops).Finalize(img))

	require.Empty(t, ops.decommitCalls)
	require.Len(t, ops.protectCalls, 1)
	require.Equal(t, ProtReadOnly, ops.protectCalls[0].prot)
}

// TestFinalizeDoesNotDecommitADiscardableRunThatDoesNotStartOnAPageBoundary
// covers SectionAlignment < PageSize, where a run can be pushed into a
// new accumulator mid-page. Even as the image's last run, it must not
// be decommitted: VirtualFree operates on whole pages, and the run's
// start (RVA 0x2050) is not on a page boundary.
func TestFinalizeDoesNotDecommitADiscardableRunThatDoesNotStartOnAPageBoundary(t *testing.T) {
	img, base := newFinalizeImage(t, 0x100, 0x3000)
	img.Sections = []SectionHeader{
		fakeSection(base, 0x1000, 0x1000, scnMemRead),
		fakeSection(base, 0x2050, 0x200, scnMemDiscardable),
	}

	ops := newFakePlatform()
	require.NoError(t, NewSectionFinalizer(ops).Finalize(img))

	require.Empty(t, ops.decommitCalls)
	require.Len(t, ops.protectCalls, 2)
}

func TestFinalizeSkipsZeroSizeSections(t *testing.T) {
	img, base := newFinalizeImage(t, 0x1000, 0x3000)
	img.Sections = []SectionHeader{
		fakeSection(base, 0x1000, 0, scnMemRead),
	}

	ops := newFakePlatform()
	require.NoError(t, NewSectionFinalizer(ops).Finalize(img))
	require.Empty(t, ops.protectCalls)
	require.Empty(t, ops.decommitCalls)
}
