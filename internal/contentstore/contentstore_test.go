package contentstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddRemoveCopyReference(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.False(t, s.CopyExists("H1"))

	s.AddCopyReference("H1", "test", false)
	require.True(t, s.CopyExists("H1"))

	s.AddCopyReference("H1", "test", false)
	s.RemoveCopyReference("H1", "test", false)
	require.True(t, s.CopyExists("H1"))

	s.RemoveCopyReference("H1", "test", false)
	require.False(t, s.CopyExists("H1"))
}

func TestRemoveCopyReferenceAtZeroDoesNotPanic(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NotPanics(t, func() {
		s.RemoveCopyReference("nonexistent", "test", false)
	})
}

func TestDirectAndReversePatchesAreIndependent(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	s.AddDirectPatch("p1", "test", 1024, false, false)
	require.True(t, s.PatchExists("p1"))

	s.ActivatePatch("p1")

	s.AddReversePatch("p1", "test", 1024, true, false)
	require.True(t, s.PatchExists("p1"))
}

func TestRemovePatchReferences(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	s.AddDirectPatch("p1", "test", 1024, false, false)
	s.AddDirectPatch("p1", "test", 1024, false, false)
	s.AddReversePatch("p1", "test", 1024, false, false)

	// Removing the reverse form leaves the direct form untouched.
	s.RemoveReversePatch("p1", "test", false)
	require.True(t, s.PatchExists("p1"))

	s.RemoveDirectPatch("p1", "test", false)
	require.True(t, s.PatchExists("p1"))

	require.NotPanics(t, func() {
		s.RemoveDirectPatch("p1", "test", false)
		s.RemoveDirectPatch("p1", "test", false) // at zero: logged, never fatal
		s.RemoveReversePatch("unknown", "test", false)
	})
}

func TestPostponedCommit(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	s.AddCopyReference("H1", "test", true)
	// Not yet committed, but reads within the same store see the staged value.
	require.True(t, s.CopyExists("H1"))

	s.ClearLastChanges()
	require.False(t, s.CopyExists("H1"))
}

func TestPostponedCommitPersists(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	s.AddCopyReference("H1", "test", true)
	require.NoError(t, s.CommitLastChanges())
	require.True(t, s.CopyExists("H1"))
}

func TestCopyAndPatchPaths(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	require.Contains(t, s.CopyPath("abc"), "copies")
	require.Contains(t, s.PatchPath("def"), "patches")
}
