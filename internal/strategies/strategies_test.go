package strategies

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
)

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) *contentstore.Store {
	t.Helper()
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNewSelectsDirectionAndKind(t *testing.T) {
	svc := &Services{DownloadBackups: func() bool { return true }}

	cases := []struct {
		state     eventdb.EventState
		typ       eventdb.EventType
		isFolder  bool
		direction Direction
		kind      Kind
	}{
		{eventdb.StateOccured, eventdb.EventCreate, false, Local, CreateFile},
		{eventdb.StateConflicted, eventdb.EventCreate, true, Local, CreateFolder},
		{eventdb.StateOccured, eventdb.EventUpdate, false, Local, UpdateFile},
		{eventdb.StateSent, eventdb.EventMove, true, Local, MoveFolder},
		{eventdb.StateOccured, eventdb.EventDelete, false, Local, DeleteFile},
		{eventdb.StateReceived, eventdb.EventCreate, false, Remote, CreateFile},
		{eventdb.StateReceived, eventdb.EventUpdate, false, Remote, UpdateFile},
		{eventdb.StateDownloaded, eventdb.EventMove, false, Remote, MoveFile},
		{eventdb.StateDownloaded, eventdb.EventDelete, true, Remote, DeleteFolder},
		{eventdb.StateReceived, eventdb.EventRestore, false, Remote, RestoreFile},
	}
	for _, tc := range cases {
		s, err := New(eventdb.Event{State: tc.state, Type: tc.typ, IsFolder: tc.isFolder}, svc)
		require.NoError(t, err, "state=%s type=%s", tc.state, tc.typ)
		assert.Equal(t, tc.direction, s.Direction())
		assert.Equal(t, tc.kind, s.Kind())
	}
}

func TestNewRejectsUnknownCombinations(t *testing.T) {
	svc := &Services{DownloadBackups: func() bool { return true }}

	_, err := New(eventdb.Event{State: "bogus", Type: eventdb.EventCreate}, svc)
	require.Error(t, err)

	_, err = New(eventdb.Event{State: eventdb.StateOccured, Type: eventdb.EventUpdate, IsFolder: true}, svc)
	require.Error(t, err)

	_, err = New(eventdb.Event{State: eventdb.StateOccured, Type: "merge"}, svc)
	require.Error(t, err)
}

func TestRemoteStrategiesImplementBinder(t *testing.T) {
	svc := &Services{DownloadBackups: func() bool { return true }}
	s, err := New(eventdb.Event{State: eventdb.StateReceived, Type: eventdb.EventUpdate}, svc)
	require.NoError(t, err)

	binder, ok := s.(RemoteBinder)
	require.True(t, ok)
	binder.BindRemote("file-uuid", 42)

	upd := s.(*RemoteUpdateFile)
	assert.Equal(t, "file-uuid", upd.fileUUID)
	assert.Equal(t, int64(42), upd.lastServerEventID)
}

func TestConflictingNameShape(t *testing.T) {
	now := time.Date(2020, 5, 17, 9, 30, 15, 0, time.UTC)

	name := ConflictingName("foo.txt", now, nil)
	assert.Equal(t, "foo (conflicted 2020-05-17 09-30-15).txt", name)

	name = ConflictingName("archive.tar.gz", now, nil)
	assert.Equal(t, "archive.tar (conflicted 2020-05-17 09-30-15).gz", name)

	name = ConflictingName("noext", now, nil)
	assert.Equal(t, "noext (conflicted 2020-05-17 09-30-15)", name)
}

func TestConflictingNameSkipsTakenNames(t *testing.T) {
	now := time.Date(2020, 5, 17, 9, 30, 15, 0, time.UTC)
	taken := map[string]bool{
		"foo (conflicted 2020-05-17 09-30-15).txt": true,
		"foo (conflicted 2020-05-17 09-30-16).txt": true,
	}
	name := ConflictingName("foo.txt", now, func(candidate string) bool { return taken[candidate] })
	assert.Equal(t, "foo (conflicted 2020-05-17 09-30-17).txt", name)
}

func TestDummyServerEventIDsDecrease(t *testing.T) {
	a := nextDummyServerEventID()
	b := nextDummyServerEventID()
	assert.Negative(t, a)
	assert.Less(t, b, a)
}

func TestShouldDownloadWholeFile(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	base := func() *eventdb.Event {
		return &eventdb.Event{
			Type:           eventdb.EventUpdate,
			FileSize:       1 << 20,
			DiffFileUUID:   ptr("patch-1"),
			DiffFileSize:   ptr(int64(50 << 10)),
			TimestampNanos: now.UnixNano(),
		}
	}
	applied := &eventdb.File{EventID: ptr(eventdb.EventID(7))}
	params := PatchDecisionParams{
		MinDiffSize:      64 << 10,
		PatchWaitTimeout: 30 * time.Second,
		DownloadBackups:  true,
	}

	// Scenario S2: 1 MB file, 50 KB diff, backups on, file already has
	// history: the patch is strictly cheaper, so no whole-file download.
	assert.False(t, ShouldDownloadWholeFile(base(), applied, store, params, now))

	t.Run("backups disabled", func(t *testing.T) {
		p := params
		p.DownloadBackups = false
		assert.True(t, ShouldDownloadWholeFile(base(), applied, store, p, now))
	})

	t.Run("previous patch apply failed", func(t *testing.T) {
		p := params
		p.MustDownloadCopy = true
		assert.True(t, ShouldDownloadWholeFile(base(), applied, store, p, now))
	})

	t.Run("known patch short-circuits", func(t *testing.T) {
		store.AddDirectPatch("patch-known", "test", 1, false, false)
		ev := base()
		ev.DiffFileUUID = ptr("patch-known")
		ev.Outdated = true // would otherwise force the whole file
		assert.False(t, ShouldDownloadWholeFile(ev, applied, store, params, now))
	})

	t.Run("outdated event", func(t *testing.T) {
		ev := base()
		ev.Outdated = true
		assert.True(t, ShouldDownloadWholeFile(ev, applied, store, params, now))
	})

	t.Run("small file", func(t *testing.T) {
		ev := base()
		ev.FileSize = 4 << 10
		assert.True(t, ShouldDownloadWholeFile(ev, applied, store, params, now))
	})

	t.Run("patch larger than file", func(t *testing.T) {
		ev := base()
		ev.DiffFileSize = ptr(ev.FileSize + 1)
		assert.True(t, ShouldDownloadWholeFile(ev, applied, store, params, now))
	})

	t.Run("fresh file has no base to patch", func(t *testing.T) {
		fresh := &eventdb.File{}
		assert.True(t, ShouldDownloadWholeFile(base(), fresh, store, params, now))
	})

	t.Run("unknown patch size past wait timeout", func(t *testing.T) {
		ev := base()
		ev.DiffFileSize = nil
		assert.False(t, ShouldDownloadWholeFile(ev, applied, store, params, now))
		assert.True(t, ShouldDownloadWholeFile(ev, applied, store, params, now.Add(31*time.Second)))
	})
}

func TestIsUnderAny(t *testing.T) {
	dirs := []string{"big", "archive/old"}
	assert.True(t, isUnderAny("big", dirs))
	assert.True(t, isUnderAny("big/inner/file.txt", dirs))
	assert.True(t, isUnderAny("archive/old/x", dirs))
	assert.False(t, isUnderAny("bigger/file.txt", dirs))
	assert.False(t, isUnderAny("archive/older", dirs))
	assert.False(t, isUnderAny("visible/inner", dirs))
}

func TestReplaceLastSegment(t *testing.T) {
	assert.Equal(t, "a/b/new", replaceLastSegment("a/b/old", "new"))
	assert.Equal(t, "new", replaceLastSegment("old", "new"))
}
