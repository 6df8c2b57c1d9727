package processor

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvtbox/syncd/internal/config"
	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
	"github.com/pvtbox/syncd/internal/events"
	"github.com/pvtbox/syncd/internal/ignore"
	"github.com/pvtbox/syncd/internal/strategies"
)

func ptr[T any](v T) *T { return &v }

type fakeCoordinator struct {
	mu      sync.Mutex
	nextID  int64
	errCode string
	calls   []string
}

func (c *fakeCoordinator) respond(call string) (strategies.CoordinatorResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	if c.errCode != "" {
		return strategies.CoordinatorResult{Success: false, ErrCode: c.errCode}, nil
	}
	c.nextID++
	return strategies.CoordinatorResult{Success: true, ServerEventID: c.nextID}, nil
}

func (c *fakeCoordinator) FileEventCreate(ctx context.Context, eventUUID, fileUUID, folderUUID, fileName, fileHash string, fileSize int64) (strategies.CoordinatorResult, error) {
	return c.respond("file_event_create:" + fileName)
}

func (c *fakeCoordinator) FileEventUpdate(ctx context.Context, eventUUID, fileUUID string, lastEventID int64, fileHash string, fileSize, diffFileSize, revDiffFileSize int64) (strategies.CoordinatorResult, error) {
	return c.respond("file_event_update")
}

func (c *fakeCoordinator) FileEventDelete(ctx context.Context, eventUUID, fileUUID string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.respond("file_event_delete")
}

func (c *fakeCoordinator) FileEventMove(ctx context.Context, eventUUID, fileUUID, newFolderUUID, newName string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.respond("file_event_move")
}

func (c *fakeCoordinator) FolderEventCreate(ctx context.Context, eventUUID, folderUUID, parentUUID, name string) (strategies.CoordinatorResult, error) {
	return c.respond("folder_event_create:" + name)
}

func (c *fakeCoordinator) FolderEventUpdate(ctx context.Context, eventUUID, folderUUID string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.respond("folder_event_update")
}

func (c *fakeCoordinator) FolderEventDelete(ctx context.Context, eventUUID, folderUUID string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.respond("folder_event_delete")
}

func (c *fakeCoordinator) FolderEventMove(ctx context.Context, eventUUID, folderUUID, newParentUUID, newName string, lastEventID int64) (strategies.CoordinatorResult, error) {
	return c.respond("folder_event_move")
}

type fakeFS struct {
	mu      sync.Mutex
	entries map[string]bool // path -> isFolder
}

func newFakeFS() *fakeFS { return &fakeFS{entries: map[string]bool{}} }

func (f *fakeFS) CreateEmptyFile(path, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[path] = false
	return nil
}

func (f *fakeFS) CreateFolder(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[path] = true
	return nil
}

func (f *fakeFS) CreateFileFromCopy(path, copyPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[path] = false
	return nil
}

func (f *fakeFS) ApplyPatch(path, patchPath string) (bool, error) { return true, nil }

func (f *fakeFS) Delete(path string, isDirectory bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, path)
	return nil
}

func (f *fakeFS) Move(oldPath, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	isFolder := f.entries[oldPath]
	delete(f.entries, oldPath)
	f.entries[newPath] = isFolder
	return nil
}

func (f *fakeFS) Exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[path]
	return ok
}

func (f *fakeFS) CopyFile(path, newPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[newPath] = f.entries[path]
	return nil
}

type fakeDM struct {
	mu      sync.Mutex
	copies  []string
	patches []string
}

func (d *fakeDM) DownloadCopy(ctx context.Context, hash string, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.copies = append(d.copies, hash)
	return nil
}

func (d *fakeDM) DownloadPatch(ctx context.Context, patchUUID string, size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patches = append(d.patches, patchUUID)
	return nil
}

type fixture struct {
	p     *Processor
	db    *eventdb.DB
	coord *fakeCoordinator
	fs    *fakeFS
	dm    *fakeDM
	bus   *events.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := eventdb.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := contentstore.Open(filepath.Join(dir, "content"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	coord := &fakeCoordinator{}
	fs := newFakeFS()
	dm := &fakeDM{}
	bus := events.NewLogger()

	cfg := config.Default(dir)
	p := New(db, store, cfg, coord, fs, dm, bus)
	return &fixture{p: p, db: db, coord: coord, fs: fs, dm: dm, bus: bus}
}

// drainOne pops the next queued strategy and processes it synchronously.
func (f *fixture) drainOne(t *testing.T) strategies.Strategy {
	t.Helper()
	item, err := f.p.q.GetNoWait(false)
	require.NoError(t, err)
	st := item.(strategies.Strategy)
	f.p.processOne(context.Background(), st)
	return st
}

// Scenario S1: a local create is inserted with state occured, registers
// via file_event_create, transitions to sent with a server id, and
// advances the file's applied pointer.
func TestLocalCreateRegisters(t *testing.T) {
	f := newFixture(t)

	ev := eventdb.Event{
		UUID:     "ev-1",
		Type:     eventdb.EventCreate,
		FileName: "file.txt",
		FileSize: 11,
		FileHash: ptr("H"),
	}
	require.NoError(t, f.p.AppendLocalEvent(ev, "a/b/file.txt"))

	local, _, _ := f.p.Counts()
	assert.Equal(t, int64(1), local)
	assert.Equal(t, 1, f.p.q.Len())

	f.drainOne(t)

	require.Equal(t, []string{"file_event_create:file.txt"}, f.coord.calls)

	var stored eventdb.Event
	var file eventdb.File
	require.NoError(t, f.db.ReadTx(func(tx *sqlx.Tx) error {
		if err := tx.Get(&stored, `SELECT * FROM events WHERE uuid = ?`, "ev-1"); err != nil {
			return err
		}
		return tx.Get(&file, `SELECT * FROM files WHERE id = ?`, stored.FileID)
	}))
	assert.Equal(t, eventdb.StateSent, stored.State)
	require.NotNil(t, stored.ServerEventID)
	assert.Equal(t, int64(1), *stored.ServerEventID)
	require.NotNil(t, file.EventID)
	assert.Equal(t, stored.ID, *file.EventID)

	local, _, _ = f.p.Counts()
	assert.Zero(t, local)
	assert.False(t, f.p.FileInProcessing(stored.FileID))
}

func TestDeleteRefusesToRegisterBeforePredecessor(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.p.AppendLocalEvent(eventdb.Event{
		UUID: "ev-create", Type: eventdb.EventCreate, FileName: "doc.txt",
	}))
	item, err := f.p.q.GetNoWait(false)
	require.NoError(t, err)
	createST := item.(strategies.Strategy)
	createdEv := createST.Event()

	// The delete chains from the not-yet-registered create. The file is
	// still in flight, so the strategy is built and inserted by hand.
	delST, err := strategies.New(eventdb.Event{
		UUID: "ev-delete", Type: eventdb.EventDelete, FileName: "doc.txt",
		FileID: createdEv.FileID, LastEventID: &createdEv.ID,
		State: eventdb.StateOccured, TimestampNanos: eventdb.NowNanos(),
	}, f.p.svc)
	require.NoError(t, err)
	require.NoError(t, f.db.WriteTx(delST.(strategies.DatabaseAdder).AddToLocalDatabase))

	f.p.processOne(context.Background(), delST)
	assert.Empty(t, f.coord.calls, "delete must wait for its predecessor")

	f.p.processOne(context.Background(), createST)
	require.Len(t, f.coord.calls, 1)

	f.p.processOne(context.Background(), delST)
	assert.Equal(t, []string{"file_event_create:doc.txt", "file_event_delete"}, f.coord.calls)
}

func TestRemotePackCommitsAtomically(t *testing.T) {
	f := newFixture(t)

	var ackErr []error
	pack := RemotePack{
		Messages: []RemoteMessage{
			{
				Event: eventdb.Event{
					UUID: "r-1", ServerEventID: ptr(int64(10)), Type: eventdb.EventCreate,
					FileName: "remote.txt", FileSize: 4, FileHash: ptr("RH"),
					State: eventdb.StateReceived,
				},
				FileUUID: "file-uuid-1",
			},
			{
				Event: eventdb.Event{
					UUID: "r-2", ServerEventID: nil, Type: eventdb.EventCreate,
					FileName: "broken.txt", State: eventdb.StateReceived,
				},
				FileUUID: "file-uuid-2",
			},
		},
		Ack: func(err error) { ackErr = append(ackErr, err) },
	}

	require.NoError(t, f.p.ingestPack(context.Background(), pack))
	require.Len(t, ackErr, 1)
	require.Error(t, ackErr[0])

	var n int
	require.NoError(t, f.db.ReadTx(func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM events`)
	}))
	assert.Zero(t, n, "mid-pack failure must roll back the whole pack")

	// Dropping the broken message lets the same pack commit.
	pack.Messages = pack.Messages[:1]
	require.NoError(t, f.p.ingestPack(context.Background(), pack))
	require.Len(t, ackErr, 2)
	require.NoError(t, ackErr[1])

	require.NoError(t, f.db.ReadTx(func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM events`)
	}))
	assert.Equal(t, 1, n)
	_, remote, _ := f.p.Counts()
	assert.Equal(t, int64(1), remote)
}

// Re-delivering an already committed pack is a no-op (spec §8,
// idempotence of remote event application).
func TestRemotePackIdempotent(t *testing.T) {
	f := newFixture(t)

	pack := RemotePack{
		Messages: []RemoteMessage{{
			Event: eventdb.Event{
				UUID: "r-1", ServerEventID: ptr(int64(10)), Type: eventdb.EventCreate,
				FileName: "remote.txt", FileSize: 4, FileHash: ptr("RH"),
				State: eventdb.StateReceived,
			},
			FileUUID: "file-uuid-1",
		}},
	}

	require.NoError(t, f.p.ingestPack(context.Background(), pack))
	require.NoError(t, f.p.ingestPack(context.Background(), pack))

	var n int
	require.NoError(t, f.db.ReadTx(func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM events`)
	}))
	assert.Equal(t, 1, n)
	_, remote, _ := f.p.Counts()
	assert.Equal(t, int64(1), remote)
}

func TestRemoteCreateDownloadsAndApplies(t *testing.T) {
	f := newFixture(t)

	pack := RemotePack{
		Messages: []RemoteMessage{{
			Event: eventdb.Event{
				UUID: "r-1", ServerEventID: ptr(int64(10)), Type: eventdb.EventCreate,
				FileName: "remote.txt", FileSize: 4, FileHash: ptr("RH"),
				State: eventdb.StateReceived,
			},
			FileUUID: "file-uuid-1",
		}},
	}
	require.NoError(t, f.p.ingestPack(context.Background(), pack))

	require.NoError(t, f.p.loadFromDB())
	require.Equal(t, 1, f.p.q.Len())
	f.drainOne(t)

	// The copy is not in the content store yet: a download was
	// enqueued and the event stays received.
	require.Equal(t, []string{"RH"}, f.dm.copies)
	assert.False(t, f.fs.Exists("remote.txt"))

	// Simulate the download completing.
	f.p.content.AddCopyReference("RH", "test download", false)
	require.NoError(t, f.p.loadFromDB())
	f.drainOne(t)

	assert.True(t, f.fs.Exists("remote.txt"))
	_, remote, _ := f.p.Counts()
	assert.Zero(t, remote)
}

func TestCollaborationAccessErasesEventAndAlertsOnce(t *testing.T) {
	f := newFixture(t)
	f.coord.errCode = strategies.ErrCollaborationAccess

	sub := f.bus.Subscribe(events.CollaborationAccessDenied)
	defer f.bus.Unsubscribe(sub)

	f.fs.entries["shared.txt"] = false
	require.NoError(t, f.p.AppendLocalEvent(eventdb.Event{
		UUID: "ev-1", Type: eventdb.EventCreate, FileName: "shared.txt", FileSize: 3, FileHash: ptr("H"),
	}))
	f.drainOne(t)

	var n int
	require.NoError(t, f.db.ReadTx(func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM events WHERE uuid = 'ev-1'`)
	}))
	assert.Zero(t, n, "rejected event must be erased")

	_, _, erased := f.p.Counts()
	assert.Equal(t, int64(1), erased)

	// The rescue copy was made outside the collaboration folder.
	rescued := 0
	f.fs.mu.Lock()
	for path := range f.fs.entries {
		if path != "shared.txt" {
			rescued++
		}
	}
	f.fs.mu.Unlock()
	assert.Equal(t, 1, rescued)

	_, err := sub.Poll(time.Second)
	require.NoError(t, err)

	// A second rejection within the alert interval stays silent.
	require.NoError(t, f.p.AppendLocalEvent(eventdb.Event{
		UUID: "ev-2", Type: eventdb.EventCreate, FileName: "shared.txt", FileSize: 3, FileHash: ptr("H"),
	}))
	f.drainOne(t)
	_, err = sub.Poll(100 * time.Millisecond)
	require.ErrorIs(t, err, events.ErrTimeout)
}

func TestIgnoredPathsNeverReachTheDatabase(t *testing.T) {
	f := newFixture(t)

	matcher, err := ignore.Parse(strings.NewReader("*.tmp\n"), ".syncignore")
	require.NoError(t, err)
	f.p.SetIgnoreMatcher(matcher)

	require.NoError(t, f.p.AppendLocalEvent(eventdb.Event{
		UUID: "ev-1", Type: eventdb.EventCreate, FileName: "scratch.tmp",
	}, "work/scratch.tmp"))

	assert.Zero(t, f.p.q.Len())
	var n int
	require.NoError(t, f.db.ReadTx(func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM events`)
	}))
	assert.Zero(t, n)
}

func TestStopClearsQueueAndRejectsAppends(t *testing.T) {
	f := newFixture(t)
	f.p.Start()
	f.p.Stop()

	err := f.p.AppendLocalEvent(eventdb.Event{UUID: "x", Type: eventdb.EventCreate, FileName: "f"})
	require.ErrorIs(t, err, strategies.ErrProcessingAborted)
	assert.Zero(t, f.p.q.Len())
}

func TestRecalculateCountsFromDB(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.db.WriteTx(func(tx *sqlx.Tx) error {
		for _, ev := range []eventdb.Event{
			{UUID: "l1", Type: eventdb.EventCreate, FileName: "a", State: eventdb.StateOccured},
			{UUID: "l2", Type: eventdb.EventCreate, FileName: "b", State: eventdb.StateConflicted},
			{UUID: "r1", Type: eventdb.EventCreate, FileName: "c", State: eventdb.StateReceived, ServerEventID: ptr(int64(5))},
		} {
			ev := ev
			fileID, err := eventdb.UpsertFile(tx, &eventdb.File{Name: ev.FileName})
			if err != nil {
				return err
			}
			ev.FileID = fileID
			ev.TimestampNanos = eventdb.NowNanos()
			if _, err := eventdb.InsertEvent(tx, &ev); err != nil {
				return err
			}
		}
		return nil
	}))

	f.p.recalculateCounts()
	local, remote, _ := f.p.Counts()
	assert.Equal(t, int64(2), local)
	assert.Equal(t, int64(1), remote)
}
