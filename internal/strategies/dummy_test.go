package strategies

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvtbox/syncd/internal/eventdb"
)

func newTestDB(t *testing.T) *eventdb.DB {
	t.Helper()
	db, err := eventdb.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Scenario S4: an erase_nested delete for a shared folder removes every
// descendant's events and file rows and releases every copy and patch
// reference they held.
func TestEraseNested(t *testing.T) {
	db := newTestDB(t)
	store := newTestStore(t)

	var folderID, fileID eventdb.FileID
	require.NoError(t, db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		uuid := "shared-uuid"
		folderID, err = eventdb.UpsertFile(tx, &eventdb.File{Name: "shared", IsFolder: true, UUID: &uuid})
		if err != nil {
			return err
		}
		fileID, err = eventdb.UpsertFile(tx, &eventdb.File{Name: "doc.txt", FolderID: &folderID})
		if err != nil {
			return err
		}

		createEv := eventdb.Event{
			FileID: fileID, UUID: "e-create", Type: eventdb.EventCreate,
			FileName: "doc.txt", FileSize: 10, FileHash: ptr("H1"),
			State: eventdb.StateDownloaded, TimestampNanos: eventdb.NowNanos(),
		}
		if _, err := eventdb.InsertEvent(tx, &createEv); err != nil {
			return err
		}
		updateEv := eventdb.Event{
			FileID: fileID, UUID: "e-update", Type: eventdb.EventUpdate,
			FileName: "doc.txt", FileSize: 12, FileHash: ptr("H2"),
			DiffFileUUID: ptr("patch-1"), RevDiffFileUUID: ptr("rpatch-1"),
			State: eventdb.StateDownloaded, TimestampNanos: eventdb.NowNanos(),
		}
		_, err = eventdb.InsertEvent(tx, &updateEv)
		return err
	}))

	store.AddCopyReference("H1", "setup", false)
	store.AddCopyReference("H2", "setup", false)
	store.AddDirectPatch("patch-1", "setup", 5, true, false)
	store.AddReversePatch("rpatch-1", "setup", 5, true, false)

	var erased int
	require.NoError(t, db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		erased, err = EraseNested(tx, store, "shared-uuid")
		return err
	}))
	require.NoError(t, store.CommitLastChanges())

	assert.Equal(t, 2, erased)

	require.NoError(t, db.ReadTx(func(tx *sqlx.Tx) error {
		var n int
		if err := tx.Get(&n, `SELECT COUNT(*) FROM events`); err != nil {
			return err
		}
		assert.Zero(t, n)
		if err := tx.Get(&n, `SELECT COUNT(*) FROM files WHERE id = ?`, fileID); err != nil {
			return err
		}
		assert.Zero(t, n, "descendant file rows are deleted")
		return nil
	}))

	assert.False(t, store.CopyExists("H1"))
	assert.False(t, store.CopyExists("H2"))
}

func TestGenerateDummyDelete(t *testing.T) {
	db := newTestDB(t)

	var fileID eventdb.FileID
	var dummyID eventdb.EventID
	require.NoError(t, db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		fileID, err = eventdb.UpsertFile(tx, &eventdb.File{Name: "orphan.txt"})
		if err != nil {
			return err
		}
		f, err := eventdb.GetFile(tx, fileID)
		if err != nil {
			return err
		}
		dummyID, err = GenerateDummyDelete(tx, f)
		return err
	}))

	require.NoError(t, db.ReadTx(func(tx *sqlx.Tx) error {
		ev, err := eventdb.GetEvent(tx, dummyID)
		if err != nil {
			return err
		}
		assert.Equal(t, eventdb.EventDelete, ev.Type)
		assert.Equal(t, eventdb.StateDownloaded, ev.State)
		require.NotNil(t, ev.ServerEventID)
		assert.Negative(t, *ev.ServerEventID)
		assert.NotEmpty(t, ev.UUID)
		return nil
	}))
}
