package eventdb

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustStr(s string) *string { return &s }

func TestMigrateCreatesSchema(t *testing.T) {
	db := openTest(t)
	err := db.ReadTx(func(tx *sqlx.Tx) error {
		var n int
		return tx.Get(&n, `SELECT COUNT(*) FROM schema_migrations`)
	})
	require.NoError(t, err)
}

func TestUpsertFileAndResolvePath(t *testing.T) {
	db := openTest(t)

	var folderID, fileID FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		folderID, err = UpsertFile(tx, &File{UUID: mustStr("folder-1"), Name: "docs", IsFolder: true})
		if err != nil {
			return err
		}
		fileID, err = UpsertFile(tx, &File{UUID: mustStr("file-1"), Name: "a.txt", FolderID: &folderID})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		f, err := FindFileByRelativePath(tx, "docs/a.txt")
		require.NoError(t, err)
		require.Equal(t, fileID, f.ID)

		folder, err := FindFolderByRelativePath(tx, "docs")
		require.NoError(t, err)
		require.Equal(t, folderID, folder.ID)

		_, err = FindFileByRelativePath(tx, "docs")
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertFileUpdatesExistingUUID(t *testing.T) {
	db := openTest(t)

	var id FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		id, err = UpsertFile(tx, &File{UUID: mustStr("file-1"), Name: "a.txt"})
		return err
	})
	require.NoError(t, err)

	err = db.WriteTx(func(tx *sqlx.Tx) error {
		again, err := UpsertFile(tx, &File{UUID: mustStr("file-1"), Name: "b.txt"})
		require.Equal(t, id, again)
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		f, err := FindFileByRelativePath(tx, "b.txt")
		require.NoError(t, err)
		require.Equal(t, id, f.ID)
		return nil
	})
	require.NoError(t, err)
}

func TestFindConflictingFileOrFolder(t *testing.T) {
	db := openTest(t)

	var id FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		id, err = UpsertFile(tx, &File{UUID: mustStr("file-1"), Name: "a.txt"})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		conflict, err := FindConflictingFileOrFolder(tx, nil, "a.txt", FileID(-1))
		require.NoError(t, err)
		require.Equal(t, id, conflict.ID)

		_, err = FindConflictingFileOrFolder(tx, nil, "a.txt", id)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestFindFoldersByFuturePath(t *testing.T) {
	db := openTest(t)

	var parentID, appliedID FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		parentID, err = UpsertFile(tx, &File{UUID: mustStr("parent"), Name: "docs", IsFolder: true})
		if err != nil {
			return err
		}
		appliedID, err = UpsertFile(tx, &File{UUID: mustStr("inner-1"), Name: "inner", IsFolder: true, FolderID: &parentID})
		if err != nil {
			return err
		}
		evID, err := InsertEvent(tx, &Event{
			FileID: appliedID, UUID: "evt-applied", Type: EventCreate, IsFolder: true,
			FileName: "inner", State: StateDownloaded, TimestampNanos: NowNanos(),
		})
		if err != nil {
			return err
		}
		if err := SetFileEventID(tx, appliedID, &evID, "inner"); err != nil {
			return err
		}
		// A second, never-applied folder at the same future path: the
		// unresolved half of a delete+create race.
		_, err = UpsertFile(tx, &File{UUID: mustStr("inner-2"), Name: "inner", IsFolder: true, FolderID: &parentID})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		applied, err := FindFoldersByFuturePath(tx, "docs/inner", false)
		require.NoError(t, err)
		require.Len(t, applied, 1)
		require.Equal(t, appliedID, applied[0].ID)

		all, err := FindFoldersByFuturePath(tx, "docs/inner", true)
		require.NoError(t, err)
		require.Len(t, all, 2)

		_, err = FindFoldersByFuturePath(tx, "docs/absent", true)
		require.ErrorIs(t, err, ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestGetFilesByFolderUUIDPagesAndFilters(t *testing.T) {
	db := openTest(t)

	var folderID FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		folderID, err = UpsertFile(tx, &File{UUID: mustStr("folder-1"), Name: "docs", IsFolder: true})
		if err != nil {
			return err
		}
		for i := 0; i < 3; i++ {
			name := string(rune('a' + i))
			if _, err := UpsertFile(tx, &File{Name: name, FolderID: &folderID}); err != nil {
				return err
			}
		}
		_, err = UpsertFile(tx, &File{Name: "sub", IsFolder: true, FolderID: &folderID})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		var names []string
		err := GetFilesByFolderUUID(tx, "folder-1", false, true, func(f *File) error {
			names = append(names, f.Name)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, names, 3)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkChildExcludedRecurses(t *testing.T) {
	db := openTest(t)

	var rootID, childID, leafID FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		rootID, err = UpsertFile(tx, &File{UUID: mustStr("root"), Name: "root", IsFolder: true})
		if err != nil {
			return err
		}
		childID, err = UpsertFile(tx, &File{UUID: mustStr("child"), Name: "child", IsFolder: true, FolderID: &rootID})
		if err != nil {
			return err
		}
		leafID, err = UpsertFile(tx, &File{Name: "leaf.txt", FolderID: &childID})
		return err
	})
	require.NoError(t, err)

	err = db.WriteTx(func(tx *sqlx.Tx) error {
		return MarkChildExcluded(tx, rootID, true)
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		var excluded bool
		require.NoError(t, tx.Get(&excluded, `SELECT excluded FROM files WHERE id = ?`, leafID))
		require.True(t, excluded)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertEventAndMinServerEventID(t *testing.T) {
	db := openTest(t)

	var fileID FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		fileID, err = UpsertFile(tx, &File{Name: "a.txt"})
		if err != nil {
			return err
		}
		for _, sid := range []int64{50, 10, 30} {
			sid := sid
			_, err := InsertEvent(tx, &Event{
				FileID:        fileID,
				UUID:          "evt-" + string(rune('0'+sid/10)),
				ServerEventID: &sid,
				Type:          EventCreate,
				FileName:      "a.txt",
				State:         StateReceived,
				TimestampNanos: NowNanos(),
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		min, err := GetMinServerEventID(tx)
		require.NoError(t, err)
		require.EqualValues(t, 10, min)
		return nil
	})
	require.NoError(t, err)
}

func TestSetEventChecked(t *testing.T) {
	db := openTest(t)

	var evID EventID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		fileID, err := UpsertFile(tx, &File{Name: "a.txt"})
		if err != nil {
			return err
		}
		evID, err = InsertEvent(tx, &Event{
			FileID:   fileID,
			UUID:     "evt-1",
			Type:     EventCreate,
			FileName: "a.txt",
			State:    StateOccured,
		})
		return err
	})
	require.NoError(t, err)

	err = db.WriteTx(func(tx *sqlx.Tx) error {
		return SetEventChecked(tx, evID, true)
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		var checked bool
		require.NoError(t, tx.Get(&checked, `SELECT checked FROM events WHERE id = ?`, evID))
		require.True(t, checked)
		return nil
	})
	require.NoError(t, err)
}
