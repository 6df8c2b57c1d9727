package loader

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/pvtbox/syncd/internal/eventdb"
)

func openTest(t *testing.T) *eventdb.DB {
	t.Helper()
	db, err := eventdb.Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sid(v int64) *int64 { return &v }

func TestLoadRemoteCreationsEventsOrdersBySize(t *testing.T) {
	db := openTest(t)
	l := New(nil)

	err := db.WriteTx(func(tx *sqlx.Tx) error {
		bigID, err := eventdb.UpsertFile(tx, &eventdb.File{Name: "big.bin"})
		if err != nil {
			return err
		}
		smallID, err := eventdb.UpsertFile(tx, &eventdb.File{Name: "small.bin"})
		if err != nil {
			return err
		}
		if _, err := eventdb.InsertEvent(tx, &eventdb.Event{
			FileID: bigID, UUID: "e-big", ServerEventID: sid(1),
			Type: eventdb.EventCreate, FileName: "big.bin", FileSize: 9000,
			State: eventdb.StateReceived,
		}); err != nil {
			return err
		}
		_, err = eventdb.InsertEvent(tx, &eventdb.Event{
			FileID: smallID, UUID: "e-small", ServerEventID: sid(2),
			Type: eventdb.EventCreate, FileName: "small.bin", FileSize: 10,
			State: eventdb.StateReceived,
		})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		events, err := l.LoadRemoteCreationsEvents(tx, 100, nil)
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, "small.bin", events[0].FileName)
		require.Equal(t, "big.bin", events[1].FileName)
		return nil
	})
	require.NoError(t, err)
}

func TestLoadRemoteEventsExcludesGivenFiles(t *testing.T) {
	db := openTest(t)
	l := New(nil)

	var fileID eventdb.FileID
	err := db.WriteTx(func(tx *sqlx.Tx) error {
		var err error
		fileID, err = eventdb.UpsertFile(tx, &eventdb.File{Name: "a.txt"})
		if err != nil {
			return err
		}
		_, err = eventdb.InsertEvent(tx, &eventdb.Event{
			FileID: fileID, UUID: "e1", ServerEventID: sid(1),
			Type: eventdb.EventCreate, FileName: "a.txt", State: eventdb.StateReceived,
		})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		events, err := l.LoadRemoteEvents(tx, 100, []eventdb.FileID{fileID})
		require.NoError(t, err)
		require.Empty(t, events)
		return nil
	})
	require.NoError(t, err)
}

func TestLoadNewFilesToSkip(t *testing.T) {
	db := openTest(t)
	l := New(nil)

	err := db.WriteTx(func(tx *sqlx.Tx) error {
		fileID, err := eventdb.UpsertFile(tx, &eventdb.File{Name: "gone.txt"})
		if err != nil {
			return err
		}
		_, err = eventdb.InsertEvent(tx, &eventdb.Event{
			FileID: fileID, UUID: "e1", ServerEventID: sid(-1),
			Type: eventdb.EventDelete, FileName: "gone.txt", State: eventdb.StateReceived,
		})
		return err
	})
	require.NoError(t, err)

	err = db.ReadTx(func(tx *sqlx.Tx) error {
		entries, count, err := l.LoadNewFilesToSkip(tx, 100)
		require.NoError(t, err)
		require.Equal(t, 1, count)
		require.Len(t, entries, 1)
		return nil
	})
	require.NoError(t, err)
}

func TestIsContainedInDirs(t *testing.T) {
	require.True(t, isContainedInDirs("docs/a.txt", []string{"docs"}))
	require.False(t, isContainedInDirs("documents/a.txt", []string{"docs"}))
	require.True(t, isContainedInDirs("docs", []string{"docs"}))
	require.False(t, isContainedInDirs("a.txt", nil))
}
