package eventdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetEvent looks up a single event row by id.
func GetEvent(tx txQuerier, id EventID) (*Event, error) {
	var ev Event
	if err := tx.Get(&ev, `SELECT * FROM events WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: get event: %w", err)
	}
	return &ev, nil
}

// GetEventByUUID looks up a single event row by its local uuid.
func GetEventByUUID(tx txQuerier, uuid string) (*Event, error) {
	var ev Event
	if err := tx.Get(&ev, `SELECT * FROM events WHERE uuid = ?`, uuid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: get event by uuid: %w", err)
	}
	return &ev, nil
}

// LastEventForFile returns the highest-id event recorded for fileID, or
// ErrNotFound if the file has no events yet.
func LastEventForFile(tx txQuerier, fileID FileID) (*Event, error) {
	var ev Event
	err := tx.Get(&ev, `SELECT * FROM events WHERE file_id = ? ORDER BY id DESC LIMIT 1`, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: last event for file: %w", err)
	}
	return &ev, nil
}

// LastNonConflictedEvent returns the most recent sent-or-downloaded,
// non-delete event for fileID — the version conflict resolution restores
// before recording the conflicting copy's create event (spec §4.5.2).
func LastNonConflictedEvent(tx txQuerier, fileID FileID) (*Event, error) {
	var ev Event
	err := tx.Get(&ev, `
		SELECT * FROM events
		WHERE file_id = ? AND state IN ('sent', 'downloaded') AND type != 'delete'
		ORDER BY id DESC LIMIT 1`, fileID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: last non-conflicted event: %w", err)
	}
	return &ev, nil
}

// EventsForFile returns every event recorded for fileID in id order,
// used by the trash cleaner and the erase_nested sweep to release every
// copy/patch reference a file ever held.
func EventsForFile(tx txQuerier, fileID FileID) ([]Event, error) {
	var events []Event
	if err := tx.Select(&events, `SELECT * FROM events WHERE file_id = ? ORDER BY id`, fileID); err != nil {
		return nil, fmt.Errorf("eventdb: events for file: %w", err)
	}
	return events, nil
}

// DeleteEventsForFile removes every event row belonging to fileID,
// returning the count removed (the events_erased counter in spec §4.7).
func DeleteEventsForFile(tx txExecer, fileID FileID) (int, error) {
	res, err := tx.Exec(`DELETE FROM events WHERE file_id = ?`, fileID)
	if err != nil {
		return 0, fmt.Errorf("eventdb: delete events for file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("eventdb: delete events for file rows affected: %w", err)
	}
	return int(n), nil
}

// DeleteFile removes the files row for fileID (spec §3: "deleted only by
// the trash cleaner after all its events are removed").
func DeleteFile(tx txExecer, fileID FileID) error {
	if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return fmt.Errorf("eventdb: delete file: %w", err)
	}
	return nil
}

// SetFileEventID updates the file's event_id pointer, advancing it once
// an event has been fully applied, and optionally renames the file in
// the same statement (conflict resolution renames as it advances).
func SetFileEventID(tx txExecer, fileID FileID, eventID *EventID, name string) error {
	if _, err := tx.Exec(`UPDATE files SET event_id = ?, name = ? WHERE id = ?`, eventID, name, fileID); err != nil {
		return fmt.Errorf("eventdb: set file event id: %w", err)
	}
	return nil
}

// SetFileLastSkippedEventID fast-forwards fileID past a chain of trailing
// deletes without applying each one (spec §4.6's "skip" queries).
func SetFileLastSkippedEventID(tx txExecer, fileID FileID, eventID EventID) error {
	if _, err := tx.Exec(`UPDATE files SET last_skipped_event_id = ? WHERE id = ?`, eventID, fileID); err != nil {
		return fmt.Errorf("eventdb: set last skipped event id: %w", err)
	}
	return nil
}

// SetFileFolderID reparents fileID under newFolderID (nil for root), the
// core of applying a move event.
func SetFileFolderID(tx txExecer, fileID FileID, newFolderID *FileID) error {
	if _, err := tx.Exec(`UPDATE files SET folder_id = ? WHERE id = ?`, newFolderID, fileID); err != nil {
		return fmt.Errorf("eventdb: set file folder id: %w", err)
	}
	return nil
}

// CountLiveReferences counts events whose current (non-superseded)
// file_hash column equals hash, the right-hand side of the refcount
// conservation property in spec §8.2.
func CountLiveReferences(tx txQuerier, hash string) (int, error) {
	var n int
	err := tx.Get(&n, `
		SELECT COUNT(*) FROM events e
		INNER JOIN files f ON f.id = e.file_id AND f.event_id = e.id
		WHERE e.file_hash = ?`, hash)
	if err != nil {
		return 0, fmt.Errorf("eventdb: count live references: %w", err)
	}
	return n, nil
}

// FindFolderByUUID resolves a folder by its coordinator-assigned uuid.
func FindFolderByUUID(tx txQuerier, uuid string) (*File, error) {
	var f File
	if err := tx.Get(&f, `SELECT * FROM files WHERE uuid = ? AND is_folder = 1`, uuid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: find folder by uuid: %w", err)
	}
	return &f, nil
}

// FindFileByUUID resolves a file or folder by its coordinator-assigned uuid.
func FindFileByUUID(tx txQuerier, uuid string) (*File, error) {
	var f File
	if err := tx.Get(&f, `SELECT * FROM files WHERE uuid = ?`, uuid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: find file by uuid: %w", err)
	}
	return &f, nil
}

// SetEventRegistered records the coordinator's acknowledgement of a
// local event: the assigned server_event_id together with the sent
// state, in one statement so a crash between the two cannot leave a
// sent event without its server id.
func SetEventRegistered(tx txExecer, id EventID, serverEventID int64) error {
	if _, err := tx.Exec(`UPDATE events SET server_event_id = ?, state = 'sent' WHERE id = ?`, serverEventID, id); err != nil {
		return fmt.Errorf("eventdb: set event registered: %w", err)
	}
	return nil
}

// DeleteEvent removes a single event row, used when the coordinator
// rejects a registration in a way that makes the event moot
// (FILE_NOT_CHANGED, collaboration revocation).
func DeleteEvent(tx txExecer, id EventID) error {
	if _, err := tx.Exec(`DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("eventdb: delete event: %w", err)
	}
	return nil
}

// CountEventsByStates returns how many events sit in any of the given
// states, used to recompute the processor's UI counters when they
// threaten to drift.
func CountEventsByStates(tx txQuerier, states ...EventState) (int, error) {
	if len(states) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(states))
	marks := make([]string, len(states))
	for i, s := range states {
		args[i] = string(s)
		marks[i] = "?"
	}
	var n int
	q := `SELECT COUNT(*) FROM events WHERE state IN (` + strings.Join(marks, ",") + `)`
	if err := tx.Get(&n, q, args...); err != nil {
		return 0, fmt.Errorf("eventdb: count events by state: %w", err)
	}
	return n, nil
}

// FindEventByServerEventID resolves the local event row registered under
// a coordinator-assigned server id, used to chain a freshly ingested
// remote event to its predecessor.
func FindEventByServerEventID(tx txQuerier, serverEventID int64) (*Event, error) {
	var ev Event
	if err := tx.Get(&ev, `SELECT * FROM events WHERE server_event_id = ?`, serverEventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: find event by server event id: %w", err)
	}
	return &ev, nil
}

// MaxServerEventIDForFile returns the largest positive server_event_id
// among fileID's events, or 0 when none is registered yet. A remote
// event arriving with a smaller id than this is stale and dropped.
func MaxServerEventIDForFile(tx txQuerier, fileID FileID) (int64, error) {
	var id sql.NullInt64
	err := tx.Get(&id, `SELECT MAX(server_event_id) FROM events WHERE file_id = ? AND server_event_id > 0`, fileID)
	if err != nil {
		return 0, fmt.Errorf("eventdb: max server event id for file: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// AttachOrphansToFolder reparents files that arrived before their parent
// folder existed: any unapplied, parentless file whose events name
// folderUUID as their folder is attached under folderID.
func AttachOrphansToFolder(tx txExecer, folderID FileID, folderUUID string) error {
	_, err := tx.Exec(`
		UPDATE files SET folder_id = ?
		WHERE folder_id IS NULL AND event_id IS NULL
		AND id IN (SELECT file_id FROM events WHERE folder_uuid = ?)`,
		folderID, folderUUID)
	if err != nil {
		return fmt.Errorf("eventdb: attach orphans to folder: %w", err)
	}
	return nil
}

// txQuerier is satisfied by *sqlx.Tx; narrowed here so the helpers above
// only claim the methods they actually call.
type txQuerier interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
}

type txExecer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}
