package eventdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned by the single-row lookups below when no row
// matches.
var ErrNotFound = errors.New("eventdb: not found")

const filesPageSize = 500

const (
	busyRetries    = 10
	busyRetrySleep = 200 * time.Millisecond
)

// isBusy recognizes sqlite's transient lock-contention errors, which
// are retried at the transaction boundary with bounded backoff; any
// other persistent failure bubbles up as the "possibly sync folder is
// removed" class of error the processor halts on.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// WriteTx runs fn inside a write transaction, holding dbLock for its
// entire duration so at most one bulk insert/update runs at a time; a
// ReadTx waits for it, as both share the single pooled connection. fn's
// error, if any,
// rolls the transaction back. Transient busy errors are retried up to
// busyRetries times.
func (db *DB) WriteTx(fn func(tx *sqlx.Tx) error) error {
	db.dbLock.Lock()
	defer db.dbLock.Unlock()

	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = db.writeTxOnce(fn); !isBusy(err) {
			return err
		}
		log.Debugf("write tx busy (attempt %d), retrying", attempt+1)
		time.Sleep(busyRetrySleep)
	}
	return err
}

func (db *DB) writeTxOnce(fn func(tx *sqlx.Tx) error) error {
	tx, err := db.sql.Beginx()
	if err != nil {
		return fmt.Errorf("eventdb: begin write tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

// ReadTx runs fn inside a transaction that is rolled back when fn
// returns. The pool holds a single connection, so a ReadTx waits for any
// other open transaction, read or write, to finish; ReadTx calls do not
// run concurrently.
func (db *DB) ReadTx(fn func(tx *sqlx.Tx) error) error {
	db.softLock.RLock()
	defer db.softLock.RUnlock()

	tx, err := db.sql.Beginx()
	if err != nil {
		return fmt.Errorf("eventdb: begin read tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck
	return fn(tx)
}

// InsertEvent inserts a single event row; the timestamp column takes
// the event's TimestampNanos (unix-nano) as given (spec §9 Open
// Question (a)).
func InsertEvent(tx *sqlx.Tx, ev *Event) (EventID, error) {
	res, err := tx.NamedExec(`
		INSERT INTO events (
			file_id, uuid, server_event_id, type, is_folder, file_name,
			file_name_before_event, file_size, file_size_before_event,
			file_hash, file_hash_before_event, folder_uuid, diff_file_uuid,
			diff_file_size, rev_diff_file_uuid, rev_diff_file_size,
			last_event_id, state, timestamp, outdated, restore,
			erase_nested, checked
		) VALUES (
			:file_id, :uuid, :server_event_id, :type, :is_folder, :file_name,
			:file_name_before_event, :file_size, :file_size_before_event,
			:file_hash, :file_hash_before_event, :folder_uuid, :diff_file_uuid,
			:diff_file_size, :rev_diff_file_uuid, :rev_diff_file_size,
			:last_event_id, :state, :timestamp, :outdated, :restore,
			:erase_nested, :checked
		)`, ev)
	if err != nil {
		return 0, fmt.Errorf("eventdb: insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("eventdb: insert event id: %w", err)
	}
	return EventID(id), nil
}

// UpdateEventState sets the state column of a batch of events in one
// statement, used by the processor when events transition in bulk
// (e.g. registered -> sent).
func UpdateEventState(tx *sqlx.Tx, ids []EventID, state EventState) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`UPDATE events SET state = ? WHERE id IN (?)`, state, idsToInt64(ids))
	if err != nil {
		return fmt.Errorf("eventdb: update event state: %w", err)
	}
	query = tx.Rebind(query)
	if _, err := tx.Exec(query, args...); err != nil {
		return fmt.Errorf("eventdb: update event state: %w", err)
	}
	return nil
}

func idsToInt64(ids []EventID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// UpsertFile inserts a new file row, or updates the existing one
// matched by uuid when one already exists.
func UpsertFile(tx *sqlx.Tx, f *File) (FileID, error) {
	if f.UUID != nil {
		var existing File
		err := tx.Get(&existing, `SELECT * FROM files WHERE uuid = ?`, *f.UUID)
		if err == nil {
			f.ID = existing.ID
			_, err := tx.NamedExec(`
				UPDATE files SET name=:name, is_folder=:is_folder, folder_id=:folder_id,
					event_id=:event_id, last_skipped_event_id=:last_skipped_event_id,
					excluded=:excluded, is_offline=:is_offline,
					is_collaborated=:is_collaborated, ignored=:ignored
				WHERE id=:id`, f)
			if err != nil {
				return 0, fmt.Errorf("eventdb: update file: %w", err)
			}
			return f.ID, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("eventdb: lookup file by uuid: %w", err)
		}
	}

	res, err := tx.NamedExec(`
		INSERT INTO files (uuid, name, is_folder, folder_id, event_id,
			last_skipped_event_id, excluded, is_offline, is_collaborated, ignored)
		VALUES (:uuid, :name, :is_folder, :folder_id, :event_id,
			:last_skipped_event_id, :excluded, :is_offline, :is_collaborated, :ignored)`, f)
	if err != nil {
		return 0, fmt.Errorf("eventdb: insert file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("eventdb: insert file id: %w", err)
	}
	return FileID(id), nil
}

// resolvePath walks a '/'-separated relative path down the folder_id
// chain, starting from the root (folder_id IS NULL). wantFolder
// constrains only the final segment; intermediate segments must always
// be folders.
func resolvePath(tx *sqlx.Tx, relpath string, wantFolder bool) (*File, error) {
	relpath = strings.Trim(relpath, "/")
	if relpath == "" {
		return nil, ErrNotFound
	}
	segments := strings.Split(relpath, "/")

	var parentID *FileID
	var current File
	for i, seg := range segments {
		last := i == len(segments)-1
		var q string
		var args []interface{}
		if parentID == nil {
			q = `SELECT * FROM files WHERE folder_id IS NULL AND name = ?`
			args = []interface{}{seg}
		} else {
			q = `SELECT * FROM files WHERE folder_id = ? AND name = ?`
			args = []interface{}{*parentID, seg}
		}
		if err := tx.Get(&current, q, args...); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("eventdb: resolve path %q: %w", relpath, err)
		}
		if !last && !current.IsFolder {
			return nil, ErrNotFound
		}
		if last && wantFolder && !current.IsFolder {
			return nil, ErrNotFound
		}
		id := current.ID
		parentID = &id
	}
	return &current, nil
}

// FindFileByRelativePath resolves path to a non-folder file row.
func FindFileByRelativePath(tx *sqlx.Tx, relpath string) (*File, error) {
	f, err := resolvePath(tx, relpath, false)
	if err != nil {
		return nil, err
	}
	if f.IsFolder {
		return nil, ErrNotFound
	}
	return f, nil
}

// FindFolderByRelativePath resolves path to a folder row.
func FindFolderByRelativePath(tx *sqlx.Tx, relpath string) (*File, error) {
	return resolvePath(tx, relpath, true)
}

// FindFilesByRelativePath resolves multiple paths in one call,
// returning a path->File map; paths that don't resolve are omitted.
func FindFilesByRelativePath(tx *sqlx.Tx, relpaths []string) (map[string]*File, error) {
	out := make(map[string]*File, len(relpaths))
	for _, p := range relpaths {
		f, err := resolvePath(tx, p, false)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p] = f
	}
	return out, nil
}

// FindFoldersByFuturePath returns every folder row whose path equals
// relpath — the destination a pending move will occupy. More than one
// match is possible while a delete+create race is unresolved; deleted
// folders (no applied event) are included only when includeDeleted is
// set.
func FindFoldersByFuturePath(tx *sqlx.Tx, relpath string, includeDeleted bool) ([]File, error) {
	relpath = strings.Trim(relpath, "/")
	if relpath == "" {
		return nil, ErrNotFound
	}

	var parentID *FileID
	if i := strings.LastIndex(relpath, "/"); i >= 0 {
		parent, err := resolvePath(tx, relpath[:i], true)
		if err != nil {
			return nil, err
		}
		parentID = &parent.ID
		relpath = relpath[i+1:]
	}

	q := `SELECT * FROM files WHERE is_folder = 1 AND name = ?`
	args := []interface{}{relpath}
	if parentID == nil {
		q += ` AND folder_id IS NULL`
	} else {
		q += ` AND folder_id = ?`
		args = append(args, *parentID)
	}
	if !includeDeleted {
		q += ` AND event_id IS NOT NULL`
	}

	var folders []File
	if err := tx.Select(&folders, q, args...); err != nil {
		return nil, fmt.Errorf("eventdb: find folders by future path: %w", err)
	}
	if len(folders) == 0 {
		return nil, ErrNotFound
	}
	return folders, nil
}

// FindConflictingFileOrFolder looks for an existing file (excluded or
// not) or folder with the given name under folderID (nil for root) whose id
// is not excludeID — used to detect name collisions before applying a
// create/move event.
func FindConflictingFileOrFolder(tx *sqlx.Tx, folderID *FileID, name string, excludeID FileID) (*File, error) {
	var f File
	var err error
	if folderID == nil {
		err = tx.Get(&f, `SELECT * FROM files WHERE folder_id IS NULL AND name = ? AND id != ?`, name, excludeID)
	} else {
		err = tx.Get(&f, `SELECT * FROM files WHERE folder_id = ? AND name = ? AND id != ?`, *folderID, name, excludeID)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: find conflicting file: %w", err)
	}
	return &f, nil
}

// GetFilesByFolderUUID enumerates the direct children of the folder
// identified by folderUUID in pages of filesPageSize, invoking cb for
// each row. cb's error aborts enumeration and is returned verbatim.
func GetFilesByFolderUUID(tx *sqlx.Tx, folderUUID string, includeFolders, includeDeleted bool, cb func(*File) error) error {
	var folder File
	if err := tx.Get(&folder, `SELECT * FROM files WHERE uuid = ?`, folderUUID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("eventdb: find folder by uuid: %w", err)
	}

	lastID := FileID(0)
	for {
		q := `SELECT * FROM files WHERE folder_id = ? AND id > ?`
		if !includeFolders {
			q += ` AND is_folder = 0`
		}
		if !includeDeleted {
			q += ` AND event_id IS NOT NULL`
		}
		q += ` ORDER BY id LIMIT ?`

		var page []File
		if err := tx.Select(&page, q, folder.ID, lastID, filesPageSize); err != nil {
			return fmt.Errorf("eventdb: page files by folder: %w", err)
		}
		if len(page) == 0 {
			return nil
		}
		for i := range page {
			if err := cb(&page[i]); err != nil {
				return err
			}
			lastID = page[i].ID
		}
		if len(page) < filesPageSize {
			return nil
		}
	}
}

// MarkChildExcluded recursively sets the excluded flag on folderID and
// every descendant beneath it.
func MarkChildExcluded(tx *sqlx.Tx, folderID FileID, isExcluded bool) error {
	if _, err := tx.Exec(`UPDATE files SET excluded = ? WHERE id = ?`, isExcluded, folderID); err != nil {
		return fmt.Errorf("eventdb: mark excluded: %w", err)
	}

	var children []FileID
	if err := tx.Select(&children, `SELECT id FROM files WHERE folder_id = ? AND is_folder = 1`, folderID); err != nil {
		return fmt.Errorf("eventdb: list child folders: %w", err)
	}
	for _, child := range children {
		if err := MarkChildExcluded(tx, child, isExcluded); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`UPDATE files SET excluded = ? WHERE folder_id = ? AND is_folder = 0`, isExcluded, folderID); err != nil {
		return fmt.Errorf("eventdb: mark excluded leaves: %w", err)
	}
	return nil
}

// GetMinServerEventID returns the smallest positive server_event_id
// present in the events table, used by the loader to resume ingestion
// from the coordinator. Returns 0 if no remote events are recorded yet.
func GetMinServerEventID(tx *sqlx.Tx) (int64, error) {
	var id sql.NullInt64
	err := tx.Get(&id, `SELECT MIN(server_event_id) FROM events WHERE server_event_id IS NOT NULL AND server_event_id > 0`)
	if err != nil {
		return 0, fmt.Errorf("eventdb: min server event id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// SetEventChecked marks ev as checked, meaning the processor has
// already evaluated it for timeout-retry and should skip it on
// subsequent scans until a new event supersedes it.
func SetEventChecked(tx *sqlx.Tx, id EventID, checked bool) error {
	if _, err := tx.Exec(`UPDATE events SET checked = ? WHERE id = ?`, checked, id); err != nil {
		return fmt.Errorf("eventdb: set event checked: %w", err)
	}
	return nil
}

// PathForFile reconstructs the '/'-separated relative path of f by
// walking its folder_id chain back to the root.
func PathForFile(tx *sqlx.Tx, f *File) (string, error) {
	segments := []string{f.Name}
	folderID := f.FolderID
	for folderID != nil {
		var parent File
		if err := tx.Get(&parent, `SELECT * FROM files WHERE id = ?`, *folderID); err != nil {
			return "", fmt.Errorf("eventdb: reconstruct path: %w", err)
		}
		segments = append([]string{parent.Name}, segments...)
		folderID = parent.FolderID
	}
	return strings.Join(segments, "/"), nil
}

// GetFile looks up a file row by id.
func GetFile(tx *sqlx.Tx, id FileID) (*File, error) {
	var f File
	if err := tx.Get(&f, `SELECT * FROM files WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventdb: get file: %w", err)
	}
	return &f, nil
}

// NowNanos is the canonical unix-nano timestamp used when constructing
// Event rows, keeping callers from reaching for time.Now().UnixNano()
// ad hoc with inconsistent precision.
func NowNanos() int64 {
	return time.Now().UnixNano()
}
