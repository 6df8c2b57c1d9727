package strategies

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
)

// localBase is the common embedding every local strategy shares; its
// methods are promoted from base (Kind/Direction/Event).
type localBase struct {
	base
}

func newLocal(b base) (Strategy, error) {
	switch b.kind {
	case CreateFile:
		return &LocalCreateFile{localBase{b}}, nil
	case CreateFolder:
		return &LocalCreateFolder{localBase{b}}, nil
	case UpdateFile:
		return &LocalUpdateFile{localBase: localBase{b}}, nil
	case MoveFile, MoveFolder:
		return &LocalMove{localBase{b}}, nil
	case DeleteFile, DeleteFolder:
		return &LocalDelete{localBase{b}}, nil
	default:
		return nil, fmt.Errorf("strategies: %v has no local variant", b.kind)
	}
}

func orZero(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// readyToRegisterPredecessor enforces the rule every local strategy
// shares: an event may only be sent to the coordinator once the event it
// chains from (last_event_id) already carries a server_event_id, so the
// coordinator never sees an update whose base it cannot resolve. It
// returns the predecessor's server_event_id alongside the readiness flag
// so update events can pass it straight to file_event_update.
func readyToRegisterPredecessor(tx *sqlx.Tx, ev *eventdb.Event) (int64, bool, error) {
	if ev.LastEventID == nil {
		return 0, true, nil
	}
	prev, err := eventdb.GetEvent(tx, *ev.LastEventID)
	if err != nil {
		if err == eventdb.ErrNotFound {
			return 0, true, nil
		}
		return 0, false, err
	}
	if prev.ServerEventID == nil || *prev.ServerEventID <= 0 {
		return 0, false, nil
	}
	return *prev.ServerEventID, true, nil
}

// addLocalEvent inserts ev and, when its file row does not exist yet,
// creates it (spec §3: a file is created by the first event referring
// to it).
func addLocalEvent(tx *sqlx.Tx, ev *eventdb.Event) error {
	if ev.FileID == 0 {
		f := &eventdb.File{
			Name:     ev.FileName,
			IsFolder: ev.IsFolder,
		}
		id, err := eventdb.UpsertFile(tx, f)
		if err != nil {
			return err
		}
		ev.FileID = id
	}
	id, err := eventdb.InsertEvent(tx, ev)
	if err != nil {
		return err
	}
	ev.ID = id
	return nil
}

// resolveConflictAsCreate is the shared create-create resolution path
// (spec §4.5.2): the colliding local file is renamed to a conflicting
// copy name and both create events are kept.
func resolveConflictAsCreate(tx *sqlx.Tx, fs FileSystem, ev *eventdb.Event) error {
	f, err := eventdb.GetFile(tx, ev.FileID)
	if err != nil {
		return err
	}
	newName, err := resolveCreateConflict(tx, f, ev.Timestamp())
	if err != nil {
		return err
	}
	if fs != nil && fs.Exists(ev.FileName) {
		if err := fs.Move(ev.FileName, newName); err != nil {
			return fmt.Errorf("strategies: rename conflicting copy on disk: %w", err)
		}
	}
	ev.FileName = newName
	return eventdb.UpdateEventState(tx, []eventdb.EventID{ev.ID}, eventdb.StateOccured)
}

func routeCoordinatorError(res CoordinatorResult) error {
	return &CoordinatorError{Code: res.ErrCode, Info: res.Info}
}

// ---- Create ----------------------------------------------------------

// LocalCreateFile inserts a create event for a newly observed local
// file; on register it calls file_event_create, and on a create-create
// race it materializes a conflicting copy (spec §4.5 table).
type LocalCreateFile struct{ localBase }

func (s *LocalCreateFile) AddToLocalDatabase(tx *sqlx.Tx) error {
	return addLocalEvent(tx, &s.event)
}

func (s *LocalCreateFile) ReadyToRegister(tx *sqlx.Tx) (bool, error) {
	_, ready, err := readyToRegisterPredecessor(tx, &s.event)
	return ready, err
}

func (s *LocalCreateFile) Register(ctx context.Context, coord Coordinator) error {
	ev := &s.event
	folderUUID := ""
	if ev.FolderUUID != nil {
		folderUUID = *ev.FolderUUID
	}
	hash := ""
	if ev.FileHash != nil {
		hash = *ev.FileHash
	}
	res, err := coord.FileEventCreate(ctx, ev.UUID, "", folderUUID, ev.FileName, hash, ev.FileSize)
	if err != nil {
		return err
	}
	if !res.Success {
		return routeCoordinatorError(res)
	}
	ev.ServerEventID = &res.ServerEventID
	return nil
}

func (s *LocalCreateFile) ProcessConflict(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	return resolveConflictAsCreate(tx, fs, &s.event)
}

// LocalCreateFolder mirrors LocalCreateFile for folders, registering via
// folder_event_create; a conflicting folder is merged with the existing
// one when possible instead of always renaming (spec §4.5 table).
type LocalCreateFolder struct{ localBase }

func (s *LocalCreateFolder) AddToLocalDatabase(tx *sqlx.Tx) error {
	return addLocalEvent(tx, &s.event)
}

func (s *LocalCreateFolder) ReadyToRegister(tx *sqlx.Tx) (bool, error) {
	_, ready, err := readyToRegisterPredecessor(tx, &s.event)
	return ready, err
}

func (s *LocalCreateFolder) Register(ctx context.Context, coord Coordinator) error {
	ev := &s.event
	parentUUID := ""
	if ev.FolderUUID != nil {
		parentUUID = *ev.FolderUUID
	}
	res, err := coord.FolderEventCreate(ctx, ev.UUID, "", parentUUID, ev.FileName)
	if err != nil {
		return err
	}
	if !res.Success {
		return routeCoordinatorError(res)
	}
	ev.ServerEventID = &res.ServerEventID
	return nil
}

// ProcessConflict merges this folder into an existing remote folder of
// the same name when one is already present, instead of unconditionally
// creating a conflicting copy the way a file must.
func (s *LocalCreateFolder) ProcessConflict(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	var folderID *eventdb.FileID
	if s.event.FolderUUID != nil {
		if parent, err := eventdb.FindFolderByUUID(tx, *s.event.FolderUUID); err == nil {
			folderID = &parent.ID
		}
	}
	existing, err := eventdb.FindConflictingFileOrFolder(tx, folderID, s.event.FileName, s.event.FileID)
	if err == nil && existing.IsFolder {
		log.Debugf("merging conflicting local folder %s into existing folder %d", s.event.FileName, existing.ID)
		return nil
	}
	return resolveConflictAsCreate(tx, fs, &s.event)
}

// ---- Update --------------------------------------------------------------

// LocalUpdateFile registers content changes via file_event_update after
// ContentStore has been given direct/reverse patch references; on
// conflict it restores the last non-conflicting state and records a new
// create event holding the conflicting copy (spec §4.5.2).
type LocalUpdateFile struct {
	localBase
	lastServerEventID int64
}

func (s *LocalUpdateFile) AddToLocalDatabase(tx *sqlx.Tx) error {
	if s.event.FileSize > 0 && (s.event.DiffFileUUID == nil || s.event.RevDiffFileUUID == nil) {
		return fmt.Errorf("strategies: update event on non-empty file missing diff uuids")
	}
	return addLocalEvent(tx, &s.event)
}

func (s *LocalUpdateFile) ReadyToRegister(tx *sqlx.Tx) (bool, error) {
	last, ready, err := readyToRegisterPredecessor(tx, &s.event)
	if err != nil {
		return false, err
	}
	s.lastServerEventID = last
	return ready, nil
}

func (s *LocalUpdateFile) Register(ctx context.Context, coord Coordinator) error {
	ev := &s.event
	hash := ""
	if ev.FileHash != nil {
		hash = *ev.FileHash
	}
	res, err := coord.FileEventUpdate(ctx, ev.UUID, "", s.lastServerEventID, hash, ev.FileSize, orZero(ev.DiffFileSize), orZero(ev.RevDiffFileSize))
	if err != nil {
		return err
	}
	if !res.Success {
		return routeCoordinatorError(res)
	}
	ev.ServerEventID = &res.ServerEventID
	return nil
}

func (s *LocalUpdateFile) ProcessConflict(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	ev := &s.event
	last, err := restoreLastNonConflictingState(tx, ev.FileID)
	if err != nil && err != eventdb.ErrNotFound {
		return err
	}
	f, err := eventdb.GetFile(tx, ev.FileID)
	if err != nil {
		return err
	}
	newName, err := resolveCreateConflict(tx, f, ev.Timestamp())
	if err != nil {
		return err
	}

	if last != nil && fs != nil && last.FileHash != nil && content.CopyExists(*last.FileHash) {
		if err := fs.CreateFileFromCopy(newName, content.CopyPath(*last.FileHash)); err != nil {
			log.Debugf("conflict: restore copy failed: %v", err)
		}
	}

	conflictEvent := eventdb.Event{
		FileID:         ev.FileID,
		UUID:           uuid.NewString(),
		Type:           eventdb.EventCreate,
		IsFolder:       false,
		FileName:       newName,
		FileSize:       orZero(ev.FileSizeBeforeEvent),
		State:          eventdb.StateOccured,
		TimestampNanos: eventdb.NowNanos(),
	}
	if last != nil {
		conflictEvent.FileHash = last.FileHash
	}
	if _, err := eventdb.InsertEvent(tx, &conflictEvent); err != nil {
		return err
	}
	return eventdb.UpdateEventState(tx, []eventdb.EventID{ev.ID}, eventdb.StateOccured)
}

// ---- Move ------------------------------------------------------------

// LocalMove registers a rename/reparent via file_event_move or
// folder_event_move depending on IsFolder.
type LocalMove struct{ localBase }

func (s *LocalMove) AddToLocalDatabase(tx *sqlx.Tx) error {
	return addLocalEvent(tx, &s.event)
}

func (s *LocalMove) ReadyToRegister(tx *sqlx.Tx) (bool, error) {
	_, ready, err := readyToRegisterPredecessor(tx, &s.event)
	return ready, err
}

func (s *LocalMove) Register(ctx context.Context, coord Coordinator) error {
	ev := &s.event
	folderUUID := ""
	if ev.FolderUUID != nil {
		folderUUID = *ev.FolderUUID
	}
	var res CoordinatorResult
	var err error
	if ev.IsFolder {
		res, err = coord.FolderEventMove(ctx, ev.UUID, "", folderUUID, ev.FileName, 0)
	} else {
		res, err = coord.FileEventMove(ctx, ev.UUID, "", folderUUID, ev.FileName, 0)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return routeCoordinatorError(res)
	}
	ev.ServerEventID = &res.ServerEventID
	return nil
}

// ---- Delete ------------------------------------------------------------

// LocalDelete registers file_event_delete/folder_event_delete. It never
// applies locally — the deletion already happened on disk by the time
// the watcher produced this event — so SkipIfFileWillBeDeleted always
// reports true: downstream processing of earlier, now-superseded events
// for this file should stop rather than try to apply them.
type LocalDelete struct{ localBase }

func (s *LocalDelete) AddToLocalDatabase(tx *sqlx.Tx) error {
	return addLocalEvent(tx, &s.event)
}

func (s *LocalDelete) ReadyToRegister(tx *sqlx.Tx) (bool, error) {
	_, ready, err := readyToRegisterPredecessor(tx, &s.event)
	return ready, err
}

func (s *LocalDelete) SkipIfFileWillBeDeleted() bool { return true }

func (s *LocalDelete) Register(ctx context.Context, coord Coordinator) error {
	ev := &s.event
	var res CoordinatorResult
	var err error
	if ev.IsFolder {
		res, err = coord.FolderEventDelete(ctx, ev.UUID, "", 0)
	} else {
		res, err = coord.FileEventDelete(ctx, ev.UUID, "", 0)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return routeCoordinatorError(res)
	}
	ev.ServerEventID = &res.ServerEventID
	return nil
}
