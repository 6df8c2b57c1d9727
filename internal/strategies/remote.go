package strategies

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
)

// remoteBase carries the state shared by every remote strategy: the
// identity of the file on the coordinator's side (fileUUID), the server
// id of the predecessor event the pack message chains from, and the
// patch-vs-whole-file download decision flags (spec §4.5.1).
type remoteBase struct {
	base

	fileUUID          string
	lastServerEventID int64

	fileDownload     bool
	mustDownloadCopy bool

	erasedCount int
}

func newRemote(b base) (Strategy, error) {
	switch b.kind {
	case CreateFile:
		return &RemoteCreateFile{remoteBase{base: b}}, nil
	case CreateFolder:
		return &RemoteCreateFolder{remoteBase{base: b}}, nil
	case UpdateFile:
		return &RemoteUpdateFile{remoteBase{base: b}}, nil
	case MoveFile, MoveFolder:
		return &RemoteMove{remoteBase{base: b}}, nil
	case DeleteFile, DeleteFolder:
		return &RemoteDelete{remoteBase{base: b}}, nil
	case RestoreFile, RestoreFolder:
		return &RemoteRestore{remoteBase{base: b}}, nil
	default:
		return nil, fmt.Errorf("strategies: %v has no remote variant", b.kind)
	}
}

// RemoteBinder is implemented by every remote strategy; the remote-ingest
// thread binds the pack message's coordinator-side identifiers before
// calling AddToLocalDatabase.
type RemoteBinder interface {
	BindRemote(fileUUID string, lastServerEventID int64)
}

func (r *remoteBase) BindRemote(fileUUID string, lastServerEventID int64) {
	r.fileUUID = fileUUID
	r.lastServerEventID = lastServerEventID
}

// ErasedCount reports how many events an erase_nested sweep removed
// during AddToLocalDatabase, feeding the processor's events_erased
// counter.
func (r *remoteBase) ErasedCount() int { return r.erasedCount }

// getOrCreateFile resolves the event's file row by its coordinator uuid,
// creating it (with parent resolution and excluded propagation) when this
// is the first event referring to it (spec §3, File lifecycle).
func (r *remoteBase) getOrCreateFile(tx *sqlx.Tx) (*eventdb.File, error) {
	if r.fileUUID != "" {
		f, err := eventdb.FindFileByUUID(tx, r.fileUUID)
		if err == nil {
			return f, nil
		}
		if err != eventdb.ErrNotFound {
			return nil, err
		}
	}
	if r.event.FileID != 0 {
		return eventdb.GetFile(tx, r.event.FileID)
	}

	f := &eventdb.File{
		Name:     r.event.FileName,
		IsFolder: r.event.IsFolder,
	}
	if r.fileUUID != "" {
		uuid := r.fileUUID
		f.UUID = &uuid
	}
	if r.event.FolderUUID != nil && *r.event.FolderUUID != "" {
		parent, err := eventdb.FindFolderByUUID(tx, *r.event.FolderUUID)
		if err == nil {
			f.FolderID = &parent.ID
			f.Excluded = parent.Excluded
		} else if err != eventdb.ErrNotFound {
			return nil, err
		} else {
			log.Debugf("no parent folder %s for event %s yet", *r.event.FolderUUID, r.event.UUID)
		}
	}
	if !f.Excluded {
		f.Excluded = r.pathExcluded(tx, f)
	}

	id, err := eventdb.UpsertFile(tx, f)
	if err != nil {
		return nil, err
	}
	f.ID = id
	return f, nil
}

func (r *remoteBase) pathExcluded(tx *sqlx.Tx, f *eventdb.File) bool {
	if len(r.services.ExcludedDirs) == 0 {
		return false
	}
	path, err := eventdb.PathForFile(tx, f)
	if err != nil {
		return false
	}
	return isUnderAny(path, r.services.ExcludedDirs)
}

func isUnderAny(path string, dirs []string) bool {
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if path == d || strings.HasPrefix(path, d+"/") {
			return true
		}
	}
	return false
}

// AddToLocalDatabase stores the remote event inside the pack
// transaction: dedup by uuid and by server id ordering, file row
// resolution, last_event_id chaining, copy reference accounting and the
// received/downloaded state decision. Mirrors remote_event_strategy.py's
// add_to_local_database.
func (r *remoteBase) AddToLocalDatabase(tx *sqlx.Tx) error {
	ev := &r.event
	if ev.ServerEventID == nil {
		return fmt.Errorf("strategies: remote event %s has no server event id", ev.UUID)
	}

	if *ev.ServerEventID > 0 {
		if _, err := eventdb.GetEventByUUID(tx, ev.UUID); err == nil {
			return ErrEventAlreadyAdded
		} else if err != eventdb.ErrNotFound {
			return err
		}
	}

	f, err := r.getOrCreateFile(tx)
	if err != nil {
		return err
	}
	ev.FileID = f.ID
	ev.IsFolder = f.IsFolder

	maxSeen, err := eventdb.MaxServerEventIDForFile(tx, f.ID)
	if err != nil {
		return err
	}
	if *ev.ServerEventID > 0 && *ev.ServerEventID < maxSeen {
		log.Debugf("have newer event than %s (server id %d < %d)", ev.UUID, *ev.ServerEventID, maxSeen)
		return ErrEventAlreadyAdded
	}

	if r.lastServerEventID > 0 {
		prev, err := eventdb.FindEventByServerEventID(tx, r.lastServerEventID)
		if err == nil {
			ev.LastEventID = &prev.ID
		} else if err != eventdb.ErrNotFound {
			return err
		}
	}

	r.updateCopyReferences()
	r.setEventState(f)

	id, err := eventdb.InsertEvent(tx, ev)
	if err != nil {
		return err
	}
	ev.ID = id

	if ev.IsFolder && ev.Type != eventdb.EventDelete && f.UUID != nil {
		if err := eventdb.AttachOrphansToFolder(tx, f.ID, *f.UUID); err != nil {
			return err
		}
		if f.Excluded {
			if err := eventdb.MarkChildExcluded(tx, f.ID, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// updateCopyReferences records the copy references this event introduces
// and releases the one it supersedes, postponed until the pack commits
// (spec §5, "two-phase commit semantics").
func (r *remoteBase) updateCopyReferences() {
	ev := &r.event
	var newHash, oldHash string
	size := ev.FileSize

	if ev.Type != eventdb.EventDelete && !ev.IsFolder {
		if ev.FileHash != nil {
			newHash = *ev.FileHash
		}
		if orZero(ev.FileSizeBeforeEvent) > 0 && ev.FileHashBeforeEvent != nil {
			oldHash = *ev.FileHashBeforeEvent
		}
	} else if ev.Type == eventdb.EventDelete && !ev.IsFolder && ev.LastEventID == nil {
		// The predecessor chain is gone; the delete itself carries the
		// hash needed for backup restoration (spec §3).
		if ev.FileHashBeforeEvent != nil {
			newHash = *ev.FileHashBeforeEvent
		}
		size = orZero(ev.FileSizeBeforeEvent)
	}

	reason := fmt.Sprintf("add_to_local_database. Event %s. File %s", ev.UUID, ev.FileName)
	if size > 0 && newHash != "" {
		r.services.Content.AddCopyReference(newHash, reason, true)
	}
	if oldHash != "" {
		r.services.Content.RemoveCopyReference(oldHash, reason, true)
	}
}

// setEventState decides received (needs a download first) vs downloaded
// (nothing to fetch), mirroring _set_event_state.
func (r *remoteBase) setEventState(f *eventdb.File) {
	ev := &r.event
	switch {
	case (ev.Type == eventdb.EventCreate || ev.Type == eventdb.EventUpdate || ev.Type == eventdb.EventRestore) &&
		(orZero(ev.DiffFileSize) > 0 || ev.FileSize > 0):
		ev.State = eventdb.StateReceived
	case ev.Type == eventdb.EventDelete && r.mustDownloadCopy:
		ev.State = eventdb.StateReceived
	case ev.Type == eventdb.EventMove && f.EventID == nil && f.LastSkippedEventID == nil && ev.FileSize > 0:
		ev.State = eventdb.StateReceived
	default:
		ev.State = eventdb.StateDownloaded
	}
}

// targetPath reconstructs the event file's current relative path.
func (r *remoteBase) targetPath(tx *sqlx.Tx) (string, *eventdb.File, error) {
	f, err := eventdb.GetFile(tx, r.event.FileID)
	if err != nil {
		return "", nil, err
	}
	path, err := eventdb.PathForFile(tx, f)
	if err != nil {
		return "", nil, err
	}
	return path, f, nil
}

// readyToApplyCommon is the shared gate of _ready_to_apply: the parent
// folder must itself be applied, and no other file at the same
// (folder, name) may still have local events in flight.
func (r *remoteBase) readyToApplyCommon(tx *sqlx.Tx) (bool, error) {
	f, err := eventdb.GetFile(tx, r.event.FileID)
	if err != nil {
		return false, err
	}
	if f.FolderID != nil {
		parent, err := eventdb.GetFile(tx, *f.FolderID)
		if err != nil {
			if err == eventdb.ErrNotFound {
				return false, ErrParentDeleted
			}
			return false, err
		}
		if parent.EventID == nil && parent.LastSkippedEventID == nil {
			return false, nil
		}
	}

	other, err := eventdb.FindConflictingFileOrFolder(tx, f.FolderID, r.event.FileName, f.ID)
	if err == nil {
		last, err := eventdb.LastEventForFile(tx, other.ID)
		if err == nil && (last.State == eventdb.StateOccured || last.State == eventdb.StateConflicted) {
			return false, nil
		}
	} else if err != eventdb.ErrNotFound {
		return false, err
	}
	return true, nil
}

// advance moves the file's applied pointer to this event (the
// received→downloaded→applied terminal transition of spec §4.5).
func (r *remoteBase) advance(tx *sqlx.Tx) error {
	id := r.event.ID
	return eventdb.SetFileEventID(tx, r.event.FileID, &id, r.event.FileName)
}

// ---- Create ----------------------------------------------------------

// RemoteCreateFile materializes a file another peer created: state is
// received (needs the copy) or downloaded (empty file) at ingest; apply
// creates the file from the copy store or as an empty file.
type RemoteCreateFile struct{ remoteBase }

func (s *RemoteCreateFile) ReadyToApply(tx *sqlx.Tx) (bool, error) {
	return s.readyToApplyCommon(tx)
}

func (s *RemoteCreateFile) Download(ctx context.Context, tx *sqlx.Tx, dm DownloadManager) (bool, error) {
	ev := &s.event
	if ev.FileSize == 0 || ev.FileHash == nil {
		return true, nil
	}
	if s.services.Content.CopyExists(*ev.FileHash) {
		return true, nil
	}
	return false, dm.DownloadCopy(ctx, *ev.FileHash, ev.FileSize)
}

func (s *RemoteCreateFile) Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	path, _, err := s.targetPath(tx)
	if err != nil {
		return err
	}
	ev := &s.event
	hash := ""
	if ev.FileHash != nil {
		hash = *ev.FileHash
	}
	if ev.FileSize == 0 {
		if err := fs.CreateEmptyFile(path, hash); err != nil {
			return err
		}
	} else {
		if !content.CopyExists(hash) {
			s.mustDownloadCopy = true
			return ErrSkipEventForNow
		}
		if err := fs.CreateFileFromCopy(path, content.CopyPath(hash)); err != nil {
			return err
		}
	}
	return s.advance(tx)
}

// ProcessConflict resolves the create-create race of scenario S3 in the
// remote direction: the other file already holding the name is renamed
// to a conflicting name (in the database and on disk) and this remote
// file keeps the name, so both survive under distinct names.
func (s *RemoteCreateFile) ProcessConflict(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	f, err := eventdb.GetFile(tx, s.event.FileID)
	if err != nil {
		return err
	}
	other, err := eventdb.FindConflictingFileOrFolder(tx, f.FolderID, s.event.FileName, f.ID)
	if err != nil {
		if err == eventdb.ErrNotFound {
			return nil
		}
		return err
	}
	newName, err := resolveCreateConflict(tx, other, s.event.Timestamp())
	if err != nil {
		return err
	}
	oldPath, err := eventdb.PathForFile(tx, other)
	if err == nil && fs != nil && fs.Exists(oldPath) {
		newPath := replaceLastSegment(oldPath, newName)
		if err := fs.Move(oldPath, newPath); err != nil {
			return fmt.Errorf("strategies: rename conflicting copy on disk: %w", err)
		}
	}
	return nil
}

func replaceLastSegment(path, name string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i+1] + name
	}
	return name
}

// RemoteCreateFolder mirrors RemoteCreateFile for folders; there is
// nothing to download, and orphaned children that arrived first are
// attached on apply.
type RemoteCreateFolder struct{ remoteBase }

func (s *RemoteCreateFolder) ReadyToApply(tx *sqlx.Tx) (bool, error) {
	return s.readyToApplyCommon(tx)
}

func (s *RemoteCreateFolder) Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	path, f, err := s.targetPath(tx)
	if err != nil {
		return err
	}
	if err := fs.CreateFolder(path); err != nil {
		return err
	}
	if f.UUID != nil {
		if err := eventdb.AttachOrphansToFolder(tx, f.ID, *f.UUID); err != nil {
			return err
		}
	}
	return s.advance(tx)
}

// ProcessConflict merges with an existing local folder of the same name
// rather than renaming, matching the local-side folder merge rule.
func (s *RemoteCreateFolder) ProcessConflict(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	f, err := eventdb.GetFile(tx, s.event.FileID)
	if err != nil {
		return err
	}
	other, err := eventdb.FindConflictingFileOrFolder(tx, f.FolderID, s.event.FileName, f.ID)
	if err != nil {
		if err == eventdb.ErrNotFound {
			return nil
		}
		return err
	}
	if other.IsFolder {
		log.Debugf("merging remote folder %s into existing local folder %d", s.event.FileName, other.ID)
		return nil
	}
	_, err = resolveCreateConflict(tx, other, s.event.Timestamp())
	return err
}

// ---- Update ----------------------------------------------------------

// RemoteUpdateFile downloads either a patch or the whole file (spec
// §4.5.1) and applies it in place; a failed patch apply downgrades the
// event back to received and forces a whole-file download (spec §7).
type RemoteUpdateFile struct{ remoteBase }

// decideDownload evaluates the patch-vs-whole-file decision against the
// file's current row; the result is cached on the strategy for Apply.
func (s *RemoteUpdateFile) decideDownload(tx *sqlx.Tx, now time.Time) error {
	f, err := eventdb.GetFile(tx, s.event.FileID)
	if err != nil {
		return err
	}
	s.fileDownload = ShouldDownloadWholeFile(&s.event, f, s.services.Content, PatchDecisionParams{
		MinDiffSize:      s.services.MinDiffSize,
		PatchWaitTimeout: s.services.PatchWaitTimeout,
		DownloadBackups:  s.services.DownloadBackups(),
		MustDownloadCopy: s.mustDownloadCopy,
	}, now)
	return nil
}

func (s *RemoteUpdateFile) ReadyToApply(tx *sqlx.Tx) (bool, error) {
	return s.readyToApplyCommon(tx)
}

func (s *RemoteUpdateFile) Download(ctx context.Context, tx *sqlx.Tx, dm DownloadManager) (bool, error) {
	if err := s.decideDownload(tx, time.Now()); err != nil {
		return false, err
	}
	ev := &s.event

	if !s.fileDownload {
		if ev.DiffFileUUID == nil {
			return false, fmt.Errorf("strategies: update event %s wants patch but has no diff uuid", ev.UUID)
		}
		if s.services.Content.PatchExists(*ev.DiffFileUUID) {
			return true, nil
		}
		s.services.Content.ActivatePatch(*ev.DiffFileUUID)
		return false, dm.DownloadPatch(ctx, *ev.DiffFileUUID, orZero(ev.DiffFileSize))
	}

	if ev.FileHash == nil {
		return false, fmt.Errorf("strategies: update event %s has no file hash", ev.UUID)
	}
	if s.services.Content.CopyExists(*ev.FileHash) {
		return true, nil
	}
	return false, dm.DownloadCopy(ctx, *ev.FileHash, ev.FileSize)
}

func (s *RemoteUpdateFile) Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	path, _, err := s.targetPath(tx)
	if err != nil {
		return err
	}
	ev := &s.event

	if !s.fileDownload && ev.DiffFileUUID != nil {
		ok, err := fs.ApplyPatch(path, content.PatchPath(*ev.DiffFileUUID))
		if err != nil || !ok {
			log.Debugf("patch apply failed for %s: %v", path, err)
			s.mustDownloadCopy = true
			s.fileDownload = true
			if err := eventdb.UpdateEventState(tx, []eventdb.EventID{ev.ID}, eventdb.StateReceived); err != nil {
				return err
			}
			return ErrPatchApplyFailed
		}
		return s.advance(tx)
	}

	hash := ""
	if ev.FileHash != nil {
		hash = *ev.FileHash
	}
	if ev.FileSize == 0 {
		if err := fs.CreateEmptyFile(path, hash); err != nil {
			return err
		}
	} else {
		if !content.CopyExists(hash) {
			return ErrSkipEventForNow
		}
		if err := fs.CreateFileFromCopy(path, content.CopyPath(hash)); err != nil {
			return err
		}
	}
	return s.advance(tx)
}

// ---- Move ------------------------------------------------------------

// RemoteMove reparents and renames atomically; moves into an excluded
// directory are translated into a local delete, and moves out of one
// into a create (spec §4.5 table, scenario S5).
type RemoteMove struct{ remoteBase }

func (s *RemoteMove) ReadyToApply(tx *sqlx.Tx) (bool, error) {
	if s.event.FolderUUID != nil && *s.event.FolderUUID != "" {
		parent, err := eventdb.FindFolderByUUID(tx, *s.event.FolderUUID)
		if err != nil {
			if err == eventdb.ErrNotFound {
				return false, nil
			}
			return false, err
		}
		if parent.EventID == nil && parent.LastSkippedEventID == nil {
			return false, nil
		}
	}
	return s.readyToApplyCommon(tx)
}

func (s *RemoteMove) Download(ctx context.Context, tx *sqlx.Tx, dm DownloadManager) (bool, error) {
	ev := &s.event
	// A move only downloads when it doubles as the file's first
	// materialization (the create happened inside an excluded dir and
	// was never applied).
	if ev.State != eventdb.StateReceived || ev.FileSize == 0 || ev.FileHash == nil {
		return true, nil
	}
	if s.services.Content.CopyExists(*ev.FileHash) {
		return true, nil
	}
	return false, dm.DownloadCopy(ctx, *ev.FileHash, ev.FileSize)
}

func (s *RemoteMove) Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	oldPath, f, err := s.targetPath(tx)
	if err != nil {
		return err
	}
	ev := &s.event

	var newFolderID *eventdb.FileID
	newParentPath := ""
	if ev.FolderUUID != nil && *ev.FolderUUID != "" {
		parent, err := eventdb.FindFolderByUUID(tx, *ev.FolderUUID)
		if err != nil {
			if err == eventdb.ErrNotFound {
				return ErrParentDeleted
			}
			return err
		}
		newFolderID = &parent.ID
		if newParentPath, err = eventdb.PathForFile(tx, parent); err != nil {
			return err
		}
	}
	newPath := ev.FileName
	if newParentPath != "" {
		newPath = newParentPath + "/" + ev.FileName
	}

	srcExcluded := f.Excluded || isUnderAny(oldPath, s.services.ExcludedDirs)
	dstExcluded := isUnderAny(newPath, s.services.ExcludedDirs)

	switch {
	case dstExcluded && !srcExcluded:
		// Move into an excluded subtree: locally this is a delete.
		if fs.Exists(oldPath) {
			if err := fs.Delete(oldPath, ev.IsFolder); err != nil {
				return err
			}
		}
		if err := eventdb.SetFileFolderID(tx, f.ID, newFolderID); err != nil {
			return err
		}
		if err := eventdb.MarkChildExcluded(tx, f.ID, true); err != nil {
			return err
		}
	case srcExcluded && !dstExcluded:
		// Move out of an excluded subtree: locally this is a create at
		// the destination; the source entity, if it exists, goes away.
		if fs.Exists(oldPath) {
			if err := fs.Delete(oldPath, ev.IsFolder); err != nil {
				return err
			}
		}
		if err := s.materialize(newPath, fs, content); err != nil {
			return err
		}
		if err := eventdb.SetFileFolderID(tx, f.ID, newFolderID); err != nil {
			return err
		}
		if err := eventdb.MarkChildExcluded(tx, f.ID, false); err != nil {
			return err
		}
	default:
		if fs.Exists(oldPath) {
			if err := fs.Move(oldPath, newPath); err != nil {
				return err
			}
		}
		if err := eventdb.SetFileFolderID(tx, f.ID, newFolderID); err != nil {
			return err
		}
	}
	return s.advance(tx)
}

func (s *RemoteMove) materialize(path string, fs FileSystem, content *contentstore.Store) error {
	ev := &s.event
	if ev.IsFolder {
		return fs.CreateFolder(path)
	}
	hash := ""
	if ev.FileHash != nil {
		hash = *ev.FileHash
	}
	if ev.FileSize > 0 && content.CopyExists(hash) {
		return fs.CreateFileFromCopy(path, content.CopyPath(hash))
	}
	return fs.CreateEmptyFile(path, hash)
}

// ---- Delete ----------------------------------------------------------

// RemoteDelete accepts a deletion another peer performed. In
// download-backups mode the file's last content is kept restorable: the
// reverse patch (or the pre-delete copy) is prefetched before the
// filesystem entity goes away. erase_nested deletes sweep the whole
// subtree's events and references in one page-scanned pass (spec §4.5.3).
type RemoteDelete struct{ remoteBase }

func (s *RemoteDelete) AddToLocalDatabase(tx *sqlx.Tx) error {
	ev := &s.event

	if ev.EraseNested {
		if s.fileUUID == "" {
			return fmt.Errorf("strategies: erase_nested delete %s has no folder uuid", ev.UUID)
		}
		erased, err := EraseNested(tx, s.services.Content, s.fileUUID)
		if err != nil {
			return err
		}
		s.erasedCount = erased
	}

	if err := s.remoteBase.AddToLocalDatabase(tx); err != nil {
		return err
	}

	if !ev.IsFolder && s.services.DownloadBackups() && ev.RevDiffFileUUID != nil && orZero(ev.RevDiffFileSize) > 0 {
		reason := fmt.Sprintf("delete backup. Event %s. File %s", ev.UUID, ev.FileName)
		s.services.Content.AddReversePatch(*ev.RevDiffFileUUID, reason, orZero(ev.RevDiffFileSize), true, true)
	}

	if ev.IsFolder && !ev.EraseNested {
		if err := s.addDummyDeletes(tx); err != nil {
			return err
		}
	}
	return nil
}

// addDummyDeletes synthesizes one delete per live descendant of a
// remotely deleted folder, so local state converges without waiting for
// per-file deletes the coordinator will never send (spec §4.5.3).
func (s *RemoteDelete) addDummyDeletes(tx *sqlx.Tx) error {
	if s.fileUUID == "" {
		return nil
	}
	err := eventdb.GetFilesByFolderUUID(tx, s.fileUUID, true, false, func(f *eventdb.File) error {
		_, err := GenerateDummyDelete(tx, f)
		return err
	})
	if err == eventdb.ErrNotFound {
		return nil
	}
	return err
}

func (s *RemoteDelete) ReadyToApply(tx *sqlx.Tx) (bool, error) {
	// Deletes don't wait on the shared conflict gate; the entity is
	// going away regardless.
	return true, nil
}

func (s *RemoteDelete) SkipIfFileWillBeDeleted() bool { return true }

func (s *RemoteDelete) Download(ctx context.Context, tx *sqlx.Tx, dm DownloadManager) (bool, error) {
	ev := &s.event
	if ev.IsFolder || !s.services.DownloadBackups() {
		return true, nil
	}
	// Backup restoration path: make sure the pre-delete content stays
	// reachable even after the filesystem entity is gone.
	if orZero(ev.FileSizeBeforeEvent) > 0 && ev.FileHashBeforeEvent != nil &&
		!s.services.Content.CopyExists(*ev.FileHashBeforeEvent) {
		return false, dm.DownloadCopy(ctx, *ev.FileHashBeforeEvent, orZero(ev.FileSizeBeforeEvent))
	}
	return true, nil
}

func (s *RemoteDelete) Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	path, _, err := s.targetPath(tx)
	if err != nil {
		if err == eventdb.ErrNotFound {
			return nil
		}
		return err
	}
	if fs.Exists(path) {
		if err := fs.Delete(path, s.event.IsFolder); err != nil {
			return err
		}
	}
	return s.advance(tx)
}

// ---- Restore ---------------------------------------------------------

// RemoteRestore is the reverse of a delete: the file's content is
// re-materialized from the local backup when one is held, or downloaded
// when it is not (spec §4.5 table).
type RemoteRestore struct{ remoteBase }

func (s *RemoteRestore) AddToLocalDatabase(tx *sqlx.Tx) error {
	if err := s.remoteBase.AddToLocalDatabase(tx); err != nil {
		return err
	}
	// A restore replays as a create: the file's applied pointer is
	// reset so the loader surfaces this event as the file's first.
	return eventdb.SetFileEventID(tx, s.event.FileID, nil, s.event.FileName)
}

func (s *RemoteRestore) ReadyToApply(tx *sqlx.Tx) (bool, error) {
	return s.readyToApplyCommon(tx)
}

func (s *RemoteRestore) Download(ctx context.Context, tx *sqlx.Tx, dm DownloadManager) (bool, error) {
	ev := &s.event
	if ev.IsFolder || ev.FileSize == 0 || ev.FileHash == nil {
		return true, nil
	}
	if s.services.Content.CopyExists(*ev.FileHash) {
		return true, nil
	}
	return false, dm.DownloadCopy(ctx, *ev.FileHash, ev.FileSize)
}

func (s *RemoteRestore) Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error {
	path, _, err := s.targetPath(tx)
	if err != nil {
		return err
	}
	ev := &s.event
	if ev.IsFolder {
		if err := fs.CreateFolder(path); err != nil {
			return err
		}
		return s.advance(tx)
	}
	hash := ""
	if ev.FileHash != nil {
		hash = *ev.FileHash
	}
	if ev.FileSize == 0 {
		if err := fs.CreateEmptyFile(path, hash); err != nil {
			return err
		}
	} else {
		if !content.CopyExists(hash) {
			return ErrSkipEventForNow
		}
		if err := fs.CreateFileFromCopy(path, content.CopyPath(hash)); err != nil {
			return err
		}
	}
	return s.advance(tx)
}
