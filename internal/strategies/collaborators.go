package strategies

import "context"

// FileSystem is the external collaborator spec §1 carves out of scope
// ("the filesystem watcher and raw file I/O primitives"): strategies
// drive it but never implement it.
type FileSystem interface {
	CreateEmptyFile(path, hash string) error
	CreateFolder(path string) error
	CreateFileFromCopy(path, copyPath string) error
	ApplyPatch(path, patchPath string) (ok bool, err error)
	Delete(path string, isDirectory bool) error
	Move(oldPath, newPath string) error
	Exists(path string) bool
	CopyFile(path, newPath string) error
}

// CoordinatorResult mirrors the JSON envelope every coordinator REST
// call returns (spec §6): {result, errcode?, info?, data?, error_data?}.
type CoordinatorResult struct {
	Success       bool
	ErrCode       string
	ServerEventID int64
	Info          map[string]interface{}
	ErrorData     map[string]interface{}
}

// Coordinator is the REST API external collaborator (spec §6). Each
// method corresponds to one of file_event_create/update/delete/move and
// their folder_event_* equivalents.
type Coordinator interface {
	FileEventCreate(ctx context.Context, eventUUID, fileUUID, folderUUID, fileName, fileHash string, fileSize int64) (CoordinatorResult, error)
	FileEventUpdate(ctx context.Context, eventUUID, fileUUID string, lastEventID int64, fileHash string, fileSize, diffFileSize, revDiffFileSize int64) (CoordinatorResult, error)
	FileEventDelete(ctx context.Context, eventUUID, fileUUID string, lastEventID int64) (CoordinatorResult, error)
	FileEventMove(ctx context.Context, eventUUID, fileUUID, newFolderUUID, newName string, lastEventID int64) (CoordinatorResult, error)
	FolderEventCreate(ctx context.Context, eventUUID, folderUUID, parentUUID, name string) (CoordinatorResult, error)
	FolderEventUpdate(ctx context.Context, eventUUID, folderUUID string, lastEventID int64) (CoordinatorResult, error)
	FolderEventDelete(ctx context.Context, eventUUID, folderUUID string, lastEventID int64) (CoordinatorResult, error)
	FolderEventMove(ctx context.Context, eventUUID, folderUUID, newParentUUID, newName string, lastEventID int64) (CoordinatorResult, error)
}

// Recognized error codes (spec §6).
const (
	ErrLicenseAccess              = "LICENSE_ACCESS"
	ErrCollaborationAccess        = "COLLABORATION_ACCESS"
	ErrFSSync                     = "FS_SYNC"
	ErrFSSyncParentNotFound       = "FS_SYNC_PARENT_NOT_FOUND"
	ErrFSSyncNotFound             = "FS_SYNC_NOT_FOUND"
	ErrFileNotChanged             = "FILE_NOT_CHANGED"
	ErrWrongData                  = "WRONG_DATA"
	ErrFSSyncCollaborationMove    = "FS_SYNC_COLLABORATION_MOVE"
	ErrLocalCollaborationDelete   = "LOCAL_COLLABORATION_DELETE"
)

// DownloadManager is the external collaborator spec §4.5 names as an
// interface only: the core enqueues downloads by hash or patch id and
// is notified through the processor's completion path when the blob
// lands in ContentStore.
type DownloadManager interface {
	DownloadCopy(ctx context.Context, hash string, size int64) error
	DownloadPatch(ctx context.Context, patchUUID string, size int64) error
}

// CoordinatorError is a registration rejection carrying the errcode the
// processor routes on (spec §7, "routed by errcode through a routing
// table").
type CoordinatorError struct {
	Code string
	Info map[string]interface{}
}

func (e *CoordinatorError) Error() string {
	return "strategies: coordinator rejected event: " + e.Code
}
