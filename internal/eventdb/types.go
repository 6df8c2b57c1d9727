package eventdb

import "time"

// FileID and EventID are typed row identifiers so that the rest of the core
// never confuses a file id with an event id at the call site.
type FileID int64

type EventID int64

// EventType enumerates the event.type column (spec §3).
type EventType string

const (
	EventCreate  EventType = "create"
	EventUpdate  EventType = "update"
	EventDelete  EventType = "delete"
	EventMove    EventType = "move"
	EventRestore EventType = "restore"
)

// EventState enumerates the event.state column (spec §3). occured,
// conflicted and sent denote locally-originated events; received and
// downloaded denote remotely-received events; registered is transitional.
type EventState string

const (
	StateOccured    EventState = "occured"
	StateConflicted EventState = "conflicted"
	StateRegistered EventState = "registered"
	StateSent       EventState = "sent"
	StateReceived   EventState = "received"
	StateDownloaded EventState = "downloaded"
)

// File mirrors the files table (spec §3).
type File struct {
	ID                 FileID  `db:"id"`
	UUID               *string `db:"uuid"`
	Name               string  `db:"name"`
	IsFolder           bool    `db:"is_folder"`
	FolderID           *FileID `db:"folder_id"`
	EventID            *EventID `db:"event_id"`
	LastSkippedEventID *EventID `db:"last_skipped_event_id"`
	Excluded           bool    `db:"excluded"`
	IsOffline          bool    `db:"is_offline"`
	IsCollaborated     bool    `db:"is_collaborated"`
	Ignored            bool    `db:"ignored"`
}

// Event mirrors the events table (spec §3). Timestamp is stored as
// INTEGER unix-nano and normalized to time.Time at the SQL boundary,
// resolving spec §9 Open Question (a): the source's string-or-datetime
// ambiguity is never allowed to reach Go code.
type Event struct {
	ID                 EventID    `db:"id"`
	FileID             FileID     `db:"file_id"`
	UUID               string     `db:"uuid"`
	ServerEventID      *int64     `db:"server_event_id"`
	Type               EventType  `db:"type"`
	IsFolder           bool       `db:"is_folder"`
	FileName           string     `db:"file_name"`
	FileNameBeforeEvent *string   `db:"file_name_before_event"`
	FileSize           int64      `db:"file_size"`
	FileSizeBeforeEvent *int64    `db:"file_size_before_event"`
	FileHash           *string    `db:"file_hash"`
	FileHashBeforeEvent *string   `db:"file_hash_before_event"`
	FolderUUID         *string    `db:"folder_uuid"`
	DiffFileUUID       *string    `db:"diff_file_uuid"`
	DiffFileSize       *int64     `db:"diff_file_size"`
	RevDiffFileUUID    *string    `db:"rev_diff_file_uuid"`
	RevDiffFileSize    *int64     `db:"rev_diff_file_size"`
	LastEventID        *EventID   `db:"last_event_id"`
	State              EventState `db:"state"`
	TimestampNanos     int64      `db:"timestamp"`
	Outdated           bool       `db:"outdated"`
	Restore            bool       `db:"restore"`
	EraseNested        bool       `db:"erase_nested"`
	Checked            bool       `db:"checked"`
}

// Timestamp normalizes the stored unix-nano column to a time.Time.
func (e Event) Timestamp() time.Time {
	return time.Unix(0, e.TimestampNanos)
}
