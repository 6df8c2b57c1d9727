package strategies

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
)

// dummyCounter hands out the monotonically-decreasing negative
// server_event_id values spec §4.5.3/§9 require: dummy events must sort
// last among events sharing a server id ordering, which a negative id
// guarantees against any real (positive) coordinator-assigned id.
var dummyCounter int64

func nextDummyServerEventID() int64 {
	return atomic.AddInt64(&dummyCounter, -1)
}

// GenerateDummyDelete synthesizes the inferred-delete event spec §4.5.3
// describes: the processor observed that f's parent folder was deleted
// remotely while f itself still has live descendants locally, so a
// delete is fabricated for f with a fresh negative server_event_id and
// state=downloaded (it needs no further network round trip; it is
// already "as good as applied" from the processor's point of view).
func GenerateDummyDelete(tx *sqlx.Tx, f *eventdb.File) (eventdb.EventID, error) {
	serverEventID := nextDummyServerEventID()
	ev := &eventdb.Event{
		FileID:        f.ID,
		UUID:          uuid.NewString(),
		ServerEventID: &serverEventID,
		Type:          eventdb.EventDelete,
		IsFolder:      f.IsFolder,
		FileName:      f.Name,
		LastEventID:   f.EventID,
		State:         eventdb.StateDownloaded,
		TimestampNanos: eventdb.NowNanos(),
	}
	return eventdb.InsertEvent(tx, ev)
}

// EraseNested implements the collaboration-revocation sweep of spec
// §4.5.3: every file nested under folderUUID has all its events removed
// and every copy/patch reference they held released, page by page (page
// size 500, matching DUMMY_PAGE_SIZE in the original and the folder
// enumeration page size eventdb.GetFilesByFolderUUID already uses).
// Returns the number of events erased, feeding the processor's
// events_erased counter (spec §4.7).
func EraseNested(tx *sqlx.Tx, content *contentstore.Store, folderUUID string) (int, error) {
	erased := 0
	err := eventdb.GetFilesByFolderUUID(tx, folderUUID, true, true, func(f *eventdb.File) error {
		events, err := eventdb.EventsForFile(tx, f.ID)
		if err != nil {
			return err
		}
		for _, ev := range events {
			releaseEventReferences(content, &ev, "erase_nested")
		}
		n, err := eventdb.DeleteEventsForFile(tx, f.ID)
		if err != nil {
			return err
		}
		erased += n
		if f.IsFolder && f.UUID != nil {
			// Recurse into the subtree before the parent row above is
			// gone; GetFilesByFolderUUID only returns direct children.
			sub, err := EraseNested(tx, content, *f.UUID)
			if err != nil {
				return err
			}
			erased += sub
		}
		if err := eventdb.DeleteFile(tx, f.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return erased, fmt.Errorf("strategies: erase nested: %w", err)
	}
	return erased, nil
}

// releaseEventReferences decrements the ContentStore references an event
// holds: the whole-file copy its file_hash names and, for updates, the
// direct and reverse patches.
func releaseEventReferences(content *contentstore.Store, ev *eventdb.Event, reason string) {
	if ev.FileHash != nil && *ev.FileHash != "" {
		content.RemoveCopyReference(*ev.FileHash, reason, true)
	}
	if ev.FileHashBeforeEvent != nil && *ev.FileHashBeforeEvent != "" {
		content.RemoveCopyReference(*ev.FileHashBeforeEvent, reason, true)
	}
	if ev.Type == eventdb.EventUpdate {
		if ev.DiffFileUUID != nil && *ev.DiffFileUUID != "" {
			content.RemoveDirectPatch(*ev.DiffFileUUID, reason, true)
		}
		if ev.RevDiffFileUUID != nil && *ev.RevDiffFileUUID != "" {
			content.RemoveReversePatch(*ev.RevDiffFileUUID, reason, true)
		}
	}
}
