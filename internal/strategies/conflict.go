package strategies

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/eventdb"
)

// conflictTimeFormat matches the "foo (conflicted <timestamp>).txt"
// shape spec §4.5.2 and scenario S3 name literally.
const conflictTimeFormat = "2006-01-02 15-04-05"

// ConflictingName appends a unique "(conflicted <timestamp>)" suffix
// ahead of the extension, generating a name guaranteed not to collide
// with name within the same instant by taking the first name the
// exists callback reports as free.
func ConflictingName(name string, now time.Time, exists func(candidate string) bool) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for attempt := 0; ; attempt++ {
		ts := now
		if attempt > 0 {
			ts = now.Add(time.Duration(attempt) * time.Second)
		}
		candidate := fmt.Sprintf("%s (conflicted %s)%s", base, ts.Format(conflictTimeFormat), ext)
		if exists == nil || !exists(candidate) {
			return candidate
		}
	}
}

// resolveCreateConflict implements spec §4.5.2 for a create-create race:
// the invariant "two local files with the same (folder, name) must never
// persist" is restored by renaming the losing file row passed in to a
// conflicting copy name. It returns the new name; it records no event
// and does not touch the filesystem.
func resolveCreateConflict(tx *sqlx.Tx, losing *eventdb.File, now time.Time) (string, error) {
	newName := ConflictingName(losing.Name, now, func(candidate string) bool {
		_, err := eventdb.FindConflictingFileOrFolder(tx, losing.FolderID, candidate, losing.ID)
		return err == nil
	})
	if err := eventdb.SetFileEventID(tx, losing.ID, losing.EventID, newName); err != nil {
		return "", fmt.Errorf("strategies: rename conflicting file: %w", err)
	}
	return newName, nil
}

// restoreLastNonConflictingState is the lookup half of the update-conflict
// path of spec §4.5.2: it returns the file's latest sent-or-downloaded,
// non-delete event, whose hash the caller uses for the conflicting copy.
// It changes nothing itself.
func restoreLastNonConflictingState(tx *sqlx.Tx, fileID eventdb.FileID) (*eventdb.Event, error) {
	ev, err := eventdb.LastNonConflictedEvent(tx, fileID)
	if err != nil {
		return nil, err
	}
	return ev, nil
}
