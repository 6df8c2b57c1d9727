// Package loader implements the EventLoader component: it selects which
// rows from the event database are next eligible for processing,
// following the precedence order in spec §4.6 rather than a plain FIFO
// scan of the events table.
package loader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/eventdb"
	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("loader")

// EventsQueryLimit bounds every query below to at most this many rows,
// mirroring the original implementation's EVENTS_QUERY_LIMIT.
const EventsQueryLimit = 100

// Loader selects batches of remote events ready for processing and
// identifies trailing delete events that can fast-forward a chain of
// skipped events instead of being applied one at a time.
type Loader struct {
	excludedDirs []string
}

// New constructs a Loader. excludedDirs are '/'-separated relative
// paths (already normalized) that, together with the per-folder
// excluded flag, determine whether an event under a now-excluded
// ancestor should still surface to the processor.
func New(excludedDirs []string) *Loader {
	return &Loader{excludedDirs: append([]string(nil), excludedDirs...)}
}

func isContainedInDirs(path string, dirs []string) bool {
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

func inClause(ids []eventdb.FileID) string {
	if len(ids) == 0 {
		return "-1"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ",")
}

// LoadRemoteEvents returns the next batch of remote events to process,
// in the exact precedence spec §4.6 names: folder creation/move events
// take priority over everything else; only once none are pending does
// it fall back to remote file creations (smallest file first), then
// remote non-creation events, then events on files under a newly
// excluded folder; and only if literally nothing else is pending does
// it surface folder deletion events.
func (l *Loader) LoadRemoteEvents(tx *sqlx.Tx, eventsCount int, excludeFiles []eventdb.FileID) ([]eventdb.Event, error) {
	folderEvents, err := l.LoadFoldersEvents(tx, false, excludeFiles)
	if err != nil {
		return nil, err
	}

	var creations, notCreations, excluded []eventdb.Event
	if len(folderEvents) == 0 {
		creations, err = l.LoadRemoteCreationsEvents(tx, eventsCount, excludeFiles)
		if err != nil {
			return nil, err
		}
		eventsCount -= len(creations)

		notCreations, err = l.LoadRemoteNotCreationsEvents(tx, creations, eventsCount, excludeFiles)
		if err != nil {
			return nil, err
		}
		eventsCount -= len(notCreations)

		excluded, err = l.LoadExcludedEvents(tx, eventsCount, excludeFiles)
		if err != nil {
			return nil, err
		}

		if len(creations) == 0 && len(notCreations) == 0 && len(excluded) == 0 && len(excludeFiles) == 0 {
			folderEvents, err = l.LoadFoldersEvents(tx, true, nil)
			if err != nil {
				return nil, err
			}
		}
	}

	out := make([]eventdb.Event, 0, len(folderEvents)+len(creations)+len(notCreations)+len(excluded))
	out = append(out, folderEvents...)
	out = append(out, creations...)
	out = append(out, notCreations...)
	out = append(out, excluded...)
	return out, nil
}

// LoadLocalEvents returns locally-originated events still awaiting
// registration (state occured or conflicted), oldest first, excluding
// files already in flight; after a restart this is how suspended local
// work resumes.
func (l *Loader) LoadLocalEvents(tx *sqlx.Tx, eventsCount int, excludeFiles []eventdb.FileID) ([]eventdb.Event, error) {
	if eventsCount <= 0 {
		return nil, nil
	}
	limit := eventsCount
	if limit > EventsQueryLimit {
		limit = EventsQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT e.* FROM events e
		WHERE e.id IN (
			SELECT MIN(ee.id) FROM events ee
			WHERE ee.state IN ('occured', 'conflicted')
			AND ee.file_id NOT IN (%s)
			GROUP BY ee.file_id
		)
		ORDER BY e.id
		LIMIT %d
	`, inClause(excludeFiles), limit)

	var events []eventdb.Event
	if err := tx.Select(&events, query); err != nil {
		return nil, fmt.Errorf("loader: load local events: %w", err)
	}
	if len(events) > 0 {
		log.Debugf("local events loaded: %d", len(events))
	}
	return events, nil
}

// LoadFoldersEvents returns the latest unhandled creation/move event
// (deleted=false) or deletion event (deleted=true) for each folder not
// itself excluded, restricted to folders whose parent chain is already
// applied (or itself excluded, so its descendants still surface).
func (l *Loader) LoadFoldersEvents(tx *sqlx.Tx, deleted bool, excludeFiles []eventdb.FileID) ([]eventdb.Event, error) {
	cmp := "<>"
	if deleted {
		cmp = "="
	}
	query := fmt.Sprintf(`
		SELECT final_e.* FROM events final_e
		WHERE final_e.id IN (
			SELECT MAX(unhandled_e.id) FROM events unhandled_e, files unhandled_f
			WHERE unhandled_f.id = unhandled_e.file_id
			AND NOT unhandled_f.excluded
			AND unhandled_f.is_folder
			AND unhandled_e.file_id NOT IN (%s)
			AND unhandled_e.state IN ('received', 'downloaded')
			AND (
				(unhandled_f.event_id IS NULL AND unhandled_f.last_skipped_event_id IS NULL)
				OR (unhandled_f.last_skipped_event_id IS NULL AND unhandled_f.event_id < unhandled_e.id)
				OR (unhandled_f.last_skipped_event_id IS NOT NULL AND unhandled_f.last_skipped_event_id < unhandled_e.id AND unhandled_f.event_id IS NULL)
				OR (unhandled_f.last_skipped_event_id IS NOT NULL AND unhandled_f.last_skipped_event_id < unhandled_e.id AND unhandled_f.event_id < unhandled_f.last_skipped_event_id)
			)
			AND unhandled_e.server_event_id IS NOT NULL
			GROUP BY unhandled_f.id
		)
		AND (
			final_e.folder_uuid IS NULL
			OR final_e.folder_uuid IN (
				SELECT processed_f.uuid FROM files processed_f, events processed_e
				WHERE processed_f.is_folder
				AND processed_f.id = processed_e.file_id
				AND NOT processed_f.excluded
				AND processed_f.event_id IN (
					SELECT MAX(existing_e.id) FROM events existing_e
					WHERE existing_e.is_folder
					GROUP BY existing_e.file_id
				)
			)
			OR final_e.folder_uuid IN (
				SELECT excluded_f.uuid FROM files excluded_f
				WHERE excluded_f.excluded AND excluded_f.is_folder
			)
		)
		AND final_e.type %s 'delete'
		ORDER BY final_e.id
		LIMIT %d
	`, inClause(excludeFiles), cmp, EventsQueryLimit)

	var events []eventdb.Event
	if err := tx.Select(&events, query); err != nil {
		return nil, fmt.Errorf("loader: load folders events: %w", err)
	}
	if len(events) > 0 {
		log.Debugf("folders events loaded: %d", len(events))
	}
	return events, nil
}

// LoadRemoteCreationsEvents returns, for each not-yet-applied file with
// no prior event of its own, its single newest remote creation event,
// sorted smallest file_size first so small files download ahead of
// large ones.
func (l *Loader) LoadRemoteCreationsEvents(tx *sqlx.Tx, eventsCount int, excludeFiles []eventdb.FileID) ([]eventdb.Event, error) {
	if eventsCount <= 0 {
		return nil, nil
	}
	limit := eventsCount
	if limit > EventsQueryLimit {
		limit = EventsQueryLimit
	}

	query := fmt.Sprintf(`
		SELECT p.* FROM events p
		WHERE p.id IN (
			SELECT MAX(e.id) FROM events e, files f
			WHERE f.id = e.file_id
			AND NOT f.excluded
			AND NOT f.is_folder
			AND f.event_id IS NULL
			AND f.last_skipped_event_id IS NULL
			AND e.server_event_id IS NOT NULL
			AND e.file_id NOT IN (%s)
			GROUP BY f.id
		)
		AND p.type <> 'delete'
		ORDER BY p.id
		LIMIT %d
	`, inClause(excludeFiles), limit)

	var events []eventdb.Event
	if err := tx.Select(&events, query); err != nil {
		return nil, fmt.Errorf("loader: load remote creations: %w", err)
	}
	sort.SliceStable(events, func(i, j int) bool { return events[i].FileSize < events[j].FileSize })
	if len(events) > 0 {
		log.Debugf("remote creations loaded: %d", len(events))
	}
	return events, nil
}

// LoadRemoteNotCreationsEvents returns the earliest unapplied remote
// event for every existing, already-created file, excluding any file
// already represented in creationEvents (those are handled above).
func (l *Loader) LoadRemoteNotCreationsEvents(tx *sqlx.Tx, creationEvents []eventdb.Event, eventsCount int, excludeFiles []eventdb.FileID) ([]eventdb.Event, error) {
	if eventsCount <= 0 {
		return nil, nil
	}
	limit := eventsCount
	if limit > EventsQueryLimit {
		limit = EventsQueryLimit
	}

	excludeAll := append([]eventdb.FileID(nil), excludeFiles...)
	for _, ev := range creationEvents {
		excludeAll = append(excludeAll, ev.FileID)
	}

	nullEventIDClause := ""
	if len(creationEvents) == 0 {
		nullEventIDClause = "OR (f.event_id IS NULL AND f.last_skipped_event_id IS NULL)"
	}

	query := fmt.Sprintf(`
		SELECT final_e.* FROM events final_e
		WHERE final_e.id IN (
			SELECT MIN(e.id) FROM events e, files f
			WHERE f.id = e.file_id
			AND NOT f.excluded
			AND NOT f.is_folder
			AND e.file_id NOT IN (%s)
			AND e.server_event_id IS NOT NULL
			AND e.state IN ('received', 'downloaded')
			AND (
				(f.last_skipped_event_id IS NULL AND f.event_id < e.id)
				OR (f.last_skipped_event_id IS NOT NULL AND f.last_skipped_event_id < e.id AND f.event_id IS NULL)
				OR (f.last_skipped_event_id IS NOT NULL AND f.last_skipped_event_id < e.id AND f.event_id <= f.last_skipped_event_id)
				OR (f.last_skipped_event_id IS NOT NULL AND f.last_skipped_event_id < e.id AND f.event_id IS NOT NULL AND f.event_id < e.id)
				%s
			)
			GROUP BY f.id
		)
		ORDER BY final_e.id
		LIMIT %d
	`, inClause(excludeAll), nullEventIDClause, limit)

	var events []eventdb.Event
	if err := tx.Select(&events, query); err != nil {
		return nil, fmt.Errorf("loader: load remote non-creations: %w", err)
	}
	if len(events) > 0 {
		log.Debugf("remote non-creations loaded: %d", len(events))
	}
	return events, nil
}

// LoadExcludedEvents surfaces the latest event on every file beneath a
// folder that was moved out of (or never in) a still-excluded subtree,
// paging through candidates and filtering out any whose reconstructed
// path still falls under one of the Loader's excludedDirs.
func (l *Loader) LoadExcludedEvents(tx *sqlx.Tx, eventsCount int, excludeFiles []eventdb.FileID) ([]eventdb.Event, error) {
	if eventsCount <= 0 {
		return nil, nil
	}
	limit := eventsCount
	if limit > EventsQueryLimit {
		limit = EventsQueryLimit
	}

	var excludedUUIDs []string
	if err := tx.Select(&excludedUUIDs, `SELECT uuid FROM files WHERE is_folder = 1 AND excluded = 1 AND uuid IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("loader: load excluded folder uuids: %w", err)
	}
	uuidClause := "NULL"
	if len(excludedUUIDs) > 0 {
		quoted := make([]string, len(excludedUUIDs))
		for i, u := range excludedUUIDs {
			quoted[i] = "'" + strings.ReplaceAll(u, "'", "''") + "'"
		}
		uuidClause = strings.Join(quoted, ",")
	}

	var out []eventdb.Event
	offset := 0
	for {
		query := fmt.Sprintf(`
			SELECT final_e.* FROM events final_e
			WHERE final_e.id IN (
				SELECT MAX(last_event.id) FROM events last_event
				WHERE last_event.file_id IN (
					SELECT moved_file.id FROM events move_event, files moved_file
					WHERE moved_file.id = move_event.file_id
					AND move_event.id IN (
						SELECT MAX(event.id) FROM events event, files file
						WHERE file.id = event.file_id
						AND file.excluded
						AND event.type = 'move'
						GROUP BY file.id
					)
					AND move_event.file_id NOT IN (%s)
					AND (move_event.folder_uuid IS NULL OR move_event.folder_uuid NOT IN (%s))
				)
				GROUP BY last_event.file_id
			)
			ORDER BY final_e.is_folder DESC, final_e.id
			LIMIT %d OFFSET %d
		`, inClause(excludeFiles), uuidClause, EventsQueryLimit, offset)

		var page []eventdb.Event
		if err := tx.Select(&page, query); err != nil {
			return nil, fmt.Errorf("loader: load excluded events: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, ev := range page {
			path, err := l.pathForEvent(tx, &ev)
			if err != nil {
				return nil, err
			}
			if !isContainedInDirs(path, l.excludedDirs) {
				out = append(out, ev)
			}
		}
		if len(page) < EventsQueryLimit || len(out) >= limit {
			break
		}
		offset += EventsQueryLimit
	}
	if len(out) > 0 {
		log.Debugf("excluded events loaded: %d", len(out))
	}
	return out, nil
}

func (l *Loader) pathForEvent(tx *sqlx.Tx, ev *eventdb.Event) (string, error) {
	f, err := eventdb.GetFile(tx, ev.FileID)
	if err != nil {
		return "", err
	}
	return eventdb.PathForFile(tx, f)
}

// SkipEntry pairs a trailing delete event with the file it deletes, or
// (for LoadExistingFilesToSkip) with the last-applied event id it can
// fast-forward past.
type SkipEntry struct {
	EventID eventdb.EventID `db:"event_id"`
	FileID  eventdb.FileID  `db:"file_id"`
}

// LoadNewFilesToSkip finds trailing delete events for files that were
// never applied locally (no event_id/last_skipped_event_id yet), so the
// whole chain of remote events for that file can be discarded in one
// step instead of applied-then-deleted.
func (l *Loader) LoadNewFilesToSkip(tx *sqlx.Tx, limit int) ([]SkipEntry, int, error) {
	query := fmt.Sprintf(`
		SELECT final_e.id AS event_id, final_e.file_id AS file_id
		FROM events final_e
		INNER JOIN files f ON final_e.file_id = f.id
		WHERE final_e.id = (
			SELECT ee.id FROM events ee WHERE ee.file_id = final_e.file_id ORDER BY ee.id DESC LIMIT 1
		)
		AND NOT f.excluded
		AND final_e.server_event_id IS NOT NULL
		AND (
			(f.event_id IS NULL AND f.last_skipped_event_id IS NULL)
			OR (f.event_id IS NOT NULL AND f.event_id = final_e.last_event_id AND final_e.server_event_id < 0)
		)
		AND NOT final_e.erase_nested
		AND final_e.type = 'delete'
		LIMIT %d
	`, limit)

	var entries []SkipEntry
	if err := tx.Select(&entries, query); err != nil {
		return nil, 0, fmt.Errorf("loader: load new files to skip: %w", err)
	}
	return entries, len(entries), nil
}

// LoadExistingFilesToSkip finds trailing delete events for files whose
// locally-applied state already sits behind last_event_id, allowing the
// intervening events to be fast-forwarded past rather than replayed.
func (l *Loader) LoadExistingFilesToSkip(tx *sqlx.Tx, limit int) ([]SkipEntry, int, error) {
	query := fmt.Sprintf(`
		SELECT final_e.last_event_id AS event_id, final_e.file_id AS file_id
		FROM events final_e
		INNER JOIN files f ON final_e.file_id = f.id
		WHERE final_e.id = (
			SELECT ee.id FROM events ee WHERE ee.file_id = final_e.file_id ORDER BY ee.id DESC LIMIT 1
		)
		AND NOT f.excluded
		AND final_e.server_event_id IS NOT NULL
		AND (
			(f.event_id IS NOT NULL AND f.event_id < final_e.last_event_id)
			OR (f.last_skipped_event_id IS NOT NULL AND f.last_skipped_event_id < final_e.last_event_id)
		)
		AND final_e.type = 'delete'
		LIMIT %d
	`, limit)

	var entries []SkipEntry
	if err := tx.Select(&entries, query); err != nil {
		return nil, 0, fmt.Errorf("loader: load existing files to skip: %w", err)
	}
	return entries, len(entries), nil
}
