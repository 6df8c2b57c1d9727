// Package strategies implements EventStrategies (spec §4.5): the set of
// per-(direction, type, kind) behaviors that drive a single event through
// the database-insert / coordinator-register / filesystem-apply pipeline.
//
// The source this is ported from models each combination as a class built
// from Local/Remote and Create/Update/Move/Delete/Restore mixins (spec §9
// design note). Here a single Kind x Direction tagged pair selects a
// concrete Go type, and the handful of optional responsibilities spec §4.5
// lists ("a subset of...") are modeled as small capability interfaces a
// concrete strategy implements only when it applies, the same pattern the
// teacher's rwfolder.go/rofolder.go pair uses to share a Puller core while
// diverging on a handful of methods (internal/model/puller.go).
package strategies

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("strategies")

// Direction distinguishes a locally-originated event from one delivered
// by the coordinator on behalf of another peer.
type Direction uint8

const (
	Local Direction = iota
	Remote
)

func (d Direction) String() string {
	if d == Remote {
		return "remote"
	}
	return "local"
}

// Kind enumerates the (operation x is_folder) combinations spec §4.5's
// table lists as distinct rows.
type Kind uint8

const (
	CreateFile Kind = iota
	CreateFolder
	UpdateFile
	MoveFile
	MoveFolder
	DeleteFile
	DeleteFolder
	RestoreFile
	RestoreFolder
)

func kindOf(t eventdb.EventType, isFolder bool) (Kind, error) {
	switch t {
	case eventdb.EventCreate:
		if isFolder {
			return CreateFolder, nil
		}
		return CreateFile, nil
	case eventdb.EventUpdate:
		if isFolder {
			return 0, fmt.Errorf("strategies: update event on folder is not a defined combination")
		}
		return UpdateFile, nil
	case eventdb.EventMove:
		if isFolder {
			return MoveFolder, nil
		}
		return MoveFile, nil
	case eventdb.EventDelete:
		if isFolder {
			return DeleteFolder, nil
		}
		return DeleteFile, nil
	case eventdb.EventRestore:
		if isFolder {
			return RestoreFolder, nil
		}
		return RestoreFile, nil
	default:
		return 0, fmt.Errorf("strategies: unknown event type %q", t)
	}
}

// Strategy is the minimal surface every strategy, local or remote,
// exposes. Further responsibilities (register, apply, conflict
// resolution, download, skip) are optional capability interfaces below;
// a caller type-asserts for the ones relevant to event.State.
type Strategy interface {
	Kind() Kind
	Direction() Direction
	Event() *eventdb.Event
}

// DatabaseAdder inserts the strategy's event (and, if absent, its file
// row) into EventDB. Local strategies are invoked from append_local;
// remote strategies are invoked by the remote-ingest thread inside the
// per-pack transaction (spec §4.7), so the whole pack commits or rolls
// back as one.
type DatabaseAdder interface {
	AddToLocalDatabase(tx *sqlx.Tx) error
}

// ErrEventAlreadyAdded is returned by a remote strategy's
// AddToLocalDatabase when the event's uuid is already present, or when a
// newer event for the same file makes this one moot; applying the same
// remote event twice is a no-op (spec §8).
var ErrEventAlreadyAdded = errors.New("strategies: event already added")

// Registerer submits a locally-originated event to the coordinator.
// ReadyToRegister reports whether any precondition (e.g. delete events
// refuse to register until their predecessor is itself registered,
// spec §4.5 table) is still unmet.
type Registerer interface {
	ReadyToRegister(tx *sqlx.Tx) (bool, error)
	Register(ctx context.Context, coord Coordinator) error
}

// Applier applies an already-downloaded remote event to the local
// filesystem. Only remote strategies implement it.
type Applier interface {
	ReadyToApply(tx *sqlx.Tx) (bool, error)
	Apply(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error
}

// ConflictResolver handles the case where applying this strategy would
// collide with existing local state (spec §4.5.2).
type ConflictResolver interface {
	ProcessConflict(tx *sqlx.Tx, fs FileSystem, content *contentstore.Store) error
}

// Skipper reports whether this strategy's event can be fast-forwarded
// past without ever being applied, because a later event already
// supersedes it (e.g. a create immediately followed by a delete).
type Skipper interface {
	SkipIfFileWillBeDeleted() bool
}

// Downloader enqueues the content (whole file or patch) this strategy's
// apply step needs, against the DownloadManager external collaborator
// (spec §4.5 table entry "download"). done=true means the content is
// already locally present and the event may transition straight to
// downloaded; done=false means a task was enqueued and the processor
// will be re-entered from the completion callback.
type Downloader interface {
	Download(ctx context.Context, tx *sqlx.Tx, dm DownloadManager) (done bool, err error)
}

// base carries the fields every concrete strategy needs and implements
// the Strategy interface; concrete types embed it.
type base struct {
	kind      Kind
	direction Direction
	event     eventdb.Event
	services  *Services
}

func (b *base) Kind() Kind              { return b.kind }
func (b *base) Direction() Direction    { return b.direction }
func (b *base) Event() *eventdb.Event   { return &b.event }

// Services bundles every external collaborator a strategy may need,
// mirroring the constructor arguments Python's EventStrategy subclasses
// take (db, patches_storage, copies_storage, get_download_backups_mode).
type Services struct {
	Content          *contentstore.Store
	DownloadBackups  func() bool
	ExcludedDirs     []string
	MinDiffSize      int64
	PatchWaitTimeout time.Duration
}

// New is the strategies.New(event, services) factory spec §9 calls for:
// a total function of (event.state, event.type, event.is_folder) (the
// licence_type axis is folded into Services by the caller disabling
// collaboration-only kinds before constructing) that returns the
// concrete strategy bound to that event.
func New(ev eventdb.Event, svc *Services) (Strategy, error) {
	direction := Local
	switch ev.State {
	case eventdb.StateOccured, eventdb.StateConflicted, eventdb.StateSent, eventdb.StateRegistered:
		direction = Local
	case eventdb.StateReceived, eventdb.StateDownloaded:
		direction = Remote
	default:
		return nil, fmt.Errorf("strategies: unknown event state %q", ev.State)
	}

	kind, err := kindOf(ev.Type, ev.IsFolder)
	if err != nil {
		return nil, err
	}

	b := base{kind: kind, direction: direction, event: ev, services: svc}

	if direction == Local {
		return newLocal(b)
	}
	return newRemote(b)
}
