package processor

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/pvtbox/syncd/internal/eventdb"
	"github.com/pvtbox/syncd/internal/events"
	"github.com/pvtbox/syncd/internal/loader"
	"github.com/pvtbox/syncd/internal/queue"
	"github.com/pvtbox/syncd/internal/strategies"
)

// workerService is the event-queue worker thread of spec §5: it keeps
// the Daque fed from the loader and dispatches strategies to a pool of
// workersCount goroutines, with the Daque's concurrency gate as the
// pool bound.
type workerService struct{ p *Processor }

func (s *workerService) String() string { return "processor/worker" }

func (s *workerService) Serve(ctx context.Context) error {
	p := s.p

	loadTicker := time.NewTicker(time.Second)
	defer loadTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	// Dispatcher: pulls strategies off the Daque under the concurrency
	// gate and runs each on its own goroutine.
	go func() {
		for {
			item, err := p.q.Get(ctx, true, 0, true)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, queue.ErrEmpty) {
					continue
				}
				return
			}
			st, ok := item.(strategies.Strategy)
			if !ok {
				p.q.Done()
				continue
			}
			go func() {
				defer p.q.Done()
				p.processOne(ctx, st)
			}()
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.loadNow:
		case <-loadTicker.C:
		}
		if p.stopped.Load() {
			return ctx.Err()
		}
		if err := p.loadFromDB(); err != nil {
			log.Warnf("load events from db: %v", err)
		}
	}
}

// loadFromDB runs the skip queries then loads the next processable
// batch (spec §4.6), converts each event to its strategy and enqueues
// it. Files already in flight are excluded at the SQL level (spec §8,
// at-most-one in-flight event per file).
func (p *Processor) loadFromDB() error {
	if err := p.skipTrailingDeletes(); err != nil {
		return err
	}

	exclude := p.inFlightFiles()
	var local, remote []eventdb.Event
	err := p.db.ReadTx(func(tx *sqlx.Tx) error {
		var err error
		local, err = p.ldr.LoadLocalEvents(tx, loader.EventsQueryLimit-len(exclude), exclude)
		if err != nil {
			return err
		}
		remote, err = p.ldr.LoadRemoteEvents(tx, 3*loader.EventsQueryLimit, exclude)
		return err
	})
	if err != nil {
		return err
	}

	for _, ev := range append(local, remote...) {
		st, err := strategies.New(ev, p.svc)
		if err != nil {
			log.Warnf("no strategy for event %s: %v", ev.UUID, err)
			continue
		}
		p.enqueue(st, false)
	}
	return nil
}

// skipTrailingDeletes fast-forwards files whose only remaining events
// are trailing deletes, so long delete chains never starve the loader
// (spec §4.6).
func (p *Processor) skipTrailingDeletes() error {
	var entries []loader.SkipEntry
	err := p.db.ReadTx(func(tx *sqlx.Tx) error {
		newOnes, _, err := p.ldr.LoadNewFilesToSkip(tx, loader.EventsQueryLimit*5)
		if err != nil {
			return err
		}
		existing, _, err := p.ldr.LoadExistingFilesToSkip(tx, loader.EventsQueryLimit*5)
		if err != nil {
			return err
		}
		entries = append(newOnes, existing...)
		return nil
	})
	if err != nil || len(entries) == 0 {
		return err
	}

	return p.db.WriteTx(func(tx *sqlx.Tx) error {
		for _, e := range entries {
			if p.FileInProcessing(e.FileID) {
				continue
			}
			if err := eventdb.SetFileLastSkippedEventID(tx, e.FileID, e.EventID); err != nil {
				return err
			}
		}
		return nil
	})
}

// processOne drives a single strategy one step through its state
// machine, translating every failure into its recovery action
// (spec §7): re-enqueue, skip, downgrade, or user-facing signal.
func (p *Processor) processOne(ctx context.Context, st strategies.Strategy) {
	defer p.clearInFlight(st)

	if p.stopped.Load() {
		return
	}

	var err error
	if st.Direction() == strategies.Local {
		err = p.processLocal(ctx, st)
	} else {
		err = p.processRemote(ctx, st)
	}

	switch {
	case err == nil:
	case errors.Is(err, strategies.ErrProcessingAborted):
	case errors.Is(err, strategies.ErrSkipEventForNow):
		log.Debugf("event %s skipped for now", st.Event().UUID)
	case errors.Is(err, strategies.ErrPatchApplyFailed):
		// State was already downgraded to received; the next loader
		// cycle re-downloads as a whole file.
		log.Infof("patch apply failed for %s, falling back to whole file", st.Event().FileName)
		p.OnDownloadCompleted()
	case errors.Is(err, strategies.ErrParentDeleted):
		p.handleParentDeleted(st)
	default:
		var coordErr *strategies.CoordinatorError
		if errors.As(err, &coordErr) {
			p.routeCoordinatorError(st, coordErr)
		} else {
			log.Warnf("processing event %s: %v", st.Event().UUID, err)
		}
	}
	p.maybeRecalculate()
}

// processLocal runs the occured -> registered -> sent transition
// (spec §4.5): conflicts are resolved first, then the event registers
// with the coordinator, then the file's applied pointer advances.
func (p *Processor) processLocal(ctx context.Context, st strategies.Strategy) error {
	ev := st.Event()

	if ev.State == eventdb.StateConflicted {
		if resolver, ok := st.(strategies.ConflictResolver); ok {
			if err := p.db.WriteTx(func(tx *sqlx.Tx) error {
				return resolver.ProcessConflict(tx, p.fs, p.content)
			}); err != nil {
				return err
			}
			ev.State = eventdb.StateOccured
		}
	}

	reg, ok := st.(strategies.Registerer)
	if !ok {
		return nil
	}

	var ready bool
	if err := p.db.ReadTx(func(tx *sqlx.Tx) error {
		var err error
		ready, err = reg.ReadyToRegister(tx)
		return err
	}); err != nil {
		return err
	}
	if !ready {
		return strategies.ErrSkipEventForNow
	}

	if p.stopped.Load() {
		return strategies.ErrProcessingAborted
	}
	if err := reg.Register(ctx, p.coord); err != nil {
		return err
	}

	if ev.ServerEventID == nil {
		return errors.New("processor: registration returned no server event id")
	}
	if err := p.db.WriteTx(func(tx *sqlx.Tx) error {
		if err := eventdb.SetEventRegistered(tx, ev.ID, *ev.ServerEventID); err != nil {
			return err
		}
		id := ev.ID
		return eventdb.SetFileEventID(tx, ev.FileID, &id, ev.FileName)
	}); err != nil {
		return err
	}

	ev.State = eventdb.StateSent
	p.localCount.Add(-1)
	metricLocalEvents.Dec()
	p.emitStatus()
	return nil
}

// processRemote runs the received -> downloaded -> applied transition
// (spec §4.5).
func (p *Processor) processRemote(ctx context.Context, st strategies.Strategy) error {
	ev := st.Event()

	if ev.State == eventdb.StateReceived {
		dl, ok := st.(strategies.Downloader)
		if !ok {
			ev.State = eventdb.StateDownloaded
		} else {
			var done bool
			err := p.db.WriteTx(func(tx *sqlx.Tx) error {
				var err error
				done, err = dl.Download(ctx, tx, p.dm)
				if err != nil {
					return err
				}
				if done {
					return eventdb.UpdateEventState(tx, []eventdb.EventID{ev.ID}, eventdb.StateDownloaded)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !done {
				// The download manager's completion callback re-enters
				// via OnDownloadCompleted.
				return nil
			}
			ev.State = eventdb.StateDownloaded
		}
	}

	applier, ok := st.(strategies.Applier)
	if !ok {
		return nil
	}

	return p.db.WriteTx(func(tx *sqlx.Tx) error {
		ready, err := applier.ReadyToApply(tx)
		if err != nil {
			return err
		}
		if !ready {
			return strategies.ErrSkipEventForNow
		}
		if p.stopped.Load() {
			return strategies.ErrProcessingAborted
		}
		if err := applier.Apply(tx, p.fs, p.content); err != nil {
			return err
		}
		p.remoteCount.Add(-1)
		metricRemoteEvents.Dec()
		if p.bus != nil {
			p.bus.Log(events.DownloadProgress, map[string]interface{}{
				"file_name": ev.FileName,
				"applied":   true,
			})
		}
		p.emitStatus()
		return nil
	})
}

// handleParentDeleted synthesizes a dummy delete for the event's file:
// its parent folder is gone remotely, so local state converges by
// deleting the orphan (spec §4.5.3).
func (p *Processor) handleParentDeleted(st strategies.Strategy) {
	err := p.db.WriteTx(func(tx *sqlx.Tx) error {
		f, err := eventdb.GetFile(tx, st.Event().FileID)
		if err != nil {
			return err
		}
		_, err = strategies.GenerateDummyDelete(tx, f)
		return err
	})
	if err != nil {
		log.Warnf("add dummy delete for file %d: %v", st.Event().FileID, err)
		return
	}
	p.remoteCount.Add(1)
	metricRemoteEvents.Inc()
	p.OnDownloadCompleted()
}

// routeCoordinatorError is the seven-handler errcode routing table of
// spec §7.
func (p *Processor) routeCoordinatorError(st strategies.Strategy, coordErr *strategies.CoordinatorError) {
	ev := st.Event()
	log.Infof("coordinator rejected %s: %s", ev.UUID, coordErr.Code)

	switch coordErr.Code {
	case strategies.ErrCollaborationAccess, strategies.ErrFSSyncCollaborationMove:
		p.handleCollaborationAccess(st)

	case strategies.ErrLicenseAccess:
		// The event stays local-only; the user is asked to upgrade.
		if p.bus != nil {
			p.bus.Log(events.RequestToUser, map[string]interface{}{
				"action":    "license_upgrade_required",
				"file_name": ev.FileName,
			})
		}
		p.dropLocalEvent(ev)

	case strategies.ErrFileNotChanged, strategies.ErrLocalCollaborationDelete:
		// The coordinator already has this state; the event is moot.
		p.dropLocalEvent(ev)

	case strategies.ErrFSSyncParentNotFound:
		// The parent has not registered yet; retry after it does.
		log.Debugf("parent not registered yet for %s", ev.UUID)

	case strategies.ErrFSSync, strategies.ErrFSSyncNotFound, strategies.ErrWrongData:
		// Transient coordinator-side inconsistency; the loader will
		// surface the event again.
		log.Debugf("coordinator fs sync error for %s: %s", ev.UUID, coordErr.Code)

	default:
		log.Warnf("unhandled coordinator error %s for %s", coordErr.Code, ev.UUID)
	}
}

// dropLocalEvent erases a local event the coordinator made moot.
func (p *Processor) dropLocalEvent(ev *eventdb.Event) {
	err := p.db.WriteTx(func(tx *sqlx.Tx) error {
		return eventdb.DeleteEvent(tx, ev.ID)
	})
	if err != nil {
		log.Warnf("drop local event %s: %v", ev.UUID, err)
		return
	}
	p.localCount.Add(-1)
	metricLocalEvents.Dec()
	p.addErased(1)
	p.emitStatus()
}

// handleCollaborationAccess implements spec §4.7's collaboration access
// error handling: the local event is erased, the file's content is
// preserved as a copy at the root (outside the collaboration folder),
// the file row rolls back to its last remote state, and the user is
// alerted at most once per batch.
func (p *Processor) handleCollaborationAccess(st strategies.Strategy) {
	ev := st.Event()

	err := p.db.WriteTx(func(tx *sqlx.Tx) error {
		f, err := eventdb.GetFile(tx, ev.FileID)
		if err != nil {
			if err == eventdb.ErrNotFound {
				return eventdb.DeleteEvent(tx, ev.ID)
			}
			return err
		}

		path, err := eventdb.PathForFile(tx, f)
		if err == nil && p.fs != nil && p.fs.Exists(path) {
			rescued := strategies.ConflictingName(f.Name, time.Now(), func(candidate string) bool {
				return p.fs.Exists(candidate)
			})
			if err := p.fs.CopyFile(path, rescued); err != nil {
				log.Warnf("rescue copy of %s: %v", path, err)
			}
		}

		if err := eventdb.DeleteEvent(tx, ev.ID); err != nil {
			return err
		}

		// Roll the file back to its last remote state, or drop it when
		// it never had one.
		last, err := eventdb.LastNonConflictedEvent(tx, f.ID)
		if err == nil {
			return eventdb.SetFileEventID(tx, f.ID, &last.ID, last.FileName)
		}
		if err != eventdb.ErrNotFound {
			return err
		}
		if _, err := eventdb.DeleteEventsForFile(tx, f.ID); err != nil {
			return err
		}
		return eventdb.DeleteFile(tx, f.ID)
	})
	if err != nil {
		log.Warnf("handle collaboration access for %s: %v", ev.UUID, err)
		return
	}

	p.localCount.Add(-1)
	metricLocalEvents.Dec()
	p.addErased(1)
	p.notifyCollaborationDenied(ev.FileName)
	p.emitStatus()
}
