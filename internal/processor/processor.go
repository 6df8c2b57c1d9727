// Package processor implements the EventProcessor (spec §4.7): the
// orchestrator that accepts local filesystem events and remote event
// packs, drives each event's strategy through its state machine on a
// bounded worker pool, and keeps the UI counters honest. Three supervised
// services do the long-lived work: the remote-ingest service commits
// packs, the event-queue worker drains the Daque, and the timeout service
// re-kicks stalled downloads.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jmoiron/sqlx"
	"github.com/thejerf/suture/v4"

	"github.com/pvtbox/syncd/internal/config"
	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/eventdb"
	"github.com/pvtbox/syncd/internal/events"
	"github.com/pvtbox/syncd/internal/ignore"
	"github.com/pvtbox/syncd/internal/loader"
	"github.com/pvtbox/syncd/internal/queue"
	"github.com/pvtbox/syncd/internal/slogutil"
	"github.com/pvtbox/syncd/internal/strategies"
	syncpkg "github.com/pvtbox/syncd/internal/sync"
)

var log = slogutil.NewAdapter("processor")

// collaborationAlertInterval rate-limits the once-per-batch user alert
// on collaboration access errors (spec §4.7).
const collaborationAlertInterval = time.Minute

// RemoteMessage is one event of a remote pack, as delivered by the
// coordinator: the event row plus the coordinator-side identifiers the
// local database resolves during ingest. The parser sets Event.State to
// received; ingest refines it to received or downloaded per the event's
// content (spec §4.5).
type RemoteMessage struct {
	Event             eventdb.Event
	FileUUID          string
	LastServerEventID int64
}

// RemotePack is a batch of remote messages committed atomically: either
// every message lands with state received/downloaded and Ack is called
// with nil, or none do (spec §8, batch atomicity).
type RemotePack struct {
	Messages []RemoteMessage
	Ack      func(err error)
}

// StalledRetrier is implemented by download managers that can re-kick
// stalled transfers; the periodic timeout scan uses it when available.
type StalledRetrier interface {
	RetryStalled()
}

// Processor is the EventProcessor.
type Processor struct {
	db      *eventdb.DB
	content *contentstore.Store
	ldr     *loader.Loader
	q       *queue.Daque

	coord   strategies.Coordinator
	fs      strategies.FileSystem
	dm      strategies.DownloadManager
	bus     *events.Logger
	svc     *strategies.Services
	matcher *ignore.Matcher

	workersCount int
	retryTimeout time.Duration
	packs        chan RemotePack
	loadNow      chan struct{}
	stopped      atomic.Bool

	mu                   syncpkg.Mutex
	processingEvents     map[eventdb.FileID]strategies.Strategy
	processingLocalFiles map[eventdb.FileID]struct{}

	localCount   atomic.Int64
	remoteCount  atomic.Int64
	eventsErased atomic.Int64

	alerts *lru.Cache[string, time.Time]

	sup    *suture.Supervisor
	cancel context.CancelFunc
	errc   <-chan error
}

// New wires a Processor. The worker pool is sized cpu_count times the
// configured multiplier (spec §5's cpu_count x 2 by default).
func New(db *eventdb.DB, content *contentstore.Store, cfg config.Configuration,
	coord strategies.Coordinator, fs strategies.FileSystem, dm strategies.DownloadManager,
	bus *events.Logger) *Processor {

	multiplier := cfg.WorkerPoolMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	workers := max(runtime.NumCPU(), 1) * multiplier

	alerts, _ := lru.New[string, time.Time](64)

	p := &Processor{
		db:           db,
		content:      content,
		ldr:          loader.New(cfg.ExcludedDirs),
		q:            queue.New(workers),
		coord:        coord,
		fs:           fs,
		dm:           dm,
		bus:          bus,
		workersCount: workers,
		retryTimeout: time.Duration(cfg.RetryDownloadTimeoutS) * time.Second,
		packs:        make(chan RemotePack, 16),
		loadNow:      make(chan struct{}, 1),

		mu:                   syncpkg.NewMutex(),
		processingEvents:     make(map[eventdb.FileID]strategies.Strategy),
		processingLocalFiles: make(map[eventdb.FileID]struct{}),
		alerts:               alerts,
	}
	p.svc = &strategies.Services{
		Content:          content,
		DownloadBackups:  func() bool { return cfg.DownloadBackups },
		ExcludedDirs:     cfg.ExcludedDirs,
		MinDiffSize:      cfg.MinDiffSize,
		PatchWaitTimeout: time.Duration(cfg.PatchWaitTimeoutS) * time.Second,
	}
	return p
}

// SetIgnoreMatcher installs the parsed ignore-pattern file; local
// events whose paths match are dropped before they ever reach the
// database (spec §6, excluded/ignored persisted state).
func (p *Processor) SetIgnoreMatcher(m *ignore.Matcher) {
	p.matcher = m
}

// Start launches the supervised ingest, worker and timeout services.
func (p *Processor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stopped.Store(false)
	p.q.Enable()

	p.sup = suture.New("processor", suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warnf("supervisor event: %s", e)
		},
	})
	p.sup.Add(&ingestService{p})
	p.sup.Add(&workerService{p})
	p.sup.Add(&timeoutService{p})
	p.errc = p.sup.ServeBackground(ctx)

	p.recalculateCounts()
	if p.bus != nil {
		p.bus.Log(events.StartupComplete, nil)
	}
}

// Stop sets the global stop flag, disables and clears the queue, and
// waits for the supervised services to exit (spec §5, cancellation).
func (p *Processor) Stop() {
	if p.cancel == nil {
		return
	}
	p.stopped.Store(true)
	p.q.Disable()
	p.q.Clear()
	p.cancel()
	if p.errc != nil {
		<-p.errc
	}
	p.cancel = nil

	p.mu.Lock()
	p.processingEvents = make(map[eventdb.FileID]strategies.Strategy)
	p.processingLocalFiles = make(map[eventdb.FileID]struct{})
	p.mu.Unlock()
}

// IsProcessingStopped is observed by strategies at suspension points.
func (p *Processor) IsProcessingStopped() bool { return p.stopped.Load() }

// Counts reports the UI counters (spec §4.7).
func (p *Processor) Counts() (local, remote, erased int64) {
	return p.localCount.Load(), p.remoteCount.Load(), p.eventsErased.Load()
}

// FileInProcessing reports whether fileID has an in-flight strategy.
func (p *Processor) FileInProcessing(fileID eventdb.FileID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.processingEvents[fileID]
	return ok
}

// AppendLocalEvent records a filesystem event observed by the watcher:
// the event is inserted with state occured inside one transaction and
// its strategy queued for registration (spec §4.7, append_local).
func (p *Processor) AppendLocalEvent(ev eventdb.Event, paths ...string) error {
	if p.stopped.Load() {
		return strategies.ErrProcessingAborted
	}
	if p.matcher != nil {
		for _, path := range paths {
			if p.matcher.Match(path) {
				log.Debugf("ignoring local event for %s (matched ignore pattern)", path)
				return nil
			}
		}
	}
	ev.State = eventdb.StateOccured
	if ev.TimestampNanos == 0 {
		ev.TimestampNanos = eventdb.NowNanos()
	}

	st, err := strategies.New(ev, p.svc)
	if err != nil {
		return err
	}
	adder, ok := st.(strategies.DatabaseAdder)
	if !ok {
		return fmt.Errorf("processor: %T cannot add to database", st)
	}
	if err := p.db.WriteTx(adder.AddToLocalDatabase); err != nil {
		return err
	}

	p.localCount.Add(1)
	metricLocalEvents.Inc()
	if p.bus != nil {
		p.bus.Log(events.LocalEventAppended, map[string]interface{}{
			"uuid":  st.Event().UUID,
			"paths": paths,
		})
	}
	p.enqueue(st, false)
	return nil
}

// AppendRemotePack hands a coordinator pack to the remote-ingest
// service. Blocks while the ingest queue is full, providing natural
// backpressure to the signalling layer.
func (p *Processor) AppendRemotePack(pack RemotePack) error {
	if p.stopped.Load() {
		return strategies.ErrProcessingAborted
	}
	p.packs <- pack
	return nil
}

// OnDownloadCompleted is the DownloadManager completion callback: the
// blob for hash (or a patch) has landed in the content store, so any
// event waiting on it should be reconsidered promptly.
func (p *Processor) OnDownloadCompleted() {
	select {
	case p.loadNow <- struct{}{}:
	default:
	}
}

// OnDownloadFailed emits the download_failed signal and lets the next
// loader cycle decide whether newer updates supersede the event
// (spec §7).
func (p *Processor) OnDownloadFailed(objID, reason string) {
	log.Infof("download of %s failed: %s", objID, reason)
	if p.bus != nil {
		p.bus.Log(events.DownloadProgress, map[string]interface{}{
			"obj_id": objID,
			"failed": true,
			"reason": reason,
		})
	}
	p.OnDownloadCompleted() // re-run the loader; skip logic handles the rest
}

// enqueue registers st as in flight for its file and puts it on the
// Daque, at the front when force ordering demands it.
func (p *Processor) enqueue(st strategies.Strategy, front bool) {
	fileID := st.Event().FileID

	p.mu.Lock()
	if _, ok := p.processingEvents[fileID]; ok {
		p.mu.Unlock()
		return
	}
	p.processingEvents[fileID] = st
	if st.Direction() == strategies.Local {
		p.processingLocalFiles[fileID] = struct{}{}
	}
	p.mu.Unlock()

	if front {
		p.q.PutLeft(st)
	} else {
		p.q.Put(st)
	}
}

func (p *Processor) clearInFlight(st strategies.Strategy) {
	p.mu.Lock()
	delete(p.processingEvents, st.Event().FileID)
	delete(p.processingLocalFiles, st.Event().FileID)
	p.mu.Unlock()
}

func (p *Processor) inFlightFiles() []eventdb.FileID {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventdb.FileID, 0, len(p.processingEvents))
	for id := range p.processingEvents {
		out = append(out, id)
	}
	return out
}

// recalculateCounts recomputes the UI counters from the database, used
// at startup and whenever the in-memory counters threaten to drift
// below the in-flight set size (spec §4.7).
func (p *Processor) recalculateCounts() {
	var local, remote int
	err := p.db.ReadTx(func(tx *sqlx.Tx) error {
		var err error
		if local, err = eventdb.CountEventsByStates(tx, eventdb.StateOccured, eventdb.StateConflicted); err != nil {
			return err
		}
		remote, err = eventdb.CountEventsByStates(tx, eventdb.StateReceived, eventdb.StateDownloaded)
		return err
	})
	if err != nil {
		log.Warnf("recalculate counts: %v", err)
		return
	}
	p.localCount.Store(int64(local))
	p.remoteCount.Store(int64(remote))
	metricLocalEvents.Set(float64(local))
	metricRemoteEvents.Set(float64(remote))
	p.emitStatus()
}

func (p *Processor) maybeRecalculate() {
	p.mu.Lock()
	inFlight := int64(len(p.processingEvents))
	localInFlight := int64(len(p.processingLocalFiles))
	p.mu.Unlock()
	if p.localCount.Load() < localInFlight || p.remoteCount.Load() < inFlight-localInFlight {
		p.recalculateCounts()
	}
}

func (p *Processor) addErased(n int) {
	if n == 0 {
		return
	}
	p.eventsErased.Add(int64(n))
	metricEventsErased.Add(float64(n))
}

func (p *Processor) emitStatus() {
	if p.bus == nil {
		return
	}
	local, remote, erased := p.Counts()
	p.bus.Log(events.SyncStatusChanged, map[string]interface{}{
		"local_count":   local,
		"remote_count":  remote,
		"events_erased": erased,
	})
}

// notifyCollaborationDenied alerts the user about a revoked
// collaboration at most once per file name per alert interval.
func (p *Processor) notifyCollaborationDenied(fileName string) {
	now := time.Now()
	if last, ok := p.alerts.Get(fileName); ok && now.Sub(last) < collaborationAlertInterval {
		return
	}
	p.alerts.Add(fileName, now)
	if p.bus != nil {
		p.bus.Log(events.CollaborationAccessDenied, map[string]interface{}{"file_name": fileName})
		p.bus.Log(events.RequestToUser, map[string]interface{}{
			"action":    "collaboration_access_denied",
			"file_name": fileName,
		})
	}
}

// ingestService drains the remote-pack queue: one transaction per pack,
// the Daque postponed while the pack is mid-commit so workers never see
// half-written strategies, the content store's postponed references
// committed only alongside the pack (spec §5).
type ingestService struct{ p *Processor }

func (s *ingestService) String() string { return "processor/ingest" }

func (s *ingestService) Serve(ctx context.Context) error {
	p := s.p
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pack := <-p.packs:
			if err := p.ingestPack(ctx, pack); err != nil {
				return err
			}
		}
	}
}

func (p *Processor) ingestPack(ctx context.Context, pack RemotePack) error {
	p.q.SetPostponed(true)
	defer p.q.SetPostponed(false)

	var added int
	var erased int
	commit := func() error {
		added, erased = 0, 0
		return p.db.WriteTx(func(tx *sqlx.Tx) error {
			for i := range pack.Messages {
				if p.stopped.Load() {
					return strategies.ErrProcessingAborted
				}
				msg := &pack.Messages[i]
				st, err := strategies.New(msg.Event, p.svc)
				if err != nil {
					return err
				}
				if binder, ok := st.(strategies.RemoteBinder); ok {
					binder.BindRemote(msg.FileUUID, msg.LastServerEventID)
				}
				adder, ok := st.(strategies.DatabaseAdder)
				if !ok {
					return fmt.Errorf("processor: %T cannot add to database", st)
				}
				err = adder.AddToLocalDatabase(tx)
				if errors.Is(err, strategies.ErrEventAlreadyAdded) {
					continue
				}
				if err != nil {
					return err
				}
				added++
				if counter, ok := st.(interface{ ErasedCount() int }); ok {
					erased += counter.ErasedCount()
				}
			}
			return nil
		})
	}

	// Mid-pack failure retries the whole pack with bounded backoff
	// (spec §7, transient DB busy).
	var err error
	for attempt := 0; attempt < 10; attempt++ {
		if err = commit(); err == nil {
			break
		}
		if errors.Is(err, strategies.ErrProcessingAborted) {
			break
		}
		metricPackRetries.Inc()
		log.Warnf("remote pack commit failed (attempt %d): %v", attempt+1, err)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(200 * time.Millisecond):
			continue
		}
		break
	}

	if err != nil {
		p.content.ClearLastChanges()
		if pack.Ack != nil {
			pack.Ack(err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, strategies.ErrProcessingAborted) {
			return nil
		}
		return nil
	}

	if err := p.content.CommitLastChanges(); err != nil {
		log.Warnf("commit content store changes: %v", err)
	}
	p.remoteCount.Add(int64(added))
	metricRemoteEvents.Add(float64(added))
	p.addErased(erased)
	metricPacksCommitted.Inc()
	if pack.Ack != nil {
		pack.Ack(nil)
	}
	if p.bus != nil {
		p.bus.Log(events.RemotePackAppended, map[string]interface{}{"events": added})
	}
	p.emitStatus()
	p.OnDownloadCompleted() // nudge the loader
	return nil
}

// timeoutService periodically re-examines in-flight events and re-kicks
// stalled downloads (spec §4.7, check_processing_events_timeout).
type timeoutService struct{ p *Processor }

func (s *timeoutService) String() string { return "processor/timeout" }

func (s *timeoutService) Serve(ctx context.Context) error {
	p := s.p
	interval := p.retryTimeout
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if retrier, ok := p.dm.(StalledRetrier); ok {
				retrier.RetryStalled()
			}
			p.maybeRecalculate()
			p.OnDownloadCompleted()
		}
	}
}
