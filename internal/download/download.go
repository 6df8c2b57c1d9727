// Package download executes the download tasks the sync core enqueues by
// copy hash or patch id: it subscribes to object availability, requests
// missing byte ranges from peers that advertise them, assembles the
// blob in a part file, and lands the finished object in the content
// store before firing the completion callback (spec §4.5,
// DownloadManager contract).
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pvtbox/syncd/internal/availability"
	"github.com/pvtbox/syncd/internal/contentstore"
	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("download")

// chunkSize bounds each data request; large objects are fetched as a
// sequence of ranged requests rather than one oversized frame.
const chunkSize = 1 << 20

// Manager assembles objects from peer-served ranges. It is the
// process's strategies.DownloadManager, and doubles as the supplier's
// RangeSource/DataSource: the ranges held of a partially downloaded
// object are advertised, while ReadRange serves bytes only from blobs
// already in the content store.
type Manager struct {
	sender  availability.Sender
	store   *contentstore.Store
	partDir string

	mu    sync.Mutex
	tasks map[availability.ObjKey]*task

	onComplete func(obj availability.ObjKey)
	onFailed   func(obj availability.ObjKey, reason string)

	consumer *availability.Consumer
}

type task struct {
	obj  availability.ObjKey
	size int64
	part *os.File

	have      []availability.Range // merged, sorted by offset
	requested map[int64]bool       // offsets with an outstanding request
}

// New constructs a Manager. partDir holds in-progress part files;
// onComplete/onFailed are invoked from network callbacks and must not
// block.
func New(sender availability.Sender, peers availability.PeerLister, store *contentstore.Store, partDir string,
	onComplete func(obj availability.ObjKey), onFailed func(obj availability.ObjKey, reason string)) (*Manager, error) {
	if err := os.MkdirAll(partDir, 0o777); err != nil {
		return nil, fmt.Errorf("download: mkdir part dir: %w", err)
	}
	m := &Manager{
		sender:     sender,
		store:      store,
		partDir:    partDir,
		tasks:      make(map[availability.ObjKey]*task),
		onComplete: onComplete,
		onFailed:   onFailed,
	}
	m.consumer = availability.NewConsumer(sender, peers, m.onAvailabilityInfo, m.onAvailabilityFailure)
	return m, nil
}

// Consumer exposes the availability consumer so connectivity dispatch
// can route MsgInfo/MsgFailure envelopes into it.
func (m *Manager) Consumer() *availability.Consumer { return m.consumer }

// Stop cancels the availability flush loop and abandons all tasks.
func (m *Manager) Stop() {
	m.consumer.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		t.part.Close() //nolint:errcheck
	}
	m.tasks = make(map[availability.ObjKey]*task)
}

// DownloadCopy enqueues a whole-file download keyed by content hash.
func (m *Manager) DownloadCopy(ctx context.Context, hash string, size int64) error {
	return m.enqueue(availability.ObjKey{Type: availability.ObjFile, ID: hash}, size)
}

// DownloadPatch enqueues a patch download keyed by patch uuid.
func (m *Manager) DownloadPatch(ctx context.Context, patchUUID string, size int64) error {
	return m.enqueue(availability.ObjKey{Type: availability.ObjPatch, ID: patchUUID}, size)
}

func (m *Manager) enqueue(obj availability.ObjKey, size int64) error {
	m.mu.Lock()
	if _, ok := m.tasks[obj]; ok {
		m.mu.Unlock()
		return nil
	}
	part, err := os.OpenFile(m.partPath(obj), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("download: open part file: %w", err)
	}
	t := &task{obj: obj, size: size, part: part, requested: make(map[int64]bool)}
	m.tasks[obj] = t
	m.mu.Unlock()

	log.Debugf("enqueued download of %s (%d bytes)", obj.ID, size)
	m.consumer.Subscribe(obj, false, 1)

	if size == 0 {
		m.finalize(t)
	}
	return nil
}

func (m *Manager) partPath(obj availability.ObjKey) string {
	kind := "copy"
	if obj.Type == availability.ObjPatch {
		kind = "patch"
	}
	return filepath.Join(m.partDir, kind+"-"+obj.ID+".part")
}

// Cancel abandons the task for obj, removing its part file.
func (m *Manager) Cancel(obj availability.ObjKey) {
	m.mu.Lock()
	t, ok := m.tasks[obj]
	delete(m.tasks, obj)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.consumer.Unsubscribe(obj, false)
	t.part.Close()             //nolint:errcheck
	os.Remove(m.partPath(obj)) //nolint:errcheck
}

// onAvailabilityInfo reacts to a peer advertising ranges for an object
// we want: every missing chunk the peer holds and we have not yet
// requested is fetched from it.
func (m *Manager) onAvailabilityInfo(peerID string, obj availability.ObjKey, ranges []availability.Range) {
	m.mu.Lock()
	t, ok := m.tasks[obj]
	if !ok {
		m.mu.Unlock()
		return
	}
	var reqs []*availability.Envelope
	for _, missing := range t.missingWithin(ranges) {
		for off := missing.Offset; off < missing.Offset+missing.Length; off += chunkSize {
			if t.requested[off] {
				continue
			}
			length := chunkSize
			if rem := missing.Offset + missing.Length - off; rem < int64(length) {
				length = int(rem)
			}
			t.requested[off] = true
			reqs = append(reqs, &availability.Envelope{
				Type:    availability.MsgDataRequest,
				ObjType: obj.Type,
				ObjID:   obj.ID,
				Offset:  off,
				Length:  int64(length),
			})
		}
	}
	m.mu.Unlock()

	for len(reqs) > 0 {
		n := len(reqs)
		if n > availability.MaxBatch {
			n = availability.MaxBatch
		}
		if err := m.sender.Send(peerID, reqs[:n]...); err != nil {
			log.Debugf("data request to %s failed: %v", peerID, err)
			m.clearRequested(obj, reqs)
			return
		}
		reqs = reqs[n:]
	}
}

func (m *Manager) clearRequested(obj availability.ObjKey, reqs []*availability.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[obj]; ok {
		for _, r := range reqs {
			delete(t.requested, r.Offset)
		}
	}
}

func (m *Manager) onAvailabilityFailure(peerID string, obj availability.ObjKey, errMsg string) {
	log.Debugf("peer %s cannot serve %s: %s", peerID, obj.ID, errMsg)
}

// OnDataResponse lands one received chunk. When the last missing byte
// arrives, the part file is promoted into the content store and the
// completion callback fires; re-delivery after that point is a no-op.
func (m *Manager) OnDataResponse(peerID string, env *availability.Envelope) {
	obj := availability.ObjKey{Type: env.ObjType, ID: env.ObjID}
	m.mu.Lock()
	t, ok := m.tasks[obj]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, err := t.part.WriteAt(env.Data, env.Offset); err != nil {
		m.mu.Unlock()
		log.Warnf("write chunk of %s: %v", obj.ID, err)
		m.fail(obj, err.Error())
		return
	}
	t.markHave(availability.Range{Offset: env.Offset, Length: int64(len(env.Data))})
	delete(t.requested, env.Offset)
	complete := t.complete()
	m.mu.Unlock()

	if complete {
		m.finalize(t)
	}
}

// OnDataFailure releases the chunk reservation so a later advertisement
// (from this or another peer) re-requests it.
func (m *Manager) OnDataFailure(peerID string, env *availability.Envelope) {
	obj := availability.ObjKey{Type: env.ObjType, ID: env.ObjID}
	m.mu.Lock()
	if t, ok := m.tasks[obj]; ok {
		delete(t.requested, env.Offset)
	}
	m.mu.Unlock()
	log.Debugf("data failure from %s for %s at %d: %s", peerID, obj.ID, env.Offset, env.ErrMsg)
}

// RetryStalled re-subscribes every incomplete task, releasing all of its
// chunk reservations regardless of age; called from the processor's
// periodic timeout check (spec §4.7).
func (m *Manager) RetryStalled() {
	m.mu.Lock()
	objs := make([]availability.ObjKey, 0, len(m.tasks))
	for obj, t := range m.tasks {
		t.requested = make(map[int64]bool)
		objs = append(objs, obj)
	}
	m.mu.Unlock()
	for _, obj := range objs {
		m.consumer.Subscribe(obj, true, 0)
	}
}

// InFlight reports whether obj is still being assembled.
func (m *Manager) InFlight(obj availability.ObjKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[obj]
	return ok
}

func (m *Manager) finalize(t *task) {
	m.mu.Lock()
	delete(m.tasks, t.obj)
	m.mu.Unlock()

	t.part.Close() //nolint:errcheck
	dest := m.store.CopyPath(t.obj.ID)
	if t.obj.Type == availability.ObjPatch {
		dest = m.store.PatchPath(t.obj.ID)
	}
	if err := os.Rename(m.partPath(t.obj), dest); err != nil {
		log.Warnf("promote %s into content store: %v", t.obj.ID, err)
		m.fail(t.obj, err.Error())
		return
	}

	m.consumer.Unsubscribe(t.obj, true)
	log.Infof("download of %s completed (%d bytes)", t.obj.ID, t.size)
	if m.onComplete != nil {
		m.onComplete(t.obj)
	}
}

func (m *Manager) fail(obj availability.ObjKey, reason string) {
	m.mu.Lock()
	if t, ok := m.tasks[obj]; ok {
		delete(m.tasks, obj)
		t.part.Close() //nolint:errcheck
	}
	m.mu.Unlock()
	m.consumer.Unsubscribe(obj, true)
	if m.onFailed != nil {
		m.onFailed(obj, reason)
	}
}

// Ranges implements availability.RangeSource: a completed object is one
// full range; an in-flight one reports what has landed so far.
func (m *Manager) Ranges(obj availability.ObjKey) ([]availability.Range, error) {
	m.mu.Lock()
	if t, ok := m.tasks[obj]; ok {
		have := append([]availability.Range(nil), t.have...)
		m.mu.Unlock()
		return have, nil
	}
	m.mu.Unlock()

	path := m.store.CopyPath(obj.ID)
	if obj.Type == availability.ObjPatch {
		path = m.store.PatchPath(obj.ID)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.New("object not held")
	}
	return []availability.Range{{Offset: 0, Length: fi.Size()}}, nil
}

// ReadRange implements availability.DataSource against the finished
// blob (in-flight part files are not served byte-wise; peers learn of
// their ranges and request once they are advertised).
func (m *Manager) ReadRange(obj availability.ObjKey, offset, length int64) ([]byte, error) {
	path := m.store.CopyPath(obj.ID)
	if obj.Type == availability.ObjPatch {
		path = m.store.PatchPath(obj.ID)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New("object not held")
	}
	defer f.Close()

	bs := make([]byte, length)
	n, err := f.ReadAt(bs, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("read range: %w", err)
	}
	return bs[:n], nil
}

// missingWithin intersects the peer's advertised ranges with what the
// task still lacks.
func (t *task) missingWithin(offered []availability.Range) []availability.Range {
	var out []availability.Range
	for _, o := range offered {
		end := o.Offset + o.Length
		if end > t.size {
			end = t.size
		}
		pos := o.Offset
		for _, h := range t.have {
			hEnd := h.Offset + h.Length
			if hEnd <= pos {
				continue
			}
			if h.Offset >= end {
				break
			}
			if h.Offset > pos {
				out = append(out, availability.Range{Offset: pos, Length: h.Offset - pos})
			}
			pos = hEnd
		}
		if pos < end {
			out = append(out, availability.Range{Offset: pos, Length: end - pos})
		}
	}
	return out
}

// markHave merges r into the task's sorted received-range set.
func (t *task) markHave(r availability.Range) {
	t.have = append(t.have, r)
	sort.Slice(t.have, func(i, j int) bool { return t.have[i].Offset < t.have[j].Offset })
	merged := t.have[:0]
	for _, cur := range t.have {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if cur.Offset <= last.Offset+last.Length {
				if end := cur.Offset + cur.Length; end > last.Offset+last.Length {
					last.Length = end - last.Offset
				}
				continue
			}
		}
		merged = append(merged, cur)
	}
	t.have = merged
}

func (t *task) complete() bool {
	return len(t.have) == 1 && t.have[0].Offset == 0 && t.have[0].Length >= t.size
}
