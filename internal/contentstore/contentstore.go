// Package contentstore implements the content-addressed storage layer
// described in spec §4.1: two independently refcounted maps, one for
// whole-file copies keyed by content hash and one for binary patches keyed
// by patch id, backed by a LevelDB refcount sidecar next to the blob
// directories on disk.
package contentstore

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("contentstore")

// PatchKind distinguishes a direct (old->new) patch from its reverse
// (new->old) counterpart; the two are registered and refcounted
// independently (spec §3, "Patch").
type PatchKind byte

const (
	PatchDirect PatchKind = iota
	PatchReverse
)

const (
	keyTypeCopy byte = iota
	keyTypePatch
)

// copiesDir and patchesDir mirror the two blob directories named in spec §6
// ("Persisted state"): <root>/copies/<hash>, <root>/patches/<patch id>.
const (
	copiesDir  = "copies"
	patchesDir = "patches"
)

type copyRecord struct {
	refcount uint64
}

type patchRecord struct {
	refcount uint64
	size     int64
	kind     PatchKind
	active   bool
}

// Store is the ContentStore. All mutations funnel through a single mutex so
// that refcount bumps and the postponed-batch two-phase commit never race.
type Store struct {
	root string
	db   *leveldb.DB

	mu      sync.Mutex
	pending *leveldb.Batch // staged postponed mutations, nil when none outstanding
	staged  map[string]interface{} // key -> copyRecord|patchRecord, shadows db reads while postponed
}

// Open opens (creating if necessary) the refcount sidecar and blob
// directories rooted at root.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, copiesDir), 0o777); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, patchesDir), 0o777); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(filepath.Join(root, "refcounts.ldb"), nil)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func copyKey(hash string) []byte {
	return append([]byte{keyTypeCopy}, []byte(hash)...)
}

func patchKey(id string) []byte {
	return append([]byte{keyTypePatch}, []byte(id)...)
}

func marshalCopy(r copyRecord) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, r.refcount)
	return b
}

func unmarshalCopy(b []byte) copyRecord {
	if len(b) < 8 {
		return copyRecord{}
	}
	return copyRecord{refcount: binary.BigEndian.Uint64(b)}
}

func marshalPatch(r patchRecord) []byte {
	b := make([]byte, 18)
	binary.BigEndian.PutUint64(b[0:8], r.refcount)
	binary.BigEndian.PutUint64(b[8:16], uint64(r.size))
	b[16] = byte(r.kind)
	if r.active {
		b[17] = 1
	}
	return b
}

func unmarshalPatch(b []byte) patchRecord {
	if len(b) < 18 {
		return patchRecord{}
	}
	return patchRecord{
		refcount: binary.BigEndian.Uint64(b[0:8]),
		size:     int64(binary.BigEndian.Uint64(b[8:16])),
		kind:     PatchKind(b[16]),
		active:   b[17] == 1,
	}
}

// CopyPath returns the on-disk path of the whole-file blob for hash.
func (s *Store) CopyPath(hash string) string {
	return filepath.Join(s.root, copiesDir, hash)
}

// PatchPath returns the on-disk path of the patch blob for id.
func (s *Store) PatchPath(id string) string {
	return filepath.Join(s.root, patchesDir, id)
}

func (s *Store) getCopy(key []byte) (copyRecord, bool) {
	if s.staged != nil {
		if v, ok := s.staged[string(key)]; ok {
			if v == nil {
				return copyRecord{}, false
			}
			return v.(copyRecord), true
		}
	}
	b, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return copyRecord{}, false
	}
	if err != nil {
		log.Debugf("get copy record failed: %v", err)
		return copyRecord{}, false
	}
	return unmarshalCopy(b), true
}

func (s *Store) getPatch(key []byte) (patchRecord, bool) {
	if s.staged != nil {
		if v, ok := s.staged[string(key)]; ok {
			if v == nil {
				return patchRecord{}, false
			}
			return v.(patchRecord), true
		}
	}
	b, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return patchRecord{}, false
	}
	if err != nil {
		log.Debugf("get patch record failed: %v", err)
		return patchRecord{}, false
	}
	return unmarshalPatch(b), true
}

// stagePut records a mutation either directly (immediate commit) or into the
// postponed batch, per the postponed argument of the calling operation.
func (s *Store) stagePut(key []byte, value []byte, record interface{}, postponed bool) {
	if postponed {
		if s.pending == nil {
			s.pending = new(leveldb.Batch)
			s.staged = make(map[string]interface{})
		}
		s.pending.Put(key, value)
		s.staged[string(key)] = record
		return
	}
	if err := s.db.Put(key, value, nil); err != nil {
		log.Debugf("put record failed: %v", err)
	}
}

// AddCopyReference increments the refcount for hash. reason is a
// diagnostic-only string; the store never refuses a reference.
func (s *Store) AddCopyReference(hash, reason string, postponed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := copyKey(hash)
	rec, _ := s.getCopy(key)
	rec.refcount++
	log.Debugf("add copy reference hash=%s refcount=%d reason=%s", hash, rec.refcount, reason)
	s.stagePut(key, marshalCopy(rec), rec, postponed)
}

// RemoveCopyReference decrements the refcount for hash. A decrement at zero
// is logged, never fatal; it leaves the refcount at zero.
func (s *Store) RemoveCopyReference(hash, reason string, postponed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := copyKey(hash)
	rec, ok := s.getCopy(key)
	if !ok || rec.refcount == 0 {
		log.Debugf("remove copy reference at zero hash=%s reason=%s", hash, reason)
		return
	}
	rec.refcount--
	log.Debugf("remove copy reference hash=%s refcount=%d reason=%s", hash, rec.refcount, reason)
	s.stagePut(key, marshalCopy(rec), rec, postponed)
}

// CopyExists reports whether hash has a live (refcount > 0) copy entry.
func (s *Store) CopyExists(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.getCopy(copyKey(hash))
	return ok && rec.refcount > 0
}

func (s *Store) addPatch(id, reason string, size int64, kind PatchKind, active, postponed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := patchKey(patchRecordKey(id, kind))
	rec, ok := s.getPatch(key)
	if !ok {
		rec = patchRecord{size: size, kind: kind, active: active}
	}
	rec.refcount++
	log.Debugf("add patch id=%s kind=%d refcount=%d active=%v reason=%s", id, kind, rec.refcount, rec.active, reason)
	s.stagePut(key, marshalPatch(rec), rec, postponed)
}

// patchRecordKey distinguishes the direct and reverse forms of the same
// patch id, which are registered and refcounted independently.
func patchRecordKey(id string, kind PatchKind) string {
	if kind == PatchReverse {
		return id + "#rev"
	}
	return id
}

// AddDirectPatch registers (or increments the refcount of) the old->new
// patch for id. active=false means metadata only; the caller should not
// enqueue a download until ActivatePatch is called.
func (s *Store) AddDirectPatch(id, reason string, size int64, active, postponed bool) {
	s.addPatch(id, reason, size, PatchDirect, active, postponed)
}

// AddReversePatch registers (or increments the refcount of) the new->old
// patch for id, enabling rollback.
func (s *Store) AddReversePatch(id, reason string, size int64, active, postponed bool) {
	s.addPatch(id, reason, size, PatchReverse, active, postponed)
}

func (s *Store) removePatch(id, reason string, kind PatchKind, postponed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := patchKey(patchRecordKey(id, kind))
	rec, ok := s.getPatch(key)
	if !ok || rec.refcount == 0 {
		log.Debugf("remove patch reference at zero id=%s kind=%d reason=%s", id, kind, reason)
		return
	}
	rec.refcount--
	log.Debugf("remove patch id=%s kind=%d refcount=%d reason=%s", id, kind, rec.refcount, reason)
	s.stagePut(key, marshalPatch(rec), rec, postponed)
}

// RemoveDirectPatch decrements the direct patch refcount for id; at
// zero the blob becomes eligible for deletion on the next sweep.
func (s *Store) RemoveDirectPatch(id, reason string, postponed bool) {
	s.removePatch(id, reason, PatchDirect, postponed)
}

// RemoveReversePatch decrements the reverse patch refcount for id.
func (s *Store) RemoveReversePatch(id, reason string, postponed bool) {
	s.removePatch(id, reason, PatchReverse, postponed)
}

// ActivatePatch transitions the direct patch for id from metadata-only to
// active, meaning it is now eligible for download.
func (s *Store) ActivatePatch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := patchKey(patchRecordKey(id, PatchDirect))
	rec, ok := s.getPatch(key)
	if !ok {
		log.Debugf("activate patch for unknown id=%s", id)
		return
	}
	rec.active = true
	s.stagePut(key, marshalPatch(rec), rec, false)
}

// PatchExists reports whether the direct patch for id is registered.
func (s *Store) PatchExists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.getPatch(patchKey(patchRecordKey(id, PatchDirect)))
	return ok
}

// CheckPatches scans for patches whose blob is missing from disk despite a
// live refcount, and logs them for operator attention; it does not delete
// anything itself, mirroring the store's "never refuses, never crashes"
// discipline.
func (s *Store) CheckPatches() {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) == 0 || key[0] != keyTypePatch {
			continue
		}
		rec := unmarshalPatch(iter.Value())
		if rec.refcount == 0 {
			continue
		}
		id := string(key[1:])
		if _, err := os.Stat(s.PatchPath(id)); os.IsNotExist(err) {
			log.Debugf("patch %s has refcount %d but no blob on disk", id, rec.refcount)
		}
	}
}

// CommitLastChanges flushes a batch of postponed mutations atomically.
// Callers pair every postponed batch with exactly one of CommitLastChanges
// or ClearLastChanges.
func (s *Store) CommitLastChanges() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return nil
	}
	err := s.db.Write(s.pending, nil)
	s.pending = nil
	s.staged = nil
	return err
}

// ClearLastChanges discards a batch of postponed mutations without applying
// them.
func (s *Store) ClearLastChanges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.staged = nil
}
