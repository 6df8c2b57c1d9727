package download

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvtbox/syncd/internal/availability"
	"github.com/pvtbox/syncd/internal/contentstore"
)

type captureSender struct {
	mu   sync.Mutex
	envs []*availability.Envelope
}

func (s *captureSender) Send(peerID string, envs ...*availability.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, envs...)
	return nil
}

func (s *captureSender) byType(t availability.MsgType) []*availability.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*availability.Envelope
	for _, e := range s.envs {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type staticPeers []string

func (p staticPeers) Peers() []string { return p }

func newTestManager(t *testing.T) (*Manager, *captureSender, *contentstore.Store, *[]availability.ObjKey) {
	t.Helper()
	store, err := contentstore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sender := &captureSender{}
	var completed []availability.ObjKey
	var mu sync.Mutex
	m, err := New(sender, staticPeers{"peer-1"}, store, t.TempDir(),
		func(obj availability.ObjKey) { mu.Lock(); completed = append(completed, obj); mu.Unlock() },
		nil)
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, sender, store, &completed
}

func TestDownloadAssemblesChunks(t *testing.T) {
	m, sender, store, completed := newTestManager(t)

	content := bytes.Repeat([]byte("abcd"), (chunkSize/4)+100) // just over one chunk
	hash := "copyhash-1"
	obj := availability.ObjKey{Type: availability.ObjFile, ID: hash}

	require.NoError(t, m.DownloadCopy(context.Background(), hash, int64(len(content))))
	require.True(t, m.InFlight(obj))

	// A peer advertises the whole object; the manager requests both chunks.
	m.onAvailabilityInfo("peer-1", obj, []availability.Range{{Offset: 0, Length: int64(len(content))}})
	reqs := sender.byType(availability.MsgDataRequest)
	require.Len(t, reqs, 2)
	assert.Equal(t, int64(0), reqs[0].Offset)
	assert.Equal(t, int64(chunkSize), reqs[0].Length)
	assert.Equal(t, int64(chunkSize), reqs[1].Offset)

	// Chunks arrive out of order.
	for i := len(reqs) - 1; i >= 0; i-- {
		r := reqs[i]
		m.OnDataResponse("peer-1", &availability.Envelope{
			Type:    availability.MsgDataResponse,
			ObjType: obj.Type,
			ObjID:   obj.ID,
			Offset:  r.Offset,
			Length:  r.Length,
			Data:    content[r.Offset : r.Offset+r.Length],
		})
	}

	require.Len(t, *completed, 1)
	assert.Equal(t, obj, (*completed)[0])
	assert.False(t, m.InFlight(obj))

	got, err := os.ReadFile(store.CopyPath(hash))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDownloadDeduplicatesRequests(t *testing.T) {
	m, sender, _, _ := newTestManager(t)
	obj := availability.ObjKey{Type: availability.ObjPatch, ID: "patch-1"}

	require.NoError(t, m.DownloadPatch(context.Background(), "patch-1", 10))
	require.NoError(t, m.DownloadPatch(context.Background(), "patch-1", 10))

	m.onAvailabilityInfo("peer-1", obj, []availability.Range{{Offset: 0, Length: 10}})
	m.onAvailabilityInfo("peer-1", obj, []availability.Range{{Offset: 0, Length: 10}})
	require.Len(t, sender.byType(availability.MsgDataRequest), 1)

	// A data failure releases the reservation for a retry.
	m.OnDataFailure("peer-1", &availability.Envelope{
		Type: availability.MsgDataFailure, ObjType: obj.Type, ObjID: obj.ID, Offset: 0,
	})
	m.onAvailabilityInfo("peer-1", obj, []availability.Range{{Offset: 0, Length: 10}})
	require.Len(t, sender.byType(availability.MsgDataRequest), 2)
}

func TestRangesServesCompletedObject(t *testing.T) {
	m, _, store, _ := newTestManager(t)

	blob := []byte("0123456789")
	require.NoError(t, os.WriteFile(store.CopyPath("have-hash"), blob, 0o666))

	obj := availability.ObjKey{Type: availability.ObjFile, ID: "have-hash"}
	ranges, err := m.Ranges(obj)
	require.NoError(t, err)
	require.Equal(t, []availability.Range{{Offset: 0, Length: 10}}, ranges)

	bs, err := m.ReadRange(obj, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("2345"), bs)

	_, err = m.Ranges(availability.ObjKey{Type: availability.ObjFile, ID: "missing"})
	require.Error(t, err)
}

func TestMarkHaveMerges(t *testing.T) {
	tk := &task{size: 100}
	tk.markHave(availability.Range{Offset: 50, Length: 25})
	tk.markHave(availability.Range{Offset: 0, Length: 25})
	assert.False(t, tk.complete())

	tk.markHave(availability.Range{Offset: 25, Length: 25})
	require.Len(t, tk.have, 1)
	assert.Equal(t, availability.Range{Offset: 0, Length: 75}, tk.have[0])

	tk.markHave(availability.Range{Offset: 75, Length: 25})
	assert.True(t, tk.complete())
}
