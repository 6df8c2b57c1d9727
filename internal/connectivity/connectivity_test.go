package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu       sync.Mutex
	sent     [][]byte
	buffered int
	direct   bool
	closed   chan struct{}
	once     sync.Once
	sendErr  error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{closed: make(chan struct{}), direct: true}
}

func (c *fakeChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), p...))
	return nil
}

func (c *fakeChannel) BufferedAmount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) Closed() <-chan struct{} { return c.closed }

func (c *fakeChannel) Stats(ctx context.Context) (ChannelStats, error) {
	return ChannelStats{Direct: c.direct}, nil
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	make  func() *fakeChannel
}

func (d *fakeDialer) Dial(ctx context.Context, peerID string) (DataChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.make != nil {
		return d.make(), nil
	}
	return newFakeChannel(), nil
}

func newTestManager() *Manager {
	return New(&fakeDialer{}, 100<<20, 16<<20)
}

func TestChannelCap(t *testing.T) {
	// ceil(5/peers)+1, hard cap 8 (spec §8 property 7).
	assert.Equal(t, 6, channelCap(1))
	assert.Equal(t, 4, channelCap(2))
	assert.Equal(t, 3, channelCap(3))
	assert.Equal(t, 2, channelCap(5))
	assert.Equal(t, 2, channelCap(100))
	assert.Equal(t, 6, channelCap(0))
	for peers := 1; peers < 50; peers++ {
		assert.LessOrEqual(t, channelCap(peers), 8)
	}
}

func TestConnectDialsUpToCap(t *testing.T) {
	dialer := &fakeDialer{}
	m := New(dialer, 100<<20, 16<<20)

	require.NoError(t, m.Connect(context.Background(), "peer-1", 1))
	assert.Equal(t, 6, dialer.dials)

	// Within the debounce window a reconnect attempt is coalesced away.
	require.NoError(t, m.Connect(context.Background(), "peer-1", 1))
	assert.Equal(t, 6, dialer.dials)
}

func TestSendPrefersRequestedDirection(t *testing.T) {
	m := newTestManager()
	in := newFakeChannel()
	m.AddIncoming("peer-1", in)

	require.NoError(t, m.Send(context.Background(), "peer-1", []byte("hello"), true))
	assert.Equal(t, 1, in.sentCount())
}

func TestSendUnknownPeer(t *testing.T) {
	m := newTestManager()
	err := m.Send(context.Background(), "nobody", []byte("x"), false)
	require.ErrorIs(t, err, ErrUnknownPeer)
}

func TestSendSkipsCongestedChannel(t *testing.T) {
	m := newTestManager()
	congested := newFakeChannel()
	congested.buffered = maxBufferCapacity / 2 // at the threshold: ineligible
	free := newFakeChannel()
	m.AddIncoming("peer-1", congested)
	m.AddIncoming("peer-1", free)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Send(context.Background(), "peer-1", []byte("x"), true))
	}
	assert.Zero(t, congested.sentCount())
	assert.Equal(t, 10, free.sentCount())
}

func TestSendAllChannelsCongestedRetriesUntilCancel(t *testing.T) {
	m := newTestManager()
	congested := newFakeChannel()
	congested.buffered = maxBufferCapacity
	m.AddIncoming("peer-1", congested)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, "peer-1", []byte("x"), true)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, congested.sentCount())
}

func TestSendListAbandonsTailWhenPredicateFails(t *testing.T) {
	m := newTestManager()
	ch := newFakeChannel()
	m.AddIncoming("peer-1", ch)

	payloads := [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}
	calls := 0
	var abandoned [][]byte
	err := m.SendList(context.Background(), "peer-1", payloads, true,
		func() bool { calls++; return calls <= 2 },
		func(unsent [][]byte) { abandoned = unsent })

	require.NoError(t, err)
	assert.Equal(t, 2, ch.sentCount())
	require.Len(t, abandoned, 2)
	assert.Equal(t, []byte("c"), abandoned[0])
}

func TestClassifyPeerCachesResult(t *testing.T) {
	m := newTestManager()
	ch := newFakeChannel()
	ch.direct = false
	m.AddIncoming("peer-1", ch)

	direct, err := m.ClassifyPeer(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.False(t, direct)

	// Classification sticks even if the channel would now report direct.
	ch.direct = true
	direct, err = m.ClassifyPeer(context.Background(), "peer-1")
	require.NoError(t, err)
	assert.False(t, direct)
}

func TestRelayedBytesCounted(t *testing.T) {
	m := newTestManager()
	ch := newFakeChannel()
	ch.direct = false
	m.AddIncoming("peer-1", ch)

	_, err := m.ClassifyPeer(context.Background(), "peer-1")
	require.NoError(t, err)

	require.NoError(t, m.Send(context.Background(), "peer-1", make([]byte, 1024), true))
	assert.Equal(t, int64(1024), m.relayedBytes.Count())
	assert.Zero(t, m.directBytes.Count())
}

func TestDisconnectFromAllNodesEmitsEmptySets(t *testing.T) {
	m := newTestManager()

	var mu sync.Mutex
	var lastIncoming, lastOutgoing []string
	m.SetSignals(Signals{
		ConnectedIncoming: func(ids []string) { mu.Lock(); lastIncoming = ids; mu.Unlock() },
		ConnectedOutgoing: func(ids []string) { mu.Lock(); lastOutgoing = ids; mu.Unlock() },
	})

	chA, chB := newFakeChannel(), newFakeChannel()
	m.AddIncoming("peer-a", chA)
	m.AddIncoming("peer-b", chB)
	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, m.Peers())

	m.DisconnectFromAllNodes()

	assert.Empty(t, m.Peers())
	mu.Lock()
	assert.Empty(t, lastIncoming)
	assert.Empty(t, lastOutgoing)
	mu.Unlock()

	select {
	case <-chA.Closed():
	default:
		t.Fatal("channel A not closed")
	}

	// Per-peer disconnection is idempotent.
	m.RemovePeer("peer-a")
	m.RemovePeer("peer-a")
}
