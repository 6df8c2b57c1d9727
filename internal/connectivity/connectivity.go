// Package connectivity implements the ConnectivityManager: it maintains
// a pool of data channels per connected peer, multiplexes outgoing
// sends across them, and classifies each peer's connection as direct or
// relayed (spec §4.3).
package connectivity

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"

	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("connectivity")

const (
	connectTimeout     = 20 * time.Second
	reconnectDebounce  = 1 * time.Second
	maxChannelsPerPeer = 8
	resendInterval     = 250 * time.Millisecond
	limiterWaitRetry   = 15 * time.Millisecond

	// maxBufferCapacity is the per-channel buffered-amount ceiling; a
	// channel is only eligible for a send while its buffered amount sits
	// below half of it.
	maxBufferCapacity = 16 << 20
)

var ErrNoChannel = errors.New("connectivity: no channel available to peer")
var ErrUnknownPeer = errors.New("connectivity: unknown peer")

// ChannelStats reports transport-level classification data used to
// decide whether a peer is reached directly or through a relay: Direct
// is false when the nominated candidate pair has a relay endpoint.
type ChannelStats struct {
	Direct bool
}

// DataChannel is a single outgoing or incoming transport channel to a
// peer, supplied by the WebRTC/signalling external collaborator.
type DataChannel interface {
	Send([]byte) error
	BufferedAmount() int
	Close() error
	Closed() <-chan struct{}
	Stats(ctx context.Context) (ChannelStats, error)
}

// Dialer opens new outgoing data channels to a peer on demand.
type Dialer interface {
	Dial(ctx context.Context, peerID string) (DataChannel, error)
}

// Signals fan out set-valued connectivity changes to whoever cares
// (the availability layer, the GUI): each call carries the full current
// set of peers holding at least one open channel in that direction.
type Signals struct {
	ConnectedIncoming func(peerIDs []string)
	ConnectedOutgoing func(peerIDs []string)
}

type channelSet struct {
	incoming   []DataChannel
	outgoing   []DataChannel
	lastDial   time.Time
	direct     bool
	classified bool
}

// Manager is the ConnectivityManager (spec §4.3).
type Manager struct {
	dialer  Dialer
	limiter *rate.Limiter
	signals Signals

	mu    sync.Mutex
	peers map[string]*channelSet

	// Byte meters split by channel classification; the network speed
	// calculator reads their one-minute rates.
	directBytes  metrics.Meter
	relayedBytes metrics.Meter
}

// New constructs a Manager. uploadBytesPerSec and burstBytes parametrize
// the shared upload rate limiter (golang.org/x/time/rate.Limiter, the
// token-bucket counterpart to the original leaky bucket).
func New(dialer Dialer, uploadBytesPerSec, burstBytes int) *Manager {
	return &Manager{
		dialer:       dialer,
		limiter:      rate.NewLimiter(rate.Limit(uploadBytesPerSec), burstBytes),
		peers:        make(map[string]*channelSet),
		directBytes:  metrics.NewMeter(),
		relayedBytes: metrics.NewMeter(),
	}
}

// SetSignals registers the set-valued connectivity change callbacks.
// Must be called before the manager starts handling traffic.
func (m *Manager) SetSignals(s Signals) {
	m.signals = s
}

// channelCap bounds how many channels a single peer may hold open:
// ceil(5 / onlinePeers) + 1, capped at maxChannelsPerPeer, so a process
// with few peers opens more parallel channels per peer and one with
// many peers opens fewer.
func channelCap(onlinePeers int) int {
	if onlinePeers <= 0 {
		onlinePeers = 1
	}
	cap := (5+onlinePeers-1)/onlinePeers + 1
	if cap > maxChannelsPerPeer {
		cap = maxChannelsPerPeer
	}
	return cap
}

func (m *Manager) setOf(peerID string) *channelSet {
	cs, ok := m.peers[peerID]
	if !ok {
		cs = &channelSet{}
		m.peers[peerID] = cs
	}
	return cs
}

// AddIncoming registers a channel the peer dialed to us.
func (m *Manager) AddIncoming(peerID string, ch DataChannel) {
	m.mu.Lock()
	cs := m.setOf(peerID)
	cs.incoming = append(cs.incoming, ch)
	m.mu.Unlock()
	go m.watchClose(peerID, ch, true)
	m.emitConnected()
}

func (m *Manager) watchClose(peerID string, ch DataChannel, incoming bool) {
	<-ch.Closed()
	m.mu.Lock()
	cs, ok := m.peers[peerID]
	if ok {
		if incoming {
			cs.incoming = removeChannel(cs.incoming, ch)
		} else {
			cs.outgoing = removeChannel(cs.outgoing, ch)
		}
	}
	m.mu.Unlock()
	if ok {
		m.emitConnected()
	}
}

func removeChannel(chans []DataChannel, target DataChannel) []DataChannel {
	out := chans[:0]
	for _, c := range chans {
		if c != target {
			out = append(out, c)
		}
	}
	return out
}

// Peers returns the ids of every peer currently holding at least one
// open channel in either direction.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for id, cs := range m.peers {
		if len(cs.incoming)+len(cs.outgoing) > 0 {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) connectedSets() (incoming, outgoing []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cs := range m.peers {
		if len(cs.incoming) > 0 {
			incoming = append(incoming, id)
		}
		if len(cs.outgoing) > 0 {
			outgoing = append(outgoing, id)
		}
	}
	return incoming, outgoing
}

func (m *Manager) emitConnected() {
	incoming, outgoing := m.connectedSets()
	if m.signals.ConnectedIncoming != nil {
		m.signals.ConnectedIncoming(incoming)
	}
	if m.signals.ConnectedOutgoing != nil {
		m.signals.ConnectedOutgoing(outgoing)
	}
}

// ensureOutgoing dials additional outgoing channels up to channelCap
// for the current number of online peers, honoring the connect timeout
// and a debounce so a flaky peer isn't redialed more than once a second.
func (m *Manager) ensureOutgoing(ctx context.Context, peerID string, onlinePeers int) error {
	m.mu.Lock()
	cs := m.setOf(peerID)
	need := channelCap(onlinePeers) - len(cs.outgoing)
	if need <= 0 || time.Since(cs.lastDial) < reconnectDebounce {
		m.mu.Unlock()
		return nil
	}
	cs.lastDial = time.Now()
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	for i := 0; i < need; i++ {
		ch, err := m.dialer.Dial(dialCtx, peerID)
		if err != nil {
			return err
		}
		m.mu.Lock()
		cs := m.setOf(peerID)
		cs.outgoing = append(cs.outgoing, ch)
		m.mu.Unlock()
		go m.watchClose(peerID, ch, false)
	}
	m.emitConnected()
	return nil
}

// Send transmits payload to peerID over a random eligible channel in
// the requested direction (one whose buffered amount is below half of
// maxBufferCapacity), falling back to an eligible channel in the other
// direction. If no channel qualifies, the send is retried after
// resendInterval. Upload bandwidth is gated by the shared rate
// limiter.
func (m *Manager) Send(ctx context.Context, peerID string, payload []byte, byIncoming bool) error {
	for {
		if err := m.limiter.WaitN(ctx, len(payload)); err != nil {
			return err
		}

		ch, err := m.pickChannel(peerID, byIncoming)
		if err != nil {
			return err
		}
		if ch == nil {
			select {
			case <-time.After(resendInterval):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := ch.Send(payload); err != nil {
			select {
			case <-time.After(limiterWaitRetry):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		m.countBytes(peerID, len(payload))
		return nil
	}
}

// SendList transmits payloads to peerID in order. Before each message
// the predicate is consulted; the moment it reports false, onAbandoned
// is invoked with the unsent tail and the rest of the batch is dropped.
// pred and onAbandoned may be nil.
func (m *Manager) SendList(ctx context.Context, peerID string, payloads [][]byte, byIncoming bool, pred func() bool, onAbandoned func(unsent [][]byte)) error {
	for i, payload := range payloads {
		if pred != nil && !pred() {
			if onAbandoned != nil {
				onAbandoned(payloads[i:])
			}
			return nil
		}
		if err := m.Send(ctx, peerID, payload, byIncoming); err != nil {
			if onAbandoned != nil {
				onAbandoned(payloads[i:])
			}
			return err
		}
	}
	return nil
}

func (m *Manager) countBytes(peerID string, n int) {
	m.mu.Lock()
	cs, ok := m.peers[peerID]
	direct := ok && (!cs.classified || cs.direct)
	m.mu.Unlock()
	if direct {
		m.directBytes.Mark(int64(n))
	} else {
		m.relayedBytes.Mark(int64(n))
	}
}

// TransferRates reports the one-minute moving-average byte rates over
// direct and relayed channels, feeding the network speed display.
func (m *Manager) TransferRates() (direct, relayed float64) {
	return m.directBytes.Rate1(), m.relayedBytes.Rate1()
}

func (m *Manager) pickChannel(peerID string, byIncoming bool) (DataChannel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.peers[peerID]
	if !ok {
		return nil, ErrUnknownPeer
	}
	primary, fallback := cs.outgoing, cs.incoming
	if byIncoming {
		primary, fallback = cs.incoming, cs.outgoing
	}
	if ch := pickEligible(primary); ch != nil {
		return ch, nil
	}
	return pickEligible(fallback), nil
}

// pickEligible picks a random channel whose buffered amount is below
// half of maxBufferCapacity, sampling a few candidates and keeping the
// least buffered to bias away from congestion.
func pickEligible(chans []DataChannel) DataChannel {
	if len(chans) == 0 {
		return nil
	}
	const sample = 3
	var best DataChannel
	for i := 0; i < sample; i++ {
		c := chans[rand.Intn(len(chans))]
		if c.BufferedAmount() >= maxBufferCapacity/2 {
			continue
		}
		if best == nil || c.BufferedAmount() < best.BufferedAmount() {
			best = c
		}
	}
	return best
}

// ClassifyPeer queries one of peerID's channels for transport stats and
// caches whether the connection is direct or relayed. Issued once per
// freshly opened channel; subsequent calls return the cached result.
func (m *Manager) ClassifyPeer(ctx context.Context, peerID string) (bool, error) {
	m.mu.Lock()
	cs, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return false, ErrUnknownPeer
	}
	if cs.classified {
		direct := cs.direct
		m.mu.Unlock()
		return direct, nil
	}
	ch := pickEligible(cs.outgoing)
	if ch == nil {
		ch = pickEligible(cs.incoming)
	}
	m.mu.Unlock()
	if ch == nil {
		return false, ErrNoChannel
	}

	stats, err := ch.Stats(ctx)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	cs.direct = stats.Direct
	cs.classified = true
	m.mu.Unlock()
	return stats.Direct, nil
}

// RemovePeer closes and forgets every channel held for peerID.
// Idempotent: removing an unknown peer is a no-op.
func (m *Manager) RemovePeer(peerID string) {
	m.mu.Lock()
	cs, ok := m.peers[peerID]
	delete(m.peers, peerID)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, ch := range cs.incoming {
		ch.Close() //nolint:errcheck
	}
	for _, ch := range cs.outgoing {
		ch.Close() //nolint:errcheck
	}
	m.emitConnected()
}

// DisconnectFromAllNodes wipes every channel to every peer, emitting
// the two set-valued connectivity signals once with empty sets. Called
// when the signal-server connection is lost (spec §4.3 failure model).
func (m *Manager) DisconnectFromAllNodes() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[string]*channelSet)
	m.mu.Unlock()

	for id, cs := range peers {
		log.Debugf("disconnecting from %s", id)
		for _, ch := range cs.incoming {
			ch.Close() //nolint:errcheck
		}
		for _, ch := range cs.outgoing {
			ch.Close() //nolint:errcheck
		}
	}
	m.emitConnected()
}

// Connect dials channels to peerID up to the current per-peer cap given
// onlinePeers total connected peers.
func (m *Manager) Connect(ctx context.Context, peerID string, onlinePeers int) error {
	log.Debugf("connecting to %s (onlinePeers=%d, cap=%d)", peerID, onlinePeers, channelCap(onlinePeers))
	return m.ensureOutgoing(ctx, peerID, onlinePeers)
}
