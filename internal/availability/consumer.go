package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pvtbox/syncd/internal/slogutil"
)

var log = slogutil.NewAdapter("availability")

const (
	priorityRequestsCount = 5
	flushInterval         = 5 * time.Second
)

// ObjKey identifies one object on the wire: its kind plus its id (a
// content hash for files, a patch uuid for patches).
type ObjKey struct {
	Type ObjType
	ID   string
}

// Sender abstracts the connectivity manager's outbound send so this
// package has no dependency on its transport types. Multiple envelopes
// in one call go out as a single batched frame.
type Sender interface {
	Send(peerID string, envs ...*Envelope) error
}

// PeerLister returns the peer ids currently eligible to receive
// availability requests (spec: connected peers of node type, as opposed
// to browser-only observers).
type PeerLister interface {
	Peers() []string
}

// Consumer tracks outstanding availability-info subscriptions for this
// process and periodically (re)requests them from every eligible peer,
// mirroring availability_info_consumer.py's queue-then-flush design.
type Consumer struct {
	sender Sender
	peers  PeerLister

	mu            sync.Mutex
	subscriptions map[ObjKey]int // priority, already sent at least once
	queue         map[ObjKey]int // priority, not yet sent

	onInfo    func(peerID string, obj ObjKey, ranges []Range)
	onFailure func(peerID string, obj ObjKey, errMsg string)

	stop chan struct{}
	once sync.Once
}

// NewConsumer constructs a Consumer and starts its periodic flush timer.
// onInfo and onFailure are invoked from the flush/receive goroutine and
// must not block.
func NewConsumer(sender Sender, peers PeerLister, onInfo func(peerID string, obj ObjKey, ranges []Range), onFailure func(peerID string, obj ObjKey, errMsg string)) *Consumer {
	c := &Consumer{
		sender:        sender,
		peers:         peers,
		subscriptions: make(map[ObjKey]int),
		queue:         make(map[ObjKey]int),
		onInfo:        onInfo,
		onFailure:     onFailure,
		stop:          make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

func (c *Consumer) flushLoop() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.processQueue()
		case <-c.stop:
			return
		}
	}
}

// Stop halts the flush timer and drops all tracked subscriptions.
func (c *Consumer) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = make(map[ObjKey]int)
	c.queue = make(map[ObjKey]int)
}

// Subscribe registers interest in obj's availability. If force is
// false and obj is already subscribed, this is a no-op; priority
// controls send ordering within the next flush.
func (c *Consumer) Subscribe(obj ObjKey, force bool, priority int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force {
		if _, ok := c.subscriptions[obj]; ok {
			return
		}
	}
	c.queue[obj] = priority
}

// SubscribeMany queues several subscriptions at once.
func (c *Consumer) SubscribeMany(objs []ObjKey, priority int) {
	for _, obj := range objs {
		c.Subscribe(obj, false, priority)
	}
}

// Unsubscribe drops obj. Unless silently is set, every eligible peer is
// sent an explicit abort so it can forget this process as a subscriber.
func (c *Consumer) Unsubscribe(obj ObjKey, silently bool) {
	c.mu.Lock()
	_, wasSubscribed := c.subscriptions[obj]
	delete(c.subscriptions, obj)
	delete(c.queue, obj)
	c.mu.Unlock()

	if silently || !wasSubscribed {
		return
	}
	for _, peerID := range c.peers.Peers() {
		c.sender.Send(peerID, &Envelope{Type: MsgAbort, ObjType: obj.Type, ObjID: obj.ID}) //nolint:errcheck
	}
}

// Subscribed reports whether obj is currently tracked (sent or queued).
func (c *Consumer) Subscribed(obj ObjKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, sent := c.subscriptions[obj]
	_, queued := c.queue[obj]
	return sent || queued
}

// OnInfoReceived routes an incoming MsgInfo envelope. Objects no longer
// subscribed get an abort sent back, matching the original's handling
// of stale responses after a local unsubscribe raced the network.
func (c *Consumer) OnInfoReceived(peerID string, env *Envelope) {
	obj := ObjKey{Type: env.ObjType, ID: env.ObjID}
	c.mu.Lock()
	_, subscribed := c.subscriptions[obj]
	c.mu.Unlock()

	if !subscribed {
		c.sender.Send(peerID, &Envelope{Type: MsgAbort, ObjType: obj.Type, ObjID: obj.ID}) //nolint:errcheck
		return
	}
	if len(env.Ranges) == 0 {
		log.Debugf("empty availability info from %s for %s", peerID, env.ObjID)
		return
	}
	if c.onInfo != nil {
		c.onInfo(peerID, obj, env.Ranges)
	}
}

// OnFailureReceived routes an incoming MsgFailure envelope.
func (c *Consumer) OnFailureReceived(peerID string, env *Envelope) {
	if c.onFailure != nil {
		c.onFailure(peerID, ObjKey{Type: env.ObjType, ID: env.ObjID}, env.ErrMsg)
	}
}

// processQueue sends a request for every queued subscription to every
// eligible peer: the first priorityRequestsCount objects (by priority,
// highest first) go out individually, the rest packed MaxBatch to a
// frame. With no eligible peers the queue is left untouched for the
// next flush.
func (c *Consumer) processQueue() {
	peers := c.peers.Peers()
	if len(peers) == 0 {
		return
	}

	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	objs := make([]ObjKey, 0, len(c.queue))
	for obj := range c.queue {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return c.queue[objs[i]] > c.queue[objs[j]] })
	for _, obj := range objs {
		c.subscriptions[obj] = c.queue[obj]
	}
	c.queue = make(map[ObjKey]int)
	c.mu.Unlock()

	log.Debugf("flushing %d availability subscriptions to %d peers", len(objs), len(peers))

	var batch []*Envelope
	for i, obj := range objs {
		env := &Envelope{Type: MsgRequest, ObjType: obj.Type, ObjID: obj.ID}
		if i < priorityRequestsCount {
			for _, peerID := range peers {
				c.sender.Send(peerID, env) //nolint:errcheck
			}
			continue
		}
		batch = append(batch, env)
		if len(batch) >= MaxBatch {
			c.sendBatch(batch, peers)
			batch = nil
		}
	}
	if len(batch) > 0 {
		c.sendBatch(batch, peers)
	}
}

func (c *Consumer) sendBatch(envs []*Envelope, peers []string) {
	for _, peerID := range peers {
		c.sender.Send(peerID, envs...) //nolint:errcheck
	}
}

// OnPeerConnected immediately (re)requests every currently tracked
// subscription from the newly connected peer, batched.
func (c *Consumer) OnPeerConnected(ctx context.Context, peerID string) {
	c.mu.Lock()
	objs := make([]ObjKey, 0, len(c.subscriptions))
	for obj := range c.subscriptions {
		objs = append(objs, obj)
	}
	c.mu.Unlock()

	var batch []*Envelope
	for _, obj := range objs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		batch = append(batch, &Envelope{Type: MsgRequest, ObjType: obj.Type, ObjID: obj.ID})
		if len(batch) >= MaxBatch {
			c.sender.Send(peerID, batch...) //nolint:errcheck
			batch = nil
		}
	}
	if len(batch) > 0 {
		c.sender.Send(peerID, batch...) //nolint:errcheck
	}
}
