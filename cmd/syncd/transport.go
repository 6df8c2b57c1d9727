package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pvtbox/syncd/internal/availability"
	"github.com/pvtbox/syncd/internal/connectivity"
)

// The development transport: plain TCP connections standing in for the
// WebRTC data channels the production signalling stack supplies through
// the same connectivity.Dialer/DataChannel interfaces. Each connection
// opens with one line naming the dialing peer, then carries availability
// frames back to back.

type tcpChannel struct {
	conn   net.Conn
	closed chan struct{}
	once   sync.Once
	mu     sync.Mutex
}

func (c *tcpChannel) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.conn.Write(p)
	if err != nil {
		c.close()
	}
	return err
}

// BufferedAmount is always zero for the blocking TCP stand-in; the
// kernel's socket buffer provides the backpressure WebRTC reports
// explicitly.
func (c *tcpChannel) BufferedAmount() int { return 0 }

func (c *tcpChannel) Close() error {
	c.close()
	return c.conn.Close()
}

func (c *tcpChannel) close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *tcpChannel) Closed() <-chan struct{} { return c.closed }

// Stats reports every TCP connection as direct; relay classification
// only exists for the ICE-negotiated production transport.
func (c *tcpChannel) Stats(ctx context.Context) (connectivity.ChannelStats, error) {
	return connectivity.ChannelStats{Direct: true}, nil
}

// frameHandler routes decoded envelopes from a peer.
type frameHandler func(peerID string, env *availability.Envelope)

// tcpTransport dials and accepts development channels and runs one read
// loop per connection.
type tcpTransport struct {
	selfID  string
	addrs   map[string]string // peerID -> host:port
	handler frameHandler

	mu       sync.Mutex
	listener net.Listener
}

func newTCPTransport(selfID string, peerSpecs []string, handler frameHandler) (*tcpTransport, error) {
	addrs := make(map[string]string, len(peerSpecs))
	for _, spec := range peerSpecs {
		id, addr, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("bad peer spec %q (want id=host:port)", spec)
		}
		addrs[id] = addr
	}
	return &tcpTransport{selfID: selfID, addrs: addrs, handler: handler}, nil
}

// Dial implements connectivity.Dialer.
func (t *tcpTransport) Dial(ctx context.Context, peerID string) (connectivity.DataChannel, error) {
	addr, ok := t.addrs[peerID]
	if !ok {
		return nil, fmt.Errorf("no address known for peer %s", peerID)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if _, err := fmt.Fprintf(conn, "%s\n", t.selfID); err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	ch := &tcpChannel{conn: conn, closed: make(chan struct{})}
	go t.readLoop(peerID, ch)
	return ch, nil
}

// Listen accepts incoming channels on addr and registers each with mgr.
func (t *tcpTransport) Listen(ctx context.Context, addr string, mgr *connectivity.Manager) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.Close() //nolint:errcheck
	}()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go t.handleIncoming(conn, mgr)
		}
	}()
	return nil
}

func (t *tcpTransport) handleIncoming(conn net.Conn, mgr *connectivity.Manager) {
	r := bufio.NewReader(conn)
	peerID, err := r.ReadString('\n')
	if err != nil {
		conn.Close() //nolint:errcheck
		return
	}
	peerID = strings.TrimSpace(peerID)
	ch := &tcpChannel{conn: conn, closed: make(chan struct{})}
	mgr.AddIncoming(peerID, ch)
	t.readFrames(peerID, ch, r)
}

func (t *tcpTransport) readLoop(peerID string, ch *tcpChannel) {
	t.readFrames(peerID, ch, bufio.NewReader(ch.conn))
}

func (t *tcpTransport) readFrames(peerID string, ch *tcpChannel, r *bufio.Reader) {
	defer ch.close()
	for {
		envs, err := availability.Decode(r)
		if err != nil {
			return
		}
		for _, env := range envs {
			t.handler(peerID, env)
		}
	}
}

// envelopeSender adapts the connectivity manager's byte-level Send into
// the availability.Sender the consumer, supplier and download manager
// share, batching multiple envelopes into one frame.
type envelopeSender struct {
	mgr *connectivity.Manager
	ctx context.Context
}

func (s *envelopeSender) Send(peerID string, envs ...*availability.Envelope) error {
	var buf bytes.Buffer
	if err := availability.EncodeBatch(&buf, envs); err != nil {
		return err
	}
	return s.mgr.Send(s.ctx, peerID, buf.Bytes(), false)
}
