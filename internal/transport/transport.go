// Package transport keeps TCP links to other devices and moves framed messages
// over them. Peers are addressed by their device id.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danferreira/gswarm/internal/message"
)

var (
	ErrUnknownPeer = errors.New("peer not connected")
	errDuplicate   = errors.New("already connected")
)

// Handler receives everything arriving from the network. Calls come from
// connection goroutines.
type Handler interface {
	HandleMessage(peer string, msg message.Message)
	PeerConnected(peer string)
	PeerDisconnected(peer string)
}

type Config struct {
	Listen               string
	Peers                []string
	MaxPeers             int
	DialTimeout          time.Duration
	HousekeepingInterval time.Duration
	Connection           ConnectionConfig
}

func NewDefaultConfig() Config {
	return Config{
		MaxPeers:             50,
		DialTimeout:          5 * time.Second,
		HousekeepingInterval: 5 * time.Second,
		Connection:           NewDefaultConnectionConfig(),
	}
}

type Transport struct {
	mu       sync.Mutex
	config   Config
	deviceID uuid.UUID
	pool     *Pool
	stats    *Stats

	ctx     context.Context
	handler Handler

	conns   map[string]*Connection
	addrs   map[string]string
	dialing map[string]bool
}

func New(deviceID uuid.UUID, config Config) *Transport {
	pool := NewPool(len(config.Peers))
	pool.PushMany(config.Peers)

	return &Transport{
		config:   config,
		deviceID: deviceID,
		pool:     pool,
		stats:    &Stats{},

		ctx:     context.Background(),
		conns:   make(map[string]*Connection),
		addrs:   make(map[string]string),
		dialing: make(map[string]bool),
	}
}

func (t *Transport) DeviceID() uuid.UUID {
	return t.deviceID
}

func (t *Transport) Stats() *Stats {
	return t.stats
}

// Run accepts inbound links on the configured address, if any, and keeps
// dialing pooled addresses until ctx is done.
func (t *Transport) Run(ctx context.Context, h Handler) error {
	t.mu.Lock()
	t.ctx = ctx
	t.handler = h
	t.mu.Unlock()

	if t.config.Listen != "" {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", t.config.Listen)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", t.config.Listen, err)
		}
		slog.Info("listening for peers", "addr", ln.Addr().String())

		go func() {
			<-ctx.Done()
			ln.Close()
		}()
		go t.acceptLoop(ctx, ln)
	}

	t.fillConnections(ctx)

	ticker := time.NewTicker(t.config.HousekeepingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.closeAll()
			return nil
		case <-ticker.C:
			t.fillConnections(ctx)
		}
	}
}

func (t *Transport) AddPeers(addrs []string) {
	t.pool.PushMany(addrs)
}

// Send queues msg for peer.
func (t *Transport) Send(peer string, msg message.Message) error {
	t.mu.Lock()
	c, ok := t.conns[peer]
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return c.Send(msg)
}

// Reconnect drops the link to peer. A peer reached through a dialed address
// is redialed right away; an inbound peer has to come back on its own.
func (t *Transport) Reconnect(peer string) {
	t.mu.Lock()
	c, ok := t.conns[peer]
	addr := t.addrs[peer]
	ctx := t.ctx
	t.mu.Unlock()

	if !ok {
		return
	}

	slog.Info("reconnecting peer", "peer", peer)

	// Close runs the disconnect callbacks, which must not block the caller.
	go func() {
		c.Close()
		if addr != "" && ctx.Err() == nil {
			t.dial(ctx, addr)
		}
	}()
}

// Peers lists connected device ids in order.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]string, 0, len(t.conns))
	for p := range t.conns {
		peers = append(peers, p)
	}
	slices.Sort(peers)
	return peers
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("failed to accept connection", "error", err)
			continue
		}

		go func() {
			if err := t.Accept(conn); err != nil {
				slog.Warn("rejected inbound connection", "addr", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// Accept completes the listener side of a handshake on conn and registers it.
func (t *Transport) Accept(conn net.Conn) error {
	slog.Info("new inbound connection", "addr", conn.RemoteAddr().String())

	remote, err := acceptHandshake(conn, t.deviceID, t.config.Connection.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return err
	}

	return t.register(newConnection(conn, remote, "", t.config.Connection, t.stats))
}

func (t *Transport) fillConnections(ctx context.Context) {
	for {
		t.mu.Lock()
		busy := len(t.conns) + len(t.dialing)
		t.mu.Unlock()

		if busy >= t.config.MaxPeers {
			return
		}

		addr, ok := t.pool.Pop()
		if !ok {
			return
		}
		go t.dial(ctx, addr)
	}
}

func (t *Transport) dial(ctx context.Context, addr string) {
	if t.connectedTo(addr) {
		return
	}

	t.mu.Lock()
	if t.dialing[addr] {
		t.mu.Unlock()
		return
	}
	t.dialing[addr] = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.dialing, addr)
		t.mu.Unlock()
	}()

	if err := t.Dial(ctx, addr); err != nil {
		if errors.Is(err, errDuplicate) {
			slog.Debug("keeping existing link", "addr", addr)
			return
		}
		slog.Warn("failed to connect to peer", "addr", addr, "error", err)
		if ctx.Err() == nil {
			t.pool.Push(addr)
		}
	}
}

// Dial connects to addr and registers the link.
func (t *Transport) Dial(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	remote, err := dialHandshake(conn, t.deviceID, t.config.Connection.HandshakeTimeout)
	if err != nil {
		conn.Close()
		return err
	}

	return t.register(newConnection(conn, remote, addr, t.config.Connection, t.stats))
}

func (t *Transport) register(c *Connection) error {
	t.mu.Lock()
	if c.addr != "" {
		t.addrs[c.peer] = c.addr
	}
	old, dup := t.conns[c.peer]
	if dup && !t.prefers(c) {
		t.mu.Unlock()
		c.Close()
		return fmt.Errorf("%w: %s", errDuplicate, c.peer)
	}
	t.conns[c.peer] = c
	ctx, h := t.ctx, t.handler
	t.mu.Unlock()

	if dup {
		old.Close()
	}

	c.logger.Info("peer connected")

	if h != nil {
		h.PeerConnected(c.peer)
	}
	c.start(ctx, t.wrap(h), func() { t.unregister(c) })
	return nil
}

// prefers breaks ties when two devices dial each other at once: both keep the
// link dialed by the smaller device id.
func (t *Transport) prefers(c *Connection) bool {
	self := t.deviceID.String()
	dialer := c.peer
	if c.addr != "" {
		dialer = self
	}
	return dialer == min(self, c.peer)
}

func (t *Transport) unregister(c *Connection) {
	t.mu.Lock()
	if t.conns[c.peer] != c {
		t.mu.Unlock()
		return
	}
	delete(t.conns, c.peer)
	addr := t.addrs[c.peer]
	ctx, h := t.ctx, t.handler
	t.mu.Unlock()

	if h != nil {
		h.PeerDisconnected(c.peer)
	}
	if addr != "" && ctx.Err() == nil {
		t.pool.Push(addr)
	}
}

func (t *Transport) connectedTo(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for peer, c := range t.conns {
		if t.addrs[peer] == addr && c != nil {
			return true
		}
	}
	return false
}

func (t *Transport) closeAll() {
	t.mu.Lock()
	conns := make([]*Connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (t *Transport) wrap(h Handler) Handler {
	if h == nil {
		return discard{}
	}
	return h
}

type discard struct{}

func (discard) HandleMessage(string, message.Message) {}
func (discard) PeerConnected(string)                  {}
func (discard) PeerDisconnected(string)               {}
