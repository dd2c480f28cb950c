package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danferreira/gswarm/internal/message"
)

var (
	deviceA = uuid.MustParse("00000000-0000-4000-8000-00000000000a")
	deviceB = uuid.MustParse("00000000-0000-4000-8000-00000000000b")
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type received struct {
	peer string
	msg  message.Message
}

type recordingHandler struct {
	mu           sync.Mutex
	messages     []received
	connected    []string
	disconnected []string

	// hold, when set, blocks PeerDisconnected until closed.
	hold chan struct{}
}

func (h *recordingHandler) HandleMessage(peer string, msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, received{peer, msg})
}

func (h *recordingHandler) PeerConnected(peer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, peer)
}

func (h *recordingHandler) PeerDisconnected(peer string) {
	if h.hold != nil {
		<-h.hold
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, peer)
}

func (h *recordingHandler) snapshot() ([]received, []string, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]received(nil), h.messages...), append([]string(nil), h.connected...), append([]string(nil), h.disconnected...)
}

func newTestTransport(t *testing.T, id uuid.UUID) (*Transport, *recordingHandler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	config := NewDefaultConfig()
	config.Connection.HandshakeTimeout = time.Second

	tr := New(id, config)
	h := &recordingHandler{}
	tr.ctx = ctx
	tr.handler = h
	t.Cleanup(tr.closeAll)
	return tr, h
}

// connectPipe links a (listener side) and b (dialer side) over net.Pipe.
func connectPipe(t *testing.T, a, b *Transport) {
	t.Helper()

	server, client := net.Pipe()

	accepted := make(chan error, 1)
	go func() { accepted <- a.Accept(server) }()

	remote, err := dialHandshake(client, b.deviceID, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.register(newConnection(client, remote, "pipe", b.config.Connection, b.stats)))
	require.NoError(t, <-accepted)
}

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{DeviceID: deviceA}

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, 1+len(ProtocolIdentifier)+16, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, deviceA, got.DeviceID)
}

func TestReadHandshakeRejectsForeignProtocol(t *testing.T) {
	buf := append([]byte{19}, []byte("BitTorrent protocol")...)
	_, err := ReadHandshake(bytes.NewReader(buf))
	assert.Error(t, err)

	h := Handshake{DeviceID: uuid.Nil}
	_, err = ReadHandshake(bytes.NewReader(h.Serialize()))
	assert.Error(t, err)
}

func TestExchangeMessages(t *testing.T) {
	a, ha := newTestTransport(t, deviceA)
	b, hb := newTestTransport(t, deviceB)

	connectPipe(t, a, b)

	assert.Equal(t, []string{deviceB.String()}, a.Peers())
	assert.Equal(t, []string{deviceA.String()}, b.Peers())

	req := message.DataRequest{Key: message.FileKey("obj"), Offset: 0, Length: 10}
	require.NoError(t, b.Send(deviceA.String(), req))

	assert.Eventually(t, func() bool {
		msgs, _, _ := ha.snapshot()
		return len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	msgs, connected, _ := ha.snapshot()
	assert.Equal(t, received{deviceB.String(), req}, msgs[0])
	assert.Equal(t, []string{deviceB.String()}, connected)

	resp := message.DataResponse{Key: message.FileKey("obj"), Offset: 0, Data: bytes.Repeat([]byte{7}, 10)}
	require.NoError(t, a.Send(deviceB.String(), resp))

	assert.Eventually(t, func() bool {
		msgs, _, _ := hb.snapshot()
		return len(msgs) == 1
	}, time.Second, 10*time.Millisecond)

	down, up := b.Stats().GetSnapshot()
	assert.Positive(t, down)
	assert.Positive(t, up)
}

func TestSendToUnknownPeer(t *testing.T) {
	a, _ := newTestTransport(t, deviceA)

	err := a.Send(deviceB.String(), message.AvailabilityRequest{Key: message.FileKey("x")})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestReconnectDropsLink(t *testing.T) {
	a, ha := newTestTransport(t, deviceA)
	b, hb := newTestTransport(t, deviceB)
	connectPipe(t, a, b)

	// the pipe address cannot be redialed, so it lands back in the pool
	b.Reconnect(deviceA.String())

	assert.Eventually(t, func() bool {
		_, _, da := ha.snapshot()
		_, _, db := hb.snapshot()
		return len(da) == 1 && len(db) == 1 && b.pool.Len() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, a.Peers())
	assert.Empty(t, b.Peers())
}

func TestReconnectDoesNotWaitForDisconnectHandler(t *testing.T) {
	a, _ := newTestTransport(t, deviceA)
	b, hb := newTestTransport(t, deviceB)
	connectPipe(t, a, b)

	hb.hold = make(chan struct{})
	defer close(hb.hold)

	returned := make(chan struct{})
	go func() {
		b.Reconnect(deviceA.String())
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Reconnect waited for the disconnect handler")
	}
}

func TestRejectsSelfConnection(t *testing.T) {
	a, _ := newTestTransport(t, deviceA)

	server, client := net.Pipe()
	defer client.Close()

	accepted := make(chan error, 1)
	go func() { accepted <- a.Accept(server) }()

	h := Handshake{DeviceID: deviceA}
	require.NoError(t, h.Write(client))

	assert.Error(t, <-accepted)
	assert.Empty(t, a.Peers())
}

func TestMalformedFrameClosesLink(t *testing.T) {
	a, ha := newTestTransport(t, deviceA)

	server, client := net.Pipe()
	defer client.Close()

	accepted := make(chan error, 1)
	go func() { accepted <- a.Accept(server) }()

	_, err := dialHandshake(client, deviceB, time.Second)
	require.NoError(t, err)
	require.NoError(t, <-accepted)

	bad := message.Frame{ID: 42, Payload: []byte("junk")}
	_, err = client.Write(bad.Serialize())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, _, disconnected := ha.snapshot()
		return len(disconnected) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDialOverTCP(t *testing.T) {
	a, ha := newTestTransport(t, deviceA)
	b, _ := newTestTransport(t, deviceB)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = a.Accept(conn)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, b.Dial(ctx, ln.Addr().String()))
	assert.Equal(t, []string{deviceA.String()}, b.Peers())
	assert.True(t, b.connectedTo(ln.Addr().String()))

	assert.Eventually(t, func() bool {
		_, connected, _ := ha.snapshot()
		return len(connected) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDuplicateLinkTieBreak(t *testing.T) {
	a := New(deviceA, NewDefaultConfig())

	// a dialed b: a has the smaller id, so its own dial wins
	assert.True(t, a.prefers(&Connection{peer: deviceB.String(), addr: "b:1"}))
	assert.False(t, a.prefers(&Connection{peer: deviceB.String()}))

	b := New(deviceB, NewDefaultConfig())
	assert.False(t, b.prefers(&Connection{peer: deviceA.String(), addr: "a:1"}))
	assert.True(t, b.prefers(&Connection{peer: deviceA.String()}))
}

func TestPool(t *testing.T) {
	p := NewPool(2)
	p.PushMany([]string{"a:1", "b:1", "a:1", ""})
	assert.Equal(t, 2, p.Len())

	addr, ok := p.Pop()
	require.True(t, ok)
	assert.Equal(t, "a:1", addr)

	p.Push("a:1")
	p.Push("b:1")
	assert.Equal(t, 2, p.Len())

	addr, _ = p.Pop()
	assert.Equal(t, "b:1", addr)
	addr, _ = p.Pop()
	assert.Equal(t, "a:1", addr)

	_, ok = p.Pop()
	assert.False(t, ok)
}
