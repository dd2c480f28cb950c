package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/danferreira/gswarm/internal/message"
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrQueueFull = errors.New("outgoing queue full")
)

type ConnectionConfig struct {
	HandshakeTimeout  time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	KeepAliveInterval time.Duration
	OutgoingQueue     int
	Compress          bool
}

func NewDefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		HandshakeTimeout:  5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      10 * time.Second,
		KeepAliveInterval: 30 * time.Second,
		OutgoingQueue:     256,
		Compress:          true,
	}
}

// Connection is an established, handshaken link to one remote device.
type Connection struct {
	conn   net.Conn
	peer   string
	addr   string
	logger *slog.Logger

	config  ConnectionConfig
	encoder message.Encoder
	stats   *Stats

	outgoing chan *message.Frame
	done     chan struct{}

	closeOnce sync.Once
	onClose   func()
}

func newConnection(conn net.Conn, peer uuid.UUID, addr string, config ConnectionConfig, stats *Stats) *Connection {
	return &Connection{
		conn:   conn,
		peer:   peer.String(),
		addr:   addr,
		logger: slog.With("peer", peer.String()),

		config:  config,
		encoder: message.Encoder{Compress: config.Compress},
		stats:   stats,

		outgoing: make(chan *message.Frame, config.OutgoingQueue),
		done:     make(chan struct{}),
	}
}

func (c *Connection) Peer() string {
	return c.peer
}

// Send queues msg without blocking the caller.
func (c *Connection) Send(msg message.Message) error {
	f, err := c.encoder.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- f:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrQueueFull
	}
}

func (c *Connection) start(ctx context.Context, h Handler, onClose func()) {
	ctx, cancel := context.WithCancel(ctx)
	c.onClose = onClose

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		cancel()
		c.Close()
	}()

	go c.messageReaderWorker(h)
	go c.messageWriterWorker(ctx)
}

func (c *Connection) messageReaderWorker(h Handler) {
	c.logger.Debug("starting message reader")

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			c.logger.Error("error setting read deadline", "error", err)
			c.Close()
			return
		}

		f, err := message.ReadFrame(c.conn)
		if err != nil {
			if isConnectionClosed(err) {
				c.logger.Info("connection closed")
			} else {
				c.logger.Error("failed to read frame", "error", err)
			}
			c.Close()
			return
		}

		if f == nil {
			c.logger.Debug("keep alive")
			c.stats.UpdateDownloaded(4)
			continue
		}
		c.stats.UpdateDownloaded(int64(5 + len(f.Payload)))

		msg, err := message.Decode(f)
		if err != nil {
			c.logger.Error("failed to decode message", "id", f.ID, "error", err)
			c.Close()
			return
		}

		h.HandleMessage(c.peer, msg)
	}
}

func (c *Connection) messageWriterWorker(ctx context.Context) {
	c.logger.Debug("starting message writer")

	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-c.outgoing:
			if err := c.writeFrame(f); err != nil {
				c.logger.Error("failed to write message", "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(nil); err != nil {
				c.logger.Error("failed to write keep alive", "error", err)
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) writeFrame(f *message.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	defer c.conn.SetWriteDeadline(time.Time{})

	n, err := c.conn.Write(f.Serialize())
	c.stats.UpdateUploaded(int64(n))
	return err
}

// Close tears the link down once; the close callback runs after the socket is
// closed.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.logger.Info("closing connection")
		c.conn.Close()
		close(c.done)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// dialHandshake runs the initiator side: send first, then read.
func dialHandshake(conn net.Conn, self uuid.UUID, timeout time.Duration) (uuid.UUID, error) {
	if err := sendHandshake(conn, self, timeout); err != nil {
		return uuid.Nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	remote, err := receiveHandshake(conn, self, timeout)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to receive handshake: %w", err)
	}
	return remote, nil
}

// acceptHandshake runs the listener side: read first, then answer.
func acceptHandshake(conn net.Conn, self uuid.UUID, timeout time.Duration) (uuid.UUID, error) {
	remote, err := receiveHandshake(conn, self, timeout)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to receive handshake: %w", err)
	}

	if err := sendHandshake(conn, self, timeout); err != nil {
		return uuid.Nil, fmt.Errorf("failed to send handshake: %w", err)
	}
	return remote, nil
}

func sendHandshake(conn net.Conn, self uuid.UUID, timeout time.Duration) error {
	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	defer conn.SetWriteDeadline(time.Time{})

	h := Handshake{DeviceID: self}
	return h.Write(conn)
}

func receiveHandshake(conn net.Conn, self uuid.UUID, timeout time.Duration) (uuid.UUID, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return uuid.Nil, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	h, err := ReadHandshake(conn)
	if err != nil {
		return uuid.Nil, err
	}

	if h.DeviceID == self {
		return uuid.Nil, errors.New("connected to self")
	}

	return h.DeviceID, nil
}

func isConnectionClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
