package skein

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"google.golang.org/protobuf/encoding/protowire"
)

// sendQueueDepth bounds the per-connection outbound queue of the socket and
// pipe backends. Send blocks once it is full; that is the only flow control
// this layer provides.
const sendQueueDepth = 256

// socketTransport is the byte-stream backend: plain TCP, length-prefixed
// frames, buffers copied into and out of the stream. No zero-copy, no
// surprises.
type socketTransport struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	gracefulTerm atomic.Bool
	ln           *net.TCPListener

	mu    sync.Mutex
	conns []*streamConn
}

func newSocketTransport(cfg config) *socketTransport {
	return &socketTransport{
		cfg:    cfg,
		logger: cfg.logger().With(LabelScheme.L("tcp")),
		msink:  cfg.metricSink(),
	}
}

func (t *socketTransport) Scheme() string { return "tcp" }

func (t *socketTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	hostport, err := checkScheme(t, addr)
	if err != nil {
		return nil, err
	}
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	d := net.Dialer{Timeout: t.cfg.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", hostport)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricSkeinConnEstErrorCount, 1.0,
			append(t.cfg.metricLabels, LabelPeerAddr.M(hostport)),
		)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrHandshake, hostport, err)
	}

	conn := t.track(newStreamConn(nc, t.logger, t.msink, t.cfg.metricLabels, &t.gracefulTerm))
	if err := sendHandshake(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	t.msink.IncrCounterWithLabels(
		MetricSkeinConnEstOutCount, 1.0,
		append(t.cfg.metricLabels, LabelPeerAddr.M(hostport)),
	)
	return conn, nil
}

func (t *socketTransport) Listen(addr string) error {
	hostport, err := checkScheme(t, addr)
	if err != nil {
		return err
	}
	tcpAddr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}
	t.ln = ln
	t.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

func (t *socketTransport) Accept(ctx context.Context) (Conn, error) {
	if t.ln == nil {
		return nil, fmt.Errorf("%w: Accept before Listen", ErrInvalidAddr)
	}
	for {
		if t.gracefulTerm.Load() {
			return nil, ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// The deadline keeps Accept cancellable at bounded latency.
		if err := t.ln.SetDeadline(time.Now().Add(t.cfg.pollInterval)); err != nil {
			return nil, err
		}
		nc, err := t.ln.Accept()
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				continue
			}
			if t.gracefulTerm.Load() {
				return nil, ErrShutdown
			}
			return nil, err
		}
		t.msink.IncrCounterWithLabels(
			MetricSkeinConnEstInCount, 1.0,
			append(t.cfg.metricLabels, LabelPeerAddr.M(nc.RemoteAddr().String())),
		)
		return t.track(newStreamConn(nc, t.logger, t.msink, t.cfg.metricLabels, &t.gracefulTerm)), nil
	}
}

func (t *socketTransport) track(c *streamConn) *streamConn {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c
}

func (t *socketTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	if t.ln != nil {
		t.ln.Close()
	}
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// sendHandshake writes the token message and waits for the write to
// complete, so that Connect only returns a usable connection.
func sendHandshake(ctx context.Context, conn Conn) error {
	done := make(chan error, 1)
	if err := conn.Send(handshakeEnvelope(), func(err error) { done <- err }); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	}
}

type outbound struct {
	env    *Envelope
	onDone func(error)
}

// streamConn frames envelopes over any net.Conn: a varint-prefixed metadata
// blob followed by the raw bytes of every buffer, in order. The buffer
// lengths live inside the metadata blob, so no per-buffer prefix is needed.
//
// A dedicated writer goroutine drains the send queue, which both preserves
// per-connection FIFO order and keeps Send asynchronous.
type streamConn struct {
	nc     net.Conn
	br     *bufio.Reader
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// set when the owning transport is shutting down; read errors observed
	// after that are a clean shutdown, not a fault.
	term *atomic.Bool

	sendCh    chan outbound
	closeCh   chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	writerWg  sync.WaitGroup
}

func newStreamConn(
	nc net.Conn,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	term *atomic.Bool,
) *streamConn {
	c := &streamConn{
		nc:      nc,
		br:      bufio.NewReader(nc),
		logger:  logger.With(LabelPeerAddr.L(nc.RemoteAddr().String())),
		msink:   msink,
		labels:  append(labels, LabelPeerAddr.M(nc.RemoteAddr().String())),
		term:    term,
		sendCh:  make(chan outbound, sendQueueDepth),
		closeCh: make(chan struct{}),
	}
	c.writerWg.Add(1)
	go c.writeLoop()
	return c
}

func (c *streamConn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

func (c *streamConn) Send(env *Envelope, onDone func(error)) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	select {
	case c.sendCh <- outbound{env: env, onDone: onDone}:
		// The enqueue may have raced with Close after the writer already
		// drained; fail the envelope over to the callback in that case.
		if c.closed.Load() {
			c.failQueued()
		}
		return nil
	case <-c.closeCh:
		return ErrConnClosed
	}
}

// failQueued completes every envelope still sitting in the send queue.
// Callers own their buffers again once the callback has fired, even when
// the connection dies before the envelope reached the wire.
func (c *streamConn) failQueued() {
	for {
		select {
		case ob := <-c.sendCh:
			if ob.onDone != nil {
				ob.onDone(ErrConnClosed)
			}
		default:
			return
		}
	}
}

func (c *streamConn) writeLoop() {
	defer c.writerWg.Done()
	defer c.failQueued()
	for {
		select {
		case <-c.closeCh:
			return
		case ob := <-c.sendCh:
			err := c.writeEnvelope(ob.env)
			if err != nil {
				c.msink.IncrCounterWithLabels(
					MetricSkeinMsgOutErrorCount, 1.0,
					append(c.labels, LabelError.M("write")),
				)
				if !c.closed.Load() && !c.term.Load() {
					c.logger.Error("error writing envelope", "error", err)
				}
			} else {
				c.msink.IncrCounterWithLabels(MetricSkeinMsgOutCount, 1.0, c.labels)
			}
			if ob.onDone != nil {
				ob.onDone(err)
			}
			if err != nil {
				// A broken stream cannot carry further frames.
				c.Close()
				return
			}
		}
	}
}

func (c *streamConn) writeEnvelope(env *Envelope) error {
	meta, bufs, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	// This backend copies: one contiguous frame, one write.
	frame := protowire.AppendVarint(nil, uint64(len(meta)))
	frame = append(frame, meta...)
	for _, b := range bufs {
		frame = append(frame, b...)
	}
	if _, err := c.nc.Write(frame); err != nil {
		return err
	}
	c.msink.IncrCounterWithLabels(MetricSkeinMsgOutBytes, float32(len(frame)), c.labels)
	return nil
}

func (c *streamConn) Recv() (*Envelope, error) {
	metaLen, err := readVarint(c.br)
	if err != nil {
		return nil, c.readErr(err)
	}
	meta := make([]byte, metaLen)
	if _, err := io.ReadFull(c.br, meta); err != nil {
		return nil, c.readErr(err)
	}
	sizes, err := metaBufferSizes(meta)
	if err != nil {
		return nil, err
	}
	bufs := make([][]byte, len(sizes))
	received := len(meta)
	for i, size := range sizes {
		bufs[i] = make([]byte, size)
		if _, err := io.ReadFull(c.br, bufs[i]); err != nil {
			return nil, c.readErr(err)
		}
		received += size
	}
	env, err := DecodeEnvelope(meta, bufs)
	if err != nil {
		return nil, err
	}
	c.msink.IncrCounterWithLabels(MetricSkeinMsgInCount, 1.0, c.labels)
	c.msink.IncrCounterWithLabels(MetricSkeinMsgInBytes, float32(received), c.labels)
	return env, nil
}

// readErr folds read failures on a closed connection into the clean
// shutdown signal. A bare EOF between frames is a peer that closed
// cleanly; an EOF inside a frame stays a real fault.
func (c *streamConn) readErr(err error) error {
	if c.closed.Load() || c.term.Load() || errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnClosed
	}
	return err
}

func (c *streamConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.nc.Close()
		c.failQueued()
	})
	return nil
}

// readVarint reads a protowire varint one byte at a time, so no stream
// bytes beyond the prefix are consumed.
func readVarint(r io.ByteReader) (uint64, error) {
	var buf []byte
	for i := 0; i < binary.MaxVarintLen64; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		buf = append(buf, b)
		if b < 0x80 {
			break
		}
	}
	v, n := protowire.ConsumeVarint(buf)
	if err := protowire.ParseError(n); err != nil {
		return 0, err
	}
	return v, nil
}
