package skein

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"google.golang.org/protobuf/encoding/protowire"
)

const pipeALPN = "skein/1"

var (
	qerrShutdown       = quic.ApplicationErrorCode(0x1)
	qerrStreamShutdown = quic.StreamErrorCode(0x1)
)

// pipeTransport is the zero-copy pipe backend, built on QUIC. Every peer
// pair shares one connection carrying one ordered stream; an envelope
// travels as a metadata segment followed by one segment per buffer, written
// straight from caller memory. The receive side is two-phase: the metadata
// blob acts as a size descriptor, buffers are allocated from it, and the
// payload lands directly in the fresh allocations.
type pipeTransport struct {
	cfg     config
	logger  *slog.Logger
	msink   metrics.MetricSink
	tlsConf *tls.Config

	gracefulTerm atomic.Bool

	// QUIC layer
	tr *quic.Transport
	ln *quic.Listener

	// UDP layer
	udpLn *net.UDPConn

	mu    sync.Mutex
	conns []*pipeConn
}

func newPipeTransport(cfg config) (*pipeTransport, error) {
	tlsConf := cfg.tlsConfig
	if tlsConf == nil {
		// Encryption is a non-goal here; QUIC still demands TLS, so we
		// self-provision throwaway material and skip verification.
		var err error
		tlsConf, err = ephemeralTLS()
		if err != nil {
			return nil, fmt.Errorf("transport: failed to provision TLS material: %w", err)
		}
	}
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{pipeALPN}
	}
	return &pipeTransport{
		cfg:     cfg,
		logger:  cfg.logger().With(LabelScheme.L("pipe")),
		msink:   cfg.metricSink(),
		tlsConf: tlsConf,
	}, nil
}

func (t *pipeTransport) Scheme() string { return "pipe" }

func (t *pipeTransport) quicTransport(bind string) (*quic.Transport, error) {
	if t.tr != nil {
		return t.tr, nil
	}
	udpAddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn
	t.tr = &quic.Transport{Conn: udpLn}
	return t.tr, nil
}

func (t *pipeTransport) quicConfig() *quic.Config {
	return &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 1 * time.Minute,
	}
}

func (t *pipeTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	hostport, err := checkScheme(t, addr)
	if err != nil {
		return nil, err
	}
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	tr, err := t.quicTransport(":0")
	if err != nil {
		return nil, err
	}
	udpAddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.dialTimeout)
	defer cancel()

	cx, err := tr.Dial(ctx, udpAddr, t.tlsConf, t.quicConfig())
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricSkeinConnEstErrorCount, 1.0,
			append(t.cfg.metricLabels, LabelPeerAddr.M(hostport)),
		)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrHandshake, hostport, err)
	}

	stream, err := cx.OpenStreamSync(ctx)
	if err != nil {
		cx.CloseWithError(qerrShutdown, "cannot open stream")
		return nil, fmt.Errorf("%w: open stream: %w", ErrHandshake, err)
	}

	conn := t.track(newPipeConn(cx, stream, t.logger, t.msink, t.cfg.metricLabels, &t.gracefulTerm))
	// The token message also forces the stream open on the peer side.
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

func (t *pipeTransport) Listen(addr string) error {
	hostport, err := checkScheme(t, addr)
	if err != nil {
		return err
	}
	tr, err := t.quicTransport(hostport)
	if err != nil {
		return err
	}
	ln, err := tr.Listen(t.tlsConf, t.quicConfig())
	if err != nil {
		return fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln
	t.logger.Info("listening", "addr", ln.Addr().String())
	return nil
}

func (t *pipeTransport) Accept(ctx context.Context) (Conn, error) {
	if t.ln == nil {
		return nil, fmt.Errorf("%w: Accept before Listen", ErrInvalidAddr)
	}
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}
	cx, err := t.ln.Accept(ctx)
	if err != nil {
		if t.gracefulTerm.Load() {
			return nil, ErrShutdown
		}
		return nil, err
	}
	// The peer's handshake write is what makes the stream visible.
	stream, err := cx.AcceptStream(ctx)
	if err != nil {
		cx.CloseWithError(qerrShutdown, "no stream")
		if t.gracefulTerm.Load() {
			return nil, ErrShutdown
		}
		return nil, err
	}
	t.msink.IncrCounterWithLabels(
		MetricSkeinConnEstInCount, 1.0,
		append(t.cfg.metricLabels, LabelPeerAddr.M(cx.RemoteAddr().String())),
	)
	return t.track(newPipeConn(cx, stream, t.logger, t.msink, t.cfg.metricLabels, &t.gracefulTerm)), nil
}

func (t *pipeTransport) track(c *pipeConn) *pipeConn {
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c
}

func (t *pipeTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	conns := t.conns
	t.conns = nil
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	if t.ln != nil {
		t.ln.Close()
	}
	if t.tr != nil {
		t.tr.Close()
	}
	if t.udpLn != nil {
		t.udpLn.Close()
	}
	return nil
}

// pipeConn carries envelopes over a single ordered QUIC stream.
type pipeConn struct {
	cx     quic.Connection
	stream quic.Stream
	br     *bufio.Reader
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
	term   *atomic.Bool

	sendCh    chan outbound
	closeCh   chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	writerWg  sync.WaitGroup
}

func newPipeConn(
	cx quic.Connection,
	stream quic.Stream,
	logger *slog.Logger,
	msink metrics.MetricSink,
	labels []metrics.Label,
	term *atomic.Bool,
) *pipeConn {
	c := &pipeConn{
		cx:      cx,
		stream:  stream,
		br:      bufio.NewReader(stream),
		logger:  logger.With(LabelPeerAddr.L(cx.RemoteAddr().String())),
		msink:   msink,
		labels:  append(labels, LabelPeerAddr.M(cx.RemoteAddr().String())),
		term:    term,
		sendCh:  make(chan outbound, sendQueueDepth),
		closeCh: make(chan struct{}),
	}
	c.writerWg.Add(1)
	go c.writeLoop()
	return c
}

func (c *pipeConn) RemoteAddr() string { return c.cx.RemoteAddr().String() }

func (c *pipeConn) Send(env *Envelope, onDone func(error)) error {
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

// failQueued completes every envelope still sitting in the send queue, so
// callers reclaim their buffers even when the connection dies before the
// envelope reached the wire.
func (c *pipeConn) failQueued() {
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

func (c *pipeConn) writeLoop() {
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
				c.Close()
				return
			}
		}
	}
}

// writeEnvelope ships the metadata blob as one segment and every buffer as
// its own segment, written straight from the caller's memory. The buffers
// belong to this connection until the write returns; onDone in the caller
// is the completion signal.
func (c *pipeConn) writeEnvelope(env *Envelope) error {
	meta, bufs, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	frame := protowire.AppendVarint(nil, uint64(len(meta)))
	frame = append(frame, meta...)
	if _, err := c.stream.Write(frame); err != nil {
		return err
	}
	sent := len(frame)
	for _, b := range bufs {
		if _, err := c.stream.Write(b); err != nil {
			return err
		}
		sent += len(b)
	}
	c.msink.IncrCounterWithLabels(MetricSkeinMsgOutBytes, float32(sent), c.labels)
	return nil
}

// Recv performs the two-phase receive: first the metadata blob, which
// doubles as the size descriptor, then one freshly allocated buffer per
// recorded segment, filled in order.
func (c *pipeConn) Recv() (*Envelope, error) {
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

func (c *pipeConn) readErr(err error) error {
	if c.closed.Load() || c.term.Load() || errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnClosed
	}
	var serr *quic.StreamError
	var aerr *quic.ApplicationError
	if errors.As(err, &serr) || errors.As(err, &aerr) {
		return ErrConnClosed
	}
	return err
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.stream.CancelRead(qerrStreamShutdown)
		c.stream.Close()
		c.cx.CloseWithError(qerrShutdown, "closed")
		c.failQueued()
	})
	return nil
}

// ephemeralTLS builds a self-signed certificate good enough to satisfy
// QUIC inside a trusted training cluster. Peers skip verification.
func ephemeralTLS() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		Subject:               pkix.Name{CommonName: "skein-ephemeral"},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{
			{Certificate: [][]byte{certDER}, PrivateKey: key},
		},
		InsecureSkipVerify: true,
		NextProtos:         []string{pipeALPN},
	}, nil
}
