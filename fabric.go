package skein

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	fi "github.com/rocketbitz/libfabric-go/fi"
	"google.golang.org/protobuf/encoding/protowire"
)

// fabricMaxSegment caps a single tagged message. The metadata blob and each
// buffer travel as one message each; buffers larger than this cannot be
// carried by the fabric backend.
const fabricMaxSegment = 1 << 20

// fabricRecvSlots is how many receives stay posted at all times.
const fabricRecvSlots = 16

// Message kinds on the wire. Control messages bootstrap connections; meta
// and segment messages carry envelopes.
const (
	fabricKindControl = byte(0)
	fabricKindMeta    = byte(1)
	fabricKindSegment = byte(2)
)

// fabricHeaderSize is tag(8) + kind(1) + payload length(8).
const fabricHeaderSize = 8 + 1 + 8

// fabricTransport is the tagged-messaging backend for specialized
// interconnects, built on libfabric reliable datagrams. The hardware is
// connectionless: peers resolve to opaque fabric addresses through the
// address vector, and every message carries an explicit match tag chosen by
// the connecting side at handshake time. Completion is observed by a
// dispatcher draining the completion queue; posts busy-retry while the
// hardware queue reports temporarily full.
type fabricTransport struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	fabric   *fi.Fabric
	domain   *fi.Domain
	endpoint *fi.Endpoint
	cq       *fi.CompletionQueue
	av       *fi.AddressVector
	selfRaw  []byte

	gracefulTerm atomic.Bool
	dispatchWg   sync.WaitGroup
	stopCh       chan struct{}

	acceptCh chan *fabricConn

	mu         sync.Mutex
	connsByTag map[uint64]*fabricConn
	postMu     sync.Mutex
}

func newFabricTransport(cfg config) (*fabricTransport, error) {
	discovery, err := fi.DiscoverDescriptors(
		fi.WithProvider(cfg.fabricProv),
		fi.WithEndpointType(fi.EndpointTypeRDM),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric: discover descriptors: %w", err)
	}
	defer discovery.Close()

	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("fabric: no descriptors for provider %s", cfg.fabricProv)
	}
	selected := &descriptors[0]
	for i := range descriptors {
		if descriptors[i].Info().Endpoint == fi.EndpointTypeRDM {
			selected = &descriptors[i]
			break
		}
	}

	t := &fabricTransport{
		cfg:        cfg,
		logger:     cfg.logger().With(LabelScheme.L("fabric")),
		msink:      cfg.metricSink(),
		stopCh:     make(chan struct{}),
		acceptCh:   make(chan *fabricConn, fabricRecvSlots),
		connsByTag: make(map[uint64]*fabricConn),
	}

	cleanup := func() {
		if t.av != nil {
			t.av.Close()
		}
		if t.endpoint != nil {
			t.endpoint.Close()
		}
		if t.cq != nil {
			t.cq.Close()
		}
		if t.domain != nil {
			t.domain.Close()
		}
		if t.fabric != nil {
			t.fabric.Close()
		}
	}

	if t.fabric, err = selected.OpenFabric(); err != nil {
		return nil, fmt.Errorf("fabric: open fabric: %w", err)
	}
	if t.domain, err = selected.OpenDomain(t.fabric); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: open domain: %w", err)
	}
	if t.cq, err = t.domain.OpenCompletionQueue(&fi.CompletionQueueAttr{Format: fi.CQFormatMsg}); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: open completion queue: %w", err)
	}
	if t.endpoint, err = selected.OpenEndpoint(t.domain); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: open endpoint: %w", err)
	}
	if err = t.endpoint.BindCompletionQueue(t.cq, fi.BindSend|fi.BindRecv); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: bind completion queue: %w", err)
	}
	if t.av, err = t.domain.OpenAddressVector(&fi.AddressVectorAttr{Type: fi.AVTypeMap}); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: open address vector: %w", err)
	}
	if err = t.endpoint.BindAddressVector(t.av, 0); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: bind address vector: %w", err)
	}
	if err = t.endpoint.Enable(); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: enable endpoint: %w", err)
	}
	if t.selfRaw, err = t.endpoint.Name(); err != nil {
		cleanup()
		return nil, fmt.Errorf("fabric: query endpoint address: %w", err)
	}

	for i := 0; i < fabricRecvSlots; i++ {
		if err := t.postRecv(make([]byte, fabricMaxSegment)); err != nil {
			cleanup()
			return nil, err
		}
	}

	t.dispatchWg.Add(1)
	go t.dispatch()
	return t, nil
}

func (t *fabricTransport) Scheme() string { return "fabric" }

// resolvePeer turns "host:port" into an opaque fabric address through the
// address vector.
func (t *fabricTransport) resolvePeer(hostport string) (fi.Address, error) {
	node, service, err := net.SplitHostPort(hostport)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}
	addr, err := t.av.InsertService(node, service, 0)
	if err != nil {
		return 0, fmt.Errorf("fabric: address resolution for %s: %w", hostport, err)
	}
	return addr, nil
}

func (t *fabricTransport) Connect(ctx context.Context, addr string) (Conn, error) {
	hostport, err := checkScheme(t, addr)
	if err != nil {
		return nil, err
	}
	if t.gracefulTerm.Load() {
		return nil, ErrShutdown
	}

	peer, err := t.resolvePeer(hostport)
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricSkeinConnEstErrorCount, 1.0,
			append(t.cfg.metricLabels, LabelPeerAddr.M(hostport)),
		)
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	// The connecting side picks the match tag for the lifetime of the
	// connection and announces it, with its raw endpoint address and the
	// handshake token, in a control message on tag zero.
	tag := rand.Uint64()
	for tag == 0 {
		tag = rand.Uint64()
	}
	conn := t.register(newFabricConn(t, peer, hostport, tag))

	hs, _, err := EncodeEnvelope(handshakeEnvelope())
	if err != nil {
		panic(err)
	}
	payload := binary.LittleEndian.AppendUint64(nil, tag)
	payload = protowire.AppendVarint(payload, uint64(len(t.selfRaw)))
	payload = append(payload, t.selfRaw...)
	payload = append(payload, hs...)

	if err := t.sendSync(ctx, peer, 0, fabricKindControl, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.msink.IncrCounterWithLabels(
		MetricSkeinConnEstOutCount, 1.0,
		append(t.cfg.metricLabels, LabelPeerAddr.M(hostport)),
	)
	return conn, nil
}

// Listen is a no-op address check: the endpoint was bound at construction
// time and receives are already posted. Inbound connections materialize
// from control messages.
func (t *fabricTransport) Listen(addr string) error {
	if _, err := checkScheme(t, addr); err != nil {
		return err
	}
	t.logger.Info("listening", "addr", addr)
	return nil
}

func (t *fabricTransport) Accept(ctx context.Context) (Conn, error) {
	select {
	case conn := <-t.acceptCh:
		t.msink.IncrCounterWithLabels(
			MetricSkeinConnEstInCount, 1.0,
			append(t.cfg.metricLabels, LabelPeerAddr.M(conn.RemoteAddr())),
		)
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.stopCh:
		return nil, ErrShutdown
	}
}

func (t *fabricTransport) register(c *fabricConn) *fabricConn {
	t.mu.Lock()
	t.connsByTag[c.tag] = c
	t.mu.Unlock()
	return c
}

func (t *fabricTransport) Close() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		return nil
	}
	close(t.stopCh)
	t.dispatchWg.Wait()

	t.mu.Lock()
	conns := t.connsByTag
	t.connsByTag = make(map[uint64]*fabricConn)
	t.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}

	if t.av != nil {
		t.av.Close()
	}
	if t.endpoint != nil {
		t.endpoint.Close()
	}
	if t.cq != nil {
		t.cq.Close()
	}
	if t.domain != nil {
		t.domain.Close()
	}
	if t.fabric != nil {
		t.fabric.Close()
	}
	return nil
}

type fabricOpKind uint8

const (
	fabricOpSend fabricOpKind = iota
	fabricOpRecv
)

type fabricOp struct {
	kind   fabricOpKind
	buf    []byte
	done   chan error
	onDone func(error)
}

// tryPost posts a send, busy-retrying while the hardware queue reports
// temporarily full. It resolves only on success or a hard error.
func (t *fabricTransport) tryPost(peer fi.Address, msg []byte, op *fabricOp) error {
	req := fi.SendRequest{Dest: peer, Buffer: msg}
	for {
		t.postMu.Lock()
		cctx, err := t.endpoint.PostSend(&req)
		t.postMu.Unlock()
		if err == nil {
			if cctx != nil {
				cctx.SetValue(op)
			} else if op != nil {
				op.complete(nil)
			}
			return nil
		}
		var errno fi.Errno
		if errors.As(err, &errno) && errno == fi.EAGAIN {
			t.msink.IncrCounterWithLabels(MetricSkeinFabricRetryCount, 1.0, t.cfg.metricLabels)
			if t.gracefulTerm.Load() {
				return ErrShutdown
			}
			continue
		}
		return fmt.Errorf("fabric: post send: %w", err)
	}
}

func (t *fabricTransport) postRecv(buf []byte) error {
	req := fi.RecvRequest{Buffer: buf}
	for {
		t.postMu.Lock()
		cctx, err := t.endpoint.PostRecv(&req)
		t.postMu.Unlock()
		if err == nil {
			cctx.SetValue(&fabricOp{kind: fabricOpRecv, buf: buf})
			return nil
		}
		var errno fi.Errno
		if errors.As(err, &errno) && errno == fi.EAGAIN {
			t.msink.IncrCounterWithLabels(MetricSkeinFabricRetryCount, 1.0, t.cfg.metricLabels)
			if t.gracefulTerm.Load() {
				return ErrShutdown
			}
			continue
		}
		return fmt.Errorf("fabric: post recv: %w", err)
	}
}

func (op *fabricOp) complete(err error) {
	if op.onDone != nil {
		op.onDone(err)
	}
	if op.done != nil {
		op.done <- err
	}
}

// sendSync posts one tagged message and spin-waits for its completion, the
// way the synchronous helpers of the hardware layer do.
func (t *fabricTransport) sendSync(ctx context.Context, peer fi.Address, tag uint64, kind byte, payload []byte) error {
	op := &fabricOp{kind: fabricOpSend, done: make(chan error, 1)}
	if err := t.tryPost(peer, fabricFrame(tag, kind, payload), op); err != nil {
		return err
	}
	ticker := time.NewTicker(t.cfg.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-op.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.gracefulTerm.Load() {
				return ErrShutdown
			}
		}
	}
}

func fabricFrame(tag uint64, kind byte, payload []byte) []byte {
	msg := make([]byte, 0, fabricHeaderSize+len(payload))
	msg = binary.LittleEndian.AppendUint64(msg, tag)
	msg = append(msg, kind)
	msg = binary.LittleEndian.AppendUint64(msg, uint64(len(payload)))
	return append(msg, payload...)
}

// dispatch drains the completion queue. An empty read is not an error, the
// loop simply re-polls; error entries are a hard fault for the operation
// they belong to.
func (t *fabricTransport) dispatch() {
	defer t.dispatchWg.Done()
	backoff := time.Millisecond
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		if event, err := t.cq.ReadContext(); err == nil && event != nil {
			t.handleCompletion(event, nil)
			backoff = time.Millisecond
			continue
		} else if err != nil && !errors.Is(err, fi.ErrNoCompletion) {
			t.logger.Error("completion queue read fault", "error", err)
		}

		if entry, err := t.cq.ReadError(0); err == nil && entry != nil {
			t.handleCompletion(nil, entry)
			backoff = time.Millisecond
			continue
		} else if err != nil && !errors.Is(err, fi.ErrNoCompletion) {
			t.logger.Error("completion queue error read fault", "error", err)
		}

		select {
		case <-t.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < t.cfg.pollInterval {
			backoff *= 2
		}
	}
}

func (t *fabricTransport) handleCompletion(event *fi.CompletionEvent, entry *fi.CompletionError) {
	var (
		cctx *fi.CompletionContext
		err  error
	)
	switch {
	case event != nil:
		cctx, err = event.Resolve()
	case entry != nil:
		cctx, err = entry.Resolve()
	default:
		return
	}
	if err != nil {
		// Context already released; nothing to surface.
		return
	}
	op, ok := cctx.Value().(*fabricOp)
	if !ok || op == nil {
		return
	}

	var opErr error
	if entry != nil {
		opErr = fmt.Errorf("%w: errno %s (provider=%d)",
			ErrFabricCompletion, entry.Err, entry.ProviderErr)
	}

	switch op.kind {
	case fabricOpSend:
		if opErr != nil {
			t.msink.IncrCounterWithLabels(
				MetricSkeinMsgOutErrorCount, 1.0,
				append(t.cfg.metricLabels, LabelError.M("completion")),
			)
		}
		op.complete(opErr)
	case fabricOpRecv:
		if opErr != nil {
			t.msink.IncrCounterWithLabels(
				MetricSkeinMsgInErrorCount, 1.0,
				append(t.cfg.metricLabels, LabelError.M("completion")),
			)
			t.logger.Error("receive completion fault", "error", opErr)
		} else {
			t.handleInbound(op.buf)
		}
		// Keep the slot armed. A fresh buffer, the old one may still be
		// referenced by a half-assembled envelope.
		if err := t.postRecv(make([]byte, fabricMaxSegment)); err != nil && !t.gracefulTerm.Load() {
			t.logger.Error("failed to repost receive", "error", err)
		}
	}
}

// handleInbound demultiplexes one tagged message. Runs on the dispatch
// goroutine only.
func (t *fabricTransport) handleInbound(buf []byte) {
	if len(buf) < fabricHeaderSize {
		t.logger.Error("runt fabric message", "length", len(buf))
		return
	}
	tag := binary.LittleEndian.Uint64(buf[0:8])
	kind := buf[8]
	size := binary.LittleEndian.Uint64(buf[9:fabricHeaderSize])
	if uint64(len(buf)-fabricHeaderSize) < size {
		t.logger.Error("truncated fabric message", "length", len(buf), "declared", size)
		return
	}
	payload := buf[fabricHeaderSize : fabricHeaderSize+size]

	if kind == fabricKindControl {
		t.handleControl(payload)
		return
	}

	t.mu.Lock()
	conn := t.connsByTag[tag]
	t.mu.Unlock()
	if conn == nil {
		t.logger.Warn("message for unknown tag", "tag", tag)
		return
	}
	conn.consume(kind, payload)
}

// handleControl registers an inbound connection: resolve the announced raw
// endpoint address, adopt the announced tag, and surface the connection
// with its handshake envelope queued as the first message.
func (t *fabricTransport) handleControl(payload []byte) {
	if len(payload) < 8 {
		t.logger.Error("runt control message", "length", len(payload))
		return
	}
	tag := binary.LittleEndian.Uint64(payload[0:8])
	rest := payload[8:]
	rawLen, n := protowire.ConsumeVarint(rest)
	if err := protowire.ParseError(n); err != nil || uint64(len(rest)-n) < rawLen {
		t.logger.Error("malformed control message")
		return
	}
	raw := rest[n : n+int(rawLen)]
	hsMeta := rest[n+int(rawLen):]

	peer, err := t.av.InsertRaw(raw, 0)
	if err != nil {
		t.logger.Error("failed to insert peer address", "error", err)
		return
	}

	conn := newFabricConn(t, peer, fmt.Sprintf("fi:%x", tag), tag)
	hs, err := DecodeEnvelope(append([]byte(nil), hsMeta...), nil)
	if err != nil {
		t.logger.Warn("malformed first message on new connection", "error", err)
		// Still surface it; the receiver rejects the bad handshake.
		hs = &Envelope{}
	}
	conn.queue(hs)
	t.register(conn)

	select {
	case t.acceptCh <- conn:
	case <-t.stopCh:
	}
}

// fabricConn is one tagged lane between this endpoint and a peer.
type fabricConn struct {
	tr    *fabricTransport
	peer  fi.Address
	label string
	tag   uint64

	// reassembly state, touched only by the dispatch goroutine
	pendingMeta  []byte
	pendingSizes []int
	pendingBufs  [][]byte

	recvCh  chan *Envelope
	closeCh chan struct{}
	closed  atomic.Bool
	once    sync.Once

	sendMu sync.Mutex
}

func newFabricConn(tr *fabricTransport, peer fi.Address, label string, tag uint64) *fabricConn {
	return &fabricConn{
		tr:      tr,
		peer:    peer,
		label:   label,
		tag:     tag,
		recvCh:  make(chan *Envelope, sendQueueDepth),
		closeCh: make(chan struct{}),
	}
}

func (c *fabricConn) RemoteAddr() string { return c.label }

// Send ships the metadata blob and every buffer as individual tagged
// messages. onDone fires after the completion queue has confirmed the last
// segment. There is no mid-flight cancellation: posts busy-retry until the
// hardware accepts them or fails hard.
func (c *fabricConn) Send(env *Envelope, onDone func(error)) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	meta, bufs, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if len(meta) > fabricMaxSegment-fabricHeaderSize {
		return fmt.Errorf("fabric: metadata blob of %d bytes exceeds segment limit", len(meta))
	}
	for i, b := range bufs {
		if len(b) > fabricMaxSegment-fabricHeaderSize {
			return fmt.Errorf("fabric: buffer %d of %d bytes exceeds segment limit", i, len(b))
		}
	}

	segments := make([][]byte, 0, 1+len(bufs))
	segments = append(segments, fabricFrame(c.tag, fabricKindMeta, meta))
	for _, b := range bufs {
		segments = append(segments, fabricFrame(c.tag, fabricKindSegment, b))
	}

	var (
		remaining atomic.Int64
		failed    atomic.Bool
	)
	remaining.Store(int64(len(segments)))
	perSegment := func(err error) {
		if err != nil {
			failed.Store(true)
		}
		if remaining.Add(-1) == 0 && onDone != nil {
			if failed.Load() {
				onDone(ErrFabricCompletion)
			} else {
				onDone(nil)
			}
		}
	}

	// Posts stay ordered per connection.
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	sent := 0
	for _, seg := range segments {
		op := &fabricOp{kind: fabricOpSend, onDone: perSegment}
		if err := c.tr.tryPost(c.peer, seg, op); err != nil {
			return err
		}
		sent += len(seg)
	}
	c.tr.msink.IncrCounterWithLabels(MetricSkeinMsgOutCount, 1.0, c.tr.cfg.metricLabels)
	c.tr.msink.IncrCounterWithLabels(MetricSkeinMsgOutBytes, float32(sent), c.tr.cfg.metricLabels)
	return nil
}

// consume advances reassembly with one inbound message. Dispatch goroutine
// only.
func (c *fabricConn) consume(kind byte, payload []byte) {
	switch kind {
	case fabricKindMeta:
		if c.pendingMeta != nil {
			c.tr.logger.Error("meta message while reassembling", LabelPeerAddr.L(c.label))
			c.resetAssembly()
		}
		sizes, err := metaBufferSizes(payload)
		if err != nil {
			c.tr.logger.Error("malformed metadata blob", "error", err)
			return
		}
		c.pendingMeta = append([]byte(nil), payload...)
		c.pendingSizes = sizes
		c.pendingBufs = make([][]byte, 0, len(sizes))
	case fabricKindSegment:
		if c.pendingMeta == nil || len(c.pendingBufs) >= len(c.pendingSizes) {
			c.tr.logger.Error("unexpected segment message", LabelPeerAddr.L(c.label))
			return
		}
		want := c.pendingSizes[len(c.pendingBufs)]
		if len(payload) != want {
			c.tr.logger.Error("segment size mismatch", "want", want, "got", len(payload))
			c.resetAssembly()
			return
		}
		c.pendingBufs = append(c.pendingBufs, append([]byte(nil), payload...))
	default:
		c.tr.logger.Error("unknown fabric message kind", "kind", kind)
		return
	}

	if c.pendingMeta != nil && len(c.pendingBufs) == len(c.pendingSizes) {
		env, err := DecodeEnvelope(c.pendingMeta, c.pendingBufs)
		c.resetAssembly()
		if err != nil {
			c.tr.logger.Error("failed to decode envelope", "error", err)
			return
		}
		c.queue(env)
	}
}

func (c *fabricConn) resetAssembly() {
	c.pendingMeta = nil
	c.pendingSizes = nil
	c.pendingBufs = nil
}

func (c *fabricConn) queue(env *Envelope) {
	c.tr.msink.IncrCounterWithLabels(MetricSkeinMsgInCount, 1.0, c.tr.cfg.metricLabels)
	select {
	case c.recvCh <- env:
	case <-c.closeCh:
	}
}

func (c *fabricConn) Recv() (*Envelope, error) {
	select {
	case env := <-c.recvCh:
		return env, nil
	case <-c.closeCh:
		return nil, ErrConnClosed
	}
}

func (c *fabricConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		c.tr.mu.Lock()
		delete(c.tr.connsByTag, c.tag)
		c.tr.mu.Unlock()
	})
	return nil
}
