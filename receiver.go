package skein

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/hashicorp/go-metrics"
)

// Receiver owns the inbound side of a process: an accept loop on a
// dedicated task, a map from sequential connection-slot index to
// connection, and the delivery queue every read loop feeds.
//
// Lifecycle: Created -> Listening (Wait) -> accumulating connections ->
// Finalizing (Finalize) -> Closed. Connections persist independently of
// each other; the receiver as a whole only stops listening on Finalize.
type Receiver struct {
	tr     Transport
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink
	queue  *DeliveryQueue

	stop      atomic.Bool
	listening atomic.Bool
	connected atomic.Int32

	acceptCancel context.CancelFunc
	tasks        *taskgroup.Group

	mu         sync.Mutex
	conns      map[int]Conn
	waitCalled bool
	finalized  bool
}

func NewReceiver(tr Transport, opts ...Option) *Receiver {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	msink := cfg.metricSink()
	return &Receiver{
		tr:     tr,
		cfg:    cfg,
		logger: cfg.logger().With(LabelScheme.L(tr.Scheme())),
		msink:  msink,
		queue:  NewDeliveryQueue(msink, cfg.metricLabels),
		conns:  make(map[int]Conn),
	}
}

// Wait starts listening at addr and accepting sender connections on a
// dedicated task. With blocking=true it does not return until
// expectedSenders connections have completed their handshake; otherwise it
// returns as soon as listening has started and connections keep
// accumulating in the background.
//
// Calling Wait a second time is a no-op that warns and returns false.
// A listen failure is fatal.
func (r *Receiver) Wait(addr string, expectedSenders int, blocking bool) bool {
	r.mu.Lock()
	if r.waitCalled {
		r.mu.Unlock()
		r.logger.Warn("Wait has been called already, ignoring")
		return false
	}
	r.waitCalled = true
	r.mu.Unlock()

	if err := r.tr.Listen(addr); err != nil {
		panic(fmt.Errorf("receiver: listen on %s: %w", addr, err))
	}
	r.listening.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	r.acceptCancel = cancel
	r.tasks = taskgroup.New(nil)
	r.tasks.Go(func() error {
		r.acceptLoop(ctx)
		return nil
	})

	if blocking {
		ticker := time.NewTicker(r.cfg.pollInterval)
		defer ticker.Stop()
		for int(r.connected.Load()) < expectedSenders && !r.stop.Load() {
			<-ticker.C
		}
	}
	return true
}

// Listening reports whether the listen call has returned successfully.
func (r *Receiver) Listening() bool { return r.listening.Load() }

// ConnectedCount reports how many connections have completed their
// handshake so far.
func (r *Receiver) ConnectedCount() int { return int(r.connected.Load()) }

// acceptLoop accepts one inbound connection at a time: a single accept is
// outstanding at once, and the handshake of the accepted connection is
// validated before the next accept is issued.
func (r *Receiver) acceptLoop(ctx context.Context) {
	slot := 0
	for !r.stop.Load() {
		conn, err := r.tr.Accept(ctx)
		if err != nil {
			if r.stop.Load() || ctx.Err() != nil || errors.Is(err, ErrShutdown) {
				r.logger.Debug("accept loop shutting down")
				return
			}
			r.logger.Warn("error accepting connection", "error", err)
			continue
		}

		// The first message must be the handshake token; anything else is
		// a protocol violation and the connection is torn down.
		first, err := conn.Recv()
		if r.stop.Load() {
			conn.Close()
			return
		}
		if err == nil && !isHandshake(first) {
			err = ErrProtocolViolation
		}
		if err != nil {
			r.msink.IncrCounterWithLabels(
				MetricSkeinHandshakeRejects, 1.0,
				append(r.cfg.metricLabels, LabelPeerAddr.M(conn.RemoteAddr())),
			)
			r.logger.Error("first message is not the handshake token",
				LabelPeerAddr.L(conn.RemoteAddr()), "error", err)
			conn.Close()
			continue
		}

		r.mu.Lock()
		r.conns[slot] = conn
		r.mu.Unlock()
		r.logger.Info("sender connected",
			LabelConnSlot.L(slot), LabelPeerAddr.L(conn.RemoteAddr()))

		connSlot := slot
		r.tasks.Go(func() error {
			r.readLoop(connSlot, conn)
			return nil
		})
		slot++
		r.connected.Add(1)
	}
}

// readLoop decodes every inbound envelope of one connection and pushes it
// to the delivery queue, preserving the connection's FIFO order.
func (r *Receiver) readLoop(slot int, conn Conn) {
	logger := r.logger.With(LabelConnSlot.L(slot), LabelPeerAddr.L(conn.RemoteAddr()))
	for {
		env, err := conn.Recv()
		if err != nil {
			if r.stop.Load() || errors.Is(err, ErrConnClosed) {
				logger.Debug("read loop shutting down")
			} else {
				r.msink.IncrCounterWithLabels(
					MetricSkeinMsgInErrorCount, 1.0,
					append(r.cfg.metricLabels, LabelError.M("read")),
				)
				logger.Error("transport fault reading envelope", "error", err)
			}
			return
		}
		if !r.queue.Push(env) {
			logger.Warn("delivery queue closed, dropping envelope",
				"service_id", env.ServiceID, "msg_seq", env.MsgSeq)
			return
		}
	}
}

// Recv pops the next completed envelope, blocking up to timeout.
// A non-positive timeout blocks indefinitely. ok=false is the normal
// not-ready result after a timeout, never an error.
func (r *Receiver) Recv(timeout time.Duration) (*Envelope, bool) {
	return r.queue.Pop(timeout)
}

// Finalize sets the stop flag, joins the accept task and every read loop,
// then closes all connections. When it returns, no receiver goroutine is
// left running.
func (r *Receiver) Finalize() {
	r.mu.Lock()
	if r.finalized {
		r.logger.Warn("Finalize has been called already, ignoring")
		r.mu.Unlock()
		return
	}
	r.finalized = true
	r.mu.Unlock()

	r.stop.Store(true)
	if r.acceptCancel != nil {
		r.acceptCancel()
	}
	// Closing the transport unblocks handshake and read-loop receives.
	r.tr.Close()
	if r.tasks != nil {
		r.tasks.Wait()
	}

	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[int]Conn)
	r.mu.Unlock()
	for slot, conn := range conns {
		if err := conn.Close(); err != nil {
			r.logger.Warn("error closing connection", LabelConnSlot.L(slot), "error", err)
		}
	}
	r.queue.Close()
}
