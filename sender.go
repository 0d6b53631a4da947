package skein

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"
)

// Sender owns every outbound connection of a process. Peers are registered
// by small integer id with AddReceiver, handshaken all at once by Connect,
// and addressed individually by Send.
//
// The failure stance is strict on purpose: a half-connected sender set is
// an unrecoverable startup error, so Connect panics on any handshake
// failure, and sending to an unregistered peer id panics as the programming
// error it is.
type Sender struct {
	tr     Transport
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	mu        sync.Mutex
	addrs     map[int]string
	conns     map[int]Conn
	connected bool
	finalized bool
}

func NewSender(tr Transport, opts ...Option) *Sender {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Sender{
		tr:     tr,
		cfg:    cfg,
		logger: cfg.logger().With(LabelScheme.L(tr.Scheme())),
		msink:  cfg.metricSink(),
		addrs:  make(map[int]string),
		conns:  make(map[int]Conn),
	}
}

// AddReceiver registers the peer listening at addr under peerID.
// Idempotent: re-adding an existing id logs a warning and does nothing.
func (s *Sender) AddReceiver(addr string, peerID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.addrs[peerID]; ok {
		s.logger.Warn("duplicate peer id, ignoring",
			LabelPeerID.L(peerID), "registered", prev, "ignored", addr)
		return
	}
	s.addrs[peerID] = addr
}

// Connect performs the handshake with every registered peer, in parallel.
// Any handshake failure is fatal: the process cannot proceed with a partial
// peer set. Connect panics with an error wrapping ErrHandshake.
func (s *Sender) Connect() {
	s.mu.Lock()
	if s.connected {
		s.logger.Warn("Connect has been called already, ignoring")
		s.mu.Unlock()
		return
	}
	addrs := make(map[int]string, len(s.addrs))
	for id, addr := range s.addrs {
		addrs[id] = addr
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.dialTimeout)
	defer cancel()

	var connsMu sync.Mutex
	conns := make(map[int]Conn, len(addrs))
	g, ctx := errgroup.WithContext(ctx)
	for id, addr := range addrs {
		g.Go(func() error {
			conn, err := s.tr.Connect(ctx, addr)
			if err != nil {
				return fmt.Errorf("peer %d at %s: %w", id, addr, err)
			}
			connsMu.Lock()
			conns[id] = conn
			connsMu.Unlock()
			s.logger.Info("connected", LabelPeerID.L(id), LabelPeerAddr.L(addr))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			conn.Close()
		}
		panic(fmt.Errorf("sender: %w", err))
	}

	s.mu.Lock()
	s.conns = conns
	s.connected = true
	s.mu.Unlock()
}

// Send forwards env to the registered peer asynchronously. The transport
// owns env's buffers until onDone fires; passing a nil onDone is
// fire-and-forget. An unknown peer id panics with ErrUnknownPeer.
func (s *Sender) Send(env *Envelope, peerID int, onDone func(error)) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		panic(ErrNotConnected)
	}
	conn, ok := s.conns[peerID]
	s.mu.Unlock()
	if !ok {
		panic(fmt.Errorf("%w: %d", ErrUnknownPeer, peerID))
	}
	if err := conn.Send(env, onDone); err != nil {
		panic(fmt.Errorf("sender: send to peer %d: %w", peerID, err))
	}
}

// SendSync forwards env and blocks until the transport signals completion.
func (s *Sender) SendSync(env *Envelope, peerID int) error {
	done := make(chan error, 1)
	s.Send(env, peerID, func(err error) { done <- err })
	return <-done
}

// Finalize closes every connection. Call it at most once per process
// lifetime, and never concurrently with in-flight sends.
func (s *Sender) Finalize() {
	s.mu.Lock()
	if s.finalized {
		s.logger.Warn("Finalize has been called already, ignoring")
		s.mu.Unlock()
		return
	}
	s.finalized = true
	conns := s.conns
	s.conns = make(map[int]Conn)
	s.mu.Unlock()

	for id, conn := range conns {
		if err := conn.Close(); err != nil {
			s.logger.Warn("error closing connection", LabelPeerID.L(id), "error", err)
		}
	}
	s.tr.Close()
}
