package skein

import (
	"context"
	"fmt"
	"strings"
)

// Conn is one direction-agnostic channel between this process and a peer.
// Connections come from an explicit Connect (outbound) or an accepted
// inbound handshake, and live until Close; they are never silently
// recreated.
type Conn interface {
	// Send transmits env asynchronously. The transport owns every buffer of
	// env until onDone fires; onDone receives nil on success or the hard
	// transport error that killed the operation. onDone may run on a
	// backend I/O goroutine and must not block.
	Send(env *Envelope, onDone func(error)) error

	// Recv blocks until the next inbound envelope is fully reconstructed.
	// It returns ErrConnClosed once the connection has been closed locally
	// or remotely after a clean shutdown.
	Recv() (*Envelope, error)

	// RemoteAddr describes the peer for logs. Opaque.
	RemoteAddr() string

	// Close releases the connection. Idempotent.
	Close() error
}

// Transport is the capability every backend implements. A Transport value
// is either dialing-only, listening-only, or both; Sender and Receiver each
// own their side.
type Transport interface {
	// Scheme reports the address scheme this backend serves ("tcp",
	// "pipe", "fabric").
	Scheme() string

	// Connect dials addr and performs the client-side handshake: a single
	// message whose metadata is the handshake token and which carries no
	// buffers. It fails if the peer is unreachable or rejects the
	// handshake.
	Connect(ctx context.Context, addr string) (Conn, error)

	// Listen binds addr and starts accepting raw connections. Handshake
	// validation of accepted connections is the caller's job.
	Listen(addr string) error

	// Accept returns the next inbound connection. It honors ctx
	// cancellation with bounded latency.
	Accept(ctx context.Context) (Conn, error)

	// Close releases every connection and the listener. Idempotent.
	Close() error
}

// NewTransport constructs the backend for the given scheme. The closed set
// of backends is {tcp, pipe, fabric}; anything else is ErrUnknownScheme.
func NewTransport(scheme string, opts ...Option) (Transport, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	switch scheme {
	case "tcp":
		return newSocketTransport(cfg), nil
	case "pipe":
		return newPipeTransport(cfg)
	case "fabric":
		return newFabricTransport(cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
}

// SplitAddr splits "scheme://hostport" into its two halves. The hostport
// part stays an unparsed token; only the scheme matters to this layer.
func SplitAddr(addr string) (scheme, hostport string, err error) {
	scheme, hostport, ok := strings.Cut(addr, "://")
	if !ok || scheme == "" || hostport == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAddr, addr)
	}
	return scheme, hostport, nil
}

// checkScheme verifies addr carries the scheme tr serves and returns the
// hostport part.
func checkScheme(tr Transport, addr string) (string, error) {
	scheme, hostport, err := SplitAddr(addr)
	if err != nil {
		return "", err
	}
	if scheme != tr.Scheme() {
		return "", fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddr, addr, tr.Scheme())
	}
	return hostport, nil
}
