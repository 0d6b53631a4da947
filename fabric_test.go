package skein

import (
	"encoding/binary"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// newBareFabricTransport builds a transport with no hardware attached, for
// exercising the framing and reassembly paths that never touch the
// completion queue.
func newBareFabricTransport() *fabricTransport {
	return &fabricTransport{
		cfg:        defaultConfig(),
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		msink:      &metrics.BlackholeSink{},
		connsByTag: make(map[uint64]*fabricConn),
	}
}

func recvNow(t *testing.T, c *fabricConn) *Envelope {
	t.Helper()
	select {
	case env := <-c.recvCh:
		return env
	case <-time.After(time.Second):
		t.Fatal("no envelope reassembled")
		return nil
	}
}

func TestFabricFrame(t *testing.T) {
	payload := []byte("tagged payload")
	msg := fabricFrame(0xdeadbeef, fabricKindMeta, payload)

	require.Len(t, msg, fabricHeaderSize+len(payload))
	require.EqualValues(t, 0xdeadbeef, binary.LittleEndian.Uint64(msg[0:8]))
	require.Equal(t, fabricKindMeta, msg[8])
	require.EqualValues(t, len(payload), binary.LittleEndian.Uint64(msg[9:fabricHeaderSize]))
	require.Equal(t, payload, msg[fabricHeaderSize:])
}

func TestFabricReassembly(t *testing.T) {
	tr := newBareFabricTransport()
	conn := newFabricConn(tr, 0, "peer", 42)
	tr.connsByTag[42] = conn

	env := &Envelope{
		ServiceID: 5,
		MsgSeq:    9,
		ClientID:  1,
		Data:      []byte("request"),
		Buffers:   [][]byte{[]byte("chunk-a"), []byte("chunk-bb")},
	}
	meta, bufs, err := EncodeEnvelope(env)
	require.NoError(t, err)

	tr.handleInbound(fabricFrame(42, fabricKindMeta, meta))
	for _, b := range bufs {
		tr.handleInbound(fabricFrame(42, fabricKindSegment, b))
	}

	require.Empty(t, cmp.Diff(env, recvNow(t, conn)))
}

func TestFabricReassemblyMetaOnly(t *testing.T) {
	tr := newBareFabricTransport()
	conn := newFabricConn(tr, 0, "peer", 7)
	tr.connsByTag[7] = conn

	env := &Envelope{ServiceID: 2, Data: []byte("no buffers")}
	meta, _, err := EncodeEnvelope(env)
	require.NoError(t, err)

	// An envelope without buffers completes on the meta message alone.
	tr.handleInbound(fabricFrame(7, fabricKindMeta, meta))
	require.Empty(t, cmp.Diff(env, recvNow(t, conn)))
}

func TestFabricReassemblyRecoversFromBadSegment(t *testing.T) {
	tr := newBareFabricTransport()
	conn := newFabricConn(tr, 0, "peer", 42)
	tr.connsByTag[42] = conn

	env := &Envelope{ServiceID: 1, Buffers: [][]byte{make([]byte, 64)}}
	meta, bufs, err := EncodeEnvelope(env)
	require.NoError(t, err)

	// A segment whose size disagrees with the metadata resets reassembly.
	tr.handleInbound(fabricFrame(42, fabricKindMeta, meta))
	tr.handleInbound(fabricFrame(42, fabricKindSegment, []byte("wrong size")))
	select {
	case <-conn.recvCh:
		t.Fatal("corrupt envelope surfaced")
	case <-time.After(20 * time.Millisecond):
	}

	// The next complete exchange goes through untouched.
	tr.handleInbound(fabricFrame(42, fabricKindMeta, meta))
	tr.handleInbound(fabricFrame(42, fabricKindSegment, bufs[0]))
	require.Empty(t, cmp.Diff(env, recvNow(t, conn)))
}

func TestFabricInboundDropsMalformed(t *testing.T) {
	tr := newBareFabricTransport()
	conn := newFabricConn(tr, 0, "peer", 42)
	tr.connsByTag[42] = conn

	// None of these may panic or surface anything.
	tr.handleInbound(nil)
	tr.handleInbound([]byte{1, 2, 3})
	tr.handleInbound(fabricFrame(99, fabricKindMeta, []byte("unknown tag")))
	tr.handleInbound(fabricFrame(42, fabricKindSegment, []byte("segment before meta")))
	tr.handleInbound(fabricFrame(42, byte(0x7f), []byte("unknown kind")))

	// Truncated frame: declared payload longer than what arrived.
	msg := fabricFrame(42, fabricKindMeta, []byte("abcdef"))
	tr.handleInbound(msg[:len(msg)-3])

	select {
	case <-conn.recvCh:
		t.Fatal("malformed input surfaced an envelope")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFabricConnSendRejectsOversizedSegment(t *testing.T) {
	tr := newBareFabricTransport()
	conn := newFabricConn(tr, 0, "peer", 1)

	err := conn.Send(&Envelope{
		ServiceID: 1,
		Buffers:   [][]byte{make([]byte, fabricMaxSegment)},
	}, nil)
	require.Error(t, err)
}

func TestFabricConnClosed(t *testing.T) {
	tr := newBareFabricTransport()
	conn := newFabricConn(tr, 0, "peer", 1)
	tr.connsByTag[1] = conn

	require.NoError(t, conn.Close())
	require.NotContains(t, tr.connsByTag, uint64(1))

	_, err := conn.Recv()
	require.ErrorIs(t, err, ErrConnClosed)
	require.ErrorIs(t, conn.Send(&Envelope{ServiceID: 1}, nil), ErrConnClosed)

	// Idempotent.
	require.NoError(t, conn.Close())
}
