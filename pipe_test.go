package skein

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestPipePingPong(t *testing.T) {
	addr := freeAddr(t, "pipe")
	send, recv := newTestPair(t, "pipe", addr)
	defer recv.Finalize()
	defer send.Finalize()

	exchangeEnvelopes(t, send, recv)
}

func TestPipeLargeSegments(t *testing.T) {
	addr := freeAddr(t, "pipe")
	send, recv := newTestPair(t, "pipe", addr)
	defer recv.Finalize()
	defer send.Finalize()

	// Buffers travel as their own stream segments; order and content must
	// survive segmentation.
	env := &Envelope{
		ServiceID: 11,
		MsgSeq:    3,
		Data:      []byte("bulk"),
		Buffers: [][]byte{
			make([]byte, 1<<22),
			make([]byte, 17),
			make([]byte, 1<<16),
		},
	}
	for i, b := range env.Buffers {
		for j := range b {
			b[j] = byte(i*31 + j)
		}
	}

	require.NoError(t, send.SendSync(env, 0))

	got, ok := recv.Recv(30 * time.Second)
	require.True(t, ok)
	require.Empty(t, cmp.Diff(env, got))
}

func TestPipeAsyncSendCompletion(t *testing.T) {
	addr := freeAddr(t, "pipe")
	send, recv := newTestPair(t, "pipe", addr)
	defer recv.Finalize()
	defer send.Finalize()

	const n = 50
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		send.Send(&Envelope{
			ServiceID: 1,
			MsgSeq:    int64(i),
			Buffers:   [][]byte{make([]byte, 256)},
		}, 0, func(err error) { done <- err })
	}
	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("send completion never fired")
		}
	}

	// One connection, one stream: strict FIFO.
	for i := int64(0); i < n; i++ {
		env, ok := recv.Recv(10 * time.Second)
		require.True(t, ok)
		require.Equal(t, i, env.MsgSeq)
	}
}

func TestPipeFinalizeStopsEverything(t *testing.T) {
	defer leaktest.CheckTimeout(t, 15*time.Second)()

	addr := freeAddr(t, "pipe")
	send, recv := newTestPair(t, "pipe", addr)
	exchangeEnvelopes(t, send, recv)

	send.Finalize()
	recv.Finalize()
}
