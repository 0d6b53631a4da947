package skein

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRank(t *testing.T) {
	rctx := NewContext()
	require.EqualValues(t, -1, rctx.Rank())

	rctx.SetRank(3)
	require.EqualValues(t, 3, rctx.Rank())
}

func TestContextMsgSeq(t *testing.T) {
	rctx := NewContext()
	require.EqualValues(t, 0, rctx.PeekMsgSeq())

	// Post-increment: returns the current value, then advances.
	require.EqualValues(t, 0, rctx.NextMsgSeq())
	require.EqualValues(t, 1, rctx.NextMsgSeq())
	require.EqualValues(t, 2, rctx.PeekMsgSeq())
}

func TestContextMsgSeqConcurrent(t *testing.T) {
	rctx := NewContext()
	const workers = 16
	const perWorker = 500

	seen := make([]map[int64]struct{}, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		seen[w] = make(map[int64]struct{}, perWorker)
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				seen[w][rctx.NextMsgSeq()] = struct{}{}
			}
		}(w)
	}
	wg.Wait()

	// Every identifier handed out exactly once.
	all := make(map[int64]struct{}, workers*perWorker)
	for _, m := range seen {
		for seq := range m {
			_, dup := all[seq]
			require.False(t, dup, "sequence %d handed out twice", seq)
			all[seq] = struct{}{}
		}
	}
	require.Len(t, all, workers*perWorker)
	require.EqualValues(t, workers*perWorker, rctx.PeekMsgSeq())
}

func TestContextCapabilityAccess(t *testing.T) {
	rctx := NewContext()

	require.PanicsWithValue(t, ErrNoSender, func() { rctx.Sender() })
	require.PanicsWithValue(t, ErrNoReceiver, func() { rctx.Receiver() })
	require.PanicsWithValue(t, ErrNoServerState, func() { rctx.ServerState() })

	s := &Sender{}
	r := &Receiver{}
	rctx.SetSender(s)
	rctx.SetReceiver(r)
	rctx.SetServerState("graph-store")

	require.Same(t, s, rctx.Sender())
	require.Same(t, r, rctx.Receiver())
	require.Equal(t, "graph-store", rctx.ServerState())
}
