package skein

import (
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestQueue() *DeliveryQueue {
	return NewDeliveryQueue(&metrics.BlackholeSink{}, nil)
}

func TestQueueFIFO(t *testing.T) {
	q := newTestQueue()
	for i := int64(0); i < 100; i++ {
		require.True(t, q.Push(&Envelope{MsgSeq: i}))
	}
	require.Equal(t, 100, q.Len())

	for i := int64(0); i < 100; i++ {
		env, ok := q.Pop(time.Second)
		require.True(t, ok)
		require.Equal(t, i, env.MsgSeq)
	}
	require.Equal(t, 0, q.Len())
}

func TestQueuePopTimeout(t *testing.T) {
	q := newTestQueue()

	start := time.Now()
	env, ok := q.Pop(50 * time.Millisecond)
	require.False(t, ok)
	require.Nil(t, env)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newTestQueue()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(&Envelope{MsgSeq: 7})
	}()

	// Non-positive timeout blocks indefinitely.
	env, ok := q.Pop(0)
	require.True(t, ok)
	require.EqualValues(t, 7, env.MsgSeq)
}

func TestQueueCloseWakesPoppers(t *testing.T) {
	q := newTestQueue()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, ok := q.Pop(-1)
		require.False(t, ok)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("popper never woke up after Close")
	}
}

func TestQueueCloseDrainsRemaining(t *testing.T) {
	q := newTestQueue()
	require.True(t, q.Push(&Envelope{MsgSeq: 1}))
	require.True(t, q.Push(&Envelope{MsgSeq: 2}))
	q.Close()

	// Pushing after close is refused...
	require.False(t, q.Push(&Envelope{MsgSeq: 3}))

	// ...but what was already enqueued is still poppable, in order.
	env, ok := q.Pop(time.Second)
	require.True(t, ok)
	require.EqualValues(t, 1, env.MsgSeq)
	env, ok = q.Pop(time.Second)
	require.True(t, ok)
	require.EqualValues(t, 2, env.MsgSeq)
	_, ok = q.Pop(10 * time.Millisecond)
	require.False(t, ok)

	// Idempotent.
	q.Close()
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := newTestQueue()
	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.True(t, q.Push(&Envelope{ClientID: int32(p), MsgSeq: int64(i)}))
			}
		}(p)
	}

	// Per-producer order must survive the interleaving.
	next := make(map[int32]int64)
	for n := 0; n < producers*perProducer; n++ {
		env, ok := q.Pop(5 * time.Second)
		require.True(t, ok)
		require.Equal(t, next[env.ClientID], env.MsgSeq,
			"producer %d out of order", env.ClientID)
		next[env.ClientID]++
	}
	wg.Wait()
	require.Equal(t, 0, q.Len())
}
