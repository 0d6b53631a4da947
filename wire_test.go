package skein

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "scalars only",
			env:  &Envelope{ServiceID: 7, MsgSeq: 42, ClientID: 1, ServerID: 2},
		},
		{
			name: "data no buffers",
			env:  &Envelope{ServiceID: 7, MsgSeq: 1, Data: []byte("find_edges")},
		},
		{
			name: "multiple buffers",
			env: &Envelope{
				ServiceID: 3,
				MsgSeq:    99,
				ClientID:  12,
				ServerID:  4,
				Data:      []byte("payload"),
				Buffers: [][]byte{
					[]byte("first"),
					make([]byte, 4096),
					{0xff},
				},
			},
		},
		{
			name: "negative scalars survive",
			env:  &Envelope{ServiceID: -1, MsgSeq: -5, ClientID: -2, ServerID: -3},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meta, bufs, err := EncodeEnvelope(tc.env)
			require.NoError(t, err)

			got, err := DecodeEnvelope(meta, bufs)
			require.NoError(t, err)
			require.Empty(t, cmp.Diff(tc.env, got))
		})
	}
}

func TestEncodeEnvelopeRejectsEmptyBuffer(t *testing.T) {
	env := &Envelope{
		ServiceID: 1,
		Buffers:   [][]byte{[]byte("ok"), {}},
	}
	_, _, err := EncodeEnvelope(env)
	require.ErrorIs(t, err, ErrEmptyBuffer)
}

func TestDecodeEnvelopeTruncatedMeta(t *testing.T) {
	_, err := DecodeEnvelope([]byte("short"), nil)
	require.ErrorIs(t, err, ErrTruncatedMeta)

	// Valid blob with the last byte chopped off.
	meta, bufs, err := EncodeEnvelope(&Envelope{ServiceID: 1, Data: []byte("x")})
	require.NoError(t, err)
	_, err = DecodeEnvelope(meta[:len(meta)-1], bufs)
	require.ErrorIs(t, err, ErrTruncatedMeta)
}

func TestDecodeEnvelopeBufferMismatch(t *testing.T) {
	meta, bufs, err := EncodeEnvelope(&Envelope{
		ServiceID: 1,
		Buffers:   [][]byte{[]byte("abc"), []byte("defg")},
	})
	require.NoError(t, err)

	// Wrong number of buffers.
	_, err = DecodeEnvelope(meta, bufs[:1])
	require.ErrorIs(t, err, ErrBufferMismatch)

	// Right count, wrong size.
	_, err = DecodeEnvelope(meta, [][]byte{[]byte("abc"), []byte("de")})
	require.ErrorIs(t, err, ErrBufferMismatch)
}

func TestMetaTrailerCountsNonEmptyBuffers(t *testing.T) {
	meta, _, err := EncodeEnvelope(&Envelope{
		ServiceID: 1,
		Data:      []byte("data"),
		Buffers:   [][]byte{make([]byte, 10), make([]byte, 20)},
	})
	require.NoError(t, err)

	count := binary.LittleEndian.Uint32(meta[len(meta)-4:])
	require.EqualValues(t, 2, count)
}

func TestMetaBufferSizes(t *testing.T) {
	meta, _, err := EncodeEnvelope(&Envelope{
		ServiceID: 1,
		Data:      []byte("abc"),
		Buffers:   [][]byte{make([]byte, 5), make([]byte, 1<<20)},
	})
	require.NoError(t, err)

	sizes, err := metaBufferSizes(meta)
	require.NoError(t, err)
	require.Equal(t, []int{5, 1 << 20}, sizes)

	_, err = metaBufferSizes([]byte{0, 1, 2})
	require.ErrorIs(t, err, ErrTruncatedMeta)
}

func TestHandshakeEnvelope(t *testing.T) {
	hs := handshakeEnvelope()
	require.True(t, isHandshake(hs))

	meta, bufs, err := EncodeEnvelope(hs)
	require.NoError(t, err)
	got, err := DecodeEnvelope(meta, bufs)
	require.NoError(t, err)
	require.True(t, isHandshake(got))

	require.False(t, isHandshake(&Envelope{Data: []byte("GET / HTTP/1.1")}))
	require.False(t, isHandshake(&Envelope{
		Data:    []byte(handshakeToken),
		Buffers: [][]byte{{1}},
	}))
}
