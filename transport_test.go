package skein

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTransportSchemes(t *testing.T) {
	tr, err := NewTransport("tcp")
	require.NoError(t, err)
	require.Equal(t, "tcp", tr.Scheme())
	require.NoError(t, tr.Close())

	tr, err = NewTransport("pipe")
	require.NoError(t, err)
	require.Equal(t, "pipe", tr.Scheme())
	require.NoError(t, tr.Close())

	_, err = NewTransport("carrier-pigeon")
	require.ErrorIs(t, err, ErrUnknownScheme)
	_, err = NewTransport("")
	require.ErrorIs(t, err, ErrUnknownScheme)
}

func TestSplitAddr(t *testing.T) {
	scheme, hostport, err := SplitAddr("tcp://127.0.0.1:50051")
	require.NoError(t, err)
	require.Equal(t, "tcp", scheme)
	require.Equal(t, "127.0.0.1:50051", hostport)

	for _, bad := range []string{"", "tcp://", "://1.2.3.4:1", "no-scheme-at-all"} {
		_, _, err := SplitAddr(bad)
		require.ErrorIs(t, err, ErrInvalidAddr, "input %q", bad)
	}
}

func TestCheckScheme(t *testing.T) {
	tr, err := NewTransport("tcp")
	require.NoError(t, err)
	defer tr.Close()

	hostport, err := checkScheme(tr, "tcp://127.0.0.1:1234")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:1234", hostport)

	_, err = checkScheme(tr, "pipe://127.0.0.1:1234")
	require.ErrorIs(t, err, ErrInvalidAddr)
}
