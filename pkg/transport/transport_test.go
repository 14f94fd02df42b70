package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModeForVersionThresholds(t *testing.T) {
	cases := []struct {
		version string
		want    Mode
	}{
		{"3.0.0", ModeReverse},
		{"2.10.0", ModeReverse},
		{"2.10.5", ModeReverse},
		{"2.0.9", ModeReverse},
		{"2.0.15", ModeReverse},
		{"2.0.8", ModeListen},
		{"1.30.22", ModeListen},
		{"2.5.0", ModeListen},
	}
	for _, c := range cases {
		got, err := ModeForVersion(c.version)
		require.NoError(t, err, c.version)
		require.Equal(t, c.want, got, c.version)
	}
}

func TestModeForVersionRejectsGarbage(t *testing.T) {
	_, err := ModeForVersion("")
	require.Error(t, err)
	_, err = ModeForVersion("notaversion")
	require.Error(t, err)
}

func TestListenAcceptsConnections(t *testing.T) {
	l, err := Listen("127.0.0.1:0", DefaultKeepAlive)
	require.NoError(t, err)
	defer l.Close()

	addr := l.Addr().String()

	go func() {
		d := NewDialer(DefaultKeepAlive)
		_ = d.Dial(context.Background(), addr)
	}()

	select {
	case conn := <-l.Streams():
		require.NotNil(t, conn)
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not receive accepted connection")
	}
}

func TestDialerCloseSendsSentinel(t *testing.T) {
	d := NewDialer(DefaultKeepAlive)
	d.Close()
	select {
	case conn := <-d.Streams():
		require.Nil(t, conn)
	case <-time.After(time.Second):
		t.Fatal("expected sentinel on Streams after Close")
	}
}

func TestDialerCloseIsIdempotent(t *testing.T) {
	d := NewDialer(DefaultKeepAlive)
	d.Close()
	require.NotPanics(t, func() { d.Close() })
}
