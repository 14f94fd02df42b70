package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tstreamdb/client-go/pkg/control"
	"github.com/tstreamdb/client-go/pkg/transport"
	"github.com/tstreamdb/client-go/pkg/wire"
)

type stubSession struct {
	topic   string
	haSites []string
}

func (s *stubSession) Login(ctx context.Context, user, password string, remember bool) (string, error) {
	return "", nil
}
func (s *stubSession) Version(ctx context.Context) (string, error) { return "3.0.0", nil }
func (s *stubSession) GetSubscriptionTopic(ctx context.Context, table, action string) (string, []string, error) {
	return s.topic, []string{"sym", "price"}, nil
}
func (s *stubSession) PublishTable(ctx context.Context, localIP string, localPort int, table, action string, offset int64, filter interface{}, allowExists bool) (string, []string, error) {
	return s.topic, s.haSites, nil
}
func (s *stubSession) StopPublishTable(ctx context.Context, localIP string, localPort int, table, action string) error {
	return nil
}
func (s *stubSession) Close() error { return nil }

// Reverse mode keeps this test free of a fixed listening port: the client
// dials a loopback listener standing in for the publisher, over a dialed
// rather than accepted connection.
func TestSubscribeReverseModeDeliversRows(t *testing.T) {
	ctx := context.Background()
	sess := &stubSession{topic: "h:p/t/a"}
	dial := func(ctx context.Context, addr string) (control.Session, error) { return sess, nil }

	ln, lerr := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, lerr)
	defer ln.Close()

	rc, rerr := New(ctx, Config{
		ListeningPort: 0,
		KeepAlive:     transport.DefaultKeepAlive,
		DialSession:   dial,
	})
	require.NoError(t, rerr)
	defer rc.Exit()

	host, port, splitErr := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, splitErr)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, aerr := ln.Accept()
		if aerr != nil {
			return
		}
		defer conn.Close()
		frame := &wire.Frame{
			Offset: 42,
			Topics: []string{"h:p/t/a"},
			Form:   wire.FormVector,
			AnyVector: &wire.AnyVector{Columns: []wire.Vector{
				{ElemType: wire.TypeInt64, Values: []wire.Value{{Type: wire.TypeInt64, Int64: 1}, {Type: wire.TypeInt64, Int64: 2}, {Type: wire.TypeInt64, Int64: 3}}},
			}},
		}
		_ = wire.Encode(conn, frame)
	}()

	handle, serr := rc.Subscribe(ctx, SubscribeOptions{
		Host: host, Port: port, Table: "t", Action: "a", BatchSize: 10,
	})
	require.NoError(t, serr)
	require.Equal(t, "h:p/t/a", handle.Topic)

	m1, ok := handle.Queue.Pop()
	require.True(t, ok)
	require.Equal(t, int64(40), m1.Offset)

	select {
	case <-serverDone:
	case <-time.After(2 * time.Second):
		t.Fatal("server goroutine did not finish")
	}
}

func TestExitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sess := &stubSession{topic: "h:p/t/a"}
	dial := func(ctx context.Context, addr string) (control.Session, error) { return sess, nil }

	c, err := New(ctx, Config{ListeningPort: 0, KeepAlive: transport.DefaultKeepAlive, DialSession: dial})
	require.NoError(t, err)

	c.Exit()
	require.NotPanics(t, func() { c.Exit() })
}

func TestNewRejectsNegativeListeningPort(t *testing.T) {
	dial := func(ctx context.Context, addr string) (control.Session, error) { return nil, nil }
	_, err := New(context.Background(), Config{ListeningPort: -1, DialSession: dial})
	require.Error(t, err)
}
