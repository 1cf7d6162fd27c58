package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFrame(t *testing.T, p *peekPoller, conn net.Conn) string {
	t.Helper()
	conns, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, []net.Conn{conn}, conns)

	header, r, err := wsutil.NextReader(p.Reader(conn), ws.StateServerSide)
	require.NoError(t, err)
	require.Equal(t, ws.OpText, header.OpCode)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	p.Release(conn)
	return string(data)
}

func TestPeekPoller_FramesSurviveReadinessCheck(t *testing.T) {
	p := newPeekPoller()
	defer p.Close()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	require.NoError(t, server.SetDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, p.Add(server))

	go func() {
		_ = wsutil.WriteClientText(client, []byte("first"))
		_ = wsutil.WriteClientText(client, []byte("second"))
	}()

	assert.Equal(t, "first", readFrame(t, p, server))
	assert.Equal(t, "second", readFrame(t, p, server))
}

func TestPeekPoller_ReportsClosedPeer(t *testing.T) {
	p := newPeekPoller()
	defer p.Close()

	server, client := net.Pipe()
	defer server.Close()
	require.NoError(t, p.Add(server))
	require.NoError(t, client.Close())

	conns, err := p.Wait()
	require.NoError(t, err)
	require.Equal(t, []net.Conn{server}, conns)

	_, _, err = wsutil.NextReader(p.Reader(server), ws.StateServerSide)
	assert.Error(t, err)
}

func TestPeekPoller_CloseUnblocksWait(t *testing.T) {
	p := newPeekPoller()

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	require.NoError(t, p.Add(server))
	require.NoError(t, p.Remove(server))

	errc := make(chan error, 1)
	go func() {
		_, err := p.Wait()
		errc <- err
	}()
	require.NoError(t, p.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Close")
	}
	assert.ErrorIs(t, p.Add(server), net.ErrClosed)
}
