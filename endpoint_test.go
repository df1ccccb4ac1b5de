//go:build linux

package nioproxy

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func filledWindow(t *testing.T, data []byte) *ByteWindow {
	t.Helper()
	w := NewByteWindow(len(data))
	require.NoError(t, w.Put(data))
	require.NoError(t, w.SwitchToDrain())
	return w
}

// readEventually retries a non-blocking read until it makes progress.
func readEventually(t *testing.T, ep *Endpoint, w *ByteWindow) (int, error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		n, err := ep.TryRead(w)
		if n > 0 || err != nil || time.Now().After(deadline) {
			return n, err
		}
		time.Sleep(time.Millisecond)
	}
}

func openTestPipe(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()
	source, sink, err := OpenPipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = source.Close()
		_ = sink.Close()
	})
	return source, sink
}

func TestEndpointPipeReadWrite(t *testing.T) {
	source, sink := openTestPipe(t)
	require.Equal(t, KindPipeSource, source.Kind())
	require.Equal(t, InterestRead, source.Capabilities())
	require.Equal(t, InterestWrite, sink.Capabilities())

	w := NewByteWindow(16)
	n, err := source.TryRead(w)
	require.NoError(t, err)
	require.Zero(t, n, "empty pipe would block")

	n, err = sink.TryWrite(filledWindow(t, []byte("ping")))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	n, err = source.TryRead(w)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, w.SwitchToDrain())
	data, err := w.Get(4)
	require.NoError(t, err)
	require.Equal(t, "ping", string(data))

	_, err = source.TryWrite(filledWindow(t, []byte("x")))
	require.ErrorIs(t, err, ErrUnsupported)
	_, err = sink.TryRead(NewByteWindow(1))
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestEndpointEndOfStream(t *testing.T) {
	source, sink := openTestPipe(t)
	require.NoError(t, sink.ShutdownWrite())
	require.True(t, sink.IsClosed(), "shutting a pipe sink closes it")
	n, err := source.TryRead(NewByteWindow(8))
	require.Zero(t, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestEndpointWrongWindowMode(t *testing.T) {
	source, sink := openTestPipe(t)
	drained := filledWindow(t, []byte("a"))
	_, err := source.TryRead(drained)
	require.ErrorIs(t, err, ErrInvalidMode)
	_, err = sink.TryWrite(NewByteWindow(4))
	require.ErrorIs(t, err, ErrInvalidMode)
}

func TestEndpointDoubleClose(t *testing.T) {
	first, _ := openTestPipe(t)
	second, secondSink := openTestPipe(t)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())
	require.True(t, first.IsClosed())

	_, err := first.TryRead(NewByteWindow(4))
	require.ErrorIs(t, err, ErrClosedEndpoint)
	require.ErrorIs(t, first.ShutdownWrite(), ErrClosedEndpoint)
	_, err = first.TryAccept()
	require.ErrorIs(t, err, ErrClosedEndpoint)

	n, err := secondSink.TryWrite(filledWindow(t, []byte("ok")))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = second.TryRead(NewByteWindow(4))
	require.NoError(t, err)
	require.Equal(t, 2, n, "closing one endpoint does not affect another")
}

func TestEndpointFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	out, err := OpenFile(path, ModeWrite|ModeCreate|ModeTruncate)
	require.NoError(t, err)
	require.Equal(t, KindFile, out.Kind())
	n, err := out.TryWrite(filledWindow(t, []byte("file contents")))
	require.NoError(t, err)
	require.Equal(t, 13, n)
	size, err := out.FileSize()
	require.NoError(t, err)
	require.EqualValues(t, 13, size)
	require.NoError(t, out.Close())

	in, err := OpenFile(path, ModeRead)
	require.NoError(t, err)
	defer in.Close()
	w := NewByteWindow(64)
	n, err = in.TryRead(w)
	require.NoError(t, err)
	require.Equal(t, 13, n)
	_, err = in.TryRead(w)
	require.ErrorIs(t, err, io.EOF)

	_, err = OpenFile(filepath.Join(t.TempDir(), "missing"), ModeRead)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEndpointVectorIO(t *testing.T) {
	source, sink := openTestPipe(t)
	head := filledWindow(t, []byte("head-"))
	body := filledWindow(t, []byte("body"))
	n, err := sink.TryWriteVec(head, body)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.False(t, head.HasRemaining())
	require.False(t, body.HasRemaining())

	first, second := NewByteWindow(3), NewByteWindow(16)
	n, err = source.TryReadVec(first, second)
	require.NoError(t, err)
	require.Equal(t, 9, n)
	require.Equal(t, 3, first.Position())
	require.Equal(t, 6, second.Position())
	require.NoError(t, first.SwitchToDrain())
	require.NoError(t, second.SwitchToDrain())
	a, _ := first.Get(3)
	b, _ := second.Get(6)
	require.Equal(t, "head-body", string(a)+string(b))
}

func TestEndpointMapFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapped.bin")
	payload := bytes.Repeat([]byte("0123456789"), 100)
	require.NoError(t, os.WriteFile(path, payload, 0644))
	file, err := OpenFile(path, ModeRead)
	require.NoError(t, err)
	defer file.Close()

	w, err := file.MapFile(0, len(payload))
	require.NoError(t, err)
	require.Equal(t, DrainMode, w.Mode())
	require.Equal(t, len(payload), w.Remaining())
	require.ErrorIs(t, w.Put([]byte("x")), ErrInvalidMode)
	w.ResetToFill()
	require.ErrorIs(t, w.Put([]byte("x")), ErrInvalidMode, "mapped windows are read-only")
	w.RewindToStart()
	require.NoError(t, w.Release())
	require.NoError(t, w.Release())

	w, err = file.MapFile(0, len(payload))
	require.NoError(t, err)
	data, err := w.Get(10)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
	require.NoError(t, w.Release())
}

func TestEndpointMapFileOutsideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))
	file, err := OpenFile(path, ModeRead)
	require.NoError(t, err)
	defer file.Close()

	_, err = file.MapFile(0, 12288)
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = file.MapFile(2, 2)
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = file.MapFile(-1, 1)
	require.ErrorIs(t, err, ErrInvalidRange)

	w, err := file.MapFile(1, 2)
	require.NoError(t, err)
	require.Equal(t, 2, w.Remaining())
	data, err := w.Get(2)
	require.NoError(t, err)
	require.Equal(t, "bc", string(data))
	require.NoError(t, w.Release())

	w, err = file.MapFile(3, 0)
	require.NoError(t, err)
	require.Zero(t, w.Remaining())
}

func TestEndpointStreamAcceptAndHalfClose(t *testing.T) {
	listener, err := Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	require.Equal(t, InterestAccept, listener.Capabilities())

	accepted, err := listener.TryAccept()
	require.NoError(t, err)
	require.Nil(t, accepted, "no pending connection")

	client, err := net.Dial("tcp", listener.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for accepted == nil && time.Now().Before(deadline) {
		accepted, err = listener.TryAccept()
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, accepted)
	defer accepted.Close()
	require.Equal(t, KindStream, accepted.Kind())
	require.Equal(t, client.LocalAddr().String(), accepted.RemoteAddr().String())

	_, err = client.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	w := NewByteWindow(64)
	n, err := readEventually(t, accepted, w)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	_, err = readEventually(t, accepted, w)
	require.ErrorIs(t, err, io.EOF)

	n, err = accepted.TryWrite(filledWindow(t, []byte("response")))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.NoError(t, accepted.ShutdownWrite())

	response, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "response", string(response))
}

func TestEndpointDialAndTransferTo(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			received <- nil
			return
		}
		defer conn.Close()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	path := filepath.Join(t.TempDir(), "payload.bin")
	payload := bytes.Repeat([]byte("sendfile"), 4096)
	require.NoError(t, os.WriteFile(path, payload, 0644))
	file, err := OpenFile(path, ModeRead)
	require.NoError(t, err)
	defer file.Close()

	conn, err := Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.TransferTo(0, 1, file)
	require.ErrorIs(t, err, ErrUnsupported, "only files can transfer")

	mux, err := OpenMultiplexer(0)
	require.NoError(t, err)
	defer mux.Close()
	_, err = mux.Register(conn, InterestWrite)
	require.NoError(t, err)
	ready, err := mux.Poll(5 * time.Second)
	require.NoError(t, err)
	entry, ok := ready.Next()
	require.True(t, ok)
	require.True(t, entry.IsWritable())
	require.NoError(t, conn.FinishConnect())
	require.False(t, conn.Connecting())
	require.NoError(t, mux.Deregister(conn))

	var offset int64
	deadline := time.Now().Add(5 * time.Second)
	for offset < int64(len(payload)) && time.Now().Before(deadline) {
		n, err := file.TransferTo(offset, len(payload)-int(offset), conn)
		require.NoError(t, err)
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
		offset += int64(n)
	}
	require.EqualValues(t, len(payload), offset)
	require.NoError(t, conn.ShutdownWrite())

	select {
	case data := <-received:
		require.Equal(t, payload, data)
	case <-time.After(5 * time.Second):
		t.Fatal("receiver did not finish")
	}
}

func TestEndpointDatagram(t *testing.T) {
	server, err := ListenDatagram("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer server.Close()
	client, err := DialDatagram("udp4", server.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	n, from, err := server.ReceiveFrom(NewByteWindow(64))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Nil(t, from)

	n, err = client.TryWrite(filledWindow(t, []byte("hello datagram")))
	require.NoError(t, err)
	require.Equal(t, 14, n)

	w := NewByteWindow(64)
	deadline := time.Now().Add(5 * time.Second)
	for from == nil && time.Now().Before(deadline) {
		n, from, err = server.ReceiveFrom(w)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, from)
	require.Equal(t, 14, n)
	require.Equal(t, client.LocalAddr().String(), from.String())

	n, err = server.SendTo(filledWindow(t, []byte("reply")), from.String())
	require.NoError(t, err)
	require.Equal(t, 5, n)
	reply := NewByteWindow(16)
	n, err = readEventually(t, client, reply)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, reply.SwitchToDrain())
	data, _ := reply.Get(5)
	require.Equal(t, "reply", string(data))
}

func TestEndpointFromConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	listener, err := FromConn(ln.(*net.TCPListener))
	require.NoError(t, err)
	defer listener.Close()
	require.Equal(t, KindListener, listener.Kind())
	require.Equal(t, ln.Addr().String(), listener.ID())
}

func TestEndpointFailureIsDistinguishable(t *testing.T) {
	source, sink := openTestPipe(t)
	require.NoError(t, source.Close())
	_, err := sink.TryWrite(filledWindow(t, []byte("lost")))
	require.Error(t, err)
	require.True(t, IsEndpointFailure(err))
	var failure *EndpointFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "write", failure.Op)
}

func TestSocketOptionsApply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	conn, err := Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	SocketOptions{RcvBuffer: 64 * 1024, NoDelay: true}.apply(conn)
	rcvBuf, err := unix.GetsockoptInt(conn.Fd(), unix.SOL_SOCKET, unix.SO_RCVBUF)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rcvBuf, 64*1024)
	noDelay, err := unix.GetsockoptInt(conn.Fd(), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	require.NotZero(t, noDelay)
}

func TestRaiseOpenFilesLimit(t *testing.T) {
	limit, err := RaiseOpenFilesLimit(1)
	require.NoError(t, err)
	require.GreaterOrEqual(t, limit, uint64(1))
}
