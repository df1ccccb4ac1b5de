//go:build linux

package nioproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/blake2b"
)

// chunkSource hands out data at most step bytes per call and then reports
// end of stream.
type chunkSource struct {
	data []byte
	step int
}

func (s *chunkSource) TryRead(w *ByteWindow) (int, error) {
	if len(s.data) == 0 {
		return 0, io.EOF
	}
	n := s.step
	if n > len(s.data) {
		n = len(s.data)
	}
	if n > w.Remaining() {
		n = w.Remaining()
	}
	if err := w.Put(s.data[:n]); err != nil {
		return 0, err
	}
	s.data = s.data[n:]
	return n, nil
}

// stutterSink accepts at most limit bytes per call and refuses every other call.
type stutterSink struct {
	bytes.Buffer
	limit    int
	refuse   bool
	calls    int
	shutdown bool
}

func (s *stutterSink) TryWrite(w *ByteWindow) (int, error) {
	s.calls++
	s.refuse = !s.refuse
	if !s.refuse {
		return 0, nil
	}
	n := w.Remaining()
	if n > s.limit {
		n = s.limit
	}
	data, err := w.Get(n)
	if err != nil {
		return 0, err
	}
	s.Write(data)
	return n, nil
}

func (s *stutterSink) ShutdownWrite() error {
	s.shutdown = true
	return nil
}

type failingSink struct{}

var errSinkBroken = errors.New("sink broken")

func (failingSink) TryWrite(*ByteWindow) (int, error) {
	return 0, errSinkBroken
}

func TestPipelinePartialWrites(t *testing.T) {
	payload := make([]byte, 100)
	rand.New(rand.NewSource(5)).Read(payload)
	source := &chunkSource{data: payload, step: 100}
	sink := &stutterSink{limit: 40}
	window := NewByteWindow(64)
	p := NewPipeline(source, sink, window)

	blocked := false
	for i := 0; i < 100 && !p.Done(); i++ {
		res, err := p.PumpOnce()
		require.NoError(t, err)
		require.LessOrEqual(t, p.Pending(), window.Capacity())
		require.LessOrEqual(t, res.Written, 40)
		blocked = blocked || res.Blocked
	}
	require.True(t, p.Done())
	require.True(t, blocked)
	require.True(t, sink.shutdown, "sink is half-closed once everything was written")
	require.Equal(t, payload, sink.Bytes())
	read, written := p.Transferred()
	require.EqualValues(t, 100, read)
	require.EqualValues(t, 100, written)

	sum := blake2b.Sum256(payload)
	require.Equal(t, sum[:], p.Digest())

	res, err := p.PumpOnce()
	require.NoError(t, err)
	require.True(t, res.Done)
	require.Zero(t, res.Written)
}

func TestPipelineNoReadWhilePending(t *testing.T) {
	source := &chunkSource{data: bytes.Repeat([]byte("z"), 30), step: 10}
	sink := &stutterSink{limit: 4, refuse: true}
	p := NewPipeline(source, sink, NewByteWindow(16))

	res, err := p.PumpOnce()
	require.NoError(t, err)
	require.Equal(t, 10, res.Read)
	require.True(t, res.Blocked)
	require.Equal(t, 10, p.Pending())

	res, err = p.PumpOnce()
	require.NoError(t, err)
	require.Zero(t, res.Read, "pending bytes are flushed before reading more")
	require.Equal(t, 4, res.Written)
	require.Equal(t, 6, p.Pending())
}

func TestPipelineEmptySource(t *testing.T) {
	sink := &stutterSink{limit: 8}
	p := NewPipeline(&chunkSource{}, sink, nil)
	res, err := p.PumpOnce()
	require.NoError(t, err)
	require.True(t, res.EOF)
	require.True(t, res.Done)
	require.True(t, sink.shutdown)
	require.Zero(t, sink.calls)
}

func TestPipelineSinkFailure(t *testing.T) {
	p := NewPipeline(&chunkSource{data: []byte("abc"), step: 3}, failingSink{}, NewByteWindow(8))
	_, err := p.PumpOnce()
	require.ErrorIs(t, err, errSinkBroken)
	require.False(t, p.Done())
}

func TestPipelineRunFileToFile(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("pipeline "), 10000)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in"), payload, 0644))
	source, err := OpenFile(filepath.Join(dir, "in"), ModeRead)
	require.NoError(t, err)
	defer source.Close()
	sink, err := OpenFile(filepath.Join(dir, "out"), ModeWrite|ModeCreate|ModeTruncate)
	require.NoError(t, err)
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p := NewPipeline(source, sink, NewByteWindow(4096))
	written, err := p.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), written)

	out, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	require.Equal(t, payload, out)
}

func TestPipelineRunCancelled(t *testing.T) {
	source, _ := openTestPipe(t)
	_, sink := openTestPipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p := NewPipeline(source, sink, nil)
	_, err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipelineZeroCapacityWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0644))
	source, err := OpenFile(path, ModeRead)
	require.NoError(t, err)
	defer source.Close()
	reader, sink := openTestPipe(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := NewPipeline(source, sink, NewByteWindow(0))
	written, err := p.Run(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, written)
	require.True(t, p.Done())
	w := NewByteWindow(16)
	n, err := readEventually(t, reader, w)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.NoError(t, w.SwitchToDrain())
	data, err := w.Get(n)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}
