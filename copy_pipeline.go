package nioproxy

import (
	"context"
	"errors"
	"hash"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

const pumpBackoff = time.Millisecond

// Source is anything that can fill a window without blocking. (0, nil)
// means nothing is available yet and (0, io.EOF) means end of stream.
type Source interface {
	TryRead(w *ByteWindow) (int, error)
}

// Sink is anything that can drain a window without blocking. It may take
// fewer bytes than offered; (0, nil) means it would block.
type Sink interface {
	TryWrite(w *ByteWindow) (int, error)
}

// HalfCloser is implemented by sinks that can signal end of stream to
// their peer while staying open for the reverse direction.
type HalfCloser interface {
	ShutdownWrite() error
}

type PumpResult struct {
	Read    int
	Written int
	// EOF is set once the source reported end of stream
	EOF bool
	// Done is set once EOF was reached, every byte reached the sink and the sink was half-closed
	Done bool
	// Blocked is set when the sink stopped accepting bytes with some still pending
	Blocked bool
}

// Pipeline copies a source into a sink through one window.
type Pipeline struct {
	source  Source
	sink    Sink
	window  *ByteWindow
	eof     bool
	done    bool
	read    uint64
	written uint64
	digest  hash.Hash
}

// NewPipeline uses window as the staging area; nil or a window without
// capacity is replaced by one of the default size. The window is reset to
// fill mode.
func NewPipeline(source Source, sink Sink, window *ByteWindow) *Pipeline {
	if window == nil || window.Capacity() == 0 {
		window = NewByteWindow(defWindowSize)
	}
	window.ResetToFill()
	digest, err := blake2b.New256(nil)
	if err != nil {
		log.Error().Msgf("can't create pipeline digest: %+v", err)
	}
	return &Pipeline{
		source: source,
		sink:   sink,
		window: window,
		digest: digest,
	}
}

// PumpOnce flushes bytes left from a previous call or, when there are
// none, makes one read attempt and then writes until the window is empty
// or the sink would block.
func (p *Pipeline) PumpOnce() (PumpResult, error) {
	if p.done {
		return PumpResult{EOF: true, Done: true}, nil
	}
	var res PumpResult
	w := p.window
	if w.Mode() == FillMode && !p.eof {
		n, err := p.source.TryRead(w)
		if errors.Is(err, io.EOF) {
			p.eof = true
		} else if err != nil {
			return res, err
		}
		res.Read = n
		p.read += uint64(n)
		if w.Position() > 0 {
			if err = w.SwitchToDrain(); err != nil {
				return res, err
			}
		}
	}
	if w.Mode() == DrainMode {
		for w.HasRemaining() {
			start := w.Position()
			n, err := p.sink.TryWrite(w)
			if err != nil {
				return res, err
			}
			if n == 0 {
				res.Blocked = true
				break
			}
			if p.digest != nil {
				p.digest.Write(w.buf[start : start+n])
			}
			res.Written += n
			p.written += uint64(n)
		}
		if !w.HasRemaining() {
			w.ResetToFill()
		}
	}
	res.EOF = p.eof
	if p.eof && p.Pending() == 0 {
		if hc, ok := p.sink.(HalfCloser); ok {
			if err := hc.ShutdownWrite(); err != nil && err != ErrUnsupported {
				return res, err
			}
		}
		p.done = true
		res.Done = true
	}
	return res, nil
}

// Pending returns the number of bytes read but not yet written.
func (p *Pipeline) Pending() int {
	if p.window.Mode() == DrainMode {
		return p.window.Remaining()
	}
	return p.window.Position()
}

func (p *Pipeline) Done() bool {
	return p.done
}

// Transferred returns the totals read from the source and written to the sink.
func (p *Pipeline) Transferred() (read, written uint64) {
	return p.read, p.written
}

// Digest returns the BLAKE2b-256 sum of every byte written to the sink so far.
func (p *Pipeline) Digest() []byte {
	if p.digest == nil {
		return nil
	}
	return p.digest.Sum(nil)
}

// Run pumps until the pipeline is done, backing off briefly whenever no
// progress was made. Meant for endpoints that are never registered with a
// multiplexer, like a file copy.
func (p *Pipeline) Run(ctx context.Context) (uint64, error) {
	for !p.done {
		res, err := p.PumpOnce()
		if err != nil {
			return p.written, err
		}
		if res.Done || res.Read > 0 || res.Written > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return p.written, ctx.Err()
		case <-time.After(pumpBackoff):
		}
	}
	return p.written, nil
}
