//go:build linux

package nioproxy

import (
	"encoding/hex"
	"github.com/rs/zerolog/log"
)

const maxTransferResponse = 64 * 1024

// TransferResult is what a finished transfer reports: the pipeline totals
// and whatever the receiver sent back before closing its side.
type TransferResult struct {
	PumpResult
	Response []byte
}

// StartTransfer streams the file of tc to its address through el. The
// socket is half-closed at end of file and then read until the receiver
// closes it; at most maxTransferResponse bytes of the response are kept.
// Both endpoints are closed before onDone is called. onDone may be nil.
func StartTransfer(el *EventLoop, tc TransferConfig, windowSize int, onDone func(TransferResult, error)) error {
	source, err := OpenFile(tc.SourcePath, ModeRead)
	if err != nil {
		return err
	}
	sink, err := Dial(tc.Net, tc.Address)
	if err != nil {
		_ = source.Close()
		return err
	}
	if windowSize <= 0 {
		windowSize = defWindowSize
	}
	pipeline := NewPipeline(source, sink, NewByteWindow(windowSize))
	finish := func(res TransferResult, err error) {
		if onDone != nil {
			onDone(res, err)
		}
	}
	err = el.AddPipeline(pipeline, func(res PumpResult, err error) {
		_ = source.Close()
		if err != nil {
			log.Error().Msgf("transfer %s failed after %d bytes: %+v", tc.Name, res.Written, err)
			_ = sink.Close()
			finish(TransferResult{PumpResult: res}, err)
			return
		}
		log.Info().Msgf("transfer %s sent %d bytes blake2b:%s", tc.Name, res.Written, hex.EncodeToString(pipeline.Digest()))
		response := &transferResponse{name: tc.Name, result: TransferResult{PumpResult: res}, onDone: finish}
		if _, err = el.Attach(sink, response); err != nil && !sink.IsClosed() {
			log.Error().Msgf("transfer %s can't wait for the response: %+v", tc.Name, err)
			_ = sink.Close()
			finish(response.result, err)
		}
	})
	if err != nil {
		_ = source.Close()
		_ = sink.Close()
		return err
	}
	log.Info().Msgf("transfer %s started: %s -> %s://%s", tc.Name, tc.SourcePath, tc.Net, tc.Address)
	return nil
}

// transferResponse collects what the receiver sends after the file.
type transferResponse struct {
	BaseHandler
	name   string
	result TransferResult
	onDone func(TransferResult, error)
}

func (h *transferResponse) ReadEvent(_ *Conn, data []byte) error {
	room := maxTransferResponse - len(h.result.Response)
	if room <= 0 {
		return nil
	}
	if len(data) > room {
		data = data[:room]
	}
	h.result.Response = append(h.result.Response, data...)
	return nil
}

func (h *transferResponse) CloseEvent(c *Conn, err error) {
	if err != nil {
		log.Warn().Msgf("transfer %s lost the response after %d bytes: %v", h.name, len(h.result.Response), err)
	} else {
		log.Info().Msgf("transfer %s finished: %d bytes sent, %d bytes received", h.name, h.result.Written, c.Stats().TotalReceivedBytes)
	}
	h.onDone(h.result, err)
}
