//go:build linux

package nioproxy

import (
	"strconv"
	"time"
)

const (
	ConnOpened   = 100
	ConnClosed   = 101
	TransferDone = 200
)

type Event struct {
	Id        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Type      int                    `json:"type"`
	MetaData  map[string]interface{} `json:"metaData"`
	Tags      []string               `json:"tags"`
	Err       string                 `json:"error,omitempty"`
	Msg       string                 `json:"msg"`
}

func newEvent(id string, eventType int, err error, msg string) *Event {
	event := &Event{
		Id:        id,
		Timestamp: time.Now().UnixMilli(),
		Type:      eventType,
		MetaData:  map[string]interface{}{},
		Msg:       msg,
	}
	if err != nil {
		event.Err = err.Error()
	}
	return event
}

func newConnEvent(eventType int, c *Conn, err error) *Event {
	msg := "opened"
	if eventType == ConnClosed {
		msg = "closed"
	}
	event := newEvent(strconv.FormatUint(c.id, 10), eventType, err, msg)
	event.Tags = []string{c.ep.Kind().String()}
	event.MetaData["endpoint"] = c.ep.ID()
	if eventType == ConnClosed {
		event.MetaData["sent"] = c.stats.TotalSentBytes
		event.MetaData["received"] = c.stats.TotalReceivedBytes
	}
	return event
}

func newTransferEvent(source, sink *Endpoint, res PumpResult, err error) *Event {
	event := newEvent(source.ID()+"->"+sink.ID(), TransferDone, err, "transfer finished")
	event.Tags = []string{"transfer"}
	event.MetaData["written"] = res.Written
	event.MetaData["done"] = res.Done
	return event
}
