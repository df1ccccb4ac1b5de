package nioproxy

import (
	"github.com/rs/zerolog/log"
)

// EventRouter publishes connection and transfer lifecycle events. Process
// is called on the loop goroutine and must not block.
type EventRouter interface {
	Process(key string, event *Event) error
	Close() error
}

// LogEventRouter writes events to the global logger at debug level.
type LogEventRouter struct{}

func (LogEventRouter) Process(key string, event *Event) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("event key:%s type:%d id:%s msg:%s error:%s meta:%v", key, event.Type, event.Id, event.Msg, event.Err, event.MetaData)
	}
	return nil
}

func (LogEventRouter) Close() error {
	return nil
}
