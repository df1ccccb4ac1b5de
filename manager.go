//go:build linux

package nioproxy

import (
	"context"
	"github.com/rs/zerolog/log"
	"time"
)

// ContextManager wires a Config into one event loop: resolver, event
// router, balancers, frontends and transfers.
type ContextManager struct {
	ctx       context.Context
	config    *Config
	router    EventRouter
	eventLoop *EventLoop
	balancers Balancers
	frontends []*Frontend
}

func NewContextManager(ctx context.Context, config *Config) (*ContextManager, error) {
	if _, err := RaiseOpenFilesLimit(0); err != nil {
		log.Warn().Msgf("can't raise open files limit: %+v", err)
	}
	if config.Resolver.MaxEntries > 0 || config.Resolver.TTLSec > 0 {
		err := ConfigureResolver(config.Resolver.MaxEntries, time.Duration(config.Resolver.TTLSec)*time.Second)
		if err != nil {
			return nil, err
		}
	}
	router, err := newEventRouter(ctx, config.EventRouter)
	if err != nil {
		return nil, err
	}
	loopConfig := config.EventLoopConfig()
	loopConfig.Router = router
	eventLoop, err := NewEventLoop(loopConfig)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	cm := &ContextManager{
		ctx:       ctx,
		config:    config,
		router:    router,
		eventLoop: eventLoop,
		balancers: InitBalancers(config),
	}
	cm.frontends, err = InitFrontends(eventLoop, config, cm.balancers)
	if err != nil {
		cm.abort()
		return nil, err
	}
	for _, tc := range config.Transfers {
		if err = StartTransfer(eventLoop, tc, config.Loop.WindowSize, nil); err != nil {
			log.Error().Msgf("can't start transfer %s: %+v", tc.Name, err)
			cm.abort()
			return nil, err
		}
	}
	return cm, nil
}

func newEventRouter(ctx context.Context, config EventRouterConfig) (EventRouter, error) {
	if config.KafkaBrokers == "" {
		return LogEventRouter{}, nil
	}
	return NewKafkaEventRouter(ctx, config.KafkaBrokers, config.KafkaTopic)
}

// Run blocks until the context is done or the loop fails.
func (cm *ContextManager) Run() error {
	err := cm.eventLoop.Start(cm.ctx)
	if closeErr := cm.router.Close(); closeErr != nil {
		log.Error().Msgf("got error while closing event router: %+v", closeErr)
	}
	return err
}

func (cm *ContextManager) Stop() {
	cm.eventLoop.Stop()
}

func (cm *ContextManager) EventLoop() *EventLoop {
	return cm.eventLoop
}

func (cm *ContextManager) Frontends() []*Frontend {
	return cm.frontends
}

// abort releases everything registered so far when start up fails.
func (cm *ContextManager) abort() {
	cm.eventLoop.Stop()
	cm.eventLoop.shutdown()
	_ = cm.router.Close()
}
