//go:build linux

package nioproxy

import (
	"github.com/rs/zerolog/log"
)

// Frontend is a listening socket whose connections are proxied to one
// backend group.
type Frontend struct {
	Name            string
	Net             string
	Address         string
	defaultBalancer string
	ep              *Endpoint
}

// Listen opens the frontend socket and registers it with el.
func (f *Frontend) Listen(el *EventLoop, balancers Balancers, options SocketOptions) error {
	balancer, err := balancers.Get(f.defaultBalancer)
	if err != nil {
		return err
	}
	ep, err := Listen(f.Net, f.Address)
	if err != nil {
		return err
	}
	if err = el.Listen(ep, NewProxyHandler(balancer, options)); err != nil {
		_ = ep.Close()
		return err
	}
	f.ep = ep
	log.Info().Msgf("frontend %s listening on %s://%s -> %s", f.Name, f.Net, ep.ID(), balancer.Name)
	return nil
}

// Endpoint returns the listening endpoint, nil before Listen.
func (f *Frontend) Endpoint() *Endpoint {
	return f.ep
}
