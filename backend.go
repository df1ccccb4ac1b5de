//go:build linux

package nioproxy

import (
	"github.com/rs/zerolog/log"
)

type Backend struct {
	Name    string
	Address string
	Net     string
}

// Dial starts a non-blocking connect to the backend.
func (b *Backend) Dial() (*Endpoint, error) {
	ep, err := Dial(b.Net, b.Address)
	if err != nil {
		return nil, err
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("[%d] dialing backend: %s %s://%s", ep.Fd(), b.Name, b.Net, b.Address)
	}
	return ep, nil
}
