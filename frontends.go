//go:build linux

package nioproxy

import (
	"fmt"
	"github.com/rs/zerolog/log"
)

func InitFrontends(el *EventLoop, config *Config, balancers Balancers) ([]*Frontend, error) {
	frontends := make([]*Frontend, 0, len(config.Frontends))
	options := config.SocketOptions()
	for _, frConfig := range config.Frontends {
		frontend := &Frontend{
			Name:            frConfig.Name,
			Net:             frConfig.Net,
			Address:         frConfig.Address,
			defaultBalancer: frConfig.BackendGroup,
		}
		if err := frontend.Listen(el, balancers, options); err != nil {
			log.Error().Msgf("error occurred when listening frontend socket:%+v", err)
			return frontends, fmt.Errorf("frontend %s: %w", frConfig.Name, err)
		}
		frontends = append(frontends, frontend)
	}
	return frontends, nil
}
