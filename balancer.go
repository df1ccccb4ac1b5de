package nioproxy

import (
	"github.com/rs/zerolog/log"
)

type Balancer struct {
	Name     string
	Backends []*Backend
}

type Balancers map[string]*Balancer

func InitBalancers(config *Config) Balancers {
	balancers := make(Balancers)
	for _, group := range config.Backends {
		backends := make([]*Backend, 0, len(group.Backends))
		for _, backendConfig := range group.Backends {
			backends = append(backends, &Backend{
				Name:    backendConfig.Name,
				Net:     backendConfig.Net,
				Address: backendConfig.Address,
			})
		}
		balancers[group.Name] = &Balancer{
			Name:     group.Name,
			Backends: backends,
		}
		log.Info().Msgf("init balancer:%s backends: %d", group.Name, len(backends))
	}
	return balancers
}

func (b Balancers) Get(name string) (*Balancer, error) {
	balancer, ok := b[name]
	if !ok {
		return nil, ErrBalancerNotFound
	}
	return balancer, nil
}

// Pick maps key to a backend with jump consistent hashing, so adding a
// backend moves only a share of the keys.
func (b *Balancer) Pick(key uint64) (*Backend, error) {
	if len(b.Backends) == 0 {
		return nil, ErrNoActiveBackends
	}
	return b.Backends[JumpHash(key, len(b.Backends))], nil
}
