//go:build linux

package nioproxy

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	defResolverEntries = 1024
	defResolverTTL     = time.Minute
)

// resolvedAddr keeps only plain values: unix.Sockaddr values carry a raw
// buffer that is rewritten on every syscall, so a fresh one is built per use.
type resolvedAddr struct {
	domain int
	ip     net.IP
	port   int
	path   string
}

func (r resolvedAddr) sockaddr() unix.Sockaddr {
	switch r.domain {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: r.port}
		copy(sa.Addr[:], r.ip.To4())
		return sa
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: r.port}
		copy(sa.Addr[:], r.ip.To16())
		return sa
	}
	return &unix.SockaddrUnix{Name: r.path}
}

type resolver struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

var (
	resolverOnce   sync.Once
	resolverLock   sync.Mutex
	sharedResolver *resolver
)

// ConfigureResolver replaces the address cache used by Listen, Dial and SendTo.
func ConfigureResolver(maxEntries int, ttl time.Duration) error {
	r, err := newResolver(maxEntries, ttl)
	if err != nil {
		return err
	}
	resolverLock.Lock()
	defer resolverLock.Unlock()
	resolverOnce.Do(func() {})
	if sharedResolver != nil {
		sharedResolver.cache.Close()
	}
	sharedResolver = r
	return nil
}

func defaultResolver() *resolver {
	resolverOnce.Do(func() {
		r, err := newResolver(defResolverEntries, defResolverTTL)
		if err != nil {
			log.Error().Msgf("can't create resolver cache: %+v", err)
			r = &resolver{}
		}
		resolverLock.Lock()
		sharedResolver = r
		resolverLock.Unlock()
	})
	resolverLock.Lock()
	defer resolverLock.Unlock()
	return sharedResolver
}

func newResolver(maxEntries int, ttl time.Duration) (*resolver, error) {
	if maxEntries <= 0 {
		maxEntries = defResolverEntries
	}
	if ttl <= 0 {
		ttl = defResolverTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxEntries) * 10,
		MaxCost:     int64(maxEntries),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &resolver{cache: cache, ttl: ttl}, nil
}

func (r *resolver) resolve(network, address string) (resolvedAddr, error) {
	key := network + "|" + address
	if r.cache != nil {
		if value, ok := r.cache.Get(key); ok {
			return value.(resolvedAddr), nil
		}
	}
	resolved, err := lookup(network, address)
	if err != nil {
		return resolvedAddr{}, err
	}
	if r.cache != nil {
		r.cache.SetWithTTL(key, resolved, 1, r.ttl)
	}
	if log.Debug().Enabled() {
		log.Debug().Msgf("resolved %s address %s: %s", network, address, resolved.sockaddrString())
	}
	return resolved, nil
}

func (r resolvedAddr) sockaddrString() string {
	return sockaddrString(r.sockaddr())
}

func lookup(network, address string) (resolvedAddr, error) {
	switch network {
	case "unix", "unixgram":
		return resolvedAddr{domain: unix.AF_UNIX, path: address}, nil
	case "tcp", "tcp4", "tcp6":
		addr, err := net.ResolveTCPAddr(network, address)
		if err != nil {
			return resolvedAddr{}, err
		}
		return inetAddr(network, addr.IP, addr.Port), nil
	case "udp", "udp4", "udp6":
		addr, err := net.ResolveUDPAddr(network, address)
		if err != nil {
			return resolvedAddr{}, err
		}
		return inetAddr(network, addr.IP, addr.Port), nil
	}
	return resolvedAddr{}, fmt.Errorf("unsupported network: %s", network)
}

func inetAddr(network string, ip net.IP, port int) resolvedAddr {
	v6 := network[len(network)-1] == '6'
	if ip == nil || ip.IsUnspecified() {
		if v6 {
			return resolvedAddr{domain: unix.AF_INET6, ip: net.IPv6unspecified, port: port}
		}
		return resolvedAddr{domain: unix.AF_INET, ip: net.IPv4zero, port: port}
	}
	if ip4 := ip.To4(); ip4 != nil && !v6 {
		return resolvedAddr{domain: unix.AF_INET, ip: ip4, port: port}
	}
	return resolvedAddr{domain: unix.AF_INET6, ip: ip.To16(), port: port}
}
