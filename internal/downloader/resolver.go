package downloader

import (
	"context"
	"net"
	"sync"
	"time"
)

// Resolver maps a hostname to an address for per-IP slots.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// cachingResolver remembers the first address of every host it resolves.
type cachingResolver struct {
	lookup  func(ctx context.Context, host string) ([]net.IPAddr, error)
	timeout time.Duration
	cache   sync.Map
}

func newCachingResolver() *cachingResolver {
	return &cachingResolver{lookup: net.DefaultResolver.LookupIPAddr, timeout: 5 * time.Second}
}

func (r *cachingResolver) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	if v, ok := r.cache.Load(host); ok {
		return v.(string), nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	ip := addrs[0].IP.String()
	r.cache.Store(host, ip)
	return ip, nil
}
