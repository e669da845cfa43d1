package scheduler

import "sync"

// ProxyProvider hands out the egress for a new session. Changing egress
// after a block is up to the operator; the scheduler only asks for the next one.
type ProxyProvider interface {
	Next() string
}

// NoProxy connects directly.
type NoProxy struct{}

func (NoProxy) Next() string { return "" }

// StaticProxies rotates round robin over a fixed list.
type StaticProxies struct {
	mu      sync.Mutex
	proxies []string
	next    int
}

func NewStaticProxies(proxies []string) *StaticProxies {
	return &StaticProxies{proxies: proxies}
}

func (p *StaticProxies) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.proxies) == 0 {
		return ""
	}
	proxy := p.proxies[p.next%len(p.proxies)]
	p.next++
	return proxy
}

// ProviderFor picks StaticProxies when any proxy is configured.
func ProviderFor(proxies []string) ProxyProvider {
	if len(proxies) == 0 {
		return NoProxy{}
	}
	return NewStaticProxies(proxies)
}
