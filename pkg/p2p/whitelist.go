package p2p

import "net"

// Whitelist restricts which remote endpoints are admitted into the peer
// table. An empty whitelist admits everyone. Accepted connections carry an
// ephemeral source port, so a listed endpoint also admits any connection from
// the same host.
type Whitelist struct {
	endpoints map[string]struct{}
	hosts     map[string]struct{}
}

func NewWhitelist(addrs []string) *Whitelist {
	w := &Whitelist{
		endpoints: make(map[string]struct{}, len(addrs)),
		hosts:     make(map[string]struct{}, len(addrs)),
	}
	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		w.endpoints[addr] = struct{}{}
		if host, _, err := net.SplitHostPort(addr); err == nil {
			w.hosts[host] = struct{}{}
		}
	}
	return w
}

func (w *Whitelist) IsAllowed(addr string) bool {
	if w == nil || len(w.endpoints) == 0 {
		return true
	}
	if _, ok := w.endpoints[addr]; ok {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	_, ok := w.hosts[host]
	return ok
}
