package server

import (
	"fmt"
	"net"
	"strings"

	"connserve/util"
)

// Policy decides whether a client may connect, before any bytes are
// exchanged.
type Policy interface {
	Allow(peer net.Addr) bool
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(peer net.Addr) bool

// Allow calls f(peer).
func (f PolicyFunc) Allow(peer net.Addr) bool { return f(peer) }

// AllowAll admits every client.
var AllowAll Policy = PolicyFunc(func(net.Addr) bool { return true })

// CIDRPolicy admits clients by source network.  DenyNets wins over
// AllowNets; an empty AllowNets admits everything not denied.
type CIDRPolicy struct {
	AllowNets []*net.IPNet
	DenyNets  []*net.IPNet
}

// ParseCIDRPolicy builds a CIDRPolicy from textual networks.  A bare
// address is treated as a single-host network.
func ParseCIDRPolicy(allow, deny []string) (*CIDRPolicy, error) {
	p := &CIDRPolicy{}
	var err error
	if p.AllowNets, err = parseNets(allow); err != nil {
		return nil, err
	}
	if p.DenyNets, err = parseNets(deny); err != nil {
		return nil, err
	}
	return p, nil
}

func parseNets(specs []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if !strings.Contains(s, "/") {
			ip := net.ParseIP(s)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", s)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Allow reports whether peer is admitted.  Peers without an IP address
// are admitted only when no allow list is set.
func (p *CIDRPolicy) Allow(peer net.Addr) bool {
	ip := util.PeerIP(peer)
	if ip == nil {
		return len(p.AllowNets) == 0
	}
	for _, n := range p.DenyNets {
		if n.Contains(ip) {
			return false
		}
	}
	if len(p.AllowNets) == 0 {
		return true
	}
	for _, n := range p.AllowNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
