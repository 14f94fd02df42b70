// Package ha implements the fixed round-robin rotation over a table's
// high-availability sites that the reconnect controller drives: resume from
// the last site that worked, two tries per site, sub_once sites retired
// from rotation for good once a different site takes over.
package ha

import "strings"

// Pool selects among a fixed set of "host:port" sites in a stable order,
// so the reconnect controller's rotation is reproducible: the same
// (LastSiteIdx, failure pattern) always visits the same sites in the same
// sequence.
type Pool struct {
	sites []string
}

// NewPool builds a pool over sites, preserving the "host:port" string form
// used throughout the wire protocol and config. Panics if sites is empty:
// callers must not construct a Pool for a table with no HA sites
// configured.
func NewPool(sites []string) *Pool {
	if len(sites) == 0 {
		panic("ha: NewPool requires at least one site")
	}
	return &Pool{sites: append([]string(nil), sites...)}
}

// Sites returns the configured site list in original order.
func (p *Pool) Sites() []string {
	return append([]string(nil), p.sites...)
}

// IndexOf returns the position of site in the configured list, or -1.
func (p *Pool) IndexOf(site string) int {
	for i, s := range p.sites {
		if strings.EqualFold(s, site) {
			return i
		}
	}
	return -1
}

// At returns the site at index i, wrapping modulo the list length. Used by
// the reconnect controller to resume rotation from LastSiteIdx.
func (p *Pool) At(i int) string {
	n := len(p.sites)
	if n == 0 {
		return ""
	}
	return p.sites[((i%n)+n)%n]
}

// Len returns the number of configured sites.
func (p *Pool) Len() int { return len(p.sites) }

// Remove drops site from rotation for good, so At/IndexOf/Len all stop
// offering it. No-op if site isn't configured or is the last site left (a
// pool always keeps at least one).
func (p *Pool) Remove(site string) {
	if len(p.sites) <= 1 || p.IndexOf(site) < 0 {
		return
	}
	remaining := make([]string, 0, len(p.sites)-1)
	for _, s := range p.sites {
		if !strings.EqualFold(s, site) {
			remaining = append(remaining, s)
		}
	}
	p.sites = remaining
}
