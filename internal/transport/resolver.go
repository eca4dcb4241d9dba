// Package transport connects clients to their target: name resolution,
// dialing with an optional TLS handshake, and serialized asynchronous writes.
package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// Addr is one dial candidate.
type Addr struct {
	Network string // "tcp" or "unix"
	Address string
}

func (a Addr) String() string {
	return a.Network + "://" + a.Address
}

// Resolver turns a host and port into an ordered list of dial candidates.
// An empty list is a resolution failure.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int) ([]Addr, error)
}

// NetResolver resolves with the standard library's resolver. When UnixPath is
// set every resolution yields that single socket path.
type NetResolver struct {
	Resolver *net.Resolver
	UnixPath string
}

// ErrNoAddresses is returned when a lookup succeeds with no usable address.
var ErrNoAddresses = errorString("no addresses resolved")

func (r *NetResolver) Resolve(ctx context.Context, host string, port int) ([]Addr, error) {
	if r.UnixPath != "" {
		return []Addr{{Network: "unix", Address: r.UnixPath}}, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		return []Addr{{Network: "tcp", Address: net.JoinHostPort(ip.String(), strconv.Itoa(port))}}, nil
	}

	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	addrs := make([]Addr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, Addr{Network: "tcp", Address: net.JoinHostPort(ip.IP.String(), strconv.Itoa(port))})
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve %s: %w", host, ErrNoAddresses)
	}
	return addrs, nil
}

// StaticResolver always returns the same candidates.
type StaticResolver []Addr

func (s StaticResolver) Resolve(context.Context, string, int) ([]Addr, error) {
	if len(s) == 0 {
		return nil, ErrNoAddresses
	}
	out := make([]Addr, len(s))
	copy(out, s)
	return out, nil
}

// Candidates is an ordered, owned list of resolved addresses with a cursor
// pointing at the one currently in use.
type Candidates struct {
	addrs  []Addr
	cursor int
}

// NewCandidates wraps addrs. The list is copied.
func NewCandidates(addrs []Addr) *Candidates {
	c := &Candidates{addrs: make([]Addr, len(addrs))}
	copy(c.addrs, addrs)
	return c
}

// Current returns the address under the cursor.
func (c *Candidates) Current() (Addr, bool) {
	if c == nil || c.cursor >= len(c.addrs) {
		return Addr{}, false
	}
	return c.addrs[c.cursor], true
}

// Advance moves the cursor to the next address and reports whether one exists.
func (c *Candidates) Advance() bool {
	if c == nil || c.cursor >= len(c.addrs) {
		return false
	}
	c.cursor++
	return c.cursor < len(c.addrs)
}

// Exhausted reports whether every candidate has been tried.
func (c *Candidates) Exhausted() bool {
	return c == nil || c.cursor >= len(c.addrs)
}

// Len returns the number of candidates.
func (c *Candidates) Len() int {
	if c == nil {
		return 0
	}
	return len(c.addrs)
}

type errorString string

func (e errorString) Error() string { return string(e) }
