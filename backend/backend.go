// Package backend talks to the cache hosts the routing tree resolves to.
// It implements route.Sender for the two supported wire protocols and a
// shared Map that hands every DestinationNode of a configuration the same
// client instance per endpoint.
package backend

import (
	"fmt"
	"time"

	"github.com/IvanBrykalov/memproxy/route"
)

// Protocol selects the wire protocol spoken to a destination.
type Protocol string

const (
	ProtocolMemcache Protocol = "memcache"
	ProtocolRedis    Protocol = "redis"
)

// DefaultTimeout applies when a destination declares no timeout of its
// own.
const DefaultTimeout = 1 * time.Second

// Destination identifies one backend endpoint. Its Key — the host:port
// string — is what recording traversals report.
type Destination struct {
	Addr     string
	Protocol Protocol
	Timeout  time.Duration
}

// Key returns the endpoint identifier, host:port.
func (d Destination) Key() string { return d.Addr }

func (d Destination) String() string {
	return fmt.Sprintf("%s(%s)", d.Addr, d.protocol())
}

func (d Destination) protocol() Protocol {
	if d.Protocol == "" {
		return ProtocolMemcache
	}
	return d.Protocol
}

func (d Destination) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// Validate checks the destination is usable: non-empty address and a
// known protocol.
func (d Destination) Validate() error {
	if d.Addr == "" {
		return fmt.Errorf("destination: empty address")
	}
	switch d.protocol() {
	case ProtocolMemcache, ProtocolRedis:
		return nil
	default:
		return fmt.Errorf("destination %s: unknown protocol %q", d.Addr, d.Protocol)
	}
}

// Client is a route.Sender with a lifecycle: the Map closes clients when
// the process shuts down.
type Client interface {
	route.Sender
	Close() error
}
