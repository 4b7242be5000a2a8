package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/memproxy/internal/singleflight"
	"github.com/IvanBrykalov/memproxy/internal/util"
	"github.com/IvanBrykalov/memproxy/route"
)

// ErrMapClosed is returned by For after Close.
var ErrMapClosed = errors.New("backend: map closed")

// Map hands out one Client per endpoint and keeps it for the life of the
// process. Configuration reloads resolve their destinations through the
// same Map, so endpoints that survive a reload keep their live client and
// a reload never redials the world.
//
// Lookup is sharded; constructing a missing client goes through
// singleflight so concurrent resolvers of a brand-new endpoint build one
// client, not one each. That matters for redis, where every stray client
// is a connection pool.
type Map struct {
	shards []mapShard
	log    *zap.Logger
	closed atomic.Bool

	sf singleflight.Group[string, Client]

	// dial builds the client for a validated destination. Swapped out in
	// tests to avoid real sockets.
	dial func(Destination, *zap.Logger) Client
}

type mapShard struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewMap returns an empty Map. A nil log disables logging.
func NewMap(log *zap.Logger) *Map {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Map{
		shards: make([]mapShard, util.ReasonableStripeCount()),
		log:    log,
		dial:   dialClient,
	}
	for i := range m.shards {
		m.shards[i].clients = make(map[string]Client)
	}
	return m
}

func dialClient(d Destination, log *zap.Logger) Client {
	switch d.protocol() {
	case ProtocolRedis:
		return newRedisClient(d, log)
	default:
		return newMemcacheClient(d, log)
	}
}

// mapKey keeps a memcache and a redis endpoint on the same address from
// colliding.
func mapKey(d Destination) string { return string(d.protocol()) + "|" + d.Addr }

func (m *Map) shardFor(key string) *mapShard {
	return &m.shards[util.ShardIndex(util.Fnv64a(key), len(m.shards))]
}

// For resolves d to its shared client, constructing it on first use.
// Repeated calls for the same endpoint return the same instance.
func (m *Map) For(ctx context.Context, d Destination) (route.Sender, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if m.closed.Load() {
		return nil, ErrMapClosed
	}

	key := mapKey(d)
	s := m.shardFor(key)

	// fast path
	s.mu.RLock()
	c, ok := s.clients[key]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	return m.sf.Do(ctx, key, func() (Client, error) {
		// double-check after flight join
		s.mu.RLock()
		c, ok := s.clients[key]
		s.mu.RUnlock()
		if ok {
			return c, nil
		}

		c = m.dial(d, m.log)
		s.mu.Lock()
		if m.closed.Load() {
			s.mu.Unlock()
			_ = c.Close()
			return nil, ErrMapClosed
		}
		s.clients[key] = c
		s.mu.Unlock()

		m.log.Debug("backend client opened",
			zap.String("dest", d.Addr),
			zap.String("protocol", string(d.protocol())))
		return c, nil
	})
}

// Len returns the number of live clients.
func (m *Map) Len() int {
	total := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		total += len(s.clients)
		s.mu.RUnlock()
	}
	return total
}

// Close closes every client and rejects future For calls. Safe to call
// more than once.
func (m *Map) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	var errs []error
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for key, c := range s.clients {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
			}
			delete(s.clients, key)
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}
