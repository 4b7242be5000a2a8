package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/route"
)

// redisClient fronts a Redis endpoint with memcached semantics. The
// mapping covers the data operations a routing tree actually emits:
//
//	get-class     -> GET
//	set/lease-set -> SET
//	add           -> SETNX
//	replace       -> SETXX
//	delete        -> DEL
//	incr/decr     -> INCRBY/DECRBY
//	touch         -> EXPIRE
//	flush_all     -> FLUSHDB
//
// Everything else (cas, append, prepend) has no atomic Redis analog and
// answers a client error instead of pretending.
type redisClient struct {
	dest Destination
	rdb  *redis.Client
}

func newRedisClient(dest Destination, log *zap.Logger) *redisClient {
	to := dest.timeout()
	rdb := redis.NewClient(&redis.Options{
		Addr:         dest.Addr,
		DialTimeout:  to,
		ReadTimeout:  to,
		WriteTimeout: to,
	})
	log.Debug("redis client created", zap.String("dest", dest.Addr))
	return &redisClient{dest: dest, rdb: rdb}
}

func (c *redisClient) Key() string { return c.dest.Key() }

func (c *redisClient) Close() error { return c.rdb.Close() }

func (c *redisClient) Send(ctx context.Context, req *route.Request, op mc.Op) mc.Reply {
	key := req.KeyBody()
	switch op {
	case mc.OpGet, mc.OpGets, mc.OpMetaget, mc.OpLeaseGet:
		b, err := c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			return redisErrReply(err, mc.ResultNotFound)
		}
		return mc.Reply{Result: mc.ResultFound, Value: b}

	case mc.OpSet, mc.OpLeaseSet:
		if err := c.rdb.Set(ctx, key, req.Value, expiry(req.Exptime)).Err(); err != nil {
			return redisErrReply(err, 0)
		}
		return mc.NewReply(mc.ResultStored)

	case mc.OpAdd:
		ok, err := c.rdb.SetNX(ctx, key, req.Value, expiry(req.Exptime)).Result()
		if err != nil {
			return redisErrReply(err, 0)
		}
		return storedReply(ok)

	case mc.OpReplace:
		ok, err := c.rdb.SetXX(ctx, key, req.Value, expiry(req.Exptime)).Result()
		if err != nil {
			return redisErrReply(err, 0)
		}
		return storedReply(ok)

	case mc.OpDelete:
		n, err := c.rdb.Del(ctx, key).Result()
		if err != nil {
			return redisErrReply(err, 0)
		}
		if n == 0 {
			return mc.NewReply(mc.ResultNotFound)
		}
		return mc.NewReply(mc.ResultDeleted)

	case mc.OpIncr, mc.OpDecr:
		delta := int64(req.Delta)
		var v int64
		var err error
		if op == mc.OpIncr {
			v, err = c.rdb.IncrBy(ctx, key, delta).Result()
		} else {
			v, err = c.rdb.DecrBy(ctx, key, delta).Result()
		}
		if err != nil {
			return redisErrReply(err, 0)
		}
		return mc.Reply{Result: mc.ResultFound, Value: []byte(fmt.Sprintf("%d", v))}

	case mc.OpTouch:
		ok, err := c.rdb.Expire(ctx, key, expiry(req.Exptime)).Result()
		if err != nil {
			return redisErrReply(err, 0)
		}
		if !ok {
			return mc.NewReply(mc.ResultNotFound)
		}
		return mc.NewReply(mc.ResultTouched)

	case mc.OpFlushAll:
		if err := c.rdb.FlushDB(ctx).Err(); err != nil {
			return redisErrReply(err, 0)
		}
		return mc.NewReply(mc.ResultOk)

	default:
		return mc.ClientErrorReply(fmt.Sprintf("%s: not supported by redis backend", op))
	}
}

// expiry converts a memcached exptime (seconds, 0 = never) into a Redis
// TTL.
func expiry(exptime int32) time.Duration {
	if exptime <= 0 {
		return 0
	}
	return time.Duration(exptime) * time.Second
}

func storedReply(ok bool) mc.Reply {
	if ok {
		return mc.NewReply(mc.ResultStored)
	}
	return mc.NewReply(mc.ResultNotStored)
}

// redisErrReply maps a go-redis error onto a reply. redis.Nil is a miss,
// not a failure; miss stands in for it when the op has a miss semantic.
func redisErrReply(err error, miss mc.Result) mc.Reply {
	if errors.Is(err, redis.Nil) && miss != mc.ResultUnknown {
		return mc.NewReply(miss)
	}
	return transportReply(err)
}

var _ Client = (*redisClient)(nil)
