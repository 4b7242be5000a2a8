// Package proxy is the routing core: it owns the active configuration
// generation, applies the inflight throttle, runs every routed request as
// a scheduled task and serves the admin command surface reserved under
// AdminPrefix. Configuration generations swap through one atomic pointer;
// requests in flight keep the generation they started with.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/IvanBrykalov/memproxy/config"
	"github.com/IvanBrykalov/memproxy/internal/sched"
	"github.com/IvanBrykalov/memproxy/internal/util"
	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/options"
	"github.com/IvanBrykalov/memproxy/route"
)

// AdminPrefix marks get keys addressed to the proxy itself instead of the
// cache key space. The remainder of the key is an admin command.
const AdminPrefix = "__memproxy__."

// Clock provides time in UnixNano; useful for deterministic tests.
type Clock interface{ NowUnixNano() int64 }

// Options configures a Proxy. The zero value is usable: every field has a
// working default.
type Options struct {
	// Runtime is the option set the proxy runs under and the admin
	// options command reports. Nil => options.Default().
	Runtime *options.Options

	// Log receives operational events. Nil => no logging.
	Log *zap.Logger

	// Metrics receives observability callbacks. Nil => NoopMetrics.
	Metrics Metrics

	// Clock allows overriding time source (tests). Nil => time.Now().
	Clock Clock
}

// generation binds one built configuration to its admin dispatcher and
// adoption ordinal. Immutable once stored.
type generation struct {
	cfg  *config.Config
	info *serviceInfo
	num  uint64
}

// Proxy routes cache requests through the active configuration's tree.
// Safe for concurrent use by any number of connections.
type Proxy struct {
	runtime *options.Options
	log     *zap.Logger
	metrics Metrics
	clock   Clock
	stats   *Stats
	tasks   *sched.Group
	hostID  uint32

	inflight     *semaphore.Weighted // nil = unlimited
	maxThrottled int64

	gen      atomic.Pointer[generation]
	genCount atomic.Uint64
}

// New builds a Proxy. It has no configuration yet: requests fail until the
// first Adopt.
func New(opt Options) *Proxy {
	if opt.Runtime == nil {
		opt.Runtime = options.Default()
	}
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}

	p := &Proxy{
		runtime:      opt.Runtime,
		log:          opt.Log,
		metrics:      opt.Metrics,
		clock:        opt.Clock,
		tasks:        sched.New(opt.Runtime.TaskQueueLimit, opt.Log),
		maxThrottled: int64(opt.Runtime.MaxThrottledRequests),
	}
	p.stats = newStats(p.nowUnix())
	if n := opt.Runtime.MaxInflightRequests; n > 0 {
		p.inflight = semaphore.NewWeighted(int64(n))
	}

	host := opt.Runtime.HostnameOverride
	if host == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "localhost"
		}
		host = h
	}
	p.hostID = util.HostID(host)
	return p
}

// Adopt activates cfg as the current generation. Requests already routing
// keep the generation they started with; new requests see cfg immediately.
func (p *Proxy) Adopt(cfg *config.Config) {
	num := p.genCount.Add(1)
	g := &generation{cfg: cfg, num: num}
	g.info = newServiceInfo(p, cfg, num)
	p.gen.Store(g)

	p.stats.markConfig(p.nowUnix(), cfg.Servers())
	p.metrics.ConfigReload(cfg.Servers())
	p.log.Info("configuration adopted",
		zap.Uint64("generation", num),
		zap.String("digest", cfg.Digest()),
		zap.String("source", cfg.Source().Type),
		zap.Int("servers", cfg.Servers()))
}

// Generation returns the adoption ordinal of the active configuration,
// zero before the first Adopt.
func (p *Proxy) Generation() uint64 { return p.genCount.Load() }

// Config returns the active configuration, nil before the first Adopt.
func (p *Proxy) Config() *config.Config {
	if g := p.gen.Load(); g != nil {
		return g.cfg
	}
	return nil
}

// Stats returns the proxy's counter block.
func (p *Proxy) Stats() *Stats { return p.stats }

// Runner exposes the proxy's scheduler as a task runner for configuration
// builds, so asynchronous fan-outs share the proxy's task budget.
func (p *Proxy) Runner() route.TaskRunner { return p.tasks }

// HandleRequest routes one request and delivers the reply to the request's
// sink. Stats requests and admin commands answer on the calling goroutine;
// everything else runs as a scheduled task and replies from its
// continuation. The caller must not touch req after this returns.
func (p *Proxy) HandleRequest(ctx context.Context, req *route.Request, op mc.Op) {
	p.stats.countRequest(op)
	p.metrics.Request(op)

	if op == mc.OpStats {
		p.reply(req, op, mc.Reply{Result: mc.ResultOk, Value: []byte(p.statsPayload())})
		return
	}

	g := p.gen.Load()
	if g == nil {
		p.reply(req, op, mc.ErrorReply("no configuration loaded"))
		return
	}

	if op == mc.OpGet {
		if body, ok := strings.CutPrefix(req.Key(), AdminPrefix); ok {
			p.stats.countAdmin()
			g.info.Handle(req, body)
			return
		}
	}

	acquired, err := p.admit(ctx, op)
	if err != nil {
		p.stats.countThrottled()
		p.metrics.Throttled()
		p.reply(req, op, mc.ErrorReply(err.Error()))
		return
	}

	root := g.cfg.Root()
	p.stats.addProcessing(1)
	sched.AddTaskFinally(p.tasks,
		func() (rep mc.Reply) {
			defer func() {
				if r := recover(); r != nil {
					rep = mc.ErrorReply(fmt.Sprintf("error routing %s: %v", req.Key(), r))
				}
			}()
			return root.Route(ctx, req, op)
		},
		func(rep mc.Reply) {
			if acquired {
				p.inflight.Release(1)
			}
			p.stats.addProcessing(-1)
			p.reply(req, op, rep)
		})
}

// errMaxThrottled is both the rejection sentinel and the exact reply text.
var errMaxThrottled = errors.New("Max throttled exceeded")

// admit applies the inflight throttle. Version requests always pass; stats
// and admin requests never get here. A request that cannot take a slot
// immediately waits, unless the waiting line has reached its cap. The cap
// check is optimistic: simultaneous arrivals can overshoot it by the
// number of racers.
func (p *Proxy) admit(ctx context.Context, op mc.Op) (acquired bool, err error) {
	if p.inflight == nil || op == mc.OpVersion {
		return false, nil
	}
	if p.inflight.TryAcquire(1) {
		return true, nil
	}
	if p.maxThrottled > 0 && p.stats.waitingNow() >= p.maxThrottled {
		return false, errMaxThrottled
	}

	p.stats.addWaiting(1)
	err = p.inflight.Acquire(ctx, 1)
	p.stats.addWaiting(-1)
	if err != nil {
		return false, err
	}
	return true, nil
}

// Process routes one request synchronously and returns the reply. It is
// the facade the wire server drives connection loops with; req must not
// carry a sink of its own.
func (p *Proxy) Process(ctx context.Context, req *route.Request, op mc.Op) mc.Reply {
	ch := make(chan mc.Reply, 1)
	req.SetSink(route.SinkFunc(func(rep mc.Reply) { ch <- rep }))
	p.HandleRequest(ctx, req, op)
	return <-ch
}

// Drain blocks until every scheduled task has finished. Call after the
// listeners are down to let in-flight continuations reply.
func (p *Proxy) Drain() { p.tasks.Wait() }

// reply is the single exit point for replies: it feeds the counters and
// the metrics hook, then the request's sink.
func (p *Proxy) reply(req *route.Request, op mc.Op, rep mc.Reply) {
	p.stats.countReply(rep.Result)
	p.metrics.Reply(op, rep.Result)
	req.SendReply(rep)
}

// statsPayload renders the stats listing the wire protocol way, one
// "STAT name value" line per entry.
func (p *Proxy) statsPayload() string {
	var b strings.Builder
	for _, line := range p.stats.Lines(p.nowUnix()) {
		b.WriteString("STAT ")
		b.WriteString(line.Name)
		b.WriteByte(' ')
		b.WriteString(line.Value)
		b.WriteString("\r\n")
	}
	return b.String()
}

func (p *Proxy) nowUnix() int64 {
	if p.clock != nil {
		return p.clock.NowUnixNano() / int64(time.Second)
	}
	return time.Now().Unix()
}
