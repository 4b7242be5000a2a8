package proxy

import (
	"strconv"
	"strings"

	"github.com/IvanBrykalov/memproxy/internal/util"
	"github.com/IvanBrykalov/memproxy/mc"
)

// Stats is the proxy's hot counter block. Requests and replies are counted
// per operation and per result in padded atomic slots so concurrent
// connections do not share cache lines. Everything else is cold bookkeeping
// for the stats listing and the config_age admin command.
type Stats struct {
	requests [mc.NumOps]util.PaddedAtomicUint64
	replies  [mc.NumResults]util.PaddedAtomicUint64

	admin     util.PaddedAtomicUint64
	succeeded util.PaddedAtomicUint64
	failed    util.PaddedAtomicUint64
	throttled util.PaddedAtomicUint64

	processing util.PaddedAtomicInt64
	waiting    util.PaddedAtomicInt64

	started     int64 // unix seconds, fixed at construction
	servers     util.PaddedAtomicInt64
	lastSuccess util.PaddedAtomicInt64 // unix seconds of the last adoption
}

func newStats(now int64) *Stats {
	return &Stats{started: now}
}

func (s *Stats) countRequest(op mc.Op) { s.requests[op].Add(1) }

func (s *Stats) countReply(res mc.Result) {
	s.replies[res].Add(1)
	if res.IsError() {
		s.failed.Add(1)
	} else {
		s.succeeded.Add(1)
	}
}

func (s *Stats) countAdmin()     { s.admin.Add(1) }
func (s *Stats) countThrottled() { s.throttled.Add(1) }

func (s *Stats) addProcessing(d int64) { s.processing.Add(d) }
func (s *Stats) addWaiting(d int64)    { s.waiting.Add(d) }
func (s *Stats) waitingNow() int64     { return s.waiting.Load() }

// markConfig records a successful configuration adoption: the moment powers
// config_age, the destination count powers num_servers.
func (s *Stats) markConfig(now int64, servers int) {
	s.lastSuccess.Store(now)
	s.servers.Store(int64(servers))
}

// ConfigAge is the number of seconds since the last successful adoption.
func (s *Stats) ConfigAge(now int64) int64 {
	return now - s.lastSuccess.Load()
}

// Line is one entry of the stats listing.
type Line struct {
	Name  string
	Value string
}

// Lines renders the full listing in a fixed order: identity and config
// provenance first, then gauges, then the per-operation and per-result
// counters in catalog order.
func (s *Stats) Lines(now int64) []Line {
	lines := make([]Line, 0, 12+int(mc.NumOps)+int(mc.NumResults))
	lines = append(lines,
		Line{"version", PackageString()},
		Line{"uptime", strconv.FormatInt(now-s.started, 10)},
		Line{"num_servers", strconv.FormatInt(s.servers.Load(), 10)},
		Line{"config_age", strconv.FormatInt(s.ConfigAge(now), 10)},
		Line{"config_last_success", strconv.FormatInt(s.lastSuccess.Load(), 10)},
		Line{"reqs_processing", strconv.FormatInt(s.processing.Load(), 10)},
		Line{"reqs_waiting", strconv.FormatInt(s.waiting.Load(), 10)},
		Line{"reqs_throttled", strconv.FormatUint(s.throttled.Load(), 10)},
		Line{"admin_requests", strconv.FormatUint(s.admin.Load(), 10)},
		Line{"request_success", strconv.FormatUint(s.succeeded.Load(), 10)},
		Line{"request_error", strconv.FormatUint(s.failed.Load(), 10)},
	)
	for op := mc.Op(0); op < mc.NumOps; op++ {
		lines = append(lines, Line{
			"cmd_" + strings.ReplaceAll(op.String(), "-", "_"),
			strconv.FormatUint(s.requests[op].Load(), 10),
		})
	}
	for res := mc.Result(0); res < mc.NumResults; res++ {
		lines = append(lines, Line{
			"result_" + res.String(),
			strconv.FormatUint(s.replies[res].Load(), 10),
		})
	}
	return lines
}
