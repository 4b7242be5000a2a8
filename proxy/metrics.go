package proxy

import "github.com/IvanBrykalov/memproxy/mc"

// Metrics exposes proxy-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Request observes one incoming request before routing.
	Request(op mc.Op)
	// Reply observes the final reply for one request.
	Reply(op mc.Op, res mc.Result)
	// Admin observes one dispatched admin command by name.
	Admin(cmd string)
	// Throttled observes one request rejected by the inflight throttle.
	Throttled()
	// ConfigReload observes the adoption of a configuration generation
	// reaching the given number of distinct destinations.
	ConfigReload(servers int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
// It is safe for concurrent use and intended as the default when
// no observability backend is configured.
type NoopMetrics struct{}

func (NoopMetrics) Request(mc.Op)          {}
func (NoopMetrics) Reply(mc.Op, mc.Result) {}
func (NoopMetrics) Admin(string)           {}
func (NoopMetrics) Throttled()             {}
func (NoopMetrics) ConfigReload(int)       {}

// Ensure NoopMetrics implements the Metrics interface at compile time.
var _ Metrics = NoopMetrics{}
