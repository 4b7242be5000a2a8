// Package options holds the runtime options table: a typed struct plus a
// declared-order registry that gives every option a stable snake_case
// name, an environment variable and a string form. The admin `options`
// command lists the table in declared order, so registry order is part
// of the observable surface.
package options

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options carries every runtime knob. Zero value is not useful; start
// from Default.
type Options struct {
	ConfigFile           string
	ConfigStr            string
	ConfigReloadInterval time.Duration
	Listen               string
	MetricsListen        string
	LogLevel             string
	LogEnv               string
	ServerTimeout        time.Duration
	MaxInflightRequests  int
	MaxThrottledRequests int
	TaskQueueLimit       int
	EnableFlushCmd       bool
	DefaultRoute         string
	HostnameOverride     string
}

// Default returns the options baseline: a proxy that listens locally,
// logs at info, bounds work queues and keeps flush_all disabled.
func Default() *Options {
	return &Options{
		ConfigReloadInterval: 5 * time.Second,
		Listen:               "127.0.0.1:5000",
		LogLevel:             "info",
		LogEnv:               "dev",
		ServerTimeout:        time.Second,
		MaxInflightRequests:  1024,
		MaxThrottledRequests: 4096,
		TaskQueueLimit:       1024,
		DefaultRoute:         "/local/default/",
	}
}

// spec describes one option: its registry name, environment variable,
// description and string accessors.
type spec struct {
	name string
	env  string
	desc string
	get  func(*Options) string
	set  func(*Options, string) error
}

// registry lists every option in declared order. The order is what the
// admin `options` command prints.
var registry = []spec{
	strOpt("config_file", "Path of the route configuration file",
		func(o *Options) *string { return &o.ConfigFile }),
	strOpt("config_str", "Inline route configuration (overrides config_file)",
		func(o *Options) *string { return &o.ConfigStr }),
	durOpt("config_reload_interval", "How often the watcher polls the config file; 0 disables reloads",
		func(o *Options) *time.Duration { return &o.ConfigReloadInterval }),
	strOpt("listen", "Address of the cache wire listener",
		func(o *Options) *string { return &o.Listen }),
	strOpt("metrics_listen", "Address of the Prometheus endpoint; empty disables it",
		func(o *Options) *string { return &o.MetricsListen }),
	strOpt("log_level", "Minimum log level (debug, info, warn, error)",
		func(o *Options) *string { return &o.LogLevel }),
	strOpt("log_env", "Log flavor: dev (console) or prod (JSON)",
		func(o *Options) *string { return &o.LogEnv }),
	durOpt("server_timeout", "Per-exchange backend timeout",
		func(o *Options) *time.Duration { return &o.ServerTimeout }),
	intOpt("max_inflight_requests", "Concurrent routed requests; 0 means unlimited",
		func(o *Options) *int { return &o.MaxInflightRequests }),
	intOpt("max_throttled_requests", "Requests allowed to wait for a routing slot before being rejected",
		func(o *Options) *int { return &o.MaxThrottledRequests }),
	intOpt("task_queue_limit", "Background task budget of the scheduler; 0 means unbounded",
		func(o *Options) *int { return &o.TaskQueueLimit }),
	boolOpt("enable_flush_cmd", "Allow flush_all to reach backends",
		func(o *Options) *bool { return &o.EnableFlushCmd }),
	strOpt("default_route", "Routing prefix applied when a key carries none",
		func(o *Options) *string { return &o.DefaultRoute }),
	strOpt("hostname_override", "Hostname used for the host identifier instead of os.Hostname",
		func(o *Options) *string { return &o.HostnameOverride }),
}

func init() {
	seen := make(map[string]struct{}, len(registry))
	for _, s := range registry {
		if _, dup := seen[s.name]; dup {
			panic(fmt.Sprintf("options: duplicate option name %q", s.name))
		}
		seen[s.name] = struct{}{}
	}
}

func envName(name string) string {
	b := []byte("MEMPROXY_")
	for i := 0; i < len(name); i++ {
		c := name[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		b = append(b, c)
	}
	return string(b)
}

func strOpt(name, desc string, field func(*Options) *string) spec {
	return spec{
		name: name, env: envName(name), desc: desc,
		get: func(o *Options) string { return *field(o) },
		set: func(o *Options, v string) error { *field(o) = v; return nil },
	}
}

func durOpt(name, desc string, field func(*Options) *time.Duration) spec {
	return spec{
		name: name, env: envName(name), desc: desc,
		get: func(o *Options) string { return field(o).String() },
		set: func(o *Options, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("option %s: %w", name, err)
			}
			*field(o) = d
			return nil
		},
	}
}

func intOpt(name, desc string, field func(*Options) *int) spec {
	return spec{
		name: name, env: envName(name), desc: desc,
		get: func(o *Options) string { return strconv.Itoa(*field(o)) },
		set: func(o *Options, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("option %s: %w", name, err)
			}
			*field(o) = n
			return nil
		},
	}
}

func boolOpt(name, desc string, field func(*Options) *bool) spec {
	return spec{
		name: name, env: envName(name), desc: desc,
		get: func(o *Options) string { return strconv.FormatBool(*field(o)) },
		set: func(o *Options, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("option %s: %w", name, err)
			}
			*field(o) = b
			return nil
		},
	}
}

// Walk visits every option in declared order with its current value.
func (o *Options) Walk(fn func(name, value string)) {
	for _, s := range registry {
		fn(s.name, s.get(o))
	}
}

// Get returns the current value of one option by name.
func (o *Options) Get(name string) (string, bool) {
	for _, s := range registry {
		if s.name == name {
			return s.get(o), true
		}
	}
	return "", false
}

// Dict returns a name to value snapshot of every option.
func (o *Options) Dict() map[string]string {
	d := make(map[string]string, len(registry))
	for _, s := range registry {
		d[s.name] = s.get(o)
	}
	return d
}

// Describe visits every option in declared order with its name,
// environment variable and description. The CLI renders its help from
// this.
func Describe(fn func(name, env, desc string)) {
	for _, s := range registry {
		fn(s.name, s.env, s.desc)
	}
}

// ApplyFile overlays options from a YAML (or JSON) file of
// name: value pairs. Unknown names and unparseable values are errors.
func (o *Options) ApplyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("options file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("options file %s: %w", path, err)
	}
	for name, v := range doc {
		s, ok := lookup(name)
		if !ok {
			return fmt.Errorf("options file %s: unknown option %q", path, name)
		}
		if err := s.set(o, fmt.Sprint(v)); err != nil {
			return fmt.Errorf("options file %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overlays options from MEMPROXY_* environment variables.
func (o *Options) ApplyEnv() error {
	for _, s := range registry {
		v, ok := os.LookupEnv(s.env)
		if !ok {
			continue
		}
		if err := s.set(o, v); err != nil {
			return fmt.Errorf("%s: %w", s.env, err)
		}
	}
	return nil
}

func lookup(name string) (spec, bool) {
	for _, s := range registry {
		if s.name == name {
			return s, true
		}
	}
	return spec{}, false
}
