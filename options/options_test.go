package options

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

var declaredOrder = []string{
	"config_file",
	"config_str",
	"config_reload_interval",
	"listen",
	"metrics_listen",
	"log_level",
	"log_env",
	"server_timeout",
	"max_inflight_requests",
	"max_throttled_requests",
	"task_queue_limit",
	"enable_flush_cmd",
	"default_route",
	"hostname_override",
}

func TestWalk_DeclaredOrder(t *testing.T) {
	t.Parallel()

	var names []string
	Default().Walk(func(name, _ string) {
		names = append(names, name)
	})
	if !reflect.DeepEqual(names, declaredOrder) {
		t.Fatalf("Walk order =\n%v\nwant\n%v", names, declaredOrder)
	}
}

func TestDefault(t *testing.T) {
	t.Parallel()

	o := Default()
	if o.EnableFlushCmd {
		t.Fatalf("flush_all enabled by default")
	}
	if o.Listen == "" {
		t.Fatalf("no default listen address")
	}
	if o.TaskQueueLimit <= 0 {
		t.Fatalf("task queue unbounded by default")
	}
	if o.DefaultRoute == "" {
		t.Fatalf("no default route prefix")
	}
}

func TestDict_MatchesWalk(t *testing.T) {
	t.Parallel()

	o := Default()
	d := o.Dict()
	o.Walk(func(name, value string) {
		if d[name] != value {
			t.Errorf("Dict[%s] = %q, Walk saw %q", name, d[name], value)
		}
	})
	if len(d) != len(declaredOrder) {
		t.Fatalf("Dict has %d entries, want %d", len(d), len(declaredOrder))
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	o := Default()
	if v, ok := o.Get("listen"); !ok || v != o.Listen {
		t.Fatalf("Get(listen) = %q, %v; want %q", v, ok, o.Listen)
	}
	if _, ok := o.Get("no_such_option"); ok {
		t.Fatal("Get(no_such_option) reported ok")
	}
}

func TestDescribe_EnvNames(t *testing.T) {
	t.Parallel()

	Describe(func(name, env, desc string) {
		want := "MEMPROXY_" + strings.ToUpper(name)
		if env != want {
			t.Errorf("env for %s = %q, want %q", name, env, want)
		}
		if desc == "" {
			t.Errorf("option %s has no description", name)
		}
	})
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("MEMPROXY_LISTEN", "0.0.0.0:5001")
	t.Setenv("MEMPROXY_ENABLE_FLUSH_CMD", "true")
	t.Setenv("MEMPROXY_SERVER_TIMEOUT", "250ms")

	o := Default()
	if err := o.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if o.Listen != "0.0.0.0:5001" {
		t.Fatalf("Listen = %q", o.Listen)
	}
	if !o.EnableFlushCmd {
		t.Fatalf("EnableFlushCmd not applied")
	}
	if o.ServerTimeout != 250*time.Millisecond {
		t.Fatalf("ServerTimeout = %v", o.ServerTimeout)
	}
}

func TestApplyEnv_BadValue(t *testing.T) {
	t.Setenv("MEMPROXY_TASK_QUEUE_LIMIT", "many")

	err := Default().ApplyEnv()
	if err == nil {
		t.Fatalf("bad int accepted")
	}
	if !strings.Contains(err.Error(), "MEMPROXY_TASK_QUEUE_LIMIT") {
		t.Fatalf("error does not name the variable: %v", err)
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "options.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestApplyFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, `
listen: "0.0.0.0:5002"
enable_flush_cmd: true
server_timeout: 5s
max_inflight_requests: 9
`)
	o := Default()
	if err := o.ApplyFile(path); err != nil {
		t.Fatalf("ApplyFile: %v", err)
	}
	if o.Listen != "0.0.0.0:5002" {
		t.Fatalf("Listen = %q", o.Listen)
	}
	if !o.EnableFlushCmd {
		t.Fatalf("EnableFlushCmd not applied")
	}
	if o.ServerTimeout != 5*time.Second {
		t.Fatalf("ServerTimeout = %v", o.ServerTimeout)
	}
	if o.MaxInflightRequests != 9 {
		t.Fatalf("MaxInflightRequests = %d", o.MaxInflightRequests)
	}
}

func TestApplyFile_UnknownOption(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "no_such_option: 1\n")
	err := Default().ApplyFile(path)
	if err == nil || !strings.Contains(err.Error(), "no_such_option") {
		t.Fatalf("unknown option not rejected: %v", err)
	}
}

func TestApplyFile_BadValue(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config_reload_interval: soon\n")
	if err := Default().ApplyFile(path); err == nil {
		t.Fatalf("bad duration accepted")
	}
}
