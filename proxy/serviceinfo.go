package proxy

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/IvanBrykalov/memproxy/config"
	"github.com/IvanBrykalov/memproxy/internal/sched"
	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/route"
)

// configUnavailable is the config command's answer when the text cannot be
// reported inline because it was loaded from a file.
const configUnavailable = `{"error": "config is loaded from file and not available"}`

// serviceInfo dispatches admin commands against one configuration
// generation. The command table is built once when the generation is
// adopted and never changes; concurrent admin requests share it without
// locks. Every command except route answers synchronously on the caller's
// goroutine; route records a traversal on a scheduled task and replies
// from its continuation.
type serviceInfo struct {
	p        *Proxy
	root     route.Node
	commands map[string]func(args []string) (string, error)
}

func newServiceInfo(p *Proxy, cfg *config.Config, gen uint64) *serviceInfo {
	s := &serviceInfo{
		p:        p,
		root:     cfg.Root(),
		commands: make(map[string]func(args []string) (string, error)),
	}

	s.add("version", func([]string) (string, error) {
		return PackageString(), nil
	})

	s.add("config", func([]string) (string, error) {
		if cfg.Source().Type != "inline" {
			return configUnavailable, nil
		}
		return cfg.Raw(), nil
	})

	s.add("config_age", func([]string) (string, error) {
		return strconv.FormatInt(p.stats.ConfigAge(p.nowUnix()), 10), nil
	})

	s.add("config_file", func([]string) (string, error) {
		if cfg.Source().Path == "" {
			return "", errors.New("no config file found!")
		}
		return cfg.Source().Path, nil
	})

	s.add("config_md5_digest", func([]string) (string, error) {
		if cfg.Digest() == "" {
			return "", errors.New("no config md5 digest found!")
		}
		return cfg.Digest(), nil
	})

	s.add("config_sources_info", func([]string) (string, error) {
		return cfg.SourcesInfoJSON(gen)
	})

	s.add("preprocessed_config", func([]string) (string, error) {
		return cfg.PreprocessedJSON()
	})

	s.add("options", func(args []string) (string, error) {
		if len(args) > 1 {
			return "", errors.New("options: 0 or 1 args expected")
		}
		if len(args) == 1 {
			value, ok := p.runtime.Get(args[0])
			if !ok {
				return "", fmt.Errorf("options: option %s not found", args[0])
			}
			return value, nil
		}
		var b strings.Builder
		p.runtime.Walk(func(name, value string) {
			b.WriteString(name)
			b.WriteByte(' ')
			b.WriteString(value)
			b.WriteByte('\n')
		})
		return b.String(), nil
	})

	s.add("hostid", func([]string) (string, error) {
		return strconv.FormatUint(uint64(p.hostID), 10), nil
	})

	s.add("route_handles", func(args []string) (string, error) {
		if len(args) != 2 {
			return "", errors.New("route_handles: 2 args expected")
		}
		op, err := mc.FromName(args[0])
		if err != nil {
			return "", fmt.Errorf("route_handles: unknown op %s", args[0])
		}
		return route.DumpTree(s.root, route.NewRequest(args[1]), op)
	})

	return s
}

func (s *serviceInfo) add(name string, h func(args []string) (string, error)) {
	if _, dup := s.commands[name]; dup {
		panic(fmt.Sprintf("proxy: duplicate admin command %q", name))
	}
	s.commands[name] = h
}

// Handle serves one admin request addressed as key. Failures of any kind
// render as an "ERROR: <message>" payload; the reply result is always
// found, so malformed admin input never disturbs the protocol flow.
func (s *serviceInfo) Handle(req *route.Request, key string) {
	cmd, args := parseAdminKey(key)
	s.p.metrics.Admin(s.metricName(cmd))

	if cmd == "route" {
		// Replies from the task's continuation on success.
		if err := s.routeCommand(req, args); err != nil {
			s.p.reply(req, mc.OpGet, mc.TextReply("ERROR: "+err.Error()))
		}
		return
	}

	text, err := s.run(cmd, args)
	if err != nil {
		text = "ERROR: " + err.Error()
	}
	s.p.reply(req, mc.OpGet, mc.TextReply(text))
}

// metricName clamps cmd to the registered command set so client-invented
// names cannot grow the metric label space.
func (s *serviceInfo) metricName(cmd string) string {
	if cmd == "route" {
		return cmd
	}
	if _, ok := s.commands[cmd]; ok {
		return cmd
	}
	return "unknown"
}

func (s *serviceInfo) run(cmd string, args []string) (string, error) {
	h, ok := s.commands[cmd]
	if !ok {
		return "", fmt.Errorf("unknown command: %s", cmd)
	}
	text, err := h(args)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(text, "\n"), nil
}

// routeCommand runs a recording traversal for route(op, key). Validation
// failures surface synchronously; a validated command is handed to the
// scheduler and the recorded destinations go to the caller from the
// continuation, formatted one per line.
func (s *serviceInfo) routeCommand(req *route.Request, args []string) error {
	if len(args) != 2 {
		return errors.New("route: 2 args expected")
	}
	op, err := mc.FromName(args[0])
	if err != nil {
		return fmt.Errorf("route: unknown op %s", args[0])
	}

	key := args[1]
	root := s.root
	p := s.p
	sched.AddTaskFinally(p.tasks,
		func() []string {
			rec := route.NewRecorder()
			synthetic := route.NewRequest(key)
			synthetic.SetRecorder(rec)
			// The live reply is meaningless in recording mode.
			root.Route(context.Background(), synthetic, op)
			return rec.Wait()
		},
		func(dests []string) {
			p.reply(req, mc.OpGet, mc.TextReply(strings.Join(dests, "\r\n")))
		})
	return nil
}

// parseAdminKey splits an admin key into command name and arguments.
// The name runs up to the first '('; with a matching final ')' the
// interior splits on ',' into tokens, no nesting, no escapes. Without the
// final ')' the whole key is a literal command name.
func parseAdminKey(key string) (cmd string, args []string) {
	p := strings.IndexByte(key, '(')
	if p < 0 || !strings.HasSuffix(key, ")") {
		return key, nil
	}
	argsStr := key[p+1 : len(key)-1]
	if argsStr == "" {
		return key[:p], nil
	}
	return key[:p], strings.Split(argsStr, ",")
}
