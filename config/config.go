// Package config loads route configurations and builds immutable routing
// trees from them. A document (YAML or JSON) declares pools of backend
// servers, optional shared named handles, per-prefix route trees and a
// fallback route; Load turns one document into a *Config generation the
// proxy swaps in atomically. The Watcher rebuilds file-sourced
// configurations when they change on disk.
package config

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IvanBrykalov/memproxy/route"
)

// Document is the parsed shape of a route configuration.
type Document struct {
	// Macros are textual %NAME% substitutions applied to the whole
	// document before anything else is interpreted.
	Macros map[string]string `yaml:"macros,omitempty"`

	// Pools name ordered server lists for hash pools.
	Pools map[string]PoolSpec `yaml:"pools,omitempty"`

	// NamedHandles declare shared subtrees. Each entry's name can be
	// referenced any number of times via {type: named, name: X}; every
	// reference resolves to the same node instance.
	NamedHandles []NodeSpec `yaml:"named_handles,omitempty"`

	// Routes maps routing prefixes to their trees.
	Routes map[string]NodeSpec `yaml:"routes,omitempty"`

	// Route is the fallback tree for requests matching no prefix. At
	// least one of Route and Routes must be present.
	Route *NodeSpec `yaml:"route,omitempty"`
}

// PoolSpec declares one pool of backend servers.
type PoolSpec struct {
	Protocol string   `yaml:"protocol,omitempty"` // memcache (default) or redis
	Timeout  string   `yaml:"timeout,omitempty"`  // per-exchange; empty uses the option default
	Servers  []string `yaml:"servers"`
}

// NodeSpec declares one routing node. Type selects the variant; the other
// fields apply per variant. A bare string is shorthand: "pool|main",
// "named|warm", "destination|host:port" or "null".
type NodeSpec struct {
	Type string `yaml:"type"`

	// Name names this spec in named_handles, or the handle referenced
	// when Type is "named". It also labels fan-out nodes in tree dumps.
	Name string `yaml:"name,omitempty"`

	Pool string `yaml:"pool,omitempty"` // pool

	Server   string `yaml:"server,omitempty"`   // destination
	Protocol string `yaml:"protocol,omitempty"` // destination
	Timeout  string `yaml:"timeout,omitempty"`  // destination

	SetRoutingPrefix *string `yaml:"set_routing_prefix,omitempty"` // modify-key
	EnsureKeyPrefix  string  `yaml:"ensure_key_prefix,omitempty"`  // modify-key

	Target   *NodeSpec  `yaml:"target,omitempty"`   // modify-key
	Children []NodeSpec `yaml:"children,omitempty"` // all-sync, all-async
}

// UnmarshalYAML accepts either the mapping form or the string shorthand.
func (n *NodeSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		return n.fromShorthand(s)
	}
	type plain NodeSpec
	return value.Decode((*plain)(n))
}

func (n *NodeSpec) fromShorthand(s string) error {
	typ, arg, hasArg := strings.Cut(s, "|")
	switch typ {
	case "null":
		if hasArg {
			return fmt.Errorf("node shorthand %q: null takes no argument", s)
		}
		n.Type = "null"
	case "pool":
		if arg == "" {
			return fmt.Errorf("node shorthand %q: missing pool name", s)
		}
		n.Type, n.Pool = "pool", arg
	case "named":
		if arg == "" {
			return fmt.Errorf("node shorthand %q: missing handle name", s)
		}
		n.Type, n.Name = "named", arg
	case "destination":
		if arg == "" {
			return fmt.Errorf("node shorthand %q: missing server address", s)
		}
		n.Type, n.Server = "destination", arg
	default:
		return fmt.Errorf("node shorthand %q: unknown type %q", s, typ)
	}
	return nil
}

// Source identifies where a configuration's text came from.
type Source struct {
	Type string // "file" or "inline"
	Path string // set for files
}

// Config is one immutable built generation: the routing tree plus the
// provenance the admin surface reports. Fields never change after Load;
// the proxy shares a generation across goroutines without locks.
type Config struct {
	root    route.Node
	servers int
	raw     string
	digest  string
	source  Source
	loaded  time.Time
	pre     any // macro-expanded document, for preprocessed_config
}

// LoadFile reads, preprocesses and builds the configuration at path.
func LoadFile(ctx context.Context, path string, env BuildEnv) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return load(ctx, raw, Source{Type: "file", Path: path}, env)
}

// LoadInline preprocesses and builds an inline configuration string.
func LoadInline(ctx context.Context, text string, env BuildEnv) (*Config, error) {
	return load(ctx, []byte(text), Source{Type: "inline"}, env)
}

var macroRef = regexp.MustCompile(`%([A-Za-z0-9_]+)%`)

func load(ctx context.Context, raw []byte, src Source, env BuildEnv) (*Config, error) {
	var probe struct {
		Macros map[string]string `yaml:"macros"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	expanded, err := expandMacros(string(raw), probe.Macros)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	var pre any
	if err := yaml.Unmarshal([]byte(expanded), &pre); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}

	root, servers, err := build(ctx, &doc, env)
	if err != nil {
		return nil, err
	}

	sum := md5.Sum(raw)
	return &Config{
		root:    root,
		servers: servers,
		raw:     string(raw),
		digest:  hex.EncodeToString(sum[:]),
		source:  src,
		loaded:  time.Now(),
		pre:     pre,
	}, nil
}

// expandMacros substitutes %NAME% references in text. Macro values are
// literals; references inside them are not expanded again. A reference to
// an undeclared macro is an error.
func expandMacros(text string, macros map[string]string) (string, error) {
	if len(macros) > 0 {
		pairs := make([]string, 0, 2*len(macros))
		names := make([]string, 0, len(macros))
		for name := range macros {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			pairs = append(pairs, "%"+name+"%", macros[name])
		}
		text = strings.NewReplacer(pairs...).Replace(text)
	}
	if m := macroRef.FindStringSubmatch(text); m != nil {
		return "", fmt.Errorf("undefined macro %%%s%%", m[1])
	}
	return text, nil
}

// Root returns the built tree, always topped by the proxy node.
func (c *Config) Root() route.Node { return c.root }

// Servers is the number of distinct destinations the tree reaches.
func (c *Config) Servers() int { return c.servers }

// Raw returns the configuration text exactly as loaded.
func (c *Config) Raw() string { return c.raw }

// Digest returns the hex md5 of the raw configuration text.
func (c *Config) Digest() string { return c.digest }

// Source reports where the configuration came from.
func (c *Config) Source() Source { return c.source }

// LoadedAt is the wall-clock moment the configuration was loaded.
func (c *Config) LoadedAt() time.Time { return c.loaded }

// PreprocessedJSON renders the macro-expanded document as pretty JSON
// with sorted keys.
func (c *Config) PreprocessedJSON() (string, error) {
	out, err := json.MarshalIndent(c.pre, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: render preprocessed: %w", err)
	}
	return string(out), nil
}

// SourcesInfoJSON renders provenance as pretty JSON. generation is the
// proxy's adoption counter for this config.
func (c *Config) SourcesInfoJSON(generation uint64) (string, error) {
	info := map[string]any{
		"type":       c.source.Type,
		"md5_digest": c.digest,
		"generation": generation,
		"load_time":  c.loaded.Unix(),
	}
	if c.source.Path != "" {
		info["path"] = c.source.Path
	}
	out, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return "", fmt.Errorf("config: render sources info: %w", err)
	}
	return string(out), nil
}
