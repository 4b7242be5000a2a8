// Command memproxy runs the cache routing proxy: a memcache-protocol
// listener in front of a configurable routing tree of memcached and
// redis destinations.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/memproxy/backend"
	"github.com/IvanBrykalov/memproxy/config"
	"github.com/IvanBrykalov/memproxy/internal/logging"
	"github.com/IvanBrykalov/memproxy/metrics/prom"
	"github.com/IvanBrykalov/memproxy/options"
	"github.com/IvanBrykalov/memproxy/proxy"
	"github.com/IvanBrykalov/memproxy/server"
)

func main() {
	root := &cobra.Command{
		Use:          "memproxy",
		Short:        "memproxy routes cache traffic through a configurable tree of backends",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newCheckCmd(), newOptionsCmd(), newVersionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// newServeCmd builds the daemon command. Option precedence, lowest to
// highest: defaults, options file, MEMPROXY_* environment, flags.
func newServeCmd() *cobra.Command {
	var optionsFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options.Default()
			if optionsFile != "" {
				if err := opts.ApplyFile(optionsFile); err != nil {
					return err
				}
			}
			if err := opts.ApplyEnv(); err != nil {
				return err
			}
			if err := overlayFlags(cmd, opts); err != nil {
				return err
			}
			return runServe(opts)
		},
	}
	cmd.Flags().StringVar(&optionsFile, "options-file", "", "YAML file of option name: value overrides")
	cmd.Flags().String("config-file", "", "route configuration file")
	cmd.Flags().String("config-str", "", "inline route configuration (overrides config-file)")
	cmd.Flags().String("listen", "", "cache wire listen address")
	cmd.Flags().String("metrics-listen", "", "Prometheus endpoint address")
	cmd.Flags().String("log-level", "", "minimum log level: debug, info, warn, error")
	cmd.Flags().String("log-env", "", "log flavor: dev or prod")
	cmd.Flags().Duration("config-reload-interval", 0, "config file poll interval; 0s disables reloads")
	return cmd
}

// overlayFlags copies explicitly-set flags over opts.
func overlayFlags(cmd *cobra.Command, o *options.Options) error {
	fl := cmd.Flags()
	var err error
	str := func(name string, dst *string) {
		if err == nil && fl.Changed(name) {
			*dst, err = fl.GetString(name)
		}
	}
	str("config-file", &o.ConfigFile)
	str("config-str", &o.ConfigStr)
	str("listen", &o.Listen)
	str("metrics-listen", &o.MetricsListen)
	str("log-level", &o.LogLevel)
	str("log-env", &o.LogEnv)
	if err == nil && fl.Changed("config-reload-interval") {
		o.ConfigReloadInterval, err = fl.GetDuration("config-reload-interval")
	}
	return err
}

func runServe(opts *options.Options) error {
	log := logging.New(logging.Config{
		Env:     opts.LogEnv,
		Level:   opts.LogLevel,
		Service: "memproxy",
		Version: proxy.Version,
	})
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := prom.New(nil, "memproxy", "proxy", nil)

	// Backends outlive configuration generations: endpoints that survive
	// a reload keep their live connections.
	backends := backend.NewMap(log.Named("backend"))
	defer backends.Close()

	p := proxy.New(proxy.Options{
		Runtime: opts,
		Log:     log.Named("proxy"),
		Metrics: metrics,
	})

	env := config.BuildEnv{
		Senders:       backends,
		Runner:        p.Runner(),
		EnableFlush:   opts.EnableFlushCmd,
		DefaultRoute:  opts.DefaultRoute,
		ServerTimeout: opts.ServerTimeout,
	}

	var (
		cfg *config.Config
		err error
	)
	switch {
	case opts.ConfigStr != "":
		cfg, err = config.LoadInline(ctx, opts.ConfigStr, env)
	case opts.ConfigFile != "":
		cfg, err = config.LoadFile(ctx, opts.ConfigFile, env)
	default:
		return errors.New("no configuration: set config_file or config_str")
	}
	if err != nil {
		return err
	}
	p.Adopt(cfg)

	lis, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.New(p, log.Named("server")).Serve(ctx, lis)
	})

	if opts.ConfigStr == "" && opts.ConfigReloadInterval > 0 {
		w := config.NewWatcher(opts.ConfigFile, opts.ConfigReloadInterval, env, p.Adopt, log.Named("config"))
		w.Prime(cfg)
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}

	if opts.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		msrv := &http.Server{Addr: opts.MetricsListen, Handler: mux}
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", opts.MetricsListen))
			if err := msrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return msrv.Shutdown(context.Background())
		})
	}

	err = g.Wait()
	// Listeners are down; let in-flight continuations reply before the
	// backends close.
	p.Drain()
	if err != nil {
		log.Error("shutting down after failure", zap.Error(err))
		return err
	}
	log.Info("shut down cleanly")
	return nil
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <config-file>",
		Short: "Validate a route configuration without serving",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := options.Default()
			backends := backend.NewMap(nil)
			defer backends.Close()

			cfg, err := config.LoadFile(cmd.Context(), args[0], config.BuildEnv{
				Senders:       backends,
				EnableFlush:   opts.EnableFlushCmd,
				DefaultRoute:  opts.DefaultRoute,
				ServerTimeout: opts.ServerTimeout,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (md5 %s, %d destinations)\n",
				args[0], cfg.Digest(), cfg.Servers())
			return nil
		},
	}
}

func newOptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "options",
		Short: "List every runtime option with its environment variable and default",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			defaults := options.Default().Dict()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENV\tDEFAULT\tDESCRIPTION")
			options.Describe(func(name, env, desc string) {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, env, defaults[name], desc)
			})
			_ = w.Flush()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), proxy.PackageString())
		},
	}
}
