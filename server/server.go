// Package server speaks the memcache ASCII protocol to clients. Each
// accepted connection gets one goroutine that parses command lines,
// drives the proxy and renders replies back into protocol lines. The
// listener and every open connection shut down when the serve context is
// canceled.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/memproxy/proxy"
)

// Server accepts client connections for one Proxy.
type Server struct {
	proxy *proxy.Proxy
	log   *zap.Logger
}

// New returns a Server driving p. A nil log disables logging.
func New(p *proxy.Proxy, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{proxy: p, log: log}
}

// Serve accepts connections on lis until ctx is canceled, then closes the
// listener and every open connection and waits for the connection
// goroutines to drain. It returns nil on a clean shutdown and the accept
// error otherwise.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()

	s.log.Info("listening", zap.String("addr", lis.Addr().String()))

	g.Go(func() error {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("server: accept: %w", err)
			}
			g.Go(func() error {
				s.serveConn(ctx, conn)
				return nil
			})
		}
	})
	return g.Wait()
}

// serveConn owns one client connection for its whole life. Connection
// failures are logged, never propagated: one broken client must not take
// the listener down.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	log := s.log.With(zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("client connected")

	c := newClientConn(s.proxy, conn)
	err := c.loop(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), ctx.Err() != nil:
		log.Debug("client disconnected")
	default:
		log.Warn("client connection failed", zap.Error(err))
	}
}
