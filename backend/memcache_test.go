package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/route"
)

// fakeMemcached listens on loopback and serves every accepted connection
// with handler. Returns the listen address.
func fakeMemcached(t *testing.T, handler func(net.Conn)) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go handler(conn)
		}
	}()
	return lis.Addr().String()
}

func storeReq(key string, value string, flags uint32, exptime int32) *route.Request {
	r := route.NewRequest(key)
	r.Value = []byte(value)
	r.Flags = flags
	r.Exptime = exptime
	return r
}

func TestMemcacheClient_Exchanges(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		op        mc.Op
		req       *route.Request
		wantReq   string // exact bytes the server must receive
		response  string // raw bytes the server answers with
		wantRes   mc.Result
		wantVal   string
		wantFlags uint32
		wantCas   uint64
	}{
		{
			name: "get hit", op: mc.OpGet, req: route.NewRequest("foo"),
			wantReq:  "get foo\r\n",
			response: "VALUE foo 7 3\r\nbar\r\nEND\r\n",
			wantRes:  mc.ResultFound, wantVal: "bar", wantFlags: 7,
		},
		{
			name: "get miss", op: mc.OpGet, req: route.NewRequest("foo"),
			wantReq:  "get foo\r\n",
			response: "END\r\n",
			wantRes:  mc.ResultNotFound,
		},
		{
			name: "routing prefix stripped", op: mc.OpGet, req: route.NewRequest("/west/db/foo"),
			wantReq:  "get foo\r\n",
			response: "END\r\n",
			wantRes:  mc.ResultNotFound,
		},
		{
			name: "gets carries cas", op: mc.OpGets, req: route.NewRequest("foo"),
			wantReq:  "gets foo\r\n",
			response: "VALUE foo 0 1 42\r\nx\r\nEND\r\n",
			wantRes:  mc.ResultFound, wantVal: "x", wantCas: 42,
		},
		{
			name: "set", op: mc.OpSet, req: storeReq("foo", "abc", 5, 60),
			wantReq:  "set foo 5 60 3\r\nabc\r\n",
			response: "STORED\r\n",
			wantRes:  mc.ResultStored,
		},
		{
			name: "lease-set degrades to set", op: mc.OpLeaseSet, req: storeReq("foo", "v", 0, 0),
			wantReq:  "set foo 0 0 1\r\nv\r\n",
			response: "STORED\r\n",
			wantRes:  mc.ResultStored,
		},
		{
			name: "add not stored", op: mc.OpAdd, req: storeReq("foo", "v", 0, 0),
			wantReq:  "add foo 0 0 1\r\nv\r\n",
			response: "NOT_STORED\r\n",
			wantRes:  mc.ResultNotStored,
		},
		{
			name: "cas conflict", op: mc.OpCas, req: func() *route.Request {
				r := storeReq("foo", "v", 0, 0)
				r.CasID = 9
				return r
			}(),
			wantReq:  "cas foo 0 0 1 9\r\nv\r\n",
			response: "EXISTS\r\n",
			wantRes:  mc.ResultExists,
		},
		{
			name: "delete hit", op: mc.OpDelete, req: route.NewRequest("foo"),
			wantReq:  "delete foo\r\n",
			response: "DELETED\r\n",
			wantRes:  mc.ResultDeleted,
		},
		{
			name: "delete miss", op: mc.OpDelete, req: route.NewRequest("foo"),
			wantReq:  "delete foo\r\n",
			response: "NOT_FOUND\r\n",
			wantRes:  mc.ResultNotFound,
		},
		{
			name: "incr returns new value", op: mc.OpIncr, req: func() *route.Request {
				r := route.NewRequest("foo")
				r.Delta = 5
				return r
			}(),
			wantReq:  "incr foo 5\r\n",
			response: "6\r\n",
			wantRes:  mc.ResultFound, wantVal: "6",
		},
		{
			name: "touch", op: mc.OpTouch, req: func() *route.Request {
				r := route.NewRequest("foo")
				r.Exptime = 30
				return r
			}(),
			wantReq:  "touch foo 30\r\n",
			response: "TOUCHED\r\n",
			wantRes:  mc.ResultTouched,
		},
		{
			name: "flush_all", op: mc.OpFlushAll, req: route.NewRequest("dummy"),
			wantReq:  "flush_all\r\n",
			response: "OK\r\n",
			wantRes:  mc.ResultOk,
		},
		{
			name: "version", op: mc.OpVersion, req: route.NewRequest("dummy"),
			wantReq:  "version\r\n",
			response: "VERSION 1.6.31\r\n",
			wantRes:  mc.ResultOk, wantVal: "1.6.31",
		},
		{
			name: "client error carries message", op: mc.OpSet, req: storeReq("foo", "v", 0, 0),
			wantReq:  "set foo 0 0 1\r\nv\r\n",
			response: "CLIENT_ERROR bad data chunk\r\n",
			wantRes:  mc.ResultClientError, wantVal: "bad data chunk",
		},
		{
			name: "server error carries message", op: mc.OpGet, req: route.NewRequest("foo"),
			wantReq:  "get foo\r\n",
			response: "SERVER_ERROR out of memory\r\n",
			wantRes:  mc.ResultRemoteError, wantVal: "out of memory",
		},
		{
			name: "bare error line", op: mc.OpFlushAll, req: route.NewRequest("dummy"),
			wantReq:  "flush_all\r\n",
			response: "ERROR\r\n",
			wantRes:  mc.ResultRemoteError,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := make(chan string, 1)
			addr := fakeMemcached(t, func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, len(tc.wantReq))
				if _, err := io.ReadFull(conn, buf); err != nil {
					got <- "read: " + err.Error()
					return
				}
				got <- string(buf)
				_, _ = io.WriteString(conn, tc.response)
			})

			c := newMemcacheClient(Destination{Addr: addr}, zap.NewNop())
			defer c.Close()

			rep := c.Send(context.Background(), tc.req, tc.op)
			if rep.Result != tc.wantRes {
				t.Fatalf("result = %v, want %v (value %q)", rep.Result, tc.wantRes, rep.Value)
			}
			if string(rep.Value) != tc.wantVal {
				t.Fatalf("value = %q, want %q", rep.Value, tc.wantVal)
			}
			if rep.Flags != tc.wantFlags {
				t.Fatalf("flags = %d, want %d", rep.Flags, tc.wantFlags)
			}
			if rep.Cas != tc.wantCas {
				t.Fatalf("cas = %d, want %d", rep.Cas, tc.wantCas)
			}
			if sent := <-got; sent != tc.wantReq {
				t.Fatalf("server received %q, want %q", sent, tc.wantReq)
			}
		})
	}
}

func TestMemcacheClient_UnsupportedOp(t *testing.T) {
	t.Parallel()

	// No server: the reply must come back before any dial happens.
	c := newMemcacheClient(Destination{Addr: "127.0.0.1:1"}, zap.NewNop())
	defer c.Close()

	rep := c.Send(context.Background(), route.NewRequest("foo"), mc.OpStats)
	if rep.Result != mc.ResultClientError {
		t.Fatalf("result = %v, want client_error", rep.Result)
	}
	if want := "stats: not supported by memcache backend"; string(rep.Value) != want {
		t.Fatalf("value = %q, want %q", rep.Value, want)
	}
}

func TestMemcacheClient_Timeout(t *testing.T) {
	t.Parallel()

	addr := fakeMemcached(t, func(conn net.Conn) {
		// Swallow the request and answer nothing.
		defer conn.Close()
		buf := make([]byte, 64)
		_, _ = conn.Read(buf)
		time.Sleep(2 * time.Second)
	})

	c := newMemcacheClient(Destination{Addr: addr, Timeout: 50 * time.Millisecond}, zap.NewNop())
	defer c.Close()

	rep := c.Send(context.Background(), route.NewRequest("foo"), mc.OpGet)
	if rep.Result != mc.ResultTimeout {
		t.Fatalf("result = %v (%q), want timeout", rep.Result, rep.Value)
	}
}

func TestMemcacheClient_ConnectError(t *testing.T) {
	t.Parallel()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close() // nothing listens there anymore

	c := newMemcacheClient(Destination{Addr: addr, Timeout: 200 * time.Millisecond}, zap.NewNop())
	defer c.Close()

	rep := c.Send(context.Background(), route.NewRequest("foo"), mc.OpGet)
	if !rep.Result.IsError() {
		t.Fatalf("result = %v, want a transport error", rep.Result)
	}
	if rep.Result == mc.ResultClientError {
		t.Fatalf("result = client_error, want a transport classification")
	}
}

func TestMemcacheClient_RedialAfterClose(t *testing.T) {
	t.Parallel()

	addr := fakeMemcached(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			if _, err := io.WriteString(conn, "END\r\n"); err != nil {
				return
			}
		}
	})

	c := newMemcacheClient(Destination{Addr: addr}, zap.NewNop())
	defer c.Close()

	for i := 0; i < 2; i++ {
		rep := c.Send(context.Background(), route.NewRequest("foo"), mc.OpGet)
		if rep.Result != mc.ResultNotFound {
			t.Fatalf("send %d: result = %v (%q), want notfound", i, rep.Result, rep.Value)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
}

func TestMemcacheClient_SerializedSends(t *testing.T) {
	t.Parallel()

	addr := fakeMemcached(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			if _, err := io.WriteString(conn, "END\r\n"); err != nil {
				return
			}
		}
	})

	c := newMemcacheClient(Destination{Addr: addr}, zap.NewNop())
	defer c.Close()

	const workers = 8
	const perWorker = 16
	errc := make(chan error, workers)
	for w := 0; w < workers; w++ {
		go func() {
			for i := 0; i < perWorker; i++ {
				rep := c.Send(context.Background(), route.NewRequest("foo"), mc.OpGet)
				if rep.Result != mc.ResultNotFound {
					errc <- fmt.Errorf("unexpected result %v", rep.Result)
					return
				}
			}
			errc <- nil
		}()
	}
	for w := 0; w < workers; w++ {
		if err := <-errc; err != nil {
			t.Fatal(err)
		}
	}
}
