package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/route"
)

// memcacheClient speaks the memcached ASCII protocol over one lazily
// dialed connection. Requests serialize on the connection; a transport
// failure closes it and the next Send redials. The routing prefix never
// reaches the backend: only the key body is sent.
type memcacheClient struct {
	dest Destination
	log  *zap.Logger

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
}

func newMemcacheClient(dest Destination, log *zap.Logger) *memcacheClient {
	return &memcacheClient{dest: dest, log: log}
}

func (c *memcacheClient) Key() string { return c.dest.Key() }

func (c *memcacheClient) Send(ctx context.Context, req *route.Request, op mc.Op) mc.Reply {
	line, body, ok := renderRequest(req, op)
	if !ok {
		return mc.ClientErrorReply(fmt.Sprintf("%s: not supported by memcache backend", op))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConn(ctx); err != nil {
		return transportReply(err)
	}
	c.armDeadline(ctx)

	if err := c.write(line, body); err != nil {
		c.dropConn()
		return transportReply(err)
	}
	rep, err := c.readReply(op)
	if err != nil {
		c.dropConn()
		return transportReply(err)
	}
	return rep
}

func (c *memcacheClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConn()
	return nil
}

func (c *memcacheClient) ensureConn(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: c.dest.timeout()}
	conn, err := d.DialContext(ctx, "tcp", c.dest.Addr)
	if err != nil {
		return err
	}
	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.bw = bufio.NewWriter(conn)
	c.log.Debug("backend connected", zap.String("dest", c.dest.Addr))
	return nil
}

func (c *memcacheClient) dropConn() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.br = nil
		c.bw = nil
	}
}

// armDeadline bounds the whole exchange by the destination timeout, or by
// the context deadline when that is sooner.
func (c *memcacheClient) armDeadline(ctx context.Context) {
	dl := time.Now().Add(c.dest.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = c.conn.SetDeadline(dl)
}

func (c *memcacheClient) write(line string, body []byte) error {
	if _, err := c.bw.WriteString(line); err != nil {
		return err
	}
	if body != nil {
		if _, err := c.bw.Write(body); err != nil {
			return err
		}
		if _, err := c.bw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return c.bw.Flush()
}

// renderRequest builds the command line (CRLF included) and the optional
// data block for op. ok is false for operations the ASCII protocol cannot
// carry.
func renderRequest(req *route.Request, op mc.Op) (line string, body []byte, ok bool) {
	key := req.KeyBody()
	switch op {
	case mc.OpGet, mc.OpMetaget, mc.OpLeaseGet:
		// Lease and meta flavors degrade to a plain get at the wire.
		return "get " + key + "\r\n", nil, true
	case mc.OpGets:
		return "gets " + key + "\r\n", nil, true
	case mc.OpSet, mc.OpAdd, mc.OpReplace, mc.OpAppend, mc.OpPrepend, mc.OpLeaseSet:
		verb := op.String()
		if op == mc.OpLeaseSet {
			verb = "set"
		}
		line = fmt.Sprintf("%s %s %d %d %d\r\n", verb, key, req.Flags, req.Exptime, len(req.Value))
		return line, req.Value, true
	case mc.OpCas:
		line = fmt.Sprintf("cas %s %d %d %d %d\r\n", key, req.Flags, req.Exptime, len(req.Value), req.CasID)
		return line, req.Value, true
	case mc.OpDelete:
		return "delete " + key + "\r\n", nil, true
	case mc.OpIncr, mc.OpDecr:
		return fmt.Sprintf("%s %s %d\r\n", op, key, req.Delta), nil, true
	case mc.OpTouch:
		return fmt.Sprintf("touch %s %d\r\n", key, req.Exptime), nil, true
	case mc.OpFlushAll:
		return "flush_all\r\n", nil, true
	case mc.OpVersion:
		return "version\r\n", nil, true
	default:
		return "", nil, false
	}
}

func (c *memcacheClient) readReply(op mc.Op) (mc.Reply, error) {
	switch op {
	case mc.OpGet, mc.OpGets, mc.OpMetaget, mc.OpLeaseGet:
		return c.readRetrieval()
	default:
		return c.readLine(op)
	}
}

// readRetrieval consumes a retrieval response: zero or one VALUE block
// followed by END.
func (c *memcacheClient) readRetrieval() (mc.Reply, error) {
	reply := mc.NewReply(mc.ResultNotFound)
	for {
		line, err := c.line()
		if err != nil {
			return mc.Reply{}, err
		}
		switch {
		case line == "END":
			return reply, nil
		case strings.HasPrefix(line, "VALUE "):
			flags, size, cas, err := parseValueHeader(line)
			if err != nil {
				return mc.Reply{}, err
			}
			data := make([]byte, size+2)
			if _, err := io.ReadFull(c.br, data); err != nil {
				return mc.Reply{}, err
			}
			if !bytes.HasSuffix(data, []byte("\r\n")) {
				return mc.Reply{}, fmt.Errorf("memcache: data block not CRLF-terminated")
			}
			reply = mc.Reply{Result: mc.ResultFound, Value: data[:size], Flags: flags, Cas: cas}
		default:
			if rep, ok := errorLineReply(line); ok {
				return rep, nil
			}
			return mc.Reply{}, fmt.Errorf("memcache: unexpected line %q", line)
		}
	}
}

// readLine consumes a single-line response.
func (c *memcacheClient) readLine(op mc.Op) (mc.Reply, error) {
	line, err := c.line()
	if err != nil {
		return mc.Reply{}, err
	}
	switch line {
	case "STORED":
		return mc.NewReply(mc.ResultStored), nil
	case "NOT_STORED":
		return mc.NewReply(mc.ResultNotStored), nil
	case "EXISTS":
		return mc.NewReply(mc.ResultExists), nil
	case "NOT_FOUND":
		return mc.NewReply(mc.ResultNotFound), nil
	case "DELETED":
		return mc.NewReply(mc.ResultDeleted), nil
	case "TOUCHED":
		return mc.NewReply(mc.ResultTouched), nil
	case "OK":
		return mc.NewReply(mc.ResultOk), nil
	}
	if rep, ok := errorLineReply(line); ok {
		return rep, nil
	}
	if v, ok := strings.CutPrefix(line, "VERSION "); ok {
		return mc.Reply{Result: mc.ResultOk, Value: []byte(v)}, nil
	}
	// Arithmetic success is the bare new value.
	if op == mc.OpIncr || op == mc.OpDecr {
		if _, err := strconv.ParseUint(line, 10, 64); err == nil {
			return mc.Reply{Result: mc.ResultFound, Value: []byte(line)}, nil
		}
	}
	return mc.Reply{}, fmt.Errorf("memcache: unexpected line %q", line)
}

func (c *memcacheClient) line() (string, error) {
	s, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s, nil
}

func parseValueHeader(line string) (flags uint32, size int, cas uint64, err error) {
	fields := strings.Fields(line)
	// VALUE <key> <flags> <bytes> [<cas>]
	if len(fields) < 4 || len(fields) > 5 {
		return 0, 0, 0, fmt.Errorf("memcache: bad VALUE header %q", line)
	}
	f, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("memcache: bad flags in %q", line)
	}
	n, err := strconv.Atoi(fields[3])
	if err != nil || n < 0 {
		return 0, 0, 0, fmt.Errorf("memcache: bad size in %q", line)
	}
	if len(fields) == 5 {
		cas, err = strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("memcache: bad cas in %q", line)
		}
	}
	return uint32(f), n, cas, nil
}

// errorLineReply maps protocol error lines onto reply results.
func errorLineReply(line string) (mc.Reply, bool) {
	switch {
	case line == "ERROR":
		return mc.NewReply(mc.ResultRemoteError), true
	case strings.HasPrefix(line, "CLIENT_ERROR "):
		return mc.ClientErrorReply(line[len("CLIENT_ERROR "):]), true
	case strings.HasPrefix(line, "SERVER_ERROR "):
		return mc.Reply{Result: mc.ResultRemoteError, Value: []byte(line[len("SERVER_ERROR "):])}, true
	}
	return mc.Reply{}, false
}

// transportReply classifies a transport failure: timeouts and everything
// else, both carrying the error text for diagnostics.
func transportReply(err error) mc.Reply {
	res := mc.ResultConnectError
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		res = mc.ResultTimeout
	}
	return mc.Reply{Result: res, Value: []byte(err.Error())}
}

var _ Client = (*memcacheClient)(nil)
