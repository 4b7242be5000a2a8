package server

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

	"github.com/IvanBrykalov/memproxy/mc"
	"github.com/IvanBrykalov/memproxy/proxy"
	"github.com/IvanBrykalov/memproxy/route"
)

// errDesync marks a data block whose terminator was not where the
// declared size said it would be. Past that point the stream cannot be
// re-synchronized, so the connection is dropped.
var errDesync = errors.New("server: data block not CRLF-terminated")

// clientConn is the per-connection protocol state: buffered reader and
// writer over the socket plus the proxy every parsed command is handed
// to.
type clientConn struct {
	proxy *proxy.Proxy
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
}

func newClientConn(p *proxy.Proxy, conn net.Conn) *clientConn {
	return &clientConn{
		proxy: p,
		conn:  conn,
		br:    bufio.NewReader(conn),
		bw:    bufio.NewWriter(conn),
	}
}

// loop reads command lines until the client disconnects, sends quit or
// the stream breaks. Output is flushed after every command, error paths
// included, so a rejection line reaches the client before a drop.
func (c *clientConn) loop(ctx context.Context) error {
	for {
		line, err := c.line()
		if err != nil {
			return err
		}
		quit, derr := c.dispatch(ctx, line)
		if ferr := c.bw.Flush(); ferr != nil {
			return ferr
		}
		if derr != nil {
			return derr
		}
		if quit {
			return nil
		}
	}
}

// dispatch parses one command line and runs it. A returned error drops
// the connection; protocol-level rejections are written to the client
// and return nil.
func (c *clientConn) dispatch(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, c.writeLine("ERROR")
	}
	verb, args := fields[0], fields[1:]

	if verb == "quit" {
		return true, nil
	}
	op, opErr := mc.FromName(verb)
	if opErr != nil {
		return false, c.writeLine("ERROR")
	}

	switch op.Kind() {
	case mc.KindGet:
		return false, c.retrieval(ctx, op, args)
	case mc.KindStore:
		return false, c.store(ctx, op, args)
	case mc.KindArith:
		return false, c.arith(ctx, op, args)
	case mc.KindDelete:
		return false, c.remove(ctx, args)
	case mc.KindTouch:
		return false, c.touch(ctx, args)
	default:
		return false, c.misc(ctx, op, args)
	}
}

// retrieval serves get, gets and their flavors. Several keys may ride one
// command line; hits become VALUE blocks, misses produce nothing, error
// replies surface inline, and END closes the batch.
func (c *clientConn) retrieval(ctx context.Context, op mc.Op, keys []string) error {
	if len(keys) == 0 {
		return c.badLine()
	}
	for _, key := range keys {
		if err := mc.CheckKey(key); err != nil {
			return c.clientError("bad key: " + err.Error())
		}
		rep := c.proxy.Process(ctx, route.NewRequest(key), op)
		switch {
		case rep.Result == mc.ResultFound:
			if err := c.writeValue(key, op, rep); err != nil {
				return err
			}
		case rep.Result.IsError():
			if err := c.writeLine(errorLine(rep)); err != nil {
				return err
			}
		}
	}
	return c.writeLine("END")
}

// store serves the mutation verbs carrying a data block:
//
//	<verb> <key> <flags> <exptime> <bytes> [<cas unique>] [noreply]\r\n
//	<data>\r\n
//
// A malformed command line is rejected without reading a data block; a
// parseable line with a bad key still swallows the declared block so the
// stream stays in sync.
func (c *clientConn) store(ctx context.Context, op mc.Op, args []string) error {
	want := 4
	if op == mc.OpCas {
		want = 5
	}
	args, noreply := cutNoreply(args, want)
	if len(args) != want {
		return c.badLine()
	}

	flags, err1 := strconv.ParseUint(args[1], 10, 32)
	exptime, err2 := strconv.ParseInt(args[2], 10, 32)
	size, err3 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || err3 != nil || size < 0 {
		return c.badLine()
	}
	var cas uint64
	if op == mc.OpCas {
		var err error
		if cas, err = strconv.ParseUint(args[4], 10, 64); err != nil {
			return c.badLine()
		}
	}
	if err := mc.CheckKey(args[0]); err != nil {
		if _, serr := io.CopyN(io.Discard, c.br, int64(size)+2); serr != nil {
			return serr
		}
		return c.clientError("bad key: " + err.Error())
	}

	data := make([]byte, size+2)
	if _, err := io.ReadFull(c.br, data); err != nil {
		return err
	}
	if !bytes.HasSuffix(data, []byte("\r\n")) {
		if werr := c.writeLine("CLIENT_ERROR bad data chunk"); werr != nil {
			return werr
		}
		return errDesync
	}

	req := route.NewRequest(args[0])
	req.Value = data[:size]
	req.Flags = uint32(flags)
	req.Exptime = int32(exptime)
	req.CasID = cas
	rep := c.proxy.Process(ctx, req, op)
	if noreply {
		return nil
	}
	return c.writeLine(replyLine(rep))
}

// arith serves incr and decr: <verb> <key> <delta> [noreply]. Success is
// the bare new value.
func (c *clientConn) arith(ctx context.Context, op mc.Op, args []string) error {
	args, noreply := cutNoreply(args, 2)
	if len(args) != 2 {
		return c.badLine()
	}
	if err := mc.CheckKey(args[0]); err != nil {
		return c.clientError("bad key: " + err.Error())
	}
	delta, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return c.clientError("invalid numeric delta argument")
	}

	req := route.NewRequest(args[0])
	req.Delta = delta
	rep := c.proxy.Process(ctx, req, op)
	if noreply {
		return nil
	}
	if rep.Result == mc.ResultFound {
		return c.writeLine(string(rep.Value))
	}
	return c.writeLine(replyLine(rep))
}

// remove serves delete: delete <key> [noreply].
func (c *clientConn) remove(ctx context.Context, args []string) error {
	args, noreply := cutNoreply(args, 1)
	if len(args) != 1 {
		return c.badLine()
	}
	if err := mc.CheckKey(args[0]); err != nil {
		return c.clientError("bad key: " + err.Error())
	}

	rep := c.proxy.Process(ctx, route.NewRequest(args[0]), mc.OpDelete)
	if noreply {
		return nil
	}
	return c.writeLine(replyLine(rep))
}

// touch serves touch <key> <exptime> [noreply].
func (c *clientConn) touch(ctx context.Context, args []string) error {
	args, noreply := cutNoreply(args, 2)
	if len(args) != 2 {
		return c.badLine()
	}
	if err := mc.CheckKey(args[0]); err != nil {
		return c.clientError("bad key: " + err.Error())
	}
	exptime, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return c.badLine()
	}

	req := route.NewRequest(args[0])
	req.Exptime = int32(exptime)
	rep := c.proxy.Process(ctx, req, mc.OpTouch)
	if noreply {
		return nil
	}
	return c.writeLine(replyLine(rep))
}

// misc serves the service verbs. version is answered locally so it works
// with routing saturated or no configuration loaded; stats is the proxy's
// own listing; flush_all goes through the tree and its enable guard.
func (c *clientConn) misc(ctx context.Context, op mc.Op, args []string) error {
	switch op {
	case mc.OpVersion:
		return c.writeLine("VERSION " + proxy.PackageString())

	case mc.OpStats:
		// Sub-listing arguments are ignored; there is one listing.
		rep := c.proxy.Process(ctx, route.NewRequest("stats"), op)
		if rep.Result.IsError() {
			return c.writeLine(errorLine(rep))
		}
		if _, err := c.bw.Write(rep.Value); err != nil {
			return err
		}
		return c.writeLine("END")

	case mc.OpFlushAll:
		noreply := hasNoreply(args)
		if noreply {
			args = args[:len(args)-1]
		}
		if len(args) > 1 {
			return c.badLine()
		}
		if len(args) == 1 {
			// The delay argument is validated but not forwarded;
			// backends flush immediately.
			if _, err := strconv.ParseUint(args[0], 10, 32); err != nil {
				return c.badLine()
			}
		}
		rep := c.proxy.Process(ctx, route.NewRequest("flush_all"), op)
		if noreply {
			return nil
		}
		return c.writeLine(replyLine(rep))

	default:
		return c.writeLine("ERROR")
	}
}

// cutNoreply strips a trailing "noreply" token when args would otherwise
// exceed want.
func cutNoreply(args []string, want int) ([]string, bool) {
	if len(args) == want+1 && args[len(args)-1] == "noreply" {
		return args[:want], true
	}
	return args, false
}

func hasNoreply(args []string) bool {
	return len(args) > 0 && args[len(args)-1] == "noreply"
}

// writeValue renders one hit as a VALUE block. gets includes the cas
// unique in the header.
func (c *clientConn) writeValue(key string, op mc.Op, rep mc.Reply) error {
	var header string
	if op == mc.OpGets {
		header = fmt.Sprintf("VALUE %s %d %d %d\r\n", key, rep.Flags, len(rep.Value), rep.Cas)
	} else {
		header = fmt.Sprintf("VALUE %s %d %d\r\n", key, rep.Flags, len(rep.Value))
	}
	if _, err := c.bw.WriteString(header); err != nil {
		return err
	}
	if _, err := c.bw.Write(rep.Value); err != nil {
		return err
	}
	return c.crlf()
}

// replyLine maps a reply onto its protocol response line.
func replyLine(rep mc.Reply) string {
	switch rep.Result {
	case mc.ResultStored:
		return "STORED"
	case mc.ResultNotStored:
		return "NOT_STORED"
	case mc.ResultExists:
		return "EXISTS"
	case mc.ResultNotFound:
		return "NOT_FOUND"
	case mc.ResultDeleted:
		return "DELETED"
	case mc.ResultTouched:
		return "TOUCHED"
	case mc.ResultOk:
		return "OK"
	}
	if rep.Result.IsError() {
		return errorLine(rep)
	}
	return "SERVER_ERROR unexpected result " + rep.Result.String()
}

// errorLine renders an error reply. Client errors keep their class;
// every other error is the server's fault as far as the client knows.
func errorLine(rep mc.Reply) string {
	msg := string(rep.Value)
	if msg == "" {
		msg = rep.Result.String()
	}
	if rep.Result == mc.ResultClientError {
		return "CLIENT_ERROR " + msg
	}
	return "SERVER_ERROR " + msg
}

func (c *clientConn) badLine() error {
	return c.writeLine("CLIENT_ERROR bad command line format")
}

func (c *clientConn) clientError(msg string) error {
	return c.writeLine("CLIENT_ERROR " + msg)
}

func (c *clientConn) writeLine(line string) error {
	if _, err := c.bw.WriteString(line); err != nil {
		return err
	}
	return c.crlf()
}

func (c *clientConn) crlf() error {
	_, err := c.bw.WriteString("\r\n")
	return err
}

// line reads one command line and strips the terminator. Bare-LF clients
// are tolerated.
func (c *clientConn) line() (string, error) {
	s, err := c.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s, nil
}
