package jobserver

import (
	"context"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"jobserver/poller"
)

// readTimeoutMillis is how long GetToken's bounded read waits before
// giving up and reporting "no token available right now" (spec.md §4.3:
// "≈100 ms").
const readTimeoutMillis = 100

// Client consumes tokens from an upstream jobserver's pipe pair. The read
// end is addressed by raw fd and read via a direct syscall rather than
// through os.File: Go's runtime silently switches file descriptors backing
// a pipe into non-blocking mode the first time they're used through
// os.File, and this fd is shared with sibling processes in the build tree
// that do not expect its blocking mode to change out from under them.
//
// Bounded latency comes from registering the read fd with this Client's own
// private poller (an earlier revision armed a one-shot SIGALRM around each
// blocking read instead; that relied on the signal landing on the exact OS
// thread parked in the read syscall, which setitimer(ITIMER_REAL,...) does
// not guarantee on a multi-threaded Go runtime — the signal can be, and
// under load will be, delivered to some other M, leaving the read
// unbounded). Polling this Client's own epoll instance for readiness before
// ever calling read(2) gives the same ≈100ms bound without depending on
// signal delivery landing on a particular thread, and — like the poller
// package used elsewhere in this engine — never touches the fd's blocking
// mode, so the shared read end is left exactly as the caller handed it.
//
// Client is not safe for concurrent use; see doc.go.
type Client struct {
	readFd  int
	writeFd int

	readPoller poller.Poller

	// ledger holds one entry per token currently checked out, in the
	// order GetToken returned them. The implicit token is represented by
	// an empty (non-nil, len-zero) []byte, distinguishing "holding the
	// implicit token" from "holding nothing".
	ledger [][]byte

	implicitAvailable bool
	closed            bool
}

// NewClient opens a Client against the pipe pair described by fds, as
// extracted from a MAKEFLAGS string via flagcodec.ExtractFDs. The caller
// is expected to have inherited them (e.g. they are in 3..N on process
// start).
func NewClient(fds PassFDs) (*Client, error) {
	if fds.Read <= 2 || fds.Write <= 2 {
		return nil, configError("jobserver fds must be inherited descriptors > 2")
	}

	p, err := poller.New()
	if err != nil {
		return nil, wrapConfigError("creating client read poller", err)
	}

	// readFile exists only so the poller has an *os.File to key its
	// registration on; it is never Read from, Written to, or Closed —
	// doing any of those would risk the same non-blocking-mode flip this
	// type exists to avoid. Its finalizer is disarmed so a GC pass can
	// never close the fd out from under c.readFd, which this Client
	// manages explicitly via Close.
	readFile := os.NewFile(uintptr(fds.Read), "jobserver-client-read")
	runtime.SetFinalizer(readFile, nil)
	if err := p.Register(readFile, poller.Readable|poller.Hangup); err != nil {
		p.Close()
		return nil, wrapConfigError("registering client read fd", err)
	}

	return &Client{
		readFd:            fds.Read,
		writeFd:           fds.Write,
		readPoller:        p,
		implicitAvailable: true,
	}, nil
}

// GetToken returns one token, or nil if none is available right now. The
// first call always returns the sentinel implicit token without touching
// the pipe. Subsequent calls read a byte that is already buffered at once,
// and otherwise wait on this Client's private poller for roughly 100ms; a
// timeout with nothing ready is reported as "no token available", not an
// error.
//
// ctx is consulted before the poll only: it layers cooperative
// cancellation on top of the poll bound, it does not replace it, since
// the wait itself cannot be made cancellable without risking disturbing
// the shared pipe (see the type doc).
func (c *Client) GetToken(ctx context.Context) ([]byte, error) {
	if c.implicitAvailable {
		c.implicitAvailable = false
		tok := []byte{}
		c.ledger = append(c.ledger, tok)
		return tok, nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	b, err := c.boundedRead()
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, nil
	}
	c.ledger = append(c.ledger, b)
	return b, nil
}

// boundedRead performs the ≈100ms-bounded read described in GetToken: if
// a byte is already buffered it is read at once (edge-triggered readiness
// does not report it again); otherwise it waits on this Client's private
// poller for the read fd to become readable, and only then issues the
// read(2).
func (c *Client) boundedRead() ([]byte, error) {
	if pending, err := unix.IoctlGetInt(c.readFd, unix.FIONREAD); err != nil || pending == 0 {
		events, err := c.readPoller.Poll(readTimeoutMillis)
		if err != nil {
			return nil, wrapProtocolError("waiting for upstream token", err)
		}
		if len(events) == 0 {
			return nil, nil
		}
	}

	buf := make([]byte, 1)
	n, err := unix.Read(c.readFd, buf)
	if err != nil {
		if isInterrupted(err) {
			return nil, nil
		}
		return nil, wrapProtocolError("reading upstream token", err)
	}
	if n == 0 {
		return nil, protocolError("upstream jobserver closed the read pipe")
	}
	return buf[:n], nil
}

// ReturnToken gives back a token obtained from GetToken. The implicit
// token is simply dropped from the ledger; any other token is written
// back to the upstream write end (retried until the single byte is fully
// written) before being dropped. On success the ledger shrinks by exactly
// one entry; on error it is left unchanged.
func (c *Client) ReturnToken(tok []byte) error {
	idx := c.ledgerIndex(tok)
	if idx == -1 {
		return protocolError("returning a token not held by this client")
	}

	if len(tok) == 0 {
		c.removeLedger(idx)
		return nil
	}

	written := 0
	for written < len(tok) {
		n, err := unix.Write(c.writeFd, tok[written:])
		if err != nil {
			return wrapProtocolError("returning token upstream", err)
		}
		written += n
	}
	c.removeLedger(idx)
	return nil
}

func (c *Client) ledgerIndex(tok []byte) int {
	for i, held := range c.ledger {
		if len(held) == len(tok) && (len(tok) == 0 || held[0] == tok[0]) {
			return i
		}
	}
	return -1
}

func (c *Client) removeLedger(idx int) {
	c.ledger = append(c.ledger[:idx], c.ledger[idx+1:]...)
}

// Cleanup returns every token still held, in ledger order, then closes
// both pipe ends. It never fails on a bad return write; it logs nothing
// (Client has no logger) and simply stops, since a dying process cannot
// usefully retry. Safe to call more than once.
func (c *Client) Cleanup() error {
	if c.closed {
		return nil
	}
	for len(c.ledger) > 0 {
		tok := c.ledger[0]
		if err := c.ReturnToken(tok); err != nil {
			break
		}
	}
	return c.Close()
}

// Close closes the underlying pipe ends without returning held tokens; it
// is used when the upstream side is already known to be gone. Safe to
// call more than once.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	perr := c.readPoller.Close()
	rerr := unix.Close(c.readFd)
	werr := unix.Close(c.writeFd)
	if perr != nil {
		return wrapConfigError("closing client read poller", perr)
	}
	if rerr != nil {
		return wrapConfigError("closing read pipe", rerr)
	}
	if werr != nil {
		return wrapConfigError("closing write pipe", werr)
	}
	return nil
}

func isInterrupted(err error) bool {
	return err == unix.EINTR
}
