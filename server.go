package jobserver

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"jobserver/internal/selfpipe"
	"jobserver/poller"
)

// PoolSource is how a Server replenishes its pool when the free list runs
// dry, and how it gives surplus back after each poll cycle. A plain Server
// is parameterized with a fixed pool source that never grows; Proxy (see
// package jobserver/proxy) is the exact same Server type parameterized
// with a source that grows from and shrinks to an upstream Client.
//
// This is deliberately not modeled as Server/Proxy type hierarchy: Proxy
// shares all of Server's state-machine code and differs only in this one
// hook (spec.md §9 design notes).
type PoolSource interface {
	// Acquire is asked for a new token only when the free pool is empty.
	// hint is the smallest currently-unused token id; implementations
	// that mint a fresh id (Proxy) should use it. ok is false if no token
	// is available right now (the grant is deferred to the next cycle).
	Acquire(hint Token) (tok Token, ok bool)

	// Shrink is called once per poll cycle, after dispatch, with the
	// current free list. It returns the free list that should remain; a
	// fixed source returns free unchanged.
	Shrink(free []Token) []Token

	// Release is called once, at Close, with whatever is left in the
	// free list after every child has been torn down. Unlike Shrink it
	// keeps no spare: a growable source returns every token it still
	// holds upstream before the Server goes away. A fixed source has
	// nothing upstream to release and returns free unchanged.
	Release(free []Token) []Token
}

// fixedPoolSource backs a plain Server: it never grows and never shrinks.
type fixedPoolSource struct{}

func (fixedPoolSource) Acquire(Token) (Token, bool) { return 0, false }
func (fixedPoolSource) Shrink(free []Token) []Token { return free }
func (fixedPoolSource) Release(free []Token) []Token { return free }

type fileKind uint8

const (
	kindReturn fileKind = iota
	kindGrant
)

type fileOwner struct {
	child *child
	kind  fileKind
}

// CycleResult reports what a single Poll call observed, so the caller can
// decide what to do about a signal wakeup (spec.md §4.4: "the loop simply
// returns to its caller").
type CycleResult struct {
	SignalObserved bool
}

// Server owns a pool of tokens and an arbitrary number of child
// registrations, driving grant/return I/O through Poll. See doc.go for the
// single-threaded concurrency contract.
type Server struct {
	log logrus.FieldLogger

	poller poller.Poller
	self   *selfpipe.SelfPipe

	pool   *pool
	source PoolSource

	children map[ChildID]*child
	owners   map[*os.File]fileOwner

	closed bool
}

// NewServer constructs a Server with n tokens, or runtime.NumCPU() tokens
// if n <= 0 (spec.md §4.4: "default: the host CPU count"). logger may be
// nil, in which case a logrus.New() writing to stderr at InfoLevel is
// used.
func NewServer(n int, logger logrus.FieldLogger) (*Server, error) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return NewServerWithSource(n, fixedPoolSource{}, logger)
}

// NewServerWithSource builds a Server whose pool is replenished and
// shrunk by source instead of the fixed pool NewServer uses. Package
// jobserver/proxy uses this to construct a Server with an initially empty
// pool (n == 0) backed by an upstream Client, per spec.md §4.5; it is
// exported for that package's use rather than kept internal, since Proxy
// deliberately shares this exact engine rather than reimplementing it.
func NewServerWithSource(n int, source PoolSource, logger logrus.FieldLogger) (*Server, error) {
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.InfoLevel)
		logger = l
	}

	p, err := poller.New()
	if err != nil {
		return nil, wrapConfigError("creating poller", err)
	}
	sp, err := selfpipe.New(defaultSignals()...)
	if err != nil {
		p.Close()
		return nil, wrapConfigError("creating self-pipe", err)
	}
	if err := p.Register(sp.Read, poller.Readable|poller.Hangup); err != nil {
		p.Close()
		sp.Stop()
		return nil, wrapConfigError("registering self-pipe", err)
	}

	return &Server{
		log:      logger,
		poller:   p,
		self:     sp,
		pool:     newPool(n),
		source:   source,
		children: make(map[ChildID]*child),
		owners:   make(map[*os.File]fileOwner),
	}, nil
}

// CreateClient allocates a p2c (parent-to-child) and c2p (child-to-parent)
// anonymous pipe pair for a new child, registers the parent-held ends with
// the poller, and returns the files the caller must pass to the spawned
// process (see PassFiles) plus the stable ChildID.
func (s *Server) CreateClient() (ChildID, PassFiles, error) {
	p2cRd, p2cWr, err := os.Pipe()
	if err != nil {
		return 0, PassFiles{}, wrapConfigError("creating p2c pipe", err)
	}
	c2pRd, c2pWr, err := os.Pipe()
	if err != nil {
		p2cRd.Close()
		p2cWr.Close()
		return 0, PassFiles{}, wrapConfigError("creating c2p pipe", err)
	}

	drainFd, err := unix.Dup(int(p2cRd.Fd()))
	if err != nil {
		p2cRd.Close()
		p2cWr.Close()
		c2pRd.Close()
		c2pWr.Close()
		return 0, PassFiles{}, wrapConfigError("duplicating drain fd", err)
	}
	drain := os.NewFile(uintptr(drainFd), p2cRd.Name()+".drain")

	id := ChildID(c2pRd.Fd())
	c := &child{
		id:         id,
		returnPipe: c2pRd,
		grantPipe:  p2cWr,
		drainPipe:  drain,
	}

	if err := s.poller.Register(c2pRd, poller.Readable|poller.Hangup); err != nil {
		return 0, PassFiles{}, wrapConfigError("registering returnPipe", err)
	}
	if err := s.poller.Register(p2cWr, poller.Writable|poller.Hangup); err != nil {
		s.poller.Unregister(c2pRd)
		return 0, PassFiles{}, wrapConfigError("registering grantPipe", err)
	}

	s.children[id] = c
	s.owners[c2pRd] = fileOwner{child: c, kind: kindReturn}
	s.owners[p2cWr] = fileOwner{child: c, kind: kindGrant}

	s.log.WithFields(logrus.Fields{"child": id}).Debug("jobserver: child registered")

	return id, PassFiles{Read: p2cRd, Write: c2pWr}, nil
}

// Flags renders the -j --jobserver-fds=R,W fragment to append to a
// child's MAKEFLAGS, given the fd pair as it will appear inside that
// child (see ChildFDsForExtraFiles).
func (s *Server) Flags(fds PassFDs) string {
	return fmt.Sprintf("-j --jobserver-fds=%d,%d", fds.Read, fds.Write)
}

// Poll services every file descriptor the poller currently reports ready,
// exactly once per cycle. Within the cycle, a child's return is processed
// before a grant is considered for the same child (spec.md §5: "returns
// are processed before grants... in the same cycle"), because the two
// ends are registered and dispatched independently and CreateClient always
// registers the return pipe first.
func (s *Server) Poll(timeoutMillis int) (CycleResult, error) {
	events, err := s.poller.Poll(timeoutMillis)
	if err != nil {
		return CycleResult{}, err
	}

	var result CycleResult
	for _, ev := range events {
		if ev.File == s.self.Read {
			// Per the protocol, a signal wakeup ends the cycle here: the
			// caller decides what to do about it before the next Poll,
			// rather than this loop racing ahead through the rest of an
			// arbitrarily stale event batch.
			if err := s.self.Drain(); err != nil {
				return result, err
			}
			result.SignalObserved = true
			s.log.Debug("jobserver: signal self-pipe drained")
			return result, nil
		}

		owner, ok := s.owners[ev.File]
		if !ok {
			// Raced with cleanup removing this registration between
			// Poll draining the kernel and us dispatching it; ignore.
			continue
		}

		switch owner.kind {
		case kindReturn:
			if ev.Events&poller.Readable != 0 {
				if err := s.handleReturn(owner.child); err != nil {
					return result, err
				}
			}
		case kindGrant:
			if ev.Events&poller.Writable != 0 {
				if err := s.handleGrant(owner.child); err != nil {
					return result, err
				}
			}
		}
	}

	s.pool.free = s.source.Shrink(s.pool.free)

	return result, nil
}

func (s *Server) handleReturn(c *child) error {
	var buf [1]byte
	n, err := c.returnPipe.Read(buf[:])
	if err != nil && err != io.EOF {
		return wrapProtocolError("reading return byte", err)
	}
	if n == 0 {
		// Edge-triggered readiness raced with the pipe going empty (or
		// the write end closing with nothing pending); nothing to
		// reclaim this time.
		return nil
	}
	if len(c.tokens) == 0 {
		return protocolError("child %d returned a token it was never granted", c.id)
	}
	tok := c.tokens[0]
	if err := s.pool.unassign(c, tok); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"child": c.id, "token": tok}).Debug("jobserver: token returned")
	return nil
}

func (s *Server) handleGrant(c *child) error {
	pending, err := unix.IoctlGetInt(int(c.grantPipe.Fd()), unix.FIONREAD)
	if err != nil {
		return wrapProtocolError("querying grant pipe pending bytes", err)
	}
	if pending > 0 {
		// The child has not yet consumed the previous grant; do not
		// queue a second one (spec.md §4.4, the stricter of the two
		// draft rules per §9's resolved open question).
		return nil
	}

	tok, ok := s.nextToken()
	if !ok {
		return nil
	}
	if err := s.pool.assign(c, tok); err != nil {
		return err
	}

	if _, err := c.grantPipe.Write([]byte{'+'}); err != nil {
		// The child died before consuming the grant; this is non-fatal:
		// the assignment is undone and the token goes back to the free pool.
		s.log.WithFields(logrus.Fields{"child": c.id, "token": tok}).Debug("jobserver: grant write failed, child gone")
		s.pool.unassign(c, tok) //nolint:errcheck // best-effort unwind of the assign above
		return nil
	}
	s.log.WithFields(logrus.Fields{"child": c.id, "token": tok}).Debug("jobserver: token granted")
	return nil
}

// nextToken returns the smallest free token, acquiring one from the pool
// source first if the free list is currently empty.
func (s *Server) nextToken() (Token, bool) {
	if tok, ok := s.pool.smallestFree(); ok {
		return tok, true
	}
	hint := s.pool.smallestUnused()
	tok, ok := s.source.Acquire(hint)
	if !ok {
		return 0, false
	}
	s.pool.free = append(s.pool.free, tok)
	return tok, true
}

// CleanupClient tears down a child's registration: it reads the return
// pipe until it is empty or at EOF (reclaiming one token per byte), queries and reclaims any
// grant bytes still buffered in the kernel via the drain descriptor, and
// either reclaims or rejects any tokens still assigned depending on
// allowHeldTokens.
func (s *Server) CleanupClient(id ChildID, allowHeldTokens bool) error {
	c, ok := s.children[id]
	if !ok {
		return protocolError("cleanup: unknown child %d", id)
	}
	s.log.WithFields(logrus.Fields{"child": id}).Debug("jobserver: cleaning up child")

	returnFd := int(c.returnPipe.Fd())
	if err := unix.SetNonblock(returnFd, true); err != nil {
		return wrapProtocolError("setting returnPipe nonblocking", err)
	}
	for {
		// Raw read: an os.File read on an empty pipe waits in the runtime
		// poller instead of reporting EAGAIN.
		var buf [64]byte
		n, err := unix.Read(returnFd, buf[:])
		for i := 0; i < n; i++ {
			if len(c.tokens) == 0 {
				return protocolError("child %d returned more tokens than granted", c.id)
			}
			if uerr := s.pool.unassign(c, c.tokens[0]); uerr != nil {
				return uerr
			}
		}
		if isEAGAIN(err) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return wrapProtocolError("draining returnPipe", err)
		}
	}
	c.returnPipe.Close()

	pending, err := unix.IoctlGetInt(int(c.grantPipe.Fd()), unix.FIONREAD)
	if err != nil {
		return wrapProtocolError("querying grant pipe at cleanup", err)
	}
	c.grantPipe.Close()

	if pending > 0 {
		buf := make([]byte, pending)
		if _, err := io.ReadFull(c.drainPipe, buf); err != nil {
			return wrapProtocolError("draining unconsumed grants", err)
		}
		for range buf {
			if len(c.tokens) == 0 {
				return protocolError("child %d had more pending grants than assigned tokens", c.id)
			}
			if err := s.pool.unassign(c, c.tokens[0]); err != nil {
				return err
			}
		}
	}
	c.drainPipe.Close()

	if len(c.tokens) > 0 {
		if !allowHeldTokens {
			return protocolError("child %d still holds %d token(s) at cleanup", c.id, len(c.tokens))
		}
		for _, tok := range append([]Token{}, c.tokens...) {
			if err := s.pool.unassign(c, tok); err != nil {
				return err
			}
		}
	}

	if err := s.poller.Unregister(c.returnPipe); err != nil {
		s.log.WithError(err).Debug("jobserver: unregister returnPipe at cleanup")
	}
	if err := s.poller.Unregister(c.grantPipe); err != nil {
		s.log.WithError(err).Debug("jobserver: unregister grantPipe at cleanup")
	}
	delete(s.owners, c.returnPipe)
	delete(s.owners, c.grantPipe)
	delete(s.children, id)

	return nil
}

// Close tears down the Server: every remaining child is cleaned up
// (tokens allowed to be held, since the process tree is going away), then
// the self-pipe and poller are released.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	for id := range s.children {
		if err := s.CleanupClient(id, true); err != nil {
			s.log.WithError(err).Warn("jobserver: error cleaning up child during Close")
		}
	}
	s.pool.free = s.source.Release(s.pool.free)
	s.self.Stop()
	return s.poller.Close()
}

func isEAGAIN(err error) bool {
	if err == nil {
		return false
	}
	if err == unix.EAGAIN {
		return true
	}
	if pe, ok := err.(*os.PathError); ok {
		return pe.Err == unix.EAGAIN
	}
	return false
}
