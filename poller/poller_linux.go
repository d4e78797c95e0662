//go:build linux

package poller

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux implementation of Poller, backed directly by
// epoll_create1/epoll_ctl/epoll_wait. Every registration is edge-triggered
// (EPOLLET): the jobserver engine is written to drain exactly what a single
// Poll call reports and never rely on a level re-notification.
type epollPoller struct {
	epfd int

	// byFd maps the underlying fd number to the *os.File the caller
	// registered, so delivered events can be handed back as the file the
	// owner gave us rather than a bare integer.
	byFd map[int]*os.File

	// closed holds registrations whose file was closed by the owner
	// before Unregister was called. The kernel drops the epoll
	// registration automatically when the last reference to a descriptor
	// is closed, so all that is left to do is forget our bookkeeping; it
	// is reconciled lazily on the next Poll or Unregister.
	closed map[int]*os.File
}

func newPoller() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}
	return &epollPoller{
		epfd:   epfd,
		byFd:   make(map[int]*os.File),
		closed: make(map[int]*os.File),
	}, nil
}

func (p *epollPoller) reconcile() {
	for fd, f := range p.byFd {
		if isClosed(f) {
			p.closed[fd] = f
			delete(p.byFd, fd)
		}
	}
}

func (p *epollPoller) Register(file *os.File, events Events) error {
	fd := int(file.Fd())
	if _, ok := p.byFd[fd]; ok {
		return fmt.Errorf("poller: fd %d already registered", fd)
	}
	ev := &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpollBits(events) | unix.EPOLLET,
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("poller: epoll_ctl(ADD, %d): %w", fd, err)
	}
	p.byFd[fd] = file
	return nil
}

func (p *epollPoller) Unregister(file *os.File) error {
	p.reconcile()

	// Match closed registrations by file value: once the owner has closed
	// file, file.Fd() no longer reports the number it was registered under.
	for cfd, f := range p.closed {
		if f == file {
			delete(p.closed, cfd)
			return nil
		}
	}
	fd := int(file.Fd())
	if _, ok := p.byFd[fd]; !ok {
		return fmt.Errorf("poller: fd %d not registered", fd)
	}
	// EPOLL_CTL_DEL on an fd that was already closed returns EBADF; the
	// reconcile pass above should have caught that case already, but
	// tolerate it defensively rather than asserting.
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.EBADF {
		return fmt.Errorf("poller: epoll_ctl(DEL, %d): %w", fd, err)
	}
	delete(p.byFd, fd)
	return nil
}

func (p *epollPoller) Poll(timeout int) ([]Event, error) {
	p.reconcile()

	events := make([]unix.EpollEvent, 64)
	n, err := unix.EpollWait(p.epfd, events, timeout)
	for err == unix.EINTR {
		// A signal landed on our own self-pipe registration (or any
		// other signal); epoll_wait is interrupted but that is not a
		// failure, just retry with the same timeout budget the caller
		// asked for.
		n, err = unix.EpollWait(p.epfd, events, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_wait: %w", err)
	}

	p.reconcile()

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		file, ok := p.byFd[fd]
		if !ok {
			// The fd was closed and reconciled between epoll_wait
			// returning and us reading the result; drop the event.
			continue
		}
		bits := fromEpollBits(events[i].Events)
		if bits == 0 {
			panic(fmt.Sprintf("poller: empty event set for fd %d (raw=%#x)", fd, events[i].Events))
		}
		out = append(out, Event{File: file, Events: bits})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}

func toEpollBits(e Events) uint32 {
	var bits uint32
	if e&Readable != 0 {
		bits |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		bits |= unix.EPOLLOUT
	}
	if e&Hangup != 0 {
		bits |= unix.EPOLLHUP
	}
	if e&Err != 0 {
		bits |= unix.EPOLLERR
	}
	return bits
}

func fromEpollBits(bits uint32) Events {
	var e Events
	if bits&unix.EPOLLIN != 0 {
		e |= Readable
	}
	if bits&unix.EPOLLOUT != 0 {
		e |= Writable
	}
	if bits&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= Hangup
	}
	if bits&unix.EPOLLERR != 0 {
		e |= Err
	}
	return e
}

// isClosed reports whether f's underlying fd has already been closed.
// os.File has no public "closed" flag, so this is inferred the same way
// the Python Poller._cleanup sweep infers it (fileobj.closed): an fstat on
// a closed fd fails with EBADF.
func isClosed(f *os.File) bool {
	_, err := f.Stat()
	return err != nil
}
