// Package selfpipe converts asynchronous signal delivery into ordinary I/O
// readiness: a process-wide signal hook writes one byte to a pipe whose
// read end the event loop registers with its poller, eliminating the race
// between signal delivery and a blocking syscall.
package selfpipe

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// SelfPipe owns the read end of a pipe that becomes readable whenever any
// of the signals it was constructed with arrives. Drain must be called
// after every readiness notification to consume the byte(s) written by the
// signal handler and keep the pipe from backing up; Drain puts the read end
// in non-blocking mode and reads it to EAGAIN, so it never hangs under the
// edge-triggered poller.
type SelfPipe struct {
	Read  *os.File
	write *os.File
	sig   chan os.Signal
}

// New registers for sigs (commonly SIGINT/SIGTERM/SIGCHLD) and returns a
// SelfPipe whose Read end is ready for Poller.Register. Call Stop when the
// event loop is shutting down.
func New(sigs ...os.Signal) (*SelfPipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("selfpipe: pipe: %w", err)
	}
	if err := unix.SetNonblock(int(r.Fd()), true); err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("selfpipe: set nonblocking: %w", err)
	}
	sp := &SelfPipe{
		Read:  r,
		write: w,
		sig:   make(chan os.Signal, 16),
	}
	signal.Notify(sp.sig, sigs...)
	go sp.relay()
	return sp, nil
}

func (sp *SelfPipe) relay() {
	for range sp.sig {
		// The byte value carries no information; one byte means "wake
		// up and check for pending signals via your own channel/state".
		_, _ = sp.write.Write([]byte{0})
	}
}

// Drain consumes any bytes currently buffered on the read end. It is safe
// to call even if nothing is pending.
func (sp *SelfPipe) Drain() error {
	// Raw reads: Fd() switches the descriptor back to blocking mode, and
	// an os.File read on an empty pipe waits instead of reporting EAGAIN.
	fd := int(sp.Read.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return fmt.Errorf("selfpipe: set nonblocking: %w", err)
	}
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(fd, buf)
		if err == nil && n > 0 {
			continue
		}
		return nil
	}
}

// Stop unregisters the signal channel and closes both pipe ends.
func (sp *SelfPipe) Stop() {
	signal.Stop(sp.sig)
	close(sp.sig)
	sp.write.Close()
	sp.Read.Close()
}
