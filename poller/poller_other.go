//go:build !linux

package poller

import (
	"errors"
	"os"
)

// The jobserver protocol itself is POSIX-pipe based and portable, but the
// edge-triggered multiplexer this package wraps is Linux's epoll. Other
// platforms would need a kqueue or IOCP-backed Poller; none of the example
// material this module is grounded on implements one, so this stub keeps
// the package buildable elsewhere while failing loudly at construction time
// instead of silently degrading to busy-polling.
type unsupportedPoller struct{}

func newPoller() (Poller, error) {
	return nil, errors.New("poller: epoll-backed Poller is only implemented for linux")
}

func (unsupportedPoller) Register(*os.File, Events) error { return errors.New("poller: unsupported") }
func (unsupportedPoller) Unregister(*os.File) error       { return errors.New("poller: unsupported") }
func (unsupportedPoller) Poll(int) ([]Event, error)       { return nil, errors.New("poller: unsupported") }
func (unsupportedPoller) Close() error                    { return nil }
