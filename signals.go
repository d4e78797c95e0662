package jobserver

import (
	"os"
	"syscall"
)

// defaultSignals are the signals a Server's self-pipe wakes the event loop
// for: SIGCHLD so a dead child is noticed promptly, and SIGINT/SIGTERM so a
// blocking Poll doesn't swallow an operator's shutdown request.
func defaultSignals() []os.Signal {
	return []os.Signal{syscall.SIGCHLD, syscall.SIGINT, syscall.SIGTERM}
}
