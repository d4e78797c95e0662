// Package jobserver implements the token-brokering engine for the POSIX
// jobserver protocol: a build tool advertises a pair of anonymous pipes via
// MAKEFLAGS, and any process that wants to run a parallel unit of work must
// hold one token borrowed from that pipe for the duration of the work.
//
// Three roles share one engine:
//
//   - Server owns a fixed pool of N tokens and lends them to children via
//     per-child pipe pairs (see NewServer).
//   - Client consumes tokens from an upstream jobserver's pipes (see
//     NewClient, in client.go).
//   - Proxy (package jobserver/proxy) presents a Server face downstream
//     while backing its pool dynamically from a Client upstream.
//
// The engine is single-threaded and event-driven: Poll drives a readiness
// multiplexer (package jobserver/poller) and mutates all server-side state
// between Poll calls. None of the types in this package are safe for
// concurrent use; callers that need concurrent access must serialize their
// own calls to Poll/CreateClient/CleanupClient.
package jobserver
