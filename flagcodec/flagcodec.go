// Package flagcodec parses and rewrites the MAKEFLAGS string GNU Make (and
// compatible build tools) uses to advertise dry-run/question mode and the
// jobserver's pipe descriptors to sub-invocations.
//
// Every function here is pure: no file descriptors are opened and no
// environment variables are read directly, so callers control exactly
// which string is interpreted (usually os.Getenv("MAKEFLAGS")).
package flagcodec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// jobserverFDsRe matches both the legacy --jobserver-fds= spelling and the
// --jobserver-auth= spelling GNU Make switched to so it could also carry
// named-pipe and "simple" auth styles; this module only ever deals in the
// numeric-fd-pair form of either.
var jobserverFDsRe = regexp.MustCompile(`--jobserver-(?:fds|auth)=([0-9]+),([0-9]+)`)

// PassFDs is the pair of inherited descriptor numbers a child advertises a
// jobserver through: the read end of the parent-to-child pipe and the write
// end of the child-to-parent pipe.
type PassFDs struct {
	Read  int
	Write int
}

// ShouldExecute reports whether flags indicate normal execution should
// happen. It is false iff a short-form flag n (dry-run) or q (question)
// appears as a standalone letter cluster: scanning whitespace-delimited
// tokens, within any token that does not start with '-' the presence of
// 'n' or 'q' in its leading cluster (the characters before any '-')
// disables execution.
//
// ShouldRunSubmake is an alias using the vocabulary of the original make
// jobserver library and of GNU Make's own documentation.
func ShouldExecute(flags string) bool {
	re := regexp.MustCompile(`(?:^|\s)[^-\s]*[nq][^\s]*(?:\s|$)`)
	return !re.MatchString(flags)
}

// ShouldRunSubmake is an alias for ShouldExecute.
func ShouldRunSubmake(flags string) bool {
	return ShouldExecute(flags)
}

// HasJobserver reports whether flags advertises a jobserver at all, via
// either the --jobserver-fds= or --jobserver-auth= spelling, or the bare
// --jobserver token make emits before the fds are known.
func HasJobserver(flags string) bool {
	return strings.Contains(flags, "--jobserver")
}

// ConfigError is returned for malformed or out-of-range jobserver
// configuration: fds must be impossible to confuse with stdio.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, args ...interface{}) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf("flagcodec: "+format, args...)}
}

// ExtractFDs parses the first --jobserver-fds=R,W (or --jobserver-auth=R,W)
// fragment out of flags. Both R and W must be greater than 2 (stdio is
// reserved); violating that is a *ConfigError, not a silent zero value.
func ExtractFDs(flags string) (PassFDs, error) {
	m := jobserverFDsRe.FindStringSubmatch(flags)
	if m == nil {
		return PassFDs{}, configErrorf("no --jobserver-fds=R,W in %q", flags)
	}
	r, err := strconv.Atoi(m[1])
	if err != nil {
		return PassFDs{}, configErrorf("malformed read fd %q: %v", m[1], err)
	}
	w, err := strconv.Atoi(m[2])
	if err != nil {
		return PassFDs{}, configErrorf("malformed write fd %q: %v", m[2], err)
	}
	if r <= 2 || w <= 2 {
		return PassFDs{}, configErrorf("jobserver fds must be > 2 (stdio reserved), got %d,%d", r, w)
	}
	return PassFDs{Read: r, Write: w}, nil
}

// ReplaceJobserver substitutes the matched --jobserver-fds=/--jobserver-auth=
// fragment in flags with newEndpoint verbatim (the caller builds the full
// "--jobserver-fds=R,W" string). If flags has no jobserver fragment, flags
// is returned unchanged. Replacing with the same endpoint is idempotent.
func ReplaceJobserver(flags, newEndpoint string) string {
	if !HasJobserver(flags) {
		return flags
	}
	return jobserverFDsRe.ReplaceAllLiteralString(flags, newEndpoint)
}
