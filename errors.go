package ferny

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"syscall"
)

// SubprocessError reports that a non-ssh child exited with a non-zero
// status; Stderr carries whatever it wrote there (§7.1).
type SubprocessError struct {
	ReturnCode int
	Stderr     string
}

func (e *SubprocessError) Error() string {
	return fmt.Sprintf("subprocess exited with status %d: %s", e.ReturnCode, strings.TrimSpace(e.Stderr))
}

// InteractionError reports that the child exited before emitting
// ferny.end; Stderr is the accumulated, stripped output (§7.4).
type InteractionError struct {
	Stderr string
}

func (e *InteractionError) Error() string {
	return e.Stderr
}

// SshError is the base of the ssh(1) stderr classification hierarchy
// (§3, §7.2). Stderr always carries the full captured stderr text.
type SshError struct {
	Stderr  string
	Message string
}

func (e *SshError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(e.Stderr)
}

// AuthenticationError is raised when ssh reports "Permission denied" with a
// list of attempted authentication methods.
type AuthenticationError struct {
	SshError
	Destination string
	Methods     []string
}

// HostKeyError is the generic "Host key verification failed" failure.
type HostKeyError struct {
	SshError
}

// UnknownHostKeyError is a HostKeyError where ssh reported that no host key
// of the offered algorithm was known for the destination.
type UnknownHostKeyError struct {
	HostKeyError
}

// ChangedHostKeyError is a HostKeyError accompanied by ssh's "REMOTE HOST
// IDENTIFICATION HAS CHANGED" warning.
type ChangedHostKeyError struct {
	HostKeyError
}

// InvalidHostnameError is raised for ssh's "Bad hostname" diagnostic.
type InvalidHostnameError struct {
	SshError
}

var authenticationErrorPattern = regexp.MustCompile(`(?m)^([^:]+): Permission denied \(([^()]+)\)\.$`)
var hostKeyErrorPattern = regexp.MustCompile(`(?m)^Host key verification failed\.$`)
var unknownHostKeyPattern = regexp.MustCompile(`No .+ host key is known for`)
var changedHostKeyPattern = regexp.MustCompile(`WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED`)
var invalidHostnamePattern = regexp.MustCompile(`Bad hostname`)

// gaiStrerrorTable maps the handful of getaddrinfo() error strings that
// ssh's resolver can produce to their EAI_* codes, mirroring the table the
// original implementation builds at runtime from libc's gai_strerror().
var gaiStrerrorTable = map[string]int{
	"Name or service not known":         eaiNoName,
	"Temporary failure in name resolution": eaiAgain,
	"Non-recoverable failure in name resolution": eaiFail,
	"Address family for hostname not supported": eaiAddrFamily,
	"Servname not supported for ai_socktype":     eaiService,
}

const (
	eaiNoName     = -2
	eaiAgain      = -3
	eaiFail       = -4
	eaiAddrFamily = -9
	eaiService    = -8
)

// DNSError reports a getaddrinfo()-family resolution failure, classified
// from ssh's stderr trailer against the gai_strerror() table (§3, §4.4).
type DNSError struct {
	SshError
	Code int
}

func (e *DNSError) Error() string {
	return fmt.Sprintf("dns lookup failed (%d): %s", e.Code, strings.TrimSpace(e.Stderr))
}

// strerrorTable maps the handful of strerror() strings ssh's diagnostics
// are likely to reproduce to the syscall.Errno they came from, mirroring
// CPython's ADD_ERRNO() table referenced by the original implementation.
// Keys are Go's lowercase errno texts; libc capitalises the same messages,
// so ClassifyError lowercases the trailer before looking it up.
var strerrorTable = map[string]syscall.Errno{
	syscall.ECONNREFUSED.Error(): syscall.ECONNREFUSED,
	syscall.ETIMEDOUT.Error():    syscall.ETIMEDOUT,
	syscall.EPIPE.Error():        syscall.EPIPE,
	syscall.ENOENT.Error():       syscall.ENOENT,
	syscall.EACCES.Error():       syscall.EACCES,
	syscall.EPERM.Error():        syscall.EPERM,
	syscall.EHOSTUNREACH.Error(): syscall.EHOSTUNREACH,
	syscall.ECONNRESET.Error():   syscall.ECONNRESET,
	syscall.ENETUNREACH.Error():  syscall.ENETUNREACH,
}

// OSError wraps a syscall.Errno recognized in ssh's stderr trailer, mapped
// to the standard OS error kind it represents (§3, §7.3).
type OSError struct {
	SshError
	Errno syscall.Errno
}

func (e *OSError) Error() string {
	return fmt.Sprintf("%s: %s", e.Errno.Error(), strings.TrimSpace(e.Stderr))
}

// Unwrap lets errors.Is(err, syscall.ECONNREFUSED) and similar work.
func (e *OSError) Unwrap() error { return e.Errno }

// IsConnectionRefused, IsTimedOut, IsBrokenPipe, IsFileNotFound, and
// IsPermission are convenience predicates over the classified OSError
// kinds that spec.md §3 names explicitly.
func IsConnectionRefused(err error) bool { return errors.Is(err, syscall.ECONNREFUSED) }
func IsTimedOut(err error) bool          { return errors.Is(err, syscall.ETIMEDOUT) }
func IsBrokenPipe(err error) bool        { return errors.Is(err, syscall.EPIPE) }
func IsFileNotFound(err error) bool      { return errors.Is(err, syscall.ENOENT) }
func IsPermission(err error) bool        { return errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) }
func IsHostUnreachable(err error) bool   { return errors.Is(err, syscall.EHOSTUNREACH) }

// ClassifyError turns captured ssh(1) stderr into the most specific error
// spec.md §3/§4.4/§7.2 can produce. It never returns nil: with no better
// match, it returns a generic *SshError carrying the full stderr.
func ClassifyError(stderr string) error {
	if m := authenticationErrorPattern.FindStringSubmatch(stderr); m != nil {
		return &AuthenticationError{
			SshError:    SshError{Stderr: stderr, Message: m[0]},
			Destination: m[1],
			Methods:     strings.Split(m[2], ","),
		}
	}

	if hostKeyErrorPattern.MatchString(stderr) {
		base := HostKeyError{SshError{Stderr: stderr, Message: "Host key verification failed."}}
		switch {
		case unknownHostKeyPattern.MatchString(stderr):
			return &UnknownHostKeyError{base}
		case changedHostKeyPattern.MatchString(stderr):
			return &ChangedHostKeyError{base}
		default:
			return &base
		}
	}

	if invalidHostnamePattern.MatchString(stderr) {
		return &InvalidHostnameError{SshError{Stderr: stderr}}
	}

	trimmed := strings.TrimRight(stderr, "\n")
	idx := strings.LastIndex(trimmed, ":")
	if idx >= 0 && idx+1 < len(trimmed) {
		trailer := strings.TrimSpace(trimmed[idx+1:])
		if trailer != "" {
			if code, ok := gaiStrerrorTable[trailer]; ok {
				return &DNSError{SshError: SshError{Stderr: stderr}, Code: code}
			}
			if errno, ok := strerrorTable[strings.ToLower(trailer)]; ok {
				return &OSError{SshError: SshError{Stderr: stderr}, Errno: errno}
			}
		}
	}

	return &SshError{Stderr: stderr}
}

// netErrorToExc adapts a net.OpError-flavoured error (as returned by
// pipe/agent-socket I/O) into the terminal exception a Transport reports,
// passing it through unchanged when it carries no further classifiable
// information.
func netErrorToExc(err error) error {
	if err == nil {
		return nil
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Err
	}
	return err
}
