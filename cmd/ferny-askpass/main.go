// Command ferny-askpass is the tiny helper ssh(1) invokes in place of a GUI
// askpass (or as its KnownHostsCommand): it renders no UI of its own. Its
// only job is to relay its argv and environment to the ferny.Agent waiting
// on the other end of its inherited stderr, and to exit with whatever
// status that agent decides (§4.1 C1).
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"

	"github.com/jhunt/ferny"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) == 1 {
		return sendEndSentinel()
	}
	return sendInteraction()
}

// sendEndSentinel is the variant invoked with zero arguments: it announces
// that ssh's control-channel setup has completed, with no reply expected.
func sendEndSentinel() int {
	conn, ok := stderrSocket()
	if !ok {
		return 1
	}
	defer conn.Close()

	if err := writeEndSentinel(conn); err != nil {
		fmt.Fprintf(os.Stderr, "ferny-askpass: %s\n", err)
		return 1
	}
	return 0
}

// writeEndSentinel sends the end-of-setup record over conn. This carries no
// fds, so it must be a complete *remote* (in-band) frame — the same bytes
// EncodeFrame produces for any other in-band command — not the fd-bearing
// local-command shape splitLocalCommand looks for.
func writeEndSentinel(conn *net.UnixConn) error {
	data := ferny.EncodeFrame(ferny.EndCommand)
	_, _, err := conn.WriteMsgUnix(data, nil, nil)
	return err
}

// sendInteraction is the normal AskPass / KnownHostsCommand variant: it
// hails the agent with argv+env, attaches a private status socket and its
// own stdout, then blocks for a reply (§4.1 steps 1-5).
func sendInteraction() int {
	stderrConn, ok := stderrSocket()
	if !ok {
		return 1
	}
	defer stderrConn.Close()

	ours, theirsFd, err := socketpairFile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferny-askpass: socketpair: %s\n", err)
		return 1
	}
	defer ours.Close()

	argv := make(ferny.LList, len(os.Args))
	for i, a := range os.Args {
		argv[i] = ferny.LString(a)
	}
	env := ferny.LMap{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				env[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	payload := ferny.EncodeLiteral(ferny.LTuple{
		ferny.LString("ferny.askpass"),
		ferny.LTuple{argv, env},
	})
	data := []byte("\x00ferny\x00" + payload)

	oob := unix.UnixRights(theirsFd, int(os.Stdout.Fd()))
	n, oobn, err := stderrConn.WriteMsgUnix(data, oob, nil)
	unix.Close(theirsFd)
	if err != nil || n != len(data) || oobn != len(oob) {
		fmt.Fprintf(os.Stderr, "ferny-askpass: send: %s\n", err)
		return 1
	}

	cancel := make(chan struct{})
	if watchStdinClose() {
		go func() {
			buf := make([]byte, 1)
			os.Stdin.Read(buf) // blocks until EOF/close/error
			close(cancel)
		}()
	}

	statusCh := make(chan int, 1)
	go func() {
		buf := make([]byte, 16)
		n, _, _, _, err := ours.ReadMsgUnix(buf, nil)
		if err != nil || n == 0 {
			statusCh <- 1
			return
		}
		statusCh <- parseStatus(buf[:n])
	}()

	select {
	case status := <-statusCh:
		return status
	case <-cancel:
		return 1
	}
}

// watchStdinClose reports whether stdin is worth watching for closure as a
// cancellation signal: only a pipe or socket is. A real terminal never
// meaningfully "closes", and /dev/null or a regular file reads EOF at once.
func watchStdinClose() bool {
	fd := os.Stdin.Fd()
	if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		return false
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return false
	}
	kind := st.Mode & unix.S_IFMT
	return kind == unix.S_IFIFO || kind == unix.S_IFSOCK
}

func parseStatus(b []byte) int {
	n := 0
	for _, c := range b {
		if c == '\n' || c == '\r' {
			break
		}
		if c < '0' || c > '9' {
			return 1
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// stderrSocket reinterprets the inherited fd 2 as a UNIX-domain socket —
// the one ambient coupling between the askpass client and its agent (§4.1,
// §9 "Ambient global state").
func stderrSocket() (*net.UnixConn, bool) {
	f := os.NewFile(2, "ferny-askpass-stderr")
	conn, err := net.FileConn(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ferny-askpass: fd 2 is not a socket: %s\n", err)
		return nil, false
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		fmt.Fprintf(os.Stderr, "ferny-askpass: fd 2 is not a UNIX socket\n")
		conn.Close()
		return nil, false
	}
	return uc, true
}

// socketpairFile creates the private (ours, theirs) status-reply pair: ours
// is wrapped for the blocking read below, theirs is handed to the agent as
// a raw fd via SCM_RIGHTS.
func socketpairFile() (ours *net.UnixConn, theirsFd int, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, 0, err
	}
	oursFile := os.NewFile(uintptr(fds[0]), "ferny-askpass-status-ours")
	conn, err := net.FileConn(oursFile)
	oursFile.Close()
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, 0, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		unix.Close(fds[1])
		return nil, 0, fmt.Errorf("unexpected conn type %T", conn)
	}
	return uc, fds[1], nil
}
