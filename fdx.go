package ferny

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// maxRecvFds bounds how many passed fds a single control message read will
// accept (§4.2: "receive up to 4 KiB with ancillary data (up to 10 fds)").
const maxRecvFds = 10

// newSocketpair creates the Agent's private UNIX-domain socketpair. ours is
// wrapped as a *net.UnixConn for ReadMsgUnix/WriteMsgUnix; theirs is handed
// out as a raw *os.File so it can become a child process's stderr.
//
// Grounded on golang.org/x/sys/unix.Socketpair usage in
// orbstack-swift-nio/scon/agent/fdx.go, which wraps the same syscall in a
// *net.UnixConn for SCM_RIGHTS traffic.
func newSocketpair() (ours *net.UnixConn, theirs *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}

	oursFile := os.NewFile(uintptr(fds[0]), "ferny-agent")
	theirs = os.NewFile(uintptr(fds[1]), "ferny-child-stderr")

	conn, err := net.FileConn(oursFile)
	oursFile.Close()
	if err != nil {
		theirs.Close()
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("wrap agent socket: %w", err)
	}

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		theirs.Close()
		return nil, nil, fmt.Errorf("unexpected conn type %T", conn)
	}

	return uc, theirs, nil
}

// recvFdsMsg reads one datagram from conn, returning its data bytes and any
// fds passed via SCM_RIGHTS ancillary data. Zero-length data with no error
// indicates a clean EOF.
func recvFdsMsg(conn *net.UnixConn, bufSize int) (data []byte, fds []int, err error) {
	buf := make([]byte, bufSize)
	oob := make([]byte, unix.CmsgSpace(4*maxRecvFds))

	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return nil, nil, err
	}
	data = buf[:n]

	if oobn > 0 {
		scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr != nil {
			return data, nil, fmt.Errorf("parse control message: %w", perr)
		}
		for _, scm := range scms {
			rights, rerr := unix.ParseUnixRights(&scm)
			if rerr != nil {
				continue
			}
			fds = append(fds, rights...)
		}
	}

	return data, fds, nil
}

// sendFdsMsg writes one datagram carrying data plus fds via SCM_RIGHTS
// ancillary data, used by the askpass client (C1) to hail the agent.
func sendFdsMsg(conn *net.UnixConn, data []byte, fds []int) error {
	oob := unix.UnixRights(fds...)
	n, oobn, err := conn.WriteMsgUnix(data, oob, nil)
	if err != nil {
		return err
	}
	if n != len(data) || oobn != len(oob) {
		return fmt.Errorf("short write: wrote %d/%d bytes, %d/%d oob", n, len(data), oobn, len(oob))
	}
	return nil
}

// closeAll closes every fd in fds, ignoring errors; used on every "fds we
// did not claim" cleanup path (§5 "Resource discipline").
func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
