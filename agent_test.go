package ferny

import (
	"context"
	"net"
	"os"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"golang.org/x/sys/unix"
)

// dupPeer simulates what a forked child does to an inherited fd: it takes an
// independent kernel reference to the same socket, so the agent's own
// Start()-time close of its copy doesn't tear down the connection out from
// under the test.
func dupPeer(theirs *os.File) *os.File {
	fd, err := syscall.Dup(int(theirs.Fd()))
	Ω(err).ShouldNot(HaveOccurred())
	return os.NewFile(uintptr(fd), "test-peer")
}

func peerConn(peer *os.File) *net.UnixConn {
	conn, err := net.FileConn(peer)
	Ω(err).ShouldNot(HaveOccurred())
	peer.Close()
	uc, ok := conn.(*net.UnixConn)
	Ω(ok).Should(BeTrue())
	return uc
}

type recordingHandler struct {
	names   []string
	seen    chan Command
	fdsSeen chan []int
}

func newRecordingHandler(names ...string) *recordingHandler {
	return &recordingHandler{names: names, seen: make(chan Command, 8), fdsSeen: make(chan []int, 8)}
}

func (h *recordingHandler) Commands() []string { return h.names }

func (h *recordingHandler) Run(ctx context.Context, cmd string, args LTuple, fds []int, stderr string) error {
	h.seen <- Command{Name: cmd, Args: args}
	h.fdsSeen <- fds
	closeAll(fds)
	return nil
}

var _ = Describe("Agent (C2)", func() {
	It("resolves with an InteractionError when the child exits before ferny.end", func() {
		agent, err := NewAgent()
		Ω(err).ShouldNot(HaveOccurred())

		peer := dupPeer(agent.ChildStderr())
		agent.Start()

		peer.Write([]byte("connecting...\n"))
		peer.Close()

		_, err = agent.Communicate(context.Background())
		Ω(err).Should(HaveOccurred())
		ierr, ok := err.(*InteractionError)
		Ω(ok).Should(BeTrue())
		Ω(ierr.Stderr).Should(Equal("connecting..."))
		Ω(agent.EndSeen()).Should(BeFalse())
	})

	It("resolves with the empty string once ferny.end finds an empty buffer", func() {
		agent, err := NewAgent()
		Ω(err).ShouldNot(HaveOccurred())

		peer := dupPeer(agent.ChildStderr())
		agent.Start()

		peer.Write([]byte("hello\n"))
		peer.Write(EncodeFrame(EndCommand))
		peer.Close()

		text, err := agent.Communicate(context.Background())
		Ω(err).ShouldNot(HaveOccurred())
		Ω(text).Should(Equal(""))
		Ω(agent.EndSeen()).Should(BeTrue())
	})

	It("resolves immediately on ferny.end when the buffer is empty at that point", func() {
		agent, err := NewAgent()
		Ω(err).ShouldNot(HaveOccurred())

		peer := dupPeer(agent.ChildStderr())
		agent.Start()

		peer.Write(EncodeFrame(EndCommand))

		Eventually(agent.Done(), time.Second).Should(BeClosed())
		Ω(agent.EndSeen()).Should(BeTrue())
		text, err := agent.Result()
		Ω(err).ShouldNot(HaveOccurred())
		Ω(text).Should(Equal(""))

		peer.Close()
	})

	It("dispatches a remote-frame command to its registered handler", func() {
		h := newRecordingHandler("ping")
		agent, err := NewAgent(h)
		Ω(err).ShouldNot(HaveOccurred())

		peer := dupPeer(agent.ChildStderr())
		agent.Start()

		peer.Write([]byte("before\n"))
		peer.Write(EncodeFrame(Command{Name: "ping", Args: LTuple{LString("x")}}))
		peer.Write(EncodeFrame(EndCommand))
		peer.Close()

		text, err := agent.Communicate(context.Background())
		Ω(err).ShouldNot(HaveOccurred())
		Ω(text).Should(Equal(""))

		Eventually(h.seen).Should(Receive(Equal(Command{Name: "ping", Args: LTuple{LString("x")}})))
	})

	It("dispatches a local fd-bearing command, passing the fds through", func() {
		h := newRecordingHandler("ferny.askpass")
		agent, err := NewAgent(h)
		Ω(err).ShouldNot(HaveOccurred())

		peer := dupPeer(agent.ChildStderr())
		agent.Start()

		conn := peerConn(peer)

		statusR, statusW, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())
		stdoutR, stdoutW, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())

		payload := EncodeLiteral(LTuple{LString("ferny.askpass"), LTuple{}})
		data := []byte("leftover stderr\n" + magic + payload)
		oob := unix.UnixRights(int(statusW.Fd()), int(stdoutW.Fd()))
		_, _, err = conn.WriteMsgUnix(data, oob, nil)
		Ω(err).ShouldNot(HaveOccurred())
		statusW.Close()
		stdoutW.Close()

		var fds []int
		Eventually(h.fdsSeen, time.Second).Should(Receive(&fds))
		Ω(fds).Should(HaveLen(2))

		conn.Write(EncodeFrame(EndCommand))
		conn.Close()
		statusR.Close()
		stdoutR.Close()

		text, err := agent.Communicate(context.Background())
		Ω(err).ShouldNot(HaveOccurred())
		Ω(text).Should(Equal(""))
	})

	It("ForceCompletion resolves a hung agent without a terminal event", func() {
		agent, err := NewAgent()
		Ω(err).ShouldNot(HaveOccurred())

		peer := dupPeer(agent.ChildStderr())
		agent.Start()
		peer.Write([]byte("stuck\n"))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err = agent.Communicate(ctx)
		Ω(err).Should(HaveOccurred())

		peer.Close()
	})
})
