package ferny

import (
	"context"
	"io"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"golang.org/x/sys/unix"
)

// statusPair returns a full-duplex socket pair standing in for the status_fd
// a real askpass client hands the agent: handlerEnd is what the handler
// reads/writes (fds[0] in Run), testEnd is what the test reads the status
// from and can close to simulate the askpass client dying.
func statusPair() (handlerEnd, testEnd *os.File) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	Ω(err).ShouldNot(HaveOccurred())
	return os.NewFile(uintptr(fds[0]), "handler-end"), os.NewFile(uintptr(fds[1]), "test-end")
}

type stubResponder struct {
	answer     string
	ok         bool
	hostKeyOK  bool
	askedCh    chan struct{}
	blockUntil <-chan struct{}
}

func (s *stubResponder) DoAskpass(ctx context.Context, stderr, prompt, promptHint string) (string, bool) {
	if s.askedCh != nil {
		close(s.askedCh)
	}
	if s.blockUntil != nil {
		select {
		case <-s.blockUntil:
		case <-ctx.Done():
		}
		return "", false
	}
	return s.answer, s.ok
}

func (s *stubResponder) DoHostKey(ctx context.Context, reason, host, algorithm, key, fingerprint string) bool {
	return s.hostKeyOK
}

func askpassArgs(argv []string, env map[string]string) LTuple {
	list := make(LList, len(argv))
	for i, a := range argv {
		list[i] = LString(a)
	}
	m := LMap{}
	for k, v := range env {
		m[k] = v
	}
	return LTuple{list, m}
}

var _ = Describe("AskpassHandler (C3)", func() {
	It("writes the answer and a zero status for a normal AskPass call", func() {
		responder := &stubResponder{answer: "hunter2", ok: true}
		h := NewAskpassHandler(responder)

		statusH, statusT := statusPair()
		stdoutR, stdoutW, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())

		args := askpassArgs([]string{"ferny-askpass", "bob@example.com's password: "}, nil)
		err = h.Run(context.Background(), "ferny.askpass", args,
			[]int{int(statusH.Fd()), int(stdoutW.Fd())}, "")
		Ω(err).ShouldNot(HaveOccurred())

		status, _ := io.ReadAll(statusT)
		Ω(string(status)).Should(Equal("0\n"))

		answer, _ := io.ReadAll(stdoutR)
		Ω(string(answer)).Should(Equal("hunter2\n"))
	})

	It("writes nothing to stdout or status when the responder declines", func() {
		responder := &stubResponder{ok: false}
		h := NewAskpassHandler(responder)

		statusH, statusT := statusPair()
		stdoutR, stdoutW, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())

		args := askpassArgs([]string{"ferny-askpass", "prompt: "}, nil)
		err = h.Run(context.Background(), "ferny.askpass", args,
			[]int{int(statusH.Fd()), int(stdoutW.Fd())}, "")
		Ω(err).ShouldNot(HaveOccurred())

		status, _ := io.ReadAll(statusT)
		Ω(string(status)).Should(BeEmpty())

		answer, _ := io.ReadAll(stdoutR)
		Ω(string(answer)).Should(BeEmpty())
	})

	It("accepts a host key and writes 'host algorithm key' on stdout", func() {
		responder := &stubResponder{hostKeyOK: true}
		h := NewAskpassHandler(responder)

		statusH, statusT := statusPair()
		stdoutR, stdoutW, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())

		args := askpassArgs([]string{
			"ferny-askpass", "ADDRESS", "example.com", "ED25519", "AAAAkey==", "SHA256:abc",
		}, nil)
		err = h.Run(context.Background(), "ferny.askpass", args,
			[]int{int(statusH.Fd()), int(stdoutW.Fd())}, "")
		Ω(err).ShouldNot(HaveOccurred())

		answer, _ := io.ReadAll(stdoutR)
		Ω(string(answer)).Should(Equal("example.com ED25519 AAAAkey==\n"))

		status, _ := io.ReadAll(statusT)
		Ω(string(status)).Should(Equal("0\n"))
	})

	It("cancels the in-flight prompt when the status fd closes first", func() {
		asked := make(chan struct{})
		release := make(chan struct{}) // never closed by the test; simulates a FIDO-presence hang
		responder := &stubResponder{askedCh: asked, blockUntil: release}
		h := NewAskpassHandler(responder)

		statusH, statusT := statusPair()
		stdoutR, stdoutW, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())

		args := askpassArgs([]string{"ferny-askpass", "prompt: "}, nil)

		done := make(chan error, 1)
		go func() {
			done <- h.Run(context.Background(), "ferny.askpass", args,
				[]int{int(statusH.Fd()), int(stdoutW.Fd())}, "")
		}()

		Eventually(asked, time.Second).Should(BeClosed())
		statusT.Close() // killed askpass client: its status fd (our statusH peer) is gone

		Eventually(done, time.Second).Should(Receive(BeNil()))
		stdoutR.Close()
	})

	It("logs and drops malformed args, closing the fds", func() {
		h := NewAskpassHandler(&stubResponder{})
		r, w, err := os.Pipe()
		Ω(err).ShouldNot(HaveOccurred())
		err = h.Run(context.Background(), "ferny.askpass", LTuple{LString("not-the-right-shape")},
			[]int{int(w.Fd())}, "")
		Ω(err).ShouldNot(HaveOccurred())
		r.Close()
	})
})

var _ = Describe("parseAskpassArgs", func() {
	It("unpacks a well-formed (argv, env) tuple", func() {
		argv, env, ok := parseAskpassArgs(askpassArgs([]string{"a", "b"}, map[string]string{"K": "V"}))
		Ω(ok).Should(BeTrue())
		Ω(argv).Should(Equal([]string{"a", "b"}))
		Ω(env).Should(Equal(map[string]string{"K": "V"}))
	})

	It("rejects a tuple of the wrong arity", func() {
		_, _, ok := parseAskpassArgs(LTuple{LString("only one")})
		Ω(ok).Should(BeFalse())
	})
})
