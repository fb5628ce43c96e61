package ferny

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type recordingProtocol struct {
	mu        sync.Mutex
	chunks    [][]byte
	eofReturn bool

	made chan *Transport
	lost chan error
}

func newRecordingProtocol(eofReturn bool) *recordingProtocol {
	return &recordingProtocol{
		eofReturn: eofReturn,
		made:      make(chan *Transport, 1),
		lost:      make(chan error, 1),
	}
}

func (p *recordingProtocol) ConnectionMade(t *Transport) { p.made <- t }

func (p *recordingProtocol) DataReceived(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, append([]byte(nil), data...))
}

func (p *recordingProtocol) EOFReceived() bool { return p.eofReturn }

func (p *recordingProtocol) ConnectionLost(err error) { p.lost <- err }

func (p *recordingProtocol) allData() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out
}

var _ = Describe("Transport (C5)", func() {
	It("echoes stdin to stdout and reports a clean connection_lost on EOF", func() {
		proto := newRecordingProtocol(false)
		tr, err := Spawn(context.Background(), []string{"/bin/sh", "-c", "cat"}, proto, false)
		Ω(err).ShouldNot(HaveOccurred())

		Eventually(proto.made, time.Second).Should(Receive(Equal(tr)))

		_, err = tr.Write([]byte("hello\n"))
		Ω(err).ShouldNot(HaveOccurred())
		Ω(tr.WriteEOF()).Should(Succeed())

		Eventually(proto.allData, time.Second).Should(Equal([]byte("hello\n")))

		var lost error
		Eventually(proto.lost, time.Second).Should(Receive(&lost))
		Ω(lost).Should(BeNil())
	})

	It("reports a SubprocessError for a non-ssh child that exits nonzero", func() {
		// EOFReceived returns true, so stdout EOF does not Close the
		// transport (a Close would report a clean connection_lost).
		proto := newRecordingProtocol(true)
		tr, err := Spawn(context.Background(), []string{"/bin/sh", "-c", "echo oops 1>&2; exit 7"}, proto, false)
		Ω(err).ShouldNot(HaveOccurred())
		Eventually(proto.made, time.Second).Should(Receive())
		Ω(tr.WriteEOF()).Should(Succeed())

		var lost error
		Eventually(proto.lost, time.Second).Should(Receive(&lost))
		se, ok := lost.(*SubprocessError)
		Ω(ok).Should(BeTrue())
		Ω(se.ReturnCode).Should(Equal(7))
		Ω(se.Stderr).Should(ContainSubstring("oops"))
	})

	It("classifies stderr through ClassifyError when isSSH and returncode is 255", func() {
		proto := newRecordingProtocol(true)
		script := "echo 'bob@example.com: Permission denied (publickey,password).' 1>&2; exit 255"
		tr, err := Spawn(context.Background(), []string{"/bin/sh", "-c", script}, proto, true)
		Ω(err).ShouldNot(HaveOccurred())
		Eventually(proto.made, time.Second).Should(Receive())
		Ω(tr.WriteEOF()).Should(Succeed())

		var lost error
		Eventually(proto.lost, time.Second).Should(Receive(&lost))
		ae, ok := lost.(*AuthenticationError)
		Ω(ok).Should(BeTrue())
		Ω(ae.Destination).Should(Equal("bob@example.com"))
	})

	It("reports the exec error through connection_lost when the binary doesn't exist", func() {
		proto := newRecordingProtocol(false)
		_, err := Spawn(context.Background(), []string{"/no/such/binary-xyz"}, proto, false)
		Ω(err).ShouldNot(HaveOccurred())

		var lost error
		Eventually(proto.lost, time.Second).Should(Receive(&lost))
		Ω(lost).Should(HaveOccurred())
	})

	It("tears down the child when Close is called explicitly", func() {
		proto := newRecordingProtocol(false)
		tr, err := Spawn(context.Background(), []string{"/bin/sh", "-c", "sleep 30"}, proto, false)
		Ω(err).ShouldNot(HaveOccurred())
		Eventually(proto.made, time.Second).Should(Receive())

		tr.Close(nil)

		var lost error
		Eventually(proto.lost, time.Second).Should(Receive(&lost))
		Ω(lost).Should(BeNil())
	})
})
