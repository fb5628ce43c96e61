package ferny

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/jhunt/go-log"
)

// Protocol is the user-supplied byte protocol driven by a Transport, mirroring
// the asyncio Protocol contract the source implements this against (§4.5).
type Protocol interface {
	// ConnectionMade is called once, synchronously from the goroutine that
	// observed a successful exec, before any DataReceived call.
	ConnectionMade(t *Transport)

	// DataReceived is called for each nonempty chunk read from the child's
	// stdout.
	DataReceived(data []byte)

	// EOFReceived is called once the child closes its stdout. Returning
	// false closes the transport; returning true keeps it half-open.
	EOFReceived() bool

	// ConnectionLost is called exactly once, regardless of how the
	// transport ends; err is nil for a clean close.
	ConnectionLost(err error)
}

// Transport is the duplex byte transport pairing a Protocol with a spawned
// child's stdin/stdout, plus the private Agent side-channel on its stderr
// (C5). Its shape — background goroutines reporting into one arbitration
// point — mirrors the teacher's connection.go read-loop-plus-completion
// pattern, generalized from a single framed connection to stdio-plus-agent.
type Transport struct {
	cmd      *exec.Cmd
	agent    *Agent
	protocol Protocol
	isSSH    bool

	stdinW  *os.File
	stdoutR *os.File

	writeMu sync.Mutex

	mu            sync.Mutex
	execDone      bool
	stdoutDone    bool
	processDone   bool
	agentDone     bool
	closed        bool
	exception     error
	returncode    int
	returncodeSet bool
	stderrOutput  string
	lostFired     bool
}

// Spawn launches argv as a child process wired to protocol, with handlers
// installed on the private Agent side-channel (§4.5's spawn contract). It
// returns synchronously once the agent's socketpair and the stdio pipes are
// built; exec itself happens in the background, and every failure from then
// on — including exec failing outright — is reported exactly once through
// protocol.ConnectionLost. A failure to create the socketpair or the pipes
// is returned by Spawn itself, and ConnectionLost is then never called.
func Spawn(ctx context.Context, argv []string, protocol Protocol, isSSH bool, handlers ...Handler) (*Transport, error) {
	agent, err := NewAgent(handlers...)
	if err != nil {
		return nil, fmt.Errorf("ferny: create agent: %w", err)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("ferny: create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("ferny: create stdout pipe: %w", err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = agent.ChildStderr()

	t := &Transport{
		cmd:      cmd,
		agent:    agent,
		protocol: protocol,
		isSSH:    isSSH,
		stdinW:   stdinW,
		stdoutR:  stdoutR,
	}

	go t.run(stdinR, stdoutW)

	return t, nil
}

func (t *Transport) run(stdinR, stdoutW *os.File) {
	startErr := t.cmd.Start()
	stdinR.Close()
	stdoutW.Close()

	// Releases our copy of the child-side stderr socket regardless of
	// whether exec succeeded; if it failed, nothing else holds it open and
	// the agent observes an immediate, empty EOF.
	t.agent.Start()

	if startErr != nil {
		log.Debugf("ferny transport: exec failed: %s", startErr)
		t.recordException(startErr)
		t.markExecDone()
		t.stdinW.Close()
		t.stdoutR.Close()
		t.mu.Lock()
		t.stdoutDone = true
		t.processDone = true
		t.mu.Unlock()
		<-t.agent.Done()
		t.markAgentResult()
		t.maybeFireConnectionLost()
		return
	}

	t.markExecDone()
	t.protocol.ConnectionMade(t)

	go t.stdoutLoop()
	go t.waitProcess()
	go t.waitAgent()
}

func (t *Transport) stdoutLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.stdoutR.Read(buf)
		if n > 0 {
			t.protocol.DataReceived(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if errors.Is(err, os.ErrClosed) || isEOF(err) {
				keepOpen := t.protocol.EOFReceived()
				if !keepOpen {
					t.Close(nil)
				}
			} else if !isBrokenPipe(err) {
				t.recordException(err)
				t.Close(err)
			}
			break
		}
	}
	t.mu.Lock()
	t.stdoutDone = true
	t.mu.Unlock()
	t.maybeFireConnectionLost()
}

func (t *Transport) waitProcess() {
	err := t.cmd.Wait()
	rc := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		rc = exitErr.ExitCode()
	} else if err != nil {
		log.Errorf("ferny transport: wait failed: %s", err)
	}

	t.mu.Lock()
	t.returncode = rc
	t.returncodeSet = true
	t.mu.Unlock()

	t.agent.ForceCompletion()

	t.mu.Lock()
	t.processDone = true
	t.mu.Unlock()
	t.maybeFireConnectionLost()
}

func (t *Transport) waitAgent() {
	<-t.agent.Done()
	t.markAgentResult()
	t.maybeFireConnectionLost()
}

func (t *Transport) markAgentResult() {
	stderrText, aerr := t.agent.Result()
	t.mu.Lock()
	t.stderrOutput = stderrText
	t.agentDone = true
	t.mu.Unlock()
	if aerr != nil {
		t.recordException(aerr)
	}
}

func (t *Transport) markExecDone() {
	t.mu.Lock()
	t.execDone = true
	t.mu.Unlock()
}

func (t *Transport) recordException(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exception == nil {
		t.exception = netErrorToExc(err)
	}
}

// Write sends data to the child's stdin.
func (t *Transport) Write(data []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.stdinW.Write(data)
}

// WriteEOF half-closes the child's stdin.
func (t *Transport) WriteEOF() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.stdinW.Close()
}

// Close idempotently tears the transport down: it records exc as the
// terminal exception if none is set yet, kills the child rather than
// draining pending writes (§9 "pipe-after-close semantics" — an intentional
// deviation from flush-on-close), and forces the agent to a terminal
// result.
func (t *Transport) Close(exc error) {
	t.mu.Lock()
	alreadyClosed := t.closed
	t.closed = true
	if exc != nil && t.exception == nil {
		t.exception = exc
	}
	t.mu.Unlock()

	if alreadyClosed {
		return
	}

	if t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, syscall.EPERM) && !errors.Is(err, os.ErrProcessDone) {
			log.Errorf("ferny transport: kill failed: %s", err)
		}
	}
	t.stdinW.Close()
	t.stdoutR.Close()
	t.agent.ForceCompletion()
}

func (t *Transport) maybeFireConnectionLost() {
	t.mu.Lock()
	if t.lostFired || !t.execDone || !t.stdoutDone || !t.processDone || !t.agentDone {
		t.mu.Unlock()
		return
	}
	t.lostFired = true

	var err error
	switch {
	case t.exception != nil:
		err = t.exception
	case t.closed || (t.returncodeSet && t.returncode == 0):
		err = nil
	case t.isSSH && t.returncodeSet && t.returncode == 255:
		err = ClassifyError(t.stderrOutput)
	default:
		err = &SubprocessError{ReturnCode: t.returncode, Stderr: t.stderrOutput}
	}
	t.mu.Unlock()

	log.Debugf("ferny transport: connection_lost(%v)", err)
	t.protocol.ConnectionLost(err)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE)
}
