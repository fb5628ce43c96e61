package ferny

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/jhunt/go-log"
)

// Agent is the parent-side endpoint of the side-channel (C2): it owns a
// socketpair whose peer is handed out as a child's stderr, parses the
// interleaving of raw stderr bytes and framed command records (with passed
// fds) arriving on it, dispatches commands to registered Handlers, and
// tracks the end-of-setup sentinel.
//
// The read-loop/dispatch shape mirrors the teacher's connection.go: a
// goroutine servicing a channel/socket until told to stop, with an
// idempotent completion path.
type Agent struct {
	conn   *net.UnixConn
	theirs *os.File
	reg    *registry

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	buffer      []byte // undispatched bytes, used for frame matching
	stderrTotal []byte // decoded stderr accumulated since the last local command reset it
	endSeen     bool
	inflight    int

	pendingSet   bool
	pendingIsErr bool
	pendingErr   error
	pendingText  string
	resolved     bool

	startOnce sync.Once
	done      chan struct{}
}

// NewAgent creates an Agent with the given handler set (last registration
// for a given command name wins).
func NewAgent(handlers ...Handler) (*Agent, error) {
	conn, theirs, err := newSocketpair()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Agent{
		conn:   conn,
		theirs: theirs,
		reg:    newRegistry(handlers),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// ChildStderr returns the file descriptor to hand to the child process as
// its stderr. The caller must not close it itself after spawning; Start()
// closes the parent's copy once the child has inherited it.
func (a *Agent) ChildStderr() *os.File {
	return a.theirs
}

// Start closes the parent's copy of the child-side socket endpoint (so EOF
// on ours is observed exactly when the last producer closes its copy) and
// begins servicing the channel. Must be called after the child has been
// spawned.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		a.theirs.Close()
		go a.readLoop()
	})
}

// Done returns a channel that is closed once the agent's completion result
// is resolved exactly once (§3 invariant 5 analog for the agent).
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// EndSeen reports whether the end-of-setup sentinel has been observed.
func (a *Agent) EndSeen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.endSeen
}

// Result returns the agent's terminal (stderr, error) pair. It must only be
// called after Done() has been closed.
func (a *Agent) Result() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingIsErr {
		return "", a.pendingErr
	}
	return a.pendingText, nil
}

// Communicate starts the agent (if not already started), awaits
// completion, and always runs ForceCompletion on the way out, matching
// §4.2's convenience wrapper. If the end-of-setup sentinel was never
// observed, the returned error is an *InteractionError carrying the
// stripped accumulated stderr.
func (a *Agent) Communicate(ctx context.Context) (string, error) {
	a.Start()

	select {
	case <-a.done:
	case <-ctx.Done():
	}

	a.ForceCompletion()
	<-a.done

	if a.pendingIsErrSafe() {
		return "", a.pendingErrSafe()
	}
	if !a.EndSeen() {
		return "", &InteractionError{Stderr: trimStderr(a.pendingTextSafe())}
	}
	return a.pendingTextSafe(), nil
}

func (a *Agent) pendingIsErrSafe() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingIsErr
}

func (a *Agent) pendingErrSafe() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingErr
}

func (a *Agent) pendingTextSafe() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingText
}

// ForceCompletion performs a bounded, nonblocking drain of any pending
// stderr bytes, cancels in-flight handler tasks, and forces a terminal
// result if one was not already set.
func (a *Agent) ForceCompletion() {
	a.mu.Lock()
	already := a.pendingSet
	a.mu.Unlock()

	if !already {
		_ = a.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		for i := 0; i < 16; i++ {
			data, fds, err := recvFdsMsg(a.conn, 4096)
			closeAll(fds)
			if err != nil || len(data) == 0 {
				break
			}
			a.mu.Lock()
			a.stderrTotal = append(a.stderrTotal, data...)
			a.mu.Unlock()
		}
		_ = a.conn.SetReadDeadline(time.Time{})

		a.mu.Lock()
		text := string(a.stderrTotal) + string(a.buffer)
		a.mu.Unlock()
		a.setPendingText(text)
	}

	a.cancel()
	a.maybeResolve()
}

func (a *Agent) setPendingText(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pendingSet {
		a.pendingSet = true
		a.pendingText = s
	}
}

func (a *Agent) setPendingErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pendingSet {
		a.pendingSet = true
		a.pendingIsErr = true
		a.pendingErr = err
	}
}

// recordHandlerResult upgrades the pending result to an error, allowing a
// handler failure to defeat a previously recorded clean/string result, but
// never overwriting a previously recorded error (first error wins).
func (a *Agent) recordHandlerResult(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pendingSet || !a.pendingIsErr {
		a.pendingSet = true
		a.pendingIsErr = true
		a.pendingErr = err
	}
}

func (a *Agent) maybeResolve() {
	a.mu.Lock()
	if a.resolved || !a.pendingSet || a.inflight != 0 {
		a.mu.Unlock()
		return
	}
	a.resolved = true
	a.mu.Unlock()

	log.Debugf("ferny agent: resolving completion")
	a.conn.Close()
	close(a.done)
}

func (a *Agent) readLoop() {
	for {
		data, fds, err := recvFdsMsg(a.conn, 4096)
		if err != nil {
			// A read deadline is only ever set by ForceCompletion's drain,
			// which records the terminal result itself.
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return
			}
			a.mu.Lock()
			already := a.pendingSet
			a.mu.Unlock()
			if already {
				return
			}
			log.Debugf("ferny agent: read error: %s", err)
			a.setPendingErr(err)
			a.maybeResolve()
			return
		}

		if len(data) == 0 && len(fds) == 0 {
			a.mu.Lock()
			text := string(a.stderrTotal) + string(a.buffer)
			a.mu.Unlock()
			log.Debugf("ferny agent: EOF")
			a.setPendingText(text)
			a.maybeResolve()
			return
		}

		a.handleRead(data, fds)
	}
}

func (a *Agent) handleRead(data []byte, fds []int) {
	a.mu.Lock()
	a.buffer = append(a.buffer, data...)
	records, rest := splitFrames(a.buffer)
	a.buffer = rest
	a.mu.Unlock()

	for _, rec := range records {
		a.mu.Lock()
		a.stderrTotal = append(a.stderrTotal, rec[0]...)
		snapshot := string(a.stderrTotal)
		a.mu.Unlock()
		a.dispatch(snapshot, rec[1], nil)
	}

	if len(fds) == 0 {
		return
	}

	a.mu.Lock()
	stderrCtx, literal, ok := splitLocalCommand(a.buffer)
	if !ok {
		buf := a.buffer
		a.mu.Unlock()
		log.Errorf("ferny agent: received fds but no command literal found in buffer: %q", buf)
		closeAll(fds)
		return
	}
	a.buffer = nil
	a.stderrTotal = append(a.stderrTotal, stderrCtx...)
	snapshot := string(a.stderrTotal)
	a.stderrTotal = nil
	a.mu.Unlock()

	a.dispatch(snapshot, literal, fds)
}

func (a *Agent) dispatch(stderr string, payload []byte, fds []int) {
	cmd, err := parsePayload(payload)
	if err != nil {
		log.Errorf("ferny agent: invalid command: %s", err)
		closeAll(fds)
		return
	}

	if cmd.IsEnd() {
		a.mu.Lock()
		already := a.endSeen
		a.endSeen = true
		bufEmpty := len(a.buffer) == 0
		a.mu.Unlock()
		closeAll(fds)
		if already {
			log.Debugf("ferny agent: duplicate ferny.end ignored")
			return
		}
		log.Debugf("ferny agent: ferny.end received")
		if bufEmpty {
			a.setPendingText("")
			a.maybeResolve()
		}
		return
	}

	h, ok := a.reg.lookup(cmd.Name)
	if !ok {
		log.Errorf("ferny agent: unrecognized command %q", cmd.Name)
		closeAll(fds)
		return
	}

	a.mu.Lock()
	a.inflight++
	a.mu.Unlock()

	go a.runHandler(h, cmd, fds, stderr)
}

func (a *Agent) runHandler(h Handler, cmd Command, fds []int, stderr string) {
	defer func() {
		if r := recover(); r != nil {
			closeAll(fds)
			a.recordHandlerResult(fmt.Errorf("ferny handler panic: %v", r))
		}
		a.mu.Lock()
		a.inflight--
		a.mu.Unlock()
		a.maybeResolve()
	}()

	err := h.Run(a.ctx, cmd.Name, cmd.Args, fds, stderr)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("ferny agent: handler for %q failed: %s", cmd.Name, err)
		a.recordHandlerResult(err)
	}
}

func trimStderr(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
