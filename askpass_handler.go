package ferny

import (
	"context"
	"fmt"
	"os"

	"github.com/jhunt/go-log"
	"golang.org/x/sys/unix"
)

// AskpassResponder supplies the behaviour behind AskpassHandler: answering a
// normal AskPass prompt, and accepting or rejecting a KnownHostsCommand
// probe (§4.3).
type AskpassResponder interface {
	// DoAskpass answers a normal AskPass invocation. prompt is argv[1];
	// promptHint is the SSH_ASKPASS_PROMPT environment value ("" if unset).
	// A false second return means "no answer" (the askpass client will see
	// its status socket closed unwritten and exit 1).
	DoAskpass(ctx context.Context, stderr, prompt, promptHint string) (answer string, ok bool)

	// DoHostKey answers a KnownHostsCommand probe for "ADDRESS"/"HOSTNAME"
	// reasons; a true return causes "host algorithm key" to be written to
	// the client's stdout.
	DoHostKey(ctx context.Context, reason, host, algorithm, key, fingerprint string) bool
}

// AskpassHandler is the standard handler for the ferny.askpass command
// (§4.3): it validates the args/fds shape ssh uses for AskPass vs.
// KnownHostsCommand, then races the responder against the status fd's
// readability so a killed askpass client cancels an in-flight prompt.
type AskpassHandler struct {
	Responder AskpassResponder
}

// NewAskpassHandler builds an AskpassHandler delegating prompt/hostkey
// decisions to responder.
func NewAskpassHandler(responder AskpassResponder) *AskpassHandler {
	return &AskpassHandler{Responder: responder}
}

func (h *AskpassHandler) Commands() []string { return []string{"ferny.askpass"} }

func (h *AskpassHandler) Run(ctx context.Context, cmd string, args LTuple, fds []int, stderr string) error {
	argv, env, ok := parseAskpassArgs(args)
	if !ok {
		log.Errorf("ferny askpass: malformed args %v", args)
		closeAll(fds)
		return nil
	}
	if len(fds) != 2 {
		log.Errorf("ferny askpass: expected exactly 2 fds, got %d", len(fds))
		closeAll(fds)
		return nil
	}
	if len(argv) != 2 && len(argv) != 6 {
		log.Errorf("ferny askpass: argv must have length 2 or 6, got %d", len(argv))
		closeAll(fds)
		return nil
	}
	if h.Responder == nil {
		log.Errorf("ferny askpass: no responder configured")
		closeAll(fds)
		return nil
	}

	// Non-blocking, so that closing statusFile also interrupts the watcher
	// goroutine's pending Read and really releases the fd.
	unix.SetNonblock(fds[0], true)
	statusFile := os.NewFile(uintptr(fds[0]), "ferny-askpass-status")
	stdoutFile := os.NewFile(uintptr(fds[1]), "ferny-askpass-stdout")
	defer statusFile.Close()
	defer stdoutFile.Close()

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	died := make(chan struct{})
	go func() {
		var b [1]byte
		statusFile.Read(b[:]) // blocks; returns on EOF, data, or error
		close(died)
	}()

	type outcome struct {
		write func()
	}
	done := make(chan outcome, 1)

	go func() {
		if len(argv) == 2 {
			answer, ok := h.Responder.DoAskpass(raceCtx, stderr, argv[1], env["SSH_ASKPASS_PROMPT"])
			done <- outcome{write: func() {
				if ok {
					fmt.Fprintf(stdoutFile, "%s\n", answer)
					fmt.Fprintf(statusFile, "0\n")
				}
			}}
			return
		}

		reason, host, algorithm, key, fingerprint := argv[1], argv[2], argv[3], argv[4], argv[5]
		var accept bool
		if reason == "ADDRESS" || reason == "HOSTNAME" {
			accept = h.Responder.DoHostKey(raceCtx, reason, host, algorithm, key, fingerprint)
		}
		done <- outcome{write: func() {
			if accept {
				fmt.Fprintf(stdoutFile, "%s %s %s\n", host, algorithm, key)
			}
			fmt.Fprintf(statusFile, "0\n")
		}}
	}()

	select {
	case o := <-done:
		o.write()
	case <-died:
		log.Debugf("ferny askpass: client disappeared, cancelling in-flight prompt")
		cancel()
		<-done // await the collected result; its write is moot, fds are going away
	}

	return nil
}

// parseAskpassArgs validates and unpacks the ([argv...], {env...}) shape
// §4.3 requires of a ferny.askpass command's args tuple.
func parseAskpassArgs(args LTuple) (argv []string, env map[string]string, ok bool) {
	if len(args) != 2 {
		return nil, nil, false
	}
	list, isList := args[0].(LList)
	if !isList {
		return nil, nil, false
	}
	for _, v := range list {
		s, isStr := v.(LString)
		if !isStr {
			return nil, nil, false
		}
		argv = append(argv, string(s))
	}
	m, isMap := args[1].(LMap)
	if !isMap {
		return nil, nil, false
	}
	return argv, map[string]string(m), true
}
