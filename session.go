package ferny

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/jhunt/go-log"
)

// SubprocessContext lets an embedder wrap how further subprocesses are
// launched once a Session is connected — e.g. to re-exec under `sudo` or
// `flatpak-spawn --host` — mirroring the original's SubprocessContext mixin.
type SubprocessContext interface {
	WrapSubprocessArgs(args []string) []string
	WrapSubprocessEnv(env []string) []string
}

type passthroughContext struct{}

func (passthroughContext) WrapSubprocessArgs(args []string) []string { return args }
func (passthroughContext) WrapSubprocessEnv(env []string) []string   { return env }

// ConnectOptions configures a Session.Connect call (§6 "Collaborator
// interface to ssh(1)").
type ConnectOptions struct {
	Destination   string
	HandleHostKey bool
	ConfigFile    string
	IdentityFile  string
	LoginName     string
	Options       map[string]string
	PKCS11        string
	Port          int

	// Responder, if set, is the one Handler registered on the Agent. There
	// is no built-in ferny.askpass handling: prompts are answered only by a
	// Responder that claims ferny.askpass (e.g. an AskpassHandler wrapping
	// an SshAskpassResponder); otherwise they are dropped unanswered.
	Responder Handler
}

// Session drives a single `ssh -M -N -S <socket>` control-master process,
// mediating every askpass/host-key interaction through the ferny side
// channel, and offers WrapSubprocessArgs so further commands can multiplex
// through the resulting control socket (§1 C6, §6).
//
// The ssh(1) process runs in its own session and is not tied to the
// caller's lifetime: it keeps running until Exit or Disconnect is called or
// it exits on its own.
type Session struct {
	// AskpassPath is the path to the compiled ferny-askpass binary; if
	// empty, it is looked up on PATH.
	AskpassPath string

	// SSHPath is the ssh(1) binary to run; defaults to "ssh" (resolved via
	// PATH).
	SSHPath string

	passthroughContext

	mu          sync.Mutex
	controlDir  string
	controlSock string
	cmd         *exec.Cmd
	agent       *Agent
}

func (s *Session) askpassPath() (string, error) {
	if s.AskpassPath != "" {
		return s.AskpassPath, nil
	}
	return exec.LookPath("ferny-askpass")
}

func (s *Session) sshPath() string {
	if s.SSHPath != "" {
		return s.SSHPath
	}
	return "ssh"
}

var featureCacheMu sync.Mutex
var featureCache = map[string]bool{}

// hasFeature probes whether the local ssh(1) understands the given -o
// config keyword, memoizing per keyword for the life of the process — the
// Go analog of session.py's @functools.lru_cache()'d has_feature().
func hasFeature(sshPath, feature string) bool {
	featureCacheMu.Lock()
	if v, ok := featureCache[feature]; ok {
		featureCacheMu.Unlock()
		return v
	}
	featureCacheMu.Unlock()

	cmd := exec.Command(sshPath, fmt.Sprintf("-o%s x", feature), "-G", "nonexisting")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	ok := cmd.Run() == nil

	featureCacheMu.Lock()
	featureCache[feature] = ok
	featureCacheMu.Unlock()
	return ok
}

// controlMasterEnv returns base plus the SSH_ASKPASS variables that force
// ssh(1) through askpass rather than the controlling terminal or ssh-agent.
func controlMasterEnv(askpass string, base []string) []string {
	return append(append([]string{}, base...),
		"SSH_ASKPASS="+askpass,
		"SSH_ASKPASS_REQUIRE=force",
		// Old ssh doesn't understand SSH_ASKPASS_REQUIRE and guesses based
		// on DISPLAY instead.
		"DISPLAY=-",
	)
}

// controlMasterArgs builds the argv (minus the ssh(1) path and destination)
// for a `-M -N` control-master invocation, per opts and whether the local
// ssh(1) supports KnownHostsCommand.
func controlMasterArgs(askpass, controlSock string, opts ConnectOptions, knownHostsCommand bool) []string {
	args := []string{
		"-M", "-N", "-S", controlSock,
		"-o", "PermitLocalCommand=yes",
		"-o", "LocalCommand=" + askpass,
	}
	if opts.ConfigFile != "" {
		args = append(args, "-F"+opts.ConfigFile)
	}
	if opts.IdentityFile != "" {
		args = append(args, "-i"+opts.IdentityFile)
	}
	for key, val := range opts.Options {
		args = append(args, fmt.Sprintf("-o%s %s", key, val))
	}
	if opts.PKCS11 != "" {
		args = append(args, "-I"+opts.PKCS11)
	}
	if opts.Port != 0 {
		args = append(args, "-p"+strconv.Itoa(opts.Port))
	}
	if opts.LoginName != "" {
		args = append(args, "-l"+opts.LoginName)
	}
	if knownHostsCommand {
		args = append(args,
			"-o", fmt.Sprintf("KnownHostsCommand=%s %%I %%H %%t %%K %%f", askpass),
			"-o", "StrictHostKeyChecking=yes",
		)
	}
	return args
}

// Connect launches the control-master ssh(1) process, mediates its setup
// interactions through a fresh Agent, and waits for either the end sentinel
// (success) or a terminal interaction failure (§6, §7, original_source's
// session.py connect()).
func (s *Session) Connect(ctx context.Context, opts ConnectOptions) error {
	askpass, err := s.askpassPath()
	if err != nil {
		return fmt.Errorf("ferny: locate ferny-askpass: %w", err)
	}

	rundir := os.Getenv("XDG_RUNTIME_DIR")
	if rundir == "" {
		rundir = "/run"
	}
	base := filepath.Join(rundir, "ferny")
	if err := os.MkdirAll(base, 0o700); err != nil {
		return fmt.Errorf("ferny: create rundir: %w", err)
	}
	controlDir, err := os.MkdirTemp(base, "session-")
	if err != nil {
		return fmt.Errorf("ferny: create control dir: %w", err)
	}
	controlSock := filepath.Join(controlDir, "socket")

	env := controlMasterEnv(askpass, os.Environ())

	// KnownHostsCommand lets ferny turn host-key questions into structured
	// events instead of an askpass free-text prompt. Only wired when the
	// locally installed ssh(1) actually understands the keyword: on older
	// ssh, a changed host key surfaces only as a terminal ChangedHostKeyError,
	// never as an answerable prompt (§9 "Open question" — preserved
	// verbatim, not narrowed further here).
	knownHostsCommand := opts.HandleHostKey && hasFeature(s.sshPath(), "KnownHostsCommand")
	args := controlMasterArgs(askpass, controlSock, opts, knownHostsCommand)

	var handlers []Handler
	if opts.Responder != nil {
		handlers = append(handlers, opts.Responder)
	}
	agent, err := NewAgent(handlers...)
	if err != nil {
		os.RemoveAll(controlDir)
		return fmt.Errorf("ferny: create agent: %w", err)
	}

	fullArgs := append(append([]string{}, args...), opts.Destination)
	cmd := exec.Command(s.sshPath(), fullArgs...)
	cmd.Env = env
	cmd.Stderr = agent.ChildStderr()
	// Stdin/Stdout left nil: os/exec connects them to the null device,
	// matching asyncio.subprocess.DEVNULL in the original.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		agent.Start()
		os.RemoveAll(controlDir)
		return fmt.Errorf("ferny: exec ssh: %w", err)
	}
	agent.Start()

	if _, err := agent.Communicate(ctx); err != nil {
		if ierr, ok := err.(*InteractionError); ok {
			cmd.Wait()
			os.RemoveAll(controlDir)
			return ClassifyError(ierr.Stderr)
		}
		// Handler raised, or the agent socket errored: ssh may still be
		// running and may even attempt further interactions. We already
		// have our exception and don't need any more information.
		if killErr := cmd.Process.Kill(); killErr != nil {
			log.Debugf("ferny session: kill during abort failed: %s", killErr)
		}
		cmd.Wait()
		os.RemoveAll(controlDir)
		return err
	}

	if _, statErr := os.Stat(controlSock); statErr != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.RemoveAll(controlDir)
		return fmt.Errorf("ferny: control socket missing after connect: %w", statErr)
	}

	s.mu.Lock()
	s.controlDir = controlDir
	s.controlSock = controlSock
	s.cmd = cmd
	s.agent = agent
	s.mu.Unlock()

	return nil
}

// IsConnected reports whether Connect has completed successfully.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Wait blocks until the control-master process exits.
func (s *Session) Wait() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return fmt.Errorf("ferny: session not connected")
	}
	return cmd.Wait()
}

// Exit requests termination of the control-master process.
func (s *Session) Exit() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("ferny: session not connected")
	}
	return cmd.Process.Signal(syscall.SIGTERM)
}

// Disconnect requests termination and waits for the control-master process
// to exit, then removes the control directory.
func (s *Session) Disconnect() error {
	if err := s.Exit(); err != nil {
		return err
	}
	err := s.Wait()
	s.mu.Lock()
	dir := s.controlDir
	s.mu.Unlock()
	if dir != "" {
		os.RemoveAll(dir)
	}
	return err
}

// WrapSubprocessArgs multiplexes args through this session's control socket
// (§1 C6, §6): further commands run as `ssh -S <sock> '' <quoted-args...>`.
// The empty hostname placeholder is deliberate: ssh ignores it while the
// control socket is healthy, but it prevents an accidental direct
// connection to a real host if the socket ever stops working.
func (s *Session) WrapSubprocessArgs(args []string) []string {
	s.mu.Lock()
	sock := s.controlSock
	s.mu.Unlock()

	wrapped := make([]string, 0, len(args)+4)
	wrapped = append(wrapped, "ssh", "-S", sock, "")
	for _, a := range args {
		wrapped = append(wrapped, shellQuote(a))
	}
	return wrapped
}

// shellQuote renders s as a single POSIX shell word. ssh pastes
// WrapSubprocessArgs's arguments together with spaces and runs the result
// through the user's shell, so every argument must be quoted defensively.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, "\t\n '\"\\$`!*?[]{}()<>|&;~#%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
