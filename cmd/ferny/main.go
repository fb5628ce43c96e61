package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	color "github.com/jhunt/go-ansi"
	"github.com/jhunt/go-cli"
	env "github.com/jhunt/go-envirotron"
	"github.com/jhunt/go-log"

	"github.com/jhunt/ferny"
)

var opts struct {
	LogLevel string `cli:"-L, --log-level" env:"FERNY_LOG_LEVEL"`
	Help     bool   `cli:"-h, --help"`

	Connect struct {
		Config   string `cli:"-F, --config"`
		Identity string `cli:"-i, --identity"`
		Login    string `cli:"-l, --login"`
		Port     int    `cli:"-p, --port"`
		HostKeys bool   `cli:"--host-keys, --no-host-keys"`
	} `cli:"connect"`

	ClassifyPrompt struct{} `cli:"classify-prompt"`
	ClassifyError  struct{} `cli:"classify-error"`
}

func main() {
	opts.LogLevel = "info"

	env.Override(&opts)
	log.SetupLogging(log.LogConfig{
		Type:  "console",
		Level: opts.LogLevel,
	})

	command, args, err := cli.Parse(&opts)
	if err != nil {
		color.Fprintf(os.Stderr, "!!! %s\n", err)
		os.Exit(1)
	}

	if opts.Help || (command == "" && len(args) == 0) {
		usage()
		os.Exit(0)
	}

	switch command {
	case "connect":
		os.Exit(doConnect(args))
	case "classify-prompt":
		os.Exit(doClassifyPrompt())
	case "classify-error":
		os.Exit(doClassifyError())
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	color.Printf("@*{ferny} - drive an unmodified ssh(1) as a mediated control-master\n")
	color.Printf("\n")
	color.Printf("@W{COMMANDS}\n")
	color.Printf("\n")
	color.Printf("  @G{connect} @C{DESTINATION}   Open a control-master session, answering prompts\n")
	color.Printf("                       on the terminal, then idle until interrupted.\n")
	color.Printf("\n")
	color.Printf("    -F, --config PATH  ssh_config(5) file to pass via -F.\n")
	color.Printf("    -i, --identity PATH  Identity file to pass via -i.\n")
	color.Printf("    -l, --login NAME   Remote login name.\n")
	color.Printf("    -p, --port N       Remote port.\n")
	color.Printf("    --host-keys        Mediate host-key prompts via KnownHostsCommand.\n")
	color.Printf("\n")
	color.Printf("  @G{classify-prompt}          Read an askpass argv[1] from stdin, print its\n")
	color.Printf("                       classified prompt variant and captures.\n")
	color.Printf("\n")
	color.Printf("  @G{classify-error}           Read captured ssh(1) stderr from stdin, print\n")
	color.Printf("                       its classified error variant.\n")
	color.Printf("\n")
}

// terminalResponder answers every prompt variant by asking on the
// controlling terminal, for ad hoc interactive use of the connect command.
type terminalResponder struct {
	ferny.BaseResponder
}

func ask(prompt string) (string, bool) {
	color.Fprintf(os.Stderr, "@Y{%s}", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (terminalResponder) DoPasswordPrompt(ctx context.Context, p *ferny.PasswordPrompt) (string, bool) {
	return ask(fmt.Sprintf("%s@%s's password: ", p.Username, p.Hostname))
}

func (terminalResponder) DoPassphrasePrompt(ctx context.Context, p *ferny.PassphrasePrompt) (string, bool) {
	return ask(fmt.Sprintf("Enter passphrase for key '%s': ", p.Filename))
}

func (terminalResponder) DoPKCS11PINPrompt(ctx context.Context, p *ferny.PKCS11PINPrompt) (string, bool) {
	return ask(fmt.Sprintf("Enter PIN for '%s': ", p.PKCS11ID))
}

func (terminalResponder) DoFIDOPINPrompt(ctx context.Context, p *ferny.FIDOPINPrompt) (string, bool) {
	return ask(fmt.Sprintf("Enter PIN for %s key %s: ", p.Algorithm, p.Filename))
}

func (terminalResponder) DoFIDOUserPresencePrompt(ctx context.Context, p *ferny.FIDOUserPresencePrompt) (string, bool) {
	color.Fprintf(os.Stderr, "@Y{confirm user presence for %s key %s...}\n", p.Algorithm, p.Fingerprint)
	<-ctx.Done()
	return "", false
}

func (terminalResponder) DoHostKeyPrompt(ctx context.Context, p *ferny.HostKeyPrompt) (string, bool) {
	color.Fprintf(os.Stderr, "@R{%s}\n", p.Prompt.Prompt)
	return ask("accept this host key? [yes/no] ")
}

func terminalHostKey(ctx context.Context, reason, host, algorithm, key, fingerprint string) bool {
	color.Fprintf(os.Stderr, "@Y{host key probe}: %s %s %s (%s) [%s]\n", reason, host, algorithm, key, fingerprint)
	answer, ok := ask(fmt.Sprintf("trust %s host key for %s? [yes/no] ", algorithm, host))
	return ok && strings.EqualFold(strings.TrimSpace(answer), "yes")
}

func doConnect(args []string) int {
	if len(args) != 1 {
		color.Fprintf(os.Stderr, "USAGE: ferny connect [options] @Y{DESTINATION}\n")
		return 1
	}

	responder := ferny.NewAskpassHandler(&ferny.SshAskpassResponder{
		Prompts: terminalResponder{},
		HostKey: terminalHostKey,
	})

	var session ferny.Session
	err := session.Connect(context.Background(), ferny.ConnectOptions{
		Destination:   args[0],
		HandleHostKey: opts.Connect.HostKeys,
		ConfigFile:    opts.Connect.Config,
		IdentityFile:  opts.Connect.Identity,
		LoginName:     opts.Connect.Login,
		Port:          opts.Connect.Port,
		Responder:     responder,
	})
	if err != nil {
		color.Fprintf(os.Stderr, "@R{%s}\n", err)
		return 2
	}

	color.Fprintf(os.Stderr, "@G{connected.} control-master running; press ^C to disconnect.\n")
	waitErr := session.Wait()
	if waitErr != nil {
		color.Fprintf(os.Stderr, "@R{%s}\n", waitErr)
		return 3
	}
	return 0
}

func doClassifyPrompt() int {
	b, err := readAllStdin()
	if err != nil {
		color.Fprintf(os.Stderr, "@R{%s}\n", err)
		return 1
	}

	switch p := ferny.ClassifyPrompt(string(b), "").(type) {
	case *ferny.PasswordPrompt:
		color.Printf("@G{password}\n  username: %s\n  hostname: %s\n", p.Username, p.Hostname)
	case *ferny.PassphrasePrompt:
		color.Printf("@G{passphrase}\n  filename: %s\n", p.Filename)
	case *ferny.FIDOPINPrompt:
		color.Printf("@G{fido-pin}\n  algorithm: %s\n  filename: %s\n", p.Algorithm, p.Filename)
	case *ferny.FIDOUserPresencePrompt:
		color.Printf("@G{fido-presence}\n  algorithm: %s\n  fingerprint: %s\n", p.Algorithm, p.Fingerprint)
	case *ferny.PKCS11PINPrompt:
		color.Printf("@G{pkcs11-pin}\n  id: %s\n", p.PKCS11ID)
	case *ferny.HostKeyPrompt:
		color.Printf("@G{host-key}\n  algorithm: %s\n  fingerprint: %s\n", p.Algorithm, p.Fingerprint)
	case *ferny.GenericPrompt:
		color.Printf("@Y{generic}\n  prompt: %s\n", p.Prompt.Prompt)
	}
	return 0
}

func doClassifyError() int {
	b, err := readAllStdin()
	if err != nil {
		color.Fprintf(os.Stderr, "@R{%s}\n", err)
		return 1
	}

	switch e := ferny.ClassifyError(string(b)).(type) {
	case *ferny.AuthenticationError:
		color.Printf("@R{authentication}\n  destination: %s\n  methods: %s\n", e.Destination, strings.Join(e.Methods, ","))
	case *ferny.UnknownHostKeyError:
		color.Printf("@R{unknown-host-key}\n")
	case *ferny.ChangedHostKeyError:
		color.Printf("@R{changed-host-key}\n")
	case *ferny.HostKeyError:
		color.Printf("@R{host-key}\n")
	case *ferny.InvalidHostnameError:
		color.Printf("@R{invalid-hostname}\n")
	case *ferny.DNSError:
		color.Printf("@R{dns}\n  code: %s\n", strconv.Itoa(e.Code))
	case *ferny.OSError:
		color.Printf("@R{os}\n  errno: %s\n", e.Errno.Error())
	case *ferny.SshError:
		color.Printf("@Y{generic}\n  message: %s\n", e.Message)
	}
	return 0
}

func readAllStdin() ([]byte, error) {
	var b []byte
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		b = append(b, buf[:n]...)
		if err != nil {
			if n == 0 {
				break
			}
			break
		}
	}
	return b, nil
}
