package ferny

import (
	"regexp"
	"strings"
)

// Prompt is the common shape of every askpasss-prompt variant (§3): the
// final line of the askpass argv[1] (Prompt itself), every preceding line
// (Messages), and whatever stderr the agent has accumulated since the last
// command (Stderr).
type Prompt struct {
	Prompt   string
	Messages string
	Stderr   string
}

// PasswordPrompt is ssh's "user@host's password: " prompt.
type PasswordPrompt struct {
	Prompt
	Username string
	Hostname string
}

// PassphrasePrompt is ssh's "Enter passphrase for key 'file'" prompt.
type PassphrasePrompt struct {
	Prompt
	Filename string
}

// FIDOPINPrompt is ssh's "Enter PIN for <algorithm> key <file>" prompt.
type FIDOPINPrompt struct {
	Prompt
	Algorithm string
	Filename  string
}

// FIDOUserPresencePrompt is ssh's "Confirm user presence for key..." prompt.
// No answer is legal: the handler must remain suspended until cancelled.
type FIDOUserPresencePrompt struct {
	Prompt
	Algorithm   string
	Fingerprint string
}

// PKCS11PINPrompt is ssh's "Enter PIN for '<id>'" prompt.
type PKCS11PINPrompt struct {
	Prompt
	PKCS11ID string
}

// HostKeyPrompt is ssh's "Are you sure you want to continue connecting"
// prompt. Only "yes"/"no" are legal answers.
type HostKeyPrompt struct {
	Prompt
	Algorithm   string
	Fingerprint string
}

// GenericPrompt is returned when no specific pattern matches; free text.
type GenericPrompt struct {
	Prompt
}

const (
	algorithmFrag  = `(?P<algorithm>\b[-\w]+\b)`
	filenameFrag   = `(?P<filename>.+)`
	fingerprintFrag = `(?P<fingerprint>SHA256:[0-9A-Za-z+/]{43})`
	hostnameFrag   = `(?P<hostname>[^ @']+)`
	pkcs11IDFrag   = `(?P<pkcs11_id>.+)`
	usernameFrag   = `(?P<username>[^ @']+)`
)

func expandHelpers(pattern string) string {
	r := strings.NewReplacer(
		"%{algorithm}", algorithmFrag,
		"%{filename}", filenameFrag,
		"%{fingerprint}", fingerprintFrag,
		"%{hostname}", hostnameFrag,
		"%{pkcs11_id}", pkcs11IDFrag,
		"%{username}", usernameFrag,
	)
	return r.Replace(pattern)
}

var (
	fidoPINRe      = regexp.MustCompile(expandHelpers(`Enter PIN for %{algorithm} key %{filename}: `))
	fidoPresenceRe = regexp.MustCompile(expandHelpers(`Confirm user presence for key %{algorithm} %{fingerprint}`))
	hostKeyRe      = regexp.MustCompile(`Are you sure you want to continue connecting \(yes/no(/\[fingerprint\])?\)\? `)
	pkcs11PINRe    = regexp.MustCompile(expandHelpers(`Enter PIN for '%{pkcs11_id}': `))
	passphraseRe   = regexp.MustCompile(expandHelpers(`Enter passphrase for key '%{filename}': `))
	passwordRe     = regexp.MustCompile(expandHelpers(`%{username}@%{hostname}'s password: `))

	hostKeyFingerprintLineRe = regexp.MustCompile(`(?m)` + fingerprintFrag + `[.]$`)
	hostKeyAlgorithmLineRe1  = regexp.MustCompile(`(?m)^` + algorithmFrag + ` key fingerprint is`)
	hostKeyAlgorithmLineRe2  = regexp.MustCompile(`(?m)^The fingerprint for the ` + algorithmFrag + ` key sent by the remote host is$`)
)

// ClassifyPrompt splits an askpass argv[1] string into its prompt (last
// line) and messages (everything before), and matches the prompt against
// the variant regex table in tie-break order: FIDO PIN, FIDO presence,
// HostKey, PKCS#11 PIN, Passphrase, Password, then generic (§4.4).
func ClassifyPrompt(argv1, stderr string) interface{} {
	prompt, messages := splitLastLine(argv1)

	if m := fullMatch(fidoPINRe, prompt); m != nil {
		return &FIDOPINPrompt{
			Prompt:    Prompt{Prompt: prompt, Messages: messages, Stderr: stderr},
			Algorithm: m["algorithm"],
			Filename:  m["filename"],
		}
	}

	if m := fullMatch(fidoPresenceRe, prompt); m != nil {
		return &FIDOUserPresencePrompt{
			Prompt:      Prompt{Prompt: prompt, Messages: messages, Stderr: stderr},
			Algorithm:   m["algorithm"],
			Fingerprint: m["fingerprint"],
		}
	}

	if fullMatch(hostKeyRe, prompt) != nil {
		hk := &HostKeyPrompt{Prompt: Prompt{Prompt: prompt, Messages: messages, Stderr: stderr}}
		if m := searchNamed(hostKeyFingerprintLineRe, messages); m != nil {
			hk.Fingerprint = m["fingerprint"]
		}
		if m := searchNamed(hostKeyAlgorithmLineRe1, messages); m != nil {
			hk.Algorithm = m["algorithm"]
		} else if m := searchNamed(hostKeyAlgorithmLineRe2, messages); m != nil {
			hk.Algorithm = m["algorithm"]
		}
		return hk
	}

	if m := fullMatch(pkcs11PINRe, prompt); m != nil {
		return &PKCS11PINPrompt{
			Prompt:   Prompt{Prompt: prompt, Messages: messages, Stderr: stderr},
			PKCS11ID: m["pkcs11_id"],
		}
	}

	if m := fullMatch(passphraseRe, prompt); m != nil {
		return &PassphrasePrompt{
			Prompt:   Prompt{Prompt: prompt, Messages: messages, Stderr: stderr},
			Filename: m["filename"],
		}
	}

	if m := fullMatch(passwordRe, prompt); m != nil {
		return &PasswordPrompt{
			Prompt:   Prompt{Prompt: prompt, Messages: messages, Stderr: stderr},
			Username: m["username"],
			Hostname: m["hostname"],
		}
	}

	return &GenericPrompt{Prompt: Prompt{Prompt: prompt, Messages: messages, Stderr: stderr}}
}

// splitLastLine separates the last line of s from everything before it. A
// trailing newline belongs to the last line, not to the remainder, so that
// rest+last always reconstructs s exactly: only a newline strictly before
// the final byte counts as a line break.
func splitLastLine(s string) (last, rest string) {
	if s == "" {
		return "", ""
	}
	idx := strings.LastIndexByte(s[:len(s)-1], '\n')
	return s[idx+1:], s[:idx+1]
}

func fullMatch(re *regexp.Regexp, s string) map[string]string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return nil
	}
	return namedGroups(re, s, loc)
}

func searchNamed(re *regexp.Regexp, s string) map[string]string {
	loc := re.FindStringSubmatchIndex(s)
	if loc == nil {
		return nil
	}
	return namedGroups(re, s, loc)
}

func namedGroups(re *regexp.Regexp, s string, loc []int) map[string]string {
	out := map[string]string{}
	for i, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		start, end := loc[2*i], loc[2*i+1]
		if start < 0 {
			continue
		}
		out[name] = s[start:end]
	}
	return out
}
