package ferny

import "context"

// PromptResponder answers each typed prompt variant C4 can classify an
// AskPass invocation into. Embed BaseResponder to inherit a "never answer"
// default for any variant a caller doesn't care about (§4.3: "default
// behaviour is do_prompt, returning None").
type PromptResponder interface {
	DoPrompt(ctx context.Context, p *GenericPrompt) (string, bool)
	DoPasswordPrompt(ctx context.Context, p *PasswordPrompt) (string, bool)
	DoPassphrasePrompt(ctx context.Context, p *PassphrasePrompt) (string, bool)
	DoFIDOPINPrompt(ctx context.Context, p *FIDOPINPrompt) (string, bool)
	DoFIDOUserPresencePrompt(ctx context.Context, p *FIDOUserPresencePrompt) (string, bool)
	DoPKCS11PINPrompt(ctx context.Context, p *PKCS11PINPrompt) (string, bool)
	DoHostKeyPrompt(ctx context.Context, p *HostKeyPrompt) (string, bool)
}

// BaseResponder implements PromptResponder with every variant falling back
// to BaseResponder's own DoPrompt, which answers nothing. Embed it and
// override only the methods a caller needs; an embedding type's own
// DoPrompt is not called by the variants it does not override.
type BaseResponder struct{}

func (BaseResponder) DoPrompt(ctx context.Context, p *GenericPrompt) (string, bool) {
	return "", false
}

func (b BaseResponder) DoPasswordPrompt(ctx context.Context, p *PasswordPrompt) (string, bool) {
	return b.DoPrompt(ctx, &GenericPrompt{Prompt: p.Prompt})
}

func (b BaseResponder) DoPassphrasePrompt(ctx context.Context, p *PassphrasePrompt) (string, bool) {
	return b.DoPrompt(ctx, &GenericPrompt{Prompt: p.Prompt})
}

func (b BaseResponder) DoFIDOPINPrompt(ctx context.Context, p *FIDOPINPrompt) (string, bool) {
	return b.DoPrompt(ctx, &GenericPrompt{Prompt: p.Prompt})
}

func (b BaseResponder) DoFIDOUserPresencePrompt(ctx context.Context, p *FIDOUserPresencePrompt) (string, bool) {
	return b.DoPrompt(ctx, &GenericPrompt{Prompt: p.Prompt})
}

func (b BaseResponder) DoPKCS11PINPrompt(ctx context.Context, p *PKCS11PINPrompt) (string, bool) {
	return b.DoPrompt(ctx, &GenericPrompt{Prompt: p.Prompt})
}

func (b BaseResponder) DoHostKeyPrompt(ctx context.Context, p *HostKeyPrompt) (string, bool) {
	return b.DoPrompt(ctx, &GenericPrompt{Prompt: p.Prompt})
}

// SshAskpassResponder is the AskpassResponder that classifies every AskPass
// prompt via C4 and dispatches to one of the seven typed PromptResponder
// methods, per §4.3's SshAskpassResponder/do_askpass description.
type SshAskpassResponder struct {
	Prompts PromptResponder

	// HostKey answers KnownHostsCommand probes; nil means every probe is
	// rejected (the client's stdout stays unwritten).
	HostKey func(ctx context.Context, reason, host, algorithm, key, fingerprint string) bool
}

func (r *SshAskpassResponder) DoAskpass(ctx context.Context, stderr, prompt, promptHint string) (string, bool) {
	switch p := ClassifyPrompt(prompt, stderr).(type) {
	case *PasswordPrompt:
		return r.Prompts.DoPasswordPrompt(ctx, p)
	case *PassphrasePrompt:
		return r.Prompts.DoPassphrasePrompt(ctx, p)
	case *FIDOPINPrompt:
		return r.Prompts.DoFIDOPINPrompt(ctx, p)
	case *FIDOUserPresencePrompt:
		return r.Prompts.DoFIDOUserPresencePrompt(ctx, p)
	case *PKCS11PINPrompt:
		return r.Prompts.DoPKCS11PINPrompt(ctx, p)
	case *HostKeyPrompt:
		return r.Prompts.DoHostKeyPrompt(ctx, p)
	case *GenericPrompt:
		return r.Prompts.DoPrompt(ctx, p)
	default:
		return "", false
	}
}

func (r *SshAskpassResponder) DoHostKey(ctx context.Context, reason, host, algorithm, key, fingerprint string) bool {
	if r.HostKey == nil {
		return false
	}
	return r.HostKey(ctx, reason, host, algorithm, key, fingerprint)
}
