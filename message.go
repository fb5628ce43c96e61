package ferny

import (
	"bytes"
	"fmt"
	"regexp"
)

// Command is a parsed command record: a name plus an ordered argument
// tuple, as carried by either a remote (in-band) or local (out-of-band, fd
// bearing) record (§3).
type Command struct {
	Name string
	Args LTuple
}

// EndCommand is the sentinel record that marks end-of-setup (§3).
var EndCommand = Command{Name: "ferny.end", Args: LTuple{}}

// IsEnd reports whether c is the end-of-setup sentinel.
func (c Command) IsEnd() bool {
	return c.Name == "ferny.end" && len(c.Args) == 0
}

// frameRe matches a single remote command record embedded in a byte stream:
// NUL "ferny" NUL <payload> NUL NUL LF. The payload itself never contains a
// newline, since the grammar's string literals escape them.
var frameRe = regexp.MustCompile("\x00ferny\x00([^\n]*)\x00\x00\n")

// magic is the literal byte sequence that opens every command record,
// remote or local; it is chosen to not occur in ordinary ssh stderr output.
const magic = "\x00ferny\x00"

// EncodeFrame renders cmd as the bytes of a remote (in-band) command
// record, per §6.
func EncodeFrame(cmd Command) []byte {
	payload := EncodeLiteral(LTuple{LString(cmd.Name), cmd.Args})
	return []byte(magic + payload + "\x00\x00\n")
}

// splitFrames extracts every complete remote command record from buf, in
// order, along with the stderr bytes that preceded each one. It returns the
// extracted (stderr, payload) pairs and the unconsumed remainder of buf.
func splitFrames(buf []byte) (records [][2][]byte, rest []byte) {
	rest = buf
	for {
		loc := frameRe.FindSubmatchIndex(rest)
		if loc == nil {
			return records, rest
		}
		stderr := append([]byte(nil), rest[:loc[0]]...)
		payload := append([]byte(nil), rest[loc[2]:loc[3]]...)
		records = append(records, [2][]byte{stderr, payload})
		rest = rest[loc[1]:]
	}
}

// splitLocalCommand locates a local (out-of-band, fd-bearing) command
// within buf: the askpass client writes exactly `magic + <literal>`, with no
// closing frame suffix, since it never waits for more reads. Anything
// before the magic prefix is genuine preceding stderr text; everything
// after it is the literal to parse.
func splitLocalCommand(buf []byte) (stderrCtx, literal []byte, ok bool) {
	idx := bytes.Index(buf, []byte(magic))
	if idx < 0 {
		return nil, nil, false
	}
	return buf[:idx], buf[idx+len(magic):], true
}

// parsePayload parses the textual (name, args) tuple literal carried by a
// command record. Malformed payloads are reported but are never fatal to
// the channel (§3, §7): callers should log and drop on error.
func parsePayload(payload []byte) (Command, error) {
	lit, err := ParseLiteral(string(payload))
	if err != nil {
		return Command{}, fmt.Errorf("invalid ferny command literal: %w", err)
	}
	tuple, ok := lit.(LTuple)
	if !ok || len(tuple) != 2 {
		return Command{}, fmt.Errorf("ferny command literal must be a 2-tuple, got %T", lit)
	}
	name, ok := tuple[0].(LString)
	if !ok {
		return Command{}, fmt.Errorf("ferny command name must be a string")
	}
	args, ok := tuple[1].(LTuple)
	if !ok {
		return Command{}, fmt.Errorf("ferny command args must be a tuple")
	}
	return Command{Name: string(name), Args: args}, nil
}
