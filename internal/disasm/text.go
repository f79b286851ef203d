package disasm

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Chain text holds one instruction per line: the hex encoding, a tab, then the
// assembly rendering. The encoding is kept because the decoders cannot
// assemble; the assembly column is checked against the decoder on parse.
//
//	4889e5	mov rbp, rsp

// ErrMissingEncoding is returned for a text entry without a hex column.
var ErrMissingEncoding = errors.New("missing hex encoding")

// ErrTextMismatch is returned when an entry's assembly does not match its encoding.
var ErrTextMismatch = errors.New("assembly does not match encoding")

// FormatLine renders a single instruction as a chain text line (without newline).
func FormatLine(in Inst) string {
	return hex.EncodeToString(in.Raw) + "\t" + in.Text
}

// FormatText renders a stream, one line per instruction.
func FormatText(s Stream) string {
	var sb strings.Builder
	for _, in := range s {
		sb.WriteString(FormatLine(in))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseText decodes chain text into a stream anchored at addr. Each entry must
// decode to exactly one instruction.
func ParseText(d Decoder, addr uint64, text string) (Stream, error) {
	var out Stream
	next := addr
	entry := 0

	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		if t := strings.TrimSpace(sc.Text()); t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		// Keep tabs: an entry may legitimately end with an empty assembly column.
		line := strings.Trim(sc.Text(), " \r")
		entry++

		in, err := parseLine(d, next, line)
		if err != nil {
			de := &DecodeError{Addr: next, Entry: entry, Text: line, Err: err}
			var inner *DecodeError
			if errors.As(err, &inner) {
				de.Err = inner.Err
			}
			return nil, de
		}
		out = append(out, in)
		next = in.End()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read chain text: %w", err)
	}
	return out, nil
}

func parseLine(d Decoder, addr uint64, line string) (Inst, error) {
	enc, asm, ok := strings.Cut(line, "\t")
	if !ok {
		return Inst{}, ErrMissingEncoding
	}
	raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(enc), " ", ""))
	if err != nil {
		return Inst{}, fmt.Errorf("bad encoding %q: %w", enc, err)
	}
	if len(raw) == 0 {
		return Inst{}, ErrMissingEncoding
	}

	in, err := d.DecodeOne(raw, addr)
	if err != nil {
		return Inst{}, err
	}
	if in.Len() != len(raw) {
		return Inst{}, fmt.Errorf("encoding holds %d bytes, instruction uses %d", len(raw), in.Len())
	}
	if asm = strings.TrimSpace(asm); asm != "" && normalize(asm) != normalize(in.Text) {
		return Inst{}, fmt.Errorf("%w: got %q, decoder renders %q", ErrTextMismatch, asm, in.Text)
	}
	return in, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
