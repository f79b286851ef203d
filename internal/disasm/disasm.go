// Package disasm defines a common instruction representation used
// across architecture-specific disassemblers.
package disasm

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"ropkit/internal/chunk"
)

// Inst is a simplified decoded instruction.
type Inst struct {
	VA   uint64 // virtual address of instruction
	Raw  []byte // raw encoding
	Op   string // mnemonic in lowercase
	Text string // formatted disassembly string
}

// Len returns the encoded length in bytes.
func (i Inst) Len() int { return len(i.Raw) }

// End returns the address just past the instruction.
func (i Inst) End() uint64 { return i.VA + uint64(len(i.Raw)) }

// Span returns the address range the instruction occupies.
func (i Inst) Span() chunk.Chunk { return chunk.New(i.VA, uint64(len(i.Raw))) }

// Equal reports whether two instructions have the same address and encoding.
func (i Inst) Equal(o Inst) bool {
	return i.VA == o.VA && bytes.Equal(i.Raw, o.Raw)
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Bytes concatenates the encodings of every instruction.
func (s Stream) Bytes() []byte {
	n := 0
	for _, in := range s {
		n += len(in.Raw)
	}
	out := make([]byte, 0, n)
	for _, in := range s {
		out = append(out, in.Raw...)
	}
	return out
}

// Contiguous checks that the stream starts at addr and that every instruction
// begins where the previous one ends.
func (s Stream) Contiguous(addr uint64) error {
	next := addr
	for i, in := range s {
		if len(in.Raw) == 0 {
			return fmt.Errorf("instruction %d at %#x has no encoding: %w", i, in.VA, ErrDiscontiguous)
		}
		if in.VA != next {
			return fmt.Errorf("instruction %d at %#x, expected %#x: %w", i, in.VA, next, ErrDiscontiguous)
		}
		next = in.End()
	}
	return nil
}

// Clone returns a deep copy of the stream.
func (s Stream) Clone() Stream {
	if s == nil {
		return nil
	}
	out := make(Stream, len(s))
	for i, in := range s {
		in.Raw = bytes.Clone(in.Raw)
		out[i] = in
	}
	return out
}

// Equivalent reports whether both streams hold the same encodings in the same
// order, ignoring addresses.
func (s Stream) Equivalent(o Stream) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !bytes.Equal(s[i].Raw, o[i].Raw) {
			return false
		}
	}
	return true
}

// ErrDiscontiguous is returned when a stream has gaps or overlaps.
var ErrDiscontiguous = errors.New("instructions are not contiguous")

// ErrTruncated is returned when the input ends inside an instruction.
var ErrTruncated = errors.New("truncated instruction")

// DecodeError reports an undecodable instruction. Entry is the 1-based text
// entry that failed, or 0 when decoding raw bytes.
type DecodeError struct {
	Addr  uint64
	Entry int
	Text  string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Entry > 0 {
		return fmt.Sprintf("entry %d %q at %#x: %v", e.Entry, e.Text, e.Addr, e.Err)
	}
	return fmt.Sprintf("decode at %#x: %v", e.Addr, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder decodes machine code for one architecture.
type Decoder interface {
	Arch() Arch
	// DecodeOne decodes the leading instruction of code located at addr.
	DecodeOne(code []byte, addr uint64) (Inst, error)
	// Decode decodes all of code starting at addr. It fails on the first
	// undecodable instruction.
	Decode(code []byte, addr uint64) (Stream, error)
}

// Arch names a supported instruction set.
type Arch string

// Supported architectures.
const (
	ArchUnknown Arch = ""
	ArchAMD64   Arch = "amd64"
	Arch386     Arch = "386"
	ArchARM64   Arch = "arm64"
	ArchARM     Arch = "arm"
	ArchPPC64   Arch = "ppc64"
	ArchPPC64LE Arch = "ppc64le"
)

// Archs lists every architecture with a decoder.
var Archs = []Arch{ArchAMD64, Arch386, ArchARM64, ArchARM, ArchPPC64, ArchPPC64LE}

// ParseArch accepts the canonical names plus a few common aliases.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "amd64", "x86_64", "x86-64", "x64":
		return ArchAMD64, nil
	case "386", "i386", "x86", "ia32":
		return Arch386, nil
	case "arm64", "aarch64":
		return ArchARM64, nil
	case "arm", "arm32":
		return ArchARM, nil
	case "ppc64", "power":
		return ArchPPC64, nil
	case "ppc64le":
		return ArchPPC64LE, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported architecture: %q", s)
}

// ArchFromELF maps an ELF machine, class and data encoding to an Arch.
func ArchFromELF(m elf.Machine, class elf.Class, data elf.Data) Arch {
	switch m {
	case elf.EM_X86_64:
		if class == elf.ELFCLASS32 {
			return Arch386
		}
		return ArchAMD64
	case elf.EM_386:
		return Arch386
	case elf.EM_AARCH64:
		return ArchARM64
	case elf.EM_ARM:
		return ArchARM
	case elf.EM_PPC64:
		if data == elf.ELFDATA2LSB {
			return ArchPPC64LE
		}
		return ArchPPC64
	}
	return ArchUnknown
}

// New returns the decoder for arch.
func New(arch Arch) (Decoder, error) {
	switch arch {
	case ArchAMD64:
		return x86Decoder{mode: 64}, nil
	case Arch386:
		return x86Decoder{mode: 32}, nil
	case ArchARM64:
		return arm64Decoder{}, nil
	case ArchARM:
		return armDecoder{}, nil
	case ArchPPC64:
		return ppc64Decoder{little: false}, nil
	case ArchPPC64LE:
		return ppc64Decoder{little: true}, nil
	}
	return nil, fmt.Errorf("no decoder for architecture %q", arch)
}

// decodeAll drives a single-instruction decoder over code.
func decodeAll(d Decoder, code []byte, addr uint64) (Stream, error) {
	var out Stream
	off := 0
	for off < len(code) {
		in, err := d.DecodeOne(code[off:], addr+uint64(off))
		if err != nil {
			return nil, err
		}
		out = append(out, in)
		off += in.Len()
	}
	return out, nil
}

func decodeErr(addr uint64, err error) error {
	return &DecodeError{Addr: addr, Err: err}
}
