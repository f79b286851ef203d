package disasm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/ppc64/ppc64asm"
	"golang.org/x/arch/x86/x86asm"
)

// x86Decoder renders Intel syntax. Relative branch targets are printed as
// absolute addresses, so the text depends on the instruction address.
type x86Decoder struct {
	mode int
}

func (d x86Decoder) Arch() Arch {
	if d.mode == 32 {
		return Arch386
	}
	return ArchAMD64
}

func (d x86Decoder) DecodeOne(code []byte, addr uint64) (Inst, error) {
	inst, err := x86asm.Decode(code, d.mode)
	if errors.Is(err, x86asm.ErrTruncated) {
		return Inst{}, decodeErr(addr, ErrTruncated)
	}
	if err != nil {
		return Inst{}, decodeErr(addr, err)
	}
	// A dangling prefix is how x86asm reports input that ends mid-instruction.
	if inst.Op == 0 || inst.Len == 0 {
		return Inst{}, decodeErr(addr, ErrTruncated)
	}
	return Inst{
		VA:   addr,
		Raw:  bytes.Clone(code[:inst.Len]),
		Op:   strings.ToLower(inst.Op.String()),
		Text: x86asm.IntelSyntax(inst, addr, nil),
	}, nil
}

func (d x86Decoder) Decode(code []byte, addr uint64) (Stream, error) {
	return decodeAll(d, code, addr)
}

type arm64Decoder struct{}

func (arm64Decoder) Arch() Arch { return ArchARM64 }

func (arm64Decoder) DecodeOne(code []byte, addr uint64) (Inst, error) {
	if len(code) < 4 {
		return Inst{}, decodeErr(addr, ErrTruncated)
	}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		return Inst{}, decodeErr(addr, err)
	}
	return Inst{
		VA:   addr,
		Raw:  bytes.Clone(code[:4]),
		Op:   strings.ToLower(inst.Op.String()),
		Text: strings.TrimSpace(arm64asm.GNUSyntax(inst)),
	}, nil
}

func (d arm64Decoder) Decode(code []byte, addr uint64) (Stream, error) {
	return decodeAll(d, code, addr)
}

type armDecoder struct{}

func (armDecoder) Arch() Arch { return ArchARM }

func (armDecoder) DecodeOne(code []byte, addr uint64) (Inst, error) {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return Inst{}, decodeErr(addr, err)
	}
	if inst.Len <= 0 || inst.Len > len(code) {
		return Inst{}, decodeErr(addr, ErrTruncated)
	}
	return Inst{
		VA:   addr,
		Raw:  bytes.Clone(code[:inst.Len]),
		Op:   strings.ToLower(inst.Op.String()),
		Text: strings.TrimSpace(armasm.GNUSyntax(inst)),
	}, nil
}

func (d armDecoder) Decode(code []byte, addr uint64) (Stream, error) {
	return decodeAll(d, code, addr)
}

type ppc64Decoder struct {
	little bool
}

func (d ppc64Decoder) Arch() Arch {
	if d.little {
		return ArchPPC64LE
	}
	return ArchPPC64
}

func (d ppc64Decoder) order() binary.ByteOrder {
	if d.little {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

func (d ppc64Decoder) DecodeOne(code []byte, addr uint64) (Inst, error) {
	inst, err := ppc64asm.Decode(code, d.order())
	if err != nil {
		return Inst{}, decodeErr(addr, err)
	}
	if inst.Len <= 0 || inst.Len > len(code) {
		return Inst{}, decodeErr(addr, ErrTruncated)
	}
	return Inst{
		VA:   addr,
		Raw:  bytes.Clone(code[:inst.Len]),
		Op:   strings.ToLower(inst.Op.String()),
		Text: strings.TrimSpace(ppc64asm.GNUSyntax(inst, addr)),
	}, nil
}

func (d ppc64Decoder) Decode(code []byte, addr uint64) (Stream, error) {
	return decodeAll(d, code, addr)
}
