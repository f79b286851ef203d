// Package chain ties a run of machine code to its decoded instructions at a
// virtual address and indexes the result by instruction address.
package chain

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"ropkit/internal/chunk"
	"ropkit/internal/disasm"
)

// ErrClosed is returned by mutations on a closed chain.
var ErrClosed = errors.New("chain closed")

// SymbolicContext is an opaque handle owned by a symbolic execution engine.
// A chain stores it and hands it back; it never inspects or releases it.
type SymbolicContext any

// Chain is a contiguous instruction sequence anchored at a virtual address.
// The raw bytes and the instructions always describe the same code.
type Chain interface {
	Address() uint64
	// SetAddress re-anchors the chain. Instructions are decoded again since
	// their rendering can depend on the address.
	SetAddress(addr uint64) error
	Raw() []byte
	SetRaw(raw []byte) error
	Instructions() disasm.Stream
	SetInstructions(s disasm.Stream) error
	Span() chunk.Chunk
	Text() string
	Decoder() disasm.Decoder

	AttachSymbolicContext(ctx SymbolicContext)
	SymbolicContext() SymbolicContext

	InstructionMap() *Index
	InstructionMapInRange(w chunk.Chunk) *Index

	Close() error
}

type chain struct {
	dec disasm.Decoder

	mu     sync.Mutex
	addr   uint64
	raw    []byte
	insts  disasm.Stream
	text   string
	hasTxt bool
	index  *Index
	ctx    SymbolicContext
	closed bool
}

var _ Chain = (*chain)(nil)

// FromInstructions builds a chain from an already decoded stream. The stream
// must start at addr and be contiguous; its encodings become the raw bytes.
func FromInstructions(dec disasm.Decoder, addr uint64, s disasm.Stream) (Chain, error) {
	if err := s.Contiguous(addr); err != nil {
		return nil, err
	}
	return &chain{dec: dec, addr: addr, raw: s.Bytes(), insts: s.Clone()}, nil
}

// FromText builds a chain from chain text, one encoded instruction per line.
// A failing entry is reported as a *disasm.DecodeError.
func FromText(dec disasm.Decoder, addr uint64, text string) (Chain, error) {
	s, err := disasm.ParseText(dec, addr, text)
	if err != nil {
		return nil, err
	}
	return &chain{dec: dec, addr: addr, raw: s.Bytes(), insts: s}, nil
}

// FromBytes decodes raw at addr.
func FromBytes(dec disasm.Decoder, addr uint64, raw []byte) (Chain, error) {
	s, err := dec.Decode(raw, addr)
	if err != nil {
		return nil, err
	}
	return &chain{dec: dec, addr: addr, raw: bytes.Clone(raw), insts: s}, nil
}

// Realign decodes c again starting skip bytes in, as a new independent chain.
// Landing inside an instruction gives the overlapping decode a gadget search
// looks for.
func Realign(c Chain, skip int) (Chain, error) {
	raw := c.Raw()
	if skip < 0 || skip > len(raw) {
		return nil, fmt.Errorf("skip %d outside chain of %d bytes", skip, len(raw))
	}
	return FromBytes(c.Decoder(), c.Address()+uint64(skip), raw[skip:])
}

func (c *chain) Decoder() disasm.Decoder { return c.dec }

func (c *chain) Address() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *chain) SetAddress(addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	s, err := c.dec.Decode(c.raw, addr)
	if err != nil {
		return err
	}
	c.addr, c.insts = addr, s
	c.invalidate()
	return nil
}

// Raw returns a copy of the encoded bytes.
func (c *chain) Raw() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.raw)
}

func (c *chain) SetRaw(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	s, err := c.dec.Decode(raw, c.addr)
	if err != nil {
		return err
	}
	c.raw, c.insts = bytes.Clone(raw), s
	c.invalidate()
	return nil
}

// Instructions returns a copy of the decoded stream.
func (c *chain) Instructions() disasm.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insts.Clone()
}

func (c *chain) SetInstructions(s disasm.Stream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := s.Contiguous(c.addr); err != nil {
		return err
	}
	c.raw, c.insts = s.Bytes(), s.Clone()
	c.invalidate()
	return nil
}

func (c *chain) Span() chunk.Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return chunk.New(c.addr, uint64(len(c.raw)))
}

// Text renders the chain text, caching it until the next mutation.
func (c *chain) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasTxt {
		c.text, c.hasTxt = disasm.FormatText(c.insts), true
	}
	return c.text
}

func (c *chain) AttachSymbolicContext(ctx SymbolicContext) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
}

func (c *chain) SymbolicContext() SymbolicContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// InstructionMap indexes every instruction. The index is cached.
func (c *chain) InstructionMap() *Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index == nil {
		c.index = newIndex(c.insts, nil)
	}
	return c.index
}

// InstructionMapInRange indexes the instructions whose address lies inside w.
// An instruction starting in w is kept whole even when it ends past w.
func (c *chain) InstructionMapInRange(w chunk.Chunk) *Index {
	c.mu.Lock()
	defer c.mu.Unlock()
	return newIndex(c.insts, func(in disasm.Inst) bool {
		return w.Contains(in.VA)
	})
}

func (c *chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw, c.insts = nil, nil
	c.invalidate()
	c.ctx = nil
	c.closed = true
	return nil
}

func (c *chain) invalidate() {
	c.text, c.hasTxt = "", false
	c.index = nil
}
