package chain

import (
	"bytes"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"

	"ropkit/internal/chunk"
	"ropkit/internal/disasm"
)

// Entry is one indexed instruction.
type Entry struct {
	Addr uint64
	Inst *disasm.Inst
}

// Index maps instruction start addresses to instructions, in address order.
// An index is immutable once built.
type Index struct {
	entries []Entry
	byAddr  map[uint64]int
}

func newIndex(s disasm.Stream, keep func(disasm.Inst) bool) *Index {
	s = s.Clone()
	ix := &Index{byAddr: make(map[uint64]int, len(s))}
	for i := range s {
		if keep != nil && !keep(s[i]) {
			continue
		}
		ix.byAddr[s[i].VA] = len(ix.entries)
		ix.entries = append(ix.entries, Entry{Addr: s[i].VA, Inst: &s[i]})
	}
	return ix
}

func (ix *Index) Len() int { return len(ix.entries) }

// Entries returns the entries in address order.
func (ix *Index) Entries() []Entry {
	return append([]Entry(nil), ix.entries...)
}

// Lookup returns the instruction starting at addr.
func (ix *Index) Lookup(addr uint64) (Entry, bool) {
	i, ok := ix.byAddr[addr]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[i], true
}

func (ix *Index) Addresses() []uint64 {
	return lo.Map(ix.entries, func(e Entry, _ int) uint64 { return e.Addr })
}

// Contains reports whether the index holds an instruction at e.Addr with the
// same encoding as e.
func (ix *Index) Contains(e Entry) bool {
	got, ok := ix.Lookup(e.Addr)
	if !ok || e.Inst == nil {
		return false
	}
	return bytes.Equal(got.Inst.Raw, e.Inst.Raw)
}

// Span returns the address range from the first instruction to the end of
// the last.
func (ix *Index) Span() chunk.Chunk {
	if len(ix.entries) == 0 {
		return chunk.Chunk{}
	}
	return chunk.Between(ix.entries[0].Addr, ix.entries[len(ix.entries)-1].Inst.End())
}

// Bytes concatenates the encodings of the indexed instructions.
func (ix *Index) Bytes() []byte {
	var out []byte
	for _, e := range ix.entries {
		out = append(out, e.Inst.Raw...)
	}
	return out
}

// Fingerprint hashes the encodings and their boundaries. It does not depend
// on addresses, so equivalent code at different addresses hashes alike.
func (ix *Index) Fingerprint() uint64 {
	h := xxhash.New()
	for _, e := range ix.entries {
		h.Write([]byte{byte(len(e.Inst.Raw))})
		h.Write(e.Inst.Raw)
	}
	return h.Sum64()
}

// Equivalent reports whether both indexes hold the same encodings in the same
// order, wherever they are anchored.
func (ix *Index) Equivalent(o *Index) bool {
	if ix.Len() != o.Len() {
		return false
	}
	for i := range ix.entries {
		if !bytes.Equal(ix.entries[i].Inst.Raw, o.entries[i].Inst.Raw) {
			return false
		}
	}
	return true
}

// ConvergesWith returns the first instruction address shared by both indexes
// from which every remaining instruction is the same in both.
func (ix *Index) ConvergesWith(o *Index) (uint64, bool) {
	for i, e := range ix.entries {
		j, ok := o.byAddr[e.Addr]
		if !ok || len(ix.entries)-i != len(o.entries)-j {
			continue
		}
		same := true
		for k := 0; same && i+k < len(ix.entries); k++ {
			a, b := ix.entries[i+k], o.entries[j+k]
			same = a.Addr == b.Addr && bytes.Equal(a.Inst.Raw, b.Inst.Raw)
		}
		if same {
			return e.Addr, true
		}
	}
	return 0, false
}
