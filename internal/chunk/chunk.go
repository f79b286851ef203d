// Package chunk defines Chunk, a non-owning (offset, length) view used both
// for byte ranges of a buffer and for address ranges of decoded code.
package chunk

import "fmt"

// Chunk is a half-open range [Off, Off+Len).
type Chunk struct {
	Off uint64
	Len uint64
}

// New returns the chunk [off, off+n).
func New(off, n uint64) Chunk {
	return Chunk{Off: off, Len: n}
}

// Between returns the chunk [start, end). An inverted range yields an empty chunk at start.
func Between(start, end uint64) Chunk {
	if end < start {
		return Chunk{Off: start}
	}
	return Chunk{Off: start, Len: end - start}
}

// End returns the first offset past the chunk, saturating on overflow.
func (c Chunk) End() uint64 {
	end := c.Off + c.Len
	if end < c.Off {
		return ^uint64(0)
	}
	return end
}

// Empty reports whether the chunk covers no bytes.
func (c Chunk) Empty() bool {
	return c.Len == 0
}

// Contains reports whether off lies inside the chunk.
func (c Chunk) Contains(off uint64) bool {
	return off >= c.Off && off < c.End()
}

// Covers reports whether other lies wholly inside c. An empty other is covered
// when its offset lies inside c or on its end.
func (c Chunk) Covers(other Chunk) bool {
	return other.Off >= c.Off && other.End() <= c.End()
}

// Overlaps reports whether the two chunks share at least one offset.
func (c Chunk) Overlaps(other Chunk) bool {
	if c.Empty() || other.Empty() {
		return false
	}
	return c.Off < other.End() && other.Off < c.End()
}

// Within reports whether the chunk fits in a buffer of the given size.
func (c Chunk) Within(size uint64) bool {
	return c.Off <= size && c.Len <= size-c.Off
}

// Clip trims the chunk so that it fits in a buffer of the given size.
func (c Chunk) Clip(size uint64) Chunk {
	if c.Off >= size {
		return Chunk{Off: size}
	}
	if c.Len > size-c.Off {
		c.Len = size - c.Off
	}
	return c
}

// Slice returns buf[Off:End] after clipping the chunk to buf.
func (c Chunk) Slice(buf []byte) []byte {
	c = c.Clip(uint64(len(buf)))
	return buf[c.Off:c.End():c.End()]
}

func (c Chunk) String() string {
	return fmt.Sprintf("[%#x, %#x)", c.Off, c.End())
}
