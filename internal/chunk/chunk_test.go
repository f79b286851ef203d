package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClip(t *testing.T) {
	tests := []struct {
		name string
		in   Chunk
		size uint64
		want Chunk
	}{
		{name: "inside", in: New(2, 4), size: 10, want: New(2, 4)},
		{name: "tail overrun", in: New(8, 4), size: 10, want: New(8, 2)},
		{name: "past end", in: New(12, 4), size: 10, want: New(10, 0)},
		{name: "huge length", in: New(1, ^uint64(0)), size: 10, want: New(1, 9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Clip(tt.size)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Within(tt.size))
		})
	}
}

func TestSlice(t *testing.T) {
	buf := []byte{0, 1, 2, 3, 4, 5}

	assert.Equal(t, []byte{2, 3}, New(2, 2).Slice(buf))
	assert.Equal(t, []byte{4, 5}, New(4, 10).Slice(buf))
	assert.Empty(t, New(9, 1).Slice(buf))

	// The view must not allow appends to clobber the rest of the buffer.
	s := New(0, 2).Slice(buf)
	_ = append(s, 0xff)
	assert.Equal(t, byte(2), buf[2])
}

func TestContainsCovers(t *testing.T) {
	c := New(0x1000, 0x10)

	assert.True(t, c.Contains(0x1000))
	assert.True(t, c.Contains(0x100f))
	assert.False(t, c.Contains(0x1010))
	assert.False(t, c.Contains(0xfff))

	assert.True(t, c.Covers(New(0x1004, 4)))
	assert.True(t, c.Covers(New(0x1000, 0x10)))
	assert.False(t, c.Covers(New(0x100c, 8)))

	assert.True(t, c.Overlaps(New(0x100c, 8)))
	assert.False(t, c.Overlaps(New(0x1010, 8)))
	assert.False(t, c.Overlaps(New(0x1004, 0)))
}

func TestBetweenAndEnd(t *testing.T) {
	assert.Equal(t, New(4, 6), Between(4, 10))
	assert.Equal(t, New(10, 0), Between(10, 4))
	assert.Equal(t, ^uint64(0), New(^uint64(0)-1, 8).End())
	assert.Equal(t, "[0x10, 0x18)", New(0x10, 8).String())
}
