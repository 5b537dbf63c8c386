package csi

import "encoding/binary"

// Cursor extracts integers of arbitrary bit width from a byte buffer. The
// bit stream is LSB-first: bit k of the stream is the k%8-th bit of the
// byte (little-endian word order) or the k%16-th bit of the big-endian
// 16-bit word (big-endian word order) holding it. This matches how the
// Intel tool packs 8-bit CSI components across byte boundaries and how the
// Atheros tool packs 10-bit components into 16-bit words of either byte
// order.
type Cursor struct {
	buf   []byte
	pos   int // bit position
	order binary.ByteOrder
}

// NewCursor returns a cursor over buf starting at bit 0. order selects how
// the underlying words are assembled before bits are drawn from them.
func NewCursor(buf []byte, order binary.ByteOrder) *Cursor {
	return &Cursor{buf: buf, order: order}
}

// Remaining returns the number of unread bits.
func (c *Cursor) Remaining() int {
	n := len(c.buf)
	if c.order == binary.BigEndian {
		// Big-endian words are 16-bit; a trailing odd byte cannot be
		// assembled into a word and is unreadable.
		n -= n % 2
	}
	return n*8 - c.pos
}

// Skip advances the cursor by n bits without extracting a value.
func (c *Cursor) Skip(n int) error {
	if n < 0 || c.Remaining() < n {
		return ErrTruncatedInput
	}
	c.pos += n
	return nil
}

// Uint extracts the next w-bit unsigned integer, 1 <= w <= 32, and advances
// the cursor by w bits. Returns ErrTruncatedInput if fewer than w bits
// remain.
func (c *Cursor) Uint(w int) (uint32, error) {
	if w < 1 || w > 32 {
		return 0, ErrTruncatedInput
	}
	if c.Remaining() < w {
		return 0, ErrTruncatedInput
	}
	var v uint32
	for k := 0; k < w; k++ {
		v |= uint32(c.bit(c.pos+k)) << k
	}
	c.pos += w
	return v, nil
}

// Int extracts the next w-bit two's-complement signed integer.
func (c *Cursor) Int(w int) (int32, error) {
	v, err := c.Uint(w)
	if err != nil {
		return 0, err
	}
	if w < 32 && v&(1<<(w-1)) != 0 {
		return int32(v) - (1 << w), nil
	}
	return int32(v), nil
}

// bit returns stream bit i as 0 or 1. Callers bound-check via Remaining.
func (c *Cursor) bit(i int) byte {
	if c.order == binary.BigEndian {
		word := binary.BigEndian.Uint16(c.buf[(i/16)*2:])
		return byte(word>>(i%16)) & 1
	}
	return (c.buf[i/8] >> (i % 8)) & 1
}
