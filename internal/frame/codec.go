package frame

import "bytes"

// Terminator is the single sentinel byte that ends every frame on the wire.
const Terminator byte = 0x00

// Codec incrementally reassembles frames from an unbounded byte stream. One
// codec instance belongs to exactly one connection and is not safe for
// concurrent use.
type Codec struct {
	buf bytes.Buffer
}

func NewCodec() *Codec {
	return &Codec{}
}

// DecodeByte feeds one byte into the codec. When the byte is the frame
// terminator the accumulated text is parsed and returned and the internal
// state is reset, otherwise the byte is buffered.
func (c *Codec) DecodeByte(b byte) (*Frame, bool) {
	if b == Terminator {
		f := Parse(c.buf.String())
		c.buf.Reset()
		return f, true
	}
	c.buf.WriteByte(b)
	return nil, false
}

// Decode feeds a chunk of bytes and returns every frame completed by it.
// Partial frame bytes stay buffered for the next chunk.
func (c *Codec) Decode(chunk []byte) []*Frame {
	var frames []*Frame
	for _, b := range chunk {
		if f, ok := c.DecodeByte(b); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Encode serializes a frame and appends the terminator. This is the only
// place the terminator is added.
func Encode(f *Frame) []byte {
	return append([]byte(f.String()), Terminator)
}
