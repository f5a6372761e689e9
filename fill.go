package ethercard

import (
	"fmt"
	"io"
	"strconv"
)

// BufferFiller writes formatted text into a fixed byte slice, usually the TCP
// payload area of the packet buffer. Writes past the end of the slice are
// truncated and reported with io.ErrShortWrite.
type BufferFiller struct {
	buf []byte
	n   int
}

var _ io.Writer = (*BufferFiller)(nil)

// NewBufferFiller returns a BufferFiller that writes to dst from its start.
func NewBufferFiller(dst []byte) *BufferFiller {
	return &BufferFiller{buf: dst}
}

// BufferFiller returns a filler over the TCP payload of the packet buffer.
// Pass [BufferFiller.Position] to HTTPServerReply once filled.
func (s *Stack) BufferFiller() *BufferFiller { return NewBufferFiller(s.TCPOffset()) }

// Position returns the number of bytes written.
func (bf *BufferFiller) Position() int { return bf.n }

// Bytes returns the bytes written so far.
func (bf *BufferFiller) Bytes() []byte { return bf.buf[:bf.n] }

// Reset discards written bytes.
func (bf *BufferFiller) Reset() { bf.n = 0 }

func (bf *BufferFiller) Write(b []byte) (int, error) {
	n := copy(bf.buf[bf.n:], b)
	bf.n += n
	if n < len(b) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (bf *BufferFiller) WriteByte(c byte) error {
	if bf.n >= len(bf.buf) {
		return io.ErrShortWrite
	}
	bf.buf[bf.n] = c
	bf.n++
	return nil
}

// Emit writes format, replacing each escape with the next argument:
//
//	$D  decimal integer
//	$L  decimal integer, same as $D
//	$H  byte as two uppercase hex digits
//	$S  string or []byte
//
// A '$' followed by any other character emits that character, so "$$"
// emits a single '$'.
func (bf *BufferFiller) Emit(format string, args ...any) error {
	var scratch [20]byte
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '$' || i == len(format)-1 {
			if err := bf.WriteByte(c); err != nil {
				return err
			}
			continue
		}
		i++
		verb := format[i]
		var out []byte
		switch verb {
		case 'D', 'L', 'H', 'S':
			if len(args) == 0 {
				return fmt.Errorf("emit: missing argument for $%c", verb)
			}
			arg := args[0]
			args = args[1:]
			var err error
			out, err = emitArg(scratch[:0], verb, arg)
			if err != nil {
				return err
			}
		default:
			scratch[0] = verb
			out = scratch[:1]
		}
		if _, err := bf.Write(out); err != nil {
			return err
		}
	}
	return nil
}

func emitArg(dst []byte, verb byte, arg any) ([]byte, error) {
	switch verb {
	case 'S':
		switch v := arg.(type) {
		case string:
			return append(dst, v...), nil
		case []byte:
			return append(dst, v...), nil
		}
	case 'H':
		const hexdigits = "0123456789ABCDEF"
		v, ok := asInt(arg)
		if ok {
			return append(dst, hexdigits[v>>4&0xf], hexdigits[v&0xf]), nil
		}
	default:
		if v, ok := asInt(arg); ok {
			return strconv.AppendInt(dst, v, 10), nil
		}
	}
	return dst, fmt.Errorf("emit: bad argument %T for $%c", arg, verb)
}

func asInt(arg any) (int64, bool) {
	switch v := arg.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}
