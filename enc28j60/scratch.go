package enc28j60

import (
	"errors"
	"io"
)

// Buffer memory past the transmit buffer is free for application use.
const (
	ScratchStart    = txStop + 1
	ScratchPageSize = 64
	ScratchPages    = (memEnd + 1 - ScratchStart) / ScratchPageSize
	scratchLimit    = memEnd + 1
)

var errScratchPage = errors.New("enc28j60: scratch page out of range")

// Scratch stages data in the controller's spare buffer memory. It is
// addressed either as pages of [ScratchPageSize] bytes or as a single
// append-only stream starting at page 0.
//
// Scratch satisfies ethercard.Stash so a large reply staged with Write can
// be handed to Stack.TCPSend without occupying the packet buffer.
type Scratch struct {
	dev *Dev
	n   int
}

// Scratch returns a stash over the spare buffer memory of d.
func (d *Dev) Scratch() *Scratch { return &Scratch{dev: d} }

// WritePage copies the first ScratchPageSize bytes of src to page.
func (s *Scratch) WritePage(page uint8, src []byte) error {
	if int(page) >= ScratchPages {
		return errScratchPage
	}
	if len(src) > ScratchPageSize {
		src = src[:ScratchPageSize]
	}
	return s.dev.WriteMem(pageAddr(page), src)
}

// ReadPage fills dst with up to ScratchPageSize bytes from page.
func (s *Scratch) ReadPage(page uint8, dst []byte) error {
	if int(page) >= ScratchPages {
		return errScratchPage
	}
	if len(dst) > ScratchPageSize {
		dst = dst[:ScratchPageSize]
	}
	return s.dev.ReadMem(pageAddr(page), dst)
}

// Peek reads a single byte at off within page.
func (s *Scratch) Peek(page, off uint8) (byte, error) {
	addr := int(pageAddr(page)) + int(off)
	if int(page) >= ScratchPages || addr >= scratchLimit {
		return 0, errScratchPage
	}
	var b [1]byte
	err := s.dev.ReadMem(uint16(addr), b[:])
	return b[0], err
}

// Write appends p to the stream. It writes as much as fits and returns
// io.ErrShortWrite if p did not fit entirely.
func (s *Scratch) Write(p []byte) (int, error) {
	room := scratchLimit - ScratchStart - s.n
	short := len(p) > room
	if short {
		p = p[:room]
	}
	if len(p) > 0 {
		if err := s.dev.WriteMem(uint16(ScratchStart+s.n), p); err != nil {
			return 0, err
		}
		s.n += len(p)
	}
	if short {
		return len(p), io.ErrShortWrite
	}
	return len(p), nil
}

// Reset empties the stream.
func (s *Scratch) Reset() { s.n = 0 }

// Len returns the number of bytes written to the stream.
func (s *Scratch) Len() int { return s.n }

// ReadAt reads stream bytes starting at off.
func (s *Scratch) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("enc28j60: negative offset")
	}
	if off >= int64(s.n) {
		return 0, io.EOF
	}
	n := min(len(p), s.n-int(off))
	if err := s.dev.ReadMem(uint16(ScratchStart+off), p[:n]); err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func pageAddr(page uint8) uint16 {
	return ScratchStart + uint16(page)*ScratchPageSize
}
