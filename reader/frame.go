package reader

import (
	"bytes"
	"encoding/hex"
	"strings"
)

// Serial wire format, one frame per card presentation:
//
//	[STX][len][uid bytes...][xor][ETX]
//
// len is the UID byte count, xor is the XOR of the UID bytes. Frames
// failing any check are discarded byte-by-byte and scanning resumes at
// the next STX. The UID is reported as an uppercase hex string.
const (
	frameSTX = 0x02
	frameETX = 0x03

	uidMinLen = 4
	uidMaxLen = 10
)

type frameParser struct {
	buf []byte
}

func (p *frameParser) reset() { p.buf = p.buf[:0] }

// feed appends raw bytes and returns the first complete UID found, or
// "" if no full valid frame is buffered yet.
func (p *frameParser) feed(data []byte) string {
	p.buf = append(p.buf, data...)

	for {
		start := bytes.IndexByte(p.buf, frameSTX)
		if start < 0 {
			p.buf = p.buf[:0]
			return ""
		}
		p.buf = p.buf[start:]

		if len(p.buf) < 2 {
			return ""
		}
		n := int(p.buf[1])
		if n < uidMinLen || n > uidMaxLen {
			p.buf = p.buf[1:]
			continue
		}
		total := 2 + n + 2
		if len(p.buf) < total {
			return ""
		}

		uid := p.buf[2 : 2+n]
		xor := uid[0]
		for _, b := range uid[1:] {
			xor ^= b
		}
		if xor != p.buf[2+n] || p.buf[3+n] != frameETX {
			p.buf = p.buf[1:]
			continue
		}

		out := strings.ToUpper(hex.EncodeToString(uid))
		p.buf = append(p.buf[:0], p.buf[total:]...)
		return out
	}
}
