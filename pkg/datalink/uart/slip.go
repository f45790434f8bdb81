package uart

import "github.com/robotalks/m2mlink/pkg/mmbuf"

// SLIP special bytes.
const (
	End    byte = 0xc0
	Esc    byte = 0xdb
	EscEnd byte = 0xdc
	EscEsc byte = 0xdd
)

// DecodeResult is the result of feeding one byte to a Decoder.
type DecodeResult int

// Decode results.
const (
	DecodeInProgress DecodeResult = iota
	DecodeComplete
	DecodeError
)

// Decoder decodes SLIP frames byte by byte into a buffer. A frame which
// overflows the buffer or carries an invalid escape is dropped up to the
// next End.
type Decoder struct {
	buf      *mmbuf.Buffer
	headroom int
	escaped  bool
	dropping bool
}

// Reset starts decoding into buf.
func (d *Decoder) Reset(buf *mmbuf.Buffer) {
	d.buf = buf
	if buf != nil {
		d.headroom = buf.Headroom()
	}
	d.escaped, d.dropping = false, false
}

// Buffer returns the buffer being decoded into.
func (d *Decoder) Buffer() *mmbuf.Buffer {
	return d.buf
}

// Feed decodes one byte. After DecodeComplete the frame is in Buffer and
// the caller must Reset before feeding more.
func (d *Decoder) Feed(b byte) DecodeResult {
	if b == End {
		if d.dropping {
			d.dropping = false
			return DecodeInProgress
		}
		if d.buf.Len() == 0 {
			return DecodeInProgress
		}
		if d.escaped {
			return d.drop(false)
		}
		return DecodeComplete
	}
	if d.dropping {
		return DecodeInProgress
	}
	if d.escaped {
		d.escaped = false
		switch b {
		case EscEnd:
			b = End
		case EscEsc:
			b = Esc
		default:
			return d.drop(true)
		}
	} else if b == Esc {
		d.escaped = true
		return DecodeInProgress
	}
	p := d.buf.Append(1)
	if p == nil {
		return d.drop(true)
	}
	p[0] = b
	return DecodeInProgress
}

func (d *Decoder) drop(untilEnd bool) DecodeResult {
	d.buf.Reset(d.headroom)
	d.escaped = false
	d.dropping = untilEnd
	return DecodeError
}

// AppendEncoded appends the SLIP frame of p to dst.
func AppendEncoded(dst, p []byte) []byte {
	dst = append(dst, End)
	for _, b := range p {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Encode returns the SLIP frame of p.
func Encode(p []byte) []byte {
	return AppendEncoded(make([]byte, 0, len(p)+len(p)/8+2), p)
}
