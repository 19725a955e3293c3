package smtp

import "io"

// escape state, tracking how the stream ended so dot-stuffing and the
// end-of-body terminator stay correct across Write call boundaries.
// Mirrors the read-side state machine chasquid's DATA reader uses
// (prevOther/prevCR/prevCRLF), mirrored for writing.
type escapeState int

const (
	escMidLine escapeState = iota // 0: mid-line, or fresh start
	escCR                         // 1: just wrote '\r'
	escCRLF                       // 2: just wrote '\r\n'
)

// dataWriter streams a message body to w, applying RFC 5321 transparency
// (dot-stuffing): any line beginning with '.' gets an extra '.' prepended.
// It starts in state escCRLF, as if coming from a '\r\n', so a leading '.'
// on the very first byte of the body is stuffed correctly without special
// casing.
type dataWriter struct {
	w     io.Writer
	state escapeState
}

func newDataWriter(w io.Writer) *dataWriter {
	return &dataWriter{w: w, state: escCRLF}
}

// Write implements io.Writer, passing bytes through to the underlying sink
// while dot-stuffing any "\r\n." sequence.
func (d *dataWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		// Find the longest run we can hand to the sink unmodified.
		i := 0
		for i < len(p) {
			b := p[i]
			switch d.state {
			case escCRLF:
				if b == '.' {
					// Needs stuffing: flush what we have, emit an extra
					// '.', then continue from just past it.
					if i > 0 {
						n, err := d.w.Write(p[:i])
						written += n
						if err != nil {
							return written, err
						}
					}
					if _, err := d.w.Write([]byte{'.'}); err != nil {
						return written, err
					}
					p = p[i:]
					i = 0
					d.state = escMidLine
					continue
				}
				if b == '\r' {
					d.state = escCR
				} else {
					d.state = escMidLine
				}
			case escCR:
				switch b {
				case '\n':
					d.state = escCRLF
				case '\r':
					// Stay in escCR: a repeated bare CR doesn't cancel the
					// pending line terminator, it just delays it.
				default:
					d.state = escMidLine
				}
			case escMidLine:
				if b == '\r' {
					d.state = escCR
				}
			}
			i++
		}
		if i > 0 {
			n, err := d.w.Write(p[:i])
			written += n
			if err != nil {
				return written, err
			}
		}
		p = p[i:]
	}
	return written, nil
}

// Close writes the end-of-body terminator, choosing the minimal prefix
// needed given the current escape state (see spec's end-of-body table),
// then resets state for reuse (the codec is stateless between bodies).
func (d *dataWriter) Close() error {
	var prefix string
	switch d.state {
	case escMidLine:
		prefix = "\r\n.\r\n"
	case escCR:
		prefix = "\n.\r\n"
	case escCRLF:
		prefix = ".\r\n"
	}
	_, err := d.w.Write([]byte(prefix))
	d.state = escCRLF
	return err
}
