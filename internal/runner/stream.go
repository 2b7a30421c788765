package runner

import (
	"bytes"
	"encoding/json"
)

// sentinel marks the first byte of real event output. Everything before it
// is the terminal echoing the command line back.
const sentinel = `{"type":`

// lineFilter turns a raw PTY byte stream into validated JSON event lines:
// suppress the echo prefix, scrub ANSI sequences, frame newline-terminated
// lines, and drop anything that is not valid JSON.
type lineFilter struct {
	onLine  func(string)
	started bool
	buf     bytes.Buffer
}

func newLineFilter(onLine func(string)) *lineFilter {
	return &lineFilter{onLine: onLine}
}

// feed consumes one raw chunk. Chunks arrive serially from the PTY reader.
func (f *lineFilter) feed(chunk []byte) {
	f.buf.Write(chunk)

	if !f.started {
		data := f.buf.Bytes()
		idx := bytes.Index(data, []byte(sentinel))
		if idx < 0 {
			// Keep only a tail that could still complete the sentinel
			// across the next chunk boundary.
			if keep := len(sentinel) - 1; f.buf.Len() > keep {
				tail := append([]byte(nil), data[len(data)-keep:]...)
				f.buf.Reset()
				f.buf.Write(tail)
			}
			return
		}
		rest := append([]byte(nil), data[idx:]...)
		f.buf.Reset()
		f.buf.Write(rest)
		f.started = true
	}

	f.drain()
}

// flush emits a trailing line that the PTY closed without terminating.
func (f *lineFilter) flush() {
	if !f.started || f.buf.Len() == 0 {
		return
	}
	f.emit(f.buf.Bytes())
	f.buf.Reset()
}

func (f *lineFilter) drain() {
	for {
		data := f.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return
		}
		line := append([]byte(nil), data[:idx]...)
		f.buf.Next(idx + 1)
		f.emit(line)
	}
}

func (f *lineFilter) emit(line []byte) {
	clean := bytes.TrimRight(stripANSI(line), "\r")
	if len(bytes.TrimSpace(clean)) == 0 {
		return
	}
	if !json.Valid(clean) {
		return
	}
	f.onLine(string(clean))
}

const (
	esc = 0x1b
	bel = 0x07
)

// stripANSI removes CSI (ESC [ ... final-byte) and OSC (ESC ] ... BEL/ST)
// sequences from a single line.
func stripANSI(line []byte) []byte {
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); {
		if line[i] != esc || i+1 >= len(line) {
			out = append(out, line[i])
			i++
			continue
		}

		switch line[i+1] {
		case '[':
			// CSI: parameters then a final byte in 0x40..0x7e.
			j := i + 2
			for j < len(line) && (line[j] < 0x40 || line[j] > 0x7e) {
				j++
			}
			if j < len(line) {
				j++
			}
			i = j
		case ']':
			// OSC: terminated by BEL or ESC \.
			j := i + 2
			for j < len(line) {
				if line[j] == bel {
					j++
					break
				}
				if line[j] == esc && j+1 < len(line) && line[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j
		default:
			// Other two-byte escape.
			i += 2
		}
	}
	return out
}
