package stream

import (
	"bytes"
	"errors"
)

// MaxFrameSize bounds a single pending line in the decode buffer (1 MiB).
const MaxFrameSize = 1 << 20

// ErrFrameTooLarge indicates a line grew past MaxFrameSize without a terminator.
var ErrFrameTooLarge = errors.New("stream: frame exceeds max size")

var dataField = []byte("data")

// Decoder turns arbitrary byte chunks of an event-stream body into frame
// payloads. Bytes after the last line terminator stay buffered until the next
// chunk, so frames split across reads are reassembled rather than dropped.
type Decoder struct {
	buf     []byte
	data    []byte
	hasData bool
}

// Feed appends chunk and returns the payload of every frame completed by it.
// Each payload is the frame's data lines joined by '\n'.
func (d *Decoder) Feed(chunk []byte) ([][]byte, error) {
	d.buf = append(d.buf, chunk...)

	var frames [][]byte
	consumed := 0
	for {
		nl := bytes.IndexByte(d.buf[consumed:], '\n')
		if nl < 0 {
			break
		}
		line := d.buf[consumed : consumed+nl]
		consumed += nl + 1
		line = bytes.TrimSuffix(line, []byte{'\r'})

		if len(line) == 0 {
			if d.hasData {
				frames = append(frames, d.data)
			}
			d.data = nil
			d.hasData = false
			continue
		}
		d.processLine(line)
	}

	// Compact so the buffer never holds consumed bytes.
	rest := len(d.buf) - consumed
	copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:rest]

	if len(d.buf) > MaxFrameSize || len(d.data) > MaxFrameSize {
		d.Reset()
		return frames, ErrFrameTooLarge
	}
	return frames, nil
}

// Reset drops any partially received frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.data = nil
	d.hasData = false
}

// Buffered returns the number of bytes waiting for a line terminator.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

func (d *Decoder) processLine(line []byte) {
	if line[0] == ':' {
		return
	}

	field, value := line, []byte(nil)
	if idx := bytes.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		value = bytes.TrimPrefix(value, []byte{' '})
	}

	// event, id and retry carry nothing this protocol needs.
	if !bytes.Equal(field, dataField) {
		return
	}

	if d.hasData {
		d.data = append(d.data, '\n')
	}
	d.data = append(d.data, value...)
	d.hasData = true
}
