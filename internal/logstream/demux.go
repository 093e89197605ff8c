// Package logstream decodes the container engine's multiplexed log stream
// into ordered, stream-tagged text lines.
package logstream

import (
	"encoding/binary"
	"strings"
)

// Stream tags decoded from frame headers.
const (
	Stdout = "stdout"
	Stderr = "stderr"
)

const headerSize = 8

// EmitFunc receives one decoded, trimmed log line tagged with its stream.
type EmitFunc func(stream, line string)

// Demuxer is an incremental decoder for the engine's binary log framing:
// each frame carries an 8-byte header (1-byte stream tag, 3 unused bytes,
// 4-byte big-endian payload length) followed by the payload. It is an
// explicit state machine over the incoming byte stream, so a frame split
// across two chunks is reassembled correctly while payload bytes are still
// handed to the line splitter as soon as they arrive.
type Demuxer struct {
	emit EmitFunc

	header    [headerSize]byte
	headerLen int
	remaining uint32
	stream    string

	partial map[string]*strings.Builder
}

// NewDemuxer returns a Demuxer delivering lines to emit.
func NewDemuxer(emit EmitFunc) *Demuxer {
	return &Demuxer{
		emit:   emit,
		stream: Stdout,
		partial: map[string]*strings.Builder{
			Stdout: {},
			Stderr: {},
		},
	}
}

// Write feeds raw multiplexed bytes into the decoder. It never fails; it
// implements io.Writer so the engine's log stream can be copied straight in.
func (d *Demuxer) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		if d.remaining == 0 {
			need := headerSize - d.headerLen
			if need > len(p) {
				need = len(p)
			}
			copy(d.header[d.headerLen:], p[:need])
			d.headerLen += need
			p = p[need:]
			if d.headerLen < headerSize {
				return total, nil
			}
			d.headerLen = 0
			if d.header[0] == 2 {
				d.stream = Stderr
			} else {
				d.stream = Stdout
			}
			d.remaining = binary.BigEndian.Uint32(d.header[4:headerSize])
			continue
		}

		n := len(p)
		if uint32(n) > d.remaining {
			n = int(d.remaining)
		}
		d.appendText(d.stream, string(p[:n]))
		d.remaining -= uint32(n)
		p = p[n:]
	}
	return total, nil
}

// Flush emits any buffered partial lines. Call once the stream has ended.
func (d *Demuxer) Flush() {
	for _, stream := range []string{Stdout, Stderr} {
		buf := d.partial[stream]
		if line := strings.TrimRight(buf.String(), " \t\r"); line != "" {
			d.emit(stream, line)
		}
		buf.Reset()
	}
}

func (d *Demuxer) appendText(stream, text string) {
	buf := d.partial[stream]
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			buf.WriteString(text)
			return
		}
		buf.WriteString(text[:idx])
		line := strings.TrimRight(buf.String(), " \t\r")
		buf.Reset()
		if line != "" {
			d.emit(stream, line)
		}
		text = text[idx+1:]
	}
}
