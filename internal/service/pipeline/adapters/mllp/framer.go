// Package mllp implements the minimal lower layer protocol used to carry
// HL7 v2 messages over TCP: each message is wrapped in a VT start byte and an
// FS CR trailer.
package mllp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	startByte = 0x0B // VT
	endByte   = 0x1C // FS
	crByte    = 0x0D // CR
)

// pollInterval bounds how long a blocked read can outlive a cancelled
// context.
const pollInterval = 500 * time.Millisecond

// ErrFrameTooLarge means a frame exceeded the configured maximum before its
// trailer was seen. The connection is no longer framed and must be closed.
var ErrFrameTooLarge = errors.New("mllp: frame exceeds maximum size")

// ErrConnectionClosed means the peer closed mid-frame.
var ErrConnectionClosed = errors.New("mllp: connection closed")

// Framer extracts MLLP frames from a connection. Frames may arrive split
// across reads or several per read; the framer buffers accordingly. Not safe
// for concurrent use.
type Framer struct {
	conn     net.Conn
	buf      bytes.Buffer
	scratch  []byte
	maxFrame int
	skipCR   bool
}

// NewFramer wraps conn. maxFrame bounds the size of a single frame payload.
func NewFramer(conn net.Conn, maxFrame int) *Framer {
	return &Framer{
		conn:     conn,
		scratch:  make([]byte, 64*1024),
		maxFrame: maxFrame,
	}
}

// Next returns the payload of the next complete frame with the MLLP wrapper
// stripped. Buffered complete frames are drained before the connection is
// read again. Returns io.EOF on a clean close between frames,
// ErrConnectionClosed on a close mid-frame and ErrFrameTooLarge when the
// buffered partial frame exceeds the limit.
func (f *Framer) Next(ctx context.Context) ([]byte, error) {
	for {
		if payload, ok := f.takeFrame(); ok {
			return payload, nil
		}
		if f.maxFrame > 0 && f.buf.Len() > f.maxFrame {
			return nil, ErrFrameTooLarge
		}
		if err := f.fill(ctx); err != nil {
			if errors.Is(err, io.EOF) {
				if f.buf.Len() == 0 {
					return nil, io.EOF
				}
				return nil, fmt.Errorf("%w: %d bytes of incomplete frame", ErrConnectionClosed, f.buf.Len())
			}
			return nil, err
		}
	}
}

// takeFrame consumes one complete frame from the buffer, if present.
func (f *Framer) takeFrame() ([]byte, bool) {
	data := f.buf.Bytes()
	if f.skipCR && len(data) > 0 {
		if data[0] == crByte {
			f.buf.Next(1)
			data = f.buf.Bytes()
		}
		f.skipCR = false
	}
	end := bytes.IndexByte(data, endByte)
	if end < 0 {
		return nil, false
	}
	frame := make([]byte, end)
	copy(frame, data[:end])
	f.buf.Next(end + 1)
	// The CR that follows FS may not have arrived yet.
	if rest := f.buf.Bytes(); len(rest) > 0 && rest[0] == crByte {
		f.buf.Next(1)
	} else if len(rest) == 0 {
		f.skipCR = true
	}
	if i := bytes.IndexByte(frame, startByte); i >= 0 {
		frame = frame[i+1:]
	}
	return frame, true
}

// fill reads once from the connection into the buffer, polling so a
// cancelled context is noticed even while blocked.
func (f *Framer) fill(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deadline := time.Now().Add(pollInterval)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := f.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		n, err := f.conn.Read(f.scratch)
		if n > 0 {
			f.buf.Write(f.scratch[:n])
			return nil
		}
		if err == nil {
			continue
		}
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			continue
		}
		if errors.Is(err, net.ErrClosed) {
			return io.EOF
		}
		return err
	}
}

// WriteAck writes an MLLP-framed acknowledgement. A positive ack carries
// MSA|AA, a negative one MSA|AE with the reason appended.
func (f *Framer) WriteAck(controlID string, accepted bool, reason string) error {
	var msa string
	if accepted {
		msa = "MSA|AA|" + controlID
	} else {
		msa = "MSA|AE|" + controlID + "|" + sanitizeReason(reason)
	}
	frame := make([]byte, 0, len(msa)+3)
	frame = append(frame, startByte)
	frame = append(frame, msa...)
	frame = append(frame, endByte, crByte)
	if err := f.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	_, err := f.conn.Write(frame)
	return err
}

// sanitizeReason keeps the reason from breaking the ack's own framing.
func sanitizeReason(reason string) string {
	clean := make([]byte, 0, len(reason))
	for i := 0; i < len(reason); i++ {
		switch reason[i] {
		case startByte, endByte, crByte, '\n':
			clean = append(clean, ' ')
		default:
			clean = append(clean, reason[i])
		}
	}
	const maxReason = 200
	if len(clean) > maxReason {
		clean = clean[:maxReason]
	}
	return string(clean)
}
