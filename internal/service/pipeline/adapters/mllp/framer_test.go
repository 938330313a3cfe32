package mllp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(payload string) []byte {
	b := []byte{startByte}
	b = append(b, payload...)
	return append(b, endByte, crByte)
}

func TestFramerSingleFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		_, _ = client.Write(frame("MSH|^~\\&|A"))
	}()

	f := NewFramer(server, 1<<20)
	payload, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MSH|^~\\&|A", string(payload))
}

func TestFramerFrameSplitAcrossReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	full := frame("MSH|split|frame")
	go func() {
		for _, b := range full {
			_, _ = client.Write([]byte{b})
		}
	}()

	f := NewFramer(server, 1<<20)
	payload, err := f.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "MSH|split|frame", string(payload))
}

func TestFramerMultipleFramesPerRead(t *testing.T) {
	client, server := net.Pipe()

	var batch []byte
	batch = append(batch, frame("first")...)
	batch = append(batch, frame("second")...)
	batch = append(batch, frame("third")...)
	go func() {
		_, _ = client.Write(batch)
		_ = client.Close()
	}()

	f := NewFramer(server, 1<<20)
	ctx := context.Background()
	for _, want := range []string{"first", "second", "third"} {
		payload, err := f.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(payload))
	}

	_, err := f.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramerTrailerCRInLaterRead(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		// FS arrives without its CR; the CR leads the next write.
		_, _ = client.Write(append([]byte{startByte}, append([]byte("early"), endByte)...))
		_, _ = client.Write(append([]byte{crByte}, frame("late")...))
	}()

	f := NewFramer(server, 1<<20)
	ctx := context.Background()

	payload, err := f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "early", string(payload))

	payload, err = f.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "late", string(payload))
}

func TestFramerFrameTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		big := make([]byte, 300)
		big[0] = startByte
		_, _ = client.Write(big)
	}()

	f := NewFramer(server, 256)
	_, err := f.Next(context.Background())
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestFramerCloseMidFrame(t *testing.T) {
	client, server := net.Pipe()

	go func() {
		_, _ = client.Write([]byte{startByte, 'p', 'a', 'r', 't'})
		_ = client.Close()
	}()

	f := NewFramer(server, 1<<20)
	_, err := f.Next(context.Background())
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestFramerContextCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := NewFramer(server, 1<<20)
	_, err := f.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteAck(t *testing.T) {
	tests := []struct {
		name      string
		controlID string
		accepted  bool
		reason    string
		want      string
	}{
		{
			name:      "positive",
			controlID: "MSG000001",
			accepted:  true,
			want:      "MSA|AA|MSG000001",
		},
		{
			name:      "negative with reason",
			controlID: "MSG000002",
			accepted:  false,
			reason:    "missing segment PID",
			want:      "MSA|AE|MSG000002|missing segment PID",
		},
		{
			name:     "reason with framing bytes sanitized",
			accepted: false,
			reason:   "bad\rframe\x1cbytes",
			want:     "MSA|AE||bad frame bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			f := NewFramer(server, 1<<20)
			errCh := make(chan error, 1)
			go func() {
				errCh <- f.WriteAck(tt.controlID, tt.accepted, tt.reason)
			}()

			buf := make([]byte, 512)
			n, err := client.Read(buf)
			require.NoError(t, err)
			require.NoError(t, <-errCh)

			got := buf[:n]
			require.Equal(t, byte(startByte), got[0])
			require.Equal(t, byte(crByte), got[n-1])
			require.Equal(t, byte(endByte), got[n-2])
			assert.Equal(t, tt.want, string(got[1:n-2]))
		})
	}
}
