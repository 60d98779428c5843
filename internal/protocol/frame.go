// Package protocol defines the wire frames exchanged over the persistent
// tunnel link.
//
// Three envelope kinds carry forwarded work: forward (request), response,
// and error. A minimal ping/pong pair travels outside the envelope for
// liveness probing. Frames are newline-delimited JSON over a multiplexed
// stream, mirroring the newline-terminated channel header the tunnel uses
// for stream routing. Frames above 1 MiB are rejected before send.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gluk-w/tunnelcore/internal/terrors"
)

// MaxFrameSize is the ceiling on an encoded frame, in bytes.
const MaxFrameSize = 1 << 20

// FrameType tags a frame on the wire.
type FrameType string

const (
	TypeForward  FrameType = "forward"
	TypeResponse FrameType = "response"
	TypeError    FrameType = "error"
	TypePing     FrameType = "ping"
	TypePong     FrameType = "pong"
)

// Frame is the tagged wire object. Fields are populated according to Type:
// forward frames carry Payload/Headers/TimeoutMs, response frames add
// StatusCode/LatencyMs, error frames carry Code/Message/Category, and
// ping/pong frames carry only ID.
type Frame struct {
	ID        string            `json:"id"`
	Type      FrameType         `json:"type"`
	Payload   []byte            `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int64             `json:"timeoutMs,omitempty"`

	// Response fields
	StatusCode int   `json:"statusCode,omitempty"`
	LatencyMs  int64 `json:"latencyMs,omitempty"`

	// Error fields
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
	Category string `json:"category,omitempty"`
}

// Ping builds a liveness probe frame.
func Ping(id string) Frame {
	return Frame{ID: id, Type: TypePing}
}

// Pong builds the response to a liveness probe.
func Pong(id string) Frame {
	return Frame{ID: id, Type: TypePong}
}

// ErrorFrame builds an error frame answering the request with the given id.
func ErrorFrame(id string, err *terrors.Error) Frame {
	return Frame{
		ID:       id,
		Type:     TypeError,
		Code:     err.Code,
		Message:  err.Message,
		Category: err.Category.String(),
	}
}

// Encode serializes f, enforcing the size ceiling. Oversized frames are a
// protocol error and must be rejected before send.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, terrors.Protocolf("frame_encode", err, "cannot encode %s frame %s", f.Type, f.ID)
	}
	if len(data) > MaxFrameSize {
		return nil, terrors.New(terrors.CategoryProtocol, "frame_oversized",
			fmt.Sprintf("frame %s is %d bytes, ceiling is %d", f.ID, len(data), MaxFrameSize), false)
	}
	return data, nil
}

// Decode parses a single encoded frame.
func Decode(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, terrors.New(terrors.CategoryProtocol, "frame_oversized",
			fmt.Sprintf("received frame is %d bytes, ceiling is %d", len(data), MaxFrameSize), false)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, terrors.Protocolf("frame_decode", err, "cannot decode frame")
	}
	if f.Type == "" {
		return Frame{}, terrors.New(terrors.CategoryProtocol, "frame_untyped", "frame has no type tag", false)
	}
	return f, nil
}

// WriteFrame encodes f and writes it newline-terminated to w.
func WriteFrame(w io.Writer, f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return terrors.Networkf("frame_write", err, "cannot write %s frame %s", f.Type, f.ID)
	}
	return nil
}

// ReadFrame reads one newline-terminated frame from r. The reader should be
// buffered by the caller when reading repeatedly; a *bufio.Reader is used
// internally otherwise.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	line, err := readBounded(r, MaxFrameSize+1)
	if err != nil {
		return Frame{}, err
	}
	return Decode(line)
}

// readBounded reads up to the delimiter, failing once limit bytes have been
// consumed without seeing it. Reads go through the reader's buffer in chunks
// so a peer that never sends the delimiter cannot grow memory past the
// ceiling.
func readBounded(r *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		switch err {
		case nil:
			if len(line) > limit {
				return nil, errOversizedRead()
			}
			return line[:len(line)-1], nil // strip delimiter
		case bufio.ErrBufferFull:
			if len(line) >= limit {
				return nil, errOversizedRead()
			}
		default:
			if err == io.EOF && len(line) == 0 {
				return nil, io.EOF
			}
			return nil, terrors.Networkf("frame_read", err, "cannot read frame")
		}
	}
}

func errOversizedRead() error {
	return terrors.New(terrors.CategoryProtocol, "frame_oversized",
		fmt.Sprintf("received frame exceeds %d byte ceiling", MaxFrameSize), false)
}
