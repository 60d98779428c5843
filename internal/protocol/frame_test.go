package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/gluk-w/tunnelcore/internal/terrors"
)

func TestEncodeDecode_ForwardFrame(t *testing.T) {
	f := Frame{
		ID:        "op-1",
		Type:      TypeForward,
		Payload:   []byte("hello backend"),
		Headers:   map[string]string{"x-correlation-id": "corr-1"},
		TimeoutMs: 5000,
	}

	data, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.ID != f.ID || got.Type != TypeForward || string(got.Payload) != "hello backend" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Headers["x-correlation-id"] != "corr-1" {
		t.Errorf("headers lost: %+v", got.Headers)
	}
}

func TestEncode_RejectsOversized(t *testing.T) {
	f := Frame{
		ID:      "big",
		Type:    TypeForward,
		Payload: bytes.Repeat([]byte("a"), MaxFrameSize),
	}

	_, err := Encode(f)
	if err == nil {
		t.Fatal("expected oversized frame rejection")
	}
	var te *terrors.Error
	if !errors.As(err, &te) || te.Category != terrors.CategoryProtocol {
		t.Errorf("expected protocol category, got %v", err)
	}
	if te.Code != "frame_oversized" {
		t.Errorf("code = %q, want frame_oversized", te.Code)
	}
}

func TestDecode_RejectsUntypedAndMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"x"}`)); err == nil {
		t.Error("expected error for frame without type")
	}
	if _, err := Decode([]byte(`{not json`)); err == nil {
		t.Error("expected error for malformed frame")
	}
}

func TestWriteReadFrame_Stream(t *testing.T) {
	var buf bytes.Buffer

	frames := []Frame{
		Ping("probe-1"),
		Pong("probe-1"),
		{ID: "op-2", Type: TypeResponse, StatusCode: 200, LatencyMs: 12},
		ErrorFrame("op-3", terrors.New(terrors.CategoryServer, "backend_unavailable", "backend down", true)),
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame(%s): %v", f.Type, err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, want := range frames {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame #%d: %v", i, err)
		}
		if got.ID != want.ID || got.Type != want.Type {
			t.Errorf("frame #%d = %s/%s, want %s/%s", i, got.Type, got.ID, want.Type, want.ID)
		}
	}

	if _, err := ReadFrame(r); err != io.EOF {
		t.Errorf("expected io.EOF at stream end, got %v", err)
	}
}

// endlessReader serves the same byte forever and counts what was consumed.
type endlessReader struct {
	b byte
	n int64
}

func (r *endlessReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.b
	}
	r.n += int64(len(p))
	return len(p), nil
}

func TestReadFrame_BoundsDelimiterFreeStream(t *testing.T) {
	src := &endlessReader{b: 'a'}

	_, err := ReadFrame(bufio.NewReader(src))
	if err == nil {
		t.Fatal("expected oversized frame rejection")
	}
	var te *terrors.Error
	if !errors.As(err, &te) || te.Category != terrors.CategoryProtocol || te.Code != "frame_oversized" {
		t.Fatalf("expected protocol/frame_oversized, got %v", err)
	}

	// Consumption must stop near the ceiling, not track the peer. Allow one
	// reader buffer of slack past the limit.
	if max := int64(MaxFrameSize + 64*1024); src.n > max {
		t.Errorf("consumed %d bytes from a delimiter-free stream, want <= %d", src.n, max)
	}
}

func TestReadBounded_LimitBoundary(t *testing.T) {
	limit := 16

	exact := append(bytes.Repeat([]byte("a"), limit-1), '\n')
	got, err := readBounded(bufio.NewReader(bytes.NewReader(exact)), limit)
	if err != nil {
		t.Fatalf("frame at the ceiling should read: %v", err)
	}
	if len(got) != limit-1 {
		t.Errorf("read %d bytes, want %d", len(got), limit-1)
	}

	over := append(bytes.Repeat([]byte("a"), limit), '\n')
	if _, err := readBounded(bufio.NewReader(bytes.NewReader(over)), limit); err == nil {
		t.Error("frame past the ceiling should be rejected")
	}
}

func TestErrorFrame_CarriesTaxonomy(t *testing.T) {
	f := ErrorFrame("op-9", terrors.New(terrors.CategoryProtocol, "bad_handshake", "version mismatch", false))
	if f.Code != "bad_handshake" || f.Category != "protocol" {
		t.Errorf("error frame = %+v", f)
	}
}
