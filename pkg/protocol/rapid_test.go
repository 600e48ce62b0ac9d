package protocol

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// headerToken generates header keys/values that survive the text framing:
// no CR/LF, no leading/trailing whitespace, keys additionally without ':'.
func headerKey() *rapid.Generator[string] {
	return rapid.StringMatching(`[A-Za-z][A-Za-z0-9-]{0,30}`)
}

func headerValue() *rapid.Generator[string] {
	// printable ASCII, no surrounding whitespace (decode trims it)
	return rapid.StringMatching(`[!-~]([ -~]{0,60}[!-~])?`)
}

// TestFrameRoundTrip tests that any well-formed frame survives a stream
// encode/decode cycle.
func TestFrameRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.StringMatching(`[A-Z][A-Z_]{0,20}`).Draw(t, "type")
		headers := rapid.MapOfN(headerKey(), headerValue(), 0, 8).Draw(t, "headers")
		delete(headers, HeaderContentLength)
		bodyLen := rapid.IntRange(0, 2048).Draw(t, "bodyLen")
		body := rapid.SliceOfN(rapid.Byte(), bodyLen, bodyLen).Draw(t, "body")

		original := &Frame{
			Type:    msgType,
			Version: ProtocolVersion,
			Headers: headers,
			Body:    body,
		}

		var buf bytes.Buffer
		if err := EncodeFrame(&buf, original); err != nil {
			t.Fatalf("encode failed: %v", err)
		}

		decoded, err := DecodeFrame(&buf)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Type != original.Type {
			t.Fatalf("type mismatch: got %q, want %q", decoded.Type, original.Type)
		}
		if decoded.Version != original.Version {
			t.Fatalf("version mismatch: got %q, want %q", decoded.Version, original.Version)
		}
		if len(decoded.Headers) != len(original.Headers) {
			t.Fatalf("header count mismatch: got %d, want %d", len(decoded.Headers), len(original.Headers))
		}
		for key, want := range original.Headers {
			if got := decoded.Headers[key]; got != want {
				t.Fatalf("header %q mismatch: got %q, want %q", key, got, want)
			}
		}
		if !bytes.Equal(decoded.Body, original.Body) {
			t.Fatalf("body mismatch")
		}
	})
}

// TestDatagramRoundTrip covers the packet-shaped decode path with bodies that
// do not embed the CRLFCRLF separator.
func TestDatagramRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msgType := rapid.StringMatching(`[A-Z][A-Z_]{0,20}`).Draw(t, "type")
		headers := rapid.MapOfN(headerKey(), headerValue(), 0, 6).Draw(t, "headers")
		delete(headers, HeaderContentLength)
		body := []byte(rapid.StringMatching(`[^\r]{0,200}`).Draw(t, "body"))

		original := &Frame{
			Type:    msgType,
			Version: ProtocolVersion,
			Headers: headers,
			Body:    body,
		}

		decoded, err := DecodeDatagram(original.Encode())
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}

		if decoded.Type != original.Type {
			t.Fatalf("type mismatch: got %q, want %q", decoded.Type, original.Type)
		}
		for key, want := range original.Headers {
			if got := decoded.Headers[key]; got != want {
				t.Fatalf("header %q mismatch: got %q, want %q", key, got, want)
			}
		}
		if len(body) == 0 {
			if len(decoded.Body) != 0 {
				t.Fatalf("expected empty body, got %d bytes", len(decoded.Body))
			}
		} else if !bytes.Equal(decoded.Body, body) {
			t.Fatalf("body mismatch")
		}
	})
}
