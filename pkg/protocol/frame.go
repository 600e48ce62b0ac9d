package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

const (
	// MaxHeaderBytes is the maximum allowed size of a frame's header block,
	// including the request line and the blank-line terminator (8 KB)
	MaxHeaderBytes = 8 * 1024

	// MaxBodyBytes is the maximum Content-Length accepted on a stream frame
	// (1 MB). The decoder allocates the declared length up front, so an
	// unchecked value is an allocation bomb.
	MaxBodyBytes = 1 << 20

	// ProtocolVersion is the version tag carried in every frame
	ProtocolVersion = "1.0"

	// HeaderContentLength is synthesized by the encoder for every frame
	HeaderContentLength = "Content-Length"
)

// Well-known header names
const (
	HeaderHost      = "Host"
	HeaderFrom      = "From"
	HeaderTo        = "To"
	HeaderRequestID = "Request-ID"
	HeaderTimestamp = "Timestamp"
)

var (
	ErrMalformedFrame = errors.New("malformed frame: request line must be two tokens")
	ErrHeaderTooLarge = errors.New("frame header block exceeds maximum size (8 KB)")
	ErrBodyTooLarge   = errors.New("frame declares a body larger than the maximum size (1 MB)")
	ErrShortBody      = errors.New("stream closed before declared body length was read")
)

// Frame represents a single protocol message.
// Wire format:
//
//	{TYPE} {VERSION}\r\n
//	{Key}: {Value}\r\n
//	...
//	\r\n
//	{body bytes}
//
// Content-Length is synthesized from the body on encode and drives the body
// read on decode. Headers are case-sensitive as transmitted.
type Frame struct {
	Type    string
	Version string            // version tag; mismatches are carried, not rejected
	Headers map[string]string // extra headers, Content-Length excluded
	Body    []byte
}

// NewFrame creates a frame with the current protocol version.
func NewFrame(msgType string, body []byte) *Frame {
	return &Frame{
		Type:    msgType,
		Version: ProtocolVersion,
		Headers: make(map[string]string),
		Body:    body,
	}
}

// SetHeader sets a header value, allocating the map if needed.
func (f *Frame) SetHeader(key, value string) *Frame {
	if f.Headers == nil {
		f.Headers = make(map[string]string)
	}
	f.Headers[key] = value
	return f
}

// Header returns a header value, or "" if absent.
func (f *Frame) Header(key string) string {
	return f.Headers[key]
}

// EncodeFrame writes a frame to the writer. Content-Length is emitted exactly
// once; a caller-supplied Content-Length header is ignored.
func EncodeFrame(w io.Writer, f *Frame) error {
	version := f.Version
	if version == "" {
		version = ProtocolVersion
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\r\n", f.Type, version)
	fmt.Fprintf(&buf, "%s: %d\r\n", HeaderContentLength, len(f.Body))

	// Deterministic header order keeps encoded frames byte-comparable
	keys := make([]string, 0, len(f.Headers))
	for key := range f.Headers {
		if key == HeaderContentLength {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", key, f.Headers[key])
	}

	buf.WriteString("\r\n")
	buf.Write(f.Body)

	_, err := w.Write(buf.Bytes())
	return err
}

// Encode returns the frame's wire bytes. Suitable for datagram sends, where
// the whole frame travels in one packet.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes cannot fail
	_ = EncodeFrame(&buf, f)
	return buf.Bytes()
}

// DecodeFrame reads a single frame from a stream. TCP has no message
// boundaries, so the header block is scanned byte by byte until the blank-line
// sentinel. io.EOF before any header byte means the peer closed cleanly;
// callers treat any decode error on a stream as a connection-closed signal.
func DecodeFrame(r io.Reader) (*Frame, error) {
	lines, err := readHeaderBlock(r)
	if err != nil {
		return nil, err
	}

	frame, err := parseHeaderLines(lines)
	if err != nil {
		return nil, err
	}

	length, err := contentLength(frame)
	if err != nil {
		return nil, err
	}

	if length > 0 {
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, ErrShortBody
		}
		frame.Body = body
	}

	return frame, nil
}

// DecodeDatagram parses one already-received datagram. The header block is
// everything before the first CRLFCRLF; the rest is the body as-is (its
// length is not checked against Content-Length, the packet boundary is
// authoritative).
func DecodeDatagram(data []byte) (*Frame, error) {
	sep := bytes.Index(data, []byte("\r\n\r\n"))
	if sep < 0 {
		return nil, ErrMalformedFrame
	}
	if sep+4 > MaxHeaderBytes {
		return nil, ErrHeaderTooLarge
	}

	lines := strings.Split(string(data[:sep]), "\r\n")
	frame, err := parseHeaderLines(lines)
	if err != nil {
		return nil, err
	}

	if body := data[sep+4:]; len(body) > 0 {
		frame.Body = append([]byte(nil), body...)
	}
	return frame, nil
}

// readHeaderBlock consumes bytes until the CRLF-only line, returning the
// accumulated non-empty header lines.
func readHeaderBlock(r io.Reader) ([]string, error) {
	var (
		lines   []string
		current []byte
		char    [1]byte
		total   int
	)

	for {
		n, err := r.Read(char[:])
		if n == 0 {
			if err == nil {
				continue
			}
			if len(lines) == 0 && len(current) == 0 {
				return nil, io.EOF
			}
			return nil, err
		}

		total++
		if total > MaxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}

		if char[0] != '\n' {
			current = append(current, char[0])
			continue
		}

		line := strings.TrimSuffix(string(current), "\r")
		current = current[:0]
		if line == "" {
			return lines, nil
		}
		lines = append(lines, line)
	}
}

// parseHeaderLines builds a Frame from the raw header lines (no body).
func parseHeaderLines(lines []string) (*Frame, error) {
	if len(lines) == 0 {
		return nil, io.EOF
	}

	tokens := strings.Fields(lines[0])
	if len(tokens) != 2 {
		return nil, ErrMalformedFrame
	}

	frame := &Frame{
		Type:    tokens[0],
		Version: tokens[1],
		Headers: make(map[string]string),
	}

	for _, line := range lines[1:] {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		frame.Headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return frame, nil
}

// contentLength extracts and removes the Content-Length header so Headers
// round-trips to what the sender supplied.
func contentLength(frame *Frame) (int, error) {
	raw, ok := frame.Headers[HeaderContentLength]
	if !ok {
		return 0, nil
	}
	delete(frame.Headers, HeaderContentLength)

	length, err := strconv.Atoi(raw)
	if err != nil || length < 0 {
		return 0, ErrMalformedFrame
	}
	if length > MaxBodyBytes {
		return 0, ErrBodyTooLarge
	}
	return length, nil
}
