// Package wire implements the framed binary protocol spoken over the
// dispatch server's Unix-domain socket.
//
// Each message on the wire is a little-endian u32 length prefix
// followed by that many bytes of payload. A request payload is
// <cmdlen:u8><cmd:cmdlen bytes><args:remaining bytes>. A response
// payload is an opaque handler-defined byte sequence.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxPayload is the largest frame payload the server will accept
// before treating the connection as faulty.
const MaxPayload = 10 * 1024 * 1024

// LengthPrefixSize is the size in bytes of the frame length header.
const LengthPrefixSize = 4

// ErrOversizeFrame is returned by Extract when a frame's declared
// length prefix exceeds MaxPayload.
var ErrOversizeFrame = errors.New("wire: frame payload exceeds maximum size")

// EncodeFrame prepends a little-endian u32 length header to payload.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, LengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[LengthPrefixSize:], payload)
	return out
}

// EncodeRequest builds the request payload
// <cmdlen:u8><cmd><args> and frames it.
func EncodeRequest(cmd string, args []byte) ([]byte, error) {
	if len(cmd) > 0xff {
		return nil, fmt.Errorf("wire: command name %q exceeds 255 bytes", cmd)
	}
	payload := make([]byte, 1+len(cmd)+len(args))
	payload[0] = byte(len(cmd))
	copy(payload[1:], cmd)
	copy(payload[1+len(cmd):], args)
	return EncodeFrame(payload), nil
}

// DecodedRequest is a parsed request payload.
type DecodedRequest struct {
	Command string
	Args    []byte
}

// ErrEmptyRequest and ErrMalformedRequest are returned for an empty
// payload or a cmd_length that exceeds the payload; callers send their
// text back as a fixed error response rather than dropping the frame.
var (
	ErrEmptyRequest     = errors.New("ERROR: Empty request")
	ErrMalformedRequest = errors.New("ERROR: Invalid request format")
)

// DecodeRequest parses a request payload. The returned errors are the
// literal response text the caller should send back, not wrapped Go
// errors.
func DecodeRequest(payload []byte) (DecodedRequest, error) {
	if len(payload) == 0 {
		return DecodedRequest{}, ErrEmptyRequest
	}

	cmdLen := int(payload[0])
	if len(payload) < 1+cmdLen {
		return DecodedRequest{}, ErrMalformedRequest
	}

	return DecodedRequest{
		Command: string(payload[1 : 1+cmdLen]),
		Args:    payload[1+cmdLen:],
	}, nil
}

// Extract scans buf starting at offset 0 for as many complete frames
// as are present, invoking onFrame with each payload's bytes (a copy,
// safe to retain). It returns the number of bytes consumed from the
// front of buf — the caller should discard that many bytes (e.g. via
// a buffer shift) and keep the remainder for the next read.
//
// onFrame reports whether the frame was accepted. If it returns
// false — e.g. because the caller could not acquire a request slot —
// Extract stops without advancing past that frame: it stays in the
// buffer, to be retried on the next read. The unconsumed frame (and
// everything after it) remains in buf for the next call.
//
// If a length prefix exceeding MaxPayload is encountered, Extract
// stops immediately and returns ErrOversizeFrame; the caller must
// treat the whole connection as faulty, regardless of how many valid
// frames preceded it in this call.
func Extract(buf []byte, onFrame func(payload []byte) bool) (consumed int, err error) {
	offset := 0
	for offset+LengthPrefixSize <= len(buf) {
		length := binary.LittleEndian.Uint32(buf[offset : offset+LengthPrefixSize])
		if length > MaxPayload {
			return offset, ErrOversizeFrame
		}

		frameEnd := offset + LengthPrefixSize + int(length)
		if frameEnd > len(buf) {
			break
		}

		payload := make([]byte, length)
		copy(payload, buf[offset+LengthPrefixSize:frameEnd])
		if !onFrame(payload) {
			break
		}

		offset = frameEnd
	}
	return offset, nil
}
