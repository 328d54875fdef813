// Package protocol implements the wire framing, message codec and message
// types for the secure RPC transport.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/coinstash/securerpc/internal/rpcerrors"
)

// MessageKind tags a frame with the role its body plays in the protocol.
type MessageKind uint8

const (
	// KindHandshakeInit carries the client's ephemeral public key.
	KindHandshakeInit MessageKind = 0
	// KindHandshakeReply carries the server's signed ephemeral public key.
	KindHandshakeReply MessageKind = 1
	// KindNormal carries an AEAD-sealed application message.
	KindNormal MessageKind = 2

	// KindUnknown is a decode-only sentinel for kind bytes outside the
	// known range; it is never emitted on the wire.
	KindUnknown MessageKind = 0xff
)

func (k MessageKind) String() string {
	switch k {
	case KindHandshakeInit:
		return "handshake_init"
	case KindHandshakeReply:
		return "handshake_reply"
	case KindNormal:
		return "normal"
	default:
		return "unknown"
	}
}

// frameHeaderSize is the length in bytes of the length prefix plus kind
// byte that precedes every frame body.
const frameHeaderSize = 5

// MinFrameSize is the smallest legal frame: a 4-byte length prefix and a
// 1-byte kind with an empty body.
const MinFrameSize = frameHeaderSize

// DefaultMaxFrameSize bounds the total size (kind + body) of a single
// frame. It can be overridden per FrameReader/FrameWriter.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB

// MaxHandshakeFrameSize bounds HandshakeInit/HandshakeReply frames, which
// carry only a fixed-size public key and signature and so never need
// anywhere near the default application frame size.
const MaxHandshakeFrameSize = 4096

// Frame is a single unit on the wire: a kind tag and an opaque body. The
// body is CBOR-encoded Message bytes for HandshakeInit/HandshakeReply, or
// the nonce-prefixed ciphertext for Normal frames.
type Frame struct {
	Kind MessageKind
	Body []byte
}

// FrameReader reads length-prefixed frames from an io.Reader.
type FrameReader struct {
	r            io.Reader
	maxFrameSize uint32
	header       [frameHeaderSize]byte
}

// NewFrameReader creates a FrameReader with the default maximum frame size.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderSize(r, DefaultMaxFrameSize)
}

// NewFrameReaderSize creates a FrameReader bounded to maxFrameSize bytes
// (kind byte plus body).
func NewFrameReaderSize(r io.Reader, maxFrameSize uint32) *FrameReader {
	return &FrameReader{r: r, maxFrameSize: maxFrameSize}
}

// Read blocks until a complete frame has been read, or returns an error.
// A FramingError is returned for malformed length prefixes, oversized
// frames or an unknown kind byte; io.EOF is returned unwrapped when the
// peer closed the connection cleanly between frames.
func (fr *FrameReader) Read() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:4]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, rpcerrors.NewFramingError("read_length", err)
	}

	totalLen := binary.BigEndian.Uint32(fr.header[:4])
	if totalLen == 0 {
		return nil, rpcerrors.NewFramingError("read_length", rpcerrors.ErrFrameTooSmall)
	}
	if totalLen > fr.maxFrameSize {
		return nil, rpcerrors.NewFramingError("read_length", fmt.Errorf("%w: %d > %d", rpcerrors.ErrFrameTooLarge, totalLen, fr.maxFrameSize))
	}

	payload := make([]byte, totalLen)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, rpcerrors.NewFramingError("read_body", rpcerrors.ErrTruncatedFrame)
		}
		return nil, rpcerrors.NewFramingError("read_body", err)
	}

	kind := MessageKind(payload[0])
	switch kind {
	case KindHandshakeInit, KindHandshakeReply, KindNormal:
	default:
		return nil, rpcerrors.NewFramingError("read_kind", fmt.Errorf("%w: 0x%02x", rpcerrors.ErrUnknownFrameKind, payload[0]))
	}

	return &Frame{Kind: kind, Body: payload[1:]}, nil
}

// FrameWriter writes length-prefixed frames to an io.Writer.
type FrameWriter struct {
	w            io.Writer
	maxFrameSize uint32
}

// NewFrameWriter creates a FrameWriter with the default maximum frame size.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return NewFrameWriterSize(w, DefaultMaxFrameSize)
}

// NewFrameWriterSize creates a FrameWriter bounded to maxFrameSize bytes.
func NewFrameWriterSize(w io.Writer, maxFrameSize uint32) *FrameWriter {
	return &FrameWriter{w: w, maxFrameSize: maxFrameSize}
}

// Write encodes and writes a single frame.
func (fw *FrameWriter) Write(f *Frame) error {
	totalLen := uint64(1) + uint64(len(f.Body))
	if totalLen > uint64(fw.maxFrameSize) {
		return rpcerrors.NewFramingError("write_length", fmt.Errorf("%w: %d > %d", rpcerrors.ErrFrameTooLarge, totalLen, fw.maxFrameSize))
	}

	buf := make([]byte, frameHeaderSize+len(f.Body))
	binary.BigEndian.PutUint32(buf[:4], uint32(totalLen))
	buf[4] = byte(f.Kind)
	copy(buf[frameHeaderSize:], f.Body)

	if _, err := fw.w.Write(buf); err != nil {
		return rpcerrors.NewFramingError("write", err)
	}
	return nil
}
