package protocol

import (
	"encoding/binary"

	"github.com/coinstash/securerpc/internal/cryptosession"
	"github.com/coinstash/securerpc/internal/rpcerrors"
)

// Codec turns Messages into Frames and back. Before the handshake
// completes, Session is nil and only HandshakeInit/HandshakeReply frames
// may be encoded or decoded in plaintext. Once installed, Normal frames
// are sealed and opened through the AEAD session. Handshake frames are
// still encoded in plaintext regardless of session state, per the wire
// format, but decoding one once a session is installed is a ProtocolError.
type Codec struct {
	Session *cryptosession.AEADSession
}

// NewCodec creates a Codec with no AEAD session installed.
func NewCodec() *Codec {
	return &Codec{}
}

// InstallSession attaches the AEAD session derived from a completed
// handshake. Subsequent Normal frames are sealed/opened through it.
func (c *Codec) InstallSession(s *cryptosession.AEADSession) {
	c.Session = s
}

// EncodeFrame serializes a MessageWrapper into a Frame ready to be written
// by a FrameWriter. HandshakeInit/HandshakeReply bodies are the CBOR
// encoding of the Message; Normal bodies are
// [u32 BE nonce_len][nonce][ciphertext||tag] wrapping the CBOR-encoded
// Message as plaintext.
func (c *Codec) EncodeFrame(w MessageWrapper) (*Frame, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	payload, err := EncodeMessage(w.Payload)
	if err != nil {
		return nil, err
	}

	switch w.Kind {
	case KindHandshakeInit, KindHandshakeReply:
		return &Frame{Kind: w.Kind, Body: payload}, nil
	case KindNormal:
		if c.Session == nil {
			return nil, rpcerrors.NewProtocolError("encode_frame", rpcerrors.ErrSessionNotReady)
		}
		nonce, ciphertext, err := c.Session.Seal(payload)
		if err != nil {
			return nil, err
		}
		body := make([]byte, 4+len(nonce)+len(ciphertext))
		binary.BigEndian.PutUint32(body[:4], uint32(len(nonce)))
		copy(body[4:], nonce)
		copy(body[4+len(nonce):], ciphertext)
		return &Frame{Kind: KindNormal, Body: body}, nil
	default:
		return nil, rpcerrors.NewProtocolError("encode_frame", rpcerrors.ErrUnknownFrameKind)
	}
}

// DecodeFrame parses a Frame read by a FrameReader back into a
// MessageWrapper, opening the AEAD session for Normal frames.
func (c *Codec) DecodeFrame(f *Frame) (MessageWrapper, error) {
	switch f.Kind {
	case KindHandshakeInit, KindHandshakeReply:
		if c.Session != nil {
			return MessageWrapper{}, rpcerrors.NewProtocolError("decode_frame", rpcerrors.ErrUnexpectedSession)
		}
		msg, err := DecodeMessage(f.Body)
		if err != nil {
			return MessageWrapper{}, err
		}
		w := MessageWrapper{Kind: f.Kind, Payload: msg}
		if err := w.Validate(); err != nil {
			return MessageWrapper{}, err
		}
		return w, nil
	case KindNormal:
		if c.Session == nil {
			return MessageWrapper{}, rpcerrors.NewProtocolError("decode_frame", rpcerrors.ErrSessionNotReady)
		}
		if len(f.Body) < 4 {
			return MessageWrapper{}, rpcerrors.NewFramingError("decode_frame", rpcerrors.ErrTruncatedFrame)
		}
		nonceLen := binary.BigEndian.Uint32(f.Body[:4])
		rest := f.Body[4:]
		if uint32(len(rest)) < nonceLen {
			return MessageWrapper{}, rpcerrors.NewFramingError("decode_frame", rpcerrors.ErrTruncatedFrame)
		}
		nonce := rest[:nonceLen]
		ciphertext := rest[nonceLen:]

		plaintext, err := c.Session.Open(nonce, ciphertext)
		if err != nil {
			return MessageWrapper{}, err
		}
		msg, err := DecodeMessage(plaintext)
		if err != nil {
			return MessageWrapper{}, err
		}
		w := MessageWrapper{Kind: KindNormal, Payload: msg}
		if err := w.Validate(); err != nil {
			return MessageWrapper{}, err
		}
		return w, nil
	default:
		return MessageWrapper{}, rpcerrors.NewFramingError("decode_frame", rpcerrors.ErrUnknownFrameKind)
	}
}
