package protocol

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/coinstash/securerpc/internal/rpcerrors"
)

// Message is the open-ended tagged union of application and handshake
// payloads carried inside a Frame body. New variants can be added without
// breaking decoders of older variants, since the wire form is a
// discriminated map rather than a fixed struct.
type Message interface {
	messageType() string
}

// Ping requests a Pong from the peer. It carries no payload.
type Ping struct{}

func (Ping) messageType() string { return "ping" }

// Pong answers a Ping. It carries no payload.
type Pong struct{}

func (Pong) messageType() string { return "pong" }

// ErrorMessage reports an application-level failure to the peer. It is
// distinct from the connection-terminal error kinds in package rpcerrors,
// which are never sent over the wire.
type ErrorMessage struct {
	Text string `cbor:"text"`
}

func (ErrorMessage) messageType() string { return "error" }

// Handshake carries a bare ephemeral public key, used by HandshakeInit.
type Handshake struct {
	PublicKey []byte `cbor:"public_key"`
}

func (Handshake) messageType() string { return "handshake" }

// SignedHandshake carries an ephemeral public key together with the
// long-term signature over it, used by HandshakeReply.
type SignedHandshake struct {
	PublicKey []byte `cbor:"public_key"`
	Signature []byte `cbor:"signature"`
}

func (SignedHandshake) messageType() string { return "signed_handshake" }

// envelope is the CBOR wire form of a Message: a type discriminator plus
// the variant's own fields, deferred as raw CBOR until the type is known.
type envelope struct {
	Type string          `cbor:"type"`
	Data cbor.RawMessage `cbor:"data"`
}

// EncodeMessage serializes a Message to its CBOR wire form.
func EncodeMessage(m Message) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, rpcerrors.NewSerializationError("encode_message", err)
	}
	env := envelope{Type: m.messageType(), Data: data}
	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, rpcerrors.NewSerializationError("encode_envelope", err)
	}
	return out, nil
}

// DecodeMessage deserializes a Message from its CBOR wire form. An unknown
// type discriminator is a SerializationError, not silently dropped.
func DecodeMessage(b []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return nil, rpcerrors.NewSerializationError("decode_envelope", err)
	}

	var m Message
	switch env.Type {
	case "ping":
		m = &Ping{}
	case "pong":
		m = &Pong{}
	case "error":
		m = &ErrorMessage{}
	case "handshake":
		m = &Handshake{}
	case "signed_handshake":
		m = &SignedHandshake{}
	default:
		return nil, rpcerrors.NewSerializationError("decode_envelope", fmt.Errorf("unknown message type %q", env.Type))
	}

	if err := cbor.Unmarshal(env.Data, m); err != nil {
		return nil, rpcerrors.NewSerializationError("decode_message", err)
	}

	// Unwrap the pointer receivers used only to give Unmarshal an
	// addressable target, returning the value types declared above.
	switch v := m.(type) {
	case *Ping:
		return *v, nil
	case *Pong:
		return *v, nil
	case *ErrorMessage:
		return *v, nil
	case *Handshake:
		return *v, nil
	case *SignedHandshake:
		return *v, nil
	}
	return m, nil
}

// MessageWrapper ties a frame's MessageKind to the Message it carries,
// enforcing the pairing invariant: HandshakeInit carries Handshake,
// HandshakeReply carries SignedHandshake, Normal carries anything else.
type MessageWrapper struct {
	Kind    MessageKind
	Payload Message
}

// WrapMessage tags a Message with its required MessageKind, removing the
// chance of a caller mismatching kind and payload by hand.
func WrapMessage(m Message) MessageWrapper {
	switch m.(type) {
	case Handshake:
		return MessageWrapper{Kind: KindHandshakeInit, Payload: m}
	case SignedHandshake:
		return MessageWrapper{Kind: KindHandshakeReply, Payload: m}
	default:
		return MessageWrapper{Kind: KindNormal, Payload: m}
	}
}

// Validate checks that Kind and Payload are a legal pairing.
func (w MessageWrapper) Validate() error {
	switch w.Kind {
	case KindHandshakeInit:
		if _, ok := w.Payload.(Handshake); !ok {
			return rpcerrors.NewProtocolError("validate_wrapper", rpcerrors.ErrWrapperMismatch)
		}
	case KindHandshakeReply:
		if _, ok := w.Payload.(SignedHandshake); !ok {
			return rpcerrors.NewProtocolError("validate_wrapper", rpcerrors.ErrWrapperMismatch)
		}
	case KindNormal:
		switch w.Payload.(type) {
		case Handshake, SignedHandshake:
			return rpcerrors.NewProtocolError("validate_wrapper", rpcerrors.ErrWrapperMismatch)
		}
	default:
		return rpcerrors.NewProtocolError("validate_wrapper", rpcerrors.ErrUnknownFrameKind)
	}
	return nil
}
