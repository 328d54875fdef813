package protocol

import (
	"errors"
	"reflect"
	"testing"

	"github.com/coinstash/securerpc/internal/rpcerrors"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		Ping{},
		Pong{},
		ErrorMessage{Text: "bad request"},
		Handshake{PublicKey: []byte{1, 2, 3, 4}},
		SignedHandshake{PublicKey: []byte{5, 6}, Signature: []byte{7, 8, 9}},
	}

	for _, want := range cases {
		b, err := EncodeMessage(want)
		if err != nil {
			t.Fatalf("encode %T: %v", want, err)
		}
		got, err := DecodeMessage(b)
		if err != nil {
			t.Fatalf("decode %T: %v", want, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("round trip mismatch: got %#v, want %#v", got, want)
		}
	}
}

func TestDecodeMessageRejectsCorruptedInput(t *testing.T) {
	b, err := EncodeMessage(Ping{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Replace the last byte of a valid encoding with a stray CBOR break
	// code so the envelope no longer parses.
	_, err = DecodeMessage(append(b[:len(b)-1], 0xff))
	if err == nil {
		t.Fatal("expected decode of corrupted message to fail")
	}
	var se *rpcerrors.SerializationError
	if !errors.As(err, &se) {
		t.Fatalf("expected SerializationError, got %T: %v", err, err)
	}
}

func TestWrapMessageAssignsKind(t *testing.T) {
	cases := []struct {
		msg  Message
		kind MessageKind
	}{
		{Handshake{PublicKey: []byte{1}}, KindHandshakeInit},
		{SignedHandshake{PublicKey: []byte{1}, Signature: []byte{2}}, KindHandshakeReply},
		{Ping{}, KindNormal},
		{ErrorMessage{Text: "x"}, KindNormal},
	}
	for _, c := range cases {
		w := WrapMessage(c.msg)
		if w.Kind != c.kind {
			t.Fatalf("WrapMessage(%T): got kind %v, want %v", c.msg, w.Kind, c.kind)
		}
		if err := w.Validate(); err != nil {
			t.Fatalf("Validate() on wrapped %T: %v", c.msg, err)
		}
	}
}

func TestMessageWrapperValidateRejectsMismatch(t *testing.T) {
	w := MessageWrapper{Kind: KindHandshakeInit, Payload: Ping{}}
	if err := w.Validate(); !errors.Is(err, rpcerrors.ErrWrapperMismatch) {
		t.Fatalf("expected ErrWrapperMismatch, got %v", err)
	}

	w = MessageWrapper{Kind: KindNormal, Payload: Handshake{PublicKey: []byte{1}}}
	if err := w.Validate(); !errors.Is(err, rpcerrors.ErrWrapperMismatch) {
		t.Fatalf("expected ErrWrapperMismatch, got %v", err)
	}
}
