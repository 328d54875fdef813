package handshake

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/coinstash/securerpc/internal/cryptosession"
	"github.com/coinstash/securerpc/internal/protocol"
	"github.com/coinstash/securerpc/internal/rpcerrors"
)

// ClientResult carries the outcome of a successful client handshake.
type ClientResult struct {
	Session *cryptosession.AEADSession
	State   ClientState
}

// RunClient drives the client side of the handshake over r/w: it sends
// its ephemeral public key, waits for the server's signed ephemeral
// public key, verifies the signature against peerSigningPublicKey, and
// derives the AEAD session. r and w are typically the two halves of the
// same net.Conn. RunClient sets no timeout of its own; the caller bounds
// the exchange, e.g. with a deadline on the connection.
func RunClient(r io.Reader, w io.Writer, peerSigningPublicKey ed25519.PublicKey) (*ClientResult, error) {
	state := ClientInit

	ephemeral, err := cryptosession.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Zero()

	codec := protocol.NewCodec()
	writer := protocol.NewFrameWriterSize(w, protocol.MaxHandshakeFrameSize)
	reader := protocol.NewFrameReaderSize(r, protocol.MaxHandshakeFrameSize)

	initFrame, err := codec.EncodeFrame(protocol.WrapMessage(protocol.Handshake{PublicKey: ephemeral.Public[:]}))
	if err != nil {
		return nil, err
	}
	if err := writer.Write(initFrame); err != nil {
		return nil, err
	}
	state = ClientSentInit

	state = ClientAwaitReply
	replyFrame, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if replyFrame.Kind != protocol.KindHandshakeReply {
		return nil, rpcerrors.NewProtocolError("client_handshake", fmt.Errorf("expected handshake reply, got kind %v", replyFrame.Kind))
	}

	wrapper, err := codec.DecodeFrame(replyFrame)
	if err != nil {
		return nil, err
	}
	signed, ok := wrapper.Payload.(protocol.SignedHandshake)
	if !ok {
		return nil, rpcerrors.NewProtocolError("client_handshake", rpcerrors.ErrWrapperMismatch)
	}

	if !ed25519.Verify(peerSigningPublicKey, signed.PublicKey, signed.Signature) {
		return nil, rpcerrors.NewCryptoError("client_handshake", fmt.Errorf("server signature does not verify against pinned key"))
	}
	state = ClientVerified

	var serverPub [cryptosession.KeySize]byte
	if len(signed.PublicKey) != cryptosession.KeySize {
		return nil, rpcerrors.NewCryptoError("client_handshake", fmt.Errorf("server ephemeral key has wrong length: %d", len(signed.PublicKey)))
	}
	copy(serverPub[:], signed.PublicKey)

	session, err := cryptosession.DeriveSession(ephemeral.Private, ephemeral.Public, serverPub)
	if err != nil {
		return nil, err
	}
	state = ClientSessionReady

	return &ClientResult{Session: session, State: state}, nil
}
