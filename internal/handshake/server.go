package handshake

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"github.com/coinstash/securerpc/internal/cryptosession"
	"github.com/coinstash/securerpc/internal/protocol"
	"github.com/coinstash/securerpc/internal/rpcerrors"
)

// ServerResult carries the outcome of a successful server handshake.
type ServerResult struct {
	Session *cryptosession.AEADSession
	State   ServerState
}

// RunServer drives the server side of the handshake over r/w: it waits
// for the client's ephemeral public key, generates its own ephemeral
// keypair, signs it with signingKey and replies, then derives the AEAD
// session. The reply frame is sent in plaintext, before the session is
// derived, matching the wire format's handshake-frames-are-never-encrypted
// rule.
func RunServer(r io.Reader, w io.Writer, signingKey ed25519.PrivateKey) (*ServerResult, error) {
	state := ServerListening

	codec := protocol.NewCodec()
	writer := protocol.NewFrameWriterSize(w, protocol.MaxHandshakeFrameSize)
	reader := protocol.NewFrameReaderSize(r, protocol.MaxHandshakeFrameSize)

	state = ServerAwaitInit
	initFrame, err := reader.Read()
	if err != nil {
		return nil, err
	}
	if initFrame.Kind != protocol.KindHandshakeInit {
		return nil, rpcerrors.NewProtocolError("server_handshake", fmt.Errorf("expected handshake init, got kind %v", initFrame.Kind))
	}

	wrapper, err := codec.DecodeFrame(initFrame)
	if err != nil {
		return nil, err
	}
	clientHandshake, ok := wrapper.Payload.(protocol.Handshake)
	if !ok {
		return nil, rpcerrors.NewProtocolError("server_handshake", rpcerrors.ErrWrapperMismatch)
	}
	state = ServerGotInit

	var clientPub [cryptosession.KeySize]byte
	if len(clientHandshake.PublicKey) != cryptosession.KeySize {
		return nil, rpcerrors.NewCryptoError("server_handshake", fmt.Errorf("client ephemeral key has wrong length: %d", len(clientHandshake.PublicKey)))
	}
	copy(clientPub[:], clientHandshake.PublicKey)

	ephemeral, err := cryptosession.GenerateEphemeralKeyPair()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Zero()

	signature := ed25519.Sign(signingKey, ephemeral.Public[:])

	replyFrame, err := codec.EncodeFrame(protocol.WrapMessage(protocol.SignedHandshake{
		PublicKey: ephemeral.Public[:],
		Signature: signature,
	}))
	if err != nil {
		return nil, err
	}
	if err := writer.Write(replyFrame); err != nil {
		return nil, err
	}
	state = ServerSentReply

	session, err := cryptosession.DeriveSession(ephemeral.Private, ephemeral.Public, clientPub)
	if err != nil {
		return nil, err
	}
	state = ServerSessionReady

	return &ServerResult{Session: session, State: state}, nil
}
