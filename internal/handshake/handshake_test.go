package handshake

import (
	"crypto/ed25519"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/coinstash/securerpc/internal/protocol"
	"github.com/coinstash/securerpc/internal/rpcerrors"
)

func TestHandshakeEndToEndDerivesMatchingSession(t *testing.T) {
	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientResult := make(chan *ClientResult, 1)
	clientErr := make(chan error, 1)
	go func() {
		res, err := RunClient(clientConn, clientConn, serverPub)
		clientResult <- res
		clientErr <- err
	}()

	serverResult, err := RunServer(serverConn, serverConn, serverPriv)
	if err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if err := <-clientErr; err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	cr := <-clientResult

	if cr.State != ClientSessionReady {
		t.Fatalf("client state = %v, want %v", cr.State, ClientSessionReady)
	}
	if serverResult.State != ServerSessionReady {
		t.Fatalf("server state = %v, want %v", serverResult.State, ServerSessionReady)
	}

	// Prove the two sessions are actually paired: a message sealed by one
	// side opens cleanly on the other.
	nonce, ciphertext, err := cr.Session.Seal([]byte("hello"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := serverResult.Session.Open(nonce, ciphertext)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestHandshakeRejectsWrongServerSigningKey(t *testing.T) {
	_, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}
	wrongPub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate unrelated key: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientErr := make(chan error, 1)
	go func() {
		_, err := RunClient(clientConn, clientConn, wrongPub)
		clientErr <- err
	}()

	if _, err := RunServer(serverConn, serverConn, serverPriv); err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	err = <-clientErr
	if err == nil {
		t.Fatal("expected client to reject a signature made with an unexpected key")
	}
	var ce *rpcerrors.CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CryptoError, got %T: %v", err, err)
	}
}

func TestHandshakeFailsOnTruncatedInit(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		// Write a length prefix promising more bytes than ever arrive,
		// then close the writer's half.
		clientConn.Write([]byte{0, 0, 0, 10, 2})
		clientConn.Close()
	}()

	_, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	_, err = RunServer(serverConn, serverConn, serverPriv)
	if err == nil {
		t.Fatal("expected truncated handshake init to fail")
	}
	if !errors.Is(err, io.ErrClosedPipe) {
		var fe *rpcerrors.FramingError
		if !errors.As(err, &fe) {
			t.Fatalf("expected FramingError or closed-pipe error, got %T: %v", err, err)
		}
	}
}

func TestHandshakeRejectsServerEchoingClientEphemeralKey(t *testing.T) {
	// A malicious (or buggy) server could sign and echo back the client's
	// own ephemeral public key as its "server ephemeral" key. The client
	// must reject this rather than deriving a session where its sealer
	// and opener keys collide.
	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientErr := make(chan error, 1)
	go func() {
		_, err := RunClient(clientConn, clientConn, serverPub)
		clientErr <- err
	}()

	reader := protocol.NewFrameReader(serverConn)
	writer := protocol.NewFrameWriter(serverConn)
	codec := protocol.NewCodec()

	initFrame, err := reader.Read()
	if err != nil {
		t.Fatalf("read init: %v", err)
	}
	wrapper, err := codec.DecodeFrame(initFrame)
	if err != nil {
		t.Fatalf("decode init: %v", err)
	}
	clientHandshake, ok := wrapper.Payload.(protocol.Handshake)
	if !ok {
		t.Fatalf("expected Handshake payload, got %#v", wrapper.Payload)
	}

	signature := ed25519.Sign(serverPriv, clientHandshake.PublicKey)
	replyFrame, err := codec.EncodeFrame(protocol.WrapMessage(protocol.SignedHandshake{
		PublicKey: clientHandshake.PublicKey,
		Signature: signature,
	}))
	if err != nil {
		t.Fatalf("encode reply: %v", err)
	}
	if err := writer.Write(replyFrame); err != nil {
		t.Fatalf("write reply: %v", err)
	}

	err = <-clientErr
	if err == nil {
		t.Fatal("expected client to reject a server echoing its own ephemeral key")
	}
	var ce *rpcerrors.CryptoError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CryptoError, got %T: %v", err, err)
	}
}

func TestHandshakeServerTimesOutWaitingForInit(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	_, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := RunServer(serverConn, serverConn, serverPriv)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("expected RunServer to block awaiting init, got %v", err)
	case <-time.After(50 * time.Millisecond):
		serverConn.Close()
	}

	if err := <-done; err == nil {
		t.Fatal("expected RunServer to return an error once its connection is closed")
	}
}
