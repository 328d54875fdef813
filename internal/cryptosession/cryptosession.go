// Package cryptosession implements the ephemeral key agreement, key
// derivation and AEAD sealing used to protect frames after a handshake
// completes.
package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/coinstash/securerpc/internal/rpcerrors"
)

const (
	// KeySize is the size in bytes of an X25519 scalar or AES-256 key.
	KeySize = 32

	// NonceSize is the size in bytes of an AES-256-GCM nonce.
	NonceSize = 12

	// TagSize is the size in bytes of an AES-256-GCM authentication tag.
	TagSize = 16
)

// saltB64 is the fixed HKDF salt shared by both ends of the protocol. It is
// not secret; its only purpose is domain separation from other HKDF uses
// of the same shared secret.
const saltB64 = "oW8+beevA7hLwDgSFE3ny/L/xLp0jaygmgYdgWUpsyY="

var hkdfSalt = func() []byte {
	b, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		panic("cryptosession: invalid embedded salt: " + err.Error())
	}
	return b
}()

// EphemeralKeyPair is a single-use X25519 keypair generated for one
// connection's handshake. The private scalar must be consumed by exactly
// one call to DeriveSession and discarded afterward.
type EphemeralKeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateEphemeralKeyPair creates a new X25519 keypair.
func GenerateEphemeralKeyPair() (*EphemeralKeyPair, error) {
	var kp EphemeralKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, rpcerrors.NewCryptoError("generate_ephemeral", err)
	}

	// Clamp per the X25519 spec (RFC 7748 section 5).
	kp.Private[0] &= 248
	kp.Private[31] &= 127
	kp.Private[31] |= 64

	curve25519.ScalarBaseMult(&kp.Public, &kp.Private)
	return &kp, nil
}

// Zero overwrites the private scalar so it no longer lingers in memory.
// Call this once DeriveSession has consumed the keypair.
func (kp *EphemeralKeyPair) Zero() {
	for i := range kp.Private {
		kp.Private[i] = 0
	}
}

// AEADSession holds the directional AES-256-GCM keys derived from one
// completed key agreement. Sealer encrypts outbound frames; Opener
// decrypts inbound frames. The two ends of a connection end up with
// swapped sealer/opener keys because each derives its sealer from its own
// public key and its opener from the peer's.
type AEADSession struct {
	sealer cipher.AEAD
	opener cipher.AEAD
}

// DeriveSession performs the X25519 Diffie-Hellman agreement and derives
// the two directional AES-256-GCM keys via HKDF-SHA512/256. ourPub and
// peerPub are the ephemeral public keys exchanged during the handshake; ourPriv is
// consumed and should not be reused afterward.
func DeriveSession(ourPriv [KeySize]byte, ourPub, peerPub [KeySize]byte) (*AEADSession, error) {
	var zero [KeySize]byte
	if peerPub == zero {
		return nil, rpcerrors.NewCryptoError("derive_session", fmt.Errorf("peer public key is all-zero"))
	}
	if peerPub == ourPub {
		return nil, rpcerrors.NewCryptoError("derive_session", fmt.Errorf("peer public key equals our own ephemeral public key"))
	}

	var shared [KeySize]byte
	curve25519.ScalarMult(&shared, &ourPriv, &peerPub)
	if shared == zero {
		return nil, rpcerrors.NewCryptoError("derive_session", fmt.Errorf("ECDH result is a low-order point"))
	}

	sealerKey, err := deriveKey(shared, ourPub[:])
	if err != nil {
		return nil, rpcerrors.NewCryptoError("derive_sealer_key", err)
	}
	openerKey, err := deriveKey(shared, peerPub[:])
	if err != nil {
		return nil, rpcerrors.NewCryptoError("derive_opener_key", err)
	}

	sealer, err := newGCM(sealerKey)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("new_sealer", err)
	}
	opener, err := newGCM(openerKey)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("new_opener", err)
	}

	return &AEADSession{sealer: sealer, opener: opener}, nil
}

func deriveKey(shared [KeySize]byte, info []byte) ([KeySize]byte, error) {
	var key [KeySize]byte
	reader := hkdf.New(sha512.New512_256, shared[:], hkdfSalt, info)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

func newGCM(key [KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext with a fresh random nonce and no associated
// data, returning the nonce and the ciphertext-with-tag separately so the
// caller can frame them per the wire format.
func (s *AEADSession) Seal(plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, rpcerrors.NewCryptoError("seal_nonce", err)
	}
	ciphertext = s.sealer.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts ciphertext sealed by the peer's Seal call, using the
// supplied nonce and no associated data.
func (s *AEADSession) Open(nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, rpcerrors.NewCryptoError("open", rpcerrors.ErrBadNonceLength)
	}
	plaintext, err := s.opener.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("open", err)
	}
	return plaintext, nil
}
