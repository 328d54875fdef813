// Package keystore loads and persists the long-term Ed25519 signing key
// used to authenticate the handshake, and the peer public keys pinned by
// clients. Key material is only written to disk in encoded form (PEM or
// base64 PKCS#8/PKIX); callers receive stdlib crypto/ed25519 keys.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coinstash/securerpc/internal/rpcerrors"
)

const (
	pemBlockType    = "PRIVATE KEY"
	pemPublicType   = "PUBLIC KEY"
	privateFileMode = 0o600
	dirMode         = 0o700
)

// LoadOrCreateSigningKey loads the PKCS#8-encoded Ed25519 private key at
// path, or generates and persists a new one if the file does not exist.
// The returned bool reports whether a new key was created.
func LoadOrCreateSigningKey(path string) (ed25519.PrivateKey, bool, error) {
	key, err := LoadSigningKey(path)
	if err == nil {
		return key, false, nil
	}
	if !os.IsNotExist(unwrapCause(err)) {
		return nil, false, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, false, rpcerrors.NewCryptoError("generate_signing_key", err)
	}
	if err := StoreSigningKey(path, priv); err != nil {
		return nil, false, err
	}
	return priv, true, nil
}

// unwrapCause unwraps the wrapped rpcerrors.CryptoError (if any) so
// os.IsNotExist can inspect the underlying os.PathError.
func unwrapCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	for {
		u, ok := err.(unwrapper)
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

// LoadSigningKey reads a PKCS#8-encoded Ed25519 private key from path. The
// file content is either base64 text or a PEM block of type "PRIVATE KEY";
// a PEM block is tried first, and the content is decoded as base64 if none
// is found.
func LoadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("load_signing_key", err)
	}

	der, err := decodeKeyFile(data, pemBlockType)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("load_signing_key", err)
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("load_signing_key", fmt.Errorf("parse pkcs8: %w", err))
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, rpcerrors.NewCryptoError("load_signing_key", fmt.Errorf("key at %s is not Ed25519", path))
	}
	return priv, nil
}

// StoreSigningKey persists priv as PEM-encoded PKCS#8 at path, writing
// atomically via a temp file and rename so a crash mid-write never leaves
// a truncated key on disk.
func StoreSigningKey(path string, priv ed25519.PrivateKey) error {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return rpcerrors.NewCryptoError("store_signing_key", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	return writeFileAtomic(path, block, privateFileMode)
}

// LoadPeerPublicKey reads a peer's Ed25519 public signing key, in either
// base64 or PEM ("PUBLIC KEY") form.
func LoadPeerPublicKey(path string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("load_peer_public_key", err)
	}

	der, err := decodeKeyFile(data, pemPublicType)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("load_peer_public_key", err)
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, rpcerrors.NewCryptoError("load_peer_public_key", fmt.Errorf("parse pkix: %w", err))
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, rpcerrors.NewCryptoError("load_peer_public_key", fmt.Errorf("key at %s is not Ed25519", path))
	}
	return pub, nil
}

// StorePeerPublicKey persists a public key as PEM-encoded PKIX, for
// distributing a server's signing public key to clients.
func StorePeerPublicKey(path string, pub ed25519.PublicKey) error {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return rpcerrors.NewCryptoError("store_peer_public_key", err)
	}
	block := pem.EncodeToMemory(&pem.Block{Type: pemPublicType, Bytes: der})
	return writeFileAtomic(path, block, 0o644)
}

func decodeKeyFile(data []byte, pemType string) ([]byte, error) {
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != pemType {
			return nil, fmt.Errorf("unexpected PEM block type %q, want %q", block.Type, pemType)
		}
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key is neither PEM nor base64: %w", err)
	}
	return der, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return rpcerrors.NewCryptoError("write_key_file", fmt.Errorf("create dir: %w", err))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return rpcerrors.NewCryptoError("write_key_file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return rpcerrors.NewCryptoError("write_key_file", fmt.Errorf("persist: %w", err))
	}
	return nil
}
