package core

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// SharedSecretSize is the symmetric key size derived at the end of the
// handshake (spec §4.3) and used for every authenticated frame on the
// session.
const SharedSecretSize = 32

// SharedSecret is the per-session key from spec §3; it is a disposable
// buffer holding secret material and must be zeroed before release.
type SharedSecret [SharedSecretSize]byte

// Zero overwrites the secret, per spec §3/§5.
func (s *SharedSecret) Zero() {
	for i := range s {
		s[i] = 0
	}
}

// ComputeSharedSecret derives the session's shared secret from the
// server's long-term encryption private key, the peer's encryption
// public key, and both key nonces, mirroring
// protocolservice_compute_shared_secret.c: an X25519 agreement followed
// by an unkeyed BLAKE2b-256 hash over the agreement output and both nonces (the
// source's vccrypt short-term secret derivation plays the same role —
// combine the DH output with both nonces so each session gets an
// independent key even when ECDH output alone collides across retries).
func ComputeSharedSecret(serverPriv [EncryptionPrivateKeySize]byte, clientPub [EncryptionPublicKeySize]byte, serverKeyNonce, clientKeyNonce []byte) (SharedSecret, error) {
	dh, err := curve25519.X25519(serverPriv[:], clientPub[:])
	if err != nil {
		return SharedSecret{}, err
	}

	h, err := blake2b.New256(nil)
	if err != nil {
		return SharedSecret{}, err
	}
	h.Write(dh)
	h.Write(serverKeyNonce)
	h.Write(clientKeyNonce)

	var secret SharedSecret
	copy(secret[:], h.Sum(nil))
	return secret, nil
}

// ShortMAC computes the handshake's challenge-coupled MAC: a keyed hash,
// under sharedSecret, over message followed by challenge. Spec §4.3:
// "the MAC is the short-MAC over all preceding bytes followed by the
// client challenge nonce (the challenge-response coupling)."
func ShortMAC(sharedSecret SharedSecret, message, challenge []byte) ([]byte, error) {
	h, err := blake2b.New256(sharedSecret[:])
	if err != nil {
		return nil, err
	}
	h.Write(message)
	h.Write(challenge)
	return h.Sum(nil), nil
}

// AEAD returns the authenticated cipher used for every post-handshake
// frame on a session, keyed by the session's shared secret.
func AEAD(sharedSecret SharedSecret) (cipher.AEAD, error) {
	return chacha20poly1305.New(sharedSecret[:])
}

// ivNonce expands a direction's monotonic 64-bit IV into the 12-byte
// nonce chacha20poly1305 requires. The high 4 bytes are always zero:
// the IV space (2^64) is assumed bounded per connection lifetime, per
// spec §4.3's "IV rollover is not handled."
func ivNonce(iv uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[4:], iv)
	return nonce
}

// SealFrame authenticated-encrypts plaintext under iv, returning the
// ciphertext with the AEAD tag appended (chacha20poly1305.Seal's usual
// layout), which is written to the wire as described in spec §6.
func SealFrame(aead cipher.AEAD, iv uint64, plaintext []byte) []byte {
	return aead.Seal(nil, ivNonce(iv), plaintext, nil)
}

// OpenFrame authenticated-decrypts ciphertext under iv.
func OpenFrame(aead cipher.AEAD, iv uint64, ciphertext []byte) ([]byte, error) {
	pt, err := aead.Open(nil, ivNonce(iv), ciphertext, nil)
	if err != nil {
		return nil, errors.New("cryptosuite: authentication failed")
	}
	return pt, nil
}
